package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CivicNotice/internal/notice"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_720_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func sampleRequest(title string) notice.Request {
	return notice.Request{
		Title:          title,
		Body:           "Main St closed for repair",
		Date:           "15/08/2024",
		Location:       "Main St",
		Audience:       "Residents",
		Category:       "maintenance",
		Department:     "Public Works",
		ContactOfficer: "A. Kumar",
		ContactNumber:  "1234567890",
		Email:          "a@x.gov",
	}
}

// runStoreContract 对任意 Store 实现执行相同的行为检查。
func runStoreContract(t *testing.T, newStore func(t *testing.T, clock *fakeClock) Store) {
	t.Run("create and get", func(t *testing.T) {
		store := newStore(t, newFakeClock())
		ctx := context.Background()

		notes := "Use Park Rd"
		req := sampleRequest("Road Closure")
		req.AdditionalNotes = &notes
		req.Language = "Hindi"

		require.NoError(t, store.Create(ctx, &Task{ID: "job-1", Request: req, MaxRetries: 3}))

		got, err := store.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
		assert.Equal(t, req, got.Request)
		assert.Nil(t, got.Result)
		assert.NotZero(t, got.CreatedAt)

		err = store.Create(ctx, &Task{ID: "job-1", Request: req, MaxRetries: 3})
		assert.ErrorIs(t, err, ErrTaskConflict)

		_, err = store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("claim lifecycle", func(t *testing.T) {
		store := newStore(t, newFakeClock())
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, &Task{ID: "job", Request: sampleRequest("Water"), Status: StatusPending, MaxRetries: 3}))

		claimed, err := store.Claim(ctx, "job")
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, claimed.Status)
		assert.Equal(t, 1, claimed.Attempts)

		_, err = store.Claim(ctx, "job")
		assert.ErrorIs(t, err, ErrTaskConflict)

		require.NoError(t, store.MarkFailed(ctx, "job", CodeTaskProcessing, "temporary", false))
		failed, err := store.Get(ctx, "job")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, failed.Status)
		assert.Equal(t, "temporary", failed.LastError)
		assert.Equal(t, string(CodeTaskProcessing), failed.ErrorCode)
		assert.False(t, failed.Finished())

		claimed, err = store.Claim(ctx, "job")
		require.NoError(t, err)
		assert.Equal(t, 2, claimed.Attempts)
		assert.Empty(t, claimed.LastError)

		result := Result{RunID: "run-1", Model: "gemini-2.5-flash", Draft: "draft", Notice: "final"}
		require.NoError(t, store.MarkSucceeded(ctx, "job", result))

		done, err := store.Get(ctx, "job")
		require.NoError(t, err)
		assert.True(t, done.Finished())
		require.NotNil(t, done.Result)
		assert.Equal(t, result, *done.Result)

		_, err = store.Claim(ctx, "job")
		assert.ErrorIs(t, err, ErrTaskCompleted)

		_, err = store.Claim(ctx, "missing")
		assert.ErrorIs(t, err, ErrTaskNotFound)
		assert.ErrorIs(t, store.MarkSucceeded(ctx, "missing", result), ErrTaskNotFound)
		assert.ErrorIs(t, store.MarkFailed(ctx, "missing", CodeTaskProcessing, "x", true), ErrTaskNotFound)
	})

	t.Run("retries exhausted", func(t *testing.T) {
		store := newStore(t, newFakeClock())
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, &Task{ID: "once", Request: sampleRequest("Once"), MaxRetries: 1}))
		require.NoError(t, store.Create(ctx, &Task{ID: "terminal", Request: sampleRequest("Terminal"), MaxRetries: 3}))

		_, err := store.Claim(ctx, "once")
		require.NoError(t, err)
		require.NoError(t, store.MarkFailed(ctx, "once", CodeTaskProcessing, "boom", false))
		_, err = store.Claim(ctx, "once")
		assert.ErrorIs(t, err, ErrTaskExhausted)

		_, err = store.Claim(ctx, "terminal")
		require.NoError(t, err)
		require.NoError(t, store.MarkFailed(ctx, "terminal", CodeTaskProcessing, "bad input", true))
		terminal, err := store.Get(ctx, "terminal")
		require.NoError(t, err)
		assert.Equal(t, 1, terminal.MaxRetries)
		assert.True(t, terminal.Finished())
		_, err = store.Claim(ctx, "terminal")
		assert.ErrorIs(t, err, ErrTaskExhausted)
	})

	t.Run("list and stats", func(t *testing.T) {
		clock := newFakeClock()
		base := clock.Now().Unix()
		store := newStore(t, clock)
		ctx := context.Background()

		require.NoError(t, store.Create(ctx, &Task{ID: "t1", Request: sampleRequest("Road Closure"), MaxRetries: 3}))
		clock.Advance(10 * time.Second)
		water := sampleRequest("Water Supply Interruption")
		water.Department = "Jal Board"
		require.NoError(t, store.Create(ctx, &Task{ID: "t2", Request: water, MaxRetries: 3}))
		clock.Advance(10 * time.Second)
		require.NoError(t, store.Create(ctx, &Task{ID: "t3", Request: sampleRequest("Tax Camp"), MaxRetries: 3}))
		clock.Advance(10 * time.Second)
		require.NoError(t, store.MarkFailed(ctx, "t2", CodeTaskProcessing, "boom", true))
		clock.Advance(10 * time.Second)
		require.NoError(t, store.MarkSucceeded(ctx, "t3", Result{Notice: "ok"}))

		ids := func(tasks []*Task) []string {
			out := make([]string, 0, len(tasks))
			for _, task := range tasks {
				out = append(out, task.ID)
			}
			return out
		}

		all, err := store.List(ctx, ListOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"t3", "t2", "t1"}, ids(all))

		asc, err := store.List(ctx, buildListOptions([]ListOption{WithSortOrder(SortByUpdatedAsc)}))
		require.NoError(t, err)
		assert.Equal(t, []string{"t1", "t2", "t3"}, ids(asc))

		page, err := store.List(ctx, buildListOptions([]ListOption{WithLimit(1), WithOffset(1)}))
		require.NoError(t, err)
		assert.Equal(t, []string{"t2"}, ids(page))

		failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
		require.NoError(t, err)
		assert.Equal(t, []string{"t2"}, ids(failed))

		withResult, err := store.List(ctx, buildListOptions([]ListOption{WithResultPresence(true)}))
		require.NoError(t, err)
		assert.Equal(t, []string{"t3"}, ids(withResult))

		recent, err := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(time.Unix(base+15, 0))}))
		require.NoError(t, err)
		assert.Equal(t, []string{"t3", "t2"}, ids(recent))

		byQuery, err := store.List(ctx, buildListOptions([]ListOption{WithQuery("jal board")}))
		require.NoError(t, err)
		assert.Equal(t, []string{"t2"}, ids(byQuery))

		stats, err := store.Stats(ctx, ListOptions{})
		require.NoError(t, err)
		assert.Equal(t, TaskStats{
			Total:           3,
			Pending:         1,
			Succeeded:       1,
			Failed:          1,
			OldestUpdatedAt: base,
			NewestUpdatedAt: base + 40,
		}, stats)

		withoutResult, err := store.Stats(ctx, buildListOptions([]ListOption{WithResultPresence(false)}))
		require.NoError(t, err)
		assert.Equal(t, 2, withoutResult.Total)
		assert.Equal(t, 1, withoutResult.Pending)
		assert.Equal(t, 1, withoutResult.Failed)

		empty, err := store.Stats(ctx, buildListOptions([]ListOption{WithStatuses(StatusRunning)}))
		require.NoError(t, err)
		assert.Equal(t, TaskStats{}, empty)
	})
}
