package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CivicNotice/internal/agent"
	xerrors "CivicNotice/internal/errors"
)

func TestInstrumentRecordsStatus(t *testing.T) {
	handler := Instrument("test_teapot", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	before := testutil.ToFloat64(httpRequests.WithLabelValues("test_teapot", http.MethodGet, "418"))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	after := testutil.ToFloat64(httpRequests.WithLabelValues("test_teapot", http.MethodGet, "418"))

	assert.Equal(t, before+1, after)
}

func TestServerErrorsAreCounted(t *testing.T) {
	before := testutil.ToFloat64(httpErrors.WithLabelValues("test_errors", http.MethodPost))
	ObserveHTTPRequest("test_errors", http.MethodPost, http.StatusBadGateway, time.Millisecond)
	ObserveHTTPRequest("test_errors", http.MethodPost, http.StatusBadRequest, time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(httpErrors.WithLabelValues("test_errors", http.MethodPost)))
}

func TestPipelineObserverCountsTerminalStates(t *testing.T) {
	observe := PipelineObserver()
	complete := pipelineRuns.WithLabelValues("complete", "")
	failed := pipelineRuns.WithLabelValues("failed", string(xerrors.CodeStageExecution))
	beforeComplete, beforeFailed := testutil.ToFloat64(complete), testutil.ToFloat64(failed)

	observe(agent.Transition{From: agent.StateNotStarted, To: agent.StateDrafting})
	observe(agent.Transition{From: agent.StateDrafting, To: agent.StateReviewing, Stage: agent.StageDraft, Duration: time.Second})
	observe(agent.Transition{From: agent.StateReviewing, To: agent.StateComplete, Stage: agent.StageReview, Duration: time.Second})
	observe(agent.Transition{
		From:  agent.StateDrafting,
		To:    agent.StateFailed,
		Stage: agent.StageDraft,
		Err:   xerrors.Wrap(xerrors.CodeStageExecution, errors.New("down"), "draft stage failed"),
	})

	assert.Equal(t, beforeComplete+1, testutil.ToFloat64(complete))
	assert.Equal(t, beforeFailed+1, testutil.ToFloat64(failed))
}

func TestHandlerExposesNamespace(t *testing.T) {
	ObserveJob("succeeded")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "civicnotice_jobs_transitions_total"))
}
