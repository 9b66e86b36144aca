package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CivicNotice/sdk/go/civicnotice"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestGenerateMergesFileAndFlags(t *testing.T) {
	var received civicnotice.NoticeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate_notice", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_, _ = w.Write([]byte(`{"message":"# PUBLIC NOTICE","error":null}`))
	}))
	defer srv.Close()

	file := filepath.Join(t.TempDir(), "notice.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"title":"From File","department":"Public Works","email":"a@x.gov"}`), 0o600))

	out, err := runCLI(t, "--server", srv.URL, "generate", "-f", file,
		"--title", "Road Closure", "--notes", "Use Park Rd", "--language", "Hindi")
	require.NoError(t, err)
	assert.Equal(t, "# PUBLIC NOTICE\n", out)

	assert.Equal(t, "Road Closure", received.Title)
	assert.Equal(t, "Public Works", received.Department)
	assert.Equal(t, "Hindi", received.Language)
	require.NotNil(t, received.AdditionalNotes)
	assert.Equal(t, "Use Park Rd", *received.AdditionalNotes)
}

func TestGenerateReportsPipelineFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":"","error":"draft stage failed"}`))
	}))
	defer srv.Close()

	_, err := runCLI(t, "--server", srv.URL, "generate", "--title", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "draft stage failed")
}

func TestSubmitAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/notices":
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"id":"job-7","status":"pending"}`))
		case r.URL.Path == "/api/v1/notices/job-7":
			_, _ = w.Write([]byte(`{"id":"job-7","status":"succeeded","finished":true,"result":{"draft":"d","notice":"final text"}}`))
		case r.URL.Path == "/api/v1/notices/broken":
			_, _ = w.Write([]byte(`{"id":"broken","status":"failed","finished":true,"error":"retries exhausted"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":"TASK_NOT_FOUND","message":"task not found"}}`))
		}
	}))
	defer srv.Close()

	out, err := runCLI(t, "--server", srv.URL, "submit", "--id", "job-7", "--title", "Road Closure")
	require.NoError(t, err)
	var receipt civicnotice.JobReceipt
	require.NoError(t, json.Unmarshal([]byte(out), &receipt))
	assert.Equal(t, "job-7", receipt.ID)

	out, err = runCLI(t, "--server", srv.URL, "submit", "--wait", "--interval", "10ms", "--title", "Road Closure")
	require.NoError(t, err)
	assert.Equal(t, "final text\n", out)

	out, err = runCLI(t, "--server", srv.URL, "status", "job-7")
	require.NoError(t, err)
	assert.Equal(t, "final text\n", out)

	out, err = runCLI(t, "--server", srv.URL, "status", "broken")
	require.Error(t, err)
	assert.Contains(t, out, `"status": "failed"`)

	_, err = runCLI(t, "--server", srv.URL, "status", "nope")
	require.EqualError(t, err, "job nope not found")

	_, err = runCLI(t, "--server", srv.URL, "status")
	require.Error(t, err)
}
