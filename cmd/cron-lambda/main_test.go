package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/noshow-platform/internal/jobs"
	"github.com/wolfman30/noshow-platform/pkg/logging"
)

type upstream struct {
	mu      sync.Mutex
	paths   []string
	auth    []string
	failFor string
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.paths = append(u.paths, r.Method+" "+r.URL.Path)
	u.auth = append(u.auth, r.Header.Get("Authorization"))
	u.mu.Unlock()
	if r.URL.Path == "/cron/"+u.failFor {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func newConfig(baseURL string) config {
	return config{upstreamBaseURL: baseURL, upstreamTimeout: time.Second, cronSecret: "s3cret"}
}

func TestHandleRunsWholePipelineForEmptyDetail(t *testing.T) {
	up := &upstream{}
	srv := httptest.NewServer(up)
	defer srv.Close()

	out, err := handle(context.Background(), newConfig(srv.URL), srv.Client(), logging.New("error"), events.CloudWatchEvent{})
	require.NoError(t, err)
	require.Len(t, out, len(jobs.Pipeline))

	for i, job := range jobs.Pipeline {
		assert.Equal(t, "POST /cron/"+job, up.paths[i])
		assert.Equal(t, "Bearer s3cret", up.auth[i])
		assert.Equal(t, http.StatusOK, out[i].StatusCode)
	}
}

func TestHandleRunsNamedJob(t *testing.T) {
	up := &upstream{}
	srv := httptest.NewServer(up)
	defer srv.Close()

	evt := events.CloudWatchEvent{Detail: json.RawMessage(`{"job":"charge-attempts"}`)}
	out, err := handle(context.Background(), newConfig(srv.URL), srv.Client(), logging.New("error"), evt)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []string{"POST /cron/fake-charge"}, up.paths)
	assert.JSONEq(t, `{"ok":true}`, out[0].Body)
}

func TestHandleReportsFailedJobsAndContinues(t *testing.T) {
	up := &upstream{failFor: "late-cancels"}
	srv := httptest.NewServer(up)
	defer srv.Close()

	evt := events.CloudWatchEvent{Detail: json.RawMessage(`{"jobs":["no-shows","late-cancels","charge-queue"]}`)}
	out, err := handle(context.Background(), newConfig(srv.URL), srv.Client(), logging.New("error"), evt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "late-cancels")
	require.Len(t, out, 3)
	assert.Equal(t, http.StatusInternalServerError, out[1].StatusCode)
	assert.Equal(t, http.StatusOK, out[2].StatusCode)
}

func TestHandleUpstreamUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	evt := events.CloudWatchEvent{Detail: json.RawMessage(`{"job":"no-shows"}`)}
	out, err := handle(context.Background(), newConfig(base), &http.Client{Timeout: time.Second}, logging.New("error"), evt)
	require.Error(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, http.StatusBadGateway, out[0].StatusCode)
}

func TestJobNamesRejectsUnknownJob(t *testing.T) {
	_, err := jobNames(json.RawMessage(`{"job":"refunds"}`))
	assert.Error(t, err)

	_, err = jobNames(json.RawMessage(`{not json`))
	assert.Error(t, err)

	names, err := jobNames(json.RawMessage(`null`))
	require.NoError(t, err)
	assert.Equal(t, jobs.Pipeline, names)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("UPSTREAM_BASE_URL", "")
	_, err := loadConfig()
	assert.Error(t, err)

	t.Setenv("UPSTREAM_BASE_URL", "https://api.example.com/")
	t.Setenv("CRON_SECRET", "")
	_, err = loadConfig()
	assert.Error(t, err)

	t.Setenv("CRON_SECRET", "s3cret")
	t.Setenv("UPSTREAM_TIMEOUT", "")
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.upstreamBaseURL)
	assert.Equal(t, 55*time.Second, cfg.upstreamTimeout)

	t.Setenv("UPSTREAM_TIMEOUT", "soon")
	_, err = loadConfig()
	assert.Error(t, err)
}
