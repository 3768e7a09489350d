package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/benchtop-dev/benchtop/internal/config"
	"github.com/benchtop-dev/benchtop/internal/store"
)

func newTestStatusServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	daemon := New(Config{
		Clusters: []config.Cluster{{Name: "hpc-a", MaxJobs: 2}},
	}, st)
	status := NewStatusServer("127.0.0.1:0", daemon)

	ts := httptest.NewServer(status.routes())
	t.Cleanup(ts.Close)
	return ts, st
}

func getJSON(t *testing.T, url string, wantStatus int, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s status = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func TestHealthz(t *testing.T) {
	ts, st := newTestStatusServer(t)

	if _, err := st.Submit(context.Background(), store.SubmitRequest{
		Recipe: "a.recipe", Cluster: "hpc-a", SubmittedBy: "test",
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var body struct {
		Status     string `json:"status"`
		QueueDepth int    `json:"queue_depth"`
		Clusters   int    `json:"clusters"`
	}
	getJSON(t, ts.URL+"/healthz", http.StatusOK, &body)

	if body.Status != "ok" || body.QueueDepth != 1 || body.Clusters != 1 {
		t.Fatalf("healthz = %+v", body)
	}
}

func TestListJobsEndpoint(t *testing.T) {
	ts, st := newTestStatusServer(t)

	id, err := st.Submit(context.Background(), store.SubmitRequest{
		Recipe: "a.recipe", Cluster: "hpc-a", SubmittedBy: "test",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var body struct {
		Jobs []jobView `json:"jobs"`
	}
	getJSON(t, ts.URL+"/api/v1/jobs", http.StatusOK, &body)
	if len(body.Jobs) != 1 || body.Jobs[0].ID != id {
		t.Fatalf("jobs = %+v", body.Jobs)
	}

	getJSON(t, ts.URL+"/api/v1/jobs?status=running", http.StatusOK, &body)
	if len(body.Jobs) != 0 {
		t.Fatalf("running jobs = %+v", body.Jobs)
	}

	getJSON(t, ts.URL+"/api/v1/jobs?limit=banana", http.StatusBadRequest, nil)
}

func TestGetJobEndpoint(t *testing.T) {
	ts, st := newTestStatusServer(t)

	id, err := st.Submit(context.Background(), store.SubmitRequest{
		Recipe: "a.recipe", Cluster: "hpc-a", SubmittedBy: "test",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var job jobView
	getJSON(t, ts.URL+"/api/v1/jobs/"+id, http.StatusOK, &job)
	if job.Recipe != "a.recipe" {
		t.Fatalf("job = %+v", job)
	}

	getJSON(t, ts.URL+"/api/v1/jobs/missing", http.StatusNotFound, nil)
}
