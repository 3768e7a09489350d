package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "jobs.db")
	s, err := Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func submit(t *testing.T, s *Store, recipe string, priority int) string {
	t.Helper()
	id, err := s.Submit(context.Background(), SubmitRequest{
		Recipe:      recipe,
		Cluster:     "hpc-a",
		Priority:    priority,
		SubmittedBy: "dash",
	})
	if err != nil {
		t.Fatalf("Submit %s: %v", recipe, err)
	}
	return id
}

func TestSubmitAndGet(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	params := json.RawMessage(`{"temp_c":450}`)
	id, err := s.Submit(context.Background(), SubmitRequest{
		Recipe:      "anneal.recipe",
		Cluster:     "hpc-a",
		Params:      params,
		SubmittedBy: "dash",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	j, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.Recipe != "anneal.recipe" || j.Cluster != "hpc-a" || j.Status != StatusQueued {
		t.Fatalf("unexpected job: %#v", j)
	}
	if string(j.Params) != `{"temp_c":450}` {
		t.Fatalf("params = %s", j.Params)
	}
	if j.CreatedAt.IsZero() {
		t.Fatal("created_at not set")
	}
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	if _, err := s.Submit(context.Background(), SubmitRequest{Cluster: "hpc-a", SubmittedBy: "dash"}); err == nil {
		t.Fatal("empty recipe accepted")
	}
	if _, err := s.Submit(context.Background(), SubmitRequest{Recipe: "r", SubmittedBy: "dash"}); err == nil {
		t.Fatal("empty cluster accepted")
	}
}

func TestClaimNextOrdering(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	low := submit(t, s, "low.recipe", 0)
	high := submit(t, s, "high.recipe", 5)

	j1, err := s.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("ClaimNext 1: %v", err)
	}
	if j1 == nil || j1.ID != high || j1.Status != StatusRunning || j1.StartedAt == nil {
		t.Fatalf("unexpected first claim: %#v", j1)
	}

	j2, err := s.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("ClaimNext 2: %v", err)
	}
	if j2 == nil || j2.ID != low {
		t.Fatalf("unexpected second claim: %#v", j2)
	}

	j3, err := s.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("ClaimNext 3: %v", err)
	}
	if j3 != nil {
		t.Fatalf("expected empty queue, got %#v", j3)
	}
}

func TestCompleteTerminalStates(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	id := submit(t, s, "cure.recipe", 0)
	if _, err := s.ClaimNext(context.Background()); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	lastErr := "segfault in stage 3"
	if err := s.Complete(context.Background(), id, StatusFailed, &lastErr); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	j, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.Status != StatusFailed || j.CompletedAt == nil {
		t.Fatalf("unexpected job: %#v", j)
	}
	if j.LastError == nil || *j.LastError != lastErr {
		t.Fatalf("last_error = %v", j.LastError)
	}

	// Completing twice finds no running row.
	if err := s.Complete(context.Background(), id, StatusSucceeded, nil); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("second Complete err = %v", err)
	}

	if err := s.Complete(context.Background(), id, StatusQueued, nil); err == nil {
		t.Fatal("non-terminal status accepted")
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	queued := submit(t, s, "a.recipe", 0)
	if err := s.Cancel(context.Background(), queued); err != nil {
		t.Fatalf("Cancel queued: %v", err)
	}
	j, err := s.Get(context.Background(), queued)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.Status != StatusCanceled || j.CompletedAt == nil {
		t.Fatalf("unexpected job: %#v", j)
	}

	if err := s.Cancel(context.Background(), queued); !errors.Is(err, ErrNotCancelable) {
		t.Fatalf("re-cancel err = %v, want ErrNotCancelable", err)
	}
	if err := s.Cancel(context.Background(), "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("cancel missing err = %v, want ErrJobNotFound", err)
	}
}

func TestCancelRunning(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	id := submit(t, s, "a.recipe", 0)
	if _, err := s.ClaimNext(context.Background()); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := s.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel running: %v", err)
	}
	j, _ := s.Get(context.Background(), id)
	if j.Status != StatusCanceled {
		t.Fatalf("status = %s", j.Status)
	}
}

func TestListFilterAndLimit(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	submit(t, s, "a.recipe", 0)
	submit(t, s, "b.recipe", 0)
	running := submit(t, s, "c.recipe", 9)
	if _, err := s.ClaimNext(context.Background()); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	all, err := s.List(context.Background(), ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d", len(all))
	}

	runs, err := s.List(context.Background(), ListFilter{Status: StatusRunning})
	if err != nil {
		t.Fatalf("List running: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != running {
		t.Fatalf("unexpected running list: %#v", runs)
	}

	one, err := s.List(context.Background(), ListFilter{Limit: 1})
	if err != nil {
		t.Fatalf("List limit: %v", err)
	}
	if len(one) != 1 {
		t.Fatalf("len(one) = %d", len(one))
	}
}

func TestRecoverOrphans(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	a := submit(t, s, "a.recipe", 0)
	submit(t, s, "b.recipe", 0)
	if _, err := s.ClaimNext(context.Background()); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	n, err := s.RecoverOrphans(context.Background())
	if err != nil {
		t.Fatalf("RecoverOrphans: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d, want 1", n)
	}

	j, err := s.Get(context.Background(), a)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.Status != StatusQueued || j.StartedAt != nil {
		t.Fatalf("unexpected recovered job: %#v", j)
	}

	depth, err := s.Depth(context.Background())
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 2 {
		t.Fatalf("depth = %d, want 2", depth)
	}
}
