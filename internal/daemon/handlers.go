package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benchtop-dev/benchtop/internal/protocol"
	"github.com/benchtop-dev/benchtop/internal/store"
)

// Application error codes, outside the reserved protocol range.
const (
	CodeJobNotFound    = -32001
	CodeNotCancelable  = -32002
	CodeUnknownCluster = -32003
)

type jobView struct {
	ID          string          `json:"id"`
	Recipe      string          `json:"recipe"`
	Cluster     string          `json:"cluster"`
	Params      json.RawMessage `json:"params,omitempty"`
	Status      string          `json:"status"`
	Priority    int             `json:"priority"`
	SubmittedBy string          `json:"submitted_by"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
}

func viewOf(j *store.Job) jobView {
	v := jobView{
		ID:          j.ID,
		Recipe:      j.Recipe,
		Cluster:     j.Cluster,
		Params:      j.Params,
		Status:      string(j.Status),
		Priority:    j.Priority,
		SubmittedBy: j.SubmittedBy,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
	if j.LastError != nil {
		v.LastError = *j.LastError
	}
	return v
}

func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (any, *protocol.RPCError) {
	switch method {
	case "system.ping":
		return s.handlePing(ctx)
	case "job.submit":
		return s.handleJobSubmit(ctx, params)
	case "job.list":
		return s.handleJobList(ctx, params)
	case "job.get":
		return s.handleJobGet(ctx, params)
	case "job.cancel":
		return s.handleJobCancel(ctx, params)
	case "cluster.list":
		return s.handleClusterList(ctx)
	default:
		return nil, &protocol.RPCError{
			Code:    protocol.CodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", method),
		}
	}
}

func (s *Server) handlePing(ctx context.Context) (any, *protocol.RPCError) {
	depth, err := s.store.Depth(ctx)
	if err != nil {
		return nil, internalError(err)
	}
	return map[string]any{"pong": true, "queue_depth": depth}, nil
}

func (s *Server) handleJobSubmit(ctx context.Context, params json.RawMessage) (any, *protocol.RPCError) {
	var req struct {
		Recipe      string          `json:"recipe"`
		Cluster     string          `json:"cluster"`
		Params      json.RawMessage `json:"params"`
		Priority    int             `json:"priority"`
		SubmittedBy string          `json:"submitted_by"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, invalidParams("job.submit params must be an object")
	}
	if req.Recipe == "" || req.Cluster == "" {
		return nil, invalidParams("recipe and cluster are required")
	}
	if !s.knownCluster(req.Cluster) {
		return nil, &protocol.RPCError{
			Code:    CodeUnknownCluster,
			Message: fmt.Sprintf("unknown cluster: %s", req.Cluster),
		}
	}
	if req.SubmittedBy == "" {
		req.SubmittedBy = "benchtop"
	}

	id, err := s.store.Submit(ctx, store.SubmitRequest{
		Recipe:      req.Recipe,
		Cluster:     req.Cluster,
		Params:      req.Params,
		Priority:    req.Priority,
		SubmittedBy: req.SubmittedBy,
	})
	if err != nil {
		return nil, internalError(err)
	}

	s.logger.Info("job submitted", "job_id", id, "recipe", req.Recipe, "cluster", req.Cluster)
	return map[string]any{"id": id}, nil
}

func (s *Server) handleJobList(ctx context.Context, params json.RawMessage) (any, *protocol.RPCError) {
	var req struct {
		Status string `json:"status"`
		Limit  int    `json:"limit"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams("job.list params must be an object")
		}
	}

	jobs, err := s.store.List(ctx, store.ListFilter{
		Status: store.Status(req.Status),
		Limit:  req.Limit,
	})
	if err != nil {
		return nil, internalError(err)
	}

	views := make([]jobView, 0, len(jobs))
	for i := range jobs {
		views = append(views, viewOf(&jobs[i]))
	}
	return map[string]any{"jobs": views}, nil
}

func (s *Server) handleJobGet(ctx context.Context, params json.RawMessage) (any, *protocol.RPCError) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.ID == "" {
		return nil, invalidParams("job.get requires an id")
	}

	job, err := s.store.Get(ctx, req.ID)
	if errors.Is(err, store.ErrJobNotFound) {
		return nil, &protocol.RPCError{Code: CodeJobNotFound, Message: "job not found"}
	}
	if err != nil {
		return nil, internalError(err)
	}
	return viewOf(job), nil
}

func (s *Server) handleJobCancel(ctx context.Context, params json.RawMessage) (any, *protocol.RPCError) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.ID == "" {
		return nil, invalidParams("job.cancel requires an id")
	}

	err := s.store.Cancel(ctx, req.ID)
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		return nil, &protocol.RPCError{Code: CodeJobNotFound, Message: "job not found"}
	case errors.Is(err, store.ErrNotCancelable):
		return nil, &protocol.RPCError{Code: CodeNotCancelable, Message: "job already finished"}
	case err != nil:
		return nil, internalError(err)
	}

	s.logger.Info("job canceled", "job_id", req.ID)
	return map[string]any{"canceled": true}, nil
}

func (s *Server) handleClusterList(ctx context.Context) (any, *protocol.RPCError) {
	type clusterView struct {
		Name      string `json:"name"`
		Scheduler string `json:"scheduler"`
		MaxJobs   int    `json:"max_jobs"`
		Running   int    `json:"running"`
	}

	running, err := s.store.List(ctx, store.ListFilter{Status: store.StatusRunning})
	if err != nil {
		return nil, internalError(err)
	}
	byCluster := make(map[string]int)
	for _, j := range running {
		byCluster[j.Cluster]++
	}

	views := make([]clusterView, 0, len(s.config.Clusters))
	for _, cl := range s.config.Clusters {
		views = append(views, clusterView{
			Name:      cl.Name,
			Scheduler: cl.Scheduler,
			MaxJobs:   cl.MaxJobs,
			Running:   byCluster[cl.Name],
		})
	}
	return map[string]any{"clusters": views}, nil
}

func (s *Server) knownCluster(name string) bool {
	for _, cl := range s.config.Clusters {
		if cl.Name == name {
			return true
		}
	}
	return false
}

func invalidParams(message string) *protocol.RPCError {
	return &protocol.RPCError{Code: protocol.CodeInvalidParams, Message: message}
}

func internalError(err error) *protocol.RPCError {
	return &protocol.RPCError{Code: protocol.CodeInternalError, Message: err.Error()}
}
