// Package service is the control-plane facade used by the admin API.
// Handlers call its methods; business logic lives in the component
// packages wired here by cmd/ballast.
package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/Resinat/Ballast/internal/journal"
	"github.com/Resinat/Ballast/internal/model"
	"github.com/Resinat/Ballast/internal/monitor"
	"github.com/Resinat/Ballast/internal/priority"
	"github.com/Resinat/Ballast/internal/recovery"
	"github.com/Resinat/Ballast/internal/topology"
	"github.com/Resinat/Ballast/internal/weight"
)

// ServiceError wraps an error with a code for API response mapping.
type ServiceError struct {
	Code    string // INVALID_ARGUMENT, NOT_FOUND, CONFLICT, UNAVAILABLE, INTERNAL
	Message string
	Err     error
}

func (e *ServiceError) Error() string { return e.Message }
func (e *ServiceError) Unwrap() error { return e.Err }

func invalidArg(msg string) *ServiceError {
	return &ServiceError{Code: "INVALID_ARGUMENT", Message: msg}
}

func notFound(msg string) *ServiceError {
	return &ServiceError{Code: "NOT_FOUND", Message: msg}
}

func conflict(msg string) *ServiceError {
	return &ServiceError{Code: "CONFLICT", Message: msg}
}

func unavailable(msg string, err error) *ServiceError {
	return &ServiceError{Code: "UNAVAILABLE", Message: msg, Err: err}
}

func internal(msg string, err error) *ServiceError {
	return &ServiceError{Code: "INTERNAL", Message: msg, Err: err}
}

// SystemInfo contains version and runtime information.
type SystemInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"git_commit"`
	BuildTime string    `json:"build_time"`
	StartedAt time.Time `json:"started_at"`
	Instances []string  `json:"instances"`
}

// ControlPlaneService provides all control-plane operations.
type ControlPlaneService struct {
	Info     SystemInfo
	Topology *topology.Manager
	Priority *priority.Controller
	Monitor  *monitor.Monitor
	Recovery *recovery.Scheduler
	// Journal may be nil; event queries then return an empty page.
	Journal *journal.Service
}

// ModelSummary is one entry of the model list.
type ModelSummary struct {
	Model  string               `json:"model"`
	Groups int                  `json:"groups"`
	Status *monitor.ModelStatus `json:"status,omitempty"`
}

// TopologySummary describes the mapping after a reload.
type TopologySummary struct {
	Models  int       `json:"models"`
	Groups  int       `json:"groups"`
	BuiltAt time.Time `json:"built_at"`
}

// GetSystemInfo returns build and runtime information.
func (s *ControlPlaneService) GetSystemInfo() SystemInfo {
	return s.Info
}

// ListModels returns every mapped model with its last recorded health.
// Models never classified yet carry no status.
func (s *ControlPlaneService) ListModels() []ModelSummary {
	names := s.Topology.Models()
	out := make([]ModelSummary, 0, len(names))
	for _, name := range names {
		item := ModelSummary{Model: name, Groups: len(s.Topology.Groups(name))}
		if st, ok := s.Monitor.Status(name); ok {
			item.Status = &st
		}
		out = append(out, item)
	}
	return out
}

func (s *ControlPlaneService) requireModel(raw string) (string, *ServiceError) {
	name := model.NormalizeModelName(raw)
	if name == "" {
		return "", invalidArg("model: must not be empty")
	}
	if len(s.Topology.Groups(name)) == 0 {
		return "", notFound("model not found: " + name)
	}
	return name, nil
}

// GetModel scores every group of a model with live statistics.
func (s *ControlPlaneService) GetModel(ctx context.Context, raw string) (monitor.ModelStatus, error) {
	name, svcErr := s.requireModel(raw)
	if svcErr != nil {
		return monitor.ModelStatus{}, svcErr
	}
	return s.Monitor.CheckModel(ctx, name), nil
}

// OptimizeModel runs the priority controller for one model.
func (s *ControlPlaneService) OptimizeModel(ctx context.Context, raw string) (priority.Summary, error) {
	name, svcErr := s.requireModel(raw)
	if svcErr != nil {
		return priority.Summary{}, svcErr
	}
	return s.Priority.OptimizeModel(ctx, name), nil
}

// ReloadTopology reloads the model mapping from the registry. On failure
// the previous mapping stays in place.
func (s *ControlPlaneService) ReloadTopology(ctx context.Context) (TopologySummary, error) {
	if err := s.Topology.LoadMapping(ctx); err != nil {
		return TopologySummary{}, unavailable("reload topology: "+err.Error(), err)
	}
	cur := s.Topology.Current()
	return TopologySummary{
		Models:  len(cur.Models()),
		Groups:  len(cur.All()),
		BuiltAt: cur.BuiltAt(),
	}, nil
}

// BuildTopology creates the missing model-channel and aggregate groups.
// An empty list builds every model the site groups advertise.
func (s *ControlPlaneService) BuildTopology(ctx context.Context, models []string) (topology.BuildReport, error) {
	for i, m := range models {
		if strings.TrimSpace(m) == "" {
			return topology.BuildReport{}, invalidArg("models[" + strconv.Itoa(i) + "]: must not be empty")
		}
	}
	report, err := s.Topology.BuildThreeLayerTopology(ctx, models)
	if err != nil {
		return topology.BuildReport{}, unavailable("build topology: "+err.Error(), err)
	}
	return report, nil
}

// OptimizeWeights runs one weight sweep.
func (s *ControlPlaneService) OptimizeWeights(ctx context.Context) weight.Report {
	return s.Monitor.RunWeights(ctx)
}

// ListRecoveryTickets returns the scheduled recovery attempts.
func (s *ControlPlaneService) ListRecoveryTickets() []recovery.Ticket {
	return s.Recovery.Tickets()
}

// ListFailures returns recorded failure history.
func (s *ControlPlaneService) ListFailures() []recovery.FailureRecord {
	return s.Recovery.Failures()
}

// TriggerRecoveryRequest names the combination to recover now.
type TriggerRecoveryRequest struct {
	Model   string `json:"model"`
	Channel string `json:"channel"`
}

// TriggerRecovery runs an immediate recovery attempt, scheduling a ticket
// first when none exists.
func (s *ControlPlaneService) TriggerRecovery(ctx context.Context, req TriggerRecoveryRequest) (recovery.Outcome, error) {
	name := model.NormalizeModelName(req.Model)
	channel := strings.TrimSpace(req.Channel)
	if name == "" {
		return recovery.Outcome{}, invalidArg("model: must not be empty")
	}
	if channel == "" {
		return recovery.Outcome{}, invalidArg("channel: must not be empty")
	}
	out := s.Recovery.Trigger(ctx, name, channel)
	switch out.Result {
	case recovery.ResultBusy:
		return out, conflict("a recovery attempt for " + out.GroupName + " is already running")
	case recovery.ResultRemoved:
		return out, notFound("group not found: " + out.GroupName)
	case recovery.ResultCancelled:
		return out, conflict("recovery for " + out.GroupName + " was cleared before the attempt ran")
	}
	return out, nil
}

// ListEvents queries the event journal.
func (s *ControlPlaneService) ListEvents(ctx context.Context, f journal.Filter) (journal.Page, error) {
	if s.Journal == nil {
		return journal.Page{Items: []journal.Event{}, Limit: f.Limit, Offset: f.Offset}, nil
	}
	page, err := s.Journal.Query(ctx, f)
	if err != nil {
		return journal.Page{}, internal("query events", err)
	}
	return page, nil
}
