// Package registry defines the ports this control plane consumes from the
// external Group Registry Service, Instance Directory and Model Policy, and
// provides HTTP- and config-backed adapters for them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Resinat/Ballast/internal/model"
)

// Registry is the Group Registry Service. Every method that touches a single
// group is addressed by (groupID, instanceID).
type Registry interface {
	ListGroups(ctx context.Context) ([]model.Group, error)
	GetGroupStats(ctx context.Context, groupID, instanceID string) (model.StatsSnapshot, error)
	GetGroupDetail(ctx context.Context, groupID, instanceID string) (model.Group, error)
	CreateGroup(ctx context.Context, instanceID string, spec model.GroupSpec) (model.Group, error)
	UpdateGroup(ctx context.Context, groupID, instanceID string, update model.GroupUpdate) error
	DeleteGroup(ctx context.Context, groupID, instanceID string) error
	AddAPIKeys(ctx context.Context, instanceID, groupID string, keys []string) error
	ToggleKeyStatus(ctx context.Context, groupID, instanceID, status string) error
	// TriggerValidation starts key validation for a group. A validation that
	// is already running is reported as success.
	TriggerValidation(ctx context.Context, groupID, instanceID string) error
	GetLogs(ctx context.Context, groupName, instanceID string, timeRangeHours int) ([]model.LogEntry, error)
}

// ModelPolicy is the opaque model whitelist/blacklist gate.
type ModelPolicy interface {
	IsModelAllowed(name string) bool
	FilterModels(names []string) []string
}

// Instance is one registry deployment.
type Instance struct {
	ID    string `json:"id" mapstructure:"id"`
	Name  string `json:"name" mapstructure:"name"`
	URL   string `json:"url" mapstructure:"url"`
	Token string `json:"-" mapstructure:"token"`
}

// InstanceDirectory resolves registry instances.
type InstanceDirectory interface {
	GetInstance(id string) (Instance, bool)
	SelectBestInstance(targetURL string) (Instance, bool)
	Instances() []Instance
}

var (
	// ErrInstanceNotFound is returned when an instance id is not in the directory.
	ErrInstanceNotFound = errors.New("registry: instance not found")
	// ErrGroupNotFound is returned when the registry has no such group.
	ErrGroupNotFound = errors.New("registry: group not found")
)

// APIError is a non-success reply from a registry instance, either an HTTP
// error status or an application-level envelope code.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("registry: status %d code %d: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("registry: status %d: %s", e.Status, e.Message)
}

// IsConflict reports whether err is the registry's "already running" reply.
func IsConflict(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Status == http.StatusConflict {
		return true
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "already running") || strings.Contains(msg, "already in progress")
}

// IsNotFound reports whether err means the group does not exist.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrGroupNotFound) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}
