package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Resinat/Ballast/internal/log"
	"github.com/Resinat/Ballast/internal/model"
)

// HTTPRegistry implements Registry over the admin HTTP API of every
// instance in an InstanceDirectory.
type HTTPRegistry struct {
	dir     InstanceDirectory
	clients map[string]*Client
}

// NewHTTPRegistry builds one Client per directory instance.
func NewHTTPRegistry(dir InstanceDirectory, opts ClientOptions) (*HTTPRegistry, error) {
	r := &HTTPRegistry{dir: dir, clients: make(map[string]*Client)}
	for _, inst := range dir.Instances() {
		c, err := NewClient(inst, opts)
		if err != nil {
			return nil, err
		}
		r.clients[inst.ID] = c
	}
	if len(r.clients) == 0 {
		return nil, errors.New("registry: no instances configured")
	}
	return r, nil
}

func (r *HTTPRegistry) client(instanceID string) (*Client, error) {
	c, ok := r.clients[instanceID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInstanceNotFound, instanceID)
	}
	return c, nil
}

// ListGroups lists groups of every instance. An unreachable instance is
// logged and skipped; the call fails only when every instance fails.
func (r *HTTPRegistry) ListGroups(ctx context.Context) ([]model.Group, error) {
	var (
		out  []model.Group
		errs []error
	)
	for _, inst := range r.dir.Instances() {
		c, err := r.client(inst.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var payload json.RawMessage
		if err := c.do(ctx, http.MethodGet, "/api/groups", nil, nil, &payload); err != nil {
			log.Warnf("[registry] list groups on %s failed: %v", inst.ID, err)
			errs = append(errs, err)
			continue
		}
		groups, err := decodeGroupList(payload, inst.ID)
		if err != nil {
			log.Warnf("[registry] decode groups from %s failed: %v", inst.ID, err)
			errs = append(errs, err)
			continue
		}
		out = append(out, groups...)
	}
	if len(errs) > 0 && len(errs) == len(r.clients) {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (r *HTTPRegistry) GetGroupStats(ctx context.Context, groupID, instanceID string) (model.StatsSnapshot, error) {
	c, err := r.client(instanceID)
	if err != nil {
		return model.StatsSnapshot{}, err
	}
	var ws wireStats
	if err := c.do(ctx, http.MethodGet, groupPath(groupID, "stats"), nil, nil, &ws); err != nil {
		return model.StatsSnapshot{}, notFoundAware(err, groupID)
	}
	return model.StatsSnapshot{
		GroupID:     groupID,
		InstanceID:  instanceID,
		KeyStats:    ws.KeyStats,
		HourlyStats: ws.HourlyStats,
		DailyStats:  ws.DailyStats,
		WeeklyStats: ws.WeeklyStats,
	}, nil
}

func (r *HTTPRegistry) GetGroupDetail(ctx context.Context, groupID, instanceID string) (model.Group, error) {
	c, err := r.client(instanceID)
	if err != nil {
		return model.Group{}, err
	}
	var wg wireGroup
	if err := c.do(ctx, http.MethodGet, groupPath(groupID), nil, nil, &wg); err != nil {
		return model.Group{}, notFoundAware(err, groupID)
	}
	return wg.toModel(instanceID)
}

func (r *HTTPRegistry) CreateGroup(ctx context.Context, instanceID string, spec model.GroupSpec) (model.Group, error) {
	c, err := r.client(instanceID)
	if err != nil {
		return model.Group{}, err
	}
	if spec.DisplayName == "" {
		spec.DisplayName = spec.Name
	}
	var wg wireGroup
	if err := c.do(ctx, http.MethodPost, "/api/groups", nil, spec, &wg); err != nil {
		return model.Group{}, err
	}
	g, err := wg.toModel(instanceID)
	if err != nil {
		return model.Group{}, err
	}
	if g.ID == "" {
		return model.Group{}, fmt.Errorf("registry: create group %q returned no id", spec.Name)
	}
	return g, nil
}

func (r *HTTPRegistry) UpdateGroup(ctx context.Context, groupID, instanceID string, update model.GroupUpdate) error {
	c, err := r.client(instanceID)
	if err != nil {
		return err
	}
	return notFoundAware(c.do(ctx, http.MethodPut, groupPath(groupID), nil, update, nil), groupID)
}

func (r *HTTPRegistry) DeleteGroup(ctx context.Context, groupID, instanceID string) error {
	c, err := r.client(instanceID)
	if err != nil {
		return err
	}
	return notFoundAware(c.do(ctx, http.MethodDelete, groupPath(groupID), nil, nil, nil), groupID)
}

func (r *HTTPRegistry) AddAPIKeys(ctx context.Context, instanceID, groupID string, keys []string) error {
	c, err := r.client(instanceID)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	body := map[string]any{
		"group_id":  groupIDValue(groupID),
		"keys_text": strings.Join(keys, "\n"),
	}
	return c.do(ctx, http.MethodPost, "/api/keys/add-multiple", nil, body, nil)
}

// ToggleKeyStatus flips every key of the group to status. "active" maps to
// the registry's bulk restore of invalid keys.
func (r *HTTPRegistry) ToggleKeyStatus(ctx context.Context, groupID, instanceID, status string) error {
	c, err := r.client(instanceID)
	if err != nil {
		return err
	}
	if status == model.KeyStatusActive {
		body := map[string]any{"group_id": groupIDValue(groupID)}
		return notFoundAware(c.do(ctx, http.MethodPost, "/api/keys/restore-all-invalid", nil, body, nil), groupID)
	}
	body := map[string]any{"status": status}
	return notFoundAware(c.do(ctx, http.MethodPut, groupPath(groupID, "keys", "status"), nil, body, nil), groupID)
}

func (r *HTTPRegistry) TriggerValidation(ctx context.Context, groupID, instanceID string) error {
	c, err := r.client(instanceID)
	if err != nil {
		return err
	}
	body := map[string]any{"group_id": groupIDValue(groupID)}
	err = c.do(ctx, http.MethodPost, "/api/keys/validate-group", nil, body, nil)
	if IsConflict(err) {
		return nil
	}
	return notFoundAware(err, groupID)
}

func (r *HTTPRegistry) GetLogs(ctx context.Context, groupName, instanceID string, timeRangeHours int) ([]model.LogEntry, error) {
	c, err := r.client(instanceID)
	if err != nil {
		return nil, err
	}
	if timeRangeHours <= 0 {
		timeRangeHours = 1
	}
	q := url.Values{}
	q.Set("group_name", groupName)
	q.Set("start_time", time.Now().Add(-time.Duration(timeRangeHours)*time.Hour).UTC().Format(time.RFC3339))
	q.Set("page_size", strconv.Itoa(defaultLogPageSize))
	var payload json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/logs", q, nil, &payload); err != nil {
		return nil, err
	}
	return decodeItems[model.LogEntry](payload)
}

func notFoundAware(err error, groupID string) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return fmt.Errorf("%w: %s: %v", ErrGroupNotFound, groupID, err)
	}
	return err
}

type wireStats struct {
	KeyStats    model.KeyStats     `json:"key_stats"`
	HourlyStats *model.WindowStats `json:"hourly_stats"`
	DailyStats  *model.WindowStats `json:"daily_stats"`
	WeeklyStats *model.WindowStats `json:"weekly_stats"`
}

type wireGroup struct {
	ID                 flexID          `json:"id"`
	Name               string          `json:"name"`
	Sort               int             `json:"sort"`
	Upstreams          json.RawMessage `json:"upstreams"`
	ChannelType        string          `json:"channel_type"`
	TestModel          string          `json:"test_model"`
	ValidationEndpoint string          `json:"validation_endpoint"`
	ValidatedModels    json.RawMessage `json:"validated_models"`
	Models             json.RawMessage `json:"models"`
	Status             string          `json:"status"`
	Tags               json.RawMessage `json:"tags"`
	Config             json.RawMessage `json:"config"`
}

func (w wireGroup) toModel(instanceID string) (model.Group, error) {
	g := model.Group{
		ID:                 string(w.ID),
		InstanceID:         instanceID,
		Name:               w.Name,
		Sort:               w.Sort,
		ChannelType:        w.ChannelType,
		TestModel:          w.TestModel,
		ValidationEndpoint: w.ValidationEndpoint,
		Status:             w.Status,
	}
	var err error
	if g.Upstreams, err = flexList[model.Upstream](w.Upstreams); err != nil {
		return model.Group{}, fmt.Errorf("group %q upstreams: %w", w.Name, err)
	}
	if g.ValidatedModels, err = flexList[string](w.ValidatedModels); err != nil {
		return model.Group{}, fmt.Errorf("group %q validated_models: %w", w.Name, err)
	}
	if g.Models, err = flexList[string](w.Models); err != nil {
		return model.Group{}, fmt.Errorf("group %q models: %w", w.Name, err)
	}
	if g.Tags, err = flexList[string](w.Tags); err != nil {
		return model.Group{}, fmt.Errorf("group %q tags: %w", w.Name, err)
	}
	if cfg, err := flexList[model.GroupConfig](wrapObject(w.Config)); err == nil && len(cfg) == 1 {
		g.Config = cfg[0]
	}
	return g, nil
}

// wrapObject turns a (possibly string-encoded) JSON object into a
// one-element array so flexList can decode it.
func wrapObject(raw json.RawMessage) json.RawMessage {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var inner string
		if json.Unmarshal(raw, &inner) != nil {
			return nil
		}
		s = strings.TrimSpace(inner)
	}
	if !strings.HasPrefix(s, "{") {
		return nil
	}
	return json.RawMessage("[" + s + "]")
}

func decodeGroupList(payload json.RawMessage, instanceID string) ([]model.Group, error) {
	wires, err := decodeItems[wireGroup](payload)
	if err != nil {
		return nil, err
	}
	out := make([]model.Group, 0, len(wires))
	for _, w := range wires {
		g, err := w.toModel(instanceID)
		if err != nil {
			log.Warnf("[registry] skip malformed group on %s: %v", instanceID, err)
			continue
		}
		if g.ID == "" || g.Name == "" {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

// decodeItems accepts either a bare array or a paginated {"items": [...]}
// object.
func decodeItems[T any](payload json.RawMessage) ([]T, error) {
	s := strings.TrimSpace(string(payload))
	if s == "" || s == "null" {
		return nil, nil
	}
	if strings.HasPrefix(s, "[") {
		var out []T
		if err := json.Unmarshal(payload, &out); err != nil {
			return nil, fmt.Errorf("registry: decode list: %w", err)
		}
		return out, nil
	}
	var page struct {
		Items []T `json:"items"`
		List  []T `json:"list"`
	}
	if err := json.Unmarshal(payload, &page); err != nil {
		return nil, fmt.Errorf("registry: decode page: %w", err)
	}
	if page.Items != nil {
		return page.Items, nil
	}
	return page.List, nil
}
