package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/Resinat/Ballast/internal/model"
)

func newTestRegistry(t *testing.T, handler http.HandlerFunc) *HTTPRegistry {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	dir := NewStaticDirectory([]Instance{{ID: "main", URL: srv.URL, Token: "secret"}})
	reg, err := NewHTTPRegistry(dir, ClientOptions{})
	if err != nil {
		t.Fatalf("NewHTTPRegistry: %v", err)
	}
	return reg
}

func TestHTTPRegistry_ListGroupsEnvelopeAndRawAgree(t *testing.T) {
	groupsJSON := `[{"id":7,"name":"gpt-4o-via-site-a","sort":15,
		"upstreams":"[{\"url\":\"http://gw/proxy/site-a\",\"weight\":1}]",
		"channel_type":"openai","test_model":"gpt-4o","status":"enabled",
		"config":{"blacklist_threshold":3}}]`

	raw := newTestRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization: got %q", got)
		}
		_, _ = io.WriteString(w, groupsJSON)
	})
	wrapped := newTestRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"code":0,"message":"ok","data":`+groupsJSON+`}`)
	})

	a, err := raw.ListGroups(context.Background())
	if err != nil {
		t.Fatalf("raw ListGroups: %v", err)
	}
	b, err := wrapped.ListGroups(context.Background())
	if err != nil {
		t.Fatalf("wrapped ListGroups: %v", err)
	}
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("group counts: raw=%d wrapped=%d, want 1", len(a), len(b))
	}
	g := a[0]
	if g.ID != "7" || g.InstanceID != "main" {
		t.Fatalf("identity: got %q@%q", g.ID, g.InstanceID)
	}
	if len(g.Upstreams) != 1 || g.Upstreams[0].URL != "http://gw/proxy/site-a" {
		t.Fatalf("upstreams: got %+v", g.Upstreams)
	}
	if g.Config.BlacklistThreshold != 3 {
		t.Fatalf("config: got %+v", g.Config)
	}
	if b[0].Name != g.Name || b[0].Sort != g.Sort {
		t.Fatalf("wrapped group differs: %+v vs %+v", b[0], g)
	}
}

func TestHTTPRegistry_EnvelopeErrorCode(t *testing.T) {
	reg := newTestRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"code":1001,"message":"boom"}`)
	})
	_, err := reg.GetGroupStats(context.Background(), "1", "main")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != 1001 || apiErr.Message != "boom" {
		t.Fatalf("APIError: got %+v", apiErr)
	}
}

func TestHTTPRegistry_TriggerValidationConflictIsSuccess(t *testing.T) {
	reg := newTestRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/keys/validate-group" {
			t.Errorf("path: got %q", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if id, ok := body["group_id"].(float64); !ok || id != 12 {
			t.Errorf("group_id: got %#v", body["group_id"])
		}
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"code":409,"message":"validation already running"}`)
	})
	if err := reg.TriggerValidation(context.Background(), "12", "main"); err != nil {
		t.Fatalf("conflict should be success, got %v", err)
	}
}

func TestHTTPRegistry_NotFoundMapsToSentinel(t *testing.T) {
	reg := newTestRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"no such group"}`, http.StatusNotFound)
	})
	_, err := reg.GetGroupDetail(context.Background(), "99", "main")
	if !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("expected ErrGroupNotFound, got %v", err)
	}
	if !IsNotFound(err) {
		t.Fatal("IsNotFound should be true")
	}
}

func TestHTTPRegistry_UnknownInstance(t *testing.T) {
	reg := newTestRegistry(t, func(w http.ResponseWriter, r *http.Request) {})
	err := reg.UpdateGroup(context.Background(), "1", "nope", model.GroupUpdate{})
	if !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestHTTPRegistry_UpdateGroupSendsPartialFields(t *testing.T) {
	var (
		mu   sync.Mutex
		seen map[string]any
	)
	reg := newTestRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/api/groups/5" {
			t.Errorf("request: %s %s", r.Method, r.URL.Path)
		}
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&seen)
		_, _ = io.WriteString(w, `{"code":0,"message":"ok","data":null}`)
	})
	sort := 12
	if err := reg.UpdateGroup(context.Background(), "5", "main", model.GroupUpdate{Sort: &sort}); err != nil {
		t.Fatalf("UpdateGroup: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if seen["sort"] != float64(12) {
		t.Fatalf("sort: got %#v", seen["sort"])
	}
	if _, ok := seen["upstreams"]; ok {
		t.Fatal("upstreams should be omitted from a priority-only update")
	}
}

func TestHTTPRegistry_GetLogsPaginatedPayload(t *testing.T) {
	reg := newTestRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("group_name"); got != "gpt-4o-via-a" {
			t.Errorf("group_name: got %q", got)
		}
		_, _ = io.WriteString(w, `{"code":0,"data":{"items":[{"group_name":"gpt-4o-via-a","status_code":500,"is_success":false}]}}`)
	})
	logs, err := reg.GetLogs(context.Background(), "gpt-4o-via-a", "main", 1)
	if err != nil {
		t.Fatalf("GetLogs: %v", err)
	}
	if len(logs) != 1 || logs[0].StatusCode != 500 {
		t.Fatalf("logs: got %+v", logs)
	}
}

func TestNewTransport_RejectsUnknownScheme(t *testing.T) {
	if _, err := newTransport("ftp://proxy:21"); err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("expected unsupported scheme error, got %v", err)
	}
	if _, err := newTransport("socks5://127.0.0.1:1080"); err != nil {
		t.Fatalf("socks5 transport: %v", err)
	}
}

func TestPatternPolicy(t *testing.T) {
	p, err := NewPatternPolicy([]string{`^gpt-`, `^claude-`}, []string{`-preview$`})
	if err != nil {
		t.Fatalf("NewPatternPolicy: %v", err)
	}
	cases := map[string]bool{
		"gpt-4o":         true,
		"GPT-4o":         true,
		"claude-3-haiku": true,
		"gpt-5-preview":  false,
		"llama-3":        false,
		"":               false,
	}
	for name, want := range cases {
		if got := p.IsModelAllowed(name); got != want {
			t.Errorf("IsModelAllowed(%q): got %v, want %v", name, got, want)
		}
	}
	got := p.FilterModels([]string{"gpt-4o", "llama-3", "claude-3"})
	if len(got) != 2 || got[0] != "gpt-4o" || got[1] != "claude-3" {
		t.Fatalf("FilterModels: got %v", got)
	}
}

func TestStaticDirectory_SelectBestInstance(t *testing.T) {
	d := NewStaticDirectory([]Instance{
		{ID: "a", URL: "http://gw-a:3001/"},
		{ID: "b", URL: "http://gw-b:3001"},
		{ID: "a", URL: "http://dup"},
	})
	if n := len(d.Instances()); n != 2 {
		t.Fatalf("instances: got %d, want 2", n)
	}
	inst, ok := d.SelectBestInstance("http://gw-b:3001/proxy/x")
	if !ok || inst.ID != "b" {
		t.Fatalf("SelectBestInstance: got %+v %v", inst, ok)
	}
	inst, ok = d.SelectBestInstance("http://elsewhere")
	if !ok || inst.ID != "a" {
		t.Fatalf("fallback: got %+v %v", inst, ok)
	}
	if a, _ := d.GetInstance("a"); a.URL != "http://gw-a:3001" {
		t.Fatalf("trailing slash not trimmed: %q", a.URL)
	}
}
