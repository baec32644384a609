package modelmatch

import (
	"reflect"
	"testing"

	"github.com/Resinat/Ballast/internal/model"
)

func TestLibrary_ExtractCollectsAllMatches(t *testing.T) {
	lib := DefaultLibrary()
	cases := []struct {
		text string
		want []string
	}{
		{"gpt-4o-via-site-a", []string{"gpt-4o"}},
		{"gpt-4o-mini-via-site-a", []string{"gpt-4o-mini"}},
		{"claude-3-5-sonnet-20241022", []string{"claude-3-5-sonnet-20241022"}},
		{"mixed_gpt-4o+claude-3-haiku", []string{"gpt-4o", "claude-3-haiku"}},
		{"deepseek-chat", []string{"deepseek-chat"}},
		{"Qwen2.5-72B-Instruct", []string{"qwen2.5-72b-instruct"}},
		{"llama-3.1-70b-instruct", []string{"llama-3.1-70b-instruct"}},
		{"mixtral-8x7b", []string{"mixtral-8x7b"}},
		{"mistral-large-latest", []string{"mistral-large-latest"}},
		{"gemini-1.5-pro", []string{"gemini-1.5-pro"}},
		{"openai-official", nil},
	}
	for _, tc := range cases {
		got := lib.Extract(tc.text)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("Extract(%q): got %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestLibrary_ProviderOf(t *testing.T) {
	lib := DefaultLibrary()
	cases := map[string]string{
		"gpt-4o":           "openai",
		"claude-3-haiku":   "anthropic",
		"deepseek-r1":      "deepseek",
		"gemini-2.0-flash": "gemini",
		"mixtral-8x22b":    "mixtral",
	}
	for name, want := range cases {
		p, ok := lib.ProviderOf(name)
		if !ok || p.Name != want {
			t.Errorf("ProviderOf(%q): got %q ok=%v, want %q", name, p.Name, ok, want)
		}
	}
	if _, ok := lib.ProviderOf("totally-unknown"); ok {
		t.Fatal("unknown model should have no provider")
	}
}

func TestMatcher_UnionInStrategyOrder(t *testing.T) {
	m := NewMatcher(nil)
	g := model.Group{
		Name:            "gpt-4o",
		ValidatedModels: []string{"GPT-4o", "gpt-4o-mini"},
		TestModel:       "o1",
		Upstreams: []model.Upstream{
			{URL: "http://gw/proxy/gpt-4o-via-a", Weight: 1},
			{URL: "http://gw/proxy/claude-3-haiku-via-b", Weight: 1},
		},
	}
	got := m.ModelsFor(g)
	want := []string{"gpt-4o", "gpt-4o-mini", "o1", "claude-3-haiku"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ModelsFor: got %v, want %v", got, want)
	}
}

func TestChannelName_ProxyPathWinsOverName(t *testing.T) {
	g := model.Group{
		Name:      "gpt-4o-via-old-site",
		Upstreams: []model.Upstream{{URL: "http://gw:3001/proxy/new-site"}},
	}
	if got := ChannelName(g); got != "new-site" {
		t.Fatalf("ChannelName: got %q, want new-site", got)
	}
	g.Upstreams = []model.Upstream{{URL: "https://api.example.com/v1"}}
	if got := ChannelName(g); got != "old-site" {
		t.Fatalf("ChannelName fallback: got %q, want old-site", got)
	}
	if got := ChannelName(model.Group{Name: "plain"}); got != "" {
		t.Fatalf("ChannelName without hints: got %q", got)
	}
}

func TestProxySegment(t *testing.T) {
	cases := map[string]string{
		"http://gw/proxy/site-a":         "site-a",
		"http://gw/proxy/site-a/v1/chat": "site-a",
		"/proxy/gpt-4o-via-x":            "gpt-4o-via-x",
		"http://gw/prefix/proxy/a%20b":   "a b",
	}
	for in, want := range cases {
		got, ok := ProxySegment(in)
		if !ok || got != want {
			t.Errorf("ProxySegment(%q): got %q ok=%v, want %q", in, got, ok, want)
		}
	}
	if _, ok := ProxySegment("http://gw/v1"); ok {
		t.Fatal("url without /proxy/ should not resolve")
	}
}

func TestGroupNames(t *testing.T) {
	if got := AggregateGroupName("GPT-4.1 Mini"); got != "gpt-4-1-mini" {
		t.Fatalf("AggregateGroupName: got %q", got)
	}
	if got := ChannelGroupName("gpt-4o", "site-a"); got != "gpt-4o-via-site-a" {
		t.Fatalf("ChannelGroupName: got %q", got)
	}
	if got := ProxyURL("http://gw/", "gpt-4o-via-a"); got != "http://gw/proxy/gpt-4o-via-a" {
		t.Fatalf("ProxyURL: got %q", got)
	}
}
