// Package modelmatch infers which logical models a group serves and how a
// group's channel (site) is named.
package modelmatch

import (
	_ "embed"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/dlclark/regexp2"
	"gopkg.in/yaml.v3"

	"github.com/Resinat/Ballast/internal/model"
)

//go:embed patterns.yaml
var defaultPatterns []byte

// Provider is one model vendor with its compiled name patterns.
type Provider struct {
	Name         string
	ChannelTypes []string
	Hints        []string
	patterns     []*regexp2.Regexp
}

// ServesChannelType reports whether channelType natively serves this provider.
func (p Provider) ServesChannelType(channelType string) bool {
	return slices.Contains(p.ChannelTypes, strings.ToLower(strings.TrimSpace(channelType)))
}

// HintedBy reports whether a site name carries one of the provider's hints.
func (p Provider) HintedBy(siteName string) bool {
	lower := strings.ToLower(siteName)
	for _, h := range p.Hints {
		if strings.Contains(lower, h) {
			return true
		}
	}
	return false
}

// Library is an ordered set of providers.
type Library struct {
	providers []Provider
}

type libraryFile struct {
	Qualifiers []string `yaml:"qualifiers"`
	Providers  []struct {
		Name         string   `yaml:"name"`
		ChannelTypes []string `yaml:"channel_types"`
		Hints        []string `yaml:"hints"`
		Models       []string `yaml:"models"`
	} `yaml:"providers"`
}

// LoadLibrary parses and compiles a pattern file.
func LoadLibrary(data []byte) (*Library, error) {
	var f libraryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("modelmatch: parse patterns: %w", err)
	}
	suffix := ""
	if len(f.Qualifiers) > 0 {
		suffix = "(?:-(?:" + strings.Join(f.Qualifiers, "|") + "))*"
	}
	lib := &Library{}
	for _, p := range f.Providers {
		if p.Name == "" {
			return nil, fmt.Errorf("modelmatch: provider without name")
		}
		prov := Provider{
			Name:         p.Name,
			ChannelTypes: lowerAll(p.ChannelTypes),
			Hints:        lowerAll(p.Hints),
		}
		for _, stem := range p.Models {
			expr := `(?<![a-z0-9.])(` + stem + suffix + `)(?![a-z0-9.])`
			re, err := regexp2.Compile(expr, regexp2.IgnoreCase)
			if err != nil {
				return nil, fmt.Errorf("modelmatch: provider %s pattern %q: %w", p.Name, stem, err)
			}
			prov.patterns = append(prov.patterns, re)
		}
		lib.providers = append(lib.providers, prov)
	}
	return lib, nil
}

var (
	defaultOnce sync.Once
	defaultLib  *Library
)

// DefaultLibrary returns the embedded provider library.
func DefaultLibrary() *Library {
	defaultOnce.Do(func() {
		lib, err := LoadLibrary(defaultPatterns)
		if err != nil {
			panic(err)
		}
		defaultLib = lib
	})
	return defaultLib
}

// Providers returns the providers in file order.
func (l *Library) Providers() []Provider {
	return append([]Provider(nil), l.providers...)
}

// Extract returns every model name found in text by every provider, in
// provider order, deduplicated. It never stops at the first hit.
func (l *Library) Extract(text string) []string {
	text = strings.ToLower(text)
	if text == "" {
		return nil
	}
	var out []string
	for _, p := range l.providers {
		for _, re := range p.patterns {
			m, err := re.FindStringMatch(text)
			for err == nil && m != nil {
				if g := m.GroupByNumber(1); g != nil && g.String() != "" {
					out = appendUnique(out, model.NormalizeModelName(g.String()))
				}
				m, err = re.FindNextMatch(m)
			}
		}
	}
	return out
}

// ProviderOf returns the provider whose patterns match the whole model name.
func (l *Library) ProviderOf(modelName string) (Provider, bool) {
	modelName = model.NormalizeModelName(modelName)
	for _, p := range l.providers {
		for _, re := range p.patterns {
			m, err := re.FindStringMatch(modelName)
			if err != nil || m == nil {
				continue
			}
			if g := m.GroupByNumber(1); g != nil && g.String() == modelName {
				return p, true
			}
		}
	}
	return Provider{}, false
}

func appendUnique(list []string, v string) []string {
	if v == "" || slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(strings.TrimSpace(s)))
	}
	return out
}
