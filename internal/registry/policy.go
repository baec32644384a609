package registry

import (
	"fmt"

	"github.com/dlclark/regexp2"

	"github.com/Resinat/Ballast/internal/model"
)

// PatternPolicy is a config-backed ModelPolicy. A model is allowed when it
// matches no deny pattern and, if allow patterns exist, at least one of them.
type PatternPolicy struct {
	allow []*regexp2.Regexp
	deny  []*regexp2.Regexp
}

// NewPatternPolicy compiles allow/deny patterns (case-insensitive).
func NewPatternPolicy(allow, deny []string) (*PatternPolicy, error) {
	p := &PatternPolicy{}
	for _, pattern := range allow {
		re, err := regexp2.Compile(pattern, regexp2.IgnoreCase)
		if err != nil {
			return nil, fmt.Errorf("allow pattern %q: %w", pattern, err)
		}
		p.allow = append(p.allow, re)
	}
	for _, pattern := range deny {
		re, err := regexp2.Compile(pattern, regexp2.IgnoreCase)
		if err != nil {
			return nil, fmt.Errorf("deny pattern %q: %w", pattern, err)
		}
		p.deny = append(p.deny, re)
	}
	return p, nil
}

func (p *PatternPolicy) IsModelAllowed(name string) bool {
	name = model.NormalizeModelName(name)
	if name == "" {
		return false
	}
	for _, re := range p.deny {
		if ok, _ := re.MatchString(name); ok {
			return false
		}
	}
	if len(p.allow) == 0 {
		return true
	}
	for _, re := range p.allow {
		if ok, _ := re.MatchString(name); ok {
			return true
		}
	}
	return false
}

func (p *PatternPolicy) FilterModels(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if p.IsModelAllowed(n) {
			out = append(out, n)
		}
	}
	return out
}
