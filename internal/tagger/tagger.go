// Package tagger implements the tagging interceptor: rules add a tag to
// every PDU matching their subrules, and a rule tagging "drop" drops the
// PDU instead.
package tagger

import (
	"context"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"

	"github.com/die-net/wiretap/internal/intercept"
	"github.com/die-net/wiretap/internal/pdu"
)

// Config is the interceptor specific part of the configuration.
type Config struct {
	Rules []RuleConfig `yaml:"rules"`
}

type RuleConfig struct {
	Name string `yaml:"name"`
	Tag  string `yaml:"tag"`
	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled"`
	// Match is "all" (the default) or "any".
	Match    string          `yaml:"match"`
	Subrules []SubruleConfig `yaml:"subrules"`
}

type rule struct {
	name     string
	tag      string
	matchAny bool
	subrules []predicate
}

// matches reports whether r applies to p. A PDU already carrying the tag is
// left alone.
func (r *rule) matches(p *pdu.PDU) bool {
	if p.HasTag(r.tag) {
		return false
	}
	if len(r.subrules) == 0 {
		return true
	}
	for _, s := range r.subrules {
		ok := s(p)
		if r.matchAny && ok {
			return true
		}
		if !r.matchAny && !ok {
			return false
		}
	}
	return !r.matchAny
}

type Interceptor struct {
	code   string
	logger slog.Logger
	rules  []rule
}

var _ intercept.Interceptor = (*Interceptor)(nil)

func New(code string, cfg Config, logger slog.Logger) (*Interceptor, error) {
	t := &Interceptor{code: code, logger: logger.Named("tagger").With(slog.F("interceptor", code))}
	for i, rc := range cfg.Rules {
		if rc.Enabled != nil && !*rc.Enabled {
			continue
		}
		if rc.Tag == "" {
			return nil, xerrors.Errorf("tagger %s: rule %d: no tag", code, i)
		}
		r := rule{name: rc.Name, tag: rc.Tag}
		switch rc.Match {
		case "", "all":
		case "any":
			r.matchAny = true
		default:
			return nil, xerrors.Errorf("tagger %s: rule %d: match %q: want all or any", code, i, rc.Match)
		}
		for j, sc := range rc.Subrules {
			s, err := sc.compile()
			if err != nil {
				return nil, xerrors.Errorf("tagger %s: rule %d: subrule %d: %w", code, i, j, err)
			}
			r.subrules = append(r.subrules, s)
		}
		t.rules = append(t.rules, r)
	}
	return t, nil
}

func (t *Interceptor) Code() string { return t.code }

func (*Interceptor) Prepare(context.Context) error { return nil }

func (t *Interceptor) Intercept(ctx context.Context, p *pdu.PDU) bool {
	if p.HasTag(pdu.TagNoTagger) && !p.HasTag(pdu.TagTagger) {
		return true
	}
	for i := range t.rules {
		r := &t.rules[i]
		if !r.matches(p) {
			continue
		}
		if r.tag == pdu.TagDrop {
			t.logger.Debug(ctx, "dropping pdu", slog.F("rule", r.name))
			return false
		}
		p.AddTag(r.tag)
	}
	return true
}

func (*Interceptor) Stop() {}
