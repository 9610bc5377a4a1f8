// Package modifier implements the rewriting interceptor. Each rule may be
// restricted to PDUs carrying a tag.
package modifier

import (
	"bytes"
	"context"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"

	"github.com/die-net/wiretap/internal/httpcodec"
	"github.com/die-net/wiretap/internal/intercept"
	"github.com/die-net/wiretap/internal/pdu"
)

type Config struct {
	Rules []RuleConfig `yaml:"rules"`
}

// RuleConfig is one rewrite. Type is replace, add_header, replace_header or
// remove_header.
type RuleConfig struct {
	Name    string `yaml:"name"`
	Enabled *bool  `yaml:"enabled"`
	// Tag restricts the rule to PDUs carrying it.
	Tag  string `yaml:"tag"`
	Type string `yaml:"type"`

	What string `yaml:"what"`
	With string `yaml:"with"`
	// Occurrence selects which match to replace, counting from 1. Zero
	// replaces all of them.
	Occurrence int `yaml:"occurrence"`

	Header string `yaml:"header"`
	Value  string `yaml:"value"`
}

type rewrite func(p *pdu.PDU) error

type rule struct {
	name  string
	tag   string
	apply rewrite
}

type Interceptor struct {
	code   string
	logger slog.Logger
	rules  []rule
}

var _ intercept.Interceptor = (*Interceptor)(nil)

func New(code string, cfg Config, logger slog.Logger) (*Interceptor, error) {
	m := &Interceptor{code: code, logger: logger.Named("modifier").With(slog.F("interceptor", code))}
	for i, rc := range cfg.Rules {
		if rc.Enabled != nil && !*rc.Enabled {
			continue
		}
		fn, err := rc.compile()
		if err != nil {
			return nil, xerrors.Errorf("modifier %s: rule %d: %w", code, i, err)
		}
		m.rules = append(m.rules, rule{name: rc.Name, tag: rc.Tag, apply: fn})
	}
	return m, nil
}

func (rc RuleConfig) compile() (rewrite, error) {
	switch rc.Type {
	case "replace":
		if rc.What == "" {
			return nil, xerrors.New("replace: nothing to replace")
		}
		if rc.Occurrence < 0 {
			return nil, xerrors.Errorf("replace: occurrence %d", rc.Occurrence)
		}
		return func(p *pdu.PDU) error { return Replace(p, rc.What, rc.With, rc.Occurrence) }, nil
	case "add_header", "replace_header", "remove_header":
		if rc.Header == "" {
			return nil, xerrors.Errorf("%s: no header", rc.Type)
		}
	default:
		return nil, xerrors.Errorf("unknown rule type %q", rc.Type)
	}

	typ := rc.Type
	return func(p *pdu.PDU) error {
		h := httpcodec.HeadersOf(p)
		if h == nil {
			return nil
		}
		switch typ {
		case "add_header":
			h.Add(rc.Header, rc.Value)
		case "replace_header":
			if h.Has(rc.Header) {
				h.Set(rc.Header, rc.Value)
			}
		case "remove_header":
			h.Del(rc.Header)
		}
		return nil
	}, nil
}

func (m *Interceptor) Code() string { return m.code }

func (*Interceptor) Prepare(context.Context) error { return nil }

func (m *Interceptor) Intercept(ctx context.Context, p *pdu.PDU) bool {
	if p.HasTag(pdu.TagNoModifier) && !p.HasTag(pdu.TagModifier) {
		return true
	}
	for _, r := range m.rules {
		if r.tag != "" && !p.HasTag(r.tag) {
			continue
		}
		if err := r.apply(p); err != nil {
			m.logger.Debug(ctx, "rule skipped", slog.F("rule", r.name), slog.Error(err))
		}
	}
	return true
}

func (*Interceptor) Stop() {}

// Replace substitutes with for what in the payload of p, both encoded in the
// PDU charset. occurrence counts from 1; zero replaces every match.
func Replace(p *pdu.PDU, what, with string, occurrence int) error {
	old, err := p.Charset.Encode(what)
	if err != nil {
		return err
	}
	repl, err := p.Charset.Encode(with)
	if err != nil {
		return err
	}

	data := p.Bytes()
	if occurrence == 0 {
		if bytes.Contains(data, old) {
			p.SetData(bytes.ReplaceAll(data, old, repl))
		}
		return nil
	}

	at := -1
	for i, off := 0, 0; i < occurrence; i++ {
		j := bytes.Index(data[off:], old)
		if j < 0 {
			return nil
		}
		at = off + j
		off = at + len(old)
	}

	out := make([]byte, 0, len(data)-len(old)+len(repl))
	out = append(out, data[:at]...)
	out = append(out, repl...)
	out = append(out, data[at+len(old):]...)
	p.SetData(out)
	return nil
}
