// Package config loads the YAML configuration of wiretap.
package config

import (
	"bytes"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/die-net/wiretap/internal/tlsfactory"
)

// Proxy types.
const (
	TypeTCP  = "tcp"
	TypeUDP  = "udp"
	TypeHTTP = "http"
)

// Interceptor types.
const (
	TypeTagger   = "tagger"
	TypeModifier = "modifier"
	TypeLogger   = "logger"
	TypeCatcher  = "catcher"
)

type Config struct {
	Proxies      []Proxy      `yaml:"proxies"`
	Interceptors Interceptors `yaml:"interceptors"`
	Control      Listener     `yaml:"control"`
	Debug        Listener     `yaml:"debug"`
}

type Listener struct {
	Listen string `yaml:"listen"`
}

type Proxy struct {
	Code   string `yaml:"code"`
	Type   string `yaml:"type"`
	Listen string `yaml:"listen"`
	Target string `yaml:"target"`

	BufferSize int           `yaml:"buffer_size"`
	Charset    string        `yaml:"charset"`
	CloseDelay time.Duration `yaml:"close_delay"`
	// IdleTimeout applies to udp proxies.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// Upstream routes server sockets through direct://, http://, https://
	// or socks5://.
	Upstream           string        `yaml:"upstream"`
	DialTimeout        time.Duration `yaml:"dial_timeout"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`

	TLS         TLS  `yaml:"tls"`
	StartTLS    bool `yaml:"starttls"`
	Transparent bool `yaml:"transparent"`
}

type TLS struct {
	// Server wraps the listening socket.
	Server *tlsfactory.Config `yaml:"server"`
	// Client wraps the socket toward the target.
	Client *tlsfactory.Config `yaml:"client"`
	// TrustEveryone states explicitly that peer certificates are not
	// verified. It conflicts with a trust store.
	TrustEveryone bool `yaml:"trust_everyone"`
}

type Interceptors struct {
	ClientToServer []Interceptor `yaml:"c2s"`
	ServerToClient []Interceptor `yaml:"s2c"`
}

type Interceptor struct {
	Code string `yaml:"code"`
	Type string `yaml:"type"`
	// Settings is decoded by the interceptor type.
	Settings yaml.Node `yaml:"settings"`
}

// Decode decodes the interceptor settings into v, rejecting unknown fields.
func (ic Interceptor) Decode(v any) error {
	if ic.Settings.Kind == 0 {
		return nil
	}
	b, err := yaml.Marshal(&ic.Settings)
	if err != nil {
		return xerrors.Errorf("interceptor %s: %w", ic.Code, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return xerrors.Errorf("interceptor %s settings: %w", ic.Code, err)
	}
	return nil
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, xerrors.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func Parse(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, xerrors.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks codes are unique, types known and addresses present.
func (c *Config) Validate() error {
	if len(c.Proxies) == 0 {
		return xerrors.New("no proxies configured")
	}

	seen := make(map[string]bool, len(c.Proxies))
	for i, p := range c.Proxies {
		if p.Code == "" {
			return xerrors.Errorf("proxy %d: no code", i)
		}
		if seen[p.Code] {
			return xerrors.Errorf("proxy %s: duplicate code", p.Code)
		}
		seen[p.Code] = true

		switch p.Type {
		case TypeTCP, TypeHTTP:
		case TypeUDP:
			if p.TLS.Server != nil || p.TLS.Client != nil || p.StartTLS || p.Transparent {
				return xerrors.Errorf("proxy %s: udp supports neither tls nor transparent mode", p.Code)
			}
		default:
			return xerrors.Errorf("proxy %s: unknown type %q", p.Code, p.Type)
		}
		if p.StartTLS && p.Type != TypeTCP {
			return xerrors.Errorf("proxy %s: starttls needs a tcp proxy", p.Code)
		}
		if err := checkAddr(p.Listen); err != nil {
			return xerrors.Errorf("proxy %s: listen: %w", p.Code, err)
		}
		if !p.Transparent {
			if err := checkAddr(p.Target); err != nil {
				return xerrors.Errorf("proxy %s: target: %w", p.Code, err)
			}
		}
		if p.BufferSize < 0 {
			return xerrors.Errorf("proxy %s: negative buffer_size", p.Code)
		}
	}

	for name, chain := range map[string][]Interceptor{"c2s": c.Interceptors.ClientToServer, "s2c": c.Interceptors.ServerToClient} {
		codes := make(map[string]bool, len(chain))
		for i, ic := range chain {
			if ic.Code == "" {
				return xerrors.Errorf("%s interceptor %d: no code", name, i)
			}
			if codes[ic.Code] {
				return xerrors.Errorf("%s interceptor %s: duplicate code", name, ic.Code)
			}
			codes[ic.Code] = true
			switch ic.Type {
			case TypeTagger, TypeModifier, TypeLogger, TypeCatcher:
			default:
				return xerrors.Errorf("%s interceptor %s: unknown type %q", name, ic.Code, ic.Type)
			}
		}
	}
	return nil
}

func checkAddr(addr string) error {
	if addr == "" {
		return xerrors.New("address missing")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return xerrors.Errorf("address %q: %w", addr, err)
	}
	return nil
}
