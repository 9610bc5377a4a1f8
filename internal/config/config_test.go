package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/wiretap/internal/config"
)

const sample = `
proxies:
  - code: web
    type: http
    listen: 127.0.0.1:8080
    target: example.com:443
    charset: UTF-8
    close_delay: 250ms
    upstream: socks5://127.0.0.1:1080
    tls:
      client:
        min_version: TLSv1.3
        server_name: example.com
  - code: dns
    type: udp
    listen: 127.0.0.1:5353
    target: 1.1.1.1:53
    idle_timeout: 30s
interceptors:
  c2s:
    - code: tag
      type: tagger
      settings:
        rules:
          - tag: secret
            subrules:
              - type: contains
                value: password
  s2c:
    - code: log
      type: logger
      settings:
        path: /tmp/pdus.log
control:
  listen: 127.0.0.1:9000
`

type tagSettings struct {
	Rules []struct {
		Tag      string `yaml:"tag"`
		Subrules []struct {
			Type  string `yaml:"type"`
			Value string `yaml:"value"`
		} `yaml:"subrules"`
	} `yaml:"rules"`
}

func TestParse(t *testing.T) {
	t.Parallel()

	cfg, err := config.Parse(strings.NewReader(sample))
	require.NoError(t, err)

	require.Len(t, cfg.Proxies, 2)
	web := cfg.Proxies[0]
	assert.Equal(t, config.TypeHTTP, web.Type)
	assert.Equal(t, 250*time.Millisecond, web.CloseDelay)
	assert.Equal(t, "socks5://127.0.0.1:1080", web.Upstream)
	require.NotNil(t, web.TLS.Client)
	assert.Nil(t, web.TLS.Server)
	assert.Equal(t, "TLSv1.3", web.TLS.Client.MinVersion)
	assert.Equal(t, 30*time.Second, cfg.Proxies[1].IdleTimeout)
	assert.Equal(t, "127.0.0.1:9000", cfg.Control.Listen)

	require.Len(t, cfg.Interceptors.ClientToServer, 1)
	var settings tagSettings
	require.NoError(t, cfg.Interceptors.ClientToServer[0].Decode(&settings))
	require.Len(t, settings.Rules, 1)
	assert.Equal(t, "secret", settings.Rules[0].Tag)
	assert.Equal(t, "password", settings.Rules[0].Subrules[0].Value)

	err = cfg.Interceptors.ServerToClient[0].Decode(&settings)
	assert.ErrorContains(t, err, "path")
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wiretap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Proxies, 2)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{name: "empty", yaml: "", want: "no proxies"},
		{name: "unknown field", yaml: "proxies:\n  - code: a\n    colour: red\n", want: "colour"},
		{name: "no code", yaml: "proxies:\n  - type: tcp\n    listen: :1\n    target: a:1\n", want: "no code"},
		{name: "duplicate", yaml: "proxies:\n  - {code: a, type: tcp, listen: ':1', target: 'a:1'}\n  - {code: a, type: tcp, listen: ':2', target: 'a:1'}\n", want: "duplicate"},
		{name: "type", yaml: "proxies:\n  - {code: a, type: sctp, listen: ':1', target: 'a:1'}\n", want: "unknown type"},
		{name: "listen", yaml: "proxies:\n  - {code: a, type: tcp, target: 'a:1'}\n", want: "listen"},
		{name: "target", yaml: "proxies:\n  - {code: a, type: tcp, listen: ':1', target: 'nohost'}\n", want: "target"},
		{name: "udp tls", yaml: "proxies:\n  - {code: a, type: udp, listen: ':1', target: 'a:1', starttls: true}\n", want: "udp"},
		{name: "starttls http", yaml: "proxies:\n  - {code: a, type: http, listen: ':1', target: 'a:1', starttls: true}\n", want: "starttls"},
		{name: "interceptor type", yaml: "proxies:\n  - {code: a, type: tcp, listen: ':1', target: 'a:1'}\ninterceptors:\n  c2s:\n    - {code: x, type: scripter}\n", want: "unknown type"},
		{name: "interceptor duplicate", yaml: "proxies:\n  - {code: a, type: tcp, listen: ':1', target: 'a:1'}\ninterceptors:\n  s2c:\n    - {code: x, type: tagger}\n    - {code: x, type: modifier}\n", want: "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.Parse(strings.NewReader(tt.yaml))
			assert.ErrorContains(t, err, tt.want)
		})
	}

	_, err := config.Parse(strings.NewReader("proxies:\n  - {code: t, type: tcp, listen: ':1', transparent: true}\n"))
	assert.NoError(t, err, "transparent proxies need no target")
}
