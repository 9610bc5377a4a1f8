// Package pdulog implements the logging interceptor. PDUs are copied onto a
// queue and written by a background goroutine to a size-rotated file, so
// the intercepting goroutine never waits on disk.
package pdulog

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/die-net/wiretap/internal/intercept"
	"github.com/die-net/wiretap/internal/pdu"
	"github.com/die-net/wiretap/internal/proxy"
)

const (
	FormatHex  = "hex"
	FormatText = "text"
)

type Config struct {
	Path string `yaml:"path"`
	// Format is hex (the default) or text. Text decodes the payload with
	// the PDU charset.
	Format string `yaml:"format"`
	// MaxSizeMB rotates the file once it grows past this size; 100 when
	// zero.
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// serializerOf is implemented by proxies that render PDU metadata.
type serializerOf interface {
	Serializer() proxy.Serializer
}

type Interceptor struct {
	code   string
	cfg    Config
	logger slog.Logger
	now    func() time.Time

	queue  *pdu.Queue
	cancel context.CancelFunc
	done   chan struct{}
	out    io.WriteCloser
	once   sync.Once
}

var _ intercept.Interceptor = (*Interceptor)(nil)

func New(code string, cfg Config, logger slog.Logger) (*Interceptor, error) {
	if cfg.Path == "" {
		return nil, xerrors.Errorf("logger %s: no path", code)
	}
	switch cfg.Format {
	case "":
		cfg.Format = FormatHex
	case FormatHex, FormatText:
	default:
		return nil, xerrors.Errorf("logger %s: format %q: want hex or text", code, cfg.Format)
	}
	return &Interceptor{
		code:   code,
		cfg:    cfg,
		logger: logger.Named("pdulog").With(slog.F("interceptor", code)),
		now:    time.Now,
		queue:  pdu.NewQueue(),
	}, nil
}

func (l *Interceptor) Code() string { return l.code }

// Prepare opens the output and starts the writer.
func (l *Interceptor) Prepare(ctx context.Context) error {
	if l.done != nil {
		return xerrors.Errorf("logger %s: already prepared", l.code)
	}
	l.out = &lumberjack.Logger{
		Filename:   l.cfg.Path,
		MaxSize:    l.cfg.MaxSizeMB,
		MaxBackups: l.cfg.MaxBackups,
		MaxAge:     l.cfg.MaxAgeDays,
		Compress:   l.cfg.Compress,
	}

	ctx, l.cancel = context.WithCancel(context.WithoutCancel(ctx))
	l.done = make(chan struct{})
	go l.write(ctx)
	l.logger.Debug(ctx, "writing pdus", slog.F("path", l.cfg.Path))
	return nil
}

func (l *Interceptor) Intercept(_ context.Context, p *pdu.PDU) bool {
	l.queue.Add(p.Copy())
	return true
}

// write drains the queue until it is empty after Stop.
func (l *Interceptor) write(ctx context.Context) {
	defer close(l.done)

	var b strings.Builder
	for {
		p, ok := l.queue.Take(ctx)
		if !ok {
			return
		}
		b.Reset()
		l.format(&b, p)
		if _, err := io.WriteString(l.out, b.String()); err != nil {
			l.logger.Warn(ctx, "write pdu", slog.Error(err))
		}
	}
}

func (l *Interceptor) format(b *strings.Builder, p *pdu.PDU) {
	fmt.Fprintf(b, "%s proxy=%s conn=%s dst=%s size=%d charset=%s",
		l.now().UTC().Format(time.RFC3339Nano), refCode(p.Proxy), refCode(p.Conn), p.Destination, p.Size(), p.Charset.Name())
	if tags := p.Tags(); len(tags) > 0 {
		fmt.Fprintf(b, " tags=%s", strings.Join(tags, ","))
	}
	if s, ok := p.Proxy.(serializerOf); ok {
		md := s.Serializer().Metadata(p)
		keys := make([]string, 0, len(md))
		for k := range md {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(b, " %s=%q", k, md[k])
		}
	}
	b.WriteByte('\n')

	if p.Size() > 0 {
		switch l.cfg.Format {
		case FormatText:
			text, err := p.Charset.Decode(p.Bytes())
			if err != nil {
				text = string(p.Bytes())
			}
			b.WriteString(text)
			b.WriteByte('\n')
		default:
			b.WriteString(hex.Dump(p.Bytes()))
		}
	}
	b.WriteByte('\n')
}

func refCode(r interface{ Code() string }) string {
	if r == nil {
		return "-"
	}
	return r.Code()
}

// Stop writes the PDUs still queued and closes the file.
func (l *Interceptor) Stop() {
	l.once.Do(func() {
		if l.done == nil {
			l.queue.Close()
			return
		}
		l.cancel()
		<-l.done
		l.queue.Close()
		if err := l.out.Close(); err != nil {
			l.logger.Warn(context.Background(), "close output", slog.Error(err))
		}
	})
}
