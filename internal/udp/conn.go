package udp

import (
	"context"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/xerrors"

	"github.com/die-net/wiretap/internal/conn"
	"github.com/die-net/wiretap/internal/pdu"
)

// Conn is the pseudo-connection of one client address.
type Conn struct {
	*conn.Base

	proxy *Proxy
	peer  netip.AddrPort
	// client is the shared listening socket.
	client *net.UDPConn
	server *net.UDPConn
	last   atomic.Int64
}

func newConn(code string, p *Proxy, client *net.UDPConn, peer netip.AddrPort, server *net.UDPConn) *Conn {
	c := &Conn{
		Base: conn.NewBase(code, conn.BaseOptions{
			Logger:     p.logger,
			CloseDelay: p.cfg.CloseDelay,
		}),
		proxy:  p,
		peer:   peer,
		client: client,
		server: server,
	}
	c.touch()
	return c
}

func (c *Conn) Start(ctx context.Context) error {
	return c.Base.Start(ctx, []conn.Task{
		{Name: "read server", Run: c.readFromServer},
		{Name: "write server", Run: c.writeToServer},
		{Name: "write client", Run: c.writeToClient},
		{Name: "idle", Run: c.watchIdle},
	}, c.server)
}

// Peer is the client address.
func (c *Conn) Peer() netip.AddrPort { return c.peer }

func (c *Conn) touch() {
	c.last.Store(time.Now().UnixNano())
}

func (c *Conn) idleFor() time.Duration {
	return time.Since(time.Unix(0, c.last.Load()))
}

func (c *Conn) process(ctx context.Context, p *pdu.PDU) {
	p.Proxy = c.proxy
	p.Conn = c
	c.proxy.processor.Process(ctx, p)
}

func (c *Conn) readFromServer(ctx context.Context) error {
	buf := c.proxy.pool.Get()
	defer c.proxy.pool.Put(buf)

	for {
		n, err := c.server.Read(buf)
		if err != nil {
			return err
		}
		c.touch()
		p := pdu.New(pdu.KindUDP, pdu.Client, append([]byte(nil), buf[:n]...))
		p.Charset = c.proxy.cfg.Charset
		c.process(ctx, p)
	}
}

func (c *Conn) writeToServer(ctx context.Context) error {
	for {
		p, ok := c.ToServer().Take(ctx)
		if !ok {
			return nil
		}
		if _, err := c.server.Write(p.Bytes()); err != nil {
			return xerrors.Errorf("write server: %w", err)
		}
	}
}

func (c *Conn) writeToClient(ctx context.Context) error {
	for {
		p, ok := c.ToClient().Take(ctx)
		if !ok {
			return nil
		}
		if _, err := c.client.WriteToUDPAddrPort(p.Bytes(), c.peer); err != nil {
			return xerrors.Errorf("write client: %w", err)
		}
	}
}

// watchIdle stops the pseudo-connection once no datagram moved for the
// idle timeout. Idle teardown skips the close delay.
func (c *Conn) watchIdle(ctx context.Context) error {
	idle := c.proxy.idle
	t := time.NewTimer(idle)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			left := idle - c.idleFor()
			if left > 0 {
				t.Reset(left)
				continue
			}
			c.Logger().Debug(ctx, "pseudo-connection idle")
			c.StopAsync()
			<-ctx.Done()
			return nil
		}
	}
}
