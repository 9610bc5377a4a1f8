package tcp

import (
	"bufio"
	"context"
	"net"
	"sync"

	"github.com/die-net/wiretap/internal/conn"
	"github.com/die-net/wiretap/internal/pdu"
)

// Conn is one proxied client with its server socket.
type Conn struct {
	*conn.Base

	proxy   *Proxy
	session Session
	target  string

	mu     sync.Mutex
	client net.Conn
	server net.Conn

	upgrade *tlsUpgrade
}

func newConn(code string, p *Proxy, client, server net.Conn, target string) *Conn {
	c := &Conn{
		Base: conn.NewBase(code, conn.BaseOptions{
			Logger:     p.logger,
			CloseDelay: p.cfg.CloseDelay,
		}),
		proxy:   p,
		session: p.codec.NewSession(),
		target:  target,
		client:  client,
		server:  server,
	}
	if p.startTLS {
		c.upgrade = newTLSUpgrade()
	}
	return c
}

func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	client, server := c.client, c.server
	c.mu.Unlock()

	return c.Base.Start(ctx, []conn.Task{
		{Name: "read client", Run: c.readFromClient},
		{Name: "read server", Run: c.readFromServer},
		{Name: "write server", Run: c.writeToServer},
		{Name: "write client", Run: c.writeToClient},
	}, client, server)
}

// Target is the address the server socket was dialed to.
func (c *Conn) Target() string { return c.target }

// ClientAddr is the remote address of the client.
func (c *Conn) ClientAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client.RemoteAddr()
}

func (c *Conn) clientConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

func (c *Conn) serverConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

func (c *Conn) process(ctx context.Context, p *pdu.PDU) {
	p.Proxy = c.proxy
	p.Conn = c
	c.proxy.processor.Process(ctx, p)
}

func (c *Conn) readBufferSize() int {
	return c.proxy.cfg.BufferSize
}

func (c *Conn) readFromClient(ctx context.Context) error {
	br := bufio.NewReaderSize(c.clientConn(), c.readBufferSize())
	for {
		p, err := c.session.ReadPDU(ctx, pdu.Server, br)
		if err != nil {
			return err
		}

		if c.upgrade != nil && !c.upgrade.client && isClientHello(p) {
			br = c.upgradeClient(ctx, p, br)
			continue
		}
		c.process(ctx, p)
	}
}

func (c *Conn) readFromServer(ctx context.Context) error {
	br := bufio.NewReaderSize(c.serverConn(), c.readBufferSize())
	for {
		p, err := c.session.ReadPDU(ctx, pdu.Client, br)
		if err != nil {
			if c.upgrade != nil && c.upgrade.pausing(err) {
				next, err := c.upgrade.handOver(ctx, br)
				if err != nil {
					return err
				}
				br = next
				continue
			}
			return err
		}
		c.process(ctx, p)
	}
}

func (c *Conn) writeToServer(ctx context.Context) error {
	for {
		p, ok := c.ToServer().Take(ctx)
		if !ok {
			return nil
		}
		if c.upgrade != nil && isUpgradeMarker(p) {
			if err := c.upgradeServer(ctx); err != nil {
				return err
			}
			continue
		}
		if err := c.session.WritePDU(ctx, c.serverConn(), p); err != nil {
			return err
		}
	}
}

func (c *Conn) writeToClient(ctx context.Context) error {
	for {
		p, ok := c.ToClient().Take(ctx)
		if !ok {
			return nil
		}
		if err := c.session.WritePDU(ctx, c.clientConn(), p); err != nil {
			return err
		}
	}
}
