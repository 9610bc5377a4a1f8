package tproxy

import (
	"net"
	"testing"
)

func TestOriginalDstNonTCP(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	if _, ok := OriginalDst(a); ok {
		t.Fatal("expected no original destination for a pipe")
	}
}

func TestOriginalDstNotRedirected(t *testing.T) {
	if !IsSupported {
		t.Skip("transparent mode not supported")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	sc, ok := <-accepted
	if !ok {
		t.Fatal("accept failed")
	}
	defer sc.Close()

	// Without a redirect rule the kernel reports either nothing or the
	// listener address itself.
	dst, ok := OriginalDst(sc)
	if ok && dst.String() != ln.Addr().String() {
		t.Fatalf("unexpected original destination %s", dst)
	}
}
