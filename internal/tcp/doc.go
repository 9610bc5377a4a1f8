// Package tcp implements the stream proxy: it accepts clients, dials the
// target for each of them and moves PDUs between the two sockets through
// the interceptor pipeline. The HTTP proxy is the same machinery with an
// HTTP codec plugged in.
package tcp
