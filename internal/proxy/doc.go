// Package proxy defines the Proxy abstraction shared by the TCP, UDP and
// HTTP proxies, the serialized PDU form exchanged with the outside, and the
// Manager that prepares, starts and stops a set of proxies together.
package proxy
