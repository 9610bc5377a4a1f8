// Package dialer provides the outbound dialers proxies use to reach their
// target, either directly or through an upstream HTTP CONNECT or SOCKS5
// proxy.
package dialer
