// Package httpcodec parses and writes HTTP/1.x messages as PDUs while
// preserving header order, header values and chunk boundaries as they
// appear on the wire, so intercepted messages can be edited and re-emitted
// byte for byte.
package httpcodec
