// Package tproxy lets a TCP proxy run in transparent mode on Linux: the
// listener is opened with IP_TRANSPARENT so iptables/nftables TPROXY or
// REDIRECT rules can hand it foreign connections, and the real destination
// of each accepted connection is read back with SO_ORIGINAL_DST.
//
// On other platforms the listener and original-destination lookup are
// stubbed out and return errors.
package tproxy
