// Package conn holds the pieces every proxied connection shares: the Base
// runner that owns the two outbound queues, the worker goroutines and the
// stop state machine, and the Manager registry that maps connection codes to
// live connections.
package conn
