// Package pdu defines the protocol data unit that flows through wiretap and
// the unbounded queue that carries PDUs between goroutines.
//
// A PDU follows a single-writer discipline: whoever holds it may mutate it,
// and handing it to a Queue or a connection transfers ownership. The producer
// must not touch a PDU after handing it off; copy it first if it is still
// needed.
package pdu
