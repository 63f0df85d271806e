// Package netio provides the shared UDP datagram transport for the ARB
// runtime: one socket bound to the local node's address, used for both
// receiving and for concurrent transmission to all peers, plus the
// receive loop that feeds decoded envelopes to the demultiplexer.
package netio
