// Package rbc implements Bracha-style authenticated asynchronous reliable
// broadcast: the per-identifier instance state machine
// (SEND/ECHO/READY/REQUEST/ANSWER) and the manager that demultiplexes a
// shared datagram socket into one driver goroutine per live instance.
package rbc
