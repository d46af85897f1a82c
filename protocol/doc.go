// Package protocol implements the binary frame format spoken by the live
// push server.
//
// Every frame starts with a fixed 16-byte big-endian header:
//
//	offset  size  field
//	0       4     total length (header + body)
//	4       2     header length (always 16)
//	6       2     protocol version (0 raw, 1 heartbeat-class, 2 zlib)
//	8       4     operation
//	12      4     sequence
//	16      *     body
//
// A version 2 body is zlib-compressed and, once inflated, is itself a
// concatenation of complete frames. The package is pure: it performs no I/O
// and keeps no state between calls.
package protocol
