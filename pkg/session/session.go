// Package session defines the narrow substrate contract the media
// transport rides on: best-effort datagrams, reliable unidirectional
// streams, and close observation. The production implementation is a
// WebTransport session; tests substitute an in-memory one.
package session

import (
	"context"
	"io"
)

// CloseInfo describes why a session ended.
type CloseInfo struct {
	Code   uint32
	Reason string
}

// Session is the substrate handle. Datagrams may be lost, duplicated,
// or reordered; unidirectional streams are reliable and framed by
// stream boundary.
type Session interface {
	// SendDatagram transmits one datagram best-effort.
	SendDatagram(b []byte) error

	// ReceiveDatagram blocks for the next incoming datagram.
	ReceiveDatagram(ctx context.Context) ([]byte, error)

	// OpenUniStream opens a reliable send stream. Closing the stream
	// marks the message boundary.
	OpenUniStream(ctx context.Context) (io.WriteCloser, error)

	// AcceptUniStream blocks for the next incoming reliable stream.
	AcceptUniStream(ctx context.Context) (io.Reader, error)

	// CloseWithError tears the session down with a code and reason.
	CloseWithError(code uint32, reason string) error

	// Done is closed once the session has ended, locally or by the
	// peer.
	Done() <-chan struct{}

	// CloseInfo reports the close code and reason. Valid after Done
	// is closed.
	CloseInfo() CloseInfo
}
