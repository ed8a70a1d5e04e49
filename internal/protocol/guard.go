package protocol

import (
	"fmt"
	"sync"
)

// StreamGuard pins the frame format of one stream to whatever its first
// frame used. Each connection owns its own guard.
type StreamGuard struct {
	mu     sync.Mutex
	format Format
	set    bool
}

// Check validates the header of frame against the stream format, fixing the
// format on first use.
func (g *StreamGuard) Check(frame []byte) (Header, error) {
	h, err := ReadHeader(frame)
	if err != nil {
		return Header{}, err
	}
	if h.Length != uint64(len(frame)) {
		return Header{}, &FrameError{Kind: ErrTruncated, Frame: h.Name, Offset: len(frame),
			Detail: fmt.Sprintf("frame declares %d bytes, message holds %d", h.Length, len(frame))}
	}
	if h.Level != 0 {
		return Header{}, &FrameError{Kind: ErrProtocolViolation, Frame: h.Name, Offset: 5,
			Detail: fmt.Sprintf("top-level frame at level %d", h.Level)}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.set {
		g.format, g.set = h.Format, true
		return h, nil
	}
	if h.Format != g.format {
		return Header{}, &FrameError{Kind: ErrProtocolViolation, Frame: h.Name, Offset: 4,
			Detail: fmt.Sprintf("format %s on a %s stream", h.Format, g.format)}
	}
	return h, nil
}

// Negotiated returns the stream format and whether one has been seen
func (g *StreamGuard) Negotiated() (Format, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.format, g.set
}

// Reader returns a reader over frame pinned to the stream format.
func (g *StreamGuard) Reader(frame []byte) (*Reader, error) {
	h, err := g.Check(frame)
	if err != nil {
		return nil, err
	}
	return newReaderWithFormat(frame, h.Format), nil
}
