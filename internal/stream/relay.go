// Package stream relays upstream event streams after a first-chunk check.
package stream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Rejection reasons for a streaming attempt.
var (
	ErrEmptyStream = errors.New("upstream stream ended before the first chunk")
	ErrErrorChunk  = errors.New("upstream stream opened with an error payload")
)

// errorMarker flags an error object embedded in the first SSE chunk. The
// upstream emits 2xx streams whose only event is an error body.
var errorMarker = []byte(`"error"`)

const peekSize = 32 * 1024

// Peek pulls exactly one chunk from body and inspects it before committing
// to a relay. On success it returns a reader that replays the consumed chunk
// followed by the rest of the stream, so the caller sees every byte exactly
// once; ownership of body transfers to the returned reader. On rejection the
// body is closed and an error identifies the reason.
func Peek(body io.ReadCloser) (io.ReadCloser, error) {
	buf := make([]byte, peekSize)

	var n int
	var err error
	for {
		n, err = body.Read(buf)
		if n > 0 || err != nil {
			break
		}
	}

	if n == 0 {
		_ = body.Close()
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyStream
		}
		return nil, fmt.Errorf("read first chunk: %w", err)
	}

	chunk := buf[:n]
	if bytes.Contains(chunk, errorMarker) {
		_ = body.Close()
		return nil, ErrErrorChunk
	}

	return &replay{
		r:   io.MultiReader(bytes.NewReader(chunk), body),
		src: body,
	}, nil
}

// replay re-emits the peeked chunk as the head of the outward stream.
type replay struct {
	r   io.Reader
	src io.ReadCloser
}

func (rp *replay) Read(p []byte) (int, error) {
	return rp.r.Read(p)
}

func (rp *replay) Close() error {
	return rp.src.Close()
}
