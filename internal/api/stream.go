// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// =============================================================================
// STREAMING TYPES
// =============================================================================

// MaxChunkSize is the maximum allowed size for a single SSE event (64KB).
const MaxChunkSize = 64 * 1024

// StreamChunk is one server-sent event from a streaming operation. A chunk
// carries either content or a terminal error, never both.
type StreamChunk struct {
	Content string `json:"content"`
	Done    bool   `json:"done,omitempty"`
	Err     error  `json:"-"`
}

// HasError reports whether this chunk is a terminal error.
func (c *StreamChunk) HasError() bool {
	return c.Err != nil
}

// StreamError is a mid-stream failure that preserves whatever content
// arrived before the connection broke.
type StreamError struct {
	Partial string
	Err     error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream error (partial content received: %d chars): %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses server-sent events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates an SSE reader over r.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReader(r)}
}

// ReadEvent reads the next event and returns its type and data. Returns
// io.EOF when the stream ends; an event larger than MaxChunkSize is an
// error.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte
	size := 0

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				if len(dataLines) > 0 {
					return eventType, bytes.Join(dataLines, []byte("\n")), nil
				}
				return "", nil, io.EOF
			}
			return "", nil, err
		}

		size += len(line)
		if size > MaxChunkSize {
			return "", nil, fmt.Errorf("sse event too large: %d bytes", size)
		}

		line = bytes.TrimRight(line, "\r\n")

		// Blank line terminates the event.
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		if bytes.HasPrefix(line, []byte("event:")) {
			eventType = string(bytes.TrimSpace(line[6:]))
		} else if bytes.HasPrefix(line, []byte("data:")) {
			dataLines = append(dataLines, bytes.TrimSpace(line[5:]))
		}
		// id:, retry:, and comment lines are ignored.
	}
}

// =============================================================================
// STREAMING CALLS
// =============================================================================

// Stream performs an authenticated streaming operation. Chunks arrive on
// the returned channel until the server signals completion or the context
// ends; a terminal failure is delivered as the final chunk's Err and the
// channel is then closed.
//
// Unlike Call, a stream is never retried: replaying a partially delivered
// response would hand the caller duplicate content.
func (c *Client) Stream(ctx context.Context, key string, params any) (<-chan StreamChunk, error) {
	authHeader, userID, err := c.credentials(ctx)
	if err != nil {
		return nil, err
	}

	bodyBytes, err := json.Marshal(envelope{Key: key, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", key, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+streamPath, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", key, err)
	}
	c.setHeaders(req, authHeader, userID)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, classifyTransportError(err)
	}

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
		resp.Body.Close()
		return nil, handleErrorResponse(resp.StatusCode, body)
	}

	chunks := make(chan StreamChunk, 64)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		if err := c.processStream(ctx, resp.Body, chunks); err != nil {
			select {
			case chunks <- StreamChunk{Err: err}:
			case <-ctx.Done():
			}
		}
	}()

	return chunks, nil
}

// processStream reads events until [DONE], a done-flagged chunk, or EOF.
// Malformed events are skipped rather than killing the stream.
func (c *Client) processStream(ctx context.Context, body io.Reader, chunks chan<- StreamChunk) error {
	reader := NewSSEReader(body)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, data, err := reader.ReadEvent()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		if bytes.Equal(data, []byte("[DONE]")) {
			return nil
		}

		var chunk StreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			continue
		}

		select {
		case chunks <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		}

		if chunk.Done {
			return nil
		}
	}
}

// =============================================================================
// STREAM ACCUMULATION
// =============================================================================

// StreamAccumulate performs Stream but returns the fully assembled content.
// A mid-stream failure surfaces as a StreamError carrying the partial text.
func (c *Client) StreamAccumulate(ctx context.Context, key string, params any) (string, error) {
	chunks, err := c.Stream(ctx, key, params)
	if err != nil {
		return "", err
	}

	var accumulated strings.Builder
	for chunk := range chunks {
		if chunk.HasError() {
			return accumulated.String(), &StreamError{
				Partial: accumulated.String(),
				Err:     chunk.Err,
			}
		}
		accumulated.WriteString(chunk.Content)
	}
	return accumulated.String(), nil
}
