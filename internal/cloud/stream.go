// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/jeranaias/bizcopilot/internal/model"
)

// =============================================================================
// STREAMING TYPES
// =============================================================================

// MaxLineSize is the maximum allowed size for a single SSE line.
const MaxLineSize = 64 * 1024

// doneSentinel marks the end of an OpenAI-style stream.
const doneSentinel = "[DONE]"

// StreamChunk is one parsed `data:` payload.
type StreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Role    string `json:"role,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Content returns the first choice's delta content.
func (c *StreamChunk) Content() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return ""
}

// StreamError represents an error that occurred during streaming,
// preserving any partial content received before the error.
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
// SSE LINE READER
// =============================================================================

// SSEReader yields the payload of each `data:` line as bytes arrive.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a reader over r.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReaderSize(r, 4096)}
}

// Next returns the next data payload. A final line without a trailing
// newline is still returned once before io.EOF. Lines longer than
// MaxLineSize are discarded.
func (s *SSEReader) Next() (string, error) {
	for {
		line, err := s.readLine()
		if line != "" {
			if payload, ok := dataPayload(line); ok {
				return payload, nil
			}
		}
		if err != nil {
			return "", err
		}
	}
}

// readLine reads one line. On EOF it returns any partial line with the error.
func (s *SSEReader) readLine() (string, error) {
	var sb strings.Builder
	oversized := false
	for {
		frag, isPrefix, err := s.reader.ReadLine()
		if !oversized {
			sb.Write(frag)
			if sb.Len() > MaxLineSize {
				oversized = true
				sb.Reset()
			}
		}
		if err != nil {
			if oversized {
				return "", err
			}
			return sb.String(), err
		}
		if !isPrefix {
			if oversized {
				return "", nil
			}
			return sb.String(), nil
		}
	}
}

// dataPayload extracts the value of a `data:` field.
func dataPayload(line string) (string, bool) {
	line = strings.TrimRight(line, "\r")
	rest, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return "", false
	}
	rest = strings.TrimSpace(rest)
	return rest, rest != ""
}

// =============================================================================
// STREAMING COMPLETION
// =============================================================================

// CompleteStream sends a streaming request, calls onChunk for each non-empty
// delta and returns the full answer trimmed of surrounding whitespace.
// The [DONE] sentinel and malformed lines are skipped; the answer is
// returned when the transport closes the body.
func (c *Client) CompleteStream(ctx context.Context, msgs []model.Message, onChunk func(string)) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.sendWithRetry(ctx, ChatRequest{
		Model:       c.model,
		Messages:    toChatMessages(msgs),
		MaxTokens:   c.maxTokens,
		Temperature: c.streamTemperature,
		Stream:      true,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	full, skipped, err := processStream(resp.Body, MaxResponseSize, onChunk)
	if skipped > 0 {
		c.logger.Debug("skipped malformed stream lines", zap.Int("count", skipped))
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return "", &StreamError{Partial: full, Err: err}
	}

	answer := strings.TrimSpace(full)
	if answer == "" {
		return "", ErrEmptyResponse
	}
	return answer, nil
}

// cappedReader fails with ErrResponseTooLarge once more than n bytes
// have been read, rather than ending the body early.
type cappedReader struct {
	r io.Reader
	n int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.n < 0 {
		return 0, ErrResponseTooLarge
	}
	if int64(len(p)) > c.n+1 {
		p = p[:c.n+1]
	}
	n, err := c.r.Read(p)
	c.n -= int64(n)
	if c.n < 0 {
		return n + int(c.n), ErrResponseTooLarge
	}
	return n, err
}

// processStream accumulates deltas from body. It returns the raw
// concatenation, the number of unparseable lines and any read error.
// Bodies longer than limit bytes fail with ErrResponseTooLarge.
func processStream(body io.Reader, limit int64, onChunk func(string)) (string, int, error) {
	reader := NewSSEReader(&cappedReader{r: body, n: limit})
	var full strings.Builder
	skipped := 0

	for {
		payload, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return full.String(), skipped, nil
			}
			return full.String(), skipped, err
		}
		if payload == doneSentinel {
			continue
		}

		var chunk StreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			skipped++
			continue
		}
		if content := chunk.Content(); content != "" {
			full.WriteString(content)
			if onChunk != nil {
				onChunk(content)
			}
		}
	}
}
