// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func sseServer(t *testing.T, body string, check func(ChatRequest)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			var req ChatRequest
			data, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(data, &req)
			check(req)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, part := range strings.SplitAfter(body, "\n") {
			_, _ = w.Write([]byte(part))
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
}

func delta(s string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"delta": map[string]any{"content": s}}},
	})
	return "data: " + string(b) + "\n"
}

func TestCompleteStream(t *testing.T) {
	body := delta("Hi") + "\n" + delta(" there") + "\n" + "data: [DONE]\n\n"
	srv := sseServer(t, body, func(req ChatRequest) {
		if !req.Stream || req.Temperature != 0.4 {
			t.Errorf("unexpected stream request %+v", req)
		}
	})
	defer srv.Close()

	var chunks []string
	answer, err := newTestClient(t, srv.URL).CompleteStream(context.Background(), testMsgs, func(c string) {
		chunks = append(chunks, c)
	})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}
	if answer != "Hi there" {
		t.Errorf("answer = %q", answer)
	}
	if len(chunks) != 2 || chunks[0] != "Hi" || chunks[1] != " there" {
		t.Errorf("chunks = %q", chunks)
	}
}

func TestCompleteStreamSkipsMalformedLines(t *testing.T) {
	body := delta("a") +
		"data: {not json\n" +
		": keep-alive comment\n" +
		"event: ping\n" +
		delta("") +
		"data: {\"choices\":[]}\n" +
		delta("b")
	srv := sseServer(t, body, nil)
	defer srv.Close()

	answer, err := newTestClient(t, srv.URL).CompleteStream(context.Background(), testMsgs, nil)
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}
	if answer != "ab" {
		t.Errorf("answer = %q", answer)
	}
}

func TestCompleteStreamTrailingPartialLine(t *testing.T) {
	// Last line has no newline terminator.
	body := delta("start ") + strings.TrimSuffix(delta("end"), "\n")
	srv := sseServer(t, body, nil)
	defer srv.Close()

	var got []string
	answer, err := newTestClient(t, srv.URL).CompleteStream(context.Background(), testMsgs, func(c string) {
		got = append(got, c)
	})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}
	if answer != "start end" {
		t.Errorf("answer = %q", answer)
	}
	if len(got) != 2 {
		t.Errorf("chunks = %q", got)
	}
}

func TestCompleteStreamCRLF(t *testing.T) {
	body := strings.ReplaceAll(delta("x")+delta("y"), "\n", "\r\n")
	srv := sseServer(t, body, nil)
	defer srv.Close()

	answer, err := newTestClient(t, srv.URL).CompleteStream(context.Background(), testMsgs, nil)
	if err != nil || answer != "xy" {
		t.Errorf("answer=%q err=%v", answer, err)
	}
}

func TestCompleteStreamEmpty(t *testing.T) {
	srv := sseServer(t, "data: [DONE]\n", nil)
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).CompleteStream(context.Background(), testMsgs, nil)
	if !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("err = %v, want ErrEmptyResponse", err)
	}
}

func TestCompleteStreamHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("model not loaded"))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).CompleteStream(context.Background(), testMsgs, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 500 || apiErr.Message != "model not loaded" {
		t.Errorf("err = %v", err)
	}
}

type errAfterReader struct {
	data string
	done bool
}

func (r *errAfterReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, errors.New("connection reset")
	}
	r.done = true
	return copy(p, r.data), nil
}

func TestProcessStreamPartialOnError(t *testing.T) {
	full, _, err := processStream(&errAfterReader{data: delta("par")}, MaxResponseSize, nil)
	if err == nil {
		t.Fatal("expected read error")
	}
	if full != "par" {
		t.Errorf("partial = %q", full)
	}

	se := &StreamError{Partial: full, Err: err}
	if !strings.Contains(se.Error(), "3 chars") || !errors.Is(se, err) {
		t.Errorf("unexpected StreamError %q", se.Error())
	}
}

func TestProcessStreamSizeCap(t *testing.T) {
	body := delta("one") + delta("two") + delta("three")

	full, _, err := processStream(strings.NewReader(body), int64(len(body)), nil)
	if err != nil || full != "onetwothree" {
		t.Errorf("at the limit: %q, %v", full, err)
	}

	limit := int64(len(delta("one") + delta("two")))
	full, _, err = processStream(strings.NewReader(body), limit, nil)
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("err = %v, want ErrResponseTooLarge", err)
	}
	if full != "onetwo" {
		t.Errorf("partial = %q", full)
	}
}

func TestSSEReaderDropsOversizedLine(t *testing.T) {
	long := "data: " + strings.Repeat("x", MaxLineSize+10) + "\n"
	r := NewSSEReader(strings.NewReader(long + "data: ok\n"))

	got, err := r.Next()
	if err != nil || got != "ok" {
		t.Errorf("Next() = %q, %v", got, err)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestDataPayload(t *testing.T) {
	tests := []struct {
		line string
		want string
		ok   bool
	}{
		{"data: {}", "{}", true},
		{"data:{}", "{}", true},
		{"data:   [DONE]  ", "[DONE]", true},
		{"data:", "", false},
		{"event: x", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := dataPayload(tt.line)
		if got != tt.want || ok != tt.ok {
			t.Errorf("dataPayload(%q) = %q, %v", tt.line, got, ok)
		}
	}
}
