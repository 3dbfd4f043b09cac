package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/tbraun/agentflow/pkg/api"
	"github.com/tbraun/agentflow/pkg/transport"
)

// writerState tracks the state of a streaming response writer.
type writerState int

const (
	writerIdle      writerState = iota // no writes yet
	writerStreaming                    // at least one frame written
	writerCompleted                    // terminal output sent
)

func setStreamHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
}

// eventStreamWriter implements transport.EventWriter for the native push
// protocol. Each frame is written as
//
//	data:{json}\n
//	\n
//
// with no space after the colon and no terminal sentinel; the stream ends
// when the handler returns and the connection closes.
type eventStreamWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	mu    sync.Mutex
	state writerState
}

var _ transport.EventWriter = (*eventStreamWriter)(nil)

func newEventStreamWriter(w http.ResponseWriter) *eventStreamWriter {
	return &eventStreamWriter{
		w:  w,
		rc: http.NewResponseController(w),
	}
}

func (s *eventStreamWriter) WriteEvent(ctx context.Context, ev *api.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == writerCompleted {
		return errors.New("cannot write event: writer is completed")
	}
	if s.state == writerIdle {
		setStreamHeaders(s.w.Header())
		s.state = writerStreaming
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data:%s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("flush event: %w", err)
	}
	return nil
}

// started reports whether at least one frame has been written.
func (s *eventStreamWriter) started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != writerIdle
}

// chatStreamWriter implements transport.ChatWriter over HTTP. Streaming
// chunks use OpenAI's SSE convention,
//
//	data: {json}\n
//	\n
//
// with a space after the colon, closed by the literal sentinel
//
//	data: [DONE]\n
//	\n
//
// Non-streaming requests write a single JSON body instead; the two modes
// are mutually exclusive on one writer.
type chatStreamWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	mu    sync.Mutex
	state writerState
}

var _ transport.ChatWriter = (*chatStreamWriter)(nil)

func newChatStreamWriter(w http.ResponseWriter) *chatStreamWriter {
	return &chatStreamWriter{
		w:  w,
		rc: http.NewResponseController(w),
	}
}

func (s *chatStreamWriter) WriteChunk(ctx context.Context, cc *api.ChatCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == writerCompleted {
		return errors.New("cannot write chunk: writer is completed")
	}
	if s.state == writerIdle {
		setStreamHeaders(s.w.Header())
		s.state = writerStreaming
	}

	data, err := json.Marshal(cc)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("flush chunk: %w", err)
	}
	return nil
}

func (s *chatStreamWriter) WriteDone(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == writerCompleted {
		return errors.New("cannot write sentinel: writer is completed")
	}
	if s.state == writerIdle {
		setStreamHeaders(s.w.Header())
	}
	s.state = writerCompleted

	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("write [DONE]: %w", err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("flush [DONE]: %w", err)
	}
	return nil
}

func (s *chatStreamWriter) WriteResponse(ctx context.Context, cc *api.ChatCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == writerStreaming {
		return errors.New("cannot write response: streaming has already started")
	}
	if s.state == writerCompleted {
		return errors.New("cannot write response: writer is completed")
	}

	s.w.Header().Set("Content-Type", "application/json")
	s.state = writerCompleted

	if err := json.NewEncoder(s.w).Encode(cc); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return nil
}

// started reports whether any output has been produced.
func (s *chatStreamWriter) started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != writerIdle
}
