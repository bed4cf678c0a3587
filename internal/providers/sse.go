package providers

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/Davincible/modelbridge/internal/chat"
)

const maxEventSize = 1 << 20

// sseEvent is one server-sent event as delivered by the transport. Data is
// the payload after the "data: " prefix; Event is empty for formats that
// only send data lines (OpenAI-style).
type sseEvent struct {
	Event string
	Data  string
	Done  bool // "data: [DONE]" sentinel
}

// sseScanner incrementally decodes an SSE byte stream. bufio.Scanner
// reassembles lines split across reads, so no event is ever surfaced
// half-buffered even when the transport delivers partial lines.
type sseScanner struct {
	scanner *bufio.Scanner

	event strings.Builder
	data  strings.Builder
}

func newSSEScanner(r io.Reader) *sseScanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	return &sseScanner{scanner: scanner}
}

// Next returns the next complete event, or ok=false at end of stream. SSE
// comments and keep-alive blank lines are consumed silently.
func (s *sseScanner) Next() (sseEvent, bool) {
	for s.scanner.Scan() {
		line := strings.TrimRight(s.scanner.Text(), "\r")

		switch {
		case line == "":
			if s.data.Len() == 0 && s.event.Len() == 0 {
				continue // keep-alive
			}

			ev := sseEvent{Event: s.event.String(), Data: s.data.String()}
			s.event.Reset()
			s.data.Reset()

			if ev.Data == "[DONE]" {
				return sseEvent{Done: true}, true
			}

			return ev, true
		case strings.HasPrefix(line, ":"):
			continue // comment
		case strings.HasPrefix(line, "event:"):
			s.event.Reset()
			s.event.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "event:")))
		case strings.HasPrefix(line, "data:"):
			if s.data.Len() > 0 {
				s.data.WriteByte('\n')
			}

			s.data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	// Stream ended mid-event: whatever is buffered is incomplete and is
	// discarded rather than delivered.
	return sseEvent{}, false
}

func (s *sseScanner) Err() error {
	return s.scanner.Err()
}

// eventParser turns one wire event into zero or more internal deltas.
// Implementations keep their mutable state per call, never shared.
type eventParser interface {
	parse(ev sseEvent) ([]chat.StreamDelta, error)
}

// consumeStream pumps SSE events through a parser onto the delta channel.
// It runs on its own goroutine per StreamChat call. Cancellation closes the
// connection and stops emission; partially-buffered thinking or tool blocks
// die with the parser state instead of being delivered.
func consumeStream(ctx context.Context, body io.ReadCloser, parser eventParser, out chan<- chat.StreamDelta) {
	defer close(out)

	// Unblock the scanner when the caller aborts.
	watchDone := make(chan struct{})
	defer close(watchDone)

	go func() {
		select {
		case <-ctx.Done():
			body.Close()
		case <-watchDone:
		}
	}()

	defer body.Close()

	emit := func(d chat.StreamDelta) bool {
		select {
		case out <- d:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := newSSEScanner(body)

	for {
		ev, ok := scanner.Next()
		if !ok {
			break
		}

		if ev.Done {
			return
		}

		deltas, err := parser.parse(ev)
		if err != nil {
			if ctx.Err() == nil {
				emit(chat.ErrorDelta(err))
			}

			return
		}

		for _, d := range deltas {
			if !emit(d) {
				return
			}

			if d.Kind == chat.DeltaDone {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		emit(chat.ErrorDelta(&TransportError{Err: err}))
	}
}
