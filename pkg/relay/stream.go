package relay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/incidentfox/orchestrator/pkg/common/types"
)

// maxEventSize bounds a single NDJSON event line.
const maxEventSize = 1 << 20

// EventStream is a live stream of structured events from a sandbox
// execution. Consume it incrementally; task executions are long-running and
// buffering the whole response defeats the point.
type EventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	onClose func()
}

// NewEventStream wraps an NDJSON body in an EventStream. The stream takes
// ownership of the body.
func NewEventStream(body io.ReadCloser) *EventStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &EventStream{body: body, scanner: scanner}
}

// Next returns the next event, or io.EOF when the stream ends cleanly.
func (s *EventStream) Next() (*types.Event, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		event := &types.Event{}
		if err := json.Unmarshal(line, event); err != nil {
			return nil, fmt.Errorf("malformed event in stream: %w", err)
		}
		return event, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close releases the underlying response body. Safe to call more than once.
func (s *EventStream) Close() error {
	if s.onClose != nil {
		s.onClose()
		s.onClose = nil
	}
	return s.body.Close()
}
