// Package recorder journals the frames of a connection in an asciicast v2
// style JSON-Lines file.
//
// The first line is a Header. Every following line is an Event encoded as
// [offset_seconds, kind, data].
package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Event kinds.
const (
	KindInput  = "i"
	KindOutput = "o"
	KindClose  = "c"
)

// Header is the first line of a journal.
type Header struct {
	Version    int                 `json:"version"`
	Timestamp  int64               `json:"timestamp"`
	RemoteAddr string              `json:"remote_addr,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`
}

// Event is a single journal entry.
type Event struct {
	Offset float64
	Kind   string
	Data   string
}

// MarshalJSON encodes the event as [offset, kind, data].
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Offset, e.Kind, e.Data})
}

// UnmarshalJSON decodes an [offset, kind, data] triple.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event format: expected 3 elements, got %d", len(arr))
	}
	if err := json.Unmarshal(arr[0], &e.Offset); err != nil {
		return fmt.Errorf("invalid event offset: %w", err)
	}
	if err := json.Unmarshal(arr[1], &e.Kind); err != nil {
		return fmt.Errorf("invalid event kind: %w", err)
	}
	if err := json.Unmarshal(arr[2], &e.Data); err != nil {
		return fmt.Errorf("invalid event data: %w", err)
	}
	return nil
}

// Recorder writes the journal of one connection. It is safe for concurrent use.
type Recorder struct {
	writer    io.Writer
	file      *os.File // only set if we own the file
	startTime time.Time
	mu        sync.Mutex
}

// New creates the journal <dir>/<id>.jsonl.
func New(dir, id string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create record directory: %w", err)
	}

	file, err := os.Create(filepath.Join(dir, id+".jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to create journal: %w", err)
	}

	return &Recorder{
		writer:    file,
		file:      file,
		startTime: time.Now(),
	}, nil
}

// NewWithWriter creates a Recorder writing to w.
func NewWithWriter(w io.Writer) *Recorder {
	return &Recorder{
		writer:    w,
		startTime: time.Now(),
	}
}

// Redacted replaces the values of credential headers in journals.
const Redacted = "[REDACTED]"

var sensitiveHeaders = []string{"Authorization", "Proxy-Authorization", "Cookie"}

// redactHeaders returns a copy of headers with credential values replaced.
func redactHeaders(headers http.Header) http.Header {
	if headers == nil {
		return nil
	}
	redacted := headers.Clone()
	for _, name := range sensitiveHeaders {
		if values := redacted.Values(name); len(values) > 0 {
			redacted.Del(name)
			for range values {
				redacted.Add(name, Redacted)
			}
		}
	}
	return redacted
}

// WriteHeader writes the journal header. It should be called once, first.
// Credential headers are written as Redacted.
func (r *Recorder) WriteHeader(remoteAddr string, headers http.Header) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	header := Header{
		Version:    2,
		Timestamp:  r.startTime.Unix(),
		RemoteAddr: remoteAddr,
		Headers:    redactHeaders(headers),
	}

	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	if _, err := r.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// RecordInput journals a frame received from the peer.
func (r *Recorder) RecordInput(data []byte) error {
	return r.writeEvent(KindInput, string(data))
}

// RecordOutput journals a frame sent to the peer.
func (r *Recorder) RecordOutput(data []byte) error {
	return r.writeEvent(KindOutput, string(data))
}

// RecordClose journals the close of the connection as "<code> <reason>".
func (r *Recorder) RecordClose(code int, reason string) error {
	data := strconv.Itoa(code)
	if reason != "" {
		data += " " + reason
	}
	return r.writeEvent(KindClose, data)
}

func (r *Recorder) writeEvent(kind, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	event := Event{
		Offset: time.Since(r.startTime).Seconds(),
		Kind:   kind,
		Data:   data,
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := r.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Close closes the journal file if the Recorder owns it.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// ReadEvents parses a journal, returning its header and events.
func ReadEvents(rd io.Reader) (*Header, []Event, error) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, nil, fmt.Errorf("failed to read header: %w", err)
		}
		return nil, nil, io.ErrUnexpectedEOF
	}

	var header Header
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		return nil, nil, fmt.Errorf("invalid header: %w", err)
	}

	var events []Event
	for line := 2; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read events: %w", err)
	}

	return &header, events, nil
}
