package wyoming

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// MaxPayloadSize bounds a single event payload. A well-behaved satellite
// sends audio in chunks of a few KB; anything near this limit is garbage
// framing.
const MaxPayloadSize = 1 << 24

// EventReader decodes events from a byte stream.
type EventReader struct {
	r *bufio.Reader
}

// NewEventReader creates a reader over r.
func NewEventReader(r io.Reader) *EventReader {
	return &EventReader{r: bufio.NewReader(r)}
}

// ReadEvent reads the next event, blocking until a full header line and
// payload are available. Returns io.EOF when the stream ends cleanly.
func (er *EventReader) ReadEvent() (Event, error) {
	line, err := er.r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) == 0 {
			return Event{}, io.EOF
		}
		return Event{}, fmt.Errorf("read event header: %w", err)
	}

	var h header
	if err := json.Unmarshal(line, &h); err != nil {
		return Event{}, fmt.Errorf("decode event header: %w", err)
	}
	if h.Type == "" {
		return Event{}, fmt.Errorf("event header missing type")
	}

	ev := Event{Type: h.Type, Data: h.Data}
	if h.PayloadLength != nil && *h.PayloadLength > 0 {
		n := *h.PayloadLength
		if n > MaxPayloadSize {
			return Event{}, fmt.Errorf("payload length %d exceeds limit", n)
		}
		ev.Payload = make([]byte, n)
		if _, err := io.ReadFull(er.r, ev.Payload); err != nil {
			return Event{}, fmt.Errorf("read event payload: %w", err)
		}
	}
	return ev, nil
}

// EventWriter encodes events onto a byte stream. Safe for concurrent use, so
// asynchronous detections can interleave with finalize replies on the same
// connection.
type EventWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewEventWriter creates a writer over w.
func NewEventWriter(w io.Writer) *EventWriter {
	return &EventWriter{w: bufio.NewWriter(w)}
}

// WriteEvent writes one event and flushes it.
func (ew *EventWriter) WriteEvent(ev Event) error {
	ew.mu.Lock()
	defer ew.mu.Unlock()

	h := header{Type: ev.Type, Data: ev.Data}
	if len(ev.Payload) > 0 {
		n := len(ev.Payload)
		h.PayloadLength = &n
	}
	line, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode event header: %w", err)
	}
	if _, err := ew.w.Write(line); err != nil {
		return err
	}
	if err := ew.w.WriteByte('\n'); err != nil {
		return err
	}
	if len(ev.Payload) > 0 {
		if _, err := ew.w.Write(ev.Payload); err != nil {
			return err
		}
	}
	return ew.w.Flush()
}

// Conn is one bidirectional event stream.
type Conn struct {
	reader *EventReader
	writer *EventWriter
	closer io.Closer
	remote string
}

// NewConn wraps a transport stream in an event connection. closer may be nil
// for streams that outlive the connection (stdio).
func NewConn(rw io.ReadWriter, closer io.Closer, remote string) *Conn {
	return &Conn{
		reader: NewEventReader(rw),
		writer: NewEventWriter(rw),
		closer: closer,
		remote: remote,
	}
}

// ReadEvent reads the next inbound event.
func (c *Conn) ReadEvent() (Event, error) { return c.reader.ReadEvent() }

// WriteEvent writes an outbound event.
func (c *Conn) WriteEvent(ev Event) error { return c.writer.WriteEvent(ev) }

// RemoteAddr describes the peer for logging.
func (c *Conn) RemoteAddr() string { return c.remote }

// Close closes the underlying transport.
func (c *Conn) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}
