package transport

import (
	"io"
	"sync"
)

// Event is a transport lifecycle notification. Subscribers receive Events on
// a buffered channel; per spec §9 subscriber invocation must never reenter
// the transport, so delivery is channel-based rather than a blocking
// callback.
type Event struct {
	Type    EventType
	Message *Message
	Err     error
}

type EventType int

const (
	EventMessage EventType = iota
	EventClose
	EventError
)

// Transport is a bidirectional framed JSON-RPC stream (spec §4.1). It owns
// neither the reader nor the writer it was constructed with unless told to
// — Close tears down subscribers and the read loop but leaves streams the
// proxy did not open (e.g. os.Stdin) open.
type Transport struct {
	mu       sync.Mutex
	w        io.Writer
	closer   io.Closer // non-nil only if this transport owns the underlying stream
	fr       *FrameReader
	events   chan Event
	closed   bool
	closeCh  chan struct{}
	closeErr error
}

// New wraps an io.Reader/io.Writer pair. If closer is non-nil, Close will
// call it; pass nil when the transport does not own the stream (e.g. the
// client side's os.Stdin/os.Stdout).
func New(r io.Reader, w io.Writer, closer io.Closer, limits Limits) *Transport {
	t := &Transport{
		w:       w,
		closer:  closer,
		fr:      NewFrameReader(r, limits),
		events:  make(chan Event, 64),
		closeCh: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// Events returns the channel of inbound messages, errors, and the terminal
// close event. The channel is closed after the EventClose event is
// delivered.
func (t *Transport) Events() <-chan Event { return t.events }

func (t *Transport) readLoop() {
	defer func() {
		t.emit(Event{Type: EventClose})
		close(t.events)
	}()

	for {
		select {
		case <-t.closeCh:
			return
		default:
		}

		raw, err := t.fr.ReadFrame()
		if err != nil {
			if fe, ok := err.(*FrameError); ok {
				t.emit(Event{Type: EventError, Err: fe})
				continue
			}
			// Stream-level error (EOF, IO failure): terminal.
			t.mu.Lock()
			t.closeErr = err
			t.mu.Unlock()
			return
		}

		msg, err := Unmarshal(raw)
		if err != nil {
			t.emit(Event{Type: EventError, Err: &FrameError{Reason: "invalid JSON: " + err.Error()}})
			continue
		}
		t.emit(Event{Type: EventMessage, Message: msg})
	}
}

func (t *Transport) emit(e Event) {
	select {
	case t.events <- e:
	case <-t.closeCh:
	}
}

// Send serializes and writes a message frame. Safe for concurrent use.
func (t *Transport) Send(m *Message) error {
	payload, err := m.Marshal()
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	return WriteFrame(t.w, payload)
}

// Close tears down the transport's subscribers and read loop. If the
// transport owns its underlying stream (closer != nil at construction), the
// stream is closed too; otherwise it is left open for the caller.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	close(t.closeCh)
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}
