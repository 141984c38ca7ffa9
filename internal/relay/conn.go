// Package relay pumps audio and control frames between a caller-side websocket and
// the speech backend, one Call per session.
package relay

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrTransport marks connect, accept or send failures on either leg.
	ErrTransport = errors.New("transport error")
	ErrQueueFull = errors.New("outbound queue full")
	ErrClosed    = errors.New("connection closed")
)

// Conn is the part of *websocket.Conn the relay uses on both legs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type outbound struct {
	messageType int
	data        []byte
}

// writer owns all writes to one Conn. Enqueue never blocks: a full queue drops the
// message so a slow peer cannot stall the opposite leg.
type writer struct {
	conn    Conn
	queue   chan outbound
	timeout time.Duration
	closing chan struct{}
	done    chan struct{}
	once    sync.Once
	onError func(error)
}

func startWriter(conn Conn, size int, timeout time.Duration, onError func(error)) *writer {
	if size <= 0 {
		size = 256
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	w := &writer{
		conn:    conn,
		queue:   make(chan outbound, size),
		timeout: timeout,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		onError: onError,
	}
	go w.loop()
	return w
}

func (w *writer) enqueue(messageType int, data []byte) error {
	select {
	case <-w.closing:
		return ErrClosed
	default:
	}
	select {
	case w.queue <- outbound{messageType: messageType, data: data}:
		return nil
	default:
		return ErrQueueFull
	}
}

// stop refuses further messages. Whatever is already queued is still written.
func (w *writer) stop() {
	w.once.Do(func() { close(w.closing) })
}

// close stops the writer and waits, at most one write timeout, for the queue to
// flush. The Conn may be closed once it returns.
func (w *writer) close() {
	w.stop()
	select {
	case <-w.done:
	case <-time.After(w.timeout):
	}
}

func (w *writer) loop() {
	defer close(w.done)
	for {
		select {
		case msg := <-w.queue:
			if err := w.write(msg); err != nil {
				w.stop()
				if w.onError != nil {
					w.onError(err)
				}
				return
			}
		case <-w.closing:
			w.flush()
			return
		}
	}
}

// flush writes the remaining queue. Errors here mean the peer is already gone.
func (w *writer) flush() {
	for {
		select {
		case msg := <-w.queue:
			if err := w.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (w *writer) write(msg outbound) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	return w.conn.WriteMessage(msg.messageType, msg.data)
}
