// Package serialmux provides the write side of a serial link: a mux that owns
// the port, counts what was written and fans every successfully written frame
// out to debug subscribers.
package serialmux

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"tailscale.com/tsweb"

	"github.com/banshee-data/teleinfo.sim/internal/httputil"
)

var (
	// ErrWriteFailed reports a short write.
	ErrWriteFailed = fmt.Errorf("failed to write to serial port")
	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("serial mux closed")
)

// subscriberBuffer is the number of frames a subscriber may lag behind
// before frames are dropped for it.
const subscriberBuffer = 16

// SerialMux wraps a serial port with write accounting and frame fan-out.
type SerialMux[T SerialPorter] struct {
	port         T
	subscribers  map[string]chan []byte
	subscriberMu sync.Mutex
	writeMu      sync.Mutex
	closing      bool
	closingMu    sync.Mutex

	framesWritten atomic.Uint64
	bytesWritten  atomic.Uint64
	writeFailures atomic.Uint64
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Write writes one frame to the serial port. A short write is reported
	// as ErrWriteFailed.
	Write([]byte) (int, error)
	// Subscribe creates a new channel receiving a copy of every frame written
	// from now on. The ID is used to unsubscribe.
	Subscribe() (string, chan []byte)
	// Unsubscribe removes and closes a subscriber channel.
	Unsubscribe(string)
	// Stats returns the write counters.
	Stats() Stats
	// Close closes all subscribed channels and closes the serial port.
	Close() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/. These routes are accessible only over
	// localhost/via Tailscale and are not publicly accessible.
	AttachAdminRoutes(*http.ServeMux)
}

// Stats are cumulative write counters since the mux was created.
type Stats struct {
	FramesWritten uint64 `json:"frames_written"`
	BytesWritten  uint64 `json:"bytes_written"`
	WriteFailures uint64 `json:"write_failures"`
}

// NewSerialMux creates a SerialMux instance writing to port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan []byte),
	}
}

// Subscribe registers a new frame subscriber.
func (s *SerialMux[T]) Subscribe() (string, chan []byte) {
	id := uuid.NewString()
	ch := make(chan []byte, subscriberBuffer)

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()

	s.closingMu.Lock()
	closing := s.closing
	s.closingMu.Unlock()
	if closing {
		// return a closed channel so callers don't block
		close(ch)
		return id, ch
	}

	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Write writes frame to the port and, on success, publishes a copy to every
// subscriber. Writes are serialised.
func (s *SerialMux[T]) Write(frame []byte) (int, error) {
	s.closingMu.Lock()
	closing := s.closing
	s.closingMu.Unlock()
	if closing {
		s.writeFailures.Add(1)
		return 0, ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	n, err := s.port.Write(frame)
	if n > 0 {
		s.bytesWritten.Add(uint64(n))
	}
	if err == nil && n != len(frame) {
		err = ErrWriteFailed
	}
	if err != nil {
		s.writeFailures.Add(1)
		return n, err
	}

	s.framesWritten.Add(1)
	s.publish(frame)
	return n, nil
}

func (s *SerialMux[T]) publish(frame []byte) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if len(s.subscribers) == 0 {
		return
	}
	msg := make([]byte, len(frame))
	copy(msg, frame)
	for _, ch := range s.subscribers {
		select {
		case ch <- msg:
		default:
			// if the channel is full skip so as not to block the writer
		}
	}
}

// Stats returns a snapshot of the write counters.
func (s *SerialMux[T]) Stats() Stats {
	return Stats{
		FramesWritten: s.framesWritten.Load(),
		BytesWritten:  s.bytesWritten.Load(),
		WriteFailures: s.writeFailures.Load(),
	}
}

// Close closes every subscriber channel and then the port.
func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("stats", "serial write counters", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		httputil.WriteJSONOK(w, s.Stats())
	})

	// Server-Sent Events stream of written frames. Control bytes are escaped
	// with %q so every frame fits on one data line.
	debug.HandleFunc("tail", "live tail of written frames", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			httputil.InternalServerError(w, "streaming unsupported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case frame, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %q\n\n", frame); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
