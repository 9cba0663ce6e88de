package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/hylla/shiftsync/internal/domain"
)

// Stream is one open push-stream connection. Events closes when the connection ends.
type Stream struct {
	conn   *websocket.Conn
	events chan domain.SyncEvent
	done   chan struct{}

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

// StreamOptions tunes one stream subscription.
type StreamOptions struct {
	// QueueSize overrides the server-side subscriber queue. Zero keeps the server default.
	QueueSize int
}

// OpenStream dials the server stream as subscriberID and starts reading frames.
// Reading stops when ctx ends, the server closes, or a frame fails to decode.
func (c *Client) OpenStream(ctx context.Context, subscriberID string, opts StreamOptions) (*Stream, error) {
	query := url.Values{"subscriber_id": {subscriberID}}
	if opts.QueueSize > 0 {
		query.Set("queue_size", strconv.Itoa(opts.QueueSize))
	}
	target, err := url.Parse(c.apiURL(query, "stream"))
	if err != nil {
		return nil, err
	}
	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusSwitchingProtocols {
				return nil, decodeResponse(resp, &struct{}{})
			}
		}
		return nil, fmt.Errorf("dial stream: %w", err)
	}

	s := &Stream{conn: conn, events: make(chan domain.SyncEvent), done: make(chan struct{})}
	go s.read(ctx)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// Events returns decoded sync events in arrival order.
func (s *Stream) Events() <-chan domain.SyncEvent {
	return s.events
}

// Err returns the error that ended the stream, or nil for a clean close.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the connection. It is safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = s.conn.Close()
	})
}

func (s *Stream) read(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)
	defer s.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.setErr(fmt.Errorf("read stream: %w", err))
			}
			return
		}
		evt, err := domain.DecodeSyncEvent(data)
		if err != nil {
			s.setErr(fmt.Errorf("decode stream frame: %w", err))
			return
		}
		select {
		case s.events <- evt:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil && !errors.Is(err, context.Canceled) {
		s.err = err
	}
}
