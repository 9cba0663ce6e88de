package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hylla/shiftsync/internal/adapters/server/common"
	"github.com/hylla/shiftsync/internal/domain"
	"github.com/hylla/shiftsync/internal/eventbus"
)

// defaultHeartbeat is the stream idle interval when none is configured.
const defaultHeartbeat = 15 * time.Second

// writeWait bounds one websocket frame write.
const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleStream serves GET `/stream?subscriber_id=...&queue_size=N` as a websocket push stream.
// Each frame is one JSON sync event. Heartbeats fill idle gaps so clients can detect silence.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	if h.deps.Stream == nil {
		writeErrorFrom(w, common.ErrUnavailable)
		return
	}
	subscriberID := strings.TrimSpace(r.URL.Query().Get("subscriber_id"))
	if subscriberID == "" {
		writeErrorFrom(w, fmt.Errorf("%w: subscriber_id is required", common.ErrInvalidRequest))
		return
	}
	var opts []eventbus.SubscribeOption
	if raw := strings.TrimSpace(r.URL.Query().Get("queue_size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size <= 0 {
			writeErrorFrom(w, fmt.Errorf("%w: queue_size must be a positive integer", common.ErrInvalidRequest))
			return
		}
		opts = append(opts, eventbus.WithQueueSize(size))
	}

	// Subscribe before upgrading so a duplicate id still gets a structured 409.
	sub, err := h.deps.Stream.Subscribe(subscriberID, opts...)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.deps.Logger.Warn("stream upgrade failed", "subscriber_id", subscriberID, "err", err)
		return
	}
	defer conn.Close()
	h.deps.Logger.Debug("stream opened", "subscriber_id", subscriberID)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTimer(h.deps.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			h.deps.Logger.Debug("stream closed by client", "subscriber_id", subscriberID)
			return
		case evt, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bus closed"), time.Now().Add(writeWait))
				return
			}
			if err := writeFrame(conn, evt); err != nil {
				h.deps.Logger.Warn("stream write failed", "subscriber_id", subscriberID, "err", err)
				return
			}
			resetTimer(heartbeat, h.deps.Heartbeat)
		case <-heartbeat.C:
			if err := writeFrame(conn, domain.NewHeartbeatEvent(h.deps.Heartbeat, h.deps.Clock())); err != nil {
				h.deps.Logger.Warn("stream heartbeat failed", "subscriber_id", subscriberID, "err", err)
				return
			}
			heartbeat.Reset(h.deps.Heartbeat)
		}
	}
}

func writeFrame(conn *websocket.Conn, evt domain.SyncEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode sync event: %w", err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
