// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package eventstream pushes node-state-change and job-state-change
// events to subscribed WebSocket watchers, using a hub/broadcast shape:
// every published event fans out to every connected subscriber. The
// controller binary publishes the node DOWN transitions applied through
// the Agent's SetNodeDown hook.
package eventstream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jontk/slurmctld-core/pkg/logging"
)

// EventType distinguishes a node-state change from a job-state change.
type EventType string

const (
	EventNodeState EventType = "node_state"
	EventJobState  EventType = "job_state"
)

// Event is one state-transition notification broadcast to subscribers.
type Event struct {
	Type      EventType `json:"type"`
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub fans Event values out to every currently-connected WebSocket
// client. Publish never blocks on a slow client: when a subscriber's
// buffered channel is full, the event is dropped for that subscriber
// (which stays subscribed) rather than stalling the publisher.
type Hub struct {
	mu       sync.RWMutex
	subs     map[chan Event]struct{}
	upgrader websocket.Upgrader
	logger   logging.Logger
}

// New constructs a Hub. The upgrader's CheckOrigin is permissive; this
// surface is intended for trusted operator tooling, not public internet
// exposure.
func New(logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Hub{
		subs: make(map[chan Event]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Publish broadcasts ev to every connected subscriber.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("eventstream: dropping event for slow subscriber", "type", ev.Type, "name", ev.Name)
		}
	}
}

// PublishNodeState is a convenience wrapper for NodeTable callers.
func (h *Hub) PublishNodeState(name, state, reason string) {
	h.Publish(Event{Type: EventNodeState, Name: name, State: state, Reason: reason, Timestamp: time.Now()})
}

// PublishJobState is a convenience wrapper for JobTable/KillCoordinator
// callers.
func (h *Hub) PublishJobState(jobID string, state string) {
	h.Publish(Event{Type: EventJobState, Name: jobID, State: state, Timestamp: time.Now()})
}

func (h *Hub) subscribe() chan Event {
	ch := make(chan Event, 32)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
	close(ch)
}

// ServeHTTP upgrades the connection and streams events to it until the
// client disconnects or the request context is cancelled.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("eventstream: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.drainIncoming(conn, cancel)

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("eventstream: write failed", "error", err)
				return
			}
		}
	}
}

// drainIncoming discards client messages (this stream is one-way) but
// still needs to read so gorilla/websocket's control-frame handling
// (ping/pong/close) keeps running.
func (h *Hub) drainIncoming(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
