// Package ws implements the relay hub: live session routing, presence and
// typing state, and per-recipient queues for offline delivery.
package ws

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"pigeon/internal/metrics"
	"pigeon/internal/models"
)

// Hub is the single owner of all live-session state. One mutex serializes
// every mutation; broadcasts iterate a snapshot taken under the lock so a
// slow socket never blocks registry updates.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*Client
	typing   map[string]struct{}
	pending  map[string][]models.MessageFrame

	collector *metrics.Collector
	log       *logrus.Entry
}

func NewHub(collector *metrics.Collector) *Hub {
	return &Hub{
		sessions:  make(map[string]*Client),
		typing:    make(map[string]struct{}),
		pending:   make(map[string][]models.MessageFrame),
		collector: collector,
		log:       logrus.WithField("component", "hub"),
	}
}

// register binds the client's identity to its connection. A second session
// for the same identity silently supersedes routing to the first socket; the
// stale socket is left to error out on its own. The new session receives the
// status frame first and then its queued messages, in FIFO order.
//
// register runs before the session's pumps start, so the status frame and
// the queued backlog are written synchronously to the socket: the drain never
// touches the send buffer and cannot overflow it, however long the queue. If
// a write fails mid-drain, the undelivered remainder goes back to the head of
// the queue for the next connect.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.sessions[c.username] = c
	queued := h.pending[c.username]
	delete(h.pending, c.username)
	targets := h.snapshotLocked()
	status := h.statusFrameLocked()
	h.collector.SetActiveSessions(len(h.sessions))
	h.mu.Unlock()

	h.log.WithField("username", c.username).Info("session registered")

	statusPayload, err := json.Marshal(status)
	if err != nil {
		h.log.WithError(err).Error("marshal status frame")
		statusPayload = nil
	}
	if statusPayload != nil {
		if err := c.writeFrame(statusPayload); err != nil {
			h.requeue(c.username, queued)
			h.log.WithField("username", c.username).WithError(err).Warn("session lost during drain")
			c.conn.Close()
			h.broadcastExcept(targets, c, status)
			return
		}
	}

	for i, frame := range queued {
		payload, err := json.Marshal(frame)
		if err != nil {
			h.log.WithError(err).Error("marshal message frame")
			continue
		}
		if err := c.writeFrame(payload); err != nil {
			h.requeue(c.username, queued[i:])
			h.log.WithField("username", c.username).WithError(err).Warn("session lost during drain")
			c.conn.Close()
			h.broadcastExcept(targets, c, status)
			return
		}
	}

	h.broadcastExcept(targets, c, status)
}

// requeue returns undelivered frames to the front of an identity's queue.
func (h *Hub) requeue(username string, frames []models.MessageFrame) {
	if len(frames) == 0 {
		return
	}
	h.mu.Lock()
	h.pending[username] = append(append([]models.MessageFrame{}, frames...), h.pending[username]...)
	h.mu.Unlock()
}

// unregister runs on every exit path of a session's read loop. The pointer
// comparison keeps a superseded socket's teardown from evicting the session
// that replaced it.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	current, ok := h.sessions[c.username]
	changed := ok && current == c
	if changed {
		delete(h.sessions, c.username)
		delete(h.typing, c.username)
	}
	targets := h.snapshotLocked()
	status := h.statusFrameLocked()
	typing := h.typingFrameLocked()
	h.collector.SetActiveSessions(len(h.sessions))
	h.mu.Unlock()

	c.close()

	if changed {
		h.log.WithField("username", c.username).Info("session unregistered")
		h.broadcast(targets, status)
		h.broadcast(targets, typing)
	}
}

// Deliver routes one message to its recipient: a live push when a session
// exists, otherwise the frame joins the recipient's pending queue. It reports
// whether the message went out live.
func (h *Hub) Deliver(recipient string, frame models.MessageFrame) bool {
	h.mu.Lock()
	c, ok := h.sessions[recipient]
	if !ok {
		h.pending[recipient] = append(h.pending[recipient], frame)
		h.mu.Unlock()
		h.collector.MessageQueued()
		return false
	}
	h.mu.Unlock()

	h.push(c, frame)
	h.collector.MessageRelayed()
	return true
}

// SetTyping updates the typing set for an identity and broadcasts the full
// set to every connected session.
func (h *Hub) SetTyping(username string, isTyping bool) {
	h.mu.Lock()
	if isTyping {
		h.typing[username] = struct{}{}
	} else {
		delete(h.typing, username)
	}
	targets := h.snapshotLocked()
	typing := h.typingFrameLocked()
	h.mu.Unlock()

	h.broadcast(targets, typing)
}

// Online returns a snapshot of the identities currently holding a session.
func (h *Hub) Online() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	online := make([]string, 0, len(h.sessions))
	for username := range h.sessions {
		online = append(online, username)
	}
	return online
}

func (h *Hub) snapshotLocked() []*Client {
	targets := make([]*Client, 0, len(h.sessions))
	for _, c := range h.sessions {
		targets = append(targets, c)
	}
	return targets
}

func (h *Hub) statusFrameLocked() models.StatusFrame {
	online := make([]string, 0, len(h.sessions))
	for username := range h.sessions {
		online = append(online, username)
	}
	sort.Strings(online)
	return models.StatusFrame{Type: models.FrameStatus, Online: online}
}

func (h *Hub) typingFrameLocked() models.TypingFrame {
	users := make([]string, 0, len(h.typing))
	for username := range h.typing {
		users = append(users, username)
	}
	sort.Strings(users)
	return models.TypingFrame{Type: models.FrameTyping, Users: users}
}

// broadcast delivers one frame to each target independently; a failure on
// one socket never aborts delivery to the others.
func (h *Hub) broadcast(targets []*Client, frame any) {
	h.broadcastExcept(targets, nil, frame)
}

// broadcastExcept is broadcast with one target skipped, for a session whose
// copy of the frame was already written directly.
func (h *Hub) broadcastExcept(targets []*Client, skip *Client, frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		h.log.WithError(err).Error("marshal broadcast frame")
		return
	}
	for _, c := range targets {
		if c == skip {
			continue
		}
		h.send(c, payload)
	}
}

func (h *Hub) push(c *Client, frame models.MessageFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		h.log.WithError(err).Error("marshal message frame")
		return
	}
	h.send(c, payload)
}

// send enqueues a payload without blocking. A session whose buffer is full
// is force-closed; its read loop then runs the normal unregister teardown.
func (h *Hub) send(c *Client, payload []byte) {
	if !c.enqueue(payload) {
		h.collector.FrameDropped()
		h.log.WithField("username", c.username).Warn("session not keeping up, closing")
		c.conn.Close()
	}
}
