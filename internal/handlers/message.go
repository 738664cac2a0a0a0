package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pigeon/internal/metrics"
	"pigeon/internal/middleware"
	"pigeon/internal/models"
	"pigeon/internal/store"
	"pigeon/internal/ws"
)

type MessageHandler struct {
	Store     store.Store
	Hub       *ws.Hub
	Collector *metrics.Collector
}

type SubmitRequest struct {
	Sender    string  `json:"sender"`
	Recipient string  `json:"recipient"`
	Content   string  `json:"content"`
	Timestamp float64 `json:"timestamp"`
	MsgID     string  `json:"msg_id"`
}

// SendMessage is the submit endpoint: append to the durable log first, then
// best-effort live push (or queue when the recipient is offline). The caller
// always gets a success response once both were attempted; an unregistered
// recipient is not an error.
func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Sender == "" || req.Recipient == "" {
		http.Error(w, "sender and recipient are required", http.StatusBadRequest)
		return
	}

	msgID := req.MsgID
	if msgID == "" {
		msgID = fmt.Sprintf("%s_%s_%s", req.Sender, req.Recipient, uuid.NewString())
	}

	saved, err := h.Store.SaveMessage(req.Sender, req.Recipient, req.Content)
	if err != nil {
		logrus.WithError(err).Error("save message")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if !saved {
		h.Collector.DuplicateSuppressed()
		logrus.WithFields(logrus.Fields{
			"sender":    req.Sender,
			"recipient": req.Recipient,
		}).Debug("duplicate message suppressed")
	}

	// Pushed regardless of suppression; clients filter repeats by msg_id.
	h.Hub.Deliver(req.Recipient, models.MessageFrame{
		Type:    models.FrameMessage,
		Sender:  req.Sender,
		Content: req.Content,
		MsgID:   msgID,
	})

	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "msg_id": msgID})
}

// OnlineUsers returns the current presence set.
func (h *MessageHandler) OnlineUsers(w http.ResponseWriter, r *http.Request) {
	online := h.Hub.Online()
	if online == nil {
		online = []string{}
	}
	json.NewEncoder(w).Encode(online)
}

// GetMessages returns the decrypted history for the authenticated user,
// optionally restricted to one peer. The cookie identity must match the
// requested user.
func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	peer := r.URL.Query().Get("peer")
	if user == "" {
		http.Error(w, "user is required", http.StatusBadRequest)
		return
	}
	if middleware.Username(r.Context()) != user {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	messages, err := h.Store.GetMessages(user, peer)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	json.NewEncoder(w).Encode(messages)
}
