// Package client maintains one resilient relay connection on behalf of a
// logged-in identity. Inbound frames are translated into typed callbacks;
// outbound operations are SendMessage and SendTyping.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"pigeon/internal/models"
)

const (
	defaultBackoff    = 2 * time.Second
	defaultTypingIdle = 3 * time.Second
	writeWait         = 10 * time.Second

	// Remembered msg_ids for duplicate filtering. Duplicates arrive within
	// seconds of the original, so a small bounded window is enough; the
	// oldest ids are evicted once it fills.
	seenCap = 512
)

// Client connects to the relay server for one identity. Set the callbacks
// before calling Run; they are invoked from the receive loop, strictly in
// the order frames arrive on the wire.
type Client struct {
	username string
	httpBase string
	wsURL    string

	backoff    time.Duration
	typingIdle time.Duration
	httpc      *http.Client
	limiter    *rate.Limiter

	OnMessage func(models.MessageFrame)
	OnStatus  func(online []string)
	OnTyping  func(users []string)

	mu          sync.Mutex // guards conn, seen, seenOrder, typingTimer
	conn        *websocket.Conn
	seen        map[string]struct{}
	seenOrder   []string
	typingTimer *time.Timer

	writeMu sync.Mutex // serializes websocket writes

	stopOnce sync.Once
	stop     chan struct{}

	log *logrus.Entry
}

type Option func(*Client)

// WithBackoff overrides the fixed delay between reconnect attempts.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

// WithTypingIdle overrides the idle interval after which a typing indicator
// is automatically cleared.
func WithTypingIdle(d time.Duration) Option {
	return func(c *Client) { c.typingIdle = d }
}

// WithHTTPClient overrides the client used for the submit endpoint.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) { c.httpc = httpc }
}

// New builds a client for username against serverURL (http:// or https://).
func New(username, serverURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	wsScheme := "ws"
	if u.Scheme == "https" {
		wsScheme = "wss"
	}

	c := &Client{
		username:   username,
		httpBase:   u.Scheme + "://" + u.Host,
		wsURL:      wsScheme + "://" + u.Host + "/ws/" + url.PathEscape(username),
		backoff:    defaultBackoff,
		typingIdle: defaultTypingIdle,
		httpc:      http.DefaultClient,
		limiter:    rate.NewLimiter(rate.Every(time.Second), 1),
		seen:       make(map[string]struct{}),
		stop:       make(chan struct{}),
		log:        logrus.WithFields(logrus.Fields{"component": "relay-client", "username": username}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run connects and re-connects until the context is cancelled or Stop is
// called. Any transport failure, including a normal close, is followed by a
// fixed backoff and another attempt.
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return nil
		default:
		}

		if err := c.runOnce(ctx); err != nil {
			c.log.WithError(err).WithField("backoff", c.backoff).Info("connection lost, will retry")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return nil
		case <-time.After(c.backoff):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.log.Info("connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-c.stop:
			conn.Close()
		case <-done:
		}
	}()

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(raw)
	}
}

// dispatch decodes one inbound frame and invokes the matching callback.
// Malformed frames are logged and dropped; the connection continues.
func (c *Client) dispatch(raw []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		c.log.WithError(err).Warn("dropping malformed frame")
		return
	}

	switch head.Type {
	case models.FrameMessage:
		var frame models.MessageFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.WithError(err).Warn("dropping malformed message frame")
			return
		}
		if frame.MsgID != "" && !c.markSeen(frame.MsgID) {
			c.log.WithField("msg_id", frame.MsgID).Debug("skipping duplicate message")
			return
		}
		if c.OnMessage != nil {
			c.OnMessage(frame)
		}
	case models.FrameStatus:
		var frame models.StatusFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.WithError(err).Warn("dropping malformed status frame")
			return
		}
		if c.OnStatus != nil {
			c.OnStatus(frame.Online)
		}
	case models.FrameTyping:
		var frame models.TypingFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.WithError(err).Warn("dropping malformed typing frame")
			return
		}
		if c.OnTyping != nil {
			c.OnTyping(frame.Users)
		}
	default:
		c.log.WithField("type", head.Type).Debug("ignoring unknown frame type")
	}
}

// markSeen records a msg_id and reports whether it was new. The set is
// bounded at seenCap; once full, the oldest ids are forgotten.
func (c *Client) markSeen(msgID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[msgID]; ok {
		return false
	}
	c.seen[msgID] = struct{}{}
	c.seenOrder = append(c.seenOrder, msgID)
	if len(c.seenOrder) > seenCap {
		delete(c.seen, c.seenOrder[0])
		c.seenOrder = c.seenOrder[1:]
	}
	return true
}

// SendMessage submits a message through the relay, fire-and-forget: success
// means the server accepted the submit, not that the recipient saw it. A
// blank msgID gets the sender_recipient_timestamp default.
func (c *Client) SendMessage(recipient, content, msgID string) error {
	if msgID == "" {
		msgID = fmt.Sprintf("%s_%s_%d", c.username, recipient, time.Now().UnixNano())
	}
	// Own messages echoed back by the server are filtered out.
	c.markSeen(msgID)

	payload, err := json.Marshal(map[string]any{
		"sender":    c.username,
		"recipient": recipient,
		"content":   content,
		"timestamp": float64(time.Now().UnixNano()) / float64(time.Second),
		"msg_id":    msgID,
	})
	if err != nil {
		return err
	}

	resp, err := c.httpc.Post(c.httpBase+"/send_message", "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("submit rejected: %s", resp.Status)
	}
	return nil
}

// SendTyping signals the typing indicator. True emissions are limited to one
// per rolling second; false always goes through. Without a live connection
// the call is a no-op: typing state is transient and never queued. Each true
// arms an idle timer that clears the indicator automatically.
func (c *Client) SendTyping(isTyping bool) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	if isTyping {
		c.armTypingTimer()
		if !c.limiter.Allow() {
			return
		}
	} else {
		c.stopTypingTimer()
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(models.TypingSignal{Type: models.FrameTyping, IsTyping: isTyping})
	c.writeMu.Unlock()
	if err != nil {
		c.log.WithError(err).Debug("typing signal not sent")
	}
}

func (c *Client) armTypingTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.typingTimer == nil {
		c.typingTimer = time.AfterFunc(c.typingIdle, func() { c.SendTyping(false) })
		return
	}
	c.typingTimer.Reset(c.typingIdle)
}

func (c *Client) stopTypingTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
}

// Stop ends the reconnect loop. An in-flight dial is not interrupted faster
// than its own timeout.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}
