package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pigeon/internal/models"
)

// fakeRelay is a minimal relay server: it captures submits and inbound
// typing signals, and lets tests push frames to the connected client.
type fakeRelay struct {
	srv      *httptest.Server
	conns    chan *websocket.Conn
	typing   chan models.TypingSignal
	submits  chan map[string]any
	dials    atomic.Int32
	closeNow bool // close each connection right after the handshake
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	f := &fakeRelay{
		conns:   make(chan *websocket.Conn, 4),
		typing:  make(chan models.TypingSignal, 16),
		submits: make(chan map[string]any, 16),
	}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/send_message", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.submits <- body
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.dials.Add(1)
		if f.closeNow {
			conn.Close()
			return
		}
		// Announce presence so the test knows the client is attached.
		conn.WriteJSON(models.StatusFrame{Type: models.FrameStatus, Online: []string{"alice"}})
		f.conns <- conn
		for {
			var sig models.TypingSignal
			if err := conn.ReadJSON(&sig); err != nil {
				return
			}
			f.typing <- sig
		}
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

// startClient runs c until the test ends and blocks until the first status
// frame confirms the connection is live.
func startClient(t *testing.T, c *Client) {
	t.Helper()
	connected := make(chan struct{}, 1)
	prev := c.OnStatus
	c.OnStatus = func(online []string) {
		select {
		case connected <- struct{}{}:
		default:
		}
		if prev != nil {
			prev(online)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not connect")
	}
}

func awaitTyping(t *testing.T, f *fakeRelay) models.TypingSignal {
	t.Helper()
	select {
	case sig := <-f.typing:
		return sig
	case <-time.After(2 * time.Second):
		t.Fatal("no typing signal received")
		return models.TypingSignal{}
	}
}

func TestSendTypingRateLimited(t *testing.T) {
	f := newFakeRelay(t)
	c, err := New("alice", f.srv.URL)
	require.NoError(t, err)
	startClient(t, c)

	c.SendTyping(true)
	sig := awaitTyping(t, f)
	assert.True(t, sig.IsTyping)

	// A second true inside the rolling second is suppressed.
	c.SendTyping(true)
	select {
	case sig := <-f.typing:
		t.Fatalf("rate limiter let a second emission through: %+v", sig)
	case <-time.After(200 * time.Millisecond):
	}

	// Stop signals always go through immediately.
	c.SendTyping(false)
	sig = awaitTyping(t, f)
	assert.False(t, sig.IsTyping)
}

func TestSendTypingAutoStop(t *testing.T) {
	f := newFakeRelay(t)
	c, err := New("alice", f.srv.URL, WithTypingIdle(150*time.Millisecond))
	require.NoError(t, err)
	startClient(t, c)

	c.SendTyping(true)
	sig := awaitTyping(t, f)
	require.True(t, sig.IsTyping)

	// Without renewal, the idle timer clears the indicator.
	sig = awaitTyping(t, f)
	assert.False(t, sig.IsTyping)
}

func TestSendTypingDisconnectedIsNoop(t *testing.T) {
	c, err := New("alice", "http://127.0.0.1:0")
	require.NoError(t, err)

	// Not connected: nothing to assert beyond "does not block or panic".
	c.SendTyping(true)
	c.SendTyping(false)
}

func TestSendMessageDefaultsMsgID(t *testing.T) {
	f := newFakeRelay(t)
	c, err := New("alice", f.srv.URL)
	require.NoError(t, err)

	require.NoError(t, c.SendMessage("bob", "hello there", ""))

	select {
	case body := <-f.submits:
		assert.Equal(t, "alice", body["sender"])
		assert.Equal(t, "bob", body["recipient"])
		assert.Equal(t, "hello there", body["content"])
		assert.True(t, strings.HasPrefix(body["msg_id"].(string), "alice_bob_"))
		assert.Greater(t, body["timestamp"].(float64), 0.0)
	case <-time.After(2 * time.Second):
		t.Fatal("submit never reached the server")
	}
}

func TestSendMessageKeepsExplicitMsgID(t *testing.T) {
	f := newFakeRelay(t)
	c, err := New("alice", f.srv.URL)
	require.NoError(t, err)

	require.NoError(t, c.SendMessage("bob", "hello", "my-id-1"))
	body := <-f.submits
	assert.Equal(t, "my-id-1", body["msg_id"])
}

func TestInboundDuplicatesFiltered(t *testing.T) {
	f := newFakeRelay(t)
	c, err := New("alice", f.srv.URL)
	require.NoError(t, err)

	received := make(chan models.MessageFrame, 8)
	c.OnMessage = func(frame models.MessageFrame) { received <- frame }
	startClient(t, c)

	conn := <-f.conns
	push := func(msgID, content string) {
		require.NoError(t, conn.WriteJSON(models.MessageFrame{
			Type: models.FrameMessage, Sender: "bob", Content: content, MsgID: msgID,
		}))
	}
	push("m1", "hi")
	push("m1", "hi")
	push("m2", "second")

	first := <-received
	assert.Equal(t, "m1", first.MsgID)
	second := <-received
	assert.Equal(t, "m2", second.MsgID, "duplicate m1 should have been dropped")

	select {
	case extra := <-received:
		t.Fatalf("unexpected extra delivery: %+v", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSeenSetBoundedByEviction(t *testing.T) {
	c, err := New("alice", "http://127.0.0.1:0")
	require.NoError(t, err)

	for i := 0; i < seenCap+10; i++ {
		require.True(t, c.markSeen(fmt.Sprintf("m%d", i)))
	}
	assert.Len(t, c.seen, seenCap, "set should not grow past its cap")

	// The oldest ids have been forgotten; a recent one is still filtered.
	assert.True(t, c.markSeen("m0"))
	assert.False(t, c.markSeen(fmt.Sprintf("m%d", seenCap+9)))
}

func TestCallbacksForStatusAndTyping(t *testing.T) {
	f := newFakeRelay(t)
	c, err := New("alice", f.srv.URL)
	require.NoError(t, err)

	statuses := make(chan []string, 8)
	typings := make(chan []string, 8)
	c.OnStatus = func(online []string) { statuses <- online }
	c.OnTyping = func(users []string) { typings <- users }
	startClient(t, c)

	// startClient wraps OnStatus, so the handshake frame lands here too.
	assert.Equal(t, []string{"alice"}, <-statuses)

	conn := <-f.conns
	require.NoError(t, conn.WriteJSON(models.TypingFrame{Type: models.FrameTyping, Users: []string{"bob"}}))
	assert.Equal(t, []string{"bob"}, <-typings)
}

func TestMalformedInboundFrameIgnored(t *testing.T) {
	f := newFakeRelay(t)
	c, err := New("alice", f.srv.URL)
	require.NoError(t, err)

	received := make(chan models.MessageFrame, 1)
	c.OnMessage = func(frame models.MessageFrame) { received <- frame }
	startClient(t, c)

	conn := <-f.conns
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{{{garbage")))
	require.NoError(t, conn.WriteJSON(models.MessageFrame{
		Type: models.FrameMessage, Sender: "bob", Content: "still alive", MsgID: "m1",
	}))

	select {
	case frame := <-received:
		assert.Equal(t, "still alive", frame.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not survive the malformed frame")
	}
}

func TestReconnectsUntilStopped(t *testing.T) {
	f := newFakeRelay(t)
	f.closeNow = true

	c, err := New("alice", f.srv.URL, WithBackoff(50*time.Millisecond))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	require.Eventually(t, func() bool { return f.dials.Load() >= 3 },
		3*time.Second, 20*time.Millisecond, "client should keep retrying")

	c.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
