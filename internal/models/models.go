package models

// User mirrors one row of the credentials table. Password holds the encoded
// argon2id hash, never the plaintext.
type User struct {
	Username string `json:"username"`
	Password string `json:"-"`
}

// Message is one stored chat message. Content holds ciphertext at rest;
// GetMessages returns it decrypted.
type Message struct {
	Sender    string  `json:"sender"`
	Receiver  string  `json:"receiver"`
	Content   string  `json:"message"`
	Timestamp float64 `json:"timestamp"`
}

// Frame types exchanged over the websocket.
const (
	FrameMessage = "message"
	FrameStatus  = "status"
	FrameTyping  = "typing"
)

// MessageFrame is pushed server -> client when a message arrives for the
// connected identity.
type MessageFrame struct {
	Type    string `json:"type"`
	Sender  string `json:"sender"`
	Content string `json:"content"`
	MsgID   string `json:"msg_id"`
}

// StatusFrame carries the full online set after any presence change.
type StatusFrame struct {
	Type   string   `json:"type"`
	Online []string `json:"online"`
}

// TypingFrame carries the full set of identities currently typing.
type TypingFrame struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// TypingSignal is the only client -> server frame.
type TypingSignal struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}
