package common

import "fmt"

// Envelope types on the wire.
const (
	TypeMessage = "message"
	TypeInvite  = "message-invite"
	TypeQueued  = "queued-exchanges-and-messages"
	TypeError   = "error"

	// Client-to-server control frames.
	TypeAuth   = "auth"
	TypeReplay = "replay"
)

// Envelope is the transport-level wrapper the relay routes. The relay
// never looks inside EncryptedPayload.
type Envelope struct {
	ID                      string           `json:"id"`
	Type                    string           `json:"type"`
	SenderIdentityKeyPublic []byte           `json:"senderIdentityKeyPublic,omitempty"`
	ReceiverMailboxID       string           `json:"receiverMailboxId,omitempty"`
	ReceiverIdentityKey     []byte           `json:"receiverIdentityKey,omitempty"`
	EncryptedPayload        []byte           `json:"encryptedPayload,omitempty"`
	ReceiverServer          string           `json:"receiverServer,omitempty"`
	Epoch                   string           `json:"epoch,omitempty"`
	DontSave                bool             `json:"dontSave,omitempty"`
	Handshake               *HandshakeBundle `json:"handshake,omitempty"`
	Error                   string           `json:"error,omitempty"`
}

// HandshakeBundle travels inside an invite envelope. Nothing in it is
// secret; the wrapped session key is only present when one sender-chosen
// key is propagated to multiple group recipients.
type HandshakeBundle struct {
	EphemeralKeyPublic      []byte `json:"ephemeralKeyPublic"`
	Salt                    []byte `json:"salt"`
	SenderIdentityKeyPublic []byte `json:"senderIdentityKeyPublic"`
	SenderMailboxID         string `json:"senderMailboxId,omitempty"`
	WrappedSessionKey       []byte `json:"wrappedSessionKey,omitempty"`
	OneTimeKeyPublic        []byte `json:"oneTimeKeyPublic,omitempty"`
}

// AuthRequest must be the first frame on a new connection.
type AuthRequest struct {
	Type        string `json:"type"`
	IdentityKey []byte `json:"identityKey"`
	MailboxID   string `json:"mailboxId"`
	Timestamp   int64  `json:"timestamp"`
	Signature   []byte `json:"signature"`
}

// AuthSigningBytes is the byte string the auth signature covers.
func AuthSigningBytes(mailboxID string, timestamp int64) []byte {
	return []byte(fmt.Sprintf("%s|%d", mailboxID, timestamp))
}

// ReplayRequest asks for all queued entries after the given watermarks.
type ReplayRequest struct {
	Type             string `json:"type"`
	MessageWatermark int64  `json:"messageWatermark"`
	InviteWatermark  int64  `json:"inviteWatermark"`
}

// QueuedEntry is one replayed envelope with its insertion index. The index
// is the client's next watermark once the entry is durably processed.
type QueuedEntry struct {
	Index    int64    `json:"index"`
	Envelope Envelope `json:"envelope"`
}

// QueuedBatch is the relay's answer to a ReplayRequest, in insertion
// order. The relay does not track whether the client processed it.
type QueuedBatch struct {
	Type             string        `json:"type"`
	Invites          []QueuedEntry `json:"invites"`
	Messages         []QueuedEntry `json:"messages"`
	MessageWatermark int64         `json:"messageWatermark"`
	InviteWatermark  int64         `json:"inviteWatermark"`
}

// PrekeyBundle is the published key material of an account. OneTimeKeys is
// only present when publishing; a fetch returns at most OneTimeKey, which
// the server hands out exactly once.
type PrekeyBundle struct {
	IdentityKey    []byte   `json:"identityKey"`
	ExchangeKey    []byte   `json:"exchangeKey"`
	ExchangeKeySig []byte   `json:"exchangeKeySig"`
	MailboxID      string   `json:"mailboxId,omitempty"`
	OneTimeKeys    [][]byte `json:"oneTimeKeys,omitempty"`
	OneTimeKey     []byte   `json:"oneTimeKey,omitempty"`
}
