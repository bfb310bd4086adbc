package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind is the closed set of payload kinds carried inside an envelope.
type Kind string

const (
	KindText            Kind = "text"
	KindFileRef         Kind = "file"
	KindCallSignal      Kind = "call-signal"
	KindGroupChange     Kind = "group-change"
	KindMailboxRotation Kind = "mailbox-rotation"
)

// Persistent reports whether payloads of this kind are stored on the
// receiving client. Call signaling is ephemeral real-time data.
func (k Kind) Persistent() bool {
	return k != KindCallSignal
}

// SignedData is the application data covered by the signature.
type SignedData struct {
	Kind    Kind            `json:"type"`
	GroupID string          `json:"groupId,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// SignedPayload is the plaintext structure placed inside an envelope
// before encryption. The signature authenticates SignedData under the
// sender's identity key.
type SignedPayload struct {
	SignedData SignedData `json:"signed_data"`
	Signature  []byte     `json:"signature"`
}

type TextData struct {
	Text string `json:"text"`
}

type FileRefData struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Ref  string `json:"ref"`
}

type CallSignalData struct {
	SignalType string `json:"signalType"`
	Payload    string `json:"payload"`
}

type GroupChangeData struct {
	Action  string   `json:"action"`
	Members []string `json:"members"`
}

type MailboxRotationData struct {
	NewMailboxID string `json:"newMailboxId"`
}

// Body is implemented by every typed payload; the switch in Decode is the
// single place a new kind must be added.
type Body interface {
	kind() Kind
}

func (TextData) kind() Kind            { return KindText }
func (FileRefData) kind() Kind         { return KindFileRef }
func (CallSignalData) kind() Kind      { return KindCallSignal }
func (GroupChangeData) kind() Kind     { return KindGroupChange }
func (MailboxRotationData) kind() Kind { return KindMailboxRotation }

// Decode returns the typed body for the declared kind, failing closed on
// unknown kinds and on payloads whose shape does not match.
func (d *SignedData) Decode() (Body, error) {
	switch d.Kind {
	case KindText:
		return decodeBody[TextData](d.Data)
	case KindFileRef:
		return decodeBody[FileRefData](d.Data)
	case KindCallSignal:
		return decodeBody[CallSignalData](d.Data)
	case KindGroupChange:
		return decodeBody[GroupChangeData](d.Data)
	case KindMailboxRotation:
		return decodeBody[MailboxRotationData](d.Data)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedPayload, d.Kind)
	}
}

func decodeBody[T Body](raw json.RawMessage) (Body, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var body T
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return body, nil
}

// NewSignedData marshals a typed body into the kind it declares.
func NewSignedData(body Body, groupID string) (SignedData, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return SignedData{}, err
	}
	return SignedData{Kind: body.kind(), GroupID: groupID, Data: raw}, nil
}
