package client

import (
	"encoding/json"

	"postbox/crypto/keys"
)

// KnownUser is the cached identity of a peer: published keys, the session
// keys of every epoch seen so far, and the peer's mailbox id once known.
// It is never silently overwritten; only an explicit handshake or a
// mailbox-rotation notice updates it.
type KnownUser struct {
	IdentityKey  keys.IdentityPublicKey
	ExchangeKey  *keys.AgreementPublicKey
	MailboxID    string
	CurrentEpoch string
	sessions     map[string]*keys.SessionKey
}

func newKnownUser(identity keys.IdentityPublicKey) *KnownUser {
	return &KnownUser{
		IdentityKey: identity,
		sessions:    make(map[string]*keys.SessionKey),
	}
}

// Session returns the key for an epoch; the empty epoch means current.
func (u *KnownUser) Session(epoch string) (*keys.SessionKey, bool) {
	if epoch == "" {
		epoch = u.CurrentEpoch
	}
	key, ok := u.sessions[epoch]
	return key, ok
}

// AddEpoch records a freshly agreed session key and makes it current.
// Older epochs stay available for decrypting leftover envelopes.
func (u *KnownUser) AddEpoch(epoch string, key *keys.SessionKey) {
	u.sessions[epoch] = key
	u.CurrentEpoch = epoch
}

// storedKnownUser is the durable form of a KnownUser. Session keys are
// written in their keystore form so every epoch survives a restart.
type storedKnownUser struct {
	IdentityKey  []byte            `json:"identityKey"`
	ExchangeKey  []byte            `json:"exchangeKey,omitempty"`
	MailboxID    string            `json:"mailboxId,omitempty"`
	CurrentEpoch string            `json:"currentEpoch,omitempty"`
	Sessions     map[string][]byte `json:"sessions"`
}

func (u *KnownUser) marshal() ([]byte, error) {
	stored := storedKnownUser{
		IdentityKey:  u.IdentityKey.Export(),
		MailboxID:    u.MailboxID,
		CurrentEpoch: u.CurrentEpoch,
		Sessions:     make(map[string][]byte, len(u.sessions)),
	}
	if u.ExchangeKey != nil {
		stored.ExchangeKey = u.ExchangeKey.Export()
	}
	for epoch, key := range u.sessions {
		raw, err := key.MarshalBinary()
		if err != nil {
			return nil, err
		}
		stored.Sessions[epoch] = raw
	}
	return json.Marshal(stored)
}

func knownUserFromStored(raw []byte) (*KnownUser, error) {
	var stored storedKnownUser
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, err
	}
	identity, err := keys.IdentityPublicKeyFromRaw(stored.IdentityKey)
	if err != nil {
		return nil, err
	}
	ku := newKnownUser(identity)
	ku.MailboxID = stored.MailboxID
	ku.CurrentEpoch = stored.CurrentEpoch
	if len(stored.ExchangeKey) > 0 {
		exchange, err := keys.AgreementPublicKeyFromRaw(stored.ExchangeKey)
		if err != nil {
			return nil, err
		}
		ku.ExchangeKey = &exchange
	}
	for epoch, rawKey := range stored.Sessions {
		key, err := keys.SessionKeyFromStored(rawKey)
		if err != nil {
			return nil, err
		}
		ku.sessions[epoch] = key
	}
	return ku, nil
}
