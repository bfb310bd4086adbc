package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"postbox/common"
	"postbox/configs"
	"postbox/crypto/keys"
	"postbox/protocol/agreement"
	"postbox/protocol/agreement/receiver"
	"postbox/protocol/envelope"
)

// Stream names for the watermark cursors.
const (
	StreamMessages = "messages"
	StreamInvites  = "invites"
)

// Event is one processed incoming envelope surfaced to the caller.
// Exactly one of Incoming, Err or Held describes the outcome; Env is
// always set.
type Event struct {
	Env      *common.Envelope
	Incoming *envelope.Incoming
	Err      error
	// Held means the envelope references an epoch whose handshake has
	// not arrived yet; it will be re-processed when it does.
	Held bool
}

type pendingEnvelope struct {
	env   *common.Envelope
	index int64
}

// Mailbox is the receiving half of a client: the KnownUser cache, the
// verify/decrypt pipeline, persistence and the watermark cursors.
type Mailbox struct {
	accountID string
	identity  *keys.IdentityKey
	prekey    *keys.AgreementKey
	store     KeyedStore
	logger    *logrus.Logger

	mu      sync.Mutex
	known   map[string]*KnownUser
	pending map[string][]pendingEnvelope
}

func NewMailbox(accountID string, identity *keys.IdentityKey, prekey *keys.AgreementKey, store KeyedStore, logger *logrus.Logger) *Mailbox {
	return &Mailbox{
		accountID: accountID,
		identity:  identity,
		prekey:    prekey,
		store:     store,
		logger:    logger,
		known:     make(map[string]*KnownUser),
		pending:   make(map[string][]pendingEnvelope),
	}
}

// Restore loads the persisted KnownUser records, session keys included,
// into the cache. Called once before the first envelope is processed; a
// store with no records is a fresh account, not an error.
func (m *Mailbox) Restore(ctx context.Context) error {
	raw, err := m.store.Get(ctx, fmt.Sprintf(configs.ClientKnownUserIndexKey, m.accountID))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		data, err := m.store.Get(ctx, fmt.Sprintf(configs.ClientKnownUserKey, m.accountID, id))
		if err != nil {
			return fmt.Errorf("known user %s: %w", id, err)
		}
		ku, err := knownUserFromStored(data)
		if err != nil {
			return fmt.Errorf("known user %s: %w", id, err)
		}
		m.known[id] = ku
	}
	return nil
}

// persistKnownUser writes one KnownUser record and the identity index.
// It must complete before any watermark that depends on the record moves,
// otherwise a restart would skip an entry whose state only ever lived in
// memory.
func (m *Mailbox) persistKnownUser(ctx context.Context, ku *KnownUser) error {
	m.mu.Lock()
	data, err := ku.marshal()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	ids := make([]string, 0, len(m.known))
	for id := range m.known {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	if err := m.store.Put(ctx, fmt.Sprintf(configs.ClientKnownUserKey, m.accountID, ku.IdentityKey.String()), data); err != nil {
		return err
	}
	index, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return m.store.Put(ctx, fmt.Sprintf(configs.ClientKnownUserIndexKey, m.accountID), index)
}

// KnownUserByIdentity returns the cached peer for a raw identity key.
func (m *Mailbox) KnownUserByIdentity(raw []byte) (*KnownUser, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ku, ok := m.known[base64.StdEncoding.EncodeToString(raw)]
	return ku, ok
}

// UpsertKnownUser creates or refreshes a cache entry after an explicit
// handshake. It never runs implicitly.
func (m *Mailbox) UpsertKnownUser(identity keys.IdentityPublicKey, exchange *keys.AgreementPublicKey, mailboxID string) *KnownUser {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertLocked(identity, exchange, mailboxID)
}

func (m *Mailbox) upsertLocked(identity keys.IdentityPublicKey, exchange *keys.AgreementPublicKey, mailboxID string) *KnownUser {
	key := identity.String()
	ku, ok := m.known[key]
	if !ok {
		ku = newKnownUser(identity)
		m.known[key] = ku
	}
	if exchange != nil {
		ku.ExchangeKey = exchange
	}
	if mailboxID != "" {
		ku.MailboxID = mailboxID
	}
	return ku
}

// AddSession records a new epoch for a peer, sender side, and persists
// the updated record.
func (m *Mailbox) AddSession(ctx context.Context, identity keys.IdentityPublicKey, epoch string, key *keys.SessionKey) error {
	m.mu.Lock()
	ku := m.upsertLocked(identity, nil, "")
	ku.AddEpoch(epoch, key)
	m.mu.Unlock()
	return m.persistKnownUser(ctx, ku)
}

// Process runs one envelope through the verify/decrypt pipeline. index is
// the entry's queue index for replayed envelopes and -1 for live delivery;
// the messages watermark only advances past indexed entries, and only
// after persistence succeeded. A nil return means there is nothing to
// surface (ephemeral payload failures are dropped without notice).
func (m *Mailbox) Process(ctx context.Context, env *common.Envelope, index int64) *Event {
	ev := m.process(ctx, env, index)
	if ev != nil && ev.Err != nil && env.DontSave {
		m.logger.Debugf("Dropping failed ephemeral envelope %s: %v", env.ID, ev.Err)
		return nil
	}
	return ev
}

func (m *Mailbox) process(ctx context.Context, env *common.Envelope, index int64) *Event {
	m.mu.Lock()
	ku, ok := m.known[base64.StdEncoding.EncodeToString(env.SenderIdentityKeyPublic)]
	if !ok {
		m.mu.Unlock()
		return &Event{Env: env, Err: fmt.Errorf("%w: %s", envelope.ErrUnknownSender, env.ID)}
	}
	session, ok := ku.Session(env.Epoch)
	if !ok {
		// The handshake for this epoch has not been processed yet.
		m.pending[env.Epoch] = append(m.pending[env.Epoch], pendingEnvelope{env: env, index: index})
		m.mu.Unlock()
		m.logger.Infof("Holding envelope %s for unknown epoch %s", env.ID, env.Epoch)
		return &Event{Env: env, Held: true}
	}
	senderKey := ku.IdentityKey
	m.mu.Unlock()

	// Crypto runs outside the lock.
	inc, err := envelope.Open(env, senderKey, session)
	if err != nil {
		return &Event{Env: env, Err: err}
	}

	if rot, ok := inc.Body.(envelope.MailboxRotationData); ok && inc.IsVerified {
		m.mu.Lock()
		ku.MailboxID = rot.NewMailboxID
		m.mu.Unlock()
		if err := m.persistKnownUser(ctx, ku); err != nil {
			return &Event{Env: env, Err: err}
		}
	}

	if inc.Data.Kind.Persistent() {
		if err := m.persist(ctx, inc); err != nil {
			return &Event{Env: env, Err: err}
		}
	}
	if index >= 0 {
		// The cursor must never pass an entry that is only held in
		// memory; a crash would lose it with no redelivery.
		to := index + 1
		if floor, ok := m.heldFloor(); ok && floor < to {
			to = floor
		}
		if err := m.AdvanceWatermark(ctx, StreamMessages, to); err != nil {
			return &Event{Env: env, Err: err}
		}
	}
	return &Event{Env: env, Incoming: inc}
}

// heldFloor returns the lowest queue index among held envelopes.
func (m *Mailbox) heldFloor() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var floor int64
	found := false
	for _, list := range m.pending {
		for _, p := range list {
			if p.index < 0 {
				continue
			}
			if !found || p.index < floor {
				floor, found = p.index, true
			}
		}
	}
	return floor, found
}

// StoredMessage is the persisted form of a processed envelope.
type StoredMessage struct {
	ID         string              `json:"id"`
	Sender     []byte              `json:"sender"`
	Data       envelope.SignedData `json:"data"`
	IsVerified bool                `json:"isVerified"`
}

// persist stores the message keyed by envelope id. A duplicate id is a
// no-op success, which makes redelivery after a partial replay safe.
func (m *Mailbox) persist(ctx context.Context, inc *envelope.Incoming) error {
	key := fmt.Sprintf(configs.ClientMessageKey, m.accountID, inc.Envelope.ID)
	if _, err := m.store.Get(ctx, key); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	data, err := json.Marshal(StoredMessage{
		ID:         inc.Envelope.ID,
		Sender:     inc.Envelope.SenderIdentityKeyPublic,
		Data:       inc.Data,
		IsVerified: inc.IsVerified,
	})
	if err != nil {
		return err
	}
	return m.store.Put(ctx, key, data)
}

// AcceptInvite processes a handshake envelope: derives the epoch's session
// key, updates the KnownUser cache, and releases any envelopes held for
// that epoch. index is the invite stream index, or -1 for live delivery.
func (m *Mailbox) AcceptInvite(ctx context.Context, env *common.Envelope, index int64) []*Event {
	hs := env.Handshake
	if hs == nil {
		return []*Event{{Env: env, Err: fmt.Errorf("%w: invite without handshake", envelope.ErrMalformedPayload)}}
	}

	senderID, err := keys.IdentityPublicKeyFromRaw(hs.SenderIdentityKeyPublic)
	if err != nil {
		return []*Event{{Env: env, Err: err}}
	}
	ephemeral, err := keys.AgreementPublicKeyFromRaw(hs.EphemeralKeyPublic)
	if err != nil {
		return []*Event{{Env: env, Err: err}}
	}

	session, err := receiver.PerformKeyAgreement(
		&receiver.ReceiverBundle{IdentityKey: m.identity, Prekey: m.prekey},
		&receiver.SenderTranscript{IdentityKey: senderID, EphemeralKey: ephemeral, Salt: hs.Salt},
	)
	if err != nil {
		return []*Event{{Env: env, Err: err}}
	}
	if len(hs.WrappedSessionKey) > 0 {
		// A group sender propagates one chosen key, wrapped per
		// recipient under the handshake-derived key.
		session, err = session.Unwrap(hs.WrappedSessionKey)
		if err != nil {
			return []*Event{{Env: env, Err: fmt.Errorf("%w: wrapped session key", envelope.ErrDecryptionFailed)}}
		}
	}

	epoch := agreement.EpochID(hs.Salt)

	m.mu.Lock()
	ku := m.upsertLocked(senderID, nil, hs.SenderMailboxID)
	ku.AddEpoch(epoch, session)
	released := m.pending[epoch]
	delete(m.pending, epoch)
	m.mu.Unlock()

	m.logger.Infof("Accepted handshake from %s, epoch %s", senderID.Fingerprint(), epoch)

	// The record carrying the new epoch's key must be durable before the
	// invites cursor moves past this entry.
	if err := m.persistKnownUser(ctx, ku); err != nil {
		return []*Event{{Env: env, Err: err}}
	}

	events := []*Event{{Env: env}}
	if index >= 0 {
		if err := m.AdvanceWatermark(ctx, StreamInvites, index+1); err != nil {
			events[0].Err = err
		}
	}
	for _, p := range released {
		if ev := m.Process(ctx, p.env, p.index); ev != nil {
			events = append(events, ev)
		}
	}
	return events
}

// Watermark reads the cursor for a stream; a never-written cursor is 0.
func (m *Mailbox) Watermark(ctx context.Context, stream string) (int64, error) {
	raw, err := m.store.Get(ctx, fmt.Sprintf(configs.ClientWatermarkKey, m.accountID, stream))
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(raw), 10, 64)
}

// AdvanceWatermark moves a cursor forward. It is monotonic: moving it
// backwards over unseen entries is refused by simply keeping the larger
// value.
func (m *Mailbox) AdvanceWatermark(ctx context.Context, stream string, to int64) error {
	current, err := m.Watermark(ctx, stream)
	if err != nil {
		return err
	}
	if to <= current {
		return nil
	}
	key := fmt.Sprintf(configs.ClientWatermarkKey, m.accountID, stream)
	return m.store.Put(ctx, key, []byte(strconv.FormatInt(to, 10)))
}
