package client

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postbox/common"
	"postbox/configs"
	"postbox/crypto/keys"
	"postbox/protocol/agreement"
	"postbox/protocol/agreement/sender"
	"postbox/protocol/envelope"
)

type testPeer struct {
	identity *keys.IdentityKey
	prekey   *keys.AgreementKey
}

func newTestPeer(t *testing.T) *testPeer {
	t.Helper()
	identity, err := keys.NewIdentityKey()
	require.NoError(t, err)
	prekey, err := keys.NewAgreementKey()
	require.NoError(t, err)
	return &testPeer{identity: identity, prekey: prekey}
}

func (p *testPeer) bundle(t *testing.T) *sender.RecipientBundle {
	t.Helper()
	sig, err := p.identity.Sign(p.prekey.Public().Export())
	require.NoError(t, err)
	return &sender.RecipientBundle{
		IdentityKey: p.identity.Public(),
		Prekey:      p.prekey.Public(),
		PrekeySig:   sig,
	}
}

// handshake runs the sender role against the peer and returns the invite
// envelope plus the sender's view of the new epoch.
func handshake(t *testing.T, alice, bob *testPeer, senderMailbox string) (*common.Envelope, *keys.SessionKey, string) {
	t.Helper()
	res, err := sender.PerformKeyAgreement(bob.bundle(t), alice.identity)
	require.NoError(t, err)
	epoch := agreement.EpochID(res.Salt)
	env := &common.Envelope{
		ID:                      uuid.NewString(),
		Type:                    common.TypeInvite,
		SenderIdentityKeyPublic: alice.identity.Public().Export(),
		ReceiverIdentityKey:     bob.identity.Public().Export(),
		Handshake: &common.HandshakeBundle{
			EphemeralKeyPublic:      res.EphemeralPub.Export(),
			Salt:                    res.Salt,
			SenderIdentityKeyPublic: alice.identity.Public().Export(),
			SenderMailboxID:         senderMailbox,
		},
	}
	return env, res.SessionKey, epoch
}

func textEnvelope(t *testing.T, alice *testPeer, session *keys.SessionKey, epoch, text string) *common.Envelope {
	t.Helper()
	data, err := envelope.NewSignedData(envelope.TextData{Text: text}, "")
	require.NoError(t, err)
	env, err := envelope.Build(alice.identity, session, "mbx-bob", "", epoch, data)
	require.NoError(t, err)
	return env
}

func newTestMailbox(t *testing.T, bob *testPeer) (*Mailbox, *MemoryStore) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	store := NewMemoryStore()
	return NewMailbox("bob", bob.identity, bob.prekey, store, logger), store
}

// Scenario: first contact. The invite establishes the session and the
// message decrypts verified.
func TestInviteThenMessage(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestPeer(t), newTestPeer(t)
	mailbox, _ := newTestMailbox(t, bob)

	invite, session, epoch := handshake(t, alice, bob, "mbx-alice")
	events := mailbox.AcceptInvite(ctx, invite, -1)
	require.Len(t, events, 1)
	assert.NoError(t, events[0].Err)

	ku, ok := mailbox.KnownUserByIdentity(alice.identity.Public().Export())
	require.True(t, ok)
	assert.Equal(t, "mbx-alice", ku.MailboxID)
	assert.Equal(t, epoch, ku.CurrentEpoch)

	ev := mailbox.Process(ctx, textEnvelope(t, alice, session, epoch, "hi"), -1)
	require.NotNil(t, ev)
	require.NoError(t, ev.Err)
	require.NotNil(t, ev.Incoming)
	assert.True(t, ev.Incoming.IsVerified)
	assert.Equal(t, envelope.TextData{Text: "hi"}, ev.Incoming.Body)
}

func TestUnknownSenderSurfaced(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestPeer(t), newTestPeer(t)
	mailbox, _ := newTestMailbox(t, bob)

	session, _, err := keys.DeriveSessionKey([]byte("ikm"), nil)
	require.NoError(t, err)
	ev := mailbox.Process(ctx, textEnvelope(t, alice, session, "e", "hi"), -1)
	require.NotNil(t, ev, "unverifiable messages are surfaced, not dropped")
	assert.ErrorIs(t, ev.Err, envelope.ErrUnknownSender)
}

// Scenario: two handshakes happen before the receiver comes online. The
// second epoch's envelopes need the second key while first-epoch leftovers
// still decrypt with the first.
func TestTwoEpochsBothDecryptable(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestPeer(t), newTestPeer(t)
	mailbox, _ := newTestMailbox(t, bob)

	invite1, session1, epoch1 := handshake(t, alice, bob, "mbx-alice")
	invite2, session2, epoch2 := handshake(t, alice, bob, "mbx-alice")
	require.NotEqual(t, epoch1, epoch2)

	mailbox.AcceptInvite(ctx, invite1, 0)
	mailbox.AcceptInvite(ctx, invite2, 1)

	ev := mailbox.Process(ctx, textEnvelope(t, alice, session2, epoch2, "second"), -1)
	require.NotNil(t, ev)
	require.NoError(t, ev.Err)
	assert.Equal(t, envelope.TextData{Text: "second"}, ev.Incoming.Body)

	ev = mailbox.Process(ctx, textEnvelope(t, alice, session1, epoch1, "leftover"), -1)
	require.NotNil(t, ev)
	require.NoError(t, ev.Err)
	assert.Equal(t, envelope.TextData{Text: "leftover"}, ev.Incoming.Body)
}

// An envelope that references an epoch whose handshake has not arrived is
// held, then released and processed once the invite lands.
func TestEnvelopeHeldUntilHandshakeArrives(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestPeer(t), newTestPeer(t)
	mailbox, _ := newTestMailbox(t, bob)

	// First epoch makes Alice a known user.
	invite1, _, _ := handshake(t, alice, bob, "mbx-alice")
	mailbox.AcceptInvite(ctx, invite1, -1)

	invite2, session2, epoch2 := handshake(t, alice, bob, "mbx-alice")
	early := textEnvelope(t, alice, session2, epoch2, "early bird")

	ev := mailbox.Process(ctx, early, -1)
	require.NotNil(t, ev)
	assert.True(t, ev.Held)
	assert.NoError(t, ev.Err)

	events := mailbox.AcceptInvite(ctx, invite2, -1)
	require.Len(t, events, 2, "accepting the invite releases the held envelope")
	require.NotNil(t, events[1].Incoming)
	assert.Equal(t, envelope.TextData{Text: "early bird"}, events[1].Incoming.Body)
}

// Submitting the same envelope id twice yields one stored record and two
// success outcomes.
func TestDuplicateEnvelopeIdempotent(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestPeer(t), newTestPeer(t)
	mailbox, store := newTestMailbox(t, bob)

	invite, session, epoch := handshake(t, alice, bob, "mbx-alice")
	mailbox.AcceptInvite(ctx, invite, -1)

	env := textEnvelope(t, alice, session, epoch, "once")
	first := mailbox.Process(ctx, env, -1)
	require.NotNil(t, first)
	require.NoError(t, first.Err)
	second := mailbox.Process(ctx, env, -1)
	require.NotNil(t, second)
	require.NoError(t, second.Err, "duplicate id is a no-op success")

	_, err := store.Get(ctx, fmt.Sprintf(configs.ClientMessageKey, "bob", env.ID))
	assert.NoError(t, err)
}

// Scenario: a call-signaling payload fails to decrypt. No user-visible
// event appears, unlike a text message failing the same way.
func TestEphemeralFailureIsSilent(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestPeer(t), newTestPeer(t)
	mailbox, store := newTestMailbox(t, bob)

	invite, session, epoch := handshake(t, alice, bob, "mbx-alice")
	mailbox.AcceptInvite(ctx, invite, -1)

	data, err := envelope.NewSignedData(envelope.CallSignalData{SignalType: "offer", Payload: "sdp"}, "")
	require.NoError(t, err)
	callEnv, err := envelope.Build(alice.identity, session, "mbx-bob", "", epoch, data)
	require.NoError(t, err)
	callEnv.EncryptedPayload[0] ^= 0x01

	assert.Nil(t, mailbox.Process(ctx, callEnv, -1), "ephemeral failures stay quiet")

	textEnv := textEnvelope(t, alice, session, epoch, "hello")
	textEnv.EncryptedPayload[0] ^= 0x01
	ev := mailbox.Process(ctx, textEnv, -1)
	require.NotNil(t, ev, "text failures are explicit events")
	assert.ErrorIs(t, ev.Err, envelope.ErrDecryptionFailed)

	// A successfully decrypted call signal is delivered but never stored.
	okEnv, err := envelope.Build(alice.identity, session, "mbx-bob", "", epoch, data)
	require.NoError(t, err)
	ev = mailbox.Process(ctx, okEnv, -1)
	require.NotNil(t, ev)
	require.NoError(t, ev.Err)
	_, err = store.Get(ctx, fmt.Sprintf(configs.ClientMessageKey, "bob", okEnv.ID))
	assert.ErrorIs(t, err, ErrNotFound)
}

// A wrong-signer envelope is flagged unverified on its way through the
// mailbox but still persisted and delivered.
func TestUnverifiedStillDeliveredAndStored(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestPeer(t), newTestPeer(t)
	mallory := newTestPeer(t)
	mailbox, store := newTestMailbox(t, bob)

	invite, session, epoch := handshake(t, alice, bob, "mbx-alice")
	mailbox.AcceptInvite(ctx, invite, -1)

	// Mallory knows the session key but not Alice's identity key.
	forged := textEnvelope(t, mallory, session, epoch, "trust me")
	forged.SenderIdentityKeyPublic = alice.identity.Public().Export()

	ev := mailbox.Process(ctx, forged, -1)
	require.NotNil(t, ev)
	require.NoError(t, ev.Err)
	assert.False(t, ev.Incoming.IsVerified)

	raw, err := store.Get(ctx, fmt.Sprintf(configs.ClientMessageKey, "bob", forged.ID))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"isVerified":false`)
}

// The messages watermark advances only after persistence, only forward,
// and only for replayed entries that carry an index.
func TestWatermarkAdvancement(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestPeer(t), newTestPeer(t)
	mailbox, _ := newTestMailbox(t, bob)

	invite, session, epoch := handshake(t, alice, bob, "mbx-alice")
	mailbox.AcceptInvite(ctx, invite, -1)

	mark, err := mailbox.Watermark(ctx, StreamMessages)
	require.NoError(t, err)
	assert.Equal(t, int64(0), mark)

	ev := mailbox.Process(ctx, textEnvelope(t, alice, session, epoch, "a"), 4)
	require.NoError(t, ev.Err)
	mark, err = mailbox.Watermark(ctx, StreamMessages)
	require.NoError(t, err)
	assert.Equal(t, int64(5), mark)

	// Live envelopes carry no index and leave the cursor alone.
	ev = mailbox.Process(ctx, textEnvelope(t, alice, session, epoch, "b"), -1)
	require.NoError(t, ev.Err)
	mark, err = mailbox.Watermark(ctx, StreamMessages)
	require.NoError(t, err)
	assert.Equal(t, int64(5), mark)

	// A replayed older entry never moves the cursor backwards.
	ev = mailbox.Process(ctx, textEnvelope(t, alice, session, epoch, "c"), 2)
	require.NoError(t, ev.Err)
	mark, err = mailbox.Watermark(ctx, StreamMessages)
	require.NoError(t, err)
	assert.Equal(t, int64(5), mark)

	// A failed decrypt must not advance past the failure.
	bad := textEnvelope(t, alice, session, epoch, "d")
	bad.EncryptedPayload[1] ^= 0x01
	ev = mailbox.Process(ctx, bad, 9)
	require.Error(t, ev.Err)
	mark, err = mailbox.Watermark(ctx, StreamMessages)
	require.NoError(t, err)
	assert.Equal(t, int64(5), mark)
}

// A verified mailbox-rotation notice updates the cached routing address.
func TestMailboxRotationUpdatesKnownUser(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestPeer(t), newTestPeer(t)
	mailbox, _ := newTestMailbox(t, bob)

	invite, session, epoch := handshake(t, alice, bob, "mbx-alice")
	mailbox.AcceptInvite(ctx, invite, -1)

	data, err := envelope.NewSignedData(envelope.MailboxRotationData{NewMailboxID: "mbx-alice-2"}, "")
	require.NoError(t, err)
	env, err := envelope.Build(alice.identity, session, "mbx-bob", "", epoch, data)
	require.NoError(t, err)

	ev := mailbox.Process(ctx, env, -1)
	require.NoError(t, ev.Err)

	ku, ok := mailbox.KnownUserByIdentity(alice.identity.Public().Export())
	require.True(t, ok)
	assert.Equal(t, "mbx-alice-2", ku.MailboxID)
}

// Session state established through an invite must outlive the process:
// after a restart over the same store, the invites cursor and the epoch's
// session key are both still there.
func TestSessionStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestPeer(t), newTestPeer(t)
	mailbox, store := newTestMailbox(t, bob)

	invite, session, epoch := handshake(t, alice, bob, "mbx-alice")
	events := mailbox.AcceptInvite(ctx, invite, 0)
	require.Len(t, events, 1)
	require.NoError(t, events[0].Err)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	restarted := NewMailbox("bob", bob.identity, bob.prekey, store, logger)
	require.NoError(t, restarted.Restore(ctx))

	mark, err := restarted.Watermark(ctx, StreamInvites)
	require.NoError(t, err)
	assert.Equal(t, int64(1), mark)

	ku, ok := restarted.KnownUserByIdentity(alice.identity.Public().Export())
	require.True(t, ok, "known user record must survive the restart")
	assert.Equal(t, "mbx-alice", ku.MailboxID)
	assert.Equal(t, epoch, ku.CurrentEpoch)

	ev := restarted.Process(ctx, textEnvelope(t, alice, session, epoch, "still here"), -1)
	require.NotNil(t, ev)
	require.NoError(t, ev.Err)
	assert.True(t, ev.Incoming.IsVerified)
	assert.Equal(t, envelope.TextData{Text: "still here"}, ev.Incoming.Body)
}

// Sender-side sessions recorded by AddSession survive a restart too.
func TestSenderSessionSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestPeer(t), newTestPeer(t)
	mailbox, store := newTestMailbox(t, bob)

	session, _, err := keys.DeriveSessionKey([]byte("sender side"), nil)
	require.NoError(t, err)
	require.NoError(t, mailbox.AddSession(ctx, alice.identity.Public(), "ep1", session))

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	restarted := NewMailbox("bob", bob.identity, bob.prekey, store, logger)
	require.NoError(t, restarted.Restore(ctx))

	ku, ok := restarted.KnownUserByIdentity(alice.identity.Public().Export())
	require.True(t, ok)
	restoredSession, ok := ku.Session("ep1")
	require.True(t, ok)
	assert.Equal(t, session.Fingerprint(), restoredSession.Fingerprint())
}

// A held envelope pins the messages cursor: later replayed entries may be
// processed, but the cursor never moves past an entry that is not durably
// stored yet.
func TestWatermarkNeverPassesHeldEnvelope(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestPeer(t), newTestPeer(t)
	mailbox, _ := newTestMailbox(t, bob)

	invite1, session1, epoch1 := handshake(t, alice, bob, "mbx-alice")
	mailbox.AcceptInvite(ctx, invite1, -1)
	invite2, session2, epoch2 := handshake(t, alice, bob, "mbx-alice")

	held := mailbox.Process(ctx, textEnvelope(t, alice, session2, epoch2, "early"), 0)
	require.NotNil(t, held)
	assert.True(t, held.Held)

	ev := mailbox.Process(ctx, textEnvelope(t, alice, session1, epoch1, "later"), 1)
	require.NotNil(t, ev)
	require.NoError(t, ev.Err)

	mark, err := mailbox.Watermark(ctx, StreamMessages)
	require.NoError(t, err)
	assert.Equal(t, int64(0), mark, "cursor must not skip the held entry")

	// Accepting the invite releases the held entry; only then does the
	// cursor move.
	events := mailbox.AcceptInvite(ctx, invite2, -1)
	require.Len(t, events, 2)
	require.NoError(t, events[1].Err)
	mark, err = mailbox.Watermark(ctx, StreamMessages)
	require.NoError(t, err)
	assert.Equal(t, int64(1), mark)
}
