package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"postbox/common"
	"postbox/crypto/keys"
	"postbox/protocol/agreement"
	"postbox/protocol/agreement/sender"
	"postbox/protocol/envelope"
)

const oneTimeKeyPoolSize = 8

// PostKeys publishes this account's prekey bundle to the key directory.
func (app *ChatApp) PostKeys() error {
	sig, err := app.identityKey.Sign(app.prekey.Public().Export())
	if err != nil {
		return fmt.Errorf("failed to sign prekey: %w", err)
	}
	bundle := common.PrekeyBundle{
		IdentityKey:    app.identityKey.Public().Export(),
		ExchangeKey:    app.prekey.Public().Export(),
		ExchangeKeySig: sig,
		MailboxID:      app.mailboxID,
	}
	// The private halves are discarded on purpose: one-time keys never
	// enter the key derivation, they only mark that a fetched bundle was
	// fresh. The server hands each out at most once.
	for i := 0; i < oneTimeKeyPoolSize; i++ {
		otk, err := keys.NewAgreementKey()
		if err != nil {
			return err
		}
		bundle.OneTimeKeys = append(bundle.OneTimeKeys, otk.Public().Export())
	}

	body, err := json.Marshal(bundle)
	if err != nil {
		return err
	}
	resp, err := http.Post(app.keysURL(app.userID), "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to publish keys: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("publishing keys: server returned %s", resp.Status)
	}
	return nil
}

// FetchKeys retrieves a peer's published bundle from the key directory,
// returning the verified key material and the peer's current mailbox id.
func (app *ChatApp) FetchKeys(userID string) (*sender.RecipientBundle, string, error) {
	resp, err := http.Get(app.keysURL(userID))
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch keys for %s: %w", userID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetching keys for %s: server returned %s", userID, resp.Status)
	}

	var raw common.PrekeyBundle
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, "", err
	}
	idPub, err := keys.IdentityPublicKeyFromRaw(raw.IdentityKey)
	if err != nil {
		return nil, "", err
	}
	prekeyPub, err := keys.AgreementPublicKeyFromRaw(raw.ExchangeKey)
	if err != nil {
		return nil, "", err
	}
	bundle := &sender.RecipientBundle{
		IdentityKey: idPub,
		Prekey:      prekeyPub,
		PrekeySig:   raw.ExchangeKeySig,
	}
	if len(raw.OneTimeKey) > 0 {
		otk, err := keys.AgreementPublicKeyFromRaw(raw.OneTimeKey)
		if err != nil {
			return nil, "", err
		}
		bundle.OneTimeKey = &otk
	}
	return bundle, raw.MailboxID, nil
}

// InviteUser runs the sender side of the handshake with a peer and sends
// the invite envelope. A repeated invite to the same peer starts a new
// epoch; older epochs stay decryptable on both ends.
func (app *ChatApp) InviteUser(peerID string) error {
	bundle, peerMailbox, err := app.FetchKeys(peerID)
	if err != nil {
		return err
	}

	res, err := sender.PerformKeyAgreement(bundle, app.identityKey)
	if err != nil {
		return fmt.Errorf("failed to perform key agreement: %w", err)
	}
	epoch := agreement.EpochID(res.Salt)

	app.mailbox.UpsertKnownUser(bundle.IdentityKey, &bundle.Prekey, peerMailbox)
	if err := app.mailbox.AddSession(app.ctx, bundle.IdentityKey, epoch, res.SessionKey); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	app.recipientIdentity = bundle.IdentityKey.Export()

	hs := &common.HandshakeBundle{
		EphemeralKeyPublic:      res.EphemeralPub.Export(),
		Salt:                    res.Salt,
		SenderIdentityKeyPublic: app.identityKey.Public().Export(),
		SenderMailboxID:         app.mailboxID,
	}
	if bundle.OneTimeKey != nil {
		hs.OneTimeKeyPublic = bundle.OneTimeKey.Export()
	}
	env := &common.Envelope{
		ID:                      uuid.NewString(),
		Type:                    common.TypeInvite,
		SenderIdentityKeyPublic: app.identityKey.Public().Export(),
		ReceiverIdentityKey:     bundle.IdentityKey.Export(),
		Handshake:               hs,
	}
	return app.sendFrame(env)
}

// SendTextMessage encrypts and sends one text message to the current
// recipient, running the handshake first if no session exists yet.
func (app *ChatApp) SendTextMessage(text string) error {
	env, err := app.buildMessage(envelope.TextData{Text: text}, "")
	if err != nil {
		return err
	}
	return app.sendFrame(env)
}

// SendCallSignal sends ephemeral call-signaling data. It is never queued
// on the receiving client and failures stay silent there.
func (app *ChatApp) SendCallSignal(signalType, payload string) error {
	env, err := app.buildMessage(envelope.CallSignalData{SignalType: signalType, Payload: payload}, "")
	if err != nil {
		return err
	}
	return app.sendFrame(env)
}

func (app *ChatApp) buildMessage(body envelope.Body, groupID string) (*common.Envelope, error) {
	ku, ok := app.recipientUser()
	if !ok {
		if err := app.InviteUser(app.recipientID); err != nil {
			return nil, fmt.Errorf("failed to perform handshake: %w", err)
		}
		ku, ok = app.recipientUser()
		if !ok {
			return nil, fmt.Errorf("no session with %s after handshake", app.recipientID)
		}
	}
	session, ok := ku.Session("")
	if !ok {
		return nil, fmt.Errorf("no current session key for %s", app.recipientID)
	}

	data, err := envelope.NewSignedData(body, groupID)
	if err != nil {
		return nil, err
	}
	return envelope.Build(app.identityKey, session, ku.MailboxID, app.serverAddr, ku.CurrentEpoch, data)
}

func (app *ChatApp) recipientUser() (*KnownUser, bool) {
	raw := app.recipientIdentity
	if raw == nil {
		return nil, false
	}
	return app.mailbox.KnownUserByIdentity(raw)
}

func (app *ChatApp) sendFrame(v any) error {
	if app.wsConn == nil {
		return fmt.Errorf("WebSocket connection not established")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	app.wsWriteLock.Lock()
	defer app.wsWriteLock.Unlock()
	return app.wsConn.WriteMessage(websocket.TextMessage, raw)
}

func (app *ChatApp) keysURL(userID string) string {
	return fmt.Sprintf("http://%s/keys/%s", app.serverAddr, userID)
}
