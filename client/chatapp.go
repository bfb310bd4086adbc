package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jroimartin/gocui"
	"github.com/sirupsen/logrus"

	"postbox/common"
	"postbox/crypto/keys"
	"postbox/protocol/envelope"
)

// ChatApp ties the mailbox, the relay connection and the terminal UI
// together for one account.
type ChatApp struct {
	Gui *gocui.Gui

	ctx        context.Context
	logger     *logrus.Logger
	serverAddr string

	userID    string
	mailboxID string

	recipientID       string
	recipientIdentity []byte

	identityKey *keys.IdentityKey
	prekey      *keys.AgreementKey
	mailbox     *Mailbox

	wsConn      *websocket.Conn
	wsWriteLock sync.Mutex
	wg          sync.WaitGroup

	messages    []string
	messageLock sync.Mutex
}

func NewChatApp(ctx context.Context, userID, mailboxID, serverAddr string, identityKey *keys.IdentityKey, prekey *keys.AgreementKey, store KeyedStore, logger *logrus.Logger) *ChatApp {
	return &ChatApp{
		ctx:         ctx,
		logger:      logger,
		serverAddr:  serverAddr,
		userID:      userID,
		mailboxID:   mailboxID,
		identityKey: identityKey,
		prekey:      prekey,
		mailbox:     NewMailbox(userID, identityKey, prekey, store, logger),
	}
}

// connectToWebSocket dials the relay, authenticates, requests replay of
// both queued streams and starts the receive loop.
func (app *ChatApp) connectToWebSocket() error {
	serverURL := fmt.Sprintf("ws://%s/ws", app.serverAddr)
	conn, _, err := websocket.DefaultDialer.Dial(serverURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket server: %w", err)
	}
	app.wsConn = conn

	if err := app.mailbox.Restore(app.ctx); err != nil {
		return fmt.Errorf("failed to restore mailbox state: %w", err)
	}
	if err := app.authenticate(); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	if err := app.requestReplay(); err != nil {
		return fmt.Errorf("failed to request replay: %w", err)
	}

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.listenForMessages()
	}()
	return nil
}

func (app *ChatApp) authenticate() error {
	now := time.Now().Unix()
	sig, err := app.identityKey.Sign(common.AuthSigningBytes(app.mailboxID, now))
	if err != nil {
		return err
	}
	return app.sendFrame(common.AuthRequest{
		Type:        common.TypeAuth,
		IdentityKey: app.identityKey.Public().Export(),
		MailboxID:   app.mailboxID,
		Timestamp:   now,
		Signature:   sig,
	})
}

func (app *ChatApp) requestReplay() error {
	msgMark, err := app.mailbox.Watermark(app.ctx, StreamMessages)
	if err != nil {
		return err
	}
	invMark, err := app.mailbox.Watermark(app.ctx, StreamInvites)
	if err != nil {
		return err
	}
	return app.sendFrame(common.ReplayRequest{
		Type:             common.TypeReplay,
		MessageWatermark: msgMark,
		InviteWatermark:  invMark,
	})
}

// listenForMessages is the receive loop: replay batches, live envelopes
// and invites all funnel into the mailbox pipeline.
func (app *ChatApp) listenForMessages() {
	defer app.wsConn.Close()
	for {
		_, raw, err := app.wsConn.ReadMessage()
		if err != nil {
			app.logger.Errorf("Error reading message: %v", err)
			return
		}

		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			app.logger.Errorf("Invalid frame from server: %v", err)
			continue
		}

		switch probe.Type {
		case common.TypeQueued:
			var batch common.QueuedBatch
			if err := json.Unmarshal(raw, &batch); err != nil {
				app.logger.Errorf("Invalid queued batch: %v", err)
				continue
			}
			// Invites first: they may carry the handshakes that held
			// messages are waiting for.
			for _, entry := range batch.Invites {
				env := entry.Envelope
				app.displayEvents(app.mailbox.AcceptInvite(app.ctx, &env, entry.Index))
			}
			for _, entry := range batch.Messages {
				env := entry.Envelope
				app.displayEvents([]*Event{app.mailbox.Process(app.ctx, &env, entry.Index)})
			}
		case common.TypeInvite:
			var env common.Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				app.logger.Errorf("Invalid invite: %v", err)
				continue
			}
			app.displayEvents(app.mailbox.AcceptInvite(app.ctx, &env, -1))
		case common.TypeMessage:
			var env common.Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				app.logger.Errorf("Invalid envelope: %v", err)
				continue
			}
			app.displayEvents([]*Event{app.mailbox.Process(app.ctx, &env, -1)})
		case common.TypeError:
			var env common.Envelope
			if err := json.Unmarshal(raw, &env); err == nil {
				app.appendMessage(fmt.Sprintf("[server error] %s", env.Error))
			}
		default:
			app.logger.Errorf("Unsupported frame type %q from server", probe.Type)
		}
	}
}

// displayEvents renders pipeline outcomes. Failures are explicit events,
// never silently discarded; the mailbox has already filtered the
// ephemeral ones that must stay quiet.
func (app *ChatApp) displayEvents(events []*Event) {
	for _, ev := range events {
		switch {
		case ev == nil || ev.Held:
			// Held envelopes resurface once their handshake arrives.
		case ev.Err != nil:
			app.appendMessage(fmt.Sprintf("[!] cannot process a message: %v", ev.Err))
		case ev.Incoming != nil:
			app.displayIncoming(ev.Incoming)
		case ev.Env != nil && ev.Env.Type == common.TypeInvite:
			app.appendMessage("[*] new secure session established")
		}
	}
}

func (app *ChatApp) displayIncoming(inc *envelope.Incoming) {
	prefix := "[Other] "
	if !inc.IsVerified {
		prefix = "[Other, UNVERIFIED] "
	}
	switch body := inc.Body.(type) {
	case envelope.TextData:
		app.appendMessage(prefix + body.Text)
	case envelope.FileRefData:
		app.appendMessage(fmt.Sprintf("%ssent a file: %s (%d bytes)", prefix, body.Name, body.Size))
	case envelope.CallSignalData:
		app.logger.Infof("Call signal %s received", body.SignalType)
	case envelope.GroupChangeData:
		app.appendMessage(fmt.Sprintf("%sgroup %s: %s %v", prefix, inc.Data.GroupID, body.Action, body.Members))
	case envelope.MailboxRotationData:
		app.logger.Infof("Peer rotated mailbox to %s", body.NewMailboxID)
	}
}

func (app *ChatApp) appendMessage(msg string) {
	app.messageLock.Lock()
	app.messages = append(app.messages, msg)
	app.messageLock.Unlock()

	if app.Gui != nil {
		app.Gui.Update(func(g *gocui.Gui) error {
			return app.UpdateMessages(g)
		})
	}
}
