package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"postbox/common"
	"postbox/configs"
	"postbox/crypto/keys"
)

// Server is the mailbox relay. It routes envelopes to live connections by
// mailbox id, queues them for offline recipients, and replays queued
// entries after the client's watermark on reconnect. Ciphertext is never
// inspected or re-encrypted.
type Server struct {
	ctx       context.Context
	cancelCtx context.CancelFunc

	registry    *Registry
	queue       Queue
	redisClient *redis.Client
	logger      *logrus.Logger
	authSkew    time.Duration

	// WebSocket upgrader settings
	upgrader *websocket.Upgrader
}

func NewServer(ctx context.Context, registry *Registry, queue Queue, redisClient *redis.Client, logger *logrus.Logger, authSkew time.Duration) *Server {
	ctx, cancelCtx := context.WithCancel(ctx)
	return &Server{
		ctx:         ctx,
		cancelCtx:   cancelCtx,
		registry:    registry,
		queue:       queue,
		redisClient: redisClient,
		logger:      logger,
		authSkew:    authSkew,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleConnections serves one client connection for its whole lifetime.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorf("Error upgrading to WebSocket: %v", err)
		return
	}
	conn := newConnection(ws)
	go conn.writeLoop()
	defer conn.close()

	// The first frame must authenticate the account.
	auth, err := s.awaitAuth(ws)
	if err != nil {
		s.logger.Errorf("Authentication failed: %v", err)
		s.sendError(conn, "authentication failed")
		return
	}
	identity := base64.StdEncoding.EncodeToString(auth.IdentityKey)

	if err := s.registry.Register(identity, auth.MailboxID, conn); err != nil {
		s.logger.Infof("Rejected second connection for account %s", auth.MailboxID)
		s.sendError(conn, err.Error())
		return
	}
	// Deregistration must complete before the connection is considered
	// gone anywhere else, so it shares the defer with close.
	defer s.registry.Deregister(identity, conn)
	s.logger.Infof("Account registered on mailbox %s", auth.MailboxID)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			s.logger.Infof("Connection for mailbox %s closed: %v", auth.MailboxID, err)
			return
		}

		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			s.sendError(conn, "invalid frame")
			continue
		}

		switch probe.Type {
		case common.TypeReplay:
			var req common.ReplayRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				s.sendError(conn, "invalid replay request")
				continue
			}
			if err := s.handleReplay(conn, identity, auth.MailboxID, &req); err != nil {
				s.logger.Errorf("Replay for mailbox %s failed: %v", auth.MailboxID, err)
				return
			}
		case common.TypeMessage:
			var env common.Envelope
			if err := json.Unmarshal(raw, &env); err != nil || env.ID == "" {
				s.sendError(conn, "invalid envelope")
				continue
			}
			if err := s.routeMessage(&env, raw); err != nil {
				s.logger.Errorf("Queueing envelope %s failed: %v", env.ID, err)
				return
			}
		case common.TypeInvite:
			var env common.Envelope
			if err := json.Unmarshal(raw, &env); err != nil || len(env.ReceiverIdentityKey) == 0 {
				s.sendError(conn, "invalid invite")
				continue
			}
			if err := s.routeInvite(&env, raw); err != nil {
				s.logger.Errorf("Queueing invite %s failed: %v", env.ID, err)
				return
			}
		default:
			s.sendError(conn, fmt.Sprintf("unsupported frame type %q", probe.Type))
		}
	}
}

func (s *Server) Close() {
	s.cancelCtx()
	if s.redisClient != nil {
		s.redisClient.Close()
	}
}

// awaitAuth reads and checks the opening auth frame: timestamp within the
// allowed skew and a valid signature proving possession of the presented
// identity key. The identity itself is trusted on first use.
func (s *Server) awaitAuth(ws *websocket.Conn) (*common.AuthRequest, error) {
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	var auth common.AuthRequest
	if err := json.Unmarshal(raw, &auth); err != nil {
		return nil, fmt.Errorf("invalid auth frame: %w", err)
	}
	if auth.Type != common.TypeAuth || auth.MailboxID == "" {
		return nil, fmt.Errorf("first frame must be auth")
	}

	skew := time.Since(time.Unix(auth.Timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.authSkew {
		return nil, fmt.Errorf("auth timestamp outside allowed skew")
	}

	idPub, err := keys.IdentityPublicKeyFromRaw(auth.IdentityKey)
	if err != nil {
		return nil, err
	}
	if err := idPub.Verify(common.AuthSigningBytes(auth.MailboxID, auth.Timestamp), auth.Signature); err != nil {
		return nil, fmt.Errorf("auth signature: %w", err)
	}
	return &auth, nil
}

// routeMessage forwards the raw envelope bytes verbatim when the receiving
// mailbox has a live connection, and queues them otherwise. A send that
// cannot be enqueued degrades to the queue path rather than retrying.
func (s *Server) routeMessage(env *common.Envelope, raw []byte) error {
	if conn, online := s.registry.LookupMailbox(env.ReceiverMailboxID); online {
		if conn.send(raw) {
			return nil
		}
	}
	_, err := s.queue.Append(s.ctx, mailboxStream(env.ReceiverMailboxID), raw)
	return err
}

// routeInvite is the same live-or-queue path keyed by account identity,
// because the sender may not know the recipient's mailbox id yet.
func (s *Server) routeInvite(env *common.Envelope, raw []byte) error {
	identity := base64.StdEncoding.EncodeToString(env.ReceiverIdentityKey)
	if conn, online := s.registry.LookupIdentity(identity); online {
		if conn.send(raw) {
			return nil
		}
	}
	_, err := s.queue.Append(s.ctx, inviteStream(identity), raw)
	return err
}

// handleReplay answers with every queued invite and message after the
// client's watermarks, in insertion order. Whether the client processes
// the batch is not tracked here; the cursors are client-owned.
func (s *Server) handleReplay(conn *connection, identity, mailboxID string, req *common.ReplayRequest) error {
	invites, err := s.queue.Range(s.ctx, inviteStream(identity), req.InviteWatermark)
	if err != nil {
		return err
	}
	messages, err := s.queue.Range(s.ctx, mailboxStream(mailboxID), req.MessageWatermark)
	if err != nil {
		return err
	}

	batch := common.QueuedBatch{
		Type:             common.TypeQueued,
		Invites:          s.batchEntries(invites),
		Messages:         s.batchEntries(messages),
		InviteWatermark:  nextWatermark(invites, req.InviteWatermark),
		MessageWatermark: nextWatermark(messages, req.MessageWatermark),
	}
	raw, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	conn.send(raw)
	return nil
}

func (s *Server) batchEntries(entries []Entry) []common.QueuedEntry {
	out := make([]common.QueuedEntry, 0, len(entries))
	for _, e := range entries {
		var env common.Envelope
		if err := json.Unmarshal(e.Data, &env); err != nil {
			s.logger.Errorf("Skipping undecodable queued entry %d: %v", e.Index, err)
			continue
		}
		out = append(out, common.QueuedEntry{Index: e.Index, Envelope: env})
	}
	return out
}

func nextWatermark(entries []Entry, current int64) int64 {
	if len(entries) == 0 {
		return current
	}
	return entries[len(entries)-1].Index + 1
}

func (s *Server) sendError(conn *connection, msg string) {
	raw, err := json.Marshal(common.Envelope{Type: common.TypeError, Error: msg})
	if err != nil {
		return
	}
	conn.send(raw)
}

func mailboxStream(mailboxID string) string {
	return fmt.Sprintf(configs.ServerMailboxQueueKey, mailboxID)
}

func inviteStream(identity string) string {
	return fmt.Sprintf(configs.ServerInviteQueueKey, identity)
}
