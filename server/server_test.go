package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postbox/common"
	"postbox/crypto/keys"
)

func newTestServer(t *testing.T) (*Server, *MemoryQueue) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	queue := NewMemoryQueue()
	srv := NewServer(context.Background(), NewRegistry(), queue, nil, logger, time.Minute)
	t.Cleanup(srv.cancelCtx)
	return srv, queue
}

func rawEnvelope(t *testing.T, env *common.Envelope) []byte {
	t.Helper()
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func drain(conn *connection) [][]byte {
	var out [][]byte
	for {
		select {
		case msg := <-conn.outbound:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestRouteMessageLiveDelivery(t *testing.T) {
	srv, queue := newTestServer(t)
	conn := newConnection(nil)
	require.NoError(t, srv.registry.Register("bob-id", "mbx-bob", conn))

	env := &common.Envelope{ID: "e1", Type: common.TypeMessage, ReceiverMailboxID: "mbx-bob"}
	raw := rawEnvelope(t, env)
	require.NoError(t, srv.routeMessage(env, raw))

	got := drain(conn)
	require.Len(t, got, 1)
	assert.Equal(t, raw, got[0], "raw bytes forwarded verbatim")

	entries, err := queue.Range(srv.ctx, mailboxStream("mbx-bob"), 0)
	require.NoError(t, err)
	assert.Empty(t, entries, "live delivery must not also queue")
}

func TestRouteMessageOfflineQueued(t *testing.T) {
	srv, queue := newTestServer(t)

	env := &common.Envelope{ID: "e1", Type: common.TypeMessage, ReceiverMailboxID: "mbx-bob"}
	raw := rawEnvelope(t, env)
	require.NoError(t, srv.routeMessage(env, raw))

	entries, err := queue.Range(srv.ctx, mailboxStream("mbx-bob"), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, raw, entries[0].Data)
}

func TestRouteMessageClosedConnectionDegradesToQueue(t *testing.T) {
	srv, queue := newTestServer(t)
	conn := newConnection(nil)
	require.NoError(t, srv.registry.Register("bob-id", "mbx-bob", conn))
	conn.close()

	env := &common.Envelope{ID: "e1", Type: common.TypeMessage, ReceiverMailboxID: "mbx-bob"}
	require.NoError(t, srv.routeMessage(env, rawEnvelope(t, env)))

	entries, err := queue.Range(srv.ctx, mailboxStream("mbx-bob"), 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRouteInviteKeyedByIdentity(t *testing.T) {
	srv, queue := newTestServer(t)
	idKey, err := keys.NewIdentityKey()
	require.NoError(t, err)

	env := &common.Envelope{
		ID:                  "inv1",
		Type:                common.TypeInvite,
		ReceiverIdentityKey: idKey.Public().Export(),
	}
	require.NoError(t, srv.routeInvite(env, rawEnvelope(t, env)))

	identity := identityB64(idKey)
	entries, err := queue.Range(srv.ctx, inviteStream(identity), 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestHandleReplayOrderAndWatermarks(t *testing.T) {
	srv, queue := newTestServer(t)

	for _, id := range []string{"m1", "m2", "m3"} {
		env := &common.Envelope{ID: id, Type: common.TypeMessage, ReceiverMailboxID: "mbx-bob"}
		_, err := queue.Append(srv.ctx, mailboxStream("mbx-bob"), rawEnvelope(t, env))
		require.NoError(t, err)
	}

	conn := newConnection(nil)
	req := &common.ReplayRequest{Type: common.TypeReplay, MessageWatermark: 1, InviteWatermark: 0}
	require.NoError(t, srv.handleReplay(conn, "bob-id", "mbx-bob", req))

	frames := drain(conn)
	require.Len(t, frames, 1)
	var batch common.QueuedBatch
	require.NoError(t, json.Unmarshal(frames[0], &batch))

	assert.Equal(t, common.TypeQueued, batch.Type)
	require.Len(t, batch.Messages, 2, "entries before the watermark are not re-delivered")
	assert.Equal(t, "m2", batch.Messages[0].Envelope.ID)
	assert.Equal(t, "m3", batch.Messages[1].Envelope.ID)
	assert.Equal(t, int64(1), batch.Messages[0].Index)
	assert.Equal(t, int64(3), batch.MessageWatermark)
	assert.Empty(t, batch.Invites)
	assert.Equal(t, int64(0), batch.InviteWatermark, "empty stream leaves the cursor unchanged")
}

func TestAuthSigningBytesStable(t *testing.T) {
	assert.Equal(t, []byte("mbx-1|42"), common.AuthSigningBytes("mbx-1", 42))
}

func identityB64(idKey *keys.IdentityKey) string {
	return base64.StdEncoding.EncodeToString(idKey.Public().Export())
}
