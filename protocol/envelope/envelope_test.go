package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postbox/common"
	"postbox/crypto/keys"
)

func newSession(t *testing.T) *keys.SessionKey {
	t.Helper()
	key, _, err := keys.DeriveSessionKey([]byte("test handshake output"), nil)
	require.NoError(t, err)
	return key
}

func textData(t *testing.T, text string) SignedData {
	t.Helper()
	data, err := NewSignedData(TextData{Text: text}, "")
	require.NoError(t, err)
	return data
}

func TestBuildOpenRoundTrip(t *testing.T) {
	idKey, err := keys.NewIdentityKey()
	require.NoError(t, err)
	session := newSession(t)

	env, err := Build(idKey, session, "mbx-1", "relay.example", "epoch-a", textData(t, "hi"))
	require.NoError(t, err)
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, "mbx-1", env.ReceiverMailboxID)
	assert.Equal(t, "epoch-a", env.Epoch)
	assert.False(t, env.DontSave)

	inc, err := Open(env, idKey.Public(), session)
	require.NoError(t, err)
	assert.True(t, inc.IsVerified)
	assert.Equal(t, TextData{Text: "hi"}, inc.Body)
	assert.Equal(t, KindText, inc.Data.Kind)
}

func TestOpenTamperedCiphertext(t *testing.T) {
	idKey, err := keys.NewIdentityKey()
	require.NoError(t, err)
	session := newSession(t)

	env, err := Build(idKey, session, "mbx-1", "", "e", textData(t, "hi"))
	require.NoError(t, err)

	for i := range env.EncryptedPayload {
		tampered := *env
		tampered.EncryptedPayload = make([]byte, len(env.EncryptedPayload))
		copy(tampered.EncryptedPayload, env.EncryptedPayload)
		tampered.EncryptedPayload[i] ^= 0x01

		_, err := Open(&tampered, idKey.Public(), session)
		assert.ErrorIs(t, err, ErrDecryptionFailed, "bit flip at offset %d", i)
	}
}

func TestOpenWrongSessionKey(t *testing.T) {
	idKey, err := keys.NewIdentityKey()
	require.NoError(t, err)

	env, err := Build(idKey, newSession(t), "mbx-1", "", "e", textData(t, "hi"))
	require.NoError(t, err)

	other, _, err := keys.DeriveSessionKey([]byte("some other epoch"), nil)
	require.NoError(t, err)
	_, err = Open(env, idKey.Public(), other)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

// A correctly encrypted envelope signed with the wrong identity key
// decrypts fine but arrives flagged unverified. It is still delivered.
func TestUnverifiedButDelivered(t *testing.T) {
	signingKey, err := keys.NewIdentityKey()
	require.NoError(t, err)
	claimedKey, err := keys.NewIdentityKey()
	require.NoError(t, err)
	session := newSession(t)

	env, err := Build(signingKey, session, "mbx-1", "", "e", textData(t, "spoofed"))
	require.NoError(t, err)

	inc, err := Open(env, claimedKey.Public(), session)
	require.NoError(t, err)
	assert.False(t, inc.IsVerified)
	assert.Equal(t, TextData{Text: "spoofed"}, inc.Body)
}

func TestOpenMalformedPayload(t *testing.T) {
	session := newSession(t)
	idKey, err := keys.NewIdentityKey()
	require.NoError(t, err)

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{name: "not json", plaintext: []byte("not json at all")},
		{name: "unknown kind", plaintext: []byte(`{"signed_data":{"type":"bogus","data":{}},"signature":"QUJD"}`)},
		{name: "shape mismatch", plaintext: []byte(`{"signed_data":{"type":"text","data":{"nope":1}},"signature":"QUJD"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct, err := session.Encrypt(tt.plaintext)
			require.NoError(t, err)
			env := envWithPayload(idKey, ct)
			_, err = Open(env, idKey.Public(), session)
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestCallSignalIsEphemeral(t *testing.T) {
	idKey, err := keys.NewIdentityKey()
	require.NoError(t, err)
	data, err := NewSignedData(CallSignalData{SignalType: "offer", Payload: "sdp"}, "")
	require.NoError(t, err)

	env, err := Build(idKey, newSession(t), "mbx-1", "", "e", data)
	require.NoError(t, err)
	assert.True(t, env.DontSave)
	assert.False(t, KindCallSignal.Persistent())
}

func TestGroupPayloadCarriesGroupID(t *testing.T) {
	idKey, err := keys.NewIdentityKey()
	require.NoError(t, err)
	session := newSession(t)

	data, err := NewSignedData(GroupChangeData{Action: "add", Members: []string{"carol"}}, "grp-7")
	require.NoError(t, err)
	env, err := Build(idKey, session, "mbx-1", "", "e", data)
	require.NoError(t, err)

	inc, err := Open(env, idKey.Public(), session)
	require.NoError(t, err)
	assert.Equal(t, "grp-7", inc.Data.GroupID)
	assert.Equal(t, GroupChangeData{Action: "add", Members: []string{"carol"}}, inc.Body)
}

func envWithPayload(idKey *keys.IdentityKey, ciphertext []byte) *common.Envelope {
	return &common.Envelope{
		ID:                      "test-id",
		Type:                    common.TypeMessage,
		SenderIdentityKeyPublic: idKey.Public().Export(),
		EncryptedPayload:        ciphertext,
	}
}
