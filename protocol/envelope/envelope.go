package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"postbox/common"
	"postbox/crypto/keys"
)

// Incoming is a decrypted envelope handed to the caller. IsVerified is
// false when the signature does not check out under the sender's identity
// key; such messages are still delivered, never dropped.
type Incoming struct {
	Envelope   *common.Envelope
	Data       SignedData
	Body       Body
	IsVerified bool
}

// Build signs the application data, encrypts the signed payload under the
// session key and wraps the ciphertext with routing metadata. Signing
// happens before encryption so the signature covers the plaintext.
func Build(idKey *keys.IdentityKey, session *keys.SessionKey, receiverMailboxID, receiverServer, epoch string, data SignedData) (*common.Envelope, error) {
	signedBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	sig, err := idKey.Sign(signedBytes)
	if err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(SignedPayload{SignedData: data, Signature: sig})
	if err != nil {
		return nil, err
	}
	ciphertext, err := session.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}

	return &common.Envelope{
		ID:                      uuid.NewString(),
		Type:                    common.TypeMessage,
		SenderIdentityKeyPublic: idKey.Public().Export(),
		ReceiverMailboxID:       receiverMailboxID,
		EncryptedPayload:        ciphertext,
		ReceiverServer:          receiverServer,
		Epoch:                   epoch,
		DontSave:                !data.Kind.Persistent(),
	}, nil
}

// Open runs the decrypt-parse-verify pipeline for one envelope. Failure at
// any stage short-circuits with a classifying error; signature failure is
// the one exception, which delivers the message flagged unverified.
// Looking up the sender's cached identity is the caller's first step.
func Open(env *common.Envelope, senderKey keys.IdentityPublicKey, session *keys.SessionKey) (*Incoming, error) {
	plaintext, err := session.Decrypt(env.EncryptedPayload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	var payload SignedPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	body, err := payload.SignedData.Decode()
	if err != nil {
		return nil, err
	}

	signedBytes, err := json.Marshal(payload.SignedData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	verified := senderKey.Verify(signedBytes, payload.Signature) == nil

	return &Incoming{
		Envelope:   env,
		Data:       payload.SignedData,
		Body:       body,
		IsVerified: verified,
	}, nil
}
