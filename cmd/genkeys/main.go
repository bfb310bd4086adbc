package main

import (
	"fmt"
	"log"

	"postbox/crypto/keys"
)

// Generates an identity key pair and a prekey pair, printed in the hex
// form the client reads from its env file.
func main() {
	identity, err := keys.NewIdentityKey()
	if err != nil {
		log.Fatalf("Failed to generate identity key: %v", err)
	}
	prekey, err := keys.NewAgreementKey()
	if err != nil {
		log.Fatalf("Failed to generate prekey: %v", err)
	}

	fmt.Printf("IDENTITY_KEY=%x\n", identity.ExportPrivate())
	fmt.Printf("IDENTITY_KEY_PUBLIC=%x\n", identity.Public().Export())
	fmt.Printf("PREKEY=%x\n", prekey.ExportPrivate())
	fmt.Printf("PREKEY_PUBLIC=%x\n", prekey.Public().Export())
}
