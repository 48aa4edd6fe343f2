package ca

import "crypto"

// Store keeps CA private keys out of the records depot. Keys are written
// once when a CA is generated or imported and read back for signing.
// Delete only runs when storing the CA record failed after the key was
// already written.
type Store interface {
	PutCAKey(caName string, keyPEM []byte) error
	GetCAKey(caName string) (crypto.Signer, error)
	DeleteCAKey(caName string) error
}
