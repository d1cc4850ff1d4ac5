package signing

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

// Key is a miner's ed25519 identity. The hex of the public key is the
// miner id on the wire, so proofs are verifiable against the id alone.
type Key struct {
	private ed25519.PrivateKey
}

func NewKey() (Key, error) {
	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Key{}, fmt.Errorf("generating key: %w", err)
	}
	return Key{private: private}, nil
}

func (k Key) PubKey() []byte {
	return k.private.Public().(ed25519.PublicKey)
}

// MinerID returns the hex form of the public key.
func (k Key) MinerID() string {
	return hex.EncodeToString(k.PubKey())
}

func (k Key) signer() crypto.Signer {
	return k.private
}

// Save writes the key to path, hex encoded, readable only by the owner.
func (k Key) Save(path string) error {
	if err := os.WriteFile(path, []byte(hex.EncodeToString(k.private)), 0o600); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	return nil
}

// LoadKey reads a key previously written by Save.
func LoadKey(path string) (Key, error) {
	raw, err := os.ReadFile(path) //#nosec G304
	if err != nil {
		return Key{}, fmt.Errorf("reading key file: %w", err)
	}
	private, err := hex.DecodeString(string(raw))
	if err != nil {
		return Key{}, fmt.Errorf("decoding key file: %w", err)
	}
	if len(private) != ed25519.PrivateKeySize {
		return Key{}, fmt.Errorf("key file holds %d bytes, want %d", len(private), ed25519.PrivateKeySize)
	}
	return Key{private: ed25519.PrivateKey(private)}, nil
}

// LoadOrCreateKey loads the key at path, creating and persisting a
// fresh one when the file does not exist yet.
func LoadOrCreateKey(path string) (Key, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		key, err := NewKey()
		if err != nil {
			return Key{}, err
		}
		if err := key.Save(path); err != nil {
			return Key{}, err
		}
		return key, nil
	}
	return LoadKey(path)
}
