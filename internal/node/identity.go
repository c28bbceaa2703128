package node

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// KeyFile is the name of the identity key inside the storage directory.
const KeyFile = "keys/node.key"

// KeyPath returns the identity key path for a storage directory.
func KeyPath(storagePath string) string {
	return filepath.Join(storagePath, KeyFile)
}

// LoadOrCreateKey loads the identity key at keyPath, generating and saving an
// Ed25519 key when none exists.
func LoadOrCreateKey(keyPath string) (crypto.PrivKey, error) {
	if keyData, err := os.ReadFile(keyPath); err == nil {
		privKey, err := crypto.UnmarshalPrivateKey(keyData)
		if err == nil {
			log.Infof("Loaded existing node identity from %s", keyPath)
			return privKey, nil
		}
		return nil, fmt.Errorf("failed to unmarshal key %s: %w", keyPath, err)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	return generateKey(keyPath)
}

func generateKey(keyPath string) (crypto.PrivKey, error) {
	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	keyData, err := crypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	if err := os.WriteFile(keyPath, keyData, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}

	log.Infof("Generated and saved new node identity to %s", keyPath)
	return privKey, nil
}
