package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Credentials is the reusable part of a login, sealed at rest with a key
// derived from the user's passphrase.
type Credentials struct {
	ServerURL   string `json:"serverUrl"`
	Token       string `json:"token"`
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
}

type sealedCredentials struct {
	Salt       string `json:"salt"`
	Ciphertext string `json:"ciphertext"`
}

var errBadPassphrase = errors.New("wrong passphrase or corrupted keystore")

const keystoreSaltSize = 16

func deriveKeystoreKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, chacha20poly1305.KeySize)
}

func sealCredentials(passphrase string, creds Credentials) ([]byte, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, keystoreSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("keystore salt: %w", err)
	}

	aead, err := chacha20poly1305.NewX(deriveKeystoreKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("keystore nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)

	return json.Marshal(sealedCredentials{
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	})
}

func openCredentials(passphrase string, data []byte) (*Credentials, error) {
	var stored sealedCredentials
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return nil, errBadPassphrase
	}
	sealed, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return nil, errBadPassphrase
	}

	aead, err := chacha20poly1305.NewX(deriveKeystoreKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errBadPassphrase
	}
	nonce := sealed[:aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, sealed[aead.NonceSize():], nil)
	if err != nil {
		return nil, errBadPassphrase
	}

	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, errBadPassphrase
	}
	return &creds, nil
}

func credentialsPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "shyro", "credentials.json"), nil
}

func saveCredentials(path, passphrase string, creds Credentials) error {
	data, err := sealCredentials(passphrase, creds)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func loadCredentials(path, passphrase string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return openCredentials(passphrase, data)
}
