package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Identity holds an agent's local credentials: its RSA keypair and, once
// enrolled, the bearer token issued by the server.
type Identity struct {
	dir     string
	Private *rsa.PrivateKey
	Public  string // PEM
	Token   string // empty until registered
}

const (
	keyFile   = "client.key"
	pubFile   = "client.pub"
	tokenFile = "client_token"
)

// LoadOrCreateIdentity loads the keypair from dir, generating a 2048-bit
// RSA key on first run. Key material is written 0600 inside a 0700 dir.
func LoadOrCreateIdentity(dir string) (*Identity, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create auth dir: %w", err)
	}

	id := &Identity{dir: dir}
	keyPath := filepath.Join(dir, keyFile)

	data, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("private key %s is not valid PEM", keyPath)
		}
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		id.Private = key
	case os.IsNotExist(err):
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("failed to generate keypair: %w", err)
		}
		id.Private = key
		keyPEM := pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		})
		if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
			return nil, fmt.Errorf("failed to write private key: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&id.Private.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}
	id.Public = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	if err := os.WriteFile(filepath.Join(dir, pubFile), []byte(id.Public), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write public key: %w", err)
	}

	if tok, err := os.ReadFile(filepath.Join(dir, tokenFile)); err == nil {
		id.Token = strings.TrimSpace(string(tok))
	}
	return id, nil
}

// SignChallenge signs the registration challenge message for agentID at
// timestamp and returns the base64 signature.
func (id *Identity) SignChallenge(agentID string, timestamp int64) (string, error) {
	digest := sha256.Sum256(ChallengeMessage(agentID, timestamp))
	sig, err := rsa.SignPKCS1v15(rand.Reader, id.Private, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign challenge: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// SaveToken persists the bearer token issued at registration.
func (id *Identity) SaveToken(token string) error {
	if err := os.WriteFile(filepath.Join(id.dir, tokenFile), []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write token: %w", err)
	}
	id.Token = token
	return nil
}
