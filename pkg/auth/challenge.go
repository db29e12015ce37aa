package auth

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/perchlabs/perch/pkg/types"
)

// MaxClockSkew bounds how far a registration timestamp may drift from
// server time in either direction.
const MaxClockSkew = 300 * time.Second

// RegistrationChallenge is what an agent signs to prove key possession
// during enrollment.
type RegistrationChallenge struct {
	AgentID   string `json:"agent_id"`
	Hostname  string `json:"hostname"`
	PublicKey string `json:"public_key"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// ChallengeMessage builds the exact byte string covered by the
// registration signature.
func ChallengeMessage(agentID string, timestamp int64) []byte {
	return []byte(fmt.Sprintf("%s:%d", agentID, timestamp))
}

// ParsePublicKeyPEM decodes a PEM-encoded RSA public key.
func ParsePublicKeyPEM(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, types.E(types.KindBadRequest, "public key is not valid PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, types.Wrap(types.KindBadRequest, "failed to parse public key", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, types.E(types.KindBadRequest, "public key is not RSA")
	}
	return rsaPub, nil
}

// VerifyChallenge checks the signature and timestamp of a registration
// challenge against the supplied public key and current time.
func VerifyChallenge(ch RegistrationChallenge, now time.Time) error {
	skew := now.Unix() - ch.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(MaxClockSkew.Seconds()) {
		return types.Ef(types.KindUnauthenticated, "challenge timestamp outside %s window", MaxClockSkew)
	}

	pub, err := ParsePublicKeyPEM(ch.PublicKey)
	if err != nil {
		return err
	}

	sig, err := base64.StdEncoding.DecodeString(ch.Signature)
	if err != nil {
		return types.Wrap(types.KindBadRequest, "signature is not valid base64", err)
	}

	digest := sha256.Sum256(ChallengeMessage(ch.AgentID, ch.Timestamp))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return types.E(types.KindUnauthenticated, "challenge signature verification failed")
	}
	return nil
}
