package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// SignTypeRSA2 is the gateway name for SHA256withRSA.
const SignTypeRSA2 = "RSA2"

var ErrNoPrivateKey = errors.New("signer has no private key")

// Signer signs with our private key and verifies with the counter-party's
// public key. Either side may be nil for one-directional use.
type Signer struct {
	private *rsa.PrivateKey
	public  *rsa.PublicKey
}

// NewSigner parses the key material once. An empty string leaves that side unset.
func NewSigner(privateKey, counterpartyPublicKey string) (*Signer, error) {
	s := &Signer{}
	if privateKey != "" {
		key, err := ParsePrivateKey(privateKey)
		if err != nil {
			return nil, err
		}
		s.private = key
	}
	if counterpartyPublicKey != "" {
		key, err := ParsePublicKey(counterpartyPublicKey)
		if err != nil {
			return nil, err
		}
		s.public = key
	}
	return s, nil
}

// Sign signs every parameter except the signature itself; sign_type is
// part of the signed content.
func (s *Signer) Sign(params map[string]string) (string, error) {
	return s.SignBytes([]byte(Canonicalize(params, FieldSign)))
}

// Verify checks an inbound parameter set. Both sign and sign_type are
// excluded. A mismatch is reported as false, never as an error.
func (s *Signer) Verify(params map[string]string, signature string) bool {
	return s.VerifyBytes([]byte(Canonicalize(params, FieldSign, FieldSignType)), signature)
}

// SignBytes returns base64(RSA-SHA256-PKCS1v15(content)).
func (s *Signer) SignBytes(content []byte) (string, error) {
	if s == nil || s.private == nil {
		return "", ErrNoPrivateKey
	}
	digest := sha256.Sum256(content)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.private, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (s *Signer) VerifyBytes(content []byte, signature string) bool {
	if s == nil || s.public == nil || signature == "" {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(content)
	return rsa.VerifyPKCS1v15(s.public, crypto.SHA256, digest[:], sig) == nil
}
