package signing

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// KeyFormatError reports key material that could not be parsed.
type KeyFormatError struct {
	Kind string // "private" or "public"
	Err  error
}

func (e *KeyFormatError) Error() string {
	return fmt.Sprintf("malformed %s key: %v", e.Kind, e.Err)
}

func (e *KeyFormatError) Unwrap() error {
	return e.Err
}

// ParsePrivateKey accepts a PEM block (PKCS#1 or PKCS#8) or the bare base64
// DER string gateways hand out in their consoles.
func ParsePrivateKey(material string) (*rsa.PrivateKey, error) {
	der, err := decodeKeyMaterial(material)
	if err != nil {
		return nil, &KeyFormatError{Kind: "private", Err: err}
	}

	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, &KeyFormatError{Kind: "private", Err: err}
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, &KeyFormatError{Kind: "private", Err: errors.New("not an RSA key")}
	}
	return key, nil
}

// ParsePublicKey accepts PKIX, PKCS#1 or an X.509 certificate, PEM wrapped or
// bare base64 DER.
func ParsePublicKey(material string) (*rsa.PublicKey, error) {
	der, err := decodeKeyMaterial(material)
	if err != nil {
		return nil, &KeyFormatError{Kind: "public", Err: err}
	}

	if parsed, err := x509.ParsePKIXPublicKey(der); err == nil {
		if key, ok := parsed.(*rsa.PublicKey); ok {
			return key, nil
		}
		return nil, &KeyFormatError{Kind: "public", Err: errors.New("not an RSA key")}
	}
	if key, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return key, nil
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, &KeyFormatError{Kind: "public", Err: err}
	}
	key, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, &KeyFormatError{Kind: "public", Err: errors.New("certificate does not contain an RSA key")}
	}
	return key, nil
}

func decodeKeyMaterial(material string) ([]byte, error) {
	material = strings.TrimSpace(material)
	if material == "" {
		return nil, errors.New("empty key material")
	}
	if strings.HasPrefix(material, "-----BEGIN") {
		block, _ := pem.Decode([]byte(material))
		if block == nil {
			return nil, errors.New("failed to decode PEM block")
		}
		return block.Bytes, nil
	}
	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(material), ""))
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	return der, nil
}

// GenerateKeyPair creates an RSA key pair and returns it PEM encoded
// (PKCS#8 private key, PKIX public key).
func GenerateKeyPair(bits int) (privatePEM, publicPEM string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal public key: %w", err)
	}

	privatePEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}))
	publicPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	return privatePEM, publicPEM, nil
}
