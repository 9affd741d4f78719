// Package sign holds the agent's Ed25519 identity. Signing is pure: no
// network, no file access once a Signer is constructed.
package sign

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	coreerrors "github.com/davidahmann/agentgate/core/errors"
)

const AlgEd25519 = "ed25519"

type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// Signer signs canonical request bytes with a single agent key. The private
// half never leaves the struct: String and LogValue expose only the key id.
type Signer struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	keyID   string
}

// NewSigner validates that public, when given, is the key derived from
// private. A nil public key is derived.
func NewSigner(private ed25519.PrivateKey, public ed25519.PublicKey) (*Signer, error) {
	if len(private) != ed25519.PrivateKeySize {
		return nil, coreerrors.Configuration("invalid_private_key", "invalid private key length: %d", len(private))
	}
	derived := private.Public().(ed25519.PublicKey)
	if public != nil {
		if len(public) != ed25519.PublicKeySize {
			return nil, coreerrors.Configuration("invalid_public_key", "invalid public key length: %d", len(public))
		}
		if !public.Equal(derived) {
			return nil, coreerrors.Configuration("key_mismatch", "public key does not match private key")
		}
	}
	privateCopy := make(ed25519.PrivateKey, len(private))
	copy(privateCopy, private)
	publicCopy := make(ed25519.PublicKey, len(derived))
	copy(publicCopy, derived)
	return &Signer{private: privateCopy, public: publicCopy, keyID: KeyID(publicCopy)}, nil
}

func NewSignerFromKeyPair(kp KeyPair) (*Signer, error) {
	return NewSigner(kp.Private, kp.Public)
}

// Sign returns the raw 64-byte Ed25519 signature over data.
func (s *Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.private, data)
}

func (s *Signer) PublicKey() ed25519.PublicKey {
	out := make(ed25519.PublicKey, len(s.public))
	copy(out, s.public)
	return out
}

func (s *Signer) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(s.public)
}

func (s *Signer) KeyID() string {
	return s.keyID
}

func (s *Signer) String() string {
	return AlgEd25519 + ":" + s.keyID[:16]
}

func (s *Signer) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("alg", AlgEd25519),
		slog.String("key_id", s.keyID),
	)
}

// Verify reports whether sig is a valid signature of data by pub.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// EncodePrivateKeyBase64 returns the 32-byte seed form, the shortest
// encoding ParsePrivateKeyBase64 accepts.
func EncodePrivateKeyBase64(priv ed25519.PrivateKey) string {
	return base64.StdEncoding.EncodeToString(priv.Seed())
}

func EncodePublicKeyBase64(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

func LoadPrivateKeyBase64(path string) (ed25519.PrivateKey, error) {
	// #nosec G304 -- caller supplies local key path by design
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return ParsePrivateKeyBase64(string(bytes.TrimSpace(b)))
}

func LoadPublicKeyBase64(path string) (ed25519.PublicKey, error) {
	// #nosec G304 -- caller supplies local key path by design
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return ParsePublicKeyBase64(string(bytes.TrimSpace(b)))
}

// ParsePrivateKeyBase64 accepts either a 32-byte seed or a full 64-byte
// private key.
func ParsePrivateKeyBase64(encoded string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("invalid private key length: %d", len(raw))
	}
}

func ParsePublicKeyBase64(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if l := len(raw); l != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length: %d", l)
	}
	return ed25519.PublicKey(raw), nil
}
