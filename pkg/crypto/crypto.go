// Package crypto implements the identity primitives of the samspill
// protocol: opaque symmetric key ids, host keypairs, identity wrapping and
// per-field sealing. All ids are short alphanumeric strings so they can
// travel inside message envelopes and room links.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// ErrCrypto marks malformed or incompatible key material. Callers treat it
// as a denial of the single operation, never as a session-fatal condition.
var ErrCrypto = errors.New("invalid key material")

type (
	// KeyID is an exported 256-bit AES-GCM key, encoded as an opaque id.
	KeyID string
	// PublicKeyID is an exported host public key. For hidden rooms the
	// exported bytes are additionally sealed under the room key.
	PublicKeyID string
	// ExternalID is a participant identity as visible to the host: the
	// participant's KeyID wrapped under the host's public key.
	ExternalID string
	// Digest is a deterministic password hash.
	Digest string
)

// Sealed is a symmetrically encrypted value. Envelope routing fields stay
// cleartext so relays can route without reading payloads.
type Sealed struct {
	Content string `json:"content"`
	IV      string `json:"iv"`
}

var idEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

const symmetricKeySize = 32

// GenerateSymmetricKey creates a fresh AES-256 key and returns it encoded
// as an opaque id.
func GenerateSymmetricKey() (KeyID, error) {
	raw := make([]byte, symmetricKeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generate symmetric key: %w", err)
	}
	return KeyID(idEncoding.EncodeToString(raw)), nil
}

func symmetricKeyBytes(id KeyID) ([]byte, error) {
	raw, err := idEncoding.DecodeString(string(id))
	if err != nil {
		return nil, fmt.Errorf("%w: key id is not decodable", ErrCrypto)
	}
	if len(raw) != symmetricKeySize {
		return nil, fmt.Errorf("%w: key id has wrong length %d", ErrCrypto, len(raw))
	}
	return raw, nil
}

func newGCM(id KeyID) (cipher.AEAD, error) {
	raw, err := symmetricKeyBytes(id)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return gcm, nil
}

// HostKeyPair holds the host's private key and the publishable public key
// id handed out through the signalling channel.
type HostKeyPair struct {
	Private *rsa.PrivateKey
	Public  PublicKeyID
}

// GenerateKeyPair creates the host RSA-OAEP keypair. When wrap is non-empty
// the exported public key is sealed under that room key, so a short room
// code alone is not enough to address the host (hidden rooms).
func GenerateKeyPair(wrap KeyID) (*HostKeyPair, error) {
	private, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate host keypair: %w", err)
	}
	spki, err := x509.MarshalPKIXPublicKey(&private.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	if wrap != "" {
		gcm, err := newGCM(wrap)
		if err != nil {
			return nil, err
		}
		nonce := make([]byte, gcm.NonceSize())
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return nil, fmt.Errorf("generate host keypair: %w", err)
		}
		spki = append(nonce, gcm.Seal(nil, nonce, spki, nil)...)
	}
	return &HostKeyPair{
		Private: private,
		Public:  PublicKeyID(idEncoding.EncodeToString(spki)),
	}, nil
}

// DecodePublicKey reverses GenerateKeyPair's export. roomKey must be the
// key the public key was wrapped with, or empty for visible rooms.
func DecodePublicKey(id PublicKeyID, roomKey KeyID) (*rsa.PublicKey, error) {
	spki, err := idEncoding.DecodeString(string(id))
	if err != nil {
		return nil, fmt.Errorf("%w: public key id is not decodable", ErrCrypto)
	}
	if roomKey != "" {
		gcm, err := newGCM(roomKey)
		if err != nil {
			return nil, err
		}
		if len(spki) < gcm.NonceSize() {
			return nil, fmt.Errorf("%w: wrapped public key too short", ErrCrypto)
		}
		spki, err = gcm.Open(nil, spki[:gcm.NonceSize()], spki[gcm.NonceSize():], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
		}
	}
	parsed, err := x509.ParsePKIXPublicKey(spki)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	public, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA public key", ErrCrypto)
	}
	return public, nil
}

// WrapIdentity encrypts a participant's KeyID under the host's public key.
// Only the holder of the matching private key can map the result back to
// key material. Participants wrap once per join and reuse the string, which
// is what makes the id stable for duplicate-join detection.
func WrapIdentity(keyID KeyID, hostPublic PublicKeyID, roomKey KeyID) (ExternalID, error) {
	raw, err := symmetricKeyBytes(keyID)
	if err != nil {
		return "", err
	}
	public, err := DecodePublicKey(hostPublic, roomKey)
	if err != nil {
		return "", err
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, public, raw, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return ExternalID(idEncoding.EncodeToString(wrapped)), nil
}

// UnwrapIdentity is the host-side inverse of WrapIdentity.
func UnwrapIdentity(external ExternalID, private *rsa.PrivateKey) (KeyID, error) {
	wrapped, err := idEncoding.DecodeString(string(external))
	if err != nil {
		return "", fmt.Errorf("%w: external id is not decodable", ErrCrypto)
	}
	raw, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, private, wrapped, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	if len(raw) != symmetricKeySize {
		return "", fmt.Errorf("%w: unwrapped key has wrong length %d", ErrCrypto, len(raw))
	}
	return KeyID(idEncoding.EncodeToString(raw)), nil
}

// EncryptValue seals a single value under a symmetric key. Each call uses a
// fresh nonce.
func EncryptValue(value string, key KeyID) (Sealed, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return Sealed{}, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Sealed{}, fmt.Errorf("encrypt value: %w", err)
	}
	return Sealed{
		Content: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, []byte(value), nil)),
		IV:      base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// DecryptValue opens a Sealed value.
func DecryptValue(sealed Sealed, key KeyID) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce, err := base64.StdEncoding.DecodeString(sealed.IV)
	if err != nil || len(nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("%w: bad iv", ErrCrypto)
	}
	content, err := base64.StdEncoding.DecodeString(sealed.Content)
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext encoding", ErrCrypto)
	}
	plain, err := gcm.Open(nil, nonce, content, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return string(plain), nil
}

// HashPassword derives the join password digest. It is a pure function of
// (password, host public key id): both sides must compute the identical
// digest or password checks can never succeed, so no per-side salt or nonce
// is involved. The relay only ever sees the digest.
func HashPassword(password string, hostPublic PublicKeyID) Digest {
	sum := sha256.New()
	sum.Write([]byte(hostPublic))
	sum.Write([]byte{0})
	sum.Write([]byte(password))
	return Digest(hex.EncodeToString(sum.Sum(nil)))
}
