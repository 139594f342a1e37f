// Package envelope implements the hybrid-encrypted, signed wire format for
// one message. A fresh content key encrypts the plaintext with an AEAD, the
// content key is wrapped once for the sender and once for the recipient, and
// the sender signs ciphertext ∥ nonce. The relay never holds a private key;
// it validates structure and optionally the signature, nothing more.
package envelope

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrUnsupportedSuite is returned for unknown cipher suites or key
	// material that does not belong to the requested suite.
	ErrUnsupportedSuite = errors.New("unsupported cipher suite")

	// ErrSignatureInvalid is returned when the sender signature does not
	// verify. It is checked before any decryption is attempted.
	ErrSignatureInvalid = errors.New("envelope signature invalid")

	// ErrAuthenticationFailed covers every unwrap and AEAD failure with one
	// indistinguishable error so decryption cannot be used as an oracle.
	ErrAuthenticationFailed = errors.New("envelope authentication failed")

	// ErrKeyUnavailable is returned when the wrapped key for the requested
	// reader role is absent from the envelope.
	ErrKeyUnavailable = errors.New("no wrapped key for reader role")
)

// Suite identifies the AEAD and key-wrap algorithm pair of an envelope.
type Suite string

const (
	// SuiteRSA is the certificate-bound suite: RSA-OAEP(SHA-256) key wrap,
	// AES-256-GCM content encryption, RSA PKCS#1 v1.5 signatures.
	SuiteRSA Suite = "rsa-oaep-aes-256-gcm"

	// SuitePQ is the post-quantum suite: Kyber1024 KEM + XChaCha20-Poly1305
	// key wrap and content encryption, Dilithium3 signatures.
	SuitePQ Suite = "kyber1024-xchacha20-poly1305"
)

// ContentKeySize is the size of the per-message symmetric content key.
const ContentKeySize = 32

// Role selects which wrapped key an envelope reader uses.
type Role string

const (
	RoleSender    Role = "sender"
	RoleRecipient Role = "recipient"
)

// Envelope is the immutable signed, hybrid-encrypted unit of one message.
// No field is ever mutated after Seal returns.
type Envelope struct {
	Ciphertext            []byte `json:"ciphertext"`
	Nonce                 []byte `json:"nonce"`
	Signature             []byte `json:"signature"`
	EncryptedKeySender    []byte `json:"encrypted_key_sender"`
	EncryptedKeyRecipient []byte `json:"encrypted_key_recipient"`
	CipherSuite           Suite  `json:"cipher_suite"`
}

// PublicKey is one party's public material for a cipher suite: it wraps
// content keys and verifies sender signatures.
type PublicKey interface {
	Suite() Suite
	Wrap(contentKey []byte) ([]byte, error)
	Verify(message, signature []byte) bool
}

// KeyPair is one party's full material: it additionally unwraps content keys
// and signs outgoing envelopes.
type KeyPair interface {
	Suite() Suite
	Public() PublicKey
	Unwrap(wrapped []byte) ([]byte, error)
	Sign(message []byte) ([]byte, error)
}

// Seal encrypts plaintext into a new envelope. The content key and nonce are
// freshly random per message; uniqueness is probabilistic, guaranteed by the
// nonce length rather than any dedup table.
func Seal(plaintext []byte, sender KeyPair, recipient PublicKey, suite Suite) (*Envelope, error) {
	if !supported(suite) {
		return nil, ErrUnsupportedSuite
	}
	if sender == nil || recipient == nil || sender.Suite() != suite || recipient.Suite() != suite {
		return nil, ErrUnsupportedSuite
	}

	contentKey := make([]byte, ContentKeySize)
	if _, err := io.ReadFull(rand.Reader, contentKey); err != nil {
		return nil, fmt.Errorf("failed to generate content key: %w", err)
	}

	aead, err := newAEAD(suite, contentKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	signature, err := sender.Sign(signedPayload(ciphertext, nonce))
	if err != nil {
		return nil, fmt.Errorf("failed to sign envelope: %w", err)
	}

	wrappedSender, err := sender.Public().Wrap(contentKey)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap content key for sender: %w", err)
	}
	wrappedRecipient, err := recipient.Wrap(contentKey)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap content key for recipient: %w", err)
	}

	return &Envelope{
		Ciphertext:            ciphertext,
		Nonce:                 nonce,
		Signature:             signature,
		EncryptedKeySender:    wrappedSender,
		EncryptedKeyRecipient: wrappedRecipient,
		CipherSuite:           suite,
	}, nil
}

// Open verifies the sender signature, unwraps the content key for the given
// role, and decrypts. Unwrap and tag failures all surface as
// ErrAuthenticationFailed; the caller learns nothing about where decryption
// went wrong.
func Open(env *Envelope, reader KeyPair, role Role, senderKey PublicKey) ([]byte, error) {
	if env == nil || !supported(env.CipherSuite) {
		return nil, ErrUnsupportedSuite
	}
	if reader == nil || reader.Suite() != env.CipherSuite {
		return nil, ErrUnsupportedSuite
	}
	if senderKey == nil || !senderKey.Verify(signedPayload(env.Ciphertext, env.Nonce), env.Signature) {
		return nil, ErrSignatureInvalid
	}

	var wrapped []byte
	switch role {
	case RoleSender:
		wrapped = env.EncryptedKeySender
	case RoleRecipient:
		wrapped = env.EncryptedKeyRecipient
	default:
		return nil, ErrKeyUnavailable
	}
	if len(wrapped) == 0 {
		return nil, ErrKeyUnavailable
	}

	contentKey, err := reader.Unwrap(wrapped)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}

	aead, err := newAEAD(env.CipherSuite, contentKey)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, ErrAuthenticationFailed
	}

	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// ValidateForRelay checks structural well-formedness without any private key:
// all required fields present and the cipher suite recognized. The relay
// forwards the envelope opaque; it never decrypts.
func ValidateForRelay(env *Envelope) bool {
	if env == nil || !supported(env.CipherSuite) {
		return false
	}
	if len(env.Ciphertext) == 0 || len(env.Signature) == 0 {
		return false
	}
	if len(env.EncryptedKeySender) == 0 || len(env.EncryptedKeyRecipient) == 0 {
		return false
	}
	return len(env.Nonce) == nonceSize(env.CipherSuite)
}

// VerifySender checks the envelope signature against the sender's certified
// public key. Relays may use this for integrity filtering before fan-out.
func VerifySender(env *Envelope, senderKey PublicKey) bool {
	if env == nil || senderKey == nil || senderKey.Suite() != env.CipherSuite {
		return false
	}
	return senderKey.Verify(signedPayload(env.Ciphertext, env.Nonce), env.Signature)
}

func supported(suite Suite) bool {
	return suite == SuiteRSA || suite == SuitePQ
}

func signedPayload(ciphertext, nonce []byte) []byte {
	payload := make([]byte, 0, len(ciphertext)+len(nonce))
	payload = append(payload, ciphertext...)
	payload = append(payload, nonce...)
	return payload
}
