package envelope

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem/kyber/kyber1024"
	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	aesGCMNonceSize  = 12
	xchachaNonceSize = chacha20poly1305.NonceSizeX
	kemWrapHKDFInfo  = "cryptochat envelope key wrap v1"
)

func newAEAD(suite Suite, contentKey []byte) (cipher.AEAD, error) {
	if len(contentKey) != ContentKeySize {
		return nil, fmt.Errorf("invalid content key size: expected %d, got %d", ContentKeySize, len(contentKey))
	}
	switch suite {
	case SuiteRSA:
		block, err := aes.NewCipher(contentKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create AES cipher: %w", err)
		}
		return cipher.NewGCM(block)
	case SuitePQ:
		return chacha20poly1305.NewX(contentKey)
	default:
		return nil, ErrUnsupportedSuite
	}
}

func nonceSize(suite Suite) int {
	switch suite {
	case SuiteRSA:
		return aesGCMNonceSize
	case SuitePQ:
		return xchachaNonceSize
	default:
		return 0
	}
}

// RSA suite. One RSA key per identity serves both the OAEP key wrap and the
// PKCS#1 v1.5 signature, matching what the certificate authority certifies.

// RSAKeyPair holds a party's RSA private key for the RSA cipher suite.
type RSAKeyPair struct {
	key *rsa.PrivateKey
}

// RSAPublicKey is the public half, typically extracted from a certificate.
type RSAPublicKey struct {
	key *rsa.PublicKey
}

// NewRSAKeyPair wraps an existing RSA private key.
func NewRSAKeyPair(key *rsa.PrivateKey) *RSAKeyPair {
	return &RSAKeyPair{key: key}
}

// GenerateRSAKeyPair generates a fresh 2048-bit RSA key pair.
func GenerateRSAKeyPair() (*RSAKeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key pair: %w", err)
	}
	return &RSAKeyPair{key: key}, nil
}

// NewRSAPublicKey wraps an existing RSA public key.
func NewRSAPublicKey(key *rsa.PublicKey) *RSAPublicKey {
	return &RSAPublicKey{key: key}
}

// RSAPublicKeyFromPEM parses a PKIX PEM public key, the encoding the trust
// engine extracts from certificates.
func RSAPublicKeyFromPEM(pubPEM string) (*RSAPublicKey, error) {
	block, _ := pem.Decode([]byte(pubPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM public key block")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, not RSA", parsed)
	}
	return &RSAPublicKey{key: key}, nil
}

func (k *RSAKeyPair) Suite() Suite      { return SuiteRSA }
func (k *RSAKeyPair) Public() PublicKey { return &RSAPublicKey{key: &k.key.PublicKey} }

func (k *RSAKeyPair) Unwrap(wrapped []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha256.New(), rand.Reader, k.key, wrapped, nil)
}

func (k *RSAKeyPair) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	return rsa.SignPKCS1v15(rand.Reader, k.key, crypto.SHA256, digest[:])
}

func (p *RSAPublicKey) Suite() Suite { return SuiteRSA }

func (p *RSAPublicKey) Wrap(contentKey []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, p.key, contentKey, nil)
}

func (p *RSAPublicKey) Verify(message, signature []byte) bool {
	digest := sha256.Sum256(message)
	return rsa.VerifyPKCS1v15(p.key, crypto.SHA256, digest[:], signature) == nil
}

// Post-quantum suite: Kyber1024 for key encapsulation, Dilithium3 for
// signatures. Keys travel as packed byte slices.

const (
	kyberPublicKeySize      = kyber1024.PublicKeySize
	kyberPrivateKeySize     = kyber1024.PrivateKeySize
	kyberCiphertextSize     = kyber1024.CiphertextSize
	kyberSharedKeySize      = kyber1024.SharedKeySize
	dilithiumPublicKeySize  = mode3.PublicKeySize
	dilithiumPrivateKeySize = mode3.PrivateKeySize
	dilithiumSignatureSize  = mode3.SignatureSize
)

// PQKeyPair holds a party's Kyber and Dilithium key material.
type PQKeyPair struct {
	KyberPublic      []byte
	KyberPrivate     []byte
	DilithiumPublic  []byte
	DilithiumPrivate []byte
}

// PQPublicKey is the public half of a PQKeyPair.
type PQPublicKey struct {
	Kyber     []byte
	Dilithium []byte
}

// GeneratePQKeyPair generates fresh Kyber1024 and Dilithium3 key pairs.
func GeneratePQKeyPair() (*PQKeyPair, error) {
	kemPub, kemPriv, err := kyber1024.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Kyber key pair: %w", err)
	}
	sigPub, sigPriv, err := mode3.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Dilithium key pair: %w", err)
	}

	kemPubBytes := make([]byte, kyberPublicKeySize)
	kemPrivBytes := make([]byte, kyberPrivateKeySize)
	kemPub.Pack(kemPubBytes)
	kemPriv.Pack(kemPrivBytes)

	return &PQKeyPair{
		KyberPublic:      kemPubBytes,
		KyberPrivate:     kemPrivBytes,
		DilithiumPublic:  sigPub.Bytes(),
		DilithiumPrivate: sigPriv.Bytes(),
	}, nil
}

func (k *PQKeyPair) Suite() Suite { return SuitePQ }

func (k *PQKeyPair) Public() PublicKey {
	return &PQPublicKey{Kyber: k.KyberPublic, Dilithium: k.DilithiumPublic}
}

// Unwrap decapsulates the KEM ciphertext, derives the wrap key, and opens the
// sealed content key. wrapped = kemCiphertext ∥ nonce ∥ sealedKey.
func (k *PQKeyPair) Unwrap(wrapped []byte) ([]byte, error) {
	if len(k.KyberPrivate) != kyberPrivateKeySize {
		return nil, fmt.Errorf("invalid Kyber private key size: expected %d, got %d", kyberPrivateKeySize, len(k.KyberPrivate))
	}
	if len(wrapped) <= kyberCiphertextSize+xchachaNonceSize {
		return nil, fmt.Errorf("wrapped key too short")
	}

	kemCiphertext := wrapped[:kyberCiphertextSize]
	nonce := wrapped[kyberCiphertextSize : kyberCiphertextSize+xchachaNonceSize]
	sealed := wrapped[kyberCiphertextSize+xchachaNonceSize:]

	var priv kyber1024.PrivateKey
	priv.Unpack(k.KyberPrivate)

	shared := make([]byte, kyberSharedKeySize)
	priv.DecapsulateTo(shared, kemCiphertext)

	wrapKey, err := deriveWrapKey(shared)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(wrapKey)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, sealed, nil)
}

func (k *PQKeyPair) Sign(message []byte) ([]byte, error) {
	if len(k.DilithiumPrivate) != dilithiumPrivateKeySize {
		return nil, fmt.Errorf("invalid Dilithium private key size: expected %d, got %d", dilithiumPrivateKeySize, len(k.DilithiumPrivate))
	}

	var priv mode3.PrivateKey
	var privArray [mode3.PrivateKeySize]byte
	copy(privArray[:], k.DilithiumPrivate)
	priv.Unpack(&privArray)

	signature := make([]byte, dilithiumSignatureSize)
	mode3.SignTo(&priv, message, signature)
	return signature, nil
}

func (p *PQPublicKey) Suite() Suite { return SuitePQ }

// Wrap encapsulates to the recipient's Kyber key and seals the content key
// under the derived shared secret.
func (p *PQPublicKey) Wrap(contentKey []byte) ([]byte, error) {
	if len(p.Kyber) != kyberPublicKeySize {
		return nil, fmt.Errorf("invalid Kyber public key size: expected %d, got %d", kyberPublicKeySize, len(p.Kyber))
	}

	var pub kyber1024.PublicKey
	pub.Unpack(p.Kyber)

	kemCiphertext := make([]byte, kyberCiphertextSize)
	shared := make([]byte, kyberSharedKeySize)
	pub.EncapsulateTo(kemCiphertext, shared, nil)

	wrapKey, err := deriveWrapKey(shared)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(wrapKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, xchachaNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate wrap nonce: %w", err)
	}

	wrapped := make([]byte, 0, kyberCiphertextSize+xchachaNonceSize+len(contentKey)+aead.Overhead())
	wrapped = append(wrapped, kemCiphertext...)
	wrapped = append(wrapped, nonce...)
	wrapped = aead.Seal(wrapped, nonce, contentKey, nil)
	return wrapped, nil
}

func (p *PQPublicKey) Verify(message, signature []byte) bool {
	if len(p.Dilithium) != dilithiumPublicKeySize || len(signature) != dilithiumSignatureSize {
		return false
	}

	var pub mode3.PublicKey
	var pubArray [mode3.PublicKeySize]byte
	copy(pubArray[:], p.Dilithium)
	pub.Unpack(&pubArray)

	return mode3.Verify(&pub, message, signature)
}

// deriveWrapKey derives the key-wrap key from a KEM shared secret with
// HKDF-SHA256 for domain separation.
func deriveWrapKey(shared []byte) ([]byte, error) {
	wrapKey := make([]byte, ContentKeySize)
	kdf := hkdf.New(sha256.New, shared, nil, []byte(kemWrapHKDFInfo))
	if _, err := io.ReadFull(kdf, wrapKey); err != nil {
		return nil, fmt.Errorf("failed to derive wrap key: %w", err)
	}
	return wrapKey, nil
}
