// Package trust verifies certificate issuance and lifecycle against the
// single certificate authority that roots the deployment.
package trust

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gitlab.com/secp/services/cryptochat/internal/models"
)

var (
	ErrTrustConfig      = errors.New("trust authority not configured")
	ErrNoPendingRequest = errors.New("no pending certificate request")
	ErrSignatureInvalid = errors.New("certificate is not signed by the authority")
	ErrKeyMismatch      = errors.New("certificate does not match the signing request")
	ErrAlreadyExpired   = errors.New("certificate has expired")
)

// Engine loads the CA certificate once and exposes the pure verification
// predicates used to accept certificate uploads. Every check operates on
// immutable inputs; the only state is the cached authority.
type Engine struct {
	caPath string

	// Now is the clock used for derived status reads. Tests override it.
	Now func() time.Time

	once  sync.Once
	ca    *x509.Certificate
	caPEM []byte
	caErr error
}

func NewEngine(caPath string) *Engine {
	return &Engine{
		caPath: caPath,
		Now:    time.Now,
	}
}

// Authority returns the CA certificate, loading and caching it on first use.
// There is no reload path; rotating the CA requires a restart.
func (e *Engine) Authority() (*x509.Certificate, error) {
	e.once.Do(func() {
		data, err := os.ReadFile(e.caPath)
		if err != nil {
			e.caErr = fmt.Errorf("%w: %v", ErrTrustConfig, err)
			return
		}
		cert, err := parseCertificate(data)
		if err != nil {
			e.caErr = fmt.Errorf("%w: %v", ErrTrustConfig, err)
			return
		}
		e.ca = cert
		e.caPEM = data
	})
	return e.ca, e.caErr
}

// AuthorityPEM returns the CA certificate as a PEM string for clients that
// verify other identities' certificates themselves.
func (e *Engine) AuthorityPEM() (string, error) {
	if _, err := e.Authority(); err != nil {
		return "", err
	}
	return string(e.caPEM), nil
}

// VerifySignedBy reports whether the certificate's signature verifies against
// the CA's public key. Malformed input is false, never an error, so the check
// stays a safe boolean predicate over untrusted bytes.
func VerifySignedBy(certPEM string, ca *x509.Certificate) bool {
	if ca == nil {
		return false
	}
	cert, err := parseCertificate([]byte(certPEM))
	if err != nil {
		return false
	}
	return ca.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature) == nil
}

// VerifyMatchesRequest reports whether the public key embedded in the
// certificate is byte-identical, in canonical PKIX encoding, to the public
// key in the CSR it claims to satisfy.
func VerifyMatchesRequest(csrPEM, certPEM string) bool {
	csr, err := parseCSR([]byte(csrPEM))
	if err != nil {
		return false
	}
	cert, err := parseCertificate([]byte(certPEM))
	if err != nil {
		return false
	}

	csrKey, err := x509.MarshalPKIXPublicKey(csr.PublicKey)
	if err != nil {
		return false
	}
	certKey, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return false
	}
	return string(csrKey) == string(certKey)
}

// IsExpired reports whether the certificate's notAfter has passed. The exact
// notAfter instant is still valid.
func IsExpired(cert *x509.Certificate, now time.Time) bool {
	return now.After(cert.NotAfter)
}

// Info is the parsed summary of a certificate, extracted without side effects.
type Info struct {
	Serial    string
	Subject   string
	Issuer    string
	NotBefore time.Time
	NotAfter  time.Time
}

// ExtractInfo parses a PEM certificate into its summary fields.
func ExtractInfo(certPEM string) (*Info, error) {
	cert, err := parseCertificate([]byte(certPEM))
	if err != nil {
		return nil, err
	}
	return extractInfo(cert), nil
}

func extractInfo(cert *x509.Certificate) *Info {
	return &Info{
		Serial:    fmt.Sprintf("%x", cert.SerialNumber),
		Subject:   cert.Subject.CommonName,
		Issuer:    cert.Issuer.CommonName,
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
	}
}

// PublicKeyPEM extracts the certified public key in PKIX PEM form, the
// canonical encoding clients use to wrap envelope content keys.
func PublicKeyPEM(certPEM string) (string, error) {
	cert, err := parseCertificate([]byte(certPEM))
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// UploadResult is what a successful certificate upload yields for the caller
// to persist.
type UploadResult struct {
	Status    string
	Serial    string
	Subject   string
	ExpiresAt time.Time
}

// AcceptUpload runs the full acceptance chain for one uploaded certificate:
// an outstanding CSR must exist, the CA signature must verify, the embedded
// key must match the CSR, and the certificate must not already be expired.
// On any failure the identity's stored state is untouched.
func (e *Engine) AcceptUpload(record *models.CertificateRecord, certPEM string, now time.Time) (*UploadResult, error) {
	ca, err := e.Authority()
	if err != nil {
		return nil, err
	}

	if record == nil || record.CSR == nil || *record.CSR == "" {
		return nil, ErrNoPendingRequest
	}
	if !VerifySignedBy(certPEM, ca) {
		return nil, ErrSignatureInvalid
	}
	if !VerifyMatchesRequest(*record.CSR, certPEM) {
		return nil, ErrKeyMismatch
	}

	cert, err := parseCertificate([]byte(certPEM))
	if err != nil {
		// Unreachable past the signature check, but never accept on a parse failure.
		return nil, ErrSignatureInvalid
	}
	if IsExpired(cert, now) {
		return nil, ErrAlreadyExpired
	}

	info := extractInfo(cert)
	return &UploadResult{
		Status:    models.CertStatusActive,
		Serial:    info.Serial,
		Subject:   info.Subject,
		ExpiresAt: info.NotAfter,
	}, nil
}

// DerivedStatus computes the effective lifecycle state for a read. An active
// certificate past its expiry reads as expired without writing anything back;
// a GET must never mutate the record.
func (e *Engine) DerivedStatus(record *models.CertificateRecord, now time.Time) string {
	if record == nil || record.Status == "" {
		return models.CertStatusNone
	}
	if record.Status == models.CertStatusActive && record.ExpiresAt != nil && now.After(*record.ExpiresAt) {
		return models.CertStatusExpired
	}
	return record.Status
}

func parseCertificate(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to parse PEM certificate block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

func parseCSR(data []byte) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, fmt.Errorf("failed to parse PEM certificate request block")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate request: %w", err)
	}
	return csr, nil
}
