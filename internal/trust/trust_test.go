package trust

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"gitlab.com/secp/services/cryptochat/internal/models"
)

type testCA struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
	pem  []byte
}

func newTestCA(t *testing.T, cn string) *testCA {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &testCA{
		cert: cert,
		key:  key,
		pem:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}

func (ca *testCA) issue(t *testing.T, cn string, pub *rsa.PublicKey, notBefore, notAfter time.Time) string {
	t.Helper()

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, pub, ca.key)
	require.NoError(t, err)

	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func newCSR(t *testing.T, key *rsa.PrivateKey, cn string) string {
	t.Helper()

	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: cn},
	}, key)
	require.NoError(t, err)

	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}))
}

func writeCA(t *testing.T, ca *testCA) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, ca.pem, 0o600))
	return path
}

func pendingRecord(csr string) *models.CertificateRecord {
	return &models.CertificateRecord{
		IdentityID: uuid.New(),
		CSR:        &csr,
		Status:     models.CertStatusPending,
	}
}

func TestAcceptUpload(t *testing.T) {
	ca := newTestCA(t, "Test Root CA")
	engine := NewEngine(writeCA(t, ca))

	aliceKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	csr := newCSR(t, aliceKey, "alice")

	now := time.Now()
	certPEM := ca.issue(t, "alice", &aliceKey.PublicKey, now.Add(-time.Minute), now.Add(time.Hour))

	result, err := engine.AcceptUpload(pendingRecord(csr), certPEM, now)
	require.NoError(t, err)
	require.Equal(t, models.CertStatusActive, result.Status)
	require.Equal(t, "alice", result.Subject)
	require.NotEmpty(t, result.Serial)
	require.WithinDuration(t, now.Add(time.Hour), result.ExpiresAt, 2*time.Second)
}

func TestAcceptUploadRejectsForeignAuthority(t *testing.T) {
	ca := newTestCA(t, "Test Root CA")
	rogue := newTestCA(t, "Rogue CA")
	engine := NewEngine(writeCA(t, ca))

	aliceKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	csr := newCSR(t, aliceKey, "alice")

	now := time.Now()
	// Everything else about this certificate is correct; only the issuer differs.
	certPEM := rogue.issue(t, "alice", &aliceKey.PublicKey, now.Add(-time.Minute), now.Add(time.Hour))

	_, err = engine.AcceptUpload(pendingRecord(csr), certPEM, now)
	require.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestAcceptUploadRejectsKeyMismatch(t *testing.T) {
	ca := newTestCA(t, "Test Root CA")
	engine := NewEngine(writeCA(t, ca))

	aliceKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	csr := newCSR(t, aliceKey, "alice")
	now := time.Now()
	certPEM := ca.issue(t, "alice", &otherKey.PublicKey, now.Add(-time.Minute), now.Add(time.Hour))

	record := pendingRecord(csr)
	_, err = engine.AcceptUpload(record, certPEM, now)
	require.ErrorIs(t, err, ErrKeyMismatch)

	// The failed upload must not have touched the stored state.
	require.Equal(t, models.CertStatusPending, record.Status)
	require.Nil(t, record.Serial)
}

func TestAcceptUploadRejectsExpired(t *testing.T) {
	ca := newTestCA(t, "Test Root CA")
	engine := NewEngine(writeCA(t, ca))

	aliceKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	csr := newCSR(t, aliceKey, "alice")

	now := time.Now()
	certPEM := ca.issue(t, "alice", &aliceKey.PublicKey, now.Add(-2*time.Hour), now.Add(-time.Hour))

	_, err = engine.AcceptUpload(pendingRecord(csr), certPEM, now)
	require.ErrorIs(t, err, ErrAlreadyExpired)
}

func TestAcceptUploadRequiresPendingRequest(t *testing.T) {
	ca := newTestCA(t, "Test Root CA")
	engine := NewEngine(writeCA(t, ca))

	aliceKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	now := time.Now()
	certPEM := ca.issue(t, "alice", &aliceKey.PublicKey, now.Add(-time.Minute), now.Add(time.Hour))

	_, err = engine.AcceptUpload(&models.CertificateRecord{IdentityID: uuid.New()}, certPEM, now)
	require.ErrorIs(t, err, ErrNoPendingRequest)

	_, err = engine.AcceptUpload(nil, certPEM, now)
	require.ErrorIs(t, err, ErrNoPendingRequest)
}

func TestVerifyMatchesRequest(t *testing.T) {
	ca := newTestCA(t, "Test Root CA")

	aliceKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	csr := newCSR(t, aliceKey, "alice")
	now := time.Now()

	matching := ca.issue(t, "alice", &aliceKey.PublicKey, now, now.Add(time.Hour))
	mismatched := ca.issue(t, "alice", &otherKey.PublicKey, now, now.Add(time.Hour))

	require.True(t, VerifyMatchesRequest(csr, matching))
	require.False(t, VerifyMatchesRequest(csr, mismatched))
	require.False(t, VerifyMatchesRequest("not a csr", matching))
	require.False(t, VerifyMatchesRequest(csr, "not a certificate"))
}

func TestVerifySignedByMalformedInput(t *testing.T) {
	ca := newTestCA(t, "Test Root CA")

	require.False(t, VerifySignedBy("", ca.cert))
	require.False(t, VerifySignedBy("-----BEGIN CERTIFICATE-----\ngarbage\n-----END CERTIFICATE-----", ca.cert))
	require.False(t, VerifySignedBy(string(ca.pem), nil))
}

func TestIsExpiredBoundary(t *testing.T) {
	ca := newTestCA(t, "Test Root CA")

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	notAfter := time.Now().Add(time.Hour).Truncate(time.Second)
	certPEM := ca.issue(t, "alice", &key.PublicKey, notAfter.Add(-time.Hour), notAfter)

	cert, err := parseCertificate([]byte(certPEM))
	require.NoError(t, err)

	require.False(t, IsExpired(cert, cert.NotAfter.Add(-time.Second)))
	require.False(t, IsExpired(cert, cert.NotAfter))
	require.True(t, IsExpired(cert, cert.NotAfter.Add(time.Second)))
}

func TestDerivedStatus(t *testing.T) {
	ca := newTestCA(t, "Test Root CA")
	engine := NewEngine(writeCA(t, ca))

	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	tests := []struct {
		name   string
		record *models.CertificateRecord
		want   string
	}{
		{"nil record", nil, models.CertStatusNone},
		{"empty status", &models.CertificateRecord{}, models.CertStatusNone},
		{"pending stays pending", &models.CertificateRecord{Status: models.CertStatusPending}, models.CertStatusPending},
		{"active and current", &models.CertificateRecord{Status: models.CertStatusActive, ExpiresAt: &future}, models.CertStatusActive},
		{"active past expiry reads expired", &models.CertificateRecord{Status: models.CertStatusActive, ExpiresAt: &past}, models.CertStatusExpired},
		{"revoked stays revoked", &models.CertificateRecord{Status: models.CertStatusRevoked, ExpiresAt: &past}, models.CertStatusRevoked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := engine.DerivedStatus(tt.record, now)
			require.Equal(t, tt.want, got)

			// Derived state only: the stored record is never rewritten by a read.
			if tt.record != nil && tt.record.Status == models.CertStatusActive {
				require.Equal(t, models.CertStatusActive, tt.record.Status)
			}
		})
	}
}

func TestAuthorityMissingFile(t *testing.T) {
	engine := NewEngine(filepath.Join(t.TempDir(), "missing.pem"))
	_, err := engine.Authority()
	require.ErrorIs(t, err, ErrTrustConfig)

	// The failure is cached the same way a success would be.
	_, err = engine.Authority()
	require.ErrorIs(t, err, ErrTrustConfig)
}

func TestExtractInfo(t *testing.T) {
	ca := newTestCA(t, "Test Root CA")

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	now := time.Now().Truncate(time.Second)
	certPEM := ca.issue(t, "alice", &key.PublicKey, now, now.Add(time.Hour))

	info, err := ExtractInfo(certPEM)
	require.NoError(t, err)
	require.Equal(t, "alice", info.Subject)
	require.Equal(t, "Test Root CA", info.Issuer)
	require.NotEmpty(t, info.Serial)
	require.WithinDuration(t, now.Add(time.Hour), info.NotAfter, 2*time.Second)

	_, err = ExtractInfo("junk")
	require.Error(t, err)
}

func TestPublicKeyPEMRoundTrip(t *testing.T) {
	ca := newTestCA(t, "Test Root CA")

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	now := time.Now()
	certPEM := ca.issue(t, "alice", &key.PublicKey, now, now.Add(time.Hour))

	pubPEM, err := PublicKeyPEM(certPEM)
	require.NoError(t, err)

	block, _ := pem.Decode([]byte(pubPEM))
	require.NotNil(t, block)
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	require.NoError(t, err)
	require.True(t, key.PublicKey.Equal(parsed.(*rsa.PublicKey)))
}
