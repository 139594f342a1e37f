package envelope

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type party struct {
	pair KeyPair
	pub  PublicKey
}

func newParties(t *testing.T, suite Suite) (sender, recipient party) {
	t.Helper()

	switch suite {
	case SuiteRSA:
		s, err := GenerateRSAKeyPair()
		require.NoError(t, err)
		r, err := GenerateRSAKeyPair()
		require.NoError(t, err)
		return party{s, s.Public()}, party{r, r.Public()}
	case SuitePQ:
		s, err := GeneratePQKeyPair()
		require.NoError(t, err)
		r, err := GeneratePQKeyPair()
		require.NoError(t, err)
		return party{s, s.Public()}, party{r, r.Public()}
	default:
		t.Fatalf("unknown suite %q", suite)
		return
	}
}

func suites() []Suite {
	return []Suite{SuiteRSA, SuitePQ}
}

func TestSealOpenRoundTrip(t *testing.T) {
	for _, suite := range suites() {
		suite := suite
		t.Run(string(suite), func(t *testing.T) {
			sender, recipient := newParties(t, suite)
			plaintext := []byte("attack at dawn, but encrypted")

			env, err := Seal(plaintext, sender.pair, recipient.pub, suite)
			require.NoError(t, err)
			require.Equal(t, suite, env.CipherSuite)
			require.Len(t, env.Nonce, nonceSize(suite))

			// Recipient reads with the recipient-wrapped key.
			got, err := Open(env, recipient.pair, RoleRecipient, sender.pub)
			require.NoError(t, err)
			require.Equal(t, plaintext, got)

			// Sender re-reads its own sent message with the sender-wrapped key.
			got, err = Open(env, sender.pair, RoleSender, sender.pub)
			require.NoError(t, err)
			require.Equal(t, plaintext, got)
		})
	}
}

func TestSealRejectsUnknownSuite(t *testing.T) {
	sender, recipient := newParties(t, SuiteRSA)

	_, err := Seal([]byte("x"), sender.pair, recipient.pub, Suite("rot13-and-hope"))
	require.ErrorIs(t, err, ErrUnsupportedSuite)

	// Key material from the wrong suite is rejected the same way.
	pqSender, _ := newParties(t, SuitePQ)
	_, err = Seal([]byte("x"), pqSender.pair, recipient.pub, SuiteRSA)
	require.ErrorIs(t, err, ErrUnsupportedSuite)
}

func TestOpenTamperedEnvelope(t *testing.T) {
	for _, suite := range suites() {
		suite := suite
		t.Run(string(suite), func(t *testing.T) {
			sender, recipient := newParties(t, suite)

			env, err := Seal([]byte("original"), sender.pair, recipient.pub, suite)
			require.NoError(t, err)

			// Flip one bit of the ciphertext: the signature no longer covers it.
			tampered := cloneEnvelope(env)
			tampered.Ciphertext[0] ^= 0x01
			_, err = Open(tampered, recipient.pair, RoleRecipient, sender.pub)
			require.ErrorIs(t, err, ErrSignatureInvalid)

			// Flip one bit of the nonce: same, the signature covers it too.
			tampered = cloneEnvelope(env)
			tampered.Nonce[0] ^= 0x01
			_, err = Open(tampered, recipient.pair, RoleRecipient, sender.pub)
			require.ErrorIs(t, err, ErrSignatureInvalid)

			// Flip one bit of the signature itself.
			tampered = cloneEnvelope(env)
			tampered.Signature[0] ^= 0x01
			_, err = Open(tampered, recipient.pair, RoleRecipient, sender.pub)
			require.ErrorIs(t, err, ErrSignatureInvalid)
		})
	}
}

func TestOpenWrongReaderKey(t *testing.T) {
	for _, suite := range suites() {
		suite := suite
		t.Run(string(suite), func(t *testing.T) {
			sender, recipient := newParties(t, suite)
			eavesdropper, _ := newParties(t, suite)

			env, err := Seal([]byte("secret"), sender.pair, recipient.pub, suite)
			require.NoError(t, err)

			// A third party holds neither wrapped key; unwrap must fail with the
			// single authentication error, indistinguishable from a tag failure.
			_, err = Open(env, eavesdropper.pair, RoleRecipient, sender.pub)
			require.ErrorIs(t, err, ErrAuthenticationFailed)
		})
	}
}

func TestOpenMissingWrappedKey(t *testing.T) {
	sender, recipient := newParties(t, SuiteRSA)

	env, err := Seal([]byte("secret"), sender.pair, recipient.pub, SuiteRSA)
	require.NoError(t, err)

	stripped := cloneEnvelope(env)
	stripped.EncryptedKeyRecipient = nil
	_, err = Open(stripped, recipient.pair, RoleRecipient, sender.pub)
	require.ErrorIs(t, err, ErrKeyUnavailable)

	_, err = Open(env, recipient.pair, Role("bystander"), sender.pub)
	require.ErrorIs(t, err, ErrKeyUnavailable)
}

func TestOpenWrongSenderKey(t *testing.T) {
	sender, recipient := newParties(t, SuiteRSA)
	impostor, _ := newParties(t, SuiteRSA)

	env, err := Seal([]byte("secret"), sender.pair, recipient.pub, SuiteRSA)
	require.NoError(t, err)

	_, err = Open(env, recipient.pair, RoleRecipient, impostor.pub)
	require.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestValidateForRelay(t *testing.T) {
	sender, recipient := newParties(t, SuitePQ)

	env, err := Seal([]byte("payload"), sender.pair, recipient.pub, SuitePQ)
	require.NoError(t, err)
	require.True(t, ValidateForRelay(env))

	require.False(t, ValidateForRelay(nil))

	bad := cloneEnvelope(env)
	bad.CipherSuite = "unknown"
	require.False(t, ValidateForRelay(bad))

	bad = cloneEnvelope(env)
	bad.EncryptedKeyRecipient = nil
	require.False(t, ValidateForRelay(bad))

	bad = cloneEnvelope(env)
	bad.Nonce = bad.Nonce[:4]
	require.False(t, ValidateForRelay(bad))

	bad = cloneEnvelope(env)
	bad.Signature = nil
	require.False(t, ValidateForRelay(bad))
}

func TestVerifySender(t *testing.T) {
	sender, recipient := newParties(t, SuitePQ)
	impostor, _ := newParties(t, SuitePQ)

	env, err := Seal([]byte("payload"), sender.pair, recipient.pub, SuitePQ)
	require.NoError(t, err)

	require.True(t, VerifySender(env, sender.pub))
	require.False(t, VerifySender(env, impostor.pub))
	require.False(t, VerifySender(nil, sender.pub))
	require.False(t, VerifySender(env, nil))
}

func TestEnvelopesAreIndependent(t *testing.T) {
	sender, recipient := newParties(t, SuiteRSA)

	a, err := Seal([]byte("same plaintext"), sender.pair, recipient.pub, SuiteRSA)
	require.NoError(t, err)
	b, err := Seal([]byte("same plaintext"), sender.pair, recipient.pub, SuiteRSA)
	require.NoError(t, err)

	// Fresh content key and nonce per message: identical plaintexts must not
	// produce identical wire bytes.
	require.NotEqual(t, a.Nonce, b.Nonce)
	require.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestRSAPublicKeyFromPEM(t *testing.T) {
	_, err := RSAPublicKeyFromPEM("not pem at all")
	require.Error(t, err)
}

func cloneEnvelope(env *Envelope) *Envelope {
	clone := *env
	clone.Ciphertext = append([]byte(nil), env.Ciphertext...)
	clone.Nonce = append([]byte(nil), env.Nonce...)
	clone.Signature = append([]byte(nil), env.Signature...)
	clone.EncryptedKeySender = append([]byte(nil), env.EncryptedKeySender...)
	clone.EncryptedKeyRecipient = append([]byte(nil), env.EncryptedKeyRecipient...)
	return &clone
}
