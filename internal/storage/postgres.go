// Package storage persists identities, conversations, envelopes, and
// certificate records in PostgreSQL. The live-session core treats it as an
// external collaborator: every failure surfaces as a transient error for the
// caller to retry, never swallowed.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"gitlab.com/secp/services/cryptochat/internal/envelope"
	"gitlab.com/secp/services/cryptochat/internal/models"
)

var (
	// ErrUnavailable wraps every backend failure so callers can treat
	// storage trouble as one transient condition.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrNotFound marks missing rows.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists marks unique constraint violations.
	ErrAlreadyExists = errors.New("already exists")
)

const uniqueViolation = "23505"

type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func wrapErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// GetIdentity loads one identity by id.
func (s *Postgres) GetIdentity(ctx context.Context, identityID uuid.UUID) (*models.Identity, error) {
	query := `
		SELECT id, username, email, password_hash, phone_number, created_at, updated_at, last_seen_at
		FROM identities
		WHERE id = $1
	`

	var identity models.Identity
	err := s.db.QueryRowContext(ctx, query, identityID).Scan(
		&identity.ID, &identity.Username, &identity.Email, &identity.PasswordHash,
		&identity.PhoneNumber, &identity.CreatedAt, &identity.UpdatedAt, &identity.LastSeenAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get identity", err)
	}
	return &identity, nil
}

// CreateIdentity inserts a new identity row. A username collision is
// ErrAlreadyExists.
func (s *Postgres) CreateIdentity(ctx context.Context, identity *models.Identity) error {
	now := time.Now()
	identity.CreatedAt = now
	identity.UpdatedAt = now
	identity.LastSeenAt = now

	query := `
		INSERT INTO identities (id, username, email, password_hash, phone_number, created_at, updated_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		identity.ID, identity.Username, identity.Email, identity.PasswordHash,
		identity.PhoneNumber, identity.CreatedAt, identity.UpdatedAt, identity.LastSeenAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrAlreadyExists
	}
	if err != nil {
		return wrapErr("create identity", err)
	}
	return nil
}

// ListIdentities returns identities ordered by username. A non-empty search
// filters by case-insensitive username prefix.
func (s *Postgres) ListIdentities(ctx context.Context, search string, limit int) ([]*models.Identity, error) {
	query := `
		SELECT id, username, email, phone_number, created_at, updated_at, last_seen_at
		FROM identities
		WHERE ($1 = '' OR username ILIKE $1 || '%')
		ORDER BY username
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, search, limit)
	if err != nil {
		return nil, wrapErr("list identities", err)
	}
	defer rows.Close()

	var identities []*models.Identity
	for rows.Next() {
		var identity models.Identity
		err := rows.Scan(
			&identity.ID, &identity.Username, &identity.Email,
			&identity.PhoneNumber, &identity.CreatedAt, &identity.UpdatedAt, &identity.LastSeenAt,
		)
		if err != nil {
			return nil, wrapErr("scan identity", err)
		}
		identities = append(identities, &identity)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list identities", err)
	}
	return identities, nil
}

// GetIdentityByUsername loads one identity by username, password hash included
// for the login path.
func (s *Postgres) GetIdentityByUsername(ctx context.Context, username string) (*models.Identity, error) {
	query := `
		SELECT id, username, email, password_hash, phone_number, created_at, updated_at, last_seen_at
		FROM identities
		WHERE username = $1
	`

	var identity models.Identity
	err := s.db.QueryRowContext(ctx, query, username).Scan(
		&identity.ID, &identity.Username, &identity.Email, &identity.PasswordHash,
		&identity.PhoneNumber, &identity.CreatedAt, &identity.UpdatedAt, &identity.LastSeenAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get identity by username", err)
	}
	return &identity, nil
}

// UpdateLastSeen stamps an identity's last activity.
func (s *Postgres) UpdateLastSeen(ctx context.Context, identityID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE identities SET last_seen_at = $1 WHERE id = $2`, time.Now(), identityID)
	if err != nil {
		return wrapErr("update last seen", err)
	}
	return nil
}

// normalizePair orders the two participant ids so each unordered pair maps to
// exactly one row.
func normalizePair(x, y uuid.UUID) (uuid.UUID, uuid.UUID) {
	if strings.Compare(x.String(), y.String()) > 0 {
		return y, x
	}
	return x, y
}

// GetOrCreateConversation returns the single conversation for an unordered
// pair of identities, creating it if absent. Idempotent under concurrent
// callers thanks to the unique index on the normalized pair.
func (s *Postgres) GetOrCreateConversation(ctx context.Context, x, y uuid.UUID) (*models.Conversation, error) {
	a, b := normalizePair(x, y)

	insert := `
		INSERT INTO conversations (id, participant_a, participant_b, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (participant_a, participant_b) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, insert, uuid.New(), a, b, time.Now()); err != nil {
		return nil, wrapErr("create conversation", err)
	}

	query := `
		SELECT id, participant_a, participant_b, created_at, updated_at, last_message_at
		FROM conversations
		WHERE participant_a = $1 AND participant_b = $2
	`
	var conv models.Conversation
	err := s.db.QueryRowContext(ctx, query, a, b).Scan(
		&conv.ID, &conv.ParticipantA, &conv.ParticipantB,
		&conv.CreatedAt, &conv.UpdatedAt, &conv.LastMessageAt,
	)
	if err != nil {
		return nil, wrapErr("get conversation", err)
	}
	return &conv, nil
}

// GetConversation loads one conversation by id.
func (s *Postgres) GetConversation(ctx context.Context, conversationID uuid.UUID) (*models.Conversation, error) {
	query := `
		SELECT id, participant_a, participant_b, created_at, updated_at, last_message_at
		FROM conversations
		WHERE id = $1
	`

	var conv models.Conversation
	err := s.db.QueryRowContext(ctx, query, conversationID).Scan(
		&conv.ID, &conv.ParticipantA, &conv.ParticipantB,
		&conv.CreatedAt, &conv.UpdatedAt, &conv.LastMessageAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get conversation", err)
	}
	return &conv, nil
}

// ListConversations returns every conversation an identity participates in,
// most recently active first.
func (s *Postgres) ListConversations(ctx context.Context, identityID uuid.UUID) ([]*models.Conversation, error) {
	query := `
		SELECT id, participant_a, participant_b, created_at, updated_at, last_message_at
		FROM conversations
		WHERE participant_a = $1 OR participant_b = $1
		ORDER BY updated_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, identityID)
	if err != nil {
		return nil, wrapErr("list conversations", err)
	}
	defer rows.Close()

	var conversations []*models.Conversation
	for rows.Next() {
		var conv models.Conversation
		err := rows.Scan(&conv.ID, &conv.ParticipantA, &conv.ParticipantB,
			&conv.CreatedAt, &conv.UpdatedAt, &conv.LastMessageAt)
		if err != nil {
			return nil, wrapErr("scan conversation", err)
		}
		conversations = append(conversations, &conv)
	}
	return conversations, nil
}

// AppendEnvelope persists one envelope at the end of a conversation's
// sequence and bumps the conversation's activity timestamps. The envelope is
// stored exactly as received; the server never rewrites any field.
func (s *Postgres) AppendEnvelope(ctx context.Context, conversationID, senderID uuid.UUID, env *envelope.Envelope) (*models.Message, error) {
	msg := &models.Message{
		ID:                    uuid.New(),
		ConversationID:        conversationID,
		SenderID:              senderID,
		Ciphertext:            env.Ciphertext,
		Nonce:                 env.Nonce,
		Signature:             env.Signature,
		EncryptedKeySender:    env.EncryptedKeySender,
		EncryptedKeyRecipient: env.EncryptedKeyRecipient,
		CipherSuite:           string(env.CipherSuite),
		CreatedAt:             time.Now(),
	}

	query := `
		INSERT INTO messages (id, conversation_id, sender_id, ciphertext, nonce, signature,
		                      encrypted_key_sender, encrypted_key_recipient, cipher_suite, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Ciphertext, msg.Nonce, msg.Signature,
		msg.EncryptedKeySender, msg.EncryptedKeyRecipient, msg.CipherSuite, msg.CreatedAt,
	)
	if err != nil {
		return nil, wrapErr("append envelope", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = $1, last_message_at = $1 WHERE id = $2`,
		msg.CreatedAt, conversationID)
	if err != nil {
		// The envelope row is already committed; surface the stale timestamp
		// rather than hiding it.
		return nil, wrapErr("update conversation activity", err)
	}

	return msg, nil
}

// GetMessages returns a page of a conversation's envelopes in chronological
// order.
func (s *Postgres) GetMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*models.Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, ciphertext, nonce, signature,
		       encrypted_key_sender, encrypted_key_recipient, cipher_suite, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit, offset)
	if err != nil {
		return nil, wrapErr("query messages", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var msg models.Message
		err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Ciphertext,
			&msg.Nonce, &msg.Signature, &msg.EncryptedKeySender, &msg.EncryptedKeyRecipient,
			&msg.CipherSuite, &msg.CreatedAt)
		if err != nil {
			return nil, wrapErr("scan message", err)
		}
		messages = append(messages, &msg)
	}

	// Reverse the page into chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// GetCertificateRecord loads an identity's certificate lifecycle state.
func (s *Postgres) GetCertificateRecord(ctx context.Context, identityID uuid.UUID) (*models.CertificateRecord, error) {
	query := `
		SELECT identity_id, csr, certificate, certificate_status, certificate_serial,
		       certificate_expires_at, certificate_subject, updated_at
		FROM certificate_records
		WHERE identity_id = $1
	`

	var record models.CertificateRecord
	err := s.db.QueryRowContext(ctx, query, identityID).Scan(
		&record.IdentityID, &record.CSR, &record.CertificatePEM, &record.Status,
		&record.Serial, &record.ExpiresAt, &record.Subject, &record.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get certificate record", err)
	}
	return &record, nil
}

// SetCertificateRecord upserts an identity's certificate lifecycle state.
// Only explicit lifecycle transitions call this; status reads never do.
func (s *Postgres) SetCertificateRecord(ctx context.Context, record *models.CertificateRecord) error {
	query := `
		INSERT INTO certificate_records (identity_id, csr, certificate, certificate_status,
		                                 certificate_serial, certificate_expires_at, certificate_subject, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (identity_id) DO UPDATE SET
			csr = EXCLUDED.csr,
			certificate = EXCLUDED.certificate,
			certificate_status = EXCLUDED.certificate_status,
			certificate_serial = EXCLUDED.certificate_serial,
			certificate_expires_at = EXCLUDED.certificate_expires_at,
			certificate_subject = EXCLUDED.certificate_subject,
			updated_at = EXCLUDED.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		record.IdentityID, record.CSR, record.CertificatePEM, record.Status,
		record.Serial, record.ExpiresAt, record.Subject, time.Now(),
	)
	if err != nil {
		return wrapErr("set certificate record", err)
	}
	return nil
}

// SubmitCSR records a new outstanding CSR, superseding any previous one and
// moving the identity to pending. The old CSR is replaced, never mutated.
func (s *Postgres) SubmitCSR(ctx context.Context, identityID uuid.UUID, csrPEM string) error {
	record := &models.CertificateRecord{
		IdentityID: identityID,
		CSR:        &csrPEM,
		Status:     models.CertStatusPending,
	}
	return s.SetCertificateRecord(ctx, record)
}
