package models

import (
	"time"

	"github.com/google/uuid"
)

// Certificate lifecycle states for an identity.
const (
	CertStatusNone    = "none"
	CertStatusPending = "pending"
	CertStatusActive  = "active"
	CertStatusExpired = "expired"
	CertStatusRevoked = "revoked"
)

// Identity represents an authenticated participant
type Identity struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	Email        *string   `json:"email,omitempty"`
	PasswordHash *string   `json:"-"` // Never serialize
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	PhoneNumber  *string   `json:"phone_number,omitempty"`
}

// CertificateRecord holds the certificate lifecycle state for one identity.
// Status is what was last persisted; expiry against the wall clock is
// derived on read, never written back by a read path.
type CertificateRecord struct {
	IdentityID     uuid.UUID  `json:"identity_id"`
	CSR            *string    `json:"-"` // outstanding PEM-encoded CSR, nil if none
	CertificatePEM *string    `json:"certificate,omitempty"`
	Status         string     `json:"status"` // none, pending, active, expired, revoked
	Serial         *string    `json:"serial,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Subject        *string    `json:"subject,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Conversation is the unordered pair of two identities. ParticipantA/B are
// stored in normalized order so each pair maps to at most one row.
type Conversation struct {
	ID            uuid.UUID  `json:"id"`
	ParticipantA  uuid.UUID  `json:"participant_a"`
	ParticipantB  uuid.UUID  `json:"participant_b"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// OtherParticipant returns the participant that is not the given identity.
func (c *Conversation) OtherParticipant(identityID uuid.UUID) uuid.UUID {
	if c.ParticipantA == identityID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// HasParticipant reports whether the identity is one of the two parties.
func (c *Conversation) HasParticipant(identityID uuid.UUID) bool {
	return c.ParticipantA == identityID || c.ParticipantB == identityID
}

// Message is a persisted envelope plus its conversation bookkeeping.
// The envelope fields are opaque to the server.
type Message struct {
	ID                    uuid.UUID `json:"id"`
	ConversationID        uuid.UUID `json:"conversation_id"`
	SenderID              uuid.UUID `json:"sender_id"`
	Ciphertext            []byte    `json:"ciphertext"`
	Nonce                 []byte    `json:"nonce"`
	Signature             []byte    `json:"signature"`
	EncryptedKeySender    []byte    `json:"encrypted_key_sender"`
	EncryptedKeyRecipient []byte    `json:"encrypted_key_recipient"`
	CipherSuite           string    `json:"cipher_suite"`
	CreatedAt             time.Time `json:"created_at"`
}

// Presence status
type Presence struct {
	IdentityID uuid.UUID `json:"identity_id"`
	Status     string    `json:"status"` // online, offline
	LastSeenAt time.Time `json:"last_seen_at"`
}

// WSMessage is the generic frame exchanged over a websocket connection.
type WSMessage struct {
	Type    string      `json:"type"`
	Content interface{} `json:"content,omitempty"`
}

// Event types pushed by the core to live connections.
const (
	EventIdentityOnline  = "identity_online"
	EventIdentityOffline = "identity_offline"
	EventNewEnvelope     = "new_envelope"
	EventOfflineNotice   = "offline_notice"
	EventTyping          = "user_typing"
	EventStoppedTyping   = "user_stopped_typing"
	EventError           = "error"
	EventAck             = "ack"
)

// PresenceEvent is the payload of identity_online / identity_offline.
type PresenceEvent struct {
	IdentityID uuid.UUID `json:"identity_id"`
	Username   string    `json:"username,omitempty"`
}

// EnvelopeEvent is the payload of new_envelope, broadcast to a room.
type EnvelopeEvent struct {
	MessageID      uuid.UUID `json:"message_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	SenderID       uuid.UUID `json:"sender_id"`
	Ciphertext     []byte    `json:"ciphertext"`
	Nonce          []byte    `json:"nonce"`
	Signature      []byte    `json:"signature"`
	// Both wrapped keys travel with the envelope; each reader uses its own.
	EncryptedKeySender    []byte    `json:"encrypted_key_sender"`
	EncryptedKeyRecipient []byte    `json:"encrypted_key_recipient"`
	CipherSuite           string    `json:"cipher_suite"`
	CreatedAt             time.Time `json:"created_at"`
}

// OfflineNotice carries no envelope fields so nothing about the content
// leaks to connections outside the room.
type OfflineNotice struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	SenderID       uuid.UUID `json:"sender_id"`
}

// TypingEvent is broadcast to a room without persistence.
type TypingEvent struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	IdentityID     uuid.UUID `json:"identity_id"`
}
