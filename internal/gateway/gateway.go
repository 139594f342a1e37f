// Package gateway terminates websocket connections and dispatches client
// frames into the core: session registry for presence and rooms, envelope
// validation, storage, and room fan-out through the router. Every connection
// is authenticated before it reaches the registry.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"gitlab.com/secp/services/cryptochat/internal/envelope"
	"gitlab.com/secp/services/cryptochat/internal/models"
	"gitlab.com/secp/services/cryptochat/internal/notify"
	"gitlab.com/secp/services/cryptochat/internal/ratelimit"
	"gitlab.com/secp/services/cryptochat/internal/router"
	"gitlab.com/secp/services/cryptochat/internal/session"
	"gitlab.com/secp/services/cryptochat/internal/trust"
)

// Inbound frame types accepted from clients.
const (
	frameJoinConversation  = "join_conversation"
	frameLeaveConversation = "leave_conversation"
	frameSendEnvelope      = "send_envelope"
	frameTyping            = "typing"
	frameStopTyping        = "stop_typing"
	frameGetOnline         = "get_online_users"
)

// Store is the slice of persistence the gateway needs.
type Store interface {
	GetConversation(ctx context.Context, conversationID uuid.UUID) (*models.Conversation, error)
	AppendEnvelope(ctx context.Context, conversationID, senderID uuid.UUID, env *envelope.Envelope) (*models.Message, error)
	GetCertificateRecord(ctx context.Context, identityID uuid.UUID) (*models.CertificateRecord, error)
	GetIdentity(ctx context.Context, identityID uuid.UUID) (*models.Identity, error)
	UpdateLastSeen(ctx context.Context, identityID uuid.UUID) error
}

// Notifier handles recipients with no live connection at all.
type Notifier interface {
	QueueNotice(ctx context.Context, notice notify.Notice) error
	DrainNotices(ctx context.Context, identityID uuid.UUID) ([]notify.Notice, error)
	SendSMSPing(toNumber string) error
}

var (
	errUnknownConnection = errors.New("unknown connection")
	errSendBufferFull    = errors.New("send buffer full")

	// ErrRateLimited, ErrNotParticipant, ErrEnvelopeInvalid and
	// ErrCertificateInactive classify send rejections for both the websocket
	// and the REST send paths.
	ErrRateLimited          = errors.New("rate limit exceeded")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotParticipant       = errors.New("not a participant of this conversation")
	ErrEnvelopeInvalid      = errors.New("envelope failed validation")
	ErrCertificateInactive  = errors.New("sender certificate not active or signature invalid")
	ErrEnvelopeNotPersisted = errors.New("failed to store envelope")
)

type Gateway struct {
	registry *session.Registry
	router   *router.Router
	store    Store
	trust    *trust.Engine
	limiter  *ratelimit.Limiter
	notifier Notifier

	mu      sync.RWMutex
	clients map[string]*Client
}

// New wires a gateway. The gateway is its own router pusher, so the router
// is constructed here rather than injected.
func New(registry *session.Registry, store Store, trustEngine *trust.Engine, limiter *ratelimit.Limiter, notifier Notifier) *Gateway {
	g := &Gateway{
		registry: registry,
		store:    store,
		trust:    trustEngine,
		limiter:  limiter,
		notifier: notifier,
		clients:  make(map[string]*Client),
	}
	g.router = router.New(registry, g)
	return g
}

// Push implements router.Pusher. It never blocks: a client whose send buffer
// is full is reported unreachable instead of stalling the fan-out. The send
// happens under the read lock; disconnect closes the channel under the write
// lock, so a push can never hit a closed channel.
func (g *Gateway) Push(connectionID string, message models.WSMessage) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	client, ok := g.clients[connectionID]
	if !ok {
		return errUnknownConnection
	}

	select {
	case client.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// HandleConnection adopts an upgraded, authenticated websocket connection.
// The first connection of an identity fires identity_online exactly once,
// and any notices queued while fully offline are flushed to this connection.
func (g *Gateway) HandleConnection(conn *websocket.Conn, identity *models.Identity) {
	client := &Client{
		ID:         uuid.NewString(),
		IdentityID: identity.ID,
		Username:   identity.Username,
		gateway:    g,
		conn:       conn,
		send:       make(chan []byte, sendBufferSize),
	}

	wasFirst, err := g.registry.Register(client.ID, identity.ID)
	if err != nil {
		log.Printf("[Gateway] register %s failed: %v", client.ID, err)
		conn.Close()
		return
	}

	g.mu.Lock()
	g.clients[client.ID] = client
	g.mu.Unlock()

	go client.WritePump()
	go client.ReadPump()

	if wasFirst {
		g.router.BroadcastPresence(models.PresenceEvent{
			IdentityID: identity.ID,
			Username:   identity.Username,
		}, true, client.ID)
	}

	g.flushNotices(client)
}

// disconnect tears one connection down. The identity goes offline only when
// its last connection is gone.
func (g *Gateway) disconnect(c *Client) {
	g.mu.Lock()
	_, present := g.clients[c.ID]
	delete(g.clients, c.ID)
	if present {
		// Closed under the write lock so no in-flight Push holds the channel.
		close(c.send)
	}
	g.mu.Unlock()
	if !present {
		return
	}

	identityID, wasLast, found := g.registry.Unregister(c.ID)
	if !found {
		return
	}

	if wasLast {
		g.router.BroadcastPresence(models.PresenceEvent{
			IdentityID: identityID,
			Username:   c.Username,
		}, false, c.ID)

		if err := g.store.UpdateLastSeen(context.Background(), identityID); err != nil {
			log.Printf("[Gateway] failed to update last seen for %s: %v", identityID, err)
		}
	}
}

// handleFrame dispatches one inbound frame. Bad frames earn an error frame
// back, never a disconnect.
func (g *Gateway) handleFrame(c *Client, raw []byte) {
	var frame models.WSMessage
	if err := json.Unmarshal(raw, &frame); err != nil {
		g.sendError(c, "malformed frame")
		return
	}

	switch frame.Type {
	case frameJoinConversation:
		g.handleJoin(c, frame.Content)
	case frameLeaveConversation:
		g.handleLeave(c, frame.Content)
	case frameSendEnvelope:
		g.handleSendEnvelope(c, frame.Content)
	case frameTyping:
		g.handleTyping(c, frame.Content, true)
	case frameStopTyping:
		g.handleTyping(c, frame.Content, false)
	case frameGetOnline:
		g.handleGetOnline(c)
	default:
		g.sendError(c, "unknown frame type: "+frame.Type)
	}
}

type conversationRef struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

func (g *Gateway) handleJoin(c *Client, content interface{}) {
	var ref conversationRef
	if !decodeContent(content, &ref) {
		g.sendError(c, "join_conversation requires conversation_id")
		return
	}

	conv, err := g.store.GetConversation(context.Background(), ref.ConversationID)
	if err != nil {
		g.sendError(c, "conversation not found")
		return
	}
	if !conv.HasParticipant(c.IdentityID) {
		g.sendError(c, "not a participant of this conversation")
		return
	}

	if err := g.registry.JoinRoom(c.ID, conv.ID); err != nil {
		g.sendError(c, "not connected")
		return
	}
	g.sendAck(c, map[string]interface{}{"joined": conv.ID})
}

func (g *Gateway) handleLeave(c *Client, content interface{}) {
	var ref conversationRef
	if !decodeContent(content, &ref) {
		g.sendError(c, "leave_conversation requires conversation_id")
		return
	}
	g.registry.LeaveRoom(c.ID, ref.ConversationID)
	g.sendAck(c, map[string]interface{}{"left": ref.ConversationID})
}

type envelopeFrame struct {
	ConversationID        uuid.UUID `json:"conversation_id"`
	Ciphertext            []byte    `json:"ciphertext"`
	Nonce                 []byte    `json:"nonce"`
	Signature             []byte    `json:"signature"`
	EncryptedKeySender    []byte    `json:"encrypted_key_sender"`
	EncryptedKeyRecipient []byte    `json:"encrypted_key_recipient"`
	CipherSuite           string    `json:"cipher_suite"`
}

// handleSendEnvelope decodes the frame and runs the shared relay pipeline,
// translating rejections into error frames.
func (g *Gateway) handleSendEnvelope(c *Client, content interface{}) {
	var frame envelopeFrame
	if !decodeContent(content, &frame) {
		g.sendError(c, "malformed envelope")
		return
	}

	env := &envelope.Envelope{
		Ciphertext:            frame.Ciphertext,
		Nonce:                 frame.Nonce,
		Signature:             frame.Signature,
		EncryptedKeySender:    frame.EncryptedKeySender,
		EncryptedKeyRecipient: frame.EncryptedKeyRecipient,
		CipherSuite:           envelope.Suite(frame.CipherSuite),
	}

	msg, receipt, err := g.SendEnvelope(context.Background(), c.IdentityID, frame.ConversationID, env)
	if err != nil {
		g.sendError(c, err.Error())
		return
	}

	g.sendAck(c, map[string]interface{}{
		"message_id": msg.ID,
		"receipt":    receipt,
	})
}

// SendEnvelope is the full relay pipeline: rate limit, membership, structural
// validation, sender certificate status, signature spot-check, durable append,
// then fan-out. The envelope is persisted before any push so an offline
// recipient can always recover it. Both the websocket frame handler and the
// REST send endpoint go through here.
func (g *Gateway) SendEnvelope(ctx context.Context, senderID, conversationID uuid.UUID, env *envelope.Envelope) (*models.Message, router.DeliveryReceipt, error) {
	var receipt router.DeliveryReceipt

	if err := g.limiter.CheckEnvelopeSend(ctx, senderID.String()); err != nil {
		return nil, receipt, ErrRateLimited
	}

	conv, err := g.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, receipt, ErrConversationNotFound
	}
	if !conv.HasParticipant(senderID) {
		return nil, receipt, ErrNotParticipant
	}

	if !envelope.ValidateForRelay(env) {
		return nil, receipt, ErrEnvelopeInvalid
	}
	if !g.senderMayRelay(ctx, senderID, env) {
		return nil, receipt, ErrCertificateInactive
	}

	msg, err := g.store.AppendEnvelope(ctx, conv.ID, senderID, env)
	if err != nil {
		log.Printf("[Gateway] append envelope failed: %v", err)
		return nil, receipt, ErrEnvelopeNotPersisted
	}

	event := models.EnvelopeEvent{
		MessageID:             msg.ID,
		ConversationID:        conv.ID,
		SenderID:              senderID,
		Ciphertext:            env.Ciphertext,
		Nonce:                 env.Nonce,
		Signature:             env.Signature,
		EncryptedKeySender:    env.EncryptedKeySender,
		EncryptedKeyRecipient: env.EncryptedKeyRecipient,
		CipherSuite:           string(env.CipherSuite),
		CreatedAt:             msg.CreatedAt,
	}

	receipt = g.router.Deliver(conv, event)
	if receipt.RecipientOffline {
		g.notifyOffline(ctx, conv, senderID)
	}
	return msg, receipt, nil
}

// senderMayRelay enforces the certificate gate on the send path. The
// certificate binds an RSA key, so only the RSA suite gets a signature
// spot-check; the post-quantum suite is gated on certificate status alone.
func (g *Gateway) senderMayRelay(ctx context.Context, senderID uuid.UUID, env *envelope.Envelope) bool {
	record, err := g.store.GetCertificateRecord(ctx, senderID)
	if err != nil {
		return false
	}
	if g.trust.DerivedStatus(record, time.Now()) != models.CertStatusActive {
		return false
	}

	if env.CipherSuite != envelope.SuiteRSA {
		return true
	}

	if record.CertificatePEM == nil {
		return false
	}
	keyPEM, err := trust.PublicKeyPEM(*record.CertificatePEM)
	if err != nil {
		return false
	}
	senderKey, err := envelope.RSAPublicKeyFromPEM(keyPEM)
	if err != nil {
		return false
	}
	return envelope.VerifySender(env, senderKey)
}

// notifyOffline queues a content-free notice and fires an SMS ping when the
// recipient has a phone number on file.
func (g *Gateway) notifyOffline(ctx context.Context, conv *models.Conversation, senderID uuid.UUID) {
	recipientID := conv.OtherParticipant(senderID)

	err := g.notifier.QueueNotice(ctx, notify.Notice{
		IdentityID:     recipientID,
		Type:           models.EventOfflineNotice,
		ConversationID: conv.ID,
		SenderID:       senderID,
		CreatedAt:      time.Now(),
	})
	if err != nil {
		log.Printf("[Gateway] failed to queue notice for %s: %v", recipientID, err)
	}

	recipient, err := g.store.GetIdentity(ctx, recipientID)
	if err != nil || recipient.PhoneNumber == nil {
		return
	}
	if err := g.notifier.SendSMSPing(*recipient.PhoneNumber); err != nil {
		log.Printf("[Gateway] SMS ping to %s failed: %v", recipientID, err)
	}
}

func (g *Gateway) handleTyping(c *Client, content interface{}, started bool) {
	var ref conversationRef
	if !decodeContent(content, &ref) {
		g.sendError(c, "typing requires conversation_id")
		return
	}
	if !g.registry.InRoom(c.ID, ref.ConversationID) {
		g.sendError(c, "join the conversation first")
		return
	}
	g.router.BroadcastTyping(ref.ConversationID, c.IdentityID, started, c.ID)
}

func (g *Gateway) handleGetOnline(c *Client) {
	g.sendAck(c, map[string]interface{}{
		"online": g.registry.OnlineIdentities(),
	})
}

// flushNotices drains anything queued while the identity was fully offline.
// Notices that cannot be pushed go back on the queue; the drain must never be
// the point where a notice is lost.
func (g *Gateway) flushNotices(c *Client) {
	ctx := context.Background()

	notices, err := g.notifier.DrainNotices(ctx, c.IdentityID)
	if err != nil {
		log.Printf("[Gateway] failed to drain notices for %s: %v", c.IdentityID, err)
		return
	}

	for _, n := range notices {
		err := g.Push(c.ID, models.WSMessage{
			Type: models.EventOfflineNotice,
			Content: models.OfflineNotice{
				ConversationID: n.ConversationID,
				SenderID:       n.SenderID,
			},
		})
		if err == nil {
			continue
		}
		if qErr := g.notifier.QueueNotice(ctx, n); qErr != nil {
			log.Printf("[Gateway] notice for %s lost: push: %v, requeue: %v", c.IdentityID, err, qErr)
		}
	}
}

func (g *Gateway) sendAck(c *Client, content interface{}) {
	g.Push(c.ID, models.WSMessage{Type: models.EventAck, Content: content})
}

func (g *Gateway) sendError(c *Client, message string) {
	g.Push(c.ID, models.WSMessage{Type: models.EventError, Content: map[string]string{"message": message}})
}

// decodeContent re-marshals the loosely typed frame content into a concrete
// payload struct.
func decodeContent(content interface{}, dst interface{}) bool {
	data, err := json.Marshal(content)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}
