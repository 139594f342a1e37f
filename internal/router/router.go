// Package router fans envelopes out to the live connections of a
// conversation's room and emits content-free notices to recipients who are
// connected but not in the room. Fully offline recipients are served by
// storage on their next connect; the router does no retrying or queueing.
package router

import (
	"log"

	"github.com/google/uuid"

	"gitlab.com/secp/services/cryptochat/internal/models"
)

// Pusher delivers one frame to one connection. Implementations must not
// block on slow consumers; a failed or full connection returns an error and
// the router records it as unreachable.
type Pusher interface {
	Push(connectionID string, message models.WSMessage) error
}

// Registry is the view of live-session state the router needs. Snapshots
// only; the router never holds the registry lock across pushes.
type Registry interface {
	RoomMembers(conversationID uuid.UUID) []string
	ConnectionsFor(identityID uuid.UUID) []string
	Connections() []string
}

// DeliveryReceipt reports the outcome of one fan-out. Partial failures live
// in Unreachable; they are never an overall error.
type DeliveryReceipt struct {
	Delivered        []string `json:"delivered"`
	Unreachable      []string `json:"unreachable,omitempty"`
	Notified         []string `json:"notified,omitempty"`
	RecipientOffline bool     `json:"recipient_offline"`
}

type Router struct {
	registry Registry
	pusher   Pusher
}

func New(registry Registry, pusher Pusher) *Router {
	return &Router{registry: registry, pusher: pusher}
}

// Deliver pushes the envelope to every connection in the conversation's room,
// the sender's included so its other devices stay in sync. If the other
// participant has no connection in the room but is live elsewhere, those
// connections get an offline_notice carrying only the conversation and sender
// ids, nothing that could leak content.
func (rt *Router) Deliver(conv *models.Conversation, event models.EnvelopeEvent) DeliveryReceipt {
	receipt := DeliveryReceipt{}

	members := rt.registry.RoomMembers(conv.ID)
	memberSet := make(map[string]struct{}, len(members))
	frame := models.WSMessage{Type: models.EventNewEnvelope, Content: event}

	for _, connID := range members {
		memberSet[connID] = struct{}{}
		if err := rt.pusher.Push(connID, frame); err != nil {
			log.Printf("[Router] envelope push to %s failed: %v", connID, err)
			receipt.Unreachable = append(receipt.Unreachable, connID)
			continue
		}
		receipt.Delivered = append(receipt.Delivered, connID)
	}

	other := conv.OtherParticipant(event.SenderID)
	otherConns := rt.registry.ConnectionsFor(other)

	inRoom := false
	for _, connID := range otherConns {
		if _, ok := memberSet[connID]; ok {
			inRoom = true
			break
		}
	}

	if len(otherConns) == 0 {
		receipt.RecipientOffline = true
		return receipt
	}
	if inRoom {
		return receipt
	}

	notice := models.WSMessage{
		Type: models.EventOfflineNotice,
		Content: models.OfflineNotice{
			ConversationID: conv.ID,
			SenderID:       event.SenderID,
		},
	}
	for _, connID := range otherConns {
		if err := rt.pusher.Push(connID, notice); err != nil {
			log.Printf("[Router] notice push to %s failed: %v", connID, err)
			receipt.Unreachable = append(receipt.Unreachable, connID)
			continue
		}
		receipt.Notified = append(receipt.Notified, connID)
	}
	return receipt
}

// BroadcastTyping sends a typing indicator to everyone in the room except the
// typist's own connection. Nothing is persisted.
func (rt *Router) BroadcastTyping(conversationID, identityID uuid.UUID, started bool, skipConnectionID string) {
	eventType := models.EventTyping
	if !started {
		eventType = models.EventStoppedTyping
	}
	frame := models.WSMessage{
		Type: eventType,
		Content: models.TypingEvent{
			ConversationID: conversationID,
			IdentityID:     identityID,
		},
	}

	for _, connID := range rt.registry.RoomMembers(conversationID) {
		if connID == skipConnectionID {
			continue
		}
		if err := rt.pusher.Push(connID, frame); err != nil {
			log.Printf("[Router] typing push to %s failed: %v", connID, err)
		}
	}
}

// BroadcastPresence announces an identity's online/offline transition to every
// live connection except the one that caused it. The caller is responsible
// for firing this exactly once per transition.
func (rt *Router) BroadcastPresence(event models.PresenceEvent, online bool, skipConnectionID string) {
	eventType := models.EventIdentityOnline
	if !online {
		eventType = models.EventIdentityOffline
	}
	frame := models.WSMessage{Type: eventType, Content: event}

	for _, connID := range rt.registry.Connections() {
		if connID == skipConnectionID {
			continue
		}
		if err := rt.pusher.Push(connID, frame); err != nil {
			log.Printf("[Router] presence push to %s failed: %v", connID, err)
		}
	}
}
