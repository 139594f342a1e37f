// Package notify delivers out-of-band pings for recipients with no live
// connection. Notices are queued in Redis for the client to drain on its next
// connection, and an SMS nudge goes out through Twilio when the recipient has
// a phone number on file. Notice payloads never include message content.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Notice is what gets queued for an offline identity. It names the
// conversation and sender only.
type Notice struct {
	IdentityID     uuid.UUID `json:"identity_id"`
	Type           string    `json:"type"`
	ConversationID uuid.UUID `json:"conversation_id"`
	SenderID       uuid.UUID `json:"sender_id"`
	CreatedAt      time.Time `json:"created_at"`
}

type Config struct {
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
}

type Service struct {
	redis        *redis.Client
	twilioClient *twilio.RestClient
	fromNumber   string
}

// NewService builds a notifier. When Twilio credentials are absent the SMS
// path is disabled and only the Redis queue is used.
func NewService(redisClient *redis.Client, cfg Config) *Service {
	s := &Service{redis: redisClient, fromNumber: cfg.TwilioFromNumber}
	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" {
		s.twilioClient = twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.TwilioAccountSID,
			Password: cfg.TwilioAuthToken,
		})
	} else {
		log.Printf("[Notify] Twilio credentials not configured, SMS disabled")
	}
	return s
}

// QueueNotice appends a notice to the identity's Redis list so it survives
// until the client reconnects and drains it.
func (s *Service) QueueNotice(ctx context.Context, notice Notice) error {
	if s.redis == nil {
		return nil
	}
	value, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	return s.redis.RPush(ctx, noticeKey(notice.IdentityID), value).Err()
}

// DrainNotices returns and clears everything queued for the identity.
func (s *Service) DrainNotices(ctx context.Context, identityID uuid.UUID) ([]Notice, error) {
	if s.redis == nil {
		return nil, nil
	}
	key := noticeKey(identityID)
	values, err := s.redis.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	if err := s.redis.Del(ctx, key).Err(); err != nil {
		return nil, err
	}

	notices := make([]Notice, 0, len(values))
	for _, v := range values {
		var n Notice
		if err := json.Unmarshal([]byte(v), &n); err != nil {
			log.Printf("[Notify] Dropping malformed queued notice: %v", err)
			continue
		}
		notices = append(notices, n)
	}
	return notices, nil
}

// SendSMSPing sends a content-free nudge to the recipient's phone. It is a
// no-op when SMS is disabled or the identity has no phone number.
func (s *Service) SendSMSPing(toNumber string) error {
	if s.twilioClient == nil || toNumber == "" {
		return nil
	}

	body := "You have a new secure message waiting."
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(toNumber)
	params.SetFrom(s.fromNumber)
	params.SetBody(body)

	if _, err := s.twilioClient.Api.CreateMessage(params); err != nil {
		return fmt.Errorf("failed to send SMS ping: %w", err)
	}
	return nil
}

func noticeKey(identityID uuid.UUID) string {
	return "notices:" + identityID.String()
}
