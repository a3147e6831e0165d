package delivery

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates payload variants on the wire.
type Kind string

const (
	KindInvitation Kind = "invitation"
	KindDirect     Kind = "direct"
)

// Payload is the closed set of things a delivery job can carry:
// *InvitationPayload or *DirectPayload.
type Payload interface {
	Kind() Kind
	isPayload()
}

// InvitationPayload carries the structured inputs the renderer turns into a message.
type InvitationPayload struct {
	InviteID     string    `json:"invite_id"`
	TenantID     string    `json:"tenant_id"`
	UserID       string    `json:"user_id"`
	QuestionID   string    `json:"question_id"`
	QuestionText string    `json:"question_text"`
	Token        string    `json:"token"`
	Channel      string    `json:"channel"`
	SentAt       time.Time `json:"sent_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// DirectPayload is a fully formed message that skips rendering.
type DirectPayload struct {
	Channel string `json:"channel"`
	To      string `json:"to"`
	Subject string `json:"subject,omitempty"`
	Text    string `json:"text"`
	HTML    string `json:"html,omitempty"`
}

func (*InvitationPayload) Kind() Kind { return KindInvitation }
func (*InvitationPayload) isPayload() {}
func (*DirectPayload) Kind() Kind     { return KindDirect }
func (*DirectPayload) isPayload()     {}

type envelope struct {
	Kind       Kind               `json:"kind"`
	Invitation *InvitationPayload `json:"invitation,omitempty"`
	Direct     *DirectPayload     `json:"direct,omitempty"`
}

// EncodePayload serializes p with its kind tag.
func EncodePayload(p Payload) ([]byte, error) {
	env := envelope{}
	switch v := p.(type) {
	case *InvitationPayload:
		env.Kind, env.Invitation = KindInvitation, v
	case *DirectPayload:
		env.Kind, env.Direct = KindDirect, v
	case nil:
		return nil, ErrNoPayload
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownPayload, p)
	}
	return json.Marshal(env)
}

// DecodePayload is the inverse of EncodePayload.
func DecodePayload(b []byte) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	switch env.Kind {
	case KindInvitation:
		if env.Invitation == nil {
			return nil, ErrNoPayload
		}
		return env.Invitation, nil
	case KindDirect:
		if env.Direct == nil {
			return nil, ErrNoPayload
		}
		return env.Direct, nil
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrUnknownPayload, env.Kind)
	}
}
