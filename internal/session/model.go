package session

import (
	"encoding/json"
	"strings"
	"time"
)

type ChatbotPriority string

const (
	// PriorityMobile lets human activity on the account mute the bot.
	PriorityMobile ChatbotPriority = "mobile"
	// PriorityChatbot keeps the bot replying regardless of human activity.
	PriorityChatbot ChatbotPriority = "chatbot"
)

func ParseChatbotPriority(raw string) ChatbotPriority {
	switch ChatbotPriority(strings.ToLower(strings.TrimSpace(raw))) {
	case PriorityChatbot:
		return PriorityChatbot
	default:
		return PriorityMobile
	}
}

const RoleAdmin = "admin"

const DefaultStopMinutes = 10

type ThreadKind string

const (
	ThreadUser  ThreadKind = "user"
	ThreadGroup ThreadKind = "group"
)

// AccountSession holds one external account's credentials and runtime policy.
type AccountSession struct {
	SessionKey      string          `json:"sessionKey"`
	AccountID       string          `json:"accountId,omitempty"`
	Credentials     json.RawMessage `json:"credentials,omitempty"`
	DeviceID        string          `json:"deviceId,omitempty"`
	UserAgent       string          `json:"userAgent,omitempty"`
	Locale          string          `json:"locale,omitempty"`
	APIKey          string          `json:"apiKey,omitempty"`
	ChatbotPriority ChatbotPriority `json:"chatbotPriority,omitempty"`
	Active          bool            `json:"active"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// AccountKey is the ownership unit: the external account id once known,
// the session key before the first login.
func (s AccountSession) AccountKey() string {
	if id := strings.TrimSpace(s.AccountID); id != "" {
		return id
	}
	return strings.TrimSpace(s.SessionKey)
}

func (s AccountSession) Priority() ChatbotPriority {
	return ParseChatbotPriority(string(s.ChatbotPriority))
}

type StaffMember struct {
	UID         string   `json:"uid"`
	Name        string   `json:"name"`
	Role        string   `json:"role"`
	SessionKeys []string `json:"sessionKeys,omitempty"`
	Active      bool     `json:"active"`
}

// Elevated staff can speak in a conversation without muting the bot.
func (m StaffMember) Elevated() bool {
	return strings.EqualFold(strings.TrimSpace(m.Role), RoleAdmin)
}

// AppliesTo reports whether the staff record covers sessionKey. An empty
// key list covers every session.
func (m StaffMember) AppliesTo(sessionKey string) bool {
	if !m.Active {
		return false
	}
	if len(m.SessionKeys) == 0 {
		return true
	}
	for _, key := range m.SessionKeys {
		if key == sessionKey {
			return true
		}
	}
	return false
}

type BotConfig struct {
	SessionKey  string `json:"sessionKey"`
	StopMinutes int    `json:"stopMinutes"`
}

func (c BotConfig) Window() time.Duration {
	if c.StopMinutes <= 0 {
		return 0
	}
	return time.Duration(c.StopMinutes) * time.Minute
}

// InboundMessage is a normalized inbound text event.
type InboundMessage struct {
	SessionKey     string          `json:"sessionKey"`
	MessageID      string          `json:"messageId"`
	ConversationID string          `json:"conversationId"`
	ThreadKind     ThreadKind      `json:"threadKind"`
	SenderID       string          `json:"senderId"`
	SenderName     string          `json:"senderName,omitempty"`
	Text           string          `json:"text"`
	IsSelf         bool            `json:"isSelf"`
	SentAt         time.Time       `json:"sentAt"`
	ReceivedAt     time.Time       `json:"receivedAt"`
	Raw            json.RawMessage `json:"raw,omitempty"`
}

func (m InboundMessage) DedupKey() string {
	return m.SessionKey + "|" + m.MessageID
}
