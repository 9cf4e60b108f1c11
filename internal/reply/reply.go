// Package reply talks to the reply-generation service that decides what the
// automation says back to a customer.
package reply

import (
	"context"
	"regexp"
	"strings"

	"github.com/agentworkforce/chatrelay/internal/messaging"
	"github.com/agentworkforce/chatrelay/internal/session"
)

type Request struct {
	SessionKey     string             `json:"sessionKey"`
	AccountID      string             `json:"accountId,omitempty"`
	ConversationID string             `json:"conversationId"`
	ThreadKind     session.ThreadKind `json:"threadKind"`
	MessageID      string             `json:"messageId"`
	SenderID       string             `json:"senderId"`
	SenderName     string             `json:"senderName,omitempty"`
	Text           string             `json:"text"`
	// APIKey authenticates the session against the reply service.
	APIKey string `json:"-"`
}

type Link struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Thumbnail   string `json:"thumbnail,omitempty"`
}

type Reply struct {
	Text string `json:"text,omitempty"`
	Link *Link  `json:"link,omitempty"`
}

func (r Reply) Empty() bool {
	return strings.TrimSpace(r.Text) == "" && (r.Link == nil || strings.TrimSpace(r.Link.URL) == "")
}

type Generator interface {
	GenerateReply(ctx context.Context, req Request) (Reply, error)
}

type GeneratorFunc func(ctx context.Context, req Request) (Reply, error)

func (f GeneratorFunc) GenerateReply(ctx context.Context, req Request) (Reply, error) {
	return f(ctx, req)
}

var linkPattern = regexp.MustCompile(`https?://[^\s]+`)

func DetectLinks(text string) []string {
	return linkPattern.FindAllString(text, -1)
}

// Content maps a reply onto the outbound message shape. A structured link,
// or a link-only text, goes out as a link message.
func (r Reply) Content() messaging.Content {
	if r.Link != nil && strings.TrimSpace(r.Link.URL) != "" {
		return messaging.Content{
			Kind:        messaging.ContentLink,
			Text:        r.Text,
			URL:         r.Link.URL,
			Title:       r.Link.Title,
			Description: r.Link.Description,
			Thumbnail:   r.Link.Thumbnail,
		}
	}
	text := strings.TrimSpace(r.Text)
	if links := DetectLinks(text); len(links) == 1 && links[0] == text {
		return messaging.Content{Kind: messaging.ContentLink, URL: text}
	}
	return messaging.Content{Kind: messaging.ContentText, Text: r.Text}
}
