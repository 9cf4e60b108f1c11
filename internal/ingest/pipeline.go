// Package ingest turns raw inbound events into stored messages, attributes
// each one to a customer, a human operator or the automation itself, and
// decides whether the automation should answer.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/chatrelay/internal/clock"
	"github.com/agentworkforce/chatrelay/internal/forward"
	"github.com/agentworkforce/chatrelay/internal/messaging"
	"github.com/agentworkforce/chatrelay/internal/metrics"
	"github.com/agentworkforce/chatrelay/internal/reply"
	"github.com/agentworkforce/chatrelay/internal/session"
	"github.com/agentworkforce/chatrelay/internal/suppression"
)

const (
	defaultDedupSize    = 4096
	defaultReplyTimeout = 30 * time.Second
	defaultForwardWait  = 10 * time.Second
)

type Attribution string

const (
	AttributedCustomer      Attribution = "customer"
	AttributedAutomation    Attribution = "automation"
	AttributedOwner         Attribution = "owner"
	AttributedStaff         Attribution = "staff"
	AttributedElevatedStaff Attribution = "elevated_staff"
)

type Action string

const (
	ActionNone            Action = "none"
	ActionDuplicate       Action = "duplicate"
	ActionSuppressed      Action = "suppressed"
	ActionReplyScheduled  Action = "reply_scheduled"
	ActionSkipSuppressed  Action = "skip_suppressed"
	ActionSkipIgnored     Action = "skip_ignored"
	ActionSkipGroup       Action = "skip_group"
	ActionSkipNoGenerator Action = "skip_no_generator"
)

type Result struct {
	Message     session.InboundMessage
	Attribution Attribution
	Action      Action
}

// Sender is the outbound half of a connection.
type Sender interface {
	Send(ctx context.Context, content messaging.Content, targetID string, kind session.ThreadKind) (string, error)
}

// Account is the per-connection context an event arrives with.
type Account struct {
	Session   session.AccountSession
	AccountID string
	Sender    Sender
}

type Options struct {
	Messages      session.MessageStore
	Staff         session.StaffDirectory
	Conversations session.ConversationPolicy
	Suppression   *suppression.Tracker
	Replies       reply.Generator
	Forwarder     forward.Forwarder
	Clock         clock.Clock
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	DedupSize     int
	ReplyTimeout  time.Duration
	// ReplyRate caps automated sends per account; zero disables the cap.
	ReplyRate  rate.Limit
	ReplyBurst int
}

type Pipeline struct {
	normalizer    *Normalizer
	messages      session.MessageStore
	staff         session.StaffDirectory
	conversations session.ConversationPolicy
	suppression   *suppression.Tracker
	replies       reply.Generator
	forwarder     forward.Forwarder
	clock         clock.Clock
	logger        *slog.Logger
	metrics       *metrics.Metrics
	tracer        trace.Tracer
	replyTimeout  time.Duration
	replyRate     rate.Limit
	replyBurst    int

	seen     *lru.Cache[string, struct{}]
	limiters sync.Map
	wg       sync.WaitGroup
}

func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.Messages == nil || opts.Suppression == nil {
		return nil, errors.New("ingest: message store and suppression tracker are required")
	}
	normalizer, err := NewNormalizer()
	if err != nil {
		return nil, err
	}
	size := opts.DedupSize
	if size <= 0 {
		size = defaultDedupSize
	}
	seen, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	replyTimeout := opts.ReplyTimeout
	if replyTimeout <= 0 {
		replyTimeout = defaultReplyTimeout
	}
	burst := opts.ReplyBurst
	if burst <= 0 {
		burst = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		normalizer:    normalizer,
		messages:      opts.Messages,
		staff:         opts.Staff,
		conversations: opts.Conversations,
		suppression:   opts.Suppression,
		replies:       opts.Replies,
		forwarder:     opts.Forwarder,
		clock:         clock.OrReal(opts.Clock),
		logger:        logger.With("component", "ingest"),
		metrics:       opts.Metrics,
		tracer:        otel.Tracer("github.com/agentworkforce/chatrelay/internal/ingest"),
		replyTimeout:  replyTimeout,
		replyRate:     opts.ReplyRate,
		replyBurst:    burst,
		seen:          seen,
	}, nil
}

// Handle processes one inbound event. Events for one account must be fed
// sequentially; the reply, if any, runs asynchronously and is bounded by
// ctx, so cancelling ctx abandons in-flight replies.
func (p *Pipeline) Handle(ctx context.Context, acct Account, raw json.RawMessage) (Result, error) {
	sessionKey := acct.Session.SessionKey
	ctx, span := p.tracer.Start(ctx, "ingest.handle", trace.WithAttributes(
		attribute.String("chatrelay.session_key", sessionKey),
	))
	defer span.End()

	msg, err := p.normalizer.Normalize(sessionKey, raw, p.clock.Now())
	if err != nil {
		p.metrics.Ingested("unsupported")
		span.SetStatus(codes.Error, "unsupported event")
		return Result{}, err
	}
	span.SetAttributes(
		attribute.String("chatrelay.conversation_id", msg.ConversationID),
		attribute.String("chatrelay.message_id", msg.MessageID),
	)
	result := Result{Message: msg, Action: ActionNone}

	if seen, _ := p.seen.ContainsOrAdd(msg.DedupKey(), struct{}{}); seen {
		p.metrics.Ingested("duplicate")
		result.Action = ActionDuplicate
		return result, nil
	}
	saved, err := p.messages.SaveInboundMessage(ctx, msg)
	switch {
	case err != nil:
		// Keep going so a storage outage does not silence the account, but
		// let a redelivery try to persist again.
		p.seen.Remove(msg.DedupKey())
		p.logger.Error("persist inbound message failed", "session_key", sessionKey, "message_id", msg.MessageID, "error", err)
		span.RecordError(err)
		p.metrics.Ingested("persist_failed")
	case !saved:
		p.metrics.Ingested("duplicate")
		result.Action = ActionDuplicate
		return result, nil
	default:
		p.metrics.Ingested("stored")
	}
	p.forward(ctx, msg)

	result.Attribution = p.attribute(ctx, msg)
	mobile := acct.Session.Priority() == session.PriorityMobile
	switch result.Attribution {
	case AttributedAutomation, AttributedElevatedStaff:
		return result, nil
	case AttributedOwner, AttributedStaff:
		if mobile {
			p.suppression.Suppress(ctx, sessionKey, msg.ConversationID, 0, string(result.Attribution))
			result.Action = ActionSuppressed
		}
		return result, nil
	}

	if msg.ThreadKind != session.ThreadUser {
		result.Action = ActionSkipGroup
		return result, nil
	}
	if p.conversations != nil {
		ignored, err := p.conversations.IsIgnored(ctx, sessionKey, msg.ConversationID)
		if err != nil {
			p.logger.Warn("ignored conversation lookup failed", "session_key", sessionKey, "error", err)
		}
		if ignored {
			result.Action = ActionSkipIgnored
			return result, nil
		}
	}
	if mobile && p.suppression.IsSuppressed(sessionKey, msg.ConversationID) {
		p.metrics.AutoReply("suppressed")
		result.Action = ActionSkipSuppressed
		return result, nil
	}
	if p.replies == nil || acct.Sender == nil {
		result.Action = ActionSkipNoGenerator
		return result, nil
	}

	p.wg.Add(1)
	go p.reply(ctx, acct, msg, mobile)
	result.Action = ActionReplyScheduled
	return result, nil
}

// Wait blocks until in-flight replies and forwards finish.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// ForgetAccount drops the rate limiter kept for accountKey.
func (p *Pipeline) ForgetAccount(accountKey string) {
	p.limiters.Delete(accountKey)
}

func (p *Pipeline) attribute(ctx context.Context, msg session.InboundMessage) Attribution {
	if msg.IsSelf {
		if p.suppression.IsAutomationEcho(msg.SessionKey, msg.ConversationID) {
			return AttributedAutomation
		}
		return AttributedOwner
	}
	if p.staff == nil || msg.SenderID == "" {
		return AttributedCustomer
	}
	member, ok, err := p.staff.FindStaff(ctx, msg.SessionKey, msg.SenderID)
	if err != nil {
		p.logger.Warn("staff lookup failed", "session_key", msg.SessionKey, "sender_id", msg.SenderID, "error", err)
		return AttributedCustomer
	}
	if !ok {
		return AttributedCustomer
	}
	if member.Elevated() {
		return AttributedElevatedStaff
	}
	return AttributedStaff
}

func (p *Pipeline) reply(ctx context.Context, acct Account, msg session.InboundMessage, mobile bool) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("auto-reply panicked", "session_key", msg.SessionKey, "panic", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, p.replyTimeout)
	defer cancel()
	ctx, span := p.tracer.Start(ctx, "ingest.reply")
	defer span.End()
	log := p.logger.With("session_key", msg.SessionKey, "conversation_id", msg.ConversationID, "message_id", msg.MessageID)

	generated, err := p.replies.GenerateReply(ctx, reply.Request{
		SessionKey:     msg.SessionKey,
		AccountID:      acct.AccountID,
		ConversationID: msg.ConversationID,
		ThreadKind:     msg.ThreadKind,
		MessageID:      msg.MessageID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Text:           msg.Text,
		APIKey:         acct.Session.APIKey,
	})
	if err != nil {
		p.metrics.AutoReply("generate_failed")
		span.RecordError(err)
		log.Warn("reply generation failed", "error", err)
		return
	}
	if generated.Empty() {
		p.metrics.AutoReply("empty")
		return
	}
	// A human may have taken over while the reply was generated.
	if mobile && p.suppression.IsSuppressed(msg.SessionKey, msg.ConversationID) {
		p.metrics.AutoReply("suppressed")
		log.Debug("reply dropped, conversation suppressed during generation")
		return
	}
	if err := p.limiter(acct.Session.AccountKey()).Wait(ctx); err != nil {
		p.metrics.AutoReply("rate_limited")
		log.Warn("reply dropped by send limiter", "error", err)
		return
	}
	p.suppression.RecordAutomatedSend(msg.SessionKey, msg.ConversationID)
	if _, err := acct.Sender.Send(ctx, generated.Content(), msg.ConversationID, msg.ThreadKind); err != nil {
		p.metrics.AutoReply("send_failed")
		span.SetStatus(codes.Error, "send failed")
		log.Warn("reply send failed", "error", err)
		return
	}
	p.metrics.AutoReply("sent")
}

func (p *Pipeline) forward(ctx context.Context, msg session.InboundMessage) {
	if p.forwarder == nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultForwardWait)
		defer cancel()
		if err := p.forwarder.Forward(fctx, msg); err != nil {
			p.logger.Warn("forward inbound message failed", "session_key", msg.SessionKey, "message_id", msg.MessageID, "error", err)
		}
	}()
}

func (p *Pipeline) limiter(accountKey string) *rate.Limiter {
	limit := p.replyRate
	if limit <= 0 {
		limit = rate.Inf
	}
	value, _ := p.limiters.LoadOrStore(accountKey, rate.NewLimiter(limit, p.replyBurst))
	return value.(*rate.Limiter)
}
