package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

const defaultMaxStoredMessages = 5000

type persistedState struct {
	Sessions   []AccountSession    `json:"sessions"`
	Staff      []StaffMember       `json:"staff,omitempty"`
	BotConfigs []BotConfig         `json:"botConfigs,omitempty"`
	Ignored    map[string][]string `json:"ignoredConversations,omitempty"`
	Messages   []InboundMessage    `json:"messages,omitempty"`
}

type MemoryStoreOptions struct {
	MaxStoredMessages int
	Now               func() time.Time
}

// MemoryStore keeps everything in process. It backs tests, single-node
// development and the JSON file store.
type MemoryStore struct {
	mu           sync.RWMutex
	sessions     map[string]AccountSession
	staff        map[string]StaffMember
	botConfigs   map[string]BotConfig
	ignored      map[string]map[string]struct{}
	messages     []InboundMessage
	messageIndex map[string]struct{}
	maxMessages  int
	now          func() time.Time

	// onWrite runs under the write lock after every successful mutation.
	onWrite func(*persistedState) error
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithOptions(MemoryStoreOptions{})
}

func NewMemoryStoreWithOptions(opts MemoryStoreOptions) *MemoryStore {
	maxMessages := opts.MaxStoredMessages
	if maxMessages <= 0 {
		maxMessages = defaultMaxStoredMessages
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		sessions:     map[string]AccountSession{},
		staff:        map[string]StaffMember{},
		botConfigs:   map[string]BotConfig{},
		ignored:      map[string]map[string]struct{}{},
		messageIndex: map[string]struct{}{},
		maxMessages:  maxMessages,
		now:          now,
	}
}

func (s *MemoryStore) ListActiveSessions(_ context.Context) ([]AccountSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AccountSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.Active {
			out = append(out, cloneSession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionKey < out[j].SessionKey })
	return out, nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionKey string) (AccountSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[strings.TrimSpace(sessionKey)]
	if !ok {
		return AccountSession{}, ErrNotFound
	}
	return cloneSession(sess), nil
}

func (s *MemoryStore) SetAccountID(_ context.Context, sessionKey, accountID string) error {
	sessionKey = strings.TrimSpace(sessionKey)
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey]
	if !ok {
		return ErrNotFound
	}
	if sess.AccountID == accountID {
		return nil
	}
	if sess.AccountID != "" {
		return ErrAccountBound
	}
	sess.AccountID = accountID
	sess.UpdatedAt = s.now()
	s.sessions[sessionKey] = sess
	return s.commitLocked()
}

func (s *MemoryStore) Deactivate(_ context.Context, sessionKey string) error {
	sessionKey = strings.TrimSpace(sessionKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey]
	if !ok {
		return ErrNotFound
	}
	if !sess.Active {
		return nil
	}
	sess.Active = false
	sess.UpdatedAt = s.now()
	s.sessions[sessionKey] = sess
	return s.commitLocked()
}

func (s *MemoryStore) SuppressionWindow(_ context.Context, sessionKey string) (time.Duration, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.botConfigs[strings.TrimSpace(sessionKey)]
	if !ok || cfg.Window() <= 0 {
		return 0, false, nil
	}
	return cfg.Window(), true, nil
}

func (s *MemoryStore) SaveInboundMessage(_ context.Context, msg InboundMessage) (bool, error) {
	if strings.TrimSpace(msg.SessionKey) == "" || strings.TrimSpace(msg.MessageID) == "" {
		return false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := msg.DedupKey()
	if _, dup := s.messageIndex[key]; dup {
		return false, nil
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = s.now()
	}
	s.messageIndex[key] = struct{}{}
	s.messages = append(s.messages, msg)
	if overflow := len(s.messages) - s.maxMessages; overflow > 0 {
		for _, evicted := range s.messages[:overflow] {
			delete(s.messageIndex, evicted.DedupKey())
		}
		s.messages = append([]InboundMessage(nil), s.messages[overflow:]...)
	}
	return true, s.commitLocked()
}

// Messages returns stored messages for sessionKey, oldest first.
func (s *MemoryStore) Messages(sessionKey string) []InboundMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]InboundMessage, 0)
	for _, msg := range s.messages {
		if msg.SessionKey == sessionKey {
			out = append(out, msg)
		}
	}
	return out
}

func (s *MemoryStore) FindStaff(_ context.Context, sessionKey, uid string) (StaffMember, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	member, ok := s.staff[strings.TrimSpace(uid)]
	if !ok || !member.AppliesTo(sessionKey) {
		return StaffMember{}, false, nil
	}
	member.SessionKeys = append([]string(nil), member.SessionKeys...)
	return member, true, nil
}

func (s *MemoryStore) IsIgnored(_ context.Context, sessionKey, conversationID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ignored[sessionKey][conversationID]
	return ok, nil
}

func (s *MemoryStore) UpsertSession(_ context.Context, sess AccountSession) error {
	sess.SessionKey = strings.TrimSpace(sess.SessionKey)
	if sess.SessionKey == "" {
		return ErrInvalidInput
	}
	sess.ChatbotPriority = sess.Priority()
	sess.UpdatedAt = s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.SessionKey] = cloneSession(sess)
	return s.commitLocked()
}

func (s *MemoryStore) UpsertStaff(_ context.Context, member StaffMember) error {
	member.UID = strings.TrimSpace(member.UID)
	if member.UID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	member.SessionKeys = append([]string(nil), member.SessionKeys...)
	s.staff[member.UID] = member
	return s.commitLocked()
}

func (s *MemoryStore) SetBotConfig(_ context.Context, cfg BotConfig) error {
	cfg.SessionKey = strings.TrimSpace(cfg.SessionKey)
	if cfg.SessionKey == "" || cfg.StopMinutes < 0 {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.botConfigs[cfg.SessionKey] = cfg
	return s.commitLocked()
}

func (s *MemoryStore) IgnoreConversation(_ context.Context, sessionKey, conversationID string) error {
	if strings.TrimSpace(sessionKey) == "" || strings.TrimSpace(conversationID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.ignored[sessionKey]
	if !ok {
		set = map[string]struct{}{}
		s.ignored[sessionKey] = set
	}
	set[conversationID] = struct{}{}
	return s.commitLocked()
}

func (s *MemoryStore) UnignoreConversation(_ context.Context, sessionKey, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.ignored[sessionKey]; ok {
		delete(set, conversationID)
		if len(set) == 0 {
			delete(s.ignored, sessionKey)
		}
	}
	return s.commitLocked()
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) commitLocked() error {
	if s.onWrite == nil {
		return nil
	}
	return s.onWrite(s.snapshotLocked())
}

func (s *MemoryStore) snapshotLocked() *persistedState {
	state := &persistedState{
		Sessions: make([]AccountSession, 0, len(s.sessions)),
		Ignored:  map[string][]string{},
		Messages: append([]InboundMessage(nil), s.messages...),
	}
	for _, sess := range s.sessions {
		state.Sessions = append(state.Sessions, cloneSession(sess))
	}
	sort.Slice(state.Sessions, func(i, j int) bool { return state.Sessions[i].SessionKey < state.Sessions[j].SessionKey })
	for _, member := range s.staff {
		state.Staff = append(state.Staff, member)
	}
	sort.Slice(state.Staff, func(i, j int) bool { return state.Staff[i].UID < state.Staff[j].UID })
	for _, cfg := range s.botConfigs {
		state.BotConfigs = append(state.BotConfigs, cfg)
	}
	sort.Slice(state.BotConfigs, func(i, j int) bool { return state.BotConfigs[i].SessionKey < state.BotConfigs[j].SessionKey })
	for sessionKey, set := range s.ignored {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		state.Ignored[sessionKey] = ids
	}
	return state
}

func (s *MemoryStore) restoreLocked(state *persistedState) {
	s.sessions = map[string]AccountSession{}
	s.staff = map[string]StaffMember{}
	s.botConfigs = map[string]BotConfig{}
	s.ignored = map[string]map[string]struct{}{}
	s.messages = nil
	s.messageIndex = map[string]struct{}{}
	if state == nil {
		return
	}
	for _, sess := range state.Sessions {
		s.sessions[sess.SessionKey] = cloneSession(sess)
	}
	for _, member := range state.Staff {
		s.staff[member.UID] = member
	}
	for _, cfg := range state.BotConfigs {
		s.botConfigs[cfg.SessionKey] = cfg
	}
	for sessionKey, ids := range state.Ignored {
		set := map[string]struct{}{}
		for _, id := range ids {
			set[id] = struct{}{}
		}
		s.ignored[sessionKey] = set
	}
	for _, msg := range state.Messages {
		s.messages = append(s.messages, msg)
		s.messageIndex[msg.DedupKey()] = struct{}{}
	}
}

func cloneSession(sess AccountSession) AccountSession {
	if sess.Credentials != nil {
		sess.Credentials = append([]byte(nil), sess.Credentials...)
	}
	return sess
}
