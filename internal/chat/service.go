package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/suPer8Hu/legalfunnel/internal/ai"
	"github.com/suPer8Hu/legalfunnel/internal/apperr"
	"github.com/suPer8Hu/legalfunnel/internal/common"
)

var ErrSessionNotFound = apperr.New(apperr.KindNotFound, "conversation_not_found", "conversation not found")

type Service struct {
	repo              *Repo
	registry          *ai.Registry
	provider          string
	model             string
	systemPrompt      string
	contextWindowSize int
	now               func() time.Time
}

type Options struct {
	Provider          string
	Model             string
	SystemPrompt      string
	ContextWindowSize int
}

func NewService(repo *Repo, registry *ai.Registry, opts Options) *Service {
	if opts.ContextWindowSize <= 0 || opts.ContextWindowSize > 100 {
		opts.ContextWindowSize = 20
	}
	if opts.Provider == "" {
		opts.Provider, opts.Model = registry.Default()
	}
	return &Service{
		repo:              repo,
		registry:          registry,
		provider:          opts.Provider,
		model:             opts.Model,
		systemPrompt:      opts.SystemPrompt,
		contextWindowSize: opts.ContextWindowSize,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// Reply is an answer ready to be recorded.
type Reply struct {
	Content  string
	Tokens   int
	Latency  time.Duration
	CacheHit bool
}

// SessionFor returns the owner's session sessionID, or opens a new one titled
// after the first question when sessionID is empty.
func (s *Service) SessionFor(ctx context.Context, owner Owner, sessionID, firstQuestion string) (*Session, error) {
	if sessionID != "" {
		sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrSessionNotFound
			}
			return nil, apperr.TransientStore(err)
		}
		if !owner.owns(sess) {
			return nil, ErrSessionNotFound
		}
		return sess, nil
	}

	sid, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	now := s.now()
	sess := &Session{
		SessionID:      sid,
		UserID:         owner.UserID,
		IsAnonymous:    owner.UserID == nil,
		Title:          titleFrom(firstQuestion),
		Provider:       s.provider,
		Model:          s.model,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if owner.UserID == nil && owner.AnonymousID != "" {
		anon := owner.AnonymousID
		sess.AnonymousID = &anon
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, apperr.TransientStore(err)
	}
	return sess, nil
}

// Generate asks the session's model, giving it the configured system prompt
// and the recent history of the conversation followed by question.
func (s *Service) Generate(ctx context.Context, sess *Session, question string) (Reply, error) {
	provider, err := s.registry.Get(ctx, sess.Provider, sess.Model)
	if err != nil {
		return Reply{}, err
	}

	// the new question takes one slot of the window
	var recentDesc []Message
	if n := s.contextWindowSize - 1; n > 0 {
		recentDesc, err = s.repo.ListRecentMessagesDesc(ctx, sess.SessionID, n)
		if err != nil {
			return Reply{}, apperr.TransientStore(err)
		}
	}

	providerMsgs := make([]ai.Message, 0, len(recentDesc)+2)
	if s.systemPrompt != "" {
		providerMsgs = append(providerMsgs, ai.Message{Role: "system", Content: s.systemPrompt})
	}
	// reverse to ASC (oldest -> newest)
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		providerMsgs = append(providerMsgs, ai.Message{Role: m.Role, Content: m.Content})
	}
	providerMsgs = append(providerMsgs, ai.Message{Role: "user", Content: question})

	start := time.Now()
	out, err := provider.Chat(ctx, providerMsgs)
	if err != nil {
		return Reply{}, apperr.Upstream("chat_model", err)
	}
	return Reply{Content: out.Content, Tokens: out.Tokens, Latency: time.Since(start)}, nil
}

// Record stores the question and its reply on sess.
func (s *Service) Record(ctx context.Context, sess *Session, question string, reply Reply) (*Message, error) {
	now := s.now()
	userMsg := &Message{
		SessionID: sess.SessionID,
		Role:      "user",
		Content:   question,
		CreatedAt: now,
	}
	assistantMsg := &Message{
		SessionID: sess.SessionID,
		Role:      "assistant",
		Content:   reply.Content,
		TokenCost: reply.Tokens,
		LatencyMS: reply.Latency.Milliseconds(),
		CacheHit:  reply.CacheHit,
		CreatedAt: now,
	}
	if err := s.repo.InsertExchange(ctx, sess.SessionID, userMsg, assistantMsg, now); err != nil {
		return nil, apperr.TransientStore(err)
	}
	return assistantMsg, nil
}

func (s *Service) ListMessages(ctx context.Context, owner Owner, sessionID string, limit int, beforeID uint64) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, apperr.TransientStore(err)
	}
	if !owner.owns(sess) {
		return nil, ErrSessionNotFound
	}
	msgs, err := s.repo.ListMessages(ctx, sessionID, limit, beforeID)
	if err != nil {
		return nil, apperr.TransientStore(err)
	}
	return msgs, nil
}

// ClaimAnonymous attaches an anonymous visitor's conversations to the account
// they just registered or logged in with.
func (s *Service) ClaimAnonymous(ctx context.Context, anonID string, userID uint64) (int64, error) {
	if strings.TrimSpace(anonID) == "" {
		return 0, nil
	}
	n, err := s.repo.ClaimAnonymous(ctx, anonID, userID)
	if err != nil {
		return 0, apperr.TransientStore(err)
	}
	return n, nil
}

func titleFrom(q string) string {
	q = strings.Join(strings.Fields(q), " ")
	const maxTitle = 80
	if utf8.RuneCountInString(q) <= maxTitle {
		return q
	}
	r := []rune(q)
	return string(r[:maxTitle-1]) + "…"
}
