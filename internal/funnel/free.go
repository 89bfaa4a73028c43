package funnel

import (
	"context"
	"errors"

	"github.com/suPer8Hu/legalfunnel/internal/answercache"
	"github.com/suPer8Hu/legalfunnel/internal/chat"
	"github.com/suPer8Hu/legalfunnel/internal/identity"
)

type FreeRequest struct {
	Question string
	// QuestionsUsed is the visitor's quota cookie; ignored for registered users.
	QuestionsUsed int
	UserID        *uint64
	AnonymousID   string
	SessionID     string
}

type FreeResponse struct {
	RegisterPrompt bool   `json:"register_prompt"`
	Answer         string `json:"answer,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	CacheHit       bool   `json:"cache_hit"`
	QuestionsUsed  int    `json:"questions_used"`
	// Remaining is -1 for registered visitors.
	Remaining int `json:"remaining"`
}

// AskFree answers a free-tier question. Unregistered visitors past the quota
// get a register prompt and no model is called.
func (o *Orchestrator) AskFree(ctx context.Context, req FreeRequest) (*FreeResponse, error) {
	question, err := o.checkText(req.Question)
	if err != nil {
		return nil, err
	}
	if req.QuestionsUsed < 0 {
		req.QuestionsUsed = 0
	}

	var user *identity.User
	if req.UserID != nil {
		err := o.retry(ctx, "get_user", func() error {
			var gerr error
			user, gerr = o.users.GetByID(ctx, *req.UserID)
			return gerr
		})
		if err != nil {
			return nil, err
		}
	} else if req.QuestionsUsed >= o.opts.FreeQuestionQuota {
		return &FreeResponse{RegisterPrompt: true, QuestionsUsed: req.QuestionsUsed, Remaining: 0}, nil
	}

	owner := chat.Owner{UserID: req.UserID, AnonymousID: req.AnonymousID}
	var sess *chat.Session
	if err := o.retry(ctx, "conversation", func() error {
		var serr error
		sess, serr = o.conv.SessionFor(ctx, owner, req.SessionID, question)
		return serr
	}); err != nil {
		return nil, err
	}

	reply, err := o.answer(ctx, sess, question)
	if err != nil {
		return nil, err
	}

	if err := o.retry(ctx, "record_exchange", func() error {
		_, rerr := o.conv.Record(ctx, sess, question, reply)
		return rerr
	}); err != nil {
		return nil, err
	}

	resp := &FreeResponse{
		Answer:    reply.Content,
		SessionID: sess.SessionID,
		CacheHit:  reply.CacheHit,
	}
	if user != nil {
		if err := o.retry(ctx, "question_usage", func() error {
			return o.users.IncrementQuestionUsage(ctx, user.Email)
		}); err != nil {
			return nil, err
		}
		resp.QuestionsUsed = user.QuestionsUsed + 1
		resp.Remaining = -1
		return resp, nil
	}
	resp.QuestionsUsed = req.QuestionsUsed + 1
	resp.Remaining = max(o.opts.FreeQuestionQuota-resp.QuestionsUsed, 0)
	return resp, nil
}

// answer serves from the shared cache or asks the model and caches the
// result. Cache failures only ever degrade to a miss.
func (o *Orchestrator) answer(ctx context.Context, sess *chat.Session, question string) (chat.Reply, error) {
	entry, err := o.cache.Lookup(ctx, question)
	switch {
	case err == nil:
		return chat.Reply{Content: entry.Answer, CacheHit: true}, nil
	case !errors.Is(err, answercache.ErrMiss):
		o.log.Warn("answer cache lookup failed", "error", err)
	}

	reply, err := o.conv.Generate(ctx, sess, question)
	if err != nil {
		o.log.Error("chat model failed", "session_id", sess.SessionID, "error", err)
		return chat.Reply{}, err
	}
	if err := o.cache.Store(ctx, question, reply.Content); err != nil {
		o.log.Warn("answer cache store failed", "error", err)
	}
	return reply, nil
}
