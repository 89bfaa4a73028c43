package identity

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/suPer8Hu/legalfunnel/internal/apperr"
	"github.com/suPer8Hu/legalfunnel/internal/auth"
	"github.com/suPer8Hu/legalfunnel/internal/logger"
)

var (
	ErrDuplicateEmail = apperr.New(apperr.KindConflict, "duplicate_email", "email already registered")
	ErrAuthFailure    = apperr.New(apperr.KindAuth, "auth_failure", "invalid email or password")
	ErrUserNotFound   = apperr.New(apperr.KindNotFound, "user_not_found", "user not found")
)

type Store struct {
	db         *gorm.DB
	log        *logger.Logger
	bcryptCost int
	now        func() time.Time
}

func NewStore(db *gorm.DB, log *logger.Logger, bcryptCost int) *Store {
	return &Store{db: db, log: log.With("component", "identity"), bcryptCost: bcryptCost, now: time.Now}
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Store) Register(ctx context.Context, name, email, password string) (*User, error) {
	email = NormalizeEmail(email)
	name = strings.TrimSpace(name)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, apperr.Validation("invalid email")
	}
	if len(password) < 8 {
		return nil, apperr.Validation("password must be at least 8 characters")
	}
	if name == "" {
		name = strings.SplitN(email, "@", 2)[0]
	}

	var cnt int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where("email = ?", email).Count(&cnt).Error; err != nil {
		return nil, apperr.TransientStore(err)
	}
	if cnt > 0 {
		return nil, ErrDuplicateEmail
	}

	hash, err := auth.HashPassword(password, s.bcryptCost)
	if err != nil {
		return nil, err
	}
	u := &User{Name: name, Email: email, PasswordHash: hash, Tier: TierFree}
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		// lost a race with a concurrent registration
		if errors.Is(err, gorm.ErrDuplicatedKey) || s.emailTaken(ctx, email) {
			return nil, ErrDuplicateEmail
		}
		return nil, apperr.TransientStore(err)
	}
	s.log.Info("user registered", "user_id", u.ID, "email", email)
	return u, nil
}

func (s *Store) emailTaken(ctx context.Context, email string) bool {
	var cnt int64
	return s.db.WithContext(ctx).Model(&User{}).Where("email = ?", email).Count(&cnt).Error == nil && cnt > 0
}

// Authenticate returns ErrAuthFailure for both an unknown email and a wrong
// password.
func (s *Store) Authenticate(ctx context.Context, email, password string) (*User, error) {
	u, err := s.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrAuthFailure
		}
		return nil, err
	}
	if !auth.CheckPassword(u.PasswordHash, password) {
		return nil, ErrAuthFailure
	}
	return u, nil
}

func (s *Store) GetByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).Where("email = ?", NormalizeEmail(email)).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, apperr.TransientStore(err)
	}
	return &u, nil
}

func (s *Store) GetByID(ctx context.Context, id uint64) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, apperr.TransientStore(err)
	}
	return &u, nil
}

// IncrementQuestionUsage is a no-op for an unknown email.
func (s *Store) IncrementQuestionUsage(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	res := s.db.WithContext(ctx).Model(&User{}).
		Where("email = ?", email).
		Updates(map[string]any{
			"questions_used":   gorm.Expr("questions_used + 1"),
			"last_question_at": s.now(),
		})
	if res.Error != nil {
		return apperr.TransientStore(res.Error)
	}
	s.log.Info("question usage incremented", "email", email, "rows", res.RowsAffected)
	return nil
}

// ResetQuestionUsage is a no-op for an unknown email.
func (s *Store) ResetQuestionUsage(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	res := s.db.WithContext(ctx).Model(&User{}).
		Where("email = ?", email).
		Update("questions_used", 0)
	if res.Error != nil {
		return apperr.TransientStore(res.Error)
	}
	s.log.Info("question usage reset", "email", email, "rows", res.RowsAffected)
	return nil
}
