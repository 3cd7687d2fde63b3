// Package auth implements C11: bearer-token sessions, per-user rate
// limiting, and lockout after repeated login failures. Every auth decision
// is audited.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/apperr"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/audit"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/store"
)

// UserRecord is a configured operator identity. The server ships with a
// small, statically configured user table — no self-service signup.
type UserRecord struct {
	UserID       string
	Username     string
	PasswordHash string // sha256 hex, salted by username
	Role         model.Role
}

// Config controls session TTL, rate limiting, and lockout policy.
type Config struct {
	SessionTTL             time.Duration
	RateLimitPerUserPerMin int
	LockoutThreshold       int
	LockoutCooldown        time.Duration
}

// Service is the C11 contract implementation.
type Service struct {
	st       store.Store
	log      *audit.Log
	cfg      Config
	users    map[string]UserRecord // by username
	limiters sync.Map              // username -> *rate.Limiter
}

// New builds an auth Service over a static user table.
func New(st store.Store, log *audit.Log, cfg Config, users []UserRecord) *Service {
	byName := make(map[string]UserRecord, len(users))
	for _, u := range users {
		byName[u.Username] = u
	}
	return &Service{st: st, log: log, cfg: cfg, users: byName}
}

// HashPassword salts with the username so identical passwords across users
// never collide in storage.
func HashPassword(username, password string) string {
	sum := sha256.Sum256([]byte(username + ":" + password))
	return hex.EncodeToString(sum[:])
}

// Login authenticates a username/password pair, returning a bearer token
// on success. Failures are audited and count toward lockout.
func (s *Service) Login(ctx context.Context, username, password string) (token string, sess model.Session, err error) {
	now := time.Now().UTC()

	failures, ferr := s.st.LoginFailureCount(ctx, username, now.Add(-s.cfg.LockoutCooldown))
	if ferr != nil {
		return "", model.Session{}, eris.Wrap(ferr, "auth: login failure lookup")
	}
	if failures >= s.cfg.LockoutThreshold {
		s.audit(ctx, "user:"+username, "login_locked", username)
		return "", model.Session{}, apperr.New(apperr.KindForbidden, "account locked, try again later")
	}

	user, ok := s.users[username]
	if !ok || subtle.ConstantTimeCompare([]byte(HashPassword(username, password)), []byte(user.PasswordHash)) != 1 {
		if _, rerr := s.st.RecordLoginFailure(ctx, username, now); rerr != nil {
			return "", model.Session{}, eris.Wrap(rerr, "auth: record login failure")
		}
		s.audit(ctx, "user:"+username, "login_failed", username)
		return "", model.Session{}, apperr.New(apperr.KindForbidden, "invalid credentials")
	}

	if err := s.st.ClearLoginFailures(ctx, username); err != nil {
		return "", model.Session{}, eris.Wrap(err, "auth: clear login failures")
	}

	token = uuid.New().String()
	sess = model.Session{
		UserID:    user.UserID,
		Username:  user.Username,
		Role:      user.Role,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
	}
	if err := s.st.CreateSession(ctx, sess, tokenHash(token)); err != nil {
		return "", model.Session{}, eris.Wrap(err, "auth: create session")
	}
	s.audit(ctx, "user:"+username, "login_ok", username)
	return token, sess, nil
}

// Logout invalidates a bearer token.
func (s *Service) Logout(ctx context.Context, token string) error {
	return eris.Wrap(s.st.DeleteSession(ctx, tokenHash(token)), "auth: logout")
}

// Authenticate resolves a bearer token to its session, rejecting expired
// ones. It does not consult the rate limiter — call Allow separately.
func (s *Service) Authenticate(ctx context.Context, token string) (model.Session, error) {
	sess, err := s.st.GetSessionByTokenHash(ctx, tokenHash(token))
	if err != nil {
		return model.Session{}, err
	}
	if sess.Expired(time.Now().UTC()) {
		_ = s.st.DeleteSession(ctx, tokenHash(token))
		return model.Session{}, apperr.New(apperr.KindForbidden, "session expired")
	}
	return *sess, nil
}

// Allow enforces the per-user requests/minute quota ahead of C6 admission.
func (s *Service) Allow(username string) bool {
	limiter, _ := s.limiters.LoadOrStore(username, rate.NewLimiter(rate.Limit(float64(s.cfg.RateLimitPerUserPerMin)/60.0), s.cfg.RateLimitPerUserPerMin))
	return limiter.(*rate.Limiter).Allow()
}

// RequireRole reports whether a session's role satisfies one of allowed.
func RequireRole(sess model.Session, allowed ...model.Role) bool {
	for _, r := range allowed {
		if sess.Role == r {
			return true
		}
	}
	return false
}

func (s *Service) audit(ctx context.Context, actor, event, username string) {
	if s.log == nil {
		return
	}
	_, _ = s.log.Append(ctx, actor, model.AuditAuthDecision, username, map[string]any{"event": event})
}

func tokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
