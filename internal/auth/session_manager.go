package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrAuthRequired indicates no signed-in user is available. Synchronization
	// cannot proceed without one; local capture and listing still work.
	ErrAuthRequired = errors.New("authentication required")
	// ErrTokenNotFound indicates the token store holds no session.
	ErrTokenNotFound = errors.New("session token not found")
)

// Identity resolves the stable identifier of the signed-in user.
type Identity interface {
	CurrentUserID(ctx context.Context) (string, error)
}

// TokenStore persists the device session token so it survives restarts.
type TokenStore interface {
	Save(ctx context.Context, token string) error
	Load(ctx context.Context) (string, error)
	Delete(ctx context.Context) error
}

// Manager issues and verifies device session tokens backed by a persistent store.
type Manager struct {
	secret []byte
	ttl    time.Duration
	store  TokenStore
	now    func() time.Time
}

// NewManager constructs a Manager that signs HS256 tokens valid for ttl.
func NewManager(secret string, ttl time.Duration, store TokenStore) *Manager {
	if store == nil {
		panic("auth: token store must not be nil")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{
		secret: []byte(secret),
		ttl:    ttl,
		store:  store,
		now:    time.Now,
	}
}

// Issue signs a session token for userID and stores it as the current session.
func (m *Manager) Issue(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("user id must be provided")
	}
	if len(m.secret) == 0 {
		return "", errors.New("auth secret is not configured")
	}

	now := m.now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}

	if err := m.store.Save(ctx, signed); err != nil {
		return "", fmt.Errorf("save session token: %w", err)
	}
	return signed, nil
}

// CurrentUserID verifies the stored session and returns its subject. Missing,
// expired or tampered sessions yield ErrAuthRequired.
func (m *Manager) CurrentUserID(ctx context.Context) (string, error) {
	raw, err := m.store.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return "", ErrAuthRequired
		}
		return "", fmt.Errorf("load session token: %w", err)
	}

	var claims jwt.RegisteredClaims
	_, err = jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", ErrAuthRequired
	}
	return claims.Subject, nil
}

// Revoke signs the device out.
func (m *Manager) Revoke(ctx context.Context) error {
	return m.store.Delete(ctx)
}

// Static is an Identity with a fixed user, used by tests and offline tooling.
// An empty Static means signed out.
type Static string

// CurrentUserID implements Identity.
func (s Static) CurrentUserID(context.Context) (string, error) {
	if s == "" {
		return "", ErrAuthRequired
	}
	return string(s), nil
}
