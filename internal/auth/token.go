package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrMissingSecret  = errors.New("jwt secret is not configured")
	defaultSessionTTL = 24 * time.Hour
)

type claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Tokens issues and validates HS256 session tokens.
type Tokens struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

func NewTokens(secret, issuer, audience string, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &Tokens{
		secret:   []byte(secret),
		issuer:   strings.TrimSpace(issuer),
		audience: strings.TrimSpace(audience),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (t *Tokens) Issue(userID uuid.UUID) (string, error) {
	if len(t.secret) == 0 {
		return "", ErrMissingSecret
	}
	now := t.now()
	rc := jwt.RegisteredClaims{
		Subject:   userID.String(),
		Issuer:    t.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}
	if t.audience != "" {
		rc.Audience = jwt.ClaimStrings{t.audience}
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{UserID: userID.String(), RegisteredClaims: rc})
	signed, err := tok.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse returns the user id carried by a valid token.
func (t *Tokens) Parse(token string) (uuid.UUID, error) {
	if len(t.secret) == 0 {
		return uuid.Nil, ErrMissingSecret
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}
	if t.audience != "" {
		opts = append(opts, jwt.WithAudience(t.audience))
	}

	c := &claims{}
	parsed, err := jwt.ParseWithClaims(token, c, func(tok *jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return uuid.Nil, ErrInvalidToken
	}
	if c.Subject != "" && c.Subject != c.UserID {
		return uuid.Nil, ErrInvalidToken
	}
	id, err := uuid.Parse(c.UserID)
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}
	return id, nil
}
