package bullroom

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin marks sessions allowed to perform moderation actions.
const RoleAdmin = "admin"

// Session identifies the signed-in user. A nil *Session is an anonymous
// visitor; every method is nil-safe.
type Session struct {
	UserID      string
	DisplayName string
	Role        string
	ExpiresAt   time.Time
}

// Authenticated reports whether the session belongs to a signed-in user.
func (s *Session) Authenticated() bool {
	return s != nil && s.UserID != ""
}

// IsAdmin reports whether the session may moderate.
func (s *Session) IsAdmin() bool {
	return s.Authenticated() && s.Role == RoleAdmin
}

// ID returns the user id, or "" for anonymous sessions.
func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.UserID
}

// SessionClaims is the JWT payload carried by session tokens.
type SessionClaims struct {
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

const tokenIssuer = "bullroom"

// IssueSessionToken signs an HS256 token for s valid for ttl.
func IssueSessionToken(s *Session, secret string, ttl time.Duration) (string, error) {
	if !s.Authenticated() {
		return "", errors.New("session has no user id")
	}
	if secret == "" {
		return "", errors.New("signing secret is required")
	}
	now := time.Now()
	claims := SessionClaims{
		Name: s.DisplayName,
		Role: s.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.UserID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseSessionToken validates an HS256 session token and returns its session.
func ParseSessionToken(tokenString, secret string) (*Session, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, fmt.Errorf("parse session token: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, errors.New("parse session token: invalid token")
	}
	s := &Session{
		UserID:      claims.Subject,
		DisplayName: claims.Name,
		Role:        claims.Role,
	}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}

// SessionFromUnverifiedToken reads the claims of a token without checking
// its signature. Clients use it to learn who they are; the gateway always
// verifies.
func SessionFromUnverifiedToken(tokenString string) (*Session, error) {
	claims := &SessionClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("read session token: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("read session token: missing subject")
	}
	s := &Session{UserID: claims.Subject, DisplayName: claims.Name, Role: claims.Role}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}
