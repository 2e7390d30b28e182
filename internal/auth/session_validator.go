package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSessionIssuer = "tauth"
	authorizationHeader  = "Authorization"
	bearerScheme         = "Bearer"
)

var (
	ErrMissingSessionSigningKey = errors.New("auth: session signing key required")
	ErrMissingSessionCookieName = errors.New("auth: session cookie name required")
	ErrMissingSessionToken      = errors.New("auth: no session token presented")
	ErrInvalidSessionToken      = errors.New("auth: session token rejected")
	ErrExpiredSessionToken      = errors.New("auth: session token expired")
	ErrMissingSessionSubject    = errors.New("auth: session token names no clerk")
)

// SessionClaims is the payload of a clerk session token. UserID is recorded
// as the actor on every stock movement the clerk performs.
type SessionClaims struct {
	UserID          string   `json:"user_id"`
	UserEmail       string   `json:"user_email"`
	UserDisplayName string   `json:"user_display_name"`
	UserRoles       []string `json:"user_roles"`
	jwt.RegisteredClaims
}

// Actor returns the identifier stamped on ledger movements.
func (c SessionClaims) Actor() string {
	return strings.TrimSpace(c.UserID)
}

func (c SessionClaims) identified() bool {
	return strings.TrimSpace(c.Subject) != "" && c.Actor() != ""
}

// SessionValidatorConfig describes how to validate session JWTs.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator accepts HS256 session tokens from the admin panel cookie
// or from a bearer header.
type SessionValidator struct {
	key    []byte
	cookie string
	parser *jwt.Parser
}

// NewSessionValidator builds a validator; the issuer defaults to "tauth".
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	cookie := strings.TrimSpace(cfg.CookieName)
	if cookie == "" {
		return nil, ErrMissingSessionCookieName
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		key:    append([]byte(nil), cfg.SigningSecret...),
		cookie: cookie,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(clock),
		),
	}, nil
}

// ValidateToken parses a raw session token and returns its claims.
func (v *SessionValidator) ValidateToken(raw string) (SessionClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}
	var claims SessionClaims
	if _, err := v.parser.ParseWithClaims(raw, &claims, v.signingKey); err != nil {
		return SessionClaims{}, classifyParseError(err)
	}
	if !claims.identified() {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return claims, nil
}

// ValidateRequest validates the session carried by the request. The cookie
// wins when both the cookie and a bearer header are present.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	raw, ok := v.sessionToken(r)
	if !ok {
		return SessionClaims{}, ErrMissingSessionToken
	}
	return v.ValidateToken(raw)
}

func (v *SessionValidator) sessionToken(r *http.Request) (string, bool) {
	if r == nil {
		return "", false
	}
	if cookie, err := r.Cookie(v.cookie); err == nil && strings.TrimSpace(cookie.Value) != "" {
		return cookie.Value, true
	}
	scheme, token, found := strings.Cut(strings.TrimSpace(r.Header.Get(authorizationHeader)), " ")
	if !found || !strings.EqualFold(scheme, bearerScheme) || strings.TrimSpace(token) == "" {
		return "", false
	}
	return token, true
}

func (v *SessionValidator) signingKey(*jwt.Token) (any, error) {
	return v.key, nil
}

func classifyParseError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrExpiredSessionToken
	}
	return fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
}
