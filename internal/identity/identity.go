// Package identity exposes the acting user's public key and the bearer
// tokens the gateway uses to carry it.
package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Session reports the public key of the signed-in user, or "" when nobody is.
type Session interface {
	CurrentPub() string
}

// Static is a fixed session.
type Static string

// CurrentPub implements Session.
func (s Static) CurrentPub() string { return string(s) }

// Anonymous is a session with no signed-in user.
var Anonymous Session = Static("")

// Keypair is a signing identity. Pub is the base64url public key used as the
// user's address throughout the graph.
type Keypair struct {
	Pub  string
	priv ed25519.PrivateKey
}

// NewKeypair generates a fresh identity.
func NewKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Keypair{Pub: base64.RawURLEncoding.EncodeToString(pub), priv: priv}, nil
}

// CurrentPub implements Session.
func (k *Keypair) CurrentPub() string { return k.Pub }

// Sign returns the base64url ed25519 signature of msg.
func (k *Keypair) Sign(msg []byte) string {
	return base64.RawURLEncoding.EncodeToString(ed25519.Sign(k.priv, msg))
}

// ErrBadSignature is returned by Verify when sig does not match.
var ErrBadSignature = errors.New("identity: bad signature")

// Verify checks a signature produced by Sign for the keypair with pub.
func Verify(pub string, msg []byte, sig string) error {
	key, err := base64.RawURLEncoding.DecodeString(pub)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("identity: invalid public key %q", Short(pub))
	}
	raw, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil || !ed25519.Verify(ed25519.PublicKey(key), msg, raw) {
		return ErrBadSignature
	}
	return nil
}

// Short abbreviates a pub for display.
func Short(pub string) string {
	if len(pub) <= 8 {
		return pub
	}
	return pub[:8]
}

const (
	issuer   = "feedgraph"
	audience = "feedgraph-client"
)

// ErrInvalidToken is returned for tokens that fail validation.
var ErrInvalidToken = errors.New("invalid or expired token")

// Tokens issues and verifies HS256 bearer tokens whose subject is a pub key.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens returns a token service. A zero ttl means seven days.
func NewTokens(secret string, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for pub.
func (t *Tokens) Issue(pub string) (string, error) {
	if len(t.secret) == 0 {
		return "", errors.New("JWT secret not configured")
	}
	if pub == "" {
		return "", errors.New("token subject is empty")
	}
	now := t.now()
	claims := jwt.MapClaims{
		"sub": pub,
		"iss": issuer,
		"aud": audience,
		"exp": now.Add(t.ttl).Unix(),
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"jti": uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Parse validates tokenString and returns its subject.
func (t *Tokens) Parse(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithAudience(audience), jwt.WithTimeFunc(t.now))
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}

type sessionKey struct{}

// WithSession stores s in ctx.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext returns the session stored in ctx, or Anonymous.
func FromContext(ctx context.Context) Session {
	if s, ok := ctx.Value(sessionKey{}).(Session); ok && s != nil {
		return s
	}
	return Anonymous
}
