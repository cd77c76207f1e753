package bus

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/scrypt"
)

// tokenSalt is fixed rather than random: the derived key must be
// reproducible across process restarts from the same configured secret,
// with no separate place to persist a random salt.
var tokenSalt = []byte("chandispatch-call-token-v1")

// deriveSigningKey stretches the configured secret through scrypt rather
// than using it as the HMAC key directly, so a short or low-entropy secret
// in config doesn't become the literal signing key.
func deriveSigningKey(secret []byte) ([]byte, error) {
	return scrypt.Key(secret, tokenSalt, 1<<15, 8, 1, 32)
}

// callClaims asserts which Dispatch Operation or channel batch a bus call
// concerns, so a client implementation can reject a replayed or forged
// message. This has no correctness role in the pipeline itself — the lock
// counter and context id already provide that — it is purely a courtesy to
// client implementations.
type callClaims struct {
	jwt.RegisteredClaims
	Subject string `json:"subj"` // operation path or channel batch id
	Method  string `json:"method"`
}

// TokenSigner signs short-lived tokens asserting one outgoing bus call.
type TokenSigner struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewTokenSigner(secret []byte, issuer string, ttl time.Duration) (*TokenSigner, error) {
	key, err := deriveSigningKey(secret)
	if err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	return &TokenSigner{secret: key, issuer: issuer, ttl: ttl}, nil
}

func (s *TokenSigner) Sign(method, subject string) (string, error) {
	now := time.Now()
	claims := callClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Subject: subject,
		Method:  method,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses and validates a token previously produced by Sign,
// returning the method and subject it asserted.
func (s *TokenSigner) Verify(raw string) (method, subject string, err error) {
	claims := &callClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", "", err
	}
	return claims.Method, claims.Subject, nil
}
