package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the identity fields read from a sign-in token.
type Claims struct {
	UserID    string
	Email     string
	ExpiresAt *time.Time
}

// Parser extracts Claims from ID tokens.
//
// With a secret, tokens must be HS256-signed with it. Without one, the
// signature is not checked here: the token is only forwarded to the remote
// store, which verifies it, and the claims just scope local data. Expiry is
// enforced either way.
type Parser struct {
	secret []byte
	now    func() time.Time
}

// NewParser returns a Parser verifying HS256 signatures with secret, or
// reading claims unverified when secret is empty.
func NewParser(secret []byte) *Parser {
	return &Parser{secret: secret, now: time.Now}
}

// Parse validates token and returns its claims.
func (p *Parser) Parse(token string) (*Claims, error) {
	claims := jwt.MapClaims{}

	if len(p.secret) > 0 {
		_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return p.secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(p.now))
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}

	return p.claims(claims)
}

func (p *Parser) claims(mc jwt.MapClaims) (*Claims, error) {
	var c Claims

	// Firebase ID tokens carry the uid in both user_id and sub.
	if uid, ok := mc["user_id"].(string); ok && uid != "" {
		c.UserID = uid
	} else if sub, err := mc.GetSubject(); err == nil && sub != "" {
		c.UserID = sub
	}
	if c.UserID == "" {
		return nil, fmt.Errorf("%w: user_id not found", ErrInvalidToken)
	}

	if email, ok := mc["email"].(string); ok {
		c.Email = email
	}

	exp, err := mc.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if exp != nil {
		t := exp.Time
		if !p.now().Before(t) {
			return nil, ErrTokenExpired
		}
		c.ExpiresAt = &t
	}

	return &c, nil
}
