// Package identity tracks the signed-in user and tells interested components
// when it changes.
//
// Observers are registered explicitly and each registration returns its own
// unregister function; there is no global callback list.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const credFileName = "credentials.json"

var (
	// ErrSignedOut is returned when an operation needs an identity and none
	// is signed in.
	ErrSignedOut = errors.New("not signed in")

	// ErrInvalidToken is returned when a sign-in token cannot be parsed or
	// fails verification.
	ErrInvalidToken = errors.New("invalid identity token")

	// ErrTokenExpired is returned when a token's exp claim has passed.
	ErrTokenExpired = errors.New("identity token expired")
)

// Identity is a signed-in user.
type Identity struct {
	UserID    string     `json:"user_id"`
	Email     string     `json:"email,omitempty"`
	Token     string     `json:"token"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	SignedIn  time.Time  `json:"signed_in"`
}

// Expired reports whether the identity's token has passed its expiry.
func (id *Identity) Expired(now time.Time) bool {
	return id.ExpiresAt != nil && !now.Before(*id.ExpiresAt)
}

// Provider holds the current identity and its observers.
type Provider struct {
	dir    string
	parser *Parser
	logger *log.Logger
	now    func() time.Time

	mu        sync.RWMutex
	current   *Identity
	observers map[int]func(*Identity)
	nextID    int
}

// NewProvider creates a provider that persists credentials in dir. An empty
// dir keeps the identity in memory only.
//
// If logger is nil, a default logger writing to stderr is used.
func NewProvider(dir string, parser *Parser, logger *log.Logger) *Provider {
	if parser == nil {
		parser = NewParser(nil)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[identity] ", log.LstdFlags)
	}
	return &Provider{
		dir:       dir,
		parser:    parser,
		logger:    logger,
		now:       time.Now,
		observers: make(map[int]func(*Identity)),
	}
}

// Current returns a copy of the signed-in identity, or nil.
func (p *Provider) Current() *Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return nil
	}
	cp := *p.current
	return &cp
}

// CurrentUserID returns the signed-in user id, or "" when signed out or the
// token has expired.
func (p *Provider) CurrentUserID() string {
	id := p.Current()
	if id == nil || id.Expired(p.now()) {
		return ""
	}
	return id.UserID
}

// LocalUserID returns the user id whose cached tasks this device holds, or ""
// when signed out. Unlike CurrentUserID it ignores token expiry, since local
// data does not need a live token.
func (p *Provider) LocalUserID() string {
	if id := p.Current(); id != nil {
		return id.UserID
	}
	return ""
}

// OnChange registers fn to be called with the new identity (nil on sign-out)
// after every change. The returned function unregisters fn; calling it more
// than once is harmless.
func (p *Provider) OnChange(fn func(*Identity)) (unregister func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.observers[id] = fn
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.observers, id)
			p.mu.Unlock()
		})
	}
}

// SignIn verifies token, makes it the current identity, persists it and
// notifies observers.
func (p *Provider) SignIn(token string) (*Identity, error) {
	token = stripBearer(strings.TrimSpace(token))
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	claims, err := p.parser.Parse(token)
	if err != nil {
		return nil, err
	}

	id := &Identity{
		UserID:    claims.UserID,
		Email:     claims.Email,
		Token:     token,
		ExpiresAt: claims.ExpiresAt,
		SignedIn:  p.now(),
	}

	if err := p.save(id); err != nil {
		return nil, err
	}

	p.set(id)
	p.logger.Printf("Signed in as %s", id.UserID)
	return id, nil
}

// SignOut clears the identity, removes persisted credentials and notifies
// observers with nil. Signing out while signed out is a no-op.
func (p *Provider) SignOut() error {
	if err := p.remove(); err != nil {
		return err
	}

	p.mu.RLock()
	was := p.current
	p.mu.RUnlock()
	if was == nil {
		return nil
	}

	p.set(nil)
	p.logger.Printf("Signed out %s", was.UserID)
	return nil
}

// Restore loads persisted credentials and returns the restored identity,
// or nil. Unreadable credentials are discarded. Expired ones are kept: the
// cached tasks stay usable offline while remote operations wait for a new
// sign-in.
func (p *Provider) Restore() (*Identity, error) {
	if p.dir == "" {
		return nil, nil
	}

	data, err := os.ReadFile(p.credPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil || id.UserID == "" {
		p.logger.Printf("WARNING: Discarding unreadable credentials: %v", err)
		return nil, p.remove()
	}
	if id.Expired(p.now()) {
		p.logger.Printf("Credentials for %s have expired, sign in again to sync", id.UserID)
	}

	p.set(&id)
	return p.Current(), nil
}

// TokenSource returns an oauth2.TokenSource that serves the current
// identity's token at the time of each request.
func (p *Provider) TokenSource() oauth2.TokenSource {
	return tokenSource{p: p}
}

type tokenSource struct {
	p *Provider
}

func (ts tokenSource) Token() (*oauth2.Token, error) {
	id := ts.p.Current()
	if id == nil {
		return nil, ErrSignedOut
	}
	if id.Expired(ts.p.now()) {
		return nil, ErrTokenExpired
	}
	tok := &oauth2.Token{AccessToken: id.Token, TokenType: "Bearer"}
	if id.ExpiresAt != nil {
		tok.Expiry = *id.ExpiresAt
	}
	return tok, nil
}

// set swaps the identity and calls observers outside the lock, in
// registration order.
func (p *Provider) set(id *Identity) {
	p.mu.Lock()
	p.current = id
	keys := make([]int, 0, len(p.observers))
	for k := range p.observers {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	fns := make([]func(*Identity), 0, len(keys))
	for _, k := range keys {
		fns = append(fns, p.observers[k])
	}
	p.mu.Unlock()

	for _, fn := range fns {
		if id == nil {
			fn(nil)
			continue
		}
		cp := *id
		fn(&cp)
	}
}

func (p *Provider) credPath() string {
	return filepath.Join(p.dir, credFileName)
}

func (p *Provider) save(id *Identity) error {
	if p.dir == "" {
		return nil
	}
	if err := os.MkdirAll(p.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credentials directory: %w", err)
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	// owner-only, the file holds a bearer token
	if err := os.WriteFile(p.credPath(), data, 0o600); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	return nil
}

func (p *Provider) remove() error {
	if p.dir == "" {
		return nil
	}
	if err := os.Remove(p.credPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove credentials: %w", err)
	}
	return nil
}

func stripBearer(s string) string {
	if strings.HasPrefix(strings.ToLower(s), "bearer ") {
		return strings.TrimSpace(s[7:])
	}
	return s
}
