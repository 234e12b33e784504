package kstar

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
)

// ErrTokenNotFound is returned for lineage queries on unknown ids.
var ErrTokenNotFound = errors.New("control token not found")

// signedClaims are the immutable issuance fields covered by the token
// signature. Revocation state deliberately stays outside so revoking does
// not disturb the signature.
type signedClaims struct {
	ID            string    `json:"id"`
	Issuer        string    `json:"issuer"`
	Subject       string    `json:"subject"`
	Scope         string    `json:"scope"`
	Permissions   []string  `json:"permissions,omitempty"`
	ParentTokenID string    `json:"parent_token_id,omitempty"`
	LineageHash   string    `json:"lineage_hash,omitempty"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
}

func claimsOf(t *ControlToken) signedClaims {
	return signedClaims{
		ID:            t.ID,
		Issuer:        t.Issuer,
		Subject:       t.Subject,
		Scope:         t.Scope,
		Permissions:   t.Permissions,
		ParentTokenID: t.ParentTokenID,
		LineageHash:   t.LineageHash,
		IssuedAt:      t.IssuedAt,
		ExpiresAt:     t.ExpiresAt,
	}
}

func (s *Store) signToken(t *ControlToken) error {
	if len(s.key) == 0 {
		return errors.New("no signing key configured")
	}
	payload, err := json.Marshal(claimsOf(t))
	if err != nil {
		return err
	}
	signed, err := jws.Sign(payload, jws.WithKey(jwa.HS256, s.key))
	if err != nil {
		return fmt.Errorf("failed to sign control token: %w", err)
	}
	t.Signature = string(signed)
	return nil
}

func (s *Store) tokenSignatureValid(t *ControlToken) bool {
	if len(s.key) == 0 || t.Signature == "" {
		return false
	}
	payload, err := jws.Verify([]byte(t.Signature), jws.WithKey(jwa.HS256, s.key))
	if err != nil {
		return false
	}
	want, err := json.Marshal(claimsOf(t))
	if err != nil {
		return false
	}
	return string(payload) == string(want)
}

// lineageHash chains a token to its parent's hash so reparenting a
// delegation is detectable.
func lineageHash(parentHash, id string) string {
	sum := sha256.Sum256([]byte(parentHash + ":" + id))
	return hex.EncodeToString(sum[:])
}

// IssueControlToken mints, signs, and stores a new control token. When
// parent_token_id is set the parent must exist and be usable for at least
// the child's scope.
func (s *Store) IssueControlToken(t *ControlToken) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.IssuedAt.IsZero() {
		t.IssuedAt = time.Now().UTC()
	}
	parentHash := ""
	if t.ParentTokenID != "" {
		parent, ok := s.tokens[t.ParentTokenID]
		if !ok {
			return "", fmt.Errorf("%w: parent %s", ErrTokenNotFound, t.ParentTokenID)
		}
		parentHash = parent.LineageHash
	}
	t.LineageHash = lineageHash(parentHash, t.ID)
	if err := s.signToken(t); err != nil {
		return "", err
	}
	return t.ID, s.storeTokenLocked(t)
}

// StoreControlToken records an externally constructed token as-is.
func (s *Store) StoreControlToken(t *ControlToken) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.IssuedAt.IsZero() {
		t.IssuedAt = time.Now().UTC()
	}
	return t.ID, s.storeTokenLocked(t)
}

func (s *Store) storeTokenLocked(t *ControlToken) error {
	if err := appendLine(s.familyPath("tokens"), t); err != nil {
		return err
	}
	if _, seen := s.tokens[t.ID]; !seen {
		s.tokenOrder = append(s.tokenOrder, t.ID)
	}
	s.tokens[t.ID] = t
	return nil
}

// GetControlToken returns the current state of a token.
func (s *Store) GetControlToken(id string) (*ControlToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[id]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// VerifyControlToken checks a token against a requested scope. The token
// scope authorizes the request when it equals the requested scope or is a
// prefix of it.
func (s *Store) VerifyControlToken(id, scope string) Verification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[id]
	if !ok {
		return Verification{Valid: false, Reason: ReasonNotFound}
	}
	cp := *t
	if t.Revoked {
		return Verification{Valid: false, Reason: ReasonRevoked, Token: &cp}
	}
	if !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt) {
		return Verification{Valid: false, Reason: ReasonExpired, Token: &cp}
	}
	if !s.tokenSignatureValid(t) {
		return Verification{Valid: false, Reason: ReasonSignatureInvalid, Token: &cp}
	}
	if !s.chainIntactLocked(t) {
		return Verification{Valid: false, Reason: ReasonChainBroken, Token: &cp}
	}
	if !(t.Scope == scope || strings.HasPrefix(scope, t.Scope)) {
		return Verification{Valid: false, Reason: ReasonScopeMismatch, Token: &cp}
	}
	return Verification{Valid: true, Token: &cp}
}

// chainIntactLocked walks the delegation chain to the root, checking every
// ancestor exists, is unrevoked, and that each lineage hash links to its
// parent.
func (s *Store) chainIntactLocked(t *ControlToken) bool {
	cur := t
	for {
		parentHash := ""
		if cur.ParentTokenID != "" {
			parent, ok := s.tokens[cur.ParentTokenID]
			if !ok || parent.Revoked {
				return false
			}
			parentHash = parent.LineageHash
		}
		if cur.LineageHash != lineageHash(parentHash, cur.ID) {
			return false
		}
		if cur.ParentTokenID == "" {
			return true
		}
		cur = s.tokens[cur.ParentTokenID]
	}
}

// RevokeControlToken marks a token revoked. Revocation is monotonic; a
// second revoke keeps the original timestamp and reason.
func (s *Store) RevokeControlToken(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTokenNotFound, id)
	}
	if t.Revoked {
		return nil
	}
	t.Revoked = true
	t.RevokedAt = time.Now().UTC()
	t.RevokeReason = reason
	return s.storeTokenLocked(t)
}

// TokenLineage returns the delegation chain from the given token up to its
// root issuer, starting with the token itself.
func (s *Store) TokenLineage(id string) ([]*ControlToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTokenNotFound, id)
	}
	var chain []*ControlToken
	for t != nil {
		cp := *t
		chain = append(chain, &cp)
		if t.ParentTokenID == "" {
			break
		}
		next, ok := s.tokens[t.ParentTokenID]
		if !ok {
			return chain, fmt.Errorf("%w: parent %s", ErrTokenNotFound, t.ParentTokenID)
		}
		t = next
	}
	return chain, nil
}
