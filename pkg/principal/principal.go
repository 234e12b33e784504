// Package principal implements the principal registry: the persistent store
// of semantic identities and the credential bindings that map channel-local
// identities onto them.
package principal

import (
	"fmt"
	"strings"
	"time"
)

// Type classifies a principal.
type Type string

const (
	TypeHuman     Type = "human"
	TypeAgent     Type = "agent"
	TypeService   Type = "service"
	TypeSystem    Type = "system"
	TypeAnonymous Type = "anonymous"
)

// Assurance grades the strength of the authentication backing an assertion.
// Ordering matters: higher values mean stronger authentication.
type Assurance int

const (
	AssuranceNone Assurance = iota
	AssuranceLow
	AssuranceMedium
	AssuranceHigh
	AssuranceCryptographic
)

var assuranceNames = map[Assurance]string{
	AssuranceNone:          "none",
	AssuranceLow:           "low",
	AssuranceMedium:        "medium",
	AssuranceHigh:          "high",
	AssuranceCryptographic: "cryptographic",
}

func (a Assurance) String() string {
	if s, ok := assuranceNames[a]; ok {
		return s
	}
	return "none"
}

// ParseAssurance maps a name back to an Assurance level.
func ParseAssurance(s string) Assurance {
	for level, name := range assuranceNames {
		if name == s {
			return level
		}
	}
	return AssuranceNone
}

// MarshalText implements encoding.TextMarshaler so assurance levels persist
// by name rather than by ordinal.
func (a Assurance) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Assurance) UnmarshalText(text []byte) error {
	*a = ParseAssurance(string(text))
	return nil
}

// BindingType classifies how a credential binding was established.
type BindingType string

const (
	BindingAccount     BindingType = "account"
	BindingOAuth       BindingType = "oauth"
	BindingAPIKey      BindingType = "api_key"
	BindingCertificate BindingType = "certificate"
	BindingSSHKey      BindingType = "ssh_key"
	BindingPhone       BindingType = "phone"
	BindingEmail       BindingType = "email"
)

// Principal is a semantic identity, addressed by an Org-Role-Person URN.
type Principal struct {
	URN         string         `json:"urn"`
	Type        Type           `json:"type"`
	DisplayName string         `json:"display_name,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// URN builds a principal URN from its org, role, and person parts.
func URN(org, role, person string) string {
	return fmt.Sprintf("urn:principal:org:%s:role:%s:person:%s", org, role, person)
}

// CredentialBinding maps a channel-local identity (possibly wildcard) to a
// principal URN with a scope set.
type CredentialBinding struct {
	ID              string      `json:"id"`
	ChannelID       string      `json:"channel_id"`
	ExternalSubject string      `json:"external_subject"` // e.g. local:*, api_key:sk-..., phone:+15550100
	PrincipalURN    string      `json:"principal_urn"`
	BindingType     BindingType `json:"binding_type"`
	Scopes          []string    `json:"scopes,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	Revoked         bool        `json:"revoked,omitempty"`
}

// Assertion is what a channel adapter claims about the party behind an
// inbound message. The gateway resolves it to a principal via the registry.
type Assertion struct {
	ChannelID       string    `json:"channel_id"`
	ChannelIdentity string    `json:"channel_identity"`
	Assurance       Assurance `json:"assurance"`
	Method          string    `json:"method"`
}

// AnonymousAssertion fabricates the assertion used when an adapter supplied
// none.
func AnonymousAssertion(channelID string) Assertion {
	return Assertion{
		ChannelID:       channelID,
		ChannelIdentity: "anonymous",
		Assurance:       AssuranceNone,
		Method:          "none",
	}
}

// Role extracts the role part of a principal URN, or "" when the URN does not
// follow the Org-Role-Person form.
func Role(urn string) string {
	const marker = ":role:"
	i := strings.Index(urn, marker)
	if i < 0 {
		return ""
	}
	rest := urn[i+len(marker):]
	if j := strings.Index(rest, ":"); j >= 0 {
		return rest[:j]
	}
	return rest
}
