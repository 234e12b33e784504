package umf

import (
	"fmt"
	"net/url"
	"strings"
)

// AddressScheme is the URI scheme for P3394 addresses.
const AddressScheme = "p3394"

// Address identifies an agent, optionally narrowed to a channel and session.
// Its URI form is p3394://{agent_id}[/{channel_id}][?session={session_id}].
type Address struct {
	AgentID   string `json:"agent_id"`
	ChannelID string `json:"channel_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// URI renders the address in its canonical URI form.
func (a Address) URI() string {
	var b strings.Builder
	b.WriteString(AddressScheme)
	b.WriteString("://")
	b.WriteString(a.AgentID)
	if a.ChannelID != "" {
		b.WriteString("/")
		b.WriteString(a.ChannelID)
	}
	if a.SessionID != "" {
		b.WriteString("?session=")
		b.WriteString(url.QueryEscape(a.SessionID))
	}
	return b.String()
}

func (a Address) String() string { return a.URI() }

// ParseAddress parses a p3394:// URI into an Address.
func ParseAddress(s string) (Address, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if u.Scheme != AddressScheme {
		return Address{}, fmt.Errorf("invalid address %q: scheme must be %s", s, AddressScheme)
	}
	if u.Host == "" {
		return Address{}, fmt.Errorf("invalid address %q: missing agent id", s)
	}
	addr := Address{
		AgentID:   u.Host,
		ChannelID: strings.Trim(u.Path, "/"),
		SessionID: u.Query().Get("session"),
	}
	return addr, nil
}

// MessageActivity returns the xAPI activity URI for a message id.
func MessageActivity(messageID string) string {
	return fmt.Sprintf("%s://message/%s", AddressScheme, messageID)
}
