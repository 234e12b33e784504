// Package xapi emits xAPI (Experience API) statements for gateway
// activity. Statements are appended to the owning session's xapi.jsonl so
// their order matches the session's trace order.
package xapi

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/p3394/exemplar/pkg/umf"
)

// Verb IRIs used by the gateway.
const (
	VerbAsked      = "http://adlnet.gov/expapi/verbs/asked"
	VerbResponded  = "http://adlnet.gov/expapi/verbs/responded"
	VerbExecuted   = "http://adlnet.gov/expapi/verbs/executed"
	VerbCompleted  = "http://adlnet.gov/expapi/verbs/completed"
	VerbInteracted = "http://adlnet.gov/expapi/verbs/interacted"
)

// Actor identifies who acted. The gateway uses the principal URN as an
// account name under the p3394 home page.
type Actor struct {
	ObjectType string   `json:"objectType"`
	Name       string   `json:"name,omitempty"`
	Account    *Account `json:"account,omitempty"`
}

// Account is the xAPI account form of an actor identifier.
type Account struct {
	HomePage string `json:"homePage"`
	Name     string `json:"name"`
}

// Verb pairs the verb IRI with a display map.
type Verb struct {
	ID      string            `json:"id"`
	Display map[string]string `json:"display,omitempty"`
}

// Object is the activity a statement is about.
type Object struct {
	ObjectType string `json:"objectType"`
	ID         string `json:"id"`
}

// Context carries the conversation grouping and extensions.
type Context struct {
	ContextActivities *ContextActivities `json:"contextActivities,omitempty"`
	Extensions        map[string]any     `json:"extensions,omitempty"`
}

// ContextActivities groups the statement under its session activity.
type ContextActivities struct {
	Parent []Object `json:"parent,omitempty"`
}

// Statement is one xAPI statement.
type Statement struct {
	ID        string    `json:"id"`
	Actor     Actor     `json:"actor"`
	Verb      Verb      `json:"verb"`
	Object    Object    `json:"object"`
	Context   *Context  `json:"context,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const extensionBase = "https://p3394.org/xapi/extensions"

// Emitter appends statements to per-session xapi.jsonl files under the
// storage root.
type Emitter struct {
	mu   sync.Mutex
	root string
}

// NewEmitter creates an emitter rooted at the storage root.
func NewEmitter(root string) *Emitter {
	return &Emitter{root: root}
}

// verbName extracts the short display name from a verb IRI.
func verbName(iri string) string {
	for i := len(iri) - 1; i >= 0; i-- {
		if iri[i] == '/' {
			return iri[i+1:]
		}
	}
	return iri
}

// StatementFor builds the statement describing a message event: actor is
// the acting principal, the object is the message activity, and the session
// activity groups the conversation.
func StatementFor(principalURN, verbIRI string, msg *umf.Message) *Statement {
	st := &Statement{
		ID: uuid.NewString(),
		Actor: Actor{
			ObjectType: "Agent",
			Account: &Account{
				HomePage: "https://p3394.org",
				Name:     principalURN,
			},
		},
		Verb: Verb{
			ID:      verbIRI,
			Display: map[string]string{"en-US": verbName(verbIRI)},
		},
		Object: Object{
			ObjectType: "Activity",
			ID:         umf.MessageActivity(msg.ID),
		},
		Timestamp: time.Now().UTC(),
	}
	ctx := &Context{
		Extensions: map[string]any{
			extensionBase + "/message_id":   msg.ID,
			extensionBase + "/message_type": string(msg.Type),
		},
	}
	if msg.ReplyTo != "" {
		ctx.Extensions[extensionBase+"/reply_to"] = msg.ReplyTo
	}
	if msg.SessionID != "" {
		ctx.ContextActivities = &ContextActivities{
			Parent: []Object{{
				ObjectType: "Activity",
				ID:         fmt.Sprintf("p3394://session/%s", msg.SessionID),
			}},
		}
	}
	st.Context = ctx
	return st
}

// Emit appends a statement to the session's xapi.jsonl. Statements without
// a session id are dropped silently; there is no stream to attach them to.
func (e *Emitter) Emit(sessionID string, st *Statement) error {
	if sessionID == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	dir := filepath.Join(e.root, "stm", sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "xapi.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append xapi statement: %w", err)
	}
	return nil
}

// EmitFor is the one-call path used by the gateway: build the statement for
// a message event and append it to the message's session stream.
func (e *Emitter) EmitFor(principalURN, verbIRI string, msg *umf.Message) (*Statement, error) {
	st := StatementFor(principalURN, verbIRI, msg)
	return st, e.Emit(msg.SessionID, st)
}
