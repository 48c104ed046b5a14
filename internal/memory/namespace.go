package memory

import (
	"fmt"
	"strings"

	"inbox-memory/internal/domain"
)

// NamespaceScope selects what the last namespace segment identifies.
type NamespaceScope string

const (
	ScopeUser   NamespaceScope = "user"
	ScopeThread NamespaceScope = "thread"
)

const (
	defaultAssistantID = "default"
	defaultUserID      = "default_user"
)

// Namespacer derives "<assistant>/<store type>/<scope id>" namespaces.
type Namespacer struct {
	AssistantID   string
	DefaultUserID string
	Scope         NamespaceScope
}

func (n Namespacer) Validate() error {
	switch n.Scope {
	case "", ScopeUser, ScopeThread:
		return nil
	}
	return fmt.Errorf("memory: unknown namespace scope %q", n.Scope)
}

func (n Namespacer) For(thread domain.EmailThread, category domain.Category) string {
	assistant := strings.TrimSpace(n.AssistantID)
	if assistant == "" {
		assistant = defaultAssistantID
	}
	return assistant + "/" + category.StoreType() + "/" + n.scopeID(thread)
}

func (n Namespacer) scopeID(thread domain.EmailThread) string {
	if n.Scope == ScopeThread {
		return "thread:" + strings.TrimSpace(thread.ThreadID)
	}
	if u := strings.TrimSpace(thread.UserID); u != "" {
		return strings.ToLower(u)
	}
	if u := strings.TrimSpace(n.DefaultUserID); u != "" {
		return strings.ToLower(u)
	}
	return defaultUserID
}

// normalizeKey lowercases k and joins its words with underscores.
func normalizeKey(k string) string {
	return strings.Join(strings.Fields(strings.ToLower(k)), "_")
}
