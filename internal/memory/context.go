package memory

import (
	"encoding/json"
	"fmt"
	"strings"

	"inbox-memory/internal/domain"
)

// ExtractionContext is the request handed to an Extractor.
type ExtractionContext struct {
	ThreadID     string
	Subject      string
	Participants []string
	UserID       string
	Turns        []domain.Turn
}

// BuildContext assembles the extraction request for thread. Participants are
// deduplicated case-insensitively, keeping first-seen order.
func BuildContext(thread domain.EmailThread) ExtractionContext {
	seen := make(map[string]struct{}, len(thread.Participants))
	participants := make([]string, 0, len(thread.Participants))
	for _, p := range thread.Participants {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		k := strings.ToLower(p)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		participants = append(participants, p)
	}

	turns := make([]domain.Turn, len(thread.Turns))
	copy(turns, thread.Turns)

	return ExtractionContext{
		ThreadID:     thread.ThreadID,
		Subject:      strings.TrimSpace(thread.Subject),
		Participants: participants,
		UserID:       thread.UserID,
		Turns:        turns,
	}
}

// Empty reports whether there is nothing an extractor could learn from.
func (c ExtractionContext) Empty() bool {
	for _, t := range c.Turns {
		if strings.TrimSpace(t.Content) != "" || len(t.ToolCalls) > 0 {
			return false
		}
	}
	return true
}

// Transcript renders the turns one per line, tool calls inline.
func (c ExtractionContext) Transcript() string {
	var b strings.Builder
	for _, t := range c.Turns {
		role := string(t.Role)
		if role == "" {
			role = "unknown"
		}
		if content := strings.TrimSpace(t.Content); content != "" {
			fmt.Fprintf(&b, "%s: %s\n", role, content)
		}
		for _, tc := range t.ToolCalls {
			args, err := json.Marshal(tc.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			fmt.Fprintf(&b, "%s: [tool %s] %s\n", role, tc.Name, args)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
