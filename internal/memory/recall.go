package memory

import (
	"context"
	"fmt"
	"strings"

	"inbox-memory/internal/domain"
)

var allCategories = []domain.Category{
	domain.CategoryFact,
	domain.CategoryContact,
	domain.CategoryPreference,
}

// Recall lists the stored records visible to thread, for the given categories
// or all of them.
func (p *Pipeline) Recall(ctx context.Context, thread domain.EmailThread, categories ...domain.Category) ([]domain.MemoryRecord, error) {
	if len(categories) == 0 {
		categories = allCategories
	}
	var out []domain.MemoryRecord
	for _, c := range categories {
		ns := p.opts.Namespaces.For(thread, c)
		recs, err := p.store.List(ctx, ns)
		if err != nil {
			return nil, newError(ErrorStoreReadFailure, "list_"+c.StoreType(), err)
		}
		out = append(out, recs...)
	}
	return out, nil
}

// FormatForContext renders records as a markdown list for prompt context.
func FormatForContext(records []domain.MemoryRecord) string {
	if len(records) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Relevant Memories\n\n")
	for _, r := range records {
		fmt.Fprintf(&b, "- %s: %s: %s\n", categoryLabel(r.Category), r.Key, r.Value.String())
	}
	return b.String()
}

func categoryLabel(c domain.Category) string {
	switch c {
	case domain.CategoryPreference:
		return "Preference"
	case domain.CategoryContact:
		return "Contact"
	default:
		return "Memory"
	}
}
