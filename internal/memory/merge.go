package memory

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"

	"inbox-memory/internal/domain"
)

type MergeOutcome string

const (
	MergeCreated   MergeOutcome = "created"
	MergeRefreshed MergeOutcome = "refreshed"
	MergeUnchanged MergeOutcome = "unchanged"
	MergeReplaced  MergeOutcome = "replaced"
	MergeDropped   MergeOutcome = "dropped"
)

// Writes reports whether the merged record has to be committed.
func (o MergeOutcome) Writes() bool {
	return o == MergeCreated || o == MergeRefreshed || o == MergeReplaced
}

// Merge reconciles candidate c with the stored record for (namespace, c.Key).
// A differing value only replaces the stored one when c.Confidence meets
// threshold. Merge is pure and idempotent.
func Merge(existing *domain.MemoryRecord, namespace string, c domain.CandidateFact, threadID string, threshold float64) (domain.MemoryRecord, MergeOutcome) {
	if existing == nil {
		return domain.MemoryRecord{
			Namespace:       namespace,
			Key:             c.Key,
			Category:        c.Category,
			Value:           c.Value,
			Confidence:      c.Confidence,
			LastUpdatedFrom: threadID,
		}, MergeCreated
	}

	out := *existing
	if ValuesEqual(existing.Value, c.Value) {
		if existing.LastUpdatedFrom == threadID {
			return out, MergeUnchanged
		}
		out.LastUpdatedFrom = threadID
		return out, MergeRefreshed
	}
	// NaN on either side never satisfies the comparison.
	if c.Confidence >= threshold {
		out.Value = c.Value
		out.Confidence = c.Confidence
		out.LastUpdatedFrom = threadID
		return out, MergeReplaced
	}
	return out, MergeDropped
}

// unitInterval reports whether f lies in [0, 1]. NaN does not.
func unitInterval(f float64) bool {
	return f >= 0 && f <= 1
}

// ValuesEqual compares text case- and whitespace-insensitively and structured
// payloads by JSON structure.
func ValuesEqual(a, b domain.Value) bool {
	ak, bk := kindOf(a), kindOf(b)
	if ak != bk {
		return false
	}
	if ak == domain.ValueText {
		return foldText(a.Text) == foldText(b.Text)
	}
	var av, bv any
	if json.Unmarshal(a.Data, &av) != nil || json.Unmarshal(b.Data, &bv) != nil {
		return bytes.Equal(bytes.TrimSpace(a.Data), bytes.TrimSpace(b.Data))
	}
	return reflect.DeepEqual(av, bv)
}

func kindOf(v domain.Value) domain.ValueKind {
	if v.Kind == domain.ValueStructured {
		return domain.ValueStructured
	}
	return domain.ValueText
}

func foldText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
