// Package normalize converts conversation turns of unknown shape into
// domain.Turn values. It is the only place that decides whether a record is
// read by key or by attribute; everything downstream consumes domain.Turn.
package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/tidwall/gjson"

	"inbox-memory/internal/domain"
)

const (
	fieldRole      = "role"
	fieldType      = "type"
	fieldContent   = "content"
	fieldToolCalls = "tool_calls"
	fieldName      = "name"
	fieldID        = "id"
	fieldArguments = "arguments"
	fieldArgs      = "args"
	fieldFunction  = "function"
	fieldText      = "text"
)

// Turn normalizes a single raw record. It never panics and never fails: any
// missing, null or mistyped field resolves to its empty default.
func Turn(raw any) domain.Turn {
	t, _ := Inspect(raw)
	return t
}

// Turns normalizes raws one-to-one, preserving order.
func Turns(raws []any) []domain.Turn {
	out := make([]domain.Turn, len(raws))
	for i, r := range raws {
		out[i] = Turn(r)
	}
	return out
}

// TurnsOf is Turns for typed slices such as []json.RawMessage or []map[string]any.
func TurnsOf[T any](raws []T) []domain.Turn {
	out := make([]domain.Turn, len(raws))
	for i, r := range raws {
		out[i] = Turn(r)
	}
	return out
}

// Inspect normalizes raw and reports which fields fell back to defaults.
func Inspect(raw any) (domain.Turn, []string) {
	var defaulted []string
	note := func(f string) { defaulted = append(defaulted, f) }

	acc := classify(raw)
	turn := domain.Turn{RawKind: acc.kind(), ToolCalls: []domain.ToolCall{}}

	role, ok := textField(acc, fieldRole)
	if !ok {
		role, ok = textField(acc, fieldType)
	}
	turn.Role = parseRole(role)
	if !ok || turn.Role == "" {
		note(fieldRole)
	}

	content, ok := contentField(acc)
	turn.Content = content
	if !ok {
		note(fieldContent)
	}

	entries, ok := listField(acc, fieldToolCalls)
	if !ok {
		note(fieldToolCalls)
	}
	for i, e := range entries {
		tc, missed := toolCall(e)
		for _, m := range missed {
			note(fmt.Sprintf("%s[%d].%s", fieldToolCalls, i, m))
		}
		turn.ToolCalls = append(turn.ToolCalls, tc)
	}
	return turn, defaulted
}

// Normalizer wraps the package functions with diagnostic logging of fields
// that resolved to defaults.
type Normalizer struct {
	Logger *slog.Logger
}

func (n Normalizer) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

func (n Normalizer) Turn(ctx context.Context, raw any) domain.Turn {
	t, defaulted := Inspect(raw)
	if len(defaulted) > 0 {
		n.logger().DebugContext(ctx, "turn field resolved to default",
			"raw_kind", t.RawKind,
			"fields", defaulted,
		)
	}
	return t
}

func (n Normalizer) Turns(ctx context.Context, raws []any) []domain.Turn {
	out := make([]domain.Turn, len(raws))
	for i, r := range raws {
		out[i] = n.Turn(ctx, r)
	}
	return out
}

func parseRole(s string) domain.Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user", "human":
		return domain.RoleUser
	case "assistant", "ai":
		return domain.RoleAssistant
	case "tool", "function":
		return domain.RoleTool
	case "system", "developer":
		return domain.RoleSystem
	default:
		return ""
	}
}

func toolCall(raw any) (domain.ToolCall, []string) {
	var missed []string
	acc := classify(raw)
	tc := domain.ToolCall{Arguments: map[string]any{}}

	var fn accessor
	if v, ok := acc.get(fieldFunction); ok {
		fn = classify(v)
	}

	var ok bool
	if tc.Name, ok = textField(acc, fieldName); !ok && fn != nil {
		tc.Name, ok = textField(fn, fieldName)
	}
	if !ok {
		missed = append(missed, fieldName)
	}
	if tc.ID, ok = textField(acc, fieldID); !ok {
		missed = append(missed, fieldID)
	}

	args, found := acc.get(fieldArguments)
	if !found {
		args, found = acc.get(fieldArgs)
	}
	if !found && fn != nil {
		args, found = fn.get(fieldArguments)
	}
	if m, ok := toArguments(args); found && ok {
		tc.Arguments = m
	} else {
		missed = append(missed, fieldArguments)
	}
	return tc, missed
}

func textField(acc accessor, name string) (string, bool) {
	v, ok := acc.get(name)
	if !ok {
		return "", false
	}
	return toText(v)
}

func toText(v any) (string, bool) {
	if s, ok := v.(string); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.IsValid() && rv.Kind() == reflect.String {
		return rv.String(), true
	}
	return "", false
}

// contentField accepts plain text or a list of content blocks, keeping only
// the text parts.
func contentField(acc accessor) (string, bool) {
	v, ok := acc.get(fieldContent)
	if !ok {
		return "", false
	}
	if s, ok := toText(v); ok {
		return s, true
	}
	blocks, ok := toList(v)
	if !ok {
		return "", false
	}
	var parts []string
	for _, b := range blocks {
		if s, ok := toText(b); ok {
			parts = append(parts, s)
			continue
		}
		ba := classify(b)
		if typ, ok := textField(ba, fieldType); ok && typ != fieldText {
			continue
		}
		if s, ok := textField(ba, fieldText); ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n"), true
}

func listField(acc accessor, name string) ([]any, bool) {
	v, ok := acc.get(name)
	if !ok {
		return nil, false
	}
	if list, ok := toList(v); ok {
		return list, true
	}
	// A lone record is treated as a one-element list.
	if isRecord(v) {
		return []any{v}, true
	}
	return nil, false
}

func toList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case json.RawMessage:
		return jsonList(l)
	case []byte:
		return jsonList(l)
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func jsonList(b []byte) ([]any, bool) {
	if !gjson.ValidBytes(b) {
		return nil, false
	}
	res := gjson.ParseBytes(b)
	if !res.IsArray() {
		return nil, false
	}
	out := make([]any, 0, len(res.Array()))
	for _, e := range res.Array() {
		out = append(out, e.Value())
	}
	return out, true
}

func isRecord(v any) bool {
	switch classify(v).(type) {
	case mappingAccessor, mapAccessor, reflectMapAccessor, jsonAccessor:
		return true
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return false
		}
		rv = rv.Elem()
	}
	return rv.Kind() == reflect.Struct
}

// toArguments turns an opaque payload into a JSON-style object. Payloads that
// are not objects are rejected.
func toArguments(v any) (map[string]any, bool) {
	switch a := v.(type) {
	case nil:
		return nil, false
	case map[string]any:
		out := make(map[string]any, len(a))
		for k, val := range a {
			out[k] = val
		}
		return out, true
	case string:
		return decodeObject([]byte(a))
	case json.RawMessage:
		return decodeObject(a)
	case []byte:
		return decodeObject(a)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return decodeObject(b)
}

func decodeObject(b []byte) (map[string]any, bool) {
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil || out == nil {
		return nil, false
	}
	return out, true
}
