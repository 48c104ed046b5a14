package normalize

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/tidwall/gjson"

	"inbox-memory/internal/domain"
)

// Mapping is implemented by records that support key lookup with a default.
// Values implementing it are always treated as mapping-shaped.
type Mapping interface {
	GetOr(key string, def any) any
}

// accessor resolves one named field of a raw record. ok is false when the
// field is absent or null.
type accessor interface {
	get(name string) (v any, ok bool)
	kind() domain.RawKind
}

var missing = &struct{ name string }{"missing"}

// classify picks the lookup style for raw exactly once.
func classify(raw any) accessor {
	switch r := raw.(type) {
	case nil:
		return objectAccessor{}
	case Mapping:
		return mappingAccessor{m: r}
	case map[string]any:
		return mapAccessor{m: r}
	case json.RawMessage:
		return classifyJSON(r, raw)
	case []byte:
		return classifyJSON(r, raw)
	case string:
		if res := gjson.Parse(r); gjson.Valid(r) && res.IsObject() {
			return jsonAccessor{res: res}
		}
		return objectAccessor{}
	}

	v := reflect.ValueOf(raw)
	if v.Kind() == reflect.Map && v.Type().Key().Kind() == reflect.String {
		return reflectMapAccessor{v: v}
	}
	return objectAccessor{v: v}
}

func classifyJSON(b []byte, raw any) accessor {
	if gjson.ValidBytes(b) {
		if res := gjson.ParseBytes(b); res.IsObject() {
			return jsonAccessor{res: res}
		}
	}
	return objectAccessor{v: reflect.ValueOf(raw)}
}

type mappingAccessor struct{ m Mapping }

func (a mappingAccessor) get(name string) (v any, ok bool) {
	defer func() {
		if recover() != nil {
			v, ok = nil, false
		}
	}()
	v = a.m.GetOr(name, missing)
	if v == any(missing) || isNil(v) {
		return nil, false
	}
	return v, true
}

func (mappingAccessor) kind() domain.RawKind { return domain.RawKindMapping }

type mapAccessor struct{ m map[string]any }

func (a mapAccessor) get(name string) (any, bool) {
	v, ok := a.m[name]
	if !ok || isNil(v) {
		return nil, false
	}
	return v, true
}

func (mapAccessor) kind() domain.RawKind { return domain.RawKindMapping }

type reflectMapAccessor struct{ v reflect.Value }

func (a reflectMapAccessor) get(name string) (any, bool) {
	if a.v.IsNil() {
		return nil, false
	}
	key := reflect.ValueOf(name).Convert(a.v.Type().Key())
	e := a.v.MapIndex(key)
	if !e.IsValid() || !e.CanInterface() {
		return nil, false
	}
	out := e.Interface()
	if isNil(out) {
		return nil, false
	}
	return out, true
}

func (reflectMapAccessor) kind() domain.RawKind { return domain.RawKindMapping }

// jsonAccessor reads raw JSON objects without decoding the whole payload.
type jsonAccessor struct{ res gjson.Result }

func (a jsonAccessor) get(name string) (any, bool) {
	r := a.res.Get(gjson.Escape(name))
	if !r.Exists() || r.Type == gjson.Null {
		return nil, false
	}
	return r.Value(), true
}

func (jsonAccessor) kind() domain.RawKind { return domain.RawKindMapping }

// objectAccessor looks fields up by attribute: exported struct fields first
// (by json tag or by name, ignoring case and underscores), then zero-argument
// getter methods.
type objectAccessor struct{ v reflect.Value }

func (a objectAccessor) get(name string) (out any, ok bool) {
	defer func() {
		if recover() != nil {
			out, ok = nil, false
		}
	}()
	if !a.v.IsValid() {
		return nil, false
	}
	base := a.v
	for base.Kind() == reflect.Pointer || base.Kind() == reflect.Interface {
		if base.IsNil() {
			return nil, false
		}
		base = base.Elem()
	}
	if base.Kind() == reflect.Struct {
		if f, found := structField(base, name); found {
			return f, !isNil(f)
		}
	}
	camel := camelCase(name)
	for _, m := range []string{"Get" + camel, camel} {
		for _, recv := range []reflect.Value{a.v, base} {
			if v, found := callGetter(recv, m); found {
				return v, !isNil(v)
			}
		}
	}
	return nil, false
}

func (objectAccessor) kind() domain.RawKind { return domain.RawKindObject }

// structField resolves name against the fields of v, including fields
// promoted from embedded structs. Shallower fields shadow deeper ones, as in
// Go selector rules. A nil embedded pointer on the path counts as absent.
func structField(v reflect.Value, name string) (any, bool) {
	want := foldName(name)
	level := [][]int{nil}
	seen := map[reflect.Type]bool{}
	for len(level) > 0 {
		var next [][]int
		for _, path := range level {
			t := v.Type()
			if len(path) > 0 {
				t = v.Type().FieldByIndex(path).Type
			}
			if t.Kind() == reflect.Pointer {
				t = t.Elem()
			}
			if seen[t] {
				continue
			}
			seen[t] = true
			for i := 0; i < t.NumField(); i++ {
				sf := t.Field(i)
				idx := append(append([]int(nil), path...), i)
				tag, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
				if tag == "-" {
					continue
				}
				if sf.Anonymous && tag == "" && embeddedStruct(sf.Type) {
					next = append(next, idx)
					continue
				}
				if !sf.IsExported() {
					continue
				}
				if tag == name || foldName(sf.Name) == want {
					f, err := v.FieldByIndexErr(idx)
					if err != nil {
						return nil, false
					}
					return f.Interface(), true
				}
			}
		}
		level = next
	}
	return nil, false
}

func embeddedStruct(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct
}

func callGetter(recv reflect.Value, name string) (any, bool) {
	if !recv.IsValid() {
		return nil, false
	}
	m := recv.MethodByName(name)
	if !m.IsValid() {
		return nil, false
	}
	mt := m.Type()
	if mt.NumIn() != 0 || mt.NumOut() != 1 {
		return nil, false
	}
	return m.Call(nil)[0].Interface(), true
}

func foldName(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "_", ""))
}

func camelCase(s string) string {
	if s == "id" {
		return "ID"
	}
	parts := strings.Split(s, "_")
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
