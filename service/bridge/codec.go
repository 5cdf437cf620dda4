package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrInvalidJSON is returned by Decode when the text is not valid JSON.
var ErrInvalidJSON = errors.New("invalid json")

// Object is a JSON object that remembers the order of its members.
type Object struct {
	keys   []string
	values map[string]any
}

// NewObject returns an empty object.
func NewObject() *Object {
	return &Object{
		values: make(map[string]any),
	}
}

// Set sets a member. A new key is appended, an existing key keeps its position.
func (o *Object) Set(key string, value any) *Object {
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = value
	return o
}

// Get returns the member with the given key.
func (o *Object) Get(key string) (value any, ok bool) {
	value, ok = o.values[key]
	return
}

// Keys returns the member keys in order.
func (o *Object) Keys() []string {
	return append([]string(nil), o.keys...)
}

// Len returns the number of members.
func (o *Object) Len() int {
	return len(o.keys)
}

// Decode parses JSON text into a tree of *Object, []any, string, float64,
// bool and nil.
func Decode(text string) (any, error) {
	if !gjson.Valid(text) {
		return nil, ErrInvalidJSON
	}
	return fromResult(gjson.Parse(text)), nil
}

func fromResult(r gjson.Result) any {
	switch r.Type {
	case gjson.Null:
		return nil
	case gjson.False:
		return false
	case gjson.True:
		return true
	case gjson.Number:
		return r.Num
	case gjson.String:
		return r.Str
	case gjson.JSON:
		if r.IsArray() {
			arr := make([]any, 0)
			r.ForEach(func(_, v gjson.Result) bool {
				arr = append(arr, fromResult(v))
				return true
			})
			return arr
		}
		obj := NewObject()
		r.ForEach(func(k, v gjson.Result) bool {
			obj.Set(k.Str, fromResult(v))
			return true
		})
		return obj
	}
	return nil
}

// Unmarshal decodes text like Decode, but returns the text itself if it is
// not valid JSON.
func Unmarshal(text string) any {
	v, err := Decode(text)
	if err != nil {
		return text
	}
	return v
}

// Encode returns the compact JSON text of a tree.
// Values that have no JSON representation become null.
func Encode(tree any) string {
	var sb strings.Builder
	encode(&sb, tree, "", "")
	return sb.String()
}

// EncodeIndent is like Encode but puts every member and element on its own
// line, indented by indent per nesting level.
func EncodeIndent(tree any, indent string) string {
	var sb strings.Builder
	encode(&sb, tree, "\n", indent)
	return sb.String()
}

func encode(sb *strings.Builder, v any, prefix, indent string) {
	switch x := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		sb.WriteString(strconv.FormatBool(x))
	case string:
		sb.WriteString(quote(x))
	case float64:
		sb.WriteString(formatNumber(x))
	case float32:
		sb.WriteString(formatNumber(float64(x)))
	case int:
		sb.WriteString(strconv.Itoa(x))
	case int64:
		sb.WriteString(strconv.FormatInt(x, 10))
	case uint64:
		sb.WriteString(strconv.FormatUint(x, 10))
	case []any:
		if len(x) == 0 {
			sb.WriteString("[]")
			return
		}
		inner := prefix + indent
		sb.WriteByte('[')
		for i, item := range x {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(inner)
			encode(sb, item, inner, indent)
		}
		sb.WriteString(prefix)
		sb.WriteByte(']')
	case []string:
		items := make([]any, len(x))
		for i, s := range x {
			items[i] = s
		}
		encode(sb, items, prefix, indent)
	case *Object:
		if x == nil {
			sb.WriteString("null")
			return
		}
		encodeMembers(sb, x.keys, func(k string) any { return x.values[k] }, prefix, indent)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		encodeMembers(sb, keys, func(k string) any { return x[k] }, prefix, indent)
	default:
		sb.WriteString("null")
	}
}

func encodeMembers(sb *strings.Builder, keys []string, get func(string) any, prefix, indent string) {
	if len(keys) == 0 {
		sb.WriteString("{}")
		return
	}
	inner := prefix + indent
	sep := ":"
	if indent != "" {
		sep = ": "
	}
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(inner)
		sb.WriteString(quote(k))
		sb.WriteString(sep)
		encode(sb, get(k), inner, indent)
	}
	sb.WriteString(prefix)
	sb.WriteByte('}')
}

func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f), math.IsInf(f, 0):
		return "null"
	case f == math.Trunc(f) && math.Abs(f) < 1e15:
		return strconv.FormatInt(int64(f), 10)
	default:
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
}

func quote(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return `""`
	}
	return strings.TrimSuffix(buf.String(), "\n")
}
