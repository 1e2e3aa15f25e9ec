package loopdetect

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// HashArgs hashes tool arguments over canonical JSON, so key order and
// insignificant whitespace do not change the result.
func HashArgs(args json.RawMessage) string {
	b, err := CanonicalJSON(args)
	if err != nil {
		b = bytes.TrimSpace(args)
	}
	return digest(b)
}

// CanonicalJSON re-encodes raw JSON with sorted object keys.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("{}"), nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(normalizeJSONValue(v))
}

// HashResult hashes a tool result after NormalizeResult.
func HashResult(result string) string {
	return digest([]byte(NormalizeResult(result)))
}

var volatile = []struct {
	re   *regexp.Regexp
	mask string
}{
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(:\d{2}(\.\d+)?)?(Z|[+-]\d{2}:?\d{2})?`), "<ts>"},
	{regexp.MustCompile(`\b\d{1,2}:\d{2}:\d{2}(\.\d+)?\b`), "<time>"},
	{regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`), "<uuid>"},
	{regexp.MustCompile(`(?i)\b[0-9a-f]{16,}\b`), "<hex>"},
	{regexp.MustCompile(`\b\d+(\.\d+)?(ns|us|µs|ms|s)\b`), "<dur>"},
}

// NormalizeResult masks timestamps, uuids, long hex ids and durations, then
// collapses whitespace.
func NormalizeResult(result string) string {
	for _, v := range volatile {
		result = v.re.ReplaceAllString(result, v.mask)
	}
	return strings.Join(strings.Fields(result), " ")
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

func normalizeJSONValue(v any) any {
	if v == nil {
		return nil
	}
	switch vv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, value := range vv {
			out[k] = normalizeJSONValue(value)
		}
		return out
	case []any:
		out := make([]any, len(vv))
		for i := range vv {
			out[i] = normalizeJSONValue(vv[i])
		}
		return out
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Map {
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = normalizeJSONValue(iter.Value().Interface())
		}
		return out
	}
	return v
}
