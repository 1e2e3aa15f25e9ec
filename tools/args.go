package tools

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Args is a decoded tool argument object.
type Args map[string]interface{}

// ParseArgs decodes raw tool call arguments into an object.
func ParseArgs(raw json.RawMessage) (Args, error) {
	if len(raw) == 0 {
		return Args{}, nil
	}
	var args Args
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, errors.Wrap(err, "invalid tool arguments")
	}
	if args == nil {
		args = Args{}
	}
	return args, nil
}

func (a Args) String(key string) (string, bool) {
	v, ok := a[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// RequireString returns a non-empty string argument or an error naming it.
func (a Args) RequireString(key string) (string, error) {
	s, ok := a.String(key)
	if !ok || s == "" {
		return "", errors.Errorf("%s is required", key)
	}
	return s, nil
}

func (a Args) Int(key string) (int, bool) {
	v, ok := a[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

func (a Args) Bool(key string) (bool, bool) {
	v, ok := a[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
