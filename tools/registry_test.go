package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string) Tool {
	return Tool{
		Descriptor: Descriptor{Name: name, Description: "echo"},
		Invoke: func(_ context.Context, args json.RawMessage) (string, error) {
			return string(args), nil
		},
	}
}

func TestRegistryRegisterAndNames(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool("b"))
	reg.Register(echoTool("a"))
	reg.Register(echoTool("c"))

	assert.Equal(t, []string{"a", "b", "c"}, reg.Names())
	assert.Equal(t, 3, reg.Count())

	defs := reg.Definitions()
	require.Len(t, defs, 3)
	assert.Equal(t, "a", defs[0].Name)

	reg.Unregister("b")
	_, ok := reg.Get("b")
	assert.False(t, ok)
}

func TestRegistrySubset(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool("a"))
	reg.Register(echoTool("b"))

	sub := reg.Subset("a", "missing")
	assert.Equal(t, []string{"a"}, sub.Names())

	sub.Register(echoTool("z"))
	_, ok := reg.Get("z")
	assert.False(t, ok, "subset must not share state with the parent")
}

func TestRegistryInvoke(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool("echo"))
	reg.Register(Tool{
		Descriptor: Descriptor{Name: "fail"},
		Invoke: func(context.Context, json.RawMessage) (string, error) {
			return "partial", errors.New("boom")
		},
	})

	out, err := reg.Invoke(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", out)

	_, err = reg.Invoke(context.Background(), "nope", nil)
	assert.True(t, errors.Is(err, ErrUnknownTool))

	out, err = reg.Invoke(context.Background(), "fail", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrToolFailure))
	assert.Equal(t, "partial", out)
	assert.Equal(t, "Error: boom\n\nOutput:\npartial", FormatError(err))
}

func TestFormatErrorWithoutOutput(t *testing.T) {
	assert.Equal(t, "Error: plain", FormatError(errors.New("plain")))
}

func TestArgs(t *testing.T) {
	args, err := ParseArgs(json.RawMessage(`{"s":"x","n":3,"b":true}`))
	require.NoError(t, err)

	s, ok := args.String("s")
	assert.True(t, ok)
	assert.Equal(t, "x", s)
	n, ok := args.Int("n")
	assert.True(t, ok)
	assert.Equal(t, 3, n)
	b, _ := args.Bool("b")
	assert.True(t, b)

	_, err = args.RequireString("missing")
	assert.EqualError(t, err, "missing is required")

	_, err = ParseArgs(json.RawMessage(`not json`))
	assert.Error(t, err)

	empty, err := ParseArgs(json.RawMessage(`null`))
	require.NoError(t, err)
	assert.NotNil(t, empty)
}
