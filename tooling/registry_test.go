package tooling

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(content string) Handler {
	return func(context.Context, json.RawMessage) (Result, error) {
		return Result{Content: content}, nil
	}
}

func TestRegisterFirstWins(t *testing.T) {
	r := NewRegistry(nil)

	r.Register(Definition{
		Name:   "search",
		Server: ServerInfo{Name: "mcp-github"},
	}, okHandler("external"))
	r.Register(Definition{
		Name:   "search",
		Server: BuiltinServer,
	}, okHandler("builtin"))

	def, handler, ok := r.Lookup("search")
	require.True(t, ok)
	assert.Equal(t, "mcp-github", def.Server.Name)

	res, err := handler(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "external", res.Content)

	assert.Len(t, r.Definitions(), 1)
}

func TestUnregisterRemovesServerTools(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(Definition{Name: "a", Server: ServerInfo{Name: "srv1"}}, okHandler("a"))
	r.Register(Definition{Name: "b", Server: ServerInfo{Name: "srv2"}}, okHandler("b"))
	r.Register(Definition{Name: "c", Server: ServerInfo{Name: "srv1"}}, okHandler("c"))

	r.Unregister("srv1")

	_, _, ok := r.Lookup("a")
	assert.False(t, ok)
	_, _, ok = r.Lookup("c")
	assert.False(t, ok)
	_, _, ok = r.Lookup("b")
	assert.True(t, ok)

	// A re-registration after removal takes the slot again.
	r.Register(Definition{Name: "a", Server: BuiltinServer}, okHandler("a2"))
	def, _, ok := r.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "builtin", def.Server.Name)
}

type echoParams struct {
	Text  string `json:"text" jsonschema:"description=Text to echo"`
	Times int    `json:"times,omitempty"`
}

func TestRegisterTyped(t *testing.T) {
	r := NewRegistry(nil)
	RegisterTyped(r, Definition{
		Name:   "echo",
		Server: BuiltinServer,
	}, func(_ context.Context, p echoParams) (Result, error) {
		return Result{Content: p.Text}, nil
	})

	def, handler, ok := r.Lookup("echo")
	require.True(t, ok)

	// The generated schema is inlined, with the struct's properties.
	var schema map[string]any
	require.NoError(t, json.Unmarshal(def.InputSchema, &schema))
	assert.Equal(t, "object", schema["type"])
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "text")
	assert.Contains(t, props, "times")

	res, err := handler(context.Background(), json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Content)
	assert.False(t, res.IsError)
}

func TestRegisterTypedInvalidArguments(t *testing.T) {
	r := NewRegistry(nil)
	RegisterTyped(r, Definition{Name: "echo", Server: BuiltinServer},
		func(_ context.Context, p echoParams) (Result, error) {
			return Result{Content: p.Text}, nil
		})

	_, handler, ok := r.Lookup("echo")
	require.True(t, ok)

	// Malformed arguments become an error result fed back to the model,
	// not a handler error.
	res, err := handler(context.Background(), json.RawMessage(`{"text":42}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "invalid arguments")
}

func TestModelDefFallbackSchema(t *testing.T) {
	def := Definition{Name: "bare"}
	md := def.ModelDef()
	schema, ok := md.InputSchema.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "object", schema["type"])
}
