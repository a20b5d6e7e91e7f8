package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCtx() map[string]any {
	return map[string]any{
		"input": map[string]any{
			"name":    "api",
			"replicas": float64(3),
			"enabled": true,
			"ports":   []any{float64(80), float64(443)},
			"labels":  map[string]any{"team": "platform"},
		},
		"steps": map[string]any{
			"fetch": map[string]any{
				"result": map[string]any{"status": float64(200)},
			},
		},
	}
}

func TestExactMatchPreservesType(t *testing.T) {
	v, err := ExpandString("{{input.replicas}}", testCtx(), MissingError)
	require.NoError(t, err)
	assert.Equal(t, float64(3), v)

	v, err = ExpandString("{{input.enabled}}", testCtx(), MissingError)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = ExpandString("{{input.ports}}", testCtx(), MissingError)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(80), float64(443)}, v)
}

func TestInterpolationStringifies(t *testing.T) {
	v, err := ExpandString("app={{input.name}} n={{input.replicas}}", testCtx(), MissingError)
	require.NoError(t, err)
	assert.Equal(t, "app=api n=3", v)

	v, err = ExpandString("labels={{input.labels}}", testCtx(), MissingError)
	require.NoError(t, err)
	assert.Equal(t, `labels={"team":"platform"}`, v)
}

func TestNestedAndIndexedPaths(t *testing.T) {
	v, err := ExpandString("{{steps.fetch.result.status}}", testCtx(), MissingError)
	require.NoError(t, err)
	assert.Equal(t, float64(200), v)

	v, err = ExpandString("{{input.ports.1}}", testCtx(), MissingError)
	require.NoError(t, err)
	assert.Equal(t, float64(443), v)
}

func TestMissingModes(t *testing.T) {
	_, err := ExpandString("{{input.ghost}}", testCtx(), MissingError)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input.ghost")

	v, err := ExpandString("{{input.ghost}}", testCtx(), MissingEmpty)
	require.NoError(t, err)
	assert.Equal(t, "", v)

	v, err = ExpandString("{{input.ghost}}", testCtx(), MissingNull)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestOptionalPlaceholder(t *testing.T) {
	v, err := ExpandString("{{?input.ghost}}", testCtx(), MissingError)
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = ExpandString("x={{?input.ghost}}y", testCtx(), MissingError)
	require.NoError(t, err)
	assert.Equal(t, "x=y", v)
}

func TestExpandWalksContainers(t *testing.T) {
	in := map[string]any{
		"cmd":  "kubectl",
		"args": []any{"scale", "--replicas={{input.replicas}}", "deploy/{{input.name}}"},
		"meta": map[string]any{"raw": "{{input.ports}}"},
	}
	out, err := Expand(in, testCtx(), MissingError)
	require.NoError(t, err)

	m := out.(map[string]any)
	assert.Equal(t, "kubectl", m["cmd"])
	assert.Equal(t, []any{"scale", "--replicas=3", "deploy/api"}, m["args"])
	assert.Equal(t, []any{float64(80), float64(443)}, m["meta"].(map[string]any)["raw"])
}

func TestLexErrors(t *testing.T) {
	_, err := ExpandString("{{input.name", testCtx(), MissingError)
	require.Error(t, err)

	_, err = ExpandString("{{}}", testCtx(), MissingError)
	require.Error(t, err)
}

func TestParseMissingMode(t *testing.T) {
	m, err := ParseMissingMode("")
	require.NoError(t, err)
	assert.Equal(t, MissingError, m)

	_, err = ParseMissingMode("bogus")
	require.Error(t, err)
}
