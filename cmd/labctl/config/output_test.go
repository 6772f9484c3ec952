package config

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputterJSON(t *testing.T) {
	var buf bytes.Buffer
	out := NewOutputterTo("json", &buf)

	require.NoError(t, out.Print(map[string]string{"name": "lab"}))
	assert.JSONEq(t, `{"name":"lab"}`, buf.String())
	assert.False(t, out.IsTable())
}

func TestOutputterYAML(t *testing.T) {
	var buf bytes.Buffer
	out := NewOutputterTo("yaml", &buf)

	require.NoError(t, out.Print(map[string]string{"name": "lab"}))
	assert.Contains(t, buf.String(), "name: lab")
}

func TestOutputterTable(t *testing.T) {
	var buf bytes.Buffer
	out := NewOutputterTo("table", &buf)

	require.True(t, out.IsTable())
	out.Table([]string{"ID", "NAME"}, [][]string{{"p1", "lab"}})
	assert.Contains(t, buf.String(), "lab")

	// Structured encoding is undefined for tables.
	assert.Error(t, out.Print(map[string]string{}))
}

func TestOutputterUnknownFormat(t *testing.T) {
	out := NewOutputterTo("xml", &bytes.Buffer{})
	assert.Error(t, out.Print("x"))
}
