package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outputRow struct {
	ID     string  `json:"id"`
	Count  int     `json:"count"`
	Ratio  float64 `json:"ratio"`
	hidden string
}

func TestFormatOutputTableSlice(t *testing.T) {
	rows := []outputRow{
		{ID: "a", Count: 1, Ratio: 0.5},
		{ID: "b", Count: 2, Ratio: 0.25},
	}

	out, err := FormatOutput(rows, OutputTable)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "ID")
	assert.Contains(t, lines[0], "COUNT")
	assert.Contains(t, lines[0], "RATIO")
	assert.Contains(t, lines[1], "a")
	assert.Contains(t, lines[2], "0.25")
}

func TestFormatOutputTableEmptySlice(t *testing.T) {
	out, err := FormatOutput([]outputRow{}, OutputTable)
	require.NoError(t, err)
	assert.Equal(t, "No items\n", out)
}

func TestFormatOutputTableStruct(t *testing.T) {
	out, err := FormatOutput(outputRow{ID: "solo", Count: 7}, OutputTable)
	require.NoError(t, err)

	assert.Contains(t, out, "id")
	assert.Contains(t, out, "solo")
	assert.Contains(t, out, "7")
	assert.NotContains(t, out, "hidden", "unexported fields stay out of the table")
}

func TestFormatOutputJSON(t *testing.T) {
	out, err := FormatOutput([]outputRow{{ID: "a", Count: 1}}, OutputJSON)
	require.NoError(t, err)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "a", decoded[0]["id"])
}

func TestFormatOutputYAML(t *testing.T) {
	out, err := FormatOutput(outputRow{ID: "a"}, OutputYAML)
	require.NoError(t, err)
	assert.Contains(t, out, "id: a")
}

func TestPrintOutputQuiet(t *testing.T) {
	buf := &bytes.Buffer{}
	opts := &OutputOptions{Format: OutputTable, Quiet: true, Writer: buf}

	require.NoError(t, PrintOutput(outputRow{ID: "a"}, opts))
	assert.Empty(t, buf.String())
}

func TestPrintSuccessJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	opts := &OutputOptions{Format: OutputJSON, Writer: buf}

	PrintSuccess("done", opts)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, true, decoded["success"])
	assert.Equal(t, "done", decoded["message"])
}

func TestPrintErrorTableGoesToStderr(t *testing.T) {
	buf := &bytes.Buffer{}
	opts := &OutputOptions{Format: OutputTable, Writer: buf}

	PrintError(errors.New("boom"), opts)
	assert.Empty(t, buf.String(), "errors never land on the data writer")
}
