package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func capture(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	prevOut, prevErr, prevNoColor := Out, Err, color.NoColor
	Out, Err = &out, &errOut
	color.NoColor = true
	t.Cleanup(func() {
		Out, Err, color.NoColor = prevOut, prevErr, prevNoColor
	})
	return &out, &errOut
}

func TestMessages(t *testing.T) {
	tests := []struct {
		name     string
		print    func()
		toStderr bool
		want     []string
	}{
		{"success", func() { Success("Created %d items", 5) }, false, []string{"✓", "Created 5 items"}},
		{"error", func() { Error("Failed to connect to %s", "server") }, true, []string{"✗", "Failed to connect to server"}},
		{"info", func() { Info("Processing %d of %d", 5, 10) }, false, []string{"Processing 5 of 10"}},
		{"warn", func() { Warn("Disk usage is %d%%", 95) }, false, []string{"⚠", "Disk usage is 95%"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, errOut := capture(t)
			tt.print()

			got := out.String()
			if tt.toStderr {
				got = errOut.String()
				assert.Empty(t, out.String())
			}
			for _, w := range tt.want {
				assert.Contains(t, got, w)
			}
		})
	}
}

func TestInfo_NoMarks(t *testing.T) {
	out, _ := capture(t)
	Info("Information message")
	assert.NotContains(t, out.String(), "✓")
	assert.NotContains(t, out.String(), "✗")
}

func TestJSON(t *testing.T) {
	out, _ := capture(t)
	require.NoError(t, JSON(map[string]any{"user": map[string]any{"name": "alice"}}))

	assert.Contains(t, out.String(), "    \"name\":")
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &parsed))
}

func TestYAML(t *testing.T) {
	out, _ := capture(t)
	type group struct {
		Fingerprint string `yaml:"fingerprint"`
		Occurrences int64  `yaml:"occurrences"`
	}
	require.NoError(t, YAML([]group{{Fingerprint: "abc", Occurrences: 3}}))

	var parsed []group
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &parsed))
	require.Len(t, parsed, 1)
	assert.Equal(t, "abc", parsed[0].Fingerprint)
	assert.Equal(t, int64(3), parsed[0].Occurrences)
}

func TestPrint(t *testing.T) {
	data := map[string]int{"total": 2}
	table := func() *Table {
		tbl := NewTable([]string{"Total"})
		tbl.AddRow([]string{"2"})
		return tbl
	}

	tests := []struct {
		format string
		want   string
	}{
		{FormatJSON, `"total": 2`},
		{FormatYAML, "total: 2"},
		{FormatTable, "Total"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			out, _ := capture(t)
			require.NoError(t, Print(tt.format, data, table))
			assert.Contains(t, out.String(), tt.want)
		})
	}
}

func TestValidFormat(t *testing.T) {
	assert.NoError(t, ValidFormat("table"))
	assert.NoError(t, ValidFormat("yaml"))
	assert.Error(t, ValidFormat("xml"))
}

func TestTable_Render(t *testing.T) {
	out, _ := capture(t)

	table := NewTable([]string{"ID", "Name"})
	table.AddRow([]string{"1", "alice"})
	table.AddRow([]string{"22", "bob"})
	table.Render()

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "ID  Name   ", lines[0])
	assert.Equal(t, "--  -----  ", lines[1])
	assert.Equal(t, "1   alice  ", lines[2])
	assert.Equal(t, "22  bob    ", lines[3])
}

func TestTable_ColoredCellsAlign(t *testing.T) {
	out, _ := capture(t)
	color.NoColor = false

	table := NewTable([]string{"Health", "X"})
	table.AddRow([]string{Health("critical"), "1"})
	table.AddRow([]string{Health(""), "2"})
	table.Render()

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasSuffix(lines[2], "  1  "))
	assert.Equal(t, "-         2  ", lines[3])
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly ten", 11, "exactly ten"},
		{"this is far too long", 10, "this is..."},
		{"héllo wörld", 8, "héllo..."},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Truncate(tt.in, tt.max))
	}
}
