package util

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTable(t *testing.T) {
	noColor := color.NoColor
	color.NoColor = false
	defer func() { color.NoColor = noColor }()

	var buf bytes.Buffer
	RenderTable(&buf, []TableColumn{
		{Header: "NAME", Key: "name"},
		{Header: "ADDRESS", Key: "address"},
	}, []map[string]interface{}{
		{"name": color.GreenString("PS5-123"), "address": "192.168.1.20"},
		{"name": "Living Room"},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "NAME        ADDRESS     ", lines[0])
	assert.Equal(t, "----------- ------------", lines[1])
	assert.Equal(t, "Living Room             ", lines[3])
	// Color codes do not count towards the column width.
	assert.Equal(t, len("PS5-123    "), displayWidth(padToWidth(color.GreenString("PS5-123"), 11, false)))
}

func TestRenderTableFormatAndAlign(t *testing.T) {
	var buf bytes.Buffer
	RenderTable(&buf, []TableColumn{
		{Header: "NAME", Key: "name"},
		{Header: "TARGET", Key: "target", AlignRight: true},
		{Header: "PS5", Key: "ps5", Format: func(v interface{}) string {
			if v.(bool) {
				return "yes"
			}
			return "no"
		}},
	}, []map[string]interface{}{
		{"name": "Den", "target": 1000, "ps5": false},
		{"name": "Living Room", "target": 1000100, "ps5": true},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "NAME         TARGET PS5", lines[0])
	assert.Equal(t, "Den            1000 no ", lines[2])
	assert.Equal(t, "Living Room 1000100 yes", lines[3])
}

func TestRenderTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	RenderTable(&buf, []TableColumn{{Header: "NAME", Key: "name"}}, nil)
	assert.Equal(t, "No data to display\n", buf.String())
}

func TestInitLoggerTo(t *testing.T) {
	var buf bytes.Buffer
	InitLoggerTo(&buf, false)
	GetLogger().Debug("hidden")
	GetLogger().Info("shown", "key", "value")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "key=value")

	buf.Reset()
	InitLoggerTo(&buf, true)
	GetLogger().Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}
