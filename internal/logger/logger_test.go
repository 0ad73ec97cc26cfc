package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]LogLevel{
		"debug": DEBUG, "INFO": INFO, "warning": WARN, "Error": ERROR, "none": SILENT,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)

	l.Info("Store", "hidden")
	l.Warn("Store", "write failed for %s", "P1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] [Store] write failed for P1")
}

func TestSilentWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	l := New(SILENT, &buf, false)
	l.Error("Main", "boom")
	assert.Empty(t, buf.String())
}

func TestAdaptersUseGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	Init(DEBUG, &buf, false)
	t.Cleanup(func() { Init(INFO, nil, false) })

	Migrate{}.Printf("applied %d\n", 1)
	assert.True(t, Migrate{}.Verbose())

	PionFactory{}.NewLogger("ice").Warnf("candidate %s", "udp4")

	out := buf.String()
	assert.Contains(t, out, "[INFO] [Migrate] applied 1")
	assert.Contains(t, out, "[WARN] [pion/ice] candidate udp4")
}
