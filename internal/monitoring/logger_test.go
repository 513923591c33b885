package monitoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = format
	})
	Logf("[Control] tick")
	assert.Equal(t, "[Control] tick", got)

	got = ""
	SetLogger(nil)
	Logf("muted")
	assert.Empty(t, got, "no-op logger should not reach the previous logger")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		" warn ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"bogus":   zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestUseZap(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	flush, err := UseZap("error", false)
	require.NoError(t, err)
	defer flush()

	assert.NotNil(t, Zap())
	assert.False(t, Zap().Core().Enabled(zapcore.InfoLevel))
	assert.True(t, Zap().Core().Enabled(zapcore.ErrorLevel))

	// Must not panic once routed through zap.
	Logf("[Control] routed %d", 1)
}
