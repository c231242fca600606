package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestGetInitialsFromName(t *testing.T) {
	cases := []struct {
		name, email, want string
	}{
		{"Amina Diallo", "", "AD"},
		{"  omar ", "", "OM"},
		{"José Ángel Pérez", "", "JÁ"},
		{"", "fatima.sy@example.com", "FS"},
		{"", "x@example.com", "X"},
		{"", "", "U"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, GetInitialsFromName(tc.name, tc.email), "name=%q email=%q", tc.name, tc.email)
	}
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger("production", "warn")
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Core().Enabled(zapcore.WarnLevel))

	log, err = NewLogger("development", "")
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))

	_, err = NewLogger("development", "loud")
	assert.Error(t, err)
}
