package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"robotfleet/internal/domain"
)

func TestParseStatus(t *testing.T) {
	for raw, want := range map[string]bool{
		"true": true, "1": true, "healthy": true, "UP": true,
		"false": false, "0": false, "unhealthy": false, "down": false,
	} {
		got, err := parseStatus(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := parseStatus("maybe")
	assert.ErrorIs(t, err, domain.ErrInvalid)
}

func TestParseHealthyFlag(t *testing.T) {
	got, err := parseHealthyFlag("")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = parseHealthyFlag("false")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, *got)
}

func TestParseID(t *testing.T) {
	id, err := parseID(" 42 ")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, raw := range []string{"", "0", "-3", "abc"} {
		_, err := parseID(raw)
		assert.ErrorIs(t, err, domain.ErrInvalid, raw)
	}
}

func TestGenerateAPIKey(t *testing.T) {
	a, err := generateAPIKey()
	require.NoError(t, err)
	b, err := generateAPIKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(a, "fleet_"))
	assert.Len(t, a, len("fleet_")+48)
	assert.NotEqual(t, a, b)
}
