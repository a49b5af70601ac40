package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	m, err := ParseMode("async")
	require.NoError(t, err)
	assert.Equal(t, ModeAsync, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeUnset, m)
	assert.Equal(t, "unset", m.String())

	_, err = ParseMode("later")
	assert.Error(t, err)
}
