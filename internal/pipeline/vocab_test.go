package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadVocabulary(t *testing.T) {
	v, err := LoadVocabulary()
	require.NoError(t, err)

	assert.NotEmpty(t, v.Media)
	assert.NotEmpty(t, v.Subjects)
	assert.NotEmpty(t, v.Styles)
	assert.NotEmpty(t, v.Colors)
}

func TestVocabulary_FirstMatch(t *testing.T) {
	v, err := LoadVocabulary()
	require.NoError(t, err)

	// Word boundaries: "oiled" must not match "oil".
	assert.Empty(t, v.FirstMatch("well oiled machine art", v.Media))
	assert.Equal(t, "oil", v.FirstMatch("Original Oil on canvas", v.Media))

	// List order decides ties: "mixed media" outranks "ink" only by position,
	// but a title with both still returns the earlier term.
	assert.Equal(t, "mixed media", v.FirstMatch("Mixed Media and Ink piece", v.Media))
}

func TestVocabulary_AllMatches(t *testing.T) {
	v, err := LoadVocabulary()
	require.NoError(t, err)

	got := v.AllMatches("Blue and gold abstract with white accents", v.Colors)
	assert.ElementsMatch(t, []string{"blue", "gold", "white"}, got)

	assert.Nil(t, v.AllMatches("no colors here", v.Colors))
}
