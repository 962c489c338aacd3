package i18n_test

import (
	"testing"

	"github.com/MegaGrindStone/rag-web-ui/internal/i18n"
	"github.com/stretchr/testify/assert"
)

func TestLookup(t *testing.T) {
	assert.Equal(t, "Pensando...", i18n.Lookup("es").Thinking)
	assert.Equal(t, "Thinking...", i18n.Lookup("en").Thinking)
	assert.Equal(t, "Thinking...", i18n.Lookup("fr").Thinking)

	assert.True(t, i18n.Supported("es"))
	assert.False(t, i18n.Supported("fr"))
}

func TestCatalogIsComplete(t *testing.T) {
	en := i18n.Lookup("en")
	for _, lang := range i18n.Languages {
		s := i18n.Lookup(lang)
		assert.Equal(t, lang, s.Lang)
		assert.NotEmpty(t, s.WelcomeTitle, lang)
		assert.NotEmpty(t, s.NoResults, lang)
		assert.NotEmpty(t, s.ConfirmDeleteAll, lang)
		assert.Len(t, s.Modes, len(en.Modes), lang)
	}
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{header: "es-MX,es;q=0.9,en;q=0.8", want: "es"},
		{header: "en-US,en;q=0.9", want: "en"},
		{header: "de-DE,es;q=0.5", want: "es"},
		{header: "", want: "en"},
		{header: "not a header;;", want: "en"},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			assert.Equal(t, tt.want, i18n.Negotiate(tt.header))
		})
	}
}
