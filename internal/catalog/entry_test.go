package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntry_NumericID(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want uint32
	}{
		{name: "canonical url", url: "https://pokeapi.co/api/v2/pokemon/25/", want: 25},
		{name: "first entry", url: "https://pokeapi.co/api/v2/pokemon/1/", want: 1},
		{name: "relative path", url: "/pokemon/151/", want: 151},
		{name: "no trailing slash", url: "https://pokeapi.co/api/v2/pokemon/25", want: 0},
		{name: "no numeric segment", url: "https://pokeapi.co/api/v2/pokemon/pikachu/", want: 0},
		{name: "negative", url: "https://pokeapi.co/api/v2/pokemon/-4/", want: 0},
		{name: "overflow", url: "https://pokeapi.co/api/v2/pokemon/99999999999/", want: 0},
		{name: "empty", url: "", want: 0},
		{name: "single slash", url: "/", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Entry{Name: "x", URL: tt.url}.NumericID())
		})
	}
}

func TestEntry_DisplayName(t *testing.T) {
	assert.Equal(t, "Pikachu", Entry{Name: "pikachu"}.DisplayName())
	assert.Equal(t, "Mr-Mime", Entry{Name: "mr-mime"}.DisplayName())
	assert.Equal(t, "Nidoran-F", Entry{Name: "nidoran-f"}.DisplayName())
	assert.Equal(t, "", Entry{}.DisplayName())
}

func TestEntry_Filename(t *testing.T) {
	assert.Equal(t, "bulbasaur.txt", Entry{Name: "bulbasaur"}.Filename())
}
