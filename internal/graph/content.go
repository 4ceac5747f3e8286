package graph

import (
	"bytes"
	"fmt"
	"time"

	"github.com/agentic-research/pokefs/internal/catalog"
)

// timestampLayout is RFC 3339 pinned to UTC, so every rendering has the same width.
const timestampLayout = "2006-01-02T15:04:05Z"

func renderLeaf(e catalog.Entry, at time.Time) []byte {
	var b bytes.Buffer
	b.WriteString("Pokémon Information\n")
	b.WriteString("===================\n\n")
	fmt.Fprintf(&b, "Name: %s\n", e.DisplayName())
	fmt.Fprintf(&b, "ID: %d\n", e.NumericID())
	fmt.Fprintf(&b, "API URL: %s\n\n", e.URL)
	b.WriteString("This file represents a Pokémon from the PokéAPI database.\n")
	b.WriteString("pokefs projects one read-only file per catalog entry so the\n")
	b.WriteString("list can be browsed with ordinary file tools.\n\n")
	fmt.Fprintf(&b, "Last updated: %s\n", at.UTC().Format(timestampLayout))
	return b.Bytes()
}
