// Package catalog fetches the upstream named-resource listing and models it
// as immutable, timestamped snapshots.
package catalog

import (
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Entry is one catalog entity. The numeric ID is derived from URL, never stored.
type Entry struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// NumericID parses the second-to-last slash-delimited segment of URL,
// so ".../pokemon/25/" yields 25. Anything unparseable yields 0.
func (e Entry) NumericID() uint32 {
	segs := strings.Split(e.URL, "/")
	if len(segs) < 2 {
		return 0
	}
	n, err := strconv.ParseUint(segs[len(segs)-2], 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

// Filename is the name the entry is shown under in a file browser.
func (e Entry) Filename() string {
	return e.Name + ".txt"
}

// DisplayName upper-cases the first letter of every word ("mr-mime" -> "Mr-Mime").
func (e Entry) DisplayName() string {
	var b strings.Builder
	b.Grow(len(e.Name))
	start := true
	for _, r := range e.Name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if start {
				b.WriteRune(unicode.ToUpper(r))
			} else {
				b.WriteRune(unicode.ToLower(r))
			}
			start = false
			continue
		}
		b.WriteRune(r)
		start = true
	}
	return b.String()
}

// Snapshot is one immutable copy of the catalog.
type Snapshot struct {
	Entries   []Entry
	FetchedAt time.Time
}

// Len returns the number of entries.
func (s Snapshot) Len() int { return len(s.Entries) }
