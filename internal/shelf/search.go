package shelf

import (
	"strings"

	"github.com/sahilm/fuzzy"
)

type itemSource []Item

func (s itemSource) String(i int) string { return s[i].Name }
func (s itemSource) Len() int { return len(s) }

// FindItems ranks a shelf's items by fuzzy match of query against their
// names. An empty query returns every item in shelf order.
func (m *Manager) FindItems(id, query string) ([]Item, bool) {
	r, ok := m.lookup("findItems", id)
	if !ok {
		return nil, false
	}

	query = strings.TrimSpace(query)
	if query == "" {
		out := make([]Item, len(r.items))
		copy(out, r.items)
		return out, true
	}

	matches := fuzzy.FindFrom(query, itemSource(r.items))
	out := make([]Item, 0, len(matches))
	for _, match := range matches {
		out = append(out, r.items[match.Index])
	}
	return out, true
}
