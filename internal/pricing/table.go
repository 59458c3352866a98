package pricing

import "strings"

// Table maps path prefixes to directives and remembers the order in which
// prefixes were first added. Prefix lookups walk that order and stop at the
// first hit; there is no longest-prefix preference.
type Table struct {
	order []string
	byKey map[string]Directive
}

func NewTable() *Table {
	return &Table{byKey: make(map[string]Directive)}
}

// Set adds d. Re-adding a prefix replaces its directive but keeps the
// prefix's original position.
func (t *Table) Set(d Directive) {
	if _, ok := t.byKey[d.PathPrefix]; !ok {
		t.order = append(t.order, d.PathPrefix)
	}
	t.byKey[d.PathPrefix] = d
}

// Get returns the directive registered for exactly prefix.
func (t *Table) Get(prefix string) (Directive, bool) {
	d, ok := t.byKey[prefix]
	return d, ok
}

// Lookup returns the exact match for path if there is one, otherwise the
// first inserted prefix that path starts with.
func (t *Table) Lookup(path string) (Directive, bool) {
	if d, ok := t.byKey[path]; ok {
		return d, true
	}
	for _, prefix := range t.order {
		if strings.HasPrefix(path, prefix) {
			return t.byKey[prefix], true
		}
	}
	return Directive{}, false
}

func (t *Table) Len() int { return len(t.order) }

// Directives returns the directives in insertion order.
func (t *Table) Directives() []Directive {
	out := make([]Directive, 0, len(t.order))
	for _, p := range t.order {
		out = append(out, t.byKey[p])
	}
	return out
}
