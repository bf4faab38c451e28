package predicate

import (
	"fmt"
	"regexp"
)

// Document exposes record fields to in-process evaluation. The bool result is
// false when the record has no such field.
type Document interface {
	Value(field Field) (string, bool)
}

// Matcher is a compiled predicate ready to be run against many documents.
type Matcher struct {
	kind     Kind
	field    Field
	value    string
	set      map[string]struct{}
	re       *regexp.Regexp
	children []*Matcher
}

// Compile prepares p for repeated evaluation, compiling pattern nodes once.
func Compile(p Predicate) (*Matcher, error) {
	m := &Matcher{kind: p.Kind, field: p.Field}
	switch p.Kind {
	case KindAnd:
		m.children = make([]*Matcher, 0, len(p.Children))
		for _, child := range p.Children {
			cm, err := Compile(child)
			if err != nil {
				return nil, err
			}
			m.children = append(m.children, cm)
		}
	case KindEquals:
		m.value = p.Value
	case KindMemberOf:
		m.set = make(map[string]struct{}, len(p.Values))
		for _, v := range p.Values {
			m.set[v] = struct{}{}
		}
	case KindPattern:
		// s lets the wildcard cross line breaks, as Postgres ~* does.
		re, err := regexp.Compile("(?is)" + p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile pattern on %s: %w", p.Field, err)
		}
		m.re = re
	default:
		return nil, fmt.Errorf("unsupported predicate kind %d", p.Kind)
	}
	return m, nil
}

// Matches reports whether doc satisfies the compiled predicate.
func (m *Matcher) Matches(doc Document) bool {
	if m.kind == KindAnd {
		for _, child := range m.children {
			if !child.Matches(doc) {
				return false
			}
		}
		return true
	}

	v, ok := doc.Value(m.field)
	if !ok {
		return false
	}
	switch m.kind {
	case KindEquals:
		return v == m.value
	case KindMemberOf:
		_, in := m.set[v]
		return in
	case KindPattern:
		return m.re.MatchString(v)
	default:
		return false
	}
}
