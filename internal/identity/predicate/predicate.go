// Package predicate provides the query predicate tree built by the identity
// index and translated by record stores.
//
// A Predicate is a small tagged tree:
//
//   - Equals:   field value is exactly Value
//   - MemberOf: field value is one of Values (an empty set matches nothing)
//   - Pattern:  field value matches a case-insensitive regular expression
//   - And:      every child holds (no children matches everything)
//
// Stores either evaluate the tree in process (see Compile) or translate it into
// their own query language. Pattern expressions only use syntax shared by Go's
// RE2 and PostgreSQL's ARE dialect.
package predicate

import (
	"regexp"
	"strconv"
	"strings"
)

// Kind identifies a predicate variant.
type Kind int

const (
	KindAnd Kind = iota
	KindEquals
	KindMemberOf
	KindPattern
)

func (k Kind) String() string {
	switch k {
	case KindAnd:
		return "and"
	case KindEquals:
		return "eq"
	case KindMemberOf:
		return "in"
	case KindPattern:
		return "match"
	default:
		return "unknown"
	}
}

// Field names a queryable record field.
type Field string

const (
	FieldSubject              Field = "subject"
	FieldCertifier            Field = "certifier"
	FieldType                 Field = "type"
	FieldSerialNumber         Field = "serialNumber"
	FieldSearchableAttributes Field = "searchableAttributes"
)

const certificateFieldPrefix = "fields."

// CertificateField names an entry of the certificate's fields map.
func CertificateField(name string) Field {
	return Field(certificateFieldPrefix + name)
}

// CertificateFieldName returns the map key when f names a certificate field.
func (f Field) CertificateFieldName() (string, bool) {
	return strings.CutPrefix(string(f), certificateFieldPrefix)
}

// Predicate is one node of the tree. Only the members relevant to Kind are set.
type Predicate struct {
	Kind     Kind
	Field    Field
	Value    string
	Values   []string
	Pattern  string
	Children []Predicate
}

// Equals matches records whose field is exactly value.
func Equals(field Field, value string) Predicate {
	return Predicate{Kind: KindEquals, Field: field, Value: value}
}

// MemberOf matches records whose field is one of values.
func MemberOf(field Field, values []string) Predicate {
	return Predicate{Kind: KindMemberOf, Field: field, Values: append([]string(nil), values...)}
}

// Fuzzy matches records whose field contains the characters of search in
// order, case-insensitively, with anything in between.
func Fuzzy(field Field, search string) Predicate {
	return Predicate{Kind: KindPattern, Field: field, Pattern: FuzzyExpression(search)}
}

// And matches records satisfying every child.
func And(children ...Predicate) Predicate {
	return Predicate{Kind: KindAnd, Children: children}
}

// FuzzyExpression turns search into a subsequence pattern: each character is
// escaped on its own and the escaped tokens are joined by ".*".
// "ab" becomes "a.*b"; "a.b" becomes "a.*\..*b". An empty search yields the
// empty expression, which matches any value. Invalid UTF-8 bytes become
// U+FFFD, so callers should reject such input first.
func FuzzyExpression(search string) string {
	tokens := make([]string, 0, len(search))
	for _, r := range search {
		tokens = append(tokens, regexp.QuoteMeta(string(r)))
	}
	return strings.Join(tokens, ".*")
}

// String renders the predicate canonically. Equal trees render equally, so the
// output doubles as a cache key.
func (p Predicate) String() string {
	var b strings.Builder
	p.write(&b)
	return b.String()
}

func (p Predicate) write(b *strings.Builder) {
	b.WriteString(p.Kind.String())
	b.WriteByte('(')
	switch p.Kind {
	case KindAnd:
		for i, child := range p.Children {
			if i > 0 {
				b.WriteByte(',')
			}
			child.write(b)
		}
	case KindEquals:
		b.WriteString(string(p.Field))
		b.WriteByte(',')
		b.WriteString(strconv.Quote(p.Value))
	case KindMemberOf:
		b.WriteString(string(p.Field))
		b.WriteString(",[")
		for i, v := range p.Values {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(v))
		}
		b.WriteByte(']')
	case KindPattern:
		b.WriteString(string(p.Field))
		b.WriteByte(',')
		b.WriteString(strconv.Quote(p.Pattern))
	}
	b.WriteByte(')')
}
