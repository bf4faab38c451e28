// Package models holds the identity index domain types.
package models

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AnyAttribute is the IdentityAttributes key selecting free-text search over
// all searchable certificate fields.
const AnyAttribute = "any"

// Fields whose values are binary-ish (images) and never part of free-text search.
var nonSearchableFields = map[string]struct{}{
	"profilePhoto": {},
	"icon":         {},
}

// Certificate is an identity certificate as carried by a transaction output.
type Certificate struct {
	Type               string            `json:"type"`
	SerialNumber       string            `json:"serialNumber"`
	Subject            string            `json:"subject"`
	Certifier          string            `json:"certifier"`
	RevocationOutpoint string            `json:"revocationOutpoint,omitempty"`
	Signature          string            `json:"signature,omitempty"`
	Fields             map[string]string `json:"fields"`
}

// UTXOReference points at the transaction output carrying a certificate.
type UTXOReference struct {
	Txid        string `json:"txid"`
	OutputIndex uint32 `json:"outputIndex"`
}

// IdentityRecord is a stored certificate keyed by its output reference.
// References are not unique; ID distinguishes duplicate inserts.
type IdentityRecord struct {
	ID                   uuid.UUID
	Reference            UTXOReference
	Certificate          Certificate
	CreatedAt            time.Time
	SearchableAttributes string
}

// NewIdentityRecord builds a record and derives its searchable attributes.
func NewIdentityRecord(ref UTXOReference, cert Certificate, createdAt time.Time) IdentityRecord {
	return IdentityRecord{
		ID:                   uuid.New(),
		Reference:            ref,
		Certificate:          cert,
		CreatedAt:            createdAt,
		SearchableAttributes: SearchableAttributes(cert.Fields),
	}
}

// SearchableAttributes joins the textual field values with single spaces,
// skipping profilePhoto and icon. Values are taken in field-name order.
func SearchableAttributes(fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		if _, skip := nonSearchableFields[name]; skip {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	values := make([]string, 0, len(names))
	for _, name := range names {
		values = append(values, fields[name])
	}
	return strings.Join(values, " ")
}

// IdentityAttributes maps certificate field names to search strings. When the
// AnyAttribute key is present every other key is ignored.
type IdentityAttributes map[string]string

// AnyQuery returns the free-text search string and whether any-mode applies.
func (a IdentityAttributes) AnyQuery() (string, bool) {
	v, ok := a[AnyAttribute]
	return v, ok
}

// OutputEventKind distinguishes admitted from spent outputs on the ingest topic.
type OutputEventKind string

const (
	OutputAdmitted OutputEventKind = "admitted"
	OutputSpent    OutputEventKind = "spent"
)

// OutputEvent is the ingest message announcing an output lifecycle change.
type OutputEvent struct {
	Kind        OutputEventKind `json:"kind"`
	Txid        string          `json:"txid"`
	OutputIndex uint32          `json:"outputIndex"`
	Certificate *Certificate    `json:"certificate,omitempty"`
}
