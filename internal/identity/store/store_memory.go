package store

import (
	"context"
	"sort"
	"sync"

	"idlookup/internal/identity/models"
	"idlookup/internal/identity/predicate"
)

// InMemoryStore keeps identity records in process. Queries evaluate the
// predicate tree against every record; there is no index to create.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []models.IdentityRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Insert(_ context.Context, record models.IdentityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

// DeleteOne removes the oldest record for ref, if any.
func (s *InMemoryStore) DeleteOne(_ context.Context, ref models.UTXOReference) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	victim := -1
	for i, rec := range s.records {
		if rec.Reference != ref {
			continue
		}
		if victim == -1 || rec.CreatedAt.Before(s.records[victim].CreatedAt) {
			victim = i
		}
	}
	if victim == -1 {
		return nil
	}
	s.records = append(s.records[:victim], s.records[victim+1:]...)
	return nil
}

func (s *InMemoryStore) FindReferences(_ context.Context, pred predicate.Predicate) ([]models.UTXOReference, error) {
	matcher, err := predicate.Compile(pred)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	hits := make([]models.IdentityRecord, 0)
	for _, rec := range s.records {
		if matcher.Matches(recordDocument{rec}) {
			hits = append(hits, rec)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].CreatedAt.Before(hits[j].CreatedAt)
	})
	refs := make([]models.UTXOReference, 0, len(hits))
	for _, rec := range hits {
		refs = append(refs, rec.Reference)
	}
	return refs, nil
}

// EnsureTextIndex is a no-op; in-memory search scans every record.
func (s *InMemoryStore) EnsureTextIndex(_ context.Context) error {
	return nil
}

func (s *InMemoryStore) Ping(_ context.Context) error {
	return nil
}

// Len reports the number of stored records, duplicates included.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// recordDocument exposes an IdentityRecord to predicate evaluation.
type recordDocument struct {
	rec models.IdentityRecord
}

func (d recordDocument) Value(field predicate.Field) (string, bool) {
	cert := d.rec.Certificate
	switch field {
	case predicate.FieldSubject:
		return cert.Subject, true
	case predicate.FieldCertifier:
		return cert.Certifier, true
	case predicate.FieldType:
		return cert.Type, true
	case predicate.FieldSerialNumber:
		return cert.SerialNumber, true
	case predicate.FieldSearchableAttributes:
		return d.rec.SearchableAttributes, true
	}
	if name, ok := field.CertificateFieldName(); ok {
		v, present := cert.Fields[name]
		return v, present
	}
	return "", false
}
