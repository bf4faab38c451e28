package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"idlookup/internal/identity/models"
	"idlookup/internal/identity/predicate"
)

// PostgresStore persists identity records in PostgreSQL. Predicates are
// translated to a parameterised WHERE clause; certificate fields live in a
// JSONB column and the free-text blob is backed by a trigram index.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed identity record store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS identity_records (
		id UUID PRIMARY KEY,
		seq BIGINT GENERATED ALWAYS AS IDENTITY,
		txid TEXT NOT NULL,
		output_index BIGINT NOT NULL CHECK (output_index >= 0),
		subject TEXT NOT NULL,
		certifier TEXT NOT NULL,
		cert_type TEXT NOT NULL,
		serial_number TEXT NOT NULL,
		revocation_outpoint TEXT NOT NULL DEFAULT '',
		signature TEXT NOT NULL DEFAULT '',
		fields JSONB NOT NULL DEFAULT '{}'::jsonb,
		searchable_attributes TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS identity_records_reference_idx ON identity_records (txid, output_index)`,
	`CREATE INDEX IF NOT EXISTS identity_records_subject_idx ON identity_records (subject)`,
	`CREATE INDEX IF NOT EXISTS identity_records_certifier_idx ON identity_records (certifier)`,
	`CREATE INDEX IF NOT EXISTS identity_records_serial_number_idx ON identity_records (serial_number)`,
}

var textIndexStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS pg_trgm`,
	`CREATE INDEX IF NOT EXISTS identity_records_searchable_trgm_idx
		ON identity_records USING gin (searchable_attributes gin_trgm_ops)`,
}

// Migrate creates the identity_records table and its lookup indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate identity records: %w", err)
		}
	}
	return nil
}

// EnsureTextIndex declares searchable_attributes as text-searchable. It needs
// the pg_trgm extension, which may be unavailable to unprivileged roles.
func (s *PostgresStore) EnsureTextIndex(ctx context.Context) error {
	for _, stmt := range textIndexStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create searchable attributes index: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, record models.IdentityRecord) error {
	fields := record.Certificate.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	fieldsBytes, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal certificate fields: %w", err)
	}

	query := `
		INSERT INTO identity_records (
			id, txid, output_index, subject, certifier, cert_type, serial_number,
			revocation_outpoint, signature, fields, searchable_attributes, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	cert := record.Certificate
	_, err = s.db.ExecContext(ctx, query,
		record.ID,
		record.Reference.Txid,
		int64(record.Reference.OutputIndex),
		cert.Subject,
		cert.Certifier,
		cert.Type,
		cert.SerialNumber,
		cert.RevocationOutpoint,
		cert.Signature,
		string(fieldsBytes),
		record.SearchableAttributes,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert identity record: %w", err)
	}
	return nil
}

// DeleteOne removes the oldest record for ref. Deleting a missing reference is not an error.
func (s *PostgresStore) DeleteOne(ctx context.Context, ref models.UTXOReference) error {
	query := `
		DELETE FROM identity_records
		WHERE id = (
			SELECT id FROM identity_records
			WHERE txid = $1 AND output_index = $2
			ORDER BY created_at, seq
			LIMIT 1
		)
	`
	if _, err := s.db.ExecContext(ctx, query, ref.Txid, int64(ref.OutputIndex)); err != nil {
		return fmt.Errorf("delete identity record: %w", err)
	}
	return nil
}

// FindReferences runs pred and projects each hit to its output reference.
func (s *PostgresStore) FindReferences(ctx context.Context, pred predicate.Predicate) ([]models.UTXOReference, error) {
	where, args, err := buildWhere(pred)
	if err != nil {
		return nil, err
	}
	query := `SELECT txid, output_index FROM identity_records WHERE ` + where + ` ORDER BY created_at, seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query identity records: %w", err)
	}
	defer rows.Close()

	refs := make([]models.UTXOReference, 0)
	for rows.Next() {
		var (
			txid        string
			outputIndex int64
		)
		if err := rows.Scan(&txid, &outputIndex); err != nil {
			return nil, fmt.Errorf("scan identity reference: %w", err)
		}
		refs = append(refs, models.UTXOReference{Txid: txid, OutputIndex: uint32(outputIndex)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identity references: %w", err)
	}
	return refs, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var columns = map[predicate.Field]string{
	predicate.FieldSubject:              "subject",
	predicate.FieldCertifier:            "certifier",
	predicate.FieldType:                 "cert_type",
	predicate.FieldSerialNumber:         "serial_number",
	predicate.FieldSearchableAttributes: "searchable_attributes",
}

// whereBuilder accumulates positional arguments while rendering a predicate.
type whereBuilder struct {
	args []any
}

func buildWhere(pred predicate.Predicate) (string, []any, error) {
	b := &whereBuilder{}
	clause, err := b.render(pred)
	if err != nil {
		return "", nil, err
	}
	return clause, b.args, nil
}

func (b *whereBuilder) bind(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

func (b *whereBuilder) column(field predicate.Field) (string, error) {
	if col, ok := columns[field]; ok {
		return col, nil
	}
	if name, ok := field.CertificateFieldName(); ok {
		return "(fields ->> " + b.bind(name) + ")", nil
	}
	return "", fmt.Errorf("unknown predicate field %q", field)
}

func (b *whereBuilder) render(pred predicate.Predicate) (string, error) {
	switch pred.Kind {
	case predicate.KindAnd:
		if len(pred.Children) == 0 {
			return "TRUE", nil
		}
		parts := make([]string, 0, len(pred.Children))
		for _, child := range pred.Children {
			part, err := b.render(child)
			if err != nil {
				return "", err
			}
			parts = append(parts, part)
		}
		return "(" + strings.Join(parts, " AND ") + ")", nil
	case predicate.KindEquals:
		col, err := b.column(pred.Field)
		if err != nil {
			return "", err
		}
		return col + " = " + b.bind(pred.Value), nil
	case predicate.KindMemberOf:
		if len(pred.Values) == 0 {
			return "FALSE", nil
		}
		col, err := b.column(pred.Field)
		if err != nil {
			return "", err
		}
		return col + " = ANY(" + b.bind(pq.Array(pred.Values)) + "::text[])", nil
	case predicate.KindPattern:
		col, err := b.column(pred.Field)
		if err != nil {
			return "", err
		}
		return col + " ~* " + b.bind(pred.Pattern), nil
	default:
		return "", fmt.Errorf("unsupported predicate kind %s", pred.Kind)
	}
}
