package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks Store,Cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"idlookup/internal/identity/metrics"
	"idlookup/internal/identity/models"
	"idlookup/internal/identity/predicate"
	dErrors "idlookup/pkg/domain-errors"
	"idlookup/pkg/platform/circuit"
	"idlookup/pkg/platform/sentinel"
	pstrings "idlookup/pkg/platform/strings"
	"idlookup/pkg/requestcontext"
)

const tracerName = "idlookup/internal/identity/service"

// Store is the record store the index delegates to. Implementations must apply
// each call atomically; the service holds no locks of its own.
type Store interface {
	Insert(ctx context.Context, record models.IdentityRecord) error
	DeleteOne(ctx context.Context, ref models.UTXOReference) error
	FindReferences(ctx context.Context, pred predicate.Predicate) ([]models.UTXOReference, error)
	EnsureTextIndex(ctx context.Context) error
}

// Cache holds projected lookup results keyed by canonical predicate text.
type Cache interface {
	Generation(ctx context.Context) (int64, error)
	Get(ctx context.Context, generation int64, key string) ([]models.UTXOReference, error)
	Set(ctx context.Context, generation int64, key string, refs []models.UTXOReference) error
	Invalidate(ctx context.Context) error
}

// Service is the identity index: it stores and deletes certificate records and
// resolves search criteria into output references.
type Service struct {
	store   Store
	cache   Cache
	breaker *circuit.Breaker
	// writes counts record mutations; bumped is the highest count a
	// successful generation bump has covered. The cache is bypassed while
	// bumped lags writes.
	writes  atomic.Int64
	bumped  atomic.Int64
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithCache enables result caching; record writes invalidate it.
func WithCache(cache Cache) Option {
	return func(s *Service) {
		s.cache = cache
	}
}

// WithCacheBreaker skips the cache while it keeps failing. Without it every
// lookup attempts the cache.
func WithCacheBreaker(b *circuit.Breaker) Option {
	return func(s *Service) {
		s.breaker = b
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// New builds the index and asks the store for its text index once. A failed
// index creation is logged and does not fail construction.
func New(ctx context.Context, store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("identity record store is required")
	}

	svc := &Service{
		store:  store,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(svc)
	}

	if err := store.EnsureTextIndex(ctx); err != nil {
		svc.logger.WarnContext(ctx, "searchable attributes index unavailable, free-text search will be slower",
			"error", err,
		)
	}
	return svc, nil
}

// StoreRecord indexes the certificate carried by txid:outputIndex. No
// duplicate check is made; storing a reference twice yields two records.
func (s *Service) StoreRecord(ctx context.Context, txid string, outputIndex uint32, cert models.Certificate) error {
	ctx, span := s.tracer.Start(ctx, "identity.StoreRecord", trace.WithAttributes(
		attribute.String("txid", txid),
		attribute.Int64("output_index", int64(outputIndex)),
	))
	defer span.End()

	if txid == "" {
		return dErrors.New(dErrors.CodeBadRequest, "txid is required")
	}

	ref := models.UTXOReference{Txid: txid, OutputIndex: outputIndex}
	record := models.NewIdentityRecord(ref, cert, requestcontext.Now(ctx))
	if err := s.store.Insert(ctx, record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to store identity record")
	}
	if s.metrics != nil {
		s.metrics.IncrementRecordsStored()
	}
	s.invalidateCache(ctx)

	s.logger.DebugContext(ctx, "identity record stored",
		"request_id", requestcontext.RequestID(ctx),
		"txid", txid,
		"output_index", outputIndex,
		"record_id", record.ID,
	)
	return nil
}

// DeleteRecord removes at most one record for txid:outputIndex. Deleting an
// unknown reference succeeds.
func (s *Service) DeleteRecord(ctx context.Context, txid string, outputIndex uint32) error {
	ctx, span := s.tracer.Start(ctx, "identity.DeleteRecord", trace.WithAttributes(
		attribute.String("txid", txid),
		attribute.Int64("output_index", int64(outputIndex)),
	))
	defer span.End()

	ref := models.UTXOReference{Txid: txid, OutputIndex: outputIndex}
	if err := s.store.DeleteOne(ctx, ref); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to delete identity record")
	}
	if s.metrics != nil {
		s.metrics.IncrementRecordsDeleted()
	}
	s.invalidateCache(ctx)

	s.logger.DebugContext(ctx, "identity record deleted",
		"request_id", requestcontext.RequestID(ctx),
		"txid", txid,
		"output_index", outputIndex,
	)
	return nil
}

// FindByAttribute fuzzy-matches attributes among certificates issued by one of
// certifiers. With the "any" key the search runs over all searchable field
// values and other keys are ignored; otherwise each key must match its field.
// Empty attributes or an empty certifier list yield no results, as does a
// search value that is not valid UTF-8.
func (s *Service) FindByAttribute(ctx context.Context, attributes models.IdentityAttributes, certifiers []string) ([]models.UTXOReference, error) {
	if len(attributes) == 0 {
		return noResults(), nil
	}
	for _, v := range attributes {
		if !utf8.ValidString(v) {
			return noResults(), nil
		}
	}
	certifiers = pstrings.DedupeAndTrim(certifiers)
	if len(certifiers) == 0 {
		return noResults(), nil
	}

	clauses := []predicate.Predicate{predicate.MemberOf(predicate.FieldCertifier, certifiers)}
	if search, ok := attributes.AnyQuery(); ok {
		clauses = append(clauses, predicate.Fuzzy(predicate.FieldSearchableAttributes, search))
	} else {
		names := make([]string, 0, len(attributes))
		for name := range attributes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			clauses = append(clauses, predicate.Fuzzy(predicate.CertificateField(name), attributes[name]))
		}
	}
	return s.find(ctx, "attribute", predicate.And(clauses...))
}

// FindByIdentityKey returns certificates about identityKey, optionally
// restricted to the given certifiers. A nil or empty list means no
// restriction; a list holding only blank entries allows no certifier.
func (s *Service) FindByIdentityKey(ctx context.Context, identityKey string, certifiers []string) ([]models.UTXOReference, error) {
	if identityKey == "" {
		return noResults(), nil
	}
	pred := predicate.Equals(predicate.FieldSubject, identityKey)
	if len(certifiers) > 0 {
		if certifiers = pstrings.DedupeAndTrim(certifiers); len(certifiers) == 0 {
			return noResults(), nil
		}
		pred = predicate.And(pred, predicate.MemberOf(predicate.FieldCertifier, certifiers))
	}
	return s.find(ctx, "identity_key", pred)
}

// FindByCertifier returns every certificate issued by one of certifiers.
func (s *Service) FindByCertifier(ctx context.Context, certifiers []string) ([]models.UTXOReference, error) {
	certifiers = pstrings.DedupeAndTrim(certifiers)
	if len(certifiers) == 0 {
		return noResults(), nil
	}
	return s.find(ctx, "certifier", predicate.MemberOf(predicate.FieldCertifier, certifiers))
}

// FindByCertificateType returns certificates about identityKey whose type and
// certifier are both allowed. Every argument is required.
func (s *Service) FindByCertificateType(ctx context.Context, certificateTypes []string, identityKey string, certifiers []string) ([]models.UTXOReference, error) {
	certificateTypes = pstrings.DedupeAndTrim(certificateTypes)
	certifiers = pstrings.DedupeAndTrim(certifiers)
	if len(certificateTypes) == 0 || identityKey == "" || len(certifiers) == 0 {
		return noResults(), nil
	}
	return s.find(ctx, "certificate_type", predicate.And(
		predicate.Equals(predicate.FieldSubject, identityKey),
		predicate.MemberOf(predicate.FieldCertifier, certifiers),
		predicate.MemberOf(predicate.FieldType, certificateTypes),
	))
}

// FindByCertificateSerialNumber returns the certificate with serialNumber.
func (s *Service) FindByCertificateSerialNumber(ctx context.Context, serialNumber string) ([]models.UTXOReference, error) {
	if serialNumber == "" {
		return noResults(), nil
	}
	s.logger.DebugContext(ctx, "looking up certificate by serial number",
		"request_id", requestcontext.RequestID(ctx),
		"serial_number", serialNumber,
	)
	return s.find(ctx, "serial_number", predicate.Equals(predicate.FieldSerialNumber, serialNumber))
}

// find is the single fetch-and-project path shared by every query.
func (s *Service) find(ctx context.Context, query string, pred predicate.Predicate) ([]models.UTXOReference, error) {
	ctx, span := s.tracer.Start(ctx, "identity.find", trace.WithAttributes(
		attribute.String("query", query),
	))
	defer span.End()
	start := time.Now()
	key := pred.String()

	generation, cacheable := s.cacheGeneration(ctx)
	if cacheable {
		if refs, ok := s.cachedRefs(ctx, generation, key); ok {
			span.SetAttributes(attribute.Bool("cache_hit", true), attribute.Int("results", len(refs)))
			s.observe(query, "ok", len(refs), start)
			return refs, nil
		}
	}

	refs, err := s.store.FindReferences(ctx, pred)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		s.observe(query, "error", 0, start)
		s.logger.ErrorContext(ctx, "identity lookup failed",
			"request_id", requestcontext.RequestID(ctx),
			"query", query,
			"error", err,
		)
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to find identity records")
	}
	if refs == nil {
		refs = noResults()
	}

	if cacheable {
		if err := s.cache.Set(ctx, generation, key, refs); err != nil {
			s.logger.WarnContext(ctx, "failed to cache identity lookup", "query", query, "error", err)
		}
	}

	span.SetAttributes(attribute.Int("results", len(refs)))
	s.observe(query, "ok", len(refs), start)
	s.logger.DebugContext(ctx, "identity lookup completed",
		"request_id", requestcontext.RequestID(ctx),
		"query", query,
		"results", len(refs),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return refs, nil
}

func (s *Service) cacheGeneration(ctx context.Context) (int64, bool) {
	if s.cache == nil {
		return 0, false
	}
	if s.breaker != nil && !s.breaker.Allow() {
		s.recordCache("skipped")
		return 0, false
	}
	if s.bumped.Load() < s.writes.Load() && !s.bumpGeneration(ctx) {
		s.recordCache("skipped")
		return 0, false
	}
	generation, err := s.cache.Generation(ctx)
	if err != nil {
		s.recordCache("error")
		s.logger.WarnContext(ctx, "lookup cache unavailable", "error", err)
		if s.breaker != nil {
			if _, change := s.breaker.RecordFailure(); change.Opened {
				s.logger.WarnContext(ctx, "lookup cache circuit opened", "breaker", s.breaker.Name())
			}
		}
		return 0, false
	}
	if s.breaker != nil {
		if _, change := s.breaker.RecordSuccess(); change.Closed {
			s.logger.InfoContext(ctx, "lookup cache circuit closed", "breaker", s.breaker.Name())
		}
	}
	return generation, true
}

func (s *Service) cachedRefs(ctx context.Context, generation int64, key string) ([]models.UTXOReference, bool) {
	refs, err := s.cache.Get(ctx, generation, key)
	switch {
	case err == nil:
		s.recordCache("hit")
		if refs == nil {
			refs = noResults()
		}
		return refs, true
	case errors.Is(err, sentinel.ErrCacheMiss):
		s.recordCache("miss")
	default:
		s.recordCache("error")
		s.logger.WarnContext(ctx, "failed to read lookup cache", "error", err)
	}
	return nil, false
}

func (s *Service) invalidateCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	s.writes.Add(1)
	s.bumpGeneration(ctx)
}

// bumpGeneration retires every cached result. A successful bump covers only
// the writes counted before it started.
func (s *Service) bumpGeneration(ctx context.Context) bool {
	covered := s.writes.Load()
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.WarnContext(ctx, "failed to invalidate lookup cache", "error", err)
		return false
	}
	for {
		prev := s.bumped.Load()
		if prev >= covered || s.bumped.CompareAndSwap(prev, covered) {
			return true
		}
	}
}

func (s *Service) observe(query, outcome string, results int, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveLookup(query, outcome, results, time.Since(start))
}

func (s *Service) recordCache(result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordCacheResult(result)
}

func noResults() []models.UTXOReference {
	return []models.UTXOReference{}
}
