// Package ingest applies output lifecycle events from the ingest topic to the
// identity index.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"idlookup/internal/identity/metrics"
	"idlookup/internal/identity/models"
	"idlookup/internal/platform/kafka/consumer"
	dErrors "idlookup/pkg/domain-errors"
)

// Outcomes recorded per consumed event.
const (
	outcomeApplied   = "applied"
	outcomeMalformed = "malformed"
	outcomeRejected  = "rejected"
	outcomeFailed    = "failed"
)

var errMalformedEvent = errors.New("malformed output event")

// Index is the subset of the identity index the ingest path writes to.
type Index interface {
	StoreRecord(ctx context.Context, txid string, outputIndex uint32, cert models.Certificate) error
	DeleteRecord(ctx context.Context, txid string, outputIndex uint32) error
}

// Handler consumes OutputEvent messages.
type Handler struct {
	index   Index
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// New creates an ingest handler writing to index.
func New(index Index, opts ...Option) (*Handler, error) {
	if index == nil {
		return nil, fmt.Errorf("identity index is required")
	}
	h := &Handler{
		index:  index,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle applies one event. Malformed or rejected events are logged and
// acknowledged; index failures are returned so the message is retried.
func (h *Handler) Handle(ctx context.Context, msg *consumer.Message) error {
	event, err := decodeEvent(msg.Value)
	if err != nil {
		h.logger.WarnContext(ctx, "skipping malformed output event",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		h.record("unknown", outcomeMalformed)
		return nil
	}

	switch event.Kind {
	case models.OutputAdmitted:
		err = h.index.StoreRecord(ctx, event.Txid, event.OutputIndex, *event.Certificate)
	case models.OutputSpent:
		err = h.index.DeleteRecord(ctx, event.Txid, event.OutputIndex)
	}

	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeBadRequest) {
			h.logger.WarnContext(ctx, "output event rejected by index",
				"kind", event.Kind,
				"txid", event.Txid,
				"output_index", event.OutputIndex,
				"error", err,
			)
			h.record(string(event.Kind), outcomeRejected)
			return nil
		}
		h.record(string(event.Kind), outcomeFailed)
		return fmt.Errorf("apply %s event for %s.%d: %w", event.Kind, event.Txid, event.OutputIndex, err)
	}

	h.record(string(event.Kind), outcomeApplied)
	h.logger.DebugContext(ctx, "output event applied",
		"kind", event.Kind,
		"txid", event.Txid,
		"output_index", event.OutputIndex,
	)
	return nil
}

func decodeEvent(raw []byte) (models.OutputEvent, error) {
	var event models.OutputEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return event, fmt.Errorf("%w: %v", errMalformedEvent, err)
	}
	if event.Txid == "" {
		return event, fmt.Errorf("%w: txid is required", errMalformedEvent)
	}
	switch event.Kind {
	case models.OutputAdmitted:
		if event.Certificate == nil {
			return event, fmt.Errorf("%w: admitted event without certificate", errMalformedEvent)
		}
	case models.OutputSpent:
	default:
		return event, fmt.Errorf("%w: unknown kind %q", errMalformedEvent, event.Kind)
	}
	return event, nil
}

func (h *Handler) record(kind, outcome string) {
	if h.metrics == nil {
		return
	}
	h.metrics.RecordIngestedEvent(kind, outcome)
}
