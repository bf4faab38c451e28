package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"idlookup/internal/identity/models"
	dErrors "idlookup/pkg/domain-errors"
	"idlookup/pkg/platform/httputil"
	"idlookup/pkg/requestcontext"
)

// Service defines the identity index operations exposed over HTTP.
type Service interface {
	FindByAttribute(ctx context.Context, attributes models.IdentityAttributes, certifiers []string) ([]models.UTXOReference, error)
	FindByIdentityKey(ctx context.Context, identityKey string, certifiers []string) ([]models.UTXOReference, error)
	FindByCertifier(ctx context.Context, certifiers []string) ([]models.UTXOReference, error)
	FindByCertificateType(ctx context.Context, certificateTypes []string, identityKey string, certifiers []string) ([]models.UTXOReference, error)
	FindByCertificateSerialNumber(ctx context.Context, serialNumber string) ([]models.UTXOReference, error)
}

// Pinger reports whether the record store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler wires lookup endpoints to the identity index.
type Handler struct {
	service Service
	pinger  Pinger
	logger  *slog.Logger
}

// New constructs a lookup handler. pinger may be nil, in which case /health
// always reports ok.
func New(service Service, pinger Pinger, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		pinger:  pinger,
		logger:  logger,
	}
}

// Register mounts lookup and health endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/lookup", h.HandleLookup)
	r.Get("/health", h.HandleHealth)
}

// HandleLookup handles POST /lookup requests.
func (h *Handler) HandleLookup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	req, ok := httputil.DecodeAndPrepare[LookupRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	refs, err := h.dispatch(ctx, req)
	if err != nil {
		h.logger.ErrorContext(ctx, "identity lookup failed",
			"request_id", requestID,
			"query", req.Query(),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "identity lookup served",
		"request_id", requestID,
		"query", req.Query(),
		"results", len(refs),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusOK, refs)
}

func (h *Handler) dispatch(ctx context.Context, req *LookupRequest) ([]models.UTXOReference, error) {
	switch req.Query() {
	case querySerialNumber:
		return h.service.FindByCertificateSerialNumber(ctx, req.SerialNumber)
	case queryAttribute:
		return h.service.FindByAttribute(ctx, req.Attributes, req.Certifiers)
	case queryCertificateType:
		return h.service.FindByCertificateType(ctx, req.CertificateTypes, req.IdentityKey, req.Certifiers)
	case queryIdentityKey:
		return h.service.FindByIdentityKey(ctx, req.IdentityKey, req.Certifiers)
	case queryCertifier:
		return h.service.FindByCertifier(ctx, req.Certifiers)
	default:
		return nil, dErrors.New(dErrors.CodeBadRequest, "unsupported lookup")
	}
}

// HandleHealth handles GET /health requests.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pinger != nil {
		if err := h.pinger.Ping(ctx); err != nil {
			h.logger.WarnContext(ctx, "record store health check failed",
				"request_id", requestcontext.RequestID(ctx),
				"error", err,
			)
			httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeUnavailable, "record store unavailable"))
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
