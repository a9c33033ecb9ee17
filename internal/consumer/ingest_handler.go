package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"example.com/webtime/internal/domain"
	"example.com/webtime/internal/events"
)

// Ingester is the subset of the domain service needed by the handler.
type Ingester interface {
	Ingest(context.Context, domain.RawVisit) (domain.IngestResult, error)
}

// IngestHandler decodes visit payloads and passes them to ingest.
type IngestHandler struct {
	ingester Ingester
	logger   zerolog.Logger
}

// NewIngestHandler constructs an IngestHandler.
func NewIngestHandler(ingester Ingester, logger zerolog.Logger) *IngestHandler {
	return &IngestHandler{ingester: ingester, logger: logger}
}

// Handle ingests one visit. Rejected visits are not errors.
func (h *IngestHandler) Handle(ctx context.Context, msg Message) error {
	var visit events.Visit
	if err := json.Unmarshal(msg.Payload, &visit); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	result, err := h.ingester.Ingest(ctx, visit.Raw())
	if err != nil {
		return err
	}

	entry := h.logger.Debug().Str("outcome", string(result.Outcome)).Int64("offset", msg.Offset)
	if result.Record != nil {
		entry = entry.Str("record_id", result.Record.ID).Str("domain", result.Record.Domain)
	}
	if result.Reason != "" {
		entry = entry.Str("reason", result.Reason)
	}
	entry.Msg("visit consumed")
	return nil
}
