// Package pipeline runs one document through resolve, extract, validate and
// persist. It owns the retry and escalation policy; the gateway and the
// validation engine are single-shot collaborators behind ports.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/invopipe/invopipe/internal/extraction"
	"github.com/invopipe/invopipe/internal/orders"
	"github.com/invopipe/invopipe/internal/shared"
	"github.com/invopipe/invopipe/internal/suppliers"
	"github.com/invopipe/invopipe/internal/validation"
)

// DefaultMaxAttempts bounds extraction attempts per run.
const DefaultMaxAttempts = 3

// ProfileResolver supplies supplier instructions for a sender.
// A nil profile with a nil error means the supplier is unknown.
type ProfileResolver interface {
	Resolve(ctx context.Context, sender string) (*suppliers.Profile, error)
}

// Gateway is the single-attempt extraction call.
type Gateway interface {
	Extract(ctx context.Context, req extraction.Request) (orders.ExtractedOrder, error)
}

// Validator scores a candidate order.
type Validator interface {
	Validate(order orders.ExtractedOrder) validation.Verdict
}

// OrderStore persists records and their transition events.
type OrderStore interface {
	Get(ctx context.Context, key uuid.UUID) (orders.Record, error)
	Upsert(ctx context.Context, rec orders.Record) error
	AppendEvent(ctx context.Context, ev orders.Event) error
}

// Metrics receives pipeline observations. Optional.
type Metrics interface {
	ObserveAttempt(mode string)
	ObserveTerminal(state orders.ProcessingState, attempts int)
}

// Config tunes one Processor.
type Config struct {
	MaxAttempts int
}

// Processor is the per-document state machine. Safe for concurrent use;
// runs for different documents share nothing but the resolver cache.
type Processor struct {
	logger    *slog.Logger
	resolver  ProfileResolver
	gateway   Gateway
	validator Validator
	store     OrderStore
	metrics   Metrics
	max       int
}

// NewProcessor wires a Processor.
func NewProcessor(logger *slog.Logger, resolver ProfileResolver, gateway Gateway, validator Validator, store OrderStore, metrics Metrics, cfg Config) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	max := cfg.MaxAttempts
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	return &Processor{
		logger:    logger,
		resolver:  resolver,
		gateway:   gateway,
		validator: validator,
		store:     store,
		metrics:   metrics,
		max:       max,
	}
}

// Process runs the document to a terminal state. The returned error is
// non-nil only for persistence failures and cancellation; extraction and
// validation failures end in a terminal record, not an error.
func (p *Processor) Process(ctx context.Context, doc orders.RawDocument) (orders.Record, error) {
	log := p.logger.With("order_key", doc.Key)

	rec, err := p.store.Get(ctx, doc.Key)
	switch {
	case err == nil:
		if rec.State.Terminal() {
			log.Info("pipeline.skip_terminal", "state", string(rec.State))
			return rec, nil
		}
		// Resumed run. Restart from RECEIVED; repository writes under the
		// same key are the only side effect, so the re-run is safe.
		rec.State = orders.StateReceived
		rec.Attempts = 0
		rec.ModeHistory = nil
		rec.Order = nil
		rec.Reasons = nil
	case errors.Is(err, orders.ErrNotFound):
		rec = orders.Record{
			Key:            doc.Key,
			IdempotencyKey: doc.IdempotencyKey,
			Sender:         doc.Sender,
			Filename:       doc.Filename,
			Kind:           doc.Kind,
			State:          orders.StateReceived,
			CreatedAt:      time.Now().UTC(),
		}
		if err := p.persist(ctx, &rec, orders.Event{
			OrderKey: rec.Key,
			To:       orders.StateReceived,
		}); err != nil {
			return rec, err
		}
	default:
		return orders.Record{}, fmt.Errorf("%w: load record: %v", shared.ErrPersistence, err)
	}

	profile, err := p.resolver.Resolve(ctx, doc.Sender)
	if err != nil {
		return rec, fmt.Errorf("resolve supplier profile: %w", err)
	}
	var (
		instructions string
		defaultVat   orders.VatTreatment
	)
	if profile != nil {
		instructions = profile.Instructions
		defaultVat = profile.DefaultVat
		rec.SupplierCode = profile.Code
	}
	log.Info("pipeline.resolved", "supplier_code", rec.SupplierCode, "known", profile != nil)

	if err := p.transition(ctx, &rec, orders.StateExtracting, 0, "", nil); err != nil {
		return rec, err
	}

	mode := extraction.ModeStandard
	for attempt := 1; attempt <= p.max; attempt++ {
		if err := ctx.Err(); err != nil {
			// The marker write must survive the cancellation that caused it.
			if perr := p.terminal(context.WithoutCancel(ctx), &rec, orders.StateCancelled, attempt-1, string(mode), []string{"processing cancelled by caller"}); perr != nil {
				return rec, perr
			}
			return rec, err
		}

		// Another actor may have moved the stored record to a terminal state
		// since the last write, typically a cancel request. The stored state
		// wins over the in-memory copy.
		stored, err := p.store.Get(ctx, rec.Key)
		if err != nil {
			return rec, fmt.Errorf("%w: reload record: %v", shared.ErrPersistence, err)
		}
		if stored.State.Terminal() {
			log.Info("pipeline.superseded", "state", string(stored.State))
			return stored, nil
		}

		if attempt > 1 {
			mode = mode.Escalate()
			if err := p.transition(ctx, &rec, orders.StateExtracting, attempt, string(mode), nil); err != nil {
				return rec, err
			}
		}
		rec.Attempts = attempt
		rec.ModeHistory = append(rec.ModeHistory, string(mode))
		if p.metrics != nil {
			p.metrics.ObserveAttempt(string(mode))
		}
		log.Info("pipeline.extract", "attempt", attempt, "mode", string(mode))

		candidate, err := p.gateway.Extract(ctx, extraction.Request{
			Document:     doc,
			Instructions: instructions,
			DefaultVat:   defaultVat,
			Mode:         mode,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				if perr := p.terminal(context.WithoutCancel(ctx), &rec, orders.StateCancelled, attempt, string(mode), []string{"processing cancelled by caller"}); perr != nil {
					return rec, perr
				}
				return rec, context.Canceled
			}
			reason := classifyExtractionError(err)
			log.Warn("pipeline.extract_failed", "attempt", attempt, "mode", string(mode), "reason", reason)
			if attempt == p.max {
				rec.Order = nil
				if perr := p.terminal(ctx, &rec, orders.StateFailed, attempt, string(mode), []string{reason}); perr != nil {
					return rec, perr
				}
				return rec, nil
			}
			continue
		}

		if err := p.transition(ctx, &rec, orders.StateValidating, attempt, string(mode), nil); err != nil {
			return rec, err
		}

		verdict := p.validator.Validate(candidate)
		switch verdict.Status {
		case validation.StatusValid, validation.StatusCorrected:
			accepted := verdict.Order
			accepted.Warnings = append(accepted.Warnings, verdict.Warnings...)
			for _, c := range verdict.Corrections {
				accepted.Warnings = append(accepted.Warnings,
					fmt.Sprintf("corrected %s from %s to %s: %s", c.Field, c.Old, c.New, c.Reason))
			}
			rec.Order = &accepted
			if perr := p.terminal(ctx, &rec, orders.StateCompleted, attempt, string(mode), nil); perr != nil {
				return rec, perr
			}
			return rec, nil
		case validation.StatusRejected:
			log.Warn("pipeline.rejected", "attempt", attempt, "reasons", len(verdict.Reasons))
			if attempt == p.max {
				// Best-effort candidate plus reasons for a human to act on.
				candidate.Warnings = append(candidate.Warnings, verdict.Warnings...)
				rec.Order = &candidate
				if perr := p.terminal(ctx, &rec, orders.StateNeedsReview, attempt, string(mode), verdict.Reasons); perr != nil {
					return rec, perr
				}
				return rec, nil
			}
			if err := p.transition(ctx, &rec, orders.StateExtracting, attempt, string(mode), map[string]any{"reasons": verdict.Reasons}); err != nil {
				return rec, err
			}
		default:
			return rec, fmt.Errorf("unexpected verdict status %q", verdict.Status)
		}
	}

	return rec, fmt.Errorf("attempt loop exhausted without terminal state")
}

// transition moves the record to the target state and persists record and
// event before the caller takes the next step.
func (p *Processor) transition(ctx context.Context, rec *orders.Record, to orders.ProcessingState, attempt int, mode string, detail map[string]any) error {
	from := rec.State
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", shared.ErrInvalidState, from, to)
	}
	rec.State = to
	return p.persist(ctx, rec, orders.Event{
		OrderKey: rec.Key,
		From:     from,
		To:       to,
		Attempt:  attempt,
		Mode:     mode,
		Detail:   detail,
	})
}

// terminal records the final state together with its reasons.
func (p *Processor) terminal(ctx context.Context, rec *orders.Record, to orders.ProcessingState, attempt int, mode string, reasons []string) error {
	rec.Reasons = reasons
	var detail map[string]any
	if len(reasons) > 0 {
		detail = map[string]any{"reasons": reasons}
	}
	if err := p.transition(ctx, rec, to, attempt, mode, detail); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.ObserveTerminal(to, rec.Attempts)
	}
	p.logger.Info("pipeline.terminal",
		"order_key", rec.Key,
		"state", string(to),
		"attempts", rec.Attempts,
		"mode_history", rec.ModeHistory,
	)
	return nil
}

func (p *Processor) persist(ctx context.Context, rec *orders.Record, ev orders.Event) error {
	rec.UpdatedAt = time.Now().UTC()
	if err := p.store.Upsert(ctx, *rec); err != nil {
		return fmt.Errorf("%w: upsert record: %v", shared.ErrPersistence, err)
	}
	if err := p.store.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("%w: append event: %v", shared.ErrPersistence, err)
	}
	return nil
}

// classifyExtractionError maps a gateway failure onto the closed reason set
// surfaced to reviewers. Raw error text never reaches the record alone.
func classifyExtractionError(err error) string {
	switch {
	case errors.Is(err, extraction.ErrQuota):
		return "extraction failed: inference quota exhausted"
	case errors.Is(err, extraction.ErrTimeout):
		return "extraction failed: inference call timed out"
	case errors.Is(err, extraction.ErrMalformedResponse):
		return "extraction failed: inference response was malformed"
	default:
		return "extraction failed: " + err.Error()
	}
}
