// Package pipeline orchestrates event ingestion: validation, windowed
// deduplication, normalization, identity upserts and the transactional
// write. The single-event path is synchronous; callers get an answer only
// after persistence finished (or was skipped).
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"example.com/pixeltrack/internal/dedupe"
	"example.com/pixeltrack/internal/domain"
	"example.com/pixeltrack/internal/metrics"
)

// Store is the persistence boundary. Writes happen inside WithTx; the
// reads serve the readiness check and the record lookup endpoints.
type Store interface {
	// WithTx runs fn inside one transaction: commit on nil, rollback on
	// error. Everything written through the Tx becomes visible atomically.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	ClientIdentity(ctx context.Context, clientID string) (*domain.ClientIdentity, error)
	Session(ctx context.Context, sessionID string) (*domain.Session, error)
	Ping(ctx context.Context) error
}

// Tx is one transactional unit of work.
type Tx interface {
	InsertEvent(ctx context.Context, ev *domain.Event) (int64, error)
	InsertRequestMeta(ctx context.Context, meta *domain.RequestMeta) error
	UpsertClient(ctx context.Context, up domain.ClientUpdate) error
	UpsertSession(ctx context.Context, up domain.SessionUpdate) error
}

// Status classifies the outcome of a single-event submission.
type Status string

const (
	StatusStored    Status = "stored"
	StatusDuplicate Status = "duplicate"
	StatusRejected  Status = "rejected"
)

// Result is what the caller of IngestOne learns. StorageID is set only for
// StatusStored. Warnings accompany every status; Errors only StatusRejected.
type Result struct {
	Status    Status
	StorageID int64
	Errors    []domain.Code
	Warnings  []domain.Code
}

// Pipeline wires the ingestion stages over an injected Store and dedupe
// window. Now is the injectable clock.
type Pipeline struct {
	store  Store
	window *dedupe.Window

	Now func() time.Time
}

func New(store Store, window *dedupe.Window) *Pipeline {
	return &Pipeline{store: store, window: window, Now: time.Now}
}

// IngestOne runs one event through the full pipeline. A non-nil error means
// a storage fault; validation rejections and duplicates are regular Results.
func (p *Pipeline) IngestOne(ctx context.Context, in *domain.EventInput, req domain.RequestInfo) (Result, error) {
	start := time.Now()
	defer func() {
		metrics.IngestDuration.WithLabelValues("single").Observe(time.Since(start).Seconds())
	}()

	vres := domain.Validate(in)
	for _, code := range vres.Warnings {
		metrics.WarningsTotal.WithLabelValues(string(code)).Inc()
	}
	if !vres.Valid() {
		metrics.EventsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		return Result{Status: StatusRejected, Errors: vres.Errors, Warnings: vres.Warnings}, nil
	}

	if !p.window.ShouldStore(in.EventName, in.EventID) {
		metrics.EventsTotal.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		log.Debug().Str("event_id", in.EventID).Str("event_name", in.EventName).
			Msg("duplicate inside dedupe window, skipped")
		return Result{Status: StatusDuplicate, Warnings: vres.Warnings}, nil
	}
	metrics.DedupeEntries.Set(float64(p.window.Len()))

	now := p.Now()
	ev := domain.Normalize(in, req.UserAgent, now)

	var storageID int64
	err := p.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.UpsertClient(ctx, clientUpdateFromEvent(ev, now)); err != nil {
			return err
		}
		if ev.SessionID != "" {
			if err := tx.UpsertSession(ctx, sessionUpdateFromEvent(ev)); err != nil {
				return err
			}
		}
		id, err := tx.InsertEvent(ctx, ev)
		if err != nil {
			return err
		}
		storageID = id
		return tx.InsertRequestMeta(ctx, requestMeta(req, &id))
	})
	if err != nil {
		metrics.EventsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		log.Error().Err(err).Str("event_id", ev.EventID).Msg("event write failed")
		return Result{}, fmt.Errorf("store event: %w", err)
	}

	metrics.EventsTotal.WithLabelValues(metrics.OutcomeStored).Inc()
	return Result{Status: StatusStored, StorageID: storageID, Warnings: vres.Warnings}, nil
}

// IngestBatch runs a batch inside one outer transaction. Invalid items and
// duplicates are skipped silently; the returned count is what got stored.
// Any storage fault rolls back the whole batch and surfaces as an error.
// Dedupe registrations made before the fault survive it, matching the
// single-path retry semantics.
func (p *Pipeline) IngestBatch(ctx context.Context, items []domain.EventInput, req domain.RequestInfo) (int, error) {
	start := time.Now()
	defer func() {
		metrics.IngestDuration.WithLabelValues("batch").Observe(time.Since(start).Seconds())
	}()
	metrics.BatchSize.Observe(float64(len(items)))

	if len(items) == 0 {
		return 0, nil
	}

	var ingested, rejected, duplicates int
	err := p.store.WithTx(ctx, func(tx Tx) error {
		for i := range items {
			in := &items[i]

			vres := domain.Validate(in)
			if !vres.Valid() {
				rejected++
				metrics.EventsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
				continue
			}
			if !p.window.ShouldStore(in.EventName, in.EventID) {
				duplicates++
				metrics.EventsTotal.WithLabelValues(metrics.OutcomeDuplicate).Inc()
				continue
			}

			now := p.Now()
			ev := domain.Normalize(in, req.UserAgent, now)

			// Minimal per-item upsert: last-seen only, identity fields and
			// traits untouched, to bound the write cost of large batches.
			if err := tx.UpsertClient(ctx, domain.ClientUpdate{ClientID: ev.ClientID, SeenAt: now}); err != nil {
				return err
			}
			if ev.SessionID != "" {
				if err := tx.UpsertSession(ctx, sessionUpdateFromEvent(ev)); err != nil {
					return err
				}
			}
			if _, err := tx.InsertEvent(ctx, ev); err != nil {
				return err
			}
			ingested++
		}

		if ingested > 0 {
			// One aggregate metadata row for the whole batch; no event_ref.
			return tx.InsertRequestMeta(ctx, requestMeta(req, nil))
		}
		return nil
	})
	metrics.DedupeEntries.Set(float64(p.window.Len()))
	if err != nil {
		metrics.EventsTotal.WithLabelValues(metrics.OutcomeFailed).Add(float64(ingested))
		log.Error().Err(err).Int("attempted", ingested).Msg("batch write failed, rolled back")
		return 0, fmt.Errorf("store batch: %w", err)
	}

	metrics.EventsTotal.WithLabelValues(metrics.OutcomeStored).Add(float64(ingested))
	log.Info().Int("submitted", len(items)).Int("ingested", ingested).
		Int("rejected", rejected).Int("duplicates", duplicates).Msg("batch ingested")
	return ingested, nil
}

// UpsertUser applies an explicit identity upsert: last-seen refresh,
// coalesced identity fields, traits overwritten wholesale.
func (p *Pipeline) UpsertUser(ctx context.Context, up domain.ClientUpdate) error {
	if up.SeenAt.IsZero() {
		up.SeenAt = p.Now()
	}
	up.SetTraits = true
	err := p.store.WithTx(ctx, func(tx Tx) error {
		return tx.UpsertClient(ctx, up)
	})
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func clientUpdateFromEvent(ev *domain.Event, seenAt time.Time) domain.ClientUpdate {
	return domain.ClientUpdate{
		ClientID:  ev.ClientID,
		SeenAt:    seenAt,
		UserID:    ev.UserID,
		EmailHash: ev.EmailHash,
		PhoneHash: ev.PhoneHash,
		Traits:    ev.Traits,
		SetTraits: hasJSON(ev.Traits),
	}
}

func sessionUpdateFromEvent(ev *domain.Event) domain.SessionUpdate {
	return domain.SessionUpdate{
		SessionID: ev.SessionID,
		ClientID:  ev.ClientID,
		StartedAt: ev.OccurredAt,
		Page:      ev.PageLocation,
	}
}

func requestMeta(req domain.RequestInfo, eventRef *int64) *domain.RequestMeta {
	return &domain.RequestMeta{
		EventRef:  eventRef,
		IP:        req.IP,
		Headers:   req.Headers,
		UserAgent: req.UserAgent,
		RequestID: req.RequestID,
	}
}

// hasJSON reports whether a raw blob carries an actual value; JSON null and
// absence both count as not carried.
func hasJSON(raw []byte) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}
