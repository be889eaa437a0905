// Package sweeper reconciles durable quarantine records with the
// ephemeral blob store: records whose TTL has elapsed and whose blob is
// gone are transitioned to expired.
package sweeper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/filesentry/filesentry/internal/quarantine"
)

const defaultBatchSize = 100

// Sweeper periodically marks lapsed quarantine records as expired.
type Sweeper struct {
	db       *sql.DB
	service  *quarantine.Service
	records  quarantine.RecordStore
	interval time.Duration
	batch    int

	now func() time.Time
}

// New returns a sweeper that scans every interval.
func New(db *sql.DB, service *quarantine.Service, records quarantine.RecordStore, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		db:       db,
		service:  service,
		records:  records,
		interval: interval,
		batch:    defaultBatchSize,
		now:      time.Now,
	}
}

// Run sweeps on a ticker until ctx is cancelled. An immediate sweep runs
// before the first tick.
func (s *Sweeper) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("Quarantine expiry sweeper started")

	if n, err := s.SweepOnce(ctx); err != nil {
		log.Error().Err(err).Msg("Expiry sweep failed")
	} else if n > 0 {
		log.Info().Int("expired", n).Msg("Expiry sweep complete")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Quarantine expiry sweeper stopped")
			return
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Expiry sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Int("expired", n).Msg("Expiry sweep complete")
			}
		}
	}
}

// SweepOnce processes one batch of lapsed records and returns how many
// were transitioned to expired.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin sweep transaction: %w", err)
	}
	defer tx.Rollback()

	candidates, err := s.records.ListExpired(ctx, tx, s.now().UTC(), s.batch)
	if err != nil {
		return 0, fmt.Errorf("list lapsed records: %w", err)
	}

	expired := 0
	for _, rec := range candidates {
		// Only transition once the blob is actually gone; a present blob
		// means the store clocks disagree and the next sweep will catch it.
		present, err := s.service.HasBlob(ctx, rec.ID)
		if err != nil {
			log.Warn().Err(err).Str("quarantine_id", rec.ID.String()).
				Msg("Could not check ephemeral blob during sweep")
			continue
		}
		if present {
			continue
		}

		if _, err := s.service.MarkExpired(ctx, tx, rec.ID); err != nil {
			// A concurrent release or purge won the race; nothing to do.
			if errors.Is(err, quarantine.ErrInvalidState) || errors.Is(err, quarantine.ErrNotFound) {
				log.Debug().Err(err).Str("quarantine_id", rec.ID.String()).
					Msg("Record changed state during sweep, skipping")
				continue
			}
			return expired, fmt.Errorf("mark record %s expired: %w", rec.ID, err)
		}
		expired++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit sweep transaction: %w", err)
	}
	return expired, nil
}
