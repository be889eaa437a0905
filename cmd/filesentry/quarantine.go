package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/filesentry/filesentry/internal/config"
	"github.com/filesentry/filesentry/internal/quarantine"
	"github.com/filesentry/filesentry/internal/sweeper"
)

var (
	quarantineTenant string
	quarantineReason string
	quarantineTTL    int
)

var quarantineCmd = &cobra.Command{
	Use:   "quarantine <path>",
	Short: "Encrypt a file into quarantine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		tenantID, err := uuid.Parse(quarantineTenant)
		if err != nil {
			return fmt.Errorf("invalid --tenant: %w", err)
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		sum := sha256.Sum256(data)

		env, err := buildQuarantine(cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := withTx(cmd.Context(), env.records.DB(), func(tx *sql.Tx) (*quarantine.Record, error) {
			return env.service.Quarantine(cmd.Context(), tx, quarantine.Input{
				Data:       data,
				FileHash:   hex.EncodeToString(sum[:]),
				FileName:   filepath.Base(args[0]),
				FileSize:   int64(len(data)),
				MIMEType:   http.DetectContentType(data),
				TenantID:   tenantID,
				Reason:     quarantine.Reason(quarantineReason),
				TTLSeconds: quarantineTTL,
			})
		})
		if err != nil {
			return err
		}
		fmt.Printf("quarantined %s as %s (expires %s)\n", args[0], rec.ID, rec.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
		return nil
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release <id>",
	Short: "Release a quarantined file after review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transition(cmd, args[0], func(ctx context.Context, env *quarantineEnv, tx *sql.Tx, id uuid.UUID) error {
			_, err := env.service.Release(ctx, tx, id)
			return err
		})
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge <id>",
	Short: "Permanently delete a quarantine record and its payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transition(cmd, args[0], func(ctx context.Context, env *quarantineEnv, tx *sql.Tx, id uuid.UUID) error {
			return env.service.Purge(ctx, tx, id)
		})
	},
}

func transition(cmd *cobra.Command, rawID string, fn func(context.Context, *quarantineEnv, *sql.Tx, uuid.UUID) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("invalid quarantine id: %w", err)
	}

	env, err := buildQuarantine(cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	_, err = withTx(cmd.Context(), env.records.DB(), func(tx *sql.Tx) (struct{}, error) {
		return struct{}{}, fn(cmd.Context(), env, tx, id)
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", cmd.Name(), id)
	return nil
}

// quarantineEnv bundles the stores and service a command needs.
type quarantineEnv struct {
	service *quarantine.Service
	records *quarantine.SQLiteRecordStore
	blobs   *quarantine.RedisBlobStore
}

func (e *quarantineEnv) Close() {
	if e.blobs != nil {
		e.blobs.Close()
	}
	if e.records != nil {
		e.records.Close()
	}
}

func buildQuarantine(cfg *config.Config) (*quarantineEnv, error) {
	cipher, err := quarantine.NewCipher(cfg.SecretMaterial)
	if err != nil {
		return nil, fmt.Errorf("derive quarantine key: %w", err)
	}

	records, err := quarantine.NewSQLiteRecordStore(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	blobs := quarantine.NewRedisBlobStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	service := quarantine.NewService(cipher, blobs, records, quarantine.Options{
		DefaultTTL: cfg.DefaultTTL,
		MaxTTL:     cfg.MaxTTL,
		KeyPrefix:  cfg.EphemeralKeyPrefix,
		Metrics:    quarantine.NewPrometheusRecorder(prometheus.DefaultRegisterer),
	})
	return &quarantineEnv{service: service, records: records, blobs: blobs}, nil
}

// withTx runs fn inside a transaction, committing on success.
func withTx[T any](ctx context.Context, db *sql.DB, fn func(*sql.Tx) (T, error)) (T, error) {
	var zero T
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("begin transaction: %w", err)
	}
	result, err := fn(tx)
	if err != nil {
		tx.Rollback()
		return zero, err
	}
	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("commit transaction: %w", err)
	}
	return result, nil
}

var sweepOnce bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reconcile lapsed quarantine records with the ephemeral store",
	Long: `Runs the expiry sweep that transitions active records whose TTL has
elapsed (and whose encrypted payload is gone) to the expired state.
Without --once the sweep runs continuously on the configured interval
and serves Prometheus metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		env, err := buildQuarantine(cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		sw := sweeper.New(env.records.DB(), env.service, env.records, cfg.SweepInterval)
		if sweepOnce {
			n, err := sw.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("expired %d record(s)\n", n)
			return nil
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// Gauges do not survive restarts; seed the active count from the
		// durable store before serving metrics.
		count, err := withTx(ctx, env.records.DB(), func(tx *sql.Tx) (int64, error) {
			return env.service.PrimeActiveGauge(ctx, tx)
		})
		if err != nil {
			return err
		}
		log.Info().Int64("active", count).Msg("Primed active quarantine gauge")

		serveMetrics(ctx, cfg.MetricsAddr)
		sw.Run(ctx)
		return nil
	},
}

// serveMetrics exposes Prometheus metrics for the lifetime of ctx. Serving
// and shutdown both run in the background; sweep loop errors are the
// daemon's real failure mode, so listener problems only log.
func serveMetrics(ctx context.Context, addr string) {
	srv := &http.Server{
		Addr:        addr,
		Handler:     promhttp.Handler(),
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("Metrics listener stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Metrics server did not shut down cleanly")
		}
	}()
}

func init() {
	quarantineCmd.Flags().StringVar(&quarantineTenant, "tenant", "", "owning tenant UUID (required)")
	quarantineCmd.Flags().StringVar(&quarantineReason, "reason", string(quarantine.ReasonAVThreat), "quarantine reason: av_threat, pii, or policy")
	quarantineCmd.Flags().IntVar(&quarantineTTL, "ttl", 0, "TTL in seconds (0 uses the configured default)")
	quarantineCmd.MarkFlagRequired("tenant")

	sweepCmd.Flags().BoolVar(&sweepOnce, "once", false, "run a single sweep and exit")
}
