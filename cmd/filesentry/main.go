package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/filesentry/filesentry/internal/config"
	"github.com/filesentry/filesentry/internal/logging"
	"github.com/filesentry/filesentry/internal/scanner"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "filesentry",
	Short:   "FileSentry - fail-secure malware scanning and file quarantine",
	Long:    `FileSentry scans files against a ClamAV engine with fail-secure verdicts and isolates flagged content in encrypted, time-limited quarantine.`,
	Version: Version,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("FileSentry %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the scan engine is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		adapter := newAdapter(cfg)
		if !adapter.Ping(cmd.Context()) {
			fmt.Fprintln(os.Stderr, "engine unreachable")
			os.Exit(1)
		}
		fmt.Println("engine ok")
		return nil
	},
}

var scanStream bool

var scanCmd = &cobra.Command{
	Use:   "scan <path> [path...]",
	Short: "Scan one or more files and print verdicts",
	Long: `Scans each path and prints the verdict as JSON. With --stream the file
is read locally and streamed to the engine, for deployments where the
engine does not share a filesystem with this process.

Exit status is 0 when every file is clean, 1 when any file is flagged,
and 2 when any scan is rejected.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		adapter := newAdapter(cfg)

		exitCode := 0
		enc := json.NewEncoder(os.Stdout)
		for _, path := range args {
			verdict := scanOne(cmd.Context(), adapter, path)
			out := struct {
				Path string `json:"path"`
				scanner.Verdict
			}{Path: path, Verdict: verdict}
			if err := enc.Encode(out); err != nil {
				return err
			}
			switch verdict.Status {
			case scanner.StatusRejected:
				exitCode = 2
			case scanner.StatusFlagged:
				if exitCode < 2 {
					exitCode = 1
				}
			}
		}
		if exitCode != 0 {
			os.Exit(exitCode)
		}
		return nil
	},
}

func scanOne(ctx context.Context, adapter scanner.Adapter, path string) scanner.Verdict {
	if !scanStream {
		return adapter.Scan(ctx, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		// Unreadable input cannot be verified; fail secure.
		fmt.Fprintf(os.Stderr, "read %s: %v\n", path, err)
		return scanner.Verdict{Status: scanner.StatusRejected, Engine: "local"}
	}
	return adapter.ScanBytes(ctx, data)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "filesentry",
	})
	return cfg, nil
}

func newAdapter(cfg *config.Config) *scanner.ClamAV {
	metrics := scanner.NewMetrics(prometheus.DefaultRegisterer)
	return scanner.NewClamAV(cfg.EngineHost, cfg.EnginePort, cfg.EngineTimeout, metrics)
}

func init() {
	scanCmd.Flags().BoolVar(&scanStream, "stream", false, "stream file bytes to the engine instead of scanning by path")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(quarantineCmd)
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(sweepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
