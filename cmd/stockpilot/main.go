// Command stockpilot is the offline-first sync client for the StockPilot
// inventory API. It buffers mutations durably while disconnected and
// replays them in order once the server is reachable again.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tkhuang/stockpilot/internal/api"
	"github.com/tkhuang/stockpilot/internal/config"
	"github.com/tkhuang/stockpilot/internal/logging"
	"github.com/tkhuang/stockpilot/internal/models"
	"github.com/tkhuang/stockpilot/internal/netmon"
	"github.com/tkhuang/stockpilot/internal/store"
	enginepkg "github.com/tkhuang/stockpilot/internal/sync"
)

var cfgPath string

func main() {
	// A .env in the working directory seeds STOCKPILOT_* overrides; absence
	// is the normal case.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "stockpilot",
		Short:         "Offline-first sync client for the StockPilot inventory API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "stockpilot.yaml", "path to config file")

	root.AddCommand(
		runCmd(),
		syncCmd(),
		statusCmd(),
		enqueueCmd(),
		queueCmd(),
		conflictsCmd(),
		auditCmd(),
		telemetryCmd(),
		exportCmd(),
		importCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app bundles everything a command needs, opened per invocation.
type app struct {
	cfg    *config.Config
	store  *store.Store
	engine *enginepkg.Engine
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
}

func setup() (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logging.Init(logging.Options{
		Level:    cfg.LogLevel,
		FilePath: cfg.LogFile,
	})

	st, err := store.Open(cfg.DataDir, store.Options{
		MaxQueueSize: cfg.MaxQueueSize,
		AuditLogCap:  cfg.AuditLogCap,
	})
	if err != nil {
		return nil, err
	}

	monitor := netmon.NewMonitor(netmon.Config{
		HealthURL:     cfg.ServerURL + "/health",
		ProbeTimeout:  cfg.HealthTimeout,
		ProbeInterval: cfg.HealthInterval,
	})
	client := api.NewClient(cfg.ServerURL, cfg.RequestTimeout)

	engine, err := enginepkg.New(cfg, st, client, monitor)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{cfg: cfg, store: st, engine: engine}, nil
}

// runCmd starts the long-running client: background drains on reconnect and
// on the sync interval, until interrupted.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync client until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			a.engine.Subscribe(func(ev enginepkg.Event) {
				switch ev.Type {
				case enginepkg.EventSyncCompleted:
					if ev.Summary != nil {
						fmt.Printf("sync completed: %d synced, %d pending, %d failed, %d conflicts (%s)\n",
							len(ev.Summary.Synced), len(ev.Summary.Pending),
							len(ev.Summary.Failed), len(ev.Summary.Conflicts), ev.Summary.Duration)
					}
				case enginepkg.EventSyncConflict:
					if ev.Conflict != nil {
						fmt.Printf("conflict on %s %s: resolve with 'stockpilot conflicts resolve %d'\n",
							ev.Conflict.EntityKind, ev.Conflict.EntityID, ev.Conflict.QueueEntryID)
					}
				case enginepkg.EventSyncFailed:
					fmt.Printf("sync pass failed: %s\n", ev.Reason)
				}
			})

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a.engine.Start(ctx)
			defer a.engine.Stop()

			logging.Info("stockpilot running", map[string]interface{}{"config": a.cfg.String()})

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			fmt.Println("shutting down")
			return nil
		},
	}
}

// syncCmd runs exactly one drain pass and reports its summary.
func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			summary, err := a.engine.ProcessQueue(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("synced:    %d\n", len(summary.Synced))
			fmt.Printf("pending:   %d\n", len(summary.Pending))
			fmt.Printf("failed:    %d\n", len(summary.Failed))
			fmt.Printf("conflicts: %d\n", len(summary.Conflicts))
			fmt.Printf("duration:  %s\n", summary.Duration)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue and record sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			pending, syncing, failed, err := a.engine.QueueStatus()
			if err != nil {
				return err
			}
			fmt.Printf("queue: %d pending, %d syncing, %d failed\n", pending, syncing, failed)

			for _, status := range []models.SyncStatus{
				models.SyncStatusSynced, models.SyncStatusPending, models.SyncStatusError,
			} {
				n, err := a.store.CountRecordsByStatus(status)
				if err != nil {
					return err
				}
				fmt.Printf("records %s: %d\n", status, n)
			}

			if open := a.engine.PendingConflicts(); len(open) > 0 {
				fmt.Printf("open conflicts: %d\n", len(open))
			}
			return nil
		},
	}
}

// enqueueCmd buffers one mutation from a JSON payload file (or stdin).
func enqueueCmd() *cobra.Command {
	var payloadPath string
	cmd := &cobra.Command{
		Use:   "enqueue <create|update|delete> <products|warehouses|sales>",
		Short: "Buffer a mutation for sync",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			data, err := readPayload(payloadPath)
			if err != nil {
				return err
			}
			rec, err := models.UnmarshalRecord(data)
			if err != nil {
				return err
			}

			entry, err := a.engine.Enqueue(
				models.Operation(args[0]), models.EntityKind(args[1]), rec)
			if err != nil {
				return err
			}
			fmt.Printf("queued entry %d (%s %s %s)\n",
				entry.ID, entry.Operation, entry.EntityKind, entry.EntityID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&payloadPath, "payload", "p", "-", "payload JSON file, - for stdin")
	return cmd
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the mutation queue",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List queued mutations in replay order",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			for _, status := range []models.QueueStatus{
				models.QueueStatusPending, models.QueueStatusSyncing, models.QueueStatusFailed,
			} {
				entries, err := a.store.ListByStatus(status)
				if err != nil {
					return err
				}
				for _, e := range entries {
					line := fmt.Sprintf("%6d  %-7s %-6s %-10s %s  attempts=%d",
						e.ID, e.Status, e.Operation, e.EntityKind, e.EntityID, e.Attempts)
					if e.LastError != "" {
						line += "  error=" + e.LastError
					}
					if e.NextRetryAt > 0 {
						line += "  retry_at=" + time.UnixMilli(e.NextRetryAt).Format(time.RFC3339)
					}
					fmt.Println(line)
				}
			}
			return nil
		},
	}

	retry := &cobra.Command{
		Use:   "retry <entry-id>",
		Short: "Reset a failed entry for another attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			var id int64
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return fmt.Errorf("invalid entry id %q", args[0])
			}
			if err := a.engine.RetryEntry(id); err != nil {
				return err
			}
			fmt.Printf("entry %d queued for retry\n", id)
			return nil
		},
	}

	clear := &cobra.Command{
		Use:   "clear-failed",
		Short: "Discard all failed entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.engine.ClearFailed()
			if err != nil {
				return err
			}
			fmt.Printf("cleared %d failed entries\n", n)
			return nil
		},
	}

	cmd.AddCommand(list, retry, clear)
	return cmd
}

func conflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve sync conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			cases := a.engine.PendingConflicts()
			if len(cases) == 0 {
				fmt.Println("no open conflicts")
				return nil
			}
			for _, c := range cases {
				fmt.Printf("%6d  %-10s %s  op=%s server_deleted=%v detected=%s\n",
					c.QueueEntryID, c.EntityKind, c.EntityID, c.Operation,
					c.ServerDeleted, time.UnixMilli(c.DetectedAt).Format(time.RFC3339))
			}
			return nil
		},
	}

	var strategy string
	var mergedPath string
	var remember bool
	resolve := &cobra.Command{
		Use:   "resolve <entry-id>",
		Short: "Resolve an open conflict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			var id int64
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return fmt.Errorf("invalid entry id %q", args[0])
			}

			res := &models.Resolution{
				Strategy:     models.Strategy(strategy),
				UseForFuture: remember,
			}
			if mergedPath != "" {
				data, err := readPayload(mergedPath)
				if err != nil {
					return err
				}
				rec, err := models.UnmarshalRecord(data)
				if err != nil {
					return err
				}
				res.MergedPayload = rec
			}

			if err := a.engine.ResolveConflict(id, res); err != nil {
				return err
			}
			fmt.Printf("conflict %d resolved with %s\n", id, strategy)
			return nil
		},
	}
	resolve.Flags().StringVarP(&strategy, "strategy", "s", "",
		"keep_local, keep_server, merge or last_write_wins")
	resolve.Flags().StringVar(&mergedPath, "merged", "", "merged payload JSON file (merge only)")
	resolve.Flags().BoolVar(&remember, "remember", false, "apply this strategy to future conflicts")
	resolve.MarkFlagRequired("strategy")

	reject := &cobra.Command{
		Use:   "reject <entry-id>",
		Short: "Discard an open conflict without resolving it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			var id int64
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return fmt.Errorf("invalid entry id %q", args[0])
			}
			if err := a.engine.RejectConflict(id); err != nil {
				return err
			}
			fmt.Printf("conflict %d rejected\n", id)
			return nil
		},
	}

	forget := &cobra.Command{
		Use:   "forget-preference",
		Short: "Clear the stored auto-resolution strategy",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.store.ClearPreference(); err != nil {
				return err
			}
			fmt.Println("conflict preference cleared")
			return nil
		},
	}

	cmd.AddCommand(resolve, reject, forget)
	return cmd
}

func auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Show the conflict resolution audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			entries, err := a.store.ListAudit()
			if err != nil {
				return err
			}
			for _, e := range entries {
				mode := "manual"
				if e.Automatic {
					mode = "auto"
				}
				fmt.Printf("%s  %-10s %s  %-15s %-6s local=%s server=%s\n",
					e.ResolvedAtTime().Format(time.RFC3339), e.EntityKind, e.EntityID,
					e.Strategy, mode,
					time.UnixMilli(e.LocalModified).Format(time.RFC3339),
					time.UnixMilli(e.ServerModified).Format(time.RFC3339))
			}
			return nil
		},
	}
}

func telemetryCmd() *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "telemetry",
		Short: "Show sync telemetry",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			if reset {
				if err := a.engine.Telemetry().Reset(); err != nil {
					return err
				}
				fmt.Println("telemetry reset")
				return nil
			}

			stats, err := a.engine.Telemetry().Snapshot()
			if err != nil {
				return err
			}
			fmt.Printf("successes:     %d\n", stats.SuccessCount)
			fmt.Printf("failures:      %d\n", stats.FailCount)
			fmt.Printf("success rate:  %.1f%%\n", stats.SuccessRate*100)
			fmt.Printf("conflicts:     %d\n", stats.ConflictCount)
			fmt.Printf("avg roundtrip: %s\n", stats.AvgRoundTrip)
			fmt.Printf("offline time:  %s\n", stats.OfflineDuration)
			return nil
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "clear all counters")
	return cmd
}

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Export local state to a compressed snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			blob, err := a.store.Export()
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[0], blob, 0600); err != nil {
				return err
			}
			fmt.Printf("exported %d bytes to %s\n", len(blob), args[0])
			return nil
		},
	}
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Replace local state from a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			blob, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			snap, err := a.store.Import(blob)
			if err != nil {
				return err
			}
			fmt.Printf("imported %d records, %d queue entries\n",
				len(snap.Records), len(snap.Queue))
			return nil
		},
	}
}

func readPayload(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return readAllStdin()
	}
	return os.ReadFile(path)
}

func readAllStdin() ([]byte, error) {
	var buf []byte
	dec := json.NewDecoder(os.Stdin)
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to read payload from stdin: %w", err)
	}
	buf = append(buf, raw...)
	return buf, nil
}
