package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"statusline/internal/app"
	"statusline/internal/config"
	"statusline/internal/db"
	"statusline/internal/domain"
	"statusline/internal/engine"
	"statusline/internal/merge"
	"statusline/internal/repo"
	"statusline/internal/server"
	"statusline/internal/telemetry"
	"statusline/internal/transitions"
	"statusline/internal/watch"
)

var shutdownTelemetry func(context.Context) error

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Statusline CLI",
	Long: `Statusline records work-package lane changes in an append-only event log.
Core concepts:
- Event log: kitty-specs/<feature>/status.events.jsonl, one JSON object per transition. It is the source of truth.
- Snapshot: status.json, reduced from the log. Safe to delete; 'sl materialize' rebuilds it.
- Lanes: planned -> claimed -> in_progress -> for_review -> done, plus blocked and canceled. 'doing' is accepted for in_progress.
- Force: any move is allowed with --force, an actor and a --reason. The event records it.
- Phase: 0 validates only, 1 writes the log and the task-file lane (dual-write), 2 treats the log as authoritative and drift as an error.
- Views: the lane field in tasks/WPxx.md frontmatter, regenerated from the snapshot.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if viper.GetBool("verbose") {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		shutdown, err := telemetry.Init(cmd.Context())
		if err != nil {
			return err
		}
		shutdownTelemetry = shutdown
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if shutdownTelemetry == nil {
			return nil
		}
		return shutdownTelemetry(context.Background())
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STATUSLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("root", "", "repository root (default: search upwards from the working directory)")
	rootCmd.PersistentFlags().String("feature", "", "feature slug (default: the only feature under kitty-specs)")
	rootCmd.PersistentFlags().String("actor", "", "actor recorded on emitted events")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	for _, name := range []string{"root", "feature", "actor", "json", "verbose"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(emitCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(materializeCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(mergeCmd())
	rootCmd.AddCommand(mergeDriverCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(indexCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(lanesCmd())
}

func emitCmd() *cobra.Command {
	var force bool
	var reason, reviewRef, evidenceFile, mode string
	cmd := &cobra.Command{
		Use:   "emit <wp-id> <lane>",
		Short: "Move a work package to another lane",
		Long:  "Validates the move, appends it to the event log, then refreshes status.json, the task-file lane and any webhooks. A rejected move changes nothing.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var evidence *domain.DoneEvidence
			if evidenceFile != "" {
				data, err := os.ReadFile(evidenceFile)
				if err != nil {
					return err
				}
				evidence = &domain.DoneEvidence{}
				if err := json.Unmarshal(data, evidence); err != nil {
					return fmt.Errorf("parse evidence %s: %w", evidenceFile, err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, feature string) error {
				evt, err := e.Emit(ctx, engine.EmitOptions{
					Feature:       feature,
					WPID:          args[0],
					ToLane:        args[1],
					Actor:         viper.GetString("actor"),
					Force:         force,
					Reason:        reason,
					ReviewRef:     reviewRef,
					Evidence:      evidence,
					ExecutionMode: domain.ExecutionMode(mode),
				})
				if err != nil && evt.EventID == "" {
					var te *transitions.TransitionError
					if errors.As(err, &te) && errors.Is(err, transitions.ErrIllegalTransition) {
						return fmt.Errorf("%w (allowed from %s: %v)", err, te.From, transitions.AllowedTargets(domain.Lane(te.From)))
					}
					return err
				}
				if viper.GetBool("json") {
					if perr := printJSON(evt); perr != nil {
						return perr
					}
				} else {
					fmt.Printf("%s: %s -> %s (%s)\n", evt.WPID, evt.FromLane, evt.ToLane, evt.EventID)
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "allow moves outside the transition matrix (requires --actor and --reason)")
	cmd.Flags().StringVar(&reason, "reason", "", "why the move is made")
	cmd.Flags().StringVar(&reviewRef, "review-ref", "", "review reference (required when sending work back from review)")
	cmd.Flags().StringVar(&evidenceFile, "evidence", "", "JSON file with done evidence")
	cmd.Flags().StringVar(&mode, "execution-mode", string(domain.ModeWorktree), "worktree or direct_repo")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the lane of every work package",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, feature string) error {
				snap, err := e.Status(ctx, feature)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				ph, err := e.ResolvePhase(ctx, feature)
				if err != nil {
					return err
				}
				fmt.Printf("Feature: %s  phase %s  events: %d\n", feature, ph.Phase, snap.EventCount)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"WP", "Lane", "Actor", "Last transition", "Forced"})
				for _, wpID := range sortedKeys(snap.WorkPackages) {
					st := snap.WorkPackages[wpID]
					tw.AppendRow(table.Row{wpID, st.Lane, st.Actor, st.LastTransitionAt, st.ForceCount})
				}
				tw.Render()
				var parts []string
				for _, l := range domain.AllLanes() {
					parts = append(parts, fmt.Sprintf("%s=%d", l, snap.Summary[l]))
				}
				fmt.Println(strings.Join(parts, " "))
				return nil
			})
		},
	}
	return cmd
}

func materializeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "materialize",
		Short: "Rebuild status.json and task-file lanes from the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, feature string) error {
				res, err := e.Materialize(ctx, feature)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s: %d events, %d work packages; views updated %d, unchanged %d, missing %d\n",
					feature, res.Snapshot.EventCount, len(res.Snapshot.WorkPackages),
					len(res.Views.Updated), len(res.Views.Unchanged), len(res.Views.Missing))
				return nil
			})
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the event log and compare task-file lanes with it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, feature string) error {
				rep, err := e.Validate(ctx, feature)
				if rep.Feature == "" {
					return err
				}
				if viper.GetBool("json") {
					if perr := printJSON(rep); perr != nil {
						return perr
					}
					return err
				}
				fmt.Printf("Feature: %s  phase %s (%s)  events: %d\n", feature, rep.Phase.Phase, rep.Phase.Source, rep.EventCount)
				for _, d := range rep.Drift {
					fmt.Println("drift:", d.String())
				}
				for _, msg := range rep.Illegal {
					fmt.Println("illegal:", msg)
				}
				if rep.OK() {
					fmt.Println("ok")
				}
				return err
			})
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <wp-id>",
		Short: "Show every transition of one work package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, feature string) error {
				hist, err := e.History(ctx, feature, args[0])
				if err != nil {
					return err
				}
				return printEvents(hist)
			})
		},
	}
}

func phaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "phase",
		Short: "Show the active phase and where it comes from",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, feature string) error {
				res, err := e.ResolvePhase(ctx, feature)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"phase": int(res.Phase), "name": res.Phase.String(), "source": res.Source})
				}
				fmt.Printf("phase %s from %s\n", res.Phase, res.Source)
				return nil
			})
		},
	}
}

func mergeCmd() *cobra.Command {
	var preview bool
	var out string
	cmd := &cobra.Command{
		Use:   "merge <ours> <theirs>",
		Short: "Union two event logs",
		Long:  "Merges two status.events.jsonl files by event_id and orders them by time. With --preview, prints the resulting snapshot instead.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			b, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			if preview {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				feature := viper.GetString("feature")
				snap, err := merge.ResolveLogs(feature, a, b, engine.Engine{Config: cfg}.ReducerOptions())
				if err != nil {
					return err
				}
				return printJSON(snap)
			}
			merged, err := merge.MergeLogs(a, b)
			if err != nil {
				return err
			}
			if out == "" {
				_, err = os.Stdout.Write(merged)
				return err
			}
			return os.WriteFile(out, merged, 0o644)
		},
	}
	cmd.Flags().BoolVar(&preview, "preview", false, "print the merged snapshot")
	cmd.Flags().StringVarP(&out, "output", "o", "", "write the merged log here instead of stdout")
	return cmd
}

func mergeDriverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge-driver <base> <ours> <theirs>",
		Short: "Git merge driver for status.events.jsonl",
		Long: `Register with:
  git config merge.statusline.driver "sl merge-driver %O %A %B"
and in .gitattributes:
  kitty-specs/*/status.events.jsonl merge=statusline`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return merge.MergeFiles(cmd.Context(), args[0], args[1], args[2])
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The append-only record of every lane change.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var wpID, lane, actor string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, feature string) error {
				f := repo.EventFilters{Feature: feature, WPID: wpID, Actor: actor, Limit: n}
				if lane != "" {
					l, err := transitions.ParseLane(lane)
					if err != nil {
						return err
					}
					f.ToLane = l
				}
				var items []domain.StatusEvent
				var err error
				if e.Index != nil {
					items, err = e.Index.ListEvents(ctx, f)
				} else {
					items, err = tailLog(ctx, e, f)
				}
				if err != nil {
					return err
				}
				return printEvents(items)
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&wpID, "wp", "", "work package filter")
	cmd.Flags().StringVar(&lane, "to-lane", "", "target lane filter")
	cmd.Flags().StringVar(&actor, "by", "", "actor filter")
	return cmd
}

func tailLog(ctx context.Context, e engine.Engine, f repo.EventFilters) ([]domain.StatusEvent, error) {
	evts, err := e.Events(ctx, f.Feature)
	if err != nil {
		return nil, err
	}
	out := []domain.StatusEvent{}
	for i := len(evts) - 1; i >= 0 && (f.Limit <= 0 || len(out) < f.Limit); i-- {
		evt := evts[i]
		if (f.WPID != "" && evt.WPID != f.WPID) || (f.ToLane != "" && evt.ToLane != f.ToLane) || (f.Actor != "" && evt.Actor != f.Actor) {
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}

func indexCmd() *cobra.Command {
	idx := &cobra.Command{
		Use:   "index",
		Short: "SQLite query index",
		Long:  "The index at .kittify/status-index.db mirrors the event logs for fast queries. It is never authoritative.",
	}
	idx.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the index from the event logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot()
			if err != nil {
				return err
			}
			cfg, err := app.LoadConfig(root)
			if err != nil {
				return err
			}
			index, closeIndex, err := app.OpenIndex(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer closeIndex()
			e := app.NewEngine(root, cfg, index, slog.Default())
			features := []string{viper.GetString("feature")}
			if features[0] == "" {
				if features, err = e.Features(); err != nil {
					return err
				}
			}
			for _, f := range features {
				n, err := e.SyncIndex(cmd.Context(), f)
				if err != nil {
					return fmt.Errorf("%s: %w", f, err)
				}
				fmt.Printf("%s: %d events indexed\n", f, n)
			}
			return nil
		},
	})
	idx.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Compare the index with the event logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot()
			if err != nil {
				return err
			}
			cfg, err := app.LoadConfig(root)
			if err != nil {
				return err
			}
			index, closeIndex, err := app.OpenIndex(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer closeIndex()
			e := app.NewEngine(root, cfg, index, slog.Default())
			onDisk, err := e.Features()
			if err != nil {
				return err
			}
			indexed, err := e.IndexedFeatures(cmd.Context())
			if err != nil {
				return err
			}
			features := onDisk
			if f := viper.GetString("feature"); f != "" {
				features = []string{f}
			}
			var statuses []engine.IndexStatus
			for _, f := range features {
				st, err := e.IndexStatus(cmd.Context(), f)
				if err != nil {
					return fmt.Errorf("%s: %w", f, err)
				}
				statuses = append(statuses, st)
			}
			known := map[string]bool{}
			for _, f := range onDisk {
				known[f] = true
			}
			var orphaned []string
			for _, f := range indexed {
				if !known[f] {
					orphaned = append(orphaned, f)
				}
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"features": statuses, "orphaned": orphaned})
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Feature", "Log events", "Indexed events", "Synced at", "State"})
			for _, st := range statuses {
				indexedCount, syncedAt, state := "-", "-", "not indexed"
				if st.State != nil {
					indexedCount = fmt.Sprint(st.State.EventCount)
					syncedAt = st.State.SyncedAt
					state = "in sync"
				}
				if st.Stale {
					state = "stale; run sl index rebuild"
				}
				tw.AppendRow(table.Row{st.Feature, st.LogEventCount, indexedCount, syncedAt, state})
			}
			tw.Render()
			for _, f := range orphaned {
				fmt.Printf("%s: indexed but no longer under %s\n", f, config.SpecsDir)
			}
			return nil
		},
	})
	return idx
}

func watchCmd() *cobra.Command {
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-materialize whenever an event log changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot()
			if err != nil {
				return err
			}
			cfg, err := app.LoadConfig(root)
			if err != nil {
				return err
			}
			index, closeIndex := maybeOpenIndex(cmd.Context(), root)
			defer closeIndex()
			e := app.NewEngine(root, cfg, index, slog.Default())
			features := []string{viper.GetString("feature")}
			if features[0] == "" {
				if features, err = e.Features(); err != nil {
					return err
				}
			}
			fmt.Fprintf(os.Stderr, "Watching %s (Ctrl+C to stop)\n", strings.Join(features, ", "))
			return watch.Watcher{Engine: e, Features: features, Debounce: debounce, Logger: slog.Default()}.Run(cmd.Context())
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", watch.DefaultDebounce, "wait for writes to settle")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot()
			if err != nil {
				return err
			}
			cfg, err := app.LoadConfig(root)
			if err != nil {
				return err
			}
			index, closeIndex := maybeOpenIndex(cmd.Context(), root)
			defer closeIndex()
			e := app.NewEngine(root, cfg, index, slog.Default())

			authCfg := server.AuthConfig{
				JWTSecret:              cfg.Server.JWTSecret,
				AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
				Logger:                 slog.Default(),
			}
			if s := viper.GetString("jwt_secret"); s != "" {
				authCfg.JWTSecret = s
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("STATUSLINE_JWT_SECRET or server.jwt_secret is required for bearer auth")
			}
			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Statusline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect .kittify/config.yaml",
		Long:  "The status section sets the global phase, the legacy branch globs that cap it and optional lane priorities. Webhooks and server settings live alongside.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}
}

func configInitCmd() *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := viper.GetString("root")
			if root == "" {
				if found, err := app.FindRoot("."); err == nil {
					root = found
				} else {
					root = "."
				}
			}
			p := config.Path(root)
			if _, err := os.Stat(p); err == nil && !overwrite {
				return fmt.Errorf("%s already exists; use --overwrite", p)
			}
			if _, err := db.EnsureWorkspace(root); err != nil {
				return err
			}
			if err := os.WriteFile(p, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", p)
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing config")
	return cmd
}

func lanesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lanes",
		Short: "List lanes and the moves allowed without --force",
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetBool("json") {
				return printJSON(transitions.AllowedTransitions())
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Lane", "Terminal", "Allowed targets"})
			for _, l := range domain.AllLanes() {
				var targets []string
				for _, t := range transitions.AllowedTargets(l) {
					targets = append(targets, string(t))
				}
				tw.AppendRow(table.Row{l, l.Terminal(), strings.Join(targets, ", ")})
			}
			tw.Render()
			return nil
		},
	}
}

func resolveRoot() (string, error) {
	if root := viper.GetString("root"); root != "" {
		return root, nil
	}
	return app.FindRoot(".")
}

func loadConfig() (*config.Config, error) {
	root, err := resolveRoot()
	if err != nil {
		return &config.Config{}, nil
	}
	return app.LoadConfig(root)
}

// maybeOpenIndex opens the query index only if it has been built.
func maybeOpenIndex(ctx context.Context, root string) (*repo.Repo, func() error) {
	if _, err := os.Stat(db.Path(root)); err != nil {
		return nil, func() error { return nil }
	}
	index, closeIndex, err := app.OpenIndex(ctx, root)
	if err != nil {
		slog.Warn("query index unavailable; continuing without it", "error", err)
		return nil, func() error { return nil }
	}
	return index, closeIndex
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	root, err := resolveRoot()
	if err != nil {
		return err
	}
	cfg, err := app.LoadConfig(root)
	if err != nil {
		return err
	}
	feature, err := app.ResolveFeature(root, viper.GetString("feature"))
	if err != nil {
		return err
	}
	index, closeIndex := maybeOpenIndex(ctx, root)
	defer closeIndex()
	return fn(ctx, app.NewEngine(root, cfg, index, slog.Default()), feature)
}

func printEvents(items []domain.StatusEvent) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"At", "WP", "From", "To", "Actor", "Force", "Reason", "Event"})
	for _, evt := range items {
		tw.AppendRow(table.Row{evt.At, evt.WPID, evt.FromLane, evt.ToLane, evt.Actor, evt.Force, evt.ReasonText(), evt.EventID})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func sortedKeys(m map[string]domain.WPState) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
