package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"golang.org/x/sync/errgroup"

	"github.com/veilworks/veil/internal/config"
	"github.com/veilworks/veil/internal/db"
	"github.com/veilworks/veil/internal/engine"
	"github.com/veilworks/veil/internal/httpapi"
	"github.com/veilworks/veil/internal/llm"
	"github.com/veilworks/veil/internal/pii"
	"github.com/veilworks/veil/internal/progress"
	"github.com/veilworks/veil/internal/service"
	"github.com/veilworks/veil/internal/store"
	"github.com/veilworks/veil/internal/watch"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"

	jsonOutput bool
	verbose    bool
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "veil",
		Short: "PII-safe transcript analysis",
		Long: `Veil pseudonymizes sensitive transcripts, runs chunked LLM analysis
over the masked text, and can reverse the pseudonyms in the results
using a local vault. Raw PII never leaves the machine.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging to stderr")

	// version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("veil %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	// init command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Initialize veil config and database",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK        bool   `json:"ok"`
				Message   string `json:"message,omitempty"`
				ConfigDir string `json:"config_dir,omitempty"`
				DataDir   string `json:"data_dir,omitempty"`
				DBPath    string `json:"db_path,omitempty"`
			}

			configDir, err := config.GetConfigDir()
			if err != nil {
				fail("get config directory: %v", err)
			}
			dataDir, err := config.GetDataDir()
			if err != nil {
				fail("get data directory: %v", err)
			}
			if err := os.MkdirAll(configDir, 0755); err != nil {
				fail("create config directory: %v", err)
			}
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				fail("create data directory: %v", err)
			}

			wroteConfig := false
			if _, err := os.Stat(filepath.Join(configDir, "config.yaml")); os.IsNotExist(err) {
				if err := config.Default().Save(); err != nil {
					fail("write default config: %v", err)
				}
				wroteConfig = true
			}

			if err := db.Init(); err != nil {
				fail("initialize database: %v", err)
			}
			dbPath, err := db.GetPath()
			if err != nil {
				fail("get database path: %v", err)
			}

			result := Result{
				OK:        true,
				Message:   "Veil initialized successfully",
				ConfigDir: configDir,
				DataDir:   dataDir,
				DBPath:    dbPath,
			}

			if jsonOutput {
				printJSON(result)
			} else {
				fmt.Printf("✓ Config directory: %s\n", result.ConfigDir)
				if wroteConfig {
					fmt.Printf("✓ Wrote default config: %s\n", filepath.Join(configDir, "config.yaml"))
				}
				fmt.Printf("✓ Data directory: %s\n", result.DataDir)
				fmt.Printf("✓ Database: %s\n", result.DBPath)
				fmt.Println("\nVeil initialized successfully!")
				fmt.Println("Set OPENAI_API_KEY or ANTHROPIC_API_KEY before running analyses.")
			}
		},
	})

	// submit command
	submitCmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Pseudonymize a transcript and store it as a processing job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			mode, _ := cmd.Flags().GetString("mode")
			owner, _ := cmd.Flags().GetString("owner")

			data, err := os.ReadFile(args[0])
			if err != nil {
				fail("read %s: %v", args[0], err)
			}

			a := mustApp()
			defer a.Close()
			ctx, stop := signalContext()
			defer stop()

			job, err := a.svc.SubmitProcessingJob(ctx, string(data), mode, service.SubmitOptions{
				Owner:    owner,
				Filename: filepath.Base(args[0]),
			})
			if err != nil {
				fail("submit: %v", err)
			}

			if jsonOutput {
				printJSON(job)
				return
			}
			fmt.Printf("✓ Job %s (%s, mode %s)\n", job.ID, job.Filename, job.Mode)
			fmt.Printf("  Messages: %d (%d with PII)\n", job.TotalMessages, job.MessagesWithPII)
			fmt.Printf("  Entities: %d\n", job.TotalEntities)
			for typ, count := range job.PIISummary {
				fmt.Printf("    %s: %d\n", typ, count)
			}
			if pii.Mode(job.Mode).Reversible() {
				fmt.Println("  Vault stored: results can be deanonymized")
			} else {
				fmt.Println("  No vault: masking is irreversible")
			}
			fmt.Printf("\nRun 'veil analyze %s --task summary' to analyze it.\n", job.ID)
		},
	}
	submitCmd.Flags().String("mode", "tags", "Pseudonymization mode (masking, tags, faker)")
	submitCmd.Flags().String("owner", "", "Owning principal recorded on the job")
	rootCmd.AddCommand(submitCmd)

	// jobs command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "jobs",
		Short: "List processing jobs",
		Run: func(cmd *cobra.Command, args []string) {
			a := mustApp()
			defer a.Close()

			jobs, err := a.svc.Jobs()
			if err != nil {
				fail("list jobs: %v", err)
			}

			if jsonOutput {
				printJSON(jobs)
				return
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs. Run 'veil submit <file>' to create one.")
				return
			}
			for _, job := range jobs {
				fmt.Printf("%s  %-20s mode=%-8s entities=%-4d %s\n",
					job.ID, job.Filename, job.Mode, job.TotalEntities,
					job.CreatedAt.Local().Format("2006-01-02 15:04"))
			}
		},
	})

	// analyze command
	analyzeCmd := &cobra.Command{
		Use:   "analyze <job-id>",
		Short: "Run an analysis task over a job's masked text",
		Long: `Starts a chunked refine-chain analysis and, unless --no-wait is given,
processes it in this process, printing progress as chunks complete.`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			task, _ := cmd.Flags().GetString("task")
			detail, _ := cmd.Flags().GetString("detail")
			model, _ := cmd.Flags().GetString("model")
			noWait, _ := cmd.Flags().GetBool("no-wait")

			if task == "" {
				fail("the --task flag is required (see 'veil tasks')")
			}

			a := mustApp()
			defer a.Close()
			ctx, stop := signalContext()
			defer stop()

			an, err := a.svc.StartAnalysis(ctx, args[0], task, detail, model)
			if err != nil {
				fail("start analysis: %v", err)
			}

			if noWait {
				if jsonOutput {
					printJSON(an)
				} else {
					fmt.Printf("✓ Analysis %s queued (%s, %s)\n", an.ID, an.TaskType, an.Model)
					fmt.Println("A running 'veil serve' daemon will pick it up.")
				}
				return
			}
			runQueued(ctx, a, an.ID)
		},
	}
	analyzeCmd.Flags().String("task", "", "Analysis task (see 'veil tasks')")
	analyzeCmd.Flags().String("detail", "", "Detail level: brief, standard, detailed")
	analyzeCmd.Flags().String("model", "", "Model override (default from config)")
	analyzeCmd.Flags().Bool("no-wait", false, "Queue the analysis without processing it here")
	rootCmd.AddCommand(analyzeCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status <analysis-id>",
		Short: "Show analysis progress",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			follow, _ := cmd.Flags().GetBool("follow")

			a := mustApp()
			defer a.Close()
			ctx, stop := signalContext()
			defer stop()

			for {
				snap, err := a.svc.GetProgress(ctx, args[0])
				if err != nil {
					fail("progress: %v", err)
				}
				if jsonOutput {
					printJSON(snap)
				} else if follow {
					fmt.Printf("\r%-70s", progressLine(snap))
				} else {
					fmt.Println(progressLine(snap))
				}

				// Paused analyses keep being followed: a daemon's resumer
				// can still move them. Partial ones need an explicit resume.
				settled := snap.Status == store.StatusCompleted ||
					snap.Status == store.StatusFailed ||
					snap.Status == store.StatusPartial
				if !follow || settled {
					if follow && !jsonOutput {
						fmt.Println()
					}
					if !jsonOutput && snap.ErrorMessage != "" {
						fmt.Printf("  error: %s\n", snap.ErrorMessage)
					}
					if !jsonOutput && snap.CanResume {
						fmt.Printf("  resume with: veil resume %s\n", args[0])
					}
					return
				}
				select {
				case <-ctx.Done():
					fmt.Println()
					return
				case <-time.After(time.Second):
				}
			}
		},
	}
	statusCmd.Flags().Bool("follow", false, "Keep polling until the analysis settles")
	rootCmd.AddCommand(statusCmd)

	// resume command
	resumeCmd := &cobra.Command{
		Use:   "resume <analysis-id>",
		Short: "Resume a paused or partial analysis",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			model, _ := cmd.Flags().GetString("model")
			resetFailed, _ := cmd.Flags().GetBool("reset-failed")
			noWait, _ := cmd.Flags().GetBool("no-wait")

			a := mustApp()
			defer a.Close()
			ctx, stop := signalContext()
			defer stop()

			an, err := a.svc.ResumeAnalysis(ctx, args[0], model, resetFailed)
			if err != nil {
				fail("resume: %v", err)
			}
			if an.Status == store.StatusCompleted {
				if jsonOutput {
					printJSON(an)
				} else {
					fmt.Printf("✓ Analysis %s is already complete\n", an.ID)
				}
				return
			}

			if noWait {
				if jsonOutput {
					printJSON(an)
				} else {
					fmt.Printf("✓ Analysis %s re-queued\n", an.ID)
				}
				return
			}
			runQueued(ctx, a, an.ID)
		},
	}
	resumeCmd.Flags().String("model", "", "Switch to a different model for remaining chunks")
	resumeCmd.Flags().Bool("reset-failed", false, "Reset failed chunks to pending before resuming")
	resumeCmd.Flags().Bool("no-wait", false, "Queue the resume without processing it here")
	rootCmd.AddCommand(resumeCmd)

	// cancel command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "cancel <analysis-id>",
		Short: "Request a graceful stop of a running analysis",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := mustApp()
			defer a.Close()
			ctx, stop := signalContext()
			defer stop()

			if err := a.svc.CancelAnalysis(ctx, args[0]); err != nil {
				fail("cancel: %v", err)
			}
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "analysis_id": args[0]})
			} else {
				fmt.Printf("✓ Cancel requested; analysis %s stops after the current chunk\n", args[0])
			}
		},
	})

	// result command
	resultCmd := &cobra.Command{
		Use:   "result <analysis-id>",
		Short: "Print the final analysis result",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			reveal, _ := cmd.Flags().GetBool("reveal")

			a := mustApp()
			defer a.Close()
			ctx, stop := signalContext()
			defer stop()

			res, err := a.svc.GetResult(ctx, args[0], reveal)
			if err != nil {
				fail("result: %v", err)
			}
			if jsonOutput {
				printJSON(res)
				return
			}
			if res.FinalResult == "" {
				fail("analysis %s has no result yet (status %s)", res.AnalysisID, res.Status)
			}
			fmt.Println(res.FinalResult)
		},
	}
	resultCmd.Flags().Bool("reveal", false, "Substitute original PII back into the result (reversible modes only)")
	rootCmd.AddCommand(resultCmd)

	// reveal command
	revealCmd := &cobra.Command{
		Use:   "reveal <job-id>",
		Short: "Deanonymize arbitrary text using a job's vault",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			text, _ := cmd.Flags().GetString("text")
			file, _ := cmd.Flags().GetString("file")

			if text == "" && file == "" {
				fail("one of --text or --file is required")
			}
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					fail("read %s: %v", file, err)
				}
				text = string(data)
			}

			a := mustApp()
			defer a.Close()
			ctx, stop := signalContext()
			defer stop()

			out, err := a.svc.DeanonymizeText(ctx, args[0], text)
			if err != nil {
				fail("reveal: %v", err)
			}
			if jsonOutput {
				printJSON(map[string]string{"text": out})
			} else {
				fmt.Println(out)
			}
		},
	}
	revealCmd.Flags().String("text", "", "Text containing pseudonym tokens")
	revealCmd.Flags().String("file", "", "File containing pseudonym tokens")
	rootCmd.AddCommand(revealCmd)

	// vault command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "vault <job-id>",
		Short: "Show vault metadata for a job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := mustApp()
			defer a.Close()
			ctx, stop := signalContext()
			defer stop()

			info, err := a.svc.VaultInfo(ctx, args[0])
			if err != nil {
				fail("vault: %v", err)
			}
			if jsonOutput {
				printJSON(info)
				return
			}
			fmt.Printf("Vault %s (job %s)\n", info.ID, info.JobID)
			fmt.Printf("  Method: %s\n", info.Method)
			fmt.Printf("  Entities: %d (%s)\n", info.TotalEntities, strings.Join(info.EntityTypes, ", "))
			fmt.Printf("  Created: %s\n", info.CreatedAt.Local().Format("2006-01-02 15:04"))
		},
	})

	// modes command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "modes",
		Short: "List pseudonymization modes",
		Run: func(cmd *cobra.Command, args []string) {
			a := mustApp()
			defer a.Close()

			modes := a.svc.Modes()
			if jsonOutput {
				printJSON(modes)
				return
			}
			for _, m := range modes {
				rev := "irreversible"
				if m.Reversible {
					rev = "reversible"
				}
				fmt.Printf("%-8s %-12s %s\n", m.Name, rev, m.Description)
			}
		},
	})

	// models command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "models",
		Short: "List models usable with the configured API keys",
		Run: func(cmd *cobra.Command, args []string) {
			a := mustApp()
			defer a.Close()

			models := a.svc.Models()
			if jsonOutput {
				printJSON(models)
				return
			}
			if len(models) == 0 {
				fmt.Println("No models available. Set OPENAI_API_KEY or ANTHROPIC_API_KEY.")
				return
			}
			for _, m := range models {
				fmt.Printf("%-20s %-10s chunk budget %d chars\n", m.Name, m.Provider, m.ChunkBudget)
			}
		},
	})

	// tasks command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "tasks",
		Short: "List analysis tasks",
		Run: func(cmd *cobra.Command, args []string) {
			a := mustApp()
			defer a.Close()

			tasks := a.svc.Tasks()
			if jsonOutput {
				printJSON(tasks)
				return
			}
			for _, t := range tasks {
				kind := "prose"
				if t.JSON {
					kind = "json"
				}
				fmt.Printf("%-14s %-6s %s\n", t.Name, kind, t.Description)
			}
		},
	})

	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the analysis engine and HTTP API as a daemon",
		Run: func(cmd *cobra.Command, args []string) {
			addr, _ := cmd.Flags().GetString("addr")

			zl, err := zap.NewProduction()
			if err != nil {
				fail("logger: %v", err)
			}
			defer zl.Sync()
			log := slog.New(zapslog.NewHandler(zl.Core()))

			a, err := buildApp(log)
			if err != nil {
				zl.Sugar().Fatalf("startup: %v", err)
			}
			defer a.Close()

			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			srv := httpapi.New(a.svc, log)

			ctx, stop := signalContext()
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.engine.Run(ctx) })
			g.Go(func() error { return srv.Start(addr) })
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			zl.Sugar().Infow("veil serving", "addr", addr)
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				zl.Sugar().Fatalf("daemon: %v", err)
			}
			zl.Sugar().Infow("veil stopped")
		},
	}
	serveCmd.Flags().String("addr", "", "Listen address (default from config)")
	rootCmd.AddCommand(serveCmd)

	// watch command
	watchCmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Watch a drop directory and ingest transcripts as they arrive",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			mode, _ := cmd.Flags().GetString("mode")
			autoTask, _ := cmd.Flags().GetString("auto-task")
			detail, _ := cmd.Flags().GetString("detail")

			zl, err := zap.NewProduction()
			if err != nil {
				fail("logger: %v", err)
			}
			defer zl.Sync()
			log := slog.New(zapslog.NewHandler(zl.Core()))

			a, err := buildApp(log)
			if err != nil {
				zl.Sugar().Fatalf("startup: %v", err)
			}
			defer a.Close()

			wcfg := a.cfg.Watch
			wcfg.Dir = args[0]
			if mode != "" {
				wcfg.Mode = mode
			}
			if autoTask != "" {
				wcfg.AutoTask = autoTask
			}
			if detail != "" {
				wcfg.DetailLevel = detail
			}
			watcher := watch.New(a.svc, wcfg, log)

			ctx, stop := signalContext()
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.engine.Run(ctx) })
			g.Go(func() error { return watcher.Run(ctx) })

			zl.Sugar().Infow("veil watching", "dir", wcfg.Dir, "auto_task", wcfg.AutoTask)
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				zl.Sugar().Fatalf("daemon: %v", err)
			}
			zl.Sugar().Infow("veil stopped")
		},
	}
	watchCmd.Flags().String("mode", "", "Pseudonymization mode for ingested files")
	watchCmd.Flags().String("auto-task", "", "Start this analysis task for each ingested file")
	watchCmd.Flags().String("detail", "", "Detail level for auto-started analyses")
	rootCmd.AddCommand(watchCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app wires the shared stack behind every command that touches the store.
type app struct {
	cfg    *config.Config
	db     *sql.DB
	llm    *llm.Client
	svc    *service.Service
	engine *engine.Engine
}

func buildApp(log *slog.Logger) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	sqlDB, err := db.Open()
	if err != nil {
		return nil, fmt.Errorf("open database (run 'veil init' first): %w", err)
	}
	if err := db.EnsureSchema(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	st := store.New(sqlDB, log)

	client, err := llm.NewClient(llm.Config{
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		AnthropicKey:   os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIBaseURL:  cfg.LLM.OpenAIBaseURL,
		RequestTimeout: cfg.RequestTimeoutDuration(),
		RPM:            cfg.LLM.RPM,
		MaxRetries:     cfg.Analysis.MaxChunkRetries,
		CachePath:      cfg.LLM.CachePath,
		Logger:         log,
	})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("llm client: %w", err)
	}

	broker := progress.NewBroker(st, log)
	eng, err := engine.New(sqlDB, st, client, broker, engine.Config{
		WorkerCount: cfg.Analysis.WorkerCount,
		ChunkDelay:  cfg.ChunkDelayDuration(),
	}, log)
	if err != nil {
		client.Close()
		sqlDB.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}

	svc := service.New(cfg, st, client, broker, eng, log)
	return &app{cfg: cfg, db: sqlDB, llm: client, svc: svc, engine: eng}, nil
}

func (a *app) Close() {
	a.llm.Close()
	a.db.Close()
}

func mustApp() *app {
	a, err := buildApp(cliLogger())
	if err != nil {
		fail("%v", err)
	}
	return a
}

// cliLogger keeps one-shot commands quiet unless --verbose is set.
func cliLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// runQueued drains the local queue while printing progress pushed by the
// broker, then reports how the analysis ended.
func runQueued(ctx context.Context, a *app, analysisID string) {
	ch, cancelSub, err := a.svc.SubscribeProgress(ctx, analysisID)
	if err != nil {
		fail("subscribe progress: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for snap := range ch {
			if !jsonOutput {
				fmt.Printf("\r%-70s", progressLine(snap))
			}
		}
	}()

	runErr := a.engine.ProcessQueue(ctx)
	cancelSub()
	<-done
	if !jsonOutput {
		fmt.Println()
	}
	if runErr != nil && ctx.Err() == nil {
		fail("process queue: %v", runErr)
	}

	final, err := a.svc.Analysis(analysisID)
	if err != nil {
		fail("load analysis: %v", err)
	}

	if jsonOutput {
		printJSON(final)
		return
	}
	switch final.Status {
	case store.StatusCompleted:
		usage := a.svc.Usage()
		fmt.Printf("✓ Analysis %s complete (%d calls, %d in / %d out tokens)\n\n",
			final.ID, usage.Calls, usage.InputTokens, usage.OutputTokens)
		fmt.Println(final.FinalResult)
	case store.StatusPaused:
		fmt.Printf("Analysis %s paused (%s)\n", final.ID, final.PauseReason)
		if final.RateLimitWaitUntil != nil {
			if wait := time.Until(*final.RateLimitWaitUntil); wait > 0 {
				fmt.Printf("  provider asks to wait %ds\n", int(wait.Seconds())+1)
			}
		}
		fmt.Printf("  resume with: veil resume %s\n", final.ID)
	case store.StatusPartial:
		fmt.Printf("✗ Analysis %s is partial: %s\n", final.ID, final.ErrorMessage)
		fmt.Printf("  resume with: veil resume %s\n", final.ID)
	case store.StatusFailed:
		fmt.Printf("✗ Analysis %s failed: %s\n", final.ID, final.ErrorMessage)
		os.Exit(1)
	default:
		fmt.Printf("Analysis %s is %s\n", final.ID, final.Status)
	}
}

func progressLine(snap *store.Snapshot) string {
	line := fmt.Sprintf("%5.1f%%  %d/%d chunks  [%s]",
		snap.Percent, snap.Counts.Completed, snap.Counts.Total, snap.Status)
	if snap.Counts.Failed > 0 {
		line += fmt.Sprintf("  %d failed", snap.Counts.Failed)
	}
	if snap.EtaSeconds > 0 {
		line += fmt.Sprintf("  eta %ds", snap.EtaSeconds)
	}
	if snap.WaitSeconds > 0 {
		line += fmt.Sprintf("  rate-limited %ds", snap.WaitSeconds)
	}
	return line
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func fail(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if jsonOutput {
		printJSON(map[string]interface{}{"ok": false, "message": msg})
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
