package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/TobiSchelling/SiteForge/internal/config"
	"github.com/TobiSchelling/SiteForge/internal/database"
	"github.com/TobiSchelling/SiteForge/internal/pipeline"
	"github.com/TobiSchelling/SiteForge/internal/scheduler"
	"github.com/TobiSchelling/SiteForge/internal/server"
	"github.com/TobiSchelling/SiteForge/internal/site"
	"github.com/TobiSchelling/SiteForge/internal/stage"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "siteforge",
	Short:   "Generate and deploy affiliate sites",
	Long:    "SiteForge researches a niche, validates a product data source, generates a site and deploys it, keeping it fresh as the data changes.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		} else {
			log.SetFlags(log.LstdFlags)
		}

		// A missing .env is fine; keys may come from the environment.
		_ = godotenv.Load()

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runsCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("siteforge", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/siteforge/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure the research provider, data source token and hosting.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()
		stats, err := db.GetStats(ctx)
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Println("Runs:")
		fmt.Printf("  Total: %d\n", stats.Runs)
		fmt.Printf("  Completed: %d\n", stats.CompletedRuns)
		fmt.Printf("  Failed: %d\n", stats.FailedRuns)
		fmt.Println("\nSites:")
		fmt.Printf("  Projects: %d\n", stats.Projects)
		fmt.Printf("  Deployments: %d\n", stats.Deployments)
		fmt.Printf("  Data snapshots: %d\n", stats.Snapshots)

		interrupted, err := db.InterruptedRuns(ctx)
		if err != nil {
			return err
		}
		if len(interrupted) > 0 {
			fmt.Printf("\n%d interrupted run(s); continue with 'siteforge resume'\n", len(interrupted))
		}

		live, err := db.LatestDeployments(ctx)
		if err != nil {
			return err
		}
		if len(live) > 0 {
			fmt.Println("\nLive:")
			for _, rec := range live {
				fmt.Printf("  %s: %s\n", rec.Project, rec.LiveURL)
			}
		}
		return nil
	},
}

// --- run command ---

var (
	dryRun    bool
	brand     string
	niche     string
	audience  string
	sourceRef string
	outputDir string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline: research -> validate -> generate -> deploy",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if outputDir == "" {
			outputDir = cfg.Generation.OutputDir
		}
		req, err := site.NewRequest(a.profiles, brand, niche, audience, sourceRef, outputDir)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if dryRun {
			plan, err := a.pipeline.DryRun(ctx, req)
			if err != nil {
				return err
			}
			for i, step := range plan {
				fmt.Printf("\nStage %d/%d: %s\n", i+1, len(plan), step.Stage)
				fmt.Printf("  %s\n", step.Summary)
			}
			return nil
		}

		res, err := a.pipeline.Run(ctx, req)
		return report(res, err)
	},
}

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be done without executing")
	runCmd.Flags().StringVar(&brand, "brand", "", "Brand name of the site")
	runCmd.Flags().StringVar(&niche, "niche", "", "Niche profile (tech, fitness, home, ...)")
	runCmd.Flags().StringVar(&audience, "audience", "", "Target audience (defaults to the niche's)")
	runCmd.Flags().StringVar(&sourceRef, "source", "", "Product data source: sheet:<id>[#gid], a Google Sheets URL, or an http(s) JSON API")
	runCmd.Flags().StringVarP(&outputDir, "output", "o", "", "Directory generated sites are written under")
	_ = runCmd.MarkFlagRequired("brand")
	_ = runCmd.MarkFlagRequired("niche")
	_ = runCmd.MarkFlagRequired("source")
}

// --- resume command ---

var resumeCmd = &cobra.Command{
	Use:   "resume [run-id]",
	Short: "Continue an interrupted run, or every interrupted run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if len(args) == 1 {
			res, err := a.pipeline.Resume(ctx, args[0])
			return report(res, err)
		}

		runs, err := a.db.InterruptedRuns(ctx)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No interrupted runs.")
			return nil
		}
		var failed int
		for _, run := range runs {
			fmt.Printf("\nResuming %s (%s)\n", run.ID, run.Project)
			res, err := a.pipeline.Resume(ctx, run.ID)
			if err := report(res, err); err != nil {
				failed++
			}
			if ctx.Err() != nil {
				break
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d resumed runs did not complete", failed, len(runs))
		}
		return nil
	},
}

// report prints the outcome of a run and returns a non-nil error unless it
// completed.
func report(res *pipeline.Result, err error) error {
	if res == nil {
		return err
	}
	if err == nil {
		fmt.Println("\nPipeline complete!")
		if res.Deployment != nil {
			fmt.Printf("  Live at: %s\n", res.Deployment.LiveURL)
		}
		if res.LogPath != "" {
			fmt.Printf("  Run log: %s\n", res.LogPath)
		}
		return nil
	}

	state := res.Run.State
	if res.Run.Interrupted {
		state += " (interrupted, resume with 'siteforge resume " + res.Run.ID + "')"
	}
	fmt.Printf("\nRun %s stopped: %s\n", res.Run.ID, state)
	if f, ok := res.Failure(); ok {
		where := string(f.Stage)
		if f.Step != "" {
			where += "/" + f.Step
		}
		fmt.Printf("  Failed at: %s (attempt %d)\n", where, f.Attempt)
		fmt.Printf("  Error: %s\n", f.Error)
	} else {
		fmt.Printf("  Error: %v\n", err)
	}
	if res.LogPath != "" {
		fmt.Printf("  Run log: %s\n", res.LogPath)
	}

	var se *stage.Error
	if errors.As(err, &se) {
		return fmt.Errorf("run %s: %s", res.Run.ID, se.Code)
	}
	return fmt.Errorf("run %s: %w", res.Run.ID, err)
}

// --- watch command ---

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Re-validate deployed sites' data sources and regenerate on change",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s := scheduler.New(a.db, a.pipeline, a.validator, a.researcher, cfg.Freshness.Interval.D())
		if watchOnce {
			checks, err := s.CheckOnce(ctx)
			for _, c := range checks {
				switch {
				case c.Err != nil:
					fmt.Printf("  %s: error: %v\n", c.Project, c.Err)
				case c.Drifted:
					fmt.Printf("  %s: data changed, regenerated as run %s\n", c.Project, c.Regenerated)
				default:
					fmt.Printf("  %s: up to date\n", c.Project)
				}
			}
			return err
		}
		return s.Run(ctx)
	},
}

var watchOnce bool

func init() {
	watchCmd.Flags().BoolVar(&watchOnce, "once", false, "Check every site once and exit")
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local web server",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		port := servePort
		if !cmd.Flags().Changed("port") {
			port = cfg.Server.Port
		}
		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(a.db, a.pipeline, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

// --- runs command ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect past runs",
}

var (
	runsProject string
	runsLimit   int
)

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		runs, err := db.ListRuns(cmd.Context(), runsProject, runsLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs yet. Start one with: siteforge run")
			return nil
		}
		for _, r := range runs {
			flag := " "
			if r.Interrupted {
				flag = "~"
			}
			fmt.Printf("  %s %s %-10s %-20s %s\n", flag, r.ID, r.State, r.Project, r.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var exportLog bool

var runsShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show a run's log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		res, err := a.pipeline.Inspect(ctx, args[0])
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("run %s not found", args[0])
		}
		if err != nil {
			return err
		}

		if exportLog {
			path, err := a.pipeline.ExportRunLog(ctx, res.Run.ID)
			if err != nil {
				return err
			}
			fmt.Printf("Exported run log: %s\n", path)
			return nil
		}

		out, err := json.MarshalIndent(pipeline.RunLog{Run: res.Run, Results: res.Steps, Deployment: res.Deployment}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	runsListCmd.Flags().StringVar(&runsProject, "project", "", "Only runs for this project")
	runsListCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Number of runs to show")
	runsShowCmd.Flags().BoolVar(&exportLog, "export", false, "Write the run log to the runs directory instead of printing it")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
}
