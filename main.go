package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// dependencies lets callers replace the browser launcher and audit engine
// built from the config
type dependencies struct {
	launcher browserLauncher
	engine   auditEngine
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr, dependencies{}))
}

// run executes the CLI with args and returns the process exit code
func run(ctx context.Context, args []string, stdout, stderr io.Writer, deps dependencies) int {
	cmd := newRootCmd(stdout, stderr, deps)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(ctx)
	if err != nil {
		newLogger(stderr, false).Error(err)
		return 1
	}

	return 0
}

// newRootCmd creates the page-auditor command
func newRootCmd(stdout, stderr io.Writer, deps dependencies) *cobra.Command {
	var configPath string
	cfg := defaultConfig()

	cmd := &cobra.Command{
		Use:   "page-auditor <csv-file>",
		Short: "Batch-audit web pages for desktop and mobile performance",
		Long: `page-auditor reads URLs from the first column of a headerless CSV file and
audits each one twice, with a desktop and a mobile profile, in a fresh headless
browser. Every report is saved as <output>/<url>_desktop.json and
<output>/<url>_mobile.json. The output directory is wiped at the start of each run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := applyConfigFile(cmd, configPath, &cfg)
			if err != nil {
				return err
			}
			cfg.input = args[0]

			return execute(cmd.Context(), cfg, stdout, stderr, deps)
		},
	}

	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	// usage errors (wrong argument count) print the usage text
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		c.SetOut(stderr)
		_ = c.Usage()
		return err
	})
	cmd.Args = func(c *cobra.Command, args []string) error {
		err := cobra.ExactArgs(1)(c, args)
		if err != nil {
			c.SetOut(stderr)
			_ = c.Usage()
			return fmt.Errorf("please provide a path to the CSV file: %w", err)
		}
		return nil
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "Path to a YAML config file")
	flags.StringVarP(&cfg.Output, "output", "o", cfg.Output, "Directory for audit reports (recreated on every run)")
	flags.StringVar(&cfg.Engine, "engine", cfg.Engine, "Audit engine (lighthouse, chromedp)")
	flags.StringVar(&cfg.LighthousePath, "lighthouse-path", cfg.LighthousePath, "Path to the Lighthouse CLI")
	flags.StringVar(&cfg.Browser.Launcher, "launcher", cfg.Browser.Launcher, "Browser launcher (chromedp, rod)")
	flags.StringVar(&cfg.Browser.ExecPath, "chrome-path", cfg.Browser.ExecPath, "Path to the Chrome binary (auto-detected when empty)")
	flags.BoolVar(&cfg.Browser.NoSandbox, "no-sandbox", cfg.Browser.NoSandbox, "Run Chrome without its sandbox")
	flags.IntVarP(&cfg.Concurrency, "concurrency", "c", cfg.Concurrency, "Number of URLs audited at once")
	flags.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Timeout for a single audit (0 = none)")
	flags.BoolVar(&cfg.IndependentProfiles, "independent-profiles", cfg.IndependentProfiles, "Save each profile's report even if the other profile fails")
	flags.StringVar(&cfg.Manifest, "manifest", cfg.Manifest, "Record every audit outcome in this SQLite database")
	flags.BoolVar(&cfg.Progress, "progress", cfg.Progress, "Show a progress spinner")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Enable debug logging")

	return cmd
}

// applyConfigFile overlays the config file onto cfg, keeping the values of
// flags set on the command line
func applyConfigFile(cmd *cobra.Command, path string, cfg *config) error {
	if path == "" {
		return nil
	}

	fromFlags := *cfg
	fileCfg := defaultConfig()
	err := loadConfigFile(path, &fileCfg)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	pick := func(name string, set func()) {
		if !flags.Changed(name) {
			set()
		}
	}

	pick("output", func() { fromFlags.Output = fileCfg.Output })
	pick("engine", func() { fromFlags.Engine = fileCfg.Engine })
	pick("lighthouse-path", func() { fromFlags.LighthousePath = fileCfg.LighthousePath })
	pick("launcher", func() { fromFlags.Browser.Launcher = fileCfg.Browser.Launcher })
	pick("chrome-path", func() { fromFlags.Browser.ExecPath = fileCfg.Browser.ExecPath })
	pick("no-sandbox", func() { fromFlags.Browser.NoSandbox = fileCfg.Browser.NoSandbox })
	pick("concurrency", func() { fromFlags.Concurrency = fileCfg.Concurrency })
	pick("timeout", func() { fromFlags.Timeout = fileCfg.Timeout })
	pick("independent-profiles", func() { fromFlags.IndependentProfiles = fileCfg.IndependentProfiles })
	pick("manifest", func() { fromFlags.Manifest = fileCfg.Manifest })
	pick("progress", func() { fromFlags.Progress = fileCfg.Progress })
	pick("verbose", func() { fromFlags.Verbose = fileCfg.Verbose })
	fromFlags.Browser.Headless = fileCfg.Browser.Headless

	*cfg = fromFlags
	return nil
}

// execute prepares the output directory, reads the URLs and audits them
func execute(ctx context.Context, cfg config, stdout, stderr io.Writer, deps dependencies) error {
	logger := newLogger(stderr, cfg.Verbose)

	err := cfg.validate()
	if err != nil {
		return err
	}

	launcher := deps.launcher
	if launcher == nil {
		launcher, err = newBrowserLauncher(cfg.Browser, logger)
		if err != nil {
			return err
		}
	}

	engine := deps.engine
	if engine == nil {
		engine, err = newAuditEngine(cfg, logger)
		if err != nil {
			return err
		}
	}

	sink, err := prepareOutputDir(cfg.Output)
	if err != nil {
		return err
	}

	urls, err := NewCSVSource(cfg.input, logger).Extract(ctx)
	if err != nil {
		return fmt.Errorf("failed to read URLs from %s: %w", cfg.input, err)
	}

	b := &batch{
		runner: &auditRunner{
			launcher: launcher,
			engine:   engine,
			timeout:  cfg.Timeout,
			logger:   logger,
		},
		sink:                sink,
		profiles:            auditProfiles,
		concurrency:         cfg.Concurrency,
		independentProfiles: cfg.IndependentProfiles,
		logger:              logger,
	}

	if cfg.Manifest != "" {
		m, err := openManifest(ctx, cfg.Manifest, time.Now().UTC().Format("20060102T150405Z"))
		if err != nil {
			return err
		}
		defer m.Close()
		b.manifest = m
	}

	if cfg.Progress {
		b.progress = NewSpinner(stdout)
	}

	logger.WithFields(logrus.Fields{
		"urls":        len(urls),
		"engine":      cfg.Engine,
		"concurrency": cfg.Concurrency,
		"output":      cfg.Output,
	}).Info("starting audits")

	summary := b.auditURLs(ctx, urls)

	logger.WithFields(logrus.Fields{
		"total":     summary.Total,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
	}).Info("audits finished")

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("audits interrupted: %w", err)
	}

	return nil
}
