package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/Anipaleja/cdn-defender/internal/cache"
	"github.com/Anipaleja/cdn-defender/internal/config"
	"github.com/Anipaleja/cdn-defender/internal/detector"
	"github.com/Anipaleja/cdn-defender/internal/errdefs"
	"github.com/Anipaleja/cdn-defender/internal/firewall"
	"github.com/Anipaleja/cdn-defender/internal/logs"
	"github.com/Anipaleja/cdn-defender/internal/metrics"
	"github.com/Anipaleja/cdn-defender/internal/notification"
	"github.com/Anipaleja/cdn-defender/internal/qiniu"
	"github.com/Anipaleja/cdn-defender/pkg/geoip"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	version   = "v1.0.0"
	buildTime = "unknown"
	gitHash   = "unknown"
)

// Application holds the services shared by every subcommand.
type Application struct {
	config     *config.Config
	configPath string
	logger     *logrus.Logger

	stdout io.Writer
	stdin  io.Reader

	client           *qiniu.Client
	metricsCollector *metrics.Collector
	store            cache.Store
	fetcher          *logs.Fetcher
	detectionEngine  *detector.Engine
	aclManager       *firewall.Manager
	geo              *geoip.Service
	notificationMgr  *notification.Manager
}

// command is one subcommand. Commands without needsConfig run before any
// configuration is loaded.
type command struct {
	name        string
	summary     string
	needsConfig bool
	run         func(app *Application, args []string) error
	runBare     func(args []string, stdout io.Writer) error
}

var commands = []command{
	{name: "config", summary: "Write or validate a configuration file", runBare: runConfig},
	{name: "diagnostic", summary: "Diagnose suspicious IPs with a policy", needsConfig: true, run: runDiagnostic},
	{name: "domains", summary: "List the domains bound to the account", needsConfig: true, run: runDomains},
	{name: "info", summary: "Show the settings of a domain", needsConfig: true, run: runInfo},
	{name: "ip-url", summary: "Count the URLs requested by an IP", needsConfig: true, run: runIPURL},
	{name: "ipacl", summary: "Set the IP black/white list", needsConfig: true, run: runIPACL},
	{name: "log-download", summary: "Download request logs", needsConfig: true, run: runLogDownload},
	{name: "log-filter", summary: "Filter request logs", needsConfig: true, run: runLogFilter},
	{name: "prefetch", summary: "Prefetch files into the CDN", needsConfig: true, run: runPrefetch},
	{name: "refresh", summary: "Refresh CDN cache", needsConfig: true, run: runRefresh},
	{name: "serve", summary: "Run the HTTP API", needsConfig: true, run: runServe},
	{name: "top", summary: "Show top IPs or URLs", needsConfig: true, run: runTop},
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run parses global flags, dispatches to a subcommand and returns the exit
// code.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cdn-defender", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath  = fs.String("config", "", "Path to configuration file (default ./cdn-defender.yaml, then ~/.config/cdn-defender.yaml)")
		domain      = fs.String("domain", "", "CDN domain, overrides cdn.domain")
		debugFlag   = fs.Bool("debug", false, "Enable debug logging")
		versionFlag = fs.Bool("version", false, "Show version information")
	)
	fs.Usage = func() { usage(fs, stderr) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *versionFlag {
		fmt.Fprintf(stdout, "cdn-defender %s\n", version)
		fmt.Fprintf(stdout, "Build time: %s\n", buildTime)
		fmt.Fprintf(stdout, "Git hash: %s\n", gitHash)
		return 0
	}

	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cmd, ok := lookupCommand(fs.Arg(0))
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", fs.Arg(0))
		fs.Usage()
		return 2
	}
	cmdArgs := fs.Args()[1:]

	if !cmd.needsConfig {
		if err := cmd.runBare(cmdArgs, stdout); err != nil && !errors.Is(err, flag.ErrHelp) {
			return report(stderr, err)
		}
		return 0
	}

	path, err := config.Resolve(*configPath)
	if err != nil {
		return report(stderr, err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return report(stderr, err)
	}
	if *domain != "" {
		cfg.CDN.Domain = *domain
	}
	if *debugFlag {
		cfg.Debug = true
	}

	logger, err := newLogger(cfg.Logs, cfg.Debug, stderr)
	if err != nil {
		return report(stderr, err)
	}
	logger.Debugf("Starting cdn-defender %s (build: %s, commit: %s)", version, buildTime, gitHash)

	app, err := NewApplication(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to create application")
		return 1
	}
	app.configPath = path
	app.stdout = stdout
	app.stdin = stdin
	defer app.Shutdown()

	if err := cmd.run(app, cmdArgs); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		logger.WithError(err).WithField("command", cmd.name).Error("Command failed")
		if errors.Is(err, errdefs.ErrConfig) {
			return 2
		}
		return 1
	}
	return 0
}

func usage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintln(w, "Usage: cdn-defender [flags] <command> [command flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	names := make([]string, len(commands))
	for i, c := range commands {
		names[i] = c.name
	}
	sort.Strings(names)
	for _, name := range names {
		c, _ := lookupCommand(name)
		fmt.Fprintf(w, "  %-14s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fs.PrintDefaults()
}

func lookupCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func report(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "error: %v\n", err)
	if errors.Is(err, errdefs.ErrConfig) {
		return 2
	}
	return 1
}

// newLogger builds the process logger. Output "file" writes through a
// rotating lumberjack file; anything else writes to stderr.
func newLogger(cfg config.LogsConfig, debug bool, stderr io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(stderr)

	level, err := logrus.ParseLevel(cfg.Level)
	if err == nil {
		logger.SetLevel(level)
	}
	if debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch cfg.Output {
	case "", "stderr":
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "file":
		if cfg.FilePath == "" {
			return nil, errdefs.Configf("logs.file_path is required when logs.output is file")
		}
		logger.SetOutput(&lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   true,
		})
	default:
		return nil, errdefs.Configf("unknown logs.output: %q", cfg.Output)
	}

	return logger, nil
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config, logger *logrus.Logger, opts ...qiniu.Option) (*Application, error) {
	app := &Application{
		config: cfg,
		logger: logger,
		stdout: os.Stdout,
		stdin:  os.Stdin,
	}

	app.metricsCollector = metrics.NewCollector(cfg.Metrics, logger)
	app.client = qiniu.New(cfg.CDN, logger, opts...)

	store, err := cache.New(cfg.Download, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create log cache: %w", err)
	}
	app.store = store

	catalog := logs.NewCatalog(app.client, app.metricsCollector, logger)
	app.fetcher = logs.NewFetcher(cfg.Download, catalog, app.client, store, app.metricsCollector, logger)

	app.detectionEngine = detector.NewEngine(detector.NewAnalyticsLookup(app.client), app.metricsCollector, logger)

	app.aclManager, err = firewall.NewManager(cfg.BlackIP, firewall.NewCDNBackend(app.client), app.metricsCollector, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create acl manager: %w", err)
	}

	app.geo, err = geoip.NewService(cfg.GeoIP)
	if err != nil {
		logger.WithError(err).Warn("GeoIP disabled")
		app.geo, _ = geoip.NewService(config.GeoIPConfig{})
	}

	app.notificationMgr, err = notification.NewManager(cfg.Notifications, app.geo, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification manager: %w", err)
	}

	return app, nil
}

// Shutdown flushes queued notifications and releases resources.
func (app *Application) Shutdown() {
	app.notificationMgr.Shutdown()

	if closer, ok := app.store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			app.logger.WithError(err).Warn("Failed to close log cache")
		}
	}
	if err := app.geo.Close(); err != nil {
		app.logger.WithError(err).Warn("Failed to close GeoIP database")
	}
}

// resolveDomains returns the domains a command operates on: the explicit
// list, every account domain with all set, or the configured domain.
// Excluded names are removed in every case.
func (app *Application) resolveDomains(ctx context.Context, list string, all bool, exclude string) ([]string, error) {
	var domains []string
	switch {
	case list != "" && all:
		return nil, errdefs.Configf("-domains and -all-domain cannot be combined")
	case list != "":
		domains = splitList(list)
	case all:
		summaries, err := app.client.ListDomains(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list domains: %w", err)
		}
		for _, s := range summaries {
			domains = append(domains, s.Name)
		}
	default:
		domains = app.config.Domains()
	}

	excluded := make(map[string]bool)
	for _, d := range splitList(exclude) {
		excluded[d] = true
	}
	kept := domains[:0]
	for _, d := range domains {
		if !excluded[d] {
			kept = append(kept, d)
		}
	}

	if len(kept) == 0 {
		return nil, errdefs.Configf("no domain selected: set cdn.domain or pass -domain, -domains or -all-domain")
	}
	return kept, nil
}

// domain returns the configured single domain.
func (app *Application) domain() (string, error) {
	d := strings.TrimSpace(app.config.CDN.Domain)
	if d == "" {
		return "", errdefs.Configf("no domain selected: set cdn.domain or pass -domain")
	}
	return d, nil
}

// splitList splits a comma separated flag value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
