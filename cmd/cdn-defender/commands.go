package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/Anipaleja/cdn-defender/internal/config"
	"github.com/Anipaleja/cdn-defender/internal/detector"
	"github.com/Anipaleja/cdn-defender/internal/errdefs"
	"github.com/Anipaleja/cdn-defender/internal/firewall"
	"github.com/Anipaleja/cdn-defender/internal/logs"
	"github.com/Anipaleja/cdn-defender/internal/qiniu"
	"github.com/Anipaleja/cdn-defender/internal/server"
	"github.com/Anipaleja/cdn-defender/pkg/patterns"
	"github.com/sirupsen/logrus"
)

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func newFlagSet(name string, w io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(w)
	return fs
}

// parseFlags parses args and wraps usage errors as configuration errors.
func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return err
		}
		return errdefs.Configf("%s: %v", fs.Name(), err)
	}
	if fs.NArg() > 0 {
		return errdefs.Configf("%s: unexpected arguments %v", fs.Name(), fs.Args())
	}
	return nil
}

// parseDay parses a YYYY-MM-DD flag value in local time. An empty value is
// today.
func parseDay(s string) (time.Time, error) {
	if s == "" {
		y, m, d := time.Now().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.Local), nil
	}
	t, err := time.ParseInLocation(logs.DayLayout, s, time.Local)
	if err != nil {
		return time.Time{}, errdefs.Configf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return t, nil
}

func parseRange(start, end string) (time.Time, time.Time, error) {
	s, err := parseDay(start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	e, err := parseDay(end)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return s, e, nil
}

// confirm asks a yes/no question on stdin. Anything but y or yes declines.
func (app *Application) confirm(question string) bool {
	fmt.Fprintf(app.stdout, "%s [y/N]: ", question)
	answer, _ := bufio.NewReader(app.stdin).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func (app *Application) table() *tabwriter.Writer {
	return tabwriter.NewWriter(app.stdout, 0, 0, 2, ' ', 0)
}

func runConfig(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errdefs.Configf("config: expected a subcommand: init or validate")
	}

	fs := newFlagSet("config "+args[0], stdout)
	path := fs.String("path", config.DefaultPath, "Configuration file path")
	force := fs.Bool("force", false, "Overwrite an existing file")
	if err := parseFlags(fs, args[1:]); err != nil {
		return err
	}

	switch args[0] {
	case "init":
		if _, err := os.Stat(*path); err == nil && !*force {
			return errdefs.Configf("%s already exists, pass -force to overwrite it", *path)
		}
		if err := config.Default().Save(*path); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Wrote default configuration to %s\n", *path)
	case "validate":
		if _, err := config.Load(*path); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "Configuration is valid")
	default:
		return errdefs.Configf("config: unknown subcommand %q", args[0])
	}
	return nil
}

func runLogDownload(app *Application, args []string) error {
	fs := newFlagSet("log-download", app.stdout)
	day := fs.String("day", "", "Day to download, e.g. 2024-07-01 (default today)")
	limit := fs.Int("limit", 0, "Number of objects to download (default all)")
	dir := fs.String("dir", "./logs", "Download directory")
	noDomainDir := fs.Bool("no-domain-dir", false, "Do not place files in a per-domain directory")
	unzipKeep := fs.Bool("unzip-keep", false, "Decompress logs and keep the archives")
	unzipNotKeep := fs.Bool("unzip-not-keep", false, "Decompress logs and remove the archives")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *unzipKeep && *unzipNotKeep {
		return errdefs.Configf("-unzip-keep and -unzip-not-keep cannot be combined")
	}

	d, err := parseDay(*day)
	if err != nil {
		return err
	}
	domain, err := app.domain()
	if err != nil {
		return err
	}

	paths, err := app.fetcher.SaveDay(context.Background(), d, domain, logs.SaveOptions{
		Dir:         *dir,
		DomainDir:   app.config.Download.DomainDir && !*noDomainDir,
		Limit:       *limit,
		Unzip:       *unzipKeep || *unzipNotKeep,
		KeepArchive: *unzipKeep,
	})
	if err != nil {
		return err
	}

	if len(paths) == 0 {
		fmt.Fprintf(app.stdout, "No logs for %s on %s\n", domain, d.Format(logs.DayLayout))
		return nil
	}
	for _, p := range paths {
		fmt.Fprintln(app.stdout, p)
	}
	return nil
}

func runLogFilter(app *Application, args []string) error {
	fs := newFlagSet("log-filter", app.stdout)
	var terms stringList
	fs.Var(&terms, "f", "Substring to match, repeatable; prefix with !! to exclude")
	start := fs.String("start", "", "Start date (default today)")
	end := fs.String("end", "", "End date (default today)")
	outputFile := fs.Bool("output-file", false, "Write matches to a file instead of stdout")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	s, e, err := parseRange(*start, *end)
	if err != nil {
		return err
	}
	domain, err := app.domain()
	if err != nil {
		return err
	}

	stream, err := app.fetcher.FetchRange(context.Background(), s, e, domain)
	if err != nil {
		return err
	}

	filter := patterns.NewFilter(terms)
	if *outputFile {
		matched := filter.Collect(stream.Lines())
		name := filter.OutputName(domain, s.Format(logs.DayLayout), e.Format(logs.DayLayout))
		if err := patterns.WriteFile(name, matched); err != nil {
			return err
		}
		fmt.Fprintf(app.stdout, "%d lines written to %s\n", len(matched), name)
	} else {
		n, err := filter.Print(stream.Lines(), app.stdout)
		if err != nil {
			return err
		}
		fmt.Fprintf(app.stdout, "Total: %d\n", n)
	}

	app.warnPartial(stream)
	return nil
}

// warnPartial logs objects that were dropped from a range fetch.
func (app *Application) warnPartial(stream *logs.Stream) {
	if err := stream.Err(); err != nil {
		app.logger.WithError(err).WithField("objects", stream.Objects()).Warn("Some log objects could not be read")
	}
}

func runIPURL(app *Application, args []string) error {
	fs := newFlagSet("ip-url", app.stdout)
	ip := fs.String("ip", "", "IP to look up")
	start := fs.String("start", "", "Start date (default today)")
	end := fs.String("end", "", "End date (default today)")
	limit := fs.Int("limit", 0, "Number of URLs to print (default all)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *ip == "" {
		return errdefs.Configf("ip-url: -ip is required")
	}

	s, e, err := parseRange(*start, *end)
	if err != nil {
		return err
	}
	domain, err := app.domain()
	if err != nil {
		return err
	}

	stream, err := app.fetcher.FetchRange(context.Background(), s, e, domain)
	if err != nil {
		return err
	}
	counts := logs.CountURLs(stream.Lines(), *ip)
	app.warnPartial(stream)

	if len(counts) == 0 {
		fmt.Fprintf(app.stdout, "No requests from %s\n", *ip)
		return nil
	}
	if *limit > 0 && len(counts) > *limit {
		counts = counts[:*limit]
	}

	tw := app.table()
	fmt.Fprintln(tw, "COUNT\tURL")
	for _, c := range counts {
		fmt.Fprintf(tw, "%d\t%s\n", c.Count, c.URL)
	}
	return tw.Flush()
}

func runTop(app *Application, args []string) error {
	fs := newFlagSet("top", app.stdout)
	region := fs.String("region", qiniu.RegionGlobal, "Region, e.g. global, oversea, china")
	start := fs.String("start", "", "Start date (default today)")
	end := fs.String("end", "", "End date (default today)")
	byURL := fs.Bool("url", false, "Rank URLs instead of IPs")
	byCount := fs.Bool("count", false, "Rank by request count instead of traffic")
	limit := fs.Int("limit", 0, "Number of rows to print (default all)")
	domains := fs.String("domains", "", "Comma separated domains")
	allDomain := fs.Bool("all-domain", false, "Include every domain on the account")
	exclude := fs.String("exclude-domains", "", "Comma separated domains to skip")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	s, e, err := parseRange(*start, *end)
	if err != nil {
		return err
	}
	ctx := context.Background()
	selected, err := app.resolveDomains(ctx, *domains, *allDomain, *exclude)
	if err != nil {
		return err
	}

	metric, header := qiniu.TopTraffic, "TRAFFIC(MB)"
	if *byCount {
		metric, header = qiniu.TopCount, "COUNT"
	}

	var keys []string
	var counts, traffic []int64
	if *byURL {
		data, err := app.client.TopURL(ctx, metric, *region, s, e, selected)
		if err != nil {
			return err
		}
		if data != nil {
			keys, counts, traffic = data.URLs, data.Count, data.Traffic
		}
	} else {
		data, err := app.client.TopIP(ctx, metric, *region, s, e, selected)
		if err != nil {
			return err
		}
		if data != nil {
			keys, counts, traffic = data.IPs, data.Count, data.Traffic
		}
	}

	if len(keys) == 0 {
		fmt.Fprintln(app.stdout, "No data")
		return nil
	}
	if *limit > 0 && len(keys) > *limit {
		keys = keys[:*limit]
	}

	kind := "IP"
	if *byURL {
		kind = "URL"
	}
	tw := app.table()
	if *byURL || !app.geo.Enabled() {
		fmt.Fprintf(tw, "%s\t%s\n", kind, header)
	} else {
		fmt.Fprintf(tw, "%s\t%s\tLOCATION\n", kind, header)
	}
	for i, key := range keys {
		value := "-"
		if *byCount && i < len(counts) {
			value = fmt.Sprintf("%d", counts[i])
		} else if !*byCount && i < len(traffic) {
			value = fmt.Sprintf("%.2f", float64(traffic[i])/(1024*1024))
		}
		if *byURL || !app.geo.Enabled() {
			fmt.Fprintf(tw, "%s\t%s\n", key, value)
			continue
		}
		loc, _ := app.geo.GetLocationInfo(key)
		fmt.Fprintf(tw, "%s\t%s\t%s\n", key, value, loc.String())
	}
	return tw.Flush()
}

func runIPACL(app *Application, args []string) error {
	fs := newFlagSet("ipacl", app.stdout)
	white := fs.Bool("white", false, "Set the whitelist")
	black := fs.Bool("black", false, "Set the blacklist")
	closeACL := fs.Bool("close", false, "Turn the black/white list off")
	rewrite := fs.Bool("rewrite", false, "Replace the existing list instead of appending")
	ips := fs.String("ips", "", "Comma separated IPs; prefix with d to remove (append mode only)")
	yes := fs.Bool("yes", false, "Do not ask for confirmation")
	noNotify := fs.Bool("no-notify", false, "Do not send notifications")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	selected := 0
	mode := firewall.ModeClose
	for flagSet, m := range map[*bool]firewall.Mode{white: firewall.ModeWhite, black: firewall.ModeBlack, closeACL: firewall.ModeClose} {
		if *flagSet {
			selected++
			mode = m
		}
	}
	if selected != 1 {
		return errdefs.Configf("ipacl: exactly one of -white, -black or -close is required")
	}

	entries := splitList(*ips)
	if mode != firewall.ModeClose && len(entries) == 0 {
		return errdefs.Configf("ipacl: -ips is required for %s mode", mode)
	}

	domain, err := app.domain()
	if err != nil {
		return err
	}

	req := firewall.Request{
		Domain:  domain,
		Mode:    mode,
		Entries: entries,
		Rewrite: *rewrite,
		Reason:  "ipacl command",
	}
	return app.applyACL(req, *yes, !*noNotify)
}

// applyACL confirms and applies req, then prints and optionally notifies
// the outcome.
func (app *Application) applyACL(req firewall.Request, yes, notify bool) error {
	if !yes {
		question := fmt.Sprintf("Close the IP black/white list of %s?", req.Domain)
		if req.Mode != firewall.ModeClose {
			how := "Append"
			if req.Rewrite {
				how = "Overwrite"
			}
			question = fmt.Sprintf("%s %d entries to the %slist of %s?", how, len(req.Entries), req.Mode, req.Domain)
		}
		if !app.confirm(question) {
			fmt.Fprintln(app.stdout, "Aborted")
			return nil
		}
	}

	update, err := app.aclManager.Apply(context.Background(), req)
	if err != nil {
		return err
	}

	switch {
	case !update.Changed:
		fmt.Fprintf(app.stdout, "%s: IP list unchanged\n", req.Domain)
	case update.Mode == firewall.ModeClose:
		fmt.Fprintf(app.stdout, "%s: IP black/white list closed\n", req.Domain)
	default:
		fmt.Fprintf(app.stdout, "%s: %slist now has %d entries\n", req.Domain, update.Mode, len(update.Entries))
	}
	if len(update.Protected) > 0 {
		fmt.Fprintf(app.stdout, "Skipped protected entries: %s\n", strings.Join(update.Protected, ", "))
	}

	if notify {
		app.notificationMgr.SendACLUpdate(req, update)
	}
	return nil
}

func runDiagnostic(app *Application, args []string) error {
	fs := newFlagSet("diagnostic", app.stdout)
	policy := fs.String("policy", app.config.BlackIP.Policy, "Policy such as C:1:10000 or \"T:1:200||C:1:10000\"")
	day := fs.String("day", "", "Last day of the windows (default today)")
	apply := fs.Bool("apply", false, "Blacklist the flagged IPs")
	noRewrite := fs.Bool("no-rewrite", false, "Append to the blacklist instead of replacing it")
	yes := fs.Bool("yes", false, "Do not ask for confirmation")
	noNotify := fs.Bool("no-notify", false, "Do not send notifications")
	domains := fs.String("domains", "", "Comma separated domains")
	allDomain := fs.Bool("all-domain", false, "Include every domain on the account")
	exclude := fs.String("exclude-domains", "", "Comma separated domains to skip")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	// A malformed policy fails before any upstream call.
	p, err := detector.ParsePolicy(*policy)
	if err != nil {
		return err
	}
	end, err := parseDay(*day)
	if err != nil {
		return err
	}

	ctx := context.Background()
	selected, err := app.resolveDomains(ctx, *domains, *allDomain, *exclude)
	if err != nil {
		return err
	}
	rewrite := app.config.BlackIP.Rewrite && !*noRewrite

	var failed int
	for _, domain := range selected {
		d, err := app.detectionEngine.Evaluate(ctx, p, end, domain)
		if err != nil {
			app.logger.WithError(err).WithField("domain", domain).Error("Diagnosis failed")
			failed++
			continue
		}
		app.printDiagnosis(d)

		if !*noNotify {
			app.notificationMgr.SendDiagnosis(d)
		}
		if !*apply || len(d.IPs) == 0 {
			continue
		}

		req := firewall.Request{
			Domain:  domain,
			Mode:    firewall.ModeBlack,
			Entries: d.IPs.Sorted(),
			Rewrite: rewrite,
			Reason:  "diagnosis " + d.ID,
		}
		if err := app.applyACL(req, *yes, !*noNotify); err != nil {
			app.logger.WithError(err).WithField("domain", domain).Error("Failed to apply blacklist")
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d domains failed", failed, len(selected))
	}
	return nil
}

func (app *Application) printDiagnosis(d *detector.Diagnosis) {
	fmt.Fprintf(app.stdout, "%s  policy %s  ending %s\n", d.Domain, d.Rule, d.End.Format(logs.DayLayout))
	if len(d.IPs) == 0 {
		fmt.Fprintln(app.stdout, "No suspicious IPs")
		return
	}

	ips := d.IPs.Sorted()
	locations := app.geo.Annotate(ips)
	tw := app.table()
	fmt.Fprintln(tw, "IP\tLOCATION")
	for _, ip := range ips {
		fmt.Fprintf(tw, "%s\t%s\n", ip, locations[ip].String())
	}
	tw.Flush()
}

func runRefresh(app *Application, args []string) error {
	fs := newFlagSet("refresh", app.stdout)
	urls := fs.String("urls", "", "Comma separated URLs to refresh")
	dirs := fs.String("dirs", "", "Comma separated directory URLs to refresh, ending in /")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	urlList, dirList := splitList(*urls), splitList(*dirs)
	if len(urlList) == 0 && len(dirList) == 0 {
		return errdefs.Configf("refresh: -urls or -dirs is required")
	}

	result, err := app.client.Refresh(context.Background(), urlList, dirList)
	if err != nil {
		return err
	}

	fmt.Fprintf(app.stdout, "Request ID: %s\n", result.RequestID)
	printInvalid(app.stdout, "URLs", result.InvalidURLs)
	printInvalid(app.stdout, "directories", result.InvalidDirs)
	fmt.Fprintf(app.stdout, "URL quota today: %d/%d remaining\n", result.URLSurplusDay, result.URLQuotaDay)
	fmt.Fprintf(app.stdout, "Directory quota today: %d/%d remaining\n", result.DirSurplusDay, result.DirQuotaDay)
	return nil
}

func runPrefetch(app *Application, args []string) error {
	fs := newFlagSet("prefetch", app.stdout)
	urls := fs.String("urls", "", "Comma separated URLs to prefetch")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	urlList := splitList(*urls)
	if len(urlList) == 0 {
		return errdefs.Configf("prefetch: -urls is required")
	}

	result, err := app.client.Prefetch(context.Background(), urlList)
	if err != nil {
		return err
	}

	fmt.Fprintf(app.stdout, "Request ID: %s\n", result.RequestID)
	printInvalid(app.stdout, "URLs", result.InvalidURLs)
	fmt.Fprintf(app.stdout, "Prefetch quota today: %d/%d remaining\n", result.SurplusDay, result.QuotaDay)
	return nil
}

func printInvalid(w io.Writer, what string, invalid []string) {
	if len(invalid) == 0 {
		return
	}
	fmt.Fprintf(w, "Invalid %s:\n", what)
	for _, v := range invalid {
		fmt.Fprintf(w, "  %s\n", v)
	}
}

func runDomains(app *Application, args []string) error {
	fs := newFlagSet("domains", app.stdout)
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	summaries, err := app.client.ListDomains(context.Background())
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Fprintln(app.stdout, "No domains bound to this account")
		return nil
	}

	tw := app.table()
	fmt.Fprintln(tw, "NAME\tSTATE\tPROTOCOL\tCNAME")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Name, s.OperatingState, s.Protocol, s.CName)
	}
	return tw.Flush()
}

func runInfo(app *Application, args []string) error {
	fs := newFlagSet("info", app.stdout)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	domain, err := app.domain()
	if err != nil {
		return err
	}

	info, err := app.client.DomainInfo(context.Background(), domain)
	if err != nil {
		return err
	}

	tw := app.table()
	fmt.Fprintf(tw, "Name\t%s\n", info.Name)
	fmt.Fprintf(tw, "CNAME\t%s\n", info.CName)
	fmt.Fprintf(tw, "Created\t%s\n", info.CreateAt)
	fmt.Fprintf(tw, "Modified\t%s\n", info.ModifyAt)
	if info.HTTPS != nil && info.HTTPS.CertID != "" {
		fmt.Fprintf(tw, "Certificate\t%s (force https: %t, http2: %t)\n", info.HTTPS.CertID, info.HTTPS.ForceHTTPS, info.HTTPS.HTTP2)
	}
	if info.Referer != nil && info.Referer.Type != "" {
		fmt.Fprintf(tw, "Referer %s\t%s\n", info.Referer.Type, strings.Join(info.Referer.Values, ", "))
	}
	if info.IPACL.Type == qiniu.ACLOff {
		fmt.Fprintf(tw, "IP ACL\toff\n")
	} else {
		fmt.Fprintf(tw, "IP ACL %s\t%s\n", info.IPACL.Type, strings.Join(info.IPACL.Values, ", "))
	}
	return tw.Flush()
}

func runServe(app *Application, args []string) error {
	fs := newFlagSet("serve", app.stdout)
	interval := fs.Duration("interval", 0, "Run the diagnostic policy on this interval (0 disables)")
	apply := fs.Bool("apply", false, "Blacklist IPs flagged by scheduled diagnoses")
	domains := fs.String("domains", "", "Comma separated domains for scheduled diagnoses")
	allDomain := fs.Bool("all-domain", false, "Diagnose every domain on the account")
	exclude := fs.String("exclude-domains", "", "Comma separated domains to skip")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var scheduled []string
	if *interval > 0 {
		var err error
		if scheduled, err = app.resolveDomains(ctx, *domains, *allDomain, *exclude); err != nil {
			return err
		}
		if _, err := detector.ParsePolicy(app.config.BlackIP.Policy); err != nil {
			return err
		}
	}

	watcher, err := config.NewWatcher(app.configPath, app.config, app.logger, func(cfg *config.Config) {
		app.logger.WithField("policy", cfg.BlackIP.Policy).Info("Diagnostic policy reloaded")
	})
	if err != nil {
		return err
	}
	defer watcher.Close()

	webServer := server.NewServer(app.config.Server, app.config.Metrics, server.Components{
		Engine:   app.detectionEngine,
		Fetcher:  app.fetcher,
		ACL:      app.aclManager,
		Metrics:  app.metricsCollector,
		Notifier: app.notificationMgr,
		Policy:   func() string { return watcher.Current().BlackIP.Policy },
		Domain:   app.config.CDN.Domain,
	}, app.logger)

	errChan := make(chan error, 1)
	go func() {
		errChan <- webServer.Start()
	}()

	if *interval > 0 {
		app.logger.WithFields(logrus.Fields{
			"interval": interval.String(),
			"domains":  scheduled,
			"apply":    *apply,
		}).Info("Scheduled diagnosis enabled")
		go webServer.Watch(ctx, *interval, scheduled, *apply, app.config.BlackIP.Rewrite)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		app.logger.Infof("Received signal: %v", sig)
	case err := <-errChan:
		return fmt.Errorf("api server failed: %w", err)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Error shutting down API server")
	}
	return nil
}
