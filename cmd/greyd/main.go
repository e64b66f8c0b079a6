// Command greyd is the tarpit/greylisting SMTP daemon: it accepts
// connections, stutters replies at blacklisted/greylisted senders,
// applies the GREY/TRAP/WHITE tuple-store logic, runs the periodic
// scan/firewall-push loop, and optionally replicates state to peers
// over the sync protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mikey-austin/greyd-sub000/internal/blacklist"
	"github.com/mikey-austin/greyd-sub000/internal/config"
	"github.com/mikey-austin/greyd-sub000/internal/daemon"
	"github.com/mikey-austin/greyd-sub000/internal/firewall/dummy"
	"github.com/mikey-austin/greyd-sub000/internal/greylist"
	"github.com/mikey-austin/greyd-sub000/internal/logging"
	"github.com/mikey-austin/greyd-sub000/internal/metrics"
	"github.com/mikey-austin/greyd-sub000/internal/store"
	"github.com/mikey-austin/greyd-sub000/internal/store/memory"
	"github.com/mikey-austin/greyd-sub000/internal/store/mysql"
	"github.com/mikey-austin/greyd-sub000/internal/store/postgres"
	"github.com/mikey-austin/greyd-sub000/internal/store/sqlite"
	"github.com/mikey-austin/greyd-sub000/internal/sync"
)

type options struct {
	configPath string
	listen     string
	metricsAddr string
	verbose    bool
	jsonLog    bool

	dbDriver string
	dbDSN    string

	hostname  string
	banner    string
	stutter   bool
	maxCons   int
	maxBlack  int
	lowPrioMX string

	blackFeeds stringList
	whiteFeeds stringList

	syncEnable bool
	syncIface  string
	syncHosts  stringList
	syncPort   int
	syncKeyFile string
}

// stringList collects a repeatable -flag into a slice.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func parseFlags(args []string) (*options, error) {
	fs := flag.NewFlagSet("greyd", flag.ContinueOnError)
	o := &options{}
	fs.StringVar(&o.configPath, "config", "", "path to a YAML config file")
	fs.StringVar(&o.listen, "listen", ":25", "address to accept SMTP connections on")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "address to serve /metrics on (empty disables it)")
	fs.BoolVar(&o.verbose, "v", false, "verbose (debug-level) logging")
	fs.BoolVar(&o.jsonLog, "json-log", true, "emit logs as JSON instead of a console-friendly format")

	fs.StringVar(&o.dbDriver, "db-driver", "memory", "tuple store driver: memory, sqlite, mysql or postgres")
	fs.StringVar(&o.dbDSN, "db-dsn", "", "driver-specific DSN/path/conninfo (ignored for memory)")

	fs.StringVar(&o.hostname, "hostname", "", "hostname reported in the SMTP banner (default: os.Hostname)")
	fs.StringVar(&o.banner, "banner", "", "custom banner text appended after the hostname")
	fs.BoolVar(&o.stutter, "stutter", true, "stutter replies at greylisted/blacklisted connections")
	fs.IntVar(&o.maxCons, "max-cons", 400, "maximum concurrent connections (0 disables the limit)")
	fs.IntVar(&o.maxBlack, "max-black", 0, "disable stuttering globally once this many blacklisted connections are active (0 disables the rule)")
	fs.StringVar(&o.lowPrioMX, "low-prio-mx", "", "IP of this host's low-priority MX, forcing a trap on direct delivery")

	fs.Var(&o.blackFeeds, "blacklist", "path to a blacklist feed file (repeatable)")
	fs.Var(&o.whiteFeeds, "whitelist", "path to a whitelist feed file (repeatable)")

	fs.BoolVar(&o.syncEnable, "sync", false, "enable state replication to peers")
	fs.StringVar(&o.syncIface, "sync-iface", "", "multicast interface for sync (unicast-only if empty)")
	fs.Var(&o.syncHosts, "sync-host", "unicast sync peer hostname/address (repeatable)")
	fs.IntVar(&o.syncPort, "sync-port", sync.DefaultPort, "UDP port for the sync protocol")
	fs.StringVar(&o.syncKeyFile, "sync-key-file", "", "path to the shared sync authentication key")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return o, nil
}

// applyFile overlays values read from a YAML config file onto the
// parsed flags: every key present in the file replaces the matching
// option, whether that flag was left at its default or given on the
// command line, so a command-line flag does not take precedence over
// the file. Options the file does not mention keep their flag value.
func (o *options) applyFile(l *config.Loader) {
	o.listen = l.String("listen", o.listen)
	o.metricsAddr = l.String("metrics_addr", o.metricsAddr)
	o.dbDriver = l.String("db.driver", o.dbDriver)
	o.dbDSN = l.String("db.dsn", o.dbDSN)
	o.hostname = l.String("hostname", o.hostname)
	o.banner = l.String("banner", o.banner)
	o.stutter = l.Bool("stutter", o.stutter)
	o.maxCons = l.Int("max_cons", o.maxCons)
	o.maxBlack = l.Int("max_black", o.maxBlack)
	o.lowPrioMX = l.String("low_prio_mx", o.lowPrioMX)
	if feeds := l.Strings("blacklists"); len(feeds) > 0 {
		o.blackFeeds = feeds
	}
	if feeds := l.Strings("whitelists"); len(feeds) > 0 {
		o.whiteFeeds = feeds
	}
	o.syncEnable = l.Bool("sync.enable", o.syncEnable)
	o.syncIface = l.String("sync.interface", o.syncIface)
	if hosts := l.Strings("sync.hosts"); len(hosts) > 0 {
		o.syncHosts = hosts
	}
	o.syncPort = l.Int("sync.port", o.syncPort)
	o.syncKeyFile = l.String("sync.key_file", o.syncKeyFile)
}

func openStore(driver, dsn string) (store.Driver, error) {
	switch driver {
	case "memory", "":
		return memory.New(), nil
	case "sqlite":
		return sqlite.New(dsn), nil
	case "mysql":
		return mysql.New(dsn), nil
	case "postgres":
		return postgres.New(dsn), nil
	default:
		return nil, fmt.Errorf("unknown -db-driver %q", driver)
	}
}

func openFeeds(paths []string) ([]*os.File, func(), error) {
	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open feed %s: %w", p, err)
		}
		files = append(files, f)
	}
	return files, closeAll, nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "greyd:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}
	if o.configPath != "" {
		l, err := config.LoadFile(o.configPath)
		if err != nil {
			return err
		}
		o.applyFile(l)
	}
	if o.hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			h = "greyd"
		}
		o.hostname = h
	}

	log, err := logging.New(o.verbose, o.jsonLog)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer log.Sync()

	st, err := openStore(o.dbDriver, o.dbDSN)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := st.Open(ctx, false); err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer st.Close(context.Background())

	blackFiles, closeBlack, err := openFeeds(o.blackFeeds)
	if err != nil {
		return err
	}
	defer closeBlack()
	whiteFiles, closeWhite, err := openFeeds(o.whiteFeeds)
	if err != nil {
		return err
	}
	defer closeWhite()

	var lists []*blacklist.Set
	if len(blackFiles) > 0 || len(whiteFiles) > 0 {
		set, err := blacklist.Compile("configured", "421 too busy, try later", readersOf(blackFiles), readersOf(whiteFiles))
		if err != nil {
			return fmt.Errorf("compile blacklist: %w", err)
		}
		lists = append(lists, set)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	fw := dummy.New(log)
	if err := fw.Open(ctx); err != nil {
		return fmt.Errorf("firewall open: %w", err)
	}
	defer fw.Close(context.Background())

	reader := greylist.NewReader(st, log)
	reader.LowPrioMX = o.lowPrioMX
	reader.StartedAt = time.Now()

	var engine *sync.Engine
	if o.syncEnable {
		var key []byte
		if o.syncKeyFile != "" {
			key, err = os.ReadFile(o.syncKeyFile)
			if err != nil {
				return fmt.Errorf("sync key file: %w", err)
			}
		}
		engine = sync.New(sync.Config{
			Port:            o.syncPort,
			Interface:       o.syncIface,
			Hosts:           o.syncHosts,
			VerifyMessages:  len(key) > 0,
			KeyFileContents: key,
		}, reader, log)
		if err := engine.Start(); err != nil {
			return fmt.Errorf("sync start: %w", err)
		}
		defer engine.Stop()
		reader.Sync = engine
	}

	ln, err := net.Listen("tcp", o.listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", o.listen, err)
	}

	srv := daemon.NewServer(ln, lists, reader, fw, m, log, daemon.Config{
		Hostname:  o.hostname,
		Banner:    o.banner,
		Stutter:   o.stutter,
		MaxCons:   o.maxCons,
		MaxBlack:  o.maxBlack,
		LowPrioMX: o.lowPrioMX,
	})

	scanner := greylist.NewScanner(st, fw, &daemon.TrapSink{Server: srv}, m, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error { return scanner.Run(gctx) })
	if engine != nil {
		g.Go(func() error { return engine.Run(gctx) })
	}
	if o.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv := &http.Server{Addr: o.metricsAddr, Handler: mux}
		g.Go(func() error {
			<-gctx.Done()
			return metricsSrv.Close()
		})
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	log.Info("greyd started", zap.String("listen", o.listen), zap.String("hostname", o.hostname))
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func readersOf(files []*os.File) []io.Reader {
	out := make([]io.Reader, len(files))
	for i, f := range files {
		out[i] = f
	}
	return out
}
