package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/coredns-labs/authdns/internal/acl"
	"github.com/coredns-labs/authdns/internal/adminplane"
	"github.com/coredns-labs/authdns/internal/config"
	"github.com/coredns-labs/authdns/internal/filtering"
	"github.com/coredns-labs/authdns/internal/ixfr"
	"github.com/coredns-labs/authdns/internal/resolvers"
	"github.com/coredns-labs/authdns/internal/scheduler"
	"github.com/coredns-labs/authdns/internal/store"
	"github.com/coredns-labs/authdns/internal/zone"
)

// Runner orchestrates the DNS server startup, configuration, and shutdown.
type Runner struct {
	logger *slog.Logger
}

// NewRunner creates a new server runner with the given logger.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{logger: logger}
}

// Run starts the DNS server with the given configuration.
//
// Server lifecycle:
//  1. Configure runtime (GOMAXPROCS based on workers setting)
//  2. Load zone files for local resolution
//  3. Build resolver chain (zones -> forwarding)
//  4. Start UDP and optionally TCP servers
//  5. Wait for shutdown signal (SIGINT/SIGTERM)
//  6. Gracefully stop servers with timeout
func (r *Runner) Run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	// Configure GOMAXPROCS based on worker settings
	desiredProcs := r.configureRuntime(cfg)

	// Calculate concurrency limits
	maxConc := r.calculateMaxConcurrency(cfg, desiredProcs)
	upPool := r.calculateUpstreamPoolSize(cfg, maxConc)

	// Open the zone store and import any configured zone files
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()
	r.importZones(cfg, st)

	// Build resolver chain
	resolver := r.buildResolverChain(cfg, st, upPool)
	defer resolver.Close()

	// Create server components
	aclEvaluator := acl.NewEvaluator(st)
	transfer := ixfr.NewEngine(st, aclEvaluator, st)
	windowLimiter := NewSlidingWindowLimiter(
		time.Duration(cfg.RateLimit.WindowSeconds*float64(time.Second)),
		cfg.RateLimit.MaxQueries,
	)
	dnsStats := NewDNSStats()
	h := &QueryHandler{Logger: r.logger, Resolver: resolver, Timeout: 4 * time.Second, ACL: aclEvaluator, Transfer: transfer, RateLimit: windowLimiter, Stats: dnsStats}

	var admin *adminplane.Server
	if cfg.API.Enabled {
		admin = adminplane.New(cfg.API.Host, cfg.API.Port, r.logger, func() adminplane.DNSStatsResponse {
			snap := dnsStats.Snapshot()
			return adminplane.DNSStatsResponse{
				QueriesTotal: snap.QueriesTotal,
				QueriesUDP:   snap.QueriesUDP,
				QueriesTCP:   snap.QueriesTCP,
				ResponsesNX:  snap.ResponsesNX,
				ResponsesErr: snap.ResponsesErr,
				AvgLatencyMs: snap.AvgLatencyMs,
			}
		})
	}
	limiter := NewRateLimiter(RateLimitSettings{
		CleanupSeconds:   cfg.RateLimit.CleanupSeconds,
		MaxIPEntries:     cfg.RateLimit.MaxIPEntries,
		MaxPrefixEntries: cfg.RateLimit.MaxPrefixEntries,
		GlobalQPS:        cfg.RateLimit.GlobalQPS,
		GlobalBurst:      cfg.RateLimit.GlobalBurst,
		PrefixQPS:        cfg.RateLimit.PrefixQPS,
		PrefixBurst:      cfg.RateLimit.PrefixBurst,
		IPQPS:            cfg.RateLimit.IPQPS,
		IPBurst:          cfg.RateLimit.IPBurst,
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	r.logStartup(cfg, addr, maxConc, upPool)

	// Start servers
	udp := &UDPServer{Logger: r.logger, Handler: h, Limiter: limiter, WorkersPerSocket: maxConc}
	var tcp *TCPServer
	if cfg.Server.EnableTCP {
		tcp = &TCPServer{Logger: r.logger, Handler: h}
	}

	sched := r.buildScheduler(cfg, st)
	r.registerRateLimitSweep(sched, cfg, windowLimiter)
	go sched.Run(ctx)

	errCh := make(chan error, 3)
	go func() { errCh <- udp.Run(ctx, addr) }()
	if tcp != nil {
		go func() { errCh <- tcp.Run(ctx, addr) }()
	}
	if admin != nil {
		if r.logger != nil {
			r.logger.Info("admin plane listening", "addr", admin.Addr())
		}
		go func() {
			if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	// Wait for shutdown or error
	select {
	case <-ctx.Done():
		// shutdown requested via signal
	case err := <-errCh:
		if err != nil {
			cancelRun()
			return err
		}
	}

	// Graceful shutdown
	stopTimeout := 5 * time.Second
	_ = udp.Stop(stopTimeout)
	if tcp != nil {
		_ = tcp.Stop(stopTimeout)
	}
	if admin != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), stopTimeout)
		_ = admin.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	return nil
}

// configureRuntime sets GOMAXPROCS based on worker configuration.
// Workers can reduce but never increase parallelism beyond the default.
func (r *Runner) configureRuntime(cfg *config.Config) int {
	baseProcs := runtime.GOMAXPROCS(0)
	if baseProcs <= 0 {
		baseProcs = 1
	}
	desiredProcs := baseProcs

	if cfg.Server.Workers.Mode == config.WorkersFixed {
		w := cfg.Server.Workers.Value
		if w <= 0 {
			w = 1
		}
		if w < desiredProcs {
			desiredProcs = w
		}
	}

	prev := runtime.GOMAXPROCS(desiredProcs)
	actual := runtime.GOMAXPROCS(0)
	if r.logger != nil {
		r.logger.Info("runtime", "gomaxprocs", actual, "prev", prev, "base", baseProcs)
	}
	return actual
}

// calculateMaxConcurrency determines the maximum concurrent request handlers.
func (r *Runner) calculateMaxConcurrency(cfg *config.Config, procs int) int {
	maxConc := cfg.Server.MaxConcurrency
	if maxConc <= 0 {
		c := procs
		if c <= 0 {
			c = 1
		}
		maxConc = c * 256
		if maxConc > 2048 {
			maxConc = 2048
		}
		if maxConc < 1 {
			maxConc = 1
		}
	}
	return maxConc
}

// calculateUpstreamPoolSize determines the UDP connection pool size for upstream queries.
func (r *Runner) calculateUpstreamPoolSize(cfg *config.Config, maxConc int) int {
	upPool := cfg.Server.UpstreamSocketPoolSize
	if upPool <= 0 {
		upPool = maxConc
		if upPool < 64 {
			upPool = 64
		}
		if upPool > 1024 {
			upPool = 1024
		}
	}
	return upPool
}

// importZones discovers configured zone files and loads each into the store.
// Import is idempotent: re-importing a zone replaces its previous rows.
func (r *Runner) importZones(cfg *config.Config, st *store.Store) {
	zoneFiles := discoverZoneFiles(cfg.Zones.Directory, cfg.Zones.Files)
	imported := 0

	for _, p := range zoneFiles {
		z, err := zone.LoadFile(p)
		if err != nil {
			if r.logger != nil {
				r.logger.Warn("failed to load zone file", "path", p, "err", err)
			}
			continue
		}
		if err := store.ImportZone(context.Background(), st, z); err != nil {
			if r.logger != nil {
				r.logger.Warn("failed to import zone file", "path", p, "origin", z.Origin, "err", err)
			}
			continue
		}
		imported++
	}

	if imported > 0 && r.logger != nil {
		r.logger.Info("zones imported", "count", imported, "files", zoneFiles, "db", cfg.Store.Path)
	}
}

// buildScheduler registers periodic housekeeping tasks: currently just the
// IXFR tombstone GC, which deletes rr rows flagged deleted once they are
// older than the configured retention window and can no longer serve any
// client's incremental delta.
func (r *Runner) buildScheduler(cfg *config.Config, st *store.Store) *scheduler.Scheduler {
	sched := scheduler.New(r.logger)
	interval := time.Duration(cfg.IXFR.GCIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	retention := time.Duration(cfg.IXFR.RetentionSeconds) * time.Second
	sched.Register(scheduler.PeriodicJob{
		Name:     "ixfr-gc",
		Interval: interval,
		Run: func(ctx context.Context) {
			cutoff := time.Now().Add(-retention).Unix()
			n, err := st.GCTombstones(ctx, cutoff)
			if err != nil {
				if r.logger != nil {
					r.logger.Error("ixfr gc failed", "err", err)
				}
				return
			}
			if n > 0 && r.logger != nil {
				r.logger.Debug("ixfr gc", "rows_deleted", n)
			}
		},
	})
	return sched
}

// registerRateLimitSweep registers the periodic sweep of the sliding-window
// rate-limit table, removing entries older than two windows.
func (r *Runner) registerRateLimitSweep(sched *scheduler.Scheduler, cfg *config.Config, limiter *SlidingWindowLimiter) {
	interval := time.Duration(cfg.RateLimit.SweepSeconds * float64(time.Second))
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	sched.Register(scheduler.PeriodicJob{
		Name:     "rate-limit-sweep",
		Interval: interval,
		Run: func(ctx context.Context) {
			n := limiter.Sweep()
			if n > 0 && r.logger != nil {
				r.logger.Debug("rate limit sweep", "entries_removed", n)
			}
		},
	})
}

// buildResolverChain creates the resolver chain: filtering -> zone store -> forwarding.
func (r *Runner) buildResolverChain(cfg *config.Config, st *store.Store, upPool int) resolvers.Resolver {
	resList := make([]resolvers.Resolver, 0, 2)

	resList = append(resList, resolvers.NewZoneResolver(st, cfg.DNSSEC.Enabled))

	udpTimeout, err := time.ParseDuration(cfg.Upstream.UDPTimeout)
	if err != nil || udpTimeout <= 0 {
		udpTimeout = 3 * time.Second
	}
	tcpTimeout, err := time.ParseDuration(cfg.Upstream.TCPTimeout)
	if err != nil || tcpTimeout <= 0 {
		tcpTimeout = 5 * time.Second
	}

	fwd := resolvers.NewForwardingResolver(
		cfg.Upstream.Servers,
		upPool,
		0,
		cfg.Server.TCPFallback,
		udpTimeout,
		tcpTimeout,
		cfg.Upstream.MaxRetries,
		cfg.Upstream.TimeoutAlgorithm,
	)
	resList = append(resList, fwd)

	var chain resolvers.Resolver = &resolvers.Chained{Resolvers: resList}

	// Wrap with filtering if enabled
	if cfg.Filtering.Enabled {
		policy := r.buildFilteringPolicy(cfg)
		chain = resolvers.NewFilteringResolver(policy, chain)
		if r.logger != nil {
			r.logger.Info("filtering enabled",
				"whitelist_count", len(cfg.Filtering.WhitelistDomains),
				"blacklist_count", len(cfg.Filtering.BlacklistDomains),
				"blocklists", len(cfg.Filtering.Blocklists),
			)
		}
	}

	return chain
}

// buildFilteringPolicy creates a PolicyEngine from the configuration.
func (r *Runner) buildFilteringPolicy(cfg *config.Config) *filtering.PolicyEngine {
	// Convert blocklist configs to BlocklistURLs
	blocklists := make([]filtering.BlocklistURL, 0, len(cfg.Filtering.Blocklists))
	for _, bl := range cfg.Filtering.Blocklists {
		format := filtering.FormatAuto
		switch bl.Format {
		case "adblock":
			format = filtering.FormatAdblock
		case "hosts":
			format = filtering.FormatHosts
		case "domains":
			format = filtering.FormatDomains
		}
		blocklists = append(blocklists, filtering.BlocklistURL{
			Name:   bl.Name,
			URL:    bl.URL,
			Format: format,
		})
	}

	// Parse refresh interval
	refreshInterval := 24 * time.Hour
	if cfg.Filtering.RefreshInterval != "" {
		if d, err := time.ParseDuration(cfg.Filtering.RefreshInterval); err == nil {
			refreshInterval = d
		}
	}

	return filtering.NewPolicyEngine(filtering.PolicyEngineConfig{
		Enabled:          cfg.Filtering.Enabled,
		BlockAction:      filtering.ActionBlock,
		LogBlocked:       cfg.Filtering.LogBlocked,
		LogAllowed:       cfg.Filtering.LogAllowed,
		WhitelistDomains: cfg.Filtering.WhitelistDomains,
		BlacklistDomains: cfg.Filtering.BlacklistDomains,
		BlocklistURLs:    blocklists,
		RefreshInterval:  refreshInterval,
	})
}

// logStartup logs server configuration at startup.
func (r *Runner) logStartup(cfg *config.Config, addr string, maxConc, upPool int) {
	if r.logger != nil {
		r.logger.Info(
			"dns listening",
			"addr", addr,
			"udp", true,
			"tcp", cfg.Server.EnableTCP,
			"upstreams", cfg.Upstream.Servers,
			"max_concurrency", maxConc,
			"upstream_pool", upPool,
		)
	}
}

// discoverZoneFiles returns zone files to load, either from explicit config
// or by scanning the zones directory.
func discoverZoneFiles(zonesDir string, explicit []string) []string {
	// Use explicit list if provided
	if len(explicit) > 0 {
		out := make([]string, 0, len(explicit))
		for _, p := range explicit {
			p = filepath.Clean(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out
	}

	// Otherwise scan directory
	if zonesDir == "" {
		zonesDir = "zones"
	}
	entries, err := os.ReadDir(zonesDir)
	if err != nil {
		return nil
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == "" {
			continue
		}
		files = append(files, filepath.Join(zonesDir, name))
	}
	sort.Strings(files)
	return files
}
