package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/riverport/keterd/bundle"
	"github.com/riverport/keterd/dbprovisioner"
	"github.com/riverport/keterd/health"
	"github.com/riverport/keterd/internal/host"
	"github.com/riverport/keterd/internal/tempdir"
	"github.com/riverport/keterd/proctracker"
	"github.com/riverport/keterd/router"
	"github.com/riverport/keterd/supervisor"
)

func main() {
	watchDir := flag.String("watch-dir", "./bundles", "directory polled for *.bundle files, one per app")
	stateDir := flag.String("state-dir", "./state", "directory for working copies and the credential ledger")
	listenAddr := flag.String("listen-addr", ":8080", "address the reverse proxy listens on")
	portLo := flag.Int("port-range-lo", 10000, "lowest port leased to child processes")
	portHi := flag.Int("port-range-hi", 19999, "highest port leased to child processes")
	pollInterval := flag.Duration("poll-interval", 5*time.Second, "how often the watch directory is rescanned")
	ownerUID := flag.Int("owner-uid", -1, "UID extracted files are chowned to and child processes run as; applied only together with -owner-gid, -1 keeps the daemon's own ownership")
	ownerGID := flag.Int("owner-gid", -1, "GID extracted files are chowned to (child processes do not take it); applied only together with -owner-uid, -1 keeps the daemon's own ownership")
	provisionerURL := flag.String("db-provisioner-url", "", "base URL of a remote credential-provisioning service; empty keeps the local sqlite ledger")
	provisionerSecret := flag.String("db-provisioner-secret", "", "shared secret used to sign requests to -db-provisioner-url; required when that flag is set")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("starting keterd", "watchDir", *watchDir, "stateDir", *stateDir, "listenAddr", *listenAddr)

	if err := os.MkdirAll(*stateDir, 0o755); err != nil {
		logger.Error("failed to create state dir", "error", err)
		os.Exit(1)
	}

	var owner *bundle.Owner
	if *ownerUID >= 0 && *ownerGID >= 0 {
		owner = &bundle.Owner{UID: *ownerUID, GID: *ownerGID}
	}

	rt, err := router.NewInMemory(*portLo, *portHi)
	if err != nil {
		logger.Error("failed to create router", "error", err)
		os.Exit(1)
	}

	var provisioner dbprovisioner.Provisioner
	if *provisionerURL != "" {
		if *provisionerSecret == "" {
			logger.Error("-db-provisioner-secret is required when -db-provisioner-url is set")
			os.Exit(1)
		}
		logger.Info("using remote credential provisioner", "url", *provisionerURL)
		provisioner = dbprovisioner.NewHTTP(*provisionerURL, []byte(*provisionerSecret))
	} else {
		sqliteProvisioner, err := dbprovisioner.NewSQLite(filepath.Join(*stateDir, "credentials.db"))
		if err != nil {
			logger.Error("failed to open credential ledger", "error", err)
			os.Exit(1)
		}
		provisioner = sqliteProvisioner
	}

	allocator, err := tempdir.NewLocal(filepath.Join(*stateDir, "work"))
	if err != nil {
		logger.Error("failed to create temp dir allocator", "error", err)
		os.Exit(1)
	}

	h := host.New(host.Deps{
		Owner:             owner,
		Router:            rt,
		Tracker:           proctracker.NewLocal(),
		Provisioner:       provisioner,
		Prober:            health.NewTCPProber(logger),
		TempDirs:          allocator,
		Logger:            logger,
		RetirementWindows: supervisor.DefaultRetirementWindows(),
	})

	proxy := router.NewProxy(*listenAddr, rt, logger)
	go func() {
		logger.Info("starting reverse proxy", "addr", *listenAddr)
		if err := proxy.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("reverse proxy exited", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		if err := proxy.Stop(); err != nil {
			logger.Error("error stopping reverse proxy", "error", err)
		}
		cancel()
	}()

	runWatchLoop(ctx, *watchDir, *pollInterval, h, logger)
	logger.Info("keterd exiting")
}

// runWatchLoop polls watchDir on pollInterval for "<appName>.bundle" files
// and drives the Host from what it finds: a bundle this loop has not seen
// before is started, and a bundle whose mtime has moved past its last-seen
// value triggers a reload. A bundle whose start failed is not started again;
// its next mtime change issues a Reload, which fails and is logged. It does not implement
// deletion-triggers-terminate; that policy decision is out of scope per
// spec.md §1, left to whatever drives the Host in a real deployment.
func runWatchLoop(ctx context.Context, watchDir string, interval time.Duration, h *host.Host, logger *slog.Logger) {
	if err := os.MkdirAll(watchDir, 0o755); err != nil {
		logger.Error("failed to create watch dir", "error", err)
		return
	}

	seen := make(map[string]time.Time)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	scan := func() {
		entries, err := os.ReadDir(watchDir)
		if err != nil {
			logger.Error("failed to scan watch dir", "error", err)
			return
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".bundle") {
				continue
			}
			appName := strings.TrimSuffix(entry.Name(), ".bundle")
			bundlePath := filepath.Join(watchDir, entry.Name())

			info, err := entry.Info()
			if err != nil {
				logger.Error("failed to stat bundle", "bundle", entry.Name(), "error", err)
				continue
			}

			lastSeen, known := seen[appName]
			if !known {
				seen[appName] = info.ModTime()
				// Start its own goroutine: bring-up can take up to the
				// probe's full budget, and apps are independent per §5 —
				// one slow-to-bind app must never delay another's scan.
				go func(appName, bundlePath string) {
					if err := h.Start(appName, bundlePath); err != nil {
						logger.Error("failed to start app", "app", appName, "error", err)
					}
				}(appName, bundlePath)
				continue
			}
			if info.ModTime().After(lastSeen) {
				seen[appName] = info.ModTime()
				if err := h.Reload(appName, bundlePath); err != nil {
					logger.Error("failed to reload app", "app", appName, "error", err)
				}
			}
		}
	}

	scan()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scan()
		}
	}
}
