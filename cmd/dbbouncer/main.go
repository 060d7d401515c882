package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dbbouncer/mysqlrouter/internal/api"
	"github.com/dbbouncer/mysqlrouter/internal/auth"
	"github.com/dbbouncer/mysqlrouter/internal/config"
	"github.com/dbbouncer/mysqlrouter/internal/health"
	"github.com/dbbouncer/mysqlrouter/internal/metrics"
	"github.com/dbbouncer/mysqlrouter/internal/pool"
	"github.com/dbbouncer/mysqlrouter/internal/proxy"
	"github.com/dbbouncer/mysqlrouter/internal/router"
)

func main() {
	configPath := flag.String("config", "configs/dbbouncer.yaml", "path to configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("dbbouncer starting...")

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	log.Printf("configuration loaded from %s (%d routes)", *configPath, len(cfg.Routes))

	// Initialize components
	m := metrics.New()
	r := router.New(cfg)
	pm := pool.NewManager()
	ac := auth.NewCache()
	hc := health.NewChecker(r, m, cfg.HealthCheck)
	r.SetHealthProbe(hc)

	hc.Start()
	stopStats := startPoolStatsLoop(pm, m, 5*time.Second)

	// Start proxy listeners, one per route
	proxyServer := proxy.NewServer(r, pm, ac, hc, m)
	if err := proxyServer.ListenRoutes(cfg); err != nil {
		log.Fatalf("failed to start proxy listeners: %v", err)
	}

	// Start REST API
	apiServer := api.NewServer(r, pm, hc, m, cfg.Rest)
	go func() {
		if err := apiServer.Start(cfg.Rest.Port); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start api server: %v", err)
		}
	}()

	// Set up config hot-reload
	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Printf("reloading configuration...")
		r.Reload(newCfg)
		if err := proxyServer.ListenRoutes(newCfg); err != nil {
			log.Printf("warning: failed to open listeners for reloaded routes: %v", err)
		}
	})
	if err != nil {
		log.Printf("warning: config hot-reload not available: %v", err)
	}

	log.Printf("dbbouncer ready - %d routes, api on %s:%d", len(cfg.Routes), cfg.Rest.Bind, cfg.Rest.Port)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %s, shutting down...", sig)

	// Graceful shutdown
	close(stopStats)
	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	proxyServer.Stop()
	hc.Stop()
	pm.Close()

	log.Printf("dbbouncer stopped")
}

// startPoolStatsLoop periodically pushes every route's pool.Stats into
// the metrics collector's gauges, mirroring the teacher's StartStatsLoop
// reporting cadence. The caller stops the loop by closing the returned
// channel.
func startPoolStatsLoop(pm *pool.Manager, m *metrics.Collector, interval time.Duration) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for route, s := range pm.AllStats() {
					m.UpdatePoolStats(route, s.Active, s.Idle, s.Stashed, s.Total, s.Waiting)
				}
			case <-stop:
				return
			}
		}
	}()
	return stop
}
