// SATBUS - Spacecraft On-Board Computer Simulator
//
// Drives a deterministic 1Hz tick loop across simulated power, thermal and
// communications subsystems, with fault injection, safety supervision and
// telemetry downlink.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saint0x/satbus-go/internal/obc/agent"
	"github.com/saint0x/satbus-go/internal/obc/protocol"
	"github.com/saint0x/satbus-go/internal/livefeed"
	"github.com/saint0x/satbus-go/internal/transport"
	"github.com/saint0x/satbus-go/pkg/utils"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
	gitCommit = "unknown"

	httpPort   = flag.Int("http-port", 8093, "HTTP API and WebSocket port")
	tcpAddr    = flag.String("tcp-addr", ":9093", "Line-delimited command transport address")
	logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logOutput  = flag.String("log-output", "stdout", "Log output (stdout or a file path)")

	faultInjection = flag.Bool("fault-injection", true, "Enable probabilistic fault injection")
	telemetryRate  = flag.Int("telemetry-rate-hz", 1, "Telemetry collection rate in Hz (1-10)")

	jwtSecret = flag.String("jwt-secret", "", "HMAC secret validating livefeed clearance tokens")
)

// Satbus is the top-level application: it owns the agent, the command
// transport, the telemetry livefeed and the HTTP server.
type Satbus struct {
	agent     *agent.Agent
	server    *transport.Server
	liveFeed  *livefeed.Streamer
	httpServer *http.Server

	running bool
	mu      sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	flag.Parse()
	printBanner()

	logger := utils.NewLogger(*logLevel, *logOutput)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sb := &Satbus{ctx: ctx, cancel: cancel}
	if err := sb.Initialize(logger); err != nil {
		log.Fatalf("failed to initialize satbus: %v", err)
	}
	if err := sb.Start(logger); err != nil {
		log.Fatalf("failed to start satbus: %v", err)
	}

	logger.Info("satbus is operational, press Ctrl+C to shut down")
	<-sigChan
	logger.Info("shutdown signal received, stopping gracefully")

	if err := sb.Shutdown(); err != nil {
		logger.WithError(err).Error("shutdown error")
	}
	logger.Info("satbus shutdown complete")
}

// Initialize wires together the agent, transport and livefeed.
func (sb *Satbus) Initialize(logger *logrus.Logger) error {
	rate := *telemetryRate
	if rate < 1 {
		rate = 1
	} else if rate > 10 {
		rate = 10
	}
	sb.agent = agent.NewWithConfig(agent.Config{
		FaultInjectionEnabled: *faultInjection,
		TelemetryRateHz:       uint8(rate),
	}, logger)

	handler := protocol.NewHandler()
	sb.server = transport.NewServer(*tcpAddr, sb.agent, handler, logger)
	sb.liveFeed = livefeed.NewStreamer([]byte(*jwtSecret), logger)

	return nil
}

// Start begins the agent's tick loop, the command transport, the livefeed
// broadcaster and the HTTP server.
func (sb *Satbus) Start(logger *logrus.Logger) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	go sb.runTickLoop(logger)

	go func() {
		if err := sb.server.Run(sb.ctx); err != nil && err != context.Canceled {
			logger.WithError(err).Error("transport server stopped")
		}
	}()

	go func() {
		if err := sb.liveFeed.Run(sb.ctx); err != nil && err != context.Canceled {
			logger.WithError(err).Error("livefeed stopped")
		}
	}()

	if err := sb.startHTTPServer(logger); err != nil {
		return fmt.Errorf("failed to start http server: %w", err)
	}

	sb.running = true
	return nil
}

// runTickLoop drives the agent at its fixed 1Hz cadence.
func (sb *Satbus) runTickLoop(logger *logrus.Logger) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sb.ctx.Done():
			return
		case <-ticker.C:
			now := uint64(time.Now().UnixMilli())
			responses := sb.agent.Tick(now)
			sb.server.BroadcastResponses(responses)

			for _, packet := range sb.agent.DrainTelemetryBatches(now) {
				sb.liveFeed.BroadcastTelemetry(packet)
			}
		}
	}
}

// Shutdown stops every running subsystem.
func (sb *Satbus) Shutdown() error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	sb.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if sb.httpServer != nil {
		if err := sb.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	sb.server.Shutdown()
	sb.running = false
	return nil
}

func (sb *Satbus) startHTTPServer(logger *logrus.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", sb.healthHandler)
	mux.HandleFunc("/api/v1/status", sb.statusHandler)
	mux.HandleFunc("/api/v1/version", sb.versionHandler)
	mux.HandleFunc("/ws/telemetry", sb.liveFeed.HandleWebSocket)

	sb.httpServer = &http.Server{Addr: fmt.Sprintf(":%d", *httpPort), Handler: mux}

	go func() {
		logger.WithField("port", *httpPort).Info("http api listening")
		if err := sb.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("http server error")
		}
	}()
	return nil
}

func (sb *Satbus) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"service": "satbus",
		"version": version,
	})
}

func (sb *Satbus) statusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	state := sb.agent.GetState()
	json.NewEncoder(w).Encode(map[string]interface{}{
		"running":         state.Running,
		"uptime_seconds":  state.UptimeSeconds,
		"command_count":   state.CommandCount,
		"telemetry_count": state.TelemetryCount,
		"last_error":      state.LastError,
	})
}

func (sb *Satbus) versionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"version":    version,
		"build_time": buildTime,
		"git_commit": gitCommit,
	})
}

func printBanner() {
	fmt.Println(`
 ___  ____ _____ ____  _   _ ____
/ __)/ ___|_   _| __ )| | | / ___|
\__ \\___ \ | | |  _ \| | | \___ \
(___/|___/ |_| |_____/ \___/|____/
Spacecraft On-Board Computer Simulator v` + version + `
`)
}
