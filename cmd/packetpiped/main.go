//go:build linux

// Command packetpiped impairs live traffic on a host: bandwidth
// throttling, queue buffering, constant latency, and random loss,
// applied per direction and reconfigurable at runtime over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/packetpipe/internal/adapter"
	"github.com/malbeclabs/packetpipe/internal/api"
	"github.com/malbeclabs/packetpipe/internal/metrics"
	"github.com/malbeclabs/packetpipe/internal/nfq"
	"github.com/malbeclabs/packetpipe/internal/pipe"
	"github.com/malbeclabs/packetpipe/internal/proxy"
	"github.com/malbeclabs/packetpipe/internal/sched"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultControlAddr = "localhost:8000"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	loop, err := sched.NewLoop(&sched.LoopConfig{Logger: log})
	if err != nil {
		return fmt.Errorf("failed to create scheduler loop: %w", err)
	}

	pipes, err := pipe.NewPipePair(&pipe.PipePairConfig{
		Scheduler: loop,
		Params: pipe.Params{
			Bandwidth: cfg.Bandwidth,
			Buffer:    cfg.Buffer,
			Delay:     cfg.Delay,
			Loss:      cfg.Loss,
		},
		Seed: cfg.Seed,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipes: %w", err)
	}

	source, err := newSource(cfg, log, loop, pipes)
	if err != nil {
		return err
	}
	defer func() {
		if err := source.Close(); err != nil {
			log.Error("failed to close packet source", "error", err)
		}
	}()

	control, err := api.New(&api.Config{Logger: log, Loop: loop, Pipes: pipes})
	if err != nil {
		return fmt.Errorf("failed to create control server: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.ControlAddr)
	if err != nil {
		return fmt.Errorf("failed to bind control address %q: %w", cfg.ControlAddr, err)
	}
	httpServer := &http.Server{Handler: control.Handler()}

	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			metricsListener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("failed to bind prometheus metrics address", "error", err)
				os.Exit(1)
			}
			log.Info("prometheus metrics server listening", "address", metricsListener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(metricsListener, mux); err != nil {
				log.Error("prometheus metrics server failed", "error", err)
			}
		}()
	}

	errCh := make(chan error, 3)
	go func() { errCh <- loop.Run(ctx) }()
	go func() { errCh <- source.Run(ctx) }()
	go func() {
		err := httpServer.Serve(listener)
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("control server failed: %w", err)
			return
		}
		errCh <- nil
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info("packetpipe is running",
		"control", "http://"+listener.Addr().String(),
		"transport", cfg.Transport, "level", cfg.Level, "ports", cfg.Ports)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

// newSource picks the packet source for the configured privilege level.
func newSource(cfg Config, log *slog.Logger, loop *sched.Loop, pipes *pipe.PipePair) (adapter.Source, error) {
	if cfg.Level == "kernel" {
		ports := make([]uint16, len(cfg.Ports))
		for i, p := range cfg.Ports {
			ports[i] = uint16(p)
		}
		queue, err := nfq.New(&nfq.Config{
			Logger:    log,
			Loop:      loop,
			Pipes:     pipes,
			Protocol:  cfg.Transport,
			Ports:     ports,
			Interface: cfg.Interface,
			Direction: nfq.Direction(cfg.Direction),
			IPv4:      cfg.IPVersion == "4" || cfg.IPVersion == "dual",
			IPv6:      cfg.IPVersion == "6" || cfg.IPVersion == "dual",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to attach kernel queue: %w", err)
		}
		return queue, nil
	}

	server, err := proxy.NewServer(&proxy.Config{
		Logger:     log,
		Loop:       loop,
		Pipes:      pipes,
		ListenPort: cfg.ProxyPort,
		ServerPort: cfg.Ports[0],
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start udp proxy: %w", err)
	}
	log.Info("udp proxy listening", "address", server.Addr().String())
	return server, nil
}

// Config is the parsed command line.
type Config struct {
	ShowVersion bool
	Verbose     bool

	Transport string
	Level     string
	Interface string
	Ports     []int
	Direction string
	IPVersion string

	Bandwidth int64
	Buffer    int64
	Delay     float64
	Loss      float64
	Seed      int64

	ProxyPort   int
	ControlAddr string
	MetricsAddr string
}

func loadConfig() (Config, error) {
	var cfg Config

	flag.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")

	flag.StringVarP(&cfg.Transport, "transport", "t", "tcp", "transport protocol (tcp|udp)")
	flag.StringVarP(&cfg.Level, "level", "l", "kernel", "privilege level at which interference occurs (kernel|user)")
	flag.StringVarP(&cfg.Interface, "interface", "i", "lo", `impaired interface; "auto" picks the default outward-facing interface`)
	flag.IntSliceVarP(&cfg.Ports, "port", "p", nil, "target port, repeatable")
	flag.StringVar(&cfg.Direction, "direction", "both", "impaired traffic direction (inbound|outbound|both)")
	flag.StringVar(&cfg.IPVersion, "ip-version", "4", "IP version(s) to impair (4|6|dual)")

	flag.Int64Var(&cfg.Bandwidth, "bandwidth", -1, "bandwidth limit in bytes per second; <= 0 means unlimited")
	flag.Int64Var(&cfg.Buffer, "buffer", -1, "queue buffer in bytes; <= 0 means unbounded")
	flag.Float64Var(&cfg.Delay, "delay", 0, "constant one-way delay in seconds")
	flag.Float64Var(&cfg.Loss, "loss", 0, "packet loss probability in [0, 1]")
	flag.Int64Var(&cfg.Seed, "seed", 0, "loss PRNG seed; 0 seeds from the clock")

	flag.IntVarP(&cfg.ProxyPort, "proxy-port", "x", 0, "proxy port for inbound traffic (user level only)")
	flag.StringVarP(&cfg.ControlAddr, "control-addr", "a", defaultControlAddr, "address for the HTTP control surface")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "address for prometheus metrics; empty disables")

	flag.Parse()

	if cfg.ShowVersion {
		return cfg, nil
	}

	if cfg.Transport != "tcp" && cfg.Transport != "udp" {
		return cfg, fmt.Errorf("invalid transport %q", cfg.Transport)
	}
	if cfg.Level != "kernel" && cfg.Level != "user" {
		return cfg, fmt.Errorf("invalid level %q", cfg.Level)
	}
	if cfg.Direction != "inbound" && cfg.Direction != "outbound" && cfg.Direction != "both" {
		return cfg, fmt.Errorf("invalid direction %q", cfg.Direction)
	}
	if cfg.IPVersion != "4" && cfg.IPVersion != "6" && cfg.IPVersion != "dual" {
		return cfg, fmt.Errorf("invalid ip-version %q", cfg.IPVersion)
	}
	if len(cfg.Ports) == 0 {
		return cfg, errors.New("at least one --port is required")
	}
	for _, p := range cfg.Ports {
		if p <= 0 || p > 65535 {
			return cfg, fmt.Errorf("invalid port %d", p)
		}
	}
	if cfg.Loss < 0 || cfg.Loss > 1 {
		return cfg, fmt.Errorf("loss must be in [0, 1], got %v", cfg.Loss)
	}
	if cfg.Delay < 0 {
		return cfg, fmt.Errorf("delay must be >= 0, got %v", cfg.Delay)
	}
	if cfg.Level == "user" {
		if cfg.Transport != "udp" {
			return cfg, errors.New("only udp can be proxied at the user level")
		}
		if cfg.ProxyPort == 0 {
			return cfg, errors.New("--proxy-port is required at the user level")
		}
	}

	return cfg, nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: logLevel}))
}
