package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/vxradio/chordtun/internal/metrics"
	"github.com/vxradio/chordtun/internal/pipeline"
)

func main() {
	cfg, showVersion, err := parseFlags(os.Args[1:])
	if showVersion {
		fmt.Printf("chordtun %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	l := setupLogger(cfg.logFormat, cfg.verbosity, cfg.logToStdout)

	p := pipeline.New(pipeline.Config{
		SerialPath: cfg.serialDev,
		Baud:       uint32(cfg.baud),
		TunName:    cfg.ifName,
		SignalFd:   -1,
		ICMPOnly:   cfg.icmpOnly,
	})

	if err := p.Init(); err != nil {
		l.Error("init_error", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	metrics.SetReadinessFunc(func() bool { return p.State() == pipeline.StateRunning })
	var metricsSrv interface{ Shutdown(context.Context) error }
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		metricsSrv = metrics.StartHTTP(cfg.metricsAddr)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		l.Info("shutdown_signal", "signal", s.String())
		p.Stop(0)
	}()

	l.Info("pipeline_start", "version", version, "commit", commit, "built", date,
		"serial", cfg.serialDev, "baud", cfg.baud, "icmp_only", cfg.icmpOnly)
	rv := p.Run()

	cancel()
	if err := p.Cleanup(); err != nil {
		l.Error("cleanup_error", "error", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(context.Background())
	}
	wg.Wait()

	l.Info("pipeline_stopped", "rv", rv)
	os.Exit(rv)
}
