package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vxradio/chordtun/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"tun_rx", snap.TunRx,
					"tun_tx", snap.TunTx,
					"serial_rx", snap.SerialRx,
					"serial_tx", snap.SerialTx,
					"bytes_saved", snap.BytesSaved,
					"rohc_ir", snap.RohcIR,
					"rohc_co", snap.RohcCO,
					"rohc_no_context", snap.NoContext,
					"malformed", snap.Malformed,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
