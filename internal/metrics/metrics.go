package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vxradio/chordtun/internal/logging"
)

// Prometheus counters
var (
	TunRxPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tun_rx_packets_total",
		Help: "Total IP datagrams read from the TUN interface.",
	})
	TunTxPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tun_tx_packets_total",
		Help: "Total IP datagrams written to the TUN interface.",
	})
	SerialRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_frames_total",
		Help: "Total HDLC frames recovered from the serial link.",
	})
	SerialTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_frames_total",
		Help: "Total HDLC frames written to the serial link.",
	})
	SerialRxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_bytes_total",
		Help: "Total raw bytes read from the serial link.",
	})
	SerialTxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_bytes_total",
		Help: "Total raw bytes written to the serial link.",
	})
	CompressedBytesSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rohc_compressed_bytes_saved_total",
		Help: "Cumulative difference between original datagram size and compressed wire size.",
	})
	RohcIRPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rohc_ir_packets_total",
		Help: "Total context-establishing IR packets emitted.",
	})
	RohcCOPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rohc_co_packets_total",
		Help: "Total compressed CO packets emitted.",
	})
	RohcNoContext = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rohc_no_context_total",
		Help: "Total CO packets dropped for referencing an unestablished context.",
	})
	FramingMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framing_malformed_total",
		Help: "Total deframed frames dropped because they failed to decompress.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTunRead     = "tun_read"
	ErrTunWrite    = "tun_write"
	ErrSerialRead  = "serial_read"
	ErrSerialWrite = "serial_write"
	ErrRohcShrink  = "rohc_shrink"
	ErrRohcExpand  = "rohc_expand"
)

// StartHTTP serves Prometheus metrics and a readiness probe on addr.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for cheap periodic logging without scraping
// Prometheus in-process.
var (
	localTunRx      uint64
	localTunTx      uint64
	localSerialRx   uint64
	localSerialTx   uint64
	localBytesSaved uint64
	localIR         uint64
	localCO         uint64
	localNoContext  uint64
	localMalformed  uint64
	localErrors     uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	TunRx       uint64
	TunTx       uint64
	SerialRx    uint64
	SerialTx    uint64
	BytesSaved  uint64
	RohcIR      uint64
	RohcCO      uint64
	NoContext   uint64
	Malformed   uint64
	Errors      uint64
}

func Snap() Snapshot {
	return Snapshot{
		TunRx:      atomic.LoadUint64(&localTunRx),
		TunTx:      atomic.LoadUint64(&localTunTx),
		SerialRx:   atomic.LoadUint64(&localSerialRx),
		SerialTx:   atomic.LoadUint64(&localSerialTx),
		BytesSaved: atomic.LoadUint64(&localBytesSaved),
		RohcIR:     atomic.LoadUint64(&localIR),
		RohcCO:     atomic.LoadUint64(&localCO),
		NoContext:  atomic.LoadUint64(&localNoContext),
		Malformed:  atomic.LoadUint64(&localMalformed),
		Errors:     atomic.LoadUint64(&localErrors),
	}
}

func IncTunRx() {
	TunRxPackets.Inc()
	atomic.AddUint64(&localTunRx, 1)
}

func IncTunTx() {
	TunTxPackets.Inc()
	atomic.AddUint64(&localTunTx, 1)
}

func IncSerialRx() {
	SerialRxFrames.Inc()
	atomic.AddUint64(&localSerialRx, 1)
}

func IncSerialTx() {
	SerialTxFrames.Inc()
	atomic.AddUint64(&localSerialTx, 1)
}

func AddSerialRxBytes(n int) {
	SerialRxBytes.Add(float64(n))
}

func AddSerialTxBytes(n int) {
	SerialTxBytes.Add(float64(n))
}

// AddBytesSaved records the difference between an original datagram's size
// and its compressed wire size. A non-positive delta (the unmarked ICMP-only
// bypass saves nothing, the NO_CONTEXT fallback is one byte larger) is
// clamped to zero rather than allowed to underflow the counter.
func AddBytesSaved(delta int) {
	if delta <= 0 {
		return
	}
	CompressedBytesSaved.Add(float64(delta))
	atomic.AddUint64(&localBytesSaved, uint64(delta))
}

func IncRohcIR() {
	RohcIRPackets.Inc()
	atomic.AddUint64(&localIR, 1)
}

func IncRohcCO() {
	RohcCOPackets.Inc()
	atomic.AddUint64(&localCO, 1)
}

func IncRohcNoContext() {
	RohcNoContext.Inc()
	atomic.AddUint64(&localNoContext, 1)
}

func IncFramingMalformed() {
	FramingMalformed.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrTunRead, ErrTunWrite, ErrSerialRead, ErrSerialWrite, ErrRohcShrink, ErrRohcExpand,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
