//go:build linux

// Package pipeline implements the single-threaded event loop that bridges
// the TUN interface and the serial link: a level-triggered poll over both
// file descriptors (plus an internal wakeup and an optional external
// signal fd), with framing and ROHC compression applied inline on every
// datagram that crosses.
package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/vxradio/chordtun/internal/framing"
	"github.com/vxradio/chordtun/internal/logging"
	"github.com/vxradio/chordtun/internal/metrics"
	"github.com/vxradio/chordtun/internal/rohc"
	"github.com/vxradio/chordtun/internal/serialport"
	"github.com/vxradio/chordtun/internal/tun"
)

// State tracks where in the init/run/stop/cleanup contract the pipeline
// currently is, replacing the module-level globals the loop this package
// replaces used to keep.
type State int

const (
	StateUninit State = iota
	StateInit
	StateRunning
	StateStopping
	StateDone
)

func (s State) String() string {
	switch s {
	case StateUninit:
		return "uninit"
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Config holds everything the pipeline needs to open its endpoints.
// SignalFd is optional; pass a negative value if the outer collaborator
// does not wire one in.
type Config struct {
	SerialPath string
	Baud       uint32
	TunName    string
	SignalFd   int
	ICMPOnly   bool
}

// endpoint is the minimal surface Pipeline needs from a TUN interface or a
// serial port: a pollable fd plus non-blocking reads and writes. Both
// *tun.Interface and *serialport.Port satisfy it; tests substitute a
// socketpair-backed stand-in to exercise the loop without root privileges
// or real hardware.
type endpoint interface {
	Fd() int
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	Close() error
}

// Pipeline owns the TUN interface, the serial port, the framing codec and
// ROHC context, and the self-pipe used for the async Stop wakeup. There is
// exactly one Pipeline per daemon run; it replaces the ev_io watchers and
// module-level state the loop this package replaces used to keep.
type Pipeline struct {
	cfg Config

	mu    sync.Mutex
	state State

	tunIf endpoint
	ser   endpoint
	ctx   *rohc.Context
	enc   *framing.Encoder
	def   *framing.Deframer

	wakeR, wakeW int

	stopOnce sync.Once
	rv       int

	tunReadBuf []byte
	serReadBuf []byte
}

// New returns a Pipeline in the UNINIT state.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		state:      StateUninit,
		wakeR:      -1,
		wakeW:      -1,
		tunReadBuf: make([]byte, framing.MaxPacketSize),
		serReadBuf: make([]byte, framing.MaxPacketSize),
	}
}

// State returns the pipeline's current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Init opens the TUN interface and the serial port, builds the framing and
// ROHC machinery, and prepares the self-pipe wakeup. It is idempotent with
// respect to a prior Cleanup: calling Init again after Cleanup starts
// fresh. On any failure the partial state is safe to pass to Cleanup.
func (p *Pipeline) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateUninit && p.state != StateDone {
		return fmt.Errorf("pipeline: Init called from state %s", p.state)
	}

	ignoreSIGPIPE()

	t, err := tun.Open(p.cfg.TunName)
	if err != nil {
		return fmt.Errorf("pipeline: opening tun: %w", err)
	}
	p.tunIf = t

	s, err := serialport.Open(p.cfg.SerialPath, p.cfg.Baud)
	if err != nil {
		_ = t.Close()
		p.tunIf = nil
		return fmt.Errorf("pipeline: opening serial port: %w", err)
	}
	p.ser = s

	fds, err := unixPipe2NonblockCloexec()
	if err != nil {
		_ = t.Close()
		_ = s.Close()
		p.tunIf, p.ser = nil, nil
		return fmt.Errorf("pipeline: creating wakeup pipe: %w", err)
	}
	p.wakeR, p.wakeW = fds[0], fds[1]

	p.ctx = rohc.NewContext()
	p.ctx.ICMPOnly = p.cfg.ICMPOnly
	p.enc = framing.NewEncoder()
	p.def = framing.NewDeframer()

	p.state = StateInit
	logging.L().Info("pipeline_init", "tun", t.Name, "serial", p.cfg.SerialPath, "baud", p.cfg.Baud)
	return nil
}

// Run blocks, servicing the TUN fd, the serial fd, the self-pipe wakeup,
// and (if configured) the external signal fd, until Stop is called or the
// signal fd fires. It returns the recorded return value. Run must be
// preceded by a successful Init.
func (p *Pipeline) Run() int {
	p.mu.Lock()
	if p.state != StateInit {
		p.mu.Unlock()
		logging.L().Error("pipeline_run_bad_state", "state", p.state.String())
		return 1
	}
	p.state = StateRunning
	p.mu.Unlock()

	pollFds := make([]unix.PollFd, 0, 4)
	tunIdx, serIdx, wakeIdx, sigIdx := -1, -1, -1, -1

	pollFds = append(pollFds, unix.PollFd{Fd: int32(p.tunIf.Fd()), Events: unix.POLLIN})
	tunIdx = len(pollFds) - 1
	pollFds = append(pollFds, unix.PollFd{Fd: int32(p.ser.Fd()), Events: unix.POLLIN})
	serIdx = len(pollFds) - 1
	pollFds = append(pollFds, unix.PollFd{Fd: int32(p.wakeR), Events: unix.POLLIN})
	wakeIdx = len(pollFds) - 1
	if p.cfg.SignalFd >= 0 {
		pollFds = append(pollFds, unix.PollFd{Fd: int32(p.cfg.SignalFd), Events: unix.POLLIN})
		sigIdx = len(pollFds) - 1
	}

	for {
		if p.State() == StateStopping {
			break
		}

		n, err := unix.Poll(pollFds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			logging.L().Error("pipeline_poll_error", "error", err)
			p.Stop(1)
			break
		}
		if n == 0 {
			continue
		}

		if pollFds[tunIdx].Revents&unix.POLLIN != 0 {
			if !p.handleTunReadable() {
				break
			}
		}
		if pollFds[serIdx].Revents&unix.POLLIN != 0 {
			if !p.handleSerialReadable() {
				break
			}
		}
		if pollFds[wakeIdx].Revents&unix.POLLIN != 0 {
			p.drainWake()
		}
		if sigIdx >= 0 && pollFds[sigIdx].Revents&unix.POLLIN != 0 {
			if !p.handleSignalReadable() {
				break
			}
		}
	}

	p.mu.Lock()
	p.state = StateStopping
	rv := p.rv
	p.mu.Unlock()
	return rv
}

// Stop records rv (only the first call wins) and wakes the loop via the
// self-pipe. It is safe to call from any goroutine, including one
// servicing an OS signal, which is the reason the self-pipe exists at all:
// unlike a plain field write, it is guaranteed to interrupt a blocked
// Poll call.
func (p *Pipeline) Stop(rv int) {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.rv = rv
		p.state = StateStopping
		wakeW := p.wakeW
		p.mu.Unlock()

		if wakeW >= 0 {
			for {
				_, err := unix.Write(wakeW, []byte{0})
				if err == unix.EINTR {
					continue
				}
				break
			}
		}
	})
}

// Cleanup closes every fd the pipeline opened and frees the ROHC context.
// It must only be called after Run has returned; only Init may be called
// again afterward.
func (p *Pipeline) Cleanup() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.tunIf != nil {
		if err := p.tunIf.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing tun: %w", err))
		}
		p.tunIf = nil
	}
	if p.ser != nil {
		if err := p.ser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing serial: %w", err))
		}
		p.ser = nil
	}
	if p.wakeR >= 0 {
		_ = unix.Close(p.wakeR)
		p.wakeR = -1
	}
	if p.wakeW >= 0 {
		_ = unix.Close(p.wakeW)
		p.wakeW = -1
	}
	p.ctx = nil
	p.state = StateDone

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (p *Pipeline) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}
