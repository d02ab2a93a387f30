//go:build linux

package pipeline

import (
	"encoding/binary"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/vxradio/chordtun/internal/logging"
	"github.com/vxradio/chordtun/internal/metrics"
	"github.com/vxradio/chordtun/internal/rohc"
)

// handleTunReadable services one POLLIN event on the TUN fd: read one
// datagram, shrink it, frame it, and write the result to the serial link.
// It returns false if the loop must stop.
func (p *Pipeline) handleTunReadable() bool {
	n, err := p.tunIf.Read(p.tunReadBuf)
	if err != nil {
		if isRetryable(err) {
			return true
		}
		logging.L().Error("tun_read_error", "error", err)
		metrics.IncError(metrics.ErrTunRead)
		p.Stop(1)
		return false
	}
	if n == 0 {
		logging.L().Error("tun_read_eof")
		p.Stop(1)
		return false
	}
	metrics.IncTunRx()

	datagram := p.tunReadBuf[:n]
	outcome := p.ctx.Shrink(datagram)
	switch outcome.Kind {
	case rohc.OutcomeFatal:
		logging.L().Warn("rohc_shrink_failed", "error", outcome.Err)
		metrics.IncError(metrics.ErrRohcShrink)
		return true
	case rohc.OutcomeDropped:
		return true
	}

	observeCompression(len(datagram), outcome)

	frame := p.enc.Encode(outcome.Payload)
	if err := p.writeSerial(frame); err != nil {
		logging.L().Error("serial_write_error", "error", err)
		metrics.IncError(metrics.ErrSerialWrite)
		p.Stop(1)
		return false
	}
	metrics.IncSerialTx()
	return true
}

// handleSerialReadable services one POLLIN event on the serial fd: read
// whatever bytes are available, feed them to the deframer in a single
// pass, expand every frame it yields, and write the reconstructed
// datagrams to TUN. It returns false if the loop must stop.
func (p *Pipeline) handleSerialReadable() bool {
	n, err := p.ser.Read(p.serReadBuf)
	if err != nil {
		if isRetryable(err) {
			return true
		}
		logging.L().Error("serial_read_error", "error", err)
		metrics.IncError(metrics.ErrSerialRead)
		p.Stop(1)
		return false
	}
	if n == 0 {
		logging.L().Error("serial_read_eof")
		p.Stop(1)
		return false
	}
	metrics.AddSerialRxBytes(n)

	chunk := p.serReadBuf[:n]
	for len(chunk) > 0 {
		consumed, frame := p.def.Feed(chunk)
		chunk = chunk[consumed:]
		if frame == nil {
			continue
		}
		metrics.IncSerialRx()

		outcome := p.ctx.Expand(frame)
		switch outcome.Kind {
		case rohc.OutcomeFatal:
			logging.L().Warn("rohc_expand_failed", "error", outcome.Err)
			metrics.IncError(metrics.ErrRohcExpand)
			metrics.IncFramingMalformed()
			continue
		case rohc.OutcomeDropped:
			metrics.IncRohcNoContext()
			continue
		}

		if _, err := p.tunIf.Write(outcome.Payload); err != nil {
			logging.L().Error("tun_write_error", "error", err)
			metrics.IncError(metrics.ErrTunWrite)
			p.Stop(1)
			return false
		}
		metrics.IncTunTx()
	}
	return true
}

// handleSignalReadable reads one 4-byte host-order integer from the
// external signal fd, logs it, and stops the loop with return value 0
// whatever signal it carries. A short read stops the loop with 1.
func (p *Pipeline) handleSignalReadable() bool {
	var buf [4]byte
	n, err := unix.Read(p.cfg.SignalFd, buf[:])
	if err != nil {
		if isRetryable(err) {
			return true
		}
		logging.L().Error("signal_fd_read_error", "error", err)
		p.Stop(1)
		return false
	}
	if n != 4 {
		logging.L().Error("signal_fd_short_read", "n", n)
		p.Stop(1)
		return false
	}
	sig := int(binary.NativeEndian.Uint32(buf[:]))
	logging.L().Info("signal_received", "value", sig)
	p.Stop(0)
	return false
}

// writeSerial writes frame to the serial port. A short write is logged and
// discarded rather than retried: the link is lossy by design and nothing
// downstream expects a partial frame to be completed out of band.
func (p *Pipeline) writeSerial(frame []byte) error {
	n, err := p.ser.Write(frame)
	if err != nil {
		if isRetryable(err) {
			return nil
		}
		return err
	}
	if n < len(frame) {
		logging.L().Warn("serial_short_write", "wrote", n, "want", len(frame))
	}
	metrics.AddSerialTxBytes(n)
	return nil
}

func isRetryable(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}

// observeCompression records the change in size Shrink produced. Passthrough
// frames either add nothing (the ICMP-only narrowing's unmarked bypass) or
// one marker byte (the NO_CONTEXT fallback); AddBytesSaved clamps either
// non-positive delta to zero.
func observeCompression(originalLen int, outcome rohc.Outcome) {
	switch outcome.Kind {
	case rohc.OutcomeOK:
		switch outcome.Payload[0] {
		case 0x00:
			metrics.IncRohcIR()
		case 0x01:
			metrics.IncRohcCO()
		}
		metrics.AddBytesSaved(originalLen - len(outcome.Payload))
	case rohc.OutcomePassthrough:
		metrics.AddBytesSaved(originalLen - len(outcome.Payload))
	}
}

// ignoreSIGPIPE ignores SIGPIPE process-wide, matching this link's
// historical behavior: a write to an already-closed peer must never kill
// the daemon.
func ignoreSIGPIPE() {
	signal.Ignore(syscall.SIGPIPE)
}

// unixPipe2NonblockCloexec creates the self-pipe used for the async Stop
// wakeup: both ends non-blocking, both close-on-exec.
func unixPipe2NonblockCloexec() ([2]int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return fds, err
	}
	return fds, nil
}
