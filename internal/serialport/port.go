//go:build linux

// Package serialport opens the physical (or pseudo-) serial device that
// carries the HDLC-framed, ROHC-compressed link, configuring it as a raw
// byte pipe: no line discipline, no flow control, no translation.
package serialport

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Port is an open, non-blocking, raw-mode serial device.
type Port struct {
	fd int
}

// Open opens path at baud and puts it into raw mode: 8 data bits, no
// parity, one stop bit, no software or hardware flow control, no echo, no
// line-discipline processing. This mirrors the historical configuration
// this link has always used.
func Open(path string, baud uint32) (*Port, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", path, err)
	}

	if err := configureRaw(fd, baud); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	return &Port{fd: fd}, nil
}

func configureRaw(fd int, baud uint32) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("serialport: tcgetattr: %w", err)
	}

	rate, ok := baudConst(baud)
	if !ok {
		return fmt.Errorf("serialport: unsupported baud rate %d", baud)
	}
	t.Ispeed = rate
	t.Ospeed = rate

	// The line speed itself lives in the CBAUD bits of Cflag; Ispeed/Ospeed
	// alone are not sufficient on Linux.
	t.Cflag &^= unix.CBAUD
	t.Cflag |= rate

	t.Cflag |= unix.CLOCAL | unix.CREAD
	t.Cflag &^= unix.CSIZE
	t.Cflag |= unix.CS8
	t.Cflag &^= unix.PARENB
	t.Cflag &^= unix.CSTOPB
	t.Cflag &^= unix.CRTSCTS

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Oflag &^= unix.OPOST

	// Non-canonical reads return whatever is available immediately; the
	// poll loop, not the tty layer, decides when to read.
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("serialport: tcsetattr: %w", err)
	}
	return nil
}

func baudConst(baud uint32) (uint32, bool) {
	switch baud {
	case 9600:
		return unix.B9600, true
	case 19200:
		return unix.B19200, true
	case 38400:
		return unix.B38400, true
	case 57600:
		return unix.B57600, true
	case 115200:
		return unix.B115200, true
	case 230400:
		return unix.B230400, true
	default:
		return 0, false
	}
}

// Fd returns the raw, non-blocking file descriptor for use in a poll loop.
func (p *Port) Fd() int { return p.fd }

// Read reads whatever bytes are currently available from the link.
func (p *Port) Read(b []byte) (int, error) {
	return unix.Read(p.fd, b)
}

// Write writes b to the link. Short writes are possible on a raw fd; Write
// does not retry them and returns the count actually written.
func (p *Port) Write(b []byte) (int, error) {
	return unix.Write(p.fd, b)
}

// Close releases the underlying file descriptor.
func (p *Port) Close() error {
	return unix.Close(p.fd)
}
