//go:build linux

// Package tun opens and drives the virtual TUN network interface the
// daemon bridges onto the serial link: a non-blocking raw file descriptor
// carrying whole IP datagrams, no link-layer framing attached by the
// kernel.
package tun

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	devTun    = "/dev/net/tun"
	ifnameSiz = 16
)

type ifreqFlags struct {
	name  [ifnameSiz]byte
	flags uint16
	_     [22]byte // pad to the kernel's struct ifreq size
}

// Interface is an open, non-blocking TUN device. One Interface is created
// per daemon lifetime; it is never recreated on I/O error.
type Interface struct {
	fd   int
	Name string
}

// Open creates (or attaches to, if persistent) a TUN interface named name
// and returns it configured for non-blocking, no-packet-information I/O.
// If name is empty the kernel assigns the next free tunN name; the name it
// actually chose is reported back in Interface.Name.
func Open(name string) (*Interface, error) {
	fd, err := unix.Open(devTun, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tun: open %s: %w", devTun, err)
	}

	var req ifreqFlags
	copy(req.name[:], name)
	req.flags = unix.IFF_TUN | unix.IFF_NO_PI

	if err := ioctl(fd, unix.TUNSETIFF, unsafe.Pointer(&req)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("tun: TUNSETIFF: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("tun: set nonblocking: %w", err)
	}

	assigned := cString(req.name[:])
	iface := &Interface{fd: fd, Name: assigned}

	if err := iface.SetPersist(true); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	return iface, nil
}

// Fd returns the raw, non-blocking file descriptor for use in a poll loop.
func (i *Interface) Fd() int { return i.fd }

// Read reads one IP datagram from the interface. Callers must pass a
// buffer at least as large as the largest datagram the pipeline accepts;
// a short buffer truncates the packet silently, as with any raw socket.
func (i *Interface) Read(p []byte) (int, error) {
	return unix.Read(i.fd, p)
}

// Write writes one IP datagram to the interface.
func (i *Interface) Write(p []byte) (int, error) {
	return unix.Write(i.fd, p)
}

// Close releases the interface's file descriptor. It does not tear down
// the kernel-side interface unless TUNSETPERSIST was never requested.
func (i *Interface) Close() error {
	return unix.Close(i.fd)
}

// SetPersist toggles whether the kernel keeps the interface alive after
// this process exits.
func (i *Interface) SetPersist(persist bool) error {
	// TUNSETPERSIST takes its argument by value (a plain int, not a
	// pointer to one): the kernel reads it straight out of the syscall's
	// third register.
	var arg uintptr
	if persist {
		arg = 1
	}
	if err := ioctlValue(i.fd, unix.TUNSETPERSIST, arg); err != nil {
		return fmt.Errorf("tun: TUNSETPERSIST: %w", err)
	}
	return nil
}

func ioctl(fd int, req uint, arg unsafe.Pointer) error {
	return ioctlValue(fd, req, uintptr(arg))
}

func ioctlValue(fd int, req uint, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
	if errno != 0 {
		return errno
	}
	return nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
