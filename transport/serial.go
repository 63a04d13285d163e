// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build linux

package transport

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Serial is a raw, 8N1, non-canonical serial line opened for capture
// reading. It configures the port the way a debug UART needs: no
// line-editing, no signal characters, no software flow control — any
// byte that comes off the wire is trace-packet payload, never terminal
// input.
type Serial struct {
	f *os.File
}

// OpenSerial opens path (e.g. "/dev/ttyACM0") at baud and puts it into raw
// mode via termios, following the same get-modify-set discipline a
// terminal driver uses to avoid disturbing unrelated flags.
func OpenSerial(path string, baud uint32) (*Serial, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: open serial %s: %w", path, err)
	}

	fd := int(f.Fd())
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("transport: get termios: %w", err)
	}

	rate, ok := baudConstant(baud)
	if !ok {
		f.Close()
		return nil, fmt.Errorf("transport: unsupported baud rate %d", baud)
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	t.Ispeed = rate
	t.Ospeed = rate

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		f.Close()
		return nil, fmt.Errorf("transport: set termios: %w", err)
	}

	return &Serial{f: f}, nil
}

func (s *Serial) Read(p []byte) (int, error)  { return s.f.Read(p) }
func (s *Serial) Write(p []byte) (int, error) { return s.f.Write(p) }
func (s *Serial) Close() error                { return s.f.Close() }

// baudConstant maps a requested bit rate to the termios speed_t value
// IoctlSetTermios expects. Only the rates a debug UART realistically runs
// at are supported; anything else fails closed rather than silently
// rounding to the nearest supported rate.
func baudConstant(baud uint32) (uint32, bool) {
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
	case 460800:
		return unix.B460800, true
	case 921600:
		return unix.B921600, true
	default:
		return 0, false
	}
}
