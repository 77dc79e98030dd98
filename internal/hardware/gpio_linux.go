//go:build linux

package hardware

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const pollInterval = 250 * time.Millisecond

// Watch waits for rising edges on the ring pin and calls onRing for every
// edge outside the debounce window. It returns nil when ctx is done.
func (g *GPIO) Watch(ctx context.Context, onRing func()) error {
	f, err := os.Open(g.pinPath(g.ringPin, "value"))
	if err != nil {
		return &Error{Op: "open value", Pin: g.ringPin, Err: err}
	}
	defer f.Close()
	// The first read clears the pending interrupt from export.
	if _, err := readValue(f); err != nil {
		return &Error{Op: "read", Pin: g.ringPin, Err: err}
	}
	fds := []unix.PollFd{{Fd: int32(f.Fd()), Events: unix.POLLPRI | unix.POLLERR}}
	bounce := debouncer{window: g.debounce}
	for {
		if ctx.Err() != nil {
			return nil
		}
		fds[0].Revents = 0
		n, err := unix.Poll(fds, int(pollInterval/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return &Error{Op: "poll", Pin: g.ringPin, Err: err}
		}
		if n == 0 || fds[0].Revents&unix.POLLPRI == 0 {
			continue
		}
		high, err := readValue(f)
		if err != nil {
			return &Error{Op: "read", Pin: g.ringPin, Err: err}
		}
		if !high {
			continue
		}
		if !bounce.accept(time.Now()) {
			g.logger.Trace("hardware.ring.bounce", "pin", g.ringPin)
			continue
		}
		g.logger.Debug("hardware.ring.edge", "pin", g.ringPin)
		onRing()
	}
}
