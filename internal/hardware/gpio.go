package hardware

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/doord/internal/svcfields"
)

// Defaults for GPIOConfig.
const (
	DefaultSysfsRoot    = "/sys/class/gpio"
	DefaultRingDebounce = 250 * time.Millisecond
	exportSettle        = 100 * time.Millisecond
)

// GPIOConfig selects the BCM pins of the ring sensor and the opener.
type GPIOConfig struct {
	Root     string
	RingPin  int
	OpenPin  int
	Debounce time.Duration
	Logger   pslog.Logger
}

// GPIO drives sysfs GPIO pins.
type GPIO struct {
	root     string
	ringPin  int
	openPin  int
	debounce time.Duration
	logger   pslog.Logger

	mu   sync.Mutex
	open *os.File
}

// OpenGPIO exports and configures both pins. The opener starts deasserted.
func OpenGPIO(cfg GPIOConfig) (*GPIO, error) {
	g := &GPIO{
		root:     cfg.Root,
		ringPin:  cfg.RingPin,
		openPin:  cfg.OpenPin,
		debounce: cfg.Debounce,
		logger:   svcfields.WithSubsystem(cfg.Logger, "hardware.gpio"),
	}
	if g.root == "" {
		g.root = DefaultSysfsRoot
	}
	if g.debounce <= 0 {
		g.debounce = DefaultRingDebounce
	}
	if g.ringPin == g.openPin {
		return nil, &Error{Op: "configure", Pin: g.ringPin, Err: errors.New("ring and open pins must differ")}
	}
	if err := g.export(g.ringPin); err != nil {
		return nil, err
	}
	if err := g.export(g.openPin); err != nil {
		return nil, err
	}
	if err := g.writeAttr(g.ringPin, "direction", "in"); err != nil {
		return nil, err
	}
	if err := g.writeAttr(g.ringPin, "edge", "rising"); err != nil {
		return nil, err
	}
	if err := g.writeAttr(g.openPin, "direction", "out"); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(g.pinPath(g.openPin, "value"), os.O_WRONLY, 0)
	if err != nil {
		return nil, &Error{Op: "open value", Pin: g.openPin, Err: err}
	}
	g.open = f
	if err := g.setOpen(false); err != nil {
		_ = f.Close()
		return nil, err
	}
	g.logger.Info("hardware.gpio.ready", "ring_pin", g.ringPin, "open_pin", g.openPin, "root", g.root)
	return g, nil
}

// Pulse asserts the opener for hold. The opener is deasserted even when ctx
// ends early.
func (g *GPIO) Pulse(ctx context.Context, hold time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.setOpen(true); err != nil {
		return err
	}
	timer := time.NewTimer(hold)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		g.logger.Warn("hardware.open.cut_short", "pin", g.openPin, "error", ctx.Err())
	}
	return g.setOpen(false)
}

// Close releases the opener value file after deasserting it.
func (g *GPIO) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open == nil {
		return nil
	}
	err := g.setOpen(false)
	if cerr := g.open.Close(); err == nil && cerr != nil {
		err = &Error{Op: "close", Pin: g.openPin, Err: cerr}
	}
	g.open = nil
	return err
}

func (g *GPIO) setOpen(on bool) error {
	if g.open == nil {
		return &Error{Op: "write", Pin: g.openPin, Err: os.ErrClosed}
	}
	value := "0"
	if on {
		value = "1"
	}
	if _, err := g.open.WriteAt([]byte(value), 0); err != nil {
		return &Error{Op: "write", Pin: g.openPin, Err: err}
	}
	return nil
}

func (g *GPIO) pinPath(pin int, attr string) string {
	return filepath.Join(g.root, fmt.Sprintf("gpio%d", pin), attr)
}

func (g *GPIO) export(pin int) error {
	if _, err := os.Stat(filepath.Join(g.root, fmt.Sprintf("gpio%d", pin))); err == nil {
		return nil
	}
	if err := os.WriteFile(filepath.Join(g.root, "export"), []byte(strconv.Itoa(pin)), 0); err != nil {
		return &Error{Op: "export", Pin: pin, Err: err}
	}
	// udev needs a moment to fix permissions on freshly exported pins.
	time.Sleep(exportSettle)
	return nil
}

func (g *GPIO) writeAttr(pin int, attr, value string) error {
	if err := os.WriteFile(g.pinPath(pin, attr), []byte(value), 0); err != nil {
		return &Error{Op: "set " + attr, Pin: pin, Err: err}
	}
	return nil
}

func readValue(f *os.File) (bool, error) {
	buf := make([]byte, 2)
	n, err := f.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return false, err
	}
	return strings.TrimSpace(string(buf[:n])) == "1", nil
}
