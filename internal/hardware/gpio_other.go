//go:build !linux

package hardware

import (
	"context"
	"errors"
)

// Watch is only available on Linux.
func (g *GPIO) Watch(context.Context, func()) error {
	return &Error{Op: "watch", Pin: g.ringPin, Err: errors.ErrUnsupported}
}
