package relay

import (
	"context"

	"golang.org/x/time/rate"
)

// Inbound viewer traffic is keystrokes and resizes; the meter exists to
// keep one misbehaving viewer from monopolizing the relay.
const (
	defaultInputRate  = 64 * 1024  // bytes/sec sustained
	defaultInputBurst = 256 * 1024 // bytes
)

// InputMeter applies per-connection rate limiting on inbound viewer bytes.
// A nil meter is a no-op.
type InputMeter struct {
	lim *rate.Limiter
}

// NewInputMeter creates a meter with the given sustained rate (bytes/sec)
// and burst (bytes).
func NewInputMeter(bytesPerSec, burst int) *InputMeter {
	return &InputMeter{lim: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

// Wait blocks until n bytes are admitted, applying backpressure to the
// viewer's read loop.
func (m *InputMeter) Wait(ctx context.Context, n int) error {
	if m == nil || m.lim == nil {
		return nil
	}
	if n > m.lim.Burst() {
		n = m.lim.Burst()
	}
	return m.lim.WaitN(ctx, n)
}
