package device

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/lywsd03mmc/decoder"
	"github.com/mjasion/balena-home/lywsd03mmc/types"
)

// MeasurementHandler receives live measurements
type MeasurementHandler func(receivedAt time.Time, m types.Measurement)

// Listen subscribes to measurement notifications and calls handler for each of them.
// A missing notification is logged and the wait continues; Listen returns only
// when ctx is cancelled or the session fails.
//
// Notifications drain the battery about six times slower than direct reads
// but arrive every few seconds.
func (t *Thermometer) Listen(ctx context.Context, handler MeasurementHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	err := t.session.Subscribe(UUIDMeasurement, func(data []byte) {
		m, err := decoder.DecodeMeasurement(data)
		if err != nil {
			t.logger.Warn("dropping malformed measurement", zap.Error(err))
			return
		}
		handler(t.opts.Now(), m)
	})
	if err != nil {
		return fmt.Errorf("subscribe measurement: %w", err)
	}
	defer t.unsubscribe(UUIDMeasurement)

	t.logger.Info("listening for measurements", zap.Duration("timeout", t.opts.NotificationTimeout))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ok, err := t.session.WaitForNotification(t.opts.NotificationTimeout)
		if err != nil {
			return fmt.Errorf("wait for measurement: %w", err)
		}
		if !ok {
			t.logger.Warn("no data from device",
				zap.Duration("timeout", t.opts.NotificationTimeout),
			)
		}
	}
}
