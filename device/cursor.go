package device

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/lywsd03mmc/decoder"
	"github.com/mjasion/balena-home/lywsd03mmc/types"
)

// CursorPrimedRead is a bulk history read starting at a given index.
//
// The device applies a written first history index to the next history read
// only. Writing the cursor and draining the history stream happen under the
// thermometer lock so no other operation can run in between. A primed read
// can be used once.
type CursorPrimedRead struct {
	thermometer *Thermometer
	start       uint32
	used        bool
}

// PrimeHistoryCursor prepares a history read starting at index start
func (t *Thermometer) PrimeHistoryCursor(start uint32) *CursorPrimedRead {
	return &CursorPrimedRead{thermometer: t, start: start}
}

// Start returns the first index requested from the device
func (r *CursorPrimedRead) Start() uint32 {
	return r.start
}

// Read writes the cursor and reads the history it selects
func (r *CursorPrimedRead) Read(ctx context.Context) ([]types.HistoryEntry, error) {
	t := r.thermometer
	t.mu.Lock()
	defer t.mu.Unlock()

	if r.used {
		return nil, ErrCursorConsumed
	}
	r.used = true

	if err := t.write(UUIDHistoryCursor, decoder.EncodeHistoryCursor(r.start)); err != nil {
		return nil, fmt.Errorf("set first history index: %w", err)
	}
	t.logger.Debug("history cursor primed", zap.Uint32("start_index", r.start))

	return t.drainHistory(ctx)
}
