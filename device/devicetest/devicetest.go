// Package devicetest provides an in-memory LYWSD03MMC for tests.
package devicetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mjasion/balena-home/lywsd03mmc/decoder"
	"github.com/mjasion/balena-home/lywsd03mmc/device"
	"github.com/mjasion/balena-home/lywsd03mmc/types"
)

// Write is a recorded characteristic write
type Write struct {
	UUID         string
	Data         []byte
	WithResponse bool
}

// Device emulates the GATT behaviour of a thermometer, including the one-shot
// first history index cursor.
type Device struct {
	mu sync.Mutex

	Time         types.DeviceTime
	Entries      []types.HistoryEntry // ascending by index
	Comfort      types.ComfortLevels
	Custom       *types.CustomMeasurement // nil emulates the stock firmware
	Measurements []types.Measurement // delivered one per notification

	// Raw overrides the value read from a characteristic and the payload of
	// its notifications
	Raw map[string][]byte
	// ConnectErr is returned by Connect when set
	ConnectErr error
	// DisconnectAfterNotifications drops the link once that many notifications
	// were delivered (0 never)
	DisconnectAfterNotifications int

	Writes        []Write
	Connects      int
	Closes        int
	notifications int

	firstIndex  uint32
	cursorArmed bool
}

// Connect opens a session to the emulated device
func (d *Device) Connect(ctx context.Context, mac string) (device.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ConnectErr != nil {
		return nil, d.ConnectErr
	}
	d.Connects++
	return &session{dev: d, subs: make(map[string]func([]byte))}, nil
}

// AddEntry appends a history entry with the next index
func (d *Device) AddEntry(relative int64, tmin, tmax float64, hmin, hmax int) types.HistoryEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	var index uint32 = 1
	if n := len(d.Entries); n > 0 {
		index = d.Entries[n-1].Index + 1
	}
	entry := types.HistoryEntry{
		Index:            index,
		TimestampSeconds: relative,
		TemperatureMin:   tmin,
		TemperatureMax:   tmax,
		HumidityMin:      hmin,
		HumidityMax:      hmax,
	}
	d.Entries = append(d.Entries, entry)
	return entry
}

// CursorWrites returns the indexes written to the first history index characteristic
func (d *Device) CursorWrites() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []uint32
	for _, w := range d.Writes {
		if w.UUID != device.UUIDHistoryCursor {
			continue
		}
		idx, err := decoder.DecodeHistoryCursor(w.Data)
		if err == nil {
			out = append(out, idx)
		}
	}
	return out
}

type notification struct {
	uuid string
	data []byte
}

type session struct {
	dev    *Device
	subs   map[string]func([]byte)
	queue  []notification
	closed bool
}

func (s *session) ReadCharacteristic(uuid string) ([]byte, error) {
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if s.closed {
		return nil, device.ErrDisconnected
	}
	if raw, ok := d.Raw[uuid]; ok {
		return append([]byte(nil), raw...), nil
	}

	switch uuid {
	case device.UUIDDeviceTime:
		return decoder.EncodeDeviceTime(d.Time), nil
	case device.UUIDHistoryIndex:
		return decoder.EncodeHistoryIndex(d.index()), nil
	case device.UUIDCustomHistoryIdx:
		if d.Custom != nil {
			return decoder.EncodeHistoryIndex(d.index()), nil
		}
	case device.UUIDHistoryCursor:
		return decoder.EncodeHistoryCursor(d.firstIndex), nil
	case device.UUIDLastHistoryEntry:
		if len(d.Entries) == 0 {
			return decoder.EncodeHistoryEntry(types.HistoryEntry{}), nil
		}
		return decoder.EncodeHistoryEntry(d.Entries[len(d.Entries)-1]), nil
	case device.UUIDComfortLevels:
		return decoder.EncodeComfortLevels(d.Comfort), nil
	case device.UUIDCustomMeasurement:
		if d.Custom != nil {
			return decoder.EncodeCustomMeasurement(*d.Custom), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", device.ErrCharacteristicNotFound, uuid)
}

func (d *Device) index() types.HistoryIndex {
	if len(d.Entries) == 0 {
		return types.HistoryIndex{}
	}
	last := d.Entries[len(d.Entries)-1].Index
	return types.HistoryIndex{LastIndex: last, NextIndex: last + 1}
}

func (s *session) WriteCharacteristic(uuid string, data []byte, withResponse bool) error {
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if s.closed {
		return device.ErrDisconnected
	}
	d.Writes = append(d.Writes, Write{UUID: uuid, Data: append([]byte(nil), data...), WithResponse: withResponse})

	if uuid == device.UUIDHistoryCursor {
		idx, err := decoder.DecodeHistoryCursor(data)
		if err != nil {
			return err
		}
		d.firstIndex = idx
		d.cursorArmed = true
	}
	return nil
}

func (s *session) Subscribe(uuid string, callback func([]byte)) error {
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if s.closed {
		return device.ErrDisconnected
	}
	s.subs[uuid] = callback

	if raw, ok := d.Raw[uuid]; ok {
		s.queue = append(s.queue, notification{uuid: uuid, data: append([]byte(nil), raw...)})
		return nil
	}

	switch uuid {
	case device.UUIDHistory:
		for _, e := range d.Entries {
			if d.cursorArmed && e.Index < d.firstIndex {
				continue
			}
			s.queue = append(s.queue, notification{uuid: uuid, data: decoder.EncodeHistoryEntry(e)})
		}
		// the cursor applies to one history read only
		d.cursorArmed = false
	case device.UUIDMeasurement:
		for _, m := range d.Measurements {
			s.queue = append(s.queue, notification{uuid: uuid, data: decoder.EncodeMeasurement(m)})
		}
	}
	return nil
}

func (s *session) Unsubscribe(uuid string) error {
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(s.subs, uuid)
	kept := s.queue[:0]
	for _, n := range s.queue {
		if n.uuid != uuid {
			kept = append(kept, n)
		}
	}
	s.queue = kept
	return nil
}

func (s *session) WaitForNotification(timeout time.Duration) (bool, error) {
	d := s.dev
	d.mu.Lock()

	if s.closed {
		d.mu.Unlock()
		return false, device.ErrDisconnected
	}
	if d.DisconnectAfterNotifications > 0 && d.notifications >= d.DisconnectAfterNotifications {
		s.closed = true
		d.mu.Unlock()
		return false, device.ErrDisconnected
	}
	if len(s.queue) == 0 {
		d.mu.Unlock()
		time.Sleep(timeout)
		return false, nil
	}

	n := s.queue[0]
	s.queue = s.queue[1:]
	d.notifications++
	callback := s.subs[n.uuid]
	d.mu.Unlock()

	if callback != nil {
		callback(n.data)
	}
	return true, nil
}

func (s *session) Close() error {
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	s.closed = true
	d.Closes++
	return nil
}
