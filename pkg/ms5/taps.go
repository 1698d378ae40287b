package ms5

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/domain"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/ports"
)

// ErrChannelTapClosed is returned when a channel tap is written to after
// being closed.
var ErrChannelTapClosed = errors.New("ms5: channel tap closed")

// Event is a normalized telemetry event as stored in the edge buffer.
type Event = domain.Event

// EventFunc receives each event accepted into the durable buffer.
type EventFunc func(*Event) error

// EventTap observes events after they are durably buffered. Taps run on
// the ingestion path, so slow taps slow ingestion; tap errors are logged
// and never fail the write.
type EventTap interface {
	Name() string
	Deliver(*Event) error
}

// NewCallbackTap adapts a plain function into an EventTap so embedders
// can observe traffic without defining structs.
func NewCallbackTap(name string, fn EventFunc) EventTap {
	if name == "" {
		name = "callback"
	}
	return &callbackTap{name: name, fn: fn}
}

// NewChannelTap exposes buffered events via a channel; it returns the
// tap, the read-only channel, and a close function that the caller
// should invoke during shutdown.
func NewChannelTap(name string, buffer int) (EventTap, <-chan *Event, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan *Event, buffer)
	t := &channelTap{
		name:   name,
		ch:     ch,
		closed: make(chan struct{}),
	}
	return t, ch, func() { t.close() }
}

type callbackTap struct {
	name string
	fn   EventFunc
}

func (t *callbackTap) Deliver(ev *Event) error {
	if t.fn == nil {
		return fmt.Errorf("callback tap %q: nil handler", t.name)
	}
	return t.fn(ev)
}

func (t *callbackTap) Name() string { return t.name }

type channelTap struct {
	name   string
	ch     chan *Event
	closed chan struct{}
	once   sync.Once

	// mu orders sends against close(t.ch): close takes the write lock
	// after closing t.closed, so no Deliver can be mid-send when the
	// event channel is closed.
	mu       sync.RWMutex
	isClosed bool
}

func (t *channelTap) Deliver(ev *Event) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.isClosed {
		return ErrChannelTapClosed
	}

	select {
	case <-t.closed:
		return ErrChannelTapClosed
	case t.ch <- ev:
		return nil
	}
}

func (t *channelTap) Name() string { return t.name }

func (t *channelTap) close() {
	t.once.Do(func() {
		// Closing t.closed first unblocks any Deliver waiting on a full
		// channel; only then is it safe to take the lock and close the
		// event channel.
		close(t.closed)
		t.mu.Lock()
		t.isClosed = true
		close(t.ch)
		t.mu.Unlock()
	})
}

// tappedBuffer decorates an EdgeBuffer so taps see every event that
// made it to durable storage, and only those.
type tappedBuffer struct {
	ports.EdgeBuffer
	taps []EventTap
	obs  ports.Observability
}

func newTappedBuffer(inner ports.EdgeBuffer, taps []EventTap, obs ports.Observability) ports.EdgeBuffer {
	if len(taps) == 0 {
		return inner
	}
	return &tappedBuffer{EdgeBuffer: inner, taps: taps, obs: obs}
}

func (b *tappedBuffer) Append(ev *domain.Event) (ports.Position, error) {
	pos, err := b.EdgeBuffer.Append(ev)
	if err != nil {
		return pos, err
	}
	for _, tap := range b.taps {
		if terr := tap.Deliver(ev); terr != nil {
			b.obs.LogError("event_tap", terr, ports.F("tap", tap.Name()))
		}
	}
	return pos, nil
}
