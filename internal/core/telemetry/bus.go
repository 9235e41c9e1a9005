package telemetry

import (
	"sync"
	"time"

	"github.com/asynkron/protoactor-go/eventstream"

	"github.com/spaceheat/scada/internal/core/domain"
)

const (
	CHANNEL_HP_IDU_PWR = "hp-idu-pwr"
	CHANNEL_HP_ODU_PWR = "hp-odu-pwr"
	CHANNEL_HP_LWT     = "hp-lwt"
	CHANNEL_HP_EWT     = "hp-ewt"
	CHANNEL_DIST_FLOW  = "dist-flow"
	CHANNEL_HP_KEEP    = "hp-keep"
	CHANNEL_TANK_TOP   = "tank-top"
	CHANNEL_TANK_BTM   = "tank-bottom"
	CHANNEL_TANK_TH    = "tank-thermocline"
	CHANNEL_POWER      = "power"
)

type Reading struct {
	Value      int64
	ReadTimeMs int64
}

// Bus keeps the latest value per channel. Each channel has a single owning
// writer; any number of readers. Every publish is also emitted on the event
// stream as a SingleReading.
type Bus struct {
	mu      sync.RWMutex
	latest  map[string]Reading
	stream  *eventstream.EventStream
	nowFunc func() time.Time
}

func NewBus(stream *eventstream.EventStream) *Bus {
	return &Bus{
		latest:  make(map[string]Reading),
		stream:  stream,
		nowFunc: time.Now,
	}
}

func (b *Bus) WithClock(now func() time.Time) *Bus {
	b.nowFunc = now
	return b
}

func (b *Bus) Publish(channel string, value int64, readTimeMs int64) {
	b.mu.Lock()
	b.latest[channel] = Reading{Value: value, ReadTimeMs: readTimeMs}
	b.mu.Unlock()
	if b.stream != nil {
		b.stream.Publish(domain.SingleReading{
			ChannelName:         channel,
			Value:               value,
			ScadaReadTimeUnixMs: readTimeMs,
		})
	}
}

// PublishNow stamps the reading with the bus clock.
func (b *Bus) PublishNow(channel string, value int64) {
	b.Publish(channel, value, b.nowFunc().UnixMilli())
}

func (b *Bus) LatestValue(channel string) (int64, bool) {
	r, ok := b.LatestReading(channel)
	return r.Value, ok
}

func (b *Bus) LatestReading(channel string) (Reading, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.latest[channel]
	return r, ok
}

// Stale reports whether the channel has no reading younger than maxAge.
func (b *Bus) Stale(channel string, maxAge time.Duration) bool {
	r, ok := b.LatestReading(channel)
	if !ok {
		return true
	}
	return b.nowFunc().UnixMilli()-r.ReadTimeMs > maxAge.Milliseconds()
}

func (b *Bus) Snapshot() map[string]Reading {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]Reading, len(b.latest))
	for k, v := range b.latest {
		out[k] = v
	}
	return out
}
