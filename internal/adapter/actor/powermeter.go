package actor

import (
	"fmt"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/scheduler"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spaceheat/scada/internal/core/domain"
	"github.com/spaceheat/scada/internal/core/forecast"
	"github.com/spaceheat/scada/internal/core/runtime"
	"github.com/spaceheat/scada/internal/core/telemetry"
	"github.com/spaceheat/scada/internal/util/actorutil"
	"github.com/spaceheat/scada/pkg/powermeter"
)

const (
	POWER_METER_READ_TIMEOUT     = 2 * time.Second
	DEFAULT_POWER_POLL           = time.Second
	DEFAULT_POWER_CAPTURE_PERIOD = 5 * time.Minute
	DEFAULT_POWER_ASYNC_DELTA_W  = 50
	DEFAULT_POWER_MAX_BACKOFF    = 60 * time.Second
)

type PowerMeterSettings struct {
	PollInterval  time.Duration
	CapturePeriod time.Duration
	// AsyncDeltaW is the change in total power that is reported without
	// waiting for the capture period.
	AsyncDeltaW int
	// MaxBackoff caps the retry delay after failed reads. Once reached, the
	// readings are reported stale.
	MaxBackoff time.Duration
	Clock      forecast.Clock
}

func (s PowerMeterSettings) withDefaults() PowerMeterSettings {
	if s.PollInterval <= 0 {
		s.PollInterval = DEFAULT_POWER_POLL
	}
	if s.CapturePeriod <= 0 {
		s.CapturePeriod = DEFAULT_POWER_CAPTURE_PERIOD
	}
	if s.AsyncDeltaW <= 0 {
		s.AsyncDeltaW = DEFAULT_POWER_ASYNC_DELTA_W
	}
	if s.MaxBackoff <= 0 {
		s.MaxBackoff = DEFAULT_POWER_MAX_BACKOFF
	}
	if s.MaxBackoff < s.PollInterval {
		s.MaxBackoff = s.PollInterval
	}
	if s.Clock == nil {
		s.Clock = forecast.SystemClock{}
	}
	return s
}

// pollDelay doubles the poll interval per consecutive failure, up to MaxBackoff.
func (s PowerMeterSettings) pollDelay(failures int) time.Duration {
	d := s.PollInterval
	for i := 0; i < failures && d < s.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, s.MaxBackoff)
}

// PowerMeterActor polls the modbus power meter, publishes each channel on the
// telemetry bus and keeps the contract informed of the total power.
type PowerMeterActor struct {
	behavior  actor.Behavior
	stash     *actorutil.Stash
	scheduler *scheduler.TimerScheduler
	reader    powermeter.Reader
	settings  PowerMeterSettings
	router    *runtime.Router
	bus       *telemetry.Bus
	logger    *zap.Logger

	lastSentW  int
	lastSentAt time.Time
	sentOnce   bool
	failures   int
	stale      bool
}

type powerPoll struct {
}

type powerReadResult struct {
	powers map[string]int
	err    error
}

func NewPowerMeterActor(reader powermeter.Reader, settings PowerMeterSettings, router *runtime.Router, bus *telemetry.Bus, logger *zap.Logger) *PowerMeterActor {
	act := &PowerMeterActor{
		behavior: actor.NewBehavior(),
		stash:    &actorutil.Stash{},
		reader:   reader,
		settings: settings.withDefaults(),
		router:   router,
		bus:      bus,
		logger:   actorutil.ActorLogger(domain.ACTOR_ID_POWER_METER, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *PowerMeterActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *PowerMeterActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("power-meter@starting started")
		if err := state.reader.Open(); err != nil {
			panic(err)
		}
		state.scheduler = scheduler.NewTimerScheduler(ctx)
		state.scheduler.RequestOnce(state.settings.PollInterval, ctx.Self(), powerPoll{})
		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	case *actor.Restarting:
		state.reader.Close()
	default:
		state.logger.Debug("power-meter@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *PowerMeterActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		st := "idle"
		if state.stale {
			st = "stale"
		}
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_POWER_METER,
			Healthy: state.failures == 0,
			State:   st,
		})
	case powerPoll:
		reader := state.reader
		actorutil.NewBackgroundTask(ctx, func() (*powerReadResult, error) {
			powers, err := reader.ReadPowers()
			return &powerReadResult{powers: powers, err: err}, nil
		}).Recover(func(err error) powerReadResult {
			return powerReadResult{err: err}
		}).WithTimeout(POWER_METER_READ_TIMEOUT).PipeTo(ctx.Self())
		state.behavior.BecomeStacked(state.WaitingMeter)
	case *actor.Stopping:
		state.reader.Close()
	case *actor.Restarting:
		state.reader.Close()
	default:
		state.logger.Debug("power-meter@default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *PowerMeterActor) WaitingMeter(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case powerReadResult:
		state.onRead(ctx, msg)
		state.scheduler.RequestOnce(state.settings.pollDelay(state.failures), ctx.Self(), powerPoll{})
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case *actor.Stopping:
		state.reader.Close()
	default:
		state.logger.Debug("power-meter@waiting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *PowerMeterActor) onRead(ctx actor.Context, res powerReadResult) {
	now := state.settings.Clock.Now()
	if res.err != nil {
		state.failures++
		delay := state.settings.pollDelay(state.failures)
		state.logger.Warn("power-meter@waiting read failed", zap.Int("failures", state.failures),
			zap.Duration("retry_in", delay), zap.Error(res.err))
		if state.failures == 1 {
			state.glitch(ctx, "power meter read failed", res.err.Error(), now)
		}
		if !state.stale && delay >= state.settings.MaxBackoff {
			state.stale = true
			state.logger.Error("power-meter@waiting readings stale", zap.Int("failures", state.failures))
			state.glitch(ctx, "power meter readings stale", res.err.Error(), now)
		}
		return
	}
	if state.stale {
		state.logger.Info("power-meter@waiting readings recovered", zap.Int("failures", state.failures))
	}
	state.failures = 0
	state.stale = false
	if pid, ok := state.router.PID(domain.ACTOR_ID_MASTER); ok {
		ctx.Send(pid, domain.WatchdogPat{Name: domain.ACTOR_ID_POWER_METER})
	}

	total := 0
	for name, w := range res.powers {
		state.bus.Publish(name, int64(w), now.UnixMilli())
		total += w
	}
	state.bus.Publish(telemetry.CHANNEL_POWER, int64(total), now.UnixMilli())

	if state.shouldReport(total, now) {
		state.logger.Debug("power-meter@waiting report", zap.Int("watts", total), zap.Int("last_sent_w", state.lastSentW))
		state.send(ctx, domain.ACTOR_ID_CONTRACT, domain.PowerWatts{Watts: total})
		state.lastSentW = total
		state.lastSentAt = now
		state.sentOnce = true
	}
}

// shouldReport is true on the first read, on a change of at least AsyncDeltaW
// and once per capture period.
func (state *PowerMeterActor) shouldReport(total int, now time.Time) bool {
	if !state.sentOnce {
		return true
	}
	delta := total - state.lastSentW
	if delta < 0 {
		delta = -delta
	}
	return delta >= state.settings.AsyncDeltaW || now.Sub(state.lastSentAt) >= state.settings.CapturePeriod
}

func (state *PowerMeterActor) glitch(ctx actor.Context, summary, details string, now time.Time) {
	state.send(ctx, domain.ACTOR_ID_MASTER, domain.Glitch{
		Id:        uuid.NewString(),
		FromNode:  domain.ACTOR_ID_POWER_METER,
		Level:     domain.GLITCH_WARNING,
		Summary:   summary,
		Details:   details,
		CreatedMs: now.UnixMilli(),
	})
}

func (state *PowerMeterActor) send(ctx actor.Context, dst string, payload domain.Payload) {
	if err := state.router.Send(ctx, domain.ACTOR_ID_POWER_METER, dst, payload); err != nil {
		state.logger.Warn("power-meter send failed", zap.String("dst", dst), zap.Error(err))
	}
}
