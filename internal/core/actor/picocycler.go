package actor

import (
	"fmt"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/asynkron/protoactor-go/scheduler"
	"go.uber.org/zap"

	"github.com/spaceheat/scada/internal/core/domain"
	"github.com/spaceheat/scada/internal/core/picocycler"
)

const DEFAULT_FLATLINE_CHECK = time.Second

type flatlineCheck struct {
}

type picoCyclerTimer struct {
	trigger   picocycler.Trigger
	triggerId string
}

// PicoCyclerConfig holds the cycle timings; zero values take the package defaults.
type PicoCyclerConfig struct {
	Picos          []string
	FlatlineTime   time.Duration
	CheckPeriod    time.Duration
	RelayOpenDwell time.Duration
	RebootWindow   time.Duration
	ShakePeriod    time.Duration
}

func (c PicoCyclerConfig) withDefaults() PicoCyclerConfig {
	if c.CheckPeriod <= 0 {
		c.CheckPeriod = DEFAULT_FLATLINE_CHECK
	}
	if c.RelayOpenDwell <= 0 {
		c.RelayOpenDwell = picocycler.RELAY_OPEN_DWELL
	}
	if c.RebootWindow <= 0 {
		c.RebootWindow = picocycler.REBOOT_WINDOW
	}
	if c.ShakePeriod <= 0 {
		c.ShakePeriod = picocycler.SHAKE_ZOMBIES_PERIOD
	}
	return c
}

// PicoCyclerActor power cycles the sensor picos through the pico power relay
// when any of them stops reporting.
type PicoCyclerActor struct {
	behavior  actor.Behavior
	node
	scheduler *scheduler.TimerScheduler
	cfg       PicoCyclerConfig
	cycler    *picocycler.Cycler
	relaySub  *eventstream.Subscription
}

func NewPicoCyclerActor(cfg PicoCyclerConfig, deps Deps) *PicoCyclerActor {
	cfg = cfg.withDefaults()
	act := &PicoCyclerActor{
		behavior: actor.NewBehavior(),
		node:     newNode(domain.ACTOR_ID_PICO_CYCLER, deps),
		cfg:      cfg,
	}
	act.cycler = picocycler.NewCycler(cfg.Picos, cfg.FlatlineTime, act.deps.Clock.Now())
	act.behavior.Become(act.DefaultReceive)
	return act
}

func (state *PicoCyclerActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *PicoCyclerActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("pico-cycler@default started", zap.Strings("picos", state.cfg.Picos))
		state.scheduler = scheduler.NewTimerScheduler(ctx)
		state.relaySub = state.watchChannel(ctx, domain.RELAY_PICO_POWER)
		state.scheduler.RequestOnce(state.cfg.CheckPeriod, ctx.Self(), flatlineCheck{})
	case *actor.Stopping:
		if state.relaySub != nil {
			state.deps.Stream.Unsubscribe(state.relaySub)
		}
	case domain.ActorHealthRequest:
		state.healthy(ctx, string(state.cycler.State()))
	case flatlineCheck:
		state.pat(ctx)
		res, err := state.cycler.CheckFlatlines(state.deps.Clock.Now())
		state.apply(ctx, res, err)
		state.scheduler.RequestOnce(state.cfg.CheckPeriod, ctx.Self(), flatlineCheck{})
	case domain.SingleReading:
		state.onRelayReading(ctx, msg)
	case picoCyclerTimer:
		if msg.triggerId != state.cycler.TriggerId() {
			return
		}
		now := state.deps.Clock.Now()
		switch msg.trigger {
		case picocycler.START_CLOSING:
			res, err := state.cycler.StartClosing(now)
			state.apply(ctx, res, err)
		case picocycler.CONFIRM_REBOOTED:
			if state.cycler.State() == picocycler.PICOS_REBOOTING {
				res, err := state.cycler.RebootTimeout(now)
				state.apply(ctx, res, err)
			}
		case picocycler.SHAKE_ZOMBIES:
			if state.cycler.State() == picocycler.ALL_ZOMBIES {
				res, err := state.cycler.ShakeZombies(now)
				state.apply(ctx, res, err)
			}
		}
	case domain.Envelope:
		switch payload := msg.Payload.(type) {
		case domain.NewCommandTree:
			if msg.Src == domain.ACTOR_ID_MASTER {
				state.learnHandle(payload)
			}
		case domain.SingleReading, domain.SyncedReadings:
			res, err := state.cycler.Observe(msg.Src, state.deps.Clock.Now())
			state.apply(ctx, res, err)
		default:
			state.logger.Debug("pico-cycler@default unhandled payload", zap.String("type", payload.TypeName()))
		}
	default:
		state.logger.Debug("pico-cycler@default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// onRelayReading confirms relay moves from what the relay itself published.
func (state *PicoCyclerActor) onRelayReading(ctx actor.Context, r domain.SingleReading) {
	now := state.deps.Clock.Now()
	switch {
	case state.cycler.State() == picocycler.RELAY_OPENING && r.Value == RelayValue(domain.RELAY_OPEN):
		res, err := state.cycler.ConfirmOpened(now)
		state.apply(ctx, res, err)
	case state.cycler.State() == picocycler.RELAY_CLOSING && r.Value == RelayValue(domain.RELAY_CLOSE):
		res, err := state.cycler.ConfirmClosed(now)
		state.apply(ctx, res, err)
	}
}

func (state *PicoCyclerActor) apply(ctx actor.Context, res picocycler.Result, err error) {
	if err != nil {
		state.logger.Warn("pico-cycler@default trigger refused", zap.String("state", string(state.cycler.State())), zap.Error(err))
		return
	}
	for _, pico := range res.NewZombies {
		state.logger.Warn("pico-cycler@default zombie pico", zap.String("pico", pico))
		state.send(ctx, domain.ACTOR_ID_MASTER, domain.ZombiePicoWarning{PicoName: pico})
	}
	if len(res.NewZombies) > 0 {
		state.deps.Metrics.ZombiePicos(len(state.cycler.Zombies()))
	}
	for _, tr := range res.Transitions {
		state.logger.Info("pico-cycler@default transition", zap.String("from", string(tr.From)), zap.String("to", string(tr.To)),
			zap.String("trigger", string(tr.Trigger)), zap.String("trigger_id", tr.TriggerId))
		state.reportStates(ctx, "pico.cycler.state", []string{string(tr.To)}, []int64{tr.At.UnixMilli()}, tr.TriggerId)
		state.enter(ctx, tr)
	}
}

// enter runs the side effects of arriving in tr.To.
func (state *PicoCyclerActor) enter(ctx actor.Context, tr picocycler.Transition) {
	switch tr.To {
	case picocycler.RELAY_OPENING:
		state.send(ctx, domain.RELAY_PICO_POWER, domain.ChangeRelayState{Event: domain.RELAY_OPEN, TriggerId: tr.TriggerId})
	case picocycler.RELAY_OPEN:
		state.scheduler.RequestOnce(state.cfg.RelayOpenDwell, ctx.Self(), picoCyclerTimer{trigger: picocycler.START_CLOSING, triggerId: tr.TriggerId})
	case picocycler.RELAY_CLOSING:
		state.send(ctx, domain.RELAY_PICO_POWER, domain.ChangeRelayState{Event: domain.RELAY_CLOSE, TriggerId: tr.TriggerId})
	case picocycler.PICOS_REBOOTING:
		state.scheduler.RequestOnce(state.cfg.RebootWindow, ctx.Self(), picoCyclerTimer{trigger: picocycler.CONFIRM_REBOOTED, triggerId: tr.TriggerId})
	case picocycler.ALL_ZOMBIES:
		state.scheduler.RequestOnce(state.cfg.ShakePeriod, ctx.Self(), picoCyclerTimer{trigger: picocycler.SHAKE_ZOMBIES, triggerId: tr.TriggerId})
	case picocycler.PICOS_LIVE:
		state.deps.Metrics.ZombiePicos(len(state.cycler.Zombies()))
	}
}
