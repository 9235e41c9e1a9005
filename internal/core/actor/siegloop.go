package actor

import (
	"fmt"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/scheduler"
	"go.uber.org/zap"

	"github.com/spaceheat/scada/internal/core/domain"
	"github.com/spaceheat/scada/internal/core/siegloop"
	"github.com/spaceheat/scada/internal/core/telemetry"
)

const SIEG_RELAY_SETTLE = 200 * time.Millisecond

type siegStart struct {
	taskId int
}

type siegStep struct {
	taskId int
}

// SiegLoopActor drives the heat pump keep/send mixing valve toward a percent
// keep target, one percent per dwell.
type SiegLoopActor struct {
	behavior  actor.Behavior
	node
	scheduler *scheduler.TimerScheduler
	loop      *siegloop.Loop
	dwell     time.Duration
}

func NewSiegLoopActor(initialPercentKeep int, dwell time.Duration, deps Deps) *SiegLoopActor {
	if dwell <= 0 {
		dwell = siegloop.PERCENT_DWELL
	}
	act := &SiegLoopActor{
		behavior: actor.NewBehavior(),
		node:     newNode(domain.ACTOR_ID_SIEG_LOOP, deps),
		loop:     siegloop.NewLoop(initialPercentKeep),
		dwell:    dwell,
	}
	act.behavior.Become(act.DefaultReceive)
	return act
}

func (state *SiegLoopActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *SiegLoopActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.scheduler = scheduler.NewTimerScheduler(ctx)
		state.deps.Bus.Publish(telemetry.CHANNEL_HP_KEEP, int64(state.loop.PercentKeep()), state.nowMs())
	case domain.ActorHealthRequest:
		state.healthy(ctx, string(state.loop.State()))
	case siegStart:
		if msg.taskId != state.loop.TaskId() {
			return
		}
		state.setRelay(ctx, domain.RELAY_SIEG_MOTOR, true)
		state.scheduler.RequestOnce(state.dwell, ctx.Self(), siegStep{taskId: msg.taskId})
	case siegStep:
		pct, arrived, ok := state.loop.Step(msg.taskId)
		if !ok {
			return
		}
		state.deps.Bus.Publish(telemetry.CHANNEL_HP_KEEP, int64(pct), state.nowMs())
		if arrived {
			state.logger.Info("sieg-loop@default arrived", zap.Int("percent_keep", pct))
			state.setRelay(ctx, domain.RELAY_SIEG_MOTOR, false)
			state.setRelay(ctx, domain.RELAY_SIEG_DIRECTION, false)
			state.report(ctx)
			return
		}
		state.scheduler.RequestOnce(state.dwell, ctx.Self(), siegStep{taskId: msg.taskId})
	case domain.Envelope:
		switch payload := msg.Payload.(type) {
		case domain.NewCommandTree:
			if msg.Src == domain.ACTOR_ID_MASTER {
				state.learnHandle(payload)
			}
		case domain.AnalogDispatch:
			if !state.authorize(ctx, msg) {
				return
			}
			state.dispatch(ctx, payload.Value)
		default:
			state.logger.Debug("sieg-loop@default unhandled payload", zap.String("type", payload.TypeName()))
		}
	default:
		state.logger.Debug("sieg-loop@default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// dispatch cancels the task in flight. The motor is always stopped before the
// direction relay moves, and only restarted once it has settled.
func (state *SiegLoopActor) dispatch(ctx actor.Context, target int) {
	wasMoving := state.loop.Moving()
	taskId, err := state.loop.Dispatch(target)
	if err != nil {
		state.logger.Warn("sieg-loop@default bad target", zap.Int("target", target), zap.Error(err))
		state.glitch(ctx, domain.GLITCH_WARNING, "sieg-loop target out of range", err.Error())
		return
	}
	state.logger.Info("sieg-loop@default dispatch", zap.Int("from", state.loop.PercentKeep()), zap.Int("target", target),
		zap.String("state", string(state.loop.State())), zap.Duration("travel", state.loop.TravelTime(target)))
	state.report(ctx)

	motorOn, _ := state.deps.Bus.LatestValue(domain.RELAY_SIEG_MOTOR)
	if wasMoving || motorOn == RelayValue(domain.RELAY_CLOSE) {
		state.setRelay(ctx, domain.RELAY_SIEG_MOTOR, false)
	}
	if !state.loop.Moving() {
		state.setRelay(ctx, domain.RELAY_SIEG_DIRECTION, false)
		return
	}
	state.setRelay(ctx, domain.RELAY_SIEG_DIRECTION, siegloop.RelaysFor(state.loop.State()).Keep)
	state.scheduler.RequestOnce(SIEG_RELAY_SETTLE, ctx.Self(), siegStart{taskId: taskId})
}

func (state *SiegLoopActor) setRelay(ctx actor.Context, relay string, closed bool) {
	event := domain.RELAY_OPEN
	if closed {
		event = domain.RELAY_CLOSE
	}
	state.send(ctx, relay, domain.ChangeRelayState{Event: event})
}

func (state *SiegLoopActor) report(ctx actor.Context) {
	state.reportStates(ctx, "sieg.loop.state", []string{string(state.loop.State())}, []int64{state.nowMs()},
		fmt.Sprintf("sieg-task-%d", state.loop.TaskId()))
}
