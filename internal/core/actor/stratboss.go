package actor

import (
	"fmt"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/scheduler"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spaceheat/scada/internal/core/domain"
	"github.com/spaceheat/scada/internal/core/stratboss"
	"github.com/spaceheat/scada/internal/core/telemetry"
	. "github.com/spaceheat/scada/internal/util/actorutil"
)

const STRAT_BOSS_ACK_TIMEOUT = 30 * time.Second

type defrostPoll struct {
}

type stratTimer struct {
	kind      stratboss.Trigger
	triggerId string
}

type gateRelease struct {
	triggerId string
}

type liftPoll struct {
	triggerId string
}

type ackTimeout struct {
	triggerId string
}

// StratBossActor protects tank stratification around heat pump starts and
// defrosts. It borrows actuators from its boss while Active.
type StratBossActor struct {
	ActorWithStates
	node
	scheduler *scheduler.TimerScheduler
	machine   *stratboss.Machine
	location  *time.Location

	triggerId string
	cancels   []scheduler.CancelFunc
}

func NewStratBossActor(cfg stratboss.Config, location *time.Location, deps Deps) *StratBossActor {
	if location == nil {
		location = time.Local
	}
	act := &StratBossActor{
		node:     newNode(domain.ACTOR_ID_STRAT_BOSS, deps),
		machine:  stratboss.NewMachine(cfg),
		location: location,
		ActorWithStates: ActorWithStates{
			Behavior: actor.NewBehavior(),
		},
	}
	act.Become(StratBossDormantState{actor: act})
	return act
}

func (state *StratBossActor) Receive(context actor.Context) {
	state.Behavior.Receive(context)
}

func (state *StratBossActor) hour() int {
	return state.deps.Clock.Now().In(state.location).Hour()
}

func (state *StratBossActor) cancelTimers() {
	for _, c := range state.cancels {
		c()
	}
	state.cancels = nil
}

func (state *StratBossActor) report(ctx actor.Context, msg domain.StratBossTrigger) {
	state.reportStates(ctx, "strat.boss.state", []string{msg.ToState}, []int64{state.nowMs()}, msg.TriggerId)
}

// request starts the activation handshake with the boss.
func (state *StratBossActor) request(ctx actor.Context, t stratboss.Trigger) {
	id := uuid.NewString()
	msg, err := state.machine.Request(t, id)
	if err != nil {
		if state.machine.HpOnQueued() && t == stratboss.HP_TURN_ON_RECEIVED {
			state.logger.Info("strat-boss@dormant heat pump turn on queued behind pending request", zap.Error(err))
			return
		}
		state.logger.Warn("strat-boss@dormant request dropped", zap.String("trigger", string(t)), zap.Error(err))
		return
	}
	state.logger.Info("strat-boss@dormant asking boss for authority", zap.String("trigger", string(t)), zap.String("trigger_id", id))
	state.send(ctx, domain.ACTOR_ID_MASTER, msg)
	state.cancels = append(state.cancels, state.scheduler.RequestOnce(STRAT_BOSS_ACK_TIMEOUT, ctx.Self(), ackTimeout{triggerId: id}))
}

func (state *StratBossActor) actuate(ctx actor.Context, act stratboss.Actuation) {
	state.send(ctx, domain.RELAY_STORE_CHARGE_DISCHARGE, domain.ChangeRelayState{Event: domain.STORE_DISCHARGE, TriggerId: state.triggerId})
	for _, zone := range act.ForcedZones {
		state.send(ctx, domain.ZoneStatRelay(zone), domain.ChangeRelayState{Event: domain.RELAY_CLOSE, TriggerId: state.triggerId})
	}
	state.send(ctx, domain.ANALOG_DIST_010V, domain.AnalogDispatch{Value: act.Dist010V, TriggerId: state.triggerId})

	state.cancels = append(state.cancels,
		state.scheduler.RequestOnce(act.Timeout, ctx.Self(), stratTimer{kind: stratboss.TIMEOUT, triggerId: state.triggerId}),
		state.scheduler.RequestOnce(act.LiftWait, ctx.Self(), liftPoll{triggerId: state.triggerId}))
	if act.ReleaseGate {
		state.cancels = append(state.cancels, state.scheduler.RequestOnce(act.ReleaseGateAfter, ctx.Self(), gateRelease{triggerId: state.triggerId}))
	}
}

// deactivate hands the zones and the store valve back before telling the boss.
func (state *StratBossActor) deactivate(ctx actor.Context, t stratboss.Trigger) {
	msg, err := state.machine.Deactivate(t, state.triggerId)
	if err != nil {
		state.logger.Warn("strat-boss@active deactivate refused", zap.String("trigger", string(t)), zap.Error(err))
		return
	}
	state.cancelTimers()
	for _, zone := range state.machine.Config().Zones {
		state.send(ctx, domain.ZoneStatRelay(zone), domain.ChangeRelayState{Event: domain.RELAY_OPEN, TriggerId: msg.TriggerId})
	}
	state.send(ctx, domain.RELAY_STORE_CHARGE_DISCHARGE, domain.ChangeRelayState{Event: domain.STORE_CHARGE, TriggerId: msg.TriggerId})
	state.logger.Info("strat-boss@active back to dormant", zap.String("trigger", string(t)))
	state.send(ctx, domain.ACTOR_ID_MASTER, msg)
	state.report(ctx, msg)
	state.triggerId = ""
	state.Become(StratBossDormantState{actor: state})
	state.scheduleDefrostPoll(ctx)
}

func (state *StratBossActor) scheduleDefrostPoll(ctx actor.Context) {
	state.scheduler.RequestOnce(state.machine.Config().DefrostPoll, ctx.Self(), defrostPoll{})
}

func (state *StratBossActor) learnFromMaster(env domain.Envelope, tree domain.NewCommandTree) {
	if env.Src == domain.ACTOR_ID_MASTER {
		state.learnHandle(tree)
	}
}

// Dormant state

type StratBossDormantState struct {
	ActorState
	actor *StratBossActor
}

func (state StratBossDormantState) Name() string {
	return "dormant"
}

func (state StratBossDormantState) Receive(ctx actor.Context) {
	a := state.actor
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		a.scheduler = scheduler.NewTimerScheduler(ctx)
		if a.machine.Disabled() {
			a.logger.Info("strat-boss@dormant permanently disabled by exemption schedule")
			a.glitch(ctx, domain.GLITCH_INFO, "strat-boss disabled", "every hour and every zone is exempt")
			a.Become(StratBossDisabledState{actor: a})
			return
		}
		a.scheduleDefrostPoll(ctx)
	case domain.ActorHealthRequest:
		a.healthy(ctx, state.Name())
	case defrostPoll:
		a.pat(ctx)
		idu, okIdu := a.deps.Bus.LatestValue(telemetry.CHANNEL_HP_IDU_PWR)
		odu, okOdu := a.deps.Bus.LatestValue(telemetry.CHANNEL_HP_ODU_PWR)
		if okIdu && okOdu && a.machine.ObservePower(float64(idu), float64(odu)) {
			a.logger.Info("strat-boss@dormant defrost detected", zap.Int64("idu_w", idu), zap.Int64("odu_w", odu))
			a.request(ctx, stratboss.DEFROST_DETECTED)
		}
		a.scheduleDefrostPoll(ctx)
	case ackTimeout:
		if a.machine.AwaitingAck() && a.triggerId == "" {
			a.logger.Warn("strat-boss@dormant boss never acked", zap.String("trigger_id", msg.triggerId))
			if a.machine.DropPending() {
				a.request(ctx, stratboss.HP_TURN_ON_RECEIVED)
			}
		}
	case domain.Envelope:
		switch payload := msg.Payload.(type) {
		case domain.NewCommandTree:
			a.learnFromMaster(msg, payload)
		case domain.HpOnOff:
			if !a.authorize(ctx, msg) {
				return
			}
			if payload.On {
				a.request(ctx, stratboss.HP_TURN_ON_RECEIVED)
			} else {
				a.machine.CancelQueuedHpOn()
			}
		case domain.StratBossTrigger:
			if msg.Src != domain.ACTOR_ID_MASTER {
				return
			}
			act, err := a.machine.Ack(payload, a.hour())
			if err != nil {
				a.logger.Warn("strat-boss@dormant unexpected ack", zap.String("trigger_id", payload.TriggerId), zap.Error(err))
				return
			}
			a.cancelTimers()
			a.triggerId = payload.TriggerId
			a.logger.Info("strat-boss@dormant activated", zap.String("trigger", payload.Trigger), zap.Strings("zones", act.ForcedZones),
				zap.Int("dist_010v", act.Dist010V), zap.Bool("release_gate", act.ReleaseGate))
			a.report(ctx, payload)
			a.Become(StratBossActiveState{actor: a})
			a.actuate(ctx, act)
		}
	default:
		a.logger.Debug("strat-boss@dormant recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// Active state

type StratBossActiveState struct {
	ActorState
	actor *StratBossActor
}

func (state StratBossActiveState) Name() string {
	return "active"
}

func (state StratBossActiveState) Receive(ctx actor.Context) {
	a := state.actor
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		a.healthy(ctx, state.Name())
	case gateRelease:
		if msg.triggerId != a.triggerId {
			return
		}
		a.logger.Info("strat-boss@active releasing heat pump gate")
		a.send(ctx, domain.ACTOR_ID_HP_RELAY_BOSS, domain.ChangeRelayState{Event: domain.HP_ON, TriggerId: a.triggerId})
	case liftPoll:
		if msg.triggerId != a.triggerId {
			return
		}
		a.pat(ctx)
		lwt, okL := a.deps.Bus.LatestValue(telemetry.CHANNEL_HP_LWT)
		ewt, okE := a.deps.Bus.LatestValue(telemetry.CHANNEL_HP_EWT)
		if okL && okE && a.machine.LiftDetected(stratboss.MilliCToF(lwt), stratboss.MilliCToF(ewt)) {
			a.deactivate(ctx, stratboss.LIFT_DETECTED)
			return
		}
		a.cancels = append(a.cancels, a.scheduler.RequestOnce(a.machine.Config().LiftPoll, ctx.Self(), liftPoll{triggerId: a.triggerId}))
	case stratTimer:
		if msg.triggerId == a.triggerId {
			a.deactivate(ctx, msg.kind)
		}
	case defrostPoll, ackTimeout:
	case domain.Envelope:
		switch payload := msg.Payload.(type) {
		case domain.NewCommandTree:
			a.learnFromMaster(msg, payload)
		case domain.HpOnOff:
			if !a.authorize(ctx, msg) {
				return
			}
			if !payload.On {
				a.deactivate(ctx, stratboss.HP_TURN_OFF_RECEIVED)
			}
		case domain.StratBossTrigger:
			if msg.Src == domain.ACTOR_ID_MASTER && payload.Trigger == string(stratboss.BOSS_CANCELS) {
				a.deactivate(ctx, stratboss.BOSS_CANCELS)
			}
		}
	default:
		a.logger.Debug("strat-boss@active recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// Disabled state: every hour and zone is exempt, nothing is ever requested.

type StratBossDisabledState struct {
	ActorState
	actor *StratBossActor
}

func (state StratBossDisabledState) Name() string {
	return "disabled"
}

func (state StratBossDisabledState) Receive(ctx actor.Context) {
	a := state.actor
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		a.healthy(ctx, state.Name())
	case domain.Envelope:
		if tree, ok := msg.Payload.(domain.NewCommandTree); ok {
			a.learnFromMaster(msg, tree)
		}
	default:
		a.logger.Debug("strat-boss@disabled recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}
