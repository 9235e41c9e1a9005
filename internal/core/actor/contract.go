package actor

import (
	"errors"
	"fmt"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/scheduler"
	"go.uber.org/zap"

	"github.com/spaceheat/scada/internal/core/contract"
	"github.com/spaceheat/scada/internal/core/domain"
)

const (
	DEFAULT_CONTRACT_TICK = 10 * time.Second
	CAUSE_CONTRACT_ENDED  = "Contract duration elapsed"
)

type contractTick struct {
}

// ContractActor runs the slow dispatch contract with the market agent: it
// answers heartbeats, integrates power into energy and closes contracts that
// ran past their end.
type ContractActor struct {
	behavior  actor.Behavior
	node
	scheduler *scheduler.TimerScheduler
	manager   *contract.Manager
	tick      time.Duration
}

func NewContractActor(manager *contract.Manager, tick time.Duration, deps Deps) *ContractActor {
	if tick <= 0 {
		tick = DEFAULT_CONTRACT_TICK
	}
	act := &ContractActor{
		behavior: actor.NewBehavior(),
		node:     newNode(domain.ACTOR_ID_CONTRACT, deps),
		manager:  manager,
		tick:     tick,
	}
	act.behavior.Become(act.DefaultReceive)
	return act
}

func (state *ContractActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *ContractActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("contract@default started")
		state.scheduler = scheduler.NewTimerScheduler(ctx)
		hb, err := state.manager.LoadHeartbeat()
		if err != nil {
			state.logger.Error("contract@default could not load stored heartbeat", zap.Error(err))
			state.glitch(ctx, domain.GLITCH_WARNING, "contract store unreadable", err.Error())
		} else if hb != nil {
			state.logger.Info("contract@default closing contract that ended while offline", zap.String("contract", hb.Contract.ContractId))
			state.send(ctx, domain.NODE_ATN, *hb)
		}
		state.updateMetrics()
		state.scheduler.RequestOnce(state.tick, ctx.Self(), contractTick{})
	case domain.ActorHealthRequest:
		st := "idle"
		if state.manager.HasLiveContract() {
			st = "live"
		}
		state.healthy(ctx, st)
	case contractTick:
		state.pat(ctx)
		state.onTick(ctx)
		state.scheduler.RequestOnce(state.tick, ctx.Self(), contractTick{})
	case domain.GetContractStatusRequest:
		resp := domain.GetContractStatusResponse{
			Latest:       state.manager.Latest(),
			Prev:         state.manager.Prev(),
			EnergyUsedWh: state.manager.EnergyUsedWh(),
			LatestPowerW: state.manager.LatestPowerW(),
		}
		if rem, ok := state.manager.RemainingWattHours(); ok {
			resp.RemainingWh = &rem
		}
		ctx.Respond(resp)
	case domain.TerminateContractRequest:
		hb, err := state.manager.ScadaTerminatesContractHb(msg.Cause)
		if err != nil {
			state.logger.Warn("contract@default terminate rejected", zap.Error(err))
			ctx.Respond(domain.TerminateContractResponse{ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err}})
			return
		}
		state.send(ctx, domain.NODE_ATN, hb)
		state.updateMetrics()
		ctx.Respond(domain.TerminateContractResponse{Heartbeat: &hb})
	case domain.Envelope:
		state.onEnvelope(ctx, msg)
	default:
		state.logger.Debug("contract@default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *ContractActor) onEnvelope(ctx actor.Context, env domain.Envelope) {
	switch payload := env.Payload.(type) {
	case domain.PowerWatts:
		state.manager.UpdateEnergyUsage(payload.Watts)
		state.updateMetrics()
	case domain.SlowContractHeartbeat:
		state.logger.Info("contract@default heartbeat", zap.String("from", env.Src), zap.String("status", string(payload.Status)),
			zap.String("contract", payload.Contract.ContractId))
		reply, err := state.manager.Handle(payload)
		if err != nil {
			state.rejected(ctx, payload, err)
			return
		}
		if reply != nil {
			state.send(ctx, domain.NODE_ATN, *reply)
		}
		state.updateMetrics()
	case domain.EnergyInstruction:
		state.logger.Info("contract@default energy instruction", zap.Int("avg_power_w", payload.AvgPowerWatts),
			zap.Int("minutes", payload.SlotDurationMinutes))
		hb, err := state.manager.HandleEnergyInstruction(payload)
		if err != nil {
			state.logger.Warn("contract@default energy instruction rejected", zap.Error(err))
			state.glitch(ctx, domain.GLITCH_WARNING, "energy instruction rejected", err.Error())
			return
		}
		state.send(ctx, domain.NODE_ATN, hb)
		state.updateMetrics()
	default:
		state.logger.Debug("contract@default unhandled payload", zap.String("type", payload.TypeName()))
	}
}

func (state *ContractActor) rejected(ctx actor.Context, hb domain.SlowContractHeartbeat, err error) {
	level := domain.GLITCH_WARNING
	if errors.Is(err, contract.ErrUnexpectedStatus) || errors.Is(err, contract.ErrContractMismatch) {
		level = domain.GLITCH_CRITICAL
	}
	state.logger.Warn("contract@default heartbeat rejected", zap.String("status", string(hb.Status)), zap.Error(err))
	state.glitch(ctx, level, fmt.Sprintf("contract heartbeat %s rejected", hb.Status), err.Error())
}

func (state *ContractActor) onTick(ctx actor.Context) {
	if !state.manager.HasLiveContract() {
		return
	}
	state.manager.UpdateEnergyUsage(state.manager.LatestPowerW())
	if state.manager.ActiveContractHasExpired() {
		hb, err := state.manager.ScadaContractCompletionHb(CAUSE_CONTRACT_ENDED)
		if err != nil {
			state.logger.Error("contract@default completion failed", zap.Error(err))
			return
		}
		state.logger.Info("contract@default contract completed", zap.String("contract", hb.Contract.ContractId))
		state.send(ctx, domain.NODE_ATN, hb)
	}
	state.updateMetrics()
}

func (state *ContractActor) updateMetrics() {
	rem, live := state.manager.RemainingWattHours()
	state.deps.Metrics.Contract(live, state.manager.EnergyUsedWh(), rem)
}
