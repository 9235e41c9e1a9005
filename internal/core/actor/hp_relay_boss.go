package actor

import (
	"fmt"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"

	"github.com/spaceheat/scada/internal/core/domain"
)

// HpRelayBossActor sits between whoever currently runs the heat pump and the
// relay that takes it out of scada control. Moving this node in the command
// tree moves authority over the heat pump.
type HpRelayBossActor struct {
	behavior actor.Behavior
	node
	last domain.RelayEvent
}

func NewHpRelayBossActor(deps Deps) *HpRelayBossActor {
	act := &HpRelayBossActor{
		behavior: actor.NewBehavior(),
		node:     newNode(domain.ACTOR_ID_HP_RELAY_BOSS, deps),
	}
	act.behavior.Become(act.DefaultReceive)
	return act
}

func (state *HpRelayBossActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *HpRelayBossActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.healthy(ctx, "gate-"+string(state.last))
	case domain.Envelope:
		switch payload := msg.Payload.(type) {
		case domain.NewCommandTree:
			if msg.Src == domain.ACTOR_ID_MASTER {
				state.learnHandle(payload)
			}
		case domain.ChangeRelayState:
			if !state.authorize(ctx, msg) {
				return
			}
			state.logger.Info("hp-relay-boss@default forwarding", zap.String("from", msg.Src), zap.String("event", string(payload.Event)))
			state.last = payload.Event
			state.send(ctx, domain.RELAY_HP_SCADA_OPS, payload)
		default:
			state.logger.Debug("hp-relay-boss@default unhandled payload", zap.String("type", payload.TypeName()))
		}
	default:
		state.logger.Debug("hp-relay-boss@default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}
