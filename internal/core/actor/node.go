package actor

import (
	"fmt"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spaceheat/scada/internal/core/domain"
	"github.com/spaceheat/scada/internal/core/forecast"
	"github.com/spaceheat/scada/internal/core/runtime"
	"github.com/spaceheat/scada/internal/core/telemetry"
	"github.com/spaceheat/scada/internal/metrics"
	. "github.com/spaceheat/scada/internal/util/actorutil"
)

// Deps are the process-wide handles every node is built with.
type Deps struct {
	Router  *runtime.Router
	Bus     *telemetry.Bus
	Stream  *eventstream.EventStream
	Clock   forecast.Clock
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// node is what every named actor of the command tree shares: its name, the
// handle it last learned from its boss, and the way it talks to other nodes.
type node struct {
	name   string
	handle string
	deps   Deps
	logger *zap.Logger
}

func newNode(name string, deps Deps) node {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = forecast.SystemClock{}
	}
	handle, _ := deps.Router.Tree().Handle(name)
	return node{
		name:   name,
		handle: handle,
		deps:   deps,
		logger: ActorLogger(name, deps.Logger),
	}
}

func (n *node) nowMs() int64 {
	return n.deps.Clock.Now().UnixMilli()
}

func (n *node) send(ctx actor.SenderContext, dst string, payload domain.Payload) {
	if err := n.deps.Router.Send(ctx, n.name, dst, payload); err != nil {
		n.logger.Warn(n.name+" send failed", zap.String("dst", dst), zap.String("type", payload.TypeName()), zap.Error(err))
	}
}

// learnHandle applies a NewCommandTree from the current boss.
func (n *node) learnHandle(tree domain.NewCommandTree) bool {
	h, ok := tree.Handles[n.name]
	if !ok || h == n.handle {
		return false
	}
	n.logger.Info(n.name+" handle changed", zap.String("from", n.handle), zap.String("to", h))
	n.handle = h
	return true
}

// authorize rejects env unless its sender is this node's direct boss. A
// rejection is logged, counted and reported upstream as a warning glitch.
func (n *node) authorize(ctx actor.SenderContext, env domain.Envelope) bool {
	err := runtime.Authorize(n.handle, env)
	if err == nil {
		return true
	}
	n.logger.Error(n.name+" rejected command", zap.String("src", env.Src), zap.String("type", env.Payload.TypeName()), zap.Error(err))
	n.deps.Metrics.CommandRejected(n.name)
	n.glitch(ctx, domain.GLITCH_WARNING, fmt.Sprintf("%s ignored %s from %s", n.name, env.Payload.TypeName(), env.Src), err.Error())
	return false
}

// glitch reports a problem to the master, which forwards it to the market agent.
func (n *node) glitch(ctx actor.SenderContext, level domain.GlitchLevel, summary, details string) {
	n.glitchTo(ctx, domain.ACTOR_ID_MASTER, level, summary, details)
}

func (n *node) glitchTo(ctx actor.SenderContext, dst string, level domain.GlitchLevel, summary, details string) {
	n.send(ctx, dst, domain.Glitch{
		Id:        uuid.NewString(),
		FromNode:  n.name,
		Level:     level,
		Summary:   summary,
		Details:   details,
		CreatedMs: n.nowMs(),
	})
}

func (n *node) reportStates(ctx actor.SenderContext, stateEnum string, states []string, times []int64, triggerId string) {
	n.send(ctx, domain.ACTOR_ID_MASTER, domain.MachineStates{
		MachineHandle: n.handle,
		StateEnum:     stateEnum,
		States:        states,
		UnixMsTimes:   times,
		TriggerId:     triggerId,
	})
}

func (n *node) healthy(ctx actor.Context, state string) {
	ctx.Respond(domain.ActorHealthResponse{
		Id:      n.name,
		Healthy: true,
		State:   state,
	})
}

// pat tells the master's watchdog this node is alive.
func (n *node) pat(ctx actor.SenderContext) {
	if pid, ok := n.deps.Router.PID(domain.ACTOR_ID_MASTER); ok {
		ctx.Send(pid, domain.WatchdogPat{Name: n.name})
	}
}

// watchChannel forwards bus readings of channel to the actor's own mailbox.
func (n *node) watchChannel(ctx actor.Context, channel string) *eventstream.Subscription {
	if n.deps.Stream == nil {
		return nil
	}
	root := ctx.ActorSystem().Root
	self := ctx.Self()
	return n.deps.Stream.Subscribe(func(evt any) {
		if r, ok := evt.(domain.SingleReading); ok && r.ChannelName == channel {
			root.Send(self, r)
		}
	})
}
