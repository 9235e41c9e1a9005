package actor

import (
	"fmt"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"

	"github.com/spaceheat/scada/internal/core/domain"
	. "github.com/spaceheat/scada/internal/util/actorutil"
	"github.com/spaceheat/scada/pkg/drivers"
)

const DEVICE_WRITE_TIMEOUT = 2 * time.Second

// Device is the hardware behind a leaf node of the command tree.
type Device interface {
	Accepts(cmd domain.Payload) bool
	// Apply performs cmd and returns the value to publish for the device channel.
	Apply(cmd domain.Payload) (int64, error)
}

// RelayDevice maps relay events to a coil. EnergizeOn is the event that
// energizes it; the other event de-energizes. The published value is 1 while
// the relay is closed whatever the coil wiring.
type RelayDevice struct {
	Board      drivers.RelayBoard
	Index      int
	EnergizeOn domain.RelayEvent
}

func (d RelayDevice) Accepts(cmd domain.Payload) bool {
	_, ok := cmd.(domain.ChangeRelayState)
	return ok
}

func (d RelayDevice) Apply(cmd domain.Payload) (int64, error) {
	event := cmd.(domain.ChangeRelayState).Event
	if err := d.Board.SetRelay(d.Index, event == d.EnergizeOn); err != nil {
		return 0, err
	}
	return RelayValue(event), nil
}

const (
	RELAY_STATE_ENUM   = "relay.closed.or.open"
	RELAY_STATE_CLOSED = "RelayClosed"
	RELAY_STATE_OPEN   = "RelayOpen"
)

func (d RelayDevice) StateEnum() string {
	return RELAY_STATE_ENUM
}

func (d RelayDevice) StateName(value int64) string {
	if value == 1 {
		return RELAY_STATE_CLOSED
	}
	return RELAY_STATE_OPEN
}

func RelayValue(event domain.RelayEvent) int64 {
	if event == domain.RELAY_CLOSE {
		return 1
	}
	return 0
}

// StatefulDevice is a device whose value changes are reported as MachineStates.
type StatefulDevice interface {
	Device
	StateEnum() string
	StateName(value int64) string
}

type AnalogDevice struct {
	Out   drivers.AnalogOut
	Index int
}

func (d AnalogDevice) Accepts(cmd domain.Payload) bool {
	_, ok := cmd.(domain.AnalogDispatch)
	return ok
}

func (d AnalogDevice) Apply(cmd domain.Payload) (int64, error) {
	v := cmd.(domain.AnalogDispatch).Value
	if err := d.Out.SetOutput(d.Index, v); err != nil {
		return 0, err
	}
	return int64(v), nil
}

// DeviceActor owns one relay or analog output. It only obeys its direct boss.
type DeviceActor struct {
	ActorWithStates
	node
	device Device
	stash  *Stash
	last   *int64
}

type deviceWriteResult struct {
	value     int64
	err       error
	event     string
	src       string
	triggerId string
}

func NewDeviceActor(name string, device Device, deps Deps) *DeviceActor {
	act := &DeviceActor{
		node:   newNode(name, deps),
		device: device,
		stash:  &Stash{},
		ActorWithStates: ActorWithStates{
			Behavior: actor.NewBehavior(),
		},
	}
	act.Become(DeviceReadyState{actor: act})
	return act
}

func (state *DeviceActor) Receive(context actor.Context) {
	state.Behavior.Receive(context)
}

func commandTriggerId(cmd domain.Payload) string {
	switch c := cmd.(type) {
	case domain.ChangeRelayState:
		return c.TriggerId
	case domain.AnalogDispatch:
		return c.TriggerId
	}
	return ""
}

// reportChange sends MachineStates when a stateful device changed value.
func (state *DeviceActor) reportChange(ctx actor.Context, value int64, triggerId string) {
	if state.last != nil && *state.last == value {
		return
	}
	state.last = &value
	sd, ok := state.device.(StatefulDevice)
	if !ok {
		return
	}
	state.reportStates(ctx, sd.StateEnum(), []string{sd.StateName(value)}, []int64{state.nowMs()}, triggerId)
}

func commandLabel(cmd domain.Payload) string {
	switch c := cmd.(type) {
	case domain.ChangeRelayState:
		return string(c.Event)
	case domain.AnalogDispatch:
		return fmt.Sprintf("%d", c.Value)
	}
	return cmd.TypeName()
}

// Ready state

type DeviceReadyState struct {
	ActorState
	actor *DeviceActor
}

func (state DeviceReadyState) Name() string {
	return "ready"
}

func (state DeviceReadyState) Receive(ctx actor.Context) {
	a := state.actor
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		a.logger.Debug(a.name+"@ready started", zap.String("handle", a.handle))
	case domain.ActorHealthRequest:
		a.healthy(ctx, state.Name())
	case domain.Envelope:
		switch payload := msg.Payload.(type) {
		case domain.NewCommandTree:
			if msg.Src != domain.ACTOR_ID_MASTER {
				a.logger.Warn(a.name+"@ready NewCommandTree not from master", zap.String("src", msg.Src))
				return
			}
			a.learnHandle(payload)
		default:
			if !a.device.Accepts(payload) {
				a.logger.Debug(a.name+"@ready unhandled payload", zap.String("type", payload.TypeName()))
				return
			}
			if !a.authorize(ctx, msg) {
				return
			}
			a.logger.Debug(a.name+"@ready command", zap.String("src", msg.Src), zap.String("cmd", commandLabel(payload)))
			device := a.device
			src := msg.Src
			NewBackgroundTaskNoError(ctx, func() *deviceWriteResult {
				v, err := device.Apply(payload)
				return &deviceWriteResult{value: v, err: err, event: commandLabel(payload), src: src, triggerId: commandTriggerId(payload)}
			}).Recover(func(err error) deviceWriteResult {
				return deviceWriteResult{err: err, event: commandLabel(payload), src: src}
			}).WithTimeout(DEVICE_WRITE_TIMEOUT).PipeTo(ctx.Self())
			a.BecomeStacked(DeviceWritingState{actor: a})
		}
	default:
		a.logger.Debug(a.name+"@ready recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// Writing state: one hardware write in flight, everything else waits.

type DeviceWritingState struct {
	ActorState
	actor *DeviceActor
}

func (state DeviceWritingState) Name() string {
	return "writing"
}

func (state DeviceWritingState) Receive(ctx actor.Context) {
	a := state.actor
	switch msg := ctx.Message().(type) {
	case deviceWriteResult:
		if msg.err != nil {
			a.logger.Error(a.name+"@writing failed", zap.String("cmd", msg.event), zap.Error(msg.err))
			a.glitch(ctx, domain.GLITCH_CRITICAL, fmt.Sprintf("%s write failed", a.name), msg.err.Error())
		} else {
			a.deps.Bus.Publish(a.name, msg.value, a.nowMs())
			a.deps.Metrics.RelayCommand(a.name, msg.event)
			a.reportChange(ctx, msg.value, msg.triggerId)
		}
		a.UnbecomeStacked()
		a.stash.UnstashAll(ctx)
	case domain.ActorHealthRequest:
		a.healthy(ctx, state.Name())
	default:
		a.logger.Debug(a.name+"@writing stash", zap.String("type", fmt.Sprintf("%T", msg)))
		a.stash.Stash(ctx, msg)
	}
}
