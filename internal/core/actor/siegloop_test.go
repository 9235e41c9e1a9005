package actor

import (
	"testing"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaceheat/scada/internal/core/domain"
	"github.com/spaceheat/scada/internal/core/siegloop"
	"github.com/spaceheat/scada/internal/core/telemetry"
)

func TestSiegLoopMovesValve(t *testing.T) {
	rig := newTestRig(t)
	master := rig.collect(t, domain.ACTOR_ID_MASTER)
	devices := rig.devices()
	for _, name := range []string{domain.RELAY_SIEG_MOTOR, domain.RELAY_SIEG_DIRECTION} {
		name := name
		rig.spawn(t, name, func() actor.Actor { return NewDeviceActor(name, devices[name], rig.deps) })
	}
	pid := rig.spawn(t, domain.ACTOR_ID_SIEG_LOOP, func() actor.Actor {
		return NewSiegLoopActor(100, 50*time.Millisecond, rig.deps)
	})

	assert.Eventually(t, func() bool {
		v, ok := rig.deps.Bus.LatestValue(telemetry.CHANNEL_HP_KEEP)
		return ok && v == 100
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, rig.deps.Router.Send(rig.root, domain.ACTOR_ID_MASTER, domain.ACTOR_ID_SIEG_LOOP, domain.AnalogDispatch{Value: 97}))

	_, states := awaitPayload[domain.MachineStates](t, master, time.Second)
	assert.Equal(t, []string{string(siegloop.KEEPING_LESS)}, states.States)
	assert.Eventually(t, rig.relayClosed(testRelayIndex[domain.RELAY_SIEG_MOTOR]), time.Second, 5*time.Millisecond, "motor started")

	assert.Eventually(t, func() bool {
		v, _ := rig.deps.Bus.LatestValue(telemetry.CHANNEL_HP_KEEP)
		return v == 97
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		motor, _ := rig.board.RelayState(testRelayIndex[domain.RELAY_SIEG_MOTOR])
		dir, _ := rig.board.RelayState(testRelayIndex[domain.RELAY_SIEG_DIRECTION])
		return !motor && !dir
	}, time.Second, 10*time.Millisecond, "relays released on arrival")
	assert.Equal(t, string(siegloop.STEADY_BLEND), healthOf(t, rig.root, pid).State)
}

func TestSiegLoopRejectsOutOfRange(t *testing.T) {
	rig := newTestRig(t)
	master := rig.collect(t, domain.ACTOR_ID_MASTER)
	rig.spawn(t, domain.ACTOR_ID_SIEG_LOOP, func() actor.Actor {
		return NewSiegLoopActor(50, 20*time.Millisecond, rig.deps)
	})

	require.NoError(t, rig.deps.Router.Send(rig.root, domain.ACTOR_ID_MASTER, domain.ACTOR_ID_SIEG_LOOP, domain.AnalogDispatch{Value: 120}))

	_, g := awaitPayload[domain.Glitch](t, master, time.Second)
	assert.Equal(t, domain.GLITCH_WARNING, g.Level)
	v, _ := rig.deps.Bus.LatestValue(telemetry.CHANNEL_HP_KEEP)
	assert.Equal(t, int64(50), v)
}
