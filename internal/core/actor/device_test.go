package actor

import (
	"testing"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaceheat/scada/internal/core/domain"
)

func TestDeviceObeysDirectBoss(t *testing.T) {
	rig := newTestRig(t)
	store := testRelayIndex[domain.RELAY_STORE_CHARGE_DISCHARGE]
	pid := rig.spawn(t, domain.RELAY_STORE_CHARGE_DISCHARGE, func() actor.Actor {
		return NewDeviceActor(domain.RELAY_STORE_CHARGE_DISCHARGE, rig.devices()[domain.RELAY_STORE_CHARGE_DISCHARGE], rig.deps)
	})

	err := rig.deps.Router.Send(rig.root, domain.ACTOR_ID_MASTER, domain.RELAY_STORE_CHARGE_DISCHARGE,
		domain.ChangeRelayState{Event: domain.STORE_DISCHARGE})
	require.NoError(t, err)

	assert.Eventually(t, rig.relayClosed(store), time.Second, 10*time.Millisecond, "discharge energizes the valve relay")
	assert.Eventually(t, func() bool {
		v, ok := rig.deps.Bus.LatestValue(domain.RELAY_STORE_CHARGE_DISCHARGE)
		return ok && v == 1
	}, time.Second, 10*time.Millisecond, "relay state published")
	assert.Equal(t, "ready", healthOf(t, rig.root, pid).State)
}

func TestDeviceRejectsOtherSenders(t *testing.T) {
	rig := newTestRig(t)
	master := rig.collect(t, domain.ACTOR_ID_MASTER)
	store := testRelayIndex[domain.RELAY_STORE_CHARGE_DISCHARGE]
	rig.spawn(t, domain.RELAY_STORE_CHARGE_DISCHARGE, func() actor.Actor {
		return NewDeviceActor(domain.RELAY_STORE_CHARGE_DISCHARGE, rig.devices()[domain.RELAY_STORE_CHARGE_DISCHARGE], rig.deps)
	})

	// strat-boss is a sibling until the master lends it the valve
	err := rig.deps.Router.Send(rig.root, domain.ACTOR_ID_STRAT_BOSS, domain.RELAY_STORE_CHARGE_DISCHARGE,
		domain.ChangeRelayState{Event: domain.STORE_DISCHARGE})
	require.NoError(t, err)

	_, g := awaitPayload[domain.Glitch](t, master, 2*time.Second)
	assert.Equal(t, domain.GLITCH_WARNING, g.Level)
	assert.Equal(t, domain.RELAY_STORE_CHARGE_DISCHARGE, g.FromNode)
	assert.NotEmpty(t, g.Id)

	v, err := rig.board.RelayState(store)
	assert.NoError(t, err)
	assert.False(t, v, "rejected command leaves the relay alone")
	assert.Equal(t, 0, rig.board.Writes())
}

func TestDeviceFollowsNewCommandTree(t *testing.T) {
	rig := newTestRig(t)
	rig.collect(t, domain.ACTOR_ID_MASTER)
	store := testRelayIndex[domain.RELAY_STORE_CHARGE_DISCHARGE]
	rig.spawn(t, domain.RELAY_STORE_CHARGE_DISCHARGE, func() actor.Actor {
		return NewDeviceActor(domain.RELAY_STORE_CHARGE_DISCHARGE, rig.devices()[domain.RELAY_STORE_CHARGE_DISCHARGE], rig.deps)
	})

	changed, err := rig.deps.Router.Tree().Reparent(domain.RELAY_STORE_CHARGE_DISCHARGE, domain.ACTOR_ID_STRAT_BOSS)
	require.NoError(t, err)
	require.NoError(t, rig.deps.Router.Send(rig.root, domain.ACTOR_ID_MASTER, domain.RELAY_STORE_CHARGE_DISCHARGE,
		domain.NewCommandTree{Handles: changed}))

	// the old boss lost authority
	require.NoError(t, rig.deps.Router.Send(rig.root, domain.ACTOR_ID_MASTER, domain.RELAY_STORE_CHARGE_DISCHARGE,
		domain.ChangeRelayState{Event: domain.STORE_DISCHARGE}))
	time.Sleep(100 * time.Millisecond)
	v, _ := rig.board.RelayState(store)
	assert.False(t, v)

	require.NoError(t, rig.deps.Router.Send(rig.root, domain.ACTOR_ID_STRAT_BOSS, domain.RELAY_STORE_CHARGE_DISCHARGE,
		domain.ChangeRelayState{Event: domain.STORE_DISCHARGE}))
	assert.Eventually(t, rig.relayClosed(store), time.Second, 10*time.Millisecond)
}

func TestAnalogDevice(t *testing.T) {
	rig := newTestRig(t)
	rig.spawn(t, domain.ANALOG_DIST_010V, func() actor.Actor {
		return NewDeviceActor(domain.ANALOG_DIST_010V, rig.devices()[domain.ANALOG_DIST_010V], rig.deps)
	})

	require.NoError(t, rig.deps.Router.Send(rig.root, domain.ACTOR_ID_MASTER, domain.ANALOG_DIST_010V, domain.AnalogDispatch{Value: 65}))
	assert.Eventually(t, func() bool {
		v, err := rig.analog.Output(0)
		return err == nil && v == 65
	}, time.Second, 10*time.Millisecond)

	// relay commands are not for an analog output
	require.NoError(t, rig.deps.Router.Send(rig.root, domain.ACTOR_ID_MASTER, domain.ANALOG_DIST_010V,
		domain.ChangeRelayState{Event: domain.RELAY_CLOSE}))
	time.Sleep(50 * time.Millisecond)
	v, _ := rig.analog.Output(0)
	assert.Equal(t, 65, v)
}

func TestDeviceReportsStateChanges(t *testing.T) {
	rig := newTestRig(t)
	master := rig.collect(t, domain.ACTOR_ID_MASTER)
	rig.spawn(t, domain.RELAY_STORE_CHARGE_DISCHARGE, func() actor.Actor {
		return NewDeviceActor(domain.RELAY_STORE_CHARGE_DISCHARGE, rig.devices()[domain.RELAY_STORE_CHARGE_DISCHARGE], rig.deps)
	})
	handle, _ := rig.deps.Router.Tree().Handle(domain.RELAY_STORE_CHARGE_DISCHARGE)
	command := func(event domain.RelayEvent, triggerId string) {
		require.NoError(t, rig.deps.Router.Send(rig.root, domain.ACTOR_ID_MASTER, domain.RELAY_STORE_CHARGE_DISCHARGE,
			domain.ChangeRelayState{Event: event, TriggerId: triggerId}))
	}

	command(domain.STORE_DISCHARGE, "t-1")
	_, states := awaitPayload[domain.MachineStates](t, master, 2*time.Second)
	assert.Equal(t, handle, states.MachineHandle)
	assert.Equal(t, RELAY_STATE_ENUM, states.StateEnum)
	assert.Equal(t, []string{RELAY_STATE_CLOSED}, states.States)
	assert.Len(t, states.UnixMsTimes, 1)
	assert.Equal(t, "t-1", states.TriggerId)

	// same state again: written but not reported
	command(domain.STORE_DISCHARGE, "t-2")
	command(domain.STORE_CHARGE, "t-3")
	_, states = awaitPayload[domain.MachineStates](t, master, 2*time.Second)
	assert.Equal(t, []string{RELAY_STATE_OPEN}, states.States)
	assert.Equal(t, "t-3", states.TriggerId)
	assert.Equal(t, 3, rig.board.Writes())
}

func TestAnalogDeviceDoesNotReportStates(t *testing.T) {
	rig := newTestRig(t)
	master := rig.collect(t, domain.ACTOR_ID_MASTER)
	rig.spawn(t, domain.ANALOG_DIST_010V, func() actor.Actor {
		return NewDeviceActor(domain.ANALOG_DIST_010V, rig.devices()[domain.ANALOG_DIST_010V], rig.deps)
	})

	require.NoError(t, rig.deps.Router.Send(rig.root, domain.ACTOR_ID_MASTER, domain.ANALOG_DIST_010V, domain.AnalogDispatch{Value: 55}))
	assert.Eventually(t, func() bool {
		v, ok := rig.deps.Bus.LatestValue(domain.ANALOG_DIST_010V)
		return ok && v == 55
	}, time.Second, 10*time.Millisecond)
	select {
	case env := <-master:
		t.Fatalf("unexpected %s from analog output", env.Payload.TypeName())
	case <-time.After(100 * time.Millisecond):
	}
}
