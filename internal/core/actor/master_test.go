package actor

import (
	"testing"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	adactor "github.com/spaceheat/scada/internal/adapter/actor"
	"github.com/spaceheat/scada/internal/core/domain"
	"github.com/spaceheat/scada/internal/core/planner"
	"github.com/spaceheat/scada/internal/core/stratboss"
	"github.com/spaceheat/scada/internal/util"
)

func startTestMaster(t *testing.T, rig *testRig) (*actor.PID, chan domain.Envelope) {
	t.Helper()
	cfg := util.LoadTestConfig()
	sink := make(chan domain.Envelope, 256)

	sb := stratboss.DefaultConfig()
	sb.Zones = testZones
	masterCfg := MasterConfig{
		Zones:              testZones,
		DistDefault:        40,
		StratBoss:          sb,
		InitialPercentKeep: 100,
		SiegDwell:          10 * time.Millisecond,
	}
	components := Components{Devices: rig.devices()}

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewMasterActor(masterCfg, components, rig.deps, func(*eventstream.EventStream) *adactor.MQTTActor {
			return adactor.NewTestMQTTActor(&cfg, rig.deps.Router, sink, rig.deps.Logger)
		}, nil, nil)
	})
	pid, err := rig.root.SpawnNamed(props, domain.ACTOR_ID_MASTER)
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	return pid, sink
}

func commandTree(t *testing.T, rig *testRig, pid *actor.PID) map[string]string {
	t.Helper()
	res, err := rig.root.RequestFuture(pid, domain.GetCommandTreeRequest{}, time.Second).Result()
	require.NoError(t, err)
	resp, ok := res.(domain.GetCommandTreeResponse)
	require.True(t, ok)
	return resp.Handles
}

func TestMasterActor(t *testing.T) {
	rig := newTestRig(t)
	pid, _ := startTestMaster(t, rig)

	healthResp := healthOf(t, rig.root, pid)
	assert.True(t, healthResp.Healthy, "healthy is true")
	assert.Equal(t, "ok", healthResp.State)

	handles := commandTree(t, rig, pid)
	assert.Equal(t, "a", handles[domain.ACTOR_ID_MASTER])
	assert.Equal(t, "a.hp-relay-boss.hp-scada-ops-relay", handles[domain.RELAY_HP_SCADA_OPS])
	assert.Equal(t, "a.pico-cycler.pico-power-relay", handles[domain.RELAY_PICO_POWER])
	assert.Equal(t, "a.sieg-loop.sieg-motor-relay", handles[domain.RELAY_SIEG_MOTOR])
	assert.Equal(t, "a.zone1-stat-ops-relay", handles[domain.ZoneStatRelay("zone1")])

	rig.root.Stop(pid)
}

func TestMasterForwardsGlitchesUpstream(t *testing.T) {
	rig := newTestRig(t)
	_, sink := startTestMaster(t, rig)

	// the strat-boss has not been lent the valve
	require.NoError(t, rig.deps.Router.Send(rig.root, domain.ACTOR_ID_STRAT_BOSS, domain.RELAY_STORE_CHARGE_DISCHARGE,
		domain.ChangeRelayState{Event: domain.STORE_DISCHARGE}))

	env, g := awaitPayload[domain.Glitch](t, sink, 2*time.Second)
	assert.Equal(t, domain.NODE_ATN, env.Dst)
	assert.Equal(t, domain.ACTOR_ID_MASTER, env.Src)
	assert.Equal(t, domain.RELAY_STORE_CHARGE_DISCHARGE, g.FromNode)
	assert.Equal(t, domain.GLITCH_WARNING, g.Level)
}

func TestMasterRoutesRemoteReadings(t *testing.T) {
	rig := newTestRig(t)
	startTestMaster(t, rig)

	mqttPid, ok := rig.deps.Router.PID(domain.ACTOR_ID_MQTT)
	require.True(t, ok)
	rig.root.Send(mqttPid, adactor.Deliver{Envelope: domain.NewEnvelope("pico-a", "scada", "", domain.SyncedReadings{
		ChannelNames:        []string{"tank-top", "tank-bottom"},
		Values:              []int64{60000, 40000},
		ScadaReadTimeUnixMs: time.Now().UnixMilli(),
	})})

	assert.Eventually(t, func() bool {
		top, okTop := rig.deps.Bus.LatestValue("tank-top")
		btm, okBtm := rig.deps.Bus.LatestValue("tank-bottom")
		return okTop && okBtm && top == 60000 && btm == 40000
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMasterLendsActuatorsToStratBoss(t *testing.T) {
	rig := newTestRig(t)
	pid, sink := startTestMaster(t, rig)
	store := testRelayIndex[domain.RELAY_STORE_CHARGE_DISCHARGE]

	require.NoError(t, rig.deps.Router.Send(rig.root, domain.ACTOR_ID_MASTER, domain.ACTOR_ID_STRAT_BOSS, domain.HpOnOff{On: true}))

	var states domain.MachineStates
	for states.StateEnum != "strat.boss.state" {
		_, states = awaitPayload[domain.MachineStates](t, sink, 2*time.Second)
	}
	assert.Equal(t, []string{string(stratboss.ACTIVE)}, states.States)

	handles := commandTree(t, rig, pid)
	assert.Equal(t, "a.strat-boss.store-charge-discharge-relay", handles[domain.RELAY_STORE_CHARGE_DISCHARGE])
	assert.Equal(t, "a.strat-boss.dist-010v", handles[domain.ANALOG_DIST_010V])
	assert.Equal(t, "a.strat-boss.hp-relay-boss.hp-scada-ops-relay", handles[domain.RELAY_HP_SCADA_OPS])
	assert.Equal(t, "a.strat-boss.zone2-stat-ops-relay", handles[domain.ZoneStatRelay("zone2")])

	assert.Eventually(t, rig.relayClosed(store), 2*time.Second, 10*time.Millisecond, "store swung to discharge")
	assert.Eventually(t, rig.relayClosed(testRelayIndex[domain.ZoneStatRelay("zone1")]), 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		v, _ := rig.analog.Output(0)
		return v == stratboss.DefaultConfig().Dist010V
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "active", healthOf(t, rig.root, mustPID(t, rig, domain.ACTOR_ID_STRAT_BOSS)).State)

	// turning the heat pump off hands everything back
	require.NoError(t, rig.deps.Router.Send(rig.root, domain.ACTOR_ID_MASTER, domain.ACTOR_ID_STRAT_BOSS, domain.HpOnOff{On: false}))

	assert.Eventually(t, func() bool {
		return commandTree(t, rig, pid)[domain.RELAY_STORE_CHARGE_DISCHARGE] == "a.store-charge-discharge-relay"
	}, 2*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		v, _ := rig.board.RelayState(store)
		return !v
	}, 2*time.Second, 10*time.Millisecond, "store back to charge")
	assert.Eventually(t, func() bool {
		v, _ := rig.analog.Output(0)
		return v == 40
	}, 2*time.Second, 10*time.Millisecond, "dist back to default")
	assert.Equal(t, "dormant", healthOf(t, rig.root, mustPID(t, rig, domain.ACTOR_ID_STRAT_BOSS)).State)
}

func TestBuildCommandTree(t *testing.T) {
	tree, err := BuildCommandTree([]string{"zone1"})
	require.NoError(t, err)

	h, ok := tree.Handle(domain.RELAY_SIEG_DIRECTION)
	assert.True(t, ok)
	assert.Equal(t, "a.sieg-loop.sieg-direction-relay", h)
	assert.True(t, tree.IsBossOf(domain.ACTOR_ID_HP_RELAY_BOSS, domain.RELAY_HP_SCADA_OPS))
	assert.True(t, tree.IsBossOf(domain.ACTOR_ID_MASTER, domain.ZoneStatRelay("zone1")))

	_, err = BuildCommandTree([]string{"zone1", "zone1"})
	assert.Error(t, err, "duplicate zone")
}

func mustPID(t *testing.T, rig *testRig, name string) *actor.PID {
	t.Helper()
	pid, ok := rig.deps.Router.PID(name)
	require.True(t, ok, name)
	return pid
}

func TestMasterStopsOnInvalidPlannerConfig(t *testing.T) {
	rig := newTestRig(t)
	cfg := util.LoadTestConfig()
	sink := make(chan domain.Envelope, 256)
	fatal := make(chan error, 1)

	sb := stratboss.DefaultConfig()
	sb.Zones = testZones
	masterCfg := MasterConfig{
		Zones:              testZones,
		DistDefault:        40,
		StratBoss:          sb,
		InitialPercentKeep: 100,
		SiegDwell:          10 * time.Millisecond,
		Planner:            PlannerConfig{Cron: "not a cron"},
	}
	components := Components{
		Devices: rig.devices(),
		Planner: planner.NewPlanner(nil, nil, planner.DefaultHingeConfig(), nil),
	}
	props := actor.PropsFromProducer(func() actor.Actor {
		return NewMasterActor(masterCfg, components, rig.deps, func(*eventstream.EventStream) *adactor.MQTTActor {
			return adactor.NewTestMQTTActor(&cfg, rig.deps.Router, sink, rig.deps.Logger)
		}, nil, func(err error) { fatal <- err })
	})
	pid, err := rig.root.SpawnNamed(props, domain.ACTOR_ID_MASTER)
	require.NoError(t, err)

	select {
	case err := <-fatal:
		assert.ErrorContains(t, err, "not a cron")
	case <-time.After(2 * time.Second):
		t.Fatal("invalid planner config was not fatal")
	}
	_, g := awaitPayload[domain.Glitch](t, sink, 2*time.Second)
	for g.Summary != "planner not started" {
		_, g = awaitPayload[domain.Glitch](t, sink, 2*time.Second)
	}
	assert.Equal(t, domain.GLITCH_CRITICAL, g.Level)
	_, ok := rig.deps.Router.PID(domain.ACTOR_ID_PLANNER)
	assert.False(t, ok)
	assert.NotNil(t, pid)
}

func TestPlannerConfigValidate(t *testing.T) {
	assert.NoError(t, PlannerConfig{}.Validate())
	assert.NoError(t, PlannerConfig{Cron: "0 55 * * * *", Location: time.UTC}.Validate())
	assert.Error(t, PlannerConfig{Cron: "not a cron"}.Validate())
}
