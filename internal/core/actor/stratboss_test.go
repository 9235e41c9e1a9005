package actor

import (
	"testing"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaceheat/scada/internal/core/domain"
	"github.com/spaceheat/scada/internal/core/stratboss"
	"github.com/spaceheat/scada/internal/core/telemetry"
)

func TestStratBossReleasesGateForHpOnDuringDefrostHandshake(t *testing.T) {
	rig := newTestRig(t)
	master := rig.collect(t, domain.ACTOR_ID_MASTER)
	gate := rig.collect(t, domain.ACTOR_ID_HP_RELAY_BOSS)
	rig.collect(t, domain.RELAY_STORE_CHARGE_DISCHARGE)
	rig.collect(t, domain.ANALOG_DIST_010V)
	for _, z := range testZones {
		rig.collect(t, domain.ZoneStatRelay(z))
	}

	cfg := stratboss.DefaultConfig()
	cfg.Zones = testZones
	cfg.DefrostPoll = 20 * time.Millisecond
	cfg.StratPrepSeconds = 0
	pid := rig.spawn(t, domain.ACTOR_ID_STRAT_BOSS, func() actor.Actor {
		return NewStratBossActor(cfg, time.UTC, rig.deps)
	})

	// samsung defrost signature
	now := time.Now().UnixMilli()
	rig.deps.Bus.Publish(telemetry.CHANNEL_HP_IDU_PWR, 2500, now)
	rig.deps.Bus.Publish(telemetry.CHANNEL_HP_ODU_PWR, 200, now)

	_, request := awaitPayload[domain.StratBossTrigger](t, master, 2*time.Second)
	assert.Equal(t, string(stratboss.DEFROST_DETECTED), request.Trigger)

	// the heat pump is asked on before the boss acks the defrost activation
	require.NoError(t, rig.deps.Router.Send(rig.root, domain.ACTOR_ID_MASTER, domain.ACTOR_ID_STRAT_BOSS, domain.HpOnOff{On: true}))
	require.NoError(t, rig.deps.Router.Send(rig.root, domain.ACTOR_ID_MASTER, domain.ACTOR_ID_STRAT_BOSS, request))

	env, release := awaitPayload[domain.ChangeRelayState](t, gate, 2*time.Second)
	assert.Equal(t, domain.HP_ON, release.Event)
	assert.Equal(t, request.TriggerId, release.TriggerId)
	assert.Equal(t, "a.strat-boss", env.FromHandle)

	assert.Eventually(t, func() bool {
		return healthOf(t, rig.root, pid).State == "active"
	}, time.Second, 20*time.Millisecond)
}
