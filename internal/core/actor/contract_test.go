package actor

import (
	"testing"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaceheat/scada/internal/core/contract"
	"github.com/spaceheat/scada/internal/core/domain"
	"github.com/spaceheat/scada/internal/core/forecast"
)

const contractStartS = int64(1_700_000_400)

func TestContractActorHeartbeats(t *testing.T) {
	rig := newTestRig(t)
	clock := forecast.NewFakeClock(time.Unix(contractStartS, 0))
	rig.deps.Clock = clock
	atn := rig.collect(t, domain.NODE_ATN)
	rig.collect(t, domain.ACTOR_ID_MASTER)

	store := &contract.MemoryStore{}
	manager := contract.NewManager("scada", clock, store, func() int { return 7 }, rig.deps.Logger)
	pid := rig.spawn(t, domain.ACTOR_ID_CONTRACT, func() actor.Actor {
		return NewContractActor(manager, time.Hour, rig.deps)
	})

	assert.Equal(t, "idle", healthOf(t, rig.root, pid).State)

	rig.root.Send(pid, domain.NewEnvelope(domain.NODE_ATN, domain.ACTOR_ID_CONTRACT, "", domain.PowerWatts{Watts: 3000}))
	rig.root.Send(pid, domain.NewEnvelope(domain.NODE_ATN, domain.ACTOR_ID_CONTRACT, "", domain.SlowContractHeartbeat{
		FromNode: domain.NODE_ATN,
		Contract: domain.SlowDispatchContract{
			ContractId:      "c-1",
			StartS:          contractStartS,
			DurationMinutes: 60,
			AvgPowerWatts:   4000,
		},
		Status:           domain.CONTRACT_CREATED,
		MessageCreatedMs: contractStartS * 1000,
		MyDigit:          3,
	}))

	env, reply := awaitPayload[domain.SlowContractHeartbeat](t, atn, time.Second)
	assert.Equal(t, domain.ACTOR_ID_CONTRACT, env.Src)
	assert.Equal(t, domain.CONTRACT_RECEIVED, reply.Status)
	assert.Equal(t, 7, reply.MyDigit)
	assert.Equal(t, "live", healthOf(t, rig.root, pid).State)

	res, err := rig.root.RequestFuture(pid, domain.GetContractStatusRequest{}, time.Second).Result()
	require.NoError(t, err)
	status, ok := res.(domain.GetContractStatusResponse)
	require.True(t, ok)
	require.NotNil(t, status.Latest)
	assert.Equal(t, "c-1", status.Latest.Contract.ContractId)
	require.NotNil(t, status.RemainingWh)
	assert.Equal(t, 4000, *status.RemainingWh)

	res, err = rig.root.RequestFuture(pid, domain.TerminateContractRequest{Cause: "test"}, time.Second).Result()
	require.NoError(t, err)
	term, ok := res.(domain.TerminateContractResponse)
	require.True(t, ok)
	require.NoError(t, term.GetResponseError())
	assert.Equal(t, domain.CONTRACT_TERMINATED_BY_SCADA, term.Heartbeat.Status)

	_, sent := awaitPayload[domain.SlowContractHeartbeat](t, atn, time.Second)
	assert.Equal(t, domain.CONTRACT_TERMINATED_BY_SCADA, sent.Status)
	assert.Equal(t, "idle", healthOf(t, rig.root, pid).State)
}

func TestContractActorTerminateWithoutContract(t *testing.T) {
	rig := newTestRig(t)
	manager := contract.NewManager("scada", forecast.SystemClock{}, &contract.MemoryStore{}, nil, rig.deps.Logger)
	pid := rig.spawn(t, domain.ACTOR_ID_CONTRACT, func() actor.Actor {
		return NewContractActor(manager, time.Hour, rig.deps)
	})

	res, err := rig.root.RequestFuture(pid, domain.TerminateContractRequest{Cause: "test"}, time.Second).Result()
	require.NoError(t, err)
	term, ok := res.(domain.TerminateContractResponse)
	require.True(t, ok)
	assert.ErrorIs(t, term.GetResponseError(), contract.ErrNoLiveContract)
}
