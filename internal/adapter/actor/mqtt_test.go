package actor

import (
	"testing"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spaceheat/scada/internal/core/domain"
	"github.com/spaceheat/scada/internal/core/runtime"
	"github.com/spaceheat/scada/internal/util"
	"github.com/spaceheat/scada/internal/util/actorutil"
)

type envelopeSink struct {
	ch chan domain.Envelope
}

func (s *envelopeSink) Receive(ctx actor.Context) {
	if env, ok := ctx.Message().(domain.Envelope); ok {
		s.ch <- env
	}
}

func testRouter(t *testing.T, names ...string) *runtime.Router {
	t.Helper()
	tree := runtime.NewCommandTree()
	require.NoError(t, tree.AddRoot(domain.ACTOR_ID_MASTER, "a"))
	for _, n := range names {
		_, err := tree.Add(n, domain.ACTOR_ID_MASTER)
		require.NoError(t, err)
	}
	return runtime.NewRouter(tree, zap.NewNop())
}

func TestMQTTActor(t *testing.T) {

	cfg := util.LoadTestConfig()

	logger := zap.Must(zap.NewDevelopment())

	as := actorutil.NewActorSystemWithZapLogger(logger)
	defer as.Shutdown()

	context := as.Root

	router := testRouter(t, domain.ACTOR_ID_CONTRACT)
	sink := make(chan domain.Envelope, 8)
	props := actor.PropsFromProducer(func() actor.Actor { return NewTestMQTTActor(&cfg, router, sink, logger) })
	pid := context.Spawn(props)
	router.SetRemote(pid)

	inbox := make(chan domain.Envelope, 8)
	contractPid := context.Spawn(actor.PropsFromProducer(func() actor.Actor { return &envelopeSink{ch: inbox} }))
	router.Register(domain.ACTOR_ID_CONTRACT, contractPid)

	result, err := context.RequestFuture(pid, domain.ActorHealthRequest{}, 2*time.Second).Result()
	require.NoError(t, err)
	resp, ok := result.(domain.ActorHealthResponse)
	assert.True(t, ok)
	assert.True(t, resp.Healthy)

	// outbound: anything not local goes to the broker
	require.NoError(t, router.Send(context, domain.ACTOR_ID_CONTRACT, domain.NODE_ATN, domain.PowerWatts{Watts: 1200}))
	select {
	case env := <-sink:
		assert.Equal(t, domain.NODE_ATN, env.Dst)
		assert.Equal(t, "a.contract", env.FromHandle)
		assert.Equal(t, domain.PowerWatts{Watts: 1200}, env.Payload)
	case <-time.After(time.Second):
		t.Fatal("nothing published")
	}

	// inbound: delivered to the addressed node
	context.Send(pid, Deliver{Envelope: domain.NewEnvelope(domain.NODE_ATN, domain.ACTOR_ID_CONTRACT, "", domain.EnergyInstruction{
		FromNode:            domain.NODE_ATN,
		AvgPowerWatts:       3000,
		SlotDurationMinutes: 60,
	})})
	select {
	case env := <-inbox:
		assert.Equal(t, domain.NODE_ATN, env.Src)
		_, ok := env.Payload.(domain.EnergyInstruction)
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("nothing delivered")
	}

	context.Stop(pid)
}
