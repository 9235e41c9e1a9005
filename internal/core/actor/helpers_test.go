package actor

import (
	"testing"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spaceheat/scada/internal/core/domain"
	"github.com/spaceheat/scada/internal/core/forecast"
	"github.com/spaceheat/scada/internal/core/runtime"
	"github.com/spaceheat/scada/internal/core/telemetry"
	"github.com/spaceheat/scada/internal/metrics"
	"github.com/spaceheat/scada/pkg/drivers"
)

var testZones = []string{"zone1", "zone2"}

var testRelayIndex = map[string]int{
	domain.RELAY_STORE_CHARGE_DISCHARGE: 0,
	domain.RELAY_HP_SCADA_OPS:           1,
	domain.RELAY_PICO_POWER:             2,
	domain.RELAY_SIEG_MOTOR:             3,
	domain.RELAY_SIEG_DIRECTION:         4,
	domain.ZoneStatRelay("zone1"):       5,
	domain.ZoneStatRelay("zone2"):       6,
}

type testRig struct {
	as     *actor.ActorSystem
	root   *actor.RootContext
	deps   Deps
	board  *drivers.MemoryRelayBoard
	analog *drivers.MemoryAnalogOut
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	tree, err := BuildCommandTree(testZones)
	require.NoError(t, err)

	logger := zap.Must(zap.NewDevelopment())
	as := actor.NewActorSystem()
	stream := eventstream.NewEventStream()
	rig := &testRig{
		as:   as,
		root: as.Root,
		deps: Deps{
			Router:  runtime.NewRouter(tree, logger),
			Bus:     telemetry.NewBus(stream),
			Stream:  stream,
			Clock:   forecast.SystemClock{},
			Metrics: metrics.NewMetrics(),
			Logger:  logger,
		},
		board:  drivers.NewMemoryRelayBoard(8),
		analog: drivers.NewMemoryAnalogOut(1),
	}
	t.Cleanup(as.Shutdown)
	return rig
}

func (r *testRig) devices() map[string]Device {
	out := make(map[string]Device, len(testRelayIndex)+1)
	for name, idx := range testRelayIndex {
		out[name] = RelayDevice{Board: r.board, Index: idx, EnergizeOn: domain.RELAY_CLOSE}
	}
	out[domain.ANALOG_DIST_010V] = AnalogDevice{Out: r.analog, Index: 0}
	return out
}

// spawn starts a node outside of the master and registers it with the router.
func (r *testRig) spawn(t *testing.T, name string, producer func() actor.Actor) *actor.PID {
	t.Helper()
	pid, err := r.root.SpawnNamed(actor.PropsFromProducer(producer), name)
	require.NoError(t, err)
	r.deps.Router.Register(name, pid)
	return pid
}

func (r *testRig) relayClosed(idx int) func() bool {
	return func() bool {
		v, err := r.board.RelayState(idx)
		return err == nil && v
	}
}

// collector stands in for a node and records every envelope it is sent.
type collector struct {
	envelopes chan domain.Envelope
}

func (c *collector) Receive(ctx actor.Context) {
	if env, ok := ctx.Message().(domain.Envelope); ok {
		c.envelopes <- env
	}
}

func (r *testRig) collect(t *testing.T, name string) chan domain.Envelope {
	t.Helper()
	ch := make(chan domain.Envelope, 64)
	r.spawn(t, name, func() actor.Actor { return &collector{envelopes: ch} })
	return ch
}

// awaitPayload waits for an envelope whose payload has type T.
func awaitPayload[T domain.Payload](t *testing.T, ch <-chan domain.Envelope, timeout time.Duration) (domain.Envelope, T) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case env := <-ch:
			if p, ok := env.Payload.(T); ok {
				return env, p
			}
		case <-deadline:
			var zero T
			t.Fatalf("no %T received within %s", zero, timeout)
			return domain.Envelope{}, zero
		}
	}
}

func healthOf(t *testing.T, root *actor.RootContext, pid *actor.PID) domain.ActorHealthResponse {
	t.Helper()
	res, err := root.RequestFuture(pid, domain.ActorHealthRequest{}, 5*time.Second).Result()
	require.NoError(t, err)
	resp, ok := res.(domain.ActorHealthResponse)
	require.True(t, ok, "health response type %T", res)
	return resp
}
