package actor

import (
	"testing"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaceheat/scada/internal/core/domain"
	"github.com/spaceheat/scada/internal/core/forecast"
	"github.com/spaceheat/scada/internal/core/planner"
)

func TestPlannerNextRun(t *testing.T) {
	rig := newTestRig(t)
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	act, err := NewPlannerActor(PlannerConfig{Location: loc}, nil, nil, nil, rig.deps)
	require.NoError(t, err)

	next, err := act.NextRun(time.Date(2024, 1, 10, 10, 20, 0, 0, loc))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 10, 10, 55, 0, 0, loc), next.In(loc))

	next, err = act.NextRun(time.Date(2024, 1, 10, 10, 56, 0, 0, loc))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 10, 11, 55, 0, 0, loc), next.In(loc))
}

func TestPlannerRejectsBadCron(t *testing.T) {
	rig := newTestRig(t)
	_, err := NewPlannerActor(PlannerConfig{Cron: "not a cron"}, nil, nil, nil, rig.deps)
	assert.Error(t, err)
}

func TestPlannerSkipsWithoutTank(t *testing.T) {
	rig := newTestRig(t)
	master := rig.collect(t, domain.ACTOR_ID_MASTER)
	cache := forecast.NewCache(forecast.SystemClock{})
	synth := forecast.NewSynthesizer(cache, time.UTC, forecast.DefaultColdestOatF, nil)

	pid := rig.spawn(t, domain.ACTOR_ID_PLANNER, func() actor.Actor {
		act, err := NewPlannerActor(PlannerConfig{}, nil, cache, synth, rig.deps)
		require.NoError(t, err)
		return act
	})

	res, err := rig.root.RequestFuture(pid, domain.RunPlanRequest{}, 2*time.Second).Result()
	require.NoError(t, err)
	resp, ok := res.(domain.RunPlanResponse)
	require.True(t, ok)
	assert.ErrorIs(t, resp.GetResponseError(), ErrNoTankState)
	assert.Nil(t, resp.Plan)

	_, g := awaitPayload[domain.Glitch](t, master, time.Second)
	assert.Equal(t, domain.GLITCH_WARNING, g.Level)
	assert.Equal(t, domain.ACTOR_ID_PLANNER, g.FromNode)

	res, err = rig.root.RequestFuture(pid, domain.GetPlanRequest{}, time.Second).Result()
	require.NoError(t, err)
	assert.Nil(t, res.(domain.GetPlanResponse).Plan)
}

func TestPlannerCachesForecasts(t *testing.T) {
	rig := newTestRig(t)
	cache := forecast.NewCache(forecast.SystemClock{})
	pid := rig.spawn(t, domain.ACTOR_ID_PLANNER, func() actor.Actor {
		act, err := NewPlannerActor(PlannerConfig{}, nil, cache, nil, rig.deps)
		require.NoError(t, err)
		return act
	})

	nowS := time.Now().Unix()
	startS := nowS - nowS%3600
	rig.root.Send(pid, domain.NewEnvelope(domain.NODE_ATN, domain.ACTOR_ID_PLANNER, "", domain.WeatherForecast{
		StartS:  startS,
		OatF:    []float64{20, 21, 22},
		WindMph: []float64{5, 5, 5},
	}))

	assert.Eventually(t, func() bool {
		oat, _, err := cache.WeatherForecast(3)
		return err == nil && len(oat) == 3 && oat[0] == 20
	}, time.Second, 10*time.Millisecond)
}

func TestSummarize(t *testing.T) {
	assert.Nil(t, Summarize(nil))

	created := time.Unix(1_700_000_000, 0)
	s := Summarize(&planner.PlanResult{
		CreatedAt:     created,
		InitialNode:   "n",
		HpHeatOut:     []float64{3, 0},
		PathCost:      1.5,
		Bid:           []domain.PriceQuantity{{PriceTimes1000: 10, QuantityTimes1000: 5}},
		UsedHinge:     true,
		SolveDuration: 1500 * time.Millisecond,
	})
	require.NotNil(t, s)
	assert.Equal(t, created.UnixMilli(), s.CreatedAtMs)
	assert.Equal(t, int64(1500), s.SolveMs)
	assert.True(t, s.UsedHinge)
	assert.Len(t, s.Bid, 1)
}
