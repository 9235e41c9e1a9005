package actor

import (
	"errors"
	"fmt"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/scheduler"
	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/zap"

	"github.com/spaceheat/scada/internal/core/domain"
	"github.com/spaceheat/scada/internal/core/forecast"
	"github.com/spaceheat/scada/internal/core/planner"
	"github.com/spaceheat/scada/internal/core/stratboss"
	"github.com/spaceheat/scada/internal/core/telemetry"
	. "github.com/spaceheat/scada/internal/util/actorutil"
)

const (
	DEFAULT_PLAN_CRON     = "0 55 * * * *"
	DEFAULT_PLAN_HORIZON  = 48
	DEFAULT_PLAN_TIMEOUT  = 2 * time.Minute
	DEFAULT_TANK_MAX_AGE  = 5 * time.Minute
	DEFAULT_MARKET_PREFIX = "rt60gate5.d1.isone"
)

var ErrNoTankState = errors.New("no recent tank temperatures")

type PlannerConfig struct {
	Cron               string
	Location           *time.Location
	HorizonHours       int
	BidderAlias        string
	MarketPrefix       string
	BufferAvailableKwh float64
	HouseAvailableKwh  float64
	// ControlHp lets the plan switch the heat pump for the current hour.
	ControlHp bool
}

func (c PlannerConfig) withDefaults() PlannerConfig {
	if c.Cron == "" {
		c.Cron = DEFAULT_PLAN_CRON
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.HorizonHours <= 0 {
		c.HorizonHours = DEFAULT_PLAN_HORIZON
	}
	if c.MarketPrefix == "" {
		c.MarketPrefix = DEFAULT_MARKET_PREFIX
	}
	return c
}

type planTick struct {
}

type planDone struct {
	result    *planner.PlanResult
	err       error
	respondTo *actor.PID
}

// PlannerActor plans the next horizon once per market cycle, bids the next
// hour to the market agent and asks the master to switch the heat pump for
// the current hour.
type PlannerActor struct {
	behavior  actor.Behavior
	node
	scheduler *scheduler.TimerScheduler
	cfg       PlannerConfig
	trigger   *quartz.CronTrigger
	planner   *planner.Planner
	cache     *forecast.Cache
	synth     *forecast.Synthesizer

	planning bool
	waiting  []*actor.PID
	latest   *domain.PlanSummary
}

// Validate checks the market cycle schedule.
func (c PlannerConfig) Validate() error {
	c = c.withDefaults()
	if _, err := quartz.NewCronTriggerWithLoc(c.Cron, c.Location); err != nil {
		return fmt.Errorf("plan schedule %q: %w", c.Cron, err)
	}
	return nil
}

func NewPlannerActor(cfg PlannerConfig, p *planner.Planner, cache *forecast.Cache, synth *forecast.Synthesizer, deps Deps) (*PlannerActor, error) {
	cfg = cfg.withDefaults()
	trigger, err := quartz.NewCronTriggerWithLoc(cfg.Cron, cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("plan schedule %q: %w", cfg.Cron, err)
	}
	act := &PlannerActor{
		behavior: actor.NewBehavior(),
		node:     newNode(domain.ACTOR_ID_PLANNER, deps),
		cfg:      cfg,
		trigger:  trigger,
		planner:  p,
		cache:    cache,
		synth:    synth,
	}
	act.behavior.Become(act.DefaultReceive)
	return act, nil
}

func (state *PlannerActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *PlannerActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.scheduler = scheduler.NewTimerScheduler(ctx)
		state.scheduleNext(ctx)
	case domain.ActorHealthRequest:
		st := "idle"
		if state.planning {
			st = "planning"
		}
		state.healthy(ctx, st)
	case planTick:
		state.pat(ctx)
		state.run(ctx, nil)
		state.scheduleNext(ctx)
	case domain.RunPlanRequest:
		state.run(ctx, ForRequest(msg).ReplyTo(ctx))
	case domain.GetPlanRequest:
		ctx.Respond(domain.GetPlanResponse{Plan: state.latest})
	case planDone:
		state.onPlanDone(ctx, msg)
	case domain.Envelope:
		switch payload := msg.Payload.(type) {
		case domain.PriceForecast:
			state.logger.Debug("planner@default price forecast", zap.Int64("start_s", payload.StartS), zap.Int("hours", len(payload.Lmp)))
			state.cache.SetPrices(payload.StartS, payload.Reg, payload.Dist, payload.Lmp)
		case domain.WeatherForecast:
			state.logger.Debug("planner@default weather forecast", zap.Int64("start_s", payload.StartS), zap.Int("hours", len(payload.OatF)))
			state.cache.SetWeather(payload.StartS, payload.OatF, payload.WindMph)
		case domain.NewCommandTree:
			if msg.Src == domain.ACTOR_ID_MASTER {
				state.learnHandle(payload)
			}
		default:
			state.logger.Debug("planner@default unhandled payload", zap.String("type", payload.TypeName()))
		}
	default:
		state.logger.Debug("planner@default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// NextRun is the next time the cron schedule fires after now.
func (state *PlannerActor) NextRun(now time.Time) (time.Time, error) {
	next, err := state.trigger.NextFireTime(now.UnixNano())
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, next), nil
}

func (state *PlannerActor) scheduleNext(ctx actor.Context) {
	now := state.deps.Clock.Now()
	next, err := state.NextRun(now)
	if err != nil {
		state.logger.Error("planner@default no next run", zap.String("cron", state.cfg.Cron), zap.Error(err))
		return
	}
	state.logger.Debug("planner@default next run", zap.Time("at", next))
	state.scheduler.RequestOnce(next.Sub(now), ctx.Self(), planTick{})
}

// input reads the tank from the bus and the forecasts from the cache.
func (state *PlannerActor) input() (planner.PlanInput, error) {
	bus := state.deps.Bus
	if bus.Stale(telemetry.CHANNEL_TANK_TOP, DEFAULT_TANK_MAX_AGE) || bus.Stale(telemetry.CHANNEL_TANK_BTM, DEFAULT_TANK_MAX_AGE) {
		return planner.PlanInput{}, ErrNoTankState
	}
	top, _ := bus.LatestValue(telemetry.CHANNEL_TANK_TOP)
	btm, _ := bus.LatestValue(telemetry.CHANNEL_TANK_BTM)
	th, _ := bus.LatestValue(telemetry.CHANNEL_TANK_TH)
	fc, err := state.synth.Forecast(state.cfg.HorizonHours)
	if err != nil {
		return planner.PlanInput{}, err
	}
	hpOff := true
	if v, ok := bus.LatestValue(domain.RELAY_HP_SCADA_OPS); ok {
		hpOff = v != RelayValue(domain.HP_ON)
	}
	return planner.PlanInput{
		Forecast:           fc,
		InitialTopTempF:    stratboss.MilliCToF(top),
		InitialBottomTempF: stratboss.MilliCToF(btm),
		InitialThermocline: int(th),
		BufferAvailableKwh: state.cfg.BufferAvailableKwh,
		HouseAvailableKwh:  state.cfg.HouseAvailableKwh,
		HpIsOff:            hpOff,
		HorizonHours:       state.cfg.HorizonHours,
	}, nil
}

// run starts a solve unless one is in flight; respondTo, if set, gets the
// outcome of whichever solve finishes next.
func (state *PlannerActor) run(ctx actor.Context, respondTo *actor.PID) {
	if respondTo != nil {
		state.waiting = append(state.waiting, respondTo)
	}
	if state.planning {
		state.logger.Debug("planner@default plan already running")
		return
	}
	input, err := state.input()
	if err != nil {
		state.logger.Warn("planner@default cannot plan", zap.Error(err))
		state.glitch(ctx, domain.GLITCH_WARNING, "planner skipped a cycle", err.Error())
		state.answer(ctx, err)
		return
	}
	state.planning = true
	p := state.planner
	NewBackgroundTask(ctx, func() (*planDone, error) {
		res, err := p.Plan(input)
		return &planDone{result: res, err: err}, nil
	}).Recover(func(err error) planDone {
		return planDone{err: err}
	}).WithTimeout(DEFAULT_PLAN_TIMEOUT).PipeTo(ctx.Self())
}

func (state *PlannerActor) onPlanDone(ctx actor.Context, msg planDone) {
	state.planning = false
	if msg.err != nil {
		state.logger.Error("planner@default plan failed", zap.Error(msg.err))
		state.glitch(ctx, domain.GLITCH_WARNING, "plan failed", msg.err.Error())
		state.answer(ctx, msg.err)
		return
	}
	res := msg.result
	state.deps.Metrics.PlanSolved(res.SolveDuration, res.UsedHinge)
	state.latest = Summarize(res)
	state.logger.Info("planner@default plan ready", zap.String("initial_node", res.InitialNode),
		zap.Float64("path_cost_usd", res.PathCost), zap.Bool("hinge", res.UsedHinge), zap.Duration("solve", res.SolveDuration))

	if len(res.Bid) > 0 {
		state.send(ctx, domain.NODE_ATN, state.bid(res))
		state.deps.Metrics.BidSent()
	}
	if state.cfg.ControlHp {
		state.send(ctx, domain.ACTOR_ID_MASTER, domain.HpOnOff{On: res.HpOnNow()})
	}
	state.answer(ctx, nil)
}

func (state *PlannerActor) answer(ctx actor.Context, err error) {
	for _, pid := range state.waiting {
		resp := domain.RunPlanResponse{Plan: state.latest}
		resp.ResponseError = err
		ctx.Send(pid, resp)
	}
	state.waiting = nil
}

// bid is for the market slot starting at the next top of the hour.
func (state *PlannerActor) bid(res *planner.PlanResult) domain.AtnBid {
	slot := state.deps.Clock.Now().Truncate(time.Hour).Add(time.Hour)
	return domain.AtnBid{
		BidderAlias:    state.cfg.BidderAlias,
		MarketSlotName: fmt.Sprintf("%s.%d", state.cfg.MarketPrefix, slot.Unix()),
		PqPairs:        res.Bid,
		PriceUnit:      domain.PRICE_UNIT_USD_PER_MWH,
		QuantityUnit:   domain.QUANTITY_UNIT_AVG_KW,
	}
}

func Summarize(res *planner.PlanResult) *domain.PlanSummary {
	if res == nil {
		return nil
	}
	return &domain.PlanSummary{
		CreatedAtMs:  res.CreatedAt.UnixMilli(),
		InitialNode:  res.InitialNode,
		HpHeatOutKwh: res.HpHeatOut,
		PathCostUsd:  res.PathCost,
		Bid:          res.Bid,
		UsedHinge:    res.UsedHinge,
		SolveMs:      res.SolveDuration.Milliseconds(),
	}
}
