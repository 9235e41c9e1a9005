package actor

import (
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/asynkron/protoactor-go/scheduler"
	"go.uber.org/zap"

	adactor "github.com/spaceheat/scada/internal/adapter/actor"
	"github.com/spaceheat/scada/internal/core/contract"
	"github.com/spaceheat/scada/internal/core/domain"
	"github.com/spaceheat/scada/internal/core/forecast"
	"github.com/spaceheat/scada/internal/core/planner"
	"github.com/spaceheat/scada/internal/core/runtime"
	"github.com/spaceheat/scada/internal/core/stratboss"
	. "github.com/spaceheat/scada/internal/util/actorutil"
)

const (
	MASTER_HANDLE            = "a"
	DEFAULT_WATCHDOG_PERIOD  = 10 * time.Second
	HEALTH_CHECK_TIMEOUT     = 500 * time.Millisecond
	PLANNER_WATCHDOG_PERIOD  = time.Hour
	POWER_METER_WATCHDOG_MIN = 10 * time.Second
)

type MQTTActorProvider func(*eventstream.EventStream) *adactor.MQTTActor

type PowerMeterActorProvider func() *adactor.PowerMeterActor

type MasterConfig struct {
	Zones              []string
	DistDefault        int
	WatchdogPeriod     time.Duration
	ContractTick       time.Duration
	StratBoss          stratboss.Config
	PicoCycler         PicoCyclerConfig
	Planner            PlannerConfig
	InitialPercentKeep int
	SiegDwell          time.Duration
	PowerMeterPoll     time.Duration
	Location           *time.Location
}

// Components are the stateful pieces the master hands to its children.
// Devices maps relay and analog output node names to their hardware.
type Components struct {
	Devices  map[string]Device
	Contract *contract.Manager
	Planner  *planner.Planner
	Cache    *forecast.Cache
	Synth    *forecast.Synthesizer
}

// BuildCommandTree lays out the handles: the master at the root, the heat
// pump relay behind its gate and each state machine above the relays it owns.
func BuildCommandTree(zones []string) (*runtime.CommandTree, error) {
	tree := runtime.NewCommandTree()
	if err := tree.AddRoot(domain.ACTOR_ID_MASTER, MASTER_HANDLE); err != nil {
		return nil, err
	}
	layout := [][2]string{
		{domain.ACTOR_ID_CONTRACT, domain.ACTOR_ID_MASTER},
		{domain.ACTOR_ID_PLANNER, domain.ACTOR_ID_MASTER},
		{domain.ACTOR_ID_POWER_METER, domain.ACTOR_ID_MASTER},
		{domain.ACTOR_ID_STRAT_BOSS, domain.ACTOR_ID_MASTER},
		{domain.ACTOR_ID_PICO_CYCLER, domain.ACTOR_ID_MASTER},
		{domain.ACTOR_ID_SIEG_LOOP, domain.ACTOR_ID_MASTER},
		{domain.ACTOR_ID_HP_RELAY_BOSS, domain.ACTOR_ID_MASTER},
		{domain.RELAY_HP_SCADA_OPS, domain.ACTOR_ID_HP_RELAY_BOSS},
		{domain.RELAY_STORE_CHARGE_DISCHARGE, domain.ACTOR_ID_MASTER},
		{domain.ANALOG_DIST_010V, domain.ACTOR_ID_MASTER},
		{domain.RELAY_PICO_POWER, domain.ACTOR_ID_PICO_CYCLER},
		{domain.RELAY_SIEG_MOTOR, domain.ACTOR_ID_SIEG_LOOP},
		{domain.RELAY_SIEG_DIRECTION, domain.ACTOR_ID_SIEG_LOOP},
	}
	for _, z := range zones {
		layout = append(layout, [2]string{domain.ZoneStatRelay(z), domain.ACTOR_ID_MASTER})
	}
	for _, l := range layout {
		if _, err := tree.Add(l[0], l[1]); err != nil {
			return nil, err
		}
	}
	return tree, nil
}

type watchdogTick struct {
}

// MasterActor is the root boss: it spawns and supervises every node, owns the
// command tree, lends actuators to the strat-boss and relays everything
// upstream to the market agent.
type MasterActor struct {
	behavior actor.Behavior
	node
	stash      *Stash
	scheduler  *scheduler.TimerScheduler
	cfg        MasterConfig
	components Components
	watchdog   *runtime.Watchdog
	onFatal    func(error)

	mqttActorProvider       MQTTActorProvider
	powerMeterActorProvider PowerMeterActorProvider

	children           map[string]*actor.PID
	currentHealthCheck healthCheckResult
	stratBossDisabled  bool
	lent               bool
	hpWanted           *bool
	fatal              bool
}

type healthCheckResult struct {
	expected       int
	checksReceived int
	unhealthy      []string
	respondTo      *actor.PID
}

func NewMasterActor(cfg MasterConfig, components Components, deps Deps, mqttActorProvider MQTTActorProvider,
	powerMeterActorProvider PowerMeterActorProvider, onFatal func(error)) *MasterActor {
	if cfg.WatchdogPeriod <= 0 {
		cfg.WatchdogPeriod = DEFAULT_WATCHDOG_PERIOD
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if onFatal == nil {
		onFatal = func(err error) {
			log.Printf("master: fatal: %v", err)
		}
	}
	act := &MasterActor{
		behavior:                actor.NewBehavior(),
		node:                    newNode(domain.ACTOR_ID_MASTER, deps),
		stash:                   &Stash{},
		cfg:                     cfg,
		components:              components,
		onFatal:                 onFatal,
		mqttActorProvider:       mqttActorProvider,
		powerMeterActorProvider: powerMeterActorProvider,
		children:                make(map[string]*actor.PID),
		stratBossDisabled:       cfg.StratBoss.PermanentlyDisabled(),
	}
	act.watchdog = runtime.NewWatchdog(act.deps.Clock.Now)
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *MasterActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *MasterActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("master@starting started")
		router := state.deps.Router
		router.Register(domain.ACTOR_ID_MASTER, ctx.Self())
		router.SetFallback(domain.ACTOR_ID_MASTER)

		if state.mqttActorProvider != nil {
			pid := state.spawn(ctx, domain.ACTOR_ID_MQTT, func() actor.Actor {
				return state.mqttActorProvider(state.deps.Stream)
			}, backoffSupervisor())
			router.SetRemote(pid)
		}

		state.startDevices(ctx)
		state.spawn(ctx, domain.ACTOR_ID_HP_RELAY_BOSS, func() actor.Actor {
			return NewHpRelayBossActor(state.deps)
		}, restartSupervisor())

		if state.components.Contract != nil {
			state.spawn(ctx, domain.ACTOR_ID_CONTRACT, func() actor.Actor {
				return NewContractActor(state.components.Contract, state.cfg.ContractTick, state.deps)
			}, restartSupervisor())
			tick := state.cfg.ContractTick
			if tick <= 0 {
				tick = DEFAULT_CONTRACT_TICK
			}
			state.watchdog.Register(domain.ACTOR_ID_CONTRACT, tick)
		}

		state.spawn(ctx, domain.ACTOR_ID_STRAT_BOSS, func() actor.Actor {
			return NewStratBossActor(state.cfg.StratBoss, state.cfg.Location, state.deps)
		}, restartSupervisor())
		if !state.stratBossDisabled {
			sb := state.cfg.StratBoss
			state.watchdog.Register(domain.ACTOR_ID_STRAT_BOSS, max(sb.DefrostPoll, sb.LiftWait, sb.LiftPoll))
		}

		if len(state.cfg.PicoCycler.Picos) > 0 {
			state.spawn(ctx, domain.ACTOR_ID_PICO_CYCLER, func() actor.Actor {
				return NewPicoCyclerActor(state.cfg.PicoCycler, state.deps)
			}, restartSupervisor())
			state.watchdog.Register(domain.ACTOR_ID_PICO_CYCLER, state.cfg.PicoCycler.withDefaults().CheckPeriod)
		}

		state.spawn(ctx, domain.ACTOR_ID_SIEG_LOOP, func() actor.Actor {
			return NewSiegLoopActor(state.cfg.InitialPercentKeep, state.cfg.SiegDwell, state.deps)
		}, restartSupervisor())

		if state.components.Planner != nil {
			newPlanner := func() (*PlannerActor, error) {
				return NewPlannerActor(state.cfg.Planner, state.components.Planner, state.components.Cache, state.components.Synth, state.deps)
			}
			if _, err := newPlanner(); err != nil {
				state.logger.Error("master@starting invalid planner config", zap.Error(err))
				state.glitch(ctx, domain.GLITCH_CRITICAL, "planner not started", err.Error())
				state.die(err)
			} else {
				state.spawn(ctx, domain.ACTOR_ID_PLANNER, func() actor.Actor {
					act, _ := newPlanner()
					return act
				}, restartSupervisor())
				state.watchdog.Register(domain.ACTOR_ID_PLANNER, PLANNER_WATCHDOG_PERIOD)
			}
		}

		if state.powerMeterActorProvider != nil {
			state.spawn(ctx, domain.ACTOR_ID_POWER_METER, func() actor.Actor {
				return state.powerMeterActorProvider()
			}, backoffSupervisor())
			state.watchdog.Register(domain.ACTOR_ID_POWER_METER, max(state.cfg.PowerMeterPoll, POWER_METER_WATCHDOG_MIN))
		}

		state.scheduler = scheduler.NewTimerScheduler(ctx)
		state.scheduler.RequestOnce(state.cfg.WatchdogPeriod, ctx.Self(), watchdogTick{})

		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	default:
		state.logger.Debug("master@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("master@default ActorHealthRequest")
		state.currentHealthCheck = healthCheckResult{
			expected:  len(state.children),
			respondTo: ctx.Sender(),
		}
		if state.currentHealthCheck.expected == 0 {
			state.currentHealthCheck.respond(ctx)
			return
		}
		for name, pid := range state.children {
			id := name
			PipeToSelfWithRecover(ctx, ctx.RequestFuture(pid, domain.ActorHealthRequest{}, HEALTH_CHECK_TIMEOUT), func(err error) any {
				return domain.ActorHealthResponse{
					Id:      id,
					Healthy: false,
				}
			})
		}

		ctx.SetReceiveTimeout(1 * time.Second)

		state.behavior.BecomeStacked(state.HealthCheckReceive)
	case watchdogTick:
		state.checkWatchdog(ctx)
		state.scheduler.RequestOnce(state.cfg.WatchdogPeriod, ctx.Self(), watchdogTick{})
	case domain.WatchdogPat:
		if !state.watchdog.Pat(msg.Name) {
			state.logger.Debug("master@default pat from unmonitored node", zap.String("node", msg.Name))
		}
	case domain.GetCommandTreeRequest:
		ctx.Respond(domain.GetCommandTreeResponse{Handles: state.deps.Router.Tree().Snapshot()})
	case domain.GetContractStatusRequest, domain.TerminateContractRequest:
		state.forward(ctx, domain.ACTOR_ID_CONTRACT)
	case domain.GetPlanRequest, domain.RunPlanRequest:
		state.forward(ctx, domain.ACTOR_ID_PLANNER)
	case domain.Envelope:
		if state.isChild(msg.Src) {
			state.fromChild(ctx, msg)
		} else {
			state.fromRemote(ctx, msg)
		}
	case *actor.Terminated:
		name := strings.TrimPrefix(msg.Who.Id, ctx.Self().Id+"/")
		state.logger.Error("master@default child terminated", zap.String("child", name))
		state.glitch(ctx, domain.GLITCH_CRITICAL, fmt.Sprintf("%s terminated", name), "supervisor gave up")
		if name == domain.ACTOR_ID_MQTT {
			state.die(fmt.Errorf("%s terminated", name))
		}
	default:
		state.logger.Debug("master@default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *MasterActor) HealthCheckReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.ReceiveTimeout:
		// if some actor does not respond to healthCheck, assume not healthy
		ctx.CancelReceiveTimeout()
		state.currentHealthCheck.respond(ctx)
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case domain.ActorHealthResponse:
		state.logger.Debug("master@healthcheck ActorHealthResponse", zap.String("sender", msg.Id), zap.Bool("healthy", msg.Healthy))
		state.currentHealthCheck.checksReceived++
		if !msg.Healthy {
			state.currentHealthCheck.unhealthy = append(state.currentHealthCheck.unhealthy, msg.Id)
		}
		if state.currentHealthCheck.allReceived() {
			ctx.CancelReceiveTimeout()
			state.currentHealthCheck.respond(ctx)
			state.behavior.UnbecomeStacked()
			state.stash.UnstashAll(ctx)
		} else {
			ctx.SetReceiveTimeout(1 * time.Second)
		}
	default:
		state.logger.Debug("master@healthcheck stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterActor) spawn(ctx actor.Context, name string, producer func() actor.Actor, supervisor actor.SupervisorStrategy) *actor.PID {
	props := actor.PropsFromProducer(producer, actor.WithSupervisor(supervisor))
	pid, err := ctx.SpawnNamed(props, name)
	if err != nil {
		panic(fmt.Errorf("spawn %s: %w", name, err))
	}
	state.children[name] = pid
	state.deps.Router.Register(name, pid)
	return pid
}

func (state *MasterActor) startDevices(ctx actor.Context) {
	names := make([]string, 0, len(state.components.Devices))
	for name := range state.components.Devices {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		name := name
		device := state.components.Devices[name]
		state.spawn(ctx, name, func() actor.Actor {
			return NewDeviceActor(name, device, state.deps)
		}, restartSupervisor())
	}
}

func (state *MasterActor) isChild(name string) bool {
	_, ok := state.children[name]
	return ok
}

func (state *MasterActor) forward(ctx actor.Context, child string) {
	pid, ok := state.children[child]
	if !ok {
		state.logger.Warn("master@default no such child", zap.String("child", child), zap.String("type", fmt.Sprintf("%T", ctx.Message())))
		return
	}
	ctx.Forward(pid)
}

func (state *MasterActor) fromChild(ctx actor.Context, env domain.Envelope) {
	switch payload := env.Payload.(type) {
	case domain.Glitch:
		state.deps.Metrics.Glitch(string(payload.Level))
		state.logger.Info("master@default glitch", zap.String("from", payload.FromNode), zap.String("level", string(payload.Level)),
			zap.String("summary", payload.Summary))
		state.send(ctx, domain.NODE_ATN, payload)
	case domain.MachineStates, domain.ZombiePicoWarning:
		state.send(ctx, domain.NODE_ATN, payload)
	case domain.StratBossTrigger:
		if env.Src == domain.ACTOR_ID_STRAT_BOSS {
			state.onStratBoss(ctx, payload)
		}
	case domain.HpOnOff:
		if env.Src == domain.ACTOR_ID_PLANNER {
			state.onHpOnOff(ctx, payload.On)
		}
	default:
		state.logger.Debug("master@default unhandled child payload", zap.String("src", env.Src), zap.String("type", payload.TypeName()))
	}
}

// fromRemote routes what the broker delivered to the scada as a whole.
func (state *MasterActor) fromRemote(ctx actor.Context, env domain.Envelope) {
	switch payload := env.Payload.(type) {
	case domain.SingleReading:
		state.deps.Bus.Publish(payload.ChannelName, payload.Value, payload.ScadaReadTimeUnixMs)
		state.sendTo(ctx, domain.ACTOR_ID_PICO_CYCLER, env)
	case domain.SyncedReadings:
		for i, ch := range payload.ChannelNames {
			if i < len(payload.Values) {
				state.deps.Bus.Publish(ch, payload.Values[i], payload.ScadaReadTimeUnixMs)
			}
		}
		state.sendTo(ctx, domain.ACTOR_ID_PICO_CYCLER, env)
	case domain.SlowContractHeartbeat, domain.EnergyInstruction:
		state.sendTo(ctx, domain.ACTOR_ID_CONTRACT, env)
	case domain.PriceForecast, domain.WeatherForecast:
		state.sendTo(ctx, domain.ACTOR_ID_PLANNER, env)
	default:
		state.logger.Debug("master@default unhandled remote payload", zap.String("src", env.Src), zap.String("type", payload.TypeName()))
	}
}

// sendTo hands env to a child keeping its original sender.
func (state *MasterActor) sendTo(ctx actor.Context, child string, env domain.Envelope) {
	if pid, ok := state.children[child]; ok {
		ctx.Send(pid, env)
	}
}

// lendable are the actuators the strat-boss commands while Active.
func (state *MasterActor) lendable() []string {
	out := []string{domain.RELAY_STORE_CHARGE_DISCHARGE, domain.ANALOG_DIST_010V, domain.ACTOR_ID_HP_RELAY_BOSS}
	for _, z := range state.cfg.Zones {
		out = append(out, domain.ZoneStatRelay(z))
	}
	return out
}

// reparent moves the lendable actuators under boss and tells every node whose
// handle changed.
func (state *MasterActor) reparent(ctx actor.Context, boss string) {
	tree := state.deps.Router.Tree()
	changed := map[string]string{}
	for _, name := range state.lendable() {
		moved, err := tree.Reparent(name, boss)
		if err != nil {
			state.logger.Error("master@default reparent failed", zap.String("node", name), zap.String("boss", boss), zap.Error(err))
			continue
		}
		for n, h := range moved {
			changed[n] = h
		}
	}
	for name := range changed {
		state.send(ctx, name, domain.NewCommandTree{Handles: changed})
	}
	state.logger.Info("master@default command tree changed", zap.String("boss", boss), zap.Any("handles", changed))
}

func (state *MasterActor) onStratBoss(ctx actor.Context, msg domain.StratBossTrigger) {
	switch stratboss.State(msg.ToState) {
	case stratboss.ACTIVE:
		if state.lent {
			state.logger.Warn("master@default strat-boss asked twice", zap.String("trigger_id", msg.TriggerId))
			return
		}
		state.reparent(ctx, domain.ACTOR_ID_STRAT_BOSS)
		state.lent = true
		state.send(ctx, domain.ACTOR_ID_STRAT_BOSS, msg)
	case stratboss.DORMANT:
		if !state.lent {
			return
		}
		state.reparent(ctx, domain.ACTOR_ID_MASTER)
		state.lent = false
		state.send(ctx, domain.ANALOG_DIST_010V, domain.AnalogDispatch{Value: state.cfg.DistDefault, TriggerId: msg.TriggerId})
		if state.hpWanted != nil {
			state.commandHp(ctx, *state.hpWanted)
		}
	}
}

// onHpOnOff turns the heat pump on through the strat-boss, which releases the
// gate once the store is ready, and off directly when the gate is ours.
func (state *MasterActor) onHpOnOff(ctx actor.Context, on bool) {
	current := state.hpWanted
	if current == nil {
		v, _ := state.deps.Bus.LatestValue(domain.RELAY_HP_SCADA_OPS)
		isOn := v == RelayValue(domain.HP_ON)
		current = &isOn
	}
	state.hpWanted = &on
	if *current == on {
		return
	}
	state.logger.Info("master@default heat pump", zap.Bool("on", on), zap.Bool("strat_boss_has_gate", state.lent))
	switch {
	case state.stratBossDisabled:
		state.commandHp(ctx, on)
	case on:
		state.send(ctx, domain.ACTOR_ID_STRAT_BOSS, domain.HpOnOff{On: true})
	case state.lent:
		state.send(ctx, domain.ACTOR_ID_STRAT_BOSS, domain.HpOnOff{On: false})
	default:
		state.commandHp(ctx, false)
	}
}

func (state *MasterActor) commandHp(ctx actor.Context, on bool) {
	event := domain.HP_OFF
	if on {
		event = domain.HP_ON
	}
	state.send(ctx, domain.ACTOR_ID_HP_RELAY_BOSS, domain.ChangeRelayState{Event: event})
}

func (state *MasterActor) checkWatchdog(ctx actor.Context) {
	expired := state.watchdog.Expired()
	if len(expired) == 0 || state.fatal {
		return
	}
	for _, name := range expired {
		state.logger.Error("master@default watchdog expired", zap.String("node", name))
		state.glitch(ctx, domain.GLITCH_CRITICAL, fmt.Sprintf("%s stopped patting the watchdog", name), "")
	}
	state.die(fmt.Errorf("watchdog expired for %s", strings.Join(expired, ", ")))
}

func (state *MasterActor) die(err error) {
	if state.fatal {
		return
	}
	state.fatal = true
	state.onFatal(err)
}

// glitch from the master goes straight upstream.
func (state *MasterActor) glitch(ctx actor.Context, level domain.GlitchLevel, summary, details string) {
	state.deps.Metrics.Glitch(string(level))
	state.node.glitchTo(ctx, domain.NODE_ATN, level, summary, details)
}

func restartSupervisor() actor.SupervisorStrategy {
	decider := func(reason interface{}) actor.Directive {
		log.Printf("handling failure for child. reason: %v", reason)
		return actor.RestartDirective
	}
	return actor.NewOneForOneStrategy(10, 10*time.Second, decider)
}

func backoffSupervisor() actor.SupervisorStrategy {
	return actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)
}

func (state *healthCheckResult) allReceived() bool {
	return state.checksReceived >= state.expected
}

func (state *healthCheckResult) allHealthy() bool {
	return state.checksReceived >= state.expected && len(state.unhealthy) == 0
}

func (state *healthCheckResult) respond(ctx actor.Context) {
	st := "ok"
	if !state.allHealthy() {
		slices.Sort(state.unhealthy)
		st = "unhealthy: " + strings.Join(state.unhealthy, ",")
	}
	resp := domain.ActorHealthResponse{
		Id:      domain.ACTOR_ID_MASTER,
		Healthy: state.allHealthy(),
		State:   st,
	}
	if state.respondTo != nil {
		ctx.Send(state.respondTo, resp)
	}
}
