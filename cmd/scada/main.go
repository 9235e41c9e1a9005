package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pactor "github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/carlmjohnson/versioninfo"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	adactor "github.com/spaceheat/scada/internal/adapter/actor"
	"github.com/spaceheat/scada/internal/config"
	"github.com/spaceheat/scada/internal/core/actor"
	"github.com/spaceheat/scada/internal/core/contract"
	"github.com/spaceheat/scada/internal/core/domain"
	"github.com/spaceheat/scada/internal/core/forecast"
	"github.com/spaceheat/scada/internal/core/planner"
	"github.com/spaceheat/scada/internal/core/runtime"
	"github.com/spaceheat/scada/internal/core/stratboss"
	"github.com/spaceheat/scada/internal/core/telemetry"
	"github.com/spaceheat/scada/internal/core/thermal"
	"github.com/spaceheat/scada/internal/metrics"
	"github.com/spaceheat/scada/internal/server"
	"github.com/spaceheat/scada/internal/util/actorutil"
	"github.com/spaceheat/scada/pkg/drivers"
	"github.com/spaceheat/scada/pkg/powermeter"
)

func gracefulShutdown(apiServer *http.Server, fatal <-chan error, done chan bool) {
	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Listen for the interrupt signal or a fatal error from the master.
	select {
	case <-ctx.Done():
		log.Println("shutting down gracefully, press Ctrl+C again to force")
	case err := <-fatal:
		log.Printf("shutting down after fatal error: %v", err)
	}

	// The context is used to inform the server it has 5 seconds to finish
	// the request it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown with error: %v", err)
	}

	log.Println("Server exiting")

	// Notify the main goroutine that the shutdown is complete
	done <- true
}

func main() {

	// load and print config
	cfg, err := initConfig()
	if err != nil {
		slog.Error("config errors", "error", err)
		os.Exit(2)
	}
	safePrintConfig(*cfg)

	// zap logger
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)

	logger := zap.Must(zapCfg.Build()).With(zap.String("version", versioninfo.Short()))
	defer logger.Sync()

	location, _ := cfg.Location()
	m := metrics.NewMetrics()

	components, err := buildComponents(cfg, location, m, logger)
	if err != nil {
		logger.Error("could not build components", zap.Error(err))
		os.Exit(1)
	}

	masterCfg := masterConfig(cfg, location)
	if err := masterCfg.Planner.Validate(); err != nil {
		logger.Error("invalid planner config", zap.Error(err))
		os.Exit(2)
	}

	tree, err := actor.BuildCommandTree(cfg.Layout.Zones)
	if err != nil {
		logger.Error("could not build command tree", zap.Error(err))
		os.Exit(1)
	}

	// init actor system
	as := actorutil.NewActorSystemWithZapLogger(logger)
	ctx := as.Root

	router := runtime.NewRouter(tree, logger)
	stream := eventstream.NewEventStream()
	deps := actor.Deps{
		Router:  router,
		Bus:     telemetry.NewBus(stream),
		Stream:  stream,
		Clock:   forecast.SystemClock{},
		Metrics: m,
		Logger:  logger,
	}

	pmProv, err := powerMeterActorProvider(cfg, router, deps.Bus, m, logger)
	if err != nil {
		logger.Error("could not create power meter reader", zap.Error(err))
		os.Exit(1)
	}

	fatal := make(chan error, 1)
	onFatal := func(err error) {
		select {
		case fatal <- err:
		default:
		}
	}

	props := pactor.PropsFromProducer(func() pactor.Actor {
		return actor.NewMasterActor(masterCfg, components, deps, mqttActorProvider(cfg, router, logger), pmProv, onFatal)
	})
	pid, err := ctx.SpawnNamed(props, domain.ACTOR_ID_MASTER)
	if err != nil {
		logger.Error("could not spawn master", zap.Error(err))
		os.Exit(1)
	}

	server := server.NewServer(*cfg, ctx, pid, m)
	// Create a done channel to signal when the shutdown is complete
	done := make(chan bool, 1)

	// Run graceful shutdown in a separate goroutine
	go gracefulShutdown(server, fatal, done)

	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		panic(fmt.Sprintf("http server error: %s", err))
	}

	// Wait for the graceful shutdown to complete
	<-done
	log.Println("Graceful shutdown complete.")

	ctx.Stop(pid)
	as.Shutdown()
}

func initConfig() (*config.Config, error) {

	// alias PORT => SCADA_PORT
	if port := os.Getenv("PORT"); port != "" {
		os.Setenv("SCADA_PORT", port)
	}

	setConfigDefaults()

	viper.SetEnvPrefix("scada")
	viper.AutomaticEnv()

	// if defined, try to load config from yaml file
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if _, err := os.Stat(cfgFile); err == nil {
			slog.Info("Using config", "file", cfgFile)
			viper.SetConfigFile(cfgFile)

			err = viper.ReadInConfig()
			if err != nil {
				slog.Error("Error reading config file", "error", err)
			}
		}
	}

	// structured sections start from their defaults, viper overrides what is set
	cfg := config.Config{
		House:     thermal.DefaultHouseParams(),
		StratBoss: stratboss.DefaultConfig(),
		Planner: config.PlannerConfig{
			Hinge: planner.DefaultHingeConfig(),
		},
	}

	err := viper.Unmarshal(&cfg)
	if err != nil {
		return nil, err
	}

	// parse log level
	switch viper.GetString("log_level") {
	case "trace":
		cfg.LogLevel = zap.DebugLevel
	case "debug":
		cfg.LogLevel = zap.DebugLevel
	case "info":
		cfg.LogLevel = zap.InfoLevel
	case "error":
		cfg.LogLevel = zap.ErrorLevel
	case "warn":
		cfg.LogLevel = zap.WarnLevel
	case "fatal":
		cfg.LogLevel = zap.FatalLevel
	default:
		cfg.LogLevel = zap.InfoLevel
	}

	// check and fix base topic
	baseTopic, err := config.CheckMQTTTopic(cfg.MQTT.BaseTopic)
	if err != nil {
		return nil, errors.New("invalid base topic. can only contain letters, numbers and underscores")
	}
	cfg.MQTT.BaseTopic = baseTopic

	if cfg.MQTT.ScadaAlias == "" {
		return nil, errors.New("config param mqtt.scada_alias is required")
	}
	if len(cfg.StratBoss.Zones) == 0 {
		cfg.StratBoss.Zones = cfg.Layout.Zones
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setConfigDefaults() {
	viper.SetDefault("log_level", "warn")
	viper.SetDefault("timezone", "America/New_York")
	viper.SetDefault("mqtt.port", 1883)
	viper.SetDefault("mqtt.base_topic", "gw")
	viper.SetDefault("power_meter.enabled", false)
	viper.SetDefault("power_meter.port", 502)
	viper.SetDefault("power_meter.unit_id", 1)
	viper.SetDefault("power_meter.poll_interval_millis", 1000)
	viper.SetDefault("power_meter.capture_period_millis", 300000)
	viper.SetDefault("power_meter.async_delta_w", 50)
	viper.SetDefault("planner.cron", actor.DEFAULT_PLAN_CRON)
	viper.SetDefault("planner.horizon_hours", actor.DEFAULT_PLAN_HORIZON)
	viper.SetDefault("planner.market_prefix", actor.DEFAULT_MARKET_PREFIX)
	viper.SetDefault("layout.dist_default", 40)
	viper.SetDefault("layout.initial_percent_keep", 100)
	viper.SetDefault("layout.pico_flatline_seconds", 20)
	viper.SetDefault("layout.watchdog_seconds", 10)
	viper.SetDefault("contract.data_dir", "")
	viper.SetDefault("contract.tick_seconds", 10)
	viper.SetDefault("simulate", true)
	viper.SetDefault("port", 8080)
}

func safePrintConfig(cfg config.Config) {
	cfg.MQTT.Username = "*redacted*"
	cfg.MQTT.Password = "*redacted*"
	slog.Info("Using", "config", cfg)
}

func masterConfig(cfg *config.Config, location *time.Location) actor.MasterConfig {
	return actor.MasterConfig{
		Zones:          cfg.Layout.Zones,
		DistDefault:    cfg.Layout.DistDefault,
		WatchdogPeriod: time.Duration(cfg.Layout.WatchdogSeconds) * time.Second,
		ContractTick:   time.Duration(cfg.Contract.TickSeconds) * time.Second,
		StratBoss:      cfg.StratBoss,
		PicoCycler: actor.PicoCyclerConfig{
			Picos:        cfg.Layout.Picos,
			FlatlineTime: time.Duration(cfg.Layout.PicoFlatlineSeconds) * time.Second,
		},
		Planner: actor.PlannerConfig{
			Cron:               cfg.Planner.Cron,
			Location:           location,
			HorizonHours:       cfg.Planner.HorizonHours,
			BidderAlias:        cfg.Planner.BidderAlias,
			MarketPrefix:       cfg.Planner.MarketPrefix,
			BufferAvailableKwh: cfg.Planner.BufferAvailableKwh,
			HouseAvailableKwh:  cfg.Planner.HouseAvailableKwh,
			ControlHp:          cfg.Planner.ControlHp,
		},
		InitialPercentKeep: cfg.Layout.InitialPercentKeep,
		PowerMeterPoll:     time.Duration(cfg.PowerMeter.PollIntervalMillis) * time.Millisecond,
		Location:           location,
	}
}

// buildComponents wires the thermal model, planner, forecast cache and
// contract manager, and maps every actuator node to its output.
func buildComponents(cfg *config.Config, location *time.Location, m *metrics.Metrics, logger *zap.Logger) (actor.Components, error) {
	model, err := thermal.NewModel(cfg.House)
	if err != nil {
		return actor.Components{}, err
	}

	var sg *planner.SuperGraph
	if cfg.Planner.SuperGraphFile != "" {
		sg, err = planner.LoadSuperGraph(cfg.Planner.SuperGraphFile)
	} else {
		logger.Info("no super graph file configured, generating one")
		sg, err = planner.GenerateSuperGraph(model, planner.DefaultSuperGraphConfig(model))
	}
	if err != nil {
		return actor.Components{}, fmt.Errorf("super graph: %w", err)
	}

	clock := forecast.SystemClock{}
	cache := forecast.NewCache(clock)
	synth := forecast.NewSynthesizer(cache, location, forecast.DefaultColdestOatF, logger.Named("forecast"))

	var store contract.Store = &contract.MemoryStore{}
	if cfg.Contract.DataDir != "" {
		store = contract.NewFileStore(cfg.Contract.DataDir)
	}
	manager := contract.NewManager(cfg.MQTT.ScadaAlias, clock, store, nil, logger.Named("contract"))

	if !cfg.Simulate {
		logger.Warn("no hardware relay driver is available, relays and analog outputs run in memory")
	}
	board := drivers.NewMemoryRelayBoard(cfg.Layout.RelayCount)
	analog := drivers.NewMemoryAnalogOut(cfg.Layout.DistIndex + 1)

	devices := make(map[string]actor.Device)
	for _, name := range cfg.RequiredRelays() {
		devices[name] = actor.RelayDevice{
			Board:      board,
			Index:      cfg.Layout.RelayIndex[name],
			EnergizeOn: domain.RELAY_CLOSE,
		}
	}
	devices[domain.ANALOG_DIST_010V] = actor.AnalogDevice{Out: analog, Index: cfg.Layout.DistIndex}

	return actor.Components{
		Devices:  devices,
		Contract: manager,
		Planner:  planner.NewPlanner(model, sg, cfg.Planner.Hinge, logger.Named("planner")),
		Cache:    cache,
		Synth:    synth,
	}, nil
}

func powerMeterActorProvider(cfg *config.Config, router *runtime.Router, bus *telemetry.Bus, m *metrics.Metrics,
	logger *zap.Logger) (actor.PowerMeterActorProvider, error) {
	if !cfg.PowerMeter.Enabled {
		return nil, nil
	}

	var reader powermeter.Reader
	if cfg.Simulate {
		powers := make(map[string]int)
		for _, ch := range cfg.PowerMeter.Channels {
			powers[ch.Name] = 0
		}
		reader = powermeter.NewTestReader(powers)
	} else {
		r, err := powermeter.CreateModbusReader(cfg.PowerMeter.Host, cfg.PowerMeter.Port, cfg.PowerMeter.UnitId,
			1*time.Second, cfg.PowerMeter.Channels, logger, m.ModbusInstrument())
		if err != nil {
			return nil, err
		}
		reader = r
	}

	settings := adactor.PowerMeterSettings{
		PollInterval:  time.Duration(cfg.PowerMeter.PollIntervalMillis) * time.Millisecond,
		CapturePeriod: time.Duration(cfg.PowerMeter.CapturePeriodMillis) * time.Millisecond,
		AsyncDeltaW:   cfg.PowerMeter.AsyncDeltaW,
	}
	return func() *adactor.PowerMeterActor {
		return adactor.NewPowerMeterActor(reader, settings, router, bus, logger)
	}, nil
}

func mqttActorProvider(cfg *config.Config, router *runtime.Router, logger *zap.Logger) actor.MQTTActorProvider {
	return func(stream *eventstream.EventStream) *adactor.MQTTActor {
		return adactor.NewMQTTActor(cfg, router, stream, logger)
	}
}
