package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/zap/zapcore"

	"github.com/spaceheat/scada/internal/core/domain"
	"github.com/spaceheat/scada/internal/core/planner"
	"github.com/spaceheat/scada/internal/core/stratboss"
	"github.com/spaceheat/scada/internal/core/thermal"
	"github.com/spaceheat/scada/pkg/powermeter"
)

type Config struct {
	LogLevel   zapcore.Level
	Timezone   string              `mapstructure:"timezone"`
	MQTT       MQTTConfig          `mapstructure:"mqtt"`
	PowerMeter PowerMeterConfig    `mapstructure:"power_meter"`
	House      thermal.HouseParams `mapstructure:"house"`
	Planner    PlannerConfig       `mapstructure:"planner"`
	Layout     LayoutConfig        `mapstructure:"layout"`
	StratBoss  stratboss.Config    `mapstructure:"strat_boss"`
	Contract   ContractConfig      `mapstructure:"contract"`
	Port       uint                `mapstructure:"port"`
	HttpLog    bool                `mapstructure:"http_log"`
	// Simulate runs the relays and analog outputs in memory.
	Simulate bool `mapstructure:"simulate"`
}

type MQTTConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	BaseTopic string `mapstructure:"base_topic"`
	// ScadaAlias is the destination name remote nodes use for this scada.
	ScadaAlias string `mapstructure:"scada_alias"`
}

type PowerMeterConfig struct {
	Enabled             bool                 `mapstructure:"enabled"`
	Host                string               `mapstructure:"host"`
	Port                uint                 `mapstructure:"port"`
	UnitId              uint8                `mapstructure:"unit_id"`
	PollIntervalMillis  uint32               `mapstructure:"poll_interval_millis"`
	CapturePeriodMillis uint32               `mapstructure:"capture_period_millis"`
	AsyncDeltaW         int                  `mapstructure:"async_delta_w"`
	Channels            []powermeter.Channel `mapstructure:"channels"`
}

type PlannerConfig struct {
	SuperGraphFile     string              `mapstructure:"super_graph_file"`
	Cron               string              `mapstructure:"cron"`
	HorizonHours       int                 `mapstructure:"horizon_hours"`
	BidderAlias        string              `mapstructure:"bidder_alias"`
	MarketPrefix       string              `mapstructure:"market_prefix"`
	BufferAvailableKwh float64             `mapstructure:"buffer_available_kwh"`
	HouseAvailableKwh  float64             `mapstructure:"house_available_kwh"`
	ControlHp          bool                `mapstructure:"control_hp"`
	Hinge              planner.HingeConfig `mapstructure:"hinge"`
}

// LayoutConfig maps the command tree onto hardware. Relay indices are
// positions on the relay board, starting at zero.
type LayoutConfig struct {
	Zones               []string       `mapstructure:"zones"`
	Picos               []string       `mapstructure:"picos"`
	RelayIndex          map[string]int `mapstructure:"relay_index"`
	RelayCount          int            `mapstructure:"relay_count"`
	DistIndex           int            `mapstructure:"dist_index"`
	DistDefault         int            `mapstructure:"dist_default"`
	InitialPercentKeep  int            `mapstructure:"initial_percent_keep"`
	PicoFlatlineSeconds int            `mapstructure:"pico_flatline_seconds"`
	WatchdogSeconds     int            `mapstructure:"watchdog_seconds"`
}

type ContractConfig struct {
	DataDir     string `mapstructure:"data_dir"`
	TickSeconds int    `mapstructure:"tick_seconds"`
}

func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

func CheckMQTTTopic(baseTopic string) (string, error) {
	// check and fix base topic
	lowerBaseTopic := strings.ToLower(baseTopic)
	baseTopicRegexp := regexp.MustCompile("^[a-z0-9_]+$")
	matches := baseTopicRegexp.FindAllStringSubmatch(lowerBaseTopic, 1)
	if len(matches) <= 0 {
		return "", errors.New("invalid topic. can only contain letters, numbers and underscores")
	}
	return lowerBaseTopic, nil
}

// Validate checks bounds that viper cannot express.
func (c Config) Validate() error {
	if err := c.House.Validate(); err != nil {
		return fmt.Errorf("config section house: %w", err)
	}
	loc, err := c.Location()
	if err != nil {
		return fmt.Errorf("config param timezone: %w", err)
	}
	if c.Planner.Cron != "" {
		if _, err := quartz.NewCronTriggerWithLoc(c.Planner.Cron, loc); err != nil {
			return fmt.Errorf("config param planner.cron: %w", err)
		}
	}
	if c.Planner.HorizonHours < 1 || c.Planner.HorizonHours > 72 {
		return errors.New("config param planner.horizon_hours should be within 1..72")
	}
	if err := c.Planner.Hinge.Validate(c.Planner.HorizonHours); err != nil {
		return fmt.Errorf("config section planner.hinge: %w", err)
	}
	if c.Layout.DistDefault < 0 || c.Layout.DistDefault > 100 {
		return errors.New("config param layout.dist_default should be within 0..100")
	}
	if c.Layout.InitialPercentKeep < 0 || c.Layout.InitialPercentKeep > 100 {
		return errors.New("config param layout.initial_percent_keep should be within 0..100")
	}
	if c.Layout.WatchdogSeconds < 1 {
		return errors.New("config param layout.watchdog_seconds should be >= 1")
	}
	for _, name := range c.RequiredRelays() {
		idx, ok := c.Layout.RelayIndex[name]
		if !ok {
			return fmt.Errorf("config param layout.relay_index is missing %s", name)
		}
		if idx < 0 || idx >= c.Layout.RelayCount {
			return fmt.Errorf("config param layout.relay_index.%s should be within 0..%d", name, c.Layout.RelayCount-1)
		}
	}
	if c.PowerMeter.Enabled {
		if len(c.PowerMeter.Channels) == 0 {
			return errors.New("config param power_meter.channels should not be empty")
		}
		if c.PowerMeter.PollIntervalMillis < 200 {
			return errors.New("config param power_meter.poll_interval_millis should be >= 200")
		}
	}
	return nil
}

// RequiredRelays lists every relay node the layout needs a board position for.
func (c Config) RequiredRelays() []string {
	out := []string{
		domain.RELAY_STORE_CHARGE_DISCHARGE,
		domain.RELAY_HP_SCADA_OPS,
		domain.RELAY_PICO_POWER,
		domain.RELAY_SIEG_MOTOR,
		domain.RELAY_SIEG_DIRECTION,
	}
	for _, z := range c.Layout.Zones {
		out = append(out, domain.ZoneStatRelay(z))
	}
	return out
}
