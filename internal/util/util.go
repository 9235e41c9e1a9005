package util

import (
	"go.uber.org/zap"

	"github.com/spaceheat/scada/internal/config"
	"github.com/spaceheat/scada/internal/core/domain"
	"github.com/spaceheat/scada/internal/core/planner"
	"github.com/spaceheat/scada/internal/core/stratboss"
	"github.com/spaceheat/scada/internal/core/thermal"
	"github.com/spaceheat/scada/pkg/powermeter"
)

func LoadTestConfig() config.Config {
	zones := []string{"zone1", "zone2"}
	sb := stratboss.DefaultConfig()
	sb.Zones = zones
	return config.Config{
		LogLevel: zap.DebugLevel,
		Timezone: "America/New_York",
		MQTT: config.MQTTConfig{
			Host:       "localhost",
			Port:       1883,
			BaseTopic:  "gw",
			ScadaAlias: "scada",
		},
		PowerMeter: config.PowerMeterConfig{
			Host:                "-.-.-.-",
			Port:                502,
			UnitId:              1,
			PollIntervalMillis:  1000,
			CapturePeriodMillis: 300000,
			AsyncDeltaW:         50,
			Channels: []powermeter.Channel{
				{Name: "hp-idu-pwr", Address: 3000, Wide: true, Scale: 1},
				{Name: "hp-odu-pwr", Address: 3002, Wide: true, Scale: 1},
			},
		},
		House: thermal.DefaultHouseParams(),
		Planner: config.PlannerConfig{
			Cron:         "0 55 * * * *",
			HorizonHours: 48,
			BidderAlias:  "hw1.isone.me.versant.keene.test.ln",
			Hinge:        planner.DefaultHingeConfig(),
		},
		Layout: config.LayoutConfig{
			Zones: zones,
			Picos: []string{"pico-a", "pico-b"},
			RelayIndex: map[string]int{
				domain.RELAY_STORE_CHARGE_DISCHARGE: 0,
				domain.RELAY_HP_SCADA_OPS:           1,
				domain.RELAY_PICO_POWER:             2,
				domain.RELAY_SIEG_MOTOR:             3,
				domain.RELAY_SIEG_DIRECTION:         4,
				domain.ZoneStatRelay("zone1"):       5,
				domain.ZoneStatRelay("zone2"):       6,
			},
			RelayCount:          8,
			DistDefault:         40,
			InitialPercentKeep:  100,
			PicoFlatlineSeconds: 20,
			WatchdogSeconds:     10,
		},
		StratBoss: sb,
		Contract: config.ContractConfig{
			TickSeconds: 10,
		},
		Port:     8080,
		Simulate: true,
	}
}
