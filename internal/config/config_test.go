package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/spaceheat/scada/internal/core/domain"
	"github.com/spaceheat/scada/internal/util"
)

func TestValidate(t *testing.T) {
	cfg := util.LoadTestConfig()
	assert.NoError(t, cfg.Validate())

	cfg.Planner.Cron = "every hour please"
	assert.ErrorContains(t, cfg.Validate(), "planner.cron")

	cfg = util.LoadTestConfig()
	cfg.Timezone = "Mars/Olympus_Mons"
	assert.ErrorContains(t, cfg.Validate(), "timezone")

	cfg = util.LoadTestConfig()
	delete(cfg.Layout.RelayIndex, domain.ZoneStatRelay("zone2"))
	assert.Error(t, cfg.Validate())
}
