package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContractGauges(t *testing.T) {
	m := NewMetrics()
	m.Contract(true, 666.7, 3333)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.contractLive))
	assert.Equal(t, 3333.0, testutil.ToFloat64(m.contractRemainingWh))

	m.Contract(false, 0, 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.contractLive))
}

func TestCounters(t *testing.T) {
	m := NewMetrics()
	m.CommandRejected("hp-scada-ops-relay")
	m.CommandRejected("hp-scada-ops-relay")
	m.Glitch("Warning")
	m.RelayCommand("pico-power-relay", "Open")
	m.BidSent()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.commandsRejected.WithLabelValues("hp-scada-ops-relay")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.glitches.WithLabelValues("Warning")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bidsSent))

	m.ModbusInstrument().RecordTime("ReadRegister", 20*time.Millisecond)
	m.PlanSolved(3*time.Second, true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "scada_relay_commands_total"))
	assert.True(t, strings.Contains(body, "scada_modbus_duration_seconds"))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Contract(true, 1, 1)
	m.Glitch("Critical")
	assert.Nil(t, m.ModbusInstrument())
}
