package stratboss

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaceheat/scada/internal/core/domain"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Zones = []string{"zone1-down", "zone2-up"}
	return cfg
}

func TestLGDefrostDetection(t *testing.T) {
	m := NewMachine(testConfig())

	detectedAt := -1
	for i := 0; i < 13; i++ {
		idu := 500 + 100*float64(i)
		odu := 3000 - 200*float64(i)
		if m.ObservePower(idu, odu) {
			detectedAt = i
			break
		}
	}
	// first sample where the indoor unit out-draws the outdoor unit
	assert.Equal(t, 9, detectedAt)

	msg, err := m.Request(DEFROST_DETECTED, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "Dormant", msg.FromState)
	assert.Equal(t, "Active", msg.ToState)
	assert.Equal(t, "DefrostDetected", msg.Trigger)
	assert.True(t, m.AwaitingAck())
	assert.False(t, m.ObservePower(2000, 600), "no detection while waiting for ack")
}

func TestSamsungDefrostDetection(t *testing.T) {
	assert.True(t, DefrostSamsung(2100, 400, 1500, 500))
	assert.False(t, DefrostSamsung(2100, 700, 1500, 500))
	assert.False(t, DefrostSamsung(1800, 400, 1500, 500))

	m := NewMachine(testConfig())
	assert.True(t, m.ObservePower(2100, 400))
}

func TestSteadyRunIsNotDefrost(t *testing.T) {
	m := NewMachine(testConfig())
	for i := 0; i < 30; i++ {
		assert.False(t, m.ObservePower(300, 3500))
	}
}

func TestActivationHandshake(t *testing.T) {
	m := NewMachine(testConfig())

	_, err := m.Request(LIFT_DETECTED, "x")
	assert.ErrorIs(t, err, ErrInvalidTrigger)

	msg, err := m.Request(HP_TURN_ON_RECEIVED, "t-2")
	require.NoError(t, err)
	assert.Equal(t, DORMANT, m.State(), "no state change before ack")

	_, err = m.Request(DEFROST_DETECTED, "t-3")
	assert.ErrorIs(t, err, ErrPendingAck)

	other := msg
	other.TriggerId = "t-9"
	_, err = m.Ack(other, 3)
	assert.ErrorIs(t, err, ErrUnexpectedAck)

	act, err := m.Ack(msg, 3)
	require.NoError(t, err)
	assert.Equal(t, ACTIVE, m.State())
	assert.True(t, act.ReleaseGate)
	assert.Equal(t, 30*time.Second, act.ReleaseGateAfter)
	assert.Equal(t, []string{"zone1-down", "zone2-up"}, act.ForcedZones)
	assert.Equal(t, 70, act.Dist010V)
	assert.Equal(t, 20*time.Minute, act.Timeout)

	_, err = m.Deactivate(HP_TURN_ON_RECEIVED, "t-2")
	assert.ErrorIs(t, err, ErrInvalidTrigger)
	back, err := m.Deactivate(TIMEOUT, "t-2")
	require.NoError(t, err)
	assert.Equal(t, "Active", back.FromState)
	assert.Equal(t, "Dormant", back.ToState)
	assert.Equal(t, DORMANT, m.State())
}

func TestDefrostActivationKeepsGate(t *testing.T) {
	m := NewMachine(testConfig())
	msg, err := m.Request(DEFROST_DETECTED, "t-1")
	require.NoError(t, err)
	act, err := m.Ack(msg, 12)
	require.NoError(t, err)
	assert.False(t, act.ReleaseGate)
}

func TestExemptionHours(t *testing.T) {
	cfg := testConfig()
	cfg.ExemptionHours = []int{22, 23, 0, 1}
	cfg.ExemptionZones = []string{"zone2-up"}
	assert.False(t, cfg.PermanentlyDisabled())
	assert.Equal(t, []string{"zone1-down"}, cfg.ForcedZones(23))
	assert.Equal(t, 40, cfg.DistValue(23))
	assert.Equal(t, []string{"zone1-down", "zone2-up"}, cfg.ForcedZones(12))
	assert.Equal(t, 70, cfg.DistValue(12))

	cfg.StratPrepSeconds = 10
	assert.Equal(t, time.Duration(0), cfg.GateReleaseDelay())
}

func TestFullyExemptNeverOperates(t *testing.T) {
	cfg := testConfig()
	for h := 0; h < 24; h++ {
		cfg.ExemptionHours = append(cfg.ExemptionHours, h)
	}
	cfg.ExemptionZones = append([]string(nil), cfg.Zones...)
	require.True(t, cfg.PermanentlyDisabled())

	m := NewMachine(cfg)
	require.True(t, m.Disabled())
	triggers := []Trigger{HP_TURN_ON_RECEIVED, DEFROST_DETECTED, LIFT_DETECTED, HP_TURN_OFF_RECEIVED, TIMEOUT, BOSS_CANCELS}
	for h := 0; h < 24; h++ {
		for _, tr := range triggers {
			_, err := m.Request(tr, "x")
			assert.Error(t, err)
			_, err = m.Deactivate(tr, "x")
			assert.Error(t, err)
			_, err = m.Ack(domain.StratBossTrigger{FromState: "Dormant", ToState: "Active", Trigger: string(tr), TriggerId: "x"}, h)
			assert.Error(t, err)
			assert.Equal(t, DORMANT, m.State())
		}
		assert.False(t, m.ObservePower(2100, 400))
	}
}

func TestLiftDetection(t *testing.T) {
	m := NewMachine(testConfig())
	assert.True(t, m.LiftDetected(MilliCToF(50_000), MilliCToF(40_000)))
	assert.False(t, m.LiftDetected(MilliCToF(45_000), MilliCToF(40_000)))
	assert.InDelta(t, 212.0, MilliCToF(100_000), 1e-9)
}

func TestHpTurnOnQueuedBehindDefrost(t *testing.T) {
	m := NewMachine(testConfig())

	defrost, err := m.Request(DEFROST_DETECTED, "t-1")
	require.NoError(t, err)
	_, err = m.Request(HP_TURN_ON_RECEIVED, "t-2")
	assert.ErrorIs(t, err, ErrPendingAck)
	assert.True(t, m.HpOnQueued())

	act, err := m.Ack(defrost, 3)
	require.NoError(t, err)
	assert.Equal(t, DEFROST_DETECTED, m.ActivatedBy())
	assert.True(t, act.ReleaseGate)
	assert.Equal(t, 30*time.Second, act.ReleaseGateAfter)
	assert.False(t, m.HpOnQueued())

	// a turn off before the ack cancels the queued turn on
	m = NewMachine(testConfig())
	defrost, err = m.Request(DEFROST_DETECTED, "t-3")
	require.NoError(t, err)
	_, _ = m.Request(HP_TURN_ON_RECEIVED, "t-4")
	m.CancelQueuedHpOn()
	act, err = m.Ack(defrost, 3)
	require.NoError(t, err)
	assert.False(t, act.ReleaseGate)

	// an unacked request hands the queued turn on back
	m = NewMachine(testConfig())
	_, err = m.Request(DEFROST_DETECTED, "t-5")
	require.NoError(t, err)
	_, _ = m.Request(HP_TURN_ON_RECEIVED, "t-6")
	assert.True(t, m.DropPending())
	assert.False(t, m.AwaitingAck())
	assert.False(t, m.DropPending())
}
