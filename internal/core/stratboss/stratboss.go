package stratboss

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/spaceheat/scada/internal/core/domain"
)

type State string

const (
	DORMANT State = "Dormant"
	ACTIVE  State = "Active"
)

type Trigger string

const (
	HP_TURN_ON_RECEIVED  Trigger = "HpTurnOnReceived"
	DEFROST_DETECTED     Trigger = "DefrostDetected"
	LIFT_DETECTED        Trigger = "LiftDetected"
	HP_TURN_OFF_RECEIVED Trigger = "HpTurnOffReceived"
	TIMEOUT              Trigger = "Timeout"
	BOSS_CANCELS         Trigger = "BossCancels"
)

const MIN_DEFROST_SAMPLES = 5

var (
	ErrDisabled       = errors.New("strat boss is permanently disabled")
	ErrInvalidTrigger = errors.New("trigger not allowed in current state")
	ErrPendingAck     = errors.New("activation already waiting for ack")
	ErrUnexpectedAck  = errors.New("ack does not match pending activation")
)

var transitions = map[State]map[Trigger]State{
	DORMANT: {HP_TURN_ON_RECEIVED: ACTIVE, DEFROST_DETECTED: ACTIVE},
	ACTIVE: {
		LIFT_DETECTED:        DORMANT,
		HP_TURN_OFF_RECEIVED: DORMANT,
		TIMEOUT:              DORMANT,
		BOSS_CANCELS:         DORMANT,
	},
}

type Config struct {
	Zones                   []string      `mapstructure:"zones"`
	ExemptionHours          []int         `mapstructure:"exemption_hours"`
	ExemptionZones          []string      `mapstructure:"exemption_zones"`
	Dist010V                int           `mapstructure:"dist_010v"`
	ExemptedDist010V        int           `mapstructure:"exempted_dist_010v"`
	StratPrepSeconds        int           `mapstructure:"strat_prep_seconds"`
	PrimaryPumpDelaySeconds int           `mapstructure:"primary_pump_delay_seconds"`
	Timeout                 time.Duration `mapstructure:"timeout"`
	LiftWait                time.Duration `mapstructure:"lift_wait"`
	LiftPoll                time.Duration `mapstructure:"lift_poll"`
	LiftThresholdF          float64       `mapstructure:"lift_threshold_f"`
	DefrostPoll             time.Duration `mapstructure:"defrost_poll"`
	HistorySize             int           `mapstructure:"history_size"`
	SamsungDeltaW           float64       `mapstructure:"samsung_delta_w"`
	SamsungOduMaxW          float64       `mapstructure:"samsung_odu_max_w"`
}

func DefaultConfig() Config {
	return Config{
		Dist010V:                70,
		ExemptedDist010V:        40,
		StratPrepSeconds:        60,
		PrimaryPumpDelaySeconds: 30,
		Timeout:                 20 * time.Minute,
		LiftWait:                2 * time.Minute,
		LiftPoll:                5 * time.Second,
		LiftThresholdF:          15,
		DefrostPoll:             2 * time.Second,
		HistorySize:             15,
		SamsungDeltaW:           1500,
		SamsungOduMaxW:          500,
	}
}

func (c Config) IsExemptHour(hour int) bool {
	return slices.Contains(c.ExemptionHours, hour)
}

// PermanentlyDisabled is true when every hour and every zone is exempt.
func (c Config) PermanentlyDisabled() bool {
	for h := 0; h < 24; h++ {
		if !c.IsExemptHour(h) {
			return false
		}
	}
	for _, z := range c.Zones {
		if !slices.Contains(c.ExemptionZones, z) {
			return false
		}
	}
	return true
}

// ForcedZones are the zones whose heat call is forced on during an activation at hour.
func (c Config) ForcedZones(hour int) []string {
	if !c.IsExemptHour(hour) {
		return append([]string(nil), c.Zones...)
	}
	var out []string
	for _, z := range c.Zones {
		if !slices.Contains(c.ExemptionZones, z) {
			out = append(out, z)
		}
	}
	return out
}

func (c Config) DistValue(hour int) int {
	if c.IsExemptHour(hour) {
		return c.ExemptedDist010V
	}
	return c.Dist010V
}

func (c Config) GateReleaseDelay() time.Duration {
	d := c.StratPrepSeconds - c.PrimaryPumpDelaySeconds
	if d < 0 {
		d = 0
	}
	return time.Duration(d) * time.Second
}

// Actuation is what the controller does on entering Active. ReleaseGate is
// only set when the activation came from a heat pump turn on.
type Actuation struct {
	ForcedZones      []string
	Dist010V         int
	ReleaseGate      bool
	ReleaseGateAfter time.Duration
	Timeout          time.Duration
	LiftWait         time.Duration
}

// Machine is the stratification protection state machine. Activation is a
// two step handshake: Request produces the message for the boss, and only Ack
// moves the machine to Active.
type Machine struct {
	cfg         Config
	state       State
	disabled    bool
	pending     *domain.StratBossTrigger
	hpOnQueued  bool
	activatedBy Trigger
	idu         []float64
	odu         []float64
}

func NewMachine(cfg Config) *Machine {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 15
	}
	return &Machine{
		cfg:      cfg,
		state:    DORMANT,
		disabled: cfg.PermanentlyDisabled(),
	}
}

func (m *Machine) Config() Config       { return m.cfg }
func (m *Machine) State() State         { return m.state }
func (m *Machine) Disabled() bool       { return m.disabled }
func (m *Machine) AwaitingAck() bool    { return m.pending != nil }
func (m *Machine) ActivatedBy() Trigger { return m.activatedBy }

func (m *Machine) HpOnQueued() bool { return m.hpOnQueued }

// Request asks the boss for authority. The returned message must be sent to
// the boss. A heat pump turn on arriving while another request awaits its ack
// is queued and releases the gate once that request is acked.
func (m *Machine) Request(t Trigger, triggerId string) (domain.StratBossTrigger, error) {
	if m.disabled {
		return domain.StratBossTrigger{}, ErrDisabled
	}
	if m.pending != nil {
		if t == HP_TURN_ON_RECEIVED && Trigger(m.pending.Trigger) != HP_TURN_ON_RECEIVED {
			m.hpOnQueued = true
		}
		return domain.StratBossTrigger{}, ErrPendingAck
	}
	to, ok := transitions[m.state][t]
	if !ok || to != ACTIVE {
		return domain.StratBossTrigger{}, fmt.Errorf("%w: %s in %s", ErrInvalidTrigger, t, m.state)
	}
	msg := domain.StratBossTrigger{
		FromState: string(m.state),
		ToState:   string(to),
		Trigger:   string(t),
		TriggerId: triggerId,
	}
	m.pending = &msg
	return msg, nil
}

// DropPending forgets an activation the boss never acknowledged. It returns
// whether a heat pump turn on was queued behind it.
func (m *Machine) DropPending() bool {
	queued := m.hpOnQueued
	m.pending = nil
	m.hpOnQueued = false
	return queued
}

// CancelQueuedHpOn forgets a queued heat pump turn on, after a turn off.
func (m *Machine) CancelQueuedHpOn() {
	m.hpOnQueued = false
}

// Ack completes the handshake and returns what to actuate at hour.
func (m *Machine) Ack(msg domain.StratBossTrigger, hour int) (Actuation, error) {
	if m.pending == nil || *m.pending != msg {
		return Actuation{}, ErrUnexpectedAck
	}
	m.pending = nil
	m.state = ACTIVE
	m.activatedBy = Trigger(msg.Trigger)
	act := Actuation{
		ForcedZones: m.cfg.ForcedZones(hour),
		Dist010V:    m.cfg.DistValue(hour),
		Timeout:     m.cfg.Timeout,
		LiftWait:    m.cfg.LiftWait,
	}
	if m.activatedBy == HP_TURN_ON_RECEIVED || m.hpOnQueued {
		act.ReleaseGate = true
		act.ReleaseGateAfter = m.cfg.GateReleaseDelay()
	}
	m.hpOnQueued = false
	return act, nil
}

// Deactivate returns to Dormant. The returned message tells the boss to take
// its actuators back.
func (m *Machine) Deactivate(t Trigger, triggerId string) (domain.StratBossTrigger, error) {
	to, ok := transitions[m.state][t]
	if !ok || to != DORMANT {
		return domain.StratBossTrigger{}, fmt.Errorf("%w: %s in %s", ErrInvalidTrigger, t, m.state)
	}
	msg := domain.StratBossTrigger{
		FromState: string(m.state),
		ToState:   string(to),
		Trigger:   string(t),
		TriggerId: triggerId,
	}
	m.state = to
	m.activatedBy = ""
	m.hpOnQueued = false
	m.idu = m.idu[:0]
	m.odu = m.odu[:0]
	return msg, nil
}

// ObservePower records one heat pump power sample and reports whether a
// defrost has started. Detection only runs while Dormant with no pending request.
func (m *Machine) ObservePower(iduW, oduW float64) bool {
	m.idu = appendBounded(m.idu, iduW, m.cfg.HistorySize)
	m.odu = appendBounded(m.odu, oduW, m.cfg.HistorySize)
	if m.disabled || m.state != DORMANT || m.pending != nil {
		return false
	}
	return DefrostLG(m.idu, m.odu) || DefrostSamsung(iduW, oduW, m.cfg.SamsungDeltaW, m.cfg.SamsungOduMaxW)
}

func appendBounded(xs []float64, v float64, n int) []float64 {
	xs = append(xs, v)
	if len(xs) > n {
		xs = xs[len(xs)-n:]
	}
	return xs
}

// DefrostLG: indoor unit draws more than the outdoor unit, indoor rising and
// outdoor falling across the history window.
func DefrostLG(idu, odu []float64) bool {
	n := len(idu)
	if n < MIN_DEFROST_SAMPLES || len(odu) != n {
		return false
	}
	return idu[n-1] > odu[n-1] && idu[n-1] > idu[0] && odu[n-1] < odu[0]
}

func DefrostSamsung(iduW, oduW, deltaW, oduMaxW float64) bool {
	return iduW-oduW > deltaW && oduW < oduMaxW
}

// LiftDetected reports whether the heat pump is lifting water temperature by
// more than the threshold.
func (m *Machine) LiftDetected(lwtF, ewtF float64) bool {
	return lwtF-ewtF > m.cfg.LiftThresholdF
}

func MilliCToF(milliC int64) float64 {
	return float64(milliC)/1000*9/5 + 32
}
