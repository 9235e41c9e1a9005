package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var ErrUnknownPayload = errors.New("unknown payload type")

// Payload is the tagged variant of every message exchanged between nodes.
type Payload interface {
	TypeName() string
}

const (
	TYPE_POWER_WATTS             = "power.watts"
	TYPE_SINGLE_READING          = "single.reading"
	TYPE_SYNCED_READINGS         = "synced.readings"
	TYPE_CHANGE_RELAY_STATE      = "change.relay.state"
	TYPE_ANALOG_DISPATCH         = "analog.dispatch"
	TYPE_MACHINE_STATES          = "machine.states"
	TYPE_GLITCH                  = "glitch"
	TYPE_ZOMBIE_PICO_WARNING     = "zombie.pico.warning"
	TYPE_STRAT_BOSS_TRIGGER      = "strat.boss.trigger"
	TYPE_NEW_COMMAND_TREE        = "new.command.tree"
	TYPE_SLOW_CONTRACT_HEARTBEAT = "slow.contract.heartbeat"
	TYPE_ENERGY_INSTRUCTION      = "energy.instruction"
	TYPE_ATN_BID                 = "atn.bid"
	TYPE_PRICE_FORECAST          = "price.forecast"
	TYPE_WEATHER_FORECAST        = "weather.forecast"
	TYPE_HP_ON_OFF               = "hp.on.off"
)

type PowerWatts struct {
	Watts int `json:"watts"`
}

func (PowerWatts) TypeName() string { return TYPE_POWER_WATTS }

type SingleReading struct {
	ChannelName         string `json:"channel_name"`
	Value               int64  `json:"value"`
	ScadaReadTimeUnixMs int64  `json:"scada_read_time_unix_ms"`
}

func (SingleReading) TypeName() string { return TYPE_SINGLE_READING }

type SyncedReadings struct {
	ChannelNames        []string `json:"channel_names"`
	Values              []int64  `json:"values"`
	ScadaReadTimeUnixMs int64    `json:"scada_read_time_unix_ms"`
}

func (SyncedReadings) TypeName() string { return TYPE_SYNCED_READINGS }

type RelayEvent string

const (
	RELAY_OPEN  RelayEvent = "Open"
	RELAY_CLOSE RelayEvent = "Close"

	// Store charge/discharge valve: closing the relay swings it to discharge.
	STORE_CHARGE    = RELAY_OPEN
	STORE_DISCHARGE = RELAY_CLOSE

	// Heat pump scada ops relay: closed lets the heat pump contactor close.
	HP_ON  = RELAY_CLOSE
	HP_OFF = RELAY_OPEN
)

type ChangeRelayState struct {
	Event     RelayEvent `json:"event"`
	TriggerId string     `json:"trigger_id,omitempty"`
}

func (ChangeRelayState) TypeName() string { return TYPE_CHANGE_RELAY_STATE }

type AnalogDispatch struct {
	Value     int    `json:"value"`
	TriggerId string `json:"trigger_id,omitempty"`
}

func (AnalogDispatch) TypeName() string { return TYPE_ANALOG_DISPATCH }

type MachineStates struct {
	MachineHandle string   `json:"machine_handle"`
	StateEnum     string   `json:"state_enum"`
	States        []string `json:"states"`
	UnixMsTimes   []int64  `json:"unix_ms_times"`
	TriggerId     string   `json:"trigger_id,omitempty"`
}

func (MachineStates) TypeName() string { return TYPE_MACHINE_STATES }

type GlitchLevel string

const (
	GLITCH_INFO     GlitchLevel = "Info"
	GLITCH_WARNING  GlitchLevel = "Warning"
	GLITCH_CRITICAL GlitchLevel = "Critical"
)

type Glitch struct {
	Id        string      `json:"id"`
	FromNode  string      `json:"from_node"`
	Level     GlitchLevel `json:"level"`
	Summary   string      `json:"summary"`
	Details   string      `json:"details"`
	CreatedMs int64       `json:"created_ms"`
}

func (Glitch) TypeName() string { return TYPE_GLITCH }

type ZombiePicoWarning struct {
	PicoName string `json:"pico_name"`
}

func (ZombiePicoWarning) TypeName() string { return TYPE_ZOMBIE_PICO_WARNING }

type StratBossTrigger struct {
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Trigger   string `json:"trigger"`
	TriggerId string `json:"trigger_id"`
}

func (StratBossTrigger) TypeName() string { return TYPE_STRAT_BOSS_TRIGGER }

// HpOnOff tells the stratification controller the boss is about to switch the heat pump.
type HpOnOff struct {
	On        bool   `json:"on"`
	TriggerId string `json:"trigger_id,omitempty"`
}

func (HpOnOff) TypeName() string { return TYPE_HP_ON_OFF }

// NewCommandTree is sent by a boss after reparenting; Handles maps node name to handle.
type NewCommandTree struct {
	Handles map[string]string `json:"handles"`
}

func (NewCommandTree) TypeName() string { return TYPE_NEW_COMMAND_TREE }

type EnergyInstruction struct {
	FromNode            string `json:"from_node"`
	SlotStartS          int64  `json:"slot_start_s"`
	SlotDurationMinutes int    `json:"slot_duration_minutes"`
	AvgPowerWatts       int    `json:"avg_power_watts"`
	SendTimeMs          int64  `json:"send_time_ms"`
}

func (EnergyInstruction) TypeName() string { return TYPE_ENERGY_INSTRUCTION }

type PriceQuantity struct {
	PriceTimes1000    int64 `json:"price_times_1000"`
	QuantityTimes1000 int64 `json:"quantity_times_1000"`
}

const (
	PRICE_UNIT_USD_PER_MWH = "USDPerMWh"
	QUANTITY_UNIT_AVG_KW   = "AvgkW"
)

type AtnBid struct {
	BidderAlias    string          `json:"bidder_alias"`
	MarketSlotName string          `json:"market_slot_name"`
	PqPairs        []PriceQuantity `json:"pq_pairs"`
	PriceUnit      string          `json:"price_unit"`
	QuantityUnit   string          `json:"quantity_unit"`
}

func (AtnBid) TypeName() string { return TYPE_ATN_BID }

type PriceForecast struct {
	StartS int64   `json:"start_s"`
	Reg    []int32 `json:"reg"`
	Dist   []int32 `json:"dist"`
	Lmp    []int32 `json:"lmp"`
}

func (PriceForecast) TypeName() string { return TYPE_PRICE_FORECAST }

type WeatherForecast struct {
	StartS  int64     `json:"start_s"`
	OatF    []float64 `json:"oat_f"`
	WindMph []float64 `json:"wind_mph"`
}

func (WeatherForecast) TypeName() string { return TYPE_WEATHER_FORECAST }

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Payload{
		TYPE_POWER_WATTS:             func() Payload { return &PowerWatts{} },
		TYPE_SINGLE_READING:          func() Payload { return &SingleReading{} },
		TYPE_SYNCED_READINGS:         func() Payload { return &SyncedReadings{} },
		TYPE_CHANGE_RELAY_STATE:      func() Payload { return &ChangeRelayState{} },
		TYPE_ANALOG_DISPATCH:         func() Payload { return &AnalogDispatch{} },
		TYPE_MACHINE_STATES:          func() Payload { return &MachineStates{} },
		TYPE_GLITCH:                  func() Payload { return &Glitch{} },
		TYPE_ZOMBIE_PICO_WARNING:     func() Payload { return &ZombiePicoWarning{} },
		TYPE_STRAT_BOSS_TRIGGER:      func() Payload { return &StratBossTrigger{} },
		TYPE_NEW_COMMAND_TREE:        func() Payload { return &NewCommandTree{} },
		TYPE_SLOW_CONTRACT_HEARTBEAT: func() Payload { return &SlowContractHeartbeat{} },
		TYPE_ENERGY_INSTRUCTION:      func() Payload { return &EnergyInstruction{} },
		TYPE_ATN_BID:                 func() Payload { return &AtnBid{} },
		TYPE_PRICE_FORECAST:          func() Payload { return &PriceForecast{} },
		TYPE_WEATHER_FORECAST:        func() Payload { return &WeatherForecast{} },
		TYPE_HP_ON_OFF:               func() Payload { return &HpOnOff{} },
	}
)

// RegisterPayload adds a decodable payload type. The factory must return a pointer.
func RegisterPayload(typeName string, factory func() Payload) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[typeName] = factory
}

// DecodePayload returns the payload value (not a pointer) for typeName.
func DecodePayload(typeName string, data []byte) (Payload, error) {
	registryMu.RLock()
	factory, ok := registry[typeName]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPayload, typeName)
	}
	ptr := factory()
	if err := json.Unmarshal(data, ptr); err != nil {
		return nil, fmt.Errorf("decode %s: %w", typeName, err)
	}
	return deref(ptr), nil
}

func deref(p Payload) Payload {
	switch v := p.(type) {
	case *PowerWatts:
		return *v
	case *SingleReading:
		return *v
	case *SyncedReadings:
		return *v
	case *ChangeRelayState:
		return *v
	case *AnalogDispatch:
		return *v
	case *MachineStates:
		return *v
	case *Glitch:
		return *v
	case *ZombiePicoWarning:
		return *v
	case *StratBossTrigger:
		return *v
	case *NewCommandTree:
		return *v
	case *SlowContractHeartbeat:
		return *v
	case *EnergyInstruction:
		return *v
	case *AtnBid:
		return *v
	case *PriceForecast:
		return *v
	case *WeatherForecast:
		return *v
	case *HpOnOff:
		return *v
	}
	return p
}

// WireMessage is the JSON body published on the broker.
type WireMessage struct {
	Src              string          `json:"src"`
	Dst              string          `json:"dst"`
	FromHandle       string          `json:"from_handle"`
	TypeName         string          `json:"type_name"`
	MessageCreatedMs int64           `json:"message_created_ms"`
	Payload          json.RawMessage `json:"payload"`
}

func EncodeEnvelope(env Envelope, createdMs int64) ([]byte, error) {
	body, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WireMessage{
		Src:              env.Src,
		Dst:              env.Dst,
		FromHandle:       env.FromHandle,
		TypeName:         env.Payload.TypeName(),
		MessageCreatedMs: createdMs,
		Payload:          body,
	})
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var wire WireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, err
	}
	payload, err := DecodePayload(wire.TypeName, wire.Payload)
	if err != nil {
		return Envelope{}, err
	}
	return NewEnvelope(wire.Src, wire.Dst, wire.FromHandle, payload), nil
}
