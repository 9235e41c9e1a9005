package domain

const (
	ACTOR_ID_MASTER        = "master"
	ACTOR_ID_MQTT          = "mqtt"
	ACTOR_ID_POWER_METER   = "power-meter"
	ACTOR_ID_CONTRACT      = "contract"
	ACTOR_ID_PLANNER       = "planner"
	ACTOR_ID_STRAT_BOSS    = "strat-boss"
	ACTOR_ID_PICO_CYCLER   = "pico-cycler"
	ACTOR_ID_SIEG_LOOP     = "sieg-loop"
	ACTOR_ID_HP_RELAY_BOSS = "hp-relay-boss"

	// Remote market agent.
	NODE_ATN = "atn"

	RELAY_STORE_CHARGE_DISCHARGE = "store-charge-discharge-relay"
	RELAY_HP_SCADA_OPS           = "hp-scada-ops-relay"
	RELAY_PICO_POWER             = "pico-power-relay"
	RELAY_SIEG_MOTOR             = "sieg-motor-relay"
	RELAY_SIEG_DIRECTION         = "sieg-direction-relay"

	ANALOG_DIST_010V = "dist-010v"
)

// ZoneStatRelay is the relay that takes a zone thermostat call away from the stat.
func ZoneStatRelay(zone string) string {
	return zone + "-stat-ops-relay"
}

type ActorHealthRequest struct {
	ActorRequestMixIn
}

type ActorHealthResponse struct {
	ActorResponseMixIn
	Id      string
	Healthy bool
	State   string
}

type PublishEnvelopeRequest struct {
	ActorRequestMixIn
	Envelope Envelope
}

type PublishEnvelopeResponse struct {
	ActorResponseMixIn
}

type WatchdogPat struct {
	Name string
}

type GetContractStatusRequest struct {
	ActorRequestMixIn
}

type GetContractStatusResponse struct {
	ActorResponseMixIn
	Latest       *SlowContractHeartbeat `json:"latest,omitempty"`
	Prev         *SlowContractHeartbeat `json:"prev,omitempty"`
	EnergyUsedWh float64                `json:"energy_used_wh"`
	RemainingWh  *int                   `json:"remaining_wh,omitempty"`
	LatestPowerW int                    `json:"latest_power_w"`
}

// PlanSummary is the part of a plan reported outside the planner.
type PlanSummary struct {
	CreatedAtMs  int64           `json:"created_at_ms"`
	InitialNode  string          `json:"initial_node"`
	HpHeatOutKwh []float64       `json:"hp_heat_out_kwh"`
	PathCostUsd  float64         `json:"path_cost_usd"`
	Bid          []PriceQuantity `json:"bid"`
	UsedHinge    bool            `json:"used_hinge"`
	SolveMs      int64           `json:"solve_ms"`
}

type GetPlanRequest struct {
	ActorRequestMixIn
}

type GetPlanResponse struct {
	ActorResponseMixIn
	Plan *PlanSummary
}

// RunPlanRequest asks the planner to plan and bid now instead of waiting for its schedule.
type RunPlanRequest struct {
	ActorRequestMixIn
}

type RunPlanResponse struct {
	ActorResponseMixIn
	Plan *PlanSummary
}

type GetCommandTreeRequest struct {
	ActorRequestMixIn
}

type GetCommandTreeResponse struct {
	ActorResponseMixIn
	Handles map[string]string
}

// TerminateContractRequest ends the live contract from the scada side.
type TerminateContractRequest struct {
	ActorRequestMixIn
	Cause string
}

type TerminateContractResponse struct {
	ActorResponseMixIn
	Heartbeat *SlowContractHeartbeat
}
