package domain

type ContractStatus string

const (
	CONTRACT_CREATED                    ContractStatus = "Created"
	CONTRACT_RECEIVED                   ContractStatus = "Received"
	CONTRACT_CONFIRMED                  ContractStatus = "Confirmed"
	CONTRACT_ACTIVE                     ContractStatus = "Active"
	CONTRACT_TERMINATED_BY_ATN          ContractStatus = "TerminatedByAtn"
	CONTRACT_TERMINATED_BY_SCADA        ContractStatus = "TerminatedByScada"
	CONTRACT_COMPLETED_UNKNOWN_OUTCOME  ContractStatus = "CompletedUnknownOutcome"
	CONTRACT_COMPLETED_SUCCESS          ContractStatus = "CompletedSuccess"
	CONTRACT_COMPLETED_FAILURE_BY_ATN   ContractStatus = "CompletedFailureByAtn"
	CONTRACT_COMPLETED_FAILURE_BY_SCADA ContractStatus = "CompletedFailureByScada"
)

func (s ContractStatus) Done() bool {
	switch s {
	case CONTRACT_TERMINATED_BY_ATN,
		CONTRACT_TERMINATED_BY_SCADA,
		CONTRACT_COMPLETED_UNKNOWN_OUTCOME,
		CONTRACT_COMPLETED_SUCCESS,
		CONTRACT_COMPLETED_FAILURE_BY_ATN,
		CONTRACT_COMPLETED_FAILURE_BY_SCADA:
		return true
	}
	return false
}

type SlowDispatchContract struct {
	ContractId      string `json:"contract_id"`
	StartS          int64  `json:"start_s"`
	DurationMinutes int    `json:"duration_minutes"`
	AvgPowerWatts   int    `json:"avg_power_watts"`
}

func (c SlowDispatchContract) ContractEndS() int64 {
	return c.StartS + int64(c.DurationMinutes)*60
}

// ContractedWattHours is the energy the contract commits to.
func (c SlowDispatchContract) ContractedWattHours() float64 {
	return float64(c.AvgPowerWatts) * float64(c.DurationMinutes) / 60
}

type SlowContractHeartbeat struct {
	FromNode         string               `json:"from_node"`
	Contract         SlowDispatchContract `json:"contract"`
	PreviousStatus   *ContractStatus      `json:"previous_status,omitempty"`
	Status           ContractStatus       `json:"status"`
	WattHoursUsed    *int                 `json:"watt_hours_used,omitempty"`
	MessageCreatedMs int64                `json:"message_created_ms"`
	Cause            *string              `json:"cause,omitempty"`
	MyDigit          int                  `json:"my_digit"`
	YourLastDigit    *int                 `json:"your_last_digit,omitempty"`
	IsAuthoritative  *bool                `json:"is_authoritative,omitempty"`
}

func (SlowContractHeartbeat) TypeName() string { return TYPE_SLOW_CONTRACT_HEARTBEAT }
