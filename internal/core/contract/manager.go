package contract

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spaceheat/scada/internal/core/domain"
	"github.com/spaceheat/scada/internal/core/forecast"
)

var (
	ErrNoLiveContract   = errors.New("no live contract")
	ErrContractLive     = errors.New("a contract is already live")
	ErrContractMismatch = errors.New("heartbeat is for a different contract")
	ErrUnexpectedStatus = errors.New("unexpected heartbeat status")
	ErrStaleHeartbeat   = errors.New("stale heartbeat")
	ErrContractNotEnded = errors.New("contract has not ended")
)

const (
	CAUSE_REBOOT = "Set by Scada on rebooting"
)

// DigitSource returns the liveness nonce digit, 0..9.
type DigitSource func() int

func RandomDigit() int {
	return rand.Intn(10)
}

// Manager owns the current slow dispatch contract. It is not safe for
// concurrent use; the contract actor is its only caller.
type Manager struct {
	nodeName string
	clock    forecast.Clock
	store    Store
	digits   DigitSource
	logger   *zap.Logger

	latest        *domain.SlowContractHeartbeat
	prev          *domain.SlowContractHeartbeat
	latestPowerW  int
	energyUsedWh  float64
	energyUpdated *time.Time
	peerLastDigit *int
}

func NewManager(nodeName string, clock forecast.Clock, store Store, digits DigitSource, logger *zap.Logger) *Manager {
	if digits == nil {
		digits = RandomDigit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		nodeName: nodeName,
		clock:    clock,
		store:    store,
		digits:   digits,
		logger:   logger,
	}
}

func (m *Manager) now() time.Time {
	return m.clock.Now()
}

func nowS(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

func (m *Manager) Latest() *domain.SlowContractHeartbeat {
	if m.latest == nil {
		return nil
	}
	hb := *m.latest
	return &hb
}

func (m *Manager) Prev() *domain.SlowContractHeartbeat {
	if m.prev == nil {
		return nil
	}
	hb := *m.prev
	return &hb
}

func (m *Manager) HasLiveContract() bool {
	return m.latest != nil
}

func (m *Manager) EnergyUsedWh() float64 {
	return m.energyUsedWh
}

func (m *Manager) LatestPowerW() int {
	return m.latestPowerW
}

// UpdateEnergyUsage integrates the previous power reading up to now and stores the new one.
// Without a live contract nothing accrues, but the reading is kept: it is the
// power used to account for the head of the next contract.
func (m *Manager) UpdateEnergyUsage(newPowerW int) {
	if m.latest == nil {
		m.latestPowerW = newPowerW
		return
	}
	now := m.now()
	if m.energyUpdated == nil {
		m.logger.Info("contract: energy usage update raced contract start, resetting")
		m.energyUsedWh = 0
	} else {
		m.energyUsedWh += float64(m.latestPowerW) * (nowS(now) - nowS(*m.energyUpdated)) / 3600
	}
	m.latestPowerW = newPowerW
	m.energyUpdated = &now
}

func (m *Manager) RemainingWattHours() (int, bool) {
	if m.latest == nil {
		return 0, false
	}
	remaining := m.latest.Contract.ContractedWattHours() - m.energyUsedWh
	return int(math.Max(0, math.Round(remaining))), true
}

func (m *Manager) ActiveContractHasExpired() bool {
	if m.latest == nil {
		return false
	}
	return m.now().Unix() > m.latest.Contract.ContractEndS()
}

func (m *Manager) newHeartbeat(contract domain.SlowDispatchContract, status domain.ContractStatus, cause string) domain.SlowContractHeartbeat {
	wh := int(math.Round(m.energyUsedWh))
	hb := domain.SlowContractHeartbeat{
		FromNode:         m.nodeName,
		Contract:         contract,
		Status:           status,
		WattHoursUsed:    &wh,
		MessageCreatedMs: m.now().UnixMilli(),
		MyDigit:          m.digits(),
	}
	if m.latest != nil {
		prev := m.latest.Status
		hb.PreviousStatus = &prev
	}
	if m.peerLastDigit != nil {
		d := *m.peerLastDigit
		hb.YourLastDigit = &d
	}
	if cause != "" {
		hb.Cause = &cause
	}
	return hb
}

// accounting is the mutable part of the manager touched before a save.
type accounting struct {
	latestPowerW  int
	energyUsedWh  float64
	energyUpdated *time.Time
	peerLastDigit *int
}

func (m *Manager) snapshot() accounting {
	return accounting{
		latestPowerW:  m.latestPowerW,
		energyUsedWh:  m.energyUsedWh,
		energyUpdated: m.energyUpdated,
		peerLastDigit: m.peerLastDigit,
	}
}

func (m *Manager) restore(a accounting) {
	m.latestPowerW = a.latestPowerW
	m.energyUsedWh = a.energyUsedWh
	m.energyUpdated = a.energyUpdated
	m.peerLastDigit = a.peerLastDigit
}

// save persists hb; on failure the accounting goes back to before.
func (m *Manager) save(hb domain.SlowContractHeartbeat, before accounting) error {
	if err := m.store.Save(hb); err != nil {
		m.restore(before)
		m.logger.Warn("contract: could not persist heartbeat", zap.String("status", string(hb.Status)), zap.Error(err))
		return err
	}
	return nil
}

func (m *Manager) flush() {
	m.latest = nil
	m.energyUsedWh = 0
	m.energyUpdated = nil
}

func (m *Manager) observePeer(hb domain.SlowContractHeartbeat) {
	d := hb.MyDigit
	m.peerLastDigit = &d
}

// LoadHeartbeat restores state from the store at startup. A non-nil result
// must be sent to the market agent.
func (m *Manager) LoadHeartbeat() (*domain.SlowContractHeartbeat, error) {
	hb, err := m.store.Load()
	if err != nil || hb == nil {
		return nil, err
	}

	if hb.FromNode != m.nodeName {
		if hb.Status == domain.CONTRACT_TERMINATED_BY_ATN || hb.Status == domain.CONTRACT_COMPLETED_UNKNOWN_OUTCOME {
			m.prev = hb
		}
		m.logger.Info("contract: stored heartbeat is from the market agent, waiting for instructions",
			zap.String("status", string(hb.Status)))
		return nil, nil
	}

	if hb.Status.Done() {
		m.prev = hb
		return nil, nil
	}

	now := m.now()
	if now.Unix() > hb.Contract.ContractEndS() {
		final := m.newHeartbeat(hb.Contract, domain.CONTRACT_COMPLETED_UNKNOWN_OUTCOME, CAUSE_REBOOT)
		prev := hb.Status
		final.PreviousStatus = &prev
		final.WattHoursUsed = hb.WattHoursUsed
		if err := m.store.Save(final); err != nil {
			return nil, err
		}
		m.prev = &final
		m.logger.Info("contract: contract ended while offline", zap.String("contract_id", hb.Contract.ContractId))
		return &final, nil
	}

	m.latest = hb
	m.energyUsedWh = 0
	if hb.WattHoursUsed != nil {
		m.energyUsedWh = float64(*hb.WattHoursUsed)
	}
	m.energyUpdated = &now
	m.logger.Info("contract: resumed live contract",
		zap.String("contract_id", hb.Contract.ContractId),
		zap.Float64("energy_used_wh", m.energyUsedWh))
	return nil, nil
}

// StartNewContractHb acknowledges a Created heartbeat from the market agent.
func (m *Manager) StartNewContractHb(atnHb domain.SlowContractHeartbeat) (domain.SlowContractHeartbeat, error) {
	if atnHb.Status != domain.CONTRACT_CREATED {
		return domain.SlowContractHeartbeat{}, fmt.Errorf("%w: start with %s", ErrUnexpectedStatus, atnHb.Status)
	}
	if m.latest != nil {
		return domain.SlowContractHeartbeat{}, fmt.Errorf("%w: %s", ErrContractLive, m.latest.Contract.ContractId)
	}

	energy := float64(m.latestPowerW) * (float64(atnHb.MessageCreatedMs)/1000 - float64(atnHb.Contract.StartS)) / 3600
	before := m.snapshot()
	m.energyUsedWh = energy
	m.observePeer(atnHb)
	hb := m.newHeartbeat(atnHb.Contract, domain.CONTRACT_RECEIVED, "")
	created := atnHb.Status
	hb.PreviousStatus = &created
	if err := m.save(hb, before); err != nil {
		return domain.SlowContractHeartbeat{}, err
	}

	now := m.now()
	m.latest = &hb
	m.energyUpdated = &now
	m.logger.Info("contract: received new contract",
		zap.String("contract_id", hb.Contract.ContractId),
		zap.Int("avg_power_w", hb.Contract.AvgPowerWatts),
		zap.Float64("energy_used_wh", energy))
	return hb, nil
}

// UpdateExistingContractHb processes a follow-up heartbeat of the live contract.
// The result is nil when nothing has to be sent back.
func (m *Manager) UpdateExistingContractHb(atnHb domain.SlowContractHeartbeat) (*domain.SlowContractHeartbeat, error) {
	if m.latest == nil {
		return nil, ErrNoLiveContract
	}
	if atnHb.Contract != m.latest.Contract {
		return nil, fmt.Errorf("%w: got %+v, live %+v", ErrContractMismatch, atnHb.Contract, m.latest.Contract)
	}
	if atnHb.Status == domain.CONTRACT_CREATED {
		return nil, fmt.Errorf("%w: %s for live contract", ErrUnexpectedStatus, atnHb.Status)
	}
	if atnHb.MessageCreatedMs < m.latest.MessageCreatedMs {
		return nil, fmt.Errorf("%w: %d < %d", ErrStaleHeartbeat, atnHb.MessageCreatedMs, m.latest.MessageCreatedMs)
	}
	switch atnHb.Status {
	case domain.CONTRACT_TERMINATED_BY_ATN, domain.CONTRACT_COMPLETED_UNKNOWN_OUTCOME,
		domain.CONTRACT_CONFIRMED, domain.CONTRACT_ACTIVE:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedStatus, atnHb.Status)
	}

	before := m.snapshot()
	m.UpdateEnergyUsage(m.latestPowerW)
	m.observePeer(atnHb)

	switch atnHb.Status {
	case domain.CONTRACT_TERMINATED_BY_ATN:
		if err := m.save(atnHb, before); err != nil {
			return nil, err
		}
		m.flush()
		m.prev = &atnHb
		m.logger.Info("contract: terminated by market agent", zap.String("contract_id", atnHb.Contract.ContractId))
		return nil, nil
	case domain.CONTRACT_COMPLETED_UNKNOWN_OUTCOME:
		cause := fmt.Sprintf("Final energy accounting: used %d of contracted %d Wh",
			int(math.Round(m.energyUsedWh)), int(math.Round(m.latest.Contract.ContractedWattHours())))
		final := m.newHeartbeat(m.latest.Contract, domain.CONTRACT_COMPLETED_UNKNOWN_OUTCOME, cause)
		if err := m.save(final, before); err != nil {
			return nil, err
		}
		m.flush()
		m.prev = &final
		m.logger.Info("contract: completed", zap.String("cause", cause))
		return &final, nil
	default:
		hb := m.newHeartbeat(m.latest.Contract, domain.CONTRACT_ACTIVE, "")
		if err := m.save(hb, before); err != nil {
			return nil, err
		}
		m.latest = &hb
		return &hb, nil
	}
}

func (m *Manager) ScadaTerminatesContractHb(cause string) (domain.SlowContractHeartbeat, error) {
	if m.latest == nil {
		return domain.SlowContractHeartbeat{}, ErrNoLiveContract
	}
	before := m.snapshot()
	m.UpdateEnergyUsage(m.latestPowerW)
	hb := m.newHeartbeat(m.latest.Contract, domain.CONTRACT_TERMINATED_BY_SCADA, cause)
	if err := m.save(hb, before); err != nil {
		return domain.SlowContractHeartbeat{}, err
	}
	m.flush()
	m.prev = &hb
	m.logger.Info("contract: terminated by scada", zap.String("cause", cause))
	return hb, nil
}

func (m *Manager) ScadaContractCompletionHb(cause string) (domain.SlowContractHeartbeat, error) {
	if m.latest == nil {
		return domain.SlowContractHeartbeat{}, ErrNoLiveContract
	}
	end := m.latest.Contract.ContractEndS()
	if m.now().Unix() < end {
		return domain.SlowContractHeartbeat{}, fmt.Errorf("%w: ends at %d", ErrContractNotEnded, end)
	}
	before := m.snapshot()
	m.UpdateEnergyUsage(m.latestPowerW)
	hb := m.newHeartbeat(m.latest.Contract, domain.CONTRACT_COMPLETED_UNKNOWN_OUTCOME, cause)
	authoritative := false
	hb.IsAuthoritative = &authoritative
	if err := m.save(hb, before); err != nil {
		return domain.SlowContractHeartbeat{}, err
	}
	m.flush()
	m.prev = &hb
	return hb, nil
}

// HandleEnergyInstruction turns a bare instruction into a new contract, for
// market agents that dispatch with instructions instead of heartbeats.
func (m *Manager) HandleEnergyInstruction(instr domain.EnergyInstruction) (domain.SlowContractHeartbeat, error) {
	atnHb := domain.SlowContractHeartbeat{
		FromNode: instr.FromNode,
		Contract: domain.SlowDispatchContract{
			ContractId:      uuid.NewString(),
			StartS:          instr.SlotStartS,
			DurationMinutes: instr.SlotDurationMinutes,
			AvgPowerWatts:   instr.AvgPowerWatts,
		},
		Status:           domain.CONTRACT_CREATED,
		MessageCreatedMs: instr.SendTimeMs,
		MyDigit:          m.digits(),
	}
	return m.StartNewContractHb(atnHb)
}

// Handle dispatches a heartbeat from the market agent.
func (m *Manager) Handle(atnHb domain.SlowContractHeartbeat) (*domain.SlowContractHeartbeat, error) {
	if atnHb.Status == domain.CONTRACT_CREATED {
		hb, err := m.StartNewContractHb(atnHb)
		if err != nil {
			return nil, err
		}
		return &hb, nil
	}
	return m.UpdateExistingContractHb(atnHb)
}
