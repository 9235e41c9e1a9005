package contract

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaceheat/scada/internal/core/domain"
	"github.com/spaceheat/scada/internal/core/forecast"
)

const (
	scadaNode = "hw1.scada"
	atnNode   = "hw1"
	startS    = int64(1_700_000_400)
)

func fixedDigit() int { return 7 }

func testContract() domain.SlowDispatchContract {
	return domain.SlowDispatchContract{
		ContractId:      "c-1",
		StartS:          startS,
		DurationMinutes: 60,
		AvgPowerWatts:   4000,
	}
}

func atnHeartbeat(status domain.ContractStatus, createdS int64) domain.SlowContractHeartbeat {
	return domain.SlowContractHeartbeat{
		FromNode:         atnNode,
		Contract:         testContract(),
		Status:           status,
		MessageCreatedMs: createdS * 1000,
		MyDigit:          3,
	}
}

func newTestManager() (*Manager, *forecast.FakeClock, *MemoryStore) {
	clock := forecast.NewFakeClock(time.Unix(startS, 0))
	store := &MemoryStore{}
	return NewManager(scadaNode, clock, store, fixedDigit, nil), clock, store
}

func TestContractLifecycle(t *testing.T) {
	m, clock, store := newTestManager()
	m.UpdateEnergyUsage(4000)

	received, err := m.StartNewContractHb(atnHeartbeat(domain.CONTRACT_CREATED, startS))
	require.NoError(t, err)
	assert.Equal(t, domain.CONTRACT_RECEIVED, received.Status)
	assert.Equal(t, domain.CONTRACT_CREATED, *received.PreviousStatus)
	assert.Equal(t, 0, *received.WattHoursUsed)
	assert.Equal(t, 3, *received.YourLastDigit)
	assert.Equal(t, 7, received.MyDigit)
	assert.Equal(t, scadaNode, received.FromNode)

	clock.Advance(600 * time.Second)
	m.UpdateEnergyUsage(4000)

	active, err := m.UpdateExistingContractHb(atnHeartbeat(domain.CONTRACT_ACTIVE, startS+600))
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, domain.CONTRACT_ACTIVE, active.Status)
	assert.Equal(t, domain.CONTRACT_RECEIVED, *active.PreviousStatus)
	assert.Equal(t, 667, *active.WattHoursUsed)

	remaining, ok := m.RemainingWattHours()
	require.True(t, ok)
	assert.Equal(t, 3333, remaining)

	stored, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, *active, *stored)
}

func TestUpdateEnergyUsageIsIdempotentAtSameInstant(t *testing.T) {
	m, clock, _ := newTestManager()
	m.UpdateEnergyUsage(3000)
	_, err := m.StartNewContractHb(atnHeartbeat(domain.CONTRACT_CREATED, startS))
	require.NoError(t, err)

	clock.Advance(1200 * time.Second)
	m.UpdateEnergyUsage(3000)
	first := m.EnergyUsedWh()
	m.UpdateEnergyUsage(3000)
	m.UpdateEnergyUsage(3000)
	assert.InDelta(t, first, m.EnergyUsedWh(), 1e-9)
	assert.InDelta(t, 1000.0, first, 1e-6)
}

func TestEnergyAccruedBeforeCreation(t *testing.T) {
	m, clock, _ := newTestManager()
	clock.Advance(90 * time.Second)
	m.UpdateEnergyUsage(2000)

	hb, err := m.StartNewContractHb(atnHeartbeat(domain.CONTRACT_CREATED, startS+90))
	require.NoError(t, err)
	assert.Equal(t, 50, *hb.WattHoursUsed)
}

func TestStartRejectsLiveContract(t *testing.T) {
	m, _, store := newTestManager()
	_, err := m.StartNewContractHb(atnHeartbeat(domain.CONTRACT_CREATED, startS))
	require.NoError(t, err)

	_, err = m.StartNewContractHb(atnHeartbeat(domain.CONTRACT_CREATED, startS))
	assert.ErrorIs(t, err, ErrContractLive)
	_, err = m.StartNewContractHb(atnHeartbeat(domain.CONTRACT_ACTIVE, startS))
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
	assert.Equal(t, 1, store.Saves)
}

func TestUpdateValidation(t *testing.T) {
	m, clock, _ := newTestManager()
	_, err := m.UpdateExistingContractHb(atnHeartbeat(domain.CONTRACT_ACTIVE, startS))
	assert.ErrorIs(t, err, ErrNoLiveContract)

	_, err = m.StartNewContractHb(atnHeartbeat(domain.CONTRACT_CREATED, startS))
	require.NoError(t, err)
	clock.Advance(time.Minute)

	other := atnHeartbeat(domain.CONTRACT_ACTIVE, startS+60)
	other.Contract.ContractId = "c-2"
	_, err = m.UpdateExistingContractHb(other)
	assert.ErrorIs(t, err, ErrContractMismatch)

	_, err = m.UpdateExistingContractHb(atnHeartbeat(domain.CONTRACT_CREATED, startS+60))
	assert.ErrorIs(t, err, ErrUnexpectedStatus)

	_, err = m.UpdateExistingContractHb(atnHeartbeat(domain.CONTRACT_ACTIVE, startS-10))
	assert.ErrorIs(t, err, ErrStaleHeartbeat)

	assert.True(t, m.HasLiveContract())
}

func TestTerminatedByAtn(t *testing.T) {
	m, clock, store := newTestManager()
	_, err := m.StartNewContractHb(atnHeartbeat(domain.CONTRACT_CREATED, startS))
	require.NoError(t, err)
	clock.Advance(time.Minute)

	out, err := m.UpdateExistingContractHb(atnHeartbeat(domain.CONTRACT_TERMINATED_BY_ATN, startS+60))
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.False(t, m.HasLiveContract())
	assert.Equal(t, domain.CONTRACT_TERMINATED_BY_ATN, m.Prev().Status)

	stored, _ := store.Load()
	assert.Equal(t, atnNode, stored.FromNode)
}

func TestScadaTerminates(t *testing.T) {
	m, clock, _ := newTestManager()
	_, err := m.ScadaTerminatesContractHb("no")
	assert.ErrorIs(t, err, ErrNoLiveContract)

	_, err = m.StartNewContractHb(atnHeartbeat(domain.CONTRACT_CREATED, startS))
	require.NoError(t, err)
	clock.Advance(time.Minute)

	hb, err := m.ScadaTerminatesContractHb("Heat pump fault")
	require.NoError(t, err)
	assert.Equal(t, domain.CONTRACT_TERMINATED_BY_SCADA, hb.Status)
	assert.Equal(t, "Heat pump fault", *hb.Cause)
	assert.False(t, m.HasLiveContract())
	_, ok := m.RemainingWattHours()
	assert.False(t, ok)
}

func TestCompletionOnlyAfterEnd(t *testing.T) {
	m, clock, _ := newTestManager()
	m.UpdateEnergyUsage(4000)
	_, err := m.StartNewContractHb(atnHeartbeat(domain.CONTRACT_CREATED, startS))
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	assert.False(t, m.ActiveContractHasExpired())
	_, err = m.ScadaContractCompletionHb("done")
	assert.ErrorIs(t, err, ErrContractNotEnded)

	clock.Advance(31 * time.Minute)
	require.True(t, m.ActiveContractHasExpired())
	hb, err := m.ScadaContractCompletionHb("done")
	require.NoError(t, err)
	assert.Equal(t, domain.CONTRACT_COMPLETED_UNKNOWN_OUTCOME, hb.Status)
	assert.False(t, *hb.IsAuthoritative)
	assert.Equal(t, 4067, *hb.WattHoursUsed)
	assert.False(t, m.HasLiveContract())
	assert.False(t, m.ActiveContractHasExpired())
}

func TestCompletedByAtnSendsFinalAccounting(t *testing.T) {
	m, clock, _ := newTestManager()
	m.UpdateEnergyUsage(4000)
	_, err := m.StartNewContractHb(atnHeartbeat(domain.CONTRACT_CREATED, startS))
	require.NoError(t, err)
	clock.Advance(time.Hour)

	final, err := m.UpdateExistingContractHb(atnHeartbeat(domain.CONTRACT_COMPLETED_UNKNOWN_OUTCOME, startS+3600))
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, "Final energy accounting: used 4000 of contracted 4000 Wh", *final.Cause)
	assert.False(t, m.HasLiveContract())
}

func TestLoadHeartbeat(t *testing.T) {
	t.Run("empty store", func(t *testing.T) {
		m, _, _ := newTestManager()
		hb, err := m.LoadHeartbeat()
		require.NoError(t, err)
		assert.Nil(t, hb)
		assert.False(t, m.HasLiveContract())
	})

	t.Run("market agent authored", func(t *testing.T) {
		m, _, store := newTestManager()
		require.NoError(t, store.Save(atnHeartbeat(domain.CONTRACT_CONFIRMED, startS)))
		hb, err := m.LoadHeartbeat()
		require.NoError(t, err)
		assert.Nil(t, hb)
		assert.False(t, m.HasLiveContract())
	})

	t.Run("resumes live contract", func(t *testing.T) {
		m, clock, store := newTestManager()
		wh := 120
		saved := domain.SlowContractHeartbeat{
			FromNode: scadaNode, Contract: testContract(), Status: domain.CONTRACT_ACTIVE,
			WattHoursUsed: &wh, MessageCreatedMs: startS * 1000,
		}
		require.NoError(t, store.Save(saved))
		clock.Advance(10 * time.Minute)

		hb, err := m.LoadHeartbeat()
		require.NoError(t, err)
		assert.Nil(t, hb)
		require.True(t, m.HasLiveContract())
		assert.InDelta(t, 120.0, m.EnergyUsedWh(), 1e-9)
	})

	t.Run("contract ended while offline", func(t *testing.T) {
		m, clock, store := newTestManager()
		wh := 900
		saved := domain.SlowContractHeartbeat{
			FromNode: scadaNode, Contract: testContract(), Status: domain.CONTRACT_ACTIVE,
			WattHoursUsed: &wh, MessageCreatedMs: startS * 1000,
		}
		require.NoError(t, store.Save(saved))
		clock.Advance(2 * time.Hour)

		hb, err := m.LoadHeartbeat()
		require.NoError(t, err)
		require.NotNil(t, hb)
		assert.Equal(t, domain.CONTRACT_COMPLETED_UNKNOWN_OUTCOME, hb.Status)
		assert.Equal(t, CAUSE_REBOOT, *hb.Cause)
		assert.Equal(t, 900, *hb.WattHoursUsed)
		assert.False(t, m.HasLiveContract())
	})
}

func TestSaveFailureLeavesStateUntouched(t *testing.T) {
	diskFull := errors.New("disk full")

	t.Run("start", func(t *testing.T) {
		m, _, store := newTestManager()
		store.Err = diskFull
		_, err := m.StartNewContractHb(atnHeartbeat(domain.CONTRACT_CREATED, startS))
		assert.ErrorIs(t, err, diskFull)
		assert.False(t, m.HasLiveContract())
		assert.Nil(t, m.peerLastDigit)
	})

	// started returns a manager 15 minutes into a live contract drawing 4 kW.
	started := func(t *testing.T) (*Manager, *MemoryStore, domain.SlowContractHeartbeat) {
		m, clock, store := newTestManager()
		m.UpdateEnergyUsage(4000)
		_, err := m.StartNewContractHb(atnHeartbeat(domain.CONTRACT_CREATED, startS))
		require.NoError(t, err)
		clock.Advance(15 * time.Minute)
		store.Err = diskFull
		return m, store, *m.Latest()
	}

	assertUntouched := func(t *testing.T, m *Manager, latest domain.SlowContractHeartbeat) {
		assert.True(t, m.HasLiveContract())
		assert.Equal(t, latest, *m.Latest())
		assert.Equal(t, 0.0, m.EnergyUsedWh())
		assert.Equal(t, 4000, m.LatestPowerW())
		require.NotNil(t, m.energyUpdated)
		assert.Equal(t, startS, m.energyUpdated.Unix())
		require.NotNil(t, m.peerLastDigit)
		assert.Equal(t, 3, *m.peerLastDigit)
	}

	for _, status := range []domain.ContractStatus{
		domain.CONTRACT_ACTIVE, domain.CONTRACT_TERMINATED_BY_ATN, domain.CONTRACT_COMPLETED_UNKNOWN_OUTCOME,
	} {
		t.Run("update "+string(status), func(t *testing.T) {
			m, _, latest := started(t)
			hb := atnHeartbeat(status, startS+15*60)
			hb.MyDigit = 5
			_, err := m.UpdateExistingContractHb(hb)
			assert.ErrorIs(t, err, diskFull)
			assertUntouched(t, m, latest)
		})
	}

	t.Run("scada terminates", func(t *testing.T) {
		m, _, latest := started(t)
		_, err := m.ScadaTerminatesContractHb("pump failure")
		assert.ErrorIs(t, err, diskFull)
		assertUntouched(t, m, latest)
	})

	t.Run("scada completes", func(t *testing.T) {
		m, clock, store := newTestManager()
		m.UpdateEnergyUsage(4000)
		_, err := m.StartNewContractHb(atnHeartbeat(domain.CONTRACT_CREATED, startS))
		require.NoError(t, err)
		latest := *m.Latest()
		clock.Advance(61 * time.Minute)
		store.Err = diskFull
		_, err = m.ScadaContractCompletionHb("contract ended")
		assert.ErrorIs(t, err, diskFull)
		assertUntouched(t, m, latest)

		store.Err = nil
		hb, err := m.ScadaContractCompletionHb("contract ended")
		require.NoError(t, err)
		assert.Equal(t, 4067, *hb.WattHoursUsed)
	})
}

func TestEnergyUsageWithoutContract(t *testing.T) {
	m, clock, _ := newTestManager()
	m.UpdateEnergyUsage(2000)
	clock.Advance(30 * time.Minute)
	m.UpdateEnergyUsage(3000)
	assert.Equal(t, 0.0, m.EnergyUsedWh())
	assert.Nil(t, m.energyUpdated)
	assert.Equal(t, 3000, m.LatestPowerW())

	// the last reading accounts for the slot up to the Created heartbeat
	hb, err := m.StartNewContractHb(atnHeartbeat(domain.CONTRACT_CREATED, startS+6*60))
	require.NoError(t, err)
	assert.Equal(t, 300, *hb.WattHoursUsed)
}

func TestContractMismatchComparesWholeContract(t *testing.T) {
	m, _, _ := newTestManager()
	_, err := m.StartNewContractHb(atnHeartbeat(domain.CONTRACT_CREATED, startS))
	require.NoError(t, err)

	hb := atnHeartbeat(domain.CONTRACT_ACTIVE, startS+60)
	hb.Contract.AvgPowerWatts = 2500
	_, err = m.UpdateExistingContractHb(hb)
	assert.ErrorIs(t, err, ErrContractMismatch)

	hb = atnHeartbeat(domain.CONTRACT_ACTIVE, startS+60)
	hb.Contract.DurationMinutes = 30
	_, err = m.UpdateExistingContractHb(hb)
	assert.ErrorIs(t, err, ErrContractMismatch)
	assert.Equal(t, testContract(), m.Latest().Contract)
}

func TestEnergyInstructionStartsContract(t *testing.T) {
	m, _, _ := newTestManager()
	hb, err := m.HandleEnergyInstruction(domain.EnergyInstruction{
		FromNode: atnNode, SlotStartS: startS, SlotDurationMinutes: 60,
		AvgPowerWatts: 2500, SendTimeMs: startS * 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CONTRACT_RECEIVED, hb.Status)
	assert.NotEmpty(t, hb.Contract.ContractId)
	assert.Equal(t, 2500, hb.Contract.AvgPowerWatts)
}

func TestFileStoreRoundTrip(t *testing.T) {
	store := NewFileStore(t.TempDir())
	hb, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, hb)

	want := atnHeartbeat(domain.CONTRACT_CONFIRMED, startS)
	require.NoError(t, store.Save(want))
	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, want, *got)
}
