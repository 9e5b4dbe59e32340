package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_FullFlow_ChooseServer(t *testing.T) {
	s := NewSession(time.Minute)
	assert.Equal(t, StateIdle, s.State())

	localTime := baseTime.Add(10 * time.Second)
	serverTime := baseTime

	require.True(t, s.Detect(7, FieldActualStart, localTime, serverTime))
	assert.Equal(t, StateConflictDetected, s.State())

	c, err := s.Present()
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingUserChoice, s.State())
	assert.Equal(t, 7, c.LegID)
	assert.True(t, c.LocalTime.Equal(localTime))
	assert.True(t, c.ServerTime.Equal(serverTime))

	picked, err := s.Choose(CandidateServer)
	require.NoError(t, err)
	assert.True(t, picked.Equal(serverTime))
	assert.Equal(t, StateResolved, s.State())

	require.NoError(t, s.Ack())
	assert.Equal(t, StateIdle, s.State())
}

func TestSession_Detect_RejectsOutsideTolerance(t *testing.T) {
	s := NewSession(time.Minute)

	assert.False(t, s.Detect(7, FieldActualStart, baseTime, baseTime.Add(2*time.Minute)))
	assert.Equal(t, StateIdle, s.State())
}

func TestSession_Detect_RejectsEqualTimes(t *testing.T) {
	s := NewSession(time.Minute)
	assert.False(t, s.Detect(7, FieldActualStart, baseTime, baseTime))
}

func TestSession_Detect_RejectsWhileBusy(t *testing.T) {
	s := NewSession(time.Minute)
	require.True(t, s.Detect(7, FieldActualStart, baseTime.Add(time.Second), baseTime))

	assert.False(t, s.Detect(8, FieldActualFinish, baseTime.Add(time.Second), baseTime))

	c, ok := s.Conflict()
	require.True(t, ok)
	assert.Equal(t, 7, c.LegID)
}

func TestSession_InvalidTransitions(t *testing.T) {
	s := NewSession(time.Minute)

	_, err := s.Present()
	assert.Error(t, err)

	_, err = s.Choose(CandidateLocal)
	assert.Error(t, err)

	assert.Error(t, s.Ack())
}

func TestSession_Choose_UnknownCandidate(t *testing.T) {
	s := NewSession(time.Minute)
	require.True(t, s.Detect(7, FieldActualStart, baseTime.Add(time.Second), baseTime))
	_, err := s.Present()
	require.NoError(t, err)

	_, err = s.Choose(Candidate("coin-flip"))
	assert.Error(t, err)
	assert.Equal(t, StateAwaitingUserChoice, s.State())
}

func TestSession_Abandon_ReturnsToIdle(t *testing.T) {
	s := NewSession(time.Minute)
	require.True(t, s.Detect(7, FieldActualStart, baseTime.Add(time.Second), baseTime))
	_, err := s.Present()
	require.NoError(t, err)

	s.Abandon()
	assert.Equal(t, StateIdle, s.State())
	_, ok := s.Conflict()
	assert.False(t, ok)
}

func TestSession_SnapshotRestore_ResurfacesPendingChoice(t *testing.T) {
	s := NewSession(time.Minute)
	require.True(t, s.Detect(7, FieldActualFinish, baseTime.Add(time.Second), baseTime))
	_, err := s.Present()
	require.NoError(t, err)

	data, err := s.Snapshot()
	require.NoError(t, err)

	restored := NewSession(time.Minute)
	require.NoError(t, restored.Restore(data))

	// A conflict awaiting a choice at shutdown comes back as detected so it is
	// presented again.
	assert.Equal(t, StateConflictDetected, restored.State())
	c, ok := restored.Conflict()
	require.True(t, ok)
	assert.Equal(t, 7, c.LegID)
	assert.Equal(t, FieldActualFinish, c.Field)
}

func TestSession_SnapshotRestore_IdleStaysIdle(t *testing.T) {
	s := NewSession(time.Minute)
	data, err := s.Snapshot()
	require.NoError(t, err)

	restored := NewSession(time.Minute)
	require.NoError(t, restored.Restore(data))
	assert.Equal(t, StateIdle, restored.State())
}
