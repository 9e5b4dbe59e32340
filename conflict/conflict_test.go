package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypace/relaysync/race"
)

var baseTime = time.Date(2026, 6, 20, 6, 0, 0, 0, time.UTC)

func baseRunner() race.Runner {
	return race.Runner{ID: 1, Name: "Dana", Pace: 480, Van: race.Van1, UpdatedAt: baseTime}
}

func baseLeg() race.Leg {
	return race.Leg{ID: 5, RunnerID: race.IntPtr(1), Distance: 5.2, UpdatedAt: baseTime}
}

func TestDetectRunner_EqualReturnsNil(t *testing.T) {
	assert.Nil(t, DetectRunner(baseRunner(), baseRunner()))
}

func TestDetectRunner_Severity(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*race.Runner)
		want   Severity
	}{
		{"name is high", func(r *race.Runner) { r.Name = "Dana R." }, SeverityHigh},
		{"pace is medium", func(r *race.Runner) { r.Pace = 500 }, SeverityMedium},
		{"van is low", func(r *race.Runner) { r.Van = race.Van2 }, SeverityLow},
		{"timestamp only is low", func(r *race.Runner) { r.UpdatedAt = baseTime.Add(time.Minute) }, SeverityLow},
		{"name beats pace", func(r *race.Runner) { r.Name = "D"; r.Pace = 500 }, SeverityHigh},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			remote := baseRunner()
			tc.mutate(&remote)
			c := DetectRunner(baseRunner(), remote)
			require.NotNil(t, c)
			assert.Equal(t, tc.want, c.Severity)
			assert.NotEmpty(t, c.ChangedFields)
			assert.NotEmpty(t, c.Description)
		})
	}
}

func TestDetectLeg_Severity(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*race.Leg)
		want   Severity
	}{
		{"actualStart is high", func(l *race.Leg) { l.ActualStart = race.TimePtr(baseTime) }, SeverityHigh},
		{"actualFinish is high", func(l *race.Leg) { l.ActualFinish = race.TimePtr(baseTime) }, SeverityHigh},
		{"projectedStart is medium", func(l *race.Leg) { l.ProjectedStart = race.TimePtr(baseTime) }, SeverityMedium},
		{"projectedFinish is medium", func(l *race.Leg) { l.ProjectedFinish = race.TimePtr(baseTime) }, SeverityMedium},
		{"distance is low", func(l *race.Leg) { l.Distance = 6 }, SeverityLow},
		{"runner assignment is low", func(l *race.Leg) { l.RunnerID = race.IntPtr(2) }, SeverityLow},
		{"actual beats projected", func(l *race.Leg) {
			l.ActualStart = race.TimePtr(baseTime)
			l.ProjectedFinish = race.TimePtr(baseTime)
		}, SeverityHigh},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			remote := baseLeg()
			tc.mutate(&remote)
			c := DetectLeg(baseLeg(), remote)
			require.NotNil(t, c)
			assert.Equal(t, tc.want, c.Severity)
		})
	}
}

func TestResolveLeg_ServerIsIdentity(t *testing.T) {
	remote := baseLeg()
	remote.ActualStart = race.TimePtr(baseTime.Add(time.Hour))
	c := DetectLeg(baseLeg(), remote)
	require.NotNil(t, c)

	got, err := ResolveLeg(c, StrategyServer)
	require.NoError(t, err)
	assert.Equal(t, c.Remote, got)
}

func TestResolveRunner_ServerIsIdentity(t *testing.T) {
	remote := baseRunner()
	remote.Name = "Dana R."
	c := DetectRunner(baseRunner(), remote)
	require.NotNil(t, c)

	got, err := ResolveRunner(c, StrategyServer)
	require.NoError(t, err)
	assert.Equal(t, c.Remote, got)
}

func TestResolveRunner_NewestTieBreaksLocal(t *testing.T) {
	local := baseRunner()
	remote := baseRunner()
	remote.Name = "Dana R." // same UpdatedAt, different content

	c := DetectRunner(local, remote)
	require.NotNil(t, c)

	got, err := ResolveRunner(c, StrategyNewest)
	require.NoError(t, err)
	assert.Equal(t, local, got)

	got, err = ResolveRunner(c, StrategyOldest)
	require.NoError(t, err)
	assert.Equal(t, local, got)
}

func TestResolveRunner_NewestPicksLater(t *testing.T) {
	local := baseRunner()
	remote := baseRunner()
	remote.Name = "Dana R."
	remote.UpdatedAt = baseTime.Add(time.Minute)

	c := DetectRunner(local, remote)
	got, err := ResolveRunner(c, StrategyNewest)
	require.NoError(t, err)
	assert.Equal(t, remote, got)

	got, err = ResolveRunner(c, StrategyOldest)
	require.NoError(t, err)
	assert.Equal(t, local, got)
}

func TestResolve_ManualRefused(t *testing.T) {
	remote := baseLeg()
	remote.Distance = 6
	c := DetectLeg(baseLeg(), remote)

	_, err := ResolveLeg(c, StrategyManual)
	assert.ErrorIs(t, err, ErrManualDecisionRequired)
}

func TestMergeLegs_ActualTimesNeverDropped(t *testing.T) {
	// Local observed a start the server has not seen yet.
	local := baseLeg()
	local.ActualStart = race.TimePtr(baseTime.Add(time.Hour))
	remote := baseLeg()

	merged := MergeLegs(local, remote)
	require.NotNil(t, merged.ActualStart)
	assert.True(t, merged.ActualStart.Equal(baseTime.Add(time.Hour)))

	// And symmetrically: the server observed a finish the local side lacks.
	local = baseLeg()
	remote = baseLeg()
	remote.ActualFinish = race.TimePtr(baseTime.Add(2 * time.Hour))

	merged = MergeLegs(local, remote)
	require.NotNil(t, merged.ActualFinish)
	assert.True(t, merged.ActualFinish.Equal(baseTime.Add(2*time.Hour)))
}

func TestMergeLegs_SpecScenario(t *testing.T) {
	// Local leg 5: actualStart set, projectedFinish 5000; remote: actualStart
	// null, projectedFinish 6000. The merge keeps local's non-null actual and
	// local's projected value.
	start := baseTime.Add(1000 * time.Second)
	local := baseLeg()
	local.ActualStart = &start
	local.ProjectedFinish = race.TimePtr(baseTime.Add(5000 * time.Second))

	remote := baseLeg()
	remote.ProjectedFinish = race.TimePtr(baseTime.Add(6000 * time.Second))

	merged := MergeLegs(local, remote)
	require.NotNil(t, merged.ActualStart)
	assert.True(t, merged.ActualStart.Equal(start))
	require.NotNil(t, merged.ProjectedFinish)
	assert.True(t, merged.ProjectedFinish.Equal(baseTime.Add(5000*time.Second)))
}

func TestMergeLegs_UpdatedAtIsMax(t *testing.T) {
	local := baseLeg()
	remote := baseLeg()
	remote.UpdatedAt = baseTime.Add(time.Minute)

	assert.True(t, MergeLegs(local, remote).UpdatedAt.Equal(remote.UpdatedAt))
	assert.True(t, MergeLegs(remote, local).UpdatedAt.Equal(remote.UpdatedAt))
}

func TestMergeRunners_LocalWins(t *testing.T) {
	local := baseRunner()
	remote := baseRunner()
	remote.Name = "Server Name"
	remote.Pace = 999
	remote.Van = race.Van2
	remote.UpdatedAt = baseTime.Add(time.Minute)

	merged := MergeRunners(local, remote)
	assert.Equal(t, local.Name, merged.Name)
	assert.Equal(t, local.Pace, merged.Pace)
	assert.Equal(t, local.Van, merged.Van)
	assert.True(t, merged.UpdatedAt.Equal(remote.UpdatedAt))
}

func TestAutoStrategyFor(t *testing.T) {
	tests := []struct {
		kind     Kind
		severity Severity
		want     Strategy
	}{
		{KindLeg, SeverityHigh, StrategyServer},
		{KindRunner, SeverityHigh, StrategyLocal},
		{KindLeg, SeverityMedium, StrategyMerge},
		{KindRunner, SeverityMedium, StrategyMerge},
		{KindLeg, SeverityLow, StrategyLocal},
		{KindRunner, SeverityLow, StrategyLocal},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, AutoStrategyFor(tc.kind, tc.severity),
			"kind=%s severity=%s", tc.kind, tc.severity)
	}
}
