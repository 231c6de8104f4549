package wfmetrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clockSequence(starts ...time.Time) func() time.Time {
	i := 0
	return func() time.Time {
		t := starts[i]
		if i < len(starts)-1 {
			i++
		}
		return t
	}
}

func TestStartUpdateFinish_BasicLifecycle(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(WithClock(clockSequence(base, base.Add(2*time.Second))))

	runID := c.Start("plain", "user-1", "conv-1", "anthropic", "claude-opus", nil)
	require.NotEmpty(t, runID)

	toolCalls := 2
	c.Update(runID, Update{TokenUsage: map[string]int{"anthropic": 100}, ToolCalls: &toolCalls})

	m, err := c.Finish(runID, nil)
	require.NoError(t, err)
	assert.Equal(t, 100, m.TokenUsage["anthropic"])
	assert.Equal(t, 2, m.ToolCalls)
	assert.True(t, m.Success)
	assert.Equal(t, 2.0, m.ExecutionTimeSeconds)
}

func TestUpdate_UnknownRunIDIsIgnored(t *testing.T) {
	c := New()
	toolCalls := 1
	assert.NotPanics(t, func() {
		c.Update("nonexistent", Update{ToolCalls: &toolCalls})
	})
}

func TestFinish_UnknownRunIDReturnsError(t *testing.T) {
	c := New()
	_, err := c.Finish("nonexistent", nil)
	require.Error(t, err)
}

func TestFinish_ErrorMarksRunUnsuccessful(t *testing.T) {
	c := New()
	runID := c.Start("tools", "user-1", "conv-1", "openai", "gpt-5", nil)
	c.Update(runID, Update{Error: "tool timed out"})
	m, err := c.Finish(runID, nil)
	require.NoError(t, err)
	assert.False(t, m.Success)
	assert.Equal(t, []string{"tool timed out"}, m.Errors)
}

func TestHistory_EvictsOldestBeyondMaxHistory(t *testing.T) {
	c := New(WithMaxHistory(2))
	for i := 0; i < 3; i++ {
		runID := c.Start("plain", "user-1", "conv-1", "", "", nil)
		_, err := c.Finish(runID, nil)
		require.NoError(t, err)
	}
	stats := c.Stats("", "", 0)
	assert.Equal(t, 2, stats.TotalExecutions)
}

func TestStats_FiltersByWorkflowTypeAndAggregates(t *testing.T) {
	c := New()
	r1 := c.Start("plain", "user-1", "conv-1", "anthropic", "", nil)
	c.Update(r1, Update{TokenUsage: map[string]int{"anthropic": 50}})
	_, err := c.Finish(r1, nil)
	require.NoError(t, err)

	r2 := c.Start("tools", "user-1", "conv-2", "openai", "", nil)
	c.Update(r2, Update{TokenUsage: map[string]int{"openai": 30}, Error: "boom"})
	_, err = c.Finish(r2, nil)
	require.NoError(t, err)

	all := c.Stats("", "", 0)
	assert.Equal(t, 2, all.TotalExecutions)
	assert.Equal(t, 80, all.TotalTokens)
	assert.Equal(t, 1, all.ErrorCount)
	assert.Equal(t, 0.5, all.SuccessRate)

	plainOnly := c.Stats("plain", "", 0)
	assert.Equal(t, 1, plainOnly.TotalExecutions)
	assert.Equal(t, 1.0, plainOnly.SuccessRate)
}

func TestStats_EmptyHistoryReturnsZeroValues(t *testing.T) {
	c := New()
	stats := c.Stats("", "", 24)
	assert.Equal(t, 0, stats.TotalExecutions)
	assert.Equal(t, 0.0, stats.SuccessRate)
}

func TestRecentErrors_NewestFirstAndRespectsLimit(t *testing.T) {
	c := New()
	for i := 0; i < 3; i++ {
		runID := c.Start("plain", "user-1", "conv-1", "", "", nil)
		c.Update(runID, Update{Error: "err"})
		_, err := c.Finish(runID, nil)
		require.NoError(t, err)
	}
	errs := c.RecentErrors(2)
	assert.Len(t, errs, 2)
}

func TestAnomalies_FlagsRunExceedingFactorTimesBaseline(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := clockSequence(
		base, base.Add(1*time.Second), // run 1: 1s
		base.Add(10*time.Second), base.Add(11*time.Second), // run 2: 1s
		base.Add(20*time.Second), base.Add(40*time.Second), // run 3: 20s, anomalous vs mean 1s
	)
	c := New(WithClock(clock), WithAnomalyFactor(3))

	for i := 0; i < 3; i++ {
		runID := c.Start("plain", "user-1", "conv-1", "", "", nil)
		_, err := c.Finish(runID, nil)
		require.NoError(t, err)
	}

	anomalies := c.Anomalies()
	require.Len(t, anomalies, 1)
	assert.Equal(t, 20.0, anomalies[0].ExecutionTimeSeconds)
}
