package ha

import (
	"testing"
	"time"

	"github.com/FairForge/warden/internal/events"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjective_Validate(t *testing.T) {
	tests := []struct {
		name    string
		obj     Objective
		wantErr bool
	}{
		{"default", DefaultObjective(), false},
		{"zero rto", Objective{RPO: time.Minute, AlertThreshold: 0.8}, true},
		{"zero rpo", Objective{RTO: time.Minute, AlertThreshold: 0.8}, true},
		{"rpo over rto", Objective{RTO: time.Minute, RPO: time.Hour, AlertThreshold: 0.8}, true},
		{"threshold", Objective{RTO: time.Hour, RPO: time.Minute, AlertThreshold: 1.5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.obj.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRTORPOTracker(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(start)
	rec := &recorder{}
	tr, err := NewRTORPOTracker(DefaultObjective(), clk, rec)
	require.NoError(t, err)

	tr.StartIncident("fast", clk.Now())
	tr.StartIncident("slow", clk.Now())
	assert.True(t, tr.HasActiveIncident("fast"))

	clk.Advance(10 * time.Minute)
	res, err := tr.ResolveIncident("fast", time.Minute)
	require.NoError(t, err)
	assert.True(t, res.RTOMet)
	assert.True(t, res.RPOMet)
	assert.Equal(t, 10*time.Minute, res.ActualRTO)

	clk.Advance(3 * time.Minute)
	risks := tr.AtRisk()
	require.Len(t, risks, 1)
	assert.Equal(t, "slow", risks[0].IncidentID)
	assert.False(t, risks[0].Breached)

	clk.Advance(7 * time.Minute)
	res, err = tr.ResolveIncident("slow", 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, res.RTOMet)
	assert.False(t, res.RPOMet)
	assert.False(t, tr.HasActiveIncident("slow"))

	breaches := rec.ofType(events.RTOBreached)
	require.Len(t, breaches, 1)
	assert.Equal(t, "slow", breaches[0].Subject)
	assert.Equal(t, 20*time.Minute, breaches[0].Duration)

	m := tr.Metrics()
	assert.Equal(t, 2, m.TotalIncidents)
	assert.Equal(t, 1, m.RTOCompliant)
	assert.Equal(t, 50.0, m.RTOComplianceRate)
	assert.Equal(t, 15*time.Minute, m.AverageRTO)
	assert.Equal(t, 20*time.Minute, m.WorstRTO)
	assert.Equal(t, 10*time.Minute, m.WorstRPO)

	assert.Len(t, tr.History(start, clk.Now()), 2)
	assert.Len(t, tr.History(start.Add(15*time.Minute), clk.Now()), 1)

	_, err = tr.ResolveIncident("nope", 0)
	assert.Error(t, err)
}

func TestRTORPOTracker_Empty(t *testing.T) {
	tr, err := NewRTORPOTracker(DefaultObjective(), nil, nil)
	require.NoError(t, err)
	m := tr.Metrics()
	assert.Zero(t, m.TotalIncidents)
	assert.Equal(t, 100.0, m.RTOComplianceRate)

	_, err = NewRTORPOTracker(Objective{}, nil, nil)
	assert.Error(t, err)
}
