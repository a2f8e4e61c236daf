package configuration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestApplyProfileDefaults(t *testing.T) {
	tests := map[string]struct {
		profile        Profile
		expectedPolicy AllocationPolicy
	}{
		"empty profile defaults to energy budget": {profile: "", expectedPolicy: FirstFitContiguous},
		"energy budget":                           {profile: ProfileEnergyBudget, expectedPolicy: FirstFitContiguous},
		"plain backfilling":                       {profile: ProfileFcfsBackfill, expectedPolicy: AnyAvailable},
		"power capped":                            {profile: ProfilePowerCapped, expectedPolicy: AnyAvailable},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			config := SchedulingConfig{Profile: tc.profile}
			config.ApplyProfileDefaults()

			assert.Equal(t, tc.expectedPolicy, config.AllocationPolicy)
			assert.Equal(t, string(config.Profile), config.SchedulerName)
			assert.Equal(t, 1.0, config.EnergyBudgetPercentage)
			assert.Equal(t, 600*time.Second, config.PeriodLength)
			assert.Equal(t, 203.12, config.BusyPowerPerUnit)
			assert.Equal(t, 100.0, config.IdlePowerPerUnit)
			// Estimates fall back to the measured values.
			assert.Equal(t, config.BusyPowerPerUnit, config.BusyPowerEstimate)
			assert.Equal(t, config.IdlePowerPerUnit, config.IdlePowerEstimate)
		})
	}
}

func TestApplyProfileDefaultsKeepsExplicitValues(t *testing.T) {
	config := SchedulingConfig{
		Profile:           ProfileEnergyBudget,
		SchedulerName:     "custom",
		BusyPowerPerUnit:  190.74,
		BusyPowerEstimate: 200,
		AllocationPolicy:  AnyAvailable,
		PeriodLength:      time.Hour,
	}
	config.ApplyProfileDefaults()

	assert.Equal(t, "custom", config.SchedulerName)
	assert.Equal(t, 190.74, config.BusyPowerPerUnit)
	assert.Equal(t, 200.0, config.BusyPowerEstimate)
	assert.Equal(t, AnyAvailable, config.AllocationPolicy)
	assert.Equal(t, time.Hour, config.PeriodLength)
}
