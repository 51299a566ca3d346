package hierarchy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for _, valid := range []string{"platform", "suite", "module", "entity"} {
		lvl, err := ParseLevel(valid)
		require.NoError(t, err)
		assert.Equal(t, valid, string(lvl))
	}

	_, err := ParseLevel("global")
	assert.Error(t, err)
	_, err = ParseLevel("")
	assert.Error(t, err)
}

func TestSpecificityOrdering(t *testing.T) {
	// Platform through entity must be strictly increasing.
	ordered := []Level{LevelPlatform, LevelSuite, LevelModule, LevelEntity}
	for i := 1; i < len(ordered); i++ {
		assert.Greater(t, ordered[i].Specificity(), ordered[i-1].Specificity(),
			"%s must be more specific than %s", ordered[i], ordered[i-1])
	}
}

func TestValidateScope(t *testing.T) {
	tests := []struct {
		name    string
		level   Level
		scope   Scope
		wantErr bool
	}{
		{"platform unscoped", LevelPlatform, Scope{}, false},
		{"platform with suite", LevelPlatform, Scope{SuiteID: "s1"}, true},
		{"platform with tenant", LevelPlatform, Scope{TenantID: "t1"}, true},
		{"suite with suite", LevelSuite, Scope{SuiteID: "s1"}, false},
		{"suite missing suite", LevelSuite, Scope{}, true},
		{"suite with module", LevelSuite, Scope{SuiteID: "s1", ModuleID: "m1"}, true},
		{"module complete", LevelModule, Scope{SuiteID: "s1", ModuleID: "m1"}, false},
		{"module missing module", LevelModule, Scope{SuiteID: "s1"}, true},
		{"module missing suite", LevelModule, Scope{ModuleID: "m1"}, true},
		{"entity complete", LevelEntity, Scope{TenantID: "t1", SuiteID: "s1", ModuleID: "m1"}, false},
		{"entity missing tenant", LevelEntity, Scope{SuiteID: "s1", ModuleID: "m1"}, true},
		{"entity missing module", LevelEntity, Scope{TenantID: "t1", SuiteID: "s1"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateScope(tt.level, tt.scope)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidScope)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidateScope_UnknownLevel(t *testing.T) {
	err := ValidateScope(Level("region"), Scope{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidScope)
}

func TestCascadeLevels(t *testing.T) {
	tests := []struct {
		name  string
		scope Scope
		want  []Level
	}{
		{
			"full context cascades through all four levels",
			Scope{TenantID: "t1", SuiteID: "s1", ModuleID: "m1"},
			[]Level{LevelEntity, LevelModule, LevelSuite, LevelPlatform},
		},
		{
			"no tenant skips entity",
			Scope{SuiteID: "s1", ModuleID: "m1"},
			[]Level{LevelModule, LevelSuite, LevelPlatform},
		},
		{
			"no module skips entity and module",
			Scope{TenantID: "t1", SuiteID: "s1"},
			[]Level{LevelSuite, LevelPlatform},
		},
		{
			"empty scope still reaches platform",
			Scope{},
			[]Level{LevelPlatform},
		},
		{
			"tenant alone cannot resolve entity",
			Scope{TenantID: "t1"},
			[]Level{LevelPlatform},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CascadeLevels(tt.scope))
		})
	}
}

func TestScopeForLevel(t *testing.T) {
	full := Scope{TenantID: "t1", SuiteID: "s1", ModuleID: "m1"}

	assert.Equal(t, full, ScopeForLevel(LevelEntity, full))
	assert.Equal(t, Scope{SuiteID: "s1", ModuleID: "m1"}, ScopeForLevel(LevelModule, full))
	assert.Equal(t, Scope{SuiteID: "s1"}, ScopeForLevel(LevelSuite, full))
	assert.Equal(t, Scope{}, ScopeForLevel(LevelPlatform, full))
}
