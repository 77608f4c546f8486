package alerting

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-hub/internal/types"
)

const ruleYAML = `
rules:
  - tenant_id: tenant-a
    device_type: water
    variable_code: w
    operator: LTE
    threshold1: 20
    severity: warning
    message_template: "Water low: {value}"
  - device_type: temperature
    variable_code: T
    operator: between
    threshold1: 10
    threshold2: 30
    severity: critical
    active: false
`

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]byte(ruleYAML))
	require.NoError(t, err)
	require.Len(t, rules, 2)

	water := rules[0]
	assert.Equal(t, "tenant-a", water.TenantID)
	assert.Equal(t, "W", water.VariableCode)
	assert.Equal(t, types.OperatorLTE, water.Operator)
	assert.Equal(t, 20.0, water.Threshold1)
	assert.Equal(t, types.SeverityWarning, water.Severity)
	assert.Equal(t, "Water low: {value}", water.MessageTemplate)
	assert.True(t, water.Active)

	temp := rules[1]
	assert.Empty(t, temp.TenantID)
	require.NotNil(t, temp.Threshold2)
	assert.Equal(t, 30.0, *temp.Threshold2)
	assert.False(t, temp.Active)
}

func TestParseRules_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad yaml", "rules: [\n"},
		{"missing threshold2", "rules:\n  - device_type: t\n    variable_code: T\n    operator: between\n    threshold1: 1\n    severity: info\n"},
		{"bad operator", "rules:\n  - device_type: t\n    variable_code: T\n    operator: approx\n    threshold1: 1\n    severity: info\n"},
		{"bad severity", "rules:\n  - device_type: t\n    variable_code: T\n    operator: gt\n    threshold1: 1\n    severity: loud\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRules([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadRuleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(ruleYAML), 0644))

	rules, err := LoadRuleFile(path)
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	_, err = LoadRuleFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
