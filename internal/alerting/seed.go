package alerting

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"telemetry-hub/internal/types"
)

// RuleFile is the YAML layout read by the rules import command:
//
//	rules:
//	  - tenant_id: tenant-a
//	    device_type: water
//	    variable_code: W
//	    operator: lte
//	    threshold1: 20
//	    severity: warning
type RuleFile struct {
	Rules []*types.AlertRule `yaml:"rules"`
}

// LoadRuleFile reads and validates a rule seed file
func LoadRuleFile(path string) ([]*types.AlertRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes rule YAML. Codes are normalised and rules without an
// explicit active flag are active.
func ParseRules(data []byte) ([]*types.AlertRule, error) {
	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}

	// second pass only to tell a missing active flag from false
	var flags struct {
		Rules []struct {
			Active *bool `yaml:"active"`
		} `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &flags); err != nil {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}

	for i, rule := range file.Rules {
		if rule == nil {
			return nil, fmt.Errorf("rule %d: empty entry", i+1)
		}
		rule.TenantID = strings.TrimSpace(rule.TenantID)
		rule.VariableCode = strings.ToUpper(strings.TrimSpace(rule.VariableCode))
		rule.Operator = types.Operator(strings.ToLower(string(rule.Operator)))
		rule.Severity = types.Severity(strings.ToLower(string(rule.Severity)))
		if i < len(flags.Rules) && flags.Rules[i].Active == nil {
			rule.Active = true
		}

		if err := ValidateRule(rule); err != nil {
			return nil, fmt.Errorf("rule %d (%s %s): %w", i+1, rule.DeviceType, rule.VariableCode, err)
		}
	}

	return file.Rules, nil
}
