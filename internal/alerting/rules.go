package alerting

import (
	"fmt"
	"strconv"
	"strings"

	"telemetry-hub/internal/types"
)

// ValuePlaceholder is substituted with the triggering value in rule message templates
const ValuePlaceholder = "{value}"

// Matches evaluates a rule's operator against a value. Range operators
// without a second threshold never match.
func Matches(rule *types.AlertRule, value float64) bool {
	t1 := rule.Threshold1

	switch rule.Operator {
	case types.OperatorLT:
		return value < t1
	case types.OperatorLTE:
		return value <= t1
	case types.OperatorEQ:
		return value == t1
	case types.OperatorNEQ:
		return value != t1
	case types.OperatorGTE:
		return value >= t1
	case types.OperatorGT:
		return value > t1
	case types.OperatorBetween:
		if rule.Threshold2 == nil {
			return false
		}
		return t1 <= value && value <= *rule.Threshold2
	case types.OperatorOutside:
		if rule.Threshold2 == nil {
			return false
		}
		return value < t1 || value > *rule.Threshold2
	default:
		return false
	}
}

// SelectRules applies tenant precedence: when any tenant-specific rule exists
// it replaces the platform defaults for that device type and variable.
func SelectRules(rules []*types.AlertRule) []*types.AlertRule {
	var tenant, defaults []*types.AlertRule
	for _, r := range rules {
		if r.TenantID != "" {
			tenant = append(tenant, r)
		} else {
			defaults = append(defaults, r)
		}
	}
	if len(tenant) > 0 {
		return tenant
	}
	return defaults
}

// FormatValue renders a reading value without trailing zeros
func FormatValue(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// RenderMessage substitutes every {value} placeholder in the template
func RenderMessage(template string, value float64) string {
	return strings.ReplaceAll(template, ValuePlaceholder, FormatValue(value))
}

// DescribeCondition returns a short human-readable form of the rule condition, e.g. "W <= 20"
func DescribeCondition(rule *types.AlertRule) string {
	t1 := FormatValue(rule.Threshold1)
	t2 := "?"
	if rule.Threshold2 != nil {
		t2 = FormatValue(*rule.Threshold2)
	}

	switch rule.Operator {
	case types.OperatorLT:
		return fmt.Sprintf("%s < %s", rule.VariableCode, t1)
	case types.OperatorLTE:
		return fmt.Sprintf("%s <= %s", rule.VariableCode, t1)
	case types.OperatorEQ:
		return fmt.Sprintf("%s = %s", rule.VariableCode, t1)
	case types.OperatorNEQ:
		return fmt.Sprintf("%s != %s", rule.VariableCode, t1)
	case types.OperatorGTE:
		return fmt.Sprintf("%s >= %s", rule.VariableCode, t1)
	case types.OperatorGT:
		return fmt.Sprintf("%s > %s", rule.VariableCode, t1)
	case types.OperatorBetween:
		return fmt.Sprintf("%s between %s and %s", rule.VariableCode, t1, t2)
	case types.OperatorOutside:
		return fmt.Sprintf("%s outside %s to %s", rule.VariableCode, t1, t2)
	default:
		return fmt.Sprintf("%s %s %s", rule.VariableCode, rule.Operator, t1)
	}
}

// ValidateRule checks a rule before it is stored
func ValidateRule(rule *types.AlertRule) error {
	if rule.DeviceType == "" {
		return fmt.Errorf("device_type is required")
	}
	if rule.VariableCode == "" {
		return fmt.Errorf("variable_code is required")
	}
	if !types.IsValidOperator(string(rule.Operator)) {
		return fmt.Errorf("invalid operator: %s", rule.Operator)
	}
	if rule.Operator.NeedsSecondThreshold() {
		if rule.Threshold2 == nil {
			return fmt.Errorf("operator %s requires threshold2", rule.Operator)
		}
		if *rule.Threshold2 < rule.Threshold1 {
			return fmt.Errorf("threshold2 must be >= threshold1")
		}
	}
	if !types.IsValidSeverity(string(rule.Severity)) {
		return fmt.Errorf("invalid severity: %s", rule.Severity)
	}
	return nil
}
