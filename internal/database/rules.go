package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"telemetry-hub/internal/types"
)

// UpsertAlertRule inserts a rule or replaces the rule with the same id
func (db *DB) UpsertAlertRule(ctx context.Context, rule *types.AlertRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}

	var threshold2 sql.NullFloat64
	if rule.Threshold2 != nil {
		threshold2 = sql.NullFloat64{Float64: *rule.Threshold2, Valid: true}
	}

	query := `
		INSERT INTO alert_rules (id, tenant_id, device_type, variable_code, operator, threshold1, threshold2,
			severity, message_template, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			device_type = excluded.device_type,
			variable_code = excluded.variable_code,
			operator = excluded.operator,
			threshold1 = excluded.threshold1,
			threshold2 = excluded.threshold2,
			severity = excluded.severity,
			message_template = excluded.message_template,
			active = excluded.active
	`
	_, err := db.exec(ctx, db.conn, query,
		rule.ID,
		nullString(rule.TenantID),
		rule.DeviceType,
		rule.VariableCode,
		string(rule.Operator),
		rule.Threshold1,
		threshold2,
		string(rule.Severity),
		rule.MessageTemplate,
		rule.Active,
		rule.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert alert rule: %w", err)
	}
	return nil
}

// ListActiveRules returns active rules for a device type and variable that belong to the tenant
// or are platform defaults. Tenant rules sort first.
func (db *DB) ListActiveRules(ctx context.Context, tenantID, deviceType, variableCode string) ([]*types.AlertRule, error) {
	query := ruleSelect + `
		WHERE active = ? AND device_type = ? AND variable_code = ?
		  AND (tenant_id = ? OR tenant_id IS NULL)
		ORDER BY CASE WHEN tenant_id IS NULL THEN 1 ELSE 0 END, created_at
	`
	rows, err := db.query(ctx, db.conn, query, true, deviceType, variableCode, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active rules: %w", err)
	}
	return scanRules(rows)
}

// ListRules returns every rule for a tenant, or all rules when tenantID is empty
func (db *DB) ListRules(ctx context.Context, tenantID string) ([]*types.AlertRule, error) {
	query := ruleSelect
	var args []interface{}
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY device_type, variable_code, created_at`

	rows, err := db.query(ctx, db.conn, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return scanRules(rows)
}

const ruleSelect = `
	SELECT id, tenant_id, device_type, variable_code, operator, threshold1, threshold2,
	       severity, message_template, active, created_at
	FROM alert_rules`

func scanRules(rows *sql.Rows) ([]*types.AlertRule, error) {
	defer rows.Close()

	var rules []*types.AlertRule
	for rows.Next() {
		var rule types.AlertRule
		var tenantID sql.NullString
		var threshold2 sql.NullFloat64
		var operator, severity string

		err := rows.Scan(
			&rule.ID,
			&tenantID,
			&rule.DeviceType,
			&rule.VariableCode,
			&operator,
			&rule.Threshold1,
			&threshold2,
			&severity,
			&rule.MessageTemplate,
			&rule.Active,
			&rule.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert rule: %w", err)
		}

		rule.TenantID = tenantID.String
		rule.Operator = types.Operator(operator)
		rule.Severity = types.Severity(severity)
		if threshold2.Valid {
			t2 := threshold2.Float64
			rule.Threshold2 = &t2
		}
		rules = append(rules, &rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alert rules: %w", err)
	}
	return rules, nil
}
