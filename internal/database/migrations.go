package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Migration represents a database migration
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Column types differ between drivers; migrations use these tokens.
// go-sqlite3 only decodes time.Time for columns declared exactly TIMESTAMP.
var dialectTypes = map[string]*strings.Replacer{
	DriverPostgres: strings.NewReplacer("{{TS}}", "TIMESTAMPTZ", "{{FLOAT}}", "DOUBLE PRECISION"),
	DriverSQLite:   strings.NewReplacer("{{TS}}", "TIMESTAMP", "{{FLOAT}}", "REAL"),
}

// migrations contains all database migrations
var migrations = []Migration{
	{
		Version: 1,
		Name:    "create_inventory_and_devices",
		Up: `
			CREATE TABLE IF NOT EXISTS inventory_units (
				id TEXT PRIMARY KEY,
				serial_number TEXT UNIQUE NOT NULL,
				legacy_id TEXT,
				device_type TEXT NOT NULL,
				protocol TEXT NOT NULL DEFAULT 'http' CHECK (protocol IN ('sms', 'http', 'mqtt')),
				last_seen_at {{TS}},
				created_at {{TS}} NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_inventory_legacy_id ON inventory_units(legacy_id);

			CREATE TABLE IF NOT EXISTS devices (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				inventory_id TEXT NOT NULL REFERENCES inventory_units(id),
				status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'inactive', 'suspended', 'retired')),
				last_seen_at {{TS}},
				created_at {{TS}} NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_devices_tenant ON devices(tenant_id);
			CREATE INDEX IF NOT EXISTS idx_devices_inventory ON devices(inventory_id);
		`,
		Down: `DROP TABLE IF EXISTS devices; DROP TABLE IF EXISTS inventory_units;`,
	},
	{
		Version: 2,
		Name:    "create_messages_and_readings",
		Up: `
			CREATE TABLE IF NOT EXISTS inbound_messages (
				id TEXT PRIMARY KEY,
				tenant_id TEXT,
				device_id TEXT,
				inventory_id TEXT,
				source TEXT NOT NULL CHECK (source IN ('sms', 'http', 'mqtt', 'import')),
				raw_payload TEXT NOT NULL,
				parse_status TEXT NOT NULL DEFAULT 'pending' CHECK (parse_status IN ('pending', 'parsed', 'failed')),
				parse_error TEXT,
				received_at {{TS}} NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_messages_status ON inbound_messages(parse_status);
			CREATE INDEX IF NOT EXISTS idx_messages_device ON inbound_messages(device_id, received_at);
			CREATE INDEX IF NOT EXISTS idx_messages_received ON inbound_messages(received_at);

			CREATE TABLE IF NOT EXISTS telemetry_readings (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				device_id TEXT,
				inventory_id TEXT NOT NULL,
				message_id TEXT NOT NULL REFERENCES inbound_messages(id),
				variable_code TEXT NOT NULL,
				value {{FLOAT}} NOT NULL,
				captured_at {{TS}} NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_readings_device_var ON telemetry_readings(device_id, variable_code, captured_at);
			CREATE INDEX IF NOT EXISTS idx_readings_message ON telemetry_readings(message_id);
		`,
		Down: `DROP TABLE IF EXISTS telemetry_readings; DROP TABLE IF EXISTS inbound_messages;`,
	},
	{
		Version: 3,
		Name:    "create_alert_rules_and_alerts",
		Up: `
			CREATE TABLE IF NOT EXISTS alert_rules (
				id TEXT PRIMARY KEY,
				tenant_id TEXT,
				device_type TEXT NOT NULL,
				variable_code TEXT NOT NULL,
				operator TEXT NOT NULL CHECK (operator IN ('lt', 'lte', 'eq', 'neq', 'gte', 'gt', 'between', 'outside')),
				threshold1 {{FLOAT}} NOT NULL,
				threshold2 {{FLOAT}},
				severity TEXT NOT NULL CHECK (severity IN ('info', 'warning', 'critical')),
				message_template TEXT NOT NULL DEFAULT '',
				active BOOLEAN NOT NULL DEFAULT TRUE,
				created_at {{TS}} NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_rules_lookup ON alert_rules(device_type, variable_code);

			CREATE TABLE IF NOT EXISTS alerts (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				device_id TEXT NOT NULL,
				rule_id TEXT,
				rule_key TEXT NOT NULL,
				source TEXT NOT NULL CHECK (source IN ('threshold', 'anomaly')),
				variable_code TEXT NOT NULL,
				value {{FLOAT}} NOT NULL,
				severity TEXT NOT NULL,
				title TEXT NOT NULL,
				message TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'acknowledged', 'resolved', 'closed')),
				created_at {{TS}} NOT NULL,
				notified_at {{TS}}
			);
			CREATE UNIQUE INDEX IF NOT EXISTS uq_alerts_open_condition
				ON alerts(device_id, variable_code, rule_key) WHERE status = 'open';
			CREATE INDEX IF NOT EXISTS idx_alerts_tenant ON alerts(tenant_id, created_at);
			CREATE INDEX IF NOT EXISTS idx_alerts_pending ON alerts(notified_at);
		`,
		Down: `DROP TABLE IF EXISTS alerts; DROP TABLE IF EXISTS alert_rules;`,
	},
	{
		Version: 4,
		Name:    "create_notifications",
		Up: `
			CREATE TABLE IF NOT EXISTS notification_preferences (
				tenant_id TEXT NOT NULL,
				channel TEXT NOT NULL,
				address TEXT NOT NULL,
				PRIMARY KEY (tenant_id, channel, address)
			);

			CREATE TABLE IF NOT EXISTS notification_log (
				id TEXT PRIMARY KEY,
				tenant_id TEXT,
				recipient TEXT NOT NULL,
				channel TEXT NOT NULL,
				subject TEXT NOT NULL,
				status TEXT NOT NULL CHECK (status IN ('sent', 'failed')),
				error TEXT,
				alert_count INTEGER NOT NULL DEFAULT 0,
				created_at {{TS}} NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_notification_log_created ON notification_log(created_at);
		`,
		Down: `DROP TABLE IF EXISTS notification_log; DROP TABLE IF EXISTS notification_preferences;`,
	},
}

// Migrate runs all pending database migrations, each inside its own transaction
func (db *DB) Migrate(ctx context.Context, logger *logrus.Logger) error {
	if err := db.createMigrationsTable(ctx); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	currentVersion, err := db.currentVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	replacer := dialectTypes[db.driver]

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		if logger != nil {
			logger.WithFields(logrus.Fields{
				"version": migration.Version,
				"name":    migration.Name,
			}).Info("Running migration")
		}

		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", migration.Version, err)
		}

		for _, stmt := range splitStatements(replacer.Replace(migration.Up)) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			db.rebind("INSERT INTO schema_migrations (version, name) VALUES (?, ?)"),
			migration.Version, migration.Name,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration version
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	return db.currentVersion(ctx)
}

func (db *DB) createMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	_, err := db.conn.ExecContext(ctx, query)
	return err
}

func (db *DB) currentVersion(ctx context.Context) (int, error) {
	var version int
	err := db.conn.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// splitStatements breaks a migration body on ';' so each driver gets one statement per Exec
func splitStatements(body string) []string {
	var out []string
	for _, stmt := range strings.Split(body, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}
