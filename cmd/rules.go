package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"telemetry-hub/internal/alerting"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage alert rules",
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <rules.yaml>",
	Short: "Create or update alert rules from a YAML seed file",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesImport,
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alert rules",
	RunE:  runRulesList,
}

var rulesTenant string

func init() {
	rulesListCmd.Flags().StringVar(&rulesTenant, "tenant", "", "only rules applying to this tenant (platform defaults included)")

	rulesCmd.AddCommand(rulesImportCmd)
	rulesCmd.AddCommand(rulesListCmd)
	rootCmd.AddCommand(rulesCmd)
}

func runRulesImport(cmd *cobra.Command, args []string) error {
	rules, err := alerting.LoadRuleFile(args[0])
	if err != nil {
		return err
	}

	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}

	ctx := context.Background()
	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	for _, rule := range rules {
		if err := db.UpsertAlertRule(ctx, rule); err != nil {
			return fmt.Errorf("failed to store rule %s/%s: %w", rule.DeviceType, rule.VariableCode, err)
		}
		logger.WithField("rule_id", rule.ID).Debug("Alert rule stored")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d rule(s) from %s\n", len(rules), args[0])
	return nil
}

func runRulesList(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}

	ctx := context.Background()
	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	rules, err := db.ListRules(ctx, rulesTenant)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTENANT\tDEVICE TYPE\tCONDITION\tSEVERITY\tACTIVE")
	for _, rule := range rules {
		tenant := rule.TenantID
		if tenant == "" {
			tenant = "(default)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n",
			rule.ID, tenant, rule.DeviceType, alerting.DescribeCondition(rule), rule.Severity, rule.Active)
	}
	return w.Flush()
}
