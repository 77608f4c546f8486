package notify

import (
	"bytes"
	"fmt"
	"sort"
	"text/template"
	"time"

	"telemetry-hub/internal/types"
)

// Message is one consolidated notification
type Message struct {
	TenantID string         `json:"tenantId,omitempty"`
	Subject  string         `json:"subject"`
	Body     string         `json:"body"`
	Alerts   []*types.Alert `json:"alerts"`
}

// TenantBatch is the pending alerts of one tenant
type TenantBatch struct {
	TenantID string
	Alerts   []*types.Alert
}

// SeverityCounts returns how many alerts of each severity the batch holds
func (b TenantBatch) SeverityCounts() map[types.Severity]int {
	counts := make(map[types.Severity]int)
	for _, a := range b.Alerts {
		counts[a.Severity]++
	}
	return counts
}

// GroupByTenant groups alerts by tenant, keeping first-seen tenant order and alert order
func GroupByTenant(alerts []*types.Alert) []TenantBatch {
	index := make(map[string]int)
	var batches []TenantBatch
	for _, a := range alerts {
		i, ok := index[a.TenantID]
		if !ok {
			i = len(batches)
			index[a.TenantID] = i
			batches = append(batches, TenantBatch{TenantID: a.TenantID})
		}
		batches[i].Alerts = append(batches[i].Alerts, a)
	}
	return batches
}

const tenantBodyTemplate = `{{len .Alerts}} new alert(s) for tenant {{.TenantID}}:
{{range .Alerts}}
- [{{.Severity}}] {{.Title}}
  {{.Message}}
  device {{.DeviceID}}, {{.VariableCode}}={{value .Value}} at {{stamp .CreatedAt}}
{{end}}`

const summaryBodyTemplate = `{{.Total}} new alert(s) across {{len .Tenants}} tenant(s).
{{range .Tenants}}
- {{.TenantID}}: {{.Count}} alert(s){{range .Severities}} {{.Severity}}={{.Count}}{{end}}
{{end}}`

// Renderer turns alert batches into messages
type Renderer struct {
	prefix  string
	tenant  *template.Template
	summary *template.Template
}

// NewRenderer parses the built-in templates. prefix is prepended to every subject.
func NewRenderer(prefix string) *Renderer {
	funcs := template.FuncMap{
		"value": func(v float64) string { return fmt.Sprintf("%g", v) },
		"stamp": func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
	}
	return &Renderer{
		prefix:  prefix,
		tenant:  template.Must(template.New("tenant").Funcs(funcs).Parse(tenantBodyTemplate)),
		summary: template.Must(template.New("summary").Funcs(funcs).Parse(summaryBodyTemplate)),
	}
}

// Tenant renders one consolidated message for a tenant batch
func (r *Renderer) Tenant(batch TenantBatch) (*Message, error) {
	var body bytes.Buffer
	if err := r.tenant.Execute(&body, batch); err != nil {
		return nil, fmt.Errorf("failed to render tenant message: %w", err)
	}

	subject := fmt.Sprintf("%s %d new alert(s)", r.prefix, len(batch.Alerts))
	if n := batch.SeverityCounts()[types.SeverityCritical]; n > 0 {
		subject = fmt.Sprintf("%s %d new alert(s), %d critical", r.prefix, len(batch.Alerts), n)
	}

	return &Message{
		TenantID: batch.TenantID,
		Subject:  subject,
		Body:     body.String(),
		Alerts:   batch.Alerts,
	}, nil
}

type severityCount struct {
	Severity types.Severity
	Count    int
}

type tenantSummary struct {
	TenantID   string
	Count      int
	Severities []severityCount
}

// Summary renders the platform operator message across all tenants
func (r *Renderer) Summary(batches []TenantBatch) (*Message, error) {
	data := struct {
		Total   int
		Tenants []tenantSummary
	}{}

	var all []*types.Alert
	for _, b := range batches {
		counts := b.SeverityCounts()
		ts := tenantSummary{TenantID: b.TenantID, Count: len(b.Alerts)}
		for sev, n := range counts {
			ts.Severities = append(ts.Severities, severityCount{Severity: sev, Count: n})
		}
		sort.Slice(ts.Severities, func(i, j int) bool {
			return severityRank(ts.Severities[i].Severity) > severityRank(ts.Severities[j].Severity)
		})
		data.Tenants = append(data.Tenants, ts)
		data.Total += len(b.Alerts)
		all = append(all, b.Alerts...)
	}

	var body bytes.Buffer
	if err := r.summary.Execute(&body, data); err != nil {
		return nil, fmt.Errorf("failed to render operator summary: %w", err)
	}

	return &Message{
		Subject: fmt.Sprintf("%s operator summary: %d alert(s) across %d tenant(s)", r.prefix, data.Total, len(batches)),
		Body:    body.String(),
		Alerts:  all,
	}, nil
}

func severityRank(s types.Severity) int {
	switch s {
	case types.SeverityCritical:
		return 2
	case types.SeverityWarning:
		return 1
	default:
		return 0
	}
}
