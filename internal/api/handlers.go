package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"telemetry-hub/internal/auth"
	"telemetry-hub/internal/config"
	"telemetry-hub/internal/database"
	"telemetry-hub/internal/health"
	"telemetry-hub/internal/ingest"
	"telemetry-hub/internal/logging"
	"telemetry-hub/internal/parser"
	"telemetry-hub/internal/types"
)

const (
	defaultListLimit      = 100
	maxListLimit          = 1000
	diagnosticReadings    = 20
	ingestSuccessMessage  = "telemetry received"
	partialSuccessMessage = "telemetry received, device not assigned"
)

// Handlers contains all HTTP handlers and their dependencies
type Handlers struct {
	config   *config.Config
	logger   *logrus.Logger
	ingester Ingester
	store    OperatorStore
	assessor DeviceAssessor
	health   HealthChecker
	stream   *AlertStream
	now      func() time.Time
}

// NewHandlers creates a new handlers instance
func NewHandlers(cfg *config.Config, logger *logrus.Logger, deps Dependencies) *Handlers {
	return &Handlers{
		config:   cfg,
		logger:   logger,
		ingester: deps.Ingester,
		store:    deps.Store,
		assessor: deps.Assessor,
		health:   deps.Health,
		stream:   deps.Stream,
		now:      time.Now,
	}
}

// HealthCheck reports the hub's own health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		writeJSONResponse(w, h.logger, map[string]string{"status": string(health.ServiceStatusHealthy)}, http.StatusOK)
		return
	}

	status := h.health.Check(r.Context())
	code := http.StatusOK
	if status.Status == health.ServiceStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, h.logger, status, code)
}

// IngestJSON handles POST /api/v1/ingest
func (h *Handlers) IngestJSON(w http.ResponseWriter, r *http.Request) {
	h.ingestJSON(w, r, types.SourceHTTP)
}

// IngestJSONFromSource handles POST /api/v1/ingest/{source}; the path names
// the default source when the body does not
func (h *Handlers) IngestJSONFromSource(w http.ResponseWriter, r *http.Request) {
	source := strings.ToLower(mux.Vars(r)["source"])
	if !types.IsValidSource(source) {
		writeError(w, h.logger, fmt.Sprintf("unknown source %q", source), http.StatusBadRequest)
		return
	}
	h.ingestJSON(w, r, types.TransportSource(source))
}

func (h *Handlers) ingestJSON(w http.ResponseWriter, r *http.Request, source types.TransportSource) {
	body, err := h.readBody(r)
	if err != nil {
		h.writeIngestError(w, r, err)
		return
	}

	req, err := ingest.FromJSON(body, source)
	if err != nil {
		h.writeIngestError(w, r, err)
		return
	}

	h.ingest(w, r, req)
}

// IngestQuery handles GET /api/v1/ingest?serial=...&VAR=NUM
func (h *Handlers) IngestQuery(w http.ResponseWriter, r *http.Request) {
	req, err := ingest.FromQuery(r.URL.RawQuery)
	if err != nil {
		h.writeIngestError(w, r, err)
		return
	}
	h.ingest(w, r, req)
}

// IngestText handles POST /api/v1/ingest/text?serial=...; the body is raw
// device text, as forwarded by SMS gateways
func (h *Handlers) IngestText(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(r)
	if err != nil {
		h.writeIngestError(w, r, err)
		return
	}

	req, err := ingest.FromQuery(r.URL.RawQuery)
	if err != nil {
		h.writeIngestError(w, r, err)
		return
	}
	if r.URL.Query().Get("source") == "" {
		req.Source = types.SourceSMS
	}

	text := string(body)
	req.RawPayload = text
	req.Payload = parser.Payload{}
	if format, ok := parser.DetectFormat(false, text, false); ok {
		if declared := r.URL.Query().Get("format"); declared != "" {
			if format, err = ingest.TextFormat(declared); err != nil {
				h.writeIngestError(w, r, err)
				return
			}
		}
		req.Payload = parser.Payload{Format: format, Text: text}
	}

	h.ingest(w, r, req)
}

func (h *Handlers) ingest(w http.ResponseWriter, r *http.Request, req *ingest.Request) {
	result, err := h.ingester.Ingest(r.Context(), req)
	if err != nil {
		h.writeIngestError(w, r, err)
		return
	}

	message := ingestSuccessMessage
	if result.Partial {
		message = partialSuccessMessage
	}

	writeJSONResponse(w, h.logger, IngestResponse{
		Success:   true,
		Message:   message,
		MessageID: result.MessageID,
		Timestamp: result.ReceivedAt.UTC().Format(time.RFC3339),
	}, http.StatusOK)
}

// IngestLegacy handles GET /api/legacy/telemetry. Older firmware expects a
// plaintext status line list rather than JSON.
func (h *Handlers) IngestLegacy(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	req, err := ingest.FromLegacyQuery(r.URL.RawQuery)
	if err == nil {
		var result *ingest.Result
		result, err = h.ingester.Ingest(r.Context(), req)
		if err == nil {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, "STATUS: OK\nMESSAGE_ID: %s\nREADINGS: %d\nTIME: %s\n",
				result.MessageID, result.ReadingCount, result.ReceivedAt.UTC().Format(time.RFC3339))
			return
		}
	}

	h.logIngestError(r, err)
	w.WriteHeader(ingest.StatusCode(err))
	fmt.Fprintf(w, "STATUS: ERROR\nMESSAGE: %s\n", ingest.PublicMessage(err))
}

func (h *Handlers) readBody(r *http.Request) ([]byte, error) {
	limit := int64(h.config.Ingest.MaxPayloadBytes)
	if limit <= 0 {
		return io.ReadAll(r.Body)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, &ingest.ValidationError{Field: "body", Message: "unreadable body"}
	}
	if int64(len(body)) > limit {
		return nil, &ingest.ValidationError{Field: "payload", Message: fmt.Sprintf("payload exceeds %d bytes", limit)}
	}
	return body, nil
}

func (h *Handlers) writeIngestError(w http.ResponseWriter, r *http.Request, err error) {
	h.logIngestError(r, err)
	writeError(w, h.logger, ingest.PublicMessage(err), ingest.StatusCode(err))
}

func (h *Handlers) logIngestError(r *http.Request, err error) {
	entry := h.logger.WithFields(logrus.Fields{
		"path":      r.URL.Path,
		"client_ip": getClientIP(r),
		"status":    ingest.StatusCode(err),
	}).WithError(err)

	if ingest.StatusCode(err) >= http.StatusInternalServerError {
		entry.Error("Ingestion failed")
	} else {
		entry.Info("Ingestion rejected")
	}
}

// ListDevices handles GET /api/v1/devices?tenantId=
func (h *Handlers) ListDevices(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.scopeTenant(w, r)
	if !ok {
		return
	}
	if tenantID == "" {
		writeError(w, h.logger, "tenantId is required", http.StatusBadRequest)
		return
	}

	devices, err := h.store.ListDevices(r.Context(), tenantID)
	if err != nil {
		h.writeStoreError(w, err, "list_devices")
		return
	}

	now := h.now().UTC()
	items := make([]DeviceSummary, 0, len(devices))
	for _, d := range devices {
		items = append(items, DeviceSummary{Device: d, Fleet: health.ClassifyFleet(d.LastSeenAt, now)})
	}
	writeJSONResponse(w, h.logger, ListResponse{Items: items, Count: len(items)}, http.StatusOK)
}

// DeviceDiagnostic handles GET /api/v1/devices/{id}/diagnostic
func (h *Handlers) DeviceDiagnostic(w http.ResponseWriter, r *http.Request) {
	device, ok := h.loadDevice(w, r)
	if !ok {
		return
	}

	readings, err := h.store.ListReadings(r.Context(), device.ID, diagnosticReadings)
	if err != nil {
		h.writeStoreError(w, err, "list_readings")
		return
	}
	if readings == nil {
		readings = []types.TelemetryReading{}
	}

	now := h.now().UTC()
	conn := health.Classify(device.LastSeenAt, now, device.Status)

	writeJSONResponse(w, h.logger, DiagnosticReport{
		DeviceID:           device.ID,
		TenantID:           device.TenantID,
		SerialNumber:       device.SerialNumber,
		Protocol:           device.Protocol,
		Connectivity:       conn,
		HoursSinceLastSeen: conn.HoursSinceLastSeen,
		LastSeenAt:         device.LastSeenAt,
		SupportedActions:   SupportedActions(device.Protocol),
		RecentReadings:     readings,
		GeneratedAt:        now,
	}, http.StatusOK)
}

// DeviceHealth handles GET /api/v1/devices/{id}/health
func (h *Handlers) DeviceHealth(w http.ResponseWriter, r *http.Request) {
	device, ok := h.loadDevice(w, r)
	if !ok {
		return
	}

	assessment, err := h.assessor.Assess(r.Context(), device.ID)
	if err != nil {
		h.writeStoreError(w, err, "assess_device")
		return
	}
	if assessment == nil {
		writeError(w, h.logger, "device not found", http.StatusNotFound)
		return
	}
	writeJSONResponse(w, h.logger, assessment, http.StatusOK)
}

// ListMessages handles GET /api/v1/messages, the operator audit trail
func (h *Handlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.scopeTenant(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	status := types.ParseStatus(q.Get("status"))
	switch status {
	case "", types.ParseStatusPending, types.ParseStatusParsed, types.ParseStatusFailed:
	default:
		writeError(w, h.logger, fmt.Sprintf("invalid status %q", status), http.StatusBadRequest)
		return
	}

	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, h.logger, err.Error(), http.StatusBadRequest)
		return
	}

	messages, err := h.store.ListInboundMessages(r.Context(), database.MessageFilter{
		TenantID: tenantID,
		DeviceID: q.Get("deviceId"),
		Status:   status,
		Limit:    limit,
	})
	if err != nil {
		h.writeStoreError(w, err, "list_messages")
		return
	}
	if messages == nil {
		messages = []*types.InboundMessage{}
	}
	writeJSONResponse(w, h.logger, ListResponse{Items: messages, Count: len(messages)}, http.StatusOK)
}

// ListAlerts handles GET /api/v1/alerts
func (h *Handlers) ListAlerts(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.scopeTenant(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, h.logger, err.Error(), http.StatusBadRequest)
		return
	}

	alerts, err := h.store.ListAlerts(r.Context(), database.AlertFilter{
		TenantID: tenantID,
		DeviceID: q.Get("deviceId"),
		Status:   types.AlertStatus(q.Get("status")),
		Limit:    limit,
	})
	if err != nil {
		h.writeStoreError(w, err, "list_alerts")
		return
	}
	if alerts == nil {
		alerts = []*types.Alert{}
	}
	writeJSONResponse(w, h.logger, ListResponse{Items: alerts, Count: len(alerts)}, http.StatusOK)
}

// UpdateAlertStatus handles PUT /api/v1/alerts/{id}/status
func (h *Handlers) UpdateAlertStatus(w http.ResponseWriter, r *http.Request) {
	alertID := mux.Vars(r)["id"]

	var req AlertStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, "invalid JSON body", http.StatusBadRequest)
		return
	}
	switch req.Status {
	case types.AlertStatusAcknowledged, types.AlertStatusResolved, types.AlertStatusClosed:
	default:
		writeError(w, h.logger, fmt.Sprintf("invalid status %q", req.Status), http.StatusBadRequest)
		return
	}

	alert, err := h.store.GetAlert(r.Context(), alertID)
	if err != nil {
		h.writeStoreError(w, err, "get_alert")
		return
	}
	if alert == nil {
		writeError(w, h.logger, "alert not found", http.StatusNotFound)
		return
	}
	if !h.canAccess(r, alert.TenantID) {
		writeError(w, h.logger, "alert not found", http.StatusNotFound)
		return
	}

	updated, err := h.store.UpdateAlertStatus(r.Context(), alertID, req.Status)
	switch {
	case errors.Is(err, database.ErrAlertNotFound):
		writeError(w, h.logger, "alert not found", http.StatusNotFound)
		return
	case errors.Is(err, database.ErrInvalidTransition):
		writeError(w, h.logger, err.Error(), http.StatusConflict)
		return
	case err != nil:
		h.writeStoreError(w, err, "update_alert_status")
		return
	}

	h.logger.WithFields(logrus.Fields{
		"alert_id":  alertID,
		"tenant_id": updated.TenantID,
		"status":    updated.Status,
	}).Info("Alert status updated")

	writeJSONResponse(w, h.logger, updated, http.StatusOK)
}

// AlertStreamHandler handles GET /api/v1/alerts/stream (WebSocket)
func (h *Handlers) AlertStreamHandler(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.scopeTenant(w, r)
	if !ok {
		return
	}
	h.stream.Serve(w, r, tenantID)
}

// loadDevice fetches the {id} device and enforces tenant access. Devices of
// other tenants are reported as missing.
func (h *Handlers) loadDevice(w http.ResponseWriter, r *http.Request) (*types.Device, bool) {
	device, err := h.store.GetDevice(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeStoreError(w, err, "get_device")
		return nil, false
	}
	if device == nil || !h.canAccess(r, device.TenantID) {
		writeError(w, h.logger, "device not found", http.StatusNotFound)
		return nil, false
	}
	return device, true
}

// scopeTenant resolves the tenant filter for a list request. Tenant operators
// are pinned to their own tenant.
func (h *Handlers) scopeTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	requested := r.URL.Query().Get("tenantId")

	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok || claims.Role == auth.RolePlatform {
		return requested, true
	}
	if requested != "" && requested != claims.TenantID {
		writeError(w, h.logger, "access to tenant denied", http.StatusForbidden)
		return "", false
	}
	return claims.TenantID, true
}

// canAccess is true when auth is disabled or the operator may see tenantID
func (h *Handlers) canAccess(r *http.Request, tenantID string) bool {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		return true
	}
	return claims.CanAccessTenant(tenantID)
}

func (h *Handlers) writeStoreError(w http.ResponseWriter, err error, operation string) {
	logging.LogStorageError(h.logger, err, operation, true)
	writeError(w, h.logger, "internal error, retry later", http.StatusInternalServerError)
}

func decodeJSON(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}
