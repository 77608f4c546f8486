package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"telemetry-hub/internal/config"
	"telemetry-hub/internal/database"
	"telemetry-hub/internal/identity"
	"telemetry-hub/internal/logging"
	"telemetry-hub/internal/parser"
	"telemetry-hub/internal/queue"
	"telemetry-hub/internal/types"
)

// Store is the persistence the pipeline writes through
type Store interface {
	CreateInboundMessage(ctx context.Context, msg *types.InboundMessage) error
	MarkMessageFailed(ctx context.Context, messageID, reason string) error
	CommitMessage(ctx context.Context, params database.CommitParams) error
}

// Resolver maps request identifiers to a device
type Resolver interface {
	Resolve(ctx context.Context, hints identity.Hints) (*identity.Resolution, error)
}

// JobPublisher receives alert evaluation jobs after a commit
type JobPublisher interface {
	Enqueue(ctx context.Context, job *queue.Job) error
}

// ReadingMirror receives committed readings for downstream systems
type ReadingMirror interface {
	WriteReadings(ctx context.Context, readings []types.TelemetryReading) error
}

// Request is one ingestion attempt from any transport
type Request struct {
	Source     types.TransportSource
	Hints      identity.Hints
	Payload    parser.Payload
	RawPayload string
	// ClientTimestamp is only honoured when client timestamps are trusted
	ClientTimestamp *time.Time
}

// Result describes a committed message
type Result struct {
	MessageID    string
	ReadingCount int
	TenantID     string
	DeviceID     string
	Partial      bool
	ReceivedAt   time.Time
	Readings     []types.TelemetryReading
	Skipped      []string
}

// Pipeline records, parses, resolves and commits inbound telemetry
type Pipeline struct {
	store    Store
	resolver Resolver
	parser   *parser.Parser
	config   config.IngestConfig
	jobs     JobPublisher
	mirror   ReadingMirror
	logger   *logrus.Logger
	now      func() time.Time
}

// PipelineOption is a functional option for configuring the Pipeline
type PipelineOption func(*Pipeline)

// WithLogger sets the logger for the pipeline
func WithLogger(logger *logrus.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithJobPublisher sets where alert evaluation jobs go
func WithJobPublisher(jobs JobPublisher) PipelineOption {
	return func(p *Pipeline) {
		p.jobs = jobs
	}
}

// WithMirror sets the downstream reading mirror
func WithMirror(mirror ReadingMirror) PipelineOption {
	return func(p *Pipeline) {
		p.mirror = mirror
	}
}

// WithClock overrides the ingestion clock
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		p.now = now
	}
}

// NewPipeline creates a new ingestion pipeline
func NewPipeline(store Store, resolver Resolver, cfg config.IngestConfig, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:    store,
		resolver: resolver,
		parser:   parser.New(cfg.MaxPairs, cfg.ReservedQueryKeys),
		config:   cfg,
		logger:   logrus.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Validate checks a request before anything is recorded
func (p *Pipeline) Validate(req *Request) error {
	if req.Hints.Empty() {
		return &ValidationError{Field: "identifier", Message: "serialNumber, legacyDeviceId or tenantDeviceId is required"}
	}
	if req.Payload.Format == "" {
		return &ValidationError{Field: "data", Message: "data or rawText is required"}
	}
	if !types.IsValidSource(string(req.Source)) {
		return &ValidationError{Field: "source", Message: fmt.Sprintf("unknown source %q", req.Source)}
	}
	if p.config.MaxPayloadBytes > 0 && len(req.RawPayload) > p.config.MaxPayloadBytes {
		return &ValidationError{Field: "payload", Message: fmt.Sprintf("payload exceeds %d bytes", p.config.MaxPayloadBytes)}
	}
	return nil
}

// Ingest runs one message through the pipeline. The message row is created
// before parsing so every attempt leaves an audit record; readings, the parsed
// status and last-seen are committed together.
func (p *Pipeline) Ingest(ctx context.Context, req *Request) (*Result, error) {
	if err := p.Validate(req); err != nil {
		return nil, err
	}

	receivedAt := p.now()
	msg := &types.InboundMessage{
		Source:     req.Source,
		RawPayload: req.RawPayload,
		ReceivedAt: receivedAt,
	}
	if err := p.store.CreateInboundMessage(ctx, msg); err != nil {
		logging.LogStorageError(p.logger, err, "create_inbound_message", true)
		return nil, &StorageError{Op: "create message", Err: err}
	}

	logger := p.logger.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"source":     string(req.Source),
		"format":     string(req.Payload.Format),
	})

	parsed, err := p.parser.Parse(req.Payload)
	if err != nil {
		logging.LogParseError(p.logger, err, msg.ID, string(req.Source), req.RawPayload)
		p.fail(ctx, msg.ID, err.Error())
		return nil, err
	}

	resolveCtx := ctx
	if p.config.ResolveTimeout > 0 {
		var cancel context.CancelFunc
		resolveCtx, cancel = context.WithTimeout(ctx, p.config.ResolveTimeout)
		defer cancel()
	}

	resolution, err := p.resolver.Resolve(resolveCtx, req.Hints)
	if err != nil {
		logging.LogIdentityError(p.logger, err, msg.ID, req.Hints.Serial, req.Hints.LegacyID)
		p.fail(ctx, msg.ID, err.Error())
		if errors.Is(err, identity.ErrDeviceNotFound) || errors.Is(err, identity.ErrNoIdentifier) {
			return nil, err
		}
		return nil, &StorageError{Op: "resolve identity", Err: err}
	}

	capturedAt := receivedAt
	if p.config.TrustClientTimestamps && req.ClientTimestamp != nil && !req.ClientTimestamp.IsZero() {
		capturedAt = req.ClientTimestamp.UTC()
	}

	readings := make([]types.TelemetryReading, 0, len(parsed.Pairs))
	for _, pair := range parsed.Pairs {
		readings = append(readings, types.TelemetryReading{
			VariableCode: pair.Key,
			Value:        pair.Value,
			CapturedAt:   capturedAt,
		})
	}

	err = p.store.CommitMessage(ctx, database.CommitParams{
		MessageID:   msg.ID,
		TenantID:    resolution.TenantID,
		DeviceID:    resolution.DeviceID,
		InventoryID: resolution.InventoryID,
		Readings:    readings,
		SeenAt:      receivedAt,
	})
	if err != nil {
		logging.LogStorageError(p.logger, err, "commit_message", true)
		p.fail(ctx, msg.ID, err.Error())
		return nil, &StorageError{Op: "commit readings", Err: err}
	}

	logger.WithFields(logrus.Fields{
		"tenant_id":     resolution.TenantID,
		"device_id":     resolution.DeviceID,
		"matched_by":    string(resolution.MatchedBy),
		"partial":       resolution.Partial,
		"reading_count": len(readings),
		"skipped":       len(parsed.Skipped),
	}).Info("Message ingested")

	if len(parsed.Skipped) > 0 {
		logger.WithFields(logrus.Fields{
			"skipped_count":  len(parsed.Skipped),
			"skipped_tokens": logging.TruncatePayload(strings.Join(parsed.Skipped, " | ")),
		}).Warn("Dropped unparsable fields from message")
	}

	p.afterCommit(ctx, logger, msg.ID, resolution, readings)

	return &Result{
		MessageID:    msg.ID,
		ReadingCount: len(readings),
		TenantID:     resolution.TenantID,
		DeviceID:     resolution.DeviceID,
		Partial:      resolution.Partial,
		ReceivedAt:   receivedAt,
		Readings:     readings,
		Skipped:      parsed.Skipped,
	}, nil
}

// fail marks the message failed. If that write also fails the message stays
// pending for manual reconciliation.
func (p *Pipeline) fail(ctx context.Context, messageID, reason string) {
	if err := p.store.MarkMessageFailed(ctx, messageID, reason); err != nil {
		p.logger.WithError(err).WithField("message_id", messageID).Error("Failed to mark message failed, left pending")
	}
}

// afterCommit hands readings to the mirror and the alert queue. Neither can
// fail the ingestion.
func (p *Pipeline) afterCommit(ctx context.Context, logger *logrus.Entry, messageID string, res *identity.Resolution, readings []types.TelemetryReading) {
	// The readings are committed; a device hanging up must not cancel their hand-off.
	ctx = context.WithoutCancel(ctx)

	if p.mirror != nil {
		if err := p.mirror.WriteReadings(ctx, readings); err != nil {
			logger.WithError(err).Warn("Failed to mirror readings")
		}
	}

	if p.jobs == nil || res.Partial || res.DeviceID == "" {
		return
	}

	job := &queue.Job{
		MessageID:  messageID,
		TenantID:   res.TenantID,
		DeviceID:   res.DeviceID,
		DeviceType: res.DeviceType,
		Readings:   make([]queue.Reading, 0, len(readings)),
	}
	for _, r := range readings {
		job.Readings = append(job.Readings, queue.Reading{
			ReadingID:    r.ID,
			VariableCode: r.VariableCode,
			Value:        r.Value,
			CapturedAt:   r.CapturedAt,
		})
	}

	if err := p.jobs.Enqueue(ctx, job); err != nil {
		logger.WithError(err).Error("Failed to enqueue alert evaluation")
	}
}
