// Package threat runs AI-assisted threat analysis over batches of security
// events and raises alerts for high and critical findings.
package threat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/1sec-project/perimeter/internal/core"
	"github.com/1sec-project/perimeter/internal/metrics"
	"github.com/1sec-project/perimeter/internal/store"
)

// AlertType is the alert_type of alerts raised from an analysis.
const AlertType = "ai_threat_detection"

// Publisher receives analyses after they are stored. Alerts reach the bus
// through the alert dispatcher instead.
type Publisher interface {
	PublishAnalysis(rec *core.AnalysisRecord) error
}

// Result is the outcome of one pipeline run.
type Result struct {
	Success        bool                `json:"success"`
	AnalysisID     string              `json:"analysisId"`
	Analysis       core.ThreatAnalysis `json:"analysis"`
	EventsAnalyzed int                 `json:"eventsAnalyzed"`
	AIPowered      bool                `json:"aiPowered"`
	Timestamp      time.Time           `json:"timestamp"`
	Persisted      bool                `json:"persisted"`
	AlertCreated   bool                `json:"alertCreated"`
}

// Pipeline turns a request into a stored analysis and, when warranted, an
// alert. Persistence and alerting are best-effort: once the reasoning
// service has answered, the caller always gets the analysis.
type Pipeline struct {
	cfg      core.AnalysisConfig
	store    store.Store
	reasoner Reasoner
	alerts   *core.AlertDispatcher
	pub      Publisher
	logger   zerolog.Logger
	now      func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithAlerts fans stored alerts out through d.
func WithAlerts(d *core.AlertDispatcher) Option {
	return func(p *Pipeline) { p.alerts = d }
}

// WithPublisher publishes stored analyses to pub.
func WithPublisher(pub Publisher) Option {
	return func(p *Pipeline) { p.pub = pub }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func NewPipeline(cfg core.AnalysisConfig, st store.Store, r Reasoner, logger zerolog.Logger, opts ...Option) *Pipeline {
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = DefaultMaxEvents
	}
	if cfg.TimeWindow == "" {
		cfg.TimeWindow = "24 hours"
	}
	p := &Pipeline{
		cfg:      cfg,
		store:    st,
		reasoner: r,
		logger:   logger.With().Str("component", "threat_pipeline").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run analyzes req on behalf of requestedBy. The only errors returned are a
// failed event fetch, a failed prompt build and a failed reasoning call;
// nothing is stored in those cases.
func (p *Pipeline) Run(ctx context.Context, req Request, requestedBy string) (*Result, error) {
	analysisType := req.AnalysisType
	if analysisType == "" {
		analysisType = TypeBatch
	}
	log := p.logger.With().
		Str("analysis_type", analysisType).
		Str("requested_by", requestedBy).
		Logger()

	var events []EventSummary
	if len(req.Events) > 0 {
		events = SummarizeSupplied(req.Events)
	} else {
		stored, err := p.store.RecentEvents(ctx, p.cfg.FetchLimit)
		if err != nil {
			return nil, core.InternalError("Failed to load security events", err)
		}
		events = SummarizeStored(stored)
	}

	now := p.now().UTC()
	prompt, err := BuildPrompt(BuildContext(events, p.cfg.TimeWindow, now))
	if err != nil {
		return nil, core.InternalError("Failed to build analysis request", err)
	}

	log.Debug().Int("events", len(events)).Msg("calling reasoning service")
	reply, err := p.reasoner.Complete(ctx, prompt)
	if err != nil {
		log.Error().Err(err).Msg("reasoning service call failed")
		return nil, core.UpstreamError(err)
	}

	analysis := p.interpret(reply, log)
	metrics.ThreatAnalyses.WithLabelValues(analysis.ThreatLevel.String()).Inc()

	res := &Result{
		Success:        true,
		AnalysisID:     uuid.New().String(),
		Analysis:       analysis,
		EventsAnalyzed: len(events),
		AIPowered:      true,
		Timestamp:      now,
	}

	// The caller may hang up after the reply arrives; the record still lands.
	persistCtx := context.WithoutCancel(ctx)
	rec, err := newRecord(res, analysisType, requestedBy)
	if err == nil {
		err = p.store.InsertAnalysis(persistCtx, rec)
	}
	if err != nil {
		metrics.PersistenceFailures.WithLabelValues("ai_threat_analyses").Inc()
		log.Error().Err(err).Str("analysis_id", res.AnalysisID).Msg("failed to store analysis")
	} else {
		res.Persisted = true
		p.publish(log, rec)
	}

	if analysis.ThreatLevel.Alerting() {
		res.AlertCreated = p.raiseAlert(persistCtx, res, log)
	}

	log.Info().
		Str("analysis_id", res.AnalysisID).
		Str("threat_level", analysis.ThreatLevel.String()).
		Str("threat_type", analysis.ThreatType).
		Float64("risk_score", analysis.RiskScore).
		Bool("persisted", res.Persisted).
		Bool("alert_created", res.AlertCreated).
		Msg("threat analysis complete")
	return res, nil
}

func (p *Pipeline) interpret(reply string, log zerolog.Logger) core.ThreatAnalysis {
	parsed, failure := ParseAnalysis(reply)
	if failure != nil {
		metrics.AnalysisFallbacks.Inc()
		log.Warn().Str("reason", failure.Reason).Str("reply", failure.Raw).Msg("analysis reply unparseable, using fallback")
		return Fallback()
	}
	if len(parsed.Repairs) > 0 {
		log.Debug().Strs("repaired", parsed.Repairs).Msg("analysis reply repaired")
	}
	return parsed.Analysis
}

func (p *Pipeline) raiseAlert(ctx context.Context, res *Result, log zerolog.Logger) bool {
	a := res.Analysis
	alert := &core.SecurityAlert{
		ID:          uuid.New().String(),
		AlertType:   AlertType,
		Severity:    a.ThreatLevel,
		Title:       fmt.Sprintf("AI Detected: %s", a.ThreatType),
		Description: a.Reasoning,
		Metadata: map[string]interface{}{
			"confidence":         a.Confidence,
			"riskScore":          a.RiskScore,
			"patterns":           a.Patterns,
			"recommendedActions": a.RecommendedActions,
			"aiGenerated":        true,
			"analysisId":         res.AnalysisID,
		},
		CreatedAt: res.Timestamp,
	}
	if res.Persisted {
		alert.AnalysisID = res.AnalysisID
	}

	if err := p.store.InsertAlert(ctx, alert); err != nil {
		metrics.PersistenceFailures.WithLabelValues("security_alerts").Inc()
		log.Error().Err(err).Str("analysis_id", res.AnalysisID).Msg("failed to store alert")
		return false
	}
	metrics.AlertsCreated.WithLabelValues(alert.Severity.String()).Inc()

	if p.alerts != nil {
		p.alerts.Dispatch(alert)
	}
	return true
}

func (p *Pipeline) publish(log zerolog.Logger, rec *core.AnalysisRecord) {
	if p.pub == nil {
		return
	}
	if err := p.pub.PublishAnalysis(rec); err != nil {
		log.Warn().Err(err).Str("analysis_id", rec.ID).Msg("failed to publish analysis")
	}
}

func newRecord(res *Result, analysisType, requestedBy string) (*core.AnalysisRecord, error) {
	body, err := json.Marshal(res.Analysis)
	if err != nil {
		return nil, fmt.Errorf("encoding analysis: %w", err)
	}
	return &core.AnalysisRecord{
		ID:             res.AnalysisID,
		AnalysisType:   analysisType,
		ThreatLevel:    res.Analysis.ThreatLevel,
		ThreatType:     res.Analysis.ThreatType,
		Confidence:     res.Analysis.Confidence,
		RiskScore:      res.Analysis.RiskScore,
		EventsAnalyzed: res.EventsAnalyzed,
		Analysis:       body,
		RequestedBy:    requestedBy,
		CreatedAt:      res.Timestamp,
	}, nil
}
