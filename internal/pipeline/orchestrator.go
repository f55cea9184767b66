package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Orchestrator drives one AnalysisRequest through all analyzer roles,
// reconciles their findings, and reports progress. It holds only read-only
// role configuration and is safe to share across concurrent runs.
type Orchestrator struct {
	roles      []*Role // the five analyzers, in priority order
	validation *Role
	engine     *ConsensusEngine
}

// NewOrchestrator builds the full pipeline: five analyzer roles, the
// validation role, and the consensus engine.
func NewOrchestrator(llm ChatModel, cfg Config) *Orchestrator {
	rc := cfg.roleConfig()
	lookups := NewLookupClient(cfg.LookupBaseURL)

	return &Orchestrator{
		roles: []*Role{
			NewGeographicRole(llm, rc),
			NewVisualRole(llm, rc),
			NewEnvironmentalRole(llm, rc),
			NewCulturalRole(llm, rc),
			NewResearchRole(llm, rc, lookups),
		},
		validation: NewValidationRole(llm, rc),
		engine:     NewConsensusEngine(cfg.ClusterRadiusMeters),
	}
}

// progressReporter delivers best-effort progress callbacks, enforcing
// non-decreasing fractions for a single run. A panicking or absent sink never
// aborts the pipeline.
type progressReporter struct {
	mu   sync.Mutex
	last float64
	sink ProgressFunc
}

func (p *progressReporter) report(fraction float64, message string) {
	if p.sink == nil {
		return
	}

	p.mu.Lock()
	if fraction <= p.last {
		p.mu.Unlock()
		return
	}
	p.last = fraction
	p.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			slog.Warn("progress callback panicked", "error", r)
		}
	}()
	p.sink(fraction, message)
}

// Analyze runs the full pipeline for one request. The five analyzer roles run
// concurrently; a failing analyzer degrades to an empty finding. Validation
// runs last, sees all five findings, and its failure is fatal. Errors from
// validation or consensus propagate to the caller uncaught: the task
// lifecycle owner is responsible for recording the failure.
func (o *Orchestrator) Analyze(ctx context.Context, req AnalysisRequest, onProgress ProgressFunc) (*GeoLocationResult, error) {
	start := time.Now()
	progress := &progressReporter{sink: onProgress}

	progress.report(0.10, "Starting image analysis")
	progress.report(0.20, "Running analyzer roles")

	findings := make([]Finding, len(o.roles))
	var done int
	var doneMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(o.roles))
	for i, role := range o.roles {
		g.Go(func() error {
			finding, err := role.Analyze(gctx, req, "")
			if err != nil {
				// Degraded-but-continuing: the role contributes an empty
				// finding instead of aborting the run.
				slog.Warn("analyzer role failed, continuing without it", "role", role.Name, "error", err)
				finding = Finding{Role: role.Name, Insight: fmt.Sprintf("%s analysis failed: %v", role.Name, err)}
			}
			findings[i] = finding

			doneMu.Lock()
			done++
			n := done
			doneMu.Unlock()
			progress.report(0.20+0.11*float64(n), fmt.Sprintf("%s analysis complete", role.Name))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	progress.report(0.80, "Cross-referencing findings")

	validationFinding, err := o.validation.Analyze(ctx, req, summarizeFindings(findings))
	if err != nil {
		return nil, fmt.Errorf("validation stage failed: %w", err)
	}

	progress.report(0.90, "Finalizing predictions")

	all := append(append([]Finding{}, findings...), validationFinding)
	primary, alternatives, err := o.engine.Reconcile(all)
	if err != nil {
		return nil, err
	}

	result := &GeoLocationResult{
		Primary:        primary,
		Alternatives:   alternatives,
		ProcessingTime: seconds(time.Since(start)),
		Insights:       collectInsights(all),
	}

	progress.report(1.0, "Analysis complete")
	return result, nil
}

// Status reports static per-role readiness. It reflects configuration, not
// per-run state.
func (o *Orchestrator) Status() map[string]string {
	status := make(map[string]string, len(o.roles)+1)
	for _, role := range o.roles {
		status[role.Name] = roleStatus(role)
	}
	status[o.validation.Name] = roleStatus(o.validation)
	return status
}

func roleStatus(r *Role) string {
	if r.llm == nil {
		return "unavailable"
	}
	return "ready"
}

// summarizeFindings serializes the analyzer findings for the validation role.
func summarizeFindings(findings []Finding) string {
	var b strings.Builder
	for _, f := range findings {
		fmt.Fprintf(&b, "%s: %s\n", f.Role, f.Insight)
		for _, est := range f.Estimates {
			data, err := json.Marshal(est)
			if err != nil {
				continue
			}
			fmt.Fprintf(&b, "  estimate: %s\n", data)
		}
	}
	return b.String()
}

// collectInsights reduces each finding to a one-line summary keyed by role.
func collectInsights(findings []Finding) map[string]string {
	insights := make(map[string]string, len(findings))
	for _, f := range findings {
		line := f.Insight
		if idx := strings.IndexByte(line, '\n'); idx >= 0 {
			line = line[:idx]
		}
		if len(line) > 200 {
			line = line[:200]
		}
		insights[f.Role] = line
	}
	return insights
}
