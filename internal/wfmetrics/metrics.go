// Package wfmetrics implements MetricsCollector (spec §4.9): per-run
// lifecycle metrics, aggregation, and anomaly detection, ported from
// workflow_metrics.py's WorkflowMetricsCollector. The teacher has no
// direct equivalent of this component; its shape (start/update/finish,
// a bounded in-memory history capped and FIFO-evicted like
// internal/cache/dedupe.go) is grounded on the original Python source,
// and the Prometheus side-channel instruments follow the teacher's
// convention of exposing prometheus/client_golang gauges/histograms
// alongside in-process state rather than instead of it.
package wfmetrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/nexus-workflow/internal/ids"
	"github.com/haasonsaas/nexus-workflow/internal/wferrors"
)

// Metrics is a single workflow run's complete lifecycle record. It is
// immutable from the caller's perspective once Finish returns it.
type Metrics struct {
	RunID                 string
	WorkflowType          string
	UserID                string
	ConversationID        string
	ProviderName          string
	ModelName             string
	WorkflowConfig        map[string]any
	TokenUsage            map[string]int
	ToolCalls             int
	RetrievalContextSize  int
	MemoryUsageMB         float64
	Errors                []string
	UserSatisfaction      *float64
	StartTime             time.Time
	EndTime               time.Time
	ExecutionTimeSeconds  float64
	Success               bool
}

func (m *Metrics) addTokenUsage(provider string, tokens int) {
	if m.TokenUsage == nil {
		m.TokenUsage = make(map[string]int)
	}
	m.TokenUsage[provider] += tokens
}

func (m *Metrics) addError(message string) {
	m.Errors = append(m.Errors, message)
	m.Success = false
}

// Update carries the optional fields an in-flight run may report.
// Nil/zero fields are left unchanged.
type Update struct {
	TokenUsage           map[string]int
	ToolCalls            *int
	RetrievalContextSize *int
	MemoryUsageMB        *float64
	Error                string
}

const defaultMaxHistory = 10000

// Collector tracks active workflow runs and a bounded history of
// finished ones, guarded by a single mutex since start/update/finish
// calls are infrequent relative to node execution.
type Collector struct {
	mu             sync.Mutex
	maxHistory     int
	active         map[string]*Metrics
	history        []*Metrics
	anomalyFactor  float64
	now            func() time.Time

	instActiveRuns  prometheus.Gauge
	instFinished    prometheus.Counter
	instDuration    prometheus.Histogram
	instAnomalies   prometheus.Counter
}

// Option configures a Collector at construction.
type Option func(*Collector)

// WithMaxHistory overrides the default 10000-run bounded history.
func WithMaxHistory(n int) Option {
	return func(c *Collector) { c.maxHistory = n }
}

// WithAnomalyFactor overrides the default k=3 anomaly threshold
// multiplier used by Anomalies.
func WithAnomalyFactor(k float64) Option {
	return func(c *Collector) { c.anomalyFactor = k }
}

// WithClock injects a deterministic clock for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// WithRegisterer registers this Collector's Prometheus instruments with
// reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Collector) {
		reg.MustRegister(c.instActiveRuns, c.instFinished, c.instDuration, c.instAnomalies)
	}
}

// New creates a Collector with the given options applied in order.
func New(opts ...Option) *Collector {
	c := &Collector{
		maxHistory:    defaultMaxHistory,
		active:        make(map[string]*Metrics),
		anomalyFactor: 3.0,
		now:           time.Now,
		instActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_workflow_active_runs",
			Help: "Number of workflow runs currently being tracked.",
		}),
		instFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_workflow_runs_finished_total",
			Help: "Total number of workflow runs that finished tracking.",
		}),
		instDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nexus_workflow_run_duration_seconds",
			Help:    "Workflow run execution time in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		instAnomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_workflow_run_anomalies_total",
			Help: "Total number of workflow runs flagged as anomalously slow.",
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins tracking a new run and returns its run id.
func (c *Collector) Start(workflowType, userID, conversationID, providerName, modelName string, config map[string]any) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	runID := ids.New()
	c.active[runID] = &Metrics{
		RunID:          runID,
		WorkflowType:   workflowType,
		UserID:         userID,
		ConversationID: conversationID,
		ProviderName:   providerName,
		ModelName:      modelName,
		WorkflowConfig: config,
		TokenUsage:     make(map[string]int),
		StartTime:      c.now(),
		Success:        true,
	}
	c.instActiveRuns.Set(float64(len(c.active)))
	return runID
}

// Update accumulates fields onto an active run. Unknown run ids are
// silently ignored, matching the Python collector's warn-and-return
// behavior — an update racing a finish is not treated as a caller error.
func (c *Collector) Update(runID string, u Update) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.active[runID]
	if !ok {
		return
	}
	for provider, tokens := range u.TokenUsage {
		m.addTokenUsage(provider, tokens)
	}
	if u.ToolCalls != nil {
		m.ToolCalls += *u.ToolCalls
	}
	if u.RetrievalContextSize != nil {
		m.RetrievalContextSize = *u.RetrievalContextSize
	}
	if u.MemoryUsageMB != nil {
		m.MemoryUsageMB = *u.MemoryUsageMB
	}
	if u.Error != "" {
		m.addError(u.Error)
	}
}

// Finish moves a run from active into history, finalizing its execution
// time, and returns the completed Metrics. Returns an error if runID is
// not an active run.
func (c *Collector) Finish(runID string, satisfaction *float64) (*Metrics, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.active[runID]
	if !ok {
		return nil, wferrors.Newf(wferrors.KindNotFound, runID, "no active workflow run %q", runID)
	}
	delete(c.active, runID)

	if satisfaction != nil {
		m.UserSatisfaction = satisfaction
	}
	m.EndTime = c.now()
	m.ExecutionTimeSeconds = m.EndTime.Sub(m.StartTime).Seconds()

	c.history = append(c.history, m)
	if len(c.history) > c.maxHistory {
		c.history = c.history[1:]
	}

	c.instActiveRuns.Set(float64(len(c.active)))
	c.instFinished.Inc()
	c.instDuration.Observe(m.ExecutionTimeSeconds)

	if baseline := c.baselineMean(m.WorkflowType); baseline > 0 && m.ExecutionTimeSeconds > c.anomalyFactor*baseline {
		c.instAnomalies.Inc()
	}

	return m, nil
}

// Stats is the aggregated view returned by Stats, mirroring
// get_workflow_stats's fields.
type Stats struct {
	TotalExecutions   int
	SuccessRate       float64
	AvgExecutionTime  float64
	MinExecutionTime  float64
	MaxExecutionTime  float64
	TotalTokens       int
	TotalToolCalls    int
	ErrorCount        int
	WorkflowTypes     map[string]int
	Providers         map[string]int
}

// Stats aggregates history filtered by optional workflowType/userID and a
// lookback window (hours; 0 means no time filter, i.e. "all history").
func (c *Collector) Stats(workflowType, userID string, hours int) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var cutoff time.Time
	if hours > 0 {
		cutoff = c.now().Add(-time.Duration(hours) * time.Hour)
	}

	var filtered []*Metrics
	for _, m := range c.history {
		if hours > 0 && m.StartTime.Before(cutoff) {
			continue
		}
		if workflowType != "" && m.WorkflowType != workflowType {
			continue
		}
		if userID != "" && m.UserID != userID {
			continue
		}
		filtered = append(filtered, m)
	}

	stats := Stats{WorkflowTypes: map[string]int{}, Providers: map[string]int{}}
	if len(filtered) == 0 {
		return stats
	}

	var successCount int
	var totalExecTime, minExecTime, maxExecTime float64
	first := true
	for _, m := range filtered {
		if m.Success {
			successCount++
		}
		totalExecTime += m.ExecutionTimeSeconds
		if first || m.ExecutionTimeSeconds < minExecTime {
			minExecTime = m.ExecutionTimeSeconds
		}
		if first || m.ExecutionTimeSeconds > maxExecTime {
			maxExecTime = m.ExecutionTimeSeconds
		}
		first = false

		for _, tokens := range m.TokenUsage {
			stats.TotalTokens += tokens
		}
		stats.TotalToolCalls += m.ToolCalls
		stats.ErrorCount += len(m.Errors)
		stats.WorkflowTypes[m.WorkflowType]++
		if m.ProviderName != "" {
			stats.Providers[m.ProviderName]++
		}
	}

	stats.TotalExecutions = len(filtered)
	stats.SuccessRate = float64(successCount) / float64(len(filtered))
	stats.AvgExecutionTime = totalExecTime / float64(len(filtered))
	stats.MinExecutionTime = minExecTime
	stats.MaxExecutionTime = maxExecTime
	return stats
}

// RecentErrors returns up to limit of the newest error-bearing runs,
// one entry per error (a run with 3 errors contributes 3 entries,
// matching get_recent_errors).
type ErrorEntry struct {
	RunID        string
	WorkflowType string
	UserID       string
	Timestamp    time.Time
	Error        string
	Provider     string
	Model        string
}

func (c *Collector) RecentErrors(limit int) []ErrorEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []ErrorEntry
	for i := len(c.history) - 1; i >= 0; i-- {
		m := c.history[i]
		for _, errMsg := range m.Errors {
			out = append(out, ErrorEntry{
				RunID:        m.RunID,
				WorkflowType: m.WorkflowType,
				UserID:       m.UserID,
				Timestamp:    m.StartTime,
				Error:        errMsg,
				Provider:     m.ProviderName,
				Model:        m.ModelName,
			})
			if len(out) >= limit {
				return out
			}
		}
	}
	return out
}

// baselineMean computes the mean execution time over history for a
// workflow type, excluding the most recently finished run (already
// appended by the caller), for anomaly comparison. Caller holds the lock.
func (c *Collector) baselineMean(workflowType string) float64 {
	var sum float64
	var n int
	// exclude the last entry: it is the run just finished, being judged
	// against the baseline formed by its predecessors.
	for _, m := range c.history[:len(c.history)-1] {
		if m.WorkflowType != workflowType {
			continue
		}
		sum += m.ExecutionTimeSeconds
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Anomalies returns every finished run whose execution time exceeded
// k * mean(baseline) for its workflow type, where the baseline is the
// mean of all other runs of the same type seen before it in history.
// k defaults to 3 (WithAnomalyFactor overrides it).
func (c *Collector) Anomalies() []*Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	var anomalies []*Metrics
	sums := map[string]float64{}
	counts := map[string]int{}
	for _, m := range c.history {
		mean := 0.0
		if counts[m.WorkflowType] > 0 {
			mean = sums[m.WorkflowType] / float64(counts[m.WorkflowType])
		}
		if mean > 0 && m.ExecutionTimeSeconds > c.anomalyFactor*mean {
			anomalies = append(anomalies, m)
		}
		sums[m.WorkflowType] += m.ExecutionTimeSeconds
		counts[m.WorkflowType]++
	}
	return anomalies
}

// ActiveRunIDs returns the run ids currently being tracked, sorted for
// deterministic test assertions.
func (c *Collector) ActiveRunIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	runIDs := make([]string, 0, len(c.active))
	for id := range c.active {
		runIDs = append(runIDs, id)
	}
	sort.Strings(runIDs)
	return runIDs
}
