package router

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Symbia-Labs/symbia-stack-sub002/internal/event"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/policy"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/registry"
)

// Routing failure reasons surfaced in traces.
const (
	reasonInvalidHash        = "invalid hash"
	reasonSourceNotFound     = "source not found"
	reasonEntityNotConnected = "target entity not connected"
	reasonNoTargets          = "no valid targets"
	reasonDeliveryFailed     = "delivery failed"
	reasonDeniedByPolicy     = "denied by policy"
	reasonInternal           = "internal routing error"
)

// SessionSink is how the router hands events and traces to live fabric
// sessions. The fabric owns per-session backpressure; enqueue success is
// delivery success.
type SessionSink interface {
	// DeliverEvent enqueues an event:received push; false if the session
	// is unknown or gone.
	DeliverEvent(sessionID string, ev *event.Event) bool

	// DeliverTrace enqueues an sdn:event push for a matched watcher.
	DeliverTrace(sessionID string, ev *event.Event, trace *Trace) bool
}

// TraceMirror receives every finalized trace. Used by the optional Redis
// SDN mirror; implementations must not block.
type TraceMirror interface {
	MirrorTrace(ctx context.Context, ev *event.Event, trace *Trace)
}

// Router drives the event pipeline. Events from the same source are routed
// strictly in submission order via per-source FIFO queues; distinct sources
// route concurrently.
type Router struct {
	registry *registry.Registry
	policies *policy.Engine
	secret   string

	history  *History
	watchers *WatcherRegistry
	metrics  *Metrics

	httpClient      *http.Client
	deliveryTimeout time.Duration

	// qmu orders queue sends against Close: Route holds the read side
	// across its enqueue, so Close can only close the queues once no send
	// is in flight.
	qmu    sync.RWMutex
	closed bool

	mu     sync.Mutex
	queues map[string]chan *routeJob

	sink   SessionSink
	mirror TraceMirror

	logger *slog.Logger
}

type routeJob struct {
	ctx    context.Context
	ev     *event.Event
	result chan *Trace
}

// Options configures a Router.
type Options struct {
	Registry        *registry.Registry
	Policies        *policy.Engine
	Secret          string
	MaxEventHistory int
	MaxTraceHistory int
	DeliveryTimeout time.Duration
	Logger          *slog.Logger
}

// New creates a router. The session sink is attached later (SetSink) since
// the fabric is constructed on top of the router.
func New(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.DeliveryTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Router{
		registry:        opts.Registry,
		policies:        opts.Policies,
		secret:          opts.Secret,
		history:         NewHistory(opts.MaxEventHistory, opts.MaxTraceHistory),
		watchers:        NewWatcherRegistry(),
		metrics:         NewMetrics(),
		httpClient:      &http.Client{Timeout: timeout},
		deliveryTimeout: timeout,
		queues:          make(map[string]chan *routeJob),
		logger:          logger.With("component", "router"),
	}
}

// SetSink attaches the fabric session sink.
func (r *Router) SetSink(s SessionSink) { r.sink = s }

// SetMirror attaches the optional trace mirror.
func (r *Router) SetMirror(m TraceMirror) { r.mirror = m }

// History exposes the event/trace stores for the SDN read surface.
func (r *Router) History() *History { return r.history }

// Watchers exposes the watch-subscription registry.
func (r *Router) Watchers() *WatcherRegistry { return r.watchers }

// Route submits an event for routing and blocks until its trace is
// finalized. Events sharing a source are processed in submission order.
func (r *Router) Route(ctx context.Context, ev *event.Event) *Trace {
	job := &routeJob{ctx: ctx, ev: ev, result: make(chan *Trace, 1)}

	r.qmu.RLock()
	if r.closed {
		r.qmu.RUnlock()
		// Router closed; route inline so callers still get a trace.
		return r.process(ctx, ev)
	}
	r.queueFor(ev.Wrapper.Source) <- job
	r.qmu.RUnlock()
	return <-job.result
}

// queueFor returns the FIFO queue for a source, creating its drain
// goroutine on first use. Queues live for the router's lifetime; the node
// table bounds their number. Callers hold qmu's read side with the router
// open, so the returned queue cannot be closed under them.
func (r *Router) queueFor(source string) chan *routeJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[source]
	if !ok {
		q = make(chan *routeJob, 256)
		r.queues[source] = q
		go r.drain(q)
	}
	return q
}

func (r *Router) drain(q chan *routeJob) {
	for job := range q {
		job.result <- r.process(job.ctx, job.ev)
	}
}

// Close stops the per-source queues. In-flight jobs finish; later Route
// calls fall back to inline processing.
func (r *Router) Close() {
	r.qmu.Lock()
	if r.closed {
		r.qmu.Unlock()
		return
	}
	r.closed = true
	r.qmu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.queues {
		close(q)
	}
	r.queues = nil
}

// process runs the full pipeline for one event and finalizes its trace.
// It never panics out: internal failures become status=error traces.
func (r *Router) process(ctx context.Context, ev *event.Event) (trace *Trace) {
	start := time.Now()
	trace = &Trace{
		EventID: ev.Wrapper.ID,
		RunID:   ev.Wrapper.RunID,
		Path:    []TraceHop{},
		Status:  StatusPending,
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("routing panic recovered", "event", ev.Wrapper.ID, "panic", rec)
			trace.Status = StatusError
			trace.Error = reasonInternal
		}
		trace.TotalDurationMs = time.Since(start).Milliseconds()
		r.finalize(ctx, ev, trace)
	}()

	r.metrics.EventsRouted.WithLabelValues(ev.Payload.Type, string(ev.Wrapper.Boundary)).Inc()

	// 1. Integrity.
	if !event.VerifyHash(ev, r.secret) {
		r.metrics.HashFailures.Inc()
		r.logger.Warn("integrity check failed", "event", ev.Wrapper.ID, "source", ev.Wrapper.Source)
		trace.Status = StatusError
		trace.Error = reasonInvalidHash
		return trace
	}

	// 2. Source must be registered.
	if _, ok := r.registry.GetNode(ev.Wrapper.Source); !ok {
		trace.Status = StatusError
		trace.Error = reasonSourceNotFound
		return trace
	}

	// 3. Target resolution.
	targets, failure := r.resolveTargets(ev)
	if failure != "" {
		trace.Status = StatusDropped
		trace.Error = failure
		return trace
	}

	// 4. Policy.
	verdict := r.policies.Evaluate(ev)
	switch verdict.Action.Type {
	case policy.ActionDeny:
		reason := verdict.Action.Reason
		if reason == "" {
			reason = reasonDeniedByPolicy
		}
		trace.Path = append(trace.Path, TraceHop{
			Node:      ev.Wrapper.Source,
			Timestamp: time.Now().UTC(),
			PolicyID:  verdict.PolicyID,
			Action:    HopDrop,
		})
		trace.Status = StatusDropped
		trace.Error = reason
		return trace

	case policy.ActionRoute:
		targets = []string{verdict.Action.RouteTo}

	case policy.ActionTransform:
		// Pass-through transform: the trace records that the policy fired.
		trace.Path = append(trace.Path, TraceHop{
			Node:      ev.Wrapper.Source,
			Timestamp: time.Now().UTC(),
			PolicyID:  verdict.PolicyID,
			Action:    HopTransform,
		})

	case policy.ActionLog:
		r.logPolicy(verdict, ev)
	}

	// 5. Per-target delivery.
	for _, target := range targets {
		hopStart := time.Now()
		node, ok := r.registry.GetNode(target)
		if !ok {
			trace.Path = append(trace.Path, TraceHop{
				Node:      target,
				Timestamp: time.Now().UTC(),
				PolicyID:  verdict.PolicyID,
				Action:    HopDrop,
			})
			continue
		}

		// Authoritative traversal record.
		ev.Wrapper.Path = append(ev.Wrapper.Path, target)

		action := HopDrop
		if r.deliver(ctx, node, ev) {
			action = HopDeliver
		}
		trace.Path = append(trace.Path, TraceHop{
			Node:       target,
			Timestamp:  time.Now().UTC(),
			DurationMs: time.Since(hopStart).Milliseconds(),
			PolicyID:   verdict.PolicyID,
			Action:     action,
		})
	}

	// 6. Finalize status.
	if trace.Delivered() {
		trace.Status = StatusDelivered
	} else {
		trace.Status = StatusDropped
		if trace.Error == "" {
			trace.Error = reasonDeliveryFailed
		}
	}
	return trace
}

// resolveTargets applies the three-step resolution: entity binding,
// explicit target, then contract fan-out. A non-empty failure string means
// the event drops with that reason.
func (r *Router) resolveTargets(ev *event.Event) (targets []string, failure string) {
	w := &ev.Wrapper

	if w.TargetEntityID != "" {
		node, ok := r.registry.GetNodeByEntity(w.TargetEntityID)
		if !ok {
			return nil, reasonEntityNotConnected
		}
		return []string{node.ID}, ""
	}

	if w.Target != "" {
		return []string{w.Target}, ""
	}

	// Contract fan-out, discovery order preserved, duplicates removed.
	seen := make(map[string]bool)
	for _, c := range r.registry.ContractsFrom(w.Source) {
		if !c.AllowsEventType(ev.Payload.Type) || !c.AllowsBoundary(w.Boundary) {
			continue
		}
		if c.To == registry.WildcardTarget {
			for _, node := range r.registry.ListNodes() {
				if node.ID != w.Source && !seen[node.ID] {
					seen[node.ID] = true
					targets = append(targets, node.ID)
				}
			}
			continue
		}
		if !seen[c.To] {
			seen[c.To] = true
			targets = append(targets, c.To)
		}
	}

	if len(targets) == 0 {
		return nil, reasonNoTargets
	}
	return targets, ""
}

// deliver pushes the event to the target over its session if one is
// attached, falling back to its HTTP endpoint.
func (r *Router) deliver(ctx context.Context, node *registry.Node, ev *event.Event) bool {
	if node.SessionID != "" && r.sink != nil {
		if r.sink.DeliverEvent(node.SessionID, ev) {
			return true
		}
		r.metrics.DeliveryFailures.WithLabelValues("session").Inc()
	}

	if node.Endpoint != "" {
		if r.deliverHTTP(ctx, node.Endpoint, ev) {
			return true
		}
		r.metrics.DeliveryFailures.WithLabelValues("http").Inc()
		return false
	}

	if node.SessionID == "" {
		r.metrics.DeliveryFailures.WithLabelValues("unreachable").Inc()
	}
	return false
}

func (r *Router) deliverHTTP(ctx context.Context, endpoint string, ev *event.Event) bool {
	body, err := json.Marshal(ev)
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, r.deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", ev.Wrapper.ID)
	req.Header.Set("X-Run-ID", ev.Wrapper.RunID)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.Warn("http delivery failed", "endpoint", endpoint, "event", ev.Wrapper.ID, "error", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// finalize persists the event and trace, updates counters, and fans the
// trace out to matching watchers and the optional mirror.
func (r *Router) finalize(ctx context.Context, ev *event.Event, trace *Trace) {
	labels := []string{ev.Payload.Type, string(ev.Wrapper.Boundary)}
	switch trace.Status {
	case StatusDelivered:
		r.metrics.EventsDelivered.WithLabelValues(labels...).Inc()
	case StatusDropped:
		r.metrics.EventsDropped.WithLabelValues(labels[0], labels[1], trace.Error).Inc()
	case StatusError:
		r.metrics.EventsErrored.WithLabelValues(labels[0], labels[1], trace.Error).Inc()
	}
	r.metrics.RouteDuration.Observe(float64(trace.TotalDurationMs) / 1000)

	r.history.RecordEvent(ev)
	r.history.RecordTrace(trace)

	if r.sink != nil {
		for _, sub := range r.watchers.Matching(ev) {
			r.sink.DeliverTrace(sub.SessionID, ev, trace)
		}
	}
	if r.mirror != nil {
		r.mirror.MirrorTrace(ctx, ev, trace)
	}
}

func (r *Router) logPolicy(v policy.Verdict, ev *event.Event) {
	attrs := []any{
		"policy", v.PolicyID,
		"event", ev.Wrapper.ID,
		"type", ev.Payload.Type,
		"boundary", ev.Wrapper.Boundary,
	}
	switch v.Action.LogLevel {
	case "warn":
		r.logger.Warn("policy log action", attrs...)
	case "error":
		r.logger.Error("policy log action", attrs...)
	case "debug":
		r.logger.Debug("policy log action", attrs...)
	default:
		r.logger.Info("policy log action", attrs...)
	}
}

// SimulationResult is the outcome of a routing dry-run.
type SimulationResult struct {
	Targets  []string      `json:"targets"`
	PolicyID string        `json:"policyId,omitempty"`
	Action   policy.Action `json:"action"`
	Dropped  bool          `json:"dropped"`
	Reason   string        `json:"reason,omitempty"`
}

// Simulate resolves targets and evaluates policy for an event without
// delivering, tracing, or notifying anyone. Integrity is not checked: the
// caller is asking "what would happen", not submitting traffic.
func (r *Router) Simulate(ev *event.Event) *SimulationResult {
	if _, ok := r.registry.GetNode(ev.Wrapper.Source); !ok {
		return &SimulationResult{Dropped: true, Reason: reasonSourceNotFound}
	}
	targets, failure := r.resolveTargets(ev)
	if failure != "" {
		return &SimulationResult{Dropped: true, Reason: failure}
	}
	verdict := r.policies.Evaluate(ev)
	res := &SimulationResult{Targets: targets, PolicyID: verdict.PolicyID, Action: verdict.Action}
	switch verdict.Action.Type {
	case policy.ActionDeny:
		res.Dropped = true
		res.Reason = verdict.Action.Reason
		if res.Reason == "" {
			res.Reason = reasonDeniedByPolicy
		}
		res.Targets = nil
	case policy.ActionRoute:
		res.Targets = []string{verdict.Action.RouteTo}
	}
	return res
}
