// Package orchestrator drives jobs through the hub state machine:
//
//	CREATED -> POLICY_CHECKED -> PROVIDER_SELECTED -> SUBMITTED -> POLLING -> COMPLETED
//	                   |                  |               |            |
//	                   v                  v               v            v
//	               REJECTED            FAILED     (re-route)        FAILED
//
// Admission up to PROVIDER_SELECTED runs synchronously in Submit. Submission
// and polling run on a fixed worker pool; a poll wait is a timer that
// re-enqueues the job, never a parked worker. Every transition is written to
// the ledger before it takes effect, and a job whose ledger write fails stays
// where it was.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
	"github.com/Mindburn-Labs/qhub/pkg/ledger"
	"github.com/Mindburn-Labs/qhub/pkg/normalize"
	"github.com/Mindburn-Labs/qhub/pkg/policy"
	"github.com/Mindburn-Labs/qhub/pkg/provider"
	"github.com/Mindburn-Labs/qhub/pkg/retry"
	"github.com/Mindburn-Labs/qhub/pkg/router"
	"github.com/Mindburn-Labs/qhub/pkg/store"
)

const instrumentationName = "github.com/Mindburn-Labs/qhub/pkg/orchestrator"

// Defaults for Config.
const (
	DefaultWorkers     = 8
	DefaultMaxRetries  = 3
	DefaultPollTimeout = 10 * time.Minute
	DefaultJobDeadline = 30 * time.Minute
)

// Config tunes the state machine.
type Config struct {
	Workers    int `yaml:"workers"`
	MaxRetries int `yaml:"max_retries"`
	// PollBase and PollMax bound the poll backoff base*2^n.
	PollBase time.Duration `yaml:"poll_base_interval"`
	PollMax  time.Duration `yaml:"poll_max_interval"`
	// PollTimeout is the budget of one submission; once spent the attempt
	// counts as failed and the job is re-routed.
	PollTimeout time.Duration `yaml:"poll_timeout"`
	// JobDeadline is the hard backstop from creation to a terminal state.
	JobDeadline time.Duration `yaml:"job_deadline"`
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.PollBase <= 0 {
		c.PollBase = retry.DefaultPollPolicy.Base
	}
	if c.PollMax <= 0 {
		c.PollMax = retry.DefaultPollPolicy.Max
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.JobDeadline <= 0 {
		c.JobDeadline = DefaultJobDeadline
	}
	return c
}

// Providers is the registry view the orchestrator needs.
type Providers interface {
	router.Candidates
	Get(id string) (contracts.ProviderDescriptor, error)
	Adapter(id string) (provider.Adapter, error)
}

// Recorder appends ledger records. *ledger.Ledger implements it.
type Recorder interface {
	Append(ctx context.Context, rec ledger.Record) (ledger.Entry, error)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the clock used for job timestamps and budgets.
func WithClock(fn func() time.Time) Option {
	return func(o *Orchestrator) { o.now = fn }
}

// WithIDGenerator overrides job id generation.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithLedgerRetry sets the backoff used while a ledger write keeps failing.
func WithLedgerRetry(p retry.Policy) Option {
	return func(o *Orchestrator) { o.ledgerRetry = p }
}

// Orchestrator owns every Job. It is safe for concurrent use.
type Orchestrator struct {
	cfg         Config
	poll        retry.Policy
	ledgerRetry retry.Policy
	ledger      Recorder
	store       store.Store
	governor    *policy.Governor
	providers   Providers
	router      *router.Router

	now    func() time.Time
	newID  func() string
	logger *slog.Logger
	tracer trace.Tracer

	transitions metric.Int64Counter

	mu      sync.Mutex
	jobs    map[string]*tracked
	queue   chan string
	ctx     context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// tracked is the live state of one non-terminal job. mu serializes its steps
// so at most one worker acts on a job at a time. snapshot is the last
// committed job and is readable without mu.
type tracked struct {
	mu sync.Mutex

	job         *contracts.Job
	snapshot    atomic.Pointer[contracts.Job]
	spec        *contracts.ProblemSpec
	pre         *contracts.PolicyDecision
	reservation policy.Reservation
	desc        contracts.ProviderDescriptor

	pollAttempt int
	pollStarted time.Time
	deadline    time.Time
	timer       *time.Timer
	stalled     bool

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// New builds an orchestrator. Call Start before submitting jobs.
func New(cfg Config, rec Recorder, st store.Store, gov *policy.Governor, providers Providers, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:         cfg,
		poll:        retry.Policy{Base: cfg.PollBase, Max: cfg.PollMax, MaxJitter: cfg.PollBase / 4},
		ledgerRetry: retry.Policy{Base: 100 * time.Millisecond, Max: 5 * time.Second},
		ledger:      rec,
		store:       st,
		governor:    gov,
		providers:   providers,
		router:      router.New(providers),
		now:         time.Now,
		newID:       uuid.NewString,
		logger:      slog.Default().With("component", "orchestrator"),
		tracer:      otel.Tracer(instrumentationName),
		jobs:        make(map[string]*tracked),
		queue:       make(chan string, cfg.Workers*64),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.transitions, _ = otel.Meter(instrumentationName).Int64Counter("qhub.jobs.transitions",
		metric.WithDescription("Job state transitions by target state"))
	o.ctx, o.stop = context.WithCancel(context.Background())
	return o
}

// Start launches the worker pool.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	o.started = true
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
}

// Stop halts the workers and pending timers. Live jobs keep their last
// recorded state; Recover marks them interrupted on the next start.
func (o *Orchestrator) Stop() {
	o.stop()
	o.mu.Lock()
	for _, t := range o.jobs {
		t.cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case id := <-o.queue:
			o.mu.Lock()
			t := o.jobs[id]
			o.mu.Unlock()
			if t != nil {
				o.step(t)
			}
		}
	}
}

func (o *Orchestrator) enqueue(id string) {
	select {
	case o.queue <- id:
	case <-o.ctx.Done():
	}
}

// schedule re-enqueues t after d. Caller holds t.mu.
func (o *Orchestrator) schedule(t *tracked, d time.Duration) {
	if t.timer != nil {
		t.timer.Stop()
	}
	id := t.job.JobID
	t.timer = time.AfterFunc(d, func() { o.enqueue(id) })
}

// Submit admits spec: it records CREATED, runs the PRE check, routes, and
// hands the job to the pool. Policy rejections and routing failures are
// terminal job states, not errors; an error means no job could be recorded.
func (o *Orchestrator) Submit(ctx context.Context, spec *contracts.ProblemSpec) (*contracts.Job, error) {
	if spec == nil || spec.ID == "" {
		return nil, contracts.NewValidationError("problem", "problem spec is required")
	}
	if err := o.store.PutProblem(ctx, spec); err != nil {
		return nil, fmt.Errorf("store problem: %w", err)
	}

	now := o.now().UTC()
	jobCtx, cancel := context.WithDeadline(o.ctx, now.Add(o.cfg.JobDeadline))
	t := &tracked{
		job: &contracts.Job{
			JobID:     o.newID(),
			ProblemID: spec.ID,
			ClientID:  spec.ClientID,
			State:     contracts.JobCreated,
			CreatedAt: now,
			UpdatedAt: now,
		},
		spec:     spec,
		deadline: now.Add(o.cfg.JobDeadline),
		ctx:      jobCtx,
		cancel:   cancel,
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.Submit")
	defer span.End()

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := o.commit(ctx, t, t.job.Clone(), string(contracts.JobCreated), nil); err != nil {
		cancel()
		return nil, err
	}
	o.mu.Lock()
	o.jobs[t.job.JobID] = t
	o.mu.Unlock()

	if err := o.admit(ctx, t); err != nil {
		return t.job.Clone(), err
	}
	if !t.job.State.IsTerminal() {
		// The job context ends at the deadline, on cancel and on Stop; the
		// step that follows notices which one.
		id := t.job.JobID
		context.AfterFunc(jobCtx, func() { o.enqueue(id) })
		o.schedule(t, 0)
	}
	return t.job.Clone(), nil
}

// admit runs PRE and routing. Caller holds t.mu.
func (o *Orchestrator) admit(ctx context.Context, t *tracked) error {
	subject := policy.Subject{
		Problem:      t.spec,
		CostEstimate: o.router.EstimateCost(t.spec),
	}
	if t.spec.PreferredProvider != "" {
		if d, err := o.providers.Get(t.spec.PreferredProvider); err == nil {
			subject.Provider = &d
		}
	}

	decision, reservation, err := o.governor.PreCheck(ctx, subject)
	if err != nil {
		return o.fail(ctx, t, "policy check unavailable", err.Error(), nil)
	}
	if err := o.store.PutDecision(ctx, decision); err != nil {
		o.logger.Error("store decision", "decision_id", decision.DecisionID, "error", err)
	}
	t.pre = decision
	t.reservation = reservation

	next := t.job.Clone()
	next.PreDecisionID = decision.DecisionID
	next.CostEstimate = subject.CostEstimate
	if decision.Denied() {
		rejection := &contracts.PolicyRejection{DecisionID: decision.DecisionID, Rules: decision.Reasons}
		next.Error = rejection.Error()
		next.Reason = rejection.Error()
		return o.finish(ctx, t, next, contracts.JobRejected, ledgerData{"decision": decision})
	}

	if reservation.Allowed {
		next.ReservationID = reservation.ID
	}
	downstream, err := normalize.Apply(t.spec, decision.Modification)
	if err != nil {
		t.job = next
		return o.fail(ctx, t, "policy modification failed", err.Error(), nil)
	}
	next.State = contracts.JobPolicyChecked
	if err := o.commit(ctx, t, next, string(contracts.JobPolicyChecked), ledgerData{"decision": decision}); err != nil {
		return err
	}
	t.spec = downstream
	return o.route(ctx, t)
}

// Get returns a copy of the job, live or stored.
func (o *Orchestrator) Get(ctx context.Context, jobID string) (*contracts.Job, error) {
	o.mu.Lock()
	t := o.jobs[jobID]
	o.mu.Unlock()
	if t != nil {
		if j := t.snapshot.Load(); j != nil {
			return j.Clone(), nil
		}
	}
	return o.store.GetJob(ctx, jobID)
}

// List returns stored jobs.
func (o *Orchestrator) List(ctx context.Context, f store.JobFilter) ([]*contracts.Job, error) {
	return o.store.ListJobs(ctx, f)
}

// Cancel stops a live job. The job ends FAILED "cancelled" and its backend
// is asked to stop on a best-effort basis. Any later provider result is
// discarded.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (*contracts.Job, error) {
	o.mu.Lock()
	t := o.jobs[jobID]
	o.mu.Unlock()
	if t == nil {
		j, err := o.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if j.State.IsTerminal() {
			return nil, fmt.Errorf("cancel %s: %w", jobID, contracts.ErrJobTerminal)
		}
		return nil, fmt.Errorf("cancel %s: job is not tracked by this hub: %w", jobID, contracts.ErrNotFound)
	}

	// Interrupt any in-flight adapter call before waiting for the job lock.
	t.cancelled.Store(true)
	t.cancel()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job.State.IsTerminal() {
		return nil, fmt.Errorf("cancel %s: %w", jobID, contracts.ErrJobTerminal)
	}
	o.cancelBackend(t)
	if err := o.fail(ctx, t, contracts.ReasonCancelled, contracts.ReasonCancelled, nil); err != nil {
		return nil, err
	}
	return t.job.Clone(), nil
}

// cancelBackend asks the assigned provider to stop t. Caller holds t.mu.
func (o *Orchestrator) cancelBackend(t *tracked) {
	if t.job.ProviderHandle == "" {
		return
	}
	a, err := o.providers.Adapter(t.job.AssignedProviderID)
	if err != nil {
		return
	}
	c, ok := a.(provider.Canceler)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(o.ctx, provider.DefaultCallTimeout)
	defer cancel()
	if err := c.Cancel(ctx, t.job.ProviderHandle); err != nil {
		o.logger.Warn("backend cancel failed", "job_id", t.job.JobID, "provider_id", t.job.AssignedProviderID, "error", err)
	}
}

// Recover fails every job a previous process left non-terminal. It returns
// the number of jobs it closed.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	active, err := store.ListActive(ctx, o.store)
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}
	n := 0
	for _, j := range active {
		o.mu.Lock()
		_, live := o.jobs[j.JobID]
		o.mu.Unlock()
		if live {
			continue
		}
		if j.ReservationID != "" {
			r := policy.Reservation{ID: j.ReservationID, ClientID: j.ClientID, Allowed: true}
			if err := o.governor.Release(ctx, r); err != nil {
				o.logger.Warn("release interrupted reservation", "job_id", j.JobID, "error", err)
			}
		}
		t := &tracked{job: j, ctx: ctx, cancel: func() {}}
		if spec, err := o.store.GetProblem(ctx, j.ProblemID); err == nil {
			t.spec = spec
		}
		next := j.Clone()
		next.Error = contracts.ReasonInterrupted
		next.Reason = contracts.ReasonInterrupted
		if err := o.finish(ctx, t, next, contracts.JobFailed, ledgerData{"interrupted_state": j.State}); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		o.logger.Info("closed interrupted jobs", "count", n)
	}
	return n, nil
}

// ErrStalled is returned when a transition could not be written to the
// ledger. The job keeps its previous state.
var ErrStalled = errors.New("job stalled on ledger write")
