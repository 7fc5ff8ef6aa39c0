package pipeline

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/gogpu/chartgpu/memory"
)

// Pipeline errors.
var (
	// ErrUnknownResource is returned by Add when a command references an
	// allocation that is not live.
	ErrUnknownResource = errors.New("pipeline: command references unknown resource")

	// ErrEmptyPipeline is returned by Add for commands without a pipeline name.
	ErrEmptyPipeline = errors.New("pipeline: empty pipeline name")

	// ErrInvalidPriority is returned by Add for out-of-range priorities.
	ErrInvalidPriority = errors.New("pipeline: invalid priority")
)

// Defaults.
const (
	// DefaultMaxBatchSize caps how many commands share one submission.
	DefaultMaxBatchSize = 64

	// DefaultFrameBudget bounds medium and low priority work per Execute
	// (one 60 Hz frame).
	DefaultFrameBudget = 16 * time.Millisecond
)

// Validator answers whether a resource handle is still live.
// memory.Manager implements it.
type Validator interface {
	IsLive(h memory.Handle) bool
}

// Submitter receives batches from Execute. A returned error leaves the
// batch queued at the head of its priority for the next Execute.
type Submitter interface {
	SubmitBatch(ctx context.Context, b Batch) error
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, b Batch) error

// SubmitBatch calls f(ctx, b).
func (f SubmitterFunc) SubmitBatch(ctx context.Context, b Batch) error { return f(ctx, b) }

// Config configures an Optimizer.
type Config struct {
	// MaxBatchSize defaults to DefaultMaxBatchSize.
	MaxBatchSize int

	// FrameBudget defaults to DefaultFrameBudget.
	FrameBudget time.Duration

	// Clock defaults to the wall clock.
	Clock clock.Clock

	Logger *slog.Logger
}

// Stats describes one Execute call.
type Stats struct {
	Submitted int           `json:"submitted"`
	Batches   int           `json:"batches"`
	Critical  int           `json:"critical"`
	Dropped   int           `json:"dropped"`
	Deferred  int           `json:"deferred"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Add accumulates s into t.
func (t *Stats) Add(s Stats) {
	t.Submitted += s.Submitted
	t.Batches += s.Batches
	t.Critical += s.Critical
	t.Dropped += s.Dropped
	t.Deferred += s.Deferred
	t.Elapsed += s.Elapsed
}

// Optimizer queues render commands by priority and submits them in batches.
//
// Within a priority, commands are submitted in insertion order. Commands of
// different pipelines are never placed in the same batch.
type Optimizer struct {
	mu     sync.Mutex
	queues [priorityCount]*list.List
	index  map[ID]*list.Element
	nextID ID
	seq    uint64

	// inflight holds commands handed to the submitter. They stay queued
	// until the submission returns but can no longer be cancelled.
	inflight map[ID]struct{}

	exec sync.Mutex // serializes Execute

	validator Validator
	maxBatch  int
	budget    time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	dropped uint64
}

// New creates an Optimizer. A nil validator accepts every resource.
func New(v Validator, cfg Config) *Optimizer {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.FrameBudget <= 0 {
		cfg.FrameBudget = DefaultFrameBudget
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	o := &Optimizer{
		index:     make(map[ID]*list.Element),
		inflight:  make(map[ID]struct{}),
		validator: v,
		maxBatch:  cfg.MaxBatchSize,
		budget:    cfg.FrameBudget,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}
	for i := range o.queues {
		o.queues[i] = list.New()
	}
	return o
}

// SetValidator swaps the resource validator, e.g. after a backend switch
// rebuilt the memory manager.
func (o *Optimizer) SetValidator(v Validator) {
	o.mu.Lock()
	o.validator = v
	o.mu.Unlock()
}

// Add validates and enqueues cmd, returning an id usable with Cancel.
func (o *Optimizer) Add(cmd Command) (ID, error) {
	if cmd.Pipeline == "" {
		return 0, ErrEmptyPipeline
	}
	if cmd.Priority >= priorityCount {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPriority, cmd.Priority)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if h, ok := o.firstDeadLocked(cmd.Resources); !ok {
		return 0, fmt.Errorf("%w: %v", ErrUnknownResource, h)
	}

	o.nextID++
	o.seq++
	cmd.id = o.nextID
	cmd.seq = o.seq
	o.index[cmd.id] = o.queues[cmd.Priority].PushBack(&cmd)
	return cmd.id, nil
}

// Cancel removes a pending command. It reports false if the command was
// already submitted, is being submitted, was dropped or cancelled.
func (o *Optimizer) Cancel(id ID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	el, ok := o.index[id]
	if !ok {
		return false
	}
	if _, busy := o.inflight[id]; busy {
		return false
	}
	o.removeLocked(el)
	return true
}

// CancelAll removes every pending command that is not being submitted and
// returns how many it removed.
func (o *Optimizer) CancelAll() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := 0
	for id, el := range o.index {
		if _, busy := o.inflight[id]; busy {
			continue
		}
		o.removeLocked(el)
		n++
	}
	return n
}

// Pending returns the number of queued commands.
func (o *Optimizer) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.index)
}

// PendingAt returns the number of queued commands at priority p.
func (o *Optimizer) PendingAt(p Priority) int {
	if p >= priorityCount {
		return 0
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queues[p].Len()
}

// Dropped returns the lifetime number of commands dropped because their
// resources were released before submission.
func (o *Optimizer) Dropped() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

// Execute drains the queues into s, highest priority first.
//
// Critical commands are submitted one per batch. High priority work is always
// drained. Medium and low priority work stops once the frame budget is spent
// and the rest stays queued for the next call. Execute stops at the first
// submission error and returns it together with the stats so far.
func (o *Optimizer) Execute(ctx context.Context, s Submitter) (st Stats, err error) {
	o.exec.Lock()
	defer o.exec.Unlock()

	start := o.clock.Now()
	defer func() { st.Elapsed = o.clock.Since(start) }()

	for p := int(priorityCount) - 1; p >= 0; p-- {
		prio := Priority(p)
		for {
			if err := ctx.Err(); err != nil {
				st.Deferred = o.Pending()
				return st, err
			}
			if prio.budgeted() && o.clock.Since(start) >= o.budget {
				st.Deferred = o.Pending()
				o.logger.Debug("pipeline: frame budget spent",
					"deferred", st.Deferred, "budget", o.budget)
				return st, nil
			}

			batch, elems, dropped := o.nextBatch(prio)
			st.Dropped += dropped
			if len(elems) == 0 {
				break
			}

			if err := s.SubmitBatch(ctx, batch); err != nil {
				o.requeue(elems)
				st.Deferred = o.Pending()
				return st, fmt.Errorf("pipeline: submit %s batch %q (%d commands): %w",
					prio, batch.Pipeline, batch.Len(), err)
			}

			o.complete(elems)
			st.Batches++
			st.Submitted += batch.Len()
			if prio == PriorityCritical {
				st.Critical++
			}
			o.logger.Debug("pipeline: submitted batch",
				"pipeline", batch.Pipeline, "priority", prio, "commands", batch.Len())
		}
	}
	return st, nil
}

// nextBatch peeks the head run of queue p and marks it in flight. Commands
// with dead resources at the head are removed and counted as dropped. The
// returned elements stay queued until complete is called, so a failed
// submission leaves them at the head once requeue clears the mark.
func (o *Optimizer) nextBatch(p Priority) (Batch, []*list.Element, int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	q := o.queues[p]
	limit := o.maxBatch
	if p == PriorityCritical {
		limit = 1
	}

	var (
		batch   = Batch{Priority: p}
		elems   []*list.Element
		dropped int
	)
	for el := q.Front(); el != nil && len(elems) < limit; {
		next := el.Next()
		cmd := el.Value.(*Command)

		if h, ok := o.firstDeadLocked(cmd.Resources); !ok {
			o.logger.Debug("pipeline: dropping command with released resource",
				"id", cmd.id, "pipeline", cmd.Pipeline, "resource", h)
			o.removeLocked(el)
			o.dropped++
			dropped++
			el = next
			continue
		}

		if len(elems) > 0 && cmd.Pipeline != batch.Pipeline {
			break
		}
		batch.Pipeline = cmd.Pipeline
		batch.Commands = append(batch.Commands, *cmd)
		elems = append(elems, el)
		o.inflight[cmd.id] = struct{}{}
		el = next
	}
	return batch, elems, dropped
}

// complete removes submitted elements.
func (o *Optimizer) complete(elems []*list.Element) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, el := range elems {
		o.removeLocked(el)
	}
}

// requeue makes the elements of a failed submission cancellable again.
func (o *Optimizer) requeue(elems []*list.Element) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, el := range elems {
		delete(o.inflight, el.Value.(*Command).id)
	}
}

func (o *Optimizer) removeLocked(el *list.Element) {
	cmd := el.Value.(*Command)
	o.queues[cmd.Priority].Remove(el)
	delete(o.index, cmd.id)
	delete(o.inflight, cmd.id)
}

func (o *Optimizer) firstDeadLocked(hs []memory.Handle) (memory.Handle, bool) {
	if o.validator == nil {
		return memory.Handle{}, true
	}
	for _, h := range hs {
		if !o.validator.IsLive(h) {
			return h, false
		}
	}
	return memory.Handle{}, true
}
