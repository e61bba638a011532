// Package queue implements the single-writer command queue for BenomeDB.
//
// Every read and write of a user's graph runs on one worker goroutine. Any
// number of callers submit named commands; the worker executes them strictly
// in arrival order and answers each on its own result channel. Because only
// the worker touches the graph and the store connection, neither needs locks.
//
// Lifecycle:
//
//	Idle --Begin--> Running --Flush--> Draining --Stop--> Stopped
//
// Example:
//
//	q := queue.New(queue.Options{Capacity: 256, Logger: log}, commands.Bundle(deps))
//	if err := q.Begin(); err != nil {
//		return err
//	}
//	defer q.Stop(context.Background())
//
//	v, err := q.Exec(ctx, "get-contexts", map[string]any{"context_ids": []any{1001}})
//
// A caller whose wait times out gets ErrTimeout, but the command is not
// cancelled: it may still complete later, so mutations must not be blindly
// retried.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Errors returned by the queue.
var (
	ErrCommandNotFound = errors.New("command not found")
	ErrTimeout         = errors.New("timed out waiting for command result")
	ErrNotRunning      = errors.New("queue is not running")
	ErrQueueFull       = errors.New("queue is full")
	ErrAlreadyStarted  = errors.New("queue already started")
)

// CommandError wraps a handler failure or a recovered panic.
//
// errors.Is still reaches the handler's own sentinels, so a caller can tell a
// missing context apart from a constraint violation.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// State is the lifecycle state of a Queue.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler executes one command on the worker goroutine.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Command is a named operation the worker can dispatch.
type Command struct {
	Name string
	// Mutates marks commands that change persisted state. Observers use it to
	// decide what belongs in the history.
	Mutates bool
	// Final stops intake once the command succeeds. Commands already queued
	// behind it still run, then the worker exits.
	Final   bool
	Handler Handler
}

// Bundle is a set of commands registered together.
type Bundle []Command

// Names returns the command names in registration order.
func (b Bundle) Names() []string {
	out := make([]string, len(b))
	for i, c := range b {
		out[i] = c.Name
	}
	return out
}

// Result is delivered exactly once on a call's result channel.
type Result struct {
	RequestID string
	Value     any
	Err       error
}

// OK reports whether the command succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Completion describes a finished command. Observers receive one per command,
// in execution order, before the caller sees the result.
type Completion struct {
	Seq       uint64
	RequestID string
	Command   string
	Mutates   bool
	Args      map[string]any
	Enqueued  time.Time
	Started   time.Time
	Finished  time.Time
	Err       error
}

// Observer is notified on the worker goroutine. It must not submit and wait
// on commands of the same queue.
type Observer func(Completion)

// Options configures a Queue.
type Options struct {
	// Capacity bounds the number of queued commands (default 1024).
	Capacity int
	// Timeout is the default wait used by Exec and Await (default 30s).
	Timeout time.Duration
	Logger  *zap.Logger
	Now     func() time.Time
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	State     string `json:"state"`
	Queued    int64  `json:"queued"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Capacity  int    `json:"capacity"`
}

type item struct {
	seq       uint64
	requestID string
	name      string
	args      map[string]any
	enqueued  time.Time
	result    chan Result
}

// Queue serializes commands onto a single worker.
type Queue struct {
	mu        sync.Mutex
	state     State
	seq       uint64
	items     chan item
	closed    bool
	commands  map[string]Command
	observers []Observer

	timeout time.Duration
	log     *zap.Logger
	now     func() time.Time

	done      chan struct{}
	pending   atomic.Int64
	processed atomic.Uint64
	failed    atomic.Uint64
}

// New creates an idle queue with the given command bundles registered.
func New(opts Options, bundles ...Bundle) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	q := &Queue{
		items:    make(chan item, opts.Capacity),
		commands: make(map[string]Command),
		timeout:  opts.Timeout,
		log:      opts.Logger,
		now:      opts.Now,
		done:     make(chan struct{}),
	}
	for _, b := range bundles {
		for _, c := range b {
			q.commands[c.Name] = c
		}
	}
	return q
}

// Register adds commands. It is only allowed before Begin, since the worker
// reads the command table without locking.
func (q *Queue) Register(cmds ...Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != StateIdle {
		return ErrAlreadyStarted
	}
	for _, c := range cmds {
		if c.Name == "" || c.Handler == nil {
			return fmt.Errorf("register %q: name and handler are required", c.Name)
		}
		q.commands[c.Name] = c
	}
	return nil
}

// Observe adds an observer. Like Register, only allowed before Begin.
func (q *Queue) Observe(o Observer) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != StateIdle {
		return ErrAlreadyStarted
	}
	q.observers = append(q.observers, o)
	return nil
}

// Has reports whether a command name is registered.
func (q *Queue) Has(name string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.commands[name]
	return ok
}

// Begin starts the worker.
func (q *Queue) Begin() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != StateIdle {
		return ErrAlreadyStarted
	}
	q.state = StateRunning
	go q.worker()
	q.log.Debug("command queue started", zap.Int("capacity", cap(q.items)))
	return nil
}

// State returns the current lifecycle state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Done is closed once the worker has exited.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Add enqueues a command and returns its result channel immediately.
// It never blocks: a full queue yields ErrQueueFull.
func (q *Queue) Add(name string, args map[string]any) (<-chan Result, error) {
	return q.AddWithID(uuid.NewString(), name, args)
}

// AddWithID is Add with a caller-chosen request id.
func (q *Queue) AddWithID(requestID, name string, args map[string]any) (<-chan Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != StateRunning {
		return nil, fmt.Errorf("%w (state %s)", ErrNotRunning, q.state)
	}

	it := item{
		seq:       q.seq + 1,
		requestID: requestID,
		name:      name,
		args:      args,
		enqueued:  q.now(),
		result:    make(chan Result, 1),
	}
	q.pending.Add(1)
	select {
	case q.items <- it:
		q.seq++
		return it.result, nil
	default:
		q.pending.Add(-1)
		return nil, ErrQueueFull
	}
}

// Await waits for a result. A non-positive timeout uses the queue default.
// On timeout the command keeps running; its effect is unknown to the caller.
func (q *Queue) Await(ctx context.Context, ch <-chan Result, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = q.timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.Value, r.Err
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Exec is Add followed by Await with the default timeout.
func (q *Queue) Exec(ctx context.Context, name string, args map[string]any) (any, error) {
	ch, err := q.Add(name, args)
	if err != nil {
		return nil, err
	}
	return q.Await(ctx, ch, 0)
}

// Flush stops intake and blocks until every queued command has completed.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	switch q.state {
	case StateIdle:
		q.mu.Unlock()
		return ErrNotRunning
	case StateRunning:
		q.state = StateDraining
	}
	q.mu.Unlock()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for q.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// Stop drains the queue and waits for the worker to exit.
// Stopping an idle queue just marks it stopped.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.state == StateIdle {
		q.state = StateStopped
		q.closeIntake()
		close(q.done)
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	if err := q.Flush(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}

	q.mu.Lock()
	q.closeIntake()
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeIntake closes the item channel once. Caller must hold q.mu.
func (q *Queue) closeIntake() {
	if !q.closed {
		q.closed = true
		close(q.items)
	}
}

// Stats returns current queue statistics.
func (q *Queue) Stats() Stats {
	return Stats{
		State:     q.State().String(),
		Queued:    q.pending.Load(),
		Processed: q.processed.Load(),
		Failed:    q.failed.Load(),
		Capacity:  cap(q.items),
	}
}

// worker runs commands until the item channel is closed and empty.
func (q *Queue) worker() {
	defer func() {
		q.mu.Lock()
		q.state = StateStopped
		q.mu.Unlock()
		close(q.done)
		q.log.Debug("command queue stopped",
			zap.Uint64("processed", q.processed.Load()),
			zap.Uint64("failed", q.failed.Load()))
	}()

	for it := range q.items {
		q.run(it)
	}
}

// run executes one item. Nothing a handler does escapes as a panic.
func (q *Queue) run(it item) {
	started := q.now()
	cmd, ok := q.commands[it.name]

	var (
		value any
		err   error
	)
	if !ok {
		err = fmt.Errorf("%w: %q", ErrCommandNotFound, it.name)
	} else {
		value, err = q.call(cmd, it)
	}

	c := Completion{
		Seq:       it.seq,
		RequestID: it.requestID,
		Command:   it.name,
		Mutates:   cmd.Mutates,
		Args:      it.args,
		Enqueued:  it.enqueued,
		Started:   started,
		Finished:  q.now(),
		Err:       err,
	}

	fields := []zap.Field{
		zap.String("command", it.name),
		zap.String("request_id", it.requestID),
		zap.Uint64("seq", it.seq),
		zap.Duration("duration", c.Finished.Sub(started)),
	}
	if err != nil {
		q.failed.Add(1)
		q.log.Warn("command failed", append(fields, zap.Error(err))...)
	} else {
		q.log.Debug("command completed", fields...)
	}
	q.processed.Add(1)

	for _, o := range q.observers {
		q.notify(o, c)
	}

	if ok && cmd.Final && err == nil {
		q.mu.Lock()
		if q.state == StateRunning {
			q.state = StateDraining
		}
		q.closeIntake()
		q.mu.Unlock()
	}

	it.result <- Result{RequestID: it.requestID, Value: value, Err: err}
	q.pending.Add(-1)
}

func (q *Queue) call(cmd Command, it item) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CommandError{Command: it.name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	ctx := WithRequestID(context.Background(), it.requestID)
	value, err = cmd.Handler(ctx, it.args)
	if err != nil {
		var ce *CommandError
		if !errors.As(err, &ce) {
			err = &CommandError{Command: it.name, Err: err}
		}
	}
	return value, err
}

func (q *Queue) notify(o Observer, c Completion) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("observer panicked",
				zap.String("command", c.Command),
				zap.Any("panic", r))
		}
	}()
	o(c)
}

type requestIDKey struct{}

// WithRequestID attaches a request id to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id of the command being executed, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
