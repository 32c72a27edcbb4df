// Package subproc implements the bounded subprocess pool (spec §4.9):
// concurrent execution of job-submit, job-poll, job-kill, event-handler,
// and xtrigger-func commands, with completion callbacks drained on the
// main-loop thread so no component blocks the event loop on child I/O.
package subproc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/cylcgo/scheduler/internal/corelib/resilience"
	"github.com/cylcgo/scheduler/internal/xtrigger"
)

// Kind distinguishes the five command populations the pool runs.
type Kind string

const (
	KindJobSubmit    Kind = "job-submit"
	KindJobPoll      Kind = "job-poll"
	KindJobKill      Kind = "job-kill"
	KindXTriggerFunc Kind = "xtrigger-func"
	KindEventHandler Kind = "event-handler"
)

// Ctx carries one command's argv/stdin/env and, after completion, its
// result (spec §4.9).
type Ctx struct {
	Kind   Kind
	Key    string // ordering/diagnostics key, e.g. "task.point.submit_num"
	Argv   []string
	Stdin  string
	Env    []string
	Stdout string
	Stderr string
	RetCode int
	Err    error
}

// Callback fires on the main-loop thread once a command completes.
type Callback func(*Ctx)

// Pool is the bounded subprocess pool.
type Pool struct {
	sem chan struct{}

	mu       sync.Mutex
	breakers map[Kind]*resilience.CircuitBreaker
	inFlight map[*exec.Cmd]struct{}

	doneCh  chan func()
	closed  bool
	closeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewPool creates a pool admitting up to size commands concurrently.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		sem:      make(chan struct{}, size),
		breakers: make(map[Kind]*resilience.CircuitBreaker),
		inFlight: make(map[*exec.Cmd]struct{}),
		doneCh:   make(chan func(), size*4),
	}
}

func (p *Pool) breakerFor(k Kind) *resilience.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.breakers[k]
	if !ok {
		b = resilience.NewCircuitBreakerAdaptive(60*time.Second, 12, 5, 0.5, 15*time.Second, 3)
		p.breakers[k] = b
	}
	return b
}

// Put enqueues a command for asynchronous execution. cb fires once the
// command completes; callers drain completions via Drain on the main-loop
// goroutine, matching the "callback fires on the main-loop thread" rule.
func (p *Pool) Put(ctx context.Context, cctx *Ctx, cb Callback) error {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return fmt.Errorf("subproc: pool closed, rejecting %s", cctx.Key)
	}
	p.closeMu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		p.execute(ctx, cctx)
		p.doneCh <- func() { cb(cctx) }
	}()
	return nil
}

// RunCommand executes synchronously, bypassing the pool's concurrency gate
// (spec §4.9: used during shutdown once the pool is closed).
func (p *Pool) RunCommand(ctx context.Context, cctx *Ctx) {
	p.execute(ctx, cctx)
}

func (p *Pool) execute(ctx context.Context, cctx *Ctx) {
	breaker := p.breakerFor(cctx.Kind)
	if !breaker.Allow() {
		cctx.Err = fmt.Errorf("subproc: circuit open for %s back-end", cctx.Kind)
		return
	}
	err := p.run(ctx, cctx)
	breaker.RecordResult(err == nil && cctx.RetCode == 0)
	cctx.Err = err
}

func (p *Pool) run(ctx context.Context, cctx *Ctx) error {
	if len(cctx.Argv) == 0 {
		return fmt.Errorf("subproc: empty argv for %s", cctx.Key)
	}
	cmd := exec.CommandContext(ctx, cctx.Argv[0], cctx.Argv[1:]...)
	if cctx.Env != nil {
		cmd.Env = cctx.Env
	}
	if cctx.Stdin != "" {
		cmd.Stdin = bytes.NewBufferString(cctx.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	p.mu.Lock()
	p.inFlight[cmd] = struct{}{}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, cmd)
		p.mu.Unlock()
	}()

	err := cmd.Run()
	cctx.Stdout = stdout.String()
	cctx.Stderr = stderr.String()
	if exitErr, ok := err.(*exec.ExitError); ok {
		cctx.RetCode = exitErr.ExitCode()
		return nil // non-zero exit is a result, not a pool failure
	}
	if err != nil {
		return err
	}
	cctx.RetCode = 0
	return nil
}

// Drain returns every completion callback queued since the last Drain,
// without blocking (spec §4.10 step 1: callbacks are one of the main
// loop's inbound message sources).
func (p *Pool) Drain() []func() {
	var out []func()
	for {
		select {
		case f := <-p.doneCh:
			out = append(out, f)
		default:
			return out
		}
	}
}

// Close stops accepting new commands and waits up to timeout for
// outstanding commands to finish before returning; it does not forcibly
// kill children (spec §4.9 leaves forced termination to job-kill).
func (p *Pool) Close(timeout time.Duration) {
	p.closeMu.Lock()
	p.closed = true
	p.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

// Dispatch implements xtrigger.Dispatcher: runs a generic xtrigger function
// synchronously via the pool's circuit breaker and parses its stdout as a
// JSON object `{"satisfied": bool, "result": {...}}` (spec §4.7's
// two-element-tuple contract, re-expressed without a Python runtime).
func (p *Pool) Dispatch(ctx context.Context, call xtrigger.Call) (xtrigger.Result, error) {
	argv := append([]string{call.FuncName}, call.Args...)
	cctx := &Ctx{Kind: KindXTriggerFunc, Key: call.Signature(), Argv: argv}
	p.execute(ctx, cctx)
	if cctx.Err != nil {
		return xtrigger.Result{}, cctx.Err
	}
	if cctx.RetCode != 0 {
		return xtrigger.Result{}, fmt.Errorf("xtrigger function %q exited %d: %s", call.FuncName, cctx.RetCode, cctx.Stderr)
	}
	var parsed struct {
		Satisfied bool              `json:"satisfied"`
		Result    map[string]string `json:"result"`
	}
	if err := json.Unmarshal([]byte(cctx.Stdout), &parsed); err != nil {
		return xtrigger.Result{}, fmt.Errorf("malformed xtrigger output: %w", err)
	}
	return xtrigger.Result{Satisfied: parsed.Satisfied, Data: parsed.Result}, nil
}
