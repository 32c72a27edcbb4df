// Package engine implements the main scheduler loop (spec §4.10): one
// cooperative, single-threaded tick that drains the inbound message queue,
// applies state transitions, evaluates xtriggers, dispatches ready tasks,
// spawns successors, houses-keeps terminated proxies, and publishes a
// state summary, in that fixed order every cycle.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cylcgo/scheduler/internal/broadcast"
	"github.com/cylcgo/scheduler/internal/cycletime"
	"github.com/cylcgo/scheduler/internal/jobrunner"
	"github.com/cylcgo/scheduler/internal/pool"
	"github.com/cylcgo/scheduler/internal/store"
	"github.com/cylcgo/scheduler/internal/subproc"
	"github.com/cylcgo/scheduler/internal/summary"
	"github.com/cylcgo/scheduler/internal/taskdef"
	"github.com/cylcgo/scheduler/internal/taskstate"
	"github.com/cylcgo/scheduler/internal/xtrigger"
)

// Config bundles everything the engine needs at construction time.
type Config struct {
	Registry        *taskdef.Registry
	Pool            *pool.Pool
	Broadcast       *broadcast.Store
	XTriggers       *xtrigger.Manager
	Subproc         *subproc.Pool
	JobRunners      *jobrunner.Registry
	Store           *store.Store
	PointKind       cycletime.Kind
	RunMode         string // "live" or "simulation"
	TickInterval    time.Duration
	Meter           metric.Meter
	Tracer          trace.Tracer
	PersistRetries  int
	PersistBackoff  time.Duration
}

// Engine drives the scheduling loop.
type Engine struct {
	reg        *taskdef.Registry
	pool       *pool.Pool
	bstore     *broadcast.Store
	xtrig      *xtrigger.Manager
	subproc    *subproc.Pool
	jobRunners *jobrunner.Registry
	persist    *store.Store
	pointKind  cycletime.Kind
	runMode    string
	tick       time.Duration

	persistRetries int
	persistBackoff time.Duration

	inbox chan inboundEnvelope

	cron *cron.Cron

	held        bool
	stopIntent  bool
	stopDrain   bool
	stopReason  pool.StopReason
	stalled     bool

	log    *slog.Logger
	tracer trace.Tracer

	ticksTotal   metric.Int64Counter
	stallEvents  metric.Int64Counter
	msgsDropped  metric.Int64Counter
	txnErrors    metric.Int64Counter
}

// New builds an Engine ready to Run.
func New(cfg Config) *Engine {
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = 1 * time.Second
	}
	e := &Engine{
		reg:            cfg.Registry,
		pool:           cfg.Pool,
		bstore:         cfg.Broadcast,
		xtrig:          cfg.XTriggers,
		subproc:        cfg.Subproc,
		jobRunners:     cfg.JobRunners,
		persist:        cfg.Store,
		pointKind:      cfg.PointKind,
		runMode:        cfg.RunMode,
		tick:           tick,
		persistRetries: cfg.PersistRetries,
		persistBackoff: cfg.PersistBackoff,
		inbox:          make(chan inboundEnvelope, 4096),
		cron:           cron.New(cron.WithSeconds()),
		log:            slog.Default(),
		tracer:         cfg.Tracer,
	}
	if e.persistRetries <= 0 {
		e.persistRetries = 5
	}
	if e.persistBackoff <= 0 {
		e.persistBackoff = 500 * time.Millisecond
	}
	if cfg.Meter != nil {
		e.ticksTotal, _ = cfg.Meter.Int64Counter("cylc_engine_ticks_total")
		e.stallEvents, _ = cfg.Meter.Int64Counter("cylc_engine_stall_events_total")
		e.msgsDropped, _ = cfg.Meter.Int64Counter("cylc_engine_messages_dropped_total")
		e.txnErrors, _ = cfg.Meter.Int64Counter("cylc_engine_persistence_errors_total")
	}
	return e
}

// Run executes the main loop until ctx is cancelled or a stop condition
// fires, returning the stop reason (empty on context cancellation).
func (e *Engine) Run(ctx context.Context) pool.StopReason {
	if e.persist != nil {
		if _, err := e.cron.AddFunc("0 * * * * *", func() {
			e.Nudge()
			e.EnqueueCommand(Command{Kind: CmdCheckpoint})
		}); err != nil {
			e.log.Warn("failed to schedule periodic checkpoint", "error", err)
		}
	}
	e.cron.Start()
	defer e.cron.Stop()

	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		if e.ticksTotal != nil {
			e.ticksTotal.Add(ctx, 1)
		}
		e.runOneTick(ctx)

		if e.stopIntent {
			return e.stopReason
		}
		if reason, stopped := e.pool.CheckStopConditions(); stopped {
			return reason
		}
		if e.stopDrain && !e.anyJobInFlight() {
			return e.stopReason
		}

		select {
		case <-ctx.Done():
			return ""
		case env := <-e.inbox:
			e.handleOne(ctx, env)
			e.drainRemaining(ctx)
		case <-ticker.C:
		}
	}
}

// drainRemaining empties whatever else is already queued, so one tick
// processes a full batch rather than one message at a time (spec §4.10:
// "all effects of one inbound message are applied before the next", which
// bounds atomicity per-message, not per-tick).
func (e *Engine) drainRemaining(ctx context.Context) {
	for {
		select {
		case env := <-e.inbox:
			e.handleOne(ctx, env)
		default:
			return
		}
	}
}

func (e *Engine) handleOne(ctx context.Context, env inboundEnvelope) {
	switch env.kind {
	case kindTaskMessage:
		e.applyTaskMessage(ctx, env.taskMsg)
	case kindCommand:
		e.applyCommand(ctx, env.command)
	case kindCallback:
		if env.callback != nil {
			env.callback()
		}
	case kindNudge:
		// no-op; its only purpose is to break the ticker/inbox select early
	}
}

// runOneTick performs steps 1-6 of the main loop (spec §4.10); step 7 (the
// sleep) is the caller's ticker/select.
func (e *Engine) runOneTick(ctx context.Context) {
	ctx, span := e.startSpan(ctx, "engine.tick")
	defer span()

	// Step 1: drain subprocess completions into the queue.
	for _, cb := range e.subproc.Drain() {
		e.handleOne(ctx, inboundEnvelope{kind: kindCallback, callback: cb})
	}

	// Steps 2-3 happen per-proxy as part of readiness evaluation.
	e.evaluateReadiness(ctx)

	// Step 4: select ready tasks and dispatch.
	e.dispatchReady(ctx)

	// Step 5: spawn successors; housekeep; expire broadcasts.
	e.spawnAndHousekeep(ctx)

	// Step 6: summary + persistence flush.
	e.flushPersistence(ctx)
	_ = e.Summary()

	e.stalled = e.pool.IsStalled(e.anyXTriggerPending())
	if e.stalled && e.stallEvents != nil {
		e.stallEvents.Add(ctx, 1)
	}
}

// anyJobInFlight reports whether any proxy is still submitted/running, the
// condition a "stop clean" command waits on before the loop actually exits
// (spec §5: "the loop continues to drain in-flight jobs until either they
// complete, a timeout expires, or a second stop forces termination").
func (e *Engine) anyJobInFlight() bool {
	for _, tp := range e.pool.All() {
		switch tp.Machine.State() {
		case taskstate.Submitted, taskstate.Running:
			return true
		}
	}
	return false
}

func (e *Engine) anyXTriggerPending() bool {
	for _, tp := range e.pool.All() {
		for _, label := range tp.Def.XTriggerLabels {
			if e.xtrig.IsPending(xtrigger.Call{FuncName: label}.Signature()) {
				return true
			}
		}
	}
	return false
}

// evaluateReadiness implements steps 2-3: for every waiting proxy whose
// prerequisites are satisfied on other grounds, evaluate its clock trigger
// and xtriggers (spec §4.10: "avoid calling xtrig functions for tasks that
// cannot yet be released on other grounds").
func (e *Engine) evaluateReadiness(ctx context.Context) {
	for _, tp := range e.pool.All() {
		if tp.Machine.State() != taskstate.Waiting || tp.Machine.Held() || tp.Machine.Runahead() {
			continue
		}
		if !tp.PrerequisitesSatisfied() {
			continue
		}
		if tp.Def.ClockTriggerLabel != "" && !tp.ClockTrigSatisfied {
			ct := xtrigger.ClockTrigger{Label: tp.Def.ClockTriggerLabel, Offset: tp.Def.ClockTriggerOffset}
			tp.ClockTrigSatisfied = e.xtrig.EvaluateClock(ct, tp.Point)
		}
		for _, label := range tp.Def.XTriggerLabels {
			if tp.XTriggerSatisfied[label] {
				continue
			}
			call := xtrigger.Call{FuncName: label, Interval: e.tick * 10}
			res, err := e.xtrig.Poll(ctx, call, e.subproc)
			if err != nil {
				e.log.Warn("xtrigger evaluation failed", "task", tp.ID(), "label", label, "error", err)
				continue
			}
			if res.Satisfied {
				tp.XTriggerSatisfied[label] = true
			}
		}
		if tp.PrerequisitesSatisfied() && tp.XTriggersSatisfied() {
			if err := tp.Machine.ReadyToQueue(); err != nil {
				e.log.Warn("illegal transition", "task", tp.ID(), "error", err)
			}
		}
	}
}

// dispatchReady implements step 4: admit queued proxies and submit them
// through the configured job runner via the subprocess pool.
func (e *Engine) dispatchReady(ctx context.Context) {
	for _, tp := range e.pool.All() {
		if tp.Machine.State() != taskstate.Queued {
			continue
		}
		if err := tp.Machine.Admit(); err != nil {
			continue
		}
		e.submit(ctx, tp)
	}
}

func (e *Engine) submit(ctx context.Context, tp *pool.TaskProxy) {
	tag := tp.JobRunner
	if tag == "" {
		tag = e.runMode
	}
	if tag != "background" && tag != "simulation" {
		tag = "background"
	}
	jr, ok := e.jobRunners.Get(tag)
	if !ok {
		e.log.Error("unknown job runner", "task", tp.ID(), "runner", tag)
		e.failSubmit(ctx, tp, fmt.Errorf("unknown job runner %q", tag))
		return
	}
	tp.JobRunner = tag

	settings := e.effectiveSettings(tp)
	directives := jr.FormatDirectives(settings)
	argv, stdin := jr.SubmitCommand(tp.ID(), directives)

	if err := tp.Machine.ToSubmitted(); err != nil {
		e.log.Warn("illegal transition", "task", tp.ID(), "error", err)
		return
	}
	now := time.Now()
	tp.TimeSubmitted = &now

	cctx := &subproc.Ctx{Kind: subproc.KindJobSubmit, Key: fmt.Sprintf("%s.%d", tp.ID(), tp.Machine.SubmitNum()), Argv: argv, Stdin: stdin}
	err := e.subproc.Put(ctx, cctx, func(c *subproc.Ctx) {
		e.onSubmitComplete(tp, jr, c)
	})
	if err != nil {
		e.failSubmit(ctx, tp, err)
	}
}

func (e *Engine) onSubmitComplete(tp *pool.TaskProxy, jr jobrunner.JobRunner, c *subproc.Ctx) {
	if c.Err != nil || c.RetCode != 0 {
		e.failSubmit(context.Background(), tp, fmt.Errorf("submit command failed: %v (exit %d): %s", c.Err, c.RetCode, c.Stderr))
		return
	}
	jobID, err := jr.ParseSubmitOutput(c.Stdout)
	if err != nil {
		e.failSubmit(context.Background(), tp, err)
		return
	}
	tp.JobID = jobID
	tp.Outputs.SetByTrigger("submitted")
	e.propagateOutput(tp, "submitted")
}

func (e *Engine) failSubmit(ctx context.Context, tp *pool.TaskProxy, err error) {
	e.log.Warn("job submit error", "task", tp.ID(), "error", &jobrunner.JobSubmitError{TaskID: tp.ID(), Msg: err.Error()})
	if terr := tp.Machine.ToSubmitFailed(); terr != nil {
		e.log.Warn("illegal transition", "task", tp.ID(), "error", terr)
		return
	}
	if tp.Machine.State() == taskstate.SubmitFailed {
		tp.Outputs.SetByTrigger("submit-failed")
		e.propagateOutput(tp, "submit-failed")
	}
}

// effectiveSettings resolves a proxy's runtime settings through the
// broadcast store, weakest to strongest (spec §4.6).
func (e *Engine) effectiveSettings(tp *pool.TaskProxy) map[string]any {
	merged := e.bstore.Get(tp.Def.Name, tp.Point.String(), tp.Def.FirstParents)
	out := make(map[string]any, len(merged)+len(tp.Def.Settings))
	for k, v := range tp.Def.Settings {
		out[k] = v
	}
	for k, v := range merged {
		out[k] = v
	}
	return out
}

// applyTaskMessage implements step 2 for an inbound job status message
// (spec §6): authenticates against the proxy's current submit number, then
// applies the corresponding state transition and propagates the output.
func (e *Engine) applyTaskMessage(ctx context.Context, m TaskMessage) {
	id := m.TaskName + "." + m.CyclePoint
	tp, ok := e.pool.Get(id)
	if !ok {
		e.log.Warn("message for unknown task", "task", id)
		return
	}
	if m.SubmitNum != tp.Machine.SubmitNum() {
		err := &MessageAuthError{TaskID: id, SubmitNum: m.SubmitNum, Current: tp.Machine.SubmitNum()}
		e.log.Warn("dropping message", "error", err)
		if e.msgsDropped != nil {
			e.msgsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("task", id)))
		}
		return
	}

	switch m.Message {
	case "started":
		if err := tp.Machine.ToRunning(); err == nil {
			now := time.Now()
			tp.TimeStarted = &now
			tp.Outputs.SetByTrigger("started")
			e.propagateOutput(tp, "started")
		}
	case "succeeded":
		if err := tp.Machine.ToSucceeded(); err == nil {
			now := time.Now()
			tp.TimeFinished = &now
			if tp.TimeStarted != nil {
				tp.RecordElapsed(now.Sub(*tp.TimeStarted))
			}
			tp.Outputs.SetByTrigger("succeeded")
			e.propagateOutput(tp, "succeeded")
		}
	case "failed":
		if err := tp.Machine.ToFailed(); err == nil {
			now := time.Now()
			tp.TimeFinished = &now
			if tp.Machine.State() == taskstate.Failed {
				tp.Outputs.SetByTrigger("failed")
				e.propagateOutput(tp, "failed")
			}
		}
	default:
		if name, ok := tp.Outputs.SetByMessage(m.Message); ok {
			e.propagateOutput(tp, name)
		} else {
			e.log.Warn("message matches no declared output", "task", id, "message", m.Message)
		}
	}
}

// propagateOutput implements step 2's "satisfy prerequisites for downstream
// tasks referencing changed outputs" (spec §4.10). Suicide dependencies are
// not evaluated here or anywhere else in the engine, so a satisfied suicide
// trigger does not remove its proxy from the pool.
func (e *Engine) propagateOutput(tp *pool.TaskProxy, output string) {
	for _, other := range e.pool.All() {
		for _, pr := range other.Prereqs {
			for _, atom := range pr.Atoms() {
				if atom.UpstreamName == tp.Def.Name && atom.UpstreamPoint == tp.Point.String() && atom.Output == output {
					pr.SatisfyNaturally(atom)
				}
			}
		}
	}
}

func (e *Engine) applyCommand(ctx context.Context, c Command) {
	var err error
	switch c.Kind {
	case CmdHold:
		if len(c.TaskIDs) == 0 {
			e.held = true
		}
		for _, id := range c.TaskIDs {
			if tp, ok := e.pool.Get(id); ok {
				tp.Machine.Hold()
			}
		}
	case CmdRelease:
		if len(c.TaskIDs) == 0 {
			e.held = false
		}
		for _, id := range c.TaskIDs {
			if tp, ok := e.pool.Get(id); ok {
				tp.Machine.Release()
			}
		}
	case CmdStopClean:
		e.stopDrain = true
		e.stopReason = pool.StopCommand
	case CmdStopNow:
		e.stopReason = pool.StopCommand
		e.stopIntent = true
	case CmdKill:
		for _, id := range c.TaskIDs {
			e.killTask(ctx, id)
		}
	case CmdRemove:
		for _, id := range c.TaskIDs {
			e.pool.Remove(id)
		}
	case CmdResetState:
		for _, id := range c.TaskIDs {
			if tp, ok := e.pool.Get(id); ok {
				tp.Machine.Reset()
				tp.Outputs.Reset()
				e.log.Warn("reset-state clears outputs without retroactively un-satisfying downstream prerequisites", "task", id)
			}
		}
	case CmdTrigger:
		for _, id := range c.TaskIDs {
			if tp, ok := e.pool.Get(id); ok {
				if terr := tp.Machine.ReadyToQueue(); terr != nil {
					e.log.Warn("manual trigger rejected", "task", id, "error", terr)
				}
			}
		}
	case CmdPoll:
		for _, id := range c.TaskIDs {
			e.pollTask(ctx, id)
		}
	case CmdInsert:
		if p, ok := c.Payload.(*InsertPayload); ok && p != nil {
			if _, terr := e.pool.Materialise(p.Name, p.Point); terr != nil {
				err = terr
			}
		}
	case CmdSetRunahead:
		// the payload is ignored: the runahead limit is fixed when the Pool
		// is constructed, and Pool.Reload (CmdReload) does not change it.
		e.log.Warn("set-runahead is not applied; the runahead limit stays as set at startup")
	case CmdBroadcast:
		if p, ok := c.Payload.(*BroadcastPayload); ok && p != nil {
			e.bstore.Put([]string{p.Namespace}, []string{p.Point}, broadcast.Settings(p.Settings))
		}
	case CmdReload:
		if p, ok := c.Payload.(*ReloadPayload); ok && p != nil {
			e.reg = p.Reg
			e.pool.Reload(p.Reg, p.Graph, p.Final)
			e.log.Info("configuration reloaded")
		} else {
			err = fmt.Errorf("reload command missing payload")
		}
	case CmdCheckpoint:
		if e.persist != nil {
			err = e.persist.Checkpoint(ctx, fmt.Sprintf("cp-%d", time.Now().UnixNano()), time.Now())
		}
	case CmdNudge:
		// handled implicitly by waking the select loop
	}
	if c.Reply != nil {
		c.Reply <- err
	}
}

func (e *Engine) killTask(ctx context.Context, id string) {
	tp, ok := e.pool.Get(id)
	if !ok || tp.JobID == "" {
		return
	}
	jr, ok := e.jobRunners.Get(tp.JobRunner)
	if !ok {
		return
	}
	cctx := &subproc.Ctx{Kind: subproc.KindJobKill, Key: id, Argv: jr.KillCommand(tp.JobID)}
	_ = e.subproc.Put(ctx, cctx, func(*subproc.Ctx) {})
}

// pollTask re-queries a job's real status out of band, reconciling the
// proxy's state if the poll disagrees (spec §6's `poll` command).
func (e *Engine) pollTask(ctx context.Context, id string) {
	tp, ok := e.pool.Get(id)
	if !ok || tp.JobID == "" {
		return
	}
	jr, ok := e.jobRunners.Get(tp.JobRunner)
	if !ok {
		return
	}
	cctx := &subproc.Ctx{Kind: subproc.KindJobPoll, Key: id, Argv: jr.PollCommand(tp.JobID)}
	_ = e.subproc.Put(ctx, cctx, func(c *subproc.Ctx) {
		if c.Err != nil || c.RetCode != 0 {
			e.log.Warn("poll failed", "task", id, "error", c.Err, "stderr", c.Stderr)
		}
	})
}

func (e *Engine) spawnAndHousekeep(ctx context.Context) {
	e.pool.RecomputeMinActive()
	e.pool.UpdateRunaheadFlags()

	for _, tp := range e.pool.All() {
		if _, err := e.pool.SpawnSuccessors(tp); err != nil {
			e.log.Warn("spawn successors failed", "task", tp.ID(), "error", err)
		}
	}
	removed, err := e.pool.Cleanup()
	if err != nil {
		e.log.Warn("cleanup failed", "error", err)
	}
	for _, id := range removed {
		e.log.Debug("housekept terminal proxy", "task", id)
	}
	if window := e.pool.RunaheadWindowEnd(); window != nil {
		e.bstore.Expire(window.String())
	}
}

// flushPersistence implements step 6's persistence flush, retrying
// PersistenceError with bounded back-off and logging escalation on
// exhaustion (spec §7).
func (e *Engine) flushPersistence(ctx context.Context) {
	if e.persist == nil {
		return
	}
	for _, tp := range e.pool.All() {
		rec := store.TaskStateRecord{
			CyclePoint:  tp.Point.String(),
			Name:        tp.Def.Name,
			SubmitNum:   tp.Machine.SubmitNum(),
			State:       string(tp.Machine.EffectiveState()),
			TimeUpdated: time.Now(),
			Host:        tp.Host,
			JobRunner:   tp.JobRunner,
			JobID:       tp.JobID,
		}
		e.persistWithRetry(ctx, "put_task_state", func() error { return e.persist.PutTaskState(ctx, rec) })
	}
	recs := e.bstore.DrainRecords()
	if len(recs) > 0 {
		converted := make([]store.BroadcastRecord, len(recs))
		for i, r := range recs {
			converted[i] = store.BroadcastRecord{Cycle: r.Cycle, Namespace: r.Namespace, Settings: map[string]any(r.Settings), Deleted: r.Deleted}
		}
		e.persistWithRetry(ctx, "append_broadcast", func() error { return e.persist.AppendBroadcastRecords(ctx, converted) })
	}
}

func (e *Engine) persistWithRetry(ctx context.Context, op string, fn func() error) {
	delay := e.persistBackoff
	for attempt := 1; attempt <= e.persistRetries; attempt++ {
		if err := fn(); err != nil {
			perr := &PersistenceError{Op: op, Err: err}
			if attempt == e.persistRetries {
				e.log.Error("persistence failure escalated to shutdown", "error", perr)
				if e.txnErrors != nil {
					e.txnErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
				}
				e.stopIntent = true
				e.stopReason = "persistence-failure"
				return
			}
			e.log.Warn("persistence error, retrying", "error", perr, "attempt", attempt)
			time.Sleep(delay)
			delay *= 2
			continue
		}
		return
	}
}

// Summary builds the current publishable state-summary snapshot (spec
// §4.12).
func (e *Engine) Summary() summary.Snapshot {
	var tasks []summary.TaskSummary
	var states []string
	for _, tp := range e.pool.All() {
		st := string(tp.Machine.EffectiveState())
		states = append(states, st)
		tasks = append(tasks, summary.TaskSummary{
			Name:        tp.Def.Name,
			CyclePoint:  tp.Point.String(),
			State:       st,
			SubmitNum:   tp.Machine.SubmitNum(),
			Host:        tp.Host,
			JobID:       tp.JobID,
			Submitted:   tp.TimeSubmitted,
			Started:     tp.TimeStarted,
			Finished:    tp.TimeFinished,
			MeanElapsed: tp.MeanElapsed().Seconds(),
		})
	}

	status := summary.StatusRunning
	switch {
	case e.stalled:
		status = summary.StatusStalled
	case e.held:
		status = summary.StatusHeld
	case e.stopDrain:
		status = summary.StatusStopping
	}

	snap := summary.Snapshot{
		Mode:            e.runMode,
		StatesHistogram: summary.Histogram(states),
		Status:          status,
		Tasks:           tasks,
	}
	if min := e.pool.RunaheadWindowEnd(); min != nil {
		snap.RunaheadPoint = min.String()
	}
	return snap
}

func (e *Engine) startSpan(ctx context.Context, name string) (context.Context, func()) {
	if e.tracer == nil {
		return ctx, func() {}
	}
	ctx, span := e.tracer.Start(ctx, name)
	return ctx, func() { span.End() }
}
