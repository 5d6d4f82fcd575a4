// Copyright 2026 The flowlite Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package engine orchestrates process instances: it schedules fibers
// through the interpreter, settles job completions and failures, routes
// errors, and resolves timer and message races. The interpreter owns
// single-fiber semantics; everything that needs a view across fibers or
// across the job queue lives here.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/flowlite/flowlite/api"
	"github.com/flowlite/flowlite/internal/store"
	"github.com/flowlite/flowlite/internal/vm"
)

// ErrNotFound is returned for lookups of unknown instances, programs or
// incidents.
var ErrNotFound = store.ErrNotFound

const (
	// maxStepsPerFiber bounds a single uninterrupted run of one fiber.
	maxStepsPerFiber = 10_000
	// maxTickRounds bounds how many scheduler rounds a single tick may
	// take; each round requires fresh progress.
	maxTickRounds = 64
	// defaultRetryBackoffMS is the redelivery delay for transient
	// failures that carry no retry hint.
	defaultRetryBackoffMS = 1_000
)

type Engine struct {
	store   store.Store
	interp  *vm.Interpreter
	log     *slog.Logger
	nowMS   func() int64
	newID   func() uuid.UUID
	retries int
}

type Option func(*Engine)

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithClock injects a millisecond clock shared by the engine and its
// interpreter, for tests.
func WithClock(nowMS func() int64) Option {
	return func(e *Engine) { e.nowMS = nowMS }
}

// WithRetryBudget sets the transient-failure budget stamped on new job
// activations.
func WithRetryBudget(n int) Option {
	return func(e *Engine) { e.retries = n }
}

func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:   s,
		log:     slog.Default(),
		nowMS:   func() int64 { return time.Now().UnixMilli() },
		newID:   func() uuid.UUID { return uuid.Must(uuid.NewV7()) },
		retries: vm.DefaultJobRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	// The interpreter is built once, after all options settled, so it
	// sees the final clock and retry budget.
	e.interp = vm.NewInterpreter(s, vm.WithClock(e.nowMS), vm.WithRetryBudget(e.retries))
	return e
}

// DeployProgram seals and persists a compiled program under a process
// key and returns its content-addressed version.
func (e *Engine) DeployProgram(ctx context.Context, processKey string, program *vm.CompiledProgram) (vm.Version, error) {
	if len(program.Program) == 0 {
		return vm.Version{}, errors.New("deploy: empty program")
	}
	if err := program.Seal(); err != nil {
		return vm.Version{}, fmt.Errorf("deploy %q: %w", processKey, err)
	}
	if err := e.store.SaveProgram(ctx, processKey, program); err != nil {
		return vm.Version{}, fmt.Errorf("deploy %q: %w", processKey, err)
	}
	e.log.InfoContext(ctx, "program deployed",
		"process_key", processKey,
		"bytecode_version", program.BytecodeVersion.String(),
		"instructions", len(program.Program),
	)
	return program.BytecodeVersion, nil
}

// Start creates an instance of a deployed program and drives it until
// quiescent. A nil version resolves to the latest deployment of the
// process key; running instances keep the version they started on
// regardless of later deployments.
func (e *Engine) Start(ctx context.Context, processKey string, version *vm.Version, payload []byte, correlationID string) (*vm.ProcessInstance, error) {
	var resolved vm.Version
	if version != nil {
		resolved = *version
	} else {
		latest, err := e.store.LatestVersion(ctx, processKey)
		if err != nil {
			return nil, fmt.Errorf("start %q: %w", processKey, err)
		}
		resolved = latest
	}
	if _, err := e.store.GetProgram(ctx, resolved); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrVersionMismatch
		}
		return nil, err
	}

	instance := vm.NewInstance(e.newID(), processKey, resolved, payload, correlationID, e.nowMS())
	if err := e.store.SaveInstance(ctx, instance); err != nil {
		return nil, err
	}
	root := vm.NewFiber(e.newID(), 0)
	if err := e.store.SaveFiber(ctx, instance.ID, root); err != nil {
		return nil, err
	}
	if err := e.emit(ctx, instance.ID, &vm.Event{
		Kind:      vm.EvInstanceStarted,
		FiberID:   root.ID,
		ElementID: processKey,
		Detail:    resolved.String(),
	}); err != nil {
		return nil, err
	}
	e.log.InfoContext(ctx, "instance started",
		"instance_id", instance.ID,
		"process_key", processKey,
		"bytecode_version", resolved.String(),
	)

	if err := e.TickInstance(ctx, instance.ID); err != nil {
		return nil, err
	}
	return e.store.GetInstance(ctx, instance.ID)
}

// TickInstance drives one instance until quiescent: runnable fibers are
// stepped, due timers fire, boundary attachments are promoted, and
// completion is detected. Safe to call when nothing is due.
func (e *Engine) TickInstance(ctx context.Context, instanceID uuid.UUID) error {
	instance, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if instance.State.Terminal() {
		return nil
	}
	program, err := e.store.GetProgram(ctx, instance.BytecodeVersion)
	if err != nil {
		return fmt.Errorf("tick %s: %w", instanceID, err)
	}

	for range maxTickRounds {
		progressed, err := e.tickRound(ctx, instance, program)
		if err != nil {
			return err
		}
		if instance.State.Terminal() || !progressed {
			return nil
		}
	}
	return fmt.Errorf("tick %s: no quiescence after %d rounds", instanceID, maxTickRounds)
}

// tickRound is one scheduler round: a run pass, completion detection, a
// boundary promotion pass, and a timer pass. It reports whether any
// fiber made progress.
func (e *Engine) tickRound(ctx context.Context, instance *vm.ProcessInstance, program *vm.CompiledProgram) (bool, error) {
	fibers, err := e.store.ListFibers(ctx, instance.ID)
	if err != nil {
		return false, err
	}
	progressed := false

	// Run pass. Fibers forked mid-round join the back of the worklist.
	worklist := make([]*vm.Fiber, 0, len(fibers))
	for _, f := range fibers {
		if f.Wait.IsRunnable() {
			worklist = append(worklist, f)
		}
	}
	for len(worklist) > 0 {
		fiber := worklist[0]
		worklist = worklist[1:]
		progressed = true

		outcome, err := e.interp.Run(ctx, instance, fiber, program, maxStepsPerFiber)
		if err != nil {
			return false, fmt.Errorf("run fiber %s of %s: %w", fiber.ID, instance.ID, err)
		}
		if err := e.store.SaveInstance(ctx, instance); err != nil {
			return false, err
		}

		switch outcome.Kind {
		case vm.StepForked:
			worklist = append(worklist, outcome.Forked...)

		case vm.StepTerminated:
			return true, e.terminate(ctx, instance, fiber.ID)

		case vm.StepFailed:
			resumed, err := e.routeFailure(ctx, instance, fiber, program,
				api.BusinessRejection(failCode(outcome.Code)),
				fmt.Sprintf("end event raised error %d", outcome.Code), "")
			if err != nil {
				return false, err
			}
			if resumed {
				worklist = append(worklist, fiber)
			}

		case vm.StepBlocked, vm.StepCompleted, vm.StepContinue:
			// Parked, or consumed by End or a join barrier.
		}
	}

	if done, err := e.detectCompletion(ctx, instance); err != nil || done {
		return progressed || done, err
	}

	promoted, err := e.promoteBoundaries(ctx, instance, program)
	if err != nil {
		return false, err
	}
	fired, err := e.fireTimers(ctx, instance, program)
	if err != nil {
		return false, err
	}
	return progressed || promoted || fired, nil
}

// detectCompletion marks the instance completed when no fibers remain.
func (e *Engine) detectCompletion(ctx context.Context, instance *vm.ProcessInstance) (bool, error) {
	fibers, err := e.store.ListFibers(ctx, instance.ID)
	if err != nil {
		return false, err
	}
	if len(fibers) > 0 || instance.State.Terminal() {
		return false, nil
	}
	at := e.nowMS()
	instance.State = vm.CompletedState(at)
	if err := e.store.SaveInstance(ctx, instance); err != nil {
		return false, err
	}
	if err := e.emit(ctx, instance.ID, &vm.Event{Kind: vm.EvCompleted}); err != nil {
		return false, err
	}
	e.log.InfoContext(ctx, "instance completed", "instance_id", instance.ID)
	return true, nil
}

// terminate implements EndTerminate: every sibling wait is cancelled,
// outstanding jobs are purged, all fibers die, and the instance state
// flips to Terminated.
func (e *Engine) terminate(ctx context.Context, instance *vm.ProcessInstance, terminatingFiberID uuid.UUID) error {
	fibers, err := e.store.ListFibers(ctx, instance.ID)
	if err != nil {
		return err
	}
	for _, f := range fibers {
		if f.ID == terminatingFiberID || f.Wait.IsRunnable() {
			continue
		}
		if err := e.emit(ctx, instance.ID, &vm.Event{
			Kind:    vm.EvWaitCancelled,
			FiberID: f.ID,
			Detail:  f.Wait.Describe(),
		}); err != nil {
			return err
		}
	}
	if err := e.store.PurgeJobs(ctx, instance.ID); err != nil {
		return err
	}
	if err := e.store.DeleteAllFibers(ctx, instance.ID); err != nil {
		return err
	}
	instance.State = vm.TerminatedState(e.nowMS())
	if err := e.store.SaveInstance(ctx, instance); err != nil {
		return err
	}
	if err := e.emit(ctx, instance.ID, &vm.Event{Kind: vm.EvTerminated, FiberID: terminatingFiberID}); err != nil {
		return err
	}
	e.log.InfoContext(ctx, "instance terminated", "instance_id", instance.ID)
	return nil
}

// promoteBoundaries re-parks Job waits whose address carries a boundary
// attachment as races, preserving the job key so the underlying job can
// still settle the race.
func (e *Engine) promoteBoundaries(ctx context.Context, instance *vm.ProcessInstance, program *vm.CompiledProgram) (bool, error) {
	if len(program.BoundaryMap) == 0 {
		return false, nil
	}
	fibers, err := e.store.ListFibers(ctx, instance.ID)
	if err != nil {
		return false, err
	}
	promoted := false
	for _, fiber := range fibers {
		if fiber.Wait.Kind != vm.WaitJob || fiber.Wait.CycleFiredCount > 0 {
			continue
		}
		raceID, ok := program.BoundaryMap[fiber.PC]
		if !ok {
			continue
		}
		entry, ok := program.RacePlan[raceID]
		if !ok {
			continue
		}
		fiber.Wait = vm.RaceWaitFromArms(raceID, entry.Arms, fiber.Wait.JobKey, uint64(e.nowMS()))
		if err := e.store.SaveFiber(ctx, instance.ID, fiber); err != nil {
			return false, err
		}
		if err := e.emit(ctx, instance.ID, &vm.Event{
			Kind:      vm.EvRaceRegistered,
			FiberID:   fiber.ID,
			RaceID:    raceID,
			ElementID: entry.BoundaryElementID,
		}); err != nil {
			return false, err
		}
		promoted = true
	}
	return promoted, nil
}

// fireTimers handles due plain timer waits and due race timer arms.
func (e *Engine) fireTimers(ctx context.Context, instance *vm.ProcessInstance, program *vm.CompiledProgram) (bool, error) {
	fibers, err := e.store.ListFibers(ctx, instance.ID)
	if err != nil {
		return false, err
	}
	now := uint64(e.nowMS())
	fired := false

	for _, fiber := range fibers {
		switch fiber.Wait.Kind {
		case vm.WaitTimer:
			if now < fiber.Wait.DeadlineMS {
				continue
			}
			if err := e.emit(ctx, instance.ID, &vm.Event{Kind: vm.EvTimerFired, FiberID: fiber.ID}); err != nil {
				return false, err
			}
			fiber.PC++
			fiber.Wait = vm.Running()
			if err := e.store.SaveFiber(ctx, instance.ID, fiber); err != nil {
				return false, err
			}
			fired = true

		case vm.WaitRace:
			did, err := e.fireRaceTimer(ctx, instance, fiber, program, now)
			if err != nil {
				return false, err
			}
			fired = fired || did
		}
	}
	return fired, nil
}

func (e *Engine) fireRaceTimer(ctx context.Context, instance *vm.ProcessInstance, fiber *vm.Fiber, program *vm.CompiledProgram, now uint64) (bool, error) {
	w := fiber.Wait
	if w.TimerDeadlineMS == nil || now < *w.TimerDeadlineMS {
		return false, nil
	}
	entry, ok := program.RacePlan[w.RaceID]
	if !ok {
		return false, nil
	}
	armIdx := -1
	if w.TimerArmIndex != nil {
		armIdx = *w.TimerArmIndex
	} else {
		for i, arm := range entry.Arms {
			if arm.IsTimer() {
				armIdx = i
				break
			}
		}
	}
	if armIdx < 0 || armIdx >= len(entry.Arms) {
		return false, nil
	}

	if w.Interrupting {
		// Timer wins: the race resolves and the underlying job, if any,
		// is withdrawn.
		if _, err := e.interp.ResolveRace(ctx, instance, fiber, w.RaceID, armIdx, entry.Arms); err != nil {
			return false, err
		}
		if w.JobKey != "" {
			if err := e.store.AckJob(ctx, w.JobKey); err != nil && !errors.Is(err, store.ErrNotFound) {
				return false, err
			}
		}
		if err := e.emit(ctx, instance.ID, &vm.Event{
			Kind:      vm.EvBoundaryFired,
			FiberID:   fiber.ID,
			RaceID:    w.RaceID,
			ArmIndex:  armIdx,
			ElementID: entry.BoundaryElementID,
		}); err != nil {
			return false, err
		}
		return true, nil
	}

	// Non-interrupting: a child fiber runs the escalation path while the
	// parked fiber keeps waiting on the job. The fire ordinal becomes the
	// child's loop epoch so repeated fires into the same service task get
	// distinct job keys.
	firedCount := w.CycleFiredCount + 1
	child := vm.NewFiber(e.newID(), entry.Arms[armIdx].ResumeAt)
	child.LoopEpoch = firedCount
	if err := e.store.SaveFiber(ctx, instance.ID, child); err != nil {
		return false, err
	}
	if err := e.emit(ctx, instance.ID, &vm.Event{
		Kind:           vm.EvBoundaryFired,
		FiberID:        fiber.ID,
		SpawnedFiberID: child.ID,
		RaceID:         w.RaceID,
		ArmIndex:       armIdx,
		ElementID:      entry.BoundaryElementID,
		Addr:           entry.Arms[armIdx].ResumeAt,
	}); err != nil {
		return false, err
	}

	var remaining *uint32
	if w.CycleRemaining != nil {
		r := *w.CycleRemaining
		if r > 0 {
			r--
		}
		remaining = &r
	}
	if err := e.emit(ctx, instance.ID, &vm.Event{
		Kind:    vm.EvTimerCycleIteration,
		FiberID: fiber.ID,
		RaceID:  w.RaceID,
		Count:   firedCount,
	}); err != nil {
		return false, err
	}

	if remaining != nil && *remaining == 0 {
		// Cycle exhausted: the timer arm retires.
		if err := e.emit(ctx, instance.ID, &vm.Event{
			Kind:    vm.EvTimerCycleExhausted,
			FiberID: fiber.ID,
			RaceID:  w.RaceID,
			Count:   firedCount,
		}); err != nil {
			return false, err
		}
		if w.JobKey != "" {
			// The fired count survives the demotion so the promotion
			// pass knows this attachment is spent.
			demoted := vm.JobWait(w.JobKey)
			demoted.CycleFiredCount = firedCount
			fiber.Wait = demoted
		} else {
			// No underlying job: the fiber stays parked on the race's
			// remaining arms with the timer retired. Waking it would
			// re-execute the wait opcode and restart the cycle.
			fiber.Wait.TimerDeadlineMS = nil
			fiber.Wait.CycleRemaining = remaining
			fiber.Wait.CycleFiredCount = firedCount
		}
		return true, e.store.SaveFiber(ctx, instance.ID, fiber)
	}

	// Re-arm for the next cycle.
	interval := entry.Arms[armIdx].DurationMS
	if interval == 0 {
		interval = 60_000
	}
	deadline := now + interval
	fiber.Wait.TimerDeadlineMS = &deadline
	fiber.Wait.CycleRemaining = remaining
	fiber.Wait.CycleFiredCount = firedCount
	return true, e.store.SaveFiber(ctx, instance.ID, fiber)
}

// RunInstance ticks an instance and hands back every job activation that
// became ready, across all of the program's task types. In-process
// convenience for embedders and tests; networked deployments use
// ActivateJobs per task type instead.
func (e *Engine) RunInstance(ctx context.Context, instanceID uuid.UUID) ([]*api.JobActivation, error) {
	if err := e.TickInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	instance, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	program, err := e.store.GetProgram(ctx, instance.BytecodeVersion)
	if err != nil {
		return nil, err
	}
	var out []*api.JobActivation
	for _, taskType := range program.TaskManifest {
		jobs, err := e.store.ActivateJobs(ctx, taskType, 0, e.nowMS())
		if err != nil {
			return nil, err
		}
		for _, job := range jobs {
			if job.ProcessInstanceID == instanceID.String() {
				out = append(out, job)
			}
		}
	}
	return out, nil
}

// ActivateJobs leases up to max ready jobs of one task type to a worker.
func (e *Engine) ActivateJobs(ctx context.Context, taskType string, max int) ([]*api.JobActivation, error) {
	return e.store.ActivateJobs(ctx, taskType, max, e.nowMS())
}

// ReadEvents returns an instance's audit log from fromSeq onward.
func (e *Engine) ReadEvents(ctx context.Context, instanceID uuid.UUID, fromSeq uint64) ([]vm.SeqEvent, error) {
	return e.store.ReadEvents(ctx, instanceID, fromSeq)
}

func (e *Engine) emit(ctx context.Context, instanceID uuid.UUID, ev *vm.Event) error {
	ev.AtMS = e.nowMS()
	return e.store.AppendEvent(ctx, instanceID, ev)
}

// emitLate records an intentionally ignored external signal.
func (e *Engine) emitLate(ctx context.Context, instanceID uuid.UUID, detail string) error {
	e.log.DebugContext(ctx, "late signal ignored", "instance_id", instanceID, "detail", detail)
	return e.emit(ctx, instanceID, &vm.Event{Kind: vm.EvSignalIgnored, Detail: detail})
}

func failCode(code uint32) string { return fmt.Sprintf("FAIL_%d", code) }
