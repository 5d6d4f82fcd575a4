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

package vm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/flowlite/flowlite/api"
)

// ProcessStore is the durable-state surface the interpreter needs. The
// full store (programs, queue scanning, incidents) lives in
// internal/store; this is the consumer-side subset.
type ProcessStore interface {
	SaveFiber(ctx context.Context, instanceID uuid.UUID, fiber *Fiber) error
	DeleteFiber(ctx context.Context, instanceID, fiberID uuid.UUID) error

	// JoinArrive atomically increments and returns the arrival count for
	// a join barrier scoped to one instance.
	JoinArrive(ctx context.Context, instanceID uuid.UUID, joinID JoinID) (uint16, error)
	JoinReset(ctx context.Context, instanceID uuid.UUID, joinID JoinID) error

	EnqueueJob(ctx context.Context, activation *api.JobActivation) error
	DedupeGet(ctx context.Context, jobKey string) (*api.JobCompletion, error)

	SaveIncident(ctx context.Context, incident *Incident) error
	AppendEvent(ctx context.Context, instanceID uuid.UUID, event *Event) error
}

// DefaultJobRetries is the transient-failure budget a fresh activation
// carries.
const DefaultJobRetries = 3

// StepKind classifies the result of executing one instruction.
type StepKind uint8

const (
	// StepContinue: the fiber advanced and can be stepped again.
	StepContinue StepKind = iota
	// StepBlocked: the fiber parked on a wait state.
	StepBlocked
	// StepForked: the fiber spawned children and was itself consumed.
	StepForked
	// StepCompleted: the fiber reached End or was consumed by a join.
	StepCompleted
	// StepTerminated: EndTerminate — the engine must tear down the
	// entire instance.
	StepTerminated
	// StepFailed: Fail — the engine must route the failure.
	StepFailed
)

// StepOutcome is the result of a single interpreter step.
type StepOutcome struct {
	Kind   StepKind
	Wait   WaitState // valid when Kind == StepBlocked
	Forked []*Fiber  // valid when Kind == StepForked
	Code   uint32    // valid when Kind == StepFailed
}

// Interpreter steps fibers through compiled programs. It executes at most
// one instruction per Step call so callers control fairness across fibers
// and instances; it never loops across a suspension point internally.
type Interpreter struct {
	store   ProcessStore
	nowMS   func() int64
	newID   func() uuid.UUID
	retries int
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithClock injects a millisecond clock, for tests.
func WithClock(nowMS func() int64) Option {
	return func(in *Interpreter) { in.nowMS = nowMS }
}

// WithRetryBudget overrides the transient-failure budget stamped on new
// activations.
func WithRetryBudget(n int) Option {
	return func(in *Interpreter) { in.retries = n }
}

func NewInterpreter(store ProcessStore, opts ...Option) *Interpreter {
	in := &Interpreter{
		store:   store,
		nowMS:   func() int64 { return time.Now().UnixMilli() },
		newID:   func() uuid.UUID { return uuid.Must(uuid.NewV7()) },
		retries: DefaultJobRetries,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// NowMS exposes the interpreter clock so the engine shares it.
func (in *Interpreter) NowMS() int64 { return in.nowMS() }

// Step executes exactly one instruction of the given fiber. Stack,
// register and flag mutations stay within the fiber and its owning
// instance; every other effect goes through the store.
func (in *Interpreter) Step(ctx context.Context, instance *ProcessInstance, fiber *Fiber, program *CompiledProgram) (StepOutcome, error) {
	pc := int(fiber.PC)
	if pc >= len(program.Program) {
		return StepOutcome{}, fmt.Errorf("pc %d out of bounds (program len %d)", pc, len(program.Program))
	}
	instr := program.Program[pc]

	switch instr.Op {
	case OpJump:
		fiber.PC = instr.Target
		return cont(), nil

	case OpBrIf, OpBrIfNot:
		v, ok := fiber.pop()
		if !ok {
			return StepOutcome{}, fmt.Errorf("%s: stack underflow at pc %d", instr.Op, pc)
		}
		taken := v.Truthy()
		if instr.Op == OpBrIfNot {
			taken = !taken
		}
		if taken {
			fiber.PC = instr.Target
		} else {
			fiber.PC++
		}
		return cont(), nil

	case OpPushBool:
		fiber.push(api.Bool(instr.Bool))
		fiber.PC++
		return cont(), nil

	case OpPushI64:
		fiber.push(api.I64(instr.I64))
		fiber.PC++
		return cont(), nil

	case OpPop:
		fiber.pop()
		fiber.PC++
		return cont(), nil

	case OpLoadFlag:
		fiber.push(instance.Flag(instr.Flag))
		fiber.PC++
		return cont(), nil

	case OpStoreFlag:
		v, ok := fiber.pop()
		if !ok {
			return StepOutcome{}, fmt.Errorf("StoreFlag: stack underflow at pc %d", pc)
		}
		instance.Flags[instr.Flag] = v
		if err := in.emit(ctx, instance.ID, &Event{Kind: EvFlagSet, Flag: instr.Flag, Value: v, FiberID: fiber.ID}); err != nil {
			return StepOutcome{}, err
		}
		fiber.PC++
		return cont(), nil

	case OpExecNative:
		return in.execNative(ctx, instance, fiber, program, instr)

	case OpFork:
		return in.fork(ctx, instance, fiber, instr.Targets)

	case OpJoin:
		return in.joinArrive(ctx, instance, fiber, program, instr.JoinID, instr.Expected, instr.Next, false)

	case OpJoinDynamic:
		expected, ok := instance.JoinExpected[instr.JoinID]
		if !ok {
			return StepOutcome{}, fmt.Errorf("JoinDynamic: no expected count for join %d (plan/runtime divergence)", instr.JoinID)
		}
		return in.joinArrive(ctx, instance, fiber, program, instr.JoinID, expected, instr.Next, true)

	case OpWaitFor:
		deadline := uint64(in.nowMS()) + instr.DurationMS
		return in.parkTimer(ctx, instance, fiber, deadline)

	case OpWaitUntil:
		return in.parkTimer(ctx, instance, fiber, instr.DeadlineMS)

	case OpWaitMsg:
		corr := fiber.Regs[instr.CorrReg%NumRegs]
		fiber.Wait = MsgWait(instr.WaitID, instr.Name, corr)
		if err := in.emit(ctx, instance.ID, &Event{Kind: EvWaitMsgSubscribed, FiberID: fiber.ID, Name: instr.Name, Value: corr}); err != nil {
			return StepOutcome{}, err
		}
		if err := in.store.SaveFiber(ctx, instance.ID, fiber); err != nil {
			return StepOutcome{}, err
		}
		return blocked(fiber.Wait), nil

	case OpWaitAny:
		return in.waitAny(ctx, instance, fiber, instr)

	case OpCancelWait:
		// Cancellation teardown is owned by the engine when a race
		// resolves; the opcode itself is a no-op and idempotent.
		fiber.PC++
		return cont(), nil

	case OpIncCounter:
		instance.Counters[instr.Counter]++
		fiber.LoopEpoch++
		if err := in.emit(ctx, instance.ID, &Event{
			Kind:    EvCounterIncremented,
			FiberID: fiber.ID,
			Counter: instr.Counter,
			Count:   instance.Counters[instr.Counter],
		}); err != nil {
			return StepOutcome{}, err
		}
		fiber.PC++
		return cont(), nil

	case OpBrCounterLt:
		if instance.Counters[instr.Counter] < instr.Limit {
			fiber.PC = instr.Target
		} else {
			fiber.PC++
		}
		return cont(), nil

	case OpForkInclusive:
		return in.forkInclusive(ctx, instance, fiber, program, instr)

	case OpEnd:
		if err := in.store.DeleteFiber(ctx, instance.ID, fiber.ID); err != nil {
			return StepOutcome{}, err
		}
		return StepOutcome{Kind: StepCompleted}, nil

	case OpEndTerminate:
		// The engine owns full-instance teardown.
		return StepOutcome{Kind: StepTerminated}, nil

	case OpFail:
		return StepOutcome{Kind: StepFailed, Code: instr.Code}, nil
	}

	return StepOutcome{}, fmt.Errorf("unknown opcode %d at pc %d", instr.Op, pc)
}

// Run steps a fiber until it blocks, forks, ends or fails, bounded by
// maxSteps.
func (in *Interpreter) Run(ctx context.Context, instance *ProcessInstance, fiber *Fiber, program *CompiledProgram, maxSteps int) (StepOutcome, error) {
	for range maxSteps {
		outcome, err := in.Step(ctx, instance, fiber, program)
		if err != nil {
			return StepOutcome{}, err
		}
		if outcome.Kind != StepContinue {
			return outcome, nil
		}
	}
	return cont(), nil
}

func cont() StepOutcome             { return StepOutcome{Kind: StepContinue} }
func blocked(w WaitState) StepOutcome { return StepOutcome{Kind: StepBlocked, Wait: w} }

func (in *Interpreter) emit(ctx context.Context, instanceID uuid.UUID, ev *Event) error {
	ev.AtMS = in.nowMS()
	return in.store.AppendEvent(ctx, instanceID, ev)
}

// JobKey derives the idempotency key for an ExecNative at the fiber's
// current position. The loop epoch makes repeated loop iterations
// distinct.
func JobKey(instanceID uuid.UUID, serviceTaskID string, pc Addr, loopEpoch uint32) string {
	return fmt.Sprintf("%s:%s:%d:%d", instanceID, serviceTaskID, pc, loopEpoch)
}

// ParseJobKey recovers (instance id, service task id, pc) from a job key.
// The epoch suffix is parsed and discarded.
func ParseJobKey(jobKey string) (uuid.UUID, string, Addr, error) {
	rest, _, ok := cutLast(jobKey, ':') // epoch
	if !ok {
		return uuid.Nil, "", 0, fmt.Errorf("invalid job key %q", jobKey)
	}
	rest, pcStr, ok := cutLast(rest, ':')
	if !ok {
		return uuid.Nil, "", 0, fmt.Errorf("invalid job key %q", jobKey)
	}
	idStr, taskID, ok := strings.Cut(rest, ":")
	if !ok {
		return uuid.Nil, "", 0, fmt.Errorf("invalid job key %q", jobKey)
	}
	id, err := uuid.FromString(idStr)
	if err != nil {
		return uuid.Nil, "", 0, fmt.Errorf("invalid instance id in job key %q: %w", jobKey, err)
	}
	pc, err := strconv.ParseUint(pcStr, 10, 32)
	if err != nil {
		return uuid.Nil, "", 0, fmt.Errorf("invalid pc in job key %q: %w", jobKey, err)
	}
	return id, taskID, Addr(pc), nil
}

func cutLast(s string, sep byte) (before, after string, found bool) {
	i := strings.LastIndexByte(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+1:], true
}

func (in *Interpreter) execNative(ctx context.Context, instance *ProcessInstance, fiber *Fiber, program *CompiledProgram, instr Instr) (StepOutcome, error) {
	serviceTaskID := program.ElementID(fiber.PC)
	jobKey := JobKey(instance.ID, serviceTaskID, fiber.PC, fiber.LoopEpoch)

	// Redelivery dedupe: an already-completed key resumes immediately
	// from the cached completion instead of re-enqueueing.
	if cached, err := in.store.DedupeGet(ctx, jobKey); err != nil {
		return StepOutcome{}, err
	} else if cached != nil {
		// The cached path must leave the stack in the same shape as a
		// live completion: arguments consumed, results pushed.
		for range instr.Argc {
			if _, ok := fiber.pop(); !ok {
				return StepOutcome{}, fmt.Errorf("ExecNative: stack underflow at pc %d", fiber.PC)
			}
		}
		ApplyCompletion(instance, cached)
		for range instr.Retc {
			fiber.push(api.Bool(true))
		}
		fiber.PC++
		return cont(), nil
	}

	// Arguments are consumed by the delegation; the worker sees only the
	// opaque payload and the wire flags.
	for range instr.Argc {
		if _, ok := fiber.pop(); !ok {
			return StepOutcome{}, fmt.Errorf("ExecNative: stack underflow at pc %d", fiber.PC)
		}
	}

	activation := &api.JobActivation{
		JobKey:            jobKey,
		ProcessInstanceID: instance.ID.String(),
		TaskType:          program.TaskTypeName(instr.TaskType),
		ServiceTaskID:     serviceTaskID,
		DomainPayload:     instance.DomainPayload,
		DomainPayloadHash: instance.DomainPayloadHash,
		OrchFlags:         instance.WireFlags(),
		RetriesRemaining:  in.retries,
	}

	if err := in.emit(ctx, instance.ID, &Event{
		Kind:      EvJobActivated,
		FiberID:   fiber.ID,
		JobKey:    jobKey,
		ElementID: serviceTaskID,
		Addr:      fiber.PC,
	}); err != nil {
		return StepOutcome{}, err
	}
	if err := in.store.EnqueueJob(ctx, activation); err != nil {
		return StepOutcome{}, err
	}

	// Park without advancing; resume happens via CompleteJob.
	fiber.Wait = JobWait(jobKey)
	if err := in.store.SaveFiber(ctx, instance.ID, fiber); err != nil {
		return StepOutcome{}, err
	}
	return blocked(fiber.Wait), nil
}

func (in *Interpreter) fork(ctx context.Context, instance *ProcessInstance, fiber *Fiber, targets []Addr) (StepOutcome, error) {
	children := make([]*Fiber, 0, len(targets))
	childIDs := make([]uuid.UUID, 0, len(targets))
	for _, target := range targets {
		child := fiber.spawn(in.newID(), target)
		if err := in.store.SaveFiber(ctx, instance.ID, child); err != nil {
			return StepOutcome{}, err
		}
		if err := in.emit(ctx, instance.ID, &Event{
			Kind:           EvFiberSpawned,
			FiberID:        fiber.ID,
			SpawnedFiberID: child.ID,
			Addr:           target,
		}); err != nil {
			return StepOutcome{}, err
		}
		children = append(children, child)
		childIDs = append(childIDs, child.ID)
	}

	if err := in.emit(ctx, instance.ID, &Event{
		Kind:          EvForked,
		FiberID:       fiber.ID,
		ChildFiberIDs: childIDs,
		Targets:       targets,
	}); err != nil {
		return StepOutcome{}, err
	}

	// No dangling parent: the forking fiber is consumed.
	if err := in.store.DeleteFiber(ctx, instance.ID, fiber.ID); err != nil {
		return StepOutcome{}, err
	}
	return StepOutcome{Kind: StepForked, Forked: children}, nil
}

func (in *Interpreter) joinArrive(ctx context.Context, instance *ProcessInstance, fiber *Fiber, program *CompiledProgram, joinID JoinID, expected uint16, next Addr, dynamic bool) (StepOutcome, error) {
	count, err := in.store.JoinArrive(ctx, instance.ID, joinID)
	if err != nil {
		return StepOutcome{}, err
	}
	if err := in.emit(ctx, instance.ID, &Event{Kind: EvJoinArrived, FiberID: fiber.ID, JoinID: joinID, Count: uint32(count)}); err != nil {
		return StepOutcome{}, err
	}

	if count > expected {
		// More arrivals than branches: the compiled plan and the runtime
		// diverged. Fatal, never silently absorbed.
		return StepOutcome{}, fmt.Errorf("join %d: arrival %d exceeds expected %d", joinID, count, expected)
	}

	if count < expected {
		// Consumed by the barrier; a later arrival is promoted.
		if err := in.store.DeleteFiber(ctx, instance.ID, fiber.ID); err != nil {
			return StepOutcome{}, err
		}
		return StepOutcome{Kind: StepCompleted}, nil
	}

	// Last arrival wins: this fiber is promoted as the continuation.
	if err := in.store.JoinReset(ctx, instance.ID, joinID); err != nil {
		return StepOutcome{}, err
	}
	if dynamic {
		delete(instance.JoinExpected, joinID)
	}
	if plan, ok := program.JoinPlan[joinID]; ok {
		for i, v := range plan.Regs {
			if i >= NumRegs {
				break
			}
			fiber.Regs[i] = v
		}
	}
	if err := in.emit(ctx, instance.ID, &Event{Kind: EvJoinReleased, FiberID: fiber.ID, JoinID: joinID, Addr: next}); err != nil {
		return StepOutcome{}, err
	}
	fiber.PC = next
	fiber.Wait = Running()
	return cont(), nil
}

func (in *Interpreter) parkTimer(ctx context.Context, instance *ProcessInstance, fiber *Fiber, deadlineMS uint64) (StepOutcome, error) {
	fiber.Wait = TimerWait(deadlineMS)
	if err := in.emit(ctx, instance.ID, &Event{Kind: EvWaitTimerSet, FiberID: fiber.ID, Count: uint32(0), Detail: fmt.Sprintf("deadline_ms=%d", deadlineMS)}); err != nil {
		return StepOutcome{}, err
	}
	if err := in.store.SaveFiber(ctx, instance.ID, fiber); err != nil {
		return StepOutcome{}, err
	}
	return blocked(fiber.Wait), nil
}

func (in *Interpreter) waitAny(ctx context.Context, instance *ProcessInstance, fiber *Fiber, instr Instr) (StepOutcome, error) {
	if err := in.emit(ctx, instance.ID, &Event{Kind: EvRaceRegistered, FiberID: fiber.ID, RaceID: instr.RaceID}); err != nil {
		return StepOutcome{}, err
	}
	// Subscribe events per message arm so signal correlation can find
	// them in the audit log.
	for _, arm := range instr.Arms {
		if arm.Kind != ArmMsg {
			continue
		}
		corr := fiber.Regs[arm.CorrReg%NumRegs]
		if err := in.emit(ctx, instance.ID, &Event{Kind: EvWaitMsgSubscribed, FiberID: fiber.ID, Name: arm.Name, Value: corr}); err != nil {
			return StepOutcome{}, err
		}
	}

	fiber.Wait = RaceWaitFromArms(instr.RaceID, instr.Arms, "", uint64(in.nowMS()))
	if err := in.store.SaveFiber(ctx, instance.ID, fiber); err != nil {
		return StepOutcome{}, err
	}
	return blocked(fiber.Wait), nil
}

// RaceWaitFromArms builds the Race wait state for a set of arms. jobKey
// is non-empty only on boundary-timer promotion, where the underlying
// job's key must survive the re-park.
func RaceWaitFromArms(raceID RaceID, arms []WaitArm, jobKey string, nowMS uint64) WaitState {
	w := WaitState{Kind: WaitRace, RaceID: raceID, JobKey: jobKey, Interrupting: true}
	for i, arm := range arms {
		if !arm.IsTimer() {
			continue
		}
		idx := i
		w.TimerArmIndex = &idx
		var deadline uint64
		if arm.Kind == ArmTimer {
			deadline = nowMS + arm.DurationMS
			w.Interrupting = arm.Interrupting
		} else {
			deadline = arm.DeadlineMS
			w.Interrupting = true
		}
		w.TimerDeadlineMS = &deadline
		if arm.Cycle != nil {
			remaining := arm.Cycle.MaxFires
			w.CycleRemaining = &remaining
		}
		break
	}
	return w
}

func (in *Interpreter) forkInclusive(ctx context.Context, instance *ProcessInstance, fiber *Fiber, program *CompiledProgram, instr Instr) (StepOutcome, error) {
	var taken []Addr
	for _, branch := range instr.Branches {
		take := true
		if branch.ConditionFlag != nil {
			take = instance.Flag(*branch.ConditionFlag).Truthy()
		}
		if take {
			taken = append(taken, branch.Target)
		}
	}

	if len(taken) == 0 {
		if instr.DefaultTarget == nil {
			// Compiler invariant violation: a well-formed inclusive
			// gateway always has a default flow.
			return in.gatewayIncident(ctx, instance, fiber, program)
		}
		taken = append(taken, *instr.DefaultTarget)
	}

	// Write-once dynamic join expectation, consumed by JoinDynamic.
	instance.JoinExpected[instr.JoinID] = uint16(len(taken))

	childIDs := make([]uuid.UUID, 0, len(taken))
	children := make([]*Fiber, 0, len(taken))
	for _, target := range taken {
		child := fiber.spawn(in.newID(), target)
		if err := in.store.SaveFiber(ctx, instance.ID, child); err != nil {
			return StepOutcome{}, err
		}
		if err := in.emit(ctx, instance.ID, &Event{
			Kind:           EvFiberSpawned,
			FiberID:        fiber.ID,
			SpawnedFiberID: child.ID,
			Addr:           target,
		}); err != nil {
			return StepOutcome{}, err
		}
		childIDs = append(childIDs, child.ID)
		children = append(children, child)
	}

	if err := in.emit(ctx, instance.ID, &Event{
		Kind:          EvInclusiveForkTaken,
		FiberID:       fiber.ID,
		ChildFiberIDs: childIDs,
		Targets:       taken,
		JoinID:        instr.JoinID,
		Count:         uint32(len(taken)),
	}); err != nil {
		return StepOutcome{}, err
	}

	if err := in.store.DeleteFiber(ctx, instance.ID, fiber.ID); err != nil {
		return StepOutcome{}, err
	}
	return StepOutcome{Kind: StepForked, Forked: children}, nil
}

func (in *Interpreter) gatewayIncident(ctx context.Context, instance *ProcessInstance, fiber *Fiber, program *CompiledProgram) (StepOutcome, error) {
	incident := &Incident{
		ID:                in.newID(),
		ProcessInstanceID: instance.ID,
		FiberID:           fiber.ID,
		ServiceTaskID:     program.ElementID(fiber.PC),
		BytecodeAddr:      fiber.PC,
		ErrorClass:        api.ContractViolation(),
		Message:           "inclusive gateway: no conditions matched and no default flow",
		CreatedAt:         in.nowMS(),
	}
	if err := in.store.SaveIncident(ctx, incident); err != nil {
		return StepOutcome{}, err
	}
	if err := in.emit(ctx, instance.ID, &Event{
		Kind:       EvIncidentCreated,
		FiberID:    fiber.ID,
		IncidentID: incident.ID,
		ElementID:  incident.ServiceTaskID,
	}); err != nil {
		return StepOutcome{}, err
	}
	fiber.Wait = IncidentWait(incident.ID)
	if err := in.store.SaveFiber(ctx, instance.ID, fiber); err != nil {
		return StepOutcome{}, err
	}
	instance.State = FailedState(incident.ID)
	return blocked(fiber.Wait), nil
}

// CompleteJob resumes a fiber parked on the given completion's job key:
// return values are pushed, the pc advances past the ExecNative and the
// fiber becomes runnable. Instance-level mutation (payload, flags,
// dedupe) stays with the engine.
func (in *Interpreter) CompleteJob(ctx context.Context, instance *ProcessInstance, fiber *Fiber, completion *api.JobCompletion, program *CompiledProgram) error {
	var retc uint8
	if int(fiber.PC) < len(program.Program) {
		if instr := program.Program[fiber.PC]; instr.Op == OpExecNative {
			retc = instr.Retc
		}
	}
	for range retc {
		fiber.push(api.Bool(true))
	}
	fiber.PC++
	fiber.Wait = Running()

	if err := in.emit(ctx, instance.ID, &Event{
		Kind:        EvJobCompleted,
		FiberID:     fiber.ID,
		JobKey:      completion.JobKey,
		PayloadHash: completion.DomainPayloadHash,
		Addr:        fiber.PC,
	}); err != nil {
		return err
	}
	return in.store.SaveFiber(ctx, instance.ID, fiber)
}

// ResolveRace settles a race in favor of one arm: losers are cancelled,
// the fiber resumes at the winner's address. Returns false when the
// fiber is not (or no longer) parked on that race, which makes duplicate
// resolutions no-ops.
func (in *Interpreter) ResolveRace(ctx context.Context, instance *ProcessInstance, fiber *Fiber, raceID RaceID, winnerIndex int, arms []WaitArm) (bool, error) {
	if fiber.Wait.Kind != WaitRace || fiber.Wait.RaceID != raceID {
		return false, nil
	}
	if winnerIndex < 0 || winnerIndex >= len(arms) {
		return false, fmt.Errorf("resolve race %d: winner index %d out of bounds", raceID, winnerIndex)
	}
	resumeAt := arms[winnerIndex].ResumeAt

	if err := in.emit(ctx, instance.ID, &Event{
		Kind:     EvRaceWon,
		FiberID:  fiber.ID,
		RaceID:   raceID,
		ArmIndex: winnerIndex,
		Addr:     resumeAt,
	}); err != nil {
		return false, err
	}
	for i := range arms {
		if i == winnerIndex {
			continue
		}
		if err := in.emit(ctx, instance.ID, &Event{
			Kind:     EvRaceCancelled,
			FiberID:  fiber.ID,
			RaceID:   raceID,
			ArmIndex: i,
		}); err != nil {
			return false, err
		}
	}

	fiber.PC = resumeAt
	fiber.Wait = Running()
	return true, in.store.SaveFiber(ctx, instance.ID, fiber)
}

// ApplyCompletion merges a job completion into the instance: payload
// swap plus orch-flag merge. Write-set validation happens before this is
// called.
func ApplyCompletion(instance *ProcessInstance, completion *api.JobCompletion) {
	instance.DomainPayload = completion.DomainPayload
	instance.DomainPayloadHash = completion.DomainPayloadHash
	for wireKey, v := range completion.OrchFlags {
		if key, ok := ParseFlagWireKey(wireKey); ok {
			instance.Flags[key] = v
		}
	}
}

// ParseFlagWireKey inverts api.FlagWireKey.
func ParseFlagWireKey(wireKey string) (FlagKey, bool) {
	rest, ok := strings.CutPrefix(wireKey, "flag_")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 32)
	if err != nil {
		return 0, false
	}
	return FlagKey(n), true
}
