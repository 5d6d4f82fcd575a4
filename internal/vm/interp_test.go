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
	"strings"
	"testing"

	"github.com/gofrs/uuid/v5"

	"github.com/flowlite/flowlite/api"
)

// fakeStore is a minimal ProcessStore for interpreter tests; the real
// implementations live in internal/store.
type fakeStore struct {
	fibers    map[uuid.UUID]*Fiber
	joins     map[JoinID]uint16
	jobs      []*api.JobActivation
	dedupe    map[string]*api.JobCompletion
	incidents []*Incident
	events    []*Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		fibers: make(map[uuid.UUID]*Fiber),
		joins:  make(map[JoinID]uint16),
		dedupe: make(map[string]*api.JobCompletion),
	}
}

func (s *fakeStore) SaveFiber(_ context.Context, _ uuid.UUID, f *Fiber) error {
	s.fibers[f.ID] = f
	return nil
}

func (s *fakeStore) DeleteFiber(_ context.Context, _, fiberID uuid.UUID) error {
	delete(s.fibers, fiberID)
	return nil
}

func (s *fakeStore) JoinArrive(_ context.Context, _ uuid.UUID, joinID JoinID) (uint16, error) {
	s.joins[joinID]++
	return s.joins[joinID], nil
}

func (s *fakeStore) JoinReset(_ context.Context, _ uuid.UUID, joinID JoinID) error {
	delete(s.joins, joinID)
	return nil
}

func (s *fakeStore) EnqueueJob(_ context.Context, a *api.JobActivation) error {
	s.jobs = append(s.jobs, a)
	return nil
}

func (s *fakeStore) DedupeGet(_ context.Context, jobKey string) (*api.JobCompletion, error) {
	return s.dedupe[jobKey], nil
}

func (s *fakeStore) SaveIncident(_ context.Context, inc *Incident) error {
	s.incidents = append(s.incidents, inc)
	return nil
}

func (s *fakeStore) AppendEvent(_ context.Context, _ uuid.UUID, ev *Event) error {
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeStore) eventKinds() []EventKind {
	kinds := make([]EventKind, len(s.events))
	for i, ev := range s.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func testSetup(t *testing.T, instrs ...Instr) (*fakeStore, *Interpreter, *ProcessInstance, *Fiber, *CompiledProgram) {
	t.Helper()
	store := newFakeStore()
	interp := NewInterpreter(store, WithClock(func() int64 { return 1_000 }))
	program := &CompiledProgram{Program: instrs}
	program.Seal()
	instance := NewInstance(uuid.Must(uuid.NewV7()), "test_process", program.BytecodeVersion, []byte(`{}`), "", 1_000)
	fiber := NewFiber(uuid.Must(uuid.NewV7()), 0)
	store.fibers[fiber.ID] = fiber
	return store, interp, instance, fiber, program
}

func TestBranchesAndFlags(t *testing.T) {
	// flag 7 := true, then branch on it past a Fail.
	_, interp, instance, fiber, program := testSetup(t,
		PushBool(true),
		StoreFlag(7),
		LoadFlag(7),
		BrIf(5),
		Fail(99),
		End(),
	)

	outcome, err := interp.Run(context.Background(), instance, fiber, program, 100)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Kind != StepCompleted {
		t.Fatalf("outcome = %v, want StepCompleted", outcome.Kind)
	}
	if got := instance.Flag(7); !got.Truthy() {
		t.Errorf("flag 7 = %+v, want truthy", got)
	}
	if len(fiber.Stack) != 0 {
		t.Errorf("stack not drained: %v", fiber.Stack)
	}
}

func TestCounterLoop(t *testing.T) {
	// three iterations: IncCounter, BrCounterLt back to 0, then End.
	_, interp, instance, fiber, program := testSetup(t,
		IncCounter(1),
		BrCounterLt(1, 3, 0),
		End(),
	)

	outcome, err := interp.Run(context.Background(), instance, fiber, program, 100)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Kind != StepCompleted {
		t.Fatalf("outcome = %v, want StepCompleted", outcome.Kind)
	}
	if got := instance.Counters[1]; got != 3 {
		t.Errorf("counter = %d, want 3", got)
	}
	if fiber.LoopEpoch != 3 {
		t.Errorf("loop epoch = %d, want 3", fiber.LoopEpoch)
	}
}

func TestExecNativeParksFiber(t *testing.T) {
	store, interp, instance, fiber, program := testSetup(t,
		ExecNative(0, 0, 1),
		End(),
	)
	program.TaskManifest = []string{"charge_card"}
	program.DebugMap = map[Addr]string{0: "charge"}

	outcome, err := interp.Run(context.Background(), instance, fiber, program, 100)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Kind != StepBlocked || outcome.Wait.Kind != WaitJob {
		t.Fatalf("outcome = %+v, want blocked on job", outcome)
	}
	if len(store.jobs) != 1 {
		t.Fatalf("enqueued %d jobs, want 1", len(store.jobs))
	}
	job := store.jobs[0]
	if job.TaskType != "charge_card" {
		t.Errorf("task type = %q, want charge_card", job.TaskType)
	}
	wantKey := JobKey(instance.ID, "charge", 0, 0)
	if job.JobKey != wantKey {
		t.Errorf("job key = %q, want %q", job.JobKey, wantKey)
	}
	if job.RetriesRemaining != DefaultJobRetries {
		t.Errorf("retries = %d, want %d", job.RetriesRemaining, DefaultJobRetries)
	}
	// pc stays on the ExecNative until completion
	if fiber.PC != 0 {
		t.Errorf("parked pc = %d, want 0", fiber.PC)
	}
}

func TestExecNativeDedupeReplays(t *testing.T) {
	store, interp, instance, fiber, program := testSetup(t,
		ExecNative(0, 0, 1),
		End(),
	)
	program.DebugMap = map[Addr]string{0: "charge"}
	key := JobKey(instance.ID, "charge", 0, 0)
	store.dedupe[key] = &api.JobCompletion{
		JobKey:        key,
		DomainPayload: []byte(`{"charged":true}`),
		OrchFlags:     api.OrchFlags{"flag_3": api.Bool(true)},
	}

	outcome, err := interp.Run(context.Background(), instance, fiber, program, 100)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Kind != StepCompleted {
		t.Fatalf("outcome = %v, want StepCompleted (replayed straight through)", outcome.Kind)
	}
	if len(store.jobs) != 0 {
		t.Errorf("enqueued %d jobs on replay, want 0", len(store.jobs))
	}
	if !instance.Flag(3).Truthy() {
		t.Errorf("replayed completion did not merge flag 3")
	}
	if string(instance.DomainPayload) != `{"charged":true}` {
		t.Errorf("replayed payload = %s", instance.DomainPayload)
	}
}

func TestExecNativeDedupeConsumesArguments(t *testing.T) {
	// a replayed completion must leave the stack as a live one would:
	// arguments gone, results pushed.
	store, interp, instance, fiber, program := testSetup(t,
		PushBool(true),
		ExecNative(0, 1, 0),
		End(),
	)
	program.DebugMap = map[Addr]string{1: "charge"}
	key := JobKey(instance.ID, "charge", 1, 0)
	store.dedupe[key] = &api.JobCompletion{
		JobKey:        key,
		DomainPayload: []byte(`{"charged":true}`),
	}

	outcome, err := interp.Run(context.Background(), instance, fiber, program, 100)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Kind != StepCompleted {
		t.Fatalf("outcome = %v, want StepCompleted", outcome.Kind)
	}
	if len(fiber.Stack) != 0 {
		t.Errorf("replay left %d values on the stack", len(fiber.Stack))
	}
	if len(store.jobs) != 0 {
		t.Errorf("enqueued %d jobs on replay, want 0", len(store.jobs))
	}
}

func TestForkConsumesParentAndJoinPromotesLastArrival(t *testing.T) {
	//  0: Fork(2, 4)
	//  2,4: StoreFlag per branch (with preceding push), then Join(9, 2, 6)
	//  6: End
	store, interp, instance, fiber, program := testSetup(t,
		Fork(1, 3),
		PushBool(true), // branch A
		Join(9, 2, 5),
		PushBool(true), // branch B
		Join(9, 2, 5),
		End(),
	)
	ctx := context.Background()
	parentID := fiber.ID

	outcome, err := interp.Run(ctx, instance, fiber, program, 100)
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if outcome.Kind != StepForked || len(outcome.Forked) != 2 {
		t.Fatalf("outcome = %+v, want fork of 2", outcome)
	}
	if _, alive := store.fibers[parentID]; alive {
		t.Fatalf("forking fiber still alive")
	}

	first, second := outcome.Forked[0], outcome.Forked[1]
	out1, err := interp.Run(ctx, instance, first, program, 100)
	if err != nil {
		t.Fatalf("branch A: %v", err)
	}
	if out1.Kind != StepCompleted {
		t.Fatalf("first arrival outcome = %v, want StepCompleted (consumed by barrier)", out1.Kind)
	}
	if _, alive := store.fibers[first.ID]; alive {
		t.Fatalf("first arrival not deleted")
	}

	out2, err := interp.Run(ctx, instance, second, program, 100)
	if err != nil {
		t.Fatalf("branch B: %v", err)
	}
	if out2.Kind != StepCompleted {
		t.Fatalf("promoted fiber outcome = %v, want StepCompleted via End", out2.Kind)
	}
	// barrier reset for rejoinability
	if count := store.joins[9]; count != 0 {
		t.Errorf("join counter after release = %d, want reset", count)
	}
}

func TestJoinOverArrivalIsFatal(t *testing.T) {
	store, interp, instance, fiber, program := testSetup(t,
		Join(4, 1, 1),
		End(),
	)
	store.joins[4] = 1 // already released once without reset: divergence

	_, err := interp.Step(context.Background(), instance, fiber, program)
	if err == nil || !strings.Contains(err.Error(), "exceeds expected") {
		t.Fatalf("err = %v, want over-arrival failure", err)
	}
}

func TestForkInclusiveWritesJoinExpected(t *testing.T) {
	flagA, flagB := FlagKey(1), FlagKey(2)
	def := Addr(5)
	store, interp, instance, fiber, program := testSetup(t,
		ForkInclusive(3, []InclusiveBranch{
			{ConditionFlag: &flagA, Target: 1},
			{ConditionFlag: &flagB, Target: 3},
		}, &def),
		PushBool(true),
		JoinDynamic(3, 7),
		PushBool(true),
		JoinDynamic(3, 7),
		PushBool(true),
		JoinDynamic(3, 7),
		End(),
	)
	instance.Flags[flagA] = api.Bool(true)
	instance.Flags[flagB] = api.Bool(false)

	outcome, err := interp.Run(context.Background(), instance, fiber, program, 100)
	if err != nil {
		t.Fatalf("fork inclusive: %v", err)
	}
	if outcome.Kind != StepForked || len(outcome.Forked) != 1 {
		t.Fatalf("outcome = %+v, want single taken branch", outcome)
	}
	if outcome.Forked[0].PC != 1 {
		t.Errorf("taken branch pc = %d, want 1", outcome.Forked[0].PC)
	}
	if got := instance.JoinExpected[3]; got != 1 {
		t.Errorf("join expected = %d, want 1", got)
	}

	// the dynamic join both releases and clears the expectation
	child := outcome.Forked[0]
	out, err := interp.Run(context.Background(), instance, child, program, 100)
	if err != nil {
		t.Fatalf("branch run: %v", err)
	}
	if out.Kind != StepCompleted {
		t.Fatalf("branch outcome = %v, want completion via End", out.Kind)
	}
	if _, ok := instance.JoinExpected[3]; ok {
		t.Errorf("join expectation not cleared after release")
	}
	if len(store.incidents) != 0 {
		t.Errorf("unexpected incidents: %v", store.incidents)
	}
}

func TestForkInclusiveDefaultFlow(t *testing.T) {
	flagA := FlagKey(1)
	def := Addr(3)
	_, interp, instance, fiber, program := testSetup(t,
		ForkInclusive(3, []InclusiveBranch{
			{ConditionFlag: &flagA, Target: 1},
		}, &def),
		PushBool(true),
		JoinDynamic(3, 5),
		PushBool(true),
		JoinDynamic(3, 5),
		End(),
	)
	// flagA defaults to false: no condition matches, default flow taken

	outcome, err := interp.Run(context.Background(), instance, fiber, program, 100)
	if err != nil {
		t.Fatalf("fork inclusive: %v", err)
	}
	if outcome.Kind != StepForked || len(outcome.Forked) != 1 || outcome.Forked[0].PC != def {
		t.Fatalf("outcome = %+v, want default branch at %d", outcome, def)
	}
}

func TestForkInclusiveNoDefaultRaisesIncident(t *testing.T) {
	flagA := FlagKey(1)
	store, interp, instance, fiber, program := testSetup(t,
		ForkInclusive(3, []InclusiveBranch{
			{ConditionFlag: &flagA, Target: 1},
		}, nil),
		End(),
	)

	outcome, err := interp.Run(context.Background(), instance, fiber, program, 100)
	if err != nil {
		t.Fatalf("fork inclusive: %v", err)
	}
	if outcome.Kind != StepBlocked || outcome.Wait.Kind != WaitIncident {
		t.Fatalf("outcome = %+v, want incident park", outcome)
	}
	if len(store.incidents) != 1 {
		t.Fatalf("got %d incidents, want 1", len(store.incidents))
	}
	if store.incidents[0].ErrorClass.Kind != api.ErrorContractViolation {
		t.Errorf("incident class = %v, want contract violation", store.incidents[0].ErrorClass)
	}
	if instance.State.Kind != StateFailed {
		t.Errorf("instance state = %v, want failed", instance.State.Kind)
	}
}

func TestWaitMsgCapturesCorrelation(t *testing.T) {
	_, interp, instance, fiber, program := testSetup(t,
		WaitMsg(1, 42, 2),
		End(),
	)
	fiber.Regs[2] = api.I64(777)

	outcome, err := interp.Run(context.Background(), instance, fiber, program, 100)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Kind != StepBlocked || outcome.Wait.Kind != WaitOnMsg {
		t.Fatalf("outcome = %+v, want msg park", outcome)
	}
	if outcome.Wait.Name != 42 {
		t.Errorf("wait name = %d, want 42", outcome.Wait.Name)
	}
	if outcome.Wait.CorrKey != api.I64(777) {
		t.Errorf("corr key = %+v, want I64(777)", outcome.Wait.CorrKey)
	}
}

func TestWaitForComputesAbsoluteDeadline(t *testing.T) {
	_, interp, instance, fiber, program := testSetup(t,
		WaitFor(5_000),
		End(),
	)

	outcome, err := interp.Run(context.Background(), instance, fiber, program, 100)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Kind != StepBlocked || outcome.Wait.Kind != WaitTimer {
		t.Fatalf("outcome = %+v, want timer park", outcome)
	}
	if outcome.Wait.DeadlineMS != 6_000 {
		t.Errorf("deadline = %d, want 6000 (clock 1000 + 5000)", outcome.Wait.DeadlineMS)
	}
}

func TestWaitAnyRecordsTimerArm(t *testing.T) {
	_, interp, instance, fiber, program := testSetup(t,
		WaitAny(8,
			MsgArm(5, 0, 3),
			TimerArm(10_000, true, 4),
		),
		End(),
	)

	outcome, err := interp.Run(context.Background(), instance, fiber, program, 100)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	w := outcome.Wait
	if w.Kind != WaitRace || w.RaceID != 8 {
		t.Fatalf("wait = %+v, want race 8", w)
	}
	if w.TimerArmIndex == nil || *w.TimerArmIndex != 1 {
		t.Fatalf("timer arm index = %v, want 1", w.TimerArmIndex)
	}
	if w.TimerDeadlineMS == nil || *w.TimerDeadlineMS != 11_000 {
		t.Fatalf("timer deadline = %v, want 11000", w.TimerDeadlineMS)
	}
	if !w.Interrupting {
		t.Errorf("interrupting = false, want true")
	}
}

func TestResolveRaceIsIdempotent(t *testing.T) {
	_, interp, instance, fiber, program := testSetup(t,
		WaitAny(8, MsgArm(5, 0, 2), TimerArm(10_000, true, 3)),
		End(),
		End(),
		End(),
	)
	ctx := context.Background()
	arms := program.Program[0].Arms

	if _, err := interp.Run(ctx, instance, fiber, program, 100); err != nil {
		t.Fatal(err)
	}
	resolved, err := interp.ResolveRace(ctx, instance, fiber, 8, 0, arms)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved {
		t.Fatalf("first resolve did not apply")
	}
	if fiber.PC != 2 || !fiber.Wait.IsRunnable() {
		t.Fatalf("fiber = pc %d wait %v, want pc 2 running", fiber.PC, fiber.Wait.Kind)
	}

	// second resolution is a no-op: the fiber left the race
	resolved, err = interp.ResolveRace(ctx, instance, fiber, 8, 1, arms)
	if err != nil {
		t.Fatalf("duplicate resolve: %v", err)
	}
	if resolved {
		t.Errorf("duplicate resolve applied")
	}
	if fiber.PC != 2 {
		t.Errorf("duplicate resolve moved pc to %d", fiber.PC)
	}
}

func TestEndTerminateSurfacesToCaller(t *testing.T) {
	_, interp, instance, fiber, program := testSetup(t,
		EndTerminate(),
	)
	outcome, err := interp.Run(context.Background(), instance, fiber, program, 100)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Kind != StepTerminated {
		t.Fatalf("outcome = %v, want StepTerminated", outcome.Kind)
	}
}

func TestParseJobKey(t *testing.T) {
	id := uuid.Must(uuid.NewV7())
	key := JobKey(id, "charge_card", 12, 3)
	gotID, gotTask, gotPC, err := ParseJobKey(key)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if gotID != id || gotTask != "charge_card" || gotPC != 12 {
		t.Errorf("parsed (%s, %s, %d), want (%s, charge_card, 12)", gotID, gotTask, gotPC, id)
	}

	for _, bad := range []string{"", "no-colons", "a:b", id.String() + ":task:notanumber:0"} {
		if _, _, _, err := ParseJobKey(bad); err == nil {
			t.Errorf("ParseJobKey(%q) accepted malformed key", bad)
		}
	}
}

func TestStackUnderflowIsFatal(t *testing.T) {
	_, interp, instance, fiber, program := testSetup(t,
		BrIf(0),
	)
	if _, err := interp.Step(context.Background(), instance, fiber, program); err == nil {
		t.Fatal("branch on empty stack did not fail")
	}
}
