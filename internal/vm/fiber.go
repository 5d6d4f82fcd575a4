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

import "github.com/gofrs/uuid/v5"

// WaitKind discriminates a fiber's wait state. A fiber is runnable iff
// its kind is WaitRunning.
type WaitKind uint8

const (
	WaitRunning WaitKind = iota
	WaitTimer
	WaitOnMsg
	WaitJob
	WaitJoin
	WaitRace
	WaitIncident
)

var waitNames = map[WaitKind]string{
	WaitRunning:  "running",
	WaitTimer:    "timer",
	WaitOnMsg:    "msg",
	WaitJob:      "job",
	WaitJoin:     "join",
	WaitRace:     "race",
	WaitIncident: "incident",
}

func (k WaitKind) String() string {
	if s, ok := waitNames[k]; ok {
		return s
	}
	return "wait(?)"
}

// WaitState is the single wait slot of a fiber; flat for the same
// durability reason as Instr. Exactly one state is live per fiber.
type WaitState struct {
	Kind WaitKind `json:"kind" msgpack:"kind"`

	// Timer
	DeadlineMS uint64 `json:"deadline_ms,omitempty" msgpack:"deadline_ms,omitempty"`

	// Msg
	WaitID  WaitID  `json:"wait_id,omitempty" msgpack:"wait_id,omitempty"`
	Name    MsgName `json:"name,omitempty" msgpack:"name,omitempty"`
	CorrKey Value   `json:"corr_key,omitempty" msgpack:"corr_key,omitempty"`

	// Job. Also set inside a Race after boundary-timer promotion so a
	// completion arriving mid-race still correlates.
	JobKey string `json:"job_key,omitempty" msgpack:"job_key,omitempty"`

	// Join
	JoinID JoinID `json:"join_id,omitempty" msgpack:"join_id,omitempty"`

	// Race
	RaceID          RaceID  `json:"race_id,omitempty" msgpack:"race_id,omitempty"`
	TimerDeadlineMS *uint64 `json:"timer_deadline_ms,omitempty" msgpack:"timer_deadline_ms,omitempty"`
	Interrupting    bool    `json:"interrupting,omitempty" msgpack:"interrupting,omitempty"`
	TimerArmIndex   *int    `json:"timer_arm_index,omitempty" msgpack:"timer_arm_index,omitempty"`
	CycleRemaining  *uint32 `json:"cycle_remaining,omitempty" msgpack:"cycle_remaining,omitempty"`
	CycleFiredCount uint32  `json:"cycle_fired_count,omitempty" msgpack:"cycle_fired_count,omitempty"`

	// Incident
	IncidentID uuid.UUID `json:"incident_id,omitempty" msgpack:"incident_id,omitempty"`
}

func Running() WaitState { return WaitState{Kind: WaitRunning} }

func TimerWait(deadlineMS uint64) WaitState {
	return WaitState{Kind: WaitTimer, DeadlineMS: deadlineMS}
}

func MsgWait(waitID WaitID, name MsgName, corrKey Value) WaitState {
	return WaitState{Kind: WaitOnMsg, WaitID: waitID, Name: name, CorrKey: corrKey}
}

func JobWait(jobKey string) WaitState {
	return WaitState{Kind: WaitJob, JobKey: jobKey}
}

func JoinWait(joinID JoinID) WaitState {
	return WaitState{Kind: WaitJoin, JoinID: joinID}
}

func IncidentWait(incidentID uuid.UUID) WaitState {
	return WaitState{Kind: WaitIncident, IncidentID: incidentID}
}

// IsRunnable reports whether the owning fiber may execute instructions.
func (w WaitState) IsRunnable() bool { return w.Kind == WaitRunning }

// Describe renders the wait for audit events; empty for running fibers.
func (w WaitState) Describe() string {
	if w.Kind == WaitRunning {
		return ""
	}
	return w.Kind.String()
}

// NumRegs is the fixed general-register count per fiber.
const NumRegs = 8

// Fiber is one cooperative execution thread, exclusively owned by its
// process instance. Fibers are addressed by id, never by pointer, so the
// whole set serializes for crash recovery.
type Fiber struct {
	ID    uuid.UUID     `json:"fiber_id" msgpack:"fiber_id"`
	PC    Addr          `json:"pc" msgpack:"pc"`
	Stack []Value       `json:"stack,omitempty" msgpack:"stack,omitempty"`
	Regs  [NumRegs]Value `json:"regs" msgpack:"regs"`
	Wait  WaitState     `json:"wait" msgpack:"wait"`

	// LoopEpoch increments on IncCounter and feeds job-key derivation so
	// repeated loop iterations produce distinct idempotency keys.
	LoopEpoch uint32 `json:"loop_epoch,omitempty" msgpack:"loop_epoch,omitempty"`
}

// NewFiber creates a runnable fiber at the given address.
func NewFiber(id uuid.UUID, pc Addr) *Fiber {
	return &Fiber{ID: id, PC: pc, Wait: Running()}
}

// spawn creates a sibling fiber inheriting the parent's registers, the
// Fork semantics for children.
func (f *Fiber) spawn(id uuid.UUID, pc Addr) *Fiber {
	child := NewFiber(id, pc)
	child.Regs = f.Regs
	return child
}

// push appends to the operand stack.
func (f *Fiber) push(v Value) { f.Stack = append(f.Stack, v) }

// pop removes the top of the operand stack; ok is false on underflow.
func (f *Fiber) pop() (Value, bool) {
	if len(f.Stack) == 0 {
		return Value{}, false
	}
	v := f.Stack[len(f.Stack)-1]
	f.Stack = f.Stack[:len(f.Stack)-1]
	return v, true
}
