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

// Package vm implements the flowlite bytecode virtual machine: the
// instruction set, fiber and process-instance model, and the interpreter
// that steps one fiber at a time between suspension points. Compiled
// programs arrive from an external compiler; the vm consumes them
// read-only.
package vm

import "github.com/flowlite/flowlite/api"

// Program-scoped identifier spaces. All are constants of a compiled
// program, never global mutable state.
type (
	Addr      = uint32
	FlagKey   = uint32
	CounterID = uint32
	JoinID    = uint32
	WaitID    = uint32
	RaceID    = uint32
	TaskType  = uint32
	MsgName   = uint32
)

// Op enumerates the instruction set.
type Op uint8

const (
	OpJump Op = iota
	OpBrIf
	OpBrIfNot
	OpPushBool
	OpPushI64
	OpPop
	OpLoadFlag
	OpStoreFlag
	OpExecNative
	OpFork
	OpJoin
	OpWaitFor
	OpWaitUntil
	OpWaitMsg
	OpWaitAny
	OpCancelWait
	OpIncCounter
	OpBrCounterLt
	OpForkInclusive
	OpJoinDynamic
	OpEnd
	OpEndTerminate
	OpFail
)

var opNames = map[Op]string{
	OpJump:          "Jump",
	OpBrIf:          "BrIf",
	OpBrIfNot:       "BrIfNot",
	OpPushBool:      "PushBool",
	OpPushI64:       "PushI64",
	OpPop:           "Pop",
	OpLoadFlag:      "LoadFlag",
	OpStoreFlag:     "StoreFlag",
	OpExecNative:    "ExecNative",
	OpFork:          "Fork",
	OpJoin:          "Join",
	OpWaitFor:       "WaitFor",
	OpWaitUntil:     "WaitUntil",
	OpWaitMsg:       "WaitMsg",
	OpWaitAny:       "WaitAny",
	OpCancelWait:    "CancelWait",
	OpIncCounter:    "IncCounter",
	OpBrCounterLt:   "BrCounterLt",
	OpForkInclusive: "ForkInclusive",
	OpJoinDynamic:   "JoinDynamic",
	OpEnd:           "End",
	OpEndTerminate:  "EndTerminate",
	OpFail:          "Fail",
}

func (op Op) String() string {
	if s, ok := opNames[op]; ok {
		return s
	}
	return "Op(?)"
}

// Instr is one instruction word. It is a flat, kind-discriminated struct
// rather than a sealed interface so program words round-trip through
// msgpack for durable storage; only the fields relevant to Op are set.
type Instr struct {
	Op Op `json:"op" msgpack:"op"`

	Target Addr  `json:"target,omitempty" msgpack:"target,omitempty"`  // Jump, BrIf, BrIfNot, BrCounterLt
	Bool   bool  `json:"bool,omitempty" msgpack:"bool,omitempty"`      // PushBool
	I64    int64 `json:"i64,omitempty" msgpack:"i64,omitempty"`        // PushI64

	Flag FlagKey `json:"flag,omitempty" msgpack:"flag,omitempty"` // LoadFlag, StoreFlag

	TaskType TaskType `json:"task_type,omitempty" msgpack:"task_type,omitempty"` // ExecNative
	Argc     uint8    `json:"argc,omitempty" msgpack:"argc,omitempty"`
	Retc     uint8    `json:"retc,omitempty" msgpack:"retc,omitempty"`

	Targets []Addr `json:"targets,omitempty" msgpack:"targets,omitempty"` // Fork

	JoinID   JoinID `json:"join_id,omitempty" msgpack:"join_id,omitempty"` // Join, JoinDynamic, ForkInclusive
	Expected uint16 `json:"expected,omitempty" msgpack:"expected,omitempty"`
	Next     Addr   `json:"next,omitempty" msgpack:"next,omitempty"`

	DurationMS uint64 `json:"duration_ms,omitempty" msgpack:"duration_ms,omitempty"` // WaitFor
	DeadlineMS uint64 `json:"deadline_ms,omitempty" msgpack:"deadline_ms,omitempty"` // WaitUntil

	WaitID  WaitID  `json:"wait_id,omitempty" msgpack:"wait_id,omitempty"` // WaitMsg, CancelWait
	Name    MsgName `json:"name,omitempty" msgpack:"name,omitempty"`
	CorrReg uint8   `json:"corr_reg,omitempty" msgpack:"corr_reg,omitempty"`

	RaceID RaceID    `json:"race_id,omitempty" msgpack:"race_id,omitempty"` // WaitAny
	Arms   []WaitArm `json:"arms,omitempty" msgpack:"arms,omitempty"`

	Counter CounterID `json:"counter,omitempty" msgpack:"counter,omitempty"` // IncCounter, BrCounterLt
	Limit   uint32    `json:"limit,omitempty" msgpack:"limit,omitempty"`

	Branches      []InclusiveBranch `json:"branches,omitempty" msgpack:"branches,omitempty"` // ForkInclusive
	DefaultTarget *Addr             `json:"default_target,omitempty" msgpack:"default_target,omitempty"`

	Code uint32 `json:"code,omitempty" msgpack:"code,omitempty"` // Fail
}

// InclusiveBranch is one candidate branch of an inclusive gateway. A nil
// ConditionFlag means the branch is unconditionally taken.
type InclusiveBranch struct {
	ConditionFlag *FlagKey `json:"condition_flag,omitempty" msgpack:"condition_flag,omitempty"`
	Target        Addr     `json:"target" msgpack:"target"`
}

// ArmKind discriminates race arms.
type ArmKind uint8

const (
	// ArmTimer fires a relative duration after the race is registered.
	ArmTimer ArmKind = iota
	// ArmDeadline fires at an absolute wall-clock millisecond.
	ArmDeadline
	// ArmMsg fires on a correlated message arrival.
	ArmMsg
	// ArmInternal is the engine-reserved arm a boundary-timer race
	// resolves through when the underlying job completes.
	ArmInternal
)

// WaitArm is one alternative of a WaitAny race or a compiled boundary
// attachment.
type WaitArm struct {
	Kind ArmKind `json:"kind" msgpack:"kind"`

	DurationMS   uint64     `json:"duration_ms,omitempty" msgpack:"duration_ms,omitempty"`
	DeadlineMS   uint64     `json:"deadline_ms,omitempty" msgpack:"deadline_ms,omitempty"`
	Interrupting bool       `json:"interrupting,omitempty" msgpack:"interrupting,omitempty"`
	Cycle        *CycleSpec `json:"cycle,omitempty" msgpack:"cycle,omitempty"`

	Name    MsgName `json:"name,omitempty" msgpack:"name,omitempty"`
	CorrReg uint8   `json:"corr_reg,omitempty" msgpack:"corr_reg,omitempty"`

	ResumeAt Addr `json:"resume_at" msgpack:"resume_at"`
}

// IsTimer reports whether the arm is driven by the clock.
func (a WaitArm) IsTimer() bool {
	return a.Kind == ArmTimer || a.Kind == ArmDeadline
}

// CycleSpec bounds a repeating non-interrupting timer: at most MaxFires
// fires, IntervalMS apart.
type CycleSpec struct {
	IntervalMS uint64 `json:"interval_ms" msgpack:"interval_ms"`
	MaxFires   uint32 `json:"max_fires" msgpack:"max_fires"`
}

// Constructors keep program literals readable; the compiler emits through
// these as well.

func Jump(target Addr) Instr       { return Instr{Op: OpJump, Target: target} }
func BrIf(target Addr) Instr       { return Instr{Op: OpBrIf, Target: target} }
func BrIfNot(target Addr) Instr    { return Instr{Op: OpBrIfNot, Target: target} }
func PushBool(b bool) Instr        { return Instr{Op: OpPushBool, Bool: b} }
func PushI64(n int64) Instr        { return Instr{Op: OpPushI64, I64: n} }
func Pop() Instr                   { return Instr{Op: OpPop} }
func LoadFlag(key FlagKey) Instr   { return Instr{Op: OpLoadFlag, Flag: key} }
func StoreFlag(key FlagKey) Instr  { return Instr{Op: OpStoreFlag, Flag: key} }
func End() Instr                   { return Instr{Op: OpEnd} }
func EndTerminate() Instr          { return Instr{Op: OpEndTerminate} }
func Fail(code uint32) Instr       { return Instr{Op: OpFail, Code: code} }
func CancelWait(id WaitID) Instr   { return Instr{Op: OpCancelWait, WaitID: id} }
func WaitFor(ms uint64) Instr      { return Instr{Op: OpWaitFor, DurationMS: ms} }
func WaitUntil(ms uint64) Instr    { return Instr{Op: OpWaitUntil, DeadlineMS: ms} }
func Fork(targets ...Addr) Instr   { return Instr{Op: OpFork, Targets: targets} }

func ExecNative(taskType TaskType, argc, retc uint8) Instr {
	return Instr{Op: OpExecNative, TaskType: taskType, Argc: argc, Retc: retc}
}

func Join(id JoinID, expected uint16, next Addr) Instr {
	return Instr{Op: OpJoin, JoinID: id, Expected: expected, Next: next}
}

func JoinDynamic(id JoinID, next Addr) Instr {
	return Instr{Op: OpJoinDynamic, JoinID: id, Next: next}
}

func WaitMsg(waitID WaitID, name MsgName, corrReg uint8) Instr {
	return Instr{Op: OpWaitMsg, WaitID: waitID, Name: name, CorrReg: corrReg}
}

func WaitAny(raceID RaceID, arms ...WaitArm) Instr {
	return Instr{Op: OpWaitAny, RaceID: raceID, Arms: arms}
}

func IncCounter(id CounterID) Instr { return Instr{Op: OpIncCounter, Counter: id} }

func BrCounterLt(id CounterID, limit uint32, target Addr) Instr {
	return Instr{Op: OpBrCounterLt, Counter: id, Limit: limit, Target: target}
}

func TimerArm(durationMS uint64, interrupting bool, resumeAt Addr) WaitArm {
	return WaitArm{Kind: ArmTimer, DurationMS: durationMS, Interrupting: interrupting, ResumeAt: resumeAt}
}

func CycleTimerArm(intervalMS uint64, maxFires uint32, resumeAt Addr) WaitArm {
	return WaitArm{
		Kind:       ArmTimer,
		DurationMS: intervalMS,
		Cycle:      &CycleSpec{IntervalMS: intervalMS, MaxFires: maxFires},
		ResumeAt:   resumeAt,
	}
}

func DeadlineArm(deadlineMS uint64, resumeAt Addr) WaitArm {
	return WaitArm{Kind: ArmDeadline, Interrupting: true, DeadlineMS: deadlineMS, ResumeAt: resumeAt}
}

func MsgArm(name MsgName, corrReg uint8, resumeAt Addr) WaitArm {
	return WaitArm{Kind: ArmMsg, Name: name, CorrReg: corrReg, ResumeAt: resumeAt}
}

func InternalArm(resumeAt Addr) WaitArm {
	return WaitArm{Kind: ArmInternal, ResumeAt: resumeAt}
}

func ForkInclusive(joinID JoinID, branches []InclusiveBranch, defaultTarget *Addr) Instr {
	return Instr{Op: OpForkInclusive, JoinID: joinID, Branches: branches, DefaultTarget: defaultTarget}
}

// Value is re-exported so callers that only build programs do not need to
// import api directly.
type Value = api.Value
