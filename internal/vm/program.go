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
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/flowlite/flowlite/api"
)

// Version identifies a compiled program by content hash.
type Version = api.Hash

// CompiledProgram is the external compiler's artifact, consumed
// read-only. Plan tables are keyed by program-scoped ids; the interpreter
// and engine receive the program explicitly on every call instead of
// holding it as ambient state.
type CompiledProgram struct {
	BytecodeVersion Version `json:"bytecode_version" msgpack:"bytecode_version"`
	Program         []Instr `json:"program" msgpack:"program"`

	// Strings is the intern pool referenced by Value.Str.
	Strings []string `json:"strings,omitempty" msgpack:"strings,omitempty"`

	// DebugMap maps instruction addresses back to diagram element ids.
	DebugMap map[Addr]string `json:"debug_map,omitempty" msgpack:"debug_map,omitempty"`

	JoinPlan      map[JoinID]JoinPlanEntry `json:"join_plan,omitempty" msgpack:"join_plan,omitempty"`
	WaitPlan      map[WaitID]WaitPlanEntry `json:"wait_plan,omitempty" msgpack:"wait_plan,omitempty"`
	RacePlan      map[RaceID]RacePlanEntry `json:"race_plan,omitempty" msgpack:"race_plan,omitempty"`
	BoundaryMap   map[Addr]RaceID          `json:"boundary_map,omitempty" msgpack:"boundary_map,omitempty"`
	WriteSet      map[TaskType][]FlagKey   `json:"write_set,omitempty" msgpack:"write_set,omitempty"`
	TaskManifest  []string                 `json:"task_manifest,omitempty" msgpack:"task_manifest,omitempty"`
	ErrorRouteMap map[Addr][]ErrorRoute    `json:"error_route_map,omitempty" msgpack:"error_route_map,omitempty"`
}

// JoinPlanEntry describes one join barrier: how many arrivals release it,
// where the survivor resumes, and the register template the survivor is
// populated with.
type JoinPlanEntry struct {
	Expected uint16  `json:"expected" msgpack:"expected"`
	Next     Addr    `json:"next" msgpack:"next"`
	Regs     []Value `json:"regs,omitempty" msgpack:"regs,omitempty"`
}

// WaitPlanEntry records the declared resume address for a standalone wait.
type WaitPlanEntry struct {
	ResumeAt Addr `json:"resume_at" msgpack:"resume_at"`
}

// RacePlanEntry lists a race's arms in arm-index order plus the boundary
// element the race is attached to, if any.
type RacePlanEntry struct {
	Arms              []WaitArm `json:"arms" msgpack:"arms"`
	BoundaryElementID string    `json:"boundary_element_id,omitempty" msgpack:"boundary_element_id,omitempty"`
}

// ErrorRoute is one entry of an address's ordered error routes. A nil
// ErrorCode is the catch-all; the compiler emits it last.
type ErrorRoute struct {
	ErrorCode         *string `json:"error_code,omitempty" msgpack:"error_code,omitempty"`
	ResumeAt          Addr    `json:"resume_at" msgpack:"resume_at"`
	BoundaryElementID string  `json:"boundary_element_id,omitempty" msgpack:"boundary_element_id,omitempty"`
}

// TaskTypeName resolves a task type id through the manifest, falling back
// to a synthetic name when the manifest is short (audit output only).
func (p *CompiledProgram) TaskTypeName(t TaskType) string {
	if int(t) < len(p.TaskManifest) {
		return p.TaskManifest[t]
	}
	return fmt.Sprintf("task_%d", t)
}

// ElementID resolves an address to its diagram element id for audit and
// incident records.
func (p *CompiledProgram) ElementID(addr Addr) string {
	if id, ok := p.DebugMap[addr]; ok {
		return id
	}
	return fmt.Sprintf("pc_%d", addr)
}

// ComputeVersion hashes the program words into the content-addressed
// bytecode version. Plan tables are derived from the same compilation and
// are covered transitively.
func ComputeVersion(program []Instr) (Version, error) {
	data, err := msgpack.Marshal(program)
	if err != nil {
		return Version{}, fmt.Errorf("hashing program: %w", err)
	}
	return api.HashBytes(data), nil
}

// Seal fills in BytecodeVersion from the program words.
func (p *CompiledProgram) Seal() error {
	v, err := ComputeVersion(p.Program)
	if err != nil {
		return err
	}
	p.BytecodeVersion = v
	return nil
}
