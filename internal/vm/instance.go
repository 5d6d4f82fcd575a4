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
	"github.com/gofrs/uuid/v5"

	"github.com/flowlite/flowlite/api"
)

// StateKind discriminates the instance lifecycle. Every kind except
// StateRunning is terminal.
type StateKind uint8

const (
	StateRunning StateKind = iota
	StateCompleted
	StateCancelled
	StateTerminated
	StateFailed
)

var stateNames = map[StateKind]string{
	StateRunning:    "running",
	StateCompleted:  "completed",
	StateCancelled:  "cancelled",
	StateTerminated: "terminated",
	StateFailed:     "failed",
}

func (k StateKind) String() string {
	if s, ok := stateNames[k]; ok {
		return s
	}
	return "state(?)"
}

type ProcessState struct {
	Kind       StateKind `json:"kind" msgpack:"kind"`
	At         int64     `json:"at,omitempty" msgpack:"at,omitempty"`
	Reason     string    `json:"reason,omitempty" msgpack:"reason,omitempty"`
	IncidentID uuid.UUID `json:"incident_id,omitempty" msgpack:"incident_id,omitempty"`
}

func RunningState() ProcessState { return ProcessState{Kind: StateRunning} }

func CompletedState(at int64) ProcessState { return ProcessState{Kind: StateCompleted, At: at} }

func CancelledState(reason string, at int64) ProcessState {
	return ProcessState{Kind: StateCancelled, Reason: reason, At: at}
}

func TerminatedState(at int64) ProcessState { return ProcessState{Kind: StateTerminated, At: at} }

func FailedState(incidentID uuid.UUID) ProcessState {
	return ProcessState{Kind: StateFailed, IncidentID: incidentID}
}

// Terminal reports whether fibers of the instance may still execute.
// Once terminal, resume events for the instance are discarded.
func (s ProcessState) Terminal() bool { return s.Kind != StateRunning }

// ProcessInstance is the unit of durable state: one running execution of
// a compiled program. It exclusively owns its fibers, flags, counters and
// dynamic join expectations; nothing mutates them except a fiber of the
// instance executing under the engine's per-instance serialization.
type ProcessInstance struct {
	ID                uuid.UUID            `json:"instance_id" msgpack:"instance_id"`
	ProcessKey        string               `json:"process_key" msgpack:"process_key"`
	BytecodeVersion   Version              `json:"bytecode_version" msgpack:"bytecode_version"`
	DomainPayload     []byte               `json:"domain_payload" msgpack:"domain_payload"`
	DomainPayloadHash api.Hash             `json:"domain_payload_hash" msgpack:"domain_payload_hash"`
	Flags             map[FlagKey]Value    `json:"flags" msgpack:"flags"`
	Counters          map[CounterID]uint32 `json:"counters" msgpack:"counters"`
	JoinExpected      map[JoinID]uint16    `json:"join_expected" msgpack:"join_expected"`
	State             ProcessState         `json:"state" msgpack:"state"`
	CorrelationID     string               `json:"correlation_id" msgpack:"correlation_id"`
	CreatedAt         int64                `json:"created_at" msgpack:"created_at"`
}

// NewInstance creates a running instance with the payload hashed for
// audit. The payload itself stays opaque.
func NewInstance(id uuid.UUID, processKey string, version Version, payload []byte, correlationID string, at int64) *ProcessInstance {
	return &ProcessInstance{
		ID:                id,
		ProcessKey:        processKey,
		BytecodeVersion:   version,
		DomainPayload:     payload,
		DomainPayloadHash: api.HashBytes(payload),
		Flags:             make(map[FlagKey]Value),
		Counters:          make(map[CounterID]uint32),
		JoinExpected:      make(map[JoinID]uint16),
		State:             RunningState(),
		CorrelationID:     correlationID,
		CreatedAt:         at,
	}
}

// Flag returns the flag value, defaulting to false for unset keys.
func (pi *ProcessInstance) Flag(key FlagKey) Value {
	if v, ok := pi.Flags[key]; ok {
		return v
	}
	return api.Bool(false)
}

// WireFlags projects the instance flags into their wire form for a job
// activation.
func (pi *ProcessInstance) WireFlags() api.OrchFlags {
	out := make(api.OrchFlags, len(pi.Flags))
	for k, v := range pi.Flags {
		out[api.FlagWireKey(k)] = v
	}
	return out
}

// Incident is the durable record of an unrecoverable execution failure,
// parked until external resolution.
type Incident struct {
	ID                uuid.UUID      `json:"incident_id" msgpack:"incident_id"`
	ProcessInstanceID uuid.UUID      `json:"process_instance_id" msgpack:"process_instance_id"`
	FiberID           uuid.UUID      `json:"fiber_id" msgpack:"fiber_id"`
	ServiceTaskID     string         `json:"service_task_id" msgpack:"service_task_id"`
	BytecodeAddr      Addr           `json:"bytecode_addr" msgpack:"bytecode_addr"`
	ErrorClass        api.ErrorClass `json:"error_class" msgpack:"error_class"`
	Message           string         `json:"message" msgpack:"message"`
	RetryCount        int            `json:"retry_count" msgpack:"retry_count"`
	CreatedAt         int64          `json:"created_at" msgpack:"created_at"`
	ResolvedAt        *int64         `json:"resolved_at,omitempty" msgpack:"resolved_at,omitempty"`
	Resolution        string         `json:"resolution,omitempty" msgpack:"resolution,omitempty"`
}
