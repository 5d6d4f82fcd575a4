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

// Package api defines the wire contract between the flowlite engine, its
// external job workers, and the collaborators that deliver timer and
// message resume events. Everything here crosses a process boundary and is
// serialized with api/serde.
package api

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hash is a sha256 content hash. Domain payloads are opaque to the engine;
// only their hash is carried for audit.
type Hash [32]byte

func HashBytes(data []byte) Hash {
	return sha256.Sum256(data)
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ValueKind discriminates the closed Value union.
type ValueKind uint8

const (
	ValueBool ValueKind = iota
	ValueI64
	ValueStr
	ValueRef
)

// Value is the orchestration-level scalar used for branching, flags and
// message correlation. Strings are interned: Str indexes the compiled
// program's string table. No variant holds domain data.
type Value struct {
	Kind ValueKind `json:"kind" msgpack:"k"`
	Bool bool      `json:"bool,omitempty" msgpack:"b,omitempty"`
	I64  int64     `json:"i64,omitempty" msgpack:"i,omitempty"`
	Str  uint32    `json:"str,omitempty" msgpack:"s,omitempty"`
	Ref  uint64    `json:"ref,omitempty" msgpack:"r,omitempty"`
}

func Bool(b bool) Value  { return Value{Kind: ValueBool, Bool: b} }
func I64(n int64) Value  { return Value{Kind: ValueI64, I64: n} }
func Str(id uint32) Value { return Value{Kind: ValueStr, Str: id} }
func Ref(id uint64) Value { return Value{Kind: ValueRef, Ref: id} }

// Truthy reports the branching interpretation of a value: false and zero
// are falsy, interned strings and refs are always truthy.
func (v Value) Truthy() bool {
	switch v.Kind {
	case ValueBool:
		return v.Bool
	case ValueI64:
		return v.I64 != 0
	default:
		return true
	}
}

func (v Value) Equal(o Value) bool { return v == o }

// OrchFlags is the wire projection of instance flags: keys are
// "flag_<key>" strings so workers never depend on the numeric key space.
type OrchFlags map[string]Value

// FlagWireKey renders a numeric flag key in wire form.
func FlagWireKey(key uint32) string {
	return fmt.Sprintf("flag_%d", key)
}

// ErrorClassKind is the failure taxonomy of the job delegation protocol.
type ErrorClassKind string

const (
	// ErrorTransient failures are retried within the activation's budget,
	// then become incidents.
	ErrorTransient ErrorClassKind = "transient"
	// ErrorContractViolation marks a breach of the engine/worker contract
	// (write-set violation, malformed completion). Never retried.
	ErrorContractViolation ErrorClassKind = "contract_violation"
	// ErrorBusinessRejection is a domain-level refusal, routed through the
	// program's declared error routes when one matches.
	ErrorBusinessRejection ErrorClassKind = "business_rejection"
)

type ErrorClass struct {
	Kind          ErrorClassKind `json:"kind" msgpack:"kind"`
	RejectionCode string         `json:"rejection_code,omitempty" msgpack:"rejection_code,omitempty"`
}

func Transient() ErrorClass         { return ErrorClass{Kind: ErrorTransient} }
func ContractViolation() ErrorClass { return ErrorClass{Kind: ErrorContractViolation} }
func BusinessRejection(code string) ErrorClass {
	return ErrorClass{Kind: ErrorBusinessRejection, RejectionCode: code}
}

// JobActivation is the request half of the job delegation protocol. The
// job key is the idempotency key: workers must be idempotent per key, the
// engine may redeliver on transient failure.
type JobActivation struct {
	JobKey            string    `json:"job_key" msgpack:"job_key"`
	ProcessInstanceID string    `json:"process_instance_id" msgpack:"process_instance_id"`
	TaskType          string    `json:"task_type" msgpack:"task_type"`
	ServiceTaskID     string    `json:"service_task_id" msgpack:"service_task_id"`
	DomainPayload     []byte    `json:"domain_payload" msgpack:"domain_payload"`
	DomainPayloadHash Hash      `json:"domain_payload_hash" msgpack:"domain_payload_hash"`
	OrchFlags         OrchFlags `json:"orch_flags" msgpack:"orch_flags"`
	RetriesRemaining  int       `json:"retries_remaining" msgpack:"retries_remaining"`
}

// JobCompletion is the success reply, correlated solely by JobKey. The
// engine accepts OrchFlags verbatim subject to the task type's write set
// and never inspects DomainPayload.
type JobCompletion struct {
	JobKey            string    `json:"job_key" msgpack:"job_key"`
	DomainPayload     []byte    `json:"domain_payload" msgpack:"domain_payload"`
	DomainPayloadHash Hash      `json:"domain_payload_hash" msgpack:"domain_payload_hash"`
	OrchFlags         OrchFlags `json:"orch_flags" msgpack:"orch_flags"`
}

// JobFailure is the failure reply. RetryHintMS is honored as a delay
// before redelivery when the class is transient.
type JobFailure struct {
	JobKey      string     `json:"job_key" msgpack:"job_key"`
	ErrorClass  ErrorClass `json:"error_class" msgpack:"error_class"`
	Message     string     `json:"message" msgpack:"message"`
	RetryHintMS uint64     `json:"retry_hint_ms,omitempty" msgpack:"retry_hint_ms,omitempty"`
}

// TimerFired is an external resume event. Delivery is expected
// exactly-once per logical fire; duplicates for resolved waits are no-ops.
type TimerFired struct {
	InstanceID string `json:"instance_id" msgpack:"instance_id"`
	DeadlineMS uint64 `json:"deadline_ms" msgpack:"deadline_ms"`
}

// MessageArrived is an external resume event carrying message
// correlation. Name is the program's interned message name.
type MessageArrived struct {
	InstanceID        string `json:"instance_id" msgpack:"instance_id"`
	Name              uint32 `json:"name" msgpack:"name"`
	CorrKey           Value  `json:"corr_key" msgpack:"corr_key"`
	DomainPayload     []byte `json:"domain_payload,omitempty" msgpack:"domain_payload,omitempty"`
	DomainPayloadHash Hash   `json:"domain_payload_hash,omitempty" msgpack:"domain_payload_hash,omitempty"`
}

type CommandType string

const (
	DeployProgramCommand   CommandType = "DeployProgram"
	StartProcessCommand    CommandType = "StartProcess"
	CancelProcessCommand   CommandType = "CancelProcess"
	SignalCommand          CommandType = "Signal"
	ResolveIncidentCommand CommandType = "ResolveIncident"
)

// Command is the request envelope on the command subject. Attributes is a
// serde-encoded payload matching CommandType.
type Command struct {
	CommandType CommandType `json:"type" msgpack:"type"`
	Attributes  []byte      `json:"attributes" msgpack:"attributes"`
}

type (
	// DeployProgramAttributes carries a serde-encoded compiled program
	// artifact. The engine treats it as opaque until decoded against the
	// bytecode schema.
	DeployProgramAttributes struct {
		ProcessKey string `json:"process_key" msgpack:"process_key"`
		Program    []byte `json:"program" msgpack:"program"`
	}

	DeployProgramReply struct {
		Error           string `json:"error,omitempty" msgpack:"error,omitempty"`
		BytecodeVersion string `json:"bytecode_version" msgpack:"bytecode_version"`
	}

	StartProcessAttributes struct {
		ProcessKey      string `json:"process_key" msgpack:"process_key"`
		BytecodeVersion Hash   `json:"bytecode_version" msgpack:"bytecode_version"`
		DomainPayload   []byte `json:"domain_payload" msgpack:"domain_payload"`
		CorrelationID   string `json:"correlation_id" msgpack:"correlation_id"`
	}

	StartProcessReply struct {
		Error      string `json:"error,omitempty" msgpack:"error,omitempty"`
		InstanceID string `json:"instance_id" msgpack:"instance_id"`
	}

	CancelProcessAttributes struct {
		InstanceID string `json:"instance_id" msgpack:"instance_id"`
		Reason     string `json:"reason" msgpack:"reason"`
	}

	// ResolveIncidentAttributes carries an operator's verdict on an open
	// incident. Resolution is "retry" or "abort".
	ResolveIncidentAttributes struct {
		IncidentID string `json:"incident_id" msgpack:"incident_id"`
		Resolution string `json:"resolution" msgpack:"resolution"`
	}

	Ack struct {
		Error string `json:"error,omitempty" msgpack:"error,omitempty"`
	}
)
