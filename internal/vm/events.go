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

// EventKind names a runtime audit event.
type EventKind string

const (
	EvInstanceStarted     EventKind = "InstanceStarted"
	EvCompleted           EventKind = "Completed"
	EvCancelled           EventKind = "Cancelled"
	EvTerminated          EventKind = "Terminated"
	EvFiberSpawned        EventKind = "FiberSpawned"
	EvForked              EventKind = "Forked"
	EvInclusiveForkTaken  EventKind = "InclusiveForkTaken"
	EvJoinArrived         EventKind = "JoinArrived"
	EvJoinReleased        EventKind = "JoinReleased"
	EvFlagSet             EventKind = "FlagSet"
	EvCounterIncremented  EventKind = "CounterIncremented"
	EvJobActivated        EventKind = "JobActivated"
	EvJobCompleted        EventKind = "JobCompleted"
	EvJobRetried          EventKind = "JobRetried"
	EvWaitTimerSet        EventKind = "WaitTimerSet"
	EvTimerFired          EventKind = "TimerFired"
	EvWaitMsgSubscribed   EventKind = "WaitMsgSubscribed"
	EvMsgReceived         EventKind = "MsgReceived"
	EvWaitCancelled       EventKind = "WaitCancelled"
	EvRaceRegistered      EventKind = "RaceRegistered"
	EvRaceWon             EventKind = "RaceWon"
	EvRaceCancelled       EventKind = "RaceCancelled"
	EvBoundaryFired       EventKind = "BoundaryFired"
	EvTimerCycleIteration EventKind = "TimerCycleIteration"
	EvTimerCycleExhausted EventKind = "TimerCycleExhausted"
	EvErrorRouted         EventKind = "ErrorRouted"
	EvIncidentCreated     EventKind = "IncidentCreated"
	EvIncidentResolved    EventKind = "IncidentResolved"
	EvSignalIgnored       EventKind = "SignalIgnored"
)

// Event is one append-only audit record. The field set is shared across
// kinds; unused fields stay zero. Domain payloads never appear here, only
// their hashes.
type Event struct {
	Kind EventKind `json:"kind" msgpack:"kind"`
	AtMS int64     `json:"at_ms" msgpack:"at_ms"`

	FiberID        uuid.UUID   `json:"fiber_id,omitempty" msgpack:"fiber_id,omitempty"`
	SpawnedFiberID uuid.UUID   `json:"spawned_fiber_id,omitempty" msgpack:"spawned_fiber_id,omitempty"`
	ChildFiberIDs  []uuid.UUID `json:"child_fiber_ids,omitempty" msgpack:"child_fiber_ids,omitempty"`
	IncidentID     uuid.UUID   `json:"incident_id,omitempty" msgpack:"incident_id,omitempty"`

	Addr    Addr   `json:"addr,omitempty" msgpack:"addr,omitempty"`
	Targets []Addr `json:"targets,omitempty" msgpack:"targets,omitempty"`

	JoinID   JoinID    `json:"join_id,omitempty" msgpack:"join_id,omitempty"`
	RaceID   RaceID    `json:"race_id,omitempty" msgpack:"race_id,omitempty"`
	Flag     FlagKey   `json:"flag,omitempty" msgpack:"flag,omitempty"`
	Counter  CounterID `json:"counter,omitempty" msgpack:"counter,omitempty"`
	Name     MsgName   `json:"name,omitempty" msgpack:"name,omitempty"`
	Value    Value     `json:"value,omitempty" msgpack:"value,omitempty"`
	Count    uint32    `json:"count,omitempty" msgpack:"count,omitempty"`
	ArmIndex int       `json:"arm_index,omitempty" msgpack:"arm_index,omitempty"`

	JobKey      string   `json:"job_key,omitempty" msgpack:"job_key,omitempty"`
	ElementID   string   `json:"element_id,omitempty" msgpack:"element_id,omitempty"`
	PayloadHash api.Hash `json:"payload_hash,omitempty" msgpack:"payload_hash,omitempty"`

	Detail string `json:"detail,omitempty" msgpack:"detail,omitempty"`
}

// SeqEvent is an event with its log sequence number, as read back from a
// store.
type SeqEvent struct {
	Seq   uint64 `json:"seq" msgpack:"seq"`
	Event Event  `json:"event" msgpack:"event"`
}
