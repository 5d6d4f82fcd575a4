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

// Package store persists programs, instances, fibers, the job queue and
// the per-instance event log. Two implementations exist: MemoryStore for
// tests and embedded use, BoltStore on bbolt for durable single-node
// deployments.
package store

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"

	"github.com/flowlite/flowlite/api"
	"github.com/flowlite/flowlite/internal/vm"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrVersionMismatch is returned when a start references a process key
// whose deployed program hash does not match the requested version.
var ErrVersionMismatch = errors.New("store: bytecode version mismatch")

// Store is the full persistence surface of the engine. It embeds the
// interpreter-facing subset so a Store can be handed to the interpreter
// directly.
type Store interface {
	vm.ProcessStore

	// Programs are content-addressed by bytecode version; a process key
	// additionally points at its latest deployed version.
	SaveProgram(ctx context.Context, processKey string, program *vm.CompiledProgram) error
	GetProgram(ctx context.Context, version vm.Version) (*vm.CompiledProgram, error)
	LatestVersion(ctx context.Context, processKey string) (vm.Version, error)

	SaveInstance(ctx context.Context, instance *vm.ProcessInstance) error
	GetInstance(ctx context.Context, id uuid.UUID) (*vm.ProcessInstance, error)
	// RunningInstances lists instances whose state is non-terminal.
	RunningInstances(ctx context.Context) ([]uuid.UUID, error)

	GetFiber(ctx context.Context, instanceID, fiberID uuid.UUID) (*vm.Fiber, error)
	ListFibers(ctx context.Context, instanceID uuid.UUID) ([]*vm.Fiber, error)
	DeleteAllFibers(ctx context.Context, instanceID uuid.UUID) error

	// EnqueueJobDelayed holds the activation back until notBeforeMS;
	// used for transient-retry backoff.
	EnqueueJobDelayed(ctx context.Context, activation *api.JobActivation, notBeforeMS int64) error
	// ActivateJobs moves up to max ready jobs of the task type from
	// pending to in-flight and returns them.
	ActivateJobs(ctx context.Context, taskType string, max int, nowMS int64) ([]*api.JobActivation, error)
	// LookupJob finds a pending or in-flight activation by key.
	LookupJob(ctx context.Context, jobKey string) (*api.JobActivation, error)
	// AckJob removes a settled activation from the queue.
	AckJob(ctx context.Context, jobKey string) error
	// PurgeJobs drops every pending and in-flight activation belonging
	// to one instance; used on cancel and terminate.
	PurgeJobs(ctx context.Context, instanceID uuid.UUID) error

	// DedupePut records a validated completion so redeliveries of the
	// same job key replay it instead of re-enqueueing.
	DedupePut(ctx context.Context, jobKey string, completion *api.JobCompletion) error

	GetIncident(ctx context.Context, id uuid.UUID) (*vm.Incident, error)
	SaveIncident(ctx context.Context, incident *vm.Incident) error
	OpenIncidents(ctx context.Context, instanceID uuid.UUID) ([]*vm.Incident, error)

	// ReadEvents returns the instance's event log from fromSeq
	// (inclusive) in append order.
	ReadEvents(ctx context.Context, instanceID uuid.UUID, fromSeq uint64) ([]vm.SeqEvent, error)
}
