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

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/flowlite/flowlite/api"
	"github.com/flowlite/flowlite/internal/vm"
)

type queuedJob struct {
	activation *api.JobActivation
	notBefore  int64
	inflight   bool
	order      uint64
}

// MemoryStore is a mutex-guarded in-memory Store.
type MemoryStore struct {
	mu sync.Mutex

	programs  map[vm.Version]*vm.CompiledProgram
	latest    map[string]vm.Version
	instances map[uuid.UUID]*vm.ProcessInstance
	fibers    map[uuid.UUID]map[uuid.UUID]*vm.Fiber
	joins     map[uuid.UUID]map[vm.JoinID]uint16
	jobs      map[string]*queuedJob
	dedupe    map[string]*api.JobCompletion
	incidents map[uuid.UUID]*vm.Incident
	events    map[uuid.UUID][]vm.SeqEvent
	jobOrder  uint64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		programs:  make(map[vm.Version]*vm.CompiledProgram),
		latest:    make(map[string]vm.Version),
		instances: make(map[uuid.UUID]*vm.ProcessInstance),
		fibers:    make(map[uuid.UUID]map[uuid.UUID]*vm.Fiber),
		joins:     make(map[uuid.UUID]map[vm.JoinID]uint16),
		jobs:      make(map[string]*queuedJob),
		dedupe:    make(map[string]*api.JobCompletion),
		incidents: make(map[uuid.UUID]*vm.Incident),
		events:    make(map[uuid.UUID][]vm.SeqEvent),
	}
}

func (s *MemoryStore) SaveProgram(_ context.Context, processKey string, program *vm.CompiledProgram) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.programs[program.BytecodeVersion] = program
	s.latest[processKey] = program.BytecodeVersion
	return nil
}

func (s *MemoryStore) GetProgram(_ context.Context, version vm.Version) (*vm.CompiledProgram, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.programs[version]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) LatestVersion(_ context.Context, processKey string) (vm.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.latest[processKey]
	if !ok {
		return vm.Version{}, ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) SaveInstance(_ context.Context, instance *vm.ProcessInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[instance.ID] = instance
	return nil
}

func (s *MemoryStore) GetInstance(_ context.Context, id uuid.UUID) (*vm.ProcessInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inst, nil
}

func (s *MemoryStore) RunningInstances(_ context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, inst := range s.instances {
		if !inst.State.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (s *MemoryStore) SaveFiber(_ context.Context, instanceID uuid.UUID, fiber *vm.Fiber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.fibers[instanceID]
	if !ok {
		byID = make(map[uuid.UUID]*vm.Fiber)
		s.fibers[instanceID] = byID
	}
	byID[fiber.ID] = fiber
	return nil
}

func (s *MemoryStore) GetFiber(_ context.Context, instanceID, fiberID uuid.UUID) (*vm.Fiber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.fibers[instanceID][fiberID]
	if !ok {
		return nil, ErrNotFound
	}
	return f, nil
}

func (s *MemoryStore) DeleteFiber(_ context.Context, instanceID, fiberID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fibers[instanceID], fiberID)
	return nil
}

func (s *MemoryStore) ListFibers(_ context.Context, instanceID uuid.UUID) ([]*vm.Fiber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fibers := make([]*vm.Fiber, 0, len(s.fibers[instanceID]))
	for _, f := range s.fibers[instanceID] {
		fibers = append(fibers, f)
	}
	// Stable order keeps scheduling deterministic for a given fiber set.
	sort.Slice(fibers, func(i, j int) bool {
		return fibers[i].ID.String() < fibers[j].ID.String()
	})
	return fibers, nil
}

func (s *MemoryStore) DeleteAllFibers(_ context.Context, instanceID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fibers, instanceID)
	delete(s.joins, instanceID)
	return nil
}

func (s *MemoryStore) JoinArrive(_ context.Context, instanceID uuid.UUID, joinID vm.JoinID) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byJoin, ok := s.joins[instanceID]
	if !ok {
		byJoin = make(map[vm.JoinID]uint16)
		s.joins[instanceID] = byJoin
	}
	byJoin[joinID]++
	return byJoin[joinID], nil
}

func (s *MemoryStore) JoinReset(_ context.Context, instanceID uuid.UUID, joinID vm.JoinID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.joins[instanceID], joinID)
	return nil
}

func (s *MemoryStore) EnqueueJob(ctx context.Context, activation *api.JobActivation) error {
	return s.EnqueueJobDelayed(ctx, activation, 0)
}

func (s *MemoryStore) EnqueueJobDelayed(_ context.Context, activation *api.JobActivation, notBeforeMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobOrder++
	s.jobs[activation.JobKey] = &queuedJob{
		activation: activation,
		notBefore:  notBeforeMS,
		order:      s.jobOrder,
	}
	return nil
}

func (s *MemoryStore) ActivateJobs(_ context.Context, taskType string, max int, nowMS int64) ([]*api.JobActivation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ready []*queuedJob
	for _, job := range s.jobs {
		if job.inflight || job.activation.TaskType != taskType || job.notBefore > nowMS {
			continue
		}
		ready = append(ready, job)
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].order < ready[j].order })
	if max > 0 && len(ready) > max {
		ready = ready[:max]
	}
	out := make([]*api.JobActivation, 0, len(ready))
	for _, job := range ready {
		job.inflight = true
		out = append(out, job.activation)
	}
	return out, nil
}

func (s *MemoryStore) LookupJob(_ context.Context, jobKey string) (*api.JobActivation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobKey]
	if !ok {
		return nil, ErrNotFound
	}
	return job.activation, nil
}

func (s *MemoryStore) AckJob(_ context.Context, jobKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobKey)
	return nil
}

func (s *MemoryStore) PurgeJobs(_ context.Context, instanceID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := instanceID.String()
	for key, job := range s.jobs {
		if job.activation.ProcessInstanceID == id {
			delete(s.jobs, key)
		}
	}
	return nil
}

func (s *MemoryStore) DedupePut(_ context.Context, jobKey string, completion *api.JobCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedupe[jobKey] = completion
	return nil
}

func (s *MemoryStore) DedupeGet(_ context.Context, jobKey string) (*api.JobCompletion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dedupe[jobKey], nil
}

func (s *MemoryStore) SaveIncident(_ context.Context, incident *vm.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents[incident.ID] = incident
	return nil
}

func (s *MemoryStore) GetIncident(_ context.Context, id uuid.UUID) (*vm.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inc, nil
}

func (s *MemoryStore) OpenIncidents(_ context.Context, instanceID uuid.UUID) ([]*vm.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []*vm.Incident
	for _, inc := range s.incidents {
		if inc.ProcessInstanceID == instanceID && inc.ResolvedAt == nil {
			open = append(open, inc)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt < open[j].CreatedAt })
	return open, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, instanceID uuid.UUID, event *vm.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.events[instanceID]
	s.events[instanceID] = append(log, vm.SeqEvent{Seq: uint64(len(log)), Event: *event})
	return nil
}

func (s *MemoryStore) ReadEvents(_ context.Context, instanceID uuid.UUID, fromSeq uint64) ([]vm.SeqEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.events[instanceID]
	if fromSeq >= uint64(len(log)) {
		return nil, nil
	}
	out := make([]vm.SeqEvent, len(log)-int(fromSeq))
	copy(out, log[fromSeq:])
	return out, nil
}
