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
	"errors"
	"path/filepath"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/google/go-cmp/cmp"

	"github.com/flowlite/flowlite/api"
	"github.com/flowlite/flowlite/api/serde"
	"github.com/flowlite/flowlite/internal/vm"
)

// each test runs against both implementations
func stores(t *testing.T) map[string]Store {
	t.Helper()
	bolt, err := OpenBolt(filepath.Join(t.TempDir(), "flow.db"), &serde.MsgpackSerde{})
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	t.Cleanup(func() { bolt.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"bolt":   bolt,
	}
}

func TestProgramRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			program := &vm.CompiledProgram{
				Program: []vm.Instr{vm.PushBool(true), vm.End()},
				Strings: []string{"charge_card"},
				JoinPlan: map[vm.JoinID]vm.JoinPlanEntry{
					7: {Expected: 2, Next: 5},
				},
			}
			program.Seal()

			if err := s.SaveProgram(ctx, "order_process", program); err != nil {
				t.Fatalf("save: %v", err)
			}
			version, err := s.LatestVersion(ctx, "order_process")
			if err != nil {
				t.Fatalf("latest version: %v", err)
			}
			if version != program.BytecodeVersion {
				t.Fatalf("latest version = %s, want %s", version, program.BytecodeVersion)
			}
			got, err := s.GetProgram(ctx, version)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if diff := cmp.Diff(program, got); diff != "" {
				t.Errorf("program mismatch (-want +got):\n%s", diff)
			}

			if _, err := s.LatestVersion(ctx, "no_such_key"); !errors.Is(err, ErrNotFound) {
				t.Errorf("missing key err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestInstanceAndFiberLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			id := uuid.Must(uuid.NewV7())
			instance := vm.NewInstance(id, "order_process", vm.Version{1}, []byte(`{"v":1}`), "", 0)
			instance.Flags[3] = api.Bool(true)
			if err := s.SaveInstance(ctx, instance); err != nil {
				t.Fatalf("save instance: %v", err)
			}

			f1 := vm.NewFiber(uuid.Must(uuid.NewV7()), 0)
			f2 := vm.NewFiber(uuid.Must(uuid.NewV7()), 9)
			for _, f := range []*vm.Fiber{f1, f2} {
				if err := s.SaveFiber(ctx, id, f); err != nil {
					t.Fatalf("save fiber: %v", err)
				}
			}
			fibers, err := s.ListFibers(ctx, id)
			if err != nil {
				t.Fatalf("list fibers: %v", err)
			}
			if len(fibers) != 2 {
				t.Fatalf("got %d fibers, want 2", len(fibers))
			}

			if err := s.DeleteFiber(ctx, id, f1.ID); err != nil {
				t.Fatalf("delete fiber: %v", err)
			}
			if _, err := s.GetFiber(ctx, id, f1.ID); !errors.Is(err, ErrNotFound) {
				t.Errorf("deleted fiber err = %v, want ErrNotFound", err)
			}

			running, err := s.RunningInstances(ctx)
			if err != nil {
				t.Fatalf("running instances: %v", err)
			}
			if len(running) != 1 || running[0] != id {
				t.Fatalf("running = %v, want [%s]", running, id)
			}

			instance.State = vm.CompletedState(42)
			if err := s.SaveInstance(ctx, instance); err != nil {
				t.Fatalf("re-save instance: %v", err)
			}
			running, err = s.RunningInstances(ctx)
			if err != nil {
				t.Fatalf("running instances: %v", err)
			}
			if len(running) != 0 {
				t.Fatalf("running after completion = %v, want none", running)
			}
		})
	}
}

func TestJoinCounters(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			id := uuid.Must(uuid.NewV7())
			for want := uint16(1); want <= 3; want++ {
				got, err := s.JoinArrive(ctx, id, 11)
				if err != nil {
					t.Fatalf("arrive: %v", err)
				}
				if got != want {
					t.Fatalf("arrival count = %d, want %d", got, want)
				}
			}
			if err := s.JoinReset(ctx, id, 11); err != nil {
				t.Fatalf("reset: %v", err)
			}
			got, err := s.JoinArrive(ctx, id, 11)
			if err != nil {
				t.Fatalf("arrive after reset: %v", err)
			}
			if got != 1 {
				t.Fatalf("count after reset = %d, want 1", got)
			}
		})
	}
}

func TestJobQueueActivation(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			instID := uuid.Must(uuid.NewV7()).String()
			mk := func(key, taskType string) *api.JobActivation {
				return &api.JobActivation{JobKey: key, ProcessInstanceID: instID, TaskType: taskType}
			}
			if err := s.EnqueueJob(ctx, mk("a:t1:0:0", "charge")); err != nil {
				t.Fatal(err)
			}
			if err := s.EnqueueJob(ctx, mk("a:t2:4:0", "charge")); err != nil {
				t.Fatal(err)
			}
			if err := s.EnqueueJob(ctx, mk("a:t3:8:0", "ship")); err != nil {
				t.Fatal(err)
			}
			// held back by its not-before time
			if err := s.EnqueueJobDelayed(ctx, mk("a:t4:12:0", "charge"), 5_000); err != nil {
				t.Fatal(err)
			}

			jobs, err := s.ActivateJobs(ctx, "charge", 10, 1_000)
			if err != nil {
				t.Fatalf("activate: %v", err)
			}
			keys := make([]string, len(jobs))
			for i, j := range jobs {
				keys[i] = j.JobKey
			}
			if diff := cmp.Diff([]string{"a:t1:0:0", "a:t2:4:0"}, keys); diff != "" {
				t.Errorf("activated keys (-want +got):\n%s", diff)
			}

			// activated jobs are in flight, not re-deliverable
			jobs, err = s.ActivateJobs(ctx, "charge", 10, 1_000)
			if err != nil {
				t.Fatal(err)
			}
			if len(jobs) != 0 {
				t.Fatalf("re-activated %d jobs, want 0", len(jobs))
			}

			// the delayed job becomes ready once the clock passes
			jobs, err = s.ActivateJobs(ctx, "charge", 10, 6_000)
			if err != nil {
				t.Fatal(err)
			}
			if len(jobs) != 1 || jobs[0].JobKey != "a:t4:12:0" {
				t.Fatalf("delayed activation = %v, want [a:t4:12:0]", keys)
			}

			if err := s.AckJob(ctx, "a:t1:0:0"); err != nil {
				t.Fatalf("ack: %v", err)
			}
			if _, err := s.LookupJob(ctx, "a:t1:0:0"); !errors.Is(err, ErrNotFound) {
				t.Errorf("acked job err = %v, want ErrNotFound", err)
			}
			if _, err := s.LookupJob(ctx, "a:t2:4:0"); err != nil {
				t.Errorf("in-flight lookup: %v", err)
			}
		})
	}
}

func TestDedupe(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			got, err := s.DedupeGet(ctx, "missing")
			if err != nil {
				t.Fatal(err)
			}
			if got != nil {
				t.Fatalf("missing dedupe entry = %v, want nil", got)
			}

			completion := &api.JobCompletion{
				JobKey:        "a:t1:0:0",
				DomainPayload: []byte(`{"ok":true}`),
				OrchFlags:     api.OrchFlags{"flag_2": api.Bool(true)},
			}
			if err := s.DedupePut(ctx, completion.JobKey, completion); err != nil {
				t.Fatal(err)
			}
			got, err = s.DedupeGet(ctx, completion.JobKey)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(completion, got); diff != "" {
				t.Errorf("dedupe round trip (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEventLogOrderAndSeek(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			id := uuid.Must(uuid.NewV7())
			kinds := []vm.EventKind{vm.EvInstanceStarted, vm.EvFlagSet, vm.EvJobActivated, vm.EvCompleted}
			for _, k := range kinds {
				if err := s.AppendEvent(ctx, id, &vm.Event{Kind: k}); err != nil {
					t.Fatalf("append: %v", err)
				}
			}
			events, err := s.ReadEvents(ctx, id, 0)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if len(events) != len(kinds) {
				t.Fatalf("got %d events, want %d", len(events), len(kinds))
			}
			for i, ev := range events {
				if ev.Seq != uint64(i) || ev.Event.Kind != kinds[i] {
					t.Errorf("event %d = seq %d kind %s, want seq %d kind %s", i, ev.Seq, ev.Event.Kind, i, kinds[i])
				}
			}

			tail, err := s.ReadEvents(ctx, id, 2)
			if err != nil {
				t.Fatal(err)
			}
			if len(tail) != 2 || tail[0].Seq != 2 {
				t.Fatalf("tail read = %v, want 2 events from seq 2", tail)
			}
		})
	}
}

func TestIncidentQuery(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			instanceID := uuid.Must(uuid.NewV7())
			open := &vm.Incident{
				ID:                uuid.Must(uuid.NewV7()),
				ProcessInstanceID: instanceID,
				ErrorClass:        api.Transient(),
				Message:           "connection refused",
				CreatedAt:         100,
			}
			resolvedAt := int64(200)
			resolved := &vm.Incident{
				ID:                uuid.Must(uuid.NewV7()),
				ProcessInstanceID: instanceID,
				ErrorClass:        api.BusinessRejection("OUT_OF_STOCK"),
				CreatedAt:         50,
				ResolvedAt:        &resolvedAt,
			}
			for _, inc := range []*vm.Incident{open, resolved} {
				if err := s.SaveIncident(ctx, inc); err != nil {
					t.Fatalf("save incident: %v", err)
				}
			}
			got, err := s.OpenIncidents(ctx, instanceID)
			if err != nil {
				t.Fatalf("open incidents: %v", err)
			}
			if len(got) != 1 || got[0].ID != open.ID {
				t.Fatalf("open incidents = %v, want only %s", got, open.ID)
			}
		})
	}
}
