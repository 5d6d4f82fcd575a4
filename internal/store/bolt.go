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
	"encoding/binary"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.etcd.io/bbolt"

	"github.com/flowlite/flowlite/api"
	"github.com/flowlite/flowlite/api/serde"
	"github.com/flowlite/flowlite/internal/vm"
)

var (
	// programsBucketKey holds compiled programs keyed by bytecode
	// version (32 raw bytes).
	programsBucketKey = []byte("programs")

	// programKeysBucketKey maps a process key to its latest deployed
	// bytecode version.
	programKeysBucketKey = []byte("program_keys")

	// instancesBucketKey holds process instances keyed by UUID bytes.
	instancesBucketKey = []byte("instances")

	// fibersBucketKey holds one child bucket per instance; within it,
	// fibers keyed by fiber UUID bytes.
	fibersBucketKey = []byte("fibers")

	// joinsBucketKey holds one child bucket per instance; within it,
	// big-endian join IDs mapped to big-endian arrival counts.
	joinsBucketKey = []byte("joins")

	// jobsBucketKey holds queued job rows keyed by job key.
	jobsBucketKey = []byte("jobs")

	// dedupeBucketKey holds accepted completions keyed by job key.
	dedupeBucketKey = []byte("dedupe")

	// incidentsBucketKey holds incidents keyed by incident UUID bytes.
	incidentsBucketKey = []byte("incidents")

	// eventsBucketKey holds one child bucket per instance; within it,
	// big-endian sequence numbers mapped to event rows.
	eventsBucketKey = []byte("events")
)

// boltJobRow is the persisted envelope around a queued activation.
type boltJobRow struct {
	Activation  *api.JobActivation `msgpack:"activation"`
	NotBeforeMS int64              `msgpack:"not_before_ms"`
	Inflight    bool               `msgpack:"inflight"`
	Order       uint64             `msgpack:"order"`
}

// BoltStore is a Store on a single bbolt file. All writes go through
// bbolt's single-writer transaction, which is what gives the engine its
// per-instance atomicity.
type BoltStore struct {
	db    *bbolt.DB
	codec serde.BinarySerde
}

var _ Store = (*BoltStore)(nil)

// OpenBolt opens (or creates) the database file and ensures all buckets
// exist.
func OpenBolt(path string, codec serde.BinarySerde) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, key := range [][]byte{
			programsBucketKey, programKeysBucketKey, instancesBucketKey,
			fibersBucketKey, joinsBucketKey, jobsBucketKey,
			dedupeBucketKey, incidentsBucketKey, eventsBucketKey,
		} {
			if _, err := tx.CreateBucketIfNotExists(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bolt buckets: %w", err)
	}
	return &BoltStore{db: db, codec: codec}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) SaveProgram(_ context.Context, processKey string, program *vm.CompiledProgram) error {
	row, err := s.codec.SerializeBinary(program)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(programsBucketKey).Put(program.BytecodeVersion[:], row); err != nil {
			return err
		}
		return tx.Bucket(programKeysBucketKey).Put([]byte(processKey), program.BytecodeVersion[:])
	})
}

func (s *BoltStore) GetProgram(_ context.Context, version vm.Version) (*vm.CompiledProgram, error) {
	var program *vm.CompiledProgram
	err := s.db.View(func(tx *bbolt.Tx) error {
		row := tx.Bucket(programsBucketKey).Get(version[:])
		if row == nil {
			return ErrNotFound
		}
		program = new(vm.CompiledProgram)
		return s.codec.DeserializeBinary(row, program)
	})
	return program, err
}

func (s *BoltStore) LatestVersion(_ context.Context, processKey string) (vm.Version, error) {
	var version vm.Version
	err := s.db.View(func(tx *bbolt.Tx) error {
		row := tx.Bucket(programKeysBucketKey).Get([]byte(processKey))
		if row == nil {
			return ErrNotFound
		}
		copy(version[:], row)
		return nil
	})
	return version, err
}

func (s *BoltStore) SaveInstance(_ context.Context, instance *vm.ProcessInstance) error {
	row, err := s.codec.SerializeBinary(instance)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(instancesBucketKey).Put(instance.ID.Bytes(), row)
	})
}

func (s *BoltStore) GetInstance(_ context.Context, id uuid.UUID) (*vm.ProcessInstance, error) {
	var instance *vm.ProcessInstance
	err := s.db.View(func(tx *bbolt.Tx) error {
		row := tx.Bucket(instancesBucketKey).Get(id.Bytes())
		if row == nil {
			return ErrNotFound
		}
		instance = new(vm.ProcessInstance)
		return s.codec.DeserializeBinary(row, instance)
	})
	return instance, err
}

func (s *BoltStore) RunningInstances(_ context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(instancesBucketKey).ForEach(func(_, row []byte) error {
			var instance vm.ProcessInstance
			if err := s.codec.DeserializeBinary(row, &instance); err != nil {
				return err
			}
			if !instance.State.Terminal() {
				ids = append(ids, instance.ID)
			}
			return nil
		})
	})
	return ids, err
}

func (s *BoltStore) SaveFiber(_ context.Context, instanceID uuid.UUID, fiber *vm.Fiber) error {
	row, err := s.codec.SerializeBinary(fiber)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(fibersBucketKey).CreateBucketIfNotExists(instanceID.Bytes())
		if err != nil {
			return err
		}
		return b.Put(fiber.ID.Bytes(), row)
	})
}

func (s *BoltStore) GetFiber(_ context.Context, instanceID, fiberID uuid.UUID) (*vm.Fiber, error) {
	var fiber *vm.Fiber
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(fibersBucketKey).Bucket(instanceID.Bytes())
		if b == nil {
			return ErrNotFound
		}
		row := b.Get(fiberID.Bytes())
		if row == nil {
			return ErrNotFound
		}
		fiber = new(vm.Fiber)
		return s.codec.DeserializeBinary(row, fiber)
	})
	return fiber, err
}

func (s *BoltStore) DeleteFiber(_ context.Context, instanceID, fiberID uuid.UUID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(fibersBucketKey).Bucket(instanceID.Bytes())
		if b == nil {
			return nil
		}
		return b.Delete(fiberID.Bytes())
	})
}

func (s *BoltStore) ListFibers(_ context.Context, instanceID uuid.UUID) ([]*vm.Fiber, error) {
	var fibers []*vm.Fiber
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(fibersBucketKey).Bucket(instanceID.Bytes())
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, row []byte) error {
			fiber := new(vm.Fiber)
			if err := s.codec.DeserializeBinary(row, fiber); err != nil {
				return err
			}
			fibers = append(fibers, fiber)
			return nil
		})
	})
	return fibers, err
}

func (s *BoltStore) DeleteAllFibers(_ context.Context, instanceID uuid.UUID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, root := range [][]byte{fibersBucketKey, joinsBucketKey} {
			if tx.Bucket(root).Bucket(instanceID.Bytes()) == nil {
				continue
			}
			if err := tx.Bucket(root).DeleteBucket(instanceID.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) JoinArrive(_ context.Context, instanceID uuid.UUID, joinID vm.JoinID) (uint16, error) {
	var count uint16
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(joinsBucketKey).CreateBucketIfNotExists(instanceID.Bytes())
		if err != nil {
			return err
		}
		key := u32Key(uint32(joinID))
		if row := b.Get(key); row != nil {
			count = binary.BigEndian.Uint16(row)
		}
		count++
		var row [2]byte
		binary.BigEndian.PutUint16(row[:], count)
		return b.Put(key, row[:])
	})
	return count, err
}

func (s *BoltStore) JoinReset(_ context.Context, instanceID uuid.UUID, joinID vm.JoinID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(joinsBucketKey).Bucket(instanceID.Bytes())
		if b == nil {
			return nil
		}
		return b.Delete(u32Key(uint32(joinID)))
	})
}

func (s *BoltStore) EnqueueJob(ctx context.Context, activation *api.JobActivation) error {
	return s.EnqueueJobDelayed(ctx, activation, 0)
}

func (s *BoltStore) EnqueueJobDelayed(_ context.Context, activation *api.JobActivation, notBeforeMS int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(jobsBucketKey)
		order, err := b.NextSequence()
		if err != nil {
			return err
		}
		row, err := s.codec.SerializeBinary(&boltJobRow{
			Activation:  activation,
			NotBeforeMS: notBeforeMS,
			Order:       order,
		})
		if err != nil {
			return err
		}
		return b.Put([]byte(activation.JobKey), row)
	})
}

func (s *BoltStore) ActivateJobs(_ context.Context, taskType string, max int, nowMS int64) ([]*api.JobActivation, error) {
	var out []*api.JobActivation
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(jobsBucketKey)

		var ready []*boltJobRow
		if err := b.ForEach(func(_, rowBytes []byte) error {
			row := new(boltJobRow)
			if err := s.codec.DeserializeBinary(rowBytes, row); err != nil {
				return err
			}
			if row.Inflight || row.Activation.TaskType != taskType || row.NotBeforeMS > nowMS {
				return nil
			}
			ready = append(ready, row)
			return nil
		}); err != nil {
			return err
		}

		// Oldest first; the insertion sequence is the FIFO order.
		for i := 1; i < len(ready); i++ {
			for j := i; j > 0 && ready[j].Order < ready[j-1].Order; j-- {
				ready[j], ready[j-1] = ready[j-1], ready[j]
			}
		}
		if max > 0 && len(ready) > max {
			ready = ready[:max]
		}
		for _, row := range ready {
			row.Inflight = true
			rowBytes, err := s.codec.SerializeBinary(row)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(row.Activation.JobKey), rowBytes); err != nil {
				return err
			}
			out = append(out, row.Activation)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) LookupJob(_ context.Context, jobKey string) (*api.JobActivation, error) {
	var activation *api.JobActivation
	err := s.db.View(func(tx *bbolt.Tx) error {
		rowBytes := tx.Bucket(jobsBucketKey).Get([]byte(jobKey))
		if rowBytes == nil {
			return ErrNotFound
		}
		row := new(boltJobRow)
		if err := s.codec.DeserializeBinary(rowBytes, row); err != nil {
			return err
		}
		activation = row.Activation
		return nil
	})
	return activation, err
}

func (s *BoltStore) AckJob(_ context.Context, jobKey string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(jobsBucketKey).Delete([]byte(jobKey))
	})
}

func (s *BoltStore) PurgeJobs(_ context.Context, instanceID uuid.UUID) error {
	id := instanceID.String()
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(jobsBucketKey)
		var doomed [][]byte
		if err := b.ForEach(func(key, rowBytes []byte) error {
			row := new(boltJobRow)
			if err := s.codec.DeserializeBinary(rowBytes, row); err != nil {
				return err
			}
			if row.Activation.ProcessInstanceID == id {
				doomed = append(doomed, append([]byte(nil), key...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, key := range doomed {
			if err := b.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) DedupePut(_ context.Context, jobKey string, completion *api.JobCompletion) error {
	row, err := s.codec.SerializeBinary(completion)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(dedupeBucketKey).Put([]byte(jobKey), row)
	})
}

func (s *BoltStore) DedupeGet(_ context.Context, jobKey string) (*api.JobCompletion, error) {
	var completion *api.JobCompletion
	err := s.db.View(func(tx *bbolt.Tx) error {
		row := tx.Bucket(dedupeBucketKey).Get([]byte(jobKey))
		if row == nil {
			return nil
		}
		completion = new(api.JobCompletion)
		return s.codec.DeserializeBinary(row, completion)
	})
	return completion, err
}

func (s *BoltStore) SaveIncident(_ context.Context, incident *vm.Incident) error {
	row, err := s.codec.SerializeBinary(incident)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(incidentsBucketKey).Put(incident.ID.Bytes(), row)
	})
}

func (s *BoltStore) GetIncident(_ context.Context, id uuid.UUID) (*vm.Incident, error) {
	var incident *vm.Incident
	err := s.db.View(func(tx *bbolt.Tx) error {
		row := tx.Bucket(incidentsBucketKey).Get(id.Bytes())
		if row == nil {
			return ErrNotFound
		}
		incident = new(vm.Incident)
		return s.codec.DeserializeBinary(row, incident)
	})
	return incident, err
}

func (s *BoltStore) OpenIncidents(_ context.Context, instanceID uuid.UUID) ([]*vm.Incident, error) {
	var open []*vm.Incident
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(incidentsBucketKey).ForEach(func(_, row []byte) error {
			incident := new(vm.Incident)
			if err := s.codec.DeserializeBinary(row, incident); err != nil {
				return err
			}
			if incident.ProcessInstanceID == instanceID && incident.ResolvedAt == nil {
				open = append(open, incident)
			}
			return nil
		})
	})
	return open, err
}

func (s *BoltStore) AppendEvent(_ context.Context, instanceID uuid.UUID, event *vm.Event) error {
	row, err := s.codec.SerializeBinary(event)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(eventsBucketKey).CreateBucketIfNotExists(instanceID.Bytes())
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq-1)
		return b.Put(key[:], row)
	})
}

func (s *BoltStore) ReadEvents(_ context.Context, instanceID uuid.UUID, fromSeq uint64) ([]vm.SeqEvent, error) {
	var out []vm.SeqEvent
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(eventsBucketKey).Bucket(instanceID.Bytes())
		if b == nil {
			return nil
		}
		var from [8]byte
		binary.BigEndian.PutUint64(from[:], fromSeq)
		c := b.Cursor()
		for k, row := c.Seek(from[:]); k != nil; k, row = c.Next() {
			var event vm.Event
			if err := s.codec.DeserializeBinary(row, &event); err != nil {
				return err
			}
			out = append(out, vm.SeqEvent{Seq: binary.BigEndian.Uint64(k), Event: event})
		}
		return nil
	})
	return out, err
}

func u32Key(v uint32) []byte {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], v)
	return key[:]
}
