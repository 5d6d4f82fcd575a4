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

package app

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/flowlite/flowlite/api"
)

func (m *Manager) ensureStreams(ctx context.Context) error {
	// Process event stream: the durable audit feed per instance.
	_, err := m.conn.EnsureStream(ctx, jetstream.StreamConfig{
		Name:      api.ProcessEventsStream,
		Subjects:  []string{api.EventFilterSubjectPattern},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure process events stream: %w", err)
	}

	// Job task stream: each activation is consumed by exactly one worker.
	_, err = m.conn.EnsureStream(ctx, jetstream.StreamConfig{
		Name:      api.JobTasksStream,
		Subjects:  []string{api.JobFilterSubjectPattern},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure job tasks stream: %w", err)
	}
	return nil
}
