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

package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestDebugHandlerWritesMessageAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(&DebugHandler{out: &buf, level: slog.LevelDebug})

	log.Info("instance started", "process_key", "order_process", "fibers", int64(1))

	out := buf.String()
	if !strings.Contains(out, "instance started") {
		t.Errorf("output missing message: %q", out)
	}
	if !strings.Contains(out, `process_key="order_process"`) {
		t.Errorf("output missing string attr: %q", out)
	}
	if !strings.Contains(out, "fibers=1") {
		t.Errorf("output missing int attr: %q", out)
	}
}

func TestDebugHandlerLevelGate(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(&DebugHandler{out: &buf, level: slog.LevelWarn})

	log.Debug("hidden")
	log.Info("also hidden")
	log.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("below-level records leaked: %q", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("warn record missing: %q", out)
	}
}

func TestDebugHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	base := &DebugHandler{out: &buf, level: slog.LevelDebug}
	log := slog.New(base).With("instance_id", "i-1")

	log.Info("tick")

	if !strings.Contains(buf.String(), `instance_id="i-1"`) {
		t.Errorf("inherited attr missing: %q", buf.String())
	}
}

func TestMultiHandlerFansOut(t *testing.T) {
	var a, b bytes.Buffer
	m := &MultiHandler{handlers: []slog.Handler{
		&DebugHandler{out: &a, level: slog.LevelDebug},
		&DebugHandler{out: &b, level: slog.LevelDebug},
	}}

	log := slog.New(m)
	log.Info("fan out")

	if !strings.Contains(a.String(), "fan out") || !strings.Contains(b.String(), "fan out") {
		t.Errorf("record not delivered to all handlers: a=%q b=%q", a.String(), b.String())
	}

	if !m.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("multi handler should be enabled when any child is")
	}
}
