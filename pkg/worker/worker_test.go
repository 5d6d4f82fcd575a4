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

package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/flowlite/flowlite/api"
)

func TestBuildFailureClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantKind  api.ErrorClassKind
		wantCode  string
		wantHint  uint64
		wantMsg   string
	}{
		{
			name:     "plain error is transient",
			err:      errors.New("connection refused"),
			wantKind: api.ErrorTransient,
			wantMsg:  "connection refused",
		},
		{
			name:     "wrapped transient carries retry hint",
			err:      RetryAfter(errors.New("rate limited"), 5*time.Second),
			wantKind: api.ErrorTransient,
			wantHint: 5000,
			wantMsg:  "rate limited",
		},
		{
			name:     "rejection routes with its code",
			err:      Reject("INSUFFICIENT_FUNDS", "balance too low"),
			wantKind: api.ErrorBusinessRejection,
			wantCode: "INSUFFICIENT_FUNDS",
			wantMsg:  "balance too low",
		},
		{
			name:     "rejection survives wrapping",
			err:      fmt.Errorf("charge step: %w", Reject("CARD_EXPIRED", "card expired")),
			wantKind: api.ErrorBusinessRejection,
			wantCode: "CARD_EXPIRED",
			wantMsg:  "card expired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failure := buildFailure("k", tt.err)
			if failure.JobKey != "k" {
				t.Errorf("JobKey = %q, want %q", failure.JobKey, "k")
			}
			if failure.ErrorClass.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", failure.ErrorClass.Kind, tt.wantKind)
			}
			if failure.ErrorClass.RejectionCode != tt.wantCode {
				t.Errorf("RejectionCode = %q, want %q", failure.ErrorClass.RejectionCode, tt.wantCode)
			}
			if failure.RetryHintMS != tt.wantHint {
				t.Errorf("RetryHintMS = %d, want %d", failure.RetryHintMS, tt.wantHint)
			}
			if failure.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", failure.Message, tt.wantMsg)
			}
		})
	}
}

func TestBuildCompletionHashesPayload(t *testing.T) {
	payload := []byte(`{"receipt":"r-1"}`)
	completion := buildCompletion("k", &Result{
		DomainPayload: payload,
		OrchFlags:     api.OrchFlags{"flag_1": api.Bool(true)},
	})

	if completion.JobKey != "k" {
		t.Errorf("JobKey = %q, want %q", completion.JobKey, "k")
	}
	if completion.DomainPayloadHash != api.HashBytes(payload) {
		t.Error("payload hash does not match payload")
	}
	if !completion.OrchFlags["flag_1"].Truthy() {
		t.Error("flags were not carried through")
	}
}

func TestBuildCompletionNilResult(t *testing.T) {
	completion := buildCompletion("k", nil)
	if completion.DomainPayloadHash != api.HashBytes(nil) {
		t.Error("nil result should hash an empty payload")
	}
}

func TestRegisterTaskTypeValidation(t *testing.T) {
	w := &Worker{handlers: make(map[string]Handler)}
	noop := func(_ context.Context, _ *api.JobActivation) (*Result, error) {
		return nil, nil
	}

	if err := w.RegisterTaskType("", noop); err == nil {
		t.Error("expected error for empty task type")
	}
	if err := w.RegisterTaskType("charge", nil); err == nil {
		t.Error("expected error for nil handler")
	}
	if err := w.RegisterTaskType("charge", noop); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := w.RegisterTaskType("charge", noop); err == nil {
		t.Error("expected error for duplicate registration")
	}
}
