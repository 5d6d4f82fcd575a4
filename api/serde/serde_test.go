package serde

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/flowlite/flowlite/api"
)

func TestActivationRoundTrip(t *testing.T) {
	payload := []byte(`{"case_id":"c-17"}`)
	act := api.JobActivation{
		JobKey:            "0198c2f0-1111-7abc-8000-000000000001:task_check:4:0",
		ProcessInstanceID: "0198c2f0-1111-7abc-8000-000000000001",
		TaskType:          "check_documents",
		ServiceTaskID:     "task_check",
		DomainPayload:     payload,
		DomainPayloadHash: api.HashBytes(payload),
		OrchFlags: api.OrchFlags{
			api.FlagWireKey(0): api.Bool(true),
			api.FlagWireKey(3): api.I64(42),
		},
		RetriesRemaining: 3,
	}

	for _, s := range []BinarySerde{&MsgpackSerde{}, &JsonSerde{}} {
		data, err := s.SerializeBinary(act)
		if err != nil {
			t.Fatalf("SerializeBinary: %v", err)
		}
		var decoded api.JobActivation
		if err := s.DeserializeBinary(data, &decoded); err != nil {
			t.Fatalf("DeserializeBinary: %v", err)
		}
		if diff := cmp.Diff(act, decoded); diff != "" {
			t.Errorf("activation mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestFailureRoundTripPreservesErrorClass(t *testing.T) {
	tests := []struct {
		name string
		fail api.JobFailure
	}{
		{
			name: "transient with retry hint",
			fail: api.JobFailure{
				JobKey:      "k1",
				ErrorClass:  api.Transient(),
				Message:     "connection reset",
				RetryHintMS: 500,
			},
		},
		{
			name: "business rejection",
			fail: api.JobFailure{
				JobKey:     "k2",
				ErrorClass: api.BusinessRejection("DOCS_EXPIRED"),
				Message:    "documents out of date",
			},
		},
		{
			name: "contract violation",
			fail: api.JobFailure{
				JobKey:     "k3",
				ErrorClass: api.ContractViolation(),
				Message:    "flag outside write set",
			},
		},
	}

	s := &MsgpackSerde{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := s.SerializeBinary(tt.fail)
			if err != nil {
				t.Fatalf("SerializeBinary: %v", err)
			}
			var decoded api.JobFailure
			if err := s.DeserializeBinary(data, &decoded); err != nil {
				t.Fatalf("DeserializeBinary: %v", err)
			}
			if diff := cmp.Diff(tt.fail, decoded); diff != "" {
				t.Errorf("failure mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
