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

package command

import (
	"context"
	"testing"

	"github.com/flowlite/flowlite/api"
	"github.com/flowlite/flowlite/api/serde"
	"github.com/flowlite/flowlite/internal/engine"
	"github.com/flowlite/flowlite/internal/store"
	"github.com/flowlite/flowlite/internal/vm"
)

// newTestHandler wires a handler to an engine over the in-memory store.
// The NATS connection stays nil: the programs under test carry no service
// tasks, so no activation is ever published.
func newTestHandler(t *testing.T) (*Handler, *engine.Engine) {
	t.Helper()
	eng := engine.New(store.NewMemoryStore())
	return NewHandler(nil, eng, &serde.MsgpackSerde{}), eng
}

func encodeCommand(t *testing.T, conv serde.BinarySerde, cmdType api.CommandType, attrs any) *api.Command {
	t.Helper()
	data, err := conv.SerializeBinary(attrs)
	if err != nil {
		t.Fatalf("serialize attributes: %v", err)
	}
	return &api.Command{CommandType: cmdType, Attributes: data}
}

// noTaskProgram completes immediately on start.
func noTaskProgram() *vm.CompiledProgram {
	return &vm.CompiledProgram{
		Program: []vm.Instr{vm.End()},
	}
}

func deployCommand(t *testing.T, conv serde.BinarySerde, processKey string) *api.Command {
	t.Helper()
	program := noTaskProgram()
	artifact, err := conv.SerializeBinary(program)
	if err != nil {
		t.Fatalf("serialize program: %v", err)
	}
	return encodeCommand(t, conv, api.DeployProgramCommand, api.DeployProgramAttributes{
		ProcessKey: processKey,
		Program:    artifact,
	})
}

func TestDispatchDeployAndStart(t *testing.T) {
	h, _ := newTestHandler(t)
	conv := &serde.MsgpackSerde{}
	ctx := context.Background()

	replyBytes, err := h.Dispatch(ctx, deployCommand(t, conv, "order_process"))
	if err != nil {
		t.Fatalf("deploy dispatch: %v", err)
	}
	var deployReply api.DeployProgramReply
	if err := conv.DeserializeBinary(replyBytes, &deployReply); err != nil {
		t.Fatalf("decode deploy reply: %v", err)
	}
	if deployReply.Error != "" {
		t.Fatalf("deploy reply error: %s", deployReply.Error)
	}
	if deployReply.BytecodeVersion == "" {
		t.Error("deploy reply has no bytecode version")
	}

	startCmd := encodeCommand(t, conv, api.StartProcessCommand, api.StartProcessAttributes{
		ProcessKey:    "order_process",
		DomainPayload: []byte(`{"order":42}`),
	})
	replyBytes, err = h.Dispatch(ctx, startCmd)
	if err != nil {
		t.Fatalf("start dispatch: %v", err)
	}
	var startReply api.StartProcessReply
	if err := conv.DeserializeBinary(replyBytes, &startReply); err != nil {
		t.Fatalf("decode start reply: %v", err)
	}
	if startReply.Error != "" {
		t.Fatalf("start reply error: %s", startReply.Error)
	}
	if startReply.InstanceID == "" {
		t.Error("start reply has no instance id")
	}
}

func TestDispatchStartUnknownProcess(t *testing.T) {
	h, _ := newTestHandler(t)
	conv := &serde.MsgpackSerde{}

	startCmd := encodeCommand(t, conv, api.StartProcessCommand, api.StartProcessAttributes{
		ProcessKey: "no_such_process",
	})
	replyBytes, err := h.Dispatch(context.Background(), startCmd)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	var reply api.StartProcessReply
	if err := conv.DeserializeBinary(replyBytes, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Error == "" {
		t.Error("expected an error reply for an unknown process key")
	}
}

func TestDispatchCancelMalformedID(t *testing.T) {
	h, _ := newTestHandler(t)
	conv := &serde.MsgpackSerde{}

	cancelCmd := encodeCommand(t, conv, api.CancelProcessCommand, api.CancelProcessAttributes{
		InstanceID: "not-a-uuid",
	})
	replyBytes, err := h.Dispatch(context.Background(), cancelCmd)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	var reply api.Ack
	if err := conv.DeserializeBinary(replyBytes, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Error == "" {
		t.Error("expected an error reply for a malformed instance id")
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	h, _ := newTestHandler(t)

	_, err := h.Dispatch(context.Background(), &api.Command{CommandType: "Bogus"})
	if err == nil {
		t.Error("expected an error for an unknown command type")
	}
}

func TestDispatchResolveMalformedID(t *testing.T) {
	h, _ := newTestHandler(t)
	conv := &serde.MsgpackSerde{}

	cmd := encodeCommand(t, conv, api.ResolveIncidentCommand, api.ResolveIncidentAttributes{
		IncidentID: "garbage",
		Resolution: "retry",
	})
	replyBytes, err := h.Dispatch(context.Background(), cmd)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	var reply api.Ack
	if err := conv.DeserializeBinary(replyBytes, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Error == "" {
		t.Error("expected an error reply for a malformed incident id")
	}
}
