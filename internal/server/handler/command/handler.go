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

// Package command consumes command requests and job results off NATS and
// applies them to the engine.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/gofrs/uuid/v5"
	"github.com/nats-io/nats.go"

	"github.com/flowlite/flowlite/api"
	"github.com/flowlite/flowlite/api/serde"
	"github.com/flowlite/flowlite/internal/engine"
	jetstreamx "github.com/flowlite/flowlite/internal/server/infra/jetstream"
	"github.com/flowlite/flowlite/internal/vm"
)

type Handler struct {
	eng  *engine.Engine
	conv serde.BinarySerde
	conn *jetstreamx.Connection
}

func NewHandler(conn *jetstreamx.Connection, eng *engine.Engine, conv serde.BinarySerde) *Handler {
	return &Handler{
		eng:  eng,
		conv: conv,
		conn: conn,
	}
}

// HandleRequest is the NATS entrypoint for the command subjects. The
// command envelope is JSON; attributes and replies use the wire codec.
func (h *Handler) HandleRequest(msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in command handler", "subject", msg.Subject, "error", r)
			if err := msg.Term(); err != nil {
				slog.Error("failed to term message after panic", "error", err)
			}
		}
	}()

	var cmd api.Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		slog.Error("command envelope unmarshal error", "error", err)
		msg.Term()
		return
	}

	ctx := context.Background()
	reply, err := h.Dispatch(ctx, &cmd)
	if err != nil {
		slog.Error("command dispatch failed", "type", cmd.CommandType, "error", err)
		msg.Term()
		return
	}
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(reply); err != nil {
		slog.Error("failed to send command reply", "type", cmd.CommandType, "error", err)
	}
}

// Dispatch executes one command and returns the serialized reply. Domain
// errors travel inside the reply payload; a non-nil error means the reply
// itself could not be produced.
func (h *Handler) Dispatch(ctx context.Context, cmd *api.Command) ([]byte, error) {
	switch cmd.CommandType {
	case api.DeployProgramCommand:
		return h.deploy(ctx, cmd.Attributes)
	case api.StartProcessCommand:
		return h.start(ctx, cmd.Attributes)
	case api.CancelProcessCommand:
		return h.cancel(ctx, cmd.Attributes)
	case api.SignalCommand:
		return h.signal(ctx, cmd.Attributes)
	case api.ResolveIncidentCommand:
		return h.resolve(ctx, cmd.Attributes)
	default:
		return nil, fmt.Errorf("unknown command type %q", cmd.CommandType)
	}
}

func (h *Handler) deploy(ctx context.Context, attrs []byte) ([]byte, error) {
	var data api.DeployProgramAttributes
	if err := h.conv.DeserializeBinary(attrs, &data); err != nil {
		return h.conv.SerializeBinary(api.DeployProgramReply{
			Error: "failed to parse request attributes: " + err.Error(),
		})
	}

	var program vm.CompiledProgram
	if err := h.conv.DeserializeBinary(data.Program, &program); err != nil {
		return h.conv.SerializeBinary(api.DeployProgramReply{
			Error: "malformed program artifact: " + err.Error(),
		})
	}

	version, err := h.eng.DeployProgram(ctx, data.ProcessKey, &program)
	if err != nil {
		return h.conv.SerializeBinary(api.DeployProgramReply{Error: err.Error()})
	}
	return h.conv.SerializeBinary(api.DeployProgramReply{BytecodeVersion: version.String()})
}

func (h *Handler) start(ctx context.Context, attrs []byte) ([]byte, error) {
	var data api.StartProcessAttributes
	if err := h.conv.DeserializeBinary(attrs, &data); err != nil {
		return h.conv.SerializeBinary(api.StartProcessReply{
			Error: "failed to parse request attributes: " + err.Error(),
		})
	}

	var pinned *vm.Version
	if data.BytecodeVersion != (api.Hash{}) {
		v := vm.Version(data.BytecodeVersion)
		pinned = &v
	}

	instance, err := h.eng.Start(ctx, data.ProcessKey, pinned, data.DomainPayload, data.CorrelationID)
	if err != nil {
		return h.conv.SerializeBinary(api.StartProcessReply{Error: err.Error()})
	}

	h.DispatchInstance(ctx, instance.ID)

	return h.conv.SerializeBinary(api.StartProcessReply{InstanceID: instance.ID.String()})
}

func (h *Handler) cancel(ctx context.Context, attrs []byte) ([]byte, error) {
	var data api.CancelProcessAttributes
	if err := h.conv.DeserializeBinary(attrs, &data); err != nil {
		return h.conv.SerializeBinary(api.Ack{Error: "failed to parse request attributes: " + err.Error()})
	}

	instanceID, err := uuid.FromString(data.InstanceID)
	if err != nil {
		return h.conv.SerializeBinary(api.Ack{Error: "malformed instance id: " + err.Error()})
	}

	if err := h.eng.Cancel(ctx, instanceID, data.Reason); err != nil {
		return h.conv.SerializeBinary(api.Ack{Error: err.Error()})
	}
	return h.conv.SerializeBinary(api.Ack{})
}

func (h *Handler) signal(ctx context.Context, attrs []byte) ([]byte, error) {
	var data api.MessageArrived
	if err := h.conv.DeserializeBinary(attrs, &data); err != nil {
		return h.conv.SerializeBinary(api.Ack{Error: "failed to parse request attributes: " + err.Error()})
	}

	if err := h.eng.Signal(ctx, &data); err != nil {
		return h.conv.SerializeBinary(api.Ack{Error: err.Error()})
	}

	if instanceID, err := uuid.FromString(data.InstanceID); err == nil {
		h.DispatchInstance(ctx, instanceID)
	}
	return h.conv.SerializeBinary(api.Ack{})
}

func (h *Handler) resolve(ctx context.Context, attrs []byte) ([]byte, error) {
	var data api.ResolveIncidentAttributes
	if err := h.conv.DeserializeBinary(attrs, &data); err != nil {
		return h.conv.SerializeBinary(api.Ack{Error: "failed to parse request attributes: " + err.Error()})
	}

	incidentID, err := uuid.FromString(data.IncidentID)
	if err != nil {
		return h.conv.SerializeBinary(api.Ack{Error: "malformed incident id: " + err.Error()})
	}

	if err := h.eng.ResolveIncident(ctx, incidentID, data.Resolution); err != nil {
		return h.conv.SerializeBinary(api.Ack{Error: err.Error()})
	}
	return h.conv.SerializeBinary(api.Ack{})
}

// HandleJobResult is the NATS entrypoint for worker completion and failure
// reports.
func (h *Handler) HandleJobResult(msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in job result handler", "subject", msg.Subject, "error", r)
		}
	}()

	ctx := context.Background()
	var jobKey string

	switch msg.Subject {
	case api.JobCompleteSubject:
		var completion api.JobCompletion
		if err := h.conv.DeserializeBinary(msg.Data, &completion); err != nil {
			slog.Error("malformed job completion", "error", err)
			return
		}
		jobKey = completion.JobKey
		if err := h.eng.CompleteJob(ctx, &completion); err != nil {
			slog.Error("job completion rejected", "job_key", jobKey, "error", err)
			return
		}
	case api.JobFailSubject:
		var failure api.JobFailure
		if err := h.conv.DeserializeBinary(msg.Data, &failure); err != nil {
			slog.Error("malformed job failure", "error", err)
			return
		}
		jobKey = failure.JobKey
		if err := h.eng.FailJob(ctx, &failure); err != nil {
			slog.Error("job failure rejected", "job_key", jobKey, "error", err)
			return
		}
	default:
		slog.Warn("unexpected job result subject", "subject", msg.Subject)
		return
	}

	if instanceID, _, _, err := vm.ParseJobKey(jobKey); err == nil {
		h.DispatchInstance(ctx, instanceID)
	}
}

// DispatchInstance drains newly pending activations for an instance onto
// the per-task-type job subjects. Dispatch failures are logged, not fatal:
// the rows stay queued and the next tick retries them.
func (h *Handler) DispatchInstance(ctx context.Context, instanceID uuid.UUID) {
	activations, err := h.eng.RunInstance(ctx, instanceID)
	if err != nil {
		slog.Error("job dispatch run failed", "instance_id", instanceID, "error", err)
		return
	}
	for _, act := range activations {
		if err := h.publishActivation(ctx, act); err != nil {
			slog.Error("job dispatch publish failed", "job_key", act.JobKey, "error", err)
		}
	}
}

func (h *Handler) publishActivation(ctx context.Context, act *api.JobActivation) error {
	data, err := h.conv.SerializeBinary(act)
	if err != nil {
		return fmt.Errorf("serializing activation %s: %w", act.JobKey, err)
	}
	subject := fmt.Sprintf(api.JobPublishSubjectPattern, act.TaskType)
	if _, err := h.conn.PublishJS(ctx, subject, data); err != nil {
		return err
	}
	slog.Debug("job activation dispatched", "job_key", act.JobKey, "task_type", act.TaskType)
	return nil
}

// RunProcessor subscribes the handler to the command and job result
// subjects and blocks until the context is done.
func RunProcessor(ctx context.Context, conn *jetstreamx.Connection, handler *Handler) error {
	cmdSub, err := conn.QueueSubscribe(
		api.CommandRequestSubjectPattern,
		api.EngineCommandProcessorsConsumer,
		handler.HandleRequest,
	)
	if err != nil {
		return err
	}
	defer cmdSub.Unsubscribe()

	completeSub, err := conn.QueueSubscribe(
		api.JobCompleteSubject,
		api.EngineCommandProcessorsConsumer,
		handler.HandleJobResult,
	)
	if err != nil {
		return err
	}
	defer completeSub.Unsubscribe()

	failSub, err := conn.QueueSubscribe(
		api.JobFailSubject,
		api.EngineCommandProcessorsConsumer,
		handler.HandleJobResult,
	)
	if err != nil {
		return err
	}
	defer failSub.Unsubscribe()

	<-ctx.Done()
	return nil
}
