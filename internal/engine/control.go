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

package engine

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/flowlite/flowlite/api"
	"github.com/flowlite/flowlite/internal/vm"
)

// Resolution values accepted by ResolveIncident.
const (
	ResolutionRetry = "retry"
	ResolutionAbort = "abort"
)

// Signal delivers a correlated message to an instance. It resumes a
// fiber waiting on that message name and correlation key, or settles a
// race holding a matching message arm. Signals that match nothing — the
// instance is terminal, the message was already consumed, or no fiber
// subscribed — are recorded as ignored, never errors.
func (e *Engine) Signal(ctx context.Context, msg *api.MessageArrived) error {
	instanceID, err := uuid.FromString(msg.InstanceID)
	if err != nil {
		return fmt.Errorf("signal: invalid instance id %q: %w", msg.InstanceID, err)
	}
	instance, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if instance.State.Terminal() {
		return e.emitLate(ctx, instanceID, fmt.Sprintf("signal msg=%d on %s instance", msg.Name, instance.State.Kind))
	}
	program, err := e.store.GetProgram(ctx, instance.BytecodeVersion)
	if err != nil {
		return err
	}
	if len(msg.DomainPayload) > 0 && api.HashBytes(msg.DomainPayload) != msg.DomainPayloadHash {
		return fmt.Errorf("signal: payload does not match its claimed hash (instance %s, msg %d)", instanceID, msg.Name)
	}

	fibers, err := e.store.ListFibers(ctx, instance.ID)
	if err != nil {
		return err
	}
	for _, fiber := range fibers {
		switch fiber.Wait.Kind {
		case vm.WaitOnMsg:
			if fiber.Wait.Name != msg.Name || fiber.Wait.CorrKey != msg.CorrKey {
				continue
			}
			e.applyMessagePayload(instance, msg)
			fiber.PC++
			fiber.Wait = vm.Running()
			if err := e.store.SaveFiber(ctx, instance.ID, fiber); err != nil {
				return err
			}
			if err := e.store.SaveInstance(ctx, instance); err != nil {
				return err
			}
			if err := e.emit(ctx, instance.ID, &vm.Event{
				Kind:    vm.EvMsgReceived,
				FiberID: fiber.ID,
				Name:    msg.Name,
				Value:   msg.CorrKey,
			}); err != nil {
				return err
			}
			return e.TickInstance(ctx, instanceID)

		case vm.WaitRace:
			entry, ok := program.RacePlan[fiber.Wait.RaceID]
			if !ok {
				continue
			}
			for i, arm := range entry.Arms {
				if arm.Kind != vm.ArmMsg || arm.Name != msg.Name || fiber.Regs[arm.CorrReg%vm.NumRegs] != msg.CorrKey {
					continue
				}
				e.applyMessagePayload(instance, msg)
				raceID := fiber.Wait.RaceID
				jobKey := fiber.Wait.JobKey
				if _, err := e.interp.ResolveRace(ctx, instance, fiber, raceID, i, entry.Arms); err != nil {
					return err
				}
				if jobKey != "" {
					// The message interrupted a boundary-attached job.
					if err := e.store.AckJob(ctx, jobKey); err != nil {
						e.log.DebugContext(ctx, "ack of interrupted job skipped", "job_key", jobKey, "err", err)
					}
				}
				if err := e.store.SaveInstance(ctx, instance); err != nil {
					return err
				}
				if err := e.emit(ctx, instance.ID, &vm.Event{
					Kind:     vm.EvMsgReceived,
					FiberID:  fiber.ID,
					Name:     msg.Name,
					Value:    msg.CorrKey,
					RaceID:   raceID,
					ArmIndex: i,
				}); err != nil {
					return err
				}
				return e.TickInstance(ctx, instanceID)
			}
		}
	}

	return e.emitLate(ctx, instanceID, fmt.Sprintf("no fiber waiting for msg=%d", msg.Name))
}

func (e *Engine) applyMessagePayload(instance *vm.ProcessInstance, msg *api.MessageArrived) {
	if len(msg.DomainPayload) == 0 {
		return
	}
	instance.DomainPayload = msg.DomainPayload
	instance.DomainPayloadHash = msg.DomainPayloadHash
}

// OnTimerFired handles an externally delivered timer event by ticking
// the instance; the tick's timer pass decides whether anything is
// actually due. Duplicates and fires for resolved waits fall out as
// no-ops.
func (e *Engine) OnTimerFired(ctx context.Context, fired *api.TimerFired) error {
	instanceID, err := uuid.FromString(fired.InstanceID)
	if err != nil {
		return fmt.Errorf("timer fired: invalid instance id %q: %w", fired.InstanceID, err)
	}
	return e.TickInstance(ctx, instanceID)
}

// Cancel stops an instance: waits are cancelled, outstanding jobs
// purged, fibers deleted, state set to Cancelled. Cancelling a terminal
// instance is a recorded no-op.
func (e *Engine) Cancel(ctx context.Context, instanceID uuid.UUID, reason string) error {
	instance, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if instance.State.Terminal() {
		return e.emitLate(ctx, instanceID, fmt.Sprintf("cancel on %s instance", instance.State.Kind))
	}

	fibers, err := e.store.ListFibers(ctx, instance.ID)
	if err != nil {
		return err
	}
	for _, f := range fibers {
		if f.Wait.IsRunnable() {
			continue
		}
		if err := e.emit(ctx, instance.ID, &vm.Event{
			Kind:    vm.EvWaitCancelled,
			FiberID: f.ID,
			Detail:  f.Wait.Describe(),
		}); err != nil {
			return err
		}
	}
	if err := e.store.PurgeJobs(ctx, instance.ID); err != nil {
		return err
	}
	if err := e.store.DeleteAllFibers(ctx, instance.ID); err != nil {
		return err
	}
	instance.State = vm.CancelledState(reason, e.nowMS())
	if err := e.store.SaveInstance(ctx, instance); err != nil {
		return err
	}
	if err := e.emit(ctx, instance.ID, &vm.Event{Kind: vm.EvCancelled, Detail: reason}); err != nil {
		return err
	}
	e.log.InfoContext(ctx, "instance cancelled", "instance_id", instanceID, "reason", reason)
	return nil
}

// ResolveIncident settles an open incident. Retry re-queues the faulted
// work and resumes the instance; abort cancels the instance. Resolving
// an already-resolved incident is a no-op.
func (e *Engine) ResolveIncident(ctx context.Context, incidentID uuid.UUID, resolution string) error {
	incident, err := e.store.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	if incident.ResolvedAt != nil {
		return nil
	}
	instance, err := e.store.GetInstance(ctx, incident.ProcessInstanceID)
	if err != nil {
		return err
	}

	at := e.nowMS()
	incident.ResolvedAt = &at
	incident.Resolution = resolution
	if resolution == ResolutionRetry {
		incident.RetryCount++
	}
	if err := e.store.SaveIncident(ctx, incident); err != nil {
		return err
	}
	if err := e.emit(ctx, instance.ID, &vm.Event{
		Kind:       vm.EvIncidentResolved,
		IncidentID: incident.ID,
		FiberID:    incident.FiberID,
		Detail:     resolution,
	}); err != nil {
		return err
	}

	switch resolution {
	case ResolutionRetry:
		fiber, err := e.store.GetFiber(ctx, instance.ID, incident.FiberID)
		if err != nil {
			return fmt.Errorf("resolve incident %s: faulting fiber gone: %w", incidentID, err)
		}
		fiber.PC = incident.BytecodeAddr
		if err := e.requeueFaultedWork(ctx, instance, fiber); err != nil {
			return err
		}
		if err := e.store.SaveFiber(ctx, instance.ID, fiber); err != nil {
			return err
		}
		instance.State = vm.RunningState()
		if err := e.store.SaveInstance(ctx, instance); err != nil {
			return err
		}
		return e.TickInstance(ctx, instance.ID)

	case ResolutionAbort:
		// The cancel path needs a non-terminal instance.
		instance.State = vm.RunningState()
		if err := e.store.SaveInstance(ctx, instance); err != nil {
			return err
		}
		return e.Cancel(ctx, instance.ID, fmt.Sprintf("incident %s aborted", incidentID))

	default:
		return fmt.Errorf("resolve incident %s: unknown resolution %q", incidentID, resolution)
	}
}

// requeueFaultedWork prepares a retried fiber for resumption. A fiber
// faulted on ExecNative already consumed its arguments when the job was
// first activated, so stepping the opcode again would pop the stack
// twice. Instead the activation is re-enqueued as-is and the fiber goes
// straight back to waiting on the job. Faults on any other opcode
// re-step normally.
func (e *Engine) requeueFaultedWork(ctx context.Context, instance *vm.ProcessInstance, fiber *vm.Fiber) error {
	program, err := e.store.GetProgram(ctx, instance.BytecodeVersion)
	if err != nil {
		return err
	}
	if int(fiber.PC) >= len(program.Program) || program.Program[fiber.PC].Op != vm.OpExecNative {
		fiber.Wait = vm.Running()
		return nil
	}

	instr := program.Program[fiber.PC]
	serviceTaskID := program.ElementID(fiber.PC)
	jobKey := vm.JobKey(instance.ID, serviceTaskID, fiber.PC, fiber.LoopEpoch)
	activation := &api.JobActivation{
		JobKey:            jobKey,
		ProcessInstanceID: instance.ID.String(),
		TaskType:          program.TaskTypeName(instr.TaskType),
		ServiceTaskID:     serviceTaskID,
		DomainPayload:     instance.DomainPayload,
		DomainPayloadHash: instance.DomainPayloadHash,
		OrchFlags:         instance.WireFlags(),
		RetriesRemaining:  e.retries,
	}
	if err := e.emit(ctx, instance.ID, &vm.Event{
		Kind:      vm.EvJobActivated,
		FiberID:   fiber.ID,
		JobKey:    jobKey,
		ElementID: serviceTaskID,
		Addr:      fiber.PC,
	}); err != nil {
		return err
	}
	if err := e.store.EnqueueJob(ctx, activation); err != nil {
		return err
	}
	fiber.Wait = vm.JobWait(jobKey)
	return nil
}

// FiberView is one fiber as seen by Inspect.
type FiberView struct {
	ID       uuid.UUID `json:"fiber_id"`
	PC       vm.Addr   `json:"pc"`
	WaitDesc string    `json:"wait,omitempty"`
}

// Inspection is a point-in-time operator view of an instance.
type Inspection struct {
	Instance  *vm.ProcessInstance `json:"instance"`
	Fibers    []FiberView         `json:"fibers"`
	Incidents []*vm.Incident      `json:"open_incidents,omitempty"`
}

// Inspect returns the instance, its live fibers and open incidents.
func (e *Engine) Inspect(ctx context.Context, instanceID uuid.UUID) (*Inspection, error) {
	instance, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	fibers, err := e.store.ListFibers(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	views := make([]FiberView, 0, len(fibers))
	for _, f := range fibers {
		views = append(views, FiberView{ID: f.ID, PC: f.PC, WaitDesc: f.Wait.Describe()})
	}
	incidents, err := e.store.OpenIncidents(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &Inspection{Instance: instance, Fibers: views, Incidents: incidents}, nil
}
