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
	"errors"
	"fmt"

	"github.com/flowlite/flowlite/api"
	"github.com/flowlite/flowlite/internal/store"
	"github.com/flowlite/flowlite/internal/vm"
)

// CompleteJob settles a job with its result and resumes the parked
// fiber. Duplicates, completions for terminal instances and completions
// with no matching fiber are recorded and dropped, never errors: workers
// retry on error, and none of these conditions can be repaired by a
// retry.
func (e *Engine) CompleteJob(ctx context.Context, completion *api.JobCompletion) error {
	instanceID, _, pc, err := vm.ParseJobKey(completion.JobKey)
	if err != nil {
		return err
	}

	// Redelivery guard: an accepted completion was already applied.
	if cached, err := e.store.DedupeGet(ctx, completion.JobKey); err != nil {
		return err
	} else if cached != nil {
		return e.emitLate(ctx, instanceID, fmt.Sprintf("duplicate completion for %s", completion.JobKey))
	}

	instance, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if instance.State.Terminal() {
		return e.emitLate(ctx, instanceID, fmt.Sprintf("completion for %s instance: %s", instance.State.Kind, completion.JobKey))
	}
	program, err := e.store.GetProgram(ctx, instance.BytecodeVersion)
	if err != nil {
		return err
	}

	fiber := e.findJobFiber(ctx, instance, completion.JobKey)
	if fiber == nil {
		return e.emitLate(ctx, instanceID, fmt.Sprintf("no fiber parked on %s", completion.JobKey))
	}

	// Contract guards run before any state mutation so a violating
	// completion leaves the instance untouched apart from the incident.
	if api.HashBytes(completion.DomainPayload) != completion.DomainPayloadHash {
		return e.raiseIncident(ctx, instance, fiber, program, api.ContractViolation(),
			fmt.Sprintf("completion payload does not match its claimed hash: %s", completion.JobKey),
			completion.JobKey)
	}
	if violated, key := e.writeSetViolation(completion, program, pc); violated {
		return e.raiseIncident(ctx, instance, fiber, program, api.ContractViolation(),
			fmt.Sprintf("task wrote undeclared flag %s: %s", key, completion.JobKey),
			completion.JobKey)
	}

	switch fiber.Wait.Kind {
	case vm.WaitRace:
		// Boundary-promoted job: the completion settles the race through
		// its reserved internal arm.
		entry, ok := program.RacePlan[fiber.Wait.RaceID]
		if !ok {
			return fmt.Errorf("complete %s: race %d has no plan entry", completion.JobKey, fiber.Wait.RaceID)
		}
		internalIdx := 0
		for i, arm := range entry.Arms {
			if arm.Kind == vm.ArmInternal {
				internalIdx = i
				break
			}
		}
		if _, err := e.interp.ResolveRace(ctx, instance, fiber, fiber.Wait.RaceID, internalIdx, entry.Arms); err != nil {
			return err
		}

	case vm.WaitJob:
		if err := e.interp.CompleteJob(ctx, instance, fiber, completion, program); err != nil {
			return err
		}

	default:
		return e.emitLate(ctx, instanceID, fmt.Sprintf("fiber for %s is not job-parked (%s)", completion.JobKey, fiber.Wait.Kind))
	}

	vm.ApplyCompletion(instance, completion)
	if err := e.store.SaveInstance(ctx, instance); err != nil {
		return err
	}
	if err := e.store.DedupePut(ctx, completion.JobKey, completion); err != nil {
		return err
	}
	if err := e.store.AckJob(ctx, completion.JobKey); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return e.TickInstance(ctx, instanceID)
}

// FailJob settles a job with a failure. Transient failures burn a retry
// and come back after a delay; business rejections try the compiled
// error routes; everything else (and an exhausted retry budget) raises
// an incident.
func (e *Engine) FailJob(ctx context.Context, failure *api.JobFailure) error {
	instanceID, _, _, err := vm.ParseJobKey(failure.JobKey)
	if err != nil {
		return err
	}
	instance, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if instance.State.Terminal() {
		return e.emitLate(ctx, instanceID, fmt.Sprintf("failure for %s instance: %s", instance.State.Kind, failure.JobKey))
	}
	program, err := e.store.GetProgram(ctx, instance.BytecodeVersion)
	if err != nil {
		return err
	}
	fiber := e.findJobFiber(ctx, instance, failure.JobKey)
	if fiber == nil {
		return e.emitLate(ctx, instanceID, fmt.Sprintf("no fiber parked on %s", failure.JobKey))
	}

	if failure.ErrorClass.Kind == api.ErrorTransient {
		retried, err := e.retryTransient(ctx, instance, fiber, failure)
		if err != nil || retried {
			return err
		}
		// Budget exhausted; fall through to the incident path.
	}

	resumed, err := e.routeFailure(ctx, instance, fiber, program, failure.ErrorClass, failure.Message, failure.JobKey)
	if err != nil {
		return err
	}
	if resumed {
		return e.TickInstance(ctx, instanceID)
	}
	return nil
}

// retryTransient requeues the activation with one fewer retry after the
// worker's hinted delay. Returns false when the budget is spent.
func (e *Engine) retryTransient(ctx context.Context, instance *vm.ProcessInstance, fiber *vm.Fiber, failure *api.JobFailure) (bool, error) {
	activation, err := e.store.LookupJob(ctx, failure.JobKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if activation.RetriesRemaining <= 0 {
		return false, nil
	}
	activation.RetriesRemaining--
	delay := int64(failure.RetryHintMS)
	if delay == 0 {
		delay = defaultRetryBackoffMS
	}
	if err := e.store.EnqueueJobDelayed(ctx, activation, e.nowMS()+delay); err != nil {
		return false, err
	}
	if err := e.emit(ctx, instance.ID, &vm.Event{
		Kind:    vm.EvJobRetried,
		FiberID: fiber.ID,
		JobKey:  failure.JobKey,
		Count:   uint32(activation.RetriesRemaining),
		Detail:  failure.Message,
	}); err != nil {
		return false, err
	}
	e.log.WarnContext(ctx, "transient job failure, retrying",
		"instance_id", instance.ID,
		"job_key", failure.JobKey,
		"retries_remaining", activation.RetriesRemaining,
		"delay_ms", delay,
	)
	return true, nil
}

// routeFailure applies the failure policy at the fiber's position:
// business rejections consult the compiled error routes, specific code
// before catch-all; anything unrouted raises an incident. Reports
// whether the fiber was resumed onto a route.
func (e *Engine) routeFailure(ctx context.Context, instance *vm.ProcessInstance, fiber *vm.Fiber, program *vm.CompiledProgram, class api.ErrorClass, message, jobKey string) (bool, error) {
	if class.Kind == api.ErrorBusinessRejection {
		if route := matchRoute(program.ErrorRouteMap[fiber.PC], class.RejectionCode); route != nil {
			fiber.PC = route.ResumeAt
			fiber.Wait = vm.Running()
			if err := e.store.SaveFiber(ctx, instance.ID, fiber); err != nil {
				return false, err
			}
			if jobKey != "" {
				if err := e.store.AckJob(ctx, jobKey); err != nil && !errors.Is(err, store.ErrNotFound) {
					return false, err
				}
			}
			if err := e.emit(ctx, instance.ID, &vm.Event{
				Kind:      vm.EvErrorRouted,
				FiberID:   fiber.ID,
				JobKey:    jobKey,
				ElementID: route.BoundaryElementID,
				Addr:      route.ResumeAt,
				Detail:    class.RejectionCode,
			}); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, e.raiseIncident(ctx, instance, fiber, program, class, message, jobKey)
}

// matchRoute picks the first route whose code matches, falling back to
// the first catch-all.
func matchRoute(routes []vm.ErrorRoute, rejectionCode string) *vm.ErrorRoute {
	for i := range routes {
		if routes[i].ErrorCode != nil && *routes[i].ErrorCode == rejectionCode {
			return &routes[i]
		}
	}
	for i := range routes {
		if routes[i].ErrorCode == nil {
			return &routes[i]
		}
	}
	return nil
}

// raiseIncident parks the fiber for human resolution and fails the
// instance.
func (e *Engine) raiseIncident(ctx context.Context, instance *vm.ProcessInstance, fiber *vm.Fiber, program *vm.CompiledProgram, class api.ErrorClass, message, jobKey string) error {
	incident := &vm.Incident{
		ID:                e.newID(),
		ProcessInstanceID: instance.ID,
		FiberID:           fiber.ID,
		ServiceTaskID:     program.ElementID(fiber.PC),
		BytecodeAddr:      fiber.PC,
		ErrorClass:        class,
		Message:           message,
		CreatedAt:         e.nowMS(),
	}
	if err := e.store.SaveIncident(ctx, incident); err != nil {
		return err
	}
	if err := e.emit(ctx, instance.ID, &vm.Event{
		Kind:       vm.EvIncidentCreated,
		FiberID:    fiber.ID,
		IncidentID: incident.ID,
		ElementID:  incident.ServiceTaskID,
		JobKey:     jobKey,
		Detail:     message,
	}); err != nil {
		return err
	}
	if jobKey != "" {
		if err := e.store.AckJob(ctx, jobKey); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	fiber.Wait = vm.IncidentWait(incident.ID)
	if err := e.store.SaveFiber(ctx, instance.ID, fiber); err != nil {
		return err
	}
	instance.State = vm.FailedState(incident.ID)
	if err := e.store.SaveInstance(ctx, instance); err != nil {
		return err
	}
	e.log.ErrorContext(ctx, "incident raised",
		"instance_id", instance.ID,
		"incident_id", incident.ID,
		"service_task_id", incident.ServiceTaskID,
		"error_class", string(class.Kind),
		"message", message,
	)
	return nil
}

// findJobFiber locates the fiber owning a job key: parked directly on
// the job, or boundary-promoted into a race that preserved the key.
func (e *Engine) findJobFiber(ctx context.Context, instance *vm.ProcessInstance, jobKey string) *vm.Fiber {
	fibers, err := e.store.ListFibers(ctx, instance.ID)
	if err != nil {
		return nil
	}
	for _, f := range fibers {
		switch f.Wait.Kind {
		case vm.WaitJob, vm.WaitRace:
			if f.Wait.JobKey == jobKey {
				return f
			}
		}
	}
	return nil
}

// writeSetViolation checks the completion's flags against the task's
// declared write set. A task type with no declared set is unconstrained.
func (e *Engine) writeSetViolation(completion *api.JobCompletion, program *vm.CompiledProgram, pc vm.Addr) (bool, string) {
	if int(pc) >= len(program.Program) || program.Program[pc].Op != vm.OpExecNative {
		return false, ""
	}
	allowed, ok := program.WriteSet[program.Program[pc].TaskType]
	if !ok {
		return false, ""
	}
	for wireKey := range completion.OrchFlags {
		key, parsed := vm.ParseFlagWireKey(wireKey)
		if !parsed {
			return true, wireKey
		}
		permitted := false
		for _, a := range allowed {
			if a == key {
				permitted = true
				break
			}
		}
		if !permitted {
			return true, wireKey
		}
	}
	return false, ""
}
