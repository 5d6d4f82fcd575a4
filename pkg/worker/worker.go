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

// Package worker is the external worker SDK.
//
// A worker polls job activations for its registered task types, executes
// domain code, and reports exactly one completion or failure per job key.
// Workers must be idempotent per job key: the engine may redeliver an
// activation after a transient failure.
//
// Example:
//
//	w, err := worker.New(conn, &serde.MsgpackSerde{}, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	w.RegisterTaskType("charge", func(ctx context.Context, job *api.JobActivation) (*worker.Result, error) {
//		if err := charge(job.DomainPayload); err != nil {
//			return nil, err // retried as transient
//		}
//		return &worker.Result{DomainPayload: receipt}, nil
//	})
//
//	if err := w.Run(ctx); err != nil {
//		log.Fatal(err)
//	}
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/flowlite/flowlite/api"
	"github.com/flowlite/flowlite/api/serde"
	jetstreamx "github.com/flowlite/flowlite/internal/server/infra/jetstream"
)

// Handler executes one job activation. A nil error reports completion; a
// non-nil error is classified through errors.As against RejectionError and
// TransientError, defaulting to a transient failure.
type Handler func(ctx context.Context, job *api.JobActivation) (*Result, error)

// Result is the success payload of a handler. OrchFlags must stay within
// the task type's declared write set or the engine raises an incident.
type Result struct {
	DomainPayload []byte
	OrchFlags     api.OrchFlags
}

// RejectionError reports a domain-level refusal. The engine routes it
// through the program's error routes instead of retrying.
type RejectionError struct {
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("rejected (%s): %s", e.Code, e.Message)
}

// Reject builds a RejectionError with the given route code.
func Reject(code, message string) error {
	return &RejectionError{Code: code, Message: message}
}

// TransientError reports a retryable failure with an optional backoff hint.
type TransientError struct {
	Err       error
	RetryHint time.Duration
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps an error as transient with an explicit backoff hint.
func RetryAfter(err error, hint time.Duration) error {
	return &TransientError{Err: err, RetryHint: hint}
}

// Options tunes the polling loop.
type Options struct {
	// BatchSize caps activations fetched per poll. Default 16.
	BatchSize int
	// PollTimeout bounds each fetch. Default 2s.
	PollTimeout time.Duration
	Logger      *slog.Logger
}

type Worker struct {
	conn     *jetstreamx.Connection
	conv     serde.BinarySerde
	handlers map[string]Handler
	batch    int
	poll     time.Duration
	log      *slog.Logger
}

func New(conn *jetstreamx.Connection, conv serde.BinarySerde, opts *Options) (*Worker, error) {
	if conn == nil {
		return nil, fmt.Errorf("worker: nil connection")
	}
	if conv == nil {
		return nil, fmt.Errorf("worker: nil serde")
	}
	if opts == nil {
		opts = &Options{}
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 16
	}
	poll := opts.PollTimeout
	if poll <= 0 {
		poll = 2 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		conn:     conn,
		conv:     conv,
		handlers: make(map[string]Handler),
		batch:    batch,
		poll:     poll,
		log:      log,
	}, nil
}

// RegisterTaskType binds a handler to a task type. Registration must
// happen before Run.
func (w *Worker) RegisterTaskType(taskType string, h Handler) error {
	if taskType == "" {
		return fmt.Errorf("worker: empty task type")
	}
	if h == nil {
		return fmt.Errorf("worker: nil handler for task type %q", taskType)
	}
	if _, dup := w.handlers[taskType]; dup {
		return fmt.Errorf("worker: task type %q already registered", taskType)
	}
	w.handlers[taskType] = h
	return nil
}

// Run starts one polling loop per registered task type and blocks until
// the context is canceled or a loop fails.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.handlers) == 0 {
		return fmt.Errorf("worker: no task types registered")
	}

	g, gCtx := errgroup.WithContext(ctx)
	for taskType, handler := range w.handlers {
		g.Go(func() error {
			return w.runTaskLoop(gCtx, taskType, handler)
		})
	}
	return g.Wait()
}

func (w *Worker) runTaskLoop(ctx context.Context, taskType string, handler Handler) error {
	consumer, err := w.conn.EnsureConsumer(ctx, api.JobTasksStream, jetstream.ConsumerConfig{
		Name:          api.JobWorkerConsumerPrefix + taskType,
		Durable:       api.JobWorkerConsumerPrefix + taskType,
		FilterSubject: fmt.Sprintf(api.JobPublishSubjectPattern, taskType),
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return fmt.Errorf("ensuring consumer for task type %q: %w", taskType, err)
	}

	w.log.Info("worker polling", "task_type", taskType)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		batch, err := w.conn.FetchMessages(ctx, consumer, w.batch, jetstream.FetchMaxWait(w.poll))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			w.log.Warn("fetch failed", "task_type", taskType, "error", err)
			continue
		}
		for msg := range batch.Messages() {
			w.process(ctx, taskType, handler, msg)
		}
	}
}

func (w *Worker) process(ctx context.Context, taskType string, handler Handler, msg jetstream.Msg) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("panic in job handler", "task_type", taskType, "error", r)
		}
		if err := msg.Ack(); err != nil {
			w.log.Warn("job message ack failed", "task_type", taskType, "error", err)
		}
	}()

	var job api.JobActivation
	if err := w.conv.DeserializeBinary(msg.Data(), &job); err != nil {
		w.log.Error("malformed job activation", "task_type", taskType, "error", err)
		return
	}

	result, err := handler(ctx, &job)
	if err != nil {
		w.report(ctx, api.JobFailSubject, buildFailure(job.JobKey, err))
		return
	}
	w.report(ctx, api.JobCompleteSubject, buildCompletion(job.JobKey, result))
}

func (w *Worker) report(ctx context.Context, subject string, payload any) {
	data, err := w.conv.SerializeBinary(payload)
	if err != nil {
		w.log.Error("serializing job report", "subject", subject, "error", err)
		return
	}
	if err := w.conn.Publish(ctx, subject, data); err != nil {
		w.log.Error("publishing job report", "subject", subject, "error", err)
	}
}

// buildCompletion stamps the payload hash the engine checks completions
// against.
func buildCompletion(jobKey string, result *Result) *api.JobCompletion {
	if result == nil {
		result = &Result{}
	}
	return &api.JobCompletion{
		JobKey:            jobKey,
		DomainPayload:     result.DomainPayload,
		DomainPayloadHash: api.HashBytes(result.DomainPayload),
		OrchFlags:         result.OrchFlags,
	}
}

// buildFailure classifies a handler error into the failure taxonomy.
func buildFailure(jobKey string, err error) *api.JobFailure {
	failure := &api.JobFailure{
		JobKey:     jobKey,
		ErrorClass: api.Transient(),
		Message:    err.Error(),
	}

	var rejection *RejectionError
	if errors.As(err, &rejection) {
		failure.ErrorClass = api.BusinessRejection(rejection.Code)
		failure.Message = rejection.Message
		return failure
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		failure.RetryHintMS = uint64(transient.RetryHint.Milliseconds())
	}
	return failure
}
