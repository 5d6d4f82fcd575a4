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

package api

// NATS Stream Names
const (
	ProcessEventsStream = "PROCESS_EVENTS"
	JobTasksStream      = "JOB_TASKS"
)

// NATS Subject Prefixes
const (
	EventSubjectPrefix = "flow.events"
	JobSubjectPrefix   = "flow.jobs"
)

// NATS Subject Formats
const (
	EventPublishSubjectPattern = EventSubjectPrefix + ".%s" // instanceID
	JobPublishSubjectPattern   = JobSubjectPrefix + ".%s"   // taskType
)

// NATS Subject Patterns
const (
	EventFilterSubjectPattern = EventSubjectPrefix + ".>"
	JobFilterSubjectPattern   = JobSubjectPrefix + ".>"

	CommandRequestSubjectPattern = "flow.cmd.>"
)

// Specific Command Subjects
const (
	CommandRequestDeploy  = "flow.cmd.deploy"
	CommandRequestStart   = "flow.cmd.start"
	CommandRequestCancel  = "flow.cmd.cancel"
	CommandRequestSignal  = "flow.cmd.signal"
	CommandRequestResolve = "flow.cmd.resolve"
)

// Job Result Subjects — workers publish exactly one of these per job_key.
const (
	JobCompleteSubject = "flow.job.complete"
	JobFailSubject     = "flow.job.fail"
)

// Consumer Names
const (
	EngineCommandProcessorsConsumer = "engine-command-processors"
	JobWorkerConsumerPrefix         = "worker-jobs-" // + taskType
)
