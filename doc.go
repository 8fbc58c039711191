// Package taskflow is an embeddable job execution engine.
//
// Callers submit units of work (jobs) with optional inter-job
// dependencies, resource requirements, retry policies, and execution
// locality (same task context, background thread, separate process, or
// a web-service variant). The engine schedules submitted jobs across a
// single cooperative loop, enforces resource and dependency
// constraints, reports progress and terminal results, and persists
// terminal jobs to disk for later inspection.
//
// The core lives in the job, store, conditions, future and engine
// packages; everything else is the ambient/domain stack those packages
// build on:
//
//	import "oss.nandlabs.io/taskflow/engine"     // Engine, scheduler, EngineSetting
//	import "oss.nandlabs.io/taskflow/job"        // Job, locality, state machine
//	import "oss.nandlabs.io/taskflow/store"      // job store + persistence mirror
//	import "oss.nandlabs.io/taskflow/conditions" // condition evaluator
//	import "oss.nandlabs.io/taskflow/future"     // future handles
//	import "oss.nandlabs.io/taskflow/l3"         // logging
//	import "oss.nandlabs.io/taskflow/codec"      // encoding/decoding (JSON, XML, YAML)
//	import "oss.nandlabs.io/taskflow/config"     // application configuration
package taskflow
