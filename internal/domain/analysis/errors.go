package analysis

import "errors"

var (
	// ErrInvalidAnalysisInput is returned when an AnalysisInput is missing
	// its subject or window bounds.
	ErrInvalidAnalysisInput = errors.New("invalid analysis input")

	// ErrUnsupportedSubjectKind is returned when no state machine can be built
	// for a subject's task kind or verification method.
	ErrUnsupportedSubjectKind = errors.New("unsupported subject kind")

	// ErrSubjectNotFound is returned by a SubjectProvider for unknown subjects.
	ErrSubjectNotFound = errors.New("subject not found")

	// ErrStateMachineAlreadyRunning is returned when a subject already has an
	// unfinished state machine.
	ErrStateMachineAlreadyRunning = errors.New("state machine already running for subject")

	// ErrNilStateMachine is returned when a machine or its current state is nil.
	ErrNilStateMachine = errors.New("state machine or its current state is nil")

	// ErrUnhandledStatus is returned when an executor reports a status the
	// engine has no handler for.
	ErrUnhandledStatus = errors.New("unhandled analysis status")

	// ErrInvalidRetry is returned when a retry is requested for a state that
	// did not fail or time out.
	ErrInvalidRetry = errors.New("retry requested for a state that is not failed or timed out")

	// ErrExecutorNotRegistered is returned when no executor exists for a state type.
	ErrExecutorNotRegistered = errors.New("no executor registered for state type")

	// ErrAnalysisStatusUnknown is returned when parsing an unrecognized status.
	ErrAnalysisStatusUnknown = errors.New("unknown analysis status")

	// ErrOrchestratorNotFound is returned when a subject has no orchestrator.
	ErrOrchestratorNotFound = errors.New("analysis orchestrator not found")

	// ErrWorkerTaskNotFound is returned when a worker task id is unknown.
	ErrWorkerTaskNotFound = errors.New("worker task not found")
)
