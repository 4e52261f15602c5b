// Package reliability classifies analysis events by how much their loss costs
// and retries delivery of the ones that matter.
package reliability

import (
	domain "github.com/ahrav/analysis-armada/internal/domain/analysis"
	"github.com/ahrav/analysis-armada/internal/domain/events"
)

// IsCriticalEvent reports whether losing an event of eventType would leave
// downstream consumers with an inconsistent view.
//
// Terminal machine events and requests are critical: nothing retransmits
// them. Queue notifications are not, since the durable queue is the source of
// truth.
func IsCriticalEvent(eventType events.EventType) bool {
	switch eventType {
	case domain.EventTypeStateMachineCompleted,
		domain.EventTypeStateMachineFailed,
		domain.EventTypeStateMachineIgnored,
		domain.EventTypeAnalysisRequested,
		domain.EventTypeAnalysisCompletionRequested:
		return true

	case domain.EventTypeAnalysisQueued:
		return false

	default:
		return false
	}
}
