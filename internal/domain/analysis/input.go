package analysis

import (
	"fmt"
	"time"
)

// AnalysisInput identifies one window of work for one subject.
type AnalysisInput struct {
	SubjectID string
	StartTime time.Time
	EndTime   time.Time
}

// Validate checks that the input names a subject and both window bounds.
// The ordering of the bounds is left to the executors.
func (in AnalysisInput) Validate() error {
	switch {
	case in.SubjectID == "":
		return fmt.Errorf("%w: subject id is required", ErrInvalidAnalysisInput)
	case in.StartTime.IsZero():
		return fmt.Errorf("%w: start time is required", ErrInvalidAnalysisInput)
	case in.EndTime.IsZero():
		return fmt.Errorf("%w: end time is required", ErrInvalidAnalysisInput)
	}
	return nil
}
