package analysis

import "encoding/json"

// StateType selects the executor responsible for an AnalysisState.
type StateType string

const (
	StateTypeServiceGuardTimeSeries     StateType = "SERVICE_GUARD_TIME_SERIES"
	StateTypeServiceGuardLogCluster     StateType = "SERVICE_GUARD_LOG_CLUSTER"
	StateTypeServiceGuardLogAnalysis    StateType = "SERVICE_GUARD_LOG_ANALYSIS"
	StateTypeDeploymentTimeSeries       StateType = "DEPLOYMENT_TIME_SERIES"
	StateTypePreDeploymentLogCluster    StateType = "PRE_DEPLOYMENT_LOG_CLUSTER"
	StateTypeDeploymentLogCluster       StateType = "DEPLOYMENT_LOG_CLUSTER"
	StateTypeDeploymentLogAnalysis      StateType = "DEPLOYMENT_LOG_ANALYSIS"
	StateTypeSLIMetricAnalysis          StateType = "SLI_METRIC_ANALYSIS"
	StateTypeCompositeSLOMetricAnalysis StateType = "COMPOSITE_SLO_METRIC_ANALYSIS"
)

func (t StateType) String() string { return string(t) }

// AllStateTypes lists every known state type.
func AllStateTypes() []StateType {
	return []StateType{
		StateTypeServiceGuardTimeSeries,
		StateTypeServiceGuardLogCluster,
		StateTypeServiceGuardLogAnalysis,
		StateTypeDeploymentTimeSeries,
		StateTypePreDeploymentLogCluster,
		StateTypeDeploymentLogCluster,
		StateTypeDeploymentLogAnalysis,
		StateTypeSLIMetricAnalysis,
		StateTypeCompositeSLOMetricAnalysis,
	}
}

// ParseStateType returns the StateType named by s.
func ParseStateType(s string) (StateType, bool) {
	for _, t := range AllStateTypes() {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// AnalysisState is one step of a state machine. Executors own the step's
// progress; Details carries whatever type-specific data they need between
// ticks.
type AnalysisState struct {
	Type         StateType
	Status       AnalysisStatus
	Inputs       AnalysisInput
	WorkerTaskID string
	RetryCount   int
	Details      json.RawMessage
}

// NewAnalysisState returns a CREATED state of the given type.
func NewAnalysisState(stateType StateType, inputs AnalysisInput) *AnalysisState {
	return &AnalysisState{
		Type:   stateType,
		Status: StatusCreated,
		Inputs: inputs,
	}
}

// Clone returns a deep copy of the state.
func (s *AnalysisState) Clone() *AnalysisState {
	if s == nil {
		return nil
	}
	c := *s
	if s.Details != nil {
		c.Details = append(json.RawMessage(nil), s.Details...)
	}
	return &c
}
