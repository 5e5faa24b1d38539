package telemetry

type ActionCategory int

const (
	Fuzzing ActionCategory = iota
	DynamicAnalysis
	InputGeneration
)

func (a ActionCategory) String() string {
	switch a {
	case Fuzzing:
		return "fuzzing"
	case DynamicAnalysis:
		return "dynamic_analysis"
	case InputGeneration:
		return "input_generation"
	default:
		return "unknown"
	}
}
