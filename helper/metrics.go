package helper

// Metrics receives helper-side measurements. *metrics.Collector implements it.
type Metrics interface {
	RecordHelperRequest(method string)
	RecordHelperExecution(operation string, exitStatus int)
	SetHelperActiveCommands(count int)
}

type noopMetrics struct{}

func (noopMetrics) RecordHelperRequest(string)        {}
func (noopMetrics) RecordHelperExecution(string, int) {}
func (noopMetrics) SetHelperActiveCommands(int)       {}
