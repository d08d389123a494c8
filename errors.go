package patcher

import "fmt"

// Step identifies a stage of Patch.
type Step int

const (
	StepLocateData Step = iota + 1
	StepLoadModules
	StepCheckEntry
	StepFindTypes
	StepFindInit
	StepCreateHook
	StepImportInit
	StepEmitCall
	StepPersist
)

var stepNames = [...]string{
	StepLocateData:  "locate data directory",
	StepLoadModules: "load modules",
	StepCheckEntry:  "check entry point",
	StepFindTypes:   "find types",
	StepFindInit:    "find init method",
	StepCreateHook:  "create hook",
	StepImportInit:  "import init method",
	StepEmitCall:    "emit call",
	StepPersist:     "write module",
}

func (s Step) String() string {
	if s > 0 && int(s) < len(stepNames) {
		return stepNames[s]
	}
	return fmt.Sprintf("step %d", int(s))
}

// StepError reports the step that failed and the directory, module, type
// or method it was working on. It unwraps to the underlying error, so the
// sentinels of the cil and loader packages match with errors.Is.
type StepError struct {
	Step   Step
	Symbol string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Step, e.Symbol, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
