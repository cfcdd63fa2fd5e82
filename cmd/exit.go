package cmd

import "github.com/kilianp07/wqforecast/core/errdefs"

// Process exit codes.
const (
	ExitOK                = 0
	ExitUnexpected        = 1
	ExitConfiguration     = 2
	ExitModelLoad         = 3
	ExitGraphConstruction = 4
	ExitExecution         = 5
	ExitCancelled         = 6
)

// ExitCode maps the error of a run to the process exit code. Data errors
// share the code of graph construction: both mean the source cannot be
// forecast.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch errdefs.KindOf(err) {
	case errdefs.ErrCancelled:
		return ExitCancelled
	case errdefs.ErrConfiguration:
		return ExitConfiguration
	case errdefs.ErrModelLoad:
		return ExitModelLoad
	case errdefs.ErrGraphConstruction, errdefs.ErrData:
		return ExitGraphConstruction
	case errdefs.ErrExecution:
		return ExitExecution
	}
	return ExitUnexpected
}
