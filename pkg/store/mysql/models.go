package mysql

import "calcgrid/pkg/store/mysql/model"

type (
	Run          = model.Run
	Batch        = model.Batch
	Reassignment = model.Reassignment
	RunStats     = model.RunStats
	StaleRun     = model.StaleRun

	JSONStringArray = model.JSONStringArray
	JSONIntArray    = model.JSONIntArray
	JSONFloatArray  = model.JSONFloatArray
)

// IsTerminalStatus reports whether a runs.status value is final
func IsTerminalStatus(status string) bool {
	return model.IsTerminal(status)
}
