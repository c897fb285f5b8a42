package dlock

type (
	RunOptions      = runOptions
	TelemetryConfig = telemetryConfig
)

//nolint:gochecknoglobals
var (
	ExecUnderLock  = execUnderLock
	ParseJobFlag   = parseJobFlag
	StartTelemetry = startTelemetry
)
