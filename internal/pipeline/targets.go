// Package pipeline connects scheduled targets to the processing pipeline's
// webhook endpoints. Each configured target becomes a dispatch handler that
// POSTs the task's parameters to the pipeline and classifies the response.
package pipeline

// Well-known pipeline targets. The default schedules reference these; any
// other target name configured under pipeline.targets works the same way.
const (
	TargetProcessEmail = "process_email"
	TargetProcessSlack = "process_slack"
	TargetDailySummary = "generate_daily_summary"
)
