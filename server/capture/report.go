package capture

import (
	"encoding/json"

	"github.com/cyclopcam/logs"
	"github.com/roadwatch/roadwatch/server/jobqueue"
)

// Outcome is the terminal result of one capture unit, as seen by the
// aggregator. The status taxonomy is the jobqueue's: success, not_found,
// failed_after_retries, error.
type Outcome struct {
	CameraID int64           `json:"cameraID"`
	Status   jobqueue.Status `json:"status"`
	Detail   string          `json:"detail,omitempty"`
}

// Report is the single observable summary of one capture batch
type Report struct {
	Total       int     `json:"total"`
	Success     int     `json:"success"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"successRate"` // Percentage, 0..100
	NotFound    int     `json:"notFound"`
	MaxRetries  int     `json:"maxRetries"`
	Errors      int     `json:"errors"`
}

// OutcomeFromResult maps a jobqueue result back onto the capture taxonomy
func OutcomeFromResult(r jobqueue.Result) Outcome {
	payload := JobPayload{}
	json.Unmarshal(r.Payload, &payload)
	return Outcome{
		CameraID: payload.CameraID,
		Status:   r.Status,
		Detail:   r.Detail,
	}
}

// Aggregate reduces a complete batch of capture outcomes into a Report.
// It runs only once every sibling unit has reached a terminal state.
func Aggregate(outcomes []Outcome) Report {
	report := Report{
		Total: len(outcomes),
	}
	for _, o := range outcomes {
		switch o.Status {
		case jobqueue.StatusSuccess:
			report.Success++
		case jobqueue.StatusNotFound:
			report.NotFound++
		case jobqueue.StatusFailedAfterRetries:
			report.MaxRetries++
		default:
			report.Errors++
		}
	}
	report.Failed = report.Total - report.Success
	if report.Total > 0 {
		report.SuccessRate = float64(report.Success) / float64(report.Total) * 100
	}
	return report
}

// LogTo writes the batch summary in the shape operators grep for
func (r Report) LogTo(log logs.Log) {
	log.Infof("Capture batch complete: %v cameras, %v ok (%.1f%%), %v failed", r.Total, r.Success, r.SuccessRate, r.Failed)
	if r.Failed > 0 {
		log.Warnf("Capture failure breakdown: not_found=%v max_retries=%v errors=%v", r.NotFound, r.MaxRetries, r.Errors)
	}
}
