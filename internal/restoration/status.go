package restoration

import (
	"photo-restore-backend/internal/models"
	"photo-restore-backend/internal/replicate"
)

// providerStatuses is the only mapping from provider status strings to job
// statuses. Webhook, poll and dispatch paths all go through JobStatusFor.
var providerStatuses = map[replicate.Status]models.JobStatus{
	replicate.StatusStarting:   models.JobStatusProcessing,
	replicate.StatusProcessing: models.JobStatusProcessing,
	replicate.StatusSucceeded:  models.JobStatusCompleted,
	replicate.StatusFailed:     models.JobStatusFailed,
	replicate.StatusCanceled:   models.JobStatusFailed,
}

// JobStatusFor translates a provider status. ok is false for statuses the
// provider may add in the future; callers treat those as "no information".
func JobStatusFor(s replicate.Status) (models.JobStatus, bool) {
	status, ok := providerStatuses[s]
	return status, ok
}

// IsFinal reports whether the provider will not change the prediction again.
func IsFinal(s replicate.Status) bool {
	status, ok := JobStatusFor(s)
	return ok && status.IsTerminal()
}

// Tally partitions jobs the way the completion evaluator sees them.
type Tally struct {
	Total     int
	Completed int
	Failed    int
	Active    int
}

func TallyJobs(jobs []models.RestorationJob) Tally {
	t := Tally{Total: len(jobs)}
	for _, job := range jobs {
		switch {
		case job.Status == models.JobStatusCompleted:
			t.Completed++
		case job.Status.IsActive():
			t.Active++
		default:
			// failed and cancelled
			t.Failed++
		}
	}
	return t
}

// OrderStatus returns the terminal order status for the tally, or false while
// any job is still active.
func (t Tally) OrderStatus() (models.OrderStatus, bool) {
	if t.Active > 0 {
		return models.OrderStatusProcessing, false
	}
	if t.Completed > 0 {
		return models.OrderStatusCompleted, true
	}
	return models.OrderStatusFailed, true
}

// ProgressPercentage counts resolved jobs, successful or not.
func (t Tally) ProgressPercentage() int {
	if t.Total == 0 {
		return 0
	}
	return (t.Completed + t.Failed) * 100 / t.Total
}
