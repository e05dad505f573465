package restoration_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"photo-restore-backend/internal/models"
	"photo-restore-backend/internal/replicate"
	"photo-restore-backend/internal/restoration"
)

func TestJobStatusFor(t *testing.T) {
	tests := []struct {
		in     replicate.Status
		want   models.JobStatus
		wantOK bool
	}{
		{replicate.StatusStarting, models.JobStatusProcessing, true},
		{replicate.StatusProcessing, models.JobStatusProcessing, true},
		{replicate.StatusSucceeded, models.JobStatusCompleted, true},
		{replicate.StatusFailed, models.JobStatusFailed, true},
		{replicate.StatusCanceled, models.JobStatusFailed, true},
		{replicate.Status("aborted"), "", false},
	}

	for _, tt := range tests {
		got, ok := restoration.JobStatusFor(tt.in)
		assert.Equal(t, tt.wantOK, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	assert.True(t, restoration.IsFinal(replicate.StatusCanceled))
	assert.False(t, restoration.IsFinal(replicate.StatusStarting))
}

func TestTally(t *testing.T) {
	jobs := []models.RestorationJob{
		{Status: models.JobStatusCompleted},
		{Status: models.JobStatusFailed},
		{Status: models.JobStatusCancelled},
		{Status: models.JobStatusProcessing},
	}

	tally := restoration.TallyJobs(jobs)
	assert.Equal(t, restoration.Tally{Total: 4, Completed: 1, Failed: 2, Active: 1}, tally)
	assert.Equal(t, 75, tally.ProgressPercentage())

	_, terminal := tally.OrderStatus()
	assert.False(t, terminal)

	status, terminal := restoration.TallyJobs(jobs[:3]).OrderStatus()
	assert.True(t, terminal)
	assert.Equal(t, models.OrderStatusCompleted, status)

	status, terminal = restoration.TallyJobs(jobs[1:3]).OrderStatus()
	assert.True(t, terminal)
	assert.Equal(t, models.OrderStatusFailed, status)

	assert.Equal(t, 0, restoration.TallyJobs(nil).ProgressPercentage())
}
