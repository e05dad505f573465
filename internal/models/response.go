package models

import "time"

// StatusResponse is the read projection polled by the order status page.
type StatusResponse struct {
	OrderID            string          `json:"order_id"`
	OverallStatus      string          `json:"overallStatus"`
	ProgressPercentage int             `json:"progressPercentage"`
	TotalJobs          int             `json:"totalJobs"`
	CompletedJobs      int             `json:"completedJobs"`
	FailedJobs         int             `json:"failedJobs"`
	ProcessingJobs     int             `json:"processingJobs"`
	RestoredImages     []RestoredImage `json:"restoredImages"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

type RestoredImage struct {
	JobID       string `json:"job_id"`
	OriginalURL string `json:"original_url"`
	RestoredURL string `json:"restored_url"`
}

type ReconcileResponse struct {
	OrderID  string `json:"order_id"`
	Checked  int    `json:"checked"`
	Changed  int    `json:"changed"`
	Terminal bool   `json:"terminal"`
	Status   string `json:"status"`
}

type RetryJobResponse struct {
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	AttemptNumber int    `json:"attempt_number"`
	MaxAttempts   int    `json:"max_attempts"`
}

type FlushResponse struct {
	Claimed     int `json:"claimed"`
	Sent        int `json:"sent"`
	Unconfirmed int `json:"unconfirmed"`
	Rescheduled int `json:"rescheduled"`
	Failed      int `json:"failed"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
