package models

type RetryJobRequest struct {
	// Reason is recorded in the job history.
	Reason string `json:"reason,omitempty" example:"customer contacted support"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
