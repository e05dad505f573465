package replicate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StubClient stands in for the provider in offline and test runs. Every
// prediction succeeds immediately with a fixed output URL.
type StubClient struct {
	outputURL string

	mu          sync.Mutex
	predictions map[string]*Prediction
}

func NewStubClient(outputURL string) *StubClient {
	return &StubClient{
		outputURL:   outputURL,
		predictions: make(map[string]*Prediction),
	}
}

func (s *StubClient) Create(ctx context.Context, input map[string]interface{}) (*Prediction, error) {
	output, err := json.Marshal(s.outputURL)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal output: %w", err)
	}

	now := time.Now().UTC()
	p := &Prediction{
		ID:          "stub-" + uuid.NewString(),
		Version:     "stub",
		Status:      StatusSucceeded,
		Input:       input,
		Output:      output,
		CreatedAt:   &now,
		CompletedAt: &now,
	}

	s.mu.Lock()
	s.predictions[p.ID] = p
	s.mu.Unlock()

	cp := *p
	return &cp, nil
}

func (s *StubClient) Get(ctx context.Context, id string) (*Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.predictions[id]
	if !ok {
		return nil, &HTTPStatusError{Op: "get prediction", StatusCode: 404, Body: `{"detail":"Not found."}`}
	}

	cp := *p
	return &cp, nil
}
