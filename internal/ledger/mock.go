package ledger

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// MockNetwork simulates a settlement network for local runs and tests.
// It waits a random delay, fails transiently at FailureRate, rejects at
// RejectRate, and confirms a transaction after ConfirmAfter status polls.
type MockNetwork struct {
	FailureRate  float64
	RejectRate   float64
	MinDelay     time.Duration
	MaxDelay     time.Duration
	ConfirmAfter int

	mu    sync.Mutex
	polls map[string]int
}

// NewMockNetwork creates a MockNetwork with default settings.
func NewMockNetwork() *MockNetwork {
	return &MockNetwork{
		FailureRate:  0.1,
		RejectRate:   0.02,
		MinDelay:     500 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		ConfirmAfter: 2,
		polls:        make(map[string]int),
	}
}

func (n *MockNetwork) Submit(ctx context.Context, signedPayload []byte) (string, error) {
	if err := n.sleep(ctx); err != nil {
		return "", err
	}

	ref := Reference(signedPayload)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.polls == nil {
		n.polls = make(map[string]int)
	}
	if _, known := n.polls[ref]; known {
		return ref, nil
	}

	roll := rand.Float64()
	switch {
	case roll < n.FailureRate:
		return "", fmt.Errorf("%w: network temporarily unavailable", ErrTransient)
	case roll < n.FailureRate+n.RejectRate:
		return "", fmt.Errorf("%w: tx_bad_auth", ErrRejected)
	}
	n.polls[ref] = 0
	return ref, nil
}

func (n *MockNetwork) Status(ctx context.Context, reference string) (Status, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	polls, known := n.polls[reference]
	if !known {
		return StatusNotFound, nil
	}
	polls++
	n.polls[reference] = polls
	if polls >= n.ConfirmAfter {
		return StatusConfirmed, nil
	}
	return StatusPending, nil
}

func (n *MockNetwork) sleep(ctx context.Context) error {
	delay := n.MinDelay
	if spread := n.MaxDelay - n.MinDelay; spread > 0 {
		delay += time.Duration(rand.Int63n(int64(spread)))
	}
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("network call canceled: %w", ctx.Err())
	}
}

// Locate reports a payload the mock has accepted as pending, or confirmed once
// it has been polled ConfirmAfter times.
func (n *MockNetwork) Locate(ctx context.Context, signedPayload []byte) (string, Status, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	ref := Reference(signedPayload)
	n.mu.Lock()
	defer n.mu.Unlock()

	polls, known := n.polls[ref]
	switch {
	case !known:
		return "", StatusNotFound, nil
	case polls >= n.ConfirmAfter:
		return ref, StatusConfirmed, nil
	default:
		return ref, StatusPending, nil
	}
}
