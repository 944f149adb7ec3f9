// Package ledger is the boundary to the settlement network. Submission and
// status queries are opaque calls; the network's transaction format is not
// interpreted here.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/ayo6706/arena-settlement/internal/observability"
	"github.com/ethereum/go-ethereum/crypto"
)

// Status is the network's view of a submitted transaction.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
	StatusNotFound  Status = "NOT_FOUND"
)

var (
	// ErrTransient marks failures worth retrying: timeouts, throttling, 5xx.
	ErrTransient = errors.New("ledger: transient failure")
	// ErrRejected marks a permanent rejection of the transaction itself.
	ErrRejected = errors.New("ledger: transaction rejected")
)

// Network submits signed transactions and reports their finality.
type Network interface {
	// Submit hands a signed payload to the network and returns its reference.
	Submit(ctx context.Context, signedPayload []byte) (string, error)
	// Status reports what the network knows about reference.
	Status(ctx context.Context, reference string) (Status, error)
	// Locate finds the transaction carrying signedPayload after a submission
	// whose outcome was lost. StatusNotFound means the payload never reached
	// the ledger; any other status comes with the ledger's own reference.
	Locate(ctx context.Context, signedPayload []byte) (string, Status, error)
}

// Reference derives a deterministic reference for a signed payload on
// networks that key transactions by payload hash.
func Reference(signedPayload []byte) string {
	return crypto.Keccak256Hash(signedPayload).Hex()
}

// IsAmbiguous reports whether err leaves the submission outcome unknown.
func IsAmbiguous(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

type instrumented struct {
	next Network
}

// Instrument records call latency and outcome for every call made through n.
func Instrument(n Network) Network {
	return &instrumented{next: n}
}

func (i *instrumented) Submit(ctx context.Context, signedPayload []byte) (string, error) {
	start := time.Now()
	ref, err := i.next.Submit(ctx, signedPayload)
	observability.ObserveNetworkCall("submit", outcome(err), time.Since(start))
	return ref, err
}

func (i *instrumented) Status(ctx context.Context, reference string) (Status, error) {
	start := time.Now()
	status, err := i.next.Status(ctx, reference)
	observability.ObserveNetworkCall("status", outcome(err), time.Since(start))
	return status, err
}

func (i *instrumented) Locate(ctx context.Context, signedPayload []byte) (string, Status, error) {
	start := time.Now()
	ref, status, err := i.next.Locate(ctx, signedPayload)
	observability.ObserveNetworkCall("locate", outcome(err), time.Since(start))
	return ref, status, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case IsAmbiguous(err):
		return "timeout"
	default:
		return "transient"
	}
}
