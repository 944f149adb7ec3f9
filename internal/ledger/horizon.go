package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HorizonNetwork talks to a Horizon-style REST gateway:
// POST /transactions submits, GET /transactions/{hash} reports finality.
type HorizonNetwork struct {
	baseURL string
	client  *http.Client
}

// NewHorizonNetwork creates a client for baseURL. A nil client gets a default
// one with a conservative timeout; callers still bound each call with ctx.
func NewHorizonNetwork(baseURL string, client *http.Client) *HorizonNetwork {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HorizonNetwork{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

type horizonTransaction struct {
	Hash       string `json:"hash"`
	Successful bool   `json:"successful"`
}

type horizonProblem struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Extras struct {
		ResultCodes struct {
			Transaction string `json:"transaction"`
		} `json:"result_codes"`
	} `json:"extras"`
}

func (h *HorizonNetwork) Submit(ctx context.Context, signedPayload []byte) (string, error) {
	form := url.Values{"tx": {base64.StdEncoding.EncodeToString(signedPayload)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/transactions", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", h.transportError(ctx, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", h.transportError(ctx, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var tx horizonTransaction
		if err := json.Unmarshal(body, &tx); err != nil {
			return "", fmt.Errorf("%w: decode submit response: %v", ErrTransient, err)
		}
		if tx.Hash == "" {
			return Reference(signedPayload), nil
		}
		return tx.Hash, nil
	case resp.StatusCode == http.StatusBadRequest:
		return "", fmt.Errorf("%w: %s", ErrRejected, rejectionCode(body))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return "", fmt.Errorf("%w: submit returned %d", ErrTransient, resp.StatusCode)
	default:
		return "", fmt.Errorf("%w: unexpected submit status %d", ErrRejected, resp.StatusCode)
	}
}

func (h *HorizonNetwork) Status(ctx context.Context, reference string) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/transactions/"+url.PathEscape(reference), nil)
	if err != nil {
		return "", fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", h.transportError(ctx, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var tx horizonTransaction
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&tx); err != nil {
			return "", fmt.Errorf("%w: decode status response: %v", ErrTransient, err)
		}
		if tx.Successful {
			return StatusConfirmed, nil
		}
		return StatusFailed, nil
	case resp.StatusCode == http.StatusNotFound:
		return StatusNotFound, nil
	default:
		return "", fmt.Errorf("%w: status returned %d", ErrTransient, resp.StatusCode)
	}
}

// Locate resubmits signedPayload. Horizon answers a transaction it has already
// ingested with the stored result, so a landed submission comes back with the
// ledger's hash instead of being applied twice. A rejection means the payload
// can no longer land.
func (h *HorizonNetwork) Locate(ctx context.Context, signedPayload []byte) (string, Status, error) {
	ref, err := h.Submit(ctx, signedPayload)
	if errors.Is(err, ErrRejected) {
		return "", StatusFailed, nil
	}
	if err != nil {
		return "", "", err
	}

	status, err := h.Status(ctx, ref)
	if err != nil {
		return ref, "", err
	}
	if status == StatusNotFound {
		// accepted but not yet ingested
		status = StatusPending
	}
	return ref, status, nil
}

func (h *HorizonNetwork) transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("network call interrupted: %w", ctxErr)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

func rejectionCode(body []byte) string {
	var p horizonProblem
	if err := json.Unmarshal(body, &p); err != nil {
		return "transaction failed"
	}
	if code := p.Extras.ResultCodes.Transaction; code != "" {
		return code
	}
	if p.Title != "" {
		return p.Title
	}
	return "transaction failed"
}
