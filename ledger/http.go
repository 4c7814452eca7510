package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"github.com/warp/obligation-engine/generic"
)

// =============================================================================
// HTTP LEDGER CLIENT
// =============================================================================
//
//   GET  {base}/accounts/{id}/balance   -> {"amount":"120.00","currency":"EUR"}
//   POST {base}/accounts/{id}/debits    -> {"recordId":"...","amount":"...","currency":"..."}
//   POST {base}/accounts/{id}/credits   -> same
//
// A debit body names counterpartyAccountId when the money goes to another
// ledger account; the ledger books both legs as one record.
//
// Postings send the key in the Idempotency-Key header. 402 (or 409 with
// code INSUFFICIENT_FUNDS) means the account cannot cover the posting.
// Anything else that is not 2xx counts against the breaker.

type HTTPConfig struct {
	BaseURL         string
	Timeout         time.Duration // per call
	BreakerFailures uint32        // consecutive failures before opening
	BreakerCooldown time.Duration // open -> half-open
}

type HTTPClient struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	c := &HTTPClient{
		baseURL: cfg.BaseURL,
		timeout: cfg.Timeout,
		http:    &http.Client{},
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ledger",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// An empty account is an answer, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, generic.ErrInsufficientFunds)
		},
	})
	return c
}

type amountBody struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type postingBody struct {
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	Counterparty string `json:"counterpartyAccountId,omitempty"`
	Memo         string `json:"memo,omitempty"`
	Category     string `json:"category,omitempty"`
}

type receiptBody struct {
	RecordID string `json:"recordId"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Available string `json:"available"`
}

func (c *HTTPClient) Balance(ctx context.Context, account generic.AccountID) (generic.Amount, error) {
	var body amountBody
	if err := c.call(ctx, "balance", account, http.MethodGet, "balance", "", nil, &body, generic.Amount{}); err != nil {
		return generic.Amount{}, err
	}
	amt, err := generic.ParseAmount(body.Amount, generic.Currency(body.Currency))
	if err != nil {
		return generic.Amount{}, generic.AsTransient("balance", account, err)
	}
	return amt, nil
}

func (c *HTTPClient) Debit(ctx context.Context, p Posting) (Receipt, error) {
	return c.post(ctx, "debit", "debits", p)
}

func (c *HTTPClient) Credit(ctx context.Context, p Posting) (Receipt, error) {
	return c.post(ctx, "credit", "credits", p)
}

func (c *HTTPClient) post(ctx context.Context, op, path string, p Posting) (Receipt, error) {
	payload, err := json.Marshal(postingBody{
		Amount:       p.Amount.Value.String(),
		Currency:     string(p.Amount.Currency),
		Counterparty: string(p.Counterparty),
		Memo:         p.Memo,
		Category:     p.Category,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal posting: %w", err)
	}

	var body receiptBody
	if err := c.call(ctx, op, p.AccountID, http.MethodPost, path, p.IdempotencyKey, payload, &body, p.Amount); err != nil {
		return Receipt{}, err
	}

	moved := p.Amount
	if body.Amount != "" {
		if amt, err := generic.ParseAmount(body.Amount, p.Amount.Currency); err == nil {
			moved = amt
		}
	}
	return Receipt{RecordID: generic.LedgerRecordID(body.RecordID), Amount: moved}, nil
}

// call runs one request through the breaker. Every failure except
// insufficient funds comes back as a TransientLedgerError.
func (c *HTTPClient) call(ctx context.Context, op string, account generic.AccountID,
	method, path, key string, payload []byte, out any, requested generic.Amount) error {

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, account, method, path, key, payload, out, requested)
	})
	return generic.AsTransient(op, account, err)
}

func (c *HTTPClient) do(ctx context.Context, account generic.AccountID,
	method, path, key string, payload []byte, out any, requested generic.Amount) error {

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/accounts/%s/%s", c.baseURL, url.PathEscape(string(account)), path)
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	var e errorBody
	_ = json.Unmarshal(raw, &e)
	if resp.StatusCode == http.StatusPaymentRequired ||
		(resp.StatusCode == http.StatusConflict && e.Code == "INSUFFICIENT_FUNDS") {
		return &generic.InsufficientFundsError{
			AccountID: account,
			Available: generic.NewAmountFromString(e.Available, requested.Currency),
			Requested: requested,
		}
	}
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(raw))
}
