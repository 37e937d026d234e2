package deel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"payrollbridge/money"
	"payrollbridge/payee"
	"payrollbridge/payroll"
	"payrollbridge/period"
)

const (
	DefaultBaseURL = "https://api.letsdeel.com/rest/v2"
	// DefaultRequestsPerSecond matches the provider's documented client quota.
	DefaultRequestsPerSecond = 5

	contractPageSize = 100
	maxContractPages = 200
)

// Config holds Deel API credentials and client tuning.
type Config struct {
	BaseURL           string
	Token             string
	RequestsPerSecond float64
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

// Client submits off-cycle payments to Deel contracts and polls their status.
// Every error it returns wraps payroll.ErrPaymentProvider. It never retries.
type Client struct {
	baseURL string
	token   string
	limiter *rate.Limiter
	client  *http.Client
	logger  *slog.Logger
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("deel: empty api token")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 20 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		client:  cfg.HTTPClient,
		logger:  cfg.Logger.With("module", "deel"),
	}, nil
}

type paymentRequest struct {
	Data paymentRequestData `json:"data"`
}

type paymentRequestData struct {
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Description   string `json:"description"`
	DateSubmitted string `json:"date_submitted"`
	ExternalID    string `json:"external_id"`
}

type paymentResponse struct {
	Data struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"data"`
}

type apiError struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// SubmitPayment creates an off-cycle payment on the payee's contract. The
// instruction's idempotency key is sent as Idempotency-Key and external_id.
func (c *Client) SubmitPayment(ctx context.Context, instr payroll.PaymentInstruction) (payroll.PaymentReceipt, error) {
	if instr.PayeeID == "" || instr.IdempotencyKey == "" {
		return payroll.PaymentReceipt{}, fmt.Errorf("%w: payee and idempotency key are required", payroll.ErrPaymentProvider)
	}

	body := paymentRequest{Data: paymentRequestData{
		Amount:        money.Format(instr.Amount, instr.Currency),
		Currency:      instr.Currency,
		Description:   instr.Description,
		DateSubmitted: instr.Period.End().Format(period.DateLayout),
		ExternalID:    instr.IdempotencyKey,
	}}

	var resp paymentResponse
	path := "/contracts/" + url.PathEscape(instr.PayeeID) + "/off-cycle-payments"
	if err := c.doJSON(ctx, http.MethodPost, path, instr.IdempotencyKey, body, &resp); err != nil {
		return payroll.PaymentReceipt{}, err
	}

	c.logger.InfoContext(ctx, "off-cycle payment created",
		"key", instr.IdempotencyKey, "payee_id", instr.PayeeID, "provider_reference", resp.Data.ID, "status", resp.Data.Status)
	return payroll.PaymentReceipt{
		Reference: resp.Data.ID,
		Status:    payroll.ParseStatus(resp.Data.Status),
		Reason:    resp.Data.Reason,
	}, nil
}

// PaymentStatus reads the current status of a previously created payment.
func (c *Client) PaymentStatus(ctx context.Context, payeeID, reference string) (payroll.PaymentReceipt, error) {
	var resp paymentResponse
	path := "/contracts/" + url.PathEscape(payeeID) + "/off-cycle-payments/" + url.PathEscape(reference)
	if err := c.doJSON(ctx, http.MethodGet, path, "", nil, &resp); err != nil {
		return payroll.PaymentReceipt{}, err
	}
	ref := resp.Data.ID
	if ref == "" {
		ref = reference
	}
	return payroll.PaymentReceipt{
		Reference: ref,
		Status:    payroll.ParseStatus(resp.Data.Status),
		Reason:    resp.Data.Reason,
	}, nil
}

type contractsPage struct {
	Data []struct {
		ID         string `json:"id"`
		Title      string `json:"title"`
		Type       string `json:"type"`
		Status     string `json:"status"`
		ExternalID string `json:"external_id"`
		Worker     *struct {
			FullName string `json:"full_name"`
			Email    string `json:"email"`
		} `json:"worker"`
	} `json:"data"`
	Page struct {
		Cursor string `json:"cursor"`
	} `json:"page"`
}

// ListContracts returns every contract on the account, following the
// after_cursor pagination until the provider stops returning a cursor.
func (c *Client) ListContracts(ctx context.Context) ([]payee.Contract, error) {
	var out []payee.Contract
	cursor := ""
	for page := 0; ; page++ {
		if page >= maxContractPages {
			return nil, fmt.Errorf("%w: contracts exceeded %d pages", payroll.ErrPaymentProvider, maxContractPages)
		}
		q := url.Values{}
		q.Set("limit", fmt.Sprint(contractPageSize))
		if cursor != "" {
			q.Set("after_cursor", cursor)
		}
		var resp contractsPage
		if err := c.doJSON(ctx, http.MethodGet, "/contracts?"+q.Encode(), "", nil, &resp); err != nil {
			return nil, err
		}
		for _, d := range resp.Data {
			ct := payee.Contract{ID: d.ID, Title: d.Title, Status: d.Status, ExternalID: d.ExternalID}
			if d.Worker != nil {
				ct.WorkerName, ct.WorkerEmail = d.Worker.FullName, d.Worker.Email
			}
			out = append(out, ct)
		}
		if len(resp.Data) == 0 || resp.Page.Cursor == "" || resp.Page.Cursor == cursor {
			break
		}
		cursor = resp.Page.Cursor
	}
	c.logger.InfoContext(ctx, "contracts listed", "count", len(out))
	return out, nil
}

type contractUpdate struct {
	Data struct {
		ExternalID string `json:"external_id"`
	} `json:"data"`
}

// SetExternalID stores the worker link on a contract so later syncs can match
// it without scoring names.
func (c *Client) SetExternalID(ctx context.Context, contractID, externalID string) error {
	if contractID == "" {
		return fmt.Errorf("%w: contract id is required", payroll.ErrPaymentProvider)
	}
	var body contractUpdate
	body.Data.ExternalID = externalID
	return c.doJSON(ctx, http.MethodPatch, "/contracts/"+url.PathEscape(contractID), "", body, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path, idempotencyKey string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit wait: %w", payroll.ErrPaymentProvider, err)
	}

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %w", payroll.ErrPaymentProvider, err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("%w: %w", payroll.ErrPaymentProvider, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", payroll.ErrPaymentProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		msg := strings.TrimSpace(string(raw))
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && len(apiErr.Errors) > 0 && apiErr.Errors[0].Message != "" {
			msg = apiErr.Errors[0].Message
		}
		return fmt.Errorf("%w: %s %s: http %d: %s", payroll.ErrPaymentProvider, method, path, resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %w", payroll.ErrPaymentProvider, err)
	}
	return nil
}
