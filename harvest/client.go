package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"payrollbridge/payee"
	"payrollbridge/period"
	"payrollbridge/rates"
	"payrollbridge/timesheet"
)

const (
	DefaultBaseURL   = "https://api.harvestapp.com"
	DefaultUserAgent = "payrollbridge"
	maxPages         = 500
)

var errNotFound = errors.New("harvest: not found")

// Config holds the credentials of one Harvest account.
type Config struct {
	BaseURL   string
	AccountID string
	Token     string
	UserAgent string
	// Currency is the account currency applied to user cost rates.
	Currency   string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client reads time entries and user cost rates from the Harvest v2 API.
// It does not retry; callers decide.
type Client struct {
	baseURL   string
	accountID string
	token     string
	userAgent string
	currency  string
	client    *http.Client
	logger    *slog.Logger
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Token == "" || cfg.AccountID == "" {
		return nil, errors.New("harvest: token and account id are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 20 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		accountID: cfg.AccountID,
		token:     cfg.Token,
		userAgent: cfg.UserAgent,
		currency:  strings.ToUpper(cfg.Currency),
		client:    cfg.HTTPClient,
		logger:    cfg.Logger.With("module", "harvest"),
	}, nil
}

type idRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type timeEntryDTO struct {
	ID             int64            `json:"id"`
	SpentDate      string           `json:"spent_date"`
	Hours          *decimal.Decimal `json:"hours"`
	ApprovalStatus string           `json:"approval_status"`
	IsLocked       bool             `json:"is_locked"`
	User           *idRef           `json:"user"`
	Project        *idRef           `json:"project"`
}

type timeEntriesPage struct {
	TimeEntries []timeEntryDTO `json:"time_entries"`
	Links       struct {
		Next *string `json:"next"`
	} `json:"links"`
}

// FetchTimeEntries returns every approved entry whose spent date falls in p,
// following pagination links until exhausted. The approval filter is applied
// server side; entries still carry their status for the aggregator.
func (c *Client) FetchTimeEntries(ctx context.Context, p period.Period) ([]timesheet.TimeEntry, error) {
	q := url.Values{}
	q.Set("from", p.Start().Format(period.DateLayout))
	q.Set("to", p.End().Format(period.DateLayout))
	q.Set("approval_status", timesheet.ApprovalApproved)
	q.Set("per_page", "2000")
	next := c.baseURL + "/v2/time_entries?" + q.Encode()

	var out []timesheet.TimeEntry
	for page := 0; next != ""; page++ {
		if page >= maxPages {
			return nil, fmt.Errorf("harvest: time entries exceeded %d pages", maxPages)
		}
		var resp timeEntriesPage
		if err := c.getJSON(ctx, next, &resp); err != nil {
			return nil, fmt.Errorf("harvest: fetch time entries: %w", err)
		}
		for _, dto := range resp.TimeEntries {
			entry, err := dto.toEntry()
			if err != nil {
				return nil, fmt.Errorf("harvest: time entry %d: %w", dto.ID, err)
			}
			out = append(out, entry)
		}
		next = ""
		if resp.Links.Next != nil {
			next = *resp.Links.Next
		}
	}

	c.logger.DebugContext(ctx, "time entries fetched", "period", p.Key(), "entries", len(out))
	return out, nil
}

func (dto timeEntryDTO) toEntry() (timesheet.TimeEntry, error) {
	date, err := time.Parse(period.DateLayout, dto.SpentDate)
	if err != nil {
		return timesheet.TimeEntry{}, fmt.Errorf("invalid spent_date %q", dto.SpentDate)
	}
	if dto.Hours == nil {
		return timesheet.TimeEntry{}, errors.New("missing hours")
	}
	entry := timesheet.TimeEntry{
		Date:           date,
		Hours:          *dto.Hours,
		ApprovalStatus: dto.ApprovalStatus,
	}
	if dto.User != nil && dto.User.ID != 0 {
		entry.WorkerID = strconv.FormatInt(dto.User.ID, 10)
	}
	if dto.Project != nil && dto.Project.ID != 0 {
		entry.ProjectID = strconv.FormatInt(dto.Project.ID, 10)
	}
	return entry, nil
}

type userDTO struct {
	ID        int64            `json:"id"`
	FirstName string           `json:"first_name"`
	LastName  string           `json:"last_name"`
	Email     string           `json:"email"`
	IsActive  bool             `json:"is_active"`
	CostRate  *decimal.Decimal `json:"cost_rate"`
}

type usersPage struct {
	Users []userDTO `json:"users"`
	Links struct {
		Next *string `json:"next"`
	} `json:"links"`
}

// ListWorkers returns every active Harvest user.
func (c *Client) ListWorkers(ctx context.Context) ([]payee.Worker, error) {
	q := url.Values{}
	q.Set("is_active", "true")
	q.Set("per_page", "2000")
	next := c.baseURL + "/v2/users?" + q.Encode()

	var out []payee.Worker
	for page := 0; next != ""; page++ {
		if page >= maxPages {
			return nil, fmt.Errorf("harvest: users exceeded %d pages", maxPages)
		}
		var resp usersPage
		if err := c.getJSON(ctx, next, &resp); err != nil {
			return nil, fmt.Errorf("harvest: list users: %w", err)
		}
		for _, u := range resp.Users {
			if u.ID == 0 || !u.IsActive {
				continue
			}
			out = append(out, payee.Worker{
				ID:        strconv.FormatInt(u.ID, 10),
				FirstName: strings.TrimSpace(u.FirstName),
				LastName:  strings.TrimSpace(u.LastName),
				Email:     strings.TrimSpace(u.Email),
			})
		}
		next = ""
		if resp.Links.Next != nil {
			next = *resp.Links.Next
		}
	}
	return out, nil
}

// FetchRateProfile maps a Harvest user's cost rate to an hourly profile in the
// account currency. Users without a cost rate have no profile.
func (c *Client) FetchRateProfile(ctx context.Context, workerID string) (rates.RateProfile, error) {
	if _, err := strconv.ParseInt(workerID, 10, 64); err != nil {
		return rates.RateProfile{}, rates.ErrProfileNotFound
	}

	var u userDTO
	err := c.getJSON(ctx, c.baseURL+"/v2/users/"+workerID, &u)
	switch {
	case errors.Is(err, errNotFound):
		return rates.RateProfile{}, rates.ErrProfileNotFound
	case err != nil:
		return rates.RateProfile{}, fmt.Errorf("harvest: fetch user %s: %w", workerID, err)
	}
	if u.CostRate == nil {
		return rates.RateProfile{}, rates.ErrProfileNotFound
	}
	return rates.RateProfile{
		WorkerID:       workerID,
		Classification: rates.ClassificationHourly,
		Rate:           *u.CostRate,
		Currency:       c.currency,
	}, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Harvest-Account-Id", c.accountID)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("harvest: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
