package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/jjenkins/billsync/internal/logging"
	"github.com/jjenkins/billsync/internal/metrics"
	"github.com/jjenkins/billsync/internal/model"
	"github.com/jjenkins/billsync/internal/retry"
)

const (
	defaultTimeout   = 60 * time.Second
	maxResponseBytes = 32 << 20

	opMasterList = "getMasterList"
	opBill       = "getBill"
)

// RemoteError is a failure reported by the legislative data API
type RemoteError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: unexpected status code: %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: api error: %s", e.Op, e.Message)
}

// LegisClientConfig configures the API client
type LegisClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// BreakerFailures is how many consecutive transient failures open the breaker.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// LegisClient handles communication with the legislative data API
type LegisClient struct {
	client  *http.Client
	baseURL string
	apiKey  string
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  zerolog.Logger
}

// NewLegisClient creates a new API client
func NewLegisClient(cfg LegisClientConfig) *LegisClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	openFor := cfg.BreakerTimeout
	if openFor <= 0 {
		openFor = 30 * time.Second
	}

	c := &LegisClient{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/") + "/",
		apiKey:  cfg.APIKey,
		logger:  logging.Component("legis_client"),
	}

	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "legis-api",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Only outages count against the breaker; a 404 or bad request is the caller's problem.
		IsSuccessful: func(err error) bool {
			return err == nil || !retry.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})

	return c
}

// flexString accepts both JSON strings and numbers
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

// remoteRecord represents a record in the API response
type remoteRecord struct {
	BillID         flexString `json:"bill_id"`
	State          string     `json:"state"`
	SessionID      flexString `json:"session_id"`
	Number         string     `json:"number"`
	Type           string     `json:"type"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	URL            string     `json:"url"`
	Status         flexString `json:"status"`
	LastActionDate string     `json:"last_action_date"`
	ChangeHash     string     `json:"change_hash"`
}

// masterListResponse represents the API response for op=getMasterList
type masterListResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	MasterList struct {
		Page      int            `json:"page"`
		PageTotal int            `json:"page_total"`
		Records   []remoteRecord `json:"records"`
	} `json:"masterlist"`
}

// billResponse represents the API response for op=getBill
type billResponse struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Bill    remoteRecord `json:"bill"`
}

// FetchMasterList retrieves one page of the session listing for a jurisdiction
func (c *LegisClient) FetchMasterList(ctx context.Context, jurisdiction, sessionID string, page int) (*model.MasterListPage, error) {
	params := url.Values{}
	params.Set("op", opMasterList)
	params.Set("id", sessionID)
	params.Set("state", jurisdiction)
	params.Set("page", strconv.Itoa(page))

	body, err := c.get(ctx, opMasterList, params)
	if err != nil {
		return nil, err
	}

	var resp masterListResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse master list response: %w", err)
	}
	if !strings.EqualFold(resp.Status, "OK") {
		return nil, &RemoteError{Op: opMasterList, Message: resp.Message}
	}

	result := &model.MasterListPage{
		Page:       resp.MasterList.Page,
		TotalPages: resp.MasterList.PageTotal,
		Records:    make([]model.RawRecord, 0, len(resp.MasterList.Records)),
	}
	if result.Page == 0 {
		result.Page = page
	}
	for _, r := range resp.MasterList.Records {
		raw := convertRemoteRecord(r, jurisdiction, sessionID)
		raw.Page = result.Page
		result.Records = append(result.Records, raw)
	}

	return result, nil
}

// FetchBill retrieves the full record for one external id
func (c *LegisClient) FetchBill(ctx context.Context, externalID string) (model.RawRecord, error) {
	params := url.Values{}
	params.Set("op", opBill)
	params.Set("id", externalID)

	body, err := c.get(ctx, opBill, params)
	if err != nil {
		return model.RawRecord{}, err
	}

	var resp billResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.RawRecord{}, fmt.Errorf("failed to parse bill response: %w", err)
	}
	if !strings.EqualFold(resp.Status, "OK") {
		return model.RawRecord{}, &RemoteError{Op: opBill, Message: resp.Message}
	}

	raw := convertRemoteRecord(resp.Bill, "", "")
	if raw.ExternalID == "" {
		raw.ExternalID = externalID
	}
	return raw, nil
}

func convertRemoteRecord(r remoteRecord, jurisdiction, sessionID string) model.RawRecord {
	raw := model.RawRecord{
		ExternalID:     string(r.BillID),
		Jurisdiction:   jurisdiction,
		SessionID:      sessionID,
		Number:         r.Number,
		RecordType:     r.Type,
		Title:          r.Title,
		Description:    r.Description,
		URL:            r.URL,
		StatusCode:     string(r.Status),
		LastActionDate: r.LastActionDate,
		ChangeHash:     r.ChangeHash,
	}
	if r.State != "" {
		raw.Jurisdiction = r.State
	}
	if r.SessionID != "" {
		raw.SessionID = string(r.SessionID)
	}
	return raw
}

// get performs one HTTP GET through the circuit breaker. Retries are the caller's job.
func (c *LegisClient) get(ctx context.Context, op string, params url.Values) ([]byte, error) {
	params.Set("key", c.apiKey)
	endpoint := c.baseURL + "?" + params.Encode()

	start := time.Now()
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.do(ctx, op, endpoint)
	})
	metrics.RecordRemoteCall(op, err, time.Since(start))

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, retry.Transient(fmt.Errorf("%s: %w", op, err))
	}
	return body, err
}

func (c *LegisClient) do(ctx context.Context, op, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.Transient(fmt.Errorf("%s: request failed: %w", op, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("%s: failed to read response: %w", op, err))
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return nil, retry.Transient(&RemoteError{Op: op, StatusCode: resp.StatusCode})
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &RemoteError{Op: op, StatusCode: resp.StatusCode}
	}

	return body, nil
}
