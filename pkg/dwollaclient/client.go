/**
 * @description
 * This package provides a client for the Dwolla money-movement API. It handles the
 * OAuth client-credentials token, HAL+JSON headers, and the error body Dwolla
 * returns, and exposes the customer, funding source and transfer operations the
 * transfer-service depends on.
 *
 * Key features:
 * - Caches the application access token until shortly before it expires.
 * - Returns the created resource URL taken from the Location header.
 * - Non-2xx responses are returned as *APIError with the upstream status preserved.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, io, net/http, net/url, sync, time: Standard Go libraries.
 */
package dwollaclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const halContentType = "application/vnd.dwolla.v1.hal+json"

// tokenExpiryMargin is subtracted from expires_in so a token is never used at the edge
// of its lifetime.
const tokenExpiryMargin = 60 * time.Second

// Client is a client for the Dwolla API.
type Client struct {
	baseURL    string
	key        string
	secret     string
	httpClient *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewClient creates a new Dwolla API client.
func NewClient(baseURL, key, secret string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		key:     key,
		secret:  secret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError is the error body returned by Dwolla for non-2xx responses.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Embedded   struct {
		Errors []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Path    string `json:"path"`
		} `json:"errors"`
	} `json:"_embedded"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dwolla API error: status %d, code %s: %s", e.StatusCode, e.Code, e.Detail())
}

// Detail returns the most specific message in the error body.
func (e *APIError) Detail() string {
	for _, item := range e.Embedded.Errors {
		if msg := strings.TrimSpace(item.Message); msg != "" {
			return msg
		}
	}
	return strings.TrimSpace(e.Message)
}

// StatusCode extracts the upstream HTTP status from err, or 0 when err did not come
// from a Dwolla response.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Link is a HAL link.
type Link struct {
	Href string `json:"href"`
}

// Amount is a currency amount as Dwolla expects it: a decimal string value.
type Amount struct {
	Currency string `json:"currency"`
	Value    string `json:"value"`
}

// CustomerRequest is the body for creating a personal verified customer.
type CustomerRequest struct {
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	Email       string `json:"email"`
	Type        string `json:"type"`
	Address1    string `json:"address1"`
	City        string `json:"city"`
	State       string `json:"state"`
	PostalCode  string `json:"postalCode"`
	DateOfBirth string `json:"dateOfBirth"`
	SSN         string `json:"ssn"`
}

// FundingSourceRequest creates a bank funding source from an aggregator processor token.
type FundingSourceRequest struct {
	Name       string `json:"name"`
	PlaidToken string `json:"plaidToken"`
}

// TransferRequest is the body of POST /transfers.
type TransferRequest struct {
	Links struct {
		Source      Link `json:"source"`
		Destination Link `json:"destination"`
	} `json:"_links"`
	Amount Amount `json:"amount"`

	IdempotencyKey string `json:"-"`
}

// NewTransferRequest builds a transfer between two funding sources.
func NewTransferRequest(sourceURL, destinationURL, currency, value string) TransferRequest {
	var req TransferRequest
	req.Links.Source.Href = sourceURL
	req.Links.Destination.Href = destinationURL
	req.Amount = Amount{Currency: currency, Value: value}
	return req
}

// FundingSource is the subset of a funding source resource the service reads.
type FundingSource struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Type     string `json:"type"`
	BankType string `json:"bankAccountType"`
	Name     string `json:"name"`
	BankName string `json:"bankName"`
	Removed  bool   `json:"removed"`
	Created  string `json:"created"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// CreateCustomer creates a customer and returns its resource URL.
func (c *Client) CreateCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	return c.create(ctx, c.baseURL+"/customers", req, "")
}

// CreateFundingSource attaches a bank account to a customer using a processor token
// and returns the funding source URL.
func (c *Client) CreateFundingSource(ctx context.Context, customerID string, req FundingSourceRequest) (string, error) {
	endpoint := fmt.Sprintf("%s/customers/%s/funding-sources", c.baseURL, url.PathEscape(customerID))
	return c.create(ctx, endpoint, req, "")
}

// CreateTransfer initiates a transfer and returns the transfer URL.
func (c *Client) CreateTransfer(ctx context.Context, req TransferRequest) (string, error) {
	return c.create(ctx, c.baseURL+"/transfers", req, req.IdempotencyKey)
}

// GetFundingSource fetches a funding source by its full resource URL.
func (c *Client) GetFundingSource(ctx context.Context, fundingSourceURL string) (*FundingSource, error) {
	resp, body, err := c.send(ctx, http.MethodGet, fundingSourceURL, nil, "")
	if err != nil {
		return nil, err
	}
	if err := checkResponse(resp, body); err != nil {
		return nil, err
	}

	var source FundingSource
	if err := json.Unmarshal(body, &source); err != nil {
		return nil, fmt.Errorf("failed to unmarshal funding source: %w", err)
	}
	return &source, nil
}

func (c *Client) create(ctx context.Context, endpoint string, payload any, idempotencyKey string) (string, error) {
	resp, body, err := c.send(ctx, http.MethodPost, endpoint, payload, idempotencyKey)
	if err != nil {
		return "", err
	}
	if err := checkResponse(resp, body); err != nil {
		return "", err
	}

	location := strings.TrimSpace(resp.Header.Get("Location"))
	if location == "" {
		return "", fmt.Errorf("dwolla API returned status %d without a Location header", resp.StatusCode)
	}
	return location, nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload any, idempotencyKey string) (*http.Response, []byte, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, nil, err
	}

	var reqBody io.Reader
	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create http request: %w", err)
	}
	req.Header.Set("Accept", halContentType)
	req.Header.Set("Content-Type", halContentType)
	req.Header.Set("Authorization", "Bearer "+token)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized {
		c.invalidateToken()
	}
	return resp, body, nil
}

func checkResponse(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Detail() == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	log.Printf("level=warn component=dwolla_client msg=\"non-success response\" method=%s path=%s status=%d code=%s",
		resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, apiErr.Code)
	return apiErr
}

func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(c.key, c.secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if err := checkResponse(resp, body); err != nil {
		return "", err
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("failed to unmarshal token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("dwolla token response did not include an access token")
	}

	lifetime := time.Duration(tok.ExpiresIn)*time.Second - tokenExpiryMargin
	if lifetime <= 0 {
		lifetime = time.Duration(tok.ExpiresIn) * time.Second
	}
	c.accessToken = tok.AccessToken
	c.tokenExpiry = time.Now().Add(lifetime)
	return c.accessToken, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.accessToken = ""
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()
}
