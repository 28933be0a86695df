/**
 * @description
 * This package provides a client for the Plaid bank-data API. The transfer-service
 * only needs the account-linking subset: exchanging a Link public token, reading the
 * linked accounts, and minting a processor token the payments API can consume.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, io, net/http, time: Standard Go libraries.
 */
package plaidclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// ProcessorDwolla is the processor name for payments-API processor tokens.
const ProcessorDwolla = "dwolla"

// Client is a client for the Plaid API.
type Client struct {
	baseURL    string
	clientID   string
	secret     string
	httpClient *http.Client
}

// NewClient creates a new Plaid API client.
func NewClient(baseURL, clientID, secret string) *Client {
	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		clientID: clientID,
		secret:   secret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ErrorResponse is the error body Plaid returns for non-2xx responses.
type ErrorResponse struct {
	StatusCode     int    `json:"-"`
	ErrorType      string `json:"error_type"`
	ErrorCode      string `json:"error_code"`
	ErrorMessage   string `json:"error_message"`
	DisplayMessage string `json:"display_message"`
	RequestID      string `json:"request_id"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("plaid API error: status %d, %s/%s: %s", e.StatusCode, e.ErrorType, e.ErrorCode, e.ErrorMessage)
}

// ExchangeResponse is the result of exchanging a public token.
type ExchangeResponse struct {
	AccessToken string `json:"access_token"`
	ItemID      string `json:"item_id"`
	RequestID   string `json:"request_id"`
}

// Account is one account inside an item.
type Account struct {
	AccountID    string `json:"account_id"`
	Name         string `json:"name"`
	OfficialName string `json:"official_name"`
	Mask         string `json:"mask"`
	Type         string `json:"type"`
	Subtype      string `json:"subtype"`
}

// AccountsResponse is the body of /accounts/get.
type AccountsResponse struct {
	Accounts []Account `json:"accounts"`
	Item     struct {
		ItemID        string `json:"item_id"`
		InstitutionID string `json:"institution_id"`
	} `json:"item"`
	RequestID string `json:"request_id"`
}

type processorTokenResponse struct {
	ProcessorToken string `json:"processor_token"`
	RequestID      string `json:"request_id"`
}

// ExchangePublicToken swaps a Link public token for a long-lived access token.
func (c *Client) ExchangePublicToken(ctx context.Context, publicToken string) (*ExchangeResponse, error) {
	var resp ExchangeResponse
	body := map[string]string{"public_token": publicToken}
	if err := c.do(ctx, "/item/public_token/exchange", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetAccounts lists the accounts of the item behind accessToken.
func (c *Client) GetAccounts(ctx context.Context, accessToken string) (*AccountsResponse, error) {
	var resp AccountsResponse
	body := map[string]string{"access_token": accessToken}
	if err := c.do(ctx, "/accounts/get", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateProcessorToken mints a processor token for one account.
func (c *Client) CreateProcessorToken(ctx context.Context, accessToken, accountID string) (string, error) {
	var resp processorTokenResponse
	body := map[string]string{
		"access_token": accessToken,
		"account_id":   accountID,
		"processor":    ProcessorDwolla,
	}
	if err := c.do(ctx, "/processor/token/create", body, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.ProcessorToken) == "" {
		return "", fmt.Errorf("plaid returned an empty processor token (request_id=%s)", resp.RequestID)
	}
	return resp.ProcessorToken, nil
}

// do posts body with the client credentials merged in.
func (c *Client) do(ctx context.Context, path string, body map[string]string, target any) error {
	payload := make(map[string]string, len(body)+2)
	for k, v := range body {
		payload[k] = v
	}
	payload["client_id"] = c.clientID
	payload["secret"] = c.secret

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(respBody, errResp); jsonErr != nil || errResp.ErrorMessage == "" {
			errResp.ErrorMessage = strings.TrimSpace(string(respBody))
		}
		log.Printf("level=warn component=plaid_client msg=\"non-success response\" path=%s status=%d error_code=%s request_id=%s",
			path, resp.StatusCode, errResp.ErrorCode, errResp.RequestID)
		return errResp
	}

	if err := json.Unmarshal(respBody, target); err != nil {
		return fmt.Errorf("failed to unmarshal response body: %w", err)
	}
	return nil
}
