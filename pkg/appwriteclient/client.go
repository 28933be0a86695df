/**
 * @description
 * This package provides a client for the Appwrite databases REST API, the hosted
 * document store JustBank keeps users, bank links and transactions in. Only the four
 * document operations the service needs are implemented: get, list with equality
 * queries, create and update.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, io, net/http, net/url, time: Standard Go libraries.
 */
package appwriteclient

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
	"time"
)

// UniqueID asks the server to generate a document id.
const UniqueID = "unique()"

// Client is a client for the Appwrite API.
type Client struct {
	endpoint   string
	projectID  string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new Appwrite API client. endpoint includes the /v1 suffix.
func NewClient(endpoint, projectID, apiKey string) *Client {
	return &Client{
		endpoint:  strings.TrimSuffix(strings.TrimSpace(endpoint), "/"),
		projectID: projectID,
		apiKey:    apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is the error body Appwrite returns for non-2xx responses.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
	Code       int    `json:"code"`
	Type       string `json:"type"`
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("appwrite API error: status %d, type %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("appwrite API error: status %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an Appwrite 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Query is one entry of the queries[] parameter in Appwrite's JSON query syntax.
type Query struct {
	Method    string `json:"method"`
	Attribute string `json:"attribute,omitempty"`
	Values    []any  `json:"values,omitempty"`
}

// Equal matches documents whose attribute equals any of values.
func Equal(attribute string, values ...any) Query {
	return Query{Method: "equal", Attribute: attribute, Values: values}
}

// IsNull matches documents whose attribute is unset.
func IsNull(attribute string) Query {
	return Query{Method: "isNull", Attribute: attribute}
}

// Limit caps the number of returned documents.
func Limit(n int) Query {
	return Query{Method: "limit", Values: []any{n}}
}

// OrderAsc sorts the result by attribute.
func OrderAsc(attribute string) Query {
	return Query{Method: "orderAsc", Attribute: attribute}
}

// DocumentList is the list documents response. Documents are left raw so callers can
// decode them into their own types.
type DocumentList struct {
	Total     int               `json:"total"`
	Documents []json.RawMessage `json:"documents"`
}

type createDocumentRequest struct {
	DocumentID string `json:"documentId"`
	Data       any    `json:"data"`
}

type updateDocumentRequest struct {
	Data any `json:"data"`
}

func (c *Client) documentsURL(databaseID, collectionID string) string {
	return fmt.Sprintf("%s/databases/%s/collections/%s/documents",
		c.endpoint, url.PathEscape(databaseID), url.PathEscape(collectionID))
}

// GetDocument fetches one document by id and decodes it into target.
func (c *Client) GetDocument(ctx context.Context, databaseID, collectionID, documentID string, target any) error {
	endpoint := c.documentsURL(databaseID, collectionID) + "/" + url.PathEscape(documentID)
	return c.do(ctx, http.MethodGet, endpoint, nil, target)
}

// ListDocuments returns the documents matching every query.
func (c *Client) ListDocuments(ctx context.Context, databaseID, collectionID string, queries ...Query) (*DocumentList, error) {
	endpoint := c.documentsURL(databaseID, collectionID)
	if len(queries) > 0 {
		params := url.Values{}
		for _, q := range queries {
			encoded, err := json.Marshal(q)
			if err != nil {
				return nil, fmt.Errorf("failed to encode query: %w", err)
			}
			params.Add("queries[]", string(encoded))
		}
		endpoint += "?" + params.Encode()
	}

	var list DocumentList
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// CreateDocument creates a document. Pass UniqueID to let the server pick the id.
func (c *Client) CreateDocument(ctx context.Context, databaseID, collectionID, documentID string, data, target any) error {
	if strings.TrimSpace(documentID) == "" {
		documentID = UniqueID
	}
	body := createDocumentRequest{DocumentID: documentID, Data: data}
	return c.do(ctx, http.MethodPost, c.documentsURL(databaseID, collectionID), body, target)
}

// UpdateDocument patches the given attributes of a document.
func (c *Client) UpdateDocument(ctx context.Context, databaseID, collectionID, documentID string, data, target any) error {
	endpoint := c.documentsURL(databaseID, collectionID) + "/" + url.PathEscape(documentID)
	return c.do(ctx, http.MethodPatch, endpoint, updateDocumentRequest{Data: data}, target)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, target any) error {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Appwrite-Project", c.projectID)
	req.Header.Set("X-Appwrite-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(respBody, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		if resp.StatusCode != http.StatusNotFound {
			log.Printf("level=warn component=appwrite_client msg=\"non-success response\" method=%s status=%d type=%s", method, resp.StatusCode, apiErr.Type)
		}
		return apiErr
	}

	if target != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, target); err != nil {
			return fmt.Errorf("failed to unmarshal response body: %w", err)
		}
	}
	return nil
}
