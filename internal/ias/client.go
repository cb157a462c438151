// Package ias is a JSON REST client for the insurance administration system.
package ias

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrMemberNotFound is returned when the member or plan lookup finds nothing.
var ErrMemberNotFound = errors.New("member plan not found")

// APIError is a non-2xx answer from the system.
type APIError struct {
	Operation string
	Status    int
	// Detail is the decoded body, or {"raw": text} when it is not JSON.
	Detail json.RawMessage
}

func (e *APIError) Error() string {
	return fmt.Sprintf("IAS %s request failed with status %d", e.Operation, e.Status)
}

// Endpoints holds the configured endpoint paths; each may also be an
// absolute URL.
type Endpoints struct {
	MemberInfo    string
	ProviderClaim string
	Reimbursement string
	PreApproval   string
	ClaimStatus   string
	FileDownload  string
}

// Client talks to the insurance administration system.
type Client struct {
	baseURL    string
	endpoints  Endpoints
	httpClient *http.Client
	logger     *logrus.Logger
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a client rooted at baseURL.
func NewClient(baseURL string, endpoints Endpoints, timeout time.Duration, logger *logrus.Logger, opts ...ClientOption) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	c := &Client{
		baseURL:   baseURL,
		endpoints: endpoints,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoints returns the configured paths.
func (c *Client) Endpoints() Endpoints {
	return c.endpoints
}

func (c *Client) resolve(endpoint, name string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("%s must be configured", name)
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint, nil
	}
	if c.baseURL == "" {
		return "", errors.New("IAS_URL must be configured")
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid IAS_URL: %w", err)
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid %s: %w", name, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// Member is the member lookup response. Benefits lists the plan's allowed
// benefit pairs.
type Member struct {
	MemberNrc  string          `json:"memberNrc"`
	MemberName string          `json:"memberName"`
	PolicyNo   string          `json:"policyNo"`
	PlanCode   string          `json:"planCode"`
	Benefits   []Benefit       `json:"benefits"`
	Raw        json.RawMessage `json:"-"`
}

// Benefit is one allowed (type, head) pair of a plan.
type Benefit struct {
	TypeCode string `json:"benefitTypeCode"`
	HeadCode string `json:"benefitHeadCode"`
	Name     string `json:"benefitName,omitempty"`
}

// MemberInfo looks up a member plan by national id and effective date.
func (c *Client) MemberInfo(ctx context.Context, memberNrc, effectiveDate string) (*Member, error) {
	if memberNrc == "" || effectiveDate == "" {
		return nil, errors.New("memberNrc and meplEffDate are required")
	}
	endpoint, err := c.resolve(c.endpoints.MemberInfo, "GET_MEMBER_INFO_API")
	if err != nil {
		return nil, err
	}

	body := map[string]string{"memberNrc": memberNrc, "meplEffDate": effectiveDate}
	raw, err := c.postJSON(ctx, "member lookup", endpoint, body)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %v", ErrMemberNotFound, err)
		}
		return nil, err
	}

	member, err := decodeMember(raw)
	if err != nil {
		return nil, err
	}
	if member == nil {
		return nil, ErrMemberNotFound
	}
	return member, nil
}

// decodeMember accepts the member either at the top level, under "data", or
// as the first element of an array. A null or empty answer yields nil.
func decodeMember(raw json.RawMessage) (*Member, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("failed to decode member info: %w", err)
		}
		if len(list) == 0 {
			return nil, nil
		}
		return decodeMember(list[0])
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err == nil && len(bytes.TrimSpace(envelope.Data)) > 0 {
		return decodeMember(envelope.Data)
	}

	var m Member
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, fmt.Errorf("failed to decode member info: %w", err)
	}
	if m.MemberNrc == "" && m.PolicyNo == "" && m.PlanCode == "" && len(m.Benefits) == 0 {
		return nil, nil
	}
	m.Raw = append(json.RawMessage(nil), trimmed...)
	return &m, nil
}

// SubmitProviderClaim posts a provider claim payload.
func (c *Client) SubmitProviderClaim(ctx context.Context, payload any) (json.RawMessage, error) {
	endpoint, err := c.resolve(c.endpoints.ProviderClaim, "PROVIDER_CLAIM_API")
	if err != nil {
		return nil, err
	}
	return c.postJSON(ctx, "provider claim", endpoint, payload)
}

// SubmitReimbursement posts a reimbursement claim payload.
func (c *Client) SubmitReimbursement(ctx context.Context, payload any) (json.RawMessage, error) {
	endpoint, err := c.resolve(c.endpoints.Reimbursement, "REIMBURSEMENT_CLAIM_API")
	if err != nil {
		return nil, err
	}
	return c.postJSON(ctx, "reimbursement claim", endpoint, payload)
}

// SubmitPreApproval posts a pre-approval payload.
func (c *Client) SubmitPreApproval(ctx context.Context, payload any) (json.RawMessage, error) {
	endpoint, err := c.resolve(c.endpoints.PreApproval, "CL_PRE_APP_CLAIM_API")
	if err != nil {
		return nil, err
	}
	return c.postJSON(ctx, "pre-approval", endpoint, payload)
}

// ClaimStatus is the claim status response.
type ClaimStatus struct {
	ClaimNo  string          `json:"claimNo"`
	Status   string          `json:"status"`
	FilePath string          `json:"filePath"`
	FileName string          `json:"fileName"`
	Raw      json.RawMessage `json:"-"`
}

// Ready reports whether a result file can be downloaded.
func (s *ClaimStatus) Ready() bool {
	return s.FilePath != "" && s.FileName != ""
}

// ClaimStatus queries the status of a submitted claim.
func (c *Client) ClaimStatus(ctx context.Context, claimNo string) (*ClaimStatus, error) {
	if claimNo == "" {
		return nil, errors.New("claimNo is required")
	}
	endpoint, err := c.resolve(c.endpoints.ClaimStatus, "CLAIM_STATUS_API")
	if err != nil {
		return nil, err
	}
	raw, err := c.postJSON(ctx, "claim status", endpoint, map[string]string{"claimNo": claimNo})
	if err != nil {
		return nil, err
	}

	status := &ClaimStatus{Raw: raw}
	payload := raw
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Data) > 0 && envelope.Data[0] == '{' {
		payload = envelope.Data
	}
	if err := json.Unmarshal(payload, status); err != nil {
		return nil, fmt.Errorf("failed to decode claim status: %w", err)
	}
	status.Raw = raw
	return status, nil
}

// DownloadFile fetches a claim file into dir and returns the written path.
func (c *Client) DownloadFile(ctx context.Context, filePath, fileName, dir string) (string, error) {
	endpoint, err := c.resolve(c.endpoints.FileDownload, "FILE_DOWNLOAD_API")
	if err != nil {
		return "", err
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid FILE_DOWNLOAD_API: %w", err)
	}
	q := u.Query()
	q.Set("path", filePath)
	q.Set("filename", fileName)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("IAS file download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return "", c.apiError("file download", resp.StatusCode, body)
	}

	name := filepath.Base(fileName)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "claim-file-" + uuid.NewString()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}
	target := filepath.Join(dir, name)
	f, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("failed to create download file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write download file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close download file: %w", err)
	}
	return target, nil
}

func (c *Client) postJSON(ctx context.Context, operation, endpoint string, payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, errors.New("payload is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("IAS %s request failed: %w", operation, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read IAS response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.apiError(operation, resp.StatusCode, respBody)
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(respBody) {
		return rawDetail(respBody), nil
	}
	return json.RawMessage(respBody), nil
}

func (c *Client) apiError(operation string, status int, body []byte) error {
	detail := json.RawMessage(bytes.TrimSpace(body))
	if len(detail) == 0 || !json.Valid(detail) {
		detail = rawDetail(body)
	}
	c.logger.WithFields(logrus.Fields{
		"operation": operation,
		"status":    status,
		"detail":    string(detail),
	}).Warn("IAS request failed")
	return &APIError{Operation: operation, Status: status, Detail: detail}
}

func rawDetail(body []byte) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"raw": string(body)})
	return data
}
