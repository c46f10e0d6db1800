package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/warp/case-ledger/forwarder"
	"github.com/warp/case-ledger/service"
)

// Client calls the ledger API. It implements forwarder.Sink.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the API at baseURL. httpClient may be nil.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

var _ forwarder.Sink = (*Client)(nil)

func (c *Client) CreateCase(ctx context.Context, scope service.Scope, msg service.Message, cmd service.CreateCase) error {
	return c.do(ctx, http.MethodPost, "/api/cases", msg.CorrelationID, CreateCaseRequest{
		SubjectID:      scope.SubjectID,
		RelationshipID: scope.RelationshipID,
		PeriodID:       string(cmd.PeriodID),
		CaseID:         string(cmd.CaseID),
		SourceID:       string(cmd.SourceID),
		MessageID:      msg.ID,
		Payload:        rawPayload(msg.Payload),
	})
}

func (c *Client) SetCaseStatus(ctx context.Context, scope service.Scope, msg service.Message, cmd service.SetCaseStatus) error {
	return c.do(ctx, http.MethodPatch, "/api/cases", msg.CorrelationID, SetCaseStatusRequest{
		SubjectID:      scope.SubjectID,
		RelationshipID: scope.RelationshipID,
		PeriodID:       string(cmd.PeriodID),
		CaseID:         string(cmd.CaseID),
		Status:         string(cmd.Status),
		MessageID:      msg.ID,
		Payload:        rawPayload(msg.Payload),
	})
}

func (c *Client) DeleteScope(ctx context.Context, scope service.Scope) error {
	return c.do(ctx, http.MethodDelete, "/api/subjects", "", ScopeRequest{
		SubjectID:      scope.SubjectID,
		RelationshipID: scope.RelationshipID,
	})
}

func (c *Client) DeleteSubject(ctx context.Context, subjectID string) error {
	return c.do(ctx, http.MethodDelete, "/api/subjects", "", ScopeRequest{SubjectID: subjectID})
}

func (c *Client) do(ctx context.Context, method, path, callID string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if callID != "" {
		req.Header.Set(CallIDHeader, callID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	var apiErr ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&apiErr)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", forwarder.ErrNotFound, apiErr.Error)
	case resp.StatusCode < 500:
		return fmt.Errorf("%w: %s %s: %d %s", forwarder.ErrRejected, method, path, resp.StatusCode, apiErr.Error)
	}
	return fmt.Errorf("%s %s: %d %s (call %s)", method, path, resp.StatusCode, apiErr.Error, apiErr.CallID)
}

// rawPayload keeps JSON payloads as embedded JSON; anything else is dropped
// and the server stores the request body instead.
func rawPayload(p []byte) json.RawMessage {
	if len(p) == 0 || !json.Valid(p) {
		return nil
	}
	return json.RawMessage(p)
}
