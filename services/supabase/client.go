// Package supabase implements remote.DataService over the Supabase REST (PostgREST) API.
package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sendgrid/rest"

	"github.com/trezcool/nexlearn/core"
	"github.com/trezcool/nexlearn/core/remote"
)

const (
	restPath          = "/rest/v1/"
	verifyFunctionURL = "/functions/v1/verify-certificate"

	enrollmentsTable    = "enrollments"
	moduleProgressTable = "module_progress"
	certificatesTable   = "certificates"
	clientErrorsTable   = "client_errors"

	// AccessTokenKey is the local storage key of the learner's access token.
	AccessTokenKey = "nex_supabase_access_token"
)

// APIError is returned for every HTTP error status.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details"`
	Hint       string `json:"hint"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("supabase: %d %s: %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("supabase: %d: %s", e.StatusCode, msg)
}

func newAPIError(resp *rest.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.Unmarshal([]byte(resp.Body), apiErr); err != nil {
		apiErr.Message = strings.TrimSpace(resp.Body)
	}
	return apiErr
}

type Client struct {
	baseURL string
	anonKey string
	rest    *rest.Client
	logger  core.Logger

	mu          sync.RWMutex
	accessToken string
}

var _ remote.DataService = (*Client)(nil) // interface compliance check

func NewClient(conf *core.Config, logger core.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(conf.Supabase.URL, "/"),
		anonKey: conf.Supabase.AnonKey,
		rest:    &rest.Client{HTTPClient: &http.Client{Timeout: conf.Supabase.Timeout}},
		logger:  logger,
	}
}

// SetAccessToken sets the learner's access token sent instead of the anon key.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (c *Client) headers(extra map[string]string) map[string]string {
	c.mu.RLock()
	bearer := c.accessToken
	c.mu.RUnlock()
	if bearer == "" {
		bearer = c.anonKey
	}

	h := map[string]string{
		"apikey":        c.anonKey,
		"Authorization": "Bearer " + bearer,
		"Accept":        "application/json",
	}
	for k, v := range extra {
		h[k] = v
	}
	return h
}

func (c *Client) send(ctx context.Context, req rest.Request) (*rest.Response, error) {
	if c.baseURL == "" {
		return nil, errors.New("supabase URL is not configured")
	}
	resp, err := c.rest.SendWithContext(ctx, req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", req.Method, req.BaseURL)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return resp, newAPIError(resp)
	}
	return resp, nil
}

func (c *Client) upsert(ctx context.Context, table, onConflict string, row interface{}) error {
	body, err := json.Marshal(row)
	if err != nil {
		return errors.Wrapf(err, "encoding %s row", table)
	}
	_, err = c.send(ctx, rest.Request{
		Method:      rest.Post,
		BaseURL:     c.baseURL + restPath + table,
		Headers:     c.headers(map[string]string{"Prefer": "resolution=merge-duplicates,return=minimal"}),
		QueryParams: map[string]string{"on_conflict": onConflict},
		Body:        body,
	})
	return err
}

// selectRows runs a GET on table with `eq.` filters and decodes the rows into dest.
func (c *Client) selectRows(ctx context.Context, table string, filters map[string]string, limit int, dest interface{}) error {
	params := map[string]string{"select": "*"}
	for col, val := range filters {
		params[col] = "eq." + val
	}
	if limit > 0 {
		params["limit"] = fmt.Sprint(limit)
	}

	resp, err := c.send(ctx, rest.Request{
		Method:      rest.Get,
		BaseURL:     c.baseURL + restPath + table,
		Headers:     c.headers(nil),
		QueryParams: params,
	})
	if err != nil {
		return err
	}
	return errors.Wrapf(json.Unmarshal([]byte(resp.Body), dest), "decoding %s rows", table)
}

func (c *Client) UpsertEnrollment(ctx context.Context, e remote.Enrollment) error {
	return errors.Wrap(c.upsert(ctx, enrollmentsTable, "user_id,course_id", e), "upserting enrollment")
}

func (c *Client) UpsertCompletion(ctx context.Context, e remote.Enrollment) error {
	return errors.Wrap(c.upsert(ctx, enrollmentsTable, "user_id,course_id", e), "upserting completion")
}

func (c *Client) UpsertModuleProgress(ctx context.Context, mp remote.ModuleProgress) error {
	return errors.Wrap(c.upsert(ctx, moduleProgressTable, "user_id,course_id,module_title", mp), "upserting module progress")
}

func (c *Client) DeleteModuleProgress(ctx context.Context, userID, courseID, moduleTitle string) error {
	_, err := c.send(ctx, rest.Request{
		Method:  rest.Delete,
		BaseURL: c.baseURL + restPath + moduleProgressTable,
		Headers: c.headers(nil),
		QueryParams: map[string]string{
			"user_id":      "eq." + userID,
			"course_id":    "eq." + courseID,
			"module_title": "eq." + moduleTitle,
		},
	})
	return errors.Wrap(err, "deleting module progress")
}

func (c *Client) ListEnrollments(ctx context.Context, userID string) ([]remote.Enrollment, error) {
	enrollments := make([]remote.Enrollment, 0)
	if err := c.selectRows(ctx, enrollmentsTable, map[string]string{"user_id": userID}, 0, &enrollments); err != nil {
		return nil, errors.Wrap(err, "listing enrollments")
	}
	return enrollments, nil
}

func (c *Client) ListModuleProgress(ctx context.Context, userID string) ([]remote.ModuleProgress, error) {
	progress := make([]remote.ModuleProgress, 0)
	if err := c.selectRows(ctx, moduleProgressTable, map[string]string{"user_id": userID}, 0, &progress); err != nil {
		return nil, errors.Wrap(err, "listing module progress")
	}
	return progress, nil
}

func (c *Client) UpsertCertificate(ctx context.Context, cert remote.Certificate) error {
	return errors.Wrap(c.upsert(ctx, certificatesTable, "id", cert), "upserting certificate")
}

func (c *Client) UpsertClientErrors(ctx context.Context, errs []remote.ClientError) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Wrapf(c.upsert(ctx, clientErrorsTable, "id", errs), "upserting %d client errors", len(errs))
}

// FindCertificate asks the verify-certificate edge function first. When the function is
// unreachable (or fails), the certificates table is queried by id, then by hash.
func (c *Client) FindCertificate(ctx context.Context, idOrHash string) (remote.Certificate, error) {
	cert, err := c.verifyWithFunction(ctx, idOrHash)
	if err == nil || core.IsNotFound(err) {
		return cert, err
	}
	c.logger.Debug(fmt.Sprintf("verify-certificate function failed, querying the table: %v", err))

	for _, col := range []string{"id", "hash"} {
		var rows []remote.Certificate
		if err = c.selectRows(ctx, certificatesTable, map[string]string{col: idOrHash}, 1, &rows); err != nil {
			return remote.Certificate{}, errors.Wrapf(err, "finding certificate by %s", col)
		}
		if len(rows) > 0 {
			return rows[0], nil
		}
	}
	return remote.Certificate{}, remote.ErrNotFound
}

func (c *Client) verifyWithFunction(ctx context.Context, idOrHash string) (remote.Certificate, error) {
	body, err := json.Marshal(map[string]string{"idOrHash": idOrHash})
	if err != nil {
		return remote.Certificate{}, errors.Wrap(err, "encoding verification request")
	}

	resp, err := c.send(ctx, rest.Request{
		Method:  rest.Post,
		BaseURL: c.baseURL + verifyFunctionURL,
		Headers: c.headers(nil),
		Body:    body,
	})
	if err != nil {
		if apiErr, ok := errors.Cause(err).(*APIError); ok && apiErr.StatusCode == http.StatusNotFound {
			return remote.Certificate{}, remote.ErrNotFound
		}
		return remote.Certificate{}, err
	}

	var result struct {
		Status string             `json:"status"`
		Record remote.Certificate `json:"record"`
	}
	if err = json.Unmarshal([]byte(resp.Body), &result); err != nil {
		return remote.Certificate{}, errors.Wrap(err, "decoding verification response")
	}
	switch result.Status {
	case "valid":
		return result.Record, nil
	case "not_found":
		return remote.Certificate{}, remote.ErrNotFound
	}
	return remote.Certificate{}, errors.Errorf("unexpected verification status %q", result.Status)
}
