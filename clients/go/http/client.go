// Package http provides an HTTP client for the formz questionnaire service.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	formz "github.com/matt-riley/formz/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the formz server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements formz.QuestionnaireManager, formz.Evaluator and
// formz.Streamer over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var (
	_ formz.QuestionnaireManager = (*Client)(nil)
	_ formz.Evaluator            = (*Client)(nil)
	_ formz.Streamer             = (*Client)(nil)
)

// NewHTTPClient returns a new HTTP client for the formz service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
	// Details lists document validation problems on 400 responses.
	Details []string
}

func (e *APIError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("formz: HTTP %d: %s (%s)", e.StatusCode, e.Message, strings.Join(e.Details, "; "))
	}
	return fmt.Sprintf("formz: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type wireEvaluateReq struct {
	Document  json.RawMessage `json:"document,omitempty"`
	Responses formz.Responses `json:"responses,omitempty"`
}

type wireError struct {
	Error   string   `json:"error"`
	Details []string `json:"details"`
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("formz: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("formz: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("formz: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

// do sends a JSON request and decodes the JSON response into out when out
// is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("formz: decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) *APIError {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	var we wireError
	if json.Unmarshal(msg, &we) == nil && we.Error != "" {
		apiErr.Message = we.Error
		apiErr.Details = we.Details
	}
	return apiErr
}

func questionnairePath(id string) string {
	return "/v1/questionnaires/" + url.PathEscape(id)
}

// -- QuestionnaireManager ----------------------------------------------------

func (c *Client) CreateQuestionnaire(ctx context.Context, q formz.Questionnaire) (formz.Questionnaire, error) {
	var out formz.Questionnaire
	if err := c.do(ctx, http.MethodPost, "/v1/questionnaires", q, &out); err != nil {
		return formz.Questionnaire{}, err
	}
	return out, nil
}

func (c *Client) GetQuestionnaire(ctx context.Context, id string) (formz.Questionnaire, error) {
	var out formz.Questionnaire
	if err := c.do(ctx, http.MethodGet, questionnairePath(id), nil, &out); err != nil {
		return formz.Questionnaire{}, err
	}
	return out, nil
}

func (c *Client) ListQuestionnaires(ctx context.Context) ([]formz.Questionnaire, error) {
	var out []formz.Questionnaire
	if err := c.do(ctx, http.MethodGet, "/v1/questionnaires", nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []formz.Questionnaire{}
	}
	return out, nil
}

func (c *Client) UpdateQuestionnaire(ctx context.Context, q formz.Questionnaire) (formz.Questionnaire, error) {
	if q.ID == "" {
		return formz.Questionnaire{}, errors.New("formz: questionnaire id is required")
	}
	var out formz.Questionnaire
	if err := c.do(ctx, http.MethodPut, questionnairePath(q.ID), q, &out); err != nil {
		return formz.Questionnaire{}, err
	}
	return out, nil
}

func (c *Client) DeleteQuestionnaire(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, questionnairePath(id), nil, nil)
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) Evaluate(ctx context.Context, id string, responses formz.Responses) (formz.Result, error) {
	var out formz.Result
	if err := c.do(ctx, http.MethodPost, questionnairePath(id)+"/evaluate", wireEvaluateReq{Responses: responses}, &out); err != nil {
		return formz.Result{}, err
	}
	return out, nil
}

func (c *Client) EvaluateDocument(ctx context.Context, document json.RawMessage, responses formz.Responses) (formz.Result, error) {
	var out formz.Result
	body := wireEvaluateReq{Document: document, Responses: responses}
	if err := c.do(ctx, http.MethodPost, "/v1/evaluate", body, &out); err != nil {
		return formz.Result{}, err
	}
	return out, nil
}

// -- Streamer ----------------------------------------------------------------

// Stream connects to the SSE stream and emits Events on the returned channel.
// The channel is closed when ctx is cancelled or the connection drops.
func (c *Client) Stream(ctx context.Context, lastEventID int64) (<-chan formz.Event, error) {
	return c.stream(ctx, "/v1/stream", lastEventID)
}

// StreamQuestionnaire is like Stream but only delivers events for the
// questionnaire with id.
func (c *Client) StreamQuestionnaire(ctx context.Context, id string, lastEventID int64) (<-chan formz.Event, error) {
	return c.stream(ctx, "/v1/stream?questionnaire_id="+url.QueryEscape(id), lastEventID)
}

func (c *Client) stream(ctx context.Context, path string, lastEventID int64) (<-chan formz.Event, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastEventID, 10))
	}

	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan formz.Event, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		// 1 MiB buffer for large questionnaire payloads on a single data line.
		br := bufio.NewReaderSize(resp.Body, 1<<20)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// parseSSE reads SSE lines from r and sends parsed Events to ch. It handles
// the id, event and data fields, dispatching on blank lines and joining
// multi-line data.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- formz.Event) {
	var (
		eventType string
		dataLines []string
		eventID   int64
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(dataLines) > 0 {
				ev := decodeEvent(eventType, eventID, strings.Join(dataLines, "\n"))
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			eventType = ""
			dataLines = nil
		case strings.HasPrefix(line, "id:"):
			if id, parseErr := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "id:")), 10, 64); parseErr == nil {
				eventID = id
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}

func decodeEvent(eventType string, eventID int64, data string) formz.Event {
	ev := formz.Event{Type: eventType, EventID: eventID}
	switch eventType {
	case formz.EventUpdate, formz.EventDelete:
		var q formz.Questionnaire
		if err := json.Unmarshal([]byte(data), &q); err == nil {
			ev.Questionnaire = &q
			ev.QuestionnaireID = q.ID
		}
	case formz.EventError:
		var we wireError
		if err := json.Unmarshal([]byte(data), &we); err == nil {
			ev.Err = we.Error
		} else {
			ev.Err = data
		}
	}
	return ev
}
