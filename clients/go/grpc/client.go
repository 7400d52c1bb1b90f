// Package grpc provides a gRPC client for the formz questionnaire service.
//
// The service speaks JSON over gRPC, so no generated stubs are needed; the
// client registers the codec itself.
package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	formz "github.com/matt-riley/formz/clients/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	serviceName  = "formz.v1.QuestionnaireService"
	listPageSize = 100
)

// Config holds configuration for the gRPC client.
type Config struct {
	// Address is the host:port of the formz gRPC server, e.g. "localhost:9090".
	Address string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// DialOpts are additional gRPC dial options (e.g. TLS credentials).
	// If empty, insecure credentials are used.
	DialOpts []grpc.DialOption
}

// Client implements formz.QuestionnaireManager, formz.Evaluator and
// formz.Streamer over gRPC.
type Client struct {
	cfg  Config
	conn *grpc.ClientConn
}

var (
	_ formz.QuestionnaireManager = (*Client)(nil)
	_ formz.Evaluator            = (*Client)(nil)
	_ formz.Streamer             = (*Client)(nil)
)

// NewGRPCClient creates a client for the formz gRPC server. The connection
// is established lazily. Call Close when done.
func NewGRPCClient(cfg Config) (*Client, error) {
	opts := []grpc.DialOption{}
	if len(cfg.DialOpts) > 0 {
		opts = append(opts, cfg.DialOpts...)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("formz: grpc dial: %w", err)
	}
	return &Client{cfg: cfg, conn: conn}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// IsNotFound reports whether err carries a NotFound gRPC status.
func IsNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// authCtx injects the bearer token into outgoing gRPC metadata.
func (c *Client) authCtx(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.cfg.APIKey)
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	err := c.conn.Invoke(c.authCtx(ctx), "/"+serviceName+"/"+method, in, out, grpc.CallContentSubtype(codecName))
	if err != nil {
		return fmt.Errorf("formz: %s: %w", method, err)
	}
	return nil
}

// -- wire types --------------------------------------------------------------

type wireQuestionnaireRequest struct {
	Questionnaire *formz.Questionnaire `json:"questionnaire"`
}

type wireQuestionnaireResponse struct {
	Questionnaire formz.Questionnaire `json:"questionnaire"`
}

type wireIDRequest struct {
	ID string `json:"id"`
}

type wireListRequest struct {
	PageSize  int32  `json:"page_size,omitempty"`
	PageToken string `json:"page_token,omitempty"`
}

type wireListResponse struct {
	Questionnaires []formz.Questionnaire `json:"questionnaires"`
	NextPageToken  string                `json:"next_page_token,omitempty"`
}

type wireEvaluateRequest struct {
	ID        string          `json:"id,omitempty"`
	Document  json.RawMessage `json:"document,omitempty"`
	Responses formz.Responses `json:"responses,omitempty"`
}

type wireEvaluateResponse struct {
	Result formz.Result `json:"result"`
}

type wireWatchRequest struct {
	ID          string `json:"id,omitempty"`
	LastEventID int64  `json:"last_event_id,omitempty"`
}

type wireWatchEvent struct {
	EventID         int64                `json:"event_id"`
	Type            string               `json:"type"`
	QuestionnaireID string               `json:"questionnaire_id"`
	Questionnaire   *formz.Questionnaire `json:"questionnaire,omitempty"`
}

// toEvent maps a wire event to the client event model. Unknown types map to
// an empty Type and are still delivered.
func toEvent(ev wireWatchEvent) formz.Event {
	out := formz.Event{
		EventID:         ev.EventID,
		QuestionnaireID: ev.QuestionnaireID,
		Questionnaire:   ev.Questionnaire,
	}
	switch ev.Type {
	case "QUESTIONNAIRE_UPDATED":
		out.Type = formz.EventUpdate
	case "QUESTIONNAIRE_DELETED":
		out.Type = formz.EventDelete
	}
	if out.QuestionnaireID == "" && ev.Questionnaire != nil {
		out.QuestionnaireID = ev.Questionnaire.ID
	}
	return out
}

// -- QuestionnaireManager ----------------------------------------------------

func (c *Client) CreateQuestionnaire(ctx context.Context, q formz.Questionnaire) (formz.Questionnaire, error) {
	var out wireQuestionnaireResponse
	if err := c.invoke(ctx, "CreateQuestionnaire", &wireQuestionnaireRequest{Questionnaire: &q}, &out); err != nil {
		return formz.Questionnaire{}, err
	}
	return out.Questionnaire, nil
}

func (c *Client) GetQuestionnaire(ctx context.Context, id string) (formz.Questionnaire, error) {
	var out wireQuestionnaireResponse
	if err := c.invoke(ctx, "GetQuestionnaire", &wireIDRequest{ID: id}, &out); err != nil {
		return formz.Questionnaire{}, err
	}
	return out.Questionnaire, nil
}

// ListQuestionnaires follows page tokens until the server reports no more
// pages.
func (c *Client) ListQuestionnaires(ctx context.Context) ([]formz.Questionnaire, error) {
	all := []formz.Questionnaire{}
	req := wireListRequest{PageSize: listPageSize}
	for {
		var out wireListResponse
		if err := c.invoke(ctx, "ListQuestionnaires", &req, &out); err != nil {
			return nil, err
		}
		all = append(all, out.Questionnaires...)
		if out.NextPageToken == "" || out.NextPageToken == req.PageToken {
			return all, nil
		}
		req.PageToken = out.NextPageToken
	}
}

func (c *Client) UpdateQuestionnaire(ctx context.Context, q formz.Questionnaire) (formz.Questionnaire, error) {
	if q.ID == "" {
		return formz.Questionnaire{}, errors.New("formz: questionnaire id is required")
	}
	var out wireQuestionnaireResponse
	if err := c.invoke(ctx, "UpdateQuestionnaire", &wireQuestionnaireRequest{Questionnaire: &q}, &out); err != nil {
		return formz.Questionnaire{}, err
	}
	return out.Questionnaire, nil
}

func (c *Client) DeleteQuestionnaire(ctx context.Context, id string) error {
	var out struct{}
	return c.invoke(ctx, "DeleteQuestionnaire", &wireIDRequest{ID: id}, &out)
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) Evaluate(ctx context.Context, id string, responses formz.Responses) (formz.Result, error) {
	var out wireEvaluateResponse
	if err := c.invoke(ctx, "Evaluate", &wireEvaluateRequest{ID: id, Responses: responses}, &out); err != nil {
		return formz.Result{}, err
	}
	return out.Result, nil
}

func (c *Client) EvaluateDocument(ctx context.Context, document json.RawMessage, responses formz.Responses) (formz.Result, error) {
	var out wireEvaluateResponse
	if err := c.invoke(ctx, "EvaluateDocument", &wireEvaluateRequest{Document: document, Responses: responses}, &out); err != nil {
		return formz.Result{}, err
	}
	return out.Result, nil
}

// -- Streamer ----------------------------------------------------------------

// Stream watches every questionnaire in the project.
func (c *Client) Stream(ctx context.Context, lastEventID int64) (<-chan formz.Event, error) {
	return c.watch(ctx, wireWatchRequest{LastEventID: lastEventID})
}

// StreamQuestionnaire watches a single questionnaire.
func (c *Client) StreamQuestionnaire(ctx context.Context, id string, lastEventID int64) (<-chan formz.Event, error) {
	return c.watch(ctx, wireWatchRequest{ID: id, LastEventID: lastEventID})
}

var watchStreamDesc = grpc.StreamDesc{StreamName: "WatchQuestionnaires", ServerStreams: true}

// watch opens the server stream and emits Events on the returned channel.
// A stream failure other than cancellation or a clean end is delivered as a
// final error event. The channel is closed when the stream ends.
func (c *Client) watch(ctx context.Context, req wireWatchRequest) (<-chan formz.Event, error) {
	stream, err := c.conn.NewStream(c.authCtx(ctx), &watchStreamDesc, "/"+serviceName+"/WatchQuestionnaires", grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, fmt.Errorf("formz: WatchQuestionnaires: %w", err)
	}
	if err := stream.SendMsg(&req); err != nil {
		return nil, fmt.Errorf("formz: WatchQuestionnaires: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("formz: WatchQuestionnaires: %w", err)
	}

	ch := make(chan formz.Event, 16)
	go func() {
		defer close(ch)
		for {
			var ev wireWatchEvent
			if err := stream.RecvMsg(&ev); err != nil {
				if errors.Is(err, io.EOF) || ctx.Err() != nil || status.Code(err) == codes.Canceled {
					return
				}
				select {
				case ch <- formz.Event{Type: formz.EventError, Err: status.Convert(err).Message()}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case ch <- toEvent(ev):
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
