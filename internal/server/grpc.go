package server

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/matt-riley/formz/internal/core"
	"github.com/matt-riley/formz/internal/metrics"
	"github.com/matt-riley/formz/internal/middleware"
	"github.com/matt-riley/formz/internal/repository"
	"github.com/matt-riley/formz/internal/service"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "formz.v1.QuestionnaireService"

type QuestionnaireRequest struct {
	Questionnaire *repository.Questionnaire `json:"questionnaire"`
}

type QuestionnaireResponse struct {
	Questionnaire repository.Questionnaire `json:"questionnaire"`
}

type GetQuestionnaireRequest struct {
	ID string `json:"id"`
}

type ListQuestionnairesRequest struct {
	PageSize  int32  `json:"page_size,omitempty"`
	PageToken string `json:"page_token,omitempty"`
}

type ListQuestionnairesResponse struct {
	Questionnaires []repository.Questionnaire `json:"questionnaires"`
	NextPageToken  string                     `json:"next_page_token,omitempty"`
}

type DeleteQuestionnaireRequest struct {
	ID string `json:"id"`
}

type DeleteQuestionnaireResponse struct{}

type EvaluateRequest struct {
	ID        string          `json:"id"`
	Responses json.RawMessage `json:"responses,omitempty"`
}

type EvaluateDocumentRequest struct {
	Document  json.RawMessage `json:"document"`
	Responses json.RawMessage `json:"responses,omitempty"`
}

type EvaluateResponse struct {
	Result core.Result `json:"result"`
}

// WatchQuestionnairesRequest resumes after LastEventID. An empty ID watches
// every questionnaire in the project.
type WatchQuestionnairesRequest struct {
	ID          string `json:"id,omitempty"`
	LastEventID int64  `json:"last_event_id,omitempty"`
}

type WatchEvent struct {
	EventID         int64                     `json:"event_id"`
	Type            string                    `json:"type"`
	QuestionnaireID string                    `json:"questionnaire_id"`
	Questionnaire   *repository.Questionnaire `json:"questionnaire,omitempty"`
}

// Watch event types.
const (
	WatchEventUpdated = "QUESTIONNAIRE_UPDATED"
	WatchEventDeleted = "QUESTIONNAIRE_DELETED"
)

// QuestionnaireServiceServer is the server API of formz.v1.QuestionnaireService.
type QuestionnaireServiceServer interface {
	CreateQuestionnaire(context.Context, *QuestionnaireRequest) (*QuestionnaireResponse, error)
	UpdateQuestionnaire(context.Context, *QuestionnaireRequest) (*QuestionnaireResponse, error)
	GetQuestionnaire(context.Context, *GetQuestionnaireRequest) (*QuestionnaireResponse, error)
	ListQuestionnaires(context.Context, *ListQuestionnairesRequest) (*ListQuestionnairesResponse, error)
	DeleteQuestionnaire(context.Context, *DeleteQuestionnaireRequest) (*DeleteQuestionnaireResponse, error)
	Evaluate(context.Context, *EvaluateRequest) (*EvaluateResponse, error)
	EvaluateDocument(context.Context, *EvaluateDocumentRequest) (*EvaluateResponse, error)
	WatchQuestionnaires(*WatchQuestionnairesRequest, grpc.ServerStreamingServer[WatchEvent]) error
}

// GRPCServer implements [QuestionnaireServiceServer] on top of [Service].
type GRPCServer struct {
	service            Service
	streamPollInterval time.Duration
	metrics            *metrics.Metrics
	options
}

var _ QuestionnaireServiceServer = (*GRPCServer)(nil)

// NewGRPCServer creates a [GRPCServer] with a default stream poll interval of
// 1 second.
func NewGRPCServer(svc Service, opts ...Option) *GRPCServer {
	return NewGRPCServerWithOptions(svc, defaultStreamPollInterval, nil, opts...)
}

// NewGRPCServerWithOptions creates a [GRPCServer] polling for watch events
// every streamPollInterval. m may be nil.
func NewGRPCServerWithOptions(svc Service, streamPollInterval time.Duration, m *metrics.Metrics, opts ...Option) *GRPCServer {
	if svc == nil {
		panic("service is nil")
	}

	if streamPollInterval <= 0 {
		streamPollInterval = defaultStreamPollInterval
	}

	return &GRPCServer{
		service:            svc,
		streamPollInterval: streamPollInterval,
		metrics:            m,
		options:            newOptions(opts),
	}
}

func (s *GRPCServer) CreateQuestionnaire(ctx context.Context, req *QuestionnaireRequest) (*QuestionnaireResponse, error) {
	projectID, err := grpcProjectID(ctx)
	if err != nil {
		return nil, err
	}
	if req == nil || req.Questionnaire == nil {
		return nil, status.Error(codes.InvalidArgument, "questionnaire is required")
	}

	q := *req.Questionnaire
	q.ProjectID = projectID
	created, err := s.service.CreateQuestionnaire(ctx, q)
	if err != nil {
		return nil, toGRPCError(err)
	}

	s.recordAudit(ctx, AuditActionCreate, projectID, created.ID, map[string]string{"name": created.Name})
	return &QuestionnaireResponse{Questionnaire: created}, nil
}

func (s *GRPCServer) UpdateQuestionnaire(ctx context.Context, req *QuestionnaireRequest) (*QuestionnaireResponse, error) {
	projectID, err := grpcProjectID(ctx)
	if err != nil {
		return nil, err
	}
	if req == nil || req.Questionnaire == nil {
		return nil, status.Error(codes.InvalidArgument, "questionnaire is required")
	}
	if strings.TrimSpace(req.Questionnaire.ID) == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}

	q := *req.Questionnaire
	q.ProjectID = projectID
	updated, err := s.service.UpdateQuestionnaire(ctx, q)
	if err != nil {
		return nil, toGRPCError(err)
	}

	s.recordAudit(ctx, AuditActionUpdate, projectID, updated.ID, map[string]string{
		"name":    updated.Name,
		"version": strconv.FormatInt(updated.Version, 10),
	})
	return &QuestionnaireResponse{Questionnaire: updated}, nil
}

func (s *GRPCServer) GetQuestionnaire(ctx context.Context, req *GetQuestionnaireRequest) (*QuestionnaireResponse, error) {
	projectID, err := grpcProjectID(ctx)
	if err != nil {
		return nil, err
	}
	if req == nil || strings.TrimSpace(req.ID) == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}

	q, err := s.service.GetQuestionnaire(ctx, projectID, req.ID)
	if err != nil {
		return nil, toGRPCError(err)
	}

	return &QuestionnaireResponse{Questionnaire: q}, nil
}

func (s *GRPCServer) ListQuestionnaires(ctx context.Context, req *ListQuestionnairesRequest) (*ListQuestionnairesResponse, error) {
	projectID, err := grpcProjectID(ctx)
	if err != nil {
		return nil, err
	}

	pageSize := 0
	pageToken := ""
	if req != nil {
		pageSize = int(req.PageSize)
		pageToken = req.PageToken
	}
	if pageSize < 0 {
		return nil, status.Error(codes.InvalidArgument, "page_size must be non-negative")
	}

	questionnaires, err := s.service.ListQuestionnaires(ctx, projectID)
	if err != nil {
		return nil, toGRPCError(err)
	}

	pageStart, err := parseListPageToken(pageToken, len(questionnaires))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid page_token")
	}

	pageEnd := len(questionnaires)
	nextPageToken := ""
	if pageSize > 0 {
		pageEnd = min(pageStart+pageSize, len(questionnaires))
		if pageEnd < len(questionnaires) {
			nextPageToken = strconv.Itoa(pageEnd)
		}
	}

	page := make([]repository.Questionnaire, pageEnd-pageStart)
	copy(page, questionnaires[pageStart:pageEnd])

	return &ListQuestionnairesResponse{
		Questionnaires: page,
		NextPageToken:  nextPageToken,
	}, nil
}

func (s *GRPCServer) DeleteQuestionnaire(ctx context.Context, req *DeleteQuestionnaireRequest) (*DeleteQuestionnaireResponse, error) {
	projectID, err := grpcProjectID(ctx)
	if err != nil {
		return nil, err
	}
	if req == nil || strings.TrimSpace(req.ID) == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}

	if err := s.service.DeleteQuestionnaire(ctx, projectID, req.ID); err != nil {
		return nil, toGRPCError(err)
	}

	s.recordAudit(ctx, AuditActionDelete, projectID, req.ID, nil)
	return &DeleteQuestionnaireResponse{}, nil
}

func (s *GRPCServer) Evaluate(ctx context.Context, req *EvaluateRequest) (*EvaluateResponse, error) {
	projectID, err := grpcProjectID(ctx)
	if err != nil {
		return nil, err
	}
	if req == nil || strings.TrimSpace(req.ID) == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}

	responses, err := service.ParseResponses(req.Responses)
	if err != nil {
		return nil, toGRPCError(err)
	}

	result, err := s.service.Evaluate(ctx, projectID, req.ID, responses)
	if err != nil {
		return nil, toGRPCError(err)
	}

	return &EvaluateResponse{Result: result}, nil
}

func (s *GRPCServer) EvaluateDocument(ctx context.Context, req *EvaluateDocumentRequest) (*EvaluateResponse, error) {
	if _, err := grpcProjectID(ctx); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "document is required")
	}

	doc, err := service.ParseDocument(req.Document)
	if err != nil {
		return nil, toGRPCError(err)
	}
	responses, err := service.ParseResponses(req.Responses)
	if err != nil {
		return nil, toGRPCError(err)
	}

	result, err := s.service.EvaluateDocument(ctx, doc, responses)
	if err != nil {
		return nil, toGRPCError(err)
	}

	return &EvaluateResponse{Result: result}, nil
}

func (s *GRPCServer) WatchQuestionnaires(req *WatchQuestionnairesRequest, stream grpc.ServerStreamingServer[WatchEvent]) error {
	projectID, err := grpcProjectID(stream.Context())
	if err != nil {
		return err
	}

	filterID := ""
	var lastEventID int64
	if req != nil {
		filterID = strings.TrimSpace(req.ID)
		lastEventID = req.LastEventID
	}
	if lastEventID < 0 {
		return status.Error(codes.InvalidArgument, "last_event_id must be non-negative")
	}

	listEventsSince := func(ctx context.Context, eventID int64) ([]repository.QuestionnaireEvent, error) {
		return s.service.ListEventsSince(ctx, projectID, eventID)
	}
	if filterID != "" {
		listEventsSince = func(ctx context.Context, eventID int64) ([]repository.QuestionnaireEvent, error) {
			return s.service.ListEventsSinceForQuestionnaire(ctx, projectID, eventID, filterID)
		}
	}

	sendEvents := func(ctx context.Context) error {
		events, err := listEventsSince(ctx, lastEventID)
		if err != nil {
			return toGRPCError(err)
		}

		for _, event := range events {
			lastEventID = event.EventID
			watchEvent, ok := repositoryEventToWatchEvent(event)
			if !ok {
				continue
			}

			if err := stream.Send(watchEvent); err != nil {
				return err
			}
		}

		return nil
	}

	if s.metrics != nil {
		streams := s.metrics.ActiveStreams.WithLabelValues("grpc")
		streams.Inc()
		defer streams.Dec()
	}

	if err := sendEvents(stream.Context()); err != nil {
		return err
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case <-ticker.C:
			if err := sendEvents(stream.Context()); err != nil {
				return err
			}
		}
	}
}

func grpcProjectID(ctx context.Context) (string, error) {
	projectID, ok := middleware.ProjectIDFromContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "unauthorized")
	}
	return projectID, nil
}

func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, service.ErrInvalidDocument):
		return invalidDocumentStatus(err)
	case errors.Is(err, service.ErrInvalidResponses):
		return status.Error(codes.InvalidArgument, "invalid responses")
	case errors.Is(err, service.ErrProjectIDRequired), errors.Is(err, service.ErrQuestionnaireIDRequired):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, service.ErrQuestionnaireNotFound):
		return status.Error(codes.NotFound, "questionnaire not found")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Error(codes.Internal, "internal server error")
	}
}

func invalidDocumentStatus(err error) error {
	details := validationDetails(err)
	if len(details) == 0 {
		return status.Error(codes.InvalidArgument, "invalid document")
	}
	return status.Error(codes.InvalidArgument, "invalid document: "+strings.Join(details, "; "))
}

func parseListPageToken(pageToken string, maxOffset int) (int, error) {
	pageToken = strings.TrimSpace(pageToken)
	if pageToken == "" {
		return 0, nil
	}

	offset, err := strconv.Atoi(pageToken)
	if err != nil || offset < 0 || offset > maxOffset {
		return 0, errors.New("invalid page token")
	}

	return offset, nil
}

func repositoryEventToWatchEvent(event repository.QuestionnaireEvent) (*WatchEvent, bool) {
	eventType, ok := toWatchEventType(event.EventType)
	if !ok {
		return nil, false
	}

	watchEvent := &WatchEvent{
		EventID:         event.EventID,
		Type:            eventType,
		QuestionnaireID: event.QuestionnaireID,
	}

	if eventType == WatchEventUpdated && len(event.Payload) > 0 {
		var q repository.Questionnaire
		if err := json.Unmarshal(event.Payload, &q); err == nil && strings.TrimSpace(q.ID) != "" {
			watchEvent.Questionnaire = &q
		}
	}

	return watchEvent, true
}

func toWatchEventType(eventType string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case "update", service.EventTypeUpdated:
		return WatchEventUpdated, true
	case "delete", service.EventTypeDeleted:
		return WatchEventDeleted, true
	default:
		return "", false
	}
}

// RegisterQuestionnaireService registers srv on s under [ServiceName].
func RegisterQuestionnaireService(s grpc.ServiceRegistrar, srv QuestionnaireServiceServer) {
	s.RegisterService(&questionnaireServiceDesc, srv)
}

var questionnaireServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QuestionnaireServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateQuestionnaire", Handler: unaryHandler("CreateQuestionnaire", QuestionnaireServiceServer.CreateQuestionnaire)},
		{MethodName: "UpdateQuestionnaire", Handler: unaryHandler("UpdateQuestionnaire", QuestionnaireServiceServer.UpdateQuestionnaire)},
		{MethodName: "GetQuestionnaire", Handler: unaryHandler("GetQuestionnaire", QuestionnaireServiceServer.GetQuestionnaire)},
		{MethodName: "ListQuestionnaires", Handler: unaryHandler("ListQuestionnaires", QuestionnaireServiceServer.ListQuestionnaires)},
		{MethodName: "DeleteQuestionnaire", Handler: unaryHandler("DeleteQuestionnaire", QuestionnaireServiceServer.DeleteQuestionnaire)},
		{MethodName: "Evaluate", Handler: unaryHandler("Evaluate", QuestionnaireServiceServer.Evaluate)},
		{MethodName: "EvaluateDocument", Handler: unaryHandler("EvaluateDocument", QuestionnaireServiceServer.EvaluateDocument)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchQuestionnaires",
			Handler:       watchQuestionnairesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "formz/v1/questionnaire",
}

func unaryHandler[Req, Resp any](method string, call func(QuestionnaireServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		impl := srv.(QuestionnaireServiceServer)
		if interceptor == nil {
			return call(impl, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(impl, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchQuestionnairesHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchQuestionnairesRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(QuestionnaireServiceServer).WatchQuestionnaires(in, &grpc.GenericServerStream[WatchQuestionnairesRequest, WatchEvent]{ServerStream: stream})
}

// QuestionnaireServiceClient calls formz.v1.QuestionnaireService. Connections
// must use the JSON codec, e.g. grpc.WithDefaultCallOptions(
// grpc.CallContentSubtype(CodecName)).
type QuestionnaireServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewQuestionnaireServiceClient(cc grpc.ClientConnInterface) *QuestionnaireServiceClient {
	return &QuestionnaireServiceClient{cc: cc}
}

func invoke[Req, Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in *Req, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *QuestionnaireServiceClient) CreateQuestionnaire(ctx context.Context, in *QuestionnaireRequest, opts ...grpc.CallOption) (*QuestionnaireResponse, error) {
	return invoke[QuestionnaireRequest, QuestionnaireResponse](ctx, c.cc, "CreateQuestionnaire", in, opts...)
}

func (c *QuestionnaireServiceClient) UpdateQuestionnaire(ctx context.Context, in *QuestionnaireRequest, opts ...grpc.CallOption) (*QuestionnaireResponse, error) {
	return invoke[QuestionnaireRequest, QuestionnaireResponse](ctx, c.cc, "UpdateQuestionnaire", in, opts...)
}

func (c *QuestionnaireServiceClient) GetQuestionnaire(ctx context.Context, in *GetQuestionnaireRequest, opts ...grpc.CallOption) (*QuestionnaireResponse, error) {
	return invoke[GetQuestionnaireRequest, QuestionnaireResponse](ctx, c.cc, "GetQuestionnaire", in, opts...)
}

func (c *QuestionnaireServiceClient) ListQuestionnaires(ctx context.Context, in *ListQuestionnairesRequest, opts ...grpc.CallOption) (*ListQuestionnairesResponse, error) {
	return invoke[ListQuestionnairesRequest, ListQuestionnairesResponse](ctx, c.cc, "ListQuestionnaires", in, opts...)
}

func (c *QuestionnaireServiceClient) DeleteQuestionnaire(ctx context.Context, in *DeleteQuestionnaireRequest, opts ...grpc.CallOption) (*DeleteQuestionnaireResponse, error) {
	return invoke[DeleteQuestionnaireRequest, DeleteQuestionnaireResponse](ctx, c.cc, "DeleteQuestionnaire", in, opts...)
}

func (c *QuestionnaireServiceClient) Evaluate(ctx context.Context, in *EvaluateRequest, opts ...grpc.CallOption) (*EvaluateResponse, error) {
	return invoke[EvaluateRequest, EvaluateResponse](ctx, c.cc, "Evaluate", in, opts...)
}

func (c *QuestionnaireServiceClient) EvaluateDocument(ctx context.Context, in *EvaluateDocumentRequest, opts ...grpc.CallOption) (*EvaluateResponse, error) {
	return invoke[EvaluateDocumentRequest, EvaluateResponse](ctx, c.cc, "EvaluateDocument", in, opts...)
}

// WatchQuestionnaires opens the server stream of questionnaire events.
func (c *QuestionnaireServiceClient) WatchQuestionnaires(ctx context.Context, in *WatchQuestionnairesRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[WatchEvent], error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &questionnaireServiceDesc.Streams[0], "/"+ServiceName+"/WatchQuestionnaires", opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[WatchQuestionnairesRequest, WatchEvent]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
