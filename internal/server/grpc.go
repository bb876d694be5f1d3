package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matt-riley/bucketz/internal/core"
	"github.com/matt-riley/bucketz/internal/notification"
	"github.com/matt-riley/bucketz/internal/service"
)

// DecisionsServiceName is the fully qualified gRPC service name.
const DecisionsServiceName = "bucketz.v1.Decisions"

// DecisionsServer is the server API for the bucketz.v1.Decisions service.
// Requests and responses are google.protobuf.Struct messages whose fields
// mirror the HTTP JSON bodies.
type DecisionsServer interface {
	Activate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetVariation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IsFeatureEnabled(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EnabledFeatures(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FeatureVariable(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Track(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetConfig(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchConfig(*structpb.Struct, grpc.ServerStream) error
}

type unaryMethod func(DecisionsServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call unaryMethod) grpc.MethodDesc {
	fullMethod := "/" + DecisionsServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(DecisionsServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(DecisionsServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// DecisionsServiceDesc describes bucketz.v1.Decisions for
// [grpc.Server.RegisterService].
var DecisionsServiceDesc = grpc.ServiceDesc{
	ServiceName: DecisionsServiceName,
	HandlerType: (*DecisionsServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Activate", DecisionsServer.Activate),
		unaryHandler("GetVariation", DecisionsServer.GetVariation),
		unaryHandler("IsFeatureEnabled", DecisionsServer.IsFeatureEnabled),
		unaryHandler("EnabledFeatures", DecisionsServer.EnabledFeatures),
		unaryHandler("FeatureVariable", DecisionsServer.FeatureVariable),
		unaryHandler("Track", DecisionsServer.Track),
		unaryHandler("GetConfig", DecisionsServer.GetConfig),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchConfig",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(DecisionsServer).WatchConfig(in, stream)
			},
		},
	},
	Metadata: "bucketz/v1/decisions",
}

// GRPCServer implements [DecisionsServer] on top of a [Service] and owns
// the standard gRPC health service.
type GRPCServer struct {
	service Service
	health  *health.Server
}

var _ DecisionsServer = (*GRPCServer)(nil)

// NewGRPCServer creates a [GRPCServer]. Health reports NOT_SERVING until a
// datafile has been loaded.
func NewGRPCServer(svc Service) *GRPCServer {
	if svc == nil {
		panic("service is nil")
	}

	s := &GRPCServer{service: svc, health: health.NewServer()}
	s.SetReady(svc.Ready())
	return s
}

// Register installs the decisions and health services on server.
func (s *GRPCServer) Register(server *grpc.Server) {
	server.RegisterService(&DecisionsServiceDesc, s)
	healthpb.RegisterHealthServer(server, s.health)
}

// SetReady flips both the overall and the decisions health status.
func (s *GRPCServer) SetReady(ready bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(DecisionsServiceName, st)
}

// Shutdown marks every service NOT_SERVING so health watchers drain.
func (s *GRPCServer) Shutdown() {
	s.health.Shutdown()
}

func (s *GRPCServer) Activate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.experimentDecision(ctx, req, s.service.Activate)
}

func (s *GRPCServer) GetVariation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.experimentDecision(ctx, req, s.service.GetVariation)
}

func (s *GRPCServer) experimentDecision(ctx context.Context, req *structpb.Struct, decide experimentDecisionFunc) (*structpb.Struct, error) {
	request, attributes, err := decisionRequestFromStruct(req)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(request.ExperimentKey) == "" {
		return nil, status.Error(codes.InvalidArgument, "experiment_key is required")
	}

	result, err := decide(ctx, request.ExperimentKey, request.UserID, attributes)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return toStruct(result)
}

func (s *GRPCServer) IsFeatureEnabled(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	request, attributes, err := decisionRequestFromStruct(req)
	if err != nil {
		return nil, err
	}
	featureKey := stringField(req, "feature_key")
	if featureKey == "" {
		return nil, status.Error(codes.InvalidArgument, "feature_key is required")
	}

	enabled, err := s.service.IsFeatureEnabled(ctx, featureKey, request.UserID, attributes)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return toStruct(featureEnabledResponse{FeatureKey: featureKey, Enabled: enabled})
}

func (s *GRPCServer) EnabledFeatures(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	request, attributes, err := decisionRequestFromStruct(req)
	if err != nil {
		return nil, err
	}

	features, err := s.service.EnabledFeatures(ctx, request.UserID, attributes)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return toStruct(enabledFeaturesResponse{Features: features})
}

func (s *GRPCServer) FeatureVariable(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	request, attributes, err := decisionRequestFromStruct(req)
	if err != nil {
		return nil, err
	}
	featureKey := stringField(req, "feature_key")
	variableKey := stringField(req, "variable_key")
	if featureKey == "" || variableKey == "" {
		return nil, status.Error(codes.InvalidArgument, "feature_key and variable_key are required")
	}

	value, err := s.service.FeatureVariable(ctx, featureKey, variableKey, request.UserID, attributes)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return toStruct(value)
}

func (s *GRPCServer) Track(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	request, attributes, err := decisionRequestFromStruct(req)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(request.EventKey) == "" {
		return nil, status.Error(codes.InvalidArgument, "event_key is required")
	}

	if err := s.service.Track(ctx, request.EventKey, request.UserID, attributes, request.Tags); err != nil {
		return nil, toGRPCError(err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{}}, nil
}

func (s *GRPCServer) GetConfig(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	summary, err := s.service.Config()
	if err != nil {
		return nil, toGRPCError(err)
	}
	return toStruct(summary)
}

// WatchConfig streams a message for the current revision (when loaded) and
// one for every revision installed afterwards.
func (s *GRPCServer) WatchConfig(_ *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	updates := make(chan configUpdateEvent, streamBuffer)
	center := s.service.Notifications()
	listenerID := center.AddConfigUpdateListener(notification.ConfigUpdateFunc(func(n notification.ConfigUpdateNotification) error {
		select {
		case updates <- configUpdateEvent{Revision: n.Revision, PreviousRevision: n.PreviousRevision}:
		default:
		}
		return nil
	}))
	defer center.Remove(listenerID)

	if summary, err := s.service.Config(); err == nil {
		if err := sendConfigUpdate(stream, configUpdateEvent{Revision: summary.Revision}); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return toGRPCError(ctx.Err())
		case update := <-updates:
			if err := sendConfigUpdate(stream, update); err != nil {
				return err
			}
		}
	}
}

func sendConfigUpdate(stream grpc.ServerStream, update configUpdateEvent) error {
	msg, err := toStruct(update)
	if err != nil {
		return err
	}
	return stream.SendMsg(msg)
}

func decisionRequestFromStruct(req *structpb.Struct) (decisionRequest, core.Attributes, error) {
	if req == nil {
		return decisionRequest{}, nil, status.Error(codes.InvalidArgument, "request is required")
	}

	request := decisionRequest{
		ExperimentKey: stringField(req, "experiment_key"),
		EventKey:      stringField(req, "event_key"),
		UserID:        stringField(req, "user_id"),
		Attributes:    req.GetFields()["attributes"].GetStructValue().AsMap(),
		Tags:          req.GetFields()["tags"].GetStructValue().AsMap(),
	}
	if request.UserID == "" {
		return decisionRequest{}, nil, status.Error(codes.InvalidArgument, "user_id is required")
	}

	attributes, err := attributesFromJSON(request.Attributes)
	if err != nil {
		return decisionRequest{}, nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return request, attributes, nil
}

func stringField(req *structpb.Struct, name string) string {
	return strings.TrimSpace(req.GetFields()[name].GetStringValue())
}

// toStruct converts a JSON-tagged response into a Struct so gRPC and HTTP
// clients see the same field names.
func toStruct(v any) (*structpb.Struct, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(payload, out); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}

func toGRPCError(err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, service.ErrVariableType):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, service.ErrExperimentNotFound),
		errors.Is(err, service.ErrFeatureNotFound),
		errors.Is(err, service.ErrVariableNotFound),
		errors.Is(err, service.ErrEventNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, service.ErrNoConfig):
		return status.Error(codes.Unavailable, "datafile not loaded")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Error(codes.Internal, "internal server error")
	}
}
