// Package sessionrpc exposes the session operations as the
// session.v1.SessionService gRPC service (JSON codec) and as a
// Connect-style JSON HTTP handler.
package sessionrpc

import (
	"context"
	"iter"
	"sort"

	"google.golang.org/grpc"

	"github.com/flarebyte/redstore/internal/store"
	grpcjson "github.com/flarebyte/redstore/internal/transport/grpcjson"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "session.v1.SessionService"

// Sessions is the set of user-keyed operations the service calls.
type Sessions interface {
	CreateConfig(ctx context.Context, userID string, kind store.ConfigKind, name string, params store.Params) (string, error)
	GetConfig(ctx context.Context, userID string, kind store.ConfigKind, id string) (*store.ConfigObject, error)
	ListConfigs(ctx context.Context, userID string, kind store.ConfigKind, filter store.ConfigFilter) iter.Seq2[*store.ConfigObject, error]
	UpdateConfig(ctx context.Context, userID string, kind store.ConfigKind, id string, params store.Params) (*store.ConfigUpdate, error)
	DeleteConfig(ctx context.Context, userID string, kind store.ConfigKind, id string, force bool) error
	AppendTurn(ctx context.Context, userID string, turn store.Turn) error
	ReadConversation(ctx context.Context, userID, conversationID string, r store.TurnRange) iter.Seq2[*store.Turn, error]
	UpsertEmbedding(ctx context.Context, userID string, e store.Embedding) error
	ReadEmbeddings(ctx context.Context, userID, embeddingType string) iter.Seq2[*store.Embedding, error]
	NearestEmbeddings(ctx context.Context, userID, embeddingType string, query []float32, k int) (*store.NearestResult, error)
}

// Service serves Sessions over gRPC and HTTP.
type Service struct {
	Sessions Sessions
}

// SessionServiceServer is the handler type used by gRPC registration.
type SessionServiceServer interface {
	isSessionService()
}

func (*Service) isSessionService() {}

type call func(ctx context.Context, s *Service, dec func(any) error) (any, error)

// method adapts a typed handler into a call that decodes its own request.
func method[Req any](fn func(ctx context.Context, s Sessions, in *Req) (any, error)) call {
	return func(ctx context.Context, s *Service, dec func(any) error) (any, error) {
		var in Req
		if err := dec(&in); err != nil {
			return nil, store.Wrap(store.ErrInvalidArgument, "rpc.decode", store.Namespace{}, err)
		}
		if s.Sessions == nil {
			return nil, store.Errorf(store.ErrConfiguration, "rpc", store.Namespace{}, "session service not initialized")
		}
		return fn(ctx, s.Sessions, &in)
	}
}

var calls = map[string]call{
	"CreateConfig": method(func(ctx context.Context, s Sessions, in *CreateConfigRequest) (any, error) {
		id, err := s.CreateConfig(ctx, in.UserID, in.Kind, in.Name, in.Params)
		if err != nil {
			return nil, err
		}
		return &CreateConfigResponse{ID: id}, nil
	}),
	"GetConfig": method(func(ctx context.Context, s Sessions, in *GetConfigRequest) (any, error) {
		c, err := s.GetConfig(ctx, in.UserID, in.Kind, in.ID)
		if err != nil {
			return nil, err
		}
		return &ConfigResponse{Config: c}, nil
	}),
	"ListConfigs": method(func(ctx context.Context, s Sessions, in *ListConfigsRequest) (any, error) {
		items, err := store.Collect(s.ListConfigs(ctx, in.UserID, in.Kind, store.ConfigFilter{
			Status: in.Status, NamePrefix: in.NamePrefix, Descending: in.Descending, Limit: in.Limit,
		}))
		if err != nil {
			return nil, err
		}
		if items == nil {
			items = []*store.ConfigObject{}
		}
		return &ListConfigsResponse{Items: items}, nil
	}),
	"UpdateConfig": method(func(ctx context.Context, s Sessions, in *UpdateConfigRequest) (any, error) {
		return s.UpdateConfig(ctx, in.UserID, in.Kind, in.ID, in.Params)
	}),
	"DeleteConfig": method(func(ctx context.Context, s Sessions, in *DeleteConfigRequest) (any, error) {
		if err := s.DeleteConfig(ctx, in.UserID, in.Kind, in.ID, in.Force); err != nil {
			return nil, err
		}
		return &DeleteConfigResponse{Deleted: true}, nil
	}),
	"AppendTurn": method(func(ctx context.Context, s Sessions, in *AppendTurnRequest) (any, error) {
		err := s.AppendTurn(ctx, in.UserID, store.Turn{
			ConversationID: in.ConversationID, TurnNumber: in.TurnNumber,
			RequestText: in.RequestText, ResponseText: in.ResponseText, Metadata: in.Metadata,
		})
		if err != nil {
			return nil, err
		}
		return &AppendTurnResponse{}, nil
	}),
	"ReadConversation": method(func(ctx context.Context, s Sessions, in *ReadConversationRequest) (any, error) {
		turns, err := store.Collect(s.ReadConversation(ctx, in.UserID, in.ConversationID, store.TurnRange{Start: in.Start, End: in.End}))
		if err != nil {
			return nil, err
		}
		if turns == nil {
			turns = []*store.Turn{}
		}
		return &ReadConversationResponse{Turns: turns}, nil
	}),
	"UpsertEmbedding": method(func(ctx context.Context, s Sessions, in *UpsertEmbeddingRequest) (any, error) {
		err := s.UpsertEmbedding(ctx, in.UserID, store.Embedding{
			ConversationID: in.ConversationID, EmbeddingType: in.EmbeddingType, Vector: in.Vector, Metadata: in.Metadata,
		})
		if err != nil {
			return nil, err
		}
		return &UpsertEmbeddingResponse{}, nil
	}),
	"ReadEmbeddings": method(func(ctx context.Context, s Sessions, in *ReadEmbeddingsRequest) (any, error) {
		items, err := store.Collect(s.ReadEmbeddings(ctx, in.UserID, in.EmbeddingType))
		if err != nil {
			return nil, err
		}
		if items == nil {
			items = []*store.Embedding{}
		}
		return &ReadEmbeddingsResponse{Items: items}, nil
	}),
	"NearestEmbeddings": method(func(ctx context.Context, s Sessions, in *NearestEmbeddingsRequest) (any, error) {
		return s.NearestEmbeddings(ctx, in.UserID, in.EmbeddingType, in.Query, in.K)
	}),
}

// Methods lists the service method names in order.
func Methods() []string {
	names := make([]string, 0, len(calls))
	for n := range calls {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Register registers the service with the provided gRPC server using a JSON codec.
func (s *Service) Register(gs *grpc.Server) {
	grpcjson.Register()
	methods := make([]grpc.MethodDesc, 0, len(calls))
	for _, name := range Methods() {
		c := calls[name]
		methods = append(methods, grpc.MethodDesc{
			MethodName: name,
			Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				out, err := c(ctx, srv.(*Service), dec)
				if err != nil {
					return nil, toStatus(err)
				}
				return out, nil
			},
		})
	}
	gs.RegisterService(&grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*SessionServiceServer)(nil),
		Methods:     methods,
		Streams:     []grpc.StreamDesc{},
		Metadata:    "proto/session/v1/session.proto",
	}, s)
}
