package oracle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/action"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region service-desc
// The reasoning sidecar speaks google.protobuf.Struct in both directions so
// no generated stubs are needed on either side.
const (
	reasonerService = "oral.reasoning.v1.Reasoner"
	proposeMethod   = "/" + reasonerService + "/Propose"
)

// ReasonerServer is the server side of the reasoning RPC.
type ReasonerServer interface {
	Propose(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func proposeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReasonerServer).Propose(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: proposeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReasonerServer).Propose(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var reasonerServiceDesc = grpc.ServiceDesc{
	ServiceName: reasonerService,
	HandlerType: (*ReasonerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Propose", Handler: proposeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "oral/reasoning/v1/reasoner.proto",
}

// RegisterReasonerServer attaches srv to a gRPC server.
func RegisterReasonerServer(s grpc.ServiceRegistrar, srv ReasonerServer) {
	s.RegisterService(&reasonerServiceDesc, srv)
}

// #endregion service-desc

// #region client
// GRPCBackend calls a remote reasoning service.
type GRPCBackend struct {
	conn   grpc.ClientConnInterface
	closer func() error
}

// DialGRPC connects to the reasoning service at addr. Without options the
// connection is plaintext, as for a local sidecar.
func DialGRPC(addr string, opts ...grpc.DialOption) (*GRPCBackend, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &GRPCBackend{conn: conn, closer: conn.Close}, nil
}

// NewGRPCBackendWithConn wraps an existing connection. The caller keeps
// ownership of conn.
func NewGRPCBackendWithConn(conn grpc.ClientConnInterface) *GRPCBackend {
	return &GRPCBackend{conn: conn}
}

// Close shuts down a connection opened by DialGRPC.
func (b *GRPCBackend) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer()
}

// Propose sends the request as a Struct and reads the proposal back.
func (b *GRPCBackend) Propose(ctx context.Context, req Request) (action.RawProposal, error) {
	in, err := requestStruct(req)
	if err != nil {
		return action.RawProposal{}, err
	}
	out := new(structpb.Struct)
	if err := b.conn.Invoke(ctx, proposeMethod, in, out); err != nil {
		return action.RawProposal{}, fmt.Errorf("propose rpc: %w", err)
	}
	return action.NewRawProposal(out.AsMap()), nil
}

// #endregion client

// #region server
// backendServer exposes a Go ReasoningBackend over gRPC.
type backendServer struct {
	backend ReasoningBackend
}

// NewReasonerServer serves backend over the reasoning RPC.
func NewReasonerServer(backend ReasoningBackend) ReasonerServer {
	return &backendServer{backend: backend}
}

func (s *backendServer) Propose(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	data, err := protojson.Marshal(in)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "encode request: %v", err)
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	p, err := s.backend.Propose(ctx, req)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "propose: %v", err)
	}
	out, err := toStruct(p)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode proposal: %v", err)
	}
	return out, nil
}

// #endregion server

// #region convert
func requestStruct(req Request) (*structpb.Struct, error) {
	s, err := toStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return s, nil
}

// toStruct goes through JSON so custom marshalers (decisions, profiles, times)
// produce their wire forms.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

// #endregion convert
