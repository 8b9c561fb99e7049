package narration

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/orchestrator"
)

// Requests and replies travel as google.protobuf.Struct so no generated
// stubs are needed on either side.
const (
	narratorService = "tavern.narration.v1.Narrator"
	narrateMethod   = "/" + narratorService + "/Narrate"
)

// #region client

// GRPCNarrator calls a remote narration service.
type GRPCNarrator struct {
	conn   grpc.ClientConnInterface
	closer func() error
}

// NewGRPCNarrator connects to target.
func NewGRPCNarrator(target string, opts ...grpc.DialOption) (*GRPCNarrator, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", target, err)
	}
	return &GRPCNarrator{conn: conn, closer: conn.Close}, nil
}

// NewGRPCNarratorWithConn wraps an existing connection. Close leaves it open.
func NewGRPCNarratorWithConn(conn grpc.ClientConnInterface) *GRPCNarrator {
	return &GRPCNarrator{conn: conn, closer: func() error { return nil }}
}

// Close shuts down the connection opened by NewGRPCNarrator.
func (n *GRPCNarrator) Close() error {
	return n.closer()
}

// Narrate invokes the remote Narrate method.
func (n *GRPCNarrator) Narrate(ctx context.Context, req Request) (string, error) {
	in, err := requestToStruct(req)
	if err != nil {
		return "", err
	}
	out := &structpb.Struct{}
	if err := n.conn.Invoke(ctx, narrateMethod, in, out); err != nil {
		return "", fmt.Errorf("narrate rpc %s: %w", req.ID, err)
	}
	text := out.GetFields()["text"].GetStringValue()
	if text == "" {
		return "", fmt.Errorf("narrate rpc %s: empty text", req.ID)
	}
	return text, nil
}

// #endregion client

// #region server

// NarratorServer is the server side of the narration service.
type NarratorServer interface {
	Narrate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type narratorServer struct {
	narrator Narrator
}

func (s narratorServer) Narrate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := requestFromStruct(in)
	if req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "missing request id")
	}
	text, err := s.narrator.Narrate(ctx, req)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return structpb.NewStruct(map[string]any{"request_id": req.ID, "text": text})
}

// RegisterNarratorServer serves n on s.
func RegisterNarratorServer(s grpc.ServiceRegistrar, n Narrator) {
	s.RegisterService(&narratorServiceDesc, narratorServer{narrator: n})
}

func narrateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NarratorServer).Narrate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: narrateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NarratorServer).Narrate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var narratorServiceDesc = grpc.ServiceDesc{
	ServiceName: narratorService,
	HandlerType: (*NarratorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Narrate", Handler: narrateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tavern/narration/v1/narrator.proto",
}

// #endregion server

// #region codec

func requestToStruct(req Request) (*structpb.Struct, error) {
	participants := make([]any, len(req.Participants))
	for i, p := range req.Participants {
		participants[i] = p
	}
	s, err := structpb.NewStruct(map[string]any{
		"id":           req.ID,
		"thread_id":    req.ThreadID,
		"kind":         string(req.Kind),
		"thread_type":  req.ThreadType,
		"template":     req.Template,
		"stage":        req.Stage,
		"tension":      req.Tension,
		"participants": participants,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request %s: %w", req.ID, err)
	}
	return s, nil
}

func requestFromStruct(s *structpb.Struct) Request {
	f := s.GetFields()
	req := Request{
		ID:         f["id"].GetStringValue(),
		ThreadID:   f["thread_id"].GetStringValue(),
		ThreadType: f["thread_type"].GetStringValue(),
		Template:   f["template"].GetStringValue(),
		Stage:      f["stage"].GetStringValue(),
		Tension:    f["tension"].GetStringValue(),
		Kind:       orchestrator.EffectKind(f["kind"].GetStringValue()),
	}
	for _, v := range f["participants"].GetListValue().GetValues() {
		req.Participants = append(req.Participants, v.GetStringValue())
	}
	return req
}

// #endregion codec
