package narration

import (
	"context"
	"errors"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/orchestrator"
)

func startServer(t *testing.T, n Narrator) *GRPCNarrator {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterNarratorServer(s, n)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewGRPCNarratorWithConn(conn)
}

func TestGRPCNarratorRoundTrip(t *testing.T) {
	var seen Request
	client := startServer(t, NarratorFunc(func(_ context.Context, r Request) (string, error) {
		seen = r
		return "The bard's song falters.", nil
	}))

	want := Request{
		ID:           "th/5",
		ThreadID:     "th",
		Kind:         orchestrator.EffectClimax,
		ThreadType:   "romance",
		Template:     "romance.confession",
		Stage:        "climax",
		Tension:      "0.810",
		Participants: []string{"lia", "tomas"},
	}
	text, err := client.Narrate(context.Background(), want)
	if err != nil {
		t.Fatalf("Narrate: %v", err)
	}
	if text != "The bard's song falters." {
		t.Fatalf("unexpected text %q", text)
	}
	if seen.ID != want.ID || seen.Kind != want.Kind || seen.Tension != want.Tension {
		t.Fatalf("server saw %+v", seen)
	}
	if len(seen.Participants) != 2 || seen.Participants[0] != "lia" {
		t.Fatalf("participants lost: %v", seen.Participants)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestGRPCNarratorServerError(t *testing.T) {
	client := startServer(t, NarratorFunc(func(context.Context, Request) (string, error) {
		return "", errors.New("bard is drunk")
	}))
	_, err := client.Narrate(context.Background(), Request{ID: "th/1"})
	if status.Code(errors.Unwrap(err)) != codes.Internal {
		t.Fatalf("expected Internal, got %v", err)
	}
}

func TestGRPCNarratorMissingID(t *testing.T) {
	client := startServer(t, NarratorFunc(func(context.Context, Request) (string, error) {
		t.Fatal("narrator should not be called without an id")
		return "", nil
	}))
	_, err := client.Narrate(context.Background(), Request{})
	if status.Code(errors.Unwrap(err)) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestGRPCNarratorInPool(t *testing.T) {
	client := startServer(t, NarratorFunc(func(_ context.Context, r Request) (string, error) {
		return "remote " + r.ID, nil
	}))
	pool := NewPool(client, PoolConfig{Concurrency: 2})
	results := pool.Run(context.Background(), requests(4))
	for i, r := range results {
		if r.Err != "" || r.Text != "remote "+r.RequestID {
			t.Fatalf("result %d: %+v", i, r)
		}
	}
}
