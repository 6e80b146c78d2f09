package grpcserver_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"chapterhub/internal/auth"
	"chapterhub/internal/conflict"
	"chapterhub/internal/editing"
	"chapterhub/internal/grpcserver"
	"chapterhub/internal/lock"
	"chapterhub/internal/store"
	"chapterhub/pkg/models"
)

var tokens = auth.TokenService{Secret: []byte("grpc-test"), Issuer: "chapterhub", Duration: time.Hour}

type fixture struct {
	svc  *editing.Service
	conn *grpc.ClientConn
}

func newFixture(t *testing.T, required bool) *fixture {
	t.Helper()

	svc := editing.NewService(store.NewMemory(), lock.NewCoordinator())

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(grpc.UnaryInterceptor(grpcserver.IdentityInterceptor(tokens, required, nil)))
	grpcserver.Register(gs, grpcserver.NewServer(svc))
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &fixture{svc: svc, conn: conn}
}

func (f *fixture) client(caller string) *grpcserver.Client {
	c := grpcserver.NewClient(f.conn)
	c.Caller = caller
	return c
}

func (f *fixture) seed(t *testing.T) models.ChapterRecord {
	t.Helper()
	rec, err := f.svc.Create(t.Context(), models.NewChapter{MangaID: "one-piece", Number: 1, Title: "v1", URL: "https://x.test/1"})
	require.NoError(t, err)
	return rec
}

func ptr[T any](v T) *T { return &v }

func Test_Parse_Over_gRPC(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	resp, err := f.client("").Parse(t.Context(), &grpcserver.ParseRequest{
		Text: "Chapter 1: The Start - https://x.test/1\nChapter 2: Next - https://x.test/2\nChapter 1: Dup - https://x.test/1b",
	})
	require.NoError(t, err)

	require.Len(t, resp.Candidates, 3)
	assert.Equal(t, models.CandidateDuplicate, resp.Candidates[2].Classification)
	assert.Equal(t, 2, resp.Summary.Valid)
}

func Test_Two_Callers_Conflict_And_Resolve_Over_gRPC(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	rec := f.seed(t)
	alice := f.client("alice")
	bob := f.client("bob")

	_, err := alice.Acquire(t.Context(), &grpcserver.AcquireRequest{ID: rec.ID})
	require.NoError(t, err)

	_, err = bob.Acquire(t.Context(), &grpcserver.AcquireRequest{ID: rec.ID})
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "alice")

	got, err := bob.Get(t.Context(), &grpcserver.GetRequest{ID: rec.ID})
	require.NoError(t, err)
	require.NotNil(t, got.Lease)
	assert.Equal(t, "alice", got.Lease.Holder)

	first, err := alice.Commit(t.Context(), &grpcserver.CommitRequest{ID: rec.ID, BaseVersion: 1, Changes: models.ChapterPatch{Title: ptr("alice")}})
	require.NoError(t, err)
	require.True(t, first.Outcome.Committed)
	assert.Equal(t, int64(2), first.Outcome.Version)

	stale, err := alice.Commit(t.Context(), &grpcserver.CommitRequest{ID: rec.ID, BaseVersion: 1, Changes: models.ChapterPatch{Title: ptr("again")}})
	require.NoError(t, err)
	require.NotNil(t, stale.Outcome.Conflict)
	assert.Equal(t, []string{models.FieldTitle}, stale.Outcome.Conflict.FieldNames())

	done, err := alice.Resolve(t.Context(), &grpcserver.ResolveRequest{
		Report:     stale.Outcome.Conflict,
		Resolution: map[string]conflict.Choice{models.FieldTitle: conflict.Mine},
	})
	require.NoError(t, err)
	require.True(t, done.Outcome.Committed)
	assert.Equal(t, "again", done.Outcome.Record.Title)

	_, err = alice.Touch(t.Context(), &grpcserver.LeaseRequest{ID: rec.ID})
	require.NoError(t, err)
	_, err = alice.Release(t.Context(), &grpcserver.LeaseRequest{ID: rec.ID})
	require.NoError(t, err)

	_, err = bob.Acquire(t.Context(), &grpcserver.AcquireRequest{ID: rec.ID, TTLSeconds: 30})
	require.NoError(t, err)
}

func Test_Errors_Map_To_Status_Codes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	rec := f.seed(t)

	_, err := f.client("alice").Get(t.Context(), &grpcserver.GetRequest{ID: "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = f.client("alice").Get(t.Context(), &grpcserver.GetRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = f.client("alice").Commit(t.Context(), &grpcserver.CommitRequest{ID: rec.ID, BaseVersion: 1, Changes: models.ChapterPatch{Title: ptr("x")}})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err), "commit without lease")

	_, err = f.client("").Commit(t.Context(), &grpcserver.CommitRequest{ID: rec.ID, BaseVersion: 1, Changes: models.ChapterPatch{Title: ptr("x")}})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func Test_Required_Auth_Uses_Bearer_Token(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	rec := f.seed(t)

	_, err := f.client("alice").Acquire(t.Context(), &grpcserver.AcquireRequest{ID: rec.ID})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	raw, _, err := tokens.Sign("alice", "")
	require.NoError(t, err)
	c := grpcserver.NewClient(f.conn)
	c.Token = raw

	resp, err := c.Acquire(t.Context(), &grpcserver.AcquireRequest{ID: rec.ID})
	require.NoError(t, err)
	assert.Equal(t, "alice", resp.Lease.Holder)
}
