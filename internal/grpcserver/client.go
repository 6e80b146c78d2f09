package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Client calls ChapterService over an existing connection. Caller, when
// set, is sent as x-editor-id; Token, when set, as a bearer token.
type Client struct {
	cc     grpc.ClientConnInterface
	Caller string
	Token  string
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	if c.Token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.Token)
	}
	if c.Caller != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, EditorMetadataKey, c.Caller)
	}
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.CallContentSubtype(CodecName))
}

func (c *Client) Parse(ctx context.Context, in *ParseRequest) (*ParseResponse, error) {
	out := new(ParseResponse)
	return out, c.invoke(ctx, "Parse", in, out)
}

func (c *Client) Get(ctx context.Context, in *GetRequest) (*GetResponse, error) {
	out := new(GetResponse)
	return out, c.invoke(ctx, "Get", in, out)
}

func (c *Client) Acquire(ctx context.Context, in *AcquireRequest) (*LeaseResponse, error) {
	out := new(LeaseResponse)
	return out, c.invoke(ctx, "Acquire", in, out)
}

func (c *Client) Release(ctx context.Context, in *LeaseRequest) (*ReleaseResponse, error) {
	out := new(ReleaseResponse)
	return out, c.invoke(ctx, "Release", in, out)
}

func (c *Client) Touch(ctx context.Context, in *LeaseRequest) (*LeaseResponse, error) {
	out := new(LeaseResponse)
	return out, c.invoke(ctx, "Touch", in, out)
}

func (c *Client) Commit(ctx context.Context, in *CommitRequest) (*OutcomeResponse, error) {
	out := new(OutcomeResponse)
	return out, c.invoke(ctx, "Commit", in, out)
}

func (c *Client) Resolve(ctx context.Context, in *ResolveRequest) (*OutcomeResponse, error) {
	out := new(OutcomeResponse)
	return out, c.invoke(ctx, "Resolve", in, out)
}
