// Package masterclient is a thin gRPC client for the master:
// Confirm/Attach/Seal/UpdateTabletStores/AllocateWriteTargets and the
// chunk-upload RPCs, sharing one *grpc.ClientConn across calls with a
// context-bound timeout per RPC. Requests and responses are
// carried as structpb.Struct/emptypb.Empty — the core never vendors a
// generated master .proto client, so every call is a raw ClientConn
// Invoke against the method's fully-qualified name instead of a
// generated stub.
package masterclient

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tablekit/tabletnode/pkg/tablet"
)

// Client is a dialed connection to one master endpoint.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// Dial connects to the master at addr. dialTimeout bounds the initial
// TCP/TLS handshake; callTimeout bounds every subsequent RPC.
func Dial(addr string, dialTimeout, callTimeout time.Duration) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("masterclient: dial %s: %w", addr, err)
	}
	return &Client{conn: conn, timeout: callTimeout}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.timeout)
}

func (c *Client) invoke(method string, req *structpb.Struct, resp *structpb.Struct) error {
	ctx, cancel := c.ctx()
	defer cancel()
	return c.conn.Invoke(ctx, method, req, resp)
}

// Confirm reports that a replica finished writing a chunk replica,
// idempotent under mutationID.
func (c *Client) Confirm(chunkID, mutationID string) error {
	req, err := structpb.NewStruct(map[string]any{"chunk_id": chunkID, "mutation_id": mutationID})
	if err != nil {
		return err
	}
	return c.invoke("/mastersvc.Master/Confirm", req, &structpb.Struct{})
}

// Attach associates a chunk with a table/tablet store set entry.
func (c *Client) Attach(chunkID, tabletID, mutationID string) error {
	req, err := structpb.NewStruct(map[string]any{
		"chunk_id": chunkID, "tablet_id": tabletID, "mutation_id": mutationID,
	})
	if err != nil {
		return err
	}
	return c.invoke("/mastersvc.Master/Attach", req, &structpb.Struct{})
}

// Seal finalizes a chunk's metadata (min/max key, row count, data
// size) once a writer closes it.
func (c *Client) Seal(meta ChunkMeta, mutationID string) error {
	req, err := structpb.NewStruct(map[string]any{
		"chunk_id":               meta.ID,
		"min_key":                string(meta.MinKey),
		"max_key":                string(meta.MaxKey),
		"row_count":              float64(meta.RowCount),
		"uncompressed_data_size": float64(meta.UncompressedDataSize),
		"compressed_data_size":   float64(meta.CompressedDataSize),
		"mutation_id":            mutationID,
	})
	if err != nil {
		return err
	}
	return c.invoke("/mastersvc.Master/Seal", req, &structpb.Struct{})
}

// ChunkMeta is the subset of chunkstore.ChunkMeta the master cares
// about when sealing a chunk (kept independent of pkg/chunkstore to
// avoid a dependency cycle on the client used by flush/compaction).
type ChunkMeta struct {
	ID                   string
	MinKey               tablet.Key
	MaxKey               tablet.Key
	RowCount             uint64
	UncompressedDataSize int64
	CompressedDataSize   int64
}

// UpdateTabletStores atomically adds and removes store ids from a
// tablet's store set on the master, the mutation every flush and
// compaction commits on completion.
func (c *Client) UpdateTabletStores(tabletID string, adds, removes []string, mutationID string) error {
	req, err := structpb.NewStruct(map[string]any{
		"tablet_id":   tabletID,
		"adds":        toAnySlice(adds),
		"removes":     toAnySlice(removes),
		"mutation_id": mutationID,
	})
	if err != nil {
		return err
	}
	return c.invoke("/mastersvc.Master/UpdateTabletStores", req, &structpb.Struct{})
}

// WriteTarget names one chunk-replica destination returned by
// AllocateWriteTargets.
type WriteTarget struct {
	Address string
	NodeID  string
}

// AllocateWriteTargets asks the master to pick replicaCount nodes to
// host a new chunk's replicas.
func (c *Client) AllocateWriteTargets(replicaCount int) ([]WriteTarget, error) {
	req, err := structpb.NewStruct(map[string]any{"replica_count": float64(replicaCount)})
	if err != nil {
		return nil, err
	}
	resp := &structpb.Struct{}
	if err := c.invoke("/mastersvc.Master/AllocateWriteTargets", req, resp); err != nil {
		return nil, err
	}
	return parseWriteTargets(resp), nil
}

func parseWriteTargets(resp *structpb.Struct) []WriteTarget {
	list, ok := resp.Fields["targets"]
	if !ok {
		return nil
	}
	var out []WriteTarget
	for _, v := range list.GetListValue().GetValues() {
		s := v.GetStructValue()
		if s == nil {
			continue
		}
		out = append(out, WriteTarget{
			Address: s.Fields["address"].GetStringValue(),
			NodeID:  s.Fields["node_id"].GetStringValue(),
		})
	}
	return out
}

// BeginUpload / GetUploadParams / EndUpload implement the chunk-upload
// handshake a flush or compaction task uses to allocate and finalize a
// new chunk's storage.
func (c *Client) BeginUpload(mutationID string) (uploadID string, err error) {
	req, err := structpb.NewStruct(map[string]any{"mutation_id": mutationID})
	if err != nil {
		return "", err
	}
	resp := &structpb.Struct{}
	if err := c.invoke("/mastersvc.Master/BeginUpload", req, resp); err != nil {
		return "", err
	}
	return resp.Fields["upload_id"].GetStringValue(), nil
}

func (c *Client) GetUploadParams(uploadID string) (params map[string]string, err error) {
	req, perr := structpb.NewStruct(map[string]any{"upload_id": uploadID})
	if perr != nil {
		return nil, perr
	}
	resp := &structpb.Struct{}
	if err := c.invoke("/mastersvc.Master/GetUploadParams", req, resp); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(resp.Fields))
	for k, v := range resp.Fields {
		out[k] = v.GetStringValue()
	}
	return out, nil
}

func (c *Client) EndUpload(uploadID string, meta ChunkMeta) error {
	req, err := structpb.NewStruct(map[string]any{
		"upload_id": uploadID,
		"chunk_id":  meta.ID,
		"row_count": float64(meta.RowCount),
	})
	if err != nil {
		return err
	}
	return c.invoke("/mastersvc.Master/EndUpload", req, &structpb.Struct{})
}

// CreateObject creates a new catalog object of the given kind (table,
// tablet cell, ...), returning its newly assigned id.
func (c *Client) CreateObject(kind string) (string, error) {
	req, err := structpb.NewStruct(map[string]any{"kind": kind})
	if err != nil {
		return "", err
	}
	resp := &structpb.Struct{}
	if err := c.invoke("/mastersvc.Master/CreateObject", req, resp); err != nil {
		return "", err
	}
	return resp.Fields["id"].GetStringValue(), nil
}

// FetchChunks resolves the chunk ids covering path within the given
// byte ranges, used by readers that need to pull cold data back from
// the master's catalog rather than a mounted store.
func (c *Client) FetchChunks(path string, ranges [][2]int64) ([]string, error) {
	var rangeVals []any
	for _, r := range ranges {
		rangeVals = append(rangeVals, []any{float64(r[0]), float64(r[1])})
	}
	req, err := structpb.NewStruct(map[string]any{"path": path, "ranges": rangeVals})
	if err != nil {
		return nil, err
	}
	resp := &structpb.Struct{}
	if err := c.invoke("/mastersvc.Master/FetchChunks", req, resp); err != nil {
		return nil, err
	}
	var out []string
	for _, v := range resp.Fields["chunk_ids"].GetListValue().GetValues() {
		out = append(out, v.GetStringValue())
	}
	return out, nil
}

// CheckPermission asks the master's ACL service whether user holds
// perm on tableID. perm is a plain string, so Client does not satisfy
// security.Backend itself; cmd/tabletnode's permissionBackend adapts it
// so the row-access guard's cache can fall through to the master on a
// miss.
func (c *Client) CheckPermission(ctx context.Context, tableID, user, perm string) (bool, error) {
	req, err := structpb.NewStruct(map[string]any{
		"table_id": tableID, "user": user, "permission": perm,
	})
	if err != nil {
		return false, err
	}
	resp := &structpb.Struct{}
	deadline, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.conn.Invoke(deadline, "/mastersvc.Master/CheckPermission", req, resp); err != nil {
		return false, fmt.Errorf("masterclient: check permission: %w", err)
	}
	return resp.Fields["allowed"].GetBoolValue(), nil
}

// Ping is a liveness check against the master's empty-rpc health
// method, using emptypb the way health surfaces elsewhere in the
// stack do.
func (c *Client) Ping() error {
	ctx, cancel := c.ctx()
	defer cancel()
	return c.conn.Invoke(ctx, "/mastersvc.Master/Ping", &emptypb.Empty{}, &emptypb.Empty{})
}

func toAnySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
