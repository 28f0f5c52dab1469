package rqlite

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/rqlite/rqlite/v8/command/proto"
	"github.com/rqlite/rqlite/v8/db"
)

// Store executes rqlite requests. It is satisfied by the embedded database and by a clustered rqlite store adapter.
type Store interface {
	Query(ctx context.Context, req *proto.QueryRequest) ([]*proto.QueryRows, error)
	Execute(ctx context.Context, req *proto.ExecuteRequest) ([]*proto.ExecuteQueryResponse, error)
}

// EmbeddedStore runs rqlite's database layer in process on a single sqlite file
type EmbeddedStore struct {
	db *db.SwappableDB
}

var _ Store = &EmbeddedStore{}

func OpenEmbedded(dataDir string) (*EmbeddedStore, error) {
	err := os.MkdirAll(dataDir, 0770)
	if err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	d, err := db.OpenSwappable(path.Join(dataDir, "repository.sqlite"), true, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &EmbeddedStore{db: d}, nil
}

func (s *EmbeddedStore) Query(ctx context.Context, req *proto.QueryRequest) ([]*proto.QueryRows, error) {
	return s.db.Query(req.Request, false)
}

func (s *EmbeddedStore) Execute(ctx context.Context, req *proto.ExecuteRequest) ([]*proto.ExecuteQueryResponse, error) {
	return s.db.Execute(req.Request, false)
}

func (s *EmbeddedStore) Close() error {
	return s.db.Close()
}
