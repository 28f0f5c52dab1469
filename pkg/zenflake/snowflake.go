// Package zenflake hands out the int64 keys of jobs, instances, tasks and history events.
// Every process sharing a database runs its own node so keys never collide.
package zenflake

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Generator struct {
	node *snowflake.Node
}

func NewGenerator(nodeId int64) (*Generator, error) {
	node, err := snowflake.NewNode(nodeId)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node %d: %w", nodeId, err)
	}
	return &Generator{node: node}, nil
}

// Next is safe for concurrent use
func (g *Generator) Next() int64 {
	return g.node.Generate().Int64()
}

// NodeOf returns the node that generated key
func NodeOf(key int64) int64 {
	return snowflake.ParseInt64(key).Node()
}

// CreatedAt returns the generation time of key with millisecond precision
func CreatedAt(key int64) time.Time {
	return time.UnixMilli(snowflake.ParseInt64(key).Time())
}
