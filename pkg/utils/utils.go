// Package utils 提供 ID（雪花/UUID）生成与同步重试等通用工具
package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

// IDGenerator 生成订单 ID 与成交 ID
type IDGenerator struct {
	node *snowflake.Node
}

// NewIDGenerator 创建 ID 生成器，nodeID 取值 0-1023
func NewIDGenerator(nodeID int64) (*IDGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &IDGenerator{node: node}, nil
}

// NextTradeID 生成按时间递增的成交 ID
func (g *IDGenerator) NextTradeID() string {
	return g.node.Generate().String()
}

// NextOrderID 生成订单内部 ID
func (g *IDGenerator) NextOrderID() string {
	return uuid.NewString()
}

// Retry 同步重试，最多执行 maxAttempts 次；onRetry 在每次重试前调用
func Retry(ctx context.Context, maxAttempts int, delay time.Duration, onRetry func(attempt int, err error), fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if onRetry != nil {
				onRetry(attempt, lastErr)
			}
			if delay > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(delay):
				}
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}
