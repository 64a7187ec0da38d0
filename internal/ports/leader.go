package ports

import "context"

// LeaderChecker answers whether this instance is the elected primary.
type LeaderChecker interface {
	IsLeader(ctx context.Context) bool
}
