package api

import (
	lru "github.com/hashicorp/golang-lru"
)

// leaderboardCache holds rendered leaderboards of resolved contests.
// After resolution only a claim changes a board, and claims invalidate it.
type leaderboardCache struct {
	*lru.Cache
}

// newLeaderboardCache returns nil when size is not positive, which
// disables caching.
func newLeaderboardCache(size int) (*leaderboardCache, error) {
	if size <= 0 {
		return nil, nil
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &leaderboardCache{cache}, nil
}

func (c *leaderboardCache) get(contestID uint64) (*LeaderboardView, bool) {
	if c == nil {
		return nil, false
	}
	if v, ok := c.Get(contestID); ok {
		return v.(*LeaderboardView), true
	}
	return nil, false
}

func (c *leaderboardCache) put(contestID uint64, v *LeaderboardView) {
	if c == nil {
		return
	}
	c.Add(contestID, v)
}

func (c *leaderboardCache) invalidate(contestID uint64) {
	if c == nil {
		return
	}
	c.Remove(contestID)
}
