package servicetest

import (
	"context"
	"sync"
)

// Friends is a map-backed friendship collaborator.
type Friends struct {
	mu       sync.Mutex
	accepted map[string]bool
}

func NewFriends() *Friends {
	return &Friends{accepted: map[string]bool{}}
}

// Accept marks friendID as an accepted friend of userID (one direction, the
// direction the fan-out writer checks).
func (f *Friends) Accept(userID, friendID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted[userID+"|"+friendID] = true
}

func (f *Friends) IsAccepted(ctx context.Context, userID, friendID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepted[userID+"|"+friendID], nil
}

// Categories is a map-backed category-ownership collaborator.
type Categories struct {
	mu    sync.Mutex
	owned map[string]bool
}

func NewCategories() *Categories {
	return &Categories{owned: map[string]bool{}}
}

func (c *Categories) Add(userID, categoryID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owned[userID+"|"+categoryID] = true
}

func (c *Categories) BelongsTo(ctx context.Context, userID, categoryID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owned[userID+"|"+categoryID], nil
}
