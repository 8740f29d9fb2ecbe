// ABOUTME: Account resolvers mapping external account ids to backend instance ids
// ABOUTME: A static map from config, optionally falling back to the HTTP lookup

package upstream

import (
	"context"
	"fmt"
)

// Resolver maps external account ids to internal ones.
type Resolver interface {
	ResolveInternalAccountID(ctx context.Context, externalID string) (string, bool, error)
}

// StaticResolver resolves from a fixed map.
type StaticResolver map[string]string

// ResolveInternalAccountID looks externalID up in the map.
func (r StaticResolver) ResolveInternalAccountID(_ context.Context, externalID string) (string, bool, error) {
	id, ok := r[externalID]
	if !ok || id == "" {
		return "", false, nil
	}
	return id, true, nil
}

// ChainResolver asks each resolver in order and returns the first hit.
type ChainResolver []Resolver

// ResolveInternalAccountID returns the first mapping found. An error from
// any resolver stops the chain.
func (c ChainResolver) ResolveInternalAccountID(ctx context.Context, externalID string) (string, bool, error) {
	for i, r := range c {
		id, ok, err := r.ResolveInternalAccountID(ctx, externalID)
		if err != nil {
			return "", false, fmt.Errorf("resolver %d: %w", i, err)
		}
		if ok {
			return id, true, nil
		}
	}
	return "", false, nil
}
