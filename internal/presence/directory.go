// Package presence tracks the reachable writer endpoints per user across
// the cluster. It keeps two tiers that are updated together: a local map
// holding live endpoint writers for the same-node fast path, and a
// cluster-wide KV entry holding endpoint ids for cross-node delivery. The
// local tier is always a subset of this node's contribution to the
// cluster tier.
package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/relaycore/chatrelay/internal/cluster"
)

const keyPrefix = "presence."

// Endpoint is a deliverable address with a local writer. Cross-node
// consumers see only its id, which doubles as a bus socket address.
type Endpoint interface {
	ID() string
	Send(payload []byte) bool
}

// Directory is the two-tier presence registry.
//
// The cluster update is a read-modify-write against the shared KV and is
// not atomic across nodes: concurrent connect/disconnect for one user
// from two nodes can race it. Membership is best-effort and self-heals on
// subsequent updates, so the race is accepted rather than fenced.
type Directory struct {
	kv     cluster.KV
	logger *slog.Logger

	mu    sync.Mutex
	local map[string][]Endpoint
}

func NewDirectory(kv cluster.KV, logger *slog.Logger) *Directory {
	return &Directory{
		kv:     kv,
		logger: logger.With("component", "presence"),
		local:  make(map[string][]Endpoint),
	}
}

// AddEndpoint registers ep for the user in both tiers.
func (d *Directory) AddEndpoint(ctx context.Context, userID string, ep Endpoint) {
	d.mu.Lock()
	d.local[userID] = append(d.local[userID], ep)
	d.mu.Unlock()

	d.updateCluster(ctx, userID, func(ids []string) []string {
		for _, id := range ids {
			if id == ep.ID() {
				return ids
			}
		}
		return append(ids, ep.ID())
	})
}

// RemoveEndpoint drops the endpoint from both tiers.
func (d *Directory) RemoveEndpoint(ctx context.Context, userID, endpointID string) {
	d.mu.Lock()
	eps := d.local[userID]
	for i, e := range eps {
		if e.ID() == endpointID {
			eps = append(eps[:i:i], eps[i+1:]...)
			break
		}
	}
	if len(eps) == 0 {
		delete(d.local, userID)
	} else {
		d.local[userID] = eps
	}
	d.mu.Unlock()

	d.updateCluster(ctx, userID, func(ids []string) []string {
		out := ids[:0]
		for _, id := range ids {
			if id != endpointID {
				out = append(out, id)
			}
		}
		return out
	})
}

// LocalEndpoints returns this node's live endpoints for the user, in
// registration order.
func (d *Directory) LocalEndpoints(userID string) []Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Endpoint(nil), d.local[userID]...)
}

// ClusterEndpointIDs returns every endpoint id currently recorded for the
// user across all nodes.
func (d *Directory) ClusterEndpointIDs(ctx context.Context, userID string) ([]string, error) {
	raw, err := d.kv.Get(ctx, keyPrefix+userID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// updateCluster applies mutate to the user's cluster entry. Failures are
// logged and swallowed: presence bookkeeping never aborts the live path.
func (d *Directory) updateCluster(ctx context.Context, userID string, mutate func([]string) []string) {
	key := keyPrefix + userID
	ids, err := d.ClusterEndpointIDs(ctx, userID)
	if err != nil {
		d.logger.Warn("cluster presence read failed", "user", userID, "err", err)
		return
	}
	ids = mutate(ids)
	if len(ids) == 0 {
		if err := d.kv.Delete(ctx, key); err != nil {
			d.logger.Warn("cluster presence delete failed", "user", userID, "err", err)
		}
		return
	}
	data, err := json.Marshal(ids)
	if err != nil {
		d.logger.Warn("cluster presence encode failed", "user", userID, "err", err)
		return
	}
	if err := d.kv.Put(ctx, key, data); err != nil {
		d.logger.Warn("cluster presence write failed", "user", userID, "err", err)
	}
}
