package gateway

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Instance is one backend service instance the load balancer can route
// to.
type Instance struct {
	ID     string
	Addr   string
	Region string
}

// LoadBalancer picks a backend instance for a request, preferring the
// instances matching the caller's region when any exist, and choosing
// among the candidates by the client IP's hash modulo the ID-sorted
// candidate count, so the same client keeps landing on the same
// instance while the candidate set is unchanged; adding or removing an
// instance can move any client. xxhash is already
// used for hashing elsewhere (pkg/wire's fingerprinting,
// pkg/syncstate's bloom filter) so it's reused here
// rather than introducing a second hash family.
type LoadBalancer struct {
	mu        sync.RWMutex
	instances map[string]Instance
}

// NewLoadBalancer builds an empty balancer; use Upsert/Remove to
// register instances as they come and go from health checks.
func NewLoadBalancer() *LoadBalancer {
	return &LoadBalancer{instances: make(map[string]Instance)}
}

// Upsert registers or updates an instance.
func (lb *LoadBalancer) Upsert(inst Instance) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.instances[inst.ID] = inst
}

// Remove drops an instance (e.g. on a failed health check).
func (lb *LoadBalancer) Remove(id string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	delete(lb.instances, id)
}

// Pick selects an instance for clientIP, preferring region when
// non-empty and at least one instance matches it; returns ok=false if
// no instance is registered.
func (lb *LoadBalancer) Pick(clientIP, region string) (Instance, bool) {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	if len(lb.instances) == 0 {
		return Instance{}, false
	}

	candidates := make([]Instance, 0, len(lb.instances))
	if region != "" {
		for _, inst := range lb.instances {
			if inst.Region == region {
				candidates = append(candidates, inst)
			}
		}
	}
	if len(candidates) == 0 {
		for _, inst := range lb.instances {
			candidates = append(candidates, inst)
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	h := xxhash.Sum64String(clientIP)
	return candidates[h%uint64(len(candidates))], true
}

// regionFromRequest resolves the caller's preferred region, the
// X-Region header taking precedence over a JWT claim.
func regionFromRequest(headerRegion, jwtRegionClaim string) string {
	if headerRegion != "" {
		return headerRegion
	}
	return jwtRegionClaim
}
