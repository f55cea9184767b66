package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNoLocationFound is returned when no role produced a single location
// estimate. An empty pool is a reportable failure, never a silent empty
// result.
var ErrNoLocationFound = errors.New("no location could be determined from the image")

// ConsensusEngine merges the per-role location estimates into one ranked
// result set. Estimates within ClusterRadiusMeters of each other are treated
// as the same candidate location; cross-role agreement raises a candidate's
// confidence while single-source guesses are discounted.
type ConsensusEngine struct {
	ClusterRadiusMeters float64
	MaxAlternatives     int
	SingleSourceWeight  float64
	MaxConfidence       float64
}

func NewConsensusEngine(clusterRadiusMeters float64) *ConsensusEngine {
	return &ConsensusEngine{
		ClusterRadiusMeters: clusterRadiusMeters,
		MaxAlternatives:     5,
		SingleSourceWeight:  0.7,
		MaxConfidence:       0.99,
	}
}

type vote struct {
	role     string
	priority int
	order    int // insertion order across the whole pool, for determinism
	est      LocationEstimate
}

type candidate struct {
	votes []vote
}

func (c *candidate) centroid() (lat, lon float64) {
	var wsum, latSum, lonSum float64
	for _, v := range c.votes {
		w := v.est.Confidence
		if w <= 0 {
			w = 1e-6
		}
		wsum += w
		latSum += v.est.Latitude * w
		lonSum += v.est.Longitude * w
	}
	return latSum / wsum, lonSum / wsum
}

// distinctRoles counts how many different roles back this candidate; multiple
// estimates from one role count once.
func (c *candidate) distinctRoles() int {
	seen := map[string]struct{}{}
	for _, v := range c.votes {
		seen[v.role] = struct{}{}
	}
	return len(seen)
}

func (c *candidate) hasRole(role string) bool {
	for _, v := range c.votes {
		if v.role == role {
			return true
		}
	}
	return false
}

func (c *candidate) bestPriority() int {
	best := c.votes[0].priority
	for _, v := range c.votes[1:] {
		if v.priority < best {
			best = v.priority
		}
	}
	return best
}

func (c *candidate) firstOrder() int {
	first := c.votes[0].order
	for _, v := range c.votes[1:] {
		if v.order < first {
			first = v.order
		}
	}
	return first
}

// confidence combines the member confidences. A lone voice is discounted;
// with two or more independently reasoning roles the combined confidence is
// the noisy-or of the members, so it grows (non-strictly) with every
// agreeing role and always exceeds the strongest single member.
func (e *ConsensusEngine) confidence(c *candidate) float64 {
	if e.distinct(c) == 1 {
		best := 0.0
		for _, v := range c.votes {
			if v.est.Confidence > best {
				best = v.est.Confidence
			}
		}
		return clamp(best*e.SingleSourceWeight, 0, e.MaxConfidence)
	}

	disagree := 1.0
	for _, v := range c.votes {
		disagree *= 1 - clamp(v.est.Confidence, 0, 1)
	}
	return clamp(1-disagree, 0, e.MaxConfidence)
}

func (e *ConsensusEngine) distinct(c *candidate) int { return c.distinctRoles() }

// Reconcile merges the findings of the five analyzer roles plus the
// validation role into a ranked primary + alternatives list. Candidates
// backed by the validation role are authoritative: they rank ahead of any
// candidate validation did not confirm.
func (e *ConsensusEngine) Reconcile(findings []Finding) (LocationEstimate, []LocationEstimate, error) {
	pool := e.collect(findings)
	if len(pool) == 0 {
		return LocationEstimate{}, nil, ErrNoLocationFound
	}

	clusters := e.cluster(pool)

	sort.SliceStable(clusters, func(i, j int) bool {
		a, b := clusters[i], clusters[j]
		av, bv := a.hasRole(RoleValidation), b.hasRole(RoleValidation)
		if av != bv {
			return av
		}
		ac, bc := e.confidence(a), e.confidence(b)
		if ac != bc {
			return ac > bc
		}
		if a.distinctRoles() != b.distinctRoles() {
			return a.distinctRoles() > b.distinctRoles()
		}
		if a.bestPriority() != b.bestPriority() {
			return a.bestPriority() < b.bestPriority()
		}
		return a.firstOrder() < b.firstOrder()
	})

	primary := e.represent(clusters[0])
	var alternatives []LocationEstimate
	for _, c := range clusters[1:] {
		if len(alternatives) == e.MaxAlternatives {
			break
		}
		alternatives = append(alternatives, e.represent(c))
	}

	return primary, alternatives, nil
}

// collect flattens findings into a deterministic vote pool, ordered by role
// priority then estimate position within the finding.
func (e *ConsensusEngine) collect(findings []Finding) []vote {
	priorities := map[string]int{
		RoleGeographic:    0,
		RoleVisual:        1,
		RoleEnvironmental: 2,
		RoleCultural:      3,
		RoleResearch:      4,
		RoleValidation:    5,
	}

	var pool []vote
	for _, f := range findings {
		prio, ok := priorities[f.Role]
		if !ok {
			prio = len(priorities)
		}
		for _, est := range f.Estimates {
			est.Clamp()
			pool = append(pool, vote{role: f.Role, priority: prio, order: len(pool), est: est})
		}
	}

	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].priority != pool[j].priority {
			return pool[i].priority < pool[j].priority
		}
		return pool[i].order < pool[j].order
	})
	return pool
}

// cluster greedily assigns each vote to the first candidate whose centroid is
// within the cluster radius. Votes are visited in pool order, so the result
// is deterministic for identical inputs.
func (e *ConsensusEngine) cluster(pool []vote) []*candidate {
	var clusters []*candidate
	for _, v := range pool {
		placed := false
		for _, c := range clusters {
			lat, lon := c.centroid()
			if HaversineMeters(lat, lon, v.est.Latitude, v.est.Longitude) <= e.ClusterRadiusMeters {
				c.votes = append(c.votes, v)
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, &candidate{votes: []vote{v}})
		}
	}
	return clusters
}

// represent synthesizes the cluster's combined estimate: centroid
// coordinates, consensus confidence, and descriptive fields taken from the
// highest-priority member that supplied them.
func (e *ConsensusEngine) represent(c *candidate) LocationEstimate {
	lat, lon := c.centroid()

	sorted := make([]vote, len(c.votes))
	copy(sorted, c.votes)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].est.Confidence != sorted[j].est.Confidence {
			return sorted[i].est.Confidence > sorted[j].est.Confidence
		}
		return sorted[i].priority < sorted[j].priority
	})

	lead := sorted[0].est
	out := LocationEstimate{
		Latitude:   lat,
		Longitude:  lon,
		Confidence: e.confidence(c),
		PlaceName:  lead.PlaceName,
		Country:    lead.Country,
		Region:     lead.Region,
		Features:   map[string]string{},
	}

	var roles []string
	seen := map[string]struct{}{}
	for _, v := range c.votes {
		if _, ok := seen[v.role]; !ok {
			seen[v.role] = struct{}{}
			roles = append(roles, v.role)
		}
		for k, val := range v.est.Features {
			if _, ok := out.Features[k]; !ok {
				out.Features[k] = val
			}
		}
		if out.PlaceName == "" && v.est.PlaceName != "" {
			out.PlaceName = v.est.PlaceName
		}
		if out.Country == "" && v.est.Country != "" {
			out.Country = v.est.Country
		}
		if out.Region == "" && v.est.Region != "" {
			out.Region = v.est.Region
		}
	}
	if len(out.Features) == 0 {
		out.Features = nil
	}

	if len(roles) > 1 {
		out.Reasoning = fmt.Sprintf("%s (agreement across %s)", lead.Reasoning, strings.Join(roles, ", "))
	} else {
		out.Reasoning = lead.Reasoning
	}

	out.Clamp()
	return out
}
