package vector

import (
	"sync"
	"time"

	"github.com/bookmesh/bookmesh/pkg/models"
	"github.com/bookmesh/bookmesh/pkg/textutil"
)

// Clusterer maintains a running centroid per concept fingerprint, used
// to offer anonymized cross-user matches for shareable content.
type Clusterer struct {
	mu       sync.RWMutex
	clusters map[string]*models.ConceptCluster
}

// NewClusterer creates an empty clusterer
func NewClusterer() *Clusterer {
	return &Clusterer{clusters: make(map[string]*models.ConceptCluster)}
}

// Observe folds a shareable embedding into its concept cluster,
// creating the cluster with an anonymized representative on first sight.
func (c *Clusterer) Observe(fingerprint string, vector []float32, content string) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	cluster, ok := c.clusters[fingerprint]
	if !ok {
		cluster = &models.ConceptCluster{
			Fingerprint:        fingerprint,
			RepresentativeText: textutil.Anonymize(content, 300),
			CreatedAt:          now,
		}
		c.clusters[fingerprint] = cluster
	}
	cluster.AddMember(vector, now)
}

// Get returns a copy of the cluster for a fingerprint
func (c *Clusterer) Get(fingerprint string) (*models.ConceptCluster, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cluster, ok := c.clusters[fingerprint]
	if !ok {
		return nil, false
	}
	cp := *cluster
	cp.Centroid = append([]float32(nil), cluster.Centroid...)
	return &cp, true
}

// ClusterMatch pairs a cluster with its centroid similarity to a query.
type ClusterMatch struct {
	Cluster    *models.ConceptCluster
	Similarity float64
}

// ScanCentroids returns clusters whose centroid similarity to the query
// meets the threshold.
func (c *Clusterer) ScanCentroids(query []float32, threshold float64) ([]ClusterMatch, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var matches []ClusterMatch
	for _, cluster := range c.clusters {
		if len(cluster.Centroid) != len(query) {
			continue
		}
		sim, err := CosineSimilarity(query, cluster.Centroid)
		if err != nil {
			return nil, err
		}
		if sim >= threshold {
			cp := *cluster
			cp.Centroid = append([]float32(nil), cluster.Centroid...)
			matches = append(matches, ClusterMatch{Cluster: &cp, Similarity: sim})
		}
	}
	return matches, nil
}

// PruneSmall removes clusters with fewer than minMembers whose last
// update is older than cutoff. Returns the number removed.
func (c *Clusterer) PruneSmall(minMembers int, cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for fp, cluster := range c.clusters {
		if cluster.MemberCount < minMembers && cluster.UpdatedAt.Before(cutoff) {
			delete(c.clusters, fp)
			removed++
		}
	}
	return removed
}

// Len returns the number of clusters
func (c *Clusterer) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.clusters)
}
