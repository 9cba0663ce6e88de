package app

import (
	"slices"
	"sync"

	"github.com/hylla/shiftsync/internal/domain"
)

// SiteCatalog holds the configured office sites. Reloads swap the whole set.
type SiteCatalog struct {
	mu    sync.RWMutex
	sites []domain.OfficeSite
}

// NewSiteCatalog constructs a catalog.
func NewSiteCatalog(sites []domain.OfficeSite) *SiteCatalog {
	return &SiteCatalog{sites: slices.Clone(sites)}
}

// Sites returns a copy of the current sites.
func (c *SiteCatalog) Sites() []domain.OfficeSite {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.sites)
}

// Replace swaps in a new site set.
func (c *SiteCatalog) Replace(sites []domain.OfficeSite) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sites = slices.Clone(sites)
}

// Verify checks one point against every site.
func (c *SiteCatalog) Verify(point domain.GeoPoint) (domain.GeofenceResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return domain.VerifyAny(point, c.sites)
}
