package catalog

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/affiliate/internal/ids"
	"github.com/MarcoPoloResearchLab/affiliate/internal/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// DefaultCacheTTL bounds how long a cached package stays visible after a configuration change
	// made without calling Invalidate.
	DefaultCacheTTL  = 5 * time.Minute
	defaultCacheSize = 256
)

var errMissingDatabase = errors.New("catalog: database handle is required")

// Provider supplies tier configuration to the commission engine.
type Provider interface {
	// Lookup returns the package for code or ErrPackageNotFound.
	Lookup(ctx context.Context, code string) (Package, error)
	// Tiers returns the active packages ordered by descending price.
	Tiers(ctx context.Context) ([]Package, error)
	// Invalidate drops every cached entry.
	Invalidate()
}

// Config describes the dependencies of a Catalog.
type Config struct {
	Database   *gorm.DB
	Clock      clockwork.Clock
	TTL        time.Duration
	IDProvider ids.Provider
	Logger     *zap.Logger
}

type cachedPackage struct {
	pkg      Package
	loadedAt time.Time
}

// Catalog is the cached Provider backed by the packages table. Mutations through the Catalog
// invalidate the cache immediately.
type Catalog struct {
	store      *Store
	clock      clockwork.Clock
	ttl        time.Duration
	idProvider ids.Provider
	logger     *zap.Logger

	mu            sync.Mutex
	packages      *lru.Cache[string, cachedPackage]
	tiers         []Package
	tiersLoadedAt time.Time
	// generation advances on every Invalidate; loads that straddle one are not cached.
	generation uint64
}

// NewCatalog constructs a Catalog with a bounded TTL cache.
func NewCatalog(cfg Config) (*Catalog, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	packages, err := lru.New[string, cachedPackage](defaultCacheSize)
	if err != nil {
		return nil, err
	}
	return &Catalog{
		store:      NewStore(cfg.Database),
		clock:      clock,
		ttl:        ttl,
		idProvider: idProvider,
		logger:     logger,
		packages:   packages,
	}, nil
}

// Lookup returns the package for code, serving it from cache while the entry is fresh.
func (c *Catalog) Lookup(ctx context.Context, code string) (Package, error) {
	normalized := NormalizeCode(code)
	if !IsTierCode(normalized) {
		return Package{}, ErrPackageNotFound
	}

	now := c.clock.Now()
	c.mu.Lock()
	entry, ok := c.packages.Get(normalized)
	generation := c.generation
	c.mu.Unlock()
	if ok && now.Sub(entry.loadedAt) < c.ttl {
		metrics.CatalogCacheLookupsTotal.WithLabelValues("hit").Inc()
		return entry.pkg, nil
	}
	metrics.CatalogCacheLookupsTotal.WithLabelValues("miss").Inc()

	pkg, err := c.store.FindByCode(ctx, normalized)
	if err != nil {
		return Package{}, err
	}
	c.mu.Lock()
	if c.generation == generation {
		c.packages.Add(normalized, cachedPackage{pkg: pkg, loadedAt: now})
	}
	c.mu.Unlock()
	return pkg, nil
}

// Tiers returns the active packages ordered by descending price, then descending level.
func (c *Catalog) Tiers(ctx context.Context) ([]Package, error) {
	now := c.clock.Now()
	c.mu.Lock()
	if c.tiers != nil && now.Sub(c.tiersLoadedAt) < c.ttl {
		tiers := append([]Package(nil), c.tiers...)
		c.mu.Unlock()
		return tiers, nil
	}
	generation := c.generation
	c.mu.Unlock()

	all, err := c.store.List(ctx)
	if err != nil {
		return nil, err
	}
	tiers := make([]Package, 0, len(all))
	for _, pkg := range all {
		if pkg.IsActive {
			tiers = append(tiers, pkg)
		}
	}
	sort.SliceStable(tiers, func(i, j int) bool {
		return tiers[i].Outranks(tiers[j])
	})

	c.mu.Lock()
	if c.generation == generation {
		c.tiers = tiers
		c.tiersLoadedAt = now
	}
	c.mu.Unlock()
	return append([]Package(nil), tiers...), nil
}

// Invalidate drops every cached entry so the next read goes to storage.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.packages.Purge()
	c.tiers = nil
	c.tiersLoadedAt = time.Time{}
	c.generation++
	c.mu.Unlock()
	c.logger.Debug("package cache invalidated")
}

// List returns every package, active or not, ordered by level.
func (c *Catalog) List(ctx context.Context) ([]Package, error) {
	return c.store.List(ctx)
}

// Create stores a new package and invalidates the cache.
func (c *Catalog) Create(ctx context.Context, pkg Package) (Package, error) {
	if pkg.ID == "" {
		id, err := c.idProvider.NewID()
		if err != nil {
			return Package{}, err
		}
		pkg.ID = id
	}
	if err := c.store.Create(ctx, &pkg); err != nil {
		return Package{}, err
	}
	c.Invalidate()
	c.logger.Info("package created", zap.String("code", pkg.Code))
	return pkg, nil
}

// Update replaces the package identified by code and invalidates the cache.
func (c *Catalog) Update(ctx context.Context, code string, pkg Package) (Package, error) {
	updated, err := c.store.Save(ctx, code, pkg)
	if err != nil {
		return Package{}, err
	}
	c.Invalidate()
	c.logger.Info("package updated", zap.String("code", updated.Code))
	return updated, nil
}

// Delete removes the package identified by code and invalidates the cache.
func (c *Catalog) Delete(ctx context.Context, code string) error {
	if err := c.store.Delete(ctx, code); err != nil {
		return err
	}
	c.Invalidate()
	c.logger.Info("package deleted", zap.String("code", NormalizeCode(code)))
	return nil
}
