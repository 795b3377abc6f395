// Package catalog resolves provider price references and plan slugs to plan
// limits. Lookups sit in front of every subscription event, so results are
// cached in-process and, when configured, in Redis.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hugh/tenantgate/internal/apperr"
	"github.com/hugh/tenantgate/internal/database/models"
	"github.com/hugh/tenantgate/internal/metrics"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const (
	defaultTTL     = 5 * time.Minute
	redisKeyPrefix = "tenantgate:catalog:plan:"
)

// Plan is a resolved catalog entry.
type Plan struct {
	Slug   string            `json:"slug"`
	Name   string            `json:"name"`
	Limits models.PlanLimits `json:"limits"`
}

// Resolver is the lookup the billing reconciler depends on.
type Resolver interface {
	ResolvePlan(ctx context.Context, ref string) (Plan, error)
}

type cacheEntry struct {
	plan      Plan
	expiresAt time.Time
}

type Catalog struct {
	db     *gorm.DB
	redis  *redis.Client
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
	group   singleflight.Group
}

var _ Resolver = (*Catalog)(nil)

// New creates a Catalog. rdb may be nil, in which case only the in-process
// cache is used.
func New(db *gorm.DB, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *Catalog {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Catalog{
		db:      db,
		redis:   rdb,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// ResolvePlan maps a provider price reference (or a plan slug) to its plan.
// Unknown references return *apperr.NotFoundError.
func (c *Catalog) ResolvePlan(ctx context.Context, ref string) (Plan, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Plan{}, apperr.Validation("plan_ref", "empty plan reference")
	}

	if plan, ok := c.cached(ref); ok {
		metrics.CatalogLookupsTotal.WithLabelValues("memory").Inc()
		return plan, nil
	}

	v, err, _ := c.group.Do(ref, func() (interface{}, error) {
		if plan, ok := c.fromRedis(ctx, ref); ok {
			metrics.CatalogLookupsTotal.WithLabelValues("redis").Inc()
			c.remember(ref, plan)
			return plan, nil
		}

		plan, err := c.load(ctx, ref)
		if err != nil {
			return Plan{}, err
		}
		metrics.CatalogLookupsTotal.WithLabelValues("database").Inc()
		c.remember(ref, plan)
		c.toRedis(ctx, ref, plan)
		return plan, nil
	})
	if err != nil {
		return Plan{}, err
	}
	return v.(Plan), nil
}

// Flush drops every cached entry, locally and in Redis.
func (c *Catalog) Flush(ctx context.Context) {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()

	if c.redis == nil {
		return
	}
	iter := c.redis.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.redis.Del(ctx, iter.Val()).Err(); err != nil {
			c.logger.Warn("failed to drop catalog cache key", "key", iter.Val(), "error", err)
		}
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn("failed to scan catalog cache keys", "error", err)
	}
}

// SavePlan upserts a plan and maps the given price references to it. Existing
// snapshots are not touched; they keep the limits copied at their last sync.
func (c *Catalog) SavePlan(ctx context.Context, plan Plan, priceRefs ...string) error {
	if strings.TrimSpace(plan.Slug) == "" {
		return apperr.Validation("slug", "plan slug is required")
	}

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.Plan
		err := tx.Where("slug = ?", plan.Slug).First(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = models.Plan{Slug: plan.Slug, Name: plan.Name, Limits: plan.Limits, IsActive: true}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("creating plan: %w", err)
			}
		case err != nil:
			return fmt.Errorf("loading plan: %w", err)
		default:
			row.Name = plan.Name
			row.Limits = plan.Limits
			row.IsActive = true
			if err := tx.Save(&row).Error; err != nil {
				return fmt.Errorf("updating plan: %w", err)
			}
		}

		for _, ref := range priceRefs {
			ref = strings.TrimSpace(ref)
			if ref == "" {
				continue
			}
			var price models.PlanPrice
			err := tx.Where("price_ref = ?", ref).First(&price).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				price = models.PlanPrice{PriceRef: ref, PlanSlug: plan.Slug}
				if err := tx.Create(&price).Error; err != nil {
					return fmt.Errorf("creating price mapping: %w", err)
				}
			case err != nil:
				return fmt.Errorf("loading price mapping: %w", err)
			default:
				if err := tx.Model(&price).Update("plan_slug", plan.Slug).Error; err != nil {
					return fmt.Errorf("updating price mapping: %w", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.Flush(ctx)
	return nil
}

func (c *Catalog) cached(ref string) (Plan, bool) {
	c.mu.RLock()
	entry, ok := c.entries[ref]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.expiresAt) {
		return Plan{}, false
	}
	return entry.plan, true
}

func (c *Catalog) remember(ref string, plan Plan) {
	c.mu.Lock()
	c.entries[ref] = cacheEntry{plan: plan, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *Catalog) load(ctx context.Context, ref string) (Plan, error) {
	db := c.db.WithContext(ctx)

	slug := ref
	var price models.PlanPrice
	err := db.Where("price_ref = ?", ref).First(&price).Error
	switch {
	case err == nil:
		slug = price.PlanSlug
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return Plan{}, fmt.Errorf("loading price mapping: %w", err)
	}

	var row models.Plan
	err = db.Where("slug = ? AND is_active = ?", slug, true).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Plan{}, apperr.NotFound("plan", ref)
	}
	if err != nil {
		return Plan{}, fmt.Errorf("loading plan: %w", err)
	}

	return Plan{Slug: row.Slug, Name: row.Name, Limits: row.Limits}, nil
}

func (c *Catalog) fromRedis(ctx context.Context, ref string) (Plan, bool) {
	if c.redis == nil {
		return Plan{}, false
	}
	data, err := c.redis.Get(ctx, redisKeyPrefix+ref).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("catalog redis read failed", "ref", ref, "error", err)
		}
		return Plan{}, false
	}
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		c.logger.Warn("discarding undecodable catalog cache entry", "ref", ref, "error", err)
		return Plan{}, false
	}
	return plan, true
}

func (c *Catalog) toRedis(ctx context.Context, ref string, plan Plan) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(plan)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, redisKeyPrefix+ref, data, c.ttl).Err(); err != nil {
		c.logger.Warn("catalog redis write failed", "ref", ref, "error", err)
	}
}
