package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/baechuer/advert-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

const defaultDisplayTTL = 10 * time.Minute

type Cache struct {
	Client     *redis.Client
	displayTTL time.Duration
}

func New(addr, pass string, db int, displayTTL time.Duration) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr, Password: pass, DB: db,
	})
	return NewWithClient(rdb, displayTTL)
}

func NewWithClient(rdb *redis.Client, displayTTL time.Duration) *Cache {
	if displayTTL <= 0 {
		displayTTL = defaultDisplayTTL
	}
	return &Cache{Client: rdb, displayTTL: displayTTL}
}

func displayKey(id int64) string {
	return "display:" + strconv.FormatInt(id, 10)
}

func (c *Cache) GetDisplay(ctx context.Context, displayID int64) (domain.Display, error) {
	vals, err := c.Client.HGetAll(ctx, displayKey(displayID)).Result()
	if err != nil {
		return domain.Display{}, err
	}
	if len(vals) == 0 {
		return domain.Display{}, domain.ErrCacheMiss
	}

	d := domain.Display{ID: displayID}
	loc, err := strconv.ParseInt(vals["location_id"], 10, 64)
	if err != nil {
		// Corrupt entry: treat as a miss so the caller repopulates it.
		return domain.Display{}, domain.ErrCacheMiss
	}
	d.LocationID = loc
	d.Width, _ = strconv.Atoi(vals["width"])
	d.Height, _ = strconv.Atoi(vals["height"])
	return d, nil
}

func (c *Cache) SetDisplay(ctx context.Context, d domain.Display) error {
	key := displayKey(d.ID)
	_, err := c.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"location_id", d.LocationID,
			"width", d.Width,
			"height", d.Height,
		)
		p.Expire(ctx, key, c.displayTTL)
		return nil
	})
	return err
}

// AllowRequest: Simple Fixed Window Rate Limit
func (c *Cache) AllowRequest(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	k := "ratelimit:" + key
	var incr *redis.IntCmd
	// The window key is created with its TTL, so a counter never outlives it.
	_, err := c.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SetNX(ctx, k, 0, window)
		incr = p.Incr(ctx, k)
		return nil
	})
	if err != nil {
		return true, err // fail open; caller logs
	}
	return incr.Val() <= int64(limit), nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

// IsMiss reports whether err is a cache miss rather than a fault.
func IsMiss(err error) bool {
	return errors.Is(err, domain.ErrCacheMiss)
}
