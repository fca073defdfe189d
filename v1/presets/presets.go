package presets

import (
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-dlock/v1/backend"
	"github.com/mirkobrombin/go-dlock/v1/lock"
	"github.com/mirkobrombin/go-dlock/v1/syncbus"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

func (o RedisOptions) client() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	})
}

// NewRedis creates a lock manager storing records in Redis and propagating
// release notifications over Redis Pub/Sub on the same connection.
func NewRedis(opts RedisOptions, lockOpts ...lock.Option) *lock.Manager {
	client := opts.client()
	node := backend.NewRedis(client, backend.RedisOptions{})
	bus := syncbus.NewRedisBus(client)
	return lock.NewManager(node, append([]lock.Option{lock.WithBus(bus)}, lockOpts...)...)
}

// NewInMemoryStandalone creates a lock manager that coordinates goroutines
// of a single process with no external dependencies.
func NewInMemoryStandalone(lockOpts ...lock.Option) *lock.Manager {
	return lock.NewManager(backend.NewMemory(""), lockOpts...)
}

// Cluster is a set of independent Redis masters used for red locks.
type Cluster struct {
	managers []*lock.Manager
	clients  []*redis.Client
	buses    []*syncbus.RedisBus
}

// NewRedisCluster connects to every independent Redis master in opts. Each
// node gets its own breaker so an unreachable master fails fast.
func NewRedisCluster(opts []RedisOptions, lockOpts ...lock.Option) *Cluster {
	c := &Cluster{}
	for _, o := range opts {
		client := o.client()
		bus := syncbus.NewRedisBus(client)
		node := backend.NewBreaker(backend.NewRedis(client, backend.RedisOptions{}), 3, 5*time.Second)
		m := lock.NewManager(node, append([]lock.Option{lock.WithBus(bus)}, lockOpts...)...)
		c.clients = append(c.clients, client)
		c.buses = append(c.buses, bus)
		c.managers = append(c.managers, m)
	}
	return c
}

// Managers returns one manager per master.
func (c *Cluster) Managers() []*lock.Manager { return c.managers }

// RedLock returns a quorum lock on key across every master.
func (c *Cluster) RedLock(key string) *lock.RedLock {
	locks := make([]lock.Lock, len(c.managers))
	for i, m := range c.managers {
		locks[i] = m.GetLock(key, lock.Reentrant)
	}
	if len(c.managers) == 0 {
		return lock.NewRedLock(nil)
	}
	return c.managers[0].RedLock(locks...)
}

// Close stops the managers and closes every connection.
func (c *Cluster) Close() error {
	var errs []error
	for i, m := range c.managers {
		m.Close()
		errs = append(errs, c.buses[i].Close(), c.clients[i].Close())
	}
	return errors.Join(errs...)
}
