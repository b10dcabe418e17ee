package cache

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/helixmed/authgate/pkg/errors"
	"github.com/helixmed/authgate/pkg/token"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/helixmed/authgate/pkg/cache"

// keyPrefix namespaces cache keys so the gateway can share a Redis
// database with other services.
const keyPrefix = "authgate:authz:"

// Default Redis connection and cache settings.
const (
	DefaultHost          = "localhost"
	DefaultPort          = 6379
	DefaultPoolSize      = 10
	DefaultMinIdleConns  = 2
	DefaultMaxRetries    = 3
	DefaultDialTimeout   = 5 * time.Second
	DefaultReadTimeout   = 3 * time.Second
	DefaultWriteTimeout  = 3 * time.Second
	DefaultHealthTimeout = 5 * time.Second

	// DefaultTTL bounds how stale a cached authorization snapshot can
	// get before the filter re-resolves against the database.
	DefaultTTL = time.Hour
)

// RedisConfig holds the cache backend connection settings. When URI is
// set it takes precedence over the structured fields.
type RedisConfig struct {
	URI      string       `json:"uri,omitempty" yaml:"uri" env:"CACHE_REDIS_URI"`
	Host     string       `json:"host,omitempty" yaml:"host" env:"CACHE_REDIS_HOST"`
	Port     int          `json:"port,omitempty" yaml:"port" env:"CACHE_REDIS_PORT"`
	Password token.Secret `json:"-" yaml:"password" env:"CACHE_REDIS_PASSWORD"`
	DB       int          `json:"db,omitempty" yaml:"db" env:"CACHE_REDIS_DB"`

	TLSEnabled bool `json:"tls_enabled,omitempty" yaml:"tls_enabled" env:"CACHE_REDIS_TLS"`

	PoolSize     int           `json:"pool_size,omitempty" yaml:"pool_size" env:"CACHE_REDIS_POOL_SIZE"`
	MinIdleConns int           `json:"min_idle_conns,omitempty" yaml:"min_idle_conns" env:"CACHE_REDIS_MIN_IDLE_CONNS"`
	MaxRetries   int           `json:"max_retries,omitempty" yaml:"max_retries" env:"CACHE_REDIS_MAX_RETRIES"`
	DialTimeout  time.Duration `json:"dial_timeout,omitempty" yaml:"dial_timeout" env:"CACHE_REDIS_DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `json:"read_timeout,omitempty" yaml:"read_timeout" env:"CACHE_REDIS_READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout,omitempty" yaml:"write_timeout" env:"CACHE_REDIS_WRITE_TIMEOUT"`

	// TTL is the snapshot lifetime.
	TTL time.Duration `json:"ttl,omitempty" yaml:"ttl" env:"CACHE_TTL" envDefault:"1h"`
}

// Validate applies defaults for zero-valued fields and checks the
// configuration.
func (c *RedisConfig) Validate() *sserr.Error {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 1 || c.Port > 65535 {
		return sserr.Newf(sserr.CodeValidation, "cache: redis port must be between 1 and 65535, got %d", c.Port)
	}
	if c.DB < 0 || c.DB > 15 {
		return sserr.Newf(sserr.CodeValidation, "cache: redis db must be between 0 and 15, got %d", c.DB)
	}
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.MinIdleConns == 0 {
		c.MinIdleConns = DefaultMinIdleConns
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	return nil
}

// Cmdable is the subset of go-redis commands the cache needs.
// *redis.Client satisfies it; tests substitute a mock.
type Cmdable interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

var _ Cmdable = (*redis.Client)(nil)

// RedisCache is a Redis-backed authorization cache. Safe for concurrent
// use.
type RedisCache struct {
	cmdable Cmdable
	ttl     time.Duration
	tracer  trace.Tracer
	dbIndex int
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache connects to Redis and verifies connectivity with a
// ping. The caller must Close the cache when done.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts *redis.Options
	if cfg.URI != "" {
		var err error
		opts, err = redis.ParseURL(cfg.URI)
		if err != nil {
			return nil, sserr.Wrap(err, sserr.CodeValidation,
				"cache: failed to parse redis URI")
		}
		opts.PoolSize = cfg.PoolSize
		opts.MinIdleConns = cfg.MinIdleConns
		opts.MaxRetries = cfg.MaxRetries
	} else {
		opts = &redis.Options{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Password:     cfg.Password.Value(),
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}
		if cfg.TLSEnabled {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency,
			"cache: failed to connect to redis")
	}

	return &RedisCache{
		cmdable: rdb,
		ttl:     cfg.TTL,
		tracer:  otel.Tracer(tracerName),
		dbIndex: opts.DB,
	}, nil
}

// NewRedisCacheFromClient creates a RedisCache over an existing client.
// Intended for tests with a mock Cmdable.
func NewRedisCacheFromClient(cmdable Cmdable, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{
		cmdable: cmdable,
		ttl:     ttl,
		tracer:  otel.Tracer(tracerName),
	}
}

// Get loads the snapshot for an email. Returns CodeNotFound on a miss.
func (c *RedisCache) Get(ctx context.Context, email string) (*Entry, error) {
	key := cacheKey(email)
	ctx, span := c.startSpan(ctx, "Get", "GET "+key)

	raw, err := c.cmdable.Get(ctx, key).Result()
	finishSpan(span, err)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, sserr.New(sserr.CodeNotFound, "cache: no snapshot for email")
		}
		return nil, wrapError(err, "cache: get failed")
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		// A corrupt snapshot is treated as a miss after eviction.
		_ = c.Invalidate(ctx, email)
		return nil, sserr.New(sserr.CodeNotFound, "cache: snapshot was malformed")
	}
	return &entry, nil
}

// Put stores the snapshot under the email with the configured TTL.
func (c *RedisCache) Put(ctx context.Context, email string, entry *Entry) error {
	key := cacheKey(email)
	ctx, span := c.startSpan(ctx, "Put", "SET "+key)

	raw, err := json.Marshal(entry)
	if err != nil {
		finishSpan(span, err)
		return sserr.Wrap(err, sserr.CodeInternal, "cache: encoding snapshot failed")
	}
	err = c.cmdable.Set(ctx, key, raw, c.ttl).Err()
	finishSpan(span, err)
	if err != nil {
		return wrapError(err, "cache: put failed")
	}
	return nil
}

// Invalidate removes the snapshot for an email. Removing an absent
// snapshot is not an error.
func (c *RedisCache) Invalidate(ctx context.Context, email string) error {
	key := cacheKey(email)
	ctx, span := c.startSpan(ctx, "Invalidate", "DEL "+key)

	err := c.cmdable.Del(ctx, key).Err()
	finishSpan(span, err)
	if err != nil {
		return wrapError(err, "cache: invalidate failed")
	}
	return nil
}

// Health pings Redis, applying DefaultHealthTimeout when the context
// has no deadline.
func (c *RedisCache) Health(ctx context.Context) error {
	ctx, span := c.startSpan(ctx, "Health", "PING")

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHealthTimeout)
		defer cancel()
	}

	err := c.cmdable.Ping(ctx).Err()
	finishSpan(span, err)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeUnavailableDependency,
			"cache: health check failed")
	}
	return nil
}

// Close releases the connection resources.
func (c *RedisCache) Close() error {
	return c.cmdable.Close()
}

// cacheKey builds the namespaced key for an email. Emails compare
// case-insensitively, so keys are lowercased.
func cacheKey(email string) string {
	return keyPrefix + strings.ToLower(email)
}

func (c *RedisCache) startSpan(ctx context.Context, operationName, statement string) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, "cache."+operationName,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.Int("db.redis.database_index", c.dbIndex),
		attribute.String("db.statement", statement),
	)
	return ctx, span
}

func finishSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, redis.Nil) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// wrapError converts a Redis error to a platform error. Deadline
// expiry is retryable; cancellation is not, because the caller
// abandoned the operation.
func wrapError(err error, message string) *sserr.Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return sserr.Wrap(err, sserr.CodeTimeoutDatabase, message)
	}
	return sserr.Wrap(err, sserr.CodeInternalDatabase, message)
}
