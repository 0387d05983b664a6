package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"secureshare/cfg"
	"secureshare/pkg/domain"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Key namespace. Metadata and content live under distinct sub-keys so they
// can be evicted independently and carry independent TTLs.
const (
	keySecretMeta    = "secret:meta:"
	keySecretContent = "secret:content:"
	keySecretList    = "secret:list:"
	keySession       = "session:"
	keyRateLimit     = "ratelimit:"
)

type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedis(url string, cfg *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if cfg.RedisTLS {
		tlsConfig, err := buildRedisTLSConfig()
		if err != nil {
			return nil, errors.Wrap(err, "failed to build Redis TLS config")
		}
		opt.TLSConfig = tlsConfig
	}
	if cfg.RedisUsername != "" {
		opt.Username = cfg.RedisUsername
	}
	if cfg.RedisPassword.Value() != "" {
		opt.Password = cfg.RedisPassword.Value()
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, errors.Wrap(err, "ping redis")
	}
	return &Redis{
		client:  client,
		timeout: cfg.RedisTimeout,
	}, nil
}

func buildRedisTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS13,
		MaxVersion: tls.VersionTLS13,
	}
	redisHostname := os.Getenv("REDIS_HOSTNAME")
	if redisHostname == "" {
		return nil, fmt.Errorf("REDIS_HOSTNAME must be set when REDIS_TLS=true")
	}
	tlsConfig.ServerName = redisHostname
	certPath := os.Getenv("REDIS_TLS_CA_CERT")
	if certPath != "" {
		caCert, err := os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read Redis CA cert: %w", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append Redis CA cert to pool")
		}
		tlsConfig.RootCAs = certPool
	} else {
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load system cert pool: %w", err)
		}
		tlsConfig.RootCAs = systemPool
	}
	return tlsConfig, nil
}

func (r *Redis) CacheMetadata(ctx context.Context, m *domain.SecretMetadata, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "marshal secret metadata")
	}
	return errors.Wrap(r.client.Set(ctx, keySecretMeta+m.ID, data, ttl).Err(), "set secret metadata")
}

func (r *Redis) GetMetadata(ctx context.Context, id string) (*domain.SecretMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.client.Get(ctx, keySecretMeta+id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get secret metadata")
	}
	var m domain.SecretMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "unmarshal secret metadata")
	}
	return &m, nil
}

func (r *Redis) CacheContent(ctx context.Context, id, content string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Set(ctx, keySecretContent+id, content, ttl).Err(), "set secret content")
}

// GetContent returns (content, found, err); a missing key is not an error.
func (r *Redis) GetContent(ctx context.Context, id string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	content, err := r.client.Get(ctx, keySecretContent+id).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "get secret content")
	}
	return content, true, nil
}

// DeleteSecret drops both halves of the pair in one round trip.
func (r *Redis) DeleteSecret(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Del(ctx, keySecretMeta+id, keySecretContent+id).Err(); err != nil {
		return errors.Wrap(err, "delete secret keys")
	}
	return nil
}

func (r *Redis) CacheUserList(ctx context.Context, userID string, list []*domain.SecretMetadata, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := json.Marshal(list)
	if err != nil {
		return errors.Wrap(err, "marshal secret list")
	}
	return errors.Wrap(r.client.Set(ctx, keySecretList+userID, data, ttl).Err(), "set secret list")
}

func (r *Redis) GetUserList(ctx context.Context, userID string) ([]*domain.SecretMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.client.Get(ctx, keySecretList+userID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get secret list")
	}
	var list []*domain.SecretMetadata
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, errors.Wrap(err, "unmarshal secret list")
	}
	return list, nil
}

func (r *Redis) InvalidateUserList(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Del(ctx, keySecretList+userID).Err(), "invalidate secret list")
}

// IncrWindow is the fixed-window counter primitive: increment, and set the
// expiry only when the counter is new, so the window starts at first use.
func (r *Redis) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	script := redis.NewScript(`
		local count = redis.call("INCR", KEYS[1])
		if count == 1 then
			redis.call("PEXPIRE", KEYS[1], ARGV[1])
		end
		return count
	`)
	count, err := script.Run(ctx, r.client, []string{keyRateLimit + key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, errors.Wrap(err, "rate limit incr")
	}
	return count, nil
}

func (r *Redis) ResetCounter(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Del(ctx, keyRateLimit+key).Err(), "reset counter")
}

func (r *Redis) SetSession(ctx context.Context, token, userID string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Set(ctx, keySession+token, userID, ttl).Err(), "set session")
}

func (r *Redis) GetSession(ctx context.Context, token string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	userID, err := r.client.Get(ctx, keySession+token).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "get session")
	}
	return userID, nil
}

func (r *Redis) DeleteSession(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Del(ctx, keySession+token).Err(), "delete session")
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, errors.Wrap(err, "exists")
	}
	return n > 0, nil
}

// MGetMetadata fetches several metadata entries in one round trip; absent
// keys come back as nil entries in the same positions.
func (r *Redis) MGetMetadata(ctx context.Context, ids []string) ([]*domain.SecretMetadata, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keySecretMeta + id
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "mget metadata")
	}
	out := make([]*domain.SecretMetadata, len(ids))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var m domain.SecretMetadata
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			continue
		}
		out[i] = &m
	}
	return out, nil
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
