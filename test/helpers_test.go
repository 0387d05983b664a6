package test

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"secureshare/cfg"
	"secureshare/svc/auth"
	"secureshare/svc/cache"
	"secureshare/svc/db"
	"secureshare/svc/lim"
	"secureshare/svc/svc"

	"github.com/joho/godotenv"
)

var (
	envLoadOnce sync.Once
	envLoadErr  error
)

func loadTestEnv() error {
	envLoadOnce.Do(func() {
		paths := []string{
			".env.test",
			"../.env.test",
			"../../.env.test",
		}
		for _, p := range paths {
			if absPath, err := filepath.Abs(p); err == nil {
				if _, err := os.Stat(absPath); err == nil {
					if err := godotenv.Load(absPath); err == nil {
						return
					}
				}
			}
		}
		if os.Getenv("PEPPER") == "" {
			os.Setenv("PEPPER", "0123456789ABCDEF0123456789ABCDEF")
		}
	})
	return envLoadErr
}

func createTestConfig() *cfg.Cfg {
	_ = loadTestEnv()

	c, err := cfg.Load()
	if err != nil {
		c = &cfg.Cfg{}
	}
	c.Port = "0"
	c.Environment = "test"
	c.LogLevel = "error"
	c.DatabasePath = ":memory:"
	c.LRUCacheSize = 1000
	c.MetadataTTL = 5 * time.Minute
	c.ContentTTL = time.Minute
	c.ListTTL = 30 * time.Second
	c.SessionTTL = time.Hour
	c.Argon2Time = 1
	c.Argon2Memory = 64 * 1024
	c.Argon2Parallelism = 2
	c.Argon2KeyLen = 32
	c.HasherWorkerCount = 4
	c.Pepper = cfg.NewSecret("0123456789ABCDEF0123456789ABCDEF")
	c.MaxContentSize = 1024 * 1024
	c.AuditWorkerCount = 2
	c.GovernorRPS = 100000
	c.GovernorBurst = 10000
	c.ContextTimeout = 30 * time.Second
	return c
}

func createTestDB(t *testing.T, c *cfg.Cfg) *db.SQLite {
	t.Helper()
	dsn := fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", time.Now().UnixNano())
	sqlDB, err := db.NewSQLiteWithConfig(dsn, 50, 10, 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return sqlDB
}

func createTestLRU(t *testing.T, size int) *cache.LRU {
	t.Helper()
	lru, err := cache.NewLRU(size)
	if err != nil {
		t.Fatal(err)
	}
	return lru
}

func createTestHasher(t *testing.T, c *cfg.Cfg) *auth.Hasher {
	t.Helper()
	hasher, err := auth.NewHasher(c.Argon2Time, c.Argon2Memory, c.Argon2Parallelism, c.Argon2KeyLen, []byte(c.Pepper.Value()))
	if err != nil {
		t.Fatal(err)
	}
	if err := hasher.Start(c.HasherWorkerCount); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(hasher.Stop)
	return hasher
}

type testStack struct {
	cfg     *cfg.Cfg
	db      *db.SQLite
	lru     *cache.LRU
	hasher  *auth.Hasher
	limiter *lim.Limiter
	secrets *svc.Secrets
	users   *svc.Users
}

func createTestStack(t *testing.T) *testStack {
	t.Helper()
	c := createTestConfig()
	sqlDB := createTestDB(t, c)
	lru := createTestLRU(t, c.LRUCacheSize)
	hasher := createTestHasher(t, c)
	limiter := lim.New(nil, nil)
	t.Cleanup(limiter.Stop)
	secrets := svc.NewSecrets(sqlDB, lru, nil, hasher, limiter, c)
	t.Cleanup(secrets.Shutdown)
	users := svc.NewUsers(sqlDB, hasher, limiter, nil, c)
	return &testStack{
		cfg:     c,
		db:      sqlDB,
		lru:     lru,
		hasher:  hasher,
		limiter: limiter,
		secrets: secrets,
		users:   users,
	}
}
