package health

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// DBChecker pings the database and confirms the portal schema is present,
// so a fresh database that has not been migrated is reported as unready.
type DBChecker struct {
	db     *gorm.DB
	tables []string
}

// NewDBChecker returns nil for a nil handle. With no tables given only the
// connection is checked.
func NewDBChecker(db *gorm.DB, tables ...string) Checker {
	if db == nil {
		return nil
	}
	return &DBChecker{db: db, tables: tables}
}

func (c *DBChecker) Check(ctx context.Context) CheckResult {
	res := CheckResult{Name: "db", Healthy: true, Critical: true}
	sqlDB, err := c.db.DB()
	if err != nil {
		return unhealthy(res, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unhealthy(res, err)
	}
	migrator := c.db.WithContext(ctx).Migrator()
	for _, table := range c.tables {
		if !migrator.HasTable(table) {
			return unhealthy(res, fmt.Errorf("schema not migrated: missing table %s", table))
		}
	}
	return res
}

type RedisChecker struct {
	client redis.UniversalClient
}

func NewRedisChecker(client redis.UniversalClient) Checker {
	if client == nil {
		return nil
	}
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	res := CheckResult{Name: "redis", Healthy: true, Critical: true}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return unhealthy(res, err)
	}
	return res
}

// Pinger covers dependencies that expose a context-aware liveness call,
// such as object storage and the event broker.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingChecker struct {
	name     string
	pinger   Pinger
	critical bool
}

func NewPingChecker(name string, pinger Pinger) Checker {
	if pinger == nil {
		return nil
	}
	return &PingChecker{name: name, pinger: pinger, critical: true}
}

// NewDegradedPingChecker reports failures without failing readiness. Object
// storage uses it: verification and booking keep working while certificate
// downloads are unavailable.
func NewDegradedPingChecker(name string, pinger Pinger) Checker {
	if pinger == nil {
		return nil
	}
	return &PingChecker{name: name, pinger: pinger}
}

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	res := CheckResult{Name: c.name, Healthy: true, Critical: c.critical}
	if err := c.pinger.Ping(ctx); err != nil {
		return unhealthy(res, err)
	}
	return res
}

func unhealthy(res CheckResult, err error) CheckResult {
	res.Healthy = false
	res.Error = err.Error()
	return res
}
