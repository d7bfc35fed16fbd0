package db

import (
	"context"
	"time"
)

// PoolHealth describes one connection pool for the monitoring endpoint.
type PoolHealth struct {
	Healthy    bool   `json:"healthy"`
	Error      string `json:"error,omitempty"`
	TotalConns int32  `json:"totalConns"`
	IdleConns  int32  `json:"idleConns"`
	InUseConns int32  `json:"inUseConns"`
	LatencyMs  int64  `json:"latencyMs"`
}

// HealthStatus is the database portion of GET /monitoring/health.
type HealthStatus struct {
	Healthy bool       `json:"healthy"`
	Write   PoolHealth `json:"write"`
	Read    PoolHealth `json:"read"`
}

func pingPool(ctx context.Context, ping func(context.Context) error) (bool, string, int64) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := ping(ctx); err != nil {
		return false, err.Error(), time.Since(start).Milliseconds()
	}
	return true, "", time.Since(start).Milliseconds()
}

// CheckHealth pings both pools and reports their state.
func (db *Database) CheckHealth(ctx context.Context) HealthStatus {
	var status HealthStatus

	writeStats := db.WritePool.Stat()
	status.Write = PoolHealth{
		TotalConns: writeStats.TotalConns(),
		IdleConns:  writeStats.IdleConns(),
		InUseConns: writeStats.AcquiredConns(),
	}
	status.Write.Healthy, status.Write.Error, status.Write.LatencyMs = pingPool(ctx, db.WritePool.Ping)

	if db.ReadPool == db.WritePool {
		status.Read = status.Write
	} else {
		readStats := db.ReadPool.Stat()
		status.Read = PoolHealth{
			TotalConns: readStats.TotalConns(),
			IdleConns:  readStats.IdleConns(),
			InUseConns: readStats.AcquiredConns(),
		}
		status.Read.Healthy, status.Read.Error, status.Read.LatencyMs = pingPool(ctx, db.ReadPool.Ping)
	}

	status.Healthy = status.Write.Healthy && status.Read.Healthy
	return status
}
