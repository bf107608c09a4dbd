package services

import (
	"context"
	"time"

	"github.com/n0rdy/kbq/db"
)

type Health struct {
	Healthy       bool  `json:"healthy"`
	DbPingLatency int64 `json:"db_ping_latency_ms"`
}

type MonitoringService struct {
	repo *db.KbqRepo
}

func NewMonitoringService(repo *db.KbqRepo) *MonitoringService {
	return &MonitoringService{
		repo: repo,
	}
}

func (ms *MonitoringService) CheckHealth(ctx context.Context) Health {
	start := time.Now()
	err := ms.repo.Ping(ctx)
	return Health{
		Healthy:       err == nil,
		DbPingLatency: time.Since(start).Milliseconds(),
	}
}
