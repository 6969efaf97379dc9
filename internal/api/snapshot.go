package api

import (
	"time"

	"btcfifo-mm/internal/config"
)

// BuildSnapshot aggregates engine state and config into one dashboard
// document.
func BuildSnapshot(provider StatusProvider, cfg config.Config) DashboardSnapshot {
	return DashboardSnapshot{
		Timestamp: time.Now(),
		Engine:    provider.Status(),
		Config:    NewConfigSummary(cfg),
	}
}
