package api

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spanline/gateway/internal/limits"
	"github.com/spanline/gateway/internal/stream"
	"github.com/spanline/gateway/internal/trace"
)

type HealthOptions struct {
	Version       string
	StartedAt     time.Time
	StorageDriver string
	StoragePath   string
	Touches       *trace.TouchWriter
	StreamStats   *stream.Stats
	Limiter       *limits.AccountLimiter
}

type healthResponse struct {
	Status          string                          `json:"status"`
	Version         string                          `json:"version"`
	UptimeSec       int64                           `json:"uptime_sec"`
	StorageDriver   string                          `json:"storage_driver"`
	DBSizeBytes     int64                           `json:"db_size_bytes,omitempty"`
	Touches         *trace.TouchDiagnostics         `json:"touches,omitempty"`
	Streams         map[string]stream.ProviderStats `json:"streams"`
	LimitedAccounts int                             `json:"limited_accounts"`
}

func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		dbSizeBytes := int64(0)
		if strings.EqualFold(options.StorageDriver, "sqlite") && options.StoragePath != "" {
			if info, err := os.Stat(options.StoragePath); err == nil {
				dbSizeBytes = info.Size()
			}
		}

		var touches *trace.TouchDiagnostics
		if options.Touches != nil {
			diagnostics := options.Touches.Diagnostics()
			touches = &diagnostics
		}

		writeJSON(w, http.StatusOK, healthResponse{
			Status:          "ok",
			Version:         options.Version,
			UptimeSec:       int64(time.Since(options.StartedAt).Seconds()),
			StorageDriver:   options.StorageDriver,
			DBSizeBytes:     dbSizeBytes,
			Touches:         touches,
			Streams:         options.StreamStats.Snapshot(),
			LimitedAccounts: options.Limiter.Accounts(),
		})
	})
}
