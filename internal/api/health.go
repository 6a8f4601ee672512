package api

import (
	"net/http"
	"runtime"
	"time"
)

// Version is reported by the health endpoint.
var Version = "dev"

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string       `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Version   string       `json:"version,omitempty"`
	Uptime    string       `json:"uptime,omitempty"`
	Memory    *MemoryStats `json:"memory,omitempty"`

	// Dashboard is the age of the latest snapshot, when a refresher runs
	Dashboard *DashboardHealth `json:"dashboard,omitempty"`
}

// MemoryStats represents memory usage statistics
type MemoryStats struct {
	AllocMB      uint64 `json:"alloc_mb"`
	TotalAllocMB uint64 `json:"total_alloc_mb"`
	SysMB        uint64 `json:"sys_mb"`
	NumGC        uint32 `json:"num_gc"`
}

// DashboardHealth describes the refresher state.
type DashboardHealth struct {
	Ready       bool      `json:"ready"`
	GeneratedAt time.Time `json:"generated_at,omitempty"`
}

var startTime = time.Now()

// HandleHealth returns the health status of the application
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   Version,
		Uptime:    time.Since(startTime).String(),
		Memory: &MemoryStats{
			AllocMB:      m.Alloc / 1024 / 1024,
			TotalAllocMB: m.TotalAlloc / 1024 / 1024,
			SysMB:        m.Sys / 1024 / 1024,
			NumGC:        m.NumGC,
		},
	}

	if s.refresher != nil {
		response.Dashboard = &DashboardHealth{}
		if snap := s.refresher.Snapshot(); snap != nil {
			response.Dashboard.Ready = true
			response.Dashboard.GeneratedAt = snap.GeneratedAt
		}
	}

	s.respondJSON(w, http.StatusOK, response)
}
