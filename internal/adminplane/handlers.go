package adminplane

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// StatsFunc returns a snapshot of the DNS query counters. It is supplied
// by the caller (server.Runner), which owns the actual collector fed from
// the query path; this package only ever reads through the callback.
type StatsFunc func() DNSStatsResponse

// Handler holds the dependencies behind the admin-plane endpoints. Unlike
// a management API, nothing here accepts writes: stats is a read of
// in-process counters, health is a constant.
type Handler struct {
	startTime time.Time
	getStats  StatsFunc
}

// NewHandler creates a Handler that reports against getStats. getStats may
// be nil, in which case the DNS section of /stats reads as all zeroes.
func NewHandler(getStats StatsFunc) *Handler {
	return &Handler{startTime: time.Now(), getStats: getStats}
}

// Health godoc
// @Summary Health check
// @Description Reports that the process is up and serving
// @Tags system
// @Produce json
// @Success 200 {object} StatusResponse
// @Router /healthz [get]
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{Status: "ok"})
}

// Snapshot godoc
// @Summary Runtime statistics
// @Description Returns system CPU/memory usage and DNS query counters
// @Tags system
// @Produce json
// @Success 200 {object} ServerStatsResponse
// @Router /stats [get]
func (h *Handler) Snapshot(c *gin.Context) {
	uptime := time.Since(h.startTime)

	memStats := MemoryStats{}
	if vm, err := mem.VirtualMemory(); err == nil {
		memStats.TotalMB = float64(vm.Total) / 1024 / 1024
		memStats.FreeMB = float64(vm.Available) / 1024 / 1024
		memStats.UsedMB = float64(vm.Used) / 1024 / 1024
		memStats.UsedPercent = vm.UsedPercent
	}

	cpuStats := CPUStats{NumCPU: runtime.NumCPU()}
	if pct, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(pct) > 0 {
		cpuStats.UsedPercent = pct[0]
		cpuStats.IdlePercent = 100.0 - pct[0]
	}

	var dnsStats DNSStatsResponse
	if h.getStats != nil {
		dnsStats = h.getStats()
	}

	c.JSON(http.StatusOK, ServerStatsResponse{
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
		StartTime:     h.startTime,
		CPU:           cpuStats,
		Memory:        memStats,
		DNSStats:      dnsStats,
	})
}
