package util

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostInfo describes the machine running the monitor. It is attached to
// telemetry messages and served by the public API.
type HostInfo struct {
	Hostname      string  `json:"hostname"`
	OS            string  `json:"os"`
	Architecture  string  `json:"architecture"`
	CPUModel      string  `json:"cpu_model"`
	CPUCores      int     `json:"cpu_cores"`
	CPUPercent    float64 `json:"cpu_percent"`
	TotalMemoryMB uint64  `json:"total_memory_mb"`
	UsedMemoryPct float64 `json:"used_memory_percent"`
	UptimeSec     uint64  `json:"uptime_sec"`
	GoVersion     string  `json:"go_version"`
	AppVersion    string  `json:"app_version"`
	Started       string  `json:"started"`
}

// Version is set at build time with -ldflags "-X <module>/internal/util.Version=...".
var Version = "dev"

var processStart = time.Now()

// GetHostInfo gathers host metadata. Fields gopsutil cannot read on this
// platform are left zero.
func GetHostInfo() HostInfo {
	info := HostInfo{
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
		GoVersion:    runtime.Version(),
		AppVersion:   Version,
		Started:      processStart.UTC().Format(time.RFC3339),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}

	if hostInfo, err := host.Info(); err == nil {
		info.OS = fmt.Sprintf("%s %s", hostInfo.Platform, hostInfo.PlatformVersion)
		info.UptimeSec = hostInfo.Uptime
	} else {
		info.OS = runtime.GOOS
	}

	if cpuInfo, err := cpu.Info(); err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		info.CPUPercent = pct[0]
	}

	if memInfo, err := mem.VirtualMemory(); err == nil {
		info.TotalMemoryMB = memInfo.Total / (1024 * 1024)
		info.UsedMemoryPct = memInfo.UsedPercent
	}

	return info
}
