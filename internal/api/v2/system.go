// internal/api/v2/system.go
package api

import (
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemInfo describes the host and process for the diagnostics page.
type SystemInfo struct {
	OS            string    `json:"os"`
	Architecture  string    `json:"architecture"`
	Hostname      string    `json:"hostname"`
	Platform      string    `json:"platform"`
	PlatformVer   string    `json:"platform_version"`
	KernelVersion string    `json:"kernel_version"`
	UpTime        uint64    `json:"uptime_seconds"`
	BootTime      time.Time `json:"boot_time"`
	AppStart      time.Time `json:"app_start_time"`
	AppUptime     int64     `json:"app_uptime_seconds"`
	NumCPU        int       `json:"num_cpu"`
	GoVersion     string    `json:"go_version"`
}

// ResourceInfo carries current memory, swap and CPU usage.
type ResourceInfo struct {
	CPUUsage    float64 `json:"cpu_usage_percent"`
	MemoryTotal uint64  `json:"memory_total"`
	MemoryUsed  uint64  `json:"memory_used"`
	MemoryFree  uint64  `json:"memory_free"`
	MemoryUsage float64 `json:"memory_usage_percent"`
	SwapTotal   uint64  `json:"swap_total"`
	SwapUsed    uint64  `json:"swap_used"`
	SwapFree    uint64  `json:"swap_free"`
	SwapUsage   float64 `json:"swap_usage_percent"`
	ProcessMem  float64 `json:"process_memory_mb"`
	ProcessCPU  float64 `json:"process_cpu_percent"`
}

// DiskInfo carries usage for one mounted partition.
type DiskInfo struct {
	Device     string  `json:"device"`
	Mountpoint string  `json:"mountpoint"`
	Fstype     string  `json:"fstype"`
	Total      uint64  `json:"total"`
	Used       uint64  `json:"used"`
	Free       uint64  `json:"free"`
	UsagePerc  float64 `json:"usage_percent"`
}

// PathUsage carries usage for a directory the service writes to.
type PathUsage struct {
	Name      string  `json:"name"`
	Path      string  `json:"path"`
	Total     uint64  `json:"total"`
	Used      uint64  `json:"used"`
	Free      uint64  `json:"free"`
	UsagePerc float64 `json:"usage_percent"`
}

// DisksResponse carries per-partition stats plus usage for the database and
// ingest drop directories
type DisksResponse struct {
	Partitions []DiskInfo  `json:"partitions"`
	Paths      []PathUsage `json:"paths"`
}

// startTime feeds app_start_time; uptime is computed from the monotonic
// reading it carries so wall clock changes cannot skew it.
var startTime = time.Now()

// Initialize system routes. These are read-only diagnostics and stay public.
func (c *Controller) initSystemRoutes() {
	systemGroup := c.Group.Group("/system")

	systemGroup.GET("/info", c.GetSystemInfo)
	systemGroup.GET("/resources", c.GetResourceInfo)
	systemGroup.GET("/disks", c.GetDiskInfo)
}

// GetSystemInfo handles GET /api/v2/system/info
func (c *Controller) GetSystemInfo(ctx echo.Context) error {
	hostInfo, err := host.Info()
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get host information", http.StatusInternalServerError)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	info := SystemInfo{
		OS:            runtime.GOOS,
		Architecture:  runtime.GOARCH,
		Hostname:      hostname,
		Platform:      hostInfo.Platform,
		PlatformVer:   hostInfo.PlatformVersion,
		KernelVersion: hostInfo.KernelVersion,
		UpTime:        hostInfo.Uptime,
		BootTime:      time.Unix(int64(hostInfo.BootTime), 0),
		AppStart:      startTime,
		AppUptime:     int64(time.Since(startTime).Seconds()),
		NumCPU:        runtime.NumCPU(),
		GoVersion:     runtime.Version(),
	}

	return ctx.JSON(http.StatusOK, info)
}

// GetResourceInfo handles GET /api/v2/system/resources
func (c *Controller) GetResourceInfo(ctx echo.Context) error {
	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get memory information", http.StatusInternalServerError)
	}

	swapInfo, err := mem.SwapMemory()
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get swap information", http.StatusInternalServerError)
	}

	// Sample all cores averaged over one second.
	cpuPercent, err := cpu.Percent(time.Second, false)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get CPU information", http.StatusInternalServerError)
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get process information", http.StatusInternalServerError)
	}

	// Process-level stats are best effort; the host totals above are the
	// ones the dashboard alerts on.
	procMem, _ := proc.MemoryInfo()
	procCPU, _ := proc.CPUPercent()

	var procMemMB float64
	if procMem != nil {
		procMemMB = float64(procMem.RSS) / 1024 / 1024
	}

	resourceInfo := ResourceInfo{
		MemoryTotal: memInfo.Total,
		MemoryUsed:  memInfo.Used,
		MemoryFree:  memInfo.Free,
		MemoryUsage: memInfo.UsedPercent,
		SwapTotal:   swapInfo.Total,
		SwapUsed:    swapInfo.Used,
		SwapFree:    swapInfo.Free,
		SwapUsage:   swapInfo.UsedPercent,
		ProcessMem:  procMemMB,
		ProcessCPU:  procCPU,
	}
	if len(cpuPercent) > 0 {
		resourceInfo.CPUUsage = cpuPercent[0]
	}

	return ctx.JSON(http.StatusOK, resourceInfo)
}

// GetDiskInfo handles GET /api/v2/system/disks
func (c *Controller) GetDiskInfo(ctx echo.Context) error {
	partitions, err := disk.Partitions(false)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get disk partitions", http.StatusInternalServerError)
	}

	response := DisksResponse{
		Partitions: []DiskInfo{},
		Paths:      []PathUsage{},
	}

	for _, partition := range partitions {
		if skipFilesystem(partition.Fstype) {
			continue
		}

		usage, err := disk.Usage(partition.Mountpoint)
		if err != nil {
			c.Debug("Failed to get usage for %s: %v", partition.Mountpoint, err)
			continue
		}

		response.Partitions = append(response.Partitions, DiskInfo{
			Device:     partition.Device,
			Mountpoint: partition.Mountpoint,
			Fstype:     partition.Fstype,
			Total:      usage.Total,
			Used:       usage.Used,
			Free:       usage.Free,
			UsagePerc:  usage.UsedPercent,
		})
	}

	// The database file and the ingest drop directory may sit on mounts the
	// partition listing misses, NFS shares in particular
	for _, sp := range c.servicePaths() {
		usage, err := disk.Usage(sp.path)
		if err != nil {
			c.Debug("Failed to get usage for %s path %s: %v", sp.name, sp.path, err)
			continue
		}

		response.Paths = append(response.Paths, PathUsage{
			Name:      sp.name,
			Path:      sp.path,
			Total:     usage.Total,
			Used:      usage.Used,
			Free:      usage.Free,
			UsagePerc: usage.UsedPercent,
		})
	}

	return ctx.JSON(http.StatusOK, response)
}

type servicePath struct {
	name string
	path string
}

// servicePaths lists the directories whose disk usage the dashboard reports
func (c *Controller) servicePaths() []servicePath {
	paths := []servicePath{}
	if c.Settings == nil {
		return paths
	}

	if c.Settings.Output.SQLite.Enabled && c.Settings.Output.SQLite.Path != "" {
		paths = append(paths, servicePath{name: "database", path: filepath.Dir(c.Settings.Output.SQLite.Path)})
	}
	if c.Settings.Ingest.Directory != "" {
		paths = append(paths, servicePath{name: "ingest", path: c.Settings.Ingest.Directory})
	}

	return paths
}

// pseudoFsTypes are filesystem types that never hold persistent data and
// would clutter the partition listing.
var pseudoFsTypes = map[string]struct{}{
	"autofs":      {},
	"binfmt_misc": {},
	"bpf":         {},
	"configfs":    {},
	"debugfs":     {},
	"devpts":      {},
	"devtmpfs":    {},
	"efivarfs":    {},
	"hugetlbfs":   {},
	"kernfs":      {},
	"mqueue":      {},
	"overlay":     {},
	"overlayfs":   {},
	"pstore":      {},
	"ramfs":       {},
	"rpc_pipefs":  {},
	"securityfs":  {},
	"tmpfs":       {},
	"tracefs":     {},
}

// pseudoFsPrefixes catches families with versioned or vendored names,
// cgroup and cgroup2 for example.
var pseudoFsPrefixes = []string{"fuse", "cgroup", "proc", "sys", "dev"}

// skipFilesystem reports whether a partition's filesystem type should be
// left out of the disks response.
func skipFilesystem(fstype string) bool {
	if _, ok := pseudoFsTypes[fstype]; ok {
		return true
	}
	for _, prefix := range pseudoFsPrefixes {
		if strings.HasPrefix(fstype, prefix) {
			return true
		}
	}
	return false
}
