package api

import (
	"net/http"
	"time"

	"github.com/docker/go-units"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

type statusResponse struct {
	Instance  string          `json:"instance"`
	Uptime    string          `json:"uptime"`
	Builds    buildsStatus    `json:"builds"`
	Storage   storageStatus   `json:"storage"`
	Host      *hostStatus     `json:"host,omitempty"`
	RateLimit rateLimitStatus `json:"rateLimit"`
}

type buildsStatus struct {
	Known    int `json:"known"`
	Active   int `json:"active"`
	Terminal int `json:"terminal"`
}

type storageStatus struct {
	Root      string `json:"root"`
	Used      string `json:"used"`
	UsedBytes int64  `json:"usedBytes"`
}

type hostStatus struct {
	Hostname    string `json:"hostname"`
	OS          string `json:"os"`
	Platform    string `json:"platform"`
	MemoryTotal string `json:"memoryTotal"`
	MemoryUsed  string `json:"memoryUsed"`
}

type rateLimitStatus struct {
	Enabled bool `json:"enabled"`
}

// handleStatus reports server, queue and host health in one place.
func (s *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Instance: s.instanceID,
		Uptime:   time.Since(s.startedAt).Round(time.Second).String(),
		RateLimit: rateLimitStatus{
			Enabled: s.cfg.Server.RateLimit.Enabled,
		},
	}

	resp.Builds = buildsStatus{
		Known:    s.deps.Registry.Len(),
		Active:   s.deps.Registry.CountActive(),
		Terminal: len(s.deps.Registry.Terminal()),
	}

	resp.Storage.Root = s.deps.Storage.Root()

	used, err := s.deps.Storage.DiskUsage()
	if err != nil {
		s.log.WithError(err).Warn("Failed to measure storage usage")
	} else {
		resp.Storage.UsedBytes = used
		resp.Storage.Used = units.HumanSize(float64(used))
	}

	resp.Host = hostInfo()

	writeJSON(w, http.StatusOK, resp)
}

// hostInfo collects best-effort host metrics. Returns nil when the
// platform probes fail.
func hostInfo() *hostStatus {
	info, err := host.Info()
	if err != nil {
		return nil
	}

	status := &hostStatus{
		Hostname: info.Hostname,
		OS:       info.OS,
		Platform: info.Platform,
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		status.MemoryTotal = units.HumanSize(float64(vm.Total))
		status.MemoryUsed = units.HumanSize(float64(vm.Used))
	}

	return status
}
