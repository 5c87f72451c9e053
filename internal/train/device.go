package train

import (
	"os"
	"strconv"
	"strings"

	"github.com/arberzela/mothernet/pkg/config"
	"github.com/arberzela/mothernet/pkg/logger"
)

// DeviceInfo is the resolved placement of this process within a possibly
// multi-process data-parallel run.
type DeviceInfo struct {
	Device    string
	Rank      int
	WorldSize int
}

// IsMain reports whether this process owns persistence and tracking. Only
// the main process writes checkpoints, logs and metrics; the others train
// silently.
func (d DeviceInfo) IsMain() bool { return d.Rank == 0 }

// ResolveDevice derives the device and data-parallel rank from the launcher
// environment. Under a single process the preferred device is used as-is;
// under a multi-process launcher each rank pins to its own accelerator.
func ResolveDevice(preferred string) DeviceInfo {
	info := DeviceInfo{Device: preferred, Rank: 0, WorldSize: 1}
	if info.Device == "" {
		info.Device = "cpu"
	}

	if v := os.Getenv("LOCAL_RANK"); v != "" {
		if rank, err := strconv.Atoi(v); err == nil {
			info.Rank = rank
		}
	}
	if v := os.Getenv("WORLD_SIZE"); v != "" {
		if ws, err := strconv.Atoi(v); err == nil && ws > 0 {
			info.WorldSize = ws
		}
	}

	if info.WorldSize > 1 && strings.HasPrefix(info.Device, "cuda") {
		info.Device = "cuda:" + strconv.Itoa(info.Rank)
	}

	if info.IsMain() {
		logger.GetLogger().Infof("Resolved device %s, world size %d", info.Device, info.WorldSize)
	}
	return info
}

// ApplyDevice writes the resolved placement back into the effective config
// so the checkpoint snapshot records where the run actually executed.
func ApplyDevice(cfg *config.Config, info DeviceInfo) {
	cfg.Device = info.Device
	cfg.NumGPUs = info.WorldSize
}
