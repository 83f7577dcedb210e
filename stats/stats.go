// Package stats logs periodic host resource diagnostics.
package stats

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
	"github.com/sirupsen/logrus"
)

// Run logs CPU and memory usage on the given interval until the context ends.
func Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report()
		}
	}
}

func report() {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		logrus.Warnf("STATS: cpu usage unavailable: %v", err)
		return
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		logrus.Warnf("STATS: memory usage unavailable: %v", err)
		return
	}
	logrus.Infof("STATS: cpu %.1f%%, mem %.1f%% (%d MB used)",
		percents[0], vm.UsedPercent, vm.Used/1024/1024)
}
