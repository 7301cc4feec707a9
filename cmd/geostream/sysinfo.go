package main

import (
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"geostream/logger"
)

// systemInfo 启动时记录的主机信息
func systemInfo() string {
	platform := runtime.GOOS
	if hi, err := host.Info(); err == nil {
		platform = fmt.Sprintf("%s %s", hi.Platform, hi.PlatformVersion)
	}
	cpuInfo := fmt.Sprintf("%s %d cores", runtime.GOARCH, runtime.NumCPU())
	if infos, err := cpu.Info(); err == nil {
		for _, info := range infos {
			if info.ModelName != "" {
				cpuInfo = fmt.Sprintf("%s x%d", info.ModelName, info.Cores)
				break
			}
		}
	}
	memInfo := "unknown"
	if vm, err := mem.VirtualMemory(); err == nil {
		memInfo = fmt.Sprintf("%.2f GB", float64(vm.Total)/(1024*1024*1024))
	}
	return fmt.Sprintf("%s, %s, 内存 %s", platform, cpuInfo, memInfo)
}

// logDiskUsage 记录瓦片存储目录所在磁盘的剩余空间
func logDiskUsage(log logger.Logger, dir string) {
	usage, err := disk.Usage(dir)
	if err != nil {
		log.Debug("读取磁盘信息失败 %s: %v", dir, err)
		return
	}
	free := float64(usage.Free) / (1024 * 1024 * 1024)
	log.Info("存储目录 %s 剩余 %.2f GB (已用 %.1f%%)", dir, free, usage.UsedPercent)
	if free < 1 {
		log.Warn("存储目录剩余空间不足 1 GB")
	}
}
