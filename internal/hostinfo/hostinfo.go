// Package hostinfo snapshots the host resources an operator checks before
// starting or creating another server instance. Display only; nothing here
// feeds back into decisions the tool makes.
package hostinfo

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

type Report struct {
	MemUsed     uint64
	MemTotal    uint64
	MemPercent  float64
	DiskUsed    uint64
	DiskTotal   uint64
	DiskPercent float64
	DiskPath    string
	Uptime      time.Duration
	Load1       float64
	Load5       float64
	Load15      float64
	CPUs        int
}

// Collect probes the host. savePath names the volume that holds the world
// saves; disk figures are for that volume. Sections whose probe fails are
// left zero so the rest of the report still renders.
func Collect(savePath string) Report {
	r := Report{CPUs: runtime.NumCPU(), DiskPath: savePath}

	if vm, err := mem.VirtualMemory(); err != nil {
		log.Warn().Err(err).Msg("memory probe failed")
	} else {
		r.MemUsed = vm.Used
		r.MemTotal = vm.Total
		r.MemPercent = vm.UsedPercent
	}

	if du, err := disk.Usage(savePath); err != nil {
		log.Warn().Err(err).Str("path", savePath).Msg("disk probe failed")
	} else {
		r.DiskUsed = du.Used
		r.DiskTotal = du.Total
		r.DiskPercent = du.UsedPercent
	}

	if up, err := host.Uptime(); err != nil {
		log.Warn().Err(err).Msg("uptime probe failed")
	} else {
		r.Uptime = time.Duration(up) * time.Second
	}

	if avg, err := load.Avg(); err != nil {
		log.Warn().Err(err).Msg("load probe failed")
	} else {
		r.Load1 = avg.Load1
		r.Load5 = avg.Load5
		r.Load15 = avg.Load15
	}

	return r
}

// Render formats the report for the menu.
func (r Report) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Memory: %s / %s (%.0f%% used)\n",
		humanize.IBytes(r.MemUsed), humanize.IBytes(r.MemTotal), r.MemPercent)
	fmt.Fprintf(&b, "Disk:   %s / %s (%.0f%% used) on %s\n",
		humanize.IBytes(r.DiskUsed), humanize.IBytes(r.DiskTotal), r.DiskPercent, r.DiskPath)
	fmt.Fprintf(&b, "Uptime: %s\n", FormatUptime(r.Uptime))
	fmt.Fprintf(&b, "Load:   %.2f %.2f %.2f across %d CPUs\n",
		r.Load1, r.Load5, r.Load15, r.CPUs)
	return b.String()
}

// FormatUptime renders a duration as "3d 4h 12m". Sub-minute uptimes come
// out as "0m" which is accurate enough for a freshly booted host.
func FormatUptime(d time.Duration) string {
	d = d.Round(time.Minute)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}
