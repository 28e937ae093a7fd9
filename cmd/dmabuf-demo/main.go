package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	dmabuf "github.com/behrlich/go-dmabuf"
	"github.com/behrlich/go-dmabuf/exporter"
	"github.com/behrlich/go-dmabuf/fence"
	"github.com/behrlich/go-dmabuf/internal/logging"
	"github.com/behrlich/go-dmabuf/resv"
)

func main() {
	var (
		sizeStr = flag.String("size", "64K", "Size of the shared buffer (e.g., 64K, 4M)")
		name    = flag.String("name", "demo", "Diagnostic name for the buffer")
		delay   = flag.Duration("delay", 50*time.Millisecond, "Simulated device work duration")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("Invalid size '%s': %v", *sizeStr, err)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	ctx := context.Background()

	// Export a heap-backed buffer and publish it as a descriptor.
	mem := exporter.NewMemory(size)
	buf, err := mem.Export(*name, nil)
	if err != nil {
		logger.Error("export failed", "error", err)
		os.Exit(1)
	}
	defer buf.Put()

	if err := buf.SetName(*name); err != nil {
		logger.Error("set name failed", "error", err)
		os.Exit(1)
	}

	fd, err := dmabuf.NewFD(buf, 0)
	if err != nil {
		logger.Error("descriptor creation failed", "error", err)
		os.Exit(1)
	}
	defer dmabuf.CloseFD(fd)

	logger.Info("buffer exported", "name", *name, "size", size, "fd", fd)

	// An importing device attaches and maps.
	att, err := dmabuf.Attach(buf, dmabuf.DeviceName("demo-gpu"))
	if err != nil {
		logger.Error("attach failed", "error", err)
		os.Exit(1)
	}
	defer att.Detach()

	sgl, err := att.MapUnlocked(dmabuf.DirBidirectional)
	if err != nil {
		logger.Error("map failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Mapped %d range(s), %d bytes total\n", len(sgl.Ranges), sgl.Size())

	// Model in-flight device work with a timeline fence on the reservation.
	tl, err := fence.NewTimeline("demo-gpu", 2)
	if err != nil {
		logger.Error("timeline creation failed", "error", err)
		os.Exit(1)
	}
	defer tl.Close()

	work := tl.Fence()
	buf.Resv().Lock()
	if err := buf.Resv().Reserve(1); err == nil {
		buf.Resv().AddFence(work, resv.UsageWrite)
	}
	buf.Resv().Unlock()
	tl.SignalAfter(work, *delay, nil)

	// CPU access must wait for the device write to finish.
	start := time.Now()
	f, err := dmabuf.OpenFD(fd)
	if err != nil {
		logger.Error("descriptor lookup failed", "error", err)
		os.Exit(1)
	}
	if _, err := f.Ioctl(ctx, dmabuf.CmdSync, dmabuf.SyncRead); err != nil {
		logger.Error("cpu access begin failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("CPU access granted after %v\n", time.Since(start).Round(time.Millisecond))
	if _, err := f.Ioctl(ctx, dmabuf.CmdSync, dmabuf.SyncRead|dmabuf.SyncEnd); err != nil {
		logger.Error("cpu access end failed", "error", err)
		os.Exit(1)
	}

	// Round-trip the pending-work fence through a sync file.
	sf, err := buf.ExportSyncFile(resv.UsageRead)
	if err != nil {
		logger.Error("sync file export failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Exported sync file: %s (status %d)\n", sf, sf.Status())
	if err := buf.ImportSyncFile(resv.UsageRead, sf); err != nil {
		logger.Error("sync file import failed", "error", err)
		os.Exit(1)
	}

	att.UnmapUnlocked(sgl, dmabuf.DirBidirectional)

	fmt.Println()
	if err := dmabuf.DebugReport(os.Stdout); err != nil {
		logger.Error("debug report failed", "error", err)
	}

	snap := dmabuf.FrameworkMetrics().Snapshot()
	fmt.Printf("\nexports=%d attaches=%d maps=%d cpu_brackets=%d fence_exports=%d\n",
		snap.Exports, snap.Attaches, snap.Maps, snap.CPUAccessBegins, snap.FenceExports)
}

// parseSize parses human-readable sizes like "64K", "4M", "1G".
func parseSize(s string) (uint64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	mult := uint64(1)
	switch s[len(s)-1] {
	case 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}
