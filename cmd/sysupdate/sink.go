package main

import (
	"fmt"
	"sync"

	"github.com/opensyde-tools/sysupdate/internal/progress"
	"github.com/opensyde-tools/sysupdate/internal/sysdef"
	"github.com/opensyde-tools/sysupdate/internal/xlog"
)

// consoleSink is the Progress Sink wired into every Engine sequence run
// from the CLI. It never votes to abort. The commands run every sequence
// with context.Background() and install no interrupt handler.
type consoleSink struct {
	mu sync.Mutex
}

func (s *consoleSink) Report(e progress.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Addr != nil {
		fmt.Printf("[%3d%%] %-20s %s %s\n", e.Percent, e.Step, e.Addr, e.Info)
	} else {
		fmt.Printf("[%3d%%] %-20s %s\n", e.Percent, e.Step, e.Info)
	}
	return false
}

func (s *consoleSink) ReportWarning(addr *sysdef.NodeAddress, info string) {
	xlog.Warnf(addr, "%s", info)
}

func (s *consoleSink) OnOsyInfoRead(info sysdef.OsyDeviceInfo, node sysdef.NodeIndex) {
	fmt.Printf("node %d: openSYDE device %q, flashloader %s, %d flash blocks\n",
		node, info.DeviceName, info.FlashloaderVersion, len(info.FlashBlocks))
}

func (s *consoleSink) OnStwInfoRead(info sysdef.StwDeviceInfo, node sysdef.NodeIndex) {
	fmt.Printf("node %d: STW device %q, checksum ok=%v\n", node, info.DeviceName, info.ChecksumOK)
}
