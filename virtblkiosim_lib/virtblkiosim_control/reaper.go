// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

package virtblkiosim_control

import (
	"context"
	"time"

	"github.com/nixomose/nixomosegotools/tools"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_src"
	"github.com/shirou/gopsutil/process"
)

/* the device node used to get a release when the authority's process went away and the kernel
   closed its file. a socket doesn't do that for us, so every so often we look and see if the
	 registered pid is still around, and if not, let it go. */

type Reaper struct {
	log        *tools.Nixomosetools_logger
	m_device   *virtblkiosim_src.Virtblkiosim
	m_interval time.Duration
}

func New_reaper(l *tools.Nixomosetools_logger, device *virtblkiosim_src.Virtblkiosim, interval time.Duration) *Reaper {
	var r Reaper
	r.log = l
	r.m_device = device
	r.m_interval = interval
	return &r
}

// Check looks once, and returns true if it released somebody.
func (this *Reaper) Check() bool {
	var caller, registered = this.m_device.Get_commands().Get_caller()
	if registered == false {
		return false
	}
	if Is_caller_token(uint64(caller)) {
		// not a process, it stays until somebody releases it
		return false
	}
	var exists, err = process.PidExists(int32(caller))
	if err != nil {
		this.log.Error("unable to check on mapping authority ", caller, ": ", err)
		return false
	}
	if exists {
		return false
	}
	this.log.Info("mapping authority ", caller, " has gone away, releasing it")
	this.m_device.Release(caller)
	return true
}

// Run checks every interval until ctx is done. an interval of zero means don't.
func (this *Reaper) Run(ctx context.Context) tools.Ret {
	if this.m_interval <= 0 {
		return nil
	}
	var ticker = time.NewTicker(this.m_interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			this.Check()
		}
	}
}
