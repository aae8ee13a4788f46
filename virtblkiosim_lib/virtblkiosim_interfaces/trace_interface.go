// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

// Package virtblkiosim_interfaces ... has a comment
package virtblkiosim_interfaces

import (
	"time"

	"github.com/nixomose/nixomosegotools/tools"
)

type Trace_record struct {
	Request_id     string
	Direction      int32
	Lpn            uint64
	Ppn            uint64
	Ppnx           uint64
	Start_sector   uint64
	Num_of_sectors uint64
	Outcome        string
	Errcode        int
	When           time.Time
}

type Trace_interface interface {

	/* something that wants to know about every sub-request after it was done.
	   the driver doesn't care if it works, a trace failure never fails a request. */

	Record(rec Trace_record)

	Flush() tools.Ret

	Close() tools.Ret
}
