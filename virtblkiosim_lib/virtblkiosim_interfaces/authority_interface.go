// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

// Package virtblkiosim_interfaces ... has a comment
package virtblkiosim_interfaces

import (
	"context"

	"github.com/nixomose/nixomosegotools/tools"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_entry"
)

type Authority_endpoint_interface interface {

	/* the four commands and release, as seen from the mapping authority's side. it's the same
	   whether the authority is on the other end of the control socket or in the same process. */

	Register_caller(ctx context.Context) tools.Ret

	Get_request_size(ctx context.Context) (tools.Ret, uint64)

	Get_block(ctx context.Context) (tools.Ret, *virtblkiosim_entry.Batch_snapshot)

	Set_block(ctx context.Context, snapshot *virtblkiosim_entry.Batch_snapshot) (ret tools.Ret, short_bytes int)

	Release(ctx context.Context) tools.Ret
}

type Remapper_interface interface {
	// fill in ppn and ppnx for one record, in batch order
	Remap(rec *virtblkiosim_entry.Request_map_record)
}
