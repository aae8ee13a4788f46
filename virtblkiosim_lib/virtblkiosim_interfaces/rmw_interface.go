// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

// Package virtblkiosim_interfaces ... has a comment
package virtblkiosim_interfaces

import (
	"github.com/nixomose/nixomosegotools/tools"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_entry"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_layout"
)

type Rmw_interface interface {

	/* read-modify-write sits between a sub-request and the page store. everything goes through
	   the one scratch page, so it's one transfer at a time. a page number past the end of the device
		 is not an error, it's an outcome. */

	Read_page(ppn uint64) (tools.Ret, virtblkiosim_layout.Outcome) // page -> scratch

	Write_page(ppnx uint64) (tools.Ret, virtblkiosim_layout.Outcome) // scratch -> page

	Transfer(m *virtblkiosim_entry.Request_map) (tools.Ret, virtblkiosim_layout.Outcome)
}
