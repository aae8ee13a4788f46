// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

// Package virtblkiosim_interfaces ... has a comment
package virtblkiosim_interfaces

import (
	"github.com/nixomose/nixomosegotools/tools"
)

type Page_store_interface interface {

	/* the page store is just the flat array of physical pages. it knows nothing about sectors or
	   mappings, it moves whole pages in and out by physical page number. out of range is an error
		 here, it's the read-modify-write engine that turns it into a capacity reached outcome. */

	Init() tools.Ret

	Startup(force bool) tools.Ret

	Shutdown() tools.Ret

	Load_page(ppn uint64, dst []byte) tools.Ret // dst must be exactly one page

	Store_page(ppnx uint64, src []byte) tools.Ret

	Get_total_pages() (tools.Ret, uint64)

	Get_page_size() uint32

	Wipe() tools.Ret // zero out every page

	Dispose() tools.Ret
}
