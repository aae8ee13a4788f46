// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

package virtblkiosim_entry

import (
	"fmt"
)

type Transfer_direction int32

const (
	TRANSFER_READ  Transfer_direction = 0 // read from the device
	TRANSFER_WRITE Transfer_direction = 1 // write to the device
)

func (this Transfer_direction) String() string {
	if this == TRANSFER_READ {
		return "read from device"
	}
	return "write to device"
}

type Page_map struct {
	/* the lpn is worked out from the sector address by us and never changes after that.
	   the ppn and ppnx come from the mapping authority and mean nothing until it has answered,
		 and even then we don't trust them until they've been checked against the number of pages. */
	lpn        uint64
	ppn        uint64 // where to read the page from
	ppnx       uint64 // where to write the page to, writes only
	transf_dir Transfer_direction
}

func New_page_map(lpn uint64, transf_dir Transfer_direction) Page_map {
	var p Page_map
	p.lpn = lpn
	p.transf_dir = transf_dir
	return p
}

func (this *Page_map) Get_lpn() uint64 {
	return this.lpn
}

func (this *Page_map) Get_ppn() uint64 {
	return this.ppn
}

func (this *Page_map) Get_ppnx() uint64 {
	return this.ppnx
}

func (this *Page_map) Get_transf_dir() Transfer_direction {
	return this.transf_dir
}

func (this *Page_map) Set_mapping(ppn uint64, ppnx uint64) {
	this.ppn = ppn
	this.ppnx = ppnx
}

// Set_identity is what you get when nobody is around to ask.
func (this *Page_map) Set_identity() {
	this.ppn = this.lpn
	this.ppnx = this.lpn
}

type Request_map struct {
	page_map       Page_map
	start_sector   uint64
	num_of_sectors uint64

	/* this is a slice of the host's segment buffer, not a copy, it's where read data lands
	   and where write data comes from. */
	req_buffer []byte

	/* the authority can't see our memory so the record it gets says which host segment and where
	   in it this sub-request's data lives. */
	segment_index  uint32
	segment_offset uint32
}

func New_request_map(page_map Page_map, start_sector uint64, num_of_sectors uint64, req_buffer []byte,
	segment_index uint32, segment_offset uint32) *Request_map {
	var r Request_map
	r.page_map = page_map
	r.start_sector = start_sector
	r.num_of_sectors = num_of_sectors
	r.req_buffer = req_buffer
	r.segment_index = segment_index
	r.segment_offset = segment_offset
	return &r
}

func (this *Request_map) Get_page_map() *Page_map {
	return &this.page_map
}

func (this *Request_map) Get_start_sector() uint64 {
	return this.start_sector
}

func (this *Request_map) Get_num_of_sectors() uint64 {
	return this.num_of_sectors
}

func (this *Request_map) Get_req_buffer() []byte {
	return this.req_buffer
}

func (this *Request_map) Get_buffer_handle() uint64 {
	return uint64(this.segment_index)<<32 | uint64(this.segment_offset)
}

func (this *Request_map) To_record() Request_map_record {
	var rec Request_map_record
	rec.M_lpn = this.page_map.lpn
	rec.M_ppn = this.page_map.ppn
	rec.M_ppnx = this.page_map.ppnx
	rec.M_transf_dir = int32(this.page_map.transf_dir)
	rec.M_start_sector = this.start_sector
	rec.M_num_of_sectors = this.num_of_sectors
	rec.M_buffer_handle = this.Get_buffer_handle()
	return rec
}

func (this *Request_map) Dump() string {
	return fmt.Sprintf("I/O direction: %d | LPN: %d | PPN: %d | PPNX: %d | Start sector: %d | Number of sectors: %d | Request buffer: %#x",
		this.page_map.transf_dir, this.page_map.lpn, this.page_map.ppn, this.page_map.ppnx,
		this.start_sector, this.num_of_sectors, this.Get_buffer_handle())
}
