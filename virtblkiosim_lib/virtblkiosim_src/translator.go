// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

// package name must match directory name
package virtblkiosim_src

import (
	"syscall"

	"github.com/nixomose/nixomosegotools/tools"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_entry"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_layout"
)

/* a host request is what the block layer hands us: a direction, where it starts, how long it is,
   and the data in some number of segments that together should add up to the length. */

type Host_request struct {
	Transf_dir    virtblkiosim_entry.Transfer_direction
	Start_sector  uint64
	Total_sectors uint64
	Segments      [][]byte
}

type Translator struct {
	log               *tools.Nixomosetools_logger
	m_geometry        *virtblkiosim_layout.Geometry
	m_max_batch_slots int
}

func New_translator(l *tools.Nixomosetools_logger, geometry *virtblkiosim_layout.Geometry, max_batch_slots int) *Translator {
	var t Translator
	t.log = l
	t.m_geometry = geometry
	t.m_max_batch_slots = max_batch_slots
	return &t
}

func (this *Translator) count_slots(req *Host_request) (tools.Ret, int) {
	/* walk it once without building anything, so a bad segment fails the request before anything
	   has been allocated or anybody has been told about it. */
	var slots int
	var sector = req.Start_sector
	var sector_size = uint64(this.m_geometry.Get_sector_size())
	for seg_idx, seg := range req.Segments {
		if uint64(len(seg))%sector_size != 0 {
			return tools.ErrorWithCode(this.log, int(syscall.EIO), "segment ", seg_idx, " is ", len(seg),
				" bytes, which is not a whole number of sectors"), 0
		}
		var sector_count = uint64(len(seg)) / sector_size
		if sector_count > this.m_geometry.Get_request_size_div() {
			return tools.ErrorWithCode(this.log, int(syscall.EIO), "segment ", seg_idx, " has ", sector_count,
				" sectors, more than the ", this.m_geometry.Get_request_size_div(), " a sub-request can hold"), 0
		}
		for sector_count > 0 {
			var chunk = tools.Minint(int(sector_count), int(this.m_geometry.Sectors_left_in_page(sector)))
			slots++
			sector += uint64(chunk)
			sector_count -= uint64(chunk)
		}
	}
	return nil, slots
}

func (this *Translator) Translate(req *Host_request) (tools.Ret, *virtblkiosim_entry.Request_batch) {
	var request_size = this.m_geometry.Request_size(req.Total_sectors)

	var ret, slots = this.count_slots(req)
	if ret != nil {
		return ret, nil
	}
	if slots > this.m_max_batch_slots {
		return tools.ErrorWithCode(this.log, int(syscall.ENOMEM), "request needs ", slots,
			" sub-requests, the limit is ", this.m_max_batch_slots), nil
	}

	/* the authority is told the bigger of the two, a request that straddles pages has more slots
	   than the divisor says it should. */
	if uint64(slots) > request_size {
		request_size = uint64(slots)
	}
	var batch = virtblkiosim_entry.New_request_batch(request_size, slots)

	var sector_size = uint64(this.m_geometry.Get_sector_size())
	var sector = req.Start_sector
	var running uint64
	for seg_idx, seg := range req.Segments {
		var sector_count = uint64(len(seg)) / sector_size
		var offset uint64
		for sector_count > 0 {
			var chunk = uint64(tools.Minint(int(sector_count), int(this.m_geometry.Sectors_left_in_page(sector))))
			var page_map = virtblkiosim_entry.New_page_map(this.m_geometry.Page_of(sector), req.Transf_dir)
			var end = offset + chunk*sector_size
			batch.Append(virtblkiosim_entry.New_request_map(page_map, sector, chunk, seg[offset:end:end],
				uint32(seg_idx), uint32(offset)))
			running += chunk
			sector += chunk
			offset = end
			sector_count -= chunk
		}
	}

	if running != req.Total_sectors {
		return tools.ErrorWithCode(this.log, virtblkiosim_entry.VIRTBLKIOSIM_ERROR_CONSISTENCY,
			"consistency failure: sub-requests add up to ", running, " sectors, the request is for ",
			req.Total_sectors), nil
	}

	this.log.Debug("translated ", req.Transf_dir.String(), " of ", req.Total_sectors, " sectors at ", req.Start_sector,
		" into ", batch.Len(), " sub-requests, request size ", batch.Get_request_size())
	return nil, batch
}
