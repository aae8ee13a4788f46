// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

/* this is the read-modify-write engine. the host never hands us whole pages, it hands us sector
   ranges that can start and end anywhere in a page, so every write reads the whole old page into
	 the scratch page, lays the new sectors over the right part of it and writes the whole page back
	 out, possibly somewhere else, since the authority gets to say where the new version goes.
	 reads are the same minus the last two steps. */

// package name must match directory name
package virtblkiosim_src

import (
	"sync"

	"github.com/ncw/directio"
	"github.com/nixomose/nixomosegotools/tools"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_entry"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_interfaces"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_layout"
)

type Rmw_engine struct {
	interface_lock sync.Mutex
	log            *tools.Nixomosetools_logger

	m_storage  virtblkiosim_interfaces.Page_store_interface
	m_geometry *virtblkiosim_layout.Geometry

	m_scratch []byte // exactly one page, aligned
}

// verify that the rmw engine implements the interface
var _ virtblkiosim_interfaces.Rmw_interface = &Rmw_engine{}
var _ virtblkiosim_interfaces.Rmw_interface = (*Rmw_engine)(nil)

func New_rmw_engine(l *tools.Nixomosetools_logger, storage virtblkiosim_interfaces.Page_store_interface,
	geometry *virtblkiosim_layout.Geometry) *Rmw_engine {

	var r Rmw_engine
	r.log = l
	r.m_storage = storage
	r.m_geometry = geometry
	r.m_scratch = directio.AlignedBlock(int(geometry.Get_page_size()))
	return &r
}

func (this *Rmw_engine) Get_logger() *tools.Nixomosetools_logger {
	return this.log
}

// Get_scratch is for looking, not for touching.
func (this *Rmw_engine) Get_scratch() []byte {
	return this.m_scratch
}

func (this *Rmw_engine) read_page(ppn uint64) (tools.Ret, virtblkiosim_layout.Outcome) {
	var outcome, _, _ = this.m_geometry.Byte_range(ppn)
	if outcome != virtblkiosim_layout.OUTCOME_OK {
		this.log.Info("device read capacity reached, ppn: ", ppn)
		return nil, outcome
	}
	if ret := this.m_storage.Load_page(ppn, this.m_scratch); ret != nil {
		return ret, virtblkiosim_layout.OUTCOME_OK
	}
	return nil, virtblkiosim_layout.OUTCOME_OK
}

func (this *Rmw_engine) write_page(ppnx uint64) (tools.Ret, virtblkiosim_layout.Outcome) {
	var outcome, _, _ = this.m_geometry.Byte_range(ppnx)
	if outcome != virtblkiosim_layout.OUTCOME_OK {
		this.log.Info("device write capacity reached, ppnx: ", ppnx)
		return nil, outcome
	}
	if ret := this.m_storage.Store_page(ppnx, this.m_scratch); ret != nil {
		return ret, virtblkiosim_layout.OUTCOME_OK
	}
	return nil, virtblkiosim_layout.OUTCOME_OK
}

func (this *Rmw_engine) Read_page(ppn uint64) (tools.Ret, virtblkiosim_layout.Outcome) {
	this.interface_lock.Lock()
	defer this.interface_lock.Unlock()
	return this.read_page(ppn)
}

func (this *Rmw_engine) Write_page(ppnx uint64) (tools.Ret, virtblkiosim_layout.Outcome) {
	this.interface_lock.Lock()
	defer this.interface_lock.Unlock()
	return this.write_page(ppnx)
}

func (this *Rmw_engine) in_page(m *virtblkiosim_entry.Request_map) (tools.Ret, uint32, uint32) {
	var start = this.m_geometry.Offset_in_page(m.Get_start_sector())
	var length = uint32(m.Get_num_of_sectors()) * this.m_geometry.Get_sector_size()
	if start+length > this.m_geometry.Get_page_size() {
		return tools.Error(this.log, "sub-request crosses a page boundary: ", m.Dump()), 0, 0
	}
	if uint32(len(m.Get_req_buffer())) < length {
		return tools.Error(this.log, "sub-request buffer is ", len(m.Get_req_buffer()), " bytes, needs ", length,
			": ", m.Dump()), 0, 0
	}
	return nil, start, start + length
}

func (this *Rmw_engine) Read_request(m *virtblkiosim_entry.Request_map) (tools.Ret, virtblkiosim_layout.Outcome) {
	this.interface_lock.Lock()
	defer this.interface_lock.Unlock()

	var ret, start, end = this.in_page(m)
	if ret != nil {
		return ret, virtblkiosim_layout.OUTCOME_OK
	}
	var outcome virtblkiosim_layout.Outcome
	if ret, outcome = this.read_page(m.Get_page_map().Get_ppn()); ret != nil {
		return ret, outcome
	}
	if outcome != virtblkiosim_layout.OUTCOME_OK {
		return nil, outcome // buffer is left alone
	}
	copy(m.Get_req_buffer(), this.m_scratch[start:end])
	return nil, outcome
}

func (this *Rmw_engine) Write_request(m *virtblkiosim_entry.Request_map) (tools.Ret, virtblkiosim_layout.Outcome) {
	this.interface_lock.Lock()
	defer this.interface_lock.Unlock()

	var ret, start, end = this.in_page(m)
	if ret != nil {
		return ret, virtblkiosim_layout.OUTCOME_OK
	}

	// 1. old page into scratch
	var read_outcome virtblkiosim_layout.Outcome
	if ret, read_outcome = this.read_page(m.Get_page_map().Get_ppn()); ret != nil {
		return ret, read_outcome
	}
	if read_outcome != virtblkiosim_layout.OUTCOME_OK {
		/* a page that isn't there reads back as zeroes, not as whatever was in scratch last. */
		for lp := range this.m_scratch {
			this.m_scratch[lp] = 0
		}
	}

	// 2. new sectors over the old
	copy(this.m_scratch[start:end], m.Get_req_buffer())

	// 3. scratch out to wherever it goes now
	var write_outcome virtblkiosim_layout.Outcome
	if ret, write_outcome = this.write_page(m.Get_page_map().Get_ppnx()); ret != nil {
		return ret, write_outcome
	}
	return nil, read_outcome.Combine(write_outcome)
}

func (this *Rmw_engine) Transfer(m *virtblkiosim_entry.Request_map) (tools.Ret, virtblkiosim_layout.Outcome) {
	if m.Get_page_map().Get_transf_dir() == virtblkiosim_entry.TRANSFER_READ {
		return this.Read_request(m)
	}
	return this.Write_request(m)
}
