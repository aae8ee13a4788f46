// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

package virtblkiosim_src

import (
	"syscall"

	"github.com/ncw/directio"
	"github.com/nixomose/nixomosegotools/tools"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_interfaces"
)

type Memory_store struct {
	log     *tools.Nixomosetools_logger
	started bool

	/* one flat array for every physical page on the device. it's aligned so a page can go
	   straight to an O_DIRECT file without a bounce buffer. */
	storage []byte

	m_page_size uint32
	m_num_pages uint64
}

// verify that memory_store implements the page store
var _ virtblkiosim_interfaces.Page_store_interface = &Memory_store{}
var _ virtblkiosim_interfaces.Page_store_interface = (*Memory_store)(nil)

func New_memory_store(l *tools.Nixomosetools_logger, page_size uint32, num_pages uint64) *Memory_store {
	var store Memory_store
	store.log = l
	store.m_page_size = page_size
	store.m_num_pages = num_pages
	return &store
}

func (this *Memory_store) Init() tools.Ret {
	this.started = false
	this.storage = directio.AlignedBlock(int(uint64(this.m_page_size) * this.m_num_pages))
	this.log.Debug("allocated page store of ", this.m_num_pages, " pages of ", this.m_page_size, " bytes")
	return nil
}

func (this *Memory_store) Startup(force bool) tools.Ret {
	if this.started != false {
		return tools.Error(this.log, "memory store has already been started up, not starting again")
	}
	if this.storage == nil {
		return tools.Error(this.log, "memory store hasn't been initialized, can't start it up")
	}
	/* nothing persists between runs, so there's never anything to check or replay, force
	   doesn't change anything. */
	this.started = true
	return nil
}

func (this *Memory_store) Shutdown() tools.Ret {
	if this.started == false {
		return tools.Error(this.log, "memory store hasn't been started, can't be shut down")
	}
	this.started = false
	return nil
}

func (this *Memory_store) check(ppn uint64, data []byte) tools.Ret {
	if this.started == false {
		return tools.Error(this.log, "memory store hasn't been started, can't move page ", ppn)
	}
	if ppn >= this.m_num_pages {
		return tools.ErrorWithCode(this.log, int(syscall.ERANGE), "page ", ppn, " is past the end of the store, which has ",
			this.m_num_pages, " pages")
	}
	if len(data) != int(this.m_page_size) {
		return tools.ErrorWithCode(this.log, int(syscall.EINVAL), "page buffer is ", len(data), " bytes, pages are ",
			this.m_page_size)
	}
	return nil
}

func (this *Memory_store) Load_page(ppn uint64, dst []byte) tools.Ret {
	if ret := this.check(ppn, dst); ret != nil {
		return ret
	}
	var start = ppn * uint64(this.m_page_size)
	copy(dst, this.storage[start:start+uint64(this.m_page_size)])
	return nil
}

func (this *Memory_store) Store_page(ppnx uint64, src []byte) tools.Ret {
	if ret := this.check(ppnx, src); ret != nil {
		return ret
	}
	var start = ppnx * uint64(this.m_page_size)
	copy(this.storage[start:start+uint64(this.m_page_size)], src)
	return nil
}

func (this *Memory_store) Get_total_pages() (tools.Ret, uint64) {
	return nil, this.m_num_pages
}

func (this *Memory_store) Get_page_size() uint32 {
	return this.m_page_size
}

func (this *Memory_store) Wipe() tools.Ret {
	for lp := range this.storage {
		this.storage[lp] = 0
	}
	return nil
}

func (this *Memory_store) Dispose() tools.Ret {
	this.storage = nil
	this.started = false
	return nil
}
