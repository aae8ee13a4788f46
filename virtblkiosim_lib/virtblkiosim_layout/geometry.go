// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

/* the storage layout model. nothing in here has any state beyond the geometry numbers
   it was built with, it's all just arithmetic converting between sectors, pages and bytes.
	 the defaults are what the device always had, but tests want tiny devices so the
	 geometry is a value you can make with different numbers, as long as they divide evenly. */

// Package virtblkiosim_layout name must match directory name
package virtblkiosim_layout

import (
	"syscall"

	"github.com/nixomose/nixomosegotools/tools"
)

const DEVICE_SECTOR_SIZE uint32 = 512
const DEVICE_PAGE_SIZE uint32 = 4096

const DEVICE_NUMBER_OF_BLOCKS uint64 = 8              // the number of 512-byte blocks
const DEVICE_NUMBER_OF_PAGES_PER_BLOCK uint64 = 1024 // the number of pages per 512-byte block
const DEVICE_NUMBER_OF_PAGES uint64 = DEVICE_NUMBER_OF_BLOCKS * DEVICE_NUMBER_OF_PAGES_PER_BLOCK

const DEVICE_REQUEST_SIZE_DIV uint64 = 8 // max sectors in one sub-request

const DEVICE_REQ_QU_MAX_HW_SECTORS uint64 = 1024 // max sectors the host may put in a single request

type Outcome int

const (
	OUTCOME_OK               Outcome = iota
	OUTCOME_CAPACITY_REACHED         // page number past the end of the device, nothing was touched
)

func (this Outcome) String() string {
	switch this {
	case OUTCOME_OK:
		return "ok"
	case OUTCOME_CAPACITY_REACHED:
		return "capacity reached"
	}
	return "unknown"
}

// Combine keeps the less ordinary of two outcomes so a batch reports capacity reached if any page did.
func (this Outcome) Combine(other Outcome) Outcome {
	if other > this {
		return other
	}
	return this
}

type Geometry struct {
	m_sector_size      uint32
	m_page_size        uint32
	m_sectors_per_page uint64
	m_num_pages        uint64
	m_request_size_div uint64
	m_max_hw_sectors   uint64
}

func New_geometry(log *tools.Nixomosetools_logger, sector_size uint32, page_size uint32, num_pages uint64,
	request_size_div uint64, max_hw_sectors uint64) (tools.Ret, *Geometry) {

	if sector_size == 0 || page_size == 0 {
		return tools.ErrorWithCode(log, int(syscall.EINVAL), "sector size and page size must be non-zero, sector size: ",
			sector_size, " page size: ", page_size), nil
	}
	if page_size%sector_size != 0 {
		return tools.ErrorWithCode(log, int(syscall.EINVAL), "page size ", page_size, " is not a multiple of sector size ",
			sector_size), nil
	}
	if num_pages == 0 {
		return tools.ErrorWithCode(log, int(syscall.EINVAL), "number of pages must be non-zero"), nil
	}
	if request_size_div == 0 {
		return tools.ErrorWithCode(log, int(syscall.EINVAL), "request size divisor must be non-zero"), nil
	}
	var sectors_per_page = uint64(page_size / sector_size)
	if request_size_div > sectors_per_page {
		/* a sub-request can never cross a page, so a divisor bigger than a page would let the translator
		   accept a segment it can't place. */
		return tools.ErrorWithCode(log, int(syscall.EINVAL), "request size divisor ", request_size_div,
			" is larger than the number of sectors per page ", sectors_per_page), nil
	}
	if max_hw_sectors == 0 {
		return tools.ErrorWithCode(log, int(syscall.EINVAL), "max hardware sectors must be non-zero"), nil
	}

	var g Geometry
	g.m_sector_size = sector_size
	g.m_page_size = page_size
	g.m_sectors_per_page = sectors_per_page
	g.m_num_pages = num_pages
	g.m_request_size_div = request_size_div
	g.m_max_hw_sectors = max_hw_sectors
	return nil, &g
}

// Default_geometry is the device as it always was: 512 byte sectors, 4k pages, 8192 pages.
func Default_geometry(log *tools.Nixomosetools_logger) *Geometry {
	var _, g = New_geometry(log, DEVICE_SECTOR_SIZE, DEVICE_PAGE_SIZE, DEVICE_NUMBER_OF_PAGES,
		DEVICE_REQUEST_SIZE_DIV, DEVICE_REQ_QU_MAX_HW_SECTORS)
	return g
}

func (this *Geometry) Get_sector_size() uint32 {
	return this.m_sector_size
}

func (this *Geometry) Get_page_size() uint32 {
	return this.m_page_size
}

func (this *Geometry) Get_sectors_per_page() uint64 {
	return this.m_sectors_per_page
}

func (this *Geometry) Get_num_pages() uint64 {
	return this.m_num_pages
}

func (this *Geometry) Get_request_size_div() uint64 {
	return this.m_request_size_div
}

func (this *Geometry) Get_max_hw_sectors() uint64 {
	return this.m_max_hw_sectors
}

func (this *Geometry) Get_total_size() uint64 {
	return this.m_num_pages * uint64(this.m_page_size)
}

// Get_capacity_sectors is what gets announced to the host as the size of the disk.
func (this *Geometry) Get_capacity_sectors() uint64 {
	return this.m_num_pages * this.m_sectors_per_page
}

func (this *Geometry) Page_of(sector uint64) uint64 {
	return sector / this.m_sectors_per_page
}

func (this *Geometry) Offset_in_page(sector uint64) uint32 {
	return uint32(sector%this.m_sectors_per_page) * this.m_sector_size
}

func (this *Geometry) Sectors_left_in_page(sector uint64) uint64 {
	return this.m_sectors_per_page - sector%this.m_sectors_per_page
}

func (this *Geometry) Byte_range(ppn uint64) (outcome Outcome, start uint64, end uint64) {
	/* a page past the end is not an error, the device just ignores it and says so. */
	if ppn >= this.m_num_pages {
		return OUTCOME_CAPACITY_REACHED, 0, 0
	}
	start = ppn * uint64(this.m_page_size)
	return OUTCOME_OK, start, start + uint64(this.m_page_size)
}

func (this *Geometry) Request_size(total_sectors uint64) uint64 {
	/* how many sub-requests the authority is told to expect, at least one, even for a 3 sector request. */
	var size = total_sectors / this.m_request_size_div
	if size == 0 {
		size = 1
	}
	return size
}
