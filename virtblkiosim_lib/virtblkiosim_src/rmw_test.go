// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

package virtblkiosim_src

import (
	"syscall"

	"github.com/nixomose/nixomosegotools/tools"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_entry"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_layout"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Memory_store", func() {
	var (
		log   *tools.Nixomosetools_logger
		store *Memory_store
	)

	BeforeEach(func() {
		log = tools.New_Nixomosetools_logger(tools.INFO)
		store = New_memory_store(log, 4096, 4)
		Expect(store.Init()).To(BeNil())
	})

	It("should not move pages before startup", func() {
		Expect(store.Load_page(0, make([]byte, 4096))).NotTo(BeNil())
	})

	It("should not start twice", func() {
		Expect(store.Startup(false)).To(BeNil())
		Expect(store.Startup(false)).NotTo(BeNil())
		Expect(store.Shutdown()).To(BeNil())
		Expect(store.Shutdown()).NotTo(BeNil())
	})

	It("should store and load whole pages", func() {
		Expect(store.Startup(false)).To(BeNil())
		Expect(store.Store_page(3, fill(0x5a, 4096))).To(BeNil())
		var back = make([]byte, 4096)
		Expect(store.Load_page(3, back)).To(BeNil())
		Expect(back).To(Equal(fill(0x5a, 4096)))
		Expect(store.Load_page(2, back)).To(BeNil())
		Expect(back).To(Equal(fill(0, 4096)))

		Expect(store.Wipe()).To(BeNil())
		Expect(store.Load_page(3, back)).To(BeNil())
		Expect(back).To(Equal(fill(0, 4096)))
	})

	It("should refuse pages past the end and buffers that aren't a page", func() {
		Expect(store.Startup(false)).To(BeNil())
		var ret = store.Store_page(4, fill(1, 4096))
		Expect(ret).NotTo(BeNil())
		Expect(ret.Get_errcode()).To(Equal(int(syscall.ERANGE)))

		ret = store.Load_page(0, make([]byte, 512))
		Expect(ret).NotTo(BeNil())
		Expect(ret.Get_errcode()).To(Equal(int(syscall.EINVAL)))
	})
})

var _ = Describe("Rmw_engine", func() {
	var (
		log   *tools.Nixomosetools_logger
		g     *virtblkiosim_layout.Geometry
		store *Memory_store
		rmw   *Rmw_engine
	)

	BeforeEach(func() {
		log = tools.New_Nixomosetools_logger(tools.INFO)
		g = small_geometry(log)
		store = New_memory_store(log, g.Get_page_size(), g.Get_num_pages())
		Expect(store.Init()).To(BeNil())
		Expect(store.Startup(false)).To(BeNil())
		rmw = New_rmw_engine(log, store, g)
	})

	mapped := func(dir virtblkiosim_entry.Transfer_direction, start_sector uint64, count uint64, buf []byte,
		ppn uint64, ppnx uint64) *virtblkiosim_entry.Request_map {
		var pm = virtblkiosim_entry.New_page_map(g.Page_of(start_sector), dir)
		pm.Set_mapping(ppn, ppnx)
		return virtblkiosim_entry.New_request_map(pm, start_sector, count, buf, 0, 0)
	}

	It("should round trip a whole page", func() {
		ret, outcome := rmw.Transfer(mapped(virtblkiosim_entry.TRANSFER_WRITE, 0, 8, fill(0xaa, 4096), 0, 0))
		Expect(ret).To(BeNil())
		Expect(outcome).To(Equal(virtblkiosim_layout.OUTCOME_OK))

		var back = make([]byte, 4096)
		ret, outcome = rmw.Transfer(mapped(virtblkiosim_entry.TRANSFER_READ, 0, 8, back, 0, 0))
		Expect(ret).To(BeNil())
		Expect(outcome).To(Equal(virtblkiosim_layout.OUTCOME_OK))
		Expect(back).To(Equal(fill(0xaa, 4096)))
	})

	It("should keep the bytes a partial write doesn't touch", func() {
		Expect(store.Store_page(2, fill(0x11, 4096))).To(BeNil())

		// sectors 2 and 3 of page 2, moved to page 5
		ret, _ := rmw.Write_request(mapped(virtblkiosim_entry.TRANSFER_WRITE, 18, 2, fill(0x22, 1024), 2, 5))
		Expect(ret).To(BeNil())

		var page = make([]byte, 4096)
		Expect(store.Load_page(5, page)).To(BeNil())
		Expect(page[0:1024]).To(Equal(fill(0x11, 1024)))
		Expect(page[1024:2048]).To(Equal(fill(0x22, 1024)))
		Expect(page[2048:]).To(Equal(fill(0x11, 2048)))

		// the old page is still the old page
		Expect(store.Load_page(2, page)).To(BeNil())
		Expect(page).To(Equal(fill(0x11, 4096)))
	})

	It("should read out just the sectors asked for", func() {
		Expect(store.Store_page(1, append(fill(0x01, 2048), fill(0x02, 2048)...))).To(BeNil())
		var back = make([]byte, 512)
		ret, _ := rmw.Read_request(mapped(virtblkiosim_entry.TRANSFER_READ, 12, 1, back, 1, 0))
		Expect(ret).To(BeNil())
		Expect(back).To(Equal(fill(0x02, 512)))
	})

	It("should report capacity reached and touch nothing on an out of range read", func() {
		Expect(store.Store_page(0, fill(0x33, 4096))).To(BeNil())
		ret, outcome := rmw.Read_page(0)
		Expect(ret).To(BeNil())
		Expect(outcome).To(Equal(virtblkiosim_layout.OUTCOME_OK))

		ret, outcome = rmw.Read_page(g.Get_num_pages())
		Expect(ret).To(BeNil())
		Expect(outcome).To(Equal(virtblkiosim_layout.OUTCOME_CAPACITY_REACHED))
		Expect(rmw.Get_scratch()).To(Equal(fill(0x33, 4096)))

		var buf = fill(0x77, 4096)
		ret, outcome = rmw.Read_request(mapped(virtblkiosim_entry.TRANSFER_READ, 0, 8, buf, 1000, 0))
		Expect(ret).To(BeNil())
		Expect(outcome).To(Equal(virtblkiosim_layout.OUTCOME_CAPACITY_REACHED))
		Expect(buf).To(Equal(fill(0x77, 4096)))
	})

	It("should report capacity reached and touch nothing on an out of range write", func() {
		ret, outcome := rmw.Write_request(mapped(virtblkiosim_entry.TRANSFER_WRITE, 0, 8, fill(0x44, 4096), 0, ^uint64(0)))
		Expect(ret).To(BeNil())
		Expect(outcome).To(Equal(virtblkiosim_layout.OUTCOME_CAPACITY_REACHED))

		var page = make([]byte, 4096)
		for ppn := uint64(0); ppn < g.Get_num_pages(); ppn++ {
			Expect(store.Load_page(ppn, page)).To(BeNil())
			Expect(page).To(Equal(fill(0, 4096)))
		}
	})

	It("should write zeroes around new sectors when the old page isn't there", func() {
		Expect(store.Store_page(0, fill(0x55, 4096))).To(BeNil())
		_, _ = rmw.Read_page(0) // scratch is full of 0x55 now

		ret, outcome := rmw.Write_request(mapped(virtblkiosim_entry.TRANSFER_WRITE, 8, 1, fill(0x66, 512), 9999, 3))
		Expect(ret).To(BeNil())
		Expect(outcome).To(Equal(virtblkiosim_layout.OUTCOME_CAPACITY_REACHED))

		var page = make([]byte, 4096)
		Expect(store.Load_page(3, page)).To(BeNil())
		Expect(page[0:512]).To(Equal(fill(0x66, 512)))
		Expect(page[512:]).To(Equal(fill(0, 4096-512)))
	})

	It("should refuse a sub-request that runs off the end of its page", func() {
		ret, _ := rmw.Transfer(mapped(virtblkiosim_entry.TRANSFER_READ, 6, 4, make([]byte, 2048), 0, 0))
		Expect(ret).NotTo(BeNil())
	})
})
