// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

package virtblkiosim_src

import (
	"syscall"

	"github.com/nixomose/nixomosegotools/tools"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_entry"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Translator", func() {
	var (
		log *tools.Nixomosetools_logger
		t   *Translator
	)

	BeforeEach(func() {
		log = tools.New_Nixomosetools_logger(tools.INFO)
		t = New_translator(log, small_geometry(log), 32)
	})

	It("should make one sub-request for one aligned page", func() {
		var seg = fill(0xaa, 4096)
		ret, batch := t.Translate(&Host_request{Transf_dir: virtblkiosim_entry.TRANSFER_WRITE,
			Start_sector: 0, Total_sectors: 8, Segments: [][]byte{seg}})
		Expect(ret).To(BeNil())
		Expect(batch.Len()).To(Equal(1))
		Expect(batch.Get_request_size()).To(Equal(uint64(1)))

		var m = batch.Get_maps()[0]
		Expect(m.Get_page_map().Get_lpn()).To(Equal(uint64(0)))
		Expect(m.Get_start_sector()).To(Equal(uint64(0)))
		Expect(m.Get_num_of_sectors()).To(Equal(uint64(8)))
		Expect(m.Get_page_map().Get_transf_dir()).To(Equal(virtblkiosim_entry.TRANSFER_WRITE))
		Expect(&m.Get_req_buffer()[0]).To(BeIdenticalTo(&seg[0]))
	})

	It("should cut a segment that straddles two pages in two", func() {
		var seg = make([]byte, 4096)
		ret, batch := t.Translate(&Host_request{Transf_dir: virtblkiosim_entry.TRANSFER_READ,
			Start_sector: 4, Total_sectors: 8, Segments: [][]byte{seg}})
		Expect(ret).To(BeNil())
		Expect(batch.Len()).To(Equal(2))
		// the divisor says 1, but there are two slots to fill
		Expect(small_geometry(log).Request_size(8)).To(Equal(uint64(1)))
		Expect(batch.Get_request_size()).To(Equal(uint64(2)))

		var first, second = batch.Get_maps()[0], batch.Get_maps()[1]
		Expect(first.Get_page_map().Get_lpn()).To(Equal(uint64(0)))
		Expect(first.Get_start_sector()).To(Equal(uint64(4)))
		Expect(first.Get_num_of_sectors()).To(Equal(uint64(4)))
		Expect(second.Get_page_map().Get_lpn()).To(Equal(uint64(1)))
		Expect(second.Get_start_sector()).To(Equal(uint64(8)))
		Expect(second.Get_num_of_sectors()).To(Equal(uint64(4)))

		// zero copy, the second slice starts half way into the segment
		Expect(&second.Get_req_buffer()[0]).To(BeIdenticalTo(&seg[2048]))
		Expect(second.Get_buffer_handle()).To(Equal(uint64(2048)))
	})

	It("should say 1 for a three sector request", func() {
		ret, batch := t.Translate(&Host_request{Transf_dir: virtblkiosim_entry.TRANSFER_READ,
			Start_sector: 0, Total_sectors: 3, Segments: [][]byte{make([]byte, 3*512)}})
		Expect(ret).To(BeNil())
		Expect(batch.Get_request_size()).To(Equal(uint64(1)))
	})

	It("should number segments in the buffer handle", func() {
		ret, batch := t.Translate(&Host_request{Transf_dir: virtblkiosim_entry.TRANSFER_WRITE,
			Start_sector: 16, Total_sectors: 24, Segments: [][]byte{make([]byte, 4096), make([]byte, 4096), make([]byte, 4096)}})
		Expect(ret).To(BeNil())
		Expect(batch.Len()).To(Equal(3))
		Expect(batch.Get_request_size()).To(Equal(uint64(3)))
		Expect(batch.Get_maps()[2].Get_buffer_handle()).To(Equal(uint64(2) << 32))
		Expect(batch.Get_maps()[2].Get_page_map().Get_lpn()).To(Equal(uint64(4)))
		Expect(batch.Total_sectors()).To(Equal(uint64(24)))
	})

	It("should refuse a segment bigger than a sub-request with EIO", func() {
		ret, batch := t.Translate(&Host_request{Transf_dir: virtblkiosim_entry.TRANSFER_WRITE,
			Start_sector: 0, Total_sectors: 16, Segments: [][]byte{make([]byte, 8192)}})
		Expect(batch).To(BeNil())
		Expect(ret).NotTo(BeNil())
		Expect(ret.Get_errcode()).To(Equal(int(syscall.EIO)))
	})

	It("should refuse a batch bigger than the slot limit with ENOMEM", func() {
		var small = New_translator(log, small_geometry(log), 2)
		ret, batch := small.Translate(&Host_request{Transf_dir: virtblkiosim_entry.TRANSFER_WRITE,
			Start_sector: 4, Total_sectors: 16, Segments: [][]byte{make([]byte, 4096), make([]byte, 4096)}})
		Expect(batch).To(BeNil())
		Expect(ret).NotTo(BeNil())
		Expect(ret.Get_errcode()).To(Equal(int(syscall.ENOMEM)))
	})

	It("should fail with a consistency error when the segments don't add up", func() {
		ret, batch := t.Translate(&Host_request{Transf_dir: virtblkiosim_entry.TRANSFER_WRITE,
			Start_sector: 0, Total_sectors: 9, Segments: [][]byte{make([]byte, 4096)}})
		Expect(batch).To(BeNil())
		Expect(ret).NotTo(BeNil())
		Expect(ret.Get_errcode()).To(Equal(virtblkiosim_entry.VIRTBLKIOSIM_ERROR_CONSISTENCY))
	})

	It("should never make a sub-request bigger than the divisor or across a page", func() {
		for start := uint64(0); start < 16; start++ {
			ret, batch := t.Translate(&Host_request{Transf_dir: virtblkiosim_entry.TRANSFER_READ,
				Start_sector: start, Total_sectors: 13, Segments: [][]byte{make([]byte, 8*512), make([]byte, 5*512)}})
			Expect(ret).To(BeNil())
			Expect(batch.Total_sectors()).To(Equal(uint64(13)))
			for _, m := range batch.Get_maps() {
				Expect(m.Get_num_of_sectors()).To(BeNumerically("<=", 8))
				Expect(m.Get_num_of_sectors()).To(BeNumerically(">=", 1))
				Expect(m.Get_start_sector()/8).To(Equal((m.Get_start_sector()+m.Get_num_of_sectors()-1)/8))
				Expect(m.Get_page_map().Get_lpn()).To(Equal(m.Get_start_sector() / 8))
			}
		}
	})
})
