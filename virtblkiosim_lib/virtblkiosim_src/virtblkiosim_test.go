// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

package virtblkiosim_src

import (
	"context"
	"syscall"
	"time"

	"github.com/nixomose/nixomosegotools/tools"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_entry"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_interfaces"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_layout"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
)

// authority answers every batch with whatever remap says, until ctx is done.
func authority(ctx context.Context, cmds *Command_surface, caller Caller_id,
	remap func(rec *virtblkiosim_entry.Request_map_record)) {
	for {
		var ret, _ = cmds.Get_request_size(ctx, caller)
		if ret != nil {
			return
		}
		var snap *virtblkiosim_entry.Batch_snapshot
		if ret, snap = cmds.Get_block(ctx, caller); ret != nil {
			return
		}
		for lp := range snap.Records {
			remap(&snap.Records[lp])
		}
		if ret, _ = cmds.Set_block(ctx, caller, snap, 0); ret != nil {
			return
		}
	}
}

func identity(rec *virtblkiosim_entry.Request_map_record) {
	rec.M_ppn = rec.M_lpn
	rec.M_ppnx = rec.M_lpn
}

var _ = Describe("Virtblkiosim", func() {
	var (
		log    *tools.Nixomosetools_logger
		g      *virtblkiosim_layout.Geometry
		store  *Memory_store
		v      *Virtblkiosim
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		log = tools.New_Nixomosetools_logger(tools.INFO)
		g = small_geometry(log)
		store = New_memory_store(log, g.Get_page_size(), g.Get_num_pages())
		v = New_Virtblkiosim(log, g, store, 64, 0)
		Expect(v.Startup()).To(BeNil())
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
		Expect(v.Shutdown()).To(BeNil())
	})

	Context("with no mapping authority", func() {
		It("should map everything to itself", func() {
			Expect(v.Write(ctx, 0, fill(0xaa, 4096))).To(BeNil())

			var page = make([]byte, 4096)
			Expect(store.Load_page(0, page)).To(BeNil())
			Expect(page).To(Equal(fill(0xaa, 4096)))

			var back = make([]byte, 4096)
			Expect(v.Read(ctx, 0, back)).To(BeNil())
			Expect(back).To(Equal(fill(0xaa, 4096)))
		})

		It("should keep the sectors around a partial write", func() {
			Expect(v.Write(ctx, 0, fill(0x11, 2*4096))).To(BeNil())
			Expect(v.Write(ctx, 4, fill(0x22, 4096))).To(BeNil())

			var back = make([]byte, 2*4096)
			Expect(v.Read(ctx, 0, back)).To(BeNil())
			Expect(back[0:2048]).To(Equal(fill(0x11, 2048)))
			Expect(back[2048:6144]).To(Equal(fill(0x22, 4096)))
			Expect(back[6144:]).To(Equal(fill(0x11, 2048)))
		})

		It("should succeed past the end of the device without touching anything", func() {
			var end = g.Get_capacity_sectors()
			Expect(v.Write(ctx, end, fill(0x99, 4096))).To(BeNil())
			var back = fill(0x42, 4096)
			Expect(v.Read(ctx, end, back)).To(BeNil())
			Expect(back).To(Equal(fill(0x42, 4096)))
		})
	})

	Context("with a mapping authority", func() {
		It("should round trip through the identity mapping", func() {
			Expect(v.Get_commands().Register_caller(1)).To(BeNil())
			go authority(ctx, v.Get_commands(), 1, identity)

			Expect(v.Write(ctx, 0, fill(0xaa, 4096))).To(BeNil())
			var back = make([]byte, 4096)
			Expect(v.Read(ctx, 0, back)).To(BeNil())
			Expect(back).To(Equal(fill(0xaa, 4096)))
		})

		It("should keep answering one request after another", func() {
			Expect(v.Get_commands().Register_caller(1)).To(BeNil())
			var answered = make(chan uint64, 16)
			go authority(ctx, v.Get_commands(), 1, func(rec *virtblkiosim_entry.Request_map_record) {
				identity(rec)
				answered <- rec.M_lpn
			})

			for lp := 0; lp < 4; lp++ {
				Expect(v.Write(ctx, uint64(lp*8), fill(byte(0x10+lp), 4096))).To(BeNil())
			}
			var back = make([]byte, 4096)
			for lp := 0; lp < 4; lp++ {
				Expect(v.Read(ctx, uint64(lp*8), back)).To(BeNil())
				Expect(back).To(Equal(fill(byte(0x10+lp), 4096)))
			}
			Expect(answered).To(HaveLen(8))
		})

		It("should put pages where the authority says", func() {
			Expect(v.Get_commands().Register_caller(1)).To(BeNil())
			go authority(ctx, v.Get_commands(), 1, func(rec *virtblkiosim_entry.Request_map_record) {
				rec.M_ppn = rec.M_lpn + 8
				rec.M_ppnx = rec.M_lpn + 8
			})

			Expect(v.Write(ctx, 0, fill(0xbb, 4096))).To(BeNil())
			var page = make([]byte, 4096)
			Expect(store.Load_page(8, page)).To(BeNil())
			Expect(page).To(Equal(fill(0xbb, 4096)))
			Expect(store.Load_page(0, page)).To(BeNil())
			Expect(page).To(Equal(fill(0, 4096)))

			var back = make([]byte, 4096)
			Expect(v.Read(ctx, 0, back)).To(BeNil())
			Expect(back).To(Equal(fill(0xbb, 4096)))
		})

		It("should apply a short set block and map the rest to itself", func() {
			var cmds = v.Get_commands()
			Expect(cmds.Register_caller(1)).To(BeNil())
			var shorts = make(chan int, 1)
			go func() {
				defer GinkgoRecover()
				var ret, _ = cmds.Get_request_size(ctx, 1)
				Expect(ret).To(BeNil())
				var snap *virtblkiosim_entry.Batch_snapshot
				ret, snap = cmds.Get_block(ctx, 1)
				Expect(ret).To(BeNil())
				snap.Records[0].M_ppn, snap.Records[0].M_ppnx = 0, 10
				var bs []byte
				ret, bs = snap.Serialize(log)
				Expect(ret).To(BeNil())
				var short int
				ret, short = cmds.Set_block_bytes(ctx, 1, bs[0:len(bs)-10])
				Expect(ret).To(BeNil())
				shorts <- short
			}()

			// sectors 4 through 11, two slots
			Expect(v.Write(ctx, 4, fill(0xcc, 4096))).To(BeNil())
			Eventually(shorts).Should(Receive(Equal(10)))

			var page = make([]byte, 4096)
			Expect(store.Load_page(10, page)).To(BeNil())
			Expect(page[2048:]).To(Equal(fill(0xcc, 2048)))
			Expect(store.Load_page(1, page)).To(BeNil())
			Expect(page[0:2048]).To(Equal(fill(0xcc, 2048)))
		})

		It("should fail the request in flight when the authority releases", func() {
			Expect(v.Get_commands().Register_caller(1)).To(BeNil())
			var got = make(chan tools.Ret, 1)
			go func() { got <- v.Write(ctx, 0, fill(1, 4096)) }()
			Eventually(v.Get_handshake().Get_state).Should(Equal(HANDSHAKE_AWAITING_SIZE))

			v.Release(1)
			var ret tools.Ret
			Eventually(got).Should(Receive(&ret))
			Expect(ret).NotTo(BeNil())
			Expect(ret.Get_errcode()).To(Equal(int(syscall.EINTR)))

			// and now nobody is asked
			Expect(v.Get_commands().Is_registered()).To(BeFalse())
			Expect(v.Write(ctx, 0, fill(2, 4096))).To(BeNil())
		})

		It("should let only one authority in", func() {
			var cmds = v.Get_commands()
			Expect(cmds.Register_caller(1)).To(BeNil())
			Expect(cmds.Register_caller(1)).To(BeNil())
			var ret = cmds.Register_caller(2)
			Expect(ret).NotTo(BeNil())
			Expect(ret.Get_errcode()).To(Equal(int(syscall.EPERM)))

			ret, _ = cmds.Get_request_size(ctx, 2)
			Expect(ret).NotTo(BeNil())
			Expect(ret.Get_errcode()).To(Equal(int(syscall.EPERM)))

			Expect(cmds.Release(2)).To(BeFalse())
			Expect(cmds.Release(1)).To(BeTrue())
			Expect(cmds.Register_caller(2)).To(BeNil())
		})
	})

	It("should refuse a request bigger than the hardware allows", func() {
		var ret = v.Submit(ctx, &Host_request{Transf_dir: virtblkiosim_entry.TRANSFER_READ, Start_sector: 0,
			Total_sectors: g.Get_max_hw_sectors() + 1})
		Expect(ret).NotTo(BeNil())
		Expect(ret.Get_errcode()).To(Equal(int(syscall.EINVAL)))
	})

	It("should only open with a tag", func() {
		Expect(v.Open("virtblkiosim")).To(BeNil())
		var ret = v.Open("")
		Expect(ret).NotTo(BeNil())
		Expect(ret.Get_errcode()).To(Equal(int(syscall.ENXIO)))
	})
})

var _ = Describe("Virtblkiosim with a mapping timeout", func() {
	It("should time out a request nobody answers and carry on", func() {
		var log = tools.New_Nixomosetools_logger(tools.INFO)
		var g = small_geometry(log)
		var v = New_Virtblkiosim(log, g, New_memory_store(log, g.Get_page_size(), g.Get_num_pages()), 64, 50*time.Millisecond)
		Expect(v.Startup()).To(BeNil())
		defer v.Shutdown()

		Expect(v.Get_commands().Register_caller(1)).To(BeNil())
		var ret = v.Write(context.Background(), 0, fill(1, 4096))
		Expect(ret).NotTo(BeNil())
		Expect(ret.Get_errcode()).To(Equal(int(syscall.ETIMEDOUT)))
		Expect(v.Get_handshake().Get_state()).To(Equal(HANDSHAKE_IDLE))
	})
})

var _ = Describe("Virtblkiosim with mocks", func() {
	var (
		log      *tools.Nixomosetools_logger
		mockCtrl *gomock.Controller
		store    *MockPage_store_interface
		tracer   *MockTrace_interface
		v        *Virtblkiosim
	)

	BeforeEach(func() {
		log = tools.New_Nixomosetools_logger(tools.INFO)
		mockCtrl = gomock.NewController(GinkgoT())
		store = NewMockPage_store_interface(mockCtrl)
		tracer = NewMockTrace_interface(mockCtrl)

		var g = small_geometry(log)
		store.EXPECT().Init().Return(nil)
		store.EXPECT().Startup(false).Return(nil)
		store.EXPECT().Get_total_pages().Return(nil, g.Get_num_pages())
		v = New_Virtblkiosim(log, g, store, 64, 0)
		v.Set_tracer(tracer)
		Expect(v.Startup()).To(BeNil())
	})

	AfterEach(func() {
		store.EXPECT().Shutdown().Return(nil)
		tracer.EXPECT().Flush().Return(nil)
		Expect(v.Shutdown()).To(BeNil())
		mockCtrl.Finish()
	})

	It("should not touch a page when the sectors don't add up", func() {
		var ret = v.Submit(context.Background(), &Host_request{Transf_dir: virtblkiosim_entry.TRANSFER_WRITE,
			Start_sector: 0, Total_sectors: 9, Segments: [][]byte{make([]byte, 4096)}})
		Expect(ret).NotTo(BeNil())
		Expect(ret.Get_errcode()).To(Equal(virtblkiosim_entry.VIRTBLKIOSIM_ERROR_CONSISTENCY))
	})

	It("should not touch a page when a segment is too big", func() {
		var ret = v.Submit(context.Background(), &Host_request{Transf_dir: virtblkiosim_entry.TRANSFER_WRITE,
			Start_sector: 0, Total_sectors: 16, Segments: [][]byte{make([]byte, 8192)}})
		Expect(ret).NotTo(BeNil())
		Expect(ret.Get_errcode()).To(Equal(int(syscall.EIO)))
	})

	It("should read the old page before writing the new one and trace each sub-request", func() {
		gomock.InOrder(
			store.EXPECT().Load_page(uint64(0), gomock.Any()).Return(nil),
			store.EXPECT().Store_page(uint64(0), gomock.Any()).Return(nil),
			store.EXPECT().Load_page(uint64(1), gomock.Any()).Return(nil),
			store.EXPECT().Store_page(uint64(1), gomock.Any()).Return(nil),
		)
		var records []virtblkiosim_interfaces.Trace_record
		tracer.EXPECT().Record(gomock.Any()).Times(2).Do(func(rec virtblkiosim_interfaces.Trace_record) {
			records = append(records, rec)
		})

		Expect(v.Write(context.Background(), 4, make([]byte, 4096))).To(BeNil())
		Expect(records).To(HaveLen(2))
		Expect(records[1].Lpn).To(Equal(uint64(1)))
		Expect(records[1].Start_sector).To(Equal(uint64(8)))
		Expect(records[1].Outcome).To(Equal("ok"))
		Expect(records[0].Request_id).To(Equal(records[1].Request_id))
	})

	It("should fail the request when the store fails", func() {
		store.EXPECT().Load_page(uint64(0), gomock.Any()).Return(tools.ErrorWithCode(log, int(syscall.EIO), "bad page"))
		tracer.EXPECT().Record(gomock.Any())
		var ret = v.Read(context.Background(), 0, make([]byte, 4096))
		Expect(ret).NotTo(BeNil())
		Expect(ret.Get_errcode()).To(Equal(int(syscall.EIO)))
	})
})

var _ = Describe("Virtblkiosim lifecycle", func() {
	It("should refuse requests when it isn't running", func() {
		var log = tools.New_Nixomosetools_logger(tools.INFO)
		var g = small_geometry(log)
		var v = New_Virtblkiosim(log, g, New_memory_store(log, g.Get_page_size(), g.Get_num_pages()), 64, 0)

		var ret = v.Read(context.Background(), 0, make([]byte, 512))
		Expect(ret).NotTo(BeNil())
		Expect(ret.Get_errcode()).To(Equal(int(syscall.EIO)))

		Expect(v.Startup()).To(BeNil())
		Expect(v.Startup()).NotTo(BeNil())
		Expect(v.Shutdown()).To(BeNil())
		Expect(v.Shutdown()).NotTo(BeNil())

		ret = v.Read(context.Background(), 0, make([]byte, 512))
		Expect(ret).NotTo(BeNil())
		Expect(ret.Get_errcode()).To(Equal(int(syscall.EIO)))
	})
})
