// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

package virtblkiosim_src

import (
	"context"
	"syscall"
	"time"

	"github.com/nixomose/nixomosegotools/tools"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_entry"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/xid"
)

var _ = Describe("Handshake", func() {
	var (
		log   *tools.Nixomosetools_logger
		h     *Handshake
		batch *virtblkiosim_entry.Request_batch
		ctx   context.Context
	)

	BeforeEach(func() {
		log = tools.New_Nixomosetools_logger(tools.INFO)
		h = New_handshake(log)
		ctx = context.Background()
		var ret tools.Ret
		ret, batch = New_translator(log, small_geometry(log), 32).Translate(&Host_request{
			Transf_dir: virtblkiosim_entry.TRANSFER_WRITE, Start_sector: 4, Total_sectors: 8,
			Segments: [][]byte{make([]byte, 4096)}})
		Expect(ret).To(BeNil())
	})

	errcode := func(ret tools.Ret) int {
		Expect(ret).NotTo(BeNil())
		return ret.Get_errcode()
	}

	It("should go all the way round", func() {
		Expect(h.Get_state()).To(Equal(HANDSHAKE_IDLE))
		Expect(h.Post(ctx, batch)).To(BeNil())
		Expect(h.Get_state()).To(Equal(HANDSHAKE_AWAITING_SIZE))

		ret, size := h.Take_size(ctx)
		Expect(ret).To(BeNil())
		Expect(size).To(Equal(uint64(2)))
		Expect(h.Get_state()).To(Equal(HANDSHAKE_AWAITING_SEGMENTS))

		ret, snap := h.Take_block(ctx)
		Expect(ret).To(BeNil())
		Expect(snap.Records).To(HaveLen(2))
		Expect(h.Get_state()).To(Equal(HANDSHAKE_AWAITING_MAPPING))

		snap.Records[0].M_ppn, snap.Records[0].M_ppnx = 7, 8
		snap.Records[1].M_ppn, snap.Records[1].M_ppnx = 9, 10
		Expect(h.Give_mapping(snap)).To(BeNil())
		Expect(h.Get_state()).To(Equal(HANDSHAKE_COMPLETE))

		Expect(h.Await_mapping(ctx)).To(BeNil())
		Expect(h.Get_state()).To(Equal(HANDSHAKE_IDLE))
		Expect(batch.Get_maps()[1].Get_page_map().Get_ppnx()).To(Equal(uint64(10)))
	})

	It("should block get request size while nothing is in flight", func() {
		var got = make(chan tools.Ret, 1)
		go func() {
			var ret, _ = h.Take_size(ctx)
			got <- ret
		}()
		Consistently(got, 50*time.Millisecond).ShouldNot(Receive())

		Expect(h.Post(ctx, batch)).To(BeNil())
		Eventually(got).Should(Receive(BeNil()))
	})

	It("should block get block while nothing is in flight", func() {
		var got = make(chan int, 1)
		go func() {
			var ret, _ = h.Take_block(ctx)
			if ret == nil {
				got <- 0
				return
			}
			got <- ret.Get_errcode()
		}()
		Consistently(got, 50*time.Millisecond).ShouldNot(Receive())

		// once something is posted it wakes up, and it's too early for the block
		Expect(h.Post(ctx, batch)).To(BeNil())
		Eventually(got).Should(Receive(Equal(int(syscall.EPERM))))
	})

	It("should hold the next get request size until the finished mapping is picked up", func() {
		Expect(h.Post(ctx, batch)).To(BeNil())
		_, _ = h.Take_size(ctx)
		_, snap := h.Take_block(ctx)
		Expect(h.Give_mapping(snap)).To(BeNil())
		Expect(h.Get_state()).To(Equal(HANDSHAKE_COMPLETE))

		var got = make(chan tools.Ret, 1)
		go func() {
			var ret, _ = h.Take_size(ctx)
			got <- ret
		}()
		Consistently(got, 50*time.Millisecond).ShouldNot(Receive())

		Expect(h.Await_mapping(ctx)).To(BeNil())
		Consistently(got, 50*time.Millisecond).ShouldNot(Receive())

		Expect(h.Post(ctx, batch)).To(BeNil())
		Eventually(got).Should(Receive(BeNil()))
		Expect(h.Get_state()).To(Equal(HANDSHAKE_AWAITING_SEGMENTS))
	})

	It("should hold get block the same way while a mapping is complete", func() {
		Expect(h.Post(ctx, batch)).To(BeNil())
		_, _ = h.Take_size(ctx)
		_, snap := h.Take_block(ctx)
		Expect(h.Give_mapping(snap)).To(BeNil())

		var got = make(chan tools.Ret, 1)
		go func() {
			var ret, _ = h.Take_block(ctx)
			got <- ret
		}()
		Consistently(got, 50*time.Millisecond).ShouldNot(Receive())
		Expect(h.Await_mapping(ctx)).To(BeNil())
		Expect(h.Post(ctx, batch)).To(BeNil())

		// woken by the post, but the size hasn't been asked for yet
		var ret tools.Ret
		Eventually(got).Should(Receive(&ret))
		Expect(errcode(ret)).To(Equal(int(syscall.EPERM)))
	})

	It("should refuse commands out of order with EPERM", func() {
		Expect(h.Post(ctx, batch)).To(BeNil())

		ret, _ := h.Take_block(ctx)
		Expect(errcode(ret)).To(Equal(int(syscall.EPERM)))
		Expect(errcode(h.Give_mapping(batch.Snapshot()))).To(Equal(int(syscall.EPERM)))
		Expect(h.Get_state()).To(Equal(HANDSHAKE_AWAITING_SIZE))

		ret, _ = h.Take_size(ctx)
		Expect(ret).To(BeNil())
		ret, _ = h.Take_size(ctx)
		Expect(errcode(ret)).To(Equal(int(syscall.EPERM)))
		Expect(h.Get_state()).To(Equal(HANDSHAKE_AWAITING_SEGMENTS))
	})

	It("should refuse a mapping for some other batch", func() {
		Expect(h.Post(ctx, batch)).To(BeNil())
		_, _ = h.Take_size(ctx)
		_, snap := h.Take_block(ctx)

		snap.Header.M_batch_id = [12]byte(xid.New())
		Expect(errcode(h.Give_mapping(snap))).To(Equal(int(syscall.EPERM)))
		Expect(h.Get_state()).To(Equal(HANDSHAKE_AWAITING_MAPPING))

		snap = batch.Snapshot()
		snap.Records[0].M_lpn = 12
		Expect(errcode(h.Give_mapping(snap))).To(Equal(int(syscall.EINVAL)))
		Expect(h.Get_state()).To(Equal(HANDSHAKE_AWAITING_MAPPING))
	})

	It("should not let a second batch in until the first is done", func() {
		Expect(h.Post(ctx, batch)).To(BeNil())
		var second_ctx, cancel = context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		Expect(errcode(h.Post(second_ctx, batch))).To(Equal(int(syscall.ETIMEDOUT)))
		Expect(h.Get_state()).To(Equal(HANDSHAKE_AWAITING_SIZE))
	})

	It("should fail a cancelled wait with EINTR and go back to idle", func() {
		Expect(h.Post(ctx, batch)).To(BeNil())
		var cctx, cancel = context.WithCancel(ctx)
		var got = make(chan tools.Ret, 1)
		go func() { got <- h.Await_mapping(cctx) }()
		cancel()

		var ret tools.Ret
		Eventually(got).Should(Receive(&ret))
		Expect(errcode(ret)).To(Equal(int(syscall.EINTR)))
		Expect(h.Get_state()).To(Equal(HANDSHAKE_IDLE))

		// and the next one can go
		Expect(h.Post(ctx, batch)).To(BeNil())
	})

	It("should fail the waiting request with the abort reason", func() {
		Expect(h.Post(ctx, batch)).To(BeNil())
		_, _ = h.Take_size(ctx)
		Expect(h.Abort(tools.ErrorWithCode(log, int(syscall.EINTR), "gone"))).To(BeTrue())
		Expect(errcode(h.Await_mapping(ctx))).To(Equal(int(syscall.EINTR)))
		Expect(h.Get_state()).To(Equal(HANDSHAKE_IDLE))
		Expect(h.Abort(tools.ErrorWithCode(log, int(syscall.EINTR), "gone again"))).To(BeFalse())
	})
})
