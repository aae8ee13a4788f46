// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

/* this is the device. it owns the page store, the read-modify-write engine with its scratch page,
   the translator, the handshake and the command surface, there are no globals.
	 host requests go in a channel and one worker takes them out one at a time, cuts them up,
	 asks the mapping authority where everything goes if there is one, and moves the data. */

// package name must match directory name
package virtblkiosim_src

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/nixomose/nixomosegotools/tools"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_entry"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_interfaces"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_layout"
)

type pending_request struct {
	ctx    context.Context
	req    *Host_request
	result chan tools.Ret
}

type noop_tracer struct{}

func (this noop_tracer) Record(rec virtblkiosim_interfaces.Trace_record) {}
func (this noop_tracer) Flush() tools.Ret { return nil }
func (this noop_tracer) Close() tools.Ret { return nil }

type Virtblkiosim struct {
	log  *tools.Nixomosetools_logger
	lock sync.Mutex

	m_geometry   *virtblkiosim_layout.Geometry
	m_store      virtblkiosim_interfaces.Page_store_interface
	m_rmw        virtblkiosim_interfaces.Rmw_interface
	m_translator *Translator
	m_handshake  *Handshake
	m_commands   *Command_surface
	m_tracer     virtblkiosim_interfaces.Trace_interface

	m_mapping_timeout time.Duration // zero means wait forever

	m_started  bool
	m_requests chan *pending_request
	m_stop     context.CancelFunc
	m_done     chan struct{}
}

func New_Virtblkiosim(l *tools.Nixomosetools_logger, geometry *virtblkiosim_layout.Geometry,
	store virtblkiosim_interfaces.Page_store_interface, max_batch_slots int, mapping_timeout time.Duration) *Virtblkiosim {

	var v Virtblkiosim
	v.log = l
	v.m_geometry = geometry
	v.m_store = store
	v.m_rmw = New_rmw_engine(l, store, geometry)
	v.m_translator = New_translator(l, geometry, max_batch_slots)
	v.m_handshake = New_handshake(l)
	v.m_commands = New_command_surface(l, v.m_handshake)
	v.m_tracer = noop_tracer{}
	v.m_mapping_timeout = mapping_timeout
	return &v
}

func (this *Virtblkiosim) Get_logger() *tools.Nixomosetools_logger {
	return this.log
}

func (this *Virtblkiosim) Get_geometry() *virtblkiosim_layout.Geometry {
	return this.m_geometry
}

func (this *Virtblkiosim) Get_commands() *Command_surface {
	return this.m_commands
}

func (this *Virtblkiosim) Get_handshake() *Handshake {
	return this.m_handshake
}

// Set_tracer has to happen before startup.
func (this *Virtblkiosim) Set_tracer(tracer virtblkiosim_interfaces.Trace_interface) {
	if tracer == nil {
		tracer = noop_tracer{}
	}
	this.m_tracer = tracer
}

func (this *Virtblkiosim) Get_capacity_sectors() uint64 {
	return this.m_geometry.Get_capacity_sectors()
}

func (this *Virtblkiosim) Startup() tools.Ret {
	this.lock.Lock()
	defer this.lock.Unlock()
	if this.m_started {
		return tools.Error(this.log, "device has already been started up, not starting again")
	}
	if ret := this.m_store.Init(); ret != nil {
		return ret
	}
	if ret := this.m_store.Startup(false); ret != nil {
		return ret
	}
	var ret, total_pages = this.m_store.Get_total_pages()
	if ret != nil {
		return ret
	}
	if total_pages != this.m_geometry.Get_num_pages() {
		return tools.ErrorWithCode(this.log, int(syscall.EINVAL), "page store has ", total_pages,
			" pages, the device geometry says ", this.m_geometry.Get_num_pages())
	}

	var ctx context.Context
	ctx, this.m_stop = context.WithCancel(context.Background())
	this.m_requests = make(chan *pending_request)
	this.m_done = make(chan struct{})
	go this.worker(ctx)
	this.m_started = true

	this.log.Info("virtblkiosim started, capacity ", this.Get_capacity_sectors(), " sectors of ",
		this.m_geometry.Get_sector_size(), " bytes, ", this.m_geometry.Get_num_pages(), " pages")
	return nil
}

func (this *Virtblkiosim) Shutdown() tools.Ret {
	this.lock.Lock()
	defer this.lock.Unlock()
	if this.m_started == false {
		return tools.Error(this.log, "device hasn't been started, can't be shut down")
	}
	this.m_started = false
	this.m_stop()
	<-this.m_done

	if caller, registered := this.m_commands.Get_caller(); registered {
		this.m_commands.Release(caller)
	}
	var ret = this.m_tracer.Flush()
	if ret2 := this.m_store.Shutdown(); ret2 != nil {
		ret = ret2
	}
	this.log.Info("virtblkiosim shut down")
	return ret
}

func (this *Virtblkiosim) Open(tag string) tools.Ret {
	if tag == "" {
		return tools.ErrorWithCode(this.log, int(syscall.ENXIO), "open device with tag: N/A")
	}
	this.log.Info("open device with tag: ", tag)
	return nil
}

func (this *Virtblkiosim) Release(caller Caller_id) {
	if this.m_commands.Release(caller) {
		this.log.Info("release device, mapping authority ", caller, " unregistered")
		return
	}
	this.log.Debug("release device from ", caller)
}

func (this *Virtblkiosim) Submit(ctx context.Context, req *Host_request) tools.Ret {
	if req.Total_sectors > this.m_geometry.Get_max_hw_sectors() {
		return tools.ErrorWithCode(this.log, int(syscall.EINVAL), "request for ", req.Total_sectors,
			" sectors is more than the device maximum of ", this.m_geometry.Get_max_hw_sectors())
	}

	this.lock.Lock()
	if this.m_started == false {
		this.lock.Unlock()
		return tools.ErrorWithCode(this.log, int(syscall.EIO), "device isn't started")
	}
	var requests = this.m_requests
	var done = this.m_done
	this.lock.Unlock()

	var p = pending_request{ctx: ctx, req: req, result: make(chan tools.Ret, 1)}
	select {
	case requests <- &p:
	case <-ctx.Done():
		return tools.ErrorWithCode(this.log, int(syscall.EINTR), "interrupted waiting to submit request")
	case <-done:
		return tools.ErrorWithCode(this.log, int(syscall.EIO), "device shut down before the request was taken")
	}
	return <-p.result
}

func (this *Virtblkiosim) segment(buf []byte) [][]byte {
	/* cut a flat buffer up the way the block layer would, in chunks a sub-request can hold. */
	var seg_len = int(this.m_geometry.Get_request_size_div()) * int(this.m_geometry.Get_sector_size())
	var segments = make([][]byte, 0, (len(buf)+seg_len-1)/seg_len)
	for pos := 0; pos < len(buf); pos += seg_len {
		var end = tools.Minint(pos+seg_len, len(buf))
		segments = append(segments, buf[pos:end:end])
	}
	return segments
}

func (this *Virtblkiosim) host_request(transf_dir virtblkiosim_entry.Transfer_direction, start_sector uint64,
	buf []byte) (tools.Ret, *Host_request) {
	if len(buf)%int(this.m_geometry.Get_sector_size()) != 0 {
		return tools.ErrorWithCode(this.log, int(syscall.EINVAL), "buffer of ", len(buf),
			" bytes is not a whole number of sectors"), nil
	}
	var req Host_request
	req.Transf_dir = transf_dir
	req.Start_sector = start_sector
	req.Total_sectors = uint64(len(buf)) / uint64(this.m_geometry.Get_sector_size())
	req.Segments = this.segment(buf)
	return nil, &req
}

func (this *Virtblkiosim) Read(ctx context.Context, start_sector uint64, buf []byte) tools.Ret {
	var ret, req = this.host_request(virtblkiosim_entry.TRANSFER_READ, start_sector, buf)
	if ret != nil {
		return ret
	}
	return this.Submit(ctx, req)
}

func (this *Virtblkiosim) Write(ctx context.Context, start_sector uint64, buf []byte) tools.Ret {
	var ret, req = this.host_request(virtblkiosim_entry.TRANSFER_WRITE, start_sector, buf)
	if ret != nil {
		return ret
	}
	return this.Submit(ctx, req)
}

func (this *Virtblkiosim) worker(ctx context.Context) {
	defer close(this.m_done)
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-this.m_requests:
			/* the request is interrupted if whoever sent it gives up or if the device is going away. */
			var rctx, cancel = context.WithCancel(p.ctx)
			var stop = context.AfterFunc(ctx, cancel)
			p.result <- this.process(rctx, p.req)
			stop()
			cancel()
		}
	}
}

func (this *Virtblkiosim) process(ctx context.Context, req *Host_request) tools.Ret {
	var ret, batch = this.m_translator.Translate(req)
	if ret != nil {
		return ret
	}

	var wctx = ctx
	if this.m_mapping_timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, this.m_mapping_timeout)
		defer cancel()
	}

	var handshaked bool
	if ret, handshaked = this.m_commands.Begin_request(wctx, batch); ret != nil {
		return ret
	}
	if handshaked {
		if ret = this.m_handshake.Await_mapping(wctx); ret != nil {
			return ret
		}
	} else {
		batch.Set_identity()
	}

	var outcome = virtblkiosim_layout.OUTCOME_OK
	for _, m := range batch.Get_maps() {
		var o virtblkiosim_layout.Outcome
		ret, o = this.m_rmw.Transfer(m)
		this.trace(batch, m, o, ret)
		if ret != nil {
			return ret
		}
		outcome = outcome.Combine(o)
	}
	if outcome != virtblkiosim_layout.OUTCOME_OK {
		this.log.Info(req.Transf_dir.String(), " of ", req.Total_sectors, " sectors at ", req.Start_sector,
			" completed with ", outcome.String())
	}
	return nil
}

func (this *Virtblkiosim) trace(batch *virtblkiosim_entry.Request_batch, m *virtblkiosim_entry.Request_map,
	outcome virtblkiosim_layout.Outcome, ret tools.Ret) {
	var rec virtblkiosim_interfaces.Trace_record
	rec.Request_id = batch.Get_batch_id().String()
	rec.Direction = int32(m.Get_page_map().Get_transf_dir())
	rec.Lpn = m.Get_page_map().Get_lpn()
	rec.Ppn = m.Get_page_map().Get_ppn()
	rec.Ppnx = m.Get_page_map().Get_ppnx()
	rec.Start_sector = m.Get_start_sector()
	rec.Num_of_sectors = m.Get_num_of_sectors()
	rec.Outcome = outcome.String()
	if ret != nil {
		rec.Errcode = ret.Get_errcode()
	}
	rec.When = time.Now()
	this.m_tracer.Record(rec)
}
