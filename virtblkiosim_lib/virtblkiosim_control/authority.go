// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

// package name must match directory name
package virtblkiosim_control

import (
	"context"
	"syscall"

	"github.com/nixomose/nixomosegotools/tools"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_entry"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_interfaces"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_src"
)

/* the mapping authority is whatever answers the device's questions about where pages go.
   this is the loop that does the answering, and a couple of ways of answering. the loop
	 doesn't care if it's talking over the control socket or to a device in the same process. */

type Local_endpoint struct {
	log        *tools.Nixomosetools_logger
	m_commands *virtblkiosim_src.Command_surface
	m_caller   virtblkiosim_src.Caller_id
}

var _ virtblkiosim_interfaces.Authority_endpoint_interface = (*Local_endpoint)(nil)

func New_local_endpoint(l *tools.Nixomosetools_logger, commands *virtblkiosim_src.Command_surface,
	caller virtblkiosim_src.Caller_id) *Local_endpoint {
	var e Local_endpoint
	e.log = l
	e.m_commands = commands
	e.m_caller = caller
	return &e
}

func (this *Local_endpoint) Register_caller(ctx context.Context) tools.Ret {
	return this.m_commands.Register_caller(this.m_caller)
}

func (this *Local_endpoint) Get_request_size(ctx context.Context) (tools.Ret, uint64) {
	return this.m_commands.Get_request_size(ctx, this.m_caller)
}

func (this *Local_endpoint) Get_block(ctx context.Context) (tools.Ret, *virtblkiosim_entry.Batch_snapshot) {
	return this.m_commands.Get_block(ctx, this.m_caller)
}

func (this *Local_endpoint) Set_block(ctx context.Context, snapshot *virtblkiosim_entry.Batch_snapshot) (tools.Ret, int) {
	return this.m_commands.Set_block(ctx, this.m_caller, snapshot, 0)
}

func (this *Local_endpoint) Release(ctx context.Context) tools.Ret {
	if this.m_commands.Release(this.m_caller) == false {
		return tools.ErrorWithCode(this.log, int(syscall.EPERM), "release from ", this.m_caller, " who is not the mapping authority")
	}
	return nil
}

// Identity_remapper sends every page back where it came from.
type Identity_remapper struct{}

func (this Identity_remapper) Remap(rec *virtblkiosim_entry.Request_map_record) {
	rec.M_ppn = rec.M_lpn
	rec.M_ppnx = rec.M_lpn
}

/* the log structured remapper never writes a page in place. every write goes to the next free
   physical page and the old one is given back. a page that's never been written maps to one past
	 the end of the device so it reads as nothing. if there's no free page left the write goes back
	 where it was. */

type Log_structured_remapper struct {
	m_num_pages uint64
	m_table     map[uint64]uint64 // lpn -> ppn
	m_owner     map[uint64]uint64 // ppn -> lpn
	m_next      uint64
}

var _ virtblkiosim_interfaces.Remapper_interface = (*Log_structured_remapper)(nil)
var _ virtblkiosim_interfaces.Remapper_interface = Identity_remapper{}

func New_log_structured_remapper(num_pages uint64) *Log_structured_remapper {
	var l Log_structured_remapper
	l.m_num_pages = num_pages
	l.m_table = make(map[uint64]uint64)
	l.m_owner = make(map[uint64]uint64)
	return &l
}

func (this *Log_structured_remapper) Lookup(lpn uint64) (uint64, bool) {
	var ppn, ok = this.m_table[lpn]
	return ppn, ok
}

func (this *Log_structured_remapper) Get_used_pages() int {
	return len(this.m_owner)
}

func (this *Log_structured_remapper) next_free() (uint64, bool) {
	for lp := uint64(0); lp < this.m_num_pages; lp++ {
		var ppn = (this.m_next + lp) % this.m_num_pages
		if _, used := this.m_owner[ppn]; used == false {
			this.m_next = (ppn + 1) % this.m_num_pages
			return ppn, true
		}
	}
	return 0, false
}

func (this *Log_structured_remapper) Remap(rec *virtblkiosim_entry.Request_map_record) {
	var current, mapped = this.m_table[rec.M_lpn]
	if mapped == false {
		current = this.m_num_pages
	}
	rec.M_ppn = current
	rec.M_ppnx = current
	if virtblkiosim_entry.Transfer_direction(rec.M_transf_dir) == virtblkiosim_entry.TRANSFER_READ {
		return
	}
	if rec.M_lpn >= this.m_num_pages {
		// past the end of the device, it doesn't get a page
		return
	}

	var fresh, ok = this.next_free()
	if ok == false {
		/* full. if it was never written there's nowhere for it to go and it gets capacity reached. */
		return
	}
	rec.M_ppnx = fresh
	if mapped {
		delete(this.m_owner, current)
	}
	this.m_owner[fresh] = rec.M_lpn
	this.m_table[rec.M_lpn] = fresh
}

// Run_authority answers requests until ctx is done or iterations have been answered, zero means forever.
func Run_authority(ctx context.Context, log *tools.Nixomosetools_logger, endpoint virtblkiosim_interfaces.Authority_endpoint_interface,
	remapper virtblkiosim_interfaces.Remapper_interface, iterations int) (tools.Ret, int) {

	if ret := endpoint.Register_caller(ctx); ret != nil {
		return ret, 0
	}
	defer func() {
		if ret := endpoint.Release(context.Background()); ret != nil {
			log.Error("unable to release mapping authority: ", ret.Get_errmsg())
		}
	}()

	var done int
	for iterations == 0 || done < iterations {
		var ret, size = endpoint.Get_request_size(ctx)
		if ret != nil {
			if ctx.Err() != nil {
				return nil, done
			}
			return ret, done
		}
		log.Debug("request size: ", size)

		var snapshot *virtblkiosim_entry.Batch_snapshot
		if ret, snapshot = endpoint.Get_block(ctx); ret != nil {
			if ctx.Err() != nil {
				return nil, done
			}
			return ret, done
		}
		for lp := range snapshot.Records {
			remapper.Remap(&snapshot.Records[lp])
			log.Debug("remap: ", snapshot.Records[lp].M_lpn, " -> ", snapshot.Records[lp].M_ppn, "/", snapshot.Records[lp].M_ppnx)
		}

		var short_bytes int
		if ret, short_bytes = endpoint.Set_block(ctx, snapshot); ret != nil {
			if ctx.Err() != nil {
				return nil, done
			}
			if ret.Get_errcode() != int(syscall.EPERM) {
				return ret, done
			}
			/* the request gave up on us before we answered, there'll be another one. */
			log.Error("warning: answer for batch ", snapshot.Get_batch_id().String(), " was not taken: ", ret.Get_errmsg())
			continue
		}
		if short_bytes > 0 {
			log.Error("warning: set block was short by ", short_bytes, " bytes")
		}
		done++
	}
	return nil, done
}
