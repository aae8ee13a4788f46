// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

// package name must match directory name
package virtblkiosim_src

import (
	"context"
	"sync"
	"syscall"

	"github.com/nixomose/nixomosegotools/tools"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_entry"
)

/* the command surface is what the mapping authority talks to. there's only ever one authority,
   whoever registers first, and until they release nobody else gets to say anything. */

type Caller_id uint64 // the authority's pid, or anything unique if it's in-process

type Command_surface struct {
	log  *tools.Nixomosetools_logger
	lock sync.Mutex

	m_registered bool
	m_caller     Caller_id
	m_handshake  *Handshake
}

func New_command_surface(l *tools.Nixomosetools_logger, handshake *Handshake) *Command_surface {
	var c Command_surface
	c.log = l
	c.m_handshake = handshake
	return &c
}

func (this *Command_surface) Register_caller(caller Caller_id) tools.Ret {
	this.log.Debug("===> REG_USER_CALLER: ", caller)
	this.lock.Lock()
	defer this.lock.Unlock()
	if this.m_registered {
		if this.m_caller == caller {
			return nil
		}
		return tools.ErrorWithCode(this.log, int(syscall.EPERM), "caller ", caller, " can't register, ",
			this.m_caller, " is already the mapping authority")
	}
	this.m_registered = true
	this.m_caller = caller
	this.log.Info("mapping authority registered: ", caller)
	return nil
}

func (this *Command_surface) Release(caller Caller_id) bool {
	/* returns true if caller was the authority and isn't anymore. */
	this.lock.Lock()
	if this.m_registered == false || this.m_caller != caller {
		this.lock.Unlock()
		return false
	}
	this.m_registered = false
	this.m_caller = 0
	this.lock.Unlock()

	this.log.Info("mapping authority released: ", caller)
	if this.m_handshake.Get_state() != HANDSHAKE_IDLE {
		this.m_handshake.Abort(tools.ErrorWithCode(this.log, int(syscall.EINTR), "mapping authority ", caller,
			" released in the middle of a request"))
	}
	return true
}

func (this *Command_surface) Begin_request(ctx context.Context, batch *virtblkiosim_entry.Request_batch) (tools.Ret, bool) {
	/* post the batch if there's somebody to answer it. returns false if there isn't, and then the
	   batch gets the identity mapping. holding the lock while posting means a release either
		 happens before and we don't post, or happens after and aborts what we posted. */
	this.lock.Lock()
	defer this.lock.Unlock()
	if this.m_registered == false {
		return nil, false
	}
	if ret := this.m_handshake.Post(ctx, batch); ret != nil {
		return ret, true
	}
	return nil, true
}

func (this *Command_surface) Is_registered() bool {
	this.lock.Lock()
	defer this.lock.Unlock()
	return this.m_registered
}

func (this *Command_surface) Get_caller() (Caller_id, bool) {
	this.lock.Lock()
	defer this.lock.Unlock()
	return this.m_caller, this.m_registered
}

func (this *Command_surface) check(caller Caller_id, command string) tools.Ret {
	this.lock.Lock()
	defer this.lock.Unlock()
	if this.m_registered == false {
		return tools.ErrorWithCode(this.log, int(syscall.EPERM), command, " from ", caller,
			" but there is no registered mapping authority")
	}
	if this.m_caller != caller {
		return tools.ErrorWithCode(this.log, int(syscall.EPERM), command, " from ", caller,
			" but the mapping authority is ", this.m_caller)
	}
	return nil
}

/* Get_request_size waits for a request and says how many sub-requests to expect. that's the geometry's
   Request_size of the total sectors or the number of sub-requests the request was cut into, whichever
   is bigger, so a request that straddles pages can be told more than Request_size alone would say. */
func (this *Command_surface) Get_request_size(ctx context.Context, caller Caller_id) (tools.Ret, uint64) {
	this.log.Debug("===> GET_REQUEST_SIZE: ", caller)
	if ret := this.check(caller, "get request size"); ret != nil {
		return ret, 0
	}
	return this.m_handshake.Take_size(ctx)
}

func (this *Command_surface) Get_block(ctx context.Context, caller Caller_id) (tools.Ret, *virtblkiosim_entry.Batch_snapshot) {
	this.log.Debug("===> GET_BLOCK: ", caller)
	if ret := this.check(caller, "get block"); ret != nil {
		return ret, nil
	}
	return this.m_handshake.Take_block(ctx)
}

func (this *Command_surface) Set_block(ctx context.Context, caller Caller_id, snapshot *virtblkiosim_entry.Batch_snapshot,
	short_bytes int) (tools.Ret, int) {
	/* short_bytes is how much of the payload didn't make it. the records that did are applied and the
	   rest keep the identity mapping, and the shortfall goes back to the caller so they know. */
	this.log.Debug("===> SET_BLOCK: ", caller)
	if ret := this.check(caller, "set block"); ret != nil {
		return ret, 0
	}
	if ctx.Err() != nil {
		return tools.ErrorWithCode(this.log, int(syscall.EINTR), "set block from ", caller, " was interrupted"), 0
	}
	if ret := this.m_handshake.Give_mapping(snapshot); ret != nil {
		return ret, 0
	}
	if short_bytes > 0 {
		this.log.Error("warning: set block from ", caller, " was short by ", short_bytes, " bytes, ",
			int(snapshot.Header.M_record_count)-len(snapshot.Records), " sub-requests get the identity mapping")
	}
	return nil, short_bytes
}

func (this *Command_surface) Set_block_bytes(ctx context.Context, caller Caller_id, data []byte) (tools.Ret, int) {
	var ret, snapshot, short_bytes = virtblkiosim_entry.Deserialize_batch(this.log, data)
	if ret != nil {
		return ret, 0
	}
	return this.Set_block(ctx, caller, snapshot, short_bytes)
}
