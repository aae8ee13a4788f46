// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

/* the handshake is the rendezvous between the request worker and the mapping authority.
   the worker posts a batch and waits, the authority takes the size, then the block, then
	 gives back the mapping, and the worker carries on. it used to be three flags and three
	 wait queues, now it's one state and everybody waits for it to change.
	 the changed channel is closed and replaced every time the state moves, so anybody waiting
	 can wait on it and their context at the same time. */

// package name must match directory name
package virtblkiosim_src

import (
	"context"
	"errors"
	"sync"
	"syscall"

	"github.com/nixomose/nixomosegotools/tools"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_entry"
)

type Handshake_state int

const (
	HANDSHAKE_IDLE              Handshake_state = iota // nothing in flight
	HANDSHAKE_AWAITING_SIZE                            // batch posted, size ready
	HANDSHAKE_AWAITING_SEGMENTS                        // size taken, segments ready
	HANDSHAKE_AWAITING_MAPPING                         // block taken, waiting for the authority to answer
	HANDSHAKE_COMPLETE                                 // mapping applied, worker hasn't picked it up yet
)

func (this Handshake_state) String() string {
	switch this {
	case HANDSHAKE_IDLE:
		return "idle"
	case HANDSHAKE_AWAITING_SIZE:
		return "awaiting size"
	case HANDSHAKE_AWAITING_SEGMENTS:
		return "awaiting segments"
	case HANDSHAKE_AWAITING_MAPPING:
		return "awaiting mapping"
	case HANDSHAKE_COMPLETE:
		return "complete"
	}
	return "unknown"
}

type Handshake struct {
	log  *tools.Nixomosetools_logger
	lock sync.Mutex

	state        Handshake_state
	batch        *virtblkiosim_entry.Request_batch
	abort_reason tools.Ret
	changed      chan struct{}
}

func New_handshake(l *tools.Nixomosetools_logger) *Handshake {
	var h Handshake
	h.log = l
	h.state = HANDSHAKE_IDLE
	h.changed = make(chan struct{})
	return &h
}

func (this *Handshake) Get_state() Handshake_state {
	this.lock.Lock()
	defer this.lock.Unlock()
	return this.state
}

// must hold the lock
func (this *Handshake) set_state(state Handshake_state) {
	this.log.Debug("handshake ", this.state.String(), " -> ", state.String())
	this.state = state
	close(this.changed)
	this.changed = make(chan struct{})
}

func (this *Handshake) cancelled(ctx context.Context, what string) tools.Ret {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return tools.ErrorWithCode(this.log, int(syscall.ETIMEDOUT), "timed out waiting to ", what)
	}
	return tools.ErrorWithCode(this.log, int(syscall.EINTR), "interrupted waiting to ", what)
}

// wait_while must be called with the lock held, and returns with it held unless it returns an error.
func (this *Handshake) wait_while(ctx context.Context, what string, blocked func() bool) tools.Ret {
	for blocked() {
		var ch = this.changed
		this.lock.Unlock()
		select {
		case <-ctx.Done():
			return this.cancelled(ctx, what)
		case <-ch:
		}
		this.lock.Lock()
	}
	return nil
}

/* a finished mapping that the requester hasn't picked up yet is not new work,
   the authority waits for the next post rather than being refused. called with the lock held. */
func (this *Handshake) nothing_to_map() bool {
	return this.state == HANDSHAKE_IDLE || this.state == HANDSHAKE_COMPLETE
}

func (this *Handshake) Post(ctx context.Context, batch *virtblkiosim_entry.Request_batch) tools.Ret {
	this.lock.Lock()
	if ret := this.wait_while(ctx, "post a batch", func() bool { return this.state != HANDSHAKE_IDLE }); ret != nil {
		return ret
	}
	defer this.lock.Unlock()
	this.batch = batch
	this.abort_reason = nil
	this.set_state(HANDSHAKE_AWAITING_SIZE)
	return nil
}

func (this *Handshake) Take_size(ctx context.Context) (tools.Ret, uint64) {
	this.lock.Lock()
	if ret := this.wait_while(ctx, "get the request size", this.nothing_to_map); ret != nil {
		return ret, 0
	}
	defer this.lock.Unlock()
	if this.state != HANDSHAKE_AWAITING_SIZE {
		return tools.ErrorWithCode(this.log, int(syscall.EPERM), "get request size is out of order, handshake is ",
			this.state.String()), 0
	}
	var size = this.batch.Get_request_size()
	this.set_state(HANDSHAKE_AWAITING_SEGMENTS)
	return nil, size
}

func (this *Handshake) Take_block(ctx context.Context) (tools.Ret, *virtblkiosim_entry.Batch_snapshot) {
	this.lock.Lock()
	if ret := this.wait_while(ctx, "get the block", this.nothing_to_map); ret != nil {
		return ret, nil
	}
	defer this.lock.Unlock()
	if this.state != HANDSHAKE_AWAITING_SEGMENTS {
		return tools.ErrorWithCode(this.log, int(syscall.EPERM), "get block is out of order, handshake is ",
			this.state.String()), nil
	}
	var snapshot = this.batch.Snapshot()
	this.set_state(HANDSHAKE_AWAITING_MAPPING)
	return nil, snapshot
}

func (this *Handshake) Give_mapping(snapshot *virtblkiosim_entry.Batch_snapshot) tools.Ret {
	this.lock.Lock()
	defer this.lock.Unlock()
	if this.state != HANDSHAKE_AWAITING_MAPPING {
		return tools.ErrorWithCode(this.log, int(syscall.EPERM), "set block is out of order, handshake is ",
			this.state.String())
	}
	if ret := this.batch.Apply_snapshot(this.log, snapshot); ret != nil {
		return ret
	}
	this.set_state(HANDSHAKE_COMPLETE)
	return nil
}

func (this *Handshake) Await_mapping(ctx context.Context) tools.Ret {
	this.lock.Lock()
	var ret = this.wait_while(ctx, "get the mapping", func() bool {
		return this.state != HANDSHAKE_COMPLETE && this.abort_reason == nil
	})
	if ret != nil {
		/* nobody answered in time, put it back the way it was so the next request can go. */
		this.lock.Lock()
		defer this.lock.Unlock()
		this.batch = nil
		this.abort_reason = nil
		if this.state != HANDSHAKE_IDLE {
			this.set_state(HANDSHAKE_IDLE)
		}
		return ret
	}
	defer this.lock.Unlock()
	if this.abort_reason != nil {
		ret = this.abort_reason
		this.abort_reason = nil
		return ret
	}
	this.batch = nil
	this.set_state(HANDSHAKE_IDLE)
	return nil
}

func (this *Handshake) Abort(reason tools.Ret) bool {
	/* the authority went away in the middle of a request, fail the request with reason.
	   returns false if there was nothing to abort, or if the answer already came in. */
	this.lock.Lock()
	defer this.lock.Unlock()
	if this.state == HANDSHAKE_IDLE || this.state == HANDSHAKE_COMPLETE {
		return false
	}
	this.abort_reason = reason
	this.batch = nil
	this.set_state(HANDSHAKE_IDLE)
	return true
}
