// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

package virtblkiosim_entry

import (
	"syscall"

	"github.com/nixomose/nixomosegotools/tools"
	"github.com/rs/xid"
)

/* a request batch is all the sub-requests one host request was cut into. it's made fresh for every
   host request, it's exactly as big as the number of sub-requests, and it goes away when the request
	 completes. the batch id is how we tell an answer for this batch from an answer for some old one. */

type Request_batch struct {
	batch_id     xid.ID
	request_size uint64
	maps         []*Request_map
}

func New_request_batch(request_size uint64, slots int) *Request_batch {
	var b Request_batch
	b.batch_id = xid.New()
	b.request_size = request_size
	b.maps = make([]*Request_map, 0, slots)
	return &b
}

func (this *Request_batch) Get_batch_id() xid.ID {
	return this.batch_id
}

func (this *Request_batch) Get_request_size() uint64 {
	return this.request_size
}

func (this *Request_batch) Set_request_size(request_size uint64) {
	this.request_size = request_size
}

func (this *Request_batch) Append(m *Request_map) {
	this.maps = append(this.maps, m)
}

func (this *Request_batch) Get_maps() []*Request_map {
	return this.maps
}

func (this *Request_batch) Len() int {
	return len(this.maps)
}

func (this *Request_batch) Total_sectors() uint64 {
	var total uint64
	for _, m := range this.maps {
		total += m.num_of_sectors
	}
	return total
}

// Set_identity maps every slot to itself, for when there's no authority to ask.
func (this *Request_batch) Set_identity() {
	for _, m := range this.maps {
		m.page_map.Set_identity()
	}
}

func (this *Request_batch) Snapshot() *Batch_snapshot {
	var records = make([]Request_map_record, len(this.maps))
	for lp, m := range this.maps {
		records[lp] = m.To_record()
	}
	return New_batch_snapshot(this.batch_id, this.request_size, records)
}

func (this *Request_batch) Apply_snapshot(log *tools.Nixomosetools_logger, snapshot *Batch_snapshot) tools.Ret {
	/* copy the ppn and ppnx the authority filled in back into our batch. everything else in the record
	   is ours and it had better come back the way it went out. we check the whole thing before we change
		 anything so a bad record leaves the batch the way it was.
		 the snapshot may hold fewer records than the header says if the copy was short, the slots that
		 didn't make it get the identity mapping. */

	if snapshot.Get_batch_id() != this.batch_id {
		return tools.ErrorWithCode(log, int(syscall.EPERM), "set block is for batch ", snapshot.Get_batch_id().String(),
			" but the current batch is ", this.batch_id.String())
	}
	if int(snapshot.Header.M_record_count) != len(this.maps) {
		return tools.ErrorWithCode(log, int(syscall.EINVAL), "set block has ", snapshot.Header.M_record_count,
			" records, the current batch has ", len(this.maps))
	}
	if len(snapshot.Records) > len(this.maps) {
		return tools.ErrorWithCode(log, int(syscall.EINVAL), "set block carries ", len(snapshot.Records),
			" records, the current batch has ", len(this.maps))
	}

	for lp := range snapshot.Records {
		var rec = &snapshot.Records[lp]
		var m = this.maps[lp]
		if rec.M_lpn != m.page_map.lpn {
			return tools.ErrorWithCode(log, int(syscall.EINVAL), "record ", lp, " lpn ", rec.M_lpn, " does not match ", m.page_map.lpn)
		}
		if rec.M_start_sector != m.start_sector || rec.M_num_of_sectors != m.num_of_sectors {
			return tools.ErrorWithCode(log, int(syscall.EINVAL), "record ", lp, " covers sectors ", rec.M_start_sector, "+",
				rec.M_num_of_sectors, " expected ", m.start_sector, "+", m.num_of_sectors)
		}
		if Transfer_direction(rec.M_transf_dir) != m.page_map.transf_dir {
			return tools.ErrorWithCode(log, int(syscall.EINVAL), "record ", lp, " direction ", rec.M_transf_dir,
				" does not match ", int32(m.page_map.transf_dir))
		}
	}

	for lp, m := range this.maps {
		if lp < len(snapshot.Records) {
			m.page_map.Set_mapping(snapshot.Records[lp].M_ppn, snapshot.Records[lp].M_ppnx)
		} else {
			m.page_map.Set_identity()
		}
	}
	return nil
}
