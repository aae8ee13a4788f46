// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

/* this is the on-the-wire format of a batch of sub-requests as handed to the mapping authority
   and handed back with the mappings filled in. it used to be whatever the structs looked like in
	 memory, now it's a fixed layout, little endian, with a header in front that says what it is,
	 what version, how many records follow and which batch they belong to. both sides check it. */

// package name must match directory name
package virtblkiosim_entry

import (
	"bytes"
	"encoding/binary"
	"syscall"

	"github.com/nixomose/nixomosegotools/tools"
	"github.com/rs/xid"
)

const VIRTBLKIOSIM_BATCH_MAGIC uint64 = 0x4d4953424c4b5256 // "VRKLBSIM" little endian
const VIRTBLKIOSIM_BATCH_VERSION uint32 = 1

const BATCH_HEADER_SIZE int = 40
const REQUEST_MAP_RECORD_SIZE int = 56

type Batch_header struct {
	// must be capitalized or we can't deserialize because it's not exported...
	M_magic        uint64
	M_version      uint32
	M_record_count uint32   // how many request map records follow the header
	M_batch_id     [12]byte // xid of the batch, so a stale answer can be told from the current one
	M_reserved     uint32
	M_request_size uint64 // the request size the authority was told for this batch

	/*        magic                    version     record count
	00000000  56 52 4b 4c 42 53 49 4d | 01 00 00 00 02 00 00 00  |VRKLBSIM........|
	          batch id                             | reserved
	00000010  ...                                  | 00 00 00 00
	          request size
	00000020  01 00 00 00 00 00 00 00
	*/
}

type Request_map_record struct {
	M_lpn            uint64
	M_ppn            uint64
	M_ppnx           uint64
	M_transf_dir     int32 // 0 read from the device, write to the device otherwise
	M_reserved       uint32
	M_start_sector   uint64
	M_num_of_sectors uint64
	M_buffer_handle  uint64 // host segment index << 32 | byte offset in that segment
}

type Batch_snapshot struct {
	Header  Batch_header
	Records []Request_map_record
}

func New_batch_snapshot(batch_id xid.ID, request_size uint64, records []Request_map_record) *Batch_snapshot {
	var s Batch_snapshot
	s.Header.M_magic = VIRTBLKIOSIM_BATCH_MAGIC
	s.Header.M_version = VIRTBLKIOSIM_BATCH_VERSION
	s.Header.M_record_count = uint32(len(records))
	s.Header.M_batch_id = [12]byte(batch_id)
	s.Header.M_request_size = request_size
	s.Records = records
	return &s
}

func (this *Batch_snapshot) Get_batch_id() xid.ID {
	return xid.ID(this.Header.M_batch_id)
}

func (this *Batch_snapshot) Serialized_size() int {
	return BATCH_HEADER_SIZE + len(this.Records)*REQUEST_MAP_RECORD_SIZE
}

func (this *Batch_snapshot) Serialize(log *tools.Nixomosetools_logger) (tools.Ret, []byte) {
	var bb *bytes.Buffer = bytes.NewBuffer(make([]byte, 0, this.Serialized_size()))
	var err error = binary.Write(bb, binary.LittleEndian, this.Header) // this works because there's nothing but actual data fields.
	if err != nil {
		return tools.ErrorWithCode(log, int(syscall.EINVAL), "unable to serialize batch header: ", err), nil
	}
	for lp := range this.Records {
		if err = binary.Write(bb, binary.LittleEndian, &this.Records[lp]); err != nil {
			return tools.ErrorWithCode(log, int(syscall.EINVAL), "unable to serialize request map record ", lp, ": ", err), nil
		}
	}
	return nil, bb.Bytes()
}

func Deserialize_batch(log *tools.Nixomosetools_logger, bs []byte) (ret tools.Ret, snapshot *Batch_snapshot, short_bytes int) {
	/* deserialize a batch. if there are fewer bytes than the header says there should be, we hand back
	   all the records that made it in whole, and how many bytes went missing, the caller decides
		 what a partial copy means. */

	if len(bs) < BATCH_HEADER_SIZE {
		return tools.ErrorWithCode(log, int(syscall.EINVAL), "batch is too short to hold a header, got ", len(bs),
			" bytes, need ", BATCH_HEADER_SIZE), nil, 0
	}

	var bb *bytes.Buffer = bytes.NewBuffer(bs)
	var s Batch_snapshot
	var err error = binary.Read(bb, binary.LittleEndian, &s.Header)
	if err != nil {
		return tools.ErrorWithCode(log, int(syscall.EINVAL), "unable to deserialize batch header: ", err), nil, 0
	}
	if s.Header.M_magic != VIRTBLKIOSIM_BATCH_MAGIC {
		return tools.ErrorWithCode(log, VIRTBLKIOSIM_ERROR_INVALID_HEADER, "batch header has bad magic: ",
			s.Header.M_magic), nil, 0
	}
	if s.Header.M_version != VIRTBLKIOSIM_BATCH_VERSION {
		return tools.ErrorWithCode(log, VIRTBLKIOSIM_ERROR_INVALID_HEADER, "batch header version ", s.Header.M_version,
			" is not supported, expected ", VIRTBLKIOSIM_BATCH_VERSION), nil, 0
	}

	var expected = int(s.Header.M_record_count) * REQUEST_MAP_RECORD_SIZE
	var available = bb.Len()
	if available > expected {
		return tools.ErrorWithCode(log, int(syscall.EINVAL), "batch has ", available-expected,
			" bytes more than its ", s.Header.M_record_count, " records"), nil, 0
	}
	short_bytes = expected - available

	var whole = available / REQUEST_MAP_RECORD_SIZE
	s.Records = make([]Request_map_record, whole)
	for lp := 0; lp < whole; lp++ {
		if err = binary.Read(bb, binary.LittleEndian, &s.Records[lp]); err != nil {
			return tools.ErrorWithCode(log, int(syscall.EINVAL), "unable to deserialize request map record ", lp, ": ", err), nil, 0
		}
	}
	return nil, &s, short_bytes
}
