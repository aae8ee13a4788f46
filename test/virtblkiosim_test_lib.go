// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

package main

import (
	"bytes"
	"context"
	"math/rand"

	"github.com/nixomose/nixomosegotools/tools"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_entry"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_src"
)

type virtblkiosim_test_lib struct {
	log *tools.Nixomosetools_logger

	/* what the whole device should look like, every write goes here too and every read is
	   checked against it. */
	shadow []byte
}

func New_virtblkiosim_test_lib(log *tools.Nixomosetools_logger, capacity_bytes uint64) virtblkiosim_test_lib {
	var v virtblkiosim_test_lib
	v.log = log
	v.shadow = make([]byte, capacity_bytes)
	return v
}

func padto(in []byte, length int) []byte {
	var out []byte
	for len(out) < length {
		out = append(out, in...)
	}
	return out[0:length]
}

func binstringstart(start int) []byte {
	var out []byte = make([]byte, 256)
	for i := 0; i < 256; i++ {
		out[i] = byte((i + start) % 256)
	}
	return out
}

func (this *virtblkiosim_test_lib) write(ctx context.Context, v *virtblkiosim_src.Virtblkiosim, sector uint64, data []byte) tools.Ret {
	this.log.Debug("writing ", len(data), " bytes at sector ", sector)
	if ret := v.Write(ctx, sector, data); ret != nil {
		return ret
	}
	var start = sector * uint64(v.Get_geometry().Get_sector_size())
	copy(this.shadow[start:], data)
	return nil
}

func (this *virtblkiosim_test_lib) verify(ctx context.Context, v *virtblkiosim_src.Virtblkiosim, sector uint64, count uint64) tools.Ret {
	var sector_size = uint64(v.Get_geometry().Get_sector_size())
	var back = make([]byte, count*sector_size)
	if ret := v.Read(ctx, sector, back); ret != nil {
		return ret
	}
	var start = sector * sector_size
	if bytes.Equal(back, this.shadow[start:start+uint64(len(back))]) == false {
		return tools.ErrorWithCode(this.log, virtblkiosim_entry.VIRTBLKIOSIM_ERROR_CONSISTENCY,
			"data read back from ", count, " sectors at ", sector, " doesn't match what was written")
	}
	return nil
}

func (this *virtblkiosim_test_lib) Virtblkiosim_random_tests(ctx context.Context, v *virtblkiosim_src.Virtblkiosim,
	iterations int, max_sectors uint64) tools.Ret {
	/* random writes of random lengths anywhere on the device, each one read back along with a
	   bit on either side so we see the read-modify-write left the neighbors alone. */
	var capacity = v.Get_capacity_sectors()
	for lp := 0; lp < iterations; lp++ {
		var count = rand.Uint64()%max_sectors + 1
		var sector = rand.Uint64() % (capacity - count + 1)
		var data = padto(binstringstart(rand.Intn(256)), int(count*uint64(v.Get_geometry().Get_sector_size())))
		if ret := this.write(ctx, v, sector, data); ret != nil {
			return ret
		}

		var from = sector
		if from > 0 {
			from--
		}
		var to = tools.Minint(int(sector+count+1), int(capacity))
		if ret := this.verify(ctx, v, from, uint64(to)-from); ret != nil {
			return ret
		}
	}
	return nil
}

func (this *virtblkiosim_test_lib) Virtblkiosim_test_rewrite_page(ctx context.Context, v *virtblkiosim_src.Virtblkiosim) tools.Ret {
	/* write a whole page, then every sector of it again one at a time, then read it all back. */
	var spp = v.Get_geometry().Get_sectors_per_page()
	var sector_size = int(v.Get_geometry().Get_sector_size())
	if ret := this.write(ctx, v, 0, padto(binstringstart(0), int(spp)*sector_size)); ret != nil {
		return ret
	}
	for s := uint64(0); s < spp; s++ {
		if ret := this.write(ctx, v, s, padto(binstringstart(int(s)+16), sector_size)); ret != nil {
			return ret
		}
		if ret := this.verify(ctx, v, 0, spp); ret != nil {
			return ret
		}
	}
	return nil
}

func (this *virtblkiosim_test_lib) Virtblkiosim_test_past_end(ctx context.Context, v *virtblkiosim_src.Virtblkiosim) tools.Ret {
	/* a write that runs off the end of the device does what fits and drops the rest,
	   and reading past the end leaves the buffer alone. */
	var capacity = v.Get_capacity_sectors()
	var sector_size = int(v.Get_geometry().Get_sector_size())
	var data = padto(binstringstart(99), 2*sector_size)
	if ret := this.write(ctx, v, capacity-1, data); ret != nil {
		return ret
	}
	var back = make([]byte, 2*sector_size)
	if ret := v.Read(ctx, capacity-1, back); ret != nil {
		return ret
	}
	if bytes.Equal(back[0:sector_size], data[0:sector_size]) == false {
		return tools.ErrorWithCode(this.log, virtblkiosim_entry.VIRTBLKIOSIM_ERROR_CONSISTENCY,
			"last sector of the device doesn't hold what was written")
	}
	if bytes.Equal(back[sector_size:], make([]byte, sector_size)) == false {
		return tools.ErrorWithCode(this.log, virtblkiosim_entry.VIRTBLKIOSIM_ERROR_CONSISTENCY,
			"read past the end of the device returned data")
	}
	return nil
}
