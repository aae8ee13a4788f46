// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/nixomose/nixomosegotools/tools"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_control"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_layout"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_src"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_trace"
	"golang.org/x/sync/errgroup"
)

func get_init_params() (sector_size uint32, page_size uint32, num_pages uint64, request_size_div uint64, max_hw_sectors uint64) {
	/* small enough that random writes keep landing on pages that were written before, so the
	   remapper has to give pages back and the read-modify-write has something to preserve. */
	sector_size = 512
	page_size = 4096
	num_pages = 64
	request_size_div = 8
	max_hw_sectors = 1024
	return
}

func bring_up(log *tools.Nixomosetools_logger, trace_file string) (tools.Ret, *virtblkiosim_src.Virtblkiosim,
	*virtblkiosim_trace.Sqlite_tracer) {

	var sector_size, page_size, num_pages, request_size_div, max_hw_sectors = get_init_params()
	var ret, geometry = virtblkiosim_layout.New_geometry(log, sector_size, page_size, num_pages, request_size_div, max_hw_sectors)
	if ret != nil {
		return ret, nil, nil
	}
	var store = virtblkiosim_src.New_memory_store(log, page_size, num_pages)
	var v = virtblkiosim_src.New_Virtblkiosim(log, geometry, store, 256, 5*time.Second)

	var tracer = virtblkiosim_trace.New_sqlite_tracer(log, trace_file, 0)
	if ret = tracer.Init(); ret != nil {
		return ret, nil, nil
	}
	v.Set_tracer(tracer)
	if ret = v.Startup(); ret != nil {
		return ret, nil, nil
	}
	return v.Open("virtblkiosim_test"), v, tracer
}

func bring_down(v *virtblkiosim_src.Virtblkiosim, tracer *virtblkiosim_trace.Sqlite_tracer) tools.Ret {
	if ret := v.Shutdown(); ret != nil {
		return ret
	}
	return tracer.Close()
}

func run_host(ctx context.Context, log *tools.Nixomosetools_logger, v *virtblkiosim_src.Virtblkiosim) tools.Ret {
	var lib = New_virtblkiosim_test_lib(log, v.Get_capacity_sectors()*uint64(v.Get_geometry().Get_sector_size()))
	if ret := lib.Virtblkiosim_test_rewrite_page(ctx, v); ret != nil {
		return ret
	}
	if ret := lib.Virtblkiosim_random_tests(ctx, v, 2000, 40); ret != nil {
		return ret
	}
	return lib.Virtblkiosim_test_past_end(ctx, v)
}

func test_with_authority(log *tools.Nixomosetools_logger, trace_file string) tools.Ret {
	var ret, v, tracer = bring_up(log, trace_file)
	if ret != nil {
		return ret
	}

	var _, _, num_pages, _, _ = get_init_params()
	var endpoint = virtblkiosim_control.New_local_endpoint(log, v.Get_commands(), virtblkiosim_src.Caller_id(os.Getpid()))
	var remapper = virtblkiosim_control.New_log_structured_remapper(num_pages)

	var eg, ctx = errgroup.WithContext(context.Background())
	var authority_ctx, stop_authority = context.WithCancel(ctx)
	defer stop_authority()

	var answered int
	eg.Go(func() error {
		var ret tools.Ret
		if ret, answered = virtblkiosim_control.Run_authority(authority_ctx, log, endpoint, remapper, 0); ret != nil {
			return errors.New("mapping authority failed: " + ret.Get_errmsg())
		}
		return nil
	})
	eg.Go(func() error {
		defer stop_authority()
		for v.Get_commands().Is_registered() == false {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Millisecond):
			}
		}
		if ret := run_host(ctx, log, v); ret != nil {
			return errors.New("host failed: " + ret.Get_errmsg())
		}
		return nil
	})

	var err = eg.Wait()
	log.Info("mapping authority answered ", answered, " requests, ", remapper.Get_used_pages(), " pages in use")
	if ret = bring_down(v, tracer); ret != nil {
		return ret
	}
	if err != nil {
		return tools.Error(log, err.Error())
	}
	return check_trace(log, tracer.Get_filename())
}

func check_trace(log *tools.Nixomosetools_logger, trace_file string) tools.Ret {
	var reader = virtblkiosim_trace.New_sqlite_trace_reader(log, trace_file)
	if ret := reader.Init(); ret != nil {
		return ret
	}
	defer reader.Close()
	var ret, records = reader.List_records("")
	if ret != nil {
		return ret
	}
	for _, rec := range records {
		if rec.Errcode != 0 {
			return tools.Error(log, "request ", rec.Request_id, " lpn ", rec.Lpn, " failed with ", rec.Errcode)
		}
	}
	log.Info("trace has ", len(records), " sub-requests, none failed")
	return nil
}

func main() {
	var log *tools.Nixomosetools_logger = tools.New_Nixomosetools_logger(tools.DEBUG)
	log.Set_level(tools.INFO)

	var dir, err = os.MkdirTemp("", "virtblkiosim_test")
	if err != nil {
		log.Error("unable to make temp dir: ", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	if ret := test_with_authority(log, filepath.Join(dir, "trace.sqlite3")); ret != nil {
		log.Error("test failed: ", ret.Get_errmsg())
		os.RemoveAll(dir)
		os.Exit(1)
	}
	log.Info("all good")
}
