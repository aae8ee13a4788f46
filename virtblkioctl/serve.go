// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/nixomose/nixomosegotools/tools"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_control"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_src"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_trace"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serve_cmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the device and serve its control socket until interrupted.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return as_error(serve(cmd.Context()))
	},
}

func init() {
	root_cmd.AddCommand(serve_cmd)
}

func serve(parent context.Context) tools.Ret {
	var ret, geometry = cfg.Geometry(log)
	if ret != nil {
		return ret
	}
	var store = virtblkiosim_src.New_memory_store(log, geometry.Get_page_size(), geometry.Get_num_pages())
	var device = virtblkiosim_src.New_Virtblkiosim(log, geometry, store, cfg.Max_batch_slots, cfg.Mapping_timeout)

	var tracer *virtblkiosim_trace.Sqlite_tracer
	if cfg.Trace_db != "" {
		tracer = virtblkiosim_trace.New_sqlite_tracer(log, cfg.Trace_db, 0)
		if ret = tracer.Init(); ret != nil {
			return ret
		}
		device.Set_tracer(tracer)
	}

	if ret = device.Startup(); ret != nil {
		return ret
	}
	log.Info("device capacity: ", device.Get_capacity_sectors(), " sectors of ", geometry.Get_sector_size(),
		" bytes")
	if ret = device.Open(cfg.Device_tag); ret != nil {
		device.Shutdown()
		return ret
	}

	var server = virtblkiosim_control.New_server(log, device, cfg.Socket)
	if ret = server.Listen(); ret != nil {
		device.Shutdown()
		return ret
	}
	var reaper = virtblkiosim_control.New_reaper(log, device, cfg.Reaper_interval)

	if parent == nil {
		parent = context.Background()
	}
	var sigctx, stop = signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	var eg, ctx = errgroup.WithContext(sigctx)

	eg.Go(func() error { return as_error(server.Serve(ctx)) })
	eg.Go(func() error { return as_error(reaper.Run(ctx)) })
	eg.Go(func() error {
		<-ctx.Done()
		if sigctx.Err() != nil {
			log.Info("interrupted, shutting down")
		}
		return nil
	})

	var err = eg.Wait()
	var sret = device.Shutdown()
	if tracer != nil {
		if cret := tracer.Close(); cret != nil && sret == nil {
			sret = cret
		}
	}
	var re *ret_error
	if errors.As(err, &re) {
		return re.ret
	}
	return sret
}
