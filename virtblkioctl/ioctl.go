// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/nixomose/nixomosegotools/tools"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_control"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_entry"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_interfaces"
	"github.com/spf13/cobra"
)

/* the one shot commands each talk to the device once, each from its own process, so they can't
   be known by pid. reguser registers a caller token and prints it, and getreqsize, getblkdata,
	 setblkdata and release pass it back with --caller. io does the whole conversation from one
	 process and doesn't need one. */

var flag_block_out string
var flag_block_in string
var flag_remap bool

var reguser_cmd = &cobra.Command{
	Use:   "reguser",
	Short: "Register a caller token as the mapping authority.",
	Long: "Register a caller token as the mapping authority and print it. Pass it to the other " +
		"one shot commands with --caller. A new token is made unless --caller gives one.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var client = new_client()
		if flag_caller == 0 {
			client.Set_caller(virtblkiosim_control.New_caller_token())
		}
		if ret := client.Register_caller(context.Background()); ret != nil {
			return as_error(ret)
		}
		fmt.Println("reguser: User app registered, caller " + strconv.FormatUint(client.Get_caller(), 10))
		return nil
	},
}

var release_cmd = &cobra.Command{
	Use:   "release",
	Short: "Stop being the mapping authority.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if ret := new_client().Release(context.Background()); ret != nil {
			return as_error(ret)
		}
		fmt.Println("release: User app released")
		return nil
	},
}

var getreqsize_cmd = &cobra.Command{
	Use:   "getreqsize",
	Short: "Get the request size of the request in flight.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var ret, size = new_client().Get_request_size(context.Background())
		if ret != nil {
			return as_error(ret)
		}
		fmt.Println("getreqsize: " + strconv.FormatUint(size, 10))
		return nil
	},
}

var getblkdata_cmd = &cobra.Command{
	Use:   "getblkdata",
	Short: "Get the sub-requests of the request in flight.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var ret, data = new_client().Get_block_bytes(context.Background())
		if ret != nil {
			return as_error(ret)
		}
		var snapshot *virtblkiosim_entry.Batch_snapshot
		if ret, snapshot, _ = virtblkiosim_entry.Deserialize_batch(log, data); ret != nil {
			return as_error(ret)
		}
		print_records("getblkdata", snapshot)
		if flag_block_out != "" {
			if err := os.WriteFile(flag_block_out, data, 0644); err != nil {
				return as_error(tools.ErrorWithCode(log, int(syscall.EIO), "unable to write ", flag_block_out, ": ", err))
			}
		}
		return nil
	},
}

var setblkdata_cmd = &cobra.Command{
	Use:   "setblkdata",
	Short: "Hand back the mapping for the request in flight.",
	Long: "Hand back the mapping for the request in flight. The batch is read from --in, " +
		"as written by getblkdata --out and edited to taste.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var data, err = os.ReadFile(flag_block_in)
		if err != nil {
			return as_error(tools.ErrorWithCode(log, int(syscall.ENOENT), "unable to read ", flag_block_in, ": ", err))
		}
		var ret, short_bytes = new_client().Set_block_bytes(context.Background(), data)
		if ret != nil {
			return as_error(ret)
		}
		var snapshot *virtblkiosim_entry.Batch_snapshot
		if ret, snapshot, _ = virtblkiosim_entry.Deserialize_batch(log, data); ret != nil {
			return as_error(ret)
		}
		print_records("setblkdata", snapshot)
		if short_bytes > 0 {
			fmt.Println("setblkdata: short by " + strconv.Itoa(short_bytes) + " bytes")
		}
		return nil
	},
}

var io_cmd = &cobra.Command{
	Use:   "io <num_of_io_ops>",
	Short: "Be the mapping authority for num_of_io_ops requests, 0 for forever.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var iterations, err = strconv.Atoi(args[0])
		if err != nil || iterations < 0 {
			return as_error(tools.ErrorWithCode(log, int(syscall.EINVAL), "num_of_io_ops must be 0 or more, not '", args[0], "'"))
		}
		return as_error(perf_io(iterations))
	},
}

func init() {
	getblkdata_cmd.Flags().StringVar(&flag_block_out, "out", "", "also write the raw batch to this file")
	setblkdata_cmd.Flags().StringVar(&flag_block_in, "in", "", "file holding the batch to send")
	setblkdata_cmd.MarkFlagRequired("in")
	io_cmd.Flags().BoolVar(&flag_remap, "remap", false, "log structured remapping instead of identity")
	root_cmd.AddCommand(reguser_cmd, release_cmd, getreqsize_cmd, getblkdata_cmd, setblkdata_cmd, io_cmd)
}

func print_records(what string, snapshot *virtblkiosim_entry.Batch_snapshot) {
	for lp := range snapshot.Records {
		var rec = &snapshot.Records[lp]
		fmt.Printf("%s: I/O direction: %d | PPN: %d | PPNX: %d | Start sector: %d | Number of sectors: %d | Request buffer: %#x\n",
			what, rec.M_transf_dir, rec.M_ppn, rec.M_ppnx, rec.M_start_sector, rec.M_num_of_sectors, rec.M_buffer_handle)
	}
}

// printing_remapper says what it's doing.
type printing_remapper struct {
	inner virtblkiosim_interfaces.Remapper_interface
}

func (this printing_remapper) Remap(rec *virtblkiosim_entry.Request_map_record) {
	this.inner.Remap(rec)
	fmt.Printf("I/O direction: %d | LPN: %d | PPN: %d | PPNX: %d | Start sector: %d | Number of sectors: %d | Request buffer: %#x\n",
		rec.M_transf_dir, rec.M_lpn, rec.M_ppn, rec.M_ppnx, rec.M_start_sector, rec.M_num_of_sectors, rec.M_buffer_handle)
}

func perf_io(iterations int) tools.Ret {
	var ctx, stop = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var client = new_client()
	var remapper virtblkiosim_interfaces.Remapper_interface = virtblkiosim_control.Identity_remapper{}
	if flag_remap {
		var ret, info = client.Get_geometry(ctx)
		if ret != nil {
			return ret
		}
		remapper = virtblkiosim_control.New_log_structured_remapper(info.Num_pages)
	}

	var ret, done = virtblkiosim_control.Run_authority(ctx, log, client, printing_remapper{remapper}, iterations)
	fmt.Println("io: " + strconv.Itoa(done) + " requests mapped")
	return ret
}
