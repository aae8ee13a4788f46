// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

package main

import (
	"fmt"

	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_entry"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_trace"
	"github.com/spf13/cobra"
)

var flag_request_id string

var trace_cmd = &cobra.Command{
	Use:   "trace <trace_db>",
	Short: "Print what a serve with VIRTBLKIOSIM_TRACE_DB set recorded.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var reader = virtblkiosim_trace.New_sqlite_trace_reader(log, args[0])
		if ret := reader.Init(); ret != nil {
			return as_error(ret)
		}
		defer reader.Close()
		var ret, records = reader.List_records(flag_request_id)
		if ret != nil {
			return as_error(ret)
		}
		for _, rec := range records {
			fmt.Printf("%s %s %s | LPN: %d | PPN: %d | PPNX: %d | Start sector: %d | Number of sectors: %d | %s errno %d\n",
				rec.When.Format("15:04:05.000000"), rec.Request_id, virtblkiosim_entry.Transfer_direction(rec.Direction).String(),
				rec.Lpn, rec.Ppn, rec.Ppnx, rec.Start_sector, rec.Num_of_sectors, rec.Outcome, rec.Errcode)
		}
		return nil
	},
}

func init() {
	trace_cmd.Flags().StringVar(&flag_request_id, "request", "", "only this request id")
	root_cmd.AddCommand(trace_cmd)
}
