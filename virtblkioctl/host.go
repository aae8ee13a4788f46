// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"syscall"

	"github.com/ncw/directio"
	"github.com/nixomose/nixomosegotools/tools"
	"github.com/spf13/cobra"
)

/* read and write play the host. with --directio the data file is opened O_DIRECT, which means
   the transfer has to be whole aligned blocks. */

var flag_sector uint64
var flag_count uint64
var flag_data_file string
var flag_directio bool

var read_cmd = &cobra.Command{
	Use:   "read",
	Short: "Read sectors from the device.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return as_error(host_read())
	},
}

var write_cmd = &cobra.Command{
	Use:   "write",
	Short: "Write a file to the device.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return as_error(host_write())
	},
}

func init() {
	read_cmd.Flags().Uint64Var(&flag_sector, "sector", 0, "first sector")
	read_cmd.Flags().Uint64Var(&flag_count, "count", 8, "number of sectors")
	read_cmd.Flags().StringVar(&flag_data_file, "out", "", "write what was read here instead of dumping it")
	read_cmd.Flags().BoolVar(&flag_directio, "directio", false, "open the file with O_DIRECT")

	write_cmd.Flags().Uint64Var(&flag_sector, "sector", 0, "first sector")
	write_cmd.Flags().StringVar(&flag_data_file, "in", "", "file holding the data to write")
	write_cmd.Flags().BoolVar(&flag_directio, "directio", false, "open the file with O_DIRECT")
	write_cmd.MarkFlagRequired("in")

	root_cmd.AddCommand(read_cmd, write_cmd)
}

func open_data_file(name string, flag int) (tools.Ret, *os.File) {
	var f *os.File
	var err error
	if flag_directio {
		f, err = directio.OpenFile(name, flag, 0644)
	} else {
		f, err = os.OpenFile(name, flag, 0644)
	}
	if err != nil {
		return tools.ErrorWithCode(log, int(syscall.ENOENT), "unable to open ", name, ": ", err), nil
	}
	return nil, f
}

func check_aligned(length int) tools.Ret {
	if flag_directio && length%directio.BlockSize != 0 {
		return tools.ErrorWithCode(log, int(syscall.EINVAL), "directio needs a multiple of ", directio.BlockSize,
			" bytes, not ", length)
	}
	return nil
}

func host_read() tools.Ret {
	var ret, data = new_client().Read(context.Background(), flag_sector, flag_count)
	if ret != nil {
		return ret
	}
	if flag_data_file == "" {
		fmt.Print(hex.Dump(data))
		return nil
	}
	if ret = check_aligned(len(data)); ret != nil {
		return ret
	}
	var f *os.File
	if ret, f = open_data_file(flag_data_file, os.O_CREATE|os.O_WRONLY|os.O_TRUNC); ret != nil {
		return ret
	}
	defer f.Close()
	var out = data
	if flag_directio {
		out = directio.AlignedBlock(len(data))
		copy(out, data)
	}
	if _, err := f.Write(out); err != nil {
		return tools.ErrorWithCode(log, int(syscall.EIO), "unable to write ", flag_data_file, ": ", err)
	}
	fmt.Println("read: " + strconv.FormatUint(flag_count, 10) + " sectors at " + strconv.FormatUint(flag_sector, 10))
	return nil
}

func host_write() tools.Ret {
	var ret, f = open_data_file(flag_data_file, os.O_RDONLY)
	if ret != nil {
		return ret
	}
	defer f.Close()
	var st, err = f.Stat()
	if err != nil {
		return tools.ErrorWithCode(log, int(syscall.EIO), "unable to stat ", flag_data_file, ": ", err)
	}
	if ret = check_aligned(int(st.Size())); ret != nil {
		return ret
	}
	var data []byte
	if flag_directio {
		data = directio.AlignedBlock(int(st.Size()))
	} else {
		data = make([]byte, st.Size())
	}
	if _, err = io.ReadFull(f, data); err != nil {
		return tools.ErrorWithCode(log, int(syscall.EIO), "unable to read ", flag_data_file, ": ", err)
	}
	if ret = new_client().Write(context.Background(), flag_sector, data); ret != nil {
		return ret
	}
	fmt.Println("write: " + strconv.Itoa(len(data)) + " bytes at sector " + strconv.FormatUint(flag_sector, 10))
	return nil
}
