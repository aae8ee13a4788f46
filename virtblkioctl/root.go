// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

package main

import (
	"fmt"
	"strings"
	"syscall"

	"github.com/nixomose/nixomosegotools/tools"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_config"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_control"
	"github.com/spf13/cobra"
)

const APP_NAME string = "virtblkioctl"
const APP_DESCRIPTION string = "drives the virtblkiosim block device emulator and plays its mapping authority"
const APP_VERSION string = "0.9.9"
const APP_COPYRIGHT string = "Copyright (C) 2021-2022 stu mark"

var log *tools.Nixomosetools_logger = tools.New_Nixomosetools_logger(tools.INFO)
var cfg *virtblkiosim_config.Config

var flag_socket string
var flag_env_file string
var flag_log_level string
var flag_banner bool
var flag_caller uint64

/* commands return a tools.Ret, cobra wants an error. this carries one in the other so main can
   get the errno back out for the exit code. */
type ret_error struct {
	ret tools.Ret
}

func (this *ret_error) Error() string {
	return this.ret.Get_errmsg()
}

func as_error(ret tools.Ret) error {
	if ret == nil {
		return nil
	}
	return &ret_error{ret}
}

var root_cmd = &cobra.Command{
	Use:   APP_NAME,
	Short: "Drive the virtblkiosim block device emulator.",
	Long: APP_NAME + " " + APP_DESCRIPTION + ". serve runs the device and its control socket, " +
		"the rest talk to a running device over that socket.",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	root_cmd.PersistentFlags().StringVar(&flag_socket, "socket", "", "control socket path (default "+
		virtblkiosim_config.DEFAULT_SOCKET+")")
	root_cmd.PersistentFlags().StringVar(&flag_env_file, "env-file", "", "env file to load (default ./"+
		virtblkiosim_config.DEFAULT_ENV_FILE+" if it's there)")
	root_cmd.PersistentFlags().StringVar(&flag_log_level, "log-level", "", "debug or info")
	root_cmd.PersistentFlags().Uint64Var(&flag_caller, "caller", 0, "caller token from reguser (default this process)")
	root_cmd.PersistentFlags().BoolVarP(&flag_banner, "banner", "V", false, "print the banner first")
}

func banner_line(text string) string {
	return strings.Repeat("=", len(text))
}

func print_banner() {
	fmt.Println(banner_line(APP_COPYRIGHT))
	fmt.Println(APP_NAME + ", Version " + APP_VERSION)
	fmt.Println(APP_DESCRIPTION)
	fmt.Println(APP_COPYRIGHT)
	fmt.Println(banner_line(APP_COPYRIGHT))
}

func setup(cmd *cobra.Command, args []string) error {
	if flag_banner {
		print_banner()
	}
	var ret tools.Ret
	if ret, cfg = virtblkiosim_config.Load(log, flag_env_file); ret != nil {
		return as_error(ret)
	}
	/* flags get the last word */
	if cmd.Flags().Changed("socket") {
		cfg.Socket = flag_socket
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log_level = strings.ToLower(flag_log_level)
	}
	if flag_caller != 0 && virtblkiosim_control.Is_caller_token(flag_caller) == false {
		return as_error(tools.ErrorWithCode(log, int(syscall.EINVAL), "--caller ", flag_caller,
			" is not a caller token, use the one reguser printed"))
	}
	if ret = cfg.Validate(log); ret != nil {
		return as_error(ret)
	}
	cfg.Apply_log_level(log)
	return nil
}

func new_client() *virtblkiosim_control.Client {
	var c = virtblkiosim_control.New_client(log, cfg.Socket)
	if flag_caller != 0 {
		c.Set_caller(flag_caller)
	}
	return c
}
