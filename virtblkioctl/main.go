// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

package main

import (
	"errors"

	"github.com/tebeka/atexit"
)

func main() {
	var code int
	if err := root_cmd.Execute(); err != nil {
		code = 1
		var re *ret_error
		if errors.As(err, &re) && re.ret.Get_errcode() > 0 && re.ret.Get_errcode() < 256 {
			code = re.ret.Get_errcode()
		}
	}
	// run the exit handlers, the trace has to be flushed on the way out.
	atexit.Exit(code)
}
