// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

//go:build linux

package virtblkiosim_control

import (
	"net"

	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_src"
	"golang.org/x/sys/unix"
)

// peer_caller asks the kernel which process is on the other end of a unix socket.
func peer_caller(c net.Conn) (virtblkiosim_src.Caller_id, bool) {
	var uc, ok = c.(*net.UnixConn)
	if ok == false {
		return 0, false
	}
	var raw, err = uc.SyscallConn()
	if err != nil {
		return 0, false
	}
	var cred *unix.Ucred
	var cred_err error
	err = raw.Control(func(fd uintptr) {
		cred, cred_err = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil || cred_err != nil || cred.Pid <= 0 {
		return 0, false
	}
	return virtblkiosim_src.Caller_id(cred.Pid), true
}
