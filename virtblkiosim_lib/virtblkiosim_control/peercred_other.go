// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

//go:build !linux

package virtblkiosim_control

import (
	"net"

	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_src"
)

// no SO_PEERCRED here, the caller header is all we have.
func peer_caller(c net.Conn) (virtblkiosim_src.Caller_id, bool) {
	return 0, false
}
