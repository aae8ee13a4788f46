// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

package virtblkiosim_entry

/* the protocol errors are plain errnos (EPERM, EINVAL, EIO, ENOMEM, EINTR, ETIMEDOUT),
   these are the ones that don't have an errno that says what they mean. */

const VIRTBLKIOSIM_ERROR_CONSISTENCY int = 10001    // translated sector count doesn't add up to what the host asked for
const VIRTBLKIOSIM_ERROR_INVALID_HEADER int = 10002 // batch record has a bad magic or a version we don't speak
