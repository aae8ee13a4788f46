// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

// package name must match directory name
package virtblkiosim_control

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"syscall"

	"github.com/nixomose/nixomosegotools/tools"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_entry"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_interfaces"
)

type Client struct {
	log      *tools.Nixomosetools_logger
	m_socket string
	m_http   *http.Client
	m_caller uint64
}

// verify that the client can be a mapping authority's endpoint
var _ virtblkiosim_interfaces.Authority_endpoint_interface = &Client{}
var _ virtblkiosim_interfaces.Authority_endpoint_interface = (*Client)(nil)

func New_client(l *tools.Nixomosetools_logger, socket string) *Client {
	var c Client
	c.log = l
	c.m_socket = socket
	c.m_caller = uint64(os.Getpid())
	var dialer net.Dialer
	c.m_http = &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", socket)
			},
		},
	}
	return &c
}

// Set_caller makes this client speak for a caller token instead of this process.
func (this *Client) Set_caller(caller uint64) {
	this.m_caller = caller
}

func (this *Client) Get_caller() uint64 {
	return this.m_caller
}

func (this *Client) do(ctx context.Context, method string, path string, body []byte) (tools.Ret, []byte, http.Header) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	// the host part is ignored, it all goes down the socket
	var req, err = http.NewRequestWithContext(ctx, method, "http://virtblkiosim"+path, reader)
	if err != nil {
		return tools.ErrorWithCode(this.log, int(syscall.EINVAL), "unable to make request ", method, " ", path, ": ", err), nil, nil
	}
	req.Header.Set(HEADER_CALLER, strconv.FormatUint(this.m_caller, 10))

	var resp *http.Response
	if resp, err = this.m_http.Do(req); err != nil {
		if ctx.Err() != nil {
			return tools.ErrorWithCode(this.log, int(syscall.EINTR), method, " ", path, " was interrupted: ", err), nil, nil
		}
		return tools.ErrorWithCode(this.log, int(syscall.ECONNREFUSED), "unable to reach virtblkiosim on ", this.m_socket,
			": ", err), nil, nil
	}
	defer resp.Body.Close()
	var data []byte
	if data, err = io.ReadAll(resp.Body); err != nil {
		return tools.ErrorWithCode(this.log, int(syscall.EIO), "unable to read response to ", method, " ", path, ": ", err), nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		var code, cerr = strconv.Atoi(resp.Header.Get(HEADER_ERRNO))
		if cerr != nil {
			code = int(syscall.EIO)
		}
		return tools.ErrorWithCode(this.log, code, method, " ", path, ": ", string(data)), nil, nil
	}
	return nil, data, resp.Header
}

func (this *Client) Register_caller(ctx context.Context) tools.Ret {
	var ret, _, _ = this.do(ctx, http.MethodPost, "/v1/caller", nil)
	return ret
}

func (this *Client) Release(ctx context.Context) tools.Ret {
	var ret, _, _ = this.do(ctx, http.MethodDelete, "/v1/caller", nil)
	return ret
}

func (this *Client) Get_request_size(ctx context.Context) (tools.Ret, uint64) {
	var ret, data, _ = this.do(ctx, http.MethodGet, "/v1/request_size", nil)
	if ret != nil {
		return ret, 0
	}
	if len(data) != 8 {
		return tools.ErrorWithCode(this.log, int(syscall.EIO), "request size came back as ", len(data), " bytes"), 0
	}
	return nil, binary.LittleEndian.Uint64(data)
}

func (this *Client) Get_block_bytes(ctx context.Context) (tools.Ret, []byte) {
	var ret, data, _ = this.do(ctx, http.MethodGet, "/v1/block", nil)
	return ret, data
}

func (this *Client) Get_block(ctx context.Context) (tools.Ret, *virtblkiosim_entry.Batch_snapshot) {
	var ret, data = this.Get_block_bytes(ctx)
	if ret != nil {
		return ret, nil
	}
	var snapshot *virtblkiosim_entry.Batch_snapshot
	var short_bytes int
	if ret, snapshot, short_bytes = virtblkiosim_entry.Deserialize_batch(this.log, data); ret != nil {
		return ret, nil
	}
	if short_bytes > 0 {
		return tools.ErrorWithCode(this.log, int(syscall.EIO), "block came back ", short_bytes, " bytes short"), nil
	}
	return nil, snapshot
}

func (this *Client) Set_block_bytes(ctx context.Context, data []byte) (tools.Ret, int) {
	var ret, _, hdr = this.do(ctx, http.MethodPut, "/v1/block", data)
	if ret != nil {
		return ret, 0
	}
	var short_bytes, _ = strconv.Atoi(hdr.Get(HEADER_SHORT_COPY))
	return nil, short_bytes
}

func (this *Client) Set_block(ctx context.Context, snapshot *virtblkiosim_entry.Batch_snapshot) (tools.Ret, int) {
	var ret, data = snapshot.Serialize(this.log)
	if ret != nil {
		return ret, 0
	}
	return this.Set_block_bytes(ctx, data)
}

func (this *Client) Get_geometry(ctx context.Context) (tools.Ret, *Geometry_info) {
	var ret, data, _ = this.do(ctx, http.MethodGet, "/v1/geometry", nil)
	if ret != nil {
		return ret, nil
	}
	var info Geometry_info
	if err := json.Unmarshal(data, &info); err != nil {
		return tools.ErrorWithCode(this.log, int(syscall.EIO), "unable to parse geometry: ", err), nil
	}
	return nil, &info
}

func (this *Client) Open(ctx context.Context, tag string) tools.Ret {
	var ret, _, _ = this.do(ctx, http.MethodPost, "/v1/open?tag="+url.QueryEscape(tag), nil)
	return ret
}

func (this *Client) Read(ctx context.Context, sector uint64, count uint64) (tools.Ret, []byte) {
	var ret, data, _ = this.do(ctx, http.MethodGet, "/v1/disk?sector="+strconv.FormatUint(sector, 10)+
		"&count="+strconv.FormatUint(count, 10), nil)
	return ret, data
}

func (this *Client) Write(ctx context.Context, sector uint64, data []byte) tools.Ret {
	var ret, _, _ = this.do(ctx, http.MethodPut, "/v1/disk?sector="+strconv.FormatUint(sector, 10), data)
	return ret
}
