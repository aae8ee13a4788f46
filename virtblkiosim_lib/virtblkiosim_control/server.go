// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

/* the control server is how a mapping authority in another process gets at the device. it used to
   be ioctls on the device node, now it's http on a unix socket. who you are is your pid, which
	 we get from the socket itself, the caller header is only believed when the socket can't tell us,
	 or when it carries a caller token. */

// package name must match directory name
package virtblkiosim_control

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/nixomose/nixomosegotools/tools"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_entry"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_src"
)

const HEADER_ERRNO string = "X-Virtblkiosim-Errno"
const HEADER_SHORT_COPY string = "X-Virtblkiosim-Short-Copy"
const HEADER_CALLER string = "X-Virtblkiosim-Caller"

const MAX_BODY_BYTES int64 = 64 << 20

/* no pid gets this big. anything from here up is a token that reguser hands out so a string of
   one shot commands, each in its own process, can all be the same mapping authority. */
const CALLER_TOKEN_BASE uint64 = 1 << 32

func New_caller_token() uint64 {
	return CALLER_TOKEN_BASE + uint64(rand.Uint32())
}

func Is_caller_token(id uint64) bool {
	return id >= CALLER_TOKEN_BASE
}

type caller_key struct{}

type Geometry_info struct {
	Sector_size      uint32 `json:"sector_size"`
	Page_size        uint32 `json:"page_size"`
	Sectors_per_page uint64 `json:"sectors_per_page"`
	Num_pages        uint64 `json:"num_pages"`
	Request_size_div uint64 `json:"request_size_div"`
	Max_hw_sectors   uint64 `json:"max_hw_sectors"`
	Capacity_sectors uint64 `json:"capacity_sectors"`
	Registered       bool   `json:"registered"`
	Caller           uint64 `json:"caller,omitempty"`
}

type Server struct {
	log      *tools.Nixomosetools_logger
	m_device *virtblkiosim_src.Virtblkiosim
	m_socket string

	m_listener net.Listener
	m_http     *http.Server
}

func New_server(l *tools.Nixomosetools_logger, device *virtblkiosim_src.Virtblkiosim, socket string) *Server {
	var s Server
	s.log = l
	s.m_device = device
	s.m_socket = socket
	return &s
}

func (this *Server) Get_socket() string {
	return this.m_socket
}

func (this *Server) Router() *mux.Router {
	var r = mux.NewRouter()
	var v1 = r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/caller", this.register_caller).Methods(http.MethodPost)
	v1.HandleFunc("/caller", this.release_caller).Methods(http.MethodDelete)
	v1.HandleFunc("/request_size", this.get_request_size).Methods(http.MethodGet)
	v1.HandleFunc("/block", this.get_block).Methods(http.MethodGet)
	v1.HandleFunc("/block", this.set_block).Methods(http.MethodPut)
	v1.HandleFunc("/geometry", this.get_geometry).Methods(http.MethodGet)
	v1.HandleFunc("/open", this.open).Methods(http.MethodPost)
	v1.HandleFunc("/disk", this.read_disk).Methods(http.MethodGet)
	v1.HandleFunc("/disk", this.write_disk).Methods(http.MethodPut)
	return r
}

func (this *Server) Listen() tools.Ret {
	/* a socket file left over from last time would make listen fail, but a socket somebody is
	   still answering on means there's another one of us running. */
	if _, err := os.Stat(this.m_socket); err == nil {
		if conn, err := net.DialTimeout("unix", this.m_socket, time.Second); err == nil {
			conn.Close()
			return tools.ErrorWithCode(this.log, int(syscall.EADDRINUSE), "something is already serving on ", this.m_socket)
		}
		os.Remove(this.m_socket)
	}
	var listener, err = net.Listen("unix", this.m_socket)
	if err != nil {
		return tools.Error(this.log, "unable to listen on ", this.m_socket, ": ", err)
	}
	this.m_listener = listener
	this.log.Info("control server listening on ", this.m_socket)
	return nil
}

// Serve blocks until ctx is done or the server fails.
func (this *Server) Serve(ctx context.Context) tools.Ret {
	if this.m_listener == nil {
		return tools.Error(this.log, "control server has to listen before it can serve")
	}
	/* every request's context comes from ctx, so anybody stuck waiting on the handshake is let go
	   when we stop. */
	this.m_http = &http.Server{
		Handler:     this.Router(),
		BaseContext: func(net.Listener) context.Context { return ctx },
		ConnContext: this.conn_context,
	}
	var served = make(chan error, 1)
	go func() { served <- this.m_http.Serve(this.m_listener) }()

	select {
	case err := <-served:
		if err != nil && errors.Is(err, http.ErrServerClosed) == false {
			return tools.Error(this.log, "control server failed: ", err)
		}
		return nil
	case <-ctx.Done():
	}

	var shutdown_ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := this.m_http.Shutdown(shutdown_ctx); err != nil {
		this.m_http.Close()
	}
	os.Remove(this.m_socket)
	this.log.Info("control server on ", this.m_socket, " stopped")
	return nil
}

func (this *Server) conn_context(ctx context.Context, c net.Conn) context.Context {
	if caller, ok := peer_caller(c); ok {
		return context.WithValue(ctx, caller_key{}, caller)
	}
	return ctx
}

func (this *Server) caller(r *http.Request) (tools.Ret, virtblkiosim_src.Caller_id) {
	var hdr = r.Header.Get(HEADER_CALLER)
	var id, err = strconv.ParseUint(hdr, 10, 64)
	if err == nil && Is_caller_token(id) {
		return nil, virtblkiosim_src.Caller_id(id)
	}
	if caller, ok := r.Context().Value(caller_key{}).(virtblkiosim_src.Caller_id); ok {
		return nil, caller
	}
	if err != nil || id == 0 {
		return tools.ErrorWithCode(this.log, int(syscall.EPERM), "can't tell who the caller is, header: '", hdr, "'"), 0
	}
	return nil, virtblkiosim_src.Caller_id(id)
}

func Errno_to_status(code int) int {
	switch code {
	case int(syscall.EPERM):
		return http.StatusForbidden
	case int(syscall.EINVAL), virtblkiosim_entry.VIRTBLKIOSIM_ERROR_INVALID_HEADER:
		return http.StatusBadRequest
	case int(syscall.ENXIO), int(syscall.ENOENT):
		return http.StatusNotFound
	case int(syscall.ENOMEM):
		return http.StatusInsufficientStorage
	case int(syscall.EINTR):
		return http.StatusServiceUnavailable
	case int(syscall.ETIMEDOUT):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (this *Server) write_error(w http.ResponseWriter, ret tools.Ret) {
	w.Header().Set(HEADER_ERRNO, strconv.Itoa(ret.Get_errcode()))
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(Errno_to_status(ret.Get_errcode()))
	io.WriteString(w, ret.Get_errmsg())
}

func (this *Server) write_bytes(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		this.log.Error("unable to write response: ", err)
	}
}

func (this *Server) read_body(w http.ResponseWriter, r *http.Request) (tools.Ret, []byte) {
	var data, err = io.ReadAll(http.MaxBytesReader(w, r.Body, MAX_BODY_BYTES))
	if err != nil {
		return tools.ErrorWithCode(this.log, int(syscall.EINVAL), "unable to read request body: ", err), nil
	}
	return nil, data
}

func (this *Server) register_caller(w http.ResponseWriter, r *http.Request) {
	var ret, caller = this.caller(r)
	if ret == nil {
		ret = this.m_device.Get_commands().Register_caller(caller)
	}
	if ret != nil {
		this.write_error(w, ret)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (this *Server) release_caller(w http.ResponseWriter, r *http.Request) {
	var ret, caller = this.caller(r)
	if ret != nil {
		this.write_error(w, ret)
		return
	}
	if registered, ok := this.m_device.Get_commands().Get_caller(); ok == false || registered != caller {
		this.write_error(w, tools.ErrorWithCode(this.log, int(syscall.EPERM), "release from ", caller,
			" who is not the mapping authority"))
		return
	}
	this.m_device.Release(caller)
	w.WriteHeader(http.StatusOK)
}

func (this *Server) get_request_size(w http.ResponseWriter, r *http.Request) {
	var ret, caller = this.caller(r)
	var size uint64
	if ret == nil {
		ret, size = this.m_device.Get_commands().Get_request_size(r.Context(), caller)
	}
	if ret != nil {
		this.write_error(w, ret)
		return
	}
	var data = make([]byte, 8)
	binary.LittleEndian.PutUint64(data, size)
	this.write_bytes(w, data)
}

func (this *Server) get_block(w http.ResponseWriter, r *http.Request) {
	var ret, caller = this.caller(r)
	var snapshot *virtblkiosim_entry.Batch_snapshot
	if ret == nil {
		ret, snapshot = this.m_device.Get_commands().Get_block(r.Context(), caller)
	}
	var data []byte
	if ret == nil {
		ret, data = snapshot.Serialize(this.log)
	}
	if ret != nil {
		this.write_error(w, ret)
		return
	}
	this.write_bytes(w, data)
}

func (this *Server) set_block(w http.ResponseWriter, r *http.Request) {
	var ret, caller = this.caller(r)
	var data []byte
	if ret == nil {
		ret, data = this.read_body(w, r)
	}
	var short_bytes int
	if ret == nil {
		ret, short_bytes = this.m_device.Get_commands().Set_block_bytes(r.Context(), caller, data)
	}
	if ret != nil {
		this.write_error(w, ret)
		return
	}
	if short_bytes > 0 {
		w.Header().Set(HEADER_SHORT_COPY, strconv.Itoa(short_bytes))
	}
	w.WriteHeader(http.StatusOK)
}

func (this *Server) get_geometry(w http.ResponseWriter, r *http.Request) {
	var g = this.m_device.Get_geometry()
	var info Geometry_info
	info.Sector_size = g.Get_sector_size()
	info.Page_size = g.Get_page_size()
	info.Sectors_per_page = g.Get_sectors_per_page()
	info.Num_pages = g.Get_num_pages()
	info.Request_size_div = g.Get_request_size_div()
	info.Max_hw_sectors = g.Get_max_hw_sectors()
	info.Capacity_sectors = g.Get_capacity_sectors()
	var caller, registered = this.m_device.Get_commands().Get_caller()
	info.Registered = registered
	info.Caller = uint64(caller)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&info); err != nil {
		this.log.Error("unable to write geometry: ", err)
	}
}

func (this *Server) open(w http.ResponseWriter, r *http.Request) {
	if ret := this.m_device.Open(r.URL.Query().Get("tag")); ret != nil {
		this.write_error(w, ret)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (this *Server) query_uint(r *http.Request, name string) (tools.Ret, uint64) {
	var v = r.URL.Query().Get(name)
	var n, err = strconv.ParseUint(v, 10, 64)
	if err != nil {
		return tools.ErrorWithCode(this.log, int(syscall.EINVAL), "bad ", name, ": '", v, "'"), 0
	}
	return nil, n
}

func (this *Server) read_disk(w http.ResponseWriter, r *http.Request) {
	var ret, sector = this.query_uint(r, "sector")
	var count uint64
	if ret == nil {
		ret, count = this.query_uint(r, "count")
	}
	if ret == nil && count > this.m_device.Get_geometry().Get_max_hw_sectors() {
		ret = tools.ErrorWithCode(this.log, int(syscall.EINVAL), "read of ", count, " sectors is more than the device maximum of ",
			this.m_device.Get_geometry().Get_max_hw_sectors())
	}
	var data []byte
	if ret == nil {
		data = make([]byte, count*uint64(this.m_device.Get_geometry().Get_sector_size()))
		ret = this.m_device.Read(r.Context(), sector, data)
	}
	if ret != nil {
		this.write_error(w, ret)
		return
	}
	this.write_bytes(w, data)
}

func (this *Server) write_disk(w http.ResponseWriter, r *http.Request) {
	var ret, sector = this.query_uint(r, "sector")
	var data []byte
	if ret == nil {
		ret, data = this.read_body(w, r)
	}
	if ret == nil {
		ret = this.m_device.Write(r.Context(), sector, data)
	}
	if ret != nil {
		this.write_error(w, ret)
		return
	}
	w.WriteHeader(http.StatusOK)
}
