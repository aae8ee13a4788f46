// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

/* the sqlite trace keeps one row per completed sub-request so you can go back after a run
   and see where the authority put everything. rows are held in memory and written out in one
	 transaction when there are enough of them, on shutdown, and when the process exits. */

// package name must match directory name
package virtblkiosim_trace

import (
	"database/sql"
	"os"
	"sync"
	"syscall"
	"time"

	// sqlite driver, registers as "sqlite"
	_ "github.com/glebarez/go-sqlite"

	"github.com/nixomose/nixomosegotools/tools"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_interfaces"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

const DEFAULT_TRACE_BATCH_SIZE int = 10000

type Sqlite_tracer struct {
	log  *tools.Nixomosetools_logger
	lock sync.Mutex

	db        *sql.DB
	statement *sql.Stmt

	db_name    string
	pending    []virtblkiosim_interfaces.Trace_record
	batch_size int
}

/* one exit handler flushes every tracer that hasn't been closed yet, so closed ones aren't kept
   around by it. */
var live_lock sync.Mutex
var live_tracers = make(map[*Sqlite_tracer]struct{})
var exit_handler sync.Once

func track(t *Sqlite_tracer) {
	exit_handler.Do(func() { atexit.Register(flush_live) })
	live_lock.Lock()
	defer live_lock.Unlock()
	live_tracers[t] = struct{}{}
}

func untrack(t *Sqlite_tracer) {
	live_lock.Lock()
	defer live_lock.Unlock()
	delete(live_tracers, t)
}

func flush_live() {
	live_lock.Lock()
	var tracers = make([]*Sqlite_tracer, 0, len(live_tracers))
	for t := range live_tracers {
		tracers = append(tracers, t)
	}
	live_lock.Unlock()
	for _, t := range tracers {
		t.Flush()
	}
}

// verify that the sqlite tracer implements the trace interface
var _ virtblkiosim_interfaces.Trace_interface = &Sqlite_tracer{}
var _ virtblkiosim_interfaces.Trace_interface = (*Sqlite_tracer)(nil)

func New_sqlite_tracer(l *tools.Nixomosetools_logger, path string, batch_size int) *Sqlite_tracer {
	var t Sqlite_tracer
	t.log = l
	t.db_name = path
	t.batch_size = batch_size
	if t.batch_size <= 0 {
		t.batch_size = DEFAULT_TRACE_BATCH_SIZE
	}
	track(&t)
	return &t
}

func (this *Sqlite_tracer) Get_filename() string {
	return this.db_name
}

func (this *Sqlite_tracer) Init() tools.Ret {
	if this.db_name == "" {
		this.db_name = "virtblkiosim_trace_" + xid.New().String() + ".sqlite3"
	}
	if _, err := os.Stat(this.db_name); err == nil {
		return tools.ErrorWithCode(this.log, int(syscall.EEXIST), "trace database ", this.db_name, " already exists")
	}

	var db, err = sql.Open("sqlite", this.db_name)
	if err != nil {
		return tools.Error(this.log, "unable to open trace database ", this.db_name, ": ", err)
	}
	this.db = db

	if ret := this.create_table(); ret != nil {
		return ret
	}
	this.statement, err = this.db.Prepare(`INSERT INTO trace VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return tools.Error(this.log, "unable to prepare trace insert: ", err)
	}
	this.log.Info("tracing sub-requests to ", this.db_name)
	return nil
}

func (this *Sqlite_tracer) create_table() tools.Ret {
	var queries = []string{`
		create table trace
		(
			request_id     varchar(20) not null,
			direction      integer     not null,
			lpn            integer     not null,
			ppn            integer     not null,
			ppnx           integer     not null,
			start_sector   integer     not null,
			num_of_sectors integer     not null,
			outcome        varchar(32) not null,
			errcode        integer     not null default 0,
			time_ns        integer     not null
		);`,
		`create index trace_request_id_index on trace (request_id);`,
		`create index trace_lpn_index on trace (lpn);`,
		`create index trace_time_index on trace (time_ns);`,
	}
	for _, q := range queries {
		if _, err := this.db.Exec(q); err != nil {
			return tools.Error(this.log, "unable to create trace table: ", err)
		}
	}
	return nil
}

func (this *Sqlite_tracer) Record(rec virtblkiosim_interfaces.Trace_record) {
	this.lock.Lock()
	defer this.lock.Unlock()
	this.pending = append(this.pending, rec)
	if len(this.pending) >= this.batch_size {
		this.flush() // it logged whatever went wrong, a trace never fails a request
	}
}

func (this *Sqlite_tracer) Flush() tools.Ret {
	this.lock.Lock()
	defer this.lock.Unlock()
	return this.flush()
}

// must hold the lock
func (this *Sqlite_tracer) flush() tools.Ret {
	if len(this.pending) == 0 || this.db == nil {
		return nil
	}
	/* whether it worked or not these are done with, a database that won't take them now
	   isn't going to take twice as many later. */
	var pending = this.pending
	this.pending = nil

	var tx, err = this.db.Begin()
	if err != nil {
		return tools.Error(this.log, "unable to start trace transaction, dropping ", len(pending), " trace records: ", err)
	}
	var stmt = tx.Stmt(this.statement)
	for _, rec := range pending {
		_, err = stmt.Exec(rec.Request_id, rec.Direction, int64(rec.Lpn), int64(rec.Ppn), int64(rec.Ppnx),
			int64(rec.Start_sector), int64(rec.Num_of_sectors), rec.Outcome, rec.Errcode, rec.When.UnixNano())
		if err != nil {
			tx.Rollback()
			return tools.Error(this.log, "unable to write trace record for request ", rec.Request_id,
				", dropping ", len(pending), " trace records: ", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return tools.Error(this.log, "unable to commit trace records, dropping ", len(pending), ": ", err)
	}
	this.log.Debug("flushed ", len(pending), " trace records")
	return nil
}

func (this *Sqlite_tracer) get_pending() int {
	this.lock.Lock()
	defer this.lock.Unlock()
	return len(this.pending)
}

func (this *Sqlite_tracer) Close() tools.Ret {
	untrack(this)
	var ret = this.Flush()
	this.lock.Lock()
	defer this.lock.Unlock()
	if this.statement != nil {
		this.statement.Close()
		this.statement = nil
	}
	if this.db != nil {
		if err := this.db.Close(); err != nil && ret == nil {
			ret = tools.Error(this.log, "unable to close trace database: ", err)
		}
		this.db = nil
	}
	return ret
}

type Sqlite_trace_reader struct {
	log      *tools.Nixomosetools_logger
	db       *sql.DB
	filename string
}

func New_sqlite_trace_reader(l *tools.Nixomosetools_logger, filename string) *Sqlite_trace_reader {
	var r Sqlite_trace_reader
	r.log = l
	r.filename = filename
	return &r
}

func (this *Sqlite_trace_reader) Init() tools.Ret {
	if _, err := os.Stat(this.filename); err != nil {
		return tools.ErrorWithCode(this.log, int(syscall.ENOENT), "trace database ", this.filename, " doesn't exist")
	}
	var db, err = sql.Open("sqlite", this.filename)
	if err != nil {
		return tools.Error(this.log, "unable to open trace database ", this.filename, ": ", err)
	}
	this.db = db
	return nil
}

// List_records returns every record for request_id in the order they were done, or all of them if request_id is empty.
func (this *Sqlite_trace_reader) List_records(request_id string) (tools.Ret, []virtblkiosim_interfaces.Trace_record) {
	var query = `SELECT request_id, direction, lpn, ppn, ppnx, start_sector, num_of_sectors, outcome, errcode, time_ns
		FROM trace`
	var args []any
	if request_id != "" {
		query += ` WHERE request_id = ?`
		args = append(args, request_id)
	}
	query += ` ORDER BY rowid`

	var rows, err = this.db.Query(query, args...)
	if err != nil {
		return tools.Error(this.log, "unable to query trace database: ", err), nil
	}
	defer rows.Close()

	var records []virtblkiosim_interfaces.Trace_record
	for rows.Next() {
		var rec virtblkiosim_interfaces.Trace_record
		var lpn, ppn, ppnx, start_sector, num_of_sectors, time_ns int64
		err = rows.Scan(&rec.Request_id, &rec.Direction, &lpn, &ppn, &ppnx, &start_sector, &num_of_sectors,
			&rec.Outcome, &rec.Errcode, &time_ns)
		if err != nil {
			return tools.Error(this.log, "unable to read trace record: ", err), nil
		}
		rec.Lpn = uint64(lpn)
		rec.Ppn = uint64(ppn)
		rec.Ppnx = uint64(ppnx)
		rec.Start_sector = uint64(start_sector)
		rec.Num_of_sectors = uint64(num_of_sectors)
		rec.When = time.Unix(0, time_ns)
		records = append(records, rec)
	}
	if err = rows.Err(); err != nil {
		return tools.Error(this.log, "unable to read trace records: ", err), nil
	}
	return nil, records
}

func (this *Sqlite_trace_reader) Close() tools.Ret {
	if this.db == nil {
		return nil
	}
	if err := this.db.Close(); err != nil {
		return tools.Error(this.log, "unable to close trace database: ", err)
	}
	this.db = nil
	return nil
}
