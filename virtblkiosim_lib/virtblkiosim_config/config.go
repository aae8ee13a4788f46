// SPDX-License-Identifier: LGPL-2.1
// Copyright (C) 2021-2022 stu mark

/* configuration comes from three places, in increasing order of who wins: the defaults here,
   a .env file, and VIRTBLKIOSIM_ environment variables. the cli flags get the last word but
	 that's the cli's business. */

// package name must match directory name
package virtblkiosim_config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nixomose/nixomosegotools/tools"
	"github.com/nixomose/virtblkiosim/virtblkiosim_lib/virtblkiosim_layout"
)

const ENV_PREFIX string = "VIRTBLKIOSIM_"

const DEFAULT_SOCKET string = "/tmp/virtblkiosim.sock"
const DEFAULT_LOG_LEVEL string = "info"
const DEFAULT_REAPER_INTERVAL time.Duration = time.Second
const DEFAULT_MAX_BATCH_SLOTS int = 1024
const DEFAULT_DEVICE_TAG string = "virtblkiosim"
const DEFAULT_ENV_FILE string = ".env"

type Config struct {
	Socket          string
	Log_level       string // debug or info
	Num_pages       uint64
	Mapping_timeout time.Duration // zero waits forever
	Reaper_interval time.Duration // zero turns the reaper off
	Trace_db        string        // empty means no trace
	Max_batch_slots int
	Device_tag      string
}

func Default_config() *Config {
	var c Config
	c.Socket = DEFAULT_SOCKET
	c.Log_level = DEFAULT_LOG_LEVEL
	c.Num_pages = virtblkiosim_layout.DEVICE_NUMBER_OF_PAGES
	c.Mapping_timeout = 0
	c.Reaper_interval = DEFAULT_REAPER_INTERVAL
	c.Trace_db = ""
	c.Max_batch_slots = DEFAULT_MAX_BATCH_SLOTS
	c.Device_tag = DEFAULT_DEVICE_TAG
	return &c
}

func Load(log *tools.Nixomosetools_logger, env_file string) (tools.Ret, *Config) {
	/* an env file you asked for has to be there, the default one doesn't.
	   godotenv never overrides what's already in the environment, which is the order we want. */
	if env_file != "" {
		if err := godotenv.Load(env_file); err != nil {
			return tools.ErrorWithCode(log, int(syscall.ENOENT), "unable to load env file ", env_file, ": ", err), nil
		}
	} else if err := godotenv.Load(DEFAULT_ENV_FILE); err != nil && errors.Is(err, fs.ErrNotExist) == false {
		return tools.ErrorWithCode(log, int(syscall.EINVAL), "unable to load env file ", DEFAULT_ENV_FILE, ": ", err), nil
	}

	var c = Default_config()
	if ret := c.from_env(log); ret != nil {
		return ret, nil
	}
	if ret := c.Validate(log); ret != nil {
		return ret, nil
	}
	return nil, c
}

func (this *Config) from_env(log *tools.Nixomosetools_logger) tools.Ret {
	var err error
	var bad = func(key string, val string, err error) tools.Ret {
		return tools.ErrorWithCode(log, int(syscall.EINVAL), "bad value for ", ENV_PREFIX+key, ": '", val, "': ", err)
	}

	if v, ok := os.LookupEnv(ENV_PREFIX + "SOCKET"); ok {
		this.Socket = v
	}
	if v, ok := os.LookupEnv(ENV_PREFIX + "LOG_LEVEL"); ok {
		this.Log_level = strings.ToLower(v)
	}
	if v, ok := os.LookupEnv(ENV_PREFIX + "NUM_PAGES"); ok {
		if this.Num_pages, err = strconv.ParseUint(v, 10, 64); err != nil {
			return bad("NUM_PAGES", v, err)
		}
	}
	if v, ok := os.LookupEnv(ENV_PREFIX + "MAPPING_TIMEOUT"); ok {
		if this.Mapping_timeout, err = time.ParseDuration(v); err != nil {
			return bad("MAPPING_TIMEOUT", v, err)
		}
	}
	if v, ok := os.LookupEnv(ENV_PREFIX + "REAPER_INTERVAL"); ok {
		if this.Reaper_interval, err = time.ParseDuration(v); err != nil {
			return bad("REAPER_INTERVAL", v, err)
		}
	}
	if v, ok := os.LookupEnv(ENV_PREFIX + "TRACE_DB"); ok {
		this.Trace_db = v
	}
	if v, ok := os.LookupEnv(ENV_PREFIX + "MAX_BATCH_SLOTS"); ok {
		if this.Max_batch_slots, err = strconv.Atoi(v); err != nil {
			return bad("MAX_BATCH_SLOTS", v, err)
		}
	}
	if v, ok := os.LookupEnv(ENV_PREFIX + "DEVICE_TAG"); ok {
		this.Device_tag = v
	}
	return nil
}

func (this *Config) Validate(log *tools.Nixomosetools_logger) tools.Ret {
	if this.Log_level != "debug" && this.Log_level != "info" {
		return tools.ErrorWithCode(log, int(syscall.EINVAL), "log level must be debug or info, not '", this.Log_level, "'")
	}
	if this.Socket == "" {
		return tools.ErrorWithCode(log, int(syscall.EINVAL), "socket path can't be empty")
	}
	if this.Num_pages == 0 {
		return tools.ErrorWithCode(log, int(syscall.EINVAL), "number of pages must be non-zero")
	}
	if this.Mapping_timeout < 0 || this.Reaper_interval < 0 {
		return tools.ErrorWithCode(log, int(syscall.EINVAL), "mapping timeout and reaper interval can't be negative")
	}
	if this.Max_batch_slots <= 0 {
		return tools.ErrorWithCode(log, int(syscall.EINVAL), "max batch slots must be positive, not ", this.Max_batch_slots)
	}
	return nil
}

// Apply_log_level sets log to whatever level the config asks for.
func (this *Config) Apply_log_level(log *tools.Nixomosetools_logger) {
	if this.Log_level == "debug" {
		log.Set_level(tools.DEBUG)
		return
	}
	log.Set_level(tools.INFO)
}

func (this *Config) Geometry(log *tools.Nixomosetools_logger) (tools.Ret, *virtblkiosim_layout.Geometry) {
	return virtblkiosim_layout.New_geometry(log, virtblkiosim_layout.DEVICE_SECTOR_SIZE, virtblkiosim_layout.DEVICE_PAGE_SIZE,
		this.Num_pages, virtblkiosim_layout.DEVICE_REQUEST_SIZE_DIV, virtblkiosim_layout.DEVICE_REQ_QU_MAX_HW_SECTORS)
}
