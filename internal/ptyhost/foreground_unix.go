/*
   Copyright 2025 MidTerm authors

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

//go:build !windows

package ptyhost

import (
	"fmt"
	"os"
	"strings"

	ps "github.com/mitchellh/go-ps"
	"golang.org/x/sys/unix"

	"github.com/midterm-dev/midterm/pkg/api"
)

// currentForeground resolves the PTY's foreground process group leader.
func currentForeground(ptmx *os.File) (api.ForegroundProcess, bool) {
	pgrp, err := unix.IoctlGetInt(int(ptmx.Fd()), unix.TIOCGPGRP)
	if err != nil || pgrp <= 0 {
		return api.ForegroundProcess{}, false
	}
	fg := api.ForegroundProcess{Pid: pgrp}
	if p, err := ps.FindProcess(pgrp); err == nil && p != nil {
		fg.Name = p.Executable()
	}
	fg.CommandLine = procCmdline(pgrp)
	fg.Cwd = procCwd(pgrp)
	return fg, true
}

// procCmdline reads the command line from procfs where present (Linux);
// elsewhere it stays empty.
func procCmdline(pid int) string {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return ""
	}
	return strings.TrimRight(strings.ReplaceAll(string(raw), "\x00", " "), " ")
}

func procCwd(pid int) string {
	cwd, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
	if err != nil {
		return ""
	}
	return cwd
}
