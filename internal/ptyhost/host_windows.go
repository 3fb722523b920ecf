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

//go:build windows

package ptyhost

import (
	"context"

	"github.com/pkg/errors"
)

// Options configures one host.
type Options struct {
	SessionID string
	Shell     string
	Cwd       string
	Cols      uint16
	Rows      uint16
}

// Host is not available on Windows builds of this tree.
type Host struct {
	opts Options
}

// New prepares a host; Run starts it.
func New(opts Options) *Host {
	return &Host{opts: opts}
}

// Run reports that no ConPTY backend is wired on this platform.
func (h *Host) Run(context.Context) error {
	return errors.New("ttyhost is not supported on this platform")
}
