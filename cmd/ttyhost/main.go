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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/midterm-dev/midterm/internal/buildinfo"
	"github.com/midterm-dev/midterm/internal/ptyhost"
	"github.com/midterm-dev/midterm/pkg/api"
)

type hostOpts struct {
	session     string
	shell       string
	cwd         string
	cols        int
	rows        int
	showVersion bool
}

func main() {
	opts := hostOpts{}
	cmd := &cobra.Command{
		Use:           "ttyhost",
		Short:         "MidTerm per-session terminal host",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.showVersion {
				fmt.Println(buildinfo.Version)
				return nil
			}
			return run(cmd.Context(), opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.session, "session", "", "session identifier (8 hex chars)")
	flags.StringVar(&opts.shell, "shell", "", "shell command line to run")
	flags.StringVar(&opts.cwd, "cwd", "", "initial working directory")
	flags.IntVar(&opts.cols, "cols", 80, "initial terminal width")
	flags.IntVar(&opts.rows, "rows", 24, "initial terminal height")
	flags.BoolVar(&opts.showVersion, "version", false, "print version and exit")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := cmd.ExecuteContext(ctx); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts hostOpts) error {
	if len(opts.session) != api.SessionIDLength {
		return fmt.Errorf("--session must be %d hex characters", api.SessionIDLength)
	}
	host := ptyhost.New(ptyhost.Options{
		SessionID: opts.session,
		Shell:     opts.shell,
		Cwd:       opts.cwd,
		Cols:      uint16(opts.cols),
		Rows:      uint16(opts.rows),
	})
	return host.Run(ctx)
}
