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
	"net/http"
	"time"

	units "github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/midterm-dev/midterm/internal/buildinfo"
	"github.com/midterm-dev/midterm/pkg/mux"
	"github.com/midterm-dev/midterm/pkg/server"
	"github.com/midterm-dev/midterm/pkg/session"
	"github.com/midterm-dev/midterm/pkg/ttyhost"
)

type serveOpts struct {
	listen        string
	logLevel      string
	ringSize      string
	minCompatible string
	runAsUser     string
	authToken     string
	defaultShell  string
}

func serveCommand() *cobra.Command {
	opts := serveOpts{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MidTerm host",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.listen, "listen", "127.0.0.1:8719", "address to serve the web endpoints on")
	flags.StringVar(&opts.logLevel, "log-level", "info", `log level ("trace"|"debug"|"info"|"warn"|"error")`)
	flags.StringVar(&opts.ringSize, "ring-size", "256KiB", "per-session output buffer per browser client")
	flags.StringVar(&opts.minCompatible, "min-compatible", buildinfo.MinCompatiblePty, "oldest adoptable ttyhost version")
	flags.StringVar(&opts.runAsUser, "run-as-user", "", "spawn ttyhosts as this user when running privileged")
	flags.StringVar(&opts.authToken, "auth-token", "", "require this token on every websocket accept")
	flags.StringVar(&opts.defaultShell, "default-shell", "", "shell command for new sessions")
	return cmd
}

func runServe(ctx context.Context, opts serveOpts) error {
	level, err := logrus.ParseLevel(opts.logLevel)
	if err != nil {
		return errors.Wrapf(err, "parse log level %q", opts.logLevel)
	}
	logrus.SetLevel(level)

	ringSize, err := units.RAMInBytes(opts.ringSize)
	if err != nil {
		return errors.Wrapf(err, "parse ring size %q", opts.ringSize)
	}

	spawner, err := ttyhost.NewSpawner()
	if err != nil {
		return err
	}

	sessions := session.NewManager(session.Config{
		Spawner:       spawner,
		MinCompatible: opts.minCompatible,
		LogLevel:      uint8(level),
		DefaultShell:  opts.defaultShell,
		RunAsUser:     opts.runAsUser,
	})
	sessions.Discover(ctx)

	muxMgr := mux.NewConnectionManager(sessions)
	srv := server.New(server.Config{
		Sessions:    sessions,
		Mux:         muxMgr,
		AuthToken:   opts.authToken,
		RingSize:    int(ringSize),
		ShutdownCtx: ctx,
	})

	httpSrv := &http.Server{
		Addr:              opts.listen,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		muxMgr.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logrus.Infof("mt %s listening on %s", buildinfo.Version, opts.listen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Shutdown order: the fan-out task drains, each mux client closes
		// with the dedicated code, then every ttyhost transport comes down.
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(sctx)
		return sessions.Shutdown(sctx)
	})
	return g.Wait()
}
