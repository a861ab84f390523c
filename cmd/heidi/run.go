// Copyright 2026 heidi-engine contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/heidi-engine/heidi-engine/internal/config"
	"github.com/heidi-engine/heidi-engine/internal/control"
	kerrors "github.com/heidi-engine/heidi-engine/internal/errors"
	"github.com/heidi-engine/heidi-engine/internal/kernel"
	"github.com/heidi-engine/heidi-engine/internal/metrics"
	"github.com/heidi-engine/heidi-engine/internal/orchestrator"
	"github.com/heidi-engine/heidi-engine/internal/ui"
)

func runRunCmd(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	real := fs.Bool("real", false, "Run the Gatekeeper's live-training admission check")
	_ = fs.Parse(args)

	cfg, err := config.Load(globals.Config)
	if err != nil {
		kerrors.FatalError(err, globals.JSON)
	}

	rc, err := kernel.New(cfg)
	if err != nil {
		kerrors.FatalError(err, globals.JSON)
	}
	defer rc.Close()

	if !globals.Quiet {
		ui.Header(fmt.Sprintf("heidi run %s", rc.RunID))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	surface, err := control.New(cfg.ControlAddr, rc.RunRoot, rc.RunID, rc.Journal, rc.Clock)
	if err != nil {
		kerrors.FatalError(err, globals.JSON)
	}

	if err := surface.Watch(func(kind, runID string) {
		switch kind {
		case "stop":
			rc.Orchestrator.RequestStop()
		case "pause":
			rc.Orchestrator.RequestPause()
		case "train_now":
			_ = rc.Orchestrator.TrainNow(ctx)
		}
	}); err != nil {
		kerrors.FatalError(err, globals.JSON)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return surface.ListenAndServe()
	})

	if cfg.MetricsAddr != "" {
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
		g.Go(func() error {
			err := metricsSrv.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutCtx)
		})
	}

	g.Go(func() error {
		defer surface.Shutdown()
		return drive(gctx, rc.Orchestrator, *real, globals)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		kerrors.FatalError(err, globals.JSON)
	}
}

// drive starts the orchestrator and ticks it to a terminal state, or until
// ctx is canceled (signal received), in which case it requests a clean
// shutdown at the next stage boundary.
func drive(ctx context.Context, orch *orchestrator.Orchestrator, real bool, globals GlobalFlags) error {
	if err := orch.Start(ctx, real); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return orch.Shutdown()
		default:
		}

		if err := orch.Tick(ctx); err != nil {
			return err
		}

		if !globals.Quiet {
			ui.Infof("round=%d stage=%s state=%s", orch.Round(), orch.Stage(), orch.State())
		}

		switch orch.State() {
		case orchestrator.COMPLETED:
			if !globals.Quiet {
				ui.Success("pipeline complete")
			}
			return nil
		case orchestrator.ERROR:
			return kerrors.New(kerrors.StageFailed, "run", "pipeline terminated in ERROR", nil)
		case orchestrator.IDLE, orchestrator.PAUSED:
			time.Sleep(200 * time.Millisecond)
		}
	}
}
