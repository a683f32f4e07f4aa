package main

import (
	"context"
	"errors"
	"net/http"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/pgkeeper/pkg/controlloop"
	"github.com/cuemby/pgkeeper/pkg/events"
	"github.com/cuemby/pgkeeper/pkg/fsm"
	"github.com/cuemby/pgkeeper/pkg/initprotocol"
	"github.com/cuemby/pgkeeper/pkg/log"
	"github.com/cuemby/pgkeeper/pkg/metrics"
	"github.com/cuemby/pgkeeper/pkg/supervisor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent: supervise the local database and drive the control loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		cfg, paths, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		env, coord, err := buildEnv(ctx, cfg, paths)
		if err != nil {
			return err
		}
		defer coord.Close(ctx)

		// An init file on disk means a create never finished; the state
		// file is not authoritative until the initial assignment has been
		// realized, so resume the init protocol before entering the loop.
		if _, resuming, err := env.Store.ReadInit(); err != nil {
			return err
		} else if resuming {
			if err := initprotocol.Create(ctx, env, fsm.NewTable(), env.Store); err != nil {
				return err
			}
		}

		eventStore, err := events.OpenStore(paths.EventsFile())
		if err != nil {
			return err
		}
		defer eventStore.Close()
		stopFollow := make(chan struct{})
		defer close(stopFollow)
		eventStore.Follow(env.Events, stopFollow)

		if cfg.MetricsListen != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			srv := &http.Server{Addr: cfg.MetricsListen, Handler: mux}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					cmdLog := log.WithComponent("cmd")
					cmdLog.Error().Err(err).Msg("metrics listener stopped")
				}
			}()
			go func() {
				<-ctx.Done()
				_ = srv.Close()
			}()
		}

		sup := supervisor.New(paths.PidFile(), []supervisor.ChildSpec{
			{
				Name:   "postgres",
				Policy: supervisor.Permanent,
				Start: func(startCtx context.Context) (*exec.Cmd, error) {
					if err := env.DB.Start(startCtx); err != nil {
						return nil, err
					}
					return env.DB.Cmd(), nil
				},
				// The controller owns the single Wait on its child; the
				// supervisor reads the exit status through this channel
				// rather than racing a second Wait against it.
				Wait: env.DB.Wait,
			},
		})

		loop := controlloop.New(controlloop.Config{}, env, env.Store, coord, sup.Token(), sup, sup)

		// The notification listener feeds early wakeups into the loop so a
		// coordinator-side assignment change is acted on ahead of the next
		// tick. Errors here only cost latency, never correctness: the
		// loop's own ticker still fires regardless.
		wake := make(chan struct{}, 1)
		go func() {
			for ctx.Err() == nil {
				changed, err := coord.WaitForStateChange(ctx, cfg.Formation, cfg.Group, 0, time.Minute)
				if err != nil {
					select {
					case <-ctx.Done():
					case <-time.After(5 * time.Second):
					}
					continue
				}
				if changed {
					select {
					case wake <- struct{}{}:
					default:
					}
				}
			}
		}()

		loopErrCh := make(chan error, 1)
		go func() {
			err := loop.Run(ctx, wake)
			loopErrCh <- err
			// A loop exit (Dropped reached, pidfile sentinel tripped) must
			// take the supervisor down with it rather than leaving the
			// database running unsupervised by a control loop.
			cancel()
		}()

		supErr := sup.Run(ctx)
		cancel()
		loopErr := <-loopErrCh

		if loopErr != nil {
			return loopErr
		}
		if supErr != nil && !errors.Is(supErr, context.Canceled) {
			return supErr
		}
		return nil
	},
}
