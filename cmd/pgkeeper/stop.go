package main

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/pgkeeper/pkg/errs"
	"github.com/cuemby/pgkeeper/pkg/supervisor"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Signal a running agent to shut down gracefully",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, paths, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		pid, err := supervisor.ReadAgentPID(paths.PidFile())
		if err != nil {
			return errs.Wrap(errs.KindInvariantViolation, "read pidfile", err)
		}
		if !supervisor.ProcessAlive(pid) {
			return errs.New(errs.KindInvariantViolation, fmt.Sprintf("pidfile names pid %d, which is not running", pid))
		}

		proc, err := os.FindProcess(pid)
		if err != nil {
			return errs.Wrap(errs.KindInvariantViolation, "find agent process", err)
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return errs.Wrap(errs.KindInvariantViolation, "signal agent process", err)
		}

		for i := 0; i < 100; i++ {
			if _, err := os.Stat(paths.PidFile()); os.IsNotExist(err) {
				fmt.Println("agent stopped")
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}
		return errs.New(errs.KindInvariantViolation, "agent did not remove its pidfile within 10s")
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Signal a running agent to re-read its configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, paths, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		pid, err := supervisor.ReadAgentPID(paths.PidFile())
		if err != nil {
			return errs.Wrap(errs.KindInvariantViolation, "read pidfile", err)
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			return errs.Wrap(errs.KindInvariantViolation, "find agent process", err)
		}
		if err := proc.Signal(syscall.SIGHUP); err != nil {
			return errs.Wrap(errs.KindInvariantViolation, "signal agent process", err)
		}
		fmt.Println("reload signal sent")
		return nil
	},
}
