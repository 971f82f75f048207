//go:build !windows

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/playok/fleetmon/internal/config"
)

var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// startDaemon re-executes the binary with "run" detached from the terminal.
func startDaemon(cfg *config.Config) error {
	if pid, err := readPidFile(cfg.PidFile); err == nil {
		if processExists(pid) {
			return fmt.Errorf("fleetmon is already running (PID %d)", pid)
		}
		// Stale PID file
		os.Remove(cfg.PidFile)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to find executable: %w", err)
	}

	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", cfg.LogFile, err)
	}
	defer logFile.Close()

	child := &exec.Cmd{
		Path:   exe,
		Args:   append([]string{filepath.Base(exe), "run"}, cfg.ForwardArgs()...),
		Stdout: logFile,
		Stderr: logFile,
		SysProcAttr: &syscall.SysProcAttr{
			Setsid: true, // detach from terminal
		},
	}
	if err := child.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	pid := child.Process.Pid
	if err := writePidFile(cfg.PidFile, pid); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to write PID file: %v\n", err)
	}
	child.Process.Release()

	fmt.Printf("fleetmon started (PID %d)\n", pid)
	printSummary(cfg)
	return nil
}

func stopDaemon(cfg *config.Config) error {
	pid, err := readPidFile(cfg.PidFile)
	if err != nil {
		return fmt.Errorf("fleetmon is not running (no PID file: %s)", cfg.PidFile)
	}
	if !processExists(pid) {
		os.Remove(cfg.PidFile)
		return fmt.Errorf("fleetmon is not running (stale PID %d)", pid)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop PID %d: %w", pid, err)
	}

	// Wait for process to exit (up to 10 seconds)
	for i := 0; i < 100; i++ {
		time.Sleep(100 * time.Millisecond)
		if !processExists(pid) {
			os.Remove(cfg.PidFile)
			fmt.Printf("fleetmon stopped (PID %d)\n", pid)
			return nil
		}
	}

	fmt.Printf("fleetmon stop signal sent (PID %d), waiting for exit...\n", pid)
	os.Remove(cfg.PidFile)
	return nil
}

func daemonStatus(cfg *config.Config) error {
	pid, err := readPidFile(cfg.PidFile)
	if err != nil {
		return fmt.Errorf("fleetmon is stopped")
	}
	if !processExists(pid) {
		os.Remove(cfg.PidFile)
		return fmt.Errorf("fleetmon is stopped (stale PID file, was PID %d)", pid)
	}
	fmt.Printf("fleetmon is running (PID %d)\n", pid)
	printSummary(cfg)
	return nil
}

func printSummary(cfg *config.Config) {
	fmt.Printf("  Listen    : http://%s\n", cfg.Listen)
	if cfg.TelemetryListen != "" {
		fmt.Printf("  Telemetry : http://%s/metrics\n", cfg.TelemetryListen)
	}
	fmt.Printf("  Base      : %s\n", cfg.BasePath)
	fmt.Printf("  Database  : %s\n", cfg.DBPath)
	fmt.Printf("  PID       : %s\n", cfg.PidFile)
	fmt.Printf("  Log       : %s\n", cfg.LogFile)
}

func processExists(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks existence without actually sending a signal
	return proc.Signal(syscall.Signal(0)) == nil
}
