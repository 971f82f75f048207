//go:build windows

package main

import (
	"errors"
	"os"

	"github.com/playok/fleetmon/internal/config"
)

var shutdownSignals = []os.Signal{os.Interrupt}

var errNoDaemon = errors.New("daemon mode is not supported on Windows, use 'run' for foreground execution")

func startDaemon(*config.Config) error  { return errNoDaemon }
func stopDaemon(*config.Config) error   { return errNoDaemon }
func daemonStatus(*config.Config) error { return errNoDaemon }
