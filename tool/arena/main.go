// Arena
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command arena runs the game platform control plane.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/gravitational/arena"
	"github.com/gravitational/arena/lib/config"
	"github.com/gravitational/arena/lib/service"
	"github.com/gravitational/arena/lib/utils"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("arena", "Arena game platform control plane.")
	app.HelpFlag.Short('h')
	debug := app.Flag("debug", "Enable verbose logging to stderr.").Short('d').Bool()

	start := app.Command("start", "Starts the control plane.")
	configPath := start.Flag("config", "Path to the configuration file.").
		Short('c').Default("/etc/arena.yaml").String()

	version := app.Command("version", "Prints the version and exits.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	switch command {
	case start.FullCommand():
		return trace.Wrap(onStart(*configPath, *debug))
	case version.FullCommand():
		fmt.Printf("Arena v%v\n", arena.Version)
		return nil
	}
	return nil
}

func onStart(configPath string, debug bool) error {
	fc, err := config.ReadConfigFile(configPath)
	if err != nil {
		return trace.Wrap(err)
	}

	var cfg service.Config
	if err := config.ApplyFileConfig(fc, &cfg); err != nil {
		return trace.Wrap(err)
	}
	if debug || os.Getenv(arena.DebugEnvVar) != "" {
		logger, err := utils.InitLogger("DEBUG", utils.LogFormatText)
		if err != nil {
			return trace.Wrap(err)
		}
		cfg.Logger = logger
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	process, err := service.NewProcess(ctx, cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	defer process.Close()

	return trace.Wrap(process.Run(ctx))
}
