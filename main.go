// Copyright 2025 The Parley Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/parley-chat/parley/server"
	"go.uber.org/zap"
)

func main() {
	tmpLogger := server.NewConsoleLogger(os.Stdout, true)

	config := server.ParseArgs(tmpLogger, os.Args[1:])
	logger, startupLogger := server.SetupLogging(tmpLogger, config)
	server.ValidateConfig(startupLogger, config)

	startupLogger.Info("Node starting", zap.String("name", config.Name))

	ctx, cancel := context.WithCancel(context.Background())

	metrics := server.NewMetrics(logger, config)
	components, err := server.NewComponents(ctx, logger, startupLogger, config, metrics)
	if err != nil {
		startupLogger.Fatal("Failed to initialize components", zap.Error(err))
	}

	apiServer := server.StartApiServer(logger, startupLogger, config, components.Pipeline, metrics, components.Backplane, components.SessionRegistry)

	startupLogger.Info("Startup done")

	// Respect OS stop signals.
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGTERM, os.Interrupt)
	<-c

	startupLogger.Info("Shutting down")

	apiServer.Stop()
	components.Stop()
	cancel()

	startupLogger.Info("Shutdown complete")
	os.Exit(0)
}
