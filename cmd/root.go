// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd wires the cobra command line for the simulated kernel:
// flag and config-file binding through cfg, then Mount/run/Shutdown
// through internal/kernel.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mskim5383/pintos-go/cfg"
	"github.com/mskim5383/pintos-go/internal/klog"
	"github.com/mskim5383/pintos-go/internal/metrics"
	"github.com/mskim5383/pintos-go/internal/tracing"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error
	runConfig     cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "pintoskernel [flags] [workload-script]",
	Short: "Run the simulated Pintos-style kernel against a disk image",
	Long: `pintoskernel formats a filesys disk image and a swap disk image
(every run formats them; existing contents are not mounted), spawns one simulated process per workload, and executes
either a workload script (one syscall invocation per line) or, with no
script given, an interactive REPL against it.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}
		if err := cfg.Rationalize(&runConfig); err != nil {
			return fmt.Errorf("rationalizing config: %w", err)
		}
		if err := cfg.ValidateConfig(&runConfig); err != nil {
			return err
		}

		klog.Init(klog.Config{
			Path:            runConfig.Logging.FilePath,
			MaxSizeMB:       runConfig.Logging.LogRotate.MaxFileSizeMb,
			MaxBackups:      runConfig.Logging.LogRotate.BackupFileCount,
			Compress:        runConfig.Logging.LogRotate.Compress,
			MinSeverityRank: runConfig.Logging.Severity.Rank(),
		})

		var scriptPath string
		if len(args) == 1 {
			scriptPath = args[0]
		}
		return Run(cmd.Context(), &runConfig, scriptPath, os.Stdout, os.Stdin)
	},
}

// Run boots the kernel described by c, executes scriptPath (or an
// interactive REPL when scriptPath is empty) against a freshly
// spawned process, then shuts the kernel down. It is kept separate
// from rootCmd.RunE, its only caller, so that it takes no cobra types.
func Run(ctx context.Context, c *cfg.Config, scriptPath string, stdout *os.File, stdin *os.File) error {
	if c.Tracing.Enabled {
		shutdownTracing, err := tracing.Enable()
		if err != nil {
			return fmt.Errorf("starting tracing: %w", err)
		}
		defer shutdownTracing(ctx)
	}

	if c.Metrics.Addr != "" {
		handler, err := metrics.Init()
		if err != nil {
			return fmt.Errorf("starting metrics endpoint: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", handler)
		srv := &http.Server{Addr: c.Metrics.Addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintln(os.Stderr, "metrics server:", err)
			}
		}()
		defer srv.Shutdown(ctx)
	}

	if err := runWorkload(ctx, c, scriptPath, stdout, stdin); err != nil {
		return err
	}
	return nil
}

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	runConfig = cfg.GetDefaultConfig()

	if cfgFile == "" {
		unmarshalErr = viper.Unmarshal(&runConfig, viper.DecodeHook(cfg.DecodeHook()))
		return
	}

	resolved, err := filepath.Abs(cfgFile)
	if err != nil {
		configFileErr = fmt.Errorf("resolving config file path: %w", err)
		return
	}
	viper.SetConfigFile(resolved)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("reading config file: %w", err)
		return
	}
	unmarshalErr = viper.Unmarshal(&runConfig, viper.DecodeHook(cfg.DecodeHook()))
}
