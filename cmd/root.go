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

// Package cmd is the host bridge adapter: it parses the command line,
// bootstraps and checks the database, registers the FUSE handlers with the
// kernel bridge, and owns the process's mount/unmount lifecycle.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set via -ldflags at build time, matching the teacher's
// getVersion() helper.
var version = "dev"

var (
	verbose        bool
	foreground     bool
	singleThreaded bool
	mountOptions   []string
)

var rootCmd = &cobra.Command{
	Use:          "pgfuse <connection-string> <mountpoint>",
	Short:        "Mount a PostgreSQL database as a FUSE filesystem",
	Long:         `PgFuse mounts a directory tree, file content, symlinks and POSIX metadata stored entirely inside a PostgreSQL database.`,
	Version:      version,
	Args:         cobra.ExactArgs(2),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := parseMountOptions(mountOptions)
		if err != nil {
			return err
		}
		return run(cmd.Context(), args[0], args[1], runParams{
			Verbose:        verbose,
			Foreground:     foreground,
			SingleThreaded: singleThreaded,
			Options:        opts,
		})
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "log verbosely to syslog")
	flags.BoolVarP(&foreground, "foreground", "f", false, "run in the foreground instead of daemonizing")
	flags.BoolVarP(&singleThreaded, "single-threaded", "s", false, "bypass the connection pool; serialize every handler on one session")
	flags.StringArrayVarP(&mountOptions, "option", "o", nil, "mount option, e.g. -o ro or -o blocksize=N (repeatable)")
	// -v is taken by --verbose, so cobra's own version flag would get no
	// shorthand; declaring it here gives it -V.
	rootCmd.Flags().BoolP("version", "V", false, "version for pgfuse")
	rootCmd.SetVersionTemplate("pgfuse {{.Version}}\n")
}

// Execute runs the root command: it exits 0 on success and 1 on any error,
// whether from argument parsing, the database check, or mounting and
// serving.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
