// Copyright 2026 The crates-mirror Authors
// SPDX-License-Identifier: Apache-2.0

// The crates-mirror binary drives the new/verify/sync lifecycle of a local
// crates.io-style mirror cache against a versioned sparse index.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/crates-mirror/crates-mirror/internal/httpx"
	"github.com/crates-mirror/crates-mirror/internal/loglevel"
	"github.com/crates-mirror/crates-mirror/pkg/mirror"
)

const version = "0.1.0"

var (
	path     = flag.String("path", "", "cache root directory")
	jobs     = flag.Int("jobs", 1, "maximum number of crate operations in flight at once")
	logLevel = flag.String("log-level", "info", "minimum log level to emit [debug, info, warn, error]")
	contact  = flag.String("contact", "", "contact information appended to the HTTP User-Agent")
	cloneURL = flag.String("url", "", "index repository URL to clone")
)

var rootCmd = &cobra.Command{
	Use:   "crates-mirror",
	Short: "Mirror a crates.io-style sparse registry to a local artifact cache",
}

var newCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a cache by cloning an index",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if *path == "" {
			return errors.New("--path is required")
		}
		if *cloneURL == "" {
			return errors.New("--url is required")
		}
		log, err := newLogger()
		if err != nil {
			return err
		}
		_, err = mirror.New(cmd.Context(), *path, *cloneURL, log)
		return err
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-download any cached artifact whose checksum no longer matches",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCache(cmd, func(c *mirror.Cache, client httpx.BasicClient) error {
			return c.Verify(cmd.Context(), client, *jobs)
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Refresh the current snapshot, then advance to the upstream index",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCache(cmd, func(c *mirror.Cache, client httpx.BasicClient) error {
			return c.Sync(cmd.Context(), client, *jobs)
		})
	},
}

func withCache(cmd *cobra.Command, fn func(*mirror.Cache, httpx.BasicClient) error) error {
	if *path == "" {
		return errors.New("--path is required")
	}
	if *jobs < 1 {
		return errors.New("--jobs must be >= 1")
	}
	log, err := newLogger()
	if err != nil {
		return err
	}
	c, err := mirror.FromPath(*path, log)
	if err != nil {
		return err
	}
	client := &httpx.WithUserAgent{BasicClient: http.DefaultClient, UserAgent: userAgent()}
	return fn(c, client)
}

func userAgent() string {
	if *contact != "" {
		return fmt.Sprintf("crates-mirror/%s (%s)", version, *contact)
	}
	return fmt.Sprintf("crates-mirror/%s", version)
}

func newLogger() (*loglevel.Logger, error) {
	lvl, err := loglevel.ParseLevel(*logLevel)
	if err != nil {
		return nil, err
	}
	return loglevel.New(lvl), nil
}

func init() {
	for _, cmd := range []*cobra.Command{newCmd, verifyCmd, syncCmd} {
		cmd.Flags().AddGoFlag(flag.Lookup("path"))
		cmd.Flags().AddGoFlag(flag.Lookup("log-level"))
	}
	newCmd.Flags().AddGoFlag(flag.Lookup("url"))
	verifyCmd.Flags().AddGoFlag(flag.Lookup("jobs"))
	verifyCmd.Flags().AddGoFlag(flag.Lookup("contact"))
	syncCmd.Flags().AddGoFlag(flag.Lookup("jobs"))
	syncCmd.Flags().AddGoFlag(flag.Lookup("contact"))

	rootCmd.AddCommand(newCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(syncCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
