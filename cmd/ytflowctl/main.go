// Copyright 2023 The YtFlowCore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command ytflowctl runs a profile or converts proxy documents from the
// command line: the minimal operational surface while the full UI lives
// elsewhere.
//
// Usage:
//
//	ytflowctl run -profile profile.toml
//	ytflowctl decode-link "ss://..."
//	ytflowctl export-profile -profile profile.toml
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"

	"github.com/ytflow/ytflowcore/plugin"
	_ "github.com/ytflow/ytflowcore/plugins"
	"github.com/ytflow/ytflowcore/store"
)

func main() {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelDebug})))

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(os.Args[2:])
	case "decode-link":
		err = decodeLinkCmd(os.Args[2:])
	case "export-profile":
		err = exportProfileCmd(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ytflowctl run|decode-link|export-profile [flags]")
}

// runCmd loads a TOML profile, instantiates its plugin set, and blocks
// until interrupted. Dropping the set on exit is what tears the plugin
// graph down.
func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	profilePath := fs.String("profile", "", "path to the profile TOML document")
	fs.Parse(args)
	if *profilePath == "" {
		return fmt.Errorf("-profile is required")
	}

	doc, err := os.ReadFile(*profilePath)
	if err != nil {
		return err
	}
	parsed, err := store.ImportTomlProfile(doc)
	if err != nil {
		return err
	}

	persisted := make([]plugin.PersistedPlugin, len(parsed.Plugins))
	for i, p := range parsed.Plugins {
		persisted[i] = plugin.PersistedPlugin{
			Name:    p.Name,
			Type:    p.Plugin,
			Version: p.Version,
			Param:   p.Param,
		}
	}
	set := plugin.LoadSet(plugin.Default, parsed.EntryPlugins, persisted)
	for _, err := range set.Errors {
		slog.Warn("plugin failed to load", "err", err)
	}
	if len(set.ByName) == 0 {
		return fmt.Errorf("no plugin loaded")
	}
	slog.Info("profile running", "name", parsed.Name, "plugins", len(set.ByName))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	slog.Info("shutting down")
	return nil
}

func decodeLinkCmd(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("decode-link takes exactly one share link")
	}
	proxy, err := store.DecodeShareLink(args[0])
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(proxy, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// exportProfileCmd round-trips a profile document through the importer
// and exporter, normalizing formatting and validating it in one step.
func exportProfileCmd(args []string) error {
	fs := flag.NewFlagSet("export-profile", flag.ExitOnError)
	profilePath := fs.String("profile", "", "path to the profile TOML document")
	fs.Parse(args)
	if *profilePath == "" {
		return fmt.Errorf("-profile is required")
	}
	doc, err := os.ReadFile(*profilePath)
	if err != nil {
		return err
	}
	parsed, err := store.ImportTomlProfile(doc)
	if err != nil {
		return err
	}
	out, err := store.ExportTomlProfile(parsed)
	if err != nil {
		return err
	}
	os.Stdout.Write(out)
	return nil
}
