package main

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"hackium/internal/config"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

//go:embed templates/*
var templateFS embed.FS

// boilerplate describes one kind of file init can write.
type boilerplate struct {
	template    string
	defaultName string
}

var initKinds = map[string]boilerplate{
	"config":      {defaultName: "hackium.yaml"},
	"interceptor": {template: "interceptor.js", defaultName: "interceptor.js"},
	"injection":   {template: "inject.js", defaultName: "inject.js"},
	"script":      {template: "script.js", defaultName: "script.js"},
}

// interceptorTemplates maps --template values to embedded files.
var interceptorTemplates = map[string]string{
	"js": "interceptor.js",
	"go": "interceptor.go.tmpl",
}

var (
	initName     string
	initTemplate string
)

var initCmd = &cobra.Command{
	Use:   "init [config|interceptor|injection|script]",
	Short: "Write boilerplate configuration or scripts",
	Long: `Writes a starting point for one hackium file into the current directory.

  config       hackium.yaml with every default spelled out
  interceptor  an interceptor module (--template js or go)
  injection    a script evaluated in every document
  script       a script for --execute

Existing files are never overwritten.`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: kindNames(),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := "config"
		if len(args) > 0 {
			kind = args[0]
		}
		path, err := writeBoilerplate(kind, initName, initTemplate)
		if err != nil {
			return err
		}
		logger.Debug("wrote boilerplate", zap.String("kind", kind), zap.String("path", path))
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initName, "name", "", "File to write (default depends on the kind)")
	initCmd.Flags().StringVar(&initTemplate, "template", "js", "Interceptor template: js or go")
}

func kindNames() []string {
	names := make([]string, 0, len(initKinds))
	for k := range initKinds {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// writeBoilerplate writes the file for kind and returns its path.
func writeBoilerplate(kind, name, tmpl string) (string, error) {
	bp, ok := initKinds[kind]
	if !ok {
		return "", fmt.Errorf("unknown init kind %q, want one of %s", kind, strings.Join(kindNames(), ", "))
	}
	if kind == "interceptor" {
		file, ok := interceptorTemplates[tmpl]
		if !ok {
			return "", fmt.Errorf("unknown interceptor template %q, want js or go", tmpl)
		}
		bp.template = file
		bp.defaultName = "interceptor." + tmpl
	}
	if name == "" {
		name = bp.defaultName
	}

	if _, err := os.Stat(name); err == nil {
		return "", fmt.Errorf("refusing to overwrite %s", name)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	if bp.template == "" {
		return name, config.DefaultConfig().Save(name)
	}
	data, err := templateFS.ReadFile("templates/" + bp.template)
	if err != nil {
		return "", err
	}
	if dir := filepath.Dir(name); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", err
		}
	}
	// O_EXCL also refuses a file created after the Stat.
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", err
	}
	return name, f.Close()
}
