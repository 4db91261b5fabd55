//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/magefile/mage/sh"
)

const buildPackage = "github.com/loglineproject/logline/internal/logline/build"

// Build compiles the logline binary with build information stamped in.
func Build() error {
	flags, err := ldflags()
	if err != nil {
		return err
	}
	return sh.Run("go", "build", "-ldflags", flags, "-o", "bin/logline", "./cmd/logline")
}

// Test runs all tests.
func Test() error {
	return sh.Run("go", "test", "./...")
}

// Lint runs golangci-lint over the whole module.
func Lint() error {
	return sh.Run("golangci-lint", "run", "--timeout", "10m")
}

// Clean up after yourself
func Clean() {
	fmt.Println("Cleaning...")
	os.RemoveAll("bin")
}

func ldflags() (string, error) {
	commit, err := sh.Output("git", "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	version, err := sh.Output("git", "describe", "--tags", "--always")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"-X %[1]s.GitCommit=%[2]s -X %[1]s.ReleaseVersion=%[3]s -X %[1]s.BuildTime=%[4]s -X %[1]s.GoVersion=%[5]s",
		buildPackage, commit, version, time.Now().UTC().Format(time.RFC3339), runtime.Version(),
	), nil
}
