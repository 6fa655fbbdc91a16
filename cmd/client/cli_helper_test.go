package main

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"testing"
)

const helperEnv = "SYNCBOX_CLI_HELPER"

var ansiRE = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiRE.ReplaceAllString(s, "")
}

// runCLI re-executes the test binary as the syncbox CLI, so commands that exit the
// process can be asserted on. Output is stdout and stderr combined, without colour.
func runCLI(t *testing.T, args ...string) (string, int) {
	t.Helper()

	cmd := exec.Command(os.Args[0], append([]string{"-test.run=^TestCLIHelper$", "--"}, args...)...)
	cmd.Env = append(os.Environ(), helperEnv+"=1", "NO_COLOR=1", "TERM=dumb")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return stripANSI(out.String()), 0
	case errors.As(err, &exitErr):
		return stripANSI(out.String()), exitErr.ExitCode()
	default:
		t.Fatalf("run cli: %v", err)
		return "", -1
	}
}

func TestCLIHelper(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		t.Skip("only runs as a runCLI subprocess")
	}

	sep := slices.Index(os.Args, "--")
	if sep < 0 || sep == len(os.Args)-1 {
		os.Exit(2)
	}

	rootCmd.SetArgs(os.Args[sep+1:])
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	if err := rootCmd.Execute(); err != nil {
		os.Stderr.WriteString(stripANSI(err.Error()) + "\n")
		os.Exit(1)
	}
	os.Exit(0)
}
