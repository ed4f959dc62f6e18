package main

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"sessionctl/internal/config"
)

// FixCmd feeds analyzer and test failures to the fix profile.
type FixCmd struct {
	Profile     string        `help:"Profile to run" default:"cursor-fix"`
	AnalyzeFile string        `help:"Path to analyzer output" default:".an.tail"`
	TestFile    string        `help:"Path to test output" default:".ts.tail"`
	Step        string        `help:"Name of the pipeline step that introduced the failures" env:"STEP" default:"?"`
	AppRoot     string        `help:"Project directory passed to the agent as its last argument" type:"existingdir"`
	Lock        bool          `help:"Wait for exclusive use of the project directory"`
	LockTimeout time.Duration `help:"Give up waiting for the lock after this long (0 waits forever)" default:"0s"`
}

// Run builds the fix prompt and runs the profile with it.
func (f *FixCmd) Run(cli *CLI) error {
	analyze := readTail(cli, f.AnalyzeFile, "analyzer output")
	tests := readTail(cli, f.TestFile, "test output")

	profile, err := cli.profiles.Profile(f.Profile)
	if err != nil {
		return err
	}

	// The agent runs in the caller's directory and is told about the project
	// through its argv.
	opts := runOptions{
		profile:     f.Profile,
		prompt:      []byte(fixPrompt(f.Step, analyze, tests)),
		lockDir:     f.AppRoot,
		lock:        f.Lock,
		lockTimeout: f.LockTimeout,
	}
	if f.AppRoot != "" {
		if len(profile.Command) == 0 {
			return fmt.Errorf("profile %s: %w", f.Profile, config.ErrNoCommand)
		}
		opts.overrides.Command = append(slices.Clone(profile.Command), f.AppRoot)
	}
	return execute(cli, opts)
}

// readTail returns the file's content, or empty when it cannot be read.
func readTail(cli *CLI, path, what string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		cli.logger.Warn("could not read "+what, "path", path, "error", err)
		return ""
	}
	return strings.ToValidUTF8(string(data), "�")
}

func fixPrompt(step, analyze, tests string) string {
	return fmt.Sprintf(`You are a senior Flutter engineer. The previous step (%s) introduced issues.
Fix the codebase while preserving the intended feature.

Requirements:
- Do NOT add or nest a Flutter project. Edit the existing project in-place.
- If pubspec.yaml changed, update code/imports accordingly.
- Make 'flutter analyze' pass.
- Make tests pass (add/update minimal tests if needed).
- Keep architecture under lib/features/** tidy.

When done, print EXACTLY:
%s

Error snippets:
[analyze]
%s

[tests]
%s
`, step, config.CursorSentinel, analyze, tests)
}
