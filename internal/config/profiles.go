package config

import "time"

// CursorSentinel is the completion marker the cursor profiles instruct the
// agent to print.
const CursorSentinel = "~~CURSOR_DONE~~"

func ptr[T any](v T) *T { return &v }

func builtinDefaults() Profile {
	return Profile{
		Payload:      PayloadArgument,
		Sentinel:     ptr(CursorSentinel),
		HardLimit:    Dur(300 * time.Second),
		IdleLimit:    Dur(60 * time.Second),
		GracePeriod:  Dur(2 * time.Second),
		PollInterval: Dur(500 * time.Millisecond),
	}
}

func cursorEnv() map[string]string {
	return map[string]string{
		"CURSOR_CI":                 "1",
		"CURSOR_NO_INTERACTIVE":     "1",
		"CURSOR_EXIT_ON_COMPLETION": "1",
		"TERM":                      "xterm-256color",
	}
}

func builtinProfiles() map[string]Profile {
	return map[string]Profile{
		"cursor-agent": {
			Command: []string{"cursor-agent", "-p", "--force", "--output-format", "text"},
			Env:     cursorEnv(),
			Payload: PayloadArgument,
		},
		"cursor-fix": {
			Command:   []string{"cursor", "--wait", "--new-window"},
			Env:       cursorEnv(),
			Payload:   PayloadStdin,
			HardLimit: Dur(120 * time.Second),
			IdleLimit: Dur(45 * time.Second),
		},
	}
}
