//go:build unix

package session

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSentinel = "~~DONE~~"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastConfig keeps polling and grace short so tests finish quickly.
func fastConfig(sentinel string, hard, idle time.Duration) Config {
	return Config{
		Sentinel:     sentinel,
		HardLimit:    hard,
		IdleLimit:    idle,
		PollInterval: 50 * time.Millisecond,
		GracePeriod:  500 * time.Millisecond,
	}
}

func newTestController(t *testing.T, cfg Config) (*Controller, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	ctrl, err := NewController(cfg, WithOutput(&stdout, &stderr), WithLogger(testLogger()))
	require.NoError(t, err)
	return ctrl, &stdout, &stderr
}

func shell(script string) Request {
	return Request{Command: []string{"sh", "-c", script}}
}

// requireGroupGone waits briefly for every live member of pgid to disappear.
func requireGroupGone(t *testing.T, pgid int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !groupHasLiveMembers(pgid)
	}, 3*time.Second, 20*time.Millisecond, "process group %d still has live members", pgid)
}
