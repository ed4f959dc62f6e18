package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"
)

// chunk is one read from a child's output pipe. A chunk with eof set carries
// no data and means the stream is finished.
type chunk struct {
	stream OutputEventType
	data   []byte
	eof    bool
}

// multiplexer owns both output buffers of a run and is driven by a single
// goroutine. Reader goroutines only hand chunks over the channel.
type multiplexer struct {
	cfg    Config
	child  *child
	logger *slog.Logger

	stdoutSink io.Writer
	stderrSink io.Writer
	sinkFailed bool

	stdout *OutputBuffer
	stderr *OutputBuffer

	chunks chan chunk
	stop   chan struct{}
	open   int

	deadlines Deadlines
	now       func() time.Time

	// sentinelSeen is set when the sentinel is found, including in output
	// drained after the loop ended.
	sentinelSeen bool
}

func newMultiplexer(cfg Config, c *child, stdoutSink, stderrSink io.Writer, logger *slog.Logger, start time.Time) *multiplexer {
	return &multiplexer{
		cfg:        cfg,
		child:      c,
		logger:     logger,
		stdoutSink: stdoutSink,
		stderrSink: stderrSink,
		stdout:     NewOutputBuffer(cfg.BufferCap, cfg.BufferRetain),
		stderr:     NewOutputBuffer(cfg.BufferCap, cfg.BufferRetain),
		chunks:     make(chan chunk),
		stop:       make(chan struct{}),
		open:       2,
		deadlines:  NewDeadlines(start, cfg.HardLimit, cfg.IdleLimit),
		now:        time.Now,
	}
}

// read forwards chunks from one pipe until EOF, a read error, or stop.
func (m *multiplexer) read(f *os.File, stream OutputEventType) error {
	for {
		buf := make([]byte, m.cfg.ChunkSize)
		n, err := f.Read(buf)
		if n > 0 {
			select {
			case m.chunks <- chunk{stream: stream, data: buf[:n]}:
			case <-m.stop:
				return nil
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				m.logger.Debug("output stream read failed", "stream", stream, "error", err)
			}
			select {
			case m.chunks <- chunk{stream: stream, eof: true}:
			case <-m.stop:
			}
			return nil
		}
	}
}

// loop runs until the sentinel is found, a deadline passes, the child exits
// with both streams drained, or ctx is canceled.
func (m *multiplexer) loop(ctx context.Context) Reason {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	exited := m.child.exited
	childDone := false

	for {
		select {
		case c := <-m.chunks:
			if m.handle(c) {
				return ReasonSentinelFound
			}
		case <-exited:
			childDone = true
			exited = nil
		case <-ticker.C:
		case <-ctx.Done():
			return ReasonCanceled
		}

		if childDone && m.open == 0 {
			return ReasonProcessExited
		}

		switch m.deadlines.Check(m.now()) {
		case ExpiryHard:
			return ReasonHardTimeout
		case ExpiryIdle:
			return ReasonIdleTimeout
		}
	}
}

// handle processes one chunk and reports whether the sentinel was found.
func (m *multiplexer) handle(c chunk) bool {
	if c.eof {
		m.open--
		return false
	}

	m.deadlines.Touch(m.now())

	sink, buf := m.stdoutSink, m.stdout
	if c.stream == OutputStderr {
		sink, buf = m.stderrSink, m.stderr
	}

	if _, err := sink.Write(c.data); err != nil && !m.sinkFailed {
		m.sinkFailed = true
		m.logger.Warn("live output sink failed", "stream", c.stream, "error", err)
	}

	buf.Append(c.data)
	window := buf.Tail(sentinelWindow(len(c.data), m.cfg.Sentinel))
	if ContainsSentinel(window, m.cfg.Sentinel) {
		m.sentinelSeen = true
	}
	return m.sentinelSeen
}

// drain keeps consuming output until done fires. With untilEOF set it also
// returns once both streams have reached EOF.
func (m *multiplexer) drain(done <-chan struct{}, untilEOF bool) {
	for {
		if untilEOF && m.open == 0 {
			return
		}
		select {
		case c := <-m.chunks:
			m.handle(c)
		case <-done:
			return
		}
	}
}
