// Package sandbox is the narrow, security-hardened facade over the host's
// container runtime. It is the only package permitted to speak to Docker;
// it never returns raw runtime objects to callers, and none of the
// security constraints it applies at Create time can be overridden by a
// caller.
package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aureuma/botctl/core/apperr"
	"github.com/aureuma/botctl/core/registry"
)

// Status is the lifecycle status reported by the sandbox runtime, mapped
// onto the bot lifecycle's vocabulary.
type Status string

const (
	StatusCreated Status = "CREATED"
	StatusRunning Status = "RUNNING"
	StatusStopped Status = "STOPPED"
	StatusCrashed Status = "CRASHED"
)

// Handle is an opaque identifier returned by the sandbox runtime. It is
// internal to the core and must never be surfaced outside it.
type Handle string

// CreateRequest carries everything Create needs to materialize a sandbox.
type CreateRequest struct {
	BotID            int64
	Runtime          registry.Descriptor
	StartCmd         string // empty uses the runtime's default
	ArtifactHostPath string // read-only mount source
	CPUShare         float64
	MemoryLimit      string // e.g. "256m"
}

// LogLine is one line of sandbox output, decoded as valid UTF-8 (invalid
// bytes replaced, never dropped).
type LogLine struct {
	Text string
	Err  error
}

const defaultGracefulTimeout = 10 * time.Second

// Driver is the interface the rest of the core programs against. The
// production implementation (Docker) lives in docker.go; tests use the
// in-memory fake in fake.go.
type Driver interface {
	Create(ctx context.Context, req CreateRequest) (Handle, error)
	Start(ctx context.Context, h Handle) error
	Stop(ctx context.Context, h Handle, timeout time.Duration) error
	Restart(ctx context.Context, h Handle, timeout time.Duration) error
	Remove(ctx context.Context, h Handle, force bool) error
	Status(ctx context.Context, h Handle) (Status, error)
	TailLogs(ctx context.Context, h Handle, lines int) (string, error)
	FollowLogs(ctx context.Context, h Handle) (<-chan LogLine, error)
}

const DefaultTailLines = 100

// containerName returns the deterministic sandbox name for a bot, matching
// spec §4.3 ("bot-<id>").
func containerName(botID int64) string {
	return fmt.Sprintf("bot-%d", botID)
}

// cpuQuotaMicroseconds converts a decimal CPU share (e.g. 0.5) into a
// quota against the fixed 100000us period, per spec §4.3.
func cpuQuotaMicroseconds(share float64) (quota, period int64) {
	period = 100000
	quota = int64(share*float64(period) + 0.5) // round-half-up
	return quota, period
}

// decodeLines turns a raw byte stream (already demultiplexed) into a
// channel of UTF-8-safe lines, closing when r ends or ctx is canceled.
func decodeLines(ctx context.Context, r io.Reader) <-chan LogLine {
	out := make(chan LogLine)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !utf8.ValidString(line) {
				line = strings.ToValidUTF8(line, "�")
			}
			select {
			case out <- LogLine{Text: line}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case out <- LogLine{Err: apperr.WrapSandboxOp(err, "log stream")}:
			case <-ctx.Done():
			}
		}
	}()
	return out
}
