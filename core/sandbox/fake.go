package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aureuma/botctl/core/apperr"
)

// FakeDriver is an in-memory Driver used by lifecycle tests in place of a
// real Docker daemon. It is safe for concurrent use.
type FakeDriver struct {
	mu       sync.Mutex
	seq      int
	sandboxes map[Handle]*fakeSandbox

	// LogLines, if set, is returned by TailLogs/FollowLogs for every
	// sandbox, newest last.
	LogLines []string
}

type fakeSandbox struct {
	status Status
	req    CreateRequest
}

// NewFakeDriver returns an empty fake driver.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{sandboxes: make(map[Handle]*fakeSandbox)}
}

func (f *FakeDriver) Create(_ context.Context, req CreateRequest) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	h := Handle(fmt.Sprintf("fake-%d", f.seq))
	f.sandboxes[h] = &fakeSandbox{status: StatusCreated, req: req}
	return h, nil
}

func (f *FakeDriver) Start(_ context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sandboxes[h]
	if !ok {
		return apperr.NewSandboxMissing("%s", string(h))
	}
	s.status = StatusRunning
	return nil
}

func (f *FakeDriver) Stop(_ context.Context, h Handle, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sandboxes[h]
	if !ok {
		return apperr.NewSandboxMissing("%s", string(h))
	}
	s.status = StatusStopped
	return nil
}

func (f *FakeDriver) Restart(_ context.Context, h Handle, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sandboxes[h]
	if !ok {
		return apperr.NewSandboxMissing("%s", string(h))
	}
	s.status = StatusRunning
	return nil
}

func (f *FakeDriver) Remove(_ context.Context, h Handle, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sandboxes[h]
	if !ok {
		if force {
			return nil
		}
		return apperr.NewSandboxMissing("%s", string(h))
	}
	if s.status == StatusRunning && !force {
		return apperr.WrapSandboxOp(fmt.Errorf("sandbox still running"), "remove")
	}
	delete(f.sandboxes, h)
	return nil
}

func (f *FakeDriver) Status(_ context.Context, h Handle) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sandboxes[h]
	if !ok {
		return "", apperr.NewSandboxMissing("%s", string(h))
	}
	return s.status, nil
}

// SetStatus lets tests force a sandbox into CRASHED to exercise lifecycle
// reconciliation.
func (f *FakeDriver) SetStatus(h Handle, status Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sandboxes[h]; ok {
		s.status = status
	}
}

func (f *FakeDriver) TailLogs(_ context.Context, h Handle, lines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sandboxes[h]; !ok {
		return "", apperr.NewSandboxMissing("%s", string(h))
	}
	all := f.LogLines
	if lines > 0 && lines < len(all) {
		all = all[len(all)-lines:]
	}
	out := ""
	for i, l := range all {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out, nil
}

func (f *FakeDriver) FollowLogs(ctx context.Context, h Handle) (<-chan LogLine, error) {
	f.mu.Lock()
	_, ok := f.sandboxes[h]
	lines := append([]string(nil), f.LogLines...)
	f.mu.Unlock()
	if !ok {
		return nil, apperr.NewSandboxMissing("%s", string(h))
	}

	out := make(chan LogLine)
	go func() {
		defer close(out)
		for _, l := range lines {
			select {
			case out <- LogLine{Text: l}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
