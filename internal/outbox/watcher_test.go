package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	syncerr "github.com/alexjbarnes/device-sync/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitFor polls until cond returns true or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Fatal("timed out waiting for condition")
}

type fakeLink struct {
	up atomic.Bool
}

func (l *fakeLink) Connected() bool { return l.up.Load() }

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	fail  map[string]error
	reads map[string]string
}

func (s *fakeSender) SendFile(_ context.Context, path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := filepath.Base(path)
	if err, ok := s.fail[name]; ok {
		delete(s.fail, name)
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	s.sent = append(s.sent, name)
	s.reads[name] = string(data)

	return fmt.Sprintf("id-%d", len(s.sent)), nil
}

func (s *fakeSender) sentNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.sent...)
}

func (s *fakeSender) content(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reads[name]
}

func startWatcher(t *testing.T, dir string, sender *fakeSender, link *fakeLink) *Watcher {
	t.Helper()

	w := NewWatcher(dir, sender, link, slog.New(slog.DiscardHandler))
	w.interval = 20 * time.Millisecond
	w.settle = 40 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() {
		errCh <- w.Watch(ctx)
	}()

	// Give fsnotify a moment to set up watches.
	time.Sleep(50 * time.Millisecond)

	t.Cleanup(func() {
		cancel()

		err := <-errCh
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("watcher error: %v", err)
		}
	})

	return w
}

func newFakeSender() *fakeSender {
	return &fakeSender{fail: map[string]error{}, reads: map[string]string{}}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestWatch_SendsDroppedFile(t *testing.T) {
	dir := t.TempDir()
	sender := newFakeSender()
	link := &fakeLink{}
	link.up.Store(true)

	startWatcher(t, dir, sender, link)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "photo.jpg"), []byte("jpeg"), 0o644))

	waitFor(t, 3*time.Second, func() bool {
		return exists(filepath.Join(dir, SentDir, "photo.jpg"))
	})

	assert.Equal(t, []string{"photo.jpg"}, sender.sentNames())
	assert.Equal(t, "jpeg", sender.content("photo.jpg"))
	assert.False(t, exists(filepath.Join(dir, "photo.jpg")))
}

func TestWatch_SendsExistingFilesOnStart(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "early.txt"), []byte("x"), 0o644))

	sender := newFakeSender()
	link := &fakeLink{}
	link.up.Store(true)

	startWatcher(t, dir, sender, link)

	waitFor(t, 3*time.Second, func() bool {
		return exists(filepath.Join(dir, SentDir, "early.txt"))
	})
}

func TestWatch_WaitsForConnection(t *testing.T) {
	dir := t.TempDir()
	sender := newFakeSender()
	link := &fakeLink{}

	startWatcher(t, dir, sender, link)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "later.txt"), []byte("x"), 0o644))

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, sender.sentNames())
	assert.True(t, exists(filepath.Join(dir, "later.txt")))

	link.up.Store(true)

	waitFor(t, 3*time.Second, func() bool {
		return exists(filepath.Join(dir, SentDir, "later.txt"))
	})
}

func TestWatch_RetriesAfterDisconnect(t *testing.T) {
	dir := t.TempDir()
	sender := newFakeSender()
	sender.fail["flaky.txt"] = fmt.Errorf("sending chunk: %w", syncerr.ErrNotConnected)

	link := &fakeLink{}
	link.up.Store(true)

	startWatcher(t, dir, sender, link)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "flaky.txt"), []byte("x"), 0o644))

	waitFor(t, 3*time.Second, func() bool {
		return exists(filepath.Join(dir, SentDir, "flaky.txt"))
	})

	assert.False(t, exists(filepath.Join(dir, FailedDir, "flaky.txt")))
}

func TestWatch_PermanentFailureMovesToFailed(t *testing.T) {
	dir := t.TempDir()
	sender := newFakeSender()
	sender.fail["broken.bin"] = errors.New("permission denied")

	link := &fakeLink{}
	link.up.Store(true)

	startWatcher(t, dir, sender, link)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.bin"), []byte("x"), 0o644))

	waitFor(t, 3*time.Second, func() bool {
		return exists(filepath.Join(dir, FailedDir, "broken.bin"))
	})

	assert.Empty(t, sender.sentNames())
}

func TestWatch_IgnoresHiddenAndTemp(t *testing.T) {
	dir := t.TempDir()
	sender := newFakeSender()
	link := &fakeLink{}
	link.up.Store(true)

	startWatcher(t, dir, sender, link)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "draft.swp"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "real.txt"), []byte("x"), 0o644))

	waitFor(t, 3*time.Second, func() bool {
		return exists(filepath.Join(dir, SentDir, "real.txt"))
	})

	assert.Equal(t, []string{"real.txt"}, sender.sentNames())
}

func TestFreeName(t *testing.T) {
	dir := t.TempDir()

	p, err := freeName(dir, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a.txt"), p)

	require.NoError(t, os.WriteFile(p, nil, 0o644))

	p, err = freeName(dir, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a (1).txt"), p)
}
