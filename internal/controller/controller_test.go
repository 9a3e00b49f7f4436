package controller

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"boxd/internal/transport"
)

// startLoopback runs a controller whose default source is itself, so fetch
// requests are served from its own managed root over the memory transport.
func startLoopback(t *testing.T, root string) (*Controller, context.CancelFunc) {
	t.Helper()
	c := New(transport.NewMemory(), Config{
		Device:    "box-1",
		Root:      root,
		Source:    "box-1",
		ChunkSize: 64,
		Retry:     20 * time.Millisecond,
		Timeout:   2 * time.Second,
		Tick:      2 * time.Millisecond,
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.Run(ctx); err != nil {
			t.Errorf("run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(2 * time.Second)
	for !c.Ready() {
		if time.Now().After(deadline) {
			t.Fatalf("controller never became ready")
		}
		time.Sleep(time.Millisecond)
	}
	return c, cancel
}

func TestController_LoopbackFetch(t *testing.T) {
	root := t.TempDir()
	content := make([]byte, 300)
	for i := range content {
		content[i] = byte(i)
	}
	if err := os.WriteFile(filepath.Join(root, "blob.bin"), content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, _ := startLoopback(t, root)

	dest := filepath.Join(t.TempDir(), "copy.bin")
	if err := c.FetchFile("blob.bin", dest, 64, ""); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for c.FetchStatus().Active {
		if time.Now().After(deadline) {
			t.Fatalf("fetch never finished: %+v", c.FetchStatus())
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if len(got) != len(content) {
		t.Fatalf("dest size = %d, want %d", len(got), len(content))
	}
}

func TestController_StatusAndEvents(t *testing.T) {
	c, _ := startLoopback(t, t.TempDir())
	st := c.Status()
	if st.Device != "box-1" || st.Phase != "idle" || st.Fetch.Active {
		t.Fatalf("unexpected status: %+v", st)
	}
	names := c.Events()
	for _, want := range []string{"file.fetch_complete", "file.request", "update.complete", "check.start"} {
		found := false
		for _, n := range names {
			if n == want {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("event %s not registered (have %v)", want, names)
		}
	}
}

func TestController_RelativeDestLandsUnderRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("payload"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, _ := startLoopback(t, root)

	if err := c.FetchFile("a.txt", "copies/a.txt", 0, ""); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for c.FetchStatus().Active {
		if time.Now().After(deadline) {
			t.Fatalf("fetch never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := os.Stat(filepath.Join(root, "copies", "a.txt")); err != nil {
		t.Fatalf("dest not under root: %v", err)
	}
}
