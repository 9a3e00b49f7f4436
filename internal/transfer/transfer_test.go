package transfer

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"boxd/internal/eventbus"
	"boxd/internal/transport"
	"boxd/pkg/types"
)

const testBase = "lb/files"

// syncEnqueue runs transport callbacks inline; tests are single-goroutine.
func syncEnqueue(fn func()) { fn() }

type fixture struct {
	tr     *transport.Memory
	client *Client
	server *Server
	reg    *eventbus.Registry
	now    time.Time
}

func newFixture(t *testing.T, serverRoot string, cfg ClientConfig) *fixture {
	t.Helper()
	log := zerolog.Nop()
	reg := eventbus.NewRegistry()
	tr := transport.NewMemory()

	if cfg.Base == "" {
		cfg.Base = testBase
	}
	if cfg.DefaultSource == "" {
		cfg.DefaultSource = "hub"
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 2000
	}
	if cfg.Retry == 0 {
		cfg.Retry = 2 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}

	f := &fixture{
		tr:     tr,
		reg:    reg,
		now:    time.Unix(10000, 0),
		server: NewServer(tr, cfg.Base, "hub", serverRoot, NewServerEvents(reg, log), syncEnqueue, log),
		client: NewClient(tr, cfg, NewClientEvents(reg, log), syncEnqueue, log),
	}
	f.client.now = func() time.Time { return f.now }
	if err := f.server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	return f
}

// recordRequests captures every Range Request published to the hub.
func (f *fixture) recordRequests(t *testing.T) *[]types.RangeRequest {
	t.Helper()
	var reqs []types.RangeRequest
	err := f.tr.Subscribe(FetchTopic(testBase, "hub"), func(msg transport.Message) {
		var req types.RangeRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			t.Fatalf("bad request payload: %v", err)
		}
		reqs = append(reqs, req)
	})
	if err != nil {
		t.Fatalf("subscribe spy: %v", err)
	}
	return &reqs
}

func collect(e *eventbus.Event) *[]map[string]any {
	var got []map[string]any
	e.Subscribe(func(_ *eventbus.Event, data map[string]any) error {
		got = append(got, data)
		return nil
	})
	return &got
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func patternBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestFetch_FiveThousandBytesInThreeChunks(t *testing.T) {
	root := t.TempDir()
	content := patternBytes(5000)
	writeFile(t, root, "data.bin", content)
	destDir := t.TempDir()
	dest := filepath.Join(destDir, "data.bin")

	f := newFixture(t, root, ClientConfig{ChunkSize: 2000})
	reqs := f.recordRequests(t)
	complete := collect(f.client.events.Complete)

	if err := f.client.Fetch("data.bin", dest, 2000, "hub"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	// Synchronous transport: each step's request is answered inline, so
	// three steps move the whole file.
	for i := 0; i < 3; i++ {
		f.now = f.now.Add(100 * time.Millisecond)
		f.client.Step(f.now)
	}

	wantStarts := []int64{0, 2000, 4000}
	if len(*reqs) != len(wantStarts) {
		t.Fatalf("requests = %d, want %d (%+v)", len(*reqs), len(wantStarts), *reqs)
	}
	for i, r := range *reqs {
		if r.Start != wantStarts[i] || r.Length != 2000 || r.File != "data.bin" {
			t.Fatalf("request %d = %+v", i, r)
		}
	}

	if f.client.Active() {
		t.Fatalf("session still active after eof")
	}
	if len(*complete) != 1 {
		t.Fatalf("complete events = %d", len(*complete))
	}
	if b := (*complete)[0]["bytes"].(int64); b != 5000 {
		t.Fatalf("complete bytes = %d, want 5000", b)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("dest content mismatch: %d bytes", len(got))
	}

	// EOF reached: further steps must not issue new requests.
	f.now = f.now.Add(time.Minute)
	f.client.Step(f.now)
	if len(*reqs) != 3 {
		t.Fatalf("request issued after eof")
	}
}

func TestFetch_EmptyFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "empty.txt", nil)
	dest := filepath.Join(t.TempDir(), "empty.txt")

	f := newFixture(t, root, ClientConfig{})
	complete := collect(f.client.events.Complete)
	if err := f.client.Fetch("empty.txt", dest, 0, ""); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	f.client.Step(f.now)
	if len(*complete) != 1 || (*complete)[0]["bytes"].(int64) != 0 {
		t.Fatalf("empty fetch events: %+v", *complete)
	}
	if st, err := os.Stat(dest); err != nil || st.Size() != 0 {
		t.Fatalf("dest: %v %v", st, err)
	}
}

func TestFetch_BusyWhileSessionActive(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.bin", patternBytes(100))
	f := newFixture(t, root, ClientConfig{})
	// No step yet, so the session stays open.
	if err := f.client.Fetch("a.bin", filepath.Join(t.TempDir(), "a"), 0, ""); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	err := f.client.Fetch("b.bin", filepath.Join(t.TempDir(), "b"), 0, "")
	if err == nil || !IsBusy(err) {
		t.Fatalf("second fetch: %v, want busy", err)
	}
	// Original session unaffected.
	st := f.client.Status()
	if !st.Active || st.File != "a.bin" {
		t.Fatalf("original session disturbed: %+v", st)
	}
}

func TestFetch_StaleAndDuplicateResponsesDiscarded(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.bin", patternBytes(5000))
	dest := filepath.Join(t.TempDir(), "a.bin")

	f := newFixture(t, root, ClientConfig{ChunkSize: 2000})
	if err := f.client.Fetch("a.bin", dest, 2000, ""); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	f.client.Step(f.now) // applies chunk at 0, pos now 2000

	if got := f.client.Status().Bytes; got != 2000 {
		t.Fatalf("pos = %d, want 2000", got)
	}

	// Replay of the already-applied chunk: wrong start, silently dropped.
	f.client.HandleResponse(types.RangeResponse{
		File: "a.bin", Start: 0, Length: 2000, Size: 2000, EOF: false,
	})
	// Response for some other file: dropped.
	f.client.HandleResponse(types.RangeResponse{
		File: "other.bin", Start: 2000, Length: 2000, Size: 10, EOF: true,
	})
	st := f.client.Status()
	if !st.Active || st.Bytes != 2000 {
		t.Fatalf("stale responses changed state: %+v", st)
	}
}

func TestFetch_RetryResendsIdenticalRequest(t *testing.T) {
	// No server on the transport, only a spy subscription. A real server
	// would answer missing files with an error and end the session.
	log := zerolog.Nop()
	reg := eventbus.NewRegistry()
	tr := transport.NewMemory()
	cfg := ClientConfig{Base: testBase, DefaultSource: "hub", ChunkSize: 512,
		Retry: 2 * time.Second, Timeout: time.Minute}
	c := NewClient(tr, cfg, NewClientEvents(reg, log), syncEnqueue, log)
	now := time.Unix(5000, 0)
	c.now = func() time.Time { return now }

	var reqs [][]byte
	_ = tr.Subscribe(FetchTopic(testBase, "hub"), func(msg transport.Message) {
		reqs = append(reqs, msg.Payload)
	})

	if err := c.Fetch("lost.bin", filepath.Join(t.TempDir(), "lost"), 0, ""); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	c.Step(now) // first request
	now = now.Add(cfg.Retry - time.Millisecond)
	c.Step(now) // inside retry window: no resend
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	now = now.Add(time.Millisecond)
	c.Step(now) // retry interval elapsed: identical resend
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	if !bytes.Equal(reqs[0], reqs[1]) {
		t.Fatalf("resend differs: %s vs %s", reqs[0], reqs[1])
	}
}

func TestFetch_TimeoutAbortsSession(t *testing.T) {
	log := zerolog.Nop()
	reg := eventbus.NewRegistry()
	tr := transport.NewMemory()
	cfg := ClientConfig{Base: testBase, DefaultSource: "hub", ChunkSize: 512,
		Retry: time.Second, Timeout: 10 * time.Second}
	c := NewClient(tr, cfg, NewClientEvents(reg, log), syncEnqueue, log)
	now := time.Unix(5000, 0)
	c.now = func() time.Time { return now }
	errs := collect(c.events.Error)

	if err := c.Fetch("gone.bin", filepath.Join(t.TempDir(), "gone"), 0, ""); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	for i := 0; i < 11; i++ {
		now = now.Add(time.Second)
		c.Step(now)
	}
	if c.Active() {
		t.Fatalf("session survived timeout")
	}
	if len(*errs) != 1 {
		t.Fatalf("error events = %d, want 1", len(*errs))
	}
}

func TestFetch_RemoteErrorAbortsSession(t *testing.T) {
	root := t.TempDir() // no files: server answers with an error
	f := newFixture(t, root, ClientConfig{})
	errs := collect(f.client.events.Error)

	if err := f.client.Fetch("missing.bin", filepath.Join(t.TempDir(), "m"), 0, ""); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	f.client.Step(f.now)
	if f.client.Active() {
		t.Fatalf("session survived protocol error")
	}
	if len(*errs) != 1 {
		t.Fatalf("error events = %d, want 1", len(*errs))
	}
}

func TestServer_EOFWheneverShortRead(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "f.bin", patternBytes(5000))
	f := newFixture(t, root, ClientConfig{})

	var resps []types.RangeResponse
	_ = f.tr.Subscribe(ResultTopic(testBase, "hub"), func(msg transport.Message) {
		var r types.RangeResponse
		if err := json.Unmarshal(msg.Payload, &r); err != nil {
			t.Fatalf("bad response: %v", err)
		}
		resps = append(resps, r)
	})

	cases := []struct {
		req      types.RangeRequest
		size     int
		eof      bool
		hasError bool
	}{
		{types.RangeRequest{File: "f.bin", Start: 0, Length: 2000}, 2000, false, false},
		{types.RangeRequest{File: "f.bin", Start: 4000, Length: 2000}, 1000, true, false},
		{types.RangeRequest{File: "f.bin", Start: 0, Length: 10000}, 5000, true, false},
		{types.RangeRequest{File: "f.bin", Start: 9000, Length: 2000}, 0, true, false}, // past eof
		{types.RangeRequest{File: "nope.bin", Start: 0, Length: 100}, 0, true, true},
		{types.RangeRequest{File: "f.bin", Start: -1, Length: 100}, 0, true, true},
		{types.RangeRequest{File: "f.bin", Start: 0, Length: 0}, 0, true, true},
		{types.RangeRequest{File: "f.bin", Start: 0, Length: MaxRangeLength + 1}, 0, true, true},
		{types.RangeRequest{File: "f.bin", Start: 0, Length: 1<<31 - 1}, 0, true, true}, // must not allocate
		{types.RangeRequest{File: "../escape", Start: 0, Length: 100}, 0, true, true},
	}
	for i, tc := range cases {
		f.server.HandleRequest(tc.req)
		r := resps[i]
		if r.Size != tc.size || r.EOF != tc.eof || (r.Error != "") != tc.hasError {
			t.Fatalf("case %d (%+v): got size=%d eof=%v err=%q", i, tc.req, r.Size, r.EOF, r.Error)
		}
		if r.Error != "" && r.Size != 0 {
			t.Fatalf("case %d: error response with non-zero size", i)
		}
	}
}
