package asyncfile

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/emberhttpd/ember/api"
	"github.com/emberhttpd/ember/eventloop"
)

func tempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestSubmitReadsFileContent(t *testing.T) {
	loop := eventloop.New()
	go loop.Run()
	defer loop.Stop()

	m := New(loop, nil, DefaultConfig())
	path := tempFile(t, "hello world")

	done := make(chan *Request, 1)
	_, err := m.Submit(path, func(req *Request) { done <- req })
	if err != nil {
		t.Fatal(err)
	}

	select {
	case req := <-done:
		if req.State != StateDone {
			t.Fatalf("expected StateDone, got %v (err=%v)", req.State, req.Err)
		}
		if string(req.Buffer) != "hello world" {
			t.Fatalf("unexpected content %q", req.Buffer)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestConcurrencyCeilingRejectsFast(t *testing.T) {
	// spec.md §8 concrete scenario 6: max-concurrent = 1 and one
	// in-flight stat, a second submit fails fast with RATE_LIMIT_EXCEEDED.
	loop := eventloop.New()
	go loop.Run()
	defer loop.Stop()

	m := New(loop, nil, Config{MaxConcurrent: 1, ChunkSize: 4096, MaxFileSize: 1 << 20})

	path := tempFile(t, "x")
	var wg sync.WaitGroup
	wg.Add(1)
	blockCh := make(chan struct{})
	_, err := m.Submit(path, func(req *Request) {
		<-blockCh
		wg.Done()
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err2 := m.Submit(path, func(req *Request) {})
	if err2 == nil || err2.Code != api.CodeRateLimitExceeded {
		t.Fatalf("expected CodeRateLimitExceeded, got %v", err2)
	}

	close(blockCh)
	wg.Wait()
}

func TestCancelSuppressesCallback(t *testing.T) {
	loop := eventloop.New()
	go loop.Run()
	defer loop.Stop()

	m := New(loop, nil, DefaultConfig())
	path := tempFile(t, "cancel me")

	called := make(chan struct{}, 1)
	req, err := m.Submit(path, func(req *Request) { called <- struct{}{} })
	if err != nil {
		t.Fatal(err)
	}
	m.Cancel(req)

	select {
	case <-called:
		t.Fatal("expected callback to be suppressed after cancel")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFileTooLargeRejected(t *testing.T) {
	loop := eventloop.New()
	go loop.Run()
	defer loop.Stop()

	m := New(loop, nil, Config{MaxConcurrent: 4, ChunkSize: 4096, MaxFileSize: 4})
	path := tempFile(t, "this is definitely more than four bytes")

	done := make(chan *Request, 1)
	_, err := m.Submit(path, func(req *Request) { done <- req })
	if err != nil {
		t.Fatal(err)
	}
	select {
	case req := <-done:
		if req.State != StateError || req.Err == nil || req.Err.Code != api.CodeFileTooLarge {
			t.Fatalf("expected CodeFileTooLarge, got state=%v err=%v", req.State, req.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}
