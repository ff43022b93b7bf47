package asyncfile

import (
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/emberhttpd/ember/api"
)

// StreamConfig mirrors spec.md §4.6's "large files use sendfile-style
// chunked streaming with configurable timeout, retry count, and chunk
// size".
type StreamConfig struct {
	ChunkSize  int
	Timeout    time.Duration
	MaxRetries int
}

// DefaultStreamConfig matches spec.md §4.5's documented defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{ChunkSize: 64 * 1024, Timeout: 30 * time.Second, MaxRetries: 3}
}

// deadliner is satisfied by *net.TCPConn (and any connection type a
// caller might wrap it in); the stream loop arms it before every chunk
// so a stalled peer aborts the transfer instead of blocking the
// connection's goroutine forever, the idiomatic per-chunk watchdog
// spec.md §4.5 asks for.
type deadliner interface {
	SetWriteDeadline(time.Time) error
}

// StreamContext is spec.md §3's "File stream context": an open file
// handle, current offset, remaining byte count, and a per-chunk
// deadline in place of a separate timer object. Removed when the file
// is exhausted or on error.
type StreamContext struct {
	file      *os.File
	offset    int64
	remaining int64
	cfg       StreamConfig
	active    bool
	onDone    func(err *api.Error)
}

// StreamFile opens path once and drives chunked transfer to dst,
// preferring a kernel-level sendfile(2) when dst is backed by a raw
// TCP file descriptor, falling back to a buffered read/write loop
// otherwise. Intended to run on the connection's own goroutine — it
// blocks that goroutine chunk by chunk, never the shared event loop.
func (m *Manager) StreamFile(dst io.Writer, path string, cfg StreamConfig, onDone func(err *api.Error)) {
	f, err := os.Open(path)
	if err != nil {
		onDone(api.Wrap(api.CodeIO, err, "open failed"))
		return
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		onDone(api.Wrap(api.CodeIO, err, "stat failed"))
		return
	}

	sc := &StreamContext{
		file: f, offset: 0, remaining: fi.Size(),
		cfg: cfg, active: true, onDone: onDone,
	}

	if tcp, ok := dst.(*net.TCPConn); ok {
		sc.runSendfile(tcp)
		return
	}
	sc.runChunked(dst)
}

func (sc *StreamContext) stop(err *api.Error) {
	if !sc.active {
		return
	}
	sc.active = false
	sc.file.Close()
	if sc.onDone != nil {
		sc.onDone(err)
	}
}

func (sc *StreamContext) armDeadline(dst io.Writer) {
	if dl, ok := dst.(deadliner); ok {
		dl.SetWriteDeadline(time.Now().Add(sc.cfg.Timeout))
	}
}

// runChunked is the portable fallback: read one chunk, write it,
// advance, loop until exhausted or erroring.
func (sc *StreamContext) runChunked(dst io.Writer) {
	buf := make([]byte, sc.cfg.ChunkSize)
	for sc.remaining > 0 {
		sc.armDeadline(dst)
		n, err := sc.file.ReadAt(buf[:min64(int64(len(buf)), sc.remaining)], sc.offset)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				sc.stop(classifyStreamErr(werr))
				return
			}
			sc.offset += int64(n)
			sc.remaining -= int64(n)
		}
		if err != nil && err != io.EOF {
			sc.stop(api.Wrap(api.CodeIO, err, "stream read failed"))
			return
		}
		if err == io.EOF && n == 0 {
			break
		}
	}
	sc.stop(nil)
}

// runSendfile drives the zero-copy path via golang.org/x/sys/unix
// directly on the raw file descriptors, looping chunk by chunk so a
// write deadline still bounds each individual transfer.
func (sc *StreamContext) runSendfile(conn *net.TCPConn) {
	rc, err := conn.SyscallConn()
	if err != nil {
		sc.stop(api.Wrap(api.CodeIO, err, "sendfile unsupported on this connection"))
		return
	}

	srcFd := int(sc.file.Fd())
	retries := 0

	for sc.remaining > 0 {
		sc.armDeadline(conn)
		chunk := int(min64(int64(sc.cfg.ChunkSize), sc.remaining))
		offset := sc.offset
		var n int
		var sendErr error
		ctrlErr := rc.Write(func(dstFd uintptr) bool {
			n, sendErr = unix.Sendfile(int(dstFd), srcFd, &offset, chunk)
			return sendErr != unix.EAGAIN
		})
		if ctrlErr != nil {
			sc.stop(api.Wrap(api.CodeIO, ctrlErr, "sendfile control failed"))
			return
		}
		if sendErr != nil {
			retries++
			if retries > sc.cfg.MaxRetries {
				sc.stop(classifyStreamErr(sendErr))
				return
			}
			continue
		}
		if n == 0 {
			sc.stop(api.New(api.CodeIO, "sendfile made no progress"))
			return
		}
		sc.offset += int64(n)
		sc.remaining -= int64(n)
		retries = 0
	}
	sc.stop(nil)
}

func classifyStreamErr(err error) *api.Error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return api.Wrap(api.CodeTimeout, err, "stream chunk deadline exceeded")
	}
	return api.Wrap(api.CodeIO, err, "stream write failed")
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
