// Package static implements the static-file service from spec.md
// §4.6: safe path resolution, MIME lookup, ETag/conditional-request
// handling, directory listing, and routing small files to a
// synchronous read, medium files to a synchronous read plus LRU cache
// insertion, and large files to the streaming path. Medium files are
// not read through the asyncfile reader.
//
// Grounded on original_source/include/uvhttp_static_v2.h's
// uvhttp_static_context_t (config + attached cache_manager_t).
package static

import (
	"fmt"
	"html/template"
	"net/textproto"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emberhttpd/ember/api"
	"github.com/emberhttpd/ember/asyncfile"
	"github.com/emberhttpd/ember/cache"
	"github.com/emberhttpd/ember/config"
)

// Service is the static-file context: configuration plus its attached
// LRU cache, mirroring uvhttp_static_context_t pairing config with a
// cache_manager_t.
type Service struct {
	cfg   *config.StaticConfig
	cache *cache.Manager
	files *asyncfile.Manager
}

// New builds a Service. files may be nil if the embedder wants every
// file served synchronously regardless of size (useful for tests).
func New(cfg *config.StaticConfig, files *asyncfile.Manager) *Service {
	var mgr *cache.Manager
	if cfg.CacheByteCap > 0 || cfg.CacheEntryCap > 0 || cfg.CacheTTL > 0 {
		mgr = cache.New(cfg.CacheByteCap, cfg.CacheEntryCap, cfg.CacheTTL)
	}
	return &Service{cfg: cfg, cache: mgr, files: files}
}

// CacheStats exposes the underlying LRU counters, or a zero Stats if
// caching is disabled.
func (s *Service) CacheStats() cache.Stats {
	if s.cache == nil {
		return cache.Stats{}
	}
	return s.cache.Stats()
}

// Handle serves req against s's configured root, writing status,
// headers and, for small and medium files, the body into resp before
// it returns. For a streamed large file, streamTo is invoked so the caller (the
// connection FSM) can drive the chunked sendfile loop on its own
// goroutine with the response's underlying connection.
func (s *Service) Handle(req *api.Request, resp *api.Response, streamTo func(absPath string, size int64)) {
	reqPath := req.Path
	if reqPath == "" {
		reqPath = "/"
	}

	resolved, httpErr := ResolveSafePath(s.cfg.Root, reqPath, filepath.EvalSymlinks)
	if httpErr != nil {
		resp.StatusCode = 400
		resp.Body = []byte("bad request")
		return
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			resp.StatusCode = 404
			resp.Body = []byte("not found")
			return
		}
		resp.StatusCode = 500
		resp.Body = []byte("internal error")
		return
	}

	if info.IsDir() {
		s.serveDirectory(req, resp, resolved, reqPath, info)
		return
	}

	s.serveFile(req, resp, resolved, info, streamTo)
}

func (s *Service) serveDirectory(req *api.Request, resp *api.Response, resolved, reqPath string, info os.FileInfo) {
	indexPath := filepath.Join(resolved, s.cfg.IndexFile)
	if idxInfo, err := os.Stat(indexPath); err == nil && !idxInfo.IsDir() {
		s.serveFile(req, resp, indexPath, idxInfo, nil)
		return
	}

	if !s.cfg.DirectoryListing {
		resp.StatusCode = 404
		resp.Body = []byte("not found")
		return
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		resp.StatusCode = 500
		resp.Body = []byte("internal error")
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	html, rerr := renderDirectoryListing(reqPath, entries)
	if rerr != nil {
		resp.StatusCode = 500
		resp.Body = []byte("internal error")
		return
	}
	resp.StatusCode = 200
	resp.SetHeader("Content-Type", "text/html; charset=utf-8")
	resp.Body = html
	s.applyExtraHeaders(resp)
}

var dirListingTemplate = template.Must(template.New("listing").Parse(`<!DOCTYPE html>
<html><head><title>Index of {{.Path}}</title></head>
<body>
<h1>Index of {{.Path}}</h1>
<ul>
{{range .Entries}}<li><a href="{{.Href}}">{{.Name}}</a></li>
{{end}}</ul>
</body></html>
`))

type listingEntry struct {
	Name string
	Href string
}

type listingData struct {
	Path    string
	Entries []listingEntry
}

func renderDirectoryListing(reqPath string, entries []os.DirEntry) ([]byte, error) {
	data := listingData{Path: reqPath}
	if !strings.HasSuffix(reqPath, "/") {
		reqPath += "/"
	}
	for _, e := range entries {
		name := e.Name()
		href := path.Join(reqPath, name)
		if e.IsDir() {
			name += "/"
			href += "/"
		}
		data.Entries = append(data.Entries, listingEntry{Name: name, Href: href})
	}
	var b strings.Builder
	if err := dirListingTemplate.Execute(&b, data); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

// serveFile handles spec.md §4.6's conditional-request evaluation and
// small/medium/large routing. streamTo is only invoked for the
// large-file path and only if non-nil (the caller wires the actual
// sendfile loop; this function just decides that it's needed).
func (s *Service) serveFile(req *api.Request, resp *api.Response, resolved string, info os.FileInfo, streamTo func(string, int64)) {
	etag := GenerateETag(info.Size(), info.ModTime())

	if s.checkConditional(req, etag, info.ModTime()) {
		resp.StatusCode = 304
		resp.Body = nil
		s.setCommonHeaders(resp, resolved, info.Size(), info.ModTime(), etag)
		return
	}

	size := info.Size()
	switch {
	case size < s.cfg.SyncReadThreshold || s.files == nil:
		s.serveSmallSync(resp, resolved, info, etag)
	case size < s.cfg.StreamingThreshold:
		s.serveViaAsyncReaderAndCache(resp, resolved, info, etag)
	default:
		resp.StatusCode = 200
		s.setCommonHeaders(resp, resolved, size, info.ModTime(), etag)
		if streamTo != nil {
			streamTo(resolved, size)
		}
	}
}

func (s *Service) serveSmallSync(resp *api.Response, resolved string, info os.FileInfo, etag string) {
	content, err := os.ReadFile(resolved)
	if err != nil {
		resp.StatusCode = 500
		resp.Body = []byte("internal error")
		return
	}
	resp.StatusCode = 200
	resp.Body = content
	s.setCommonHeaders(resp, resolved, int64(len(content)), info.ModTime(), etag)
}

// serveViaAsyncReaderAndCache checks the cache first; on a miss it
// falls back to a synchronous os.ReadFile and inserts into the cache so
// the next request hits it. Neither this helper nor the connection FSM
// submits medium files to the asyncfile reader.
func (s *Service) serveViaAsyncReaderAndCache(resp *api.Response, resolved string, info os.FileInfo, etag string) {
	if s.cache != nil {
		if entry, ok := s.cache.Get(resolved); ok && entry.ETag == etag {
			resp.StatusCode = 200
			resp.Body = entry.Content
			s.setCommonHeaders(resp, resolved, int64(len(entry.Content)), entry.LastModified, entry.ETag)
			return
		}
	}

	content, err := os.ReadFile(resolved)
	if err != nil {
		resp.StatusCode = 500
		resp.Body = []byte("internal error")
		return
	}
	mime := MimeType(resolved)
	if s.cache != nil {
		s.cache.Put(resolved, content, mime, info.ModTime(), etag)
	}
	resp.StatusCode = 200
	resp.Body = content
	s.setCommonHeaders(resp, resolved, int64(len(content)), info.ModTime(), etag)
}

func (s *Service) setCommonHeaders(resp *api.Response, resolved string, size int64, mtime time.Time, etag string) {
	resp.SetHeader("Content-Type", MimeType(resolved))
	resp.SetHeader("Content-Length", strconv.FormatInt(size, 10))
	if s.cfg.LastModifiedEnabled {
		resp.SetHeader("Last-Modified", mtime.UTC().Format(time.RFC1123))
	}
	if s.cfg.ETagEnabled {
		resp.SetHeader("ETag", etag)
	}
	resp.SetHeader("Cache-Control", s.cacheControl())
	s.applyExtraHeaders(resp)
}

func (s *Service) cacheControl() string {
	if s.cfg.CacheControl != "" {
		return s.cfg.CacheControl
	}
	return "public, max-age=3600"
}

func (s *Service) applyExtraHeaders(resp *api.Response) {
	for name, value := range s.cfg.ExtraHeaders {
		resp.SetHeader(name, value)
	}
}

// GenerateETag matches uvhttp_static_generate_etag's documented form:
// "<size>-<mtime>".
func GenerateETag(size int64, mtime time.Time) string {
	return fmt.Sprintf(`"%x-%x"`, size, mtime.Unix())
}

// checkConditional implements uvhttp_static_check_conditional_request:
// If-None-Match takes precedence over If-Modified-Since when both are
// present, per RFC 7232.
func (s *Service) checkConditional(req *api.Request, etag string, mtime time.Time) bool {
	if s.cfg.ETagEnabled {
		if inm, ok := req.Header("If-None-Match"); ok {
			return matchesAnyETag(inm, etag)
		}
	}
	if s.cfg.LastModifiedEnabled {
		if ims, ok := req.Header("If-Modified-Since"); ok {
			if t, err := time.Parse(time.RFC1123, ims); err == nil {
				return !mtime.After(t)
			}
		}
	}
	return false
}

func matchesAnyETag(header, etag string) bool {
	header = textproto.TrimString(header)
	if header == "*" {
		return true
	}
	for _, candidate := range strings.Split(header, ",") {
		if textproto.TrimString(candidate) == etag {
			return true
		}
	}
	return false
}
