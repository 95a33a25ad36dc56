package preview

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

// Handler serves the running preview's playlist and segments. It answers
// 503 while no preview is running.
func (p *Preview) Handler() http.Handler {
	return NewDirectoryHandler(p.Dir, p.logger)
}

// NewDirectoryHandler serves HLS files from the directory dir returns at
// request time.
func NewDirectoryHandler(dir func() string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		base := dir()
		switch {
		case r.Method == http.MethodOptions:
			rec.WriteHeader(http.StatusOK)
		case base == "":
			http.Error(rec, "preview not running", http.StatusServiceUnavailable)
		default:
			setContentHeaders(w.Header(), r.URL.Path)
			http.FileServer(http.Dir(base)).ServeHTTP(rec, r)
		}

		if logger != nil && logger.Enabled(r.Context(), slog.LevelDebug) {
			args := []any{"method", r.Method, "path", r.URL.Path, "status", rec.status, "bytes", rec.bytes}
			if base != "" && strings.HasSuffix(r.URL.Path, ".m3u8") {
				if fsPath, ok := resolvePath(base, r.URL.Path); ok {
					args = append(args, "playlist", summarizePlaylist(fsPath))
				}
			}
			logger.Debug("preview: http", args...)
		}
	})
}

func setContentHeaders(h http.Header, urlPath string) {
	switch {
	case strings.HasSuffix(urlPath, ".m3u8"):
		h.Set("Content-Type", "application/vnd.apple.mpegurl")
	case strings.HasSuffix(urlPath, ".ts"):
		h.Set("Content-Type", "video/MP2T")
	default:
		return
	}
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}

func resolvePath(baseDir, reqPath string) (string, bool) {
	clean := path.Clean("/" + reqPath)
	full := filepath.Join(baseDir, strings.TrimPrefix(clean, "/"))
	rel, err := filepath.Rel(baseDir, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return full, true
}

func summarizePlaylist(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("read error: %v", err)
	}
	seq := "na"
	entries := 0
	last := ""
	for _, line := range strings.Split(string(b), "\n") {
		l := strings.TrimSpace(line)
		switch {
		case l == "":
		case strings.HasPrefix(l, "#EXT-X-MEDIA-SEQUENCE:"):
			seq = strings.TrimPrefix(l, "#EXT-X-MEDIA-SEQUENCE:")
		case strings.HasPrefix(l, "#"):
		default:
			entries++
			last = l
		}
	}
	return fmt.Sprintf("seq=%s entries=%d last=%s", seq, entries, last)
}
