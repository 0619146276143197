// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// confinedFileServer serves files from root with traversal and symlink
// escape protection. Directory listings are refused; segment playlists get
// the HLS content type and a no-cache header so players always refetch the
// live window.
func (s *Server) confinedFileServer(root string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		reqPath := r.URL.Path
		if decoded, err := url.PathUnescape(reqPath); err == nil {
			reqPath = decoded
		}
		if strings.Contains(reqPath, "..") || strings.ContainsRune(reqPath, 0) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if reqPath == "" || strings.HasSuffix(reqPath, "/") {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		absRoot, err := filepath.Abs(root)
		if err != nil {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		full := filepath.Join(absRoot, filepath.FromSlash(reqPath))

		real, err := filepath.EvalSymlinks(full)
		if err != nil {
			if os.IsNotExist(err) {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		realRoot, err := filepath.EvalSymlinks(absRoot)
		if err != nil {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if real != realRoot && !strings.HasPrefix(real, realRoot+string(os.PathSeparator)) {
			s.logger.Warn().Str("path", r.URL.Path).Msg("blocked file request escaping root")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		info, err := os.Stat(real)
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if info.IsDir() {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		switch {
		case strings.HasSuffix(real, ".m3u8"):
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			w.Header().Set("Cache-Control", "no-cache")
		case strings.HasSuffix(real, ".ts"):
			w.Header().Set("Content-Type", "video/mp2t")
		case strings.HasSuffix(real, ".jpg"):
			w.Header().Set("Content-Type", "image/jpeg")
		}

		http.ServeFile(w, r, real)
	})
}
