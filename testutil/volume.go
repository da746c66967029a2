package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
)

// VolumeServer is an in-memory volume server speaking the subset of the
// nginx protocol blobmesh uses: PUT, DELETE, GET/HEAD of files and JSON
// autoindex listings of directories.
type VolumeServer struct {
	*httptest.Server

	mu      sync.Mutex
	files   map[string][]byte
	deletes []string

	deleteStatus int
	putStatus    int
}

// NewVolumeServer starts a fake volume server closed when the test ends.
func NewVolumeServer(t *testing.T) *VolumeServer {
	t.Helper()
	v := &VolumeServer{files: make(map[string][]byte)}
	v.Server = httptest.NewServer(http.HandlerFunc(v.serve))
	t.Cleanup(v.Close)
	return v
}

// Addr returns host:port, the form blobmesh uses as a volume name.
func (v *VolumeServer) Addr() string {
	return v.Listener.Addr().String()
}

// Store places a file at path as if it had been written earlier.
func (v *VolumeServer) Store(path string, data []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.files[path] = data
}

// File returns the content stored at path.
func (v *VolumeServer) File(path string) ([]byte, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	data, ok := v.files[path]
	return data, ok
}

// Paths returns every stored path in sorted order.
func (v *VolumeServer) Paths() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	paths := make([]string, 0, len(v.files))
	for p := range v.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// FailDeletes makes every DELETE answer status instead of deleting.
// Zero restores normal behaviour.
func (v *VolumeServer) FailDeletes(status int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.deleteStatus = status
}

// FailPuts makes every PUT answer status instead of storing.
func (v *VolumeServer) FailPuts(status int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.putStatus = status
}

// Deletes returns the paths DELETE was called on, in arrival order.
func (v *VolumeServer) Deletes() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.deletes...)
}

type listingEntry struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	MTime string `json:"mtime"`
}

func (v *VolumeServer) serve(w http.ResponseWriter, r *http.Request) {
	v.mu.Lock()
	defer v.mu.Unlock()

	path := r.URL.Path
	switch r.Method {
	case http.MethodPut:
		if v.putStatus != 0 {
			w.WriteHeader(v.putStatus)
			return
		}
		data, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		v.files[path] = data
		w.WriteHeader(http.StatusCreated)

	case http.MethodDelete:
		v.deletes = append(v.deletes, path)
		if v.deleteStatus != 0 {
			w.WriteHeader(v.deleteStatus)
			return
		}
		if _, ok := v.files[path]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(v.files, path)
		w.WriteHeader(http.StatusNoContent)

	case http.MethodGet, http.MethodHead:
		if strings.HasSuffix(path, "/") {
			v.writeListing(w, path)
			return
		}
		data, ok := v.files[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(data)
		}

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// writeListing must be called with mu held.
func (v *VolumeServer) writeListing(w http.ResponseWriter, dir string) {
	seen := make(map[string]string)
	for p := range v.files {
		rest, ok := strings.CutPrefix(p, dir)
		if !ok || rest == "" {
			continue
		}
		if name, _, isDir := strings.Cut(rest, "/"); isDir {
			seen[name] = "directory"
		} else {
			seen[name] = "file"
		}
	}
	if len(seen) == 0 && dir != "/" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	entries := make([]listingEntry, 0, len(seen))
	for name, typ := range seen {
		entries = append(entries, listingEntry{Name: name, Type: typ, MTime: "Mon, 01 Jan 2024 00:00:00 GMT"})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}
