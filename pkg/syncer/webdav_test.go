package syncer

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// davHandler is a minimal in-memory WebDAV server: MKCOL, PROPFIND Depth:1,
// GET/PUT/DELETE.
type davHandler struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
}

func newDavHandler() *davHandler {
	return &davHandler{files: map[string][]byte{}, dirs: map[string]bool{"/": true}}
}

func (h *davHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	path := r.URL.Path
	switch r.Method {
	case "MKCOL":
		h.dirs[strings.TrimSuffix(path, "/")+"/"] = true
		w.WriteHeader(http.StatusCreated)
	case "PROPFIND":
		dir := strings.TrimSuffix(path, "/") + "/"
		if !h.dirs[dir] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var hrefs []string
		for f := range h.files {
			if strings.HasPrefix(f, dir) && !strings.Contains(f[len(dir):], "/") {
				hrefs = append(hrefs, f)
			}
		}
		for d := range h.dirs {
			trimmed := strings.TrimSuffix(d, "/")
			if strings.HasPrefix(d, dir) && d != dir && !strings.Contains(trimmed[len(dir):], "/") {
				hrefs = append(hrefs, d)
			}
		}
		sort.Strings(hrefs)
		w.WriteHeader(http.StatusMultiStatus)
		fmt.Fprint(w, `<?xml version="1.0"?><multistatus xmlns="DAV:">`)
		fmt.Fprintf(w, `<response><href>%s</href></response>`, dir)
		for _, href := range hrefs {
			fmt.Fprintf(w, `<response><href>%s</href></response>`, href)
		}
		fmt.Fprint(w, `</multistatus>`)
	case http.MethodGet:
		data, ok := h.files[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(data)
	case http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		h.files[path] = data
		w.WriteHeader(http.StatusCreated)
	case http.MethodDelete:
		if _, ok := h.files[path]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(h.files, path)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestWebDAVStoreContract(t *testing.T) {
	srv := httptest.NewServer(newDavHandler())
	t.Cleanup(srv.Close)

	s, err := NewWebDAVStore(srv.URL, "user", "pass", srv.Client())
	require.NoError(t, err)

	require.NoError(t, s.MkdirAll("vault/dev-1/ops/"))

	_, err = s.Get("vault/dev-1/ops/op_1.json")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put("vault/dev-1/ops/op_1.json", []byte("ciphertext-1")))
	require.NoError(t, s.Put("vault/dev-1/ops/op_2.json", []byte("ciphertext-2")))

	got, err := s.Get("vault/dev-1/ops/op_1.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext-1"), got)

	names, err := s.List("vault/dev-1/ops/")
	require.NoError(t, err)
	sort.Strings(names)
	assert.Equal(t, []string{"op_1.json", "op_2.json"}, names)

	require.NoError(t, s.Delete("vault/dev-1/ops/op_1.json"))
	assert.ErrorIs(t, s.Delete("vault/dev-1/ops/op_1.json"), ErrNotFound)

	names, err = s.List("vault/missing/")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestWebDAVReplicatorEndToEnd(t *testing.T) {
	srv := httptest.NewServer(newDavHandler())
	t.Cleanup(srv.Close)

	dbKey := testKey(t)
	syncKey := testKey(t)
	a := newDevice(t, dbKey)
	b := newDevice(t, dbKey)

	remoteA, err := NewWebDAVStore(srv.URL, "", "", srv.Client())
	require.NoError(t, err)
	remoteB, err := NewWebDAVStore(srv.URL, "", "", srv.Client())
	require.NoError(t, err)

	repA, err := NewReplicator(a, remoteA, syncKey, "vault")
	require.NoError(t, err)
	repB, err := NewReplicator(b, remoteB, syncKey, "vault")
	require.NoError(t, err)

	_, err = a.UpsertConversation("c", "dav", 0)
	require.NoError(t, err)
	_, err = a.InsertMessage("c", "user", "over webdav", true)
	require.NoError(t, err)

	require.NoError(t, repA.Push())
	require.NoError(t, repB.Pull(nil))

	msgs, err := b.ListConversationMessages("c")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "over webdav", msgs[0].Content)
}
