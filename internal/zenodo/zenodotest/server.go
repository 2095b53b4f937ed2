// Package zenodotest provides an in-memory Zenodo API server for tests.
package zenodotest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// DOIPrefix is the DOI prefix used for records published on the fake server.
const DOIPrefix = "10.5072"

// Route names, usable as keys of Server.Fail and with Server.Count.
const (
	RouteAuth       = "auth"
	RouteSearch     = "search"
	RouteCreate     = "create"
	RouteNewVersion = "newversion"
	RouteGet        = "get"
	RouteListFiles  = "listfiles"
	RouteDeleteFile = "deletefile"
	RouteUpload     = "upload"
	RouteMetadata   = "metadata"
	RoutePublish    = "publish"
)

// MutatingRoutes are the routes that change server state.
var MutatingRoutes = []string{RouteCreate, RouteNewVersion, RouteDeleteFile, RouteUpload, RouteMetadata, RoutePublish}

// File is a stored deposition file.
type File struct {
	ID       string
	Filename string
	Content  []byte
}

// Deposition is a stored deposition.
type Deposition struct {
	ID        int64
	Parent    int64 // deposition this one is a new version of, or 0
	Title     string
	Metadata  map[string]any
	Files     []File
	Published bool
	DOI       string
}

// Server is a fake Zenodo API rooted at <URL>/api.
type Server struct {
	*httptest.Server

	// Token is the accepted bearer token.
	Token string
	// NextID is the id given to the next deposition; it grows by IDStep.
	NextID int64
	IDStep int64
	// Fail maps a route name to a status code that route will return.
	Fail map[string]int

	mu          sync.Mutex
	deps        map[int64]*Deposition
	calls       []string
	nextFileSeq int
}

// NewServer starts a fake Zenodo server that is closed when the test ends.
func NewServer(t testing.TB, token string) *Server {
	t.Helper()
	s := &Server{
		Token:  token,
		NextID: 1234567,
		IDStep: 1111111,
		Fail:   map[string]int{},
		deps:   map[int64]*Deposition{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/deposit/depositions", s.route(RouteAuth, true, s.handleList))
	mux.HandleFunc("GET /api/records", s.route(RouteSearch, false, s.handleSearch))
	mux.HandleFunc("POST /api/deposit/depositions", s.route(RouteCreate, true, s.handleCreate))
	mux.HandleFunc("GET /api/deposit/depositions/{id}", s.route(RouteGet, true, s.handleGet))
	mux.HandleFunc("PUT /api/deposit/depositions/{id}", s.route(RouteMetadata, true, s.handleMetadata))
	mux.HandleFunc("POST /api/deposit/depositions/{id}/actions/newversion", s.route(RouteNewVersion, true, s.handleNewVersion))
	mux.HandleFunc("POST /api/deposit/depositions/{id}/actions/publish", s.route(RoutePublish, true, s.handlePublish))
	mux.HandleFunc("GET /api/deposit/depositions/{id}/files", s.route(RouteListFiles, true, s.handleListFiles))
	mux.HandleFunc("POST /api/deposit/depositions/{id}/files", s.route(RouteUpload, true, s.handleUpload))
	mux.HandleFunc("DELETE /api/deposit/depositions/{id}/files/{fid}", s.route(RouteDeleteFile, true, s.handleDeleteFile))

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// APIURL returns the base URL to give to zenodo.WithBaseURL.
func (s *Server) APIURL() string {
	return s.URL + "/api"
}

// Seed stores a published record and returns it.
func (s *Server) Seed(title string) *Deposition {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.allocate()
	d.Title = title
	d.Published = true
	d.DOI = doiFor(d.ID)
	d.Files = []File{{ID: s.fileID(), Filename: "descriptor.json", Content: []byte("{}")}}
	return d
}

// Deposition returns a copy of the stored deposition.
func (s *Server) Deposition(id int64) (Deposition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deps[id]
	if !ok {
		return Deposition{}, false
	}
	return *d, true
}

// Calls returns the route names called so far, in order.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Count returns how many times route was called.
func (s *Server) Count(route string) int {
	n := 0
	for _, c := range s.Calls() {
		if c == route {
			n++
		}
	}
	return n
}

// MutatingCalls returns how many state-changing calls were made.
func (s *Server) MutatingCalls() int {
	n := 0
	for _, r := range MutatingRoutes {
		n += s.Count(r)
	}
	return n
}

func doiFor(id int64) string {
	return fmt.Sprintf("%s/zenodo.%d", DOIPrefix, id)
}

func (s *Server) allocate() *Deposition {
	step := s.IDStep
	if step <= 0 {
		step = 1
	}
	d := &Deposition{ID: s.NextID, Metadata: map[string]any{}}
	s.NextID += step
	s.deps[d.ID] = d
	return d
}

func (s *Server) fileID() string {
	s.nextFileSeq++
	return fmt.Sprintf("file-%04d", s.nextFileSeq)
}

type handler func(w http.ResponseWriter, r *http.Request)

func (s *Server) route(name string, auth bool, h handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls = append(s.calls, name)
		status, fail := s.Fail[name]
		s.mu.Unlock()

		if auth && r.Header.Get("Authorization") != "Bearer "+s.Token {
			writeError(w, http.StatusUnauthorized, "The server could not verify that you are authorized to access the URL requested.")
			return
		}
		if fail {
			writeError(w, status, "injected failure on "+name)
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"status": status, "message": msg})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*Deposition, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "PID does not exist.")
		return nil, false
	}
	d, ok := s.deps[id]
	if !ok {
		writeError(w, http.StatusNotFound, "PID does not exist.")
		return nil, false
	}
	return d, true
}

func (s *Server) depositionJSON(d *Deposition) map[string]any {
	files := []map[string]any{}
	for _, f := range d.Files {
		files = append(files, fileJSON(f))
	}
	out := map[string]any{
		"id":        d.ID,
		"title":     d.Title,
		"submitted": d.Published,
		"files":     files,
		"links": map[string]any{
			"self": fmt.Sprintf("%s/api/deposit/depositions/%d", s.URL, d.ID),
		},
	}
	if d.Published {
		out["doi"] = d.DOI
		out["state"] = "done"
	} else {
		out["state"] = "unsubmitted"
	}
	return out
}

func fileJSON(f File) map[string]any {
	return map[string]any{"id": f.ID, "filename": f.Filename, "filesize": len(f.Content)}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []any{})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	phrase := strings.TrimSuffix(strings.TrimPrefix(q, `title:"`), `"`)
	phrase = strings.NewReplacer(`\"`, `"`, `\\`, `\`).Replace(phrase)

	// Like Zenodo, only the latest published version of a record is listed.
	superseded := map[int64]bool{}
	for _, d := range s.deps {
		if d.Published && d.Parent != 0 {
			superseded[d.Parent] = true
		}
	}

	var ids []int64
	for id, d := range s.deps {
		// Zenodo matches phrases loosely; mimic that with a substring match.
		if d.Published && !superseded[id] && strings.Contains(strings.ToLower(d.Title), strings.ToLower(phrase)) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	size, _ := strconv.Atoi(r.URL.Query().Get("size"))
	if size <= 0 {
		size = 10
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page <= 0 {
		page = 1
	}
	start := min((page-1)*size, len(ids))
	end := min(start+size, len(ids))

	hits := []map[string]any{}
	for _, id := range ids[start:end] {
		d := s.deps[id]
		hits = append(hits, map[string]any{
			"id":       d.ID,
			"doi":      d.DOI,
			"metadata": map[string]any{"title": d.Title},
		})
	}
	links := map[string]any{}
	if end < len(ids) {
		links["next"] = fmt.Sprintf("%s/api/records?q=%s&size=%d&page=%d", s.URL, url.QueryEscape(q), size, page+1)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hits":  map[string]any{"hits": hits, "total": len(ids)},
		"links": links,
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	d := s.allocate()
	writeJSON(w, http.StatusCreated, s.depositionJSON(d))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.depositionJSON(d))
}

func (s *Server) handleNewVersion(w http.ResponseWriter, r *http.Request) {
	base, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if !base.Published {
		writeError(w, http.StatusBadRequest, "Validation error.")
		return
	}
	draft := s.allocate()
	draft.Parent = base.ID
	draft.Title = base.Title
	for _, f := range base.Files {
		draft.Files = append(draft.Files, File{ID: s.fileID(), Filename: f.Filename, Content: f.Content})
	}
	out := s.depositionJSON(base)
	out["links"].(map[string]any)["latest_draft"] = fmt.Sprintf("%s/api/deposit/depositions/%d", s.URL, draft.ID)
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	files := []map[string]any{}
	for _, f := range d.Files {
		files = append(files, fileJSON(f))
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if d.Published {
		writeError(w, http.StatusForbidden, "Files of a published deposition cannot be changed.")
		return
	}
	fid := r.PathValue("fid")
	for i, f := range d.Files {
		if f.ID == fid {
			d.Files = append(d.Files[:i], d.Files[i+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeError(w, http.StatusNotFound, "File does not exist.")
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if d.Published {
		writeError(w, http.StatusForbidden, "Files of a published deposition cannot be changed.")
		return
	}
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "bad multipart body")
		return
	}
	name := r.FormValue("name")
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file")
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading file")
		return
	}
	for _, f := range d.Files {
		if f.Filename == name {
			writeError(w, http.StatusBadRequest, "Filename already exists.")
			return
		}
	}
	f := File{ID: s.fileID(), Filename: name, Content: content}
	d.Files = append(d.Files, f)
	writeJSON(w, http.StatusCreated, fileJSON(f))
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var body struct {
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	title, _ := body.Metadata["title"].(string)
	if title == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status":  400,
			"message": "Validation error.",
			"errors":  []map[string]any{{"field": "metadata.title", "message": "Field may not be blank."}},
		})
		return
	}
	d.Title = title
	d.Metadata = body.Metadata
	writeJSON(w, http.StatusOK, s.depositionJSON(d))
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if d.Published {
		writeError(w, http.StatusBadRequest, "Deposition already published.")
		return
	}
	if len(d.Files) == 0 || d.Title == "" {
		writeError(w, http.StatusBadRequest, "Validation error.")
		return
	}
	d.Published = true
	d.DOI = doiFor(d.ID)
	writeJSON(w, http.StatusAccepted, s.depositionJSON(d))
}
