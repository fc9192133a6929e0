// Package graphtest provides an in-memory fake of the drive API and its
// identity endpoint for use in tests.
package graphtest

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	TenantID     = "test-tenant"
	ClientID     = "test-client"
	ClientSecret = "test-secret"

	// DefaultModified is the lastModifiedDateTime reported for entries
	// added without an explicit timestamp.
	DefaultModified = "2024-01-02T03:04:05Z"
)

type entryKind int

const (
	kindFile entryKind = iota
	kindFolder
	kindUnknown
)

type entry struct {
	kind         entryKind
	data         []byte
	mimeType     string
	lastModified string
	omitSize     bool
}

type failure struct {
	status int
	code   string
}

// Server fakes both the identity token endpoint and the drive API.
type Server struct {
	*httptest.Server

	tokenRequests atomic.Int64
	graphRequests atomic.Int64

	mu            sync.Mutex
	tokenTTL      time.Duration
	opaqueTokens  bool
	containers    map[string]map[string]*entry
	issued        map[string]struct{}
	graphFailure  *failure
	tokenFailure  *failure
	malformedBody bool
	lastQuery     string
	lastPath      string
}

// NewServer starts a fake server that is closed when the test ends.
func NewServer(t *testing.T) *Server {
	t.Helper()

	s := &Server{
		tokenTTL:   time.Hour,
		containers: make(map[string]map[string]*entry),
		issued:     make(map[string]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /identity/{tenant}/oauth2/v2.0/token", s.handleToken)
	mux.HandleFunc("GET /graph/{container}/drive/{rest...}", s.handleDrive)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)

	return s
}

// IdentityBaseURL is the base URL to configure the token broker with.
func (s *Server) IdentityBaseURL() string {
	return s.URL + "/identity"
}

// GraphBaseURL is the base URL to configure the catalog client with.
func (s *Server) GraphBaseURL() string {
	return s.URL + "/graph"
}

// SetTokenTTL controls the exp claim of tokens issued from now on. A
// negative TTL issues tokens that are already expired.
func (s *Server) SetTokenTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenTTL = ttl
}

// SetOpaqueTokens makes the identity endpoint issue tokens that are not
// JWTs.
func (s *Server) SetOpaqueTokens(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opaqueTokens = enabled
}

// TokenRequests returns the number of token exchanges served so far.
func (s *Server) TokenRequests() int64 {
	return s.tokenRequests.Load()
}

// GraphRequests returns the number of drive API calls served so far.
func (s *Server) GraphRequests() int64 {
	return s.graphRequests.Load()
}

// LastRequest returns the decoded path and raw query of the most recent
// drive API call.
func (s *Server) LastRequest() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPath, s.lastQuery
}

func (s *Server) container(id string) map[string]*entry {
	c, ok := s.containers[id]
	if !ok {
		c = map[string]*entry{"": {kind: kindFolder}}
		s.containers[id] = c
	}
	return c
}

// addParents registers every ancestor folder of p. Callers hold s.mu.
func (s *Server) addParents(c map[string]*entry, p string) {
	for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if _, ok := c[dir]; !ok {
			c[dir] = &entry{kind: kindFolder, lastModified: DefaultModified}
		}
	}
}

// AddFile stores a file at p (slash separated, relative to the root).
func (s *Server) AddFile(container, p string, data []byte, mimeType string) {
	s.AddFileModified(container, p, data, mimeType, DefaultModified)
}

// AddFileModified stores a file with an explicit lastModifiedDateTime. An
// empty timestamp is omitted from the item JSON.
func (s *Server) AddFileModified(container, p string, data []byte, mimeType, modified string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p = strings.Trim(p, "/")
	c := s.container(container)
	c[p] = &entry{kind: kindFile, data: data, mimeType: mimeType, lastModified: modified}
	s.addParents(c, p)
}

// AddSizelessFile stores a file whose item JSON carries no size.
func (s *Server) AddSizelessFile(container, p string, mimeType string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p = strings.Trim(p, "/")
	c := s.container(container)
	c[p] = &entry{kind: kindFile, mimeType: mimeType, omitSize: true}
	s.addParents(c, p)
}

// AddFolder stores an empty folder at p.
func (s *Server) AddFolder(container, p string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p = strings.Trim(p, "/")
	c := s.container(container)
	c[p] = &entry{kind: kindFolder, lastModified: DefaultModified}
	s.addParents(c, p)
}

// AddUnknown stores an item carrying neither a file nor a folder facet.
func (s *Server) AddUnknown(container, p string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p = strings.Trim(p, "/")
	c := s.container(container)
	c[p] = &entry{kind: kindUnknown, lastModified: DefaultModified}
	s.addParents(c, p)
}

// FailGraph makes every following drive API call answer with status and
// an error body carrying code. A zero status clears the failure.
func (s *Server) FailGraph(status int, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		s.graphFailure = nil
		return
	}
	s.graphFailure = &failure{status: status, code: code}
}

// FailTokens makes the identity endpoint answer with status.
func (s *Server) FailTokens(status int, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		s.tokenFailure = nil
		return
	}
	s.tokenFailure = &failure{status: status, code: code}
}

// MalformedBodies makes successful drive API calls return invalid JSON.
func (s *Server) MalformedBodies(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.malformedBody = enabled
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeGraphError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": http.StatusText(status),
		},
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.tokenRequests.Add(1)

	s.mu.Lock()
	fail := s.tokenFailure
	ttl := s.tokenTTL
	opaque := s.opaqueTokens
	s.mu.Unlock()

	if fail != nil {
		writeJSON(w, fail.status, map[string]string{"error": fail.code, "error_description": "forced failure"})
		return
	}

	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	if r.PathValue("tenant") != TenantID ||
		r.PostForm.Get("client_id") != ClientID ||
		r.PostForm.Get("client_secret") != ClientSecret ||
		r.PostForm.Get("grant_type") != "client_credentials" ||
		!strings.HasSuffix(r.PostForm.Get("scope"), "/.default") {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	n := s.tokenRequests.Load()
	value := fmt.Sprintf("opaque-token-%d", n)
	if !opaque {
		claims := jwt.RegisteredClaims{
			ID:        strconv.FormatInt(n, 10),
			Audience:  jwt.ClaimStrings{"https://graph.microsoft.com"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("not-verified"))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
			return
		}
		value = signed
	}

	s.mu.Lock()
	s.issued[value] = struct{}{}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"token_type":   "Bearer",
		"expires_in":   int(ttl.Seconds()),
		"access_token": value,
	})
}

type folderFacet struct {
	ChildCount int `json:"childCount"`
}

type fileFacet struct {
	MimeType string `json:"mimeType"`
}

type driveItem struct {
	ID                   string       `json:"id"`
	Name                 string       `json:"name"`
	WebURL               string       `json:"webUrl"`
	CreatedDateTime      string       `json:"createdDateTime"`
	LastModifiedDateTime string       `json:"lastModifiedDateTime,omitempty"`
	ETag                 string       `json:"eTag,omitempty"`
	Size                 *int         `json:"size,omitempty"`
	Folder               *folderFacet `json:"folder,omitempty"`
	File                 *fileFacet   `json:"file,omitempty"`
}

func itemID(p string) string {
	return fmt.Sprintf("%08X", crc32.ChecksumIEEE([]byte(p)))
}

// children returns the direct children of dir, sorted by path. Callers
// hold s.mu.
func children(c map[string]*entry, dir string) []string {
	var out []string
	for p := range c {
		if p == "" {
			continue
		}
		parent := path.Dir(p)
		if parent == "." {
			parent = ""
		}
		if parent == dir {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Server) toItem(c map[string]*entry, p string) driveItem {
	e := c[p]
	name := path.Base(p)
	if p == "" {
		name = "root"
	}

	item := driveItem{
		ID:                   itemID(p),
		Name:                 name,
		WebURL:               s.URL + "/web/" + p,
		CreatedDateTime:      "2024-01-01T00:00:00Z",
		LastModifiedDateTime: e.lastModified,
	}

	switch e.kind {
	case kindFolder:
		item.Folder = &folderFacet{ChildCount: len(children(c, p))}
		item.ETag = fmt.Sprintf("\"{%s},1\"", item.ID)
		zero := 0
		item.Size = &zero
	case kindFile:
		item.File = &fileFacet{MimeType: e.mimeType}
		item.ETag = fmt.Sprintf("\"{%s},2\"", item.ID)
		if !e.omitSize {
			size := len(e.data)
			item.Size = &size
		}
	}

	return item
}

// parseDrivePath splits the part of the URL after /drive/ into the item
// path and the trailing action ("", "children", "content" or a search).
func parseDrivePath(rest string) (string, string, bool) {
	if !strings.HasPrefix(rest, "root") {
		return "", "", false
	}
	rest = strings.TrimPrefix(rest, "root")

	switch {
	case rest == "":
		return "", "", true
	case strings.HasPrefix(rest, ":/"):
		rest = rest[2:]
		if idx := strings.Index(rest, ":/"); idx != -1 {
			return strings.Trim(rest[:idx], "/"), rest[idx+2:], true
		}
		return strings.Trim(rest, "/"), "", true
	case strings.HasPrefix(rest, "/"):
		return "", rest[1:], true
	default:
		return "", "", false
	}
}

func parseSearch(action string) (string, bool) {
	if !strings.HasPrefix(action, "search(q='") || !strings.HasSuffix(action, "')") {
		return "", false
	}
	q := strings.TrimSuffix(strings.TrimPrefix(action, "search(q='"), "')")
	return strings.ReplaceAll(q, "''", "'"), true
}

func (s *Server) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok = s.issued[token]
	return ok
}

func (s *Server) handleDrive(w http.ResponseWriter, r *http.Request) {
	s.graphRequests.Add(1)

	s.mu.Lock()
	s.lastPath = r.URL.Path
	s.lastQuery = r.URL.RawQuery
	fail := s.graphFailure
	malformed := s.malformedBody
	s.mu.Unlock()

	if !s.authorized(r) {
		writeGraphError(w, http.StatusUnauthorized, "InvalidAuthenticationToken")
		return
	}

	if fail != nil {
		writeGraphError(w, fail.status, fail.code)
		return
	}

	itemPath, action, ok := parseDrivePath(r.PathValue("rest"))
	if !ok {
		writeGraphError(w, http.StatusBadRequest, "invalidRequest")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.containers[r.PathValue("container")]
	if !ok {
		writeGraphError(w, http.StatusNotFound, "itemNotFound")
		return
	}

	e, ok := c[itemPath]
	if !ok {
		writeGraphError(w, http.StatusNotFound, "itemNotFound")
		return
	}

	if malformed && action != "content" {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value": [`))
		return
	}

	top := -1
	if raw := r.URL.Query().Get("$top"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			top = n
		}
	}

	switch action {
	case "":
		writeJSON(w, http.StatusOK, s.toItem(c, itemPath))

	case "children":
		if e.kind != kindFolder {
			writeGraphError(w, http.StatusBadRequest, "invalidRequest")
			return
		}
		items := []driveItem{}
		for _, p := range children(c, itemPath) {
			if top >= 0 && len(items) >= top {
				break
			}
			items = append(items, s.toItem(c, p))
		}
		writeJSON(w, http.StatusOK, map[string]any{"value": items})

	case "content":
		if e.kind != kindFile {
			writeGraphError(w, http.StatusNotFound, "itemNotFound")
			return
		}
		item := s.toItem(c, itemPath)
		w.Header().Set("Content-Type", e.mimeType)
		w.Header().Set("ETag", item.ETag)
		if t, err := time.Parse(time.RFC3339, e.lastModified); err == nil {
			w.Header().Set("Last-Modified", t.UTC().Format(http.TimeFormat))
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(e.data)

	default:
		q, ok := parseSearch(action)
		if !ok {
			writeGraphError(w, http.StatusBadRequest, "invalidRequest")
			return
		}
		var matches []string
		for p := range c {
			if p == "" {
				continue
			}
			if itemPath != "" && !strings.HasPrefix(p, itemPath+"/") {
				continue
			}
			if strings.Contains(strings.ToLower(path.Base(p)), strings.ToLower(q)) {
				matches = append(matches, p)
			}
		}
		sort.Strings(matches)
		items := []driveItem{}
		for _, p := range matches {
			if top >= 0 && len(items) >= top {
				break
			}
			items = append(items, s.toItem(c, p))
		}
		writeJSON(w, http.StatusOK, map[string]any{"value": items})
	}
}
