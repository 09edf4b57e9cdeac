package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/steef435/riotx-sdk/internal/auth"
	"github.com/steef435/riotx-sdk/internal/dbkey"
	"github.com/steef435/riotx-sdk/internal/matrix"
	"github.com/steef435/riotx-sdk/internal/mcpserver"
	"github.com/steef435/riotx-sdk/internal/models"
	"github.com/steef435/riotx-sdk/internal/outbound"
	"github.com/steef435/riotx-sdk/internal/server"
	"github.com/steef435/riotx-sdk/internal/session"
	"github.com/steef435/riotx-sdk/internal/syncloop"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

const (
	testUser       = "alice"
	testUserID     = "@alice:hs.test"
	testPassword   = "testpass"
	testToken      = "syt_alice_token"
	testPassphrase = "correct horse battery staple"
	testAPIKey     = "rx_0123456789abcdef0123456789abcdef"
	testRoom       = id.RoomID("!lounge:hs.test")
	prefix         = "/_matrix/client/v3"
)

// homeserver is an in-memory Matrix homeserver serving one room. The
// sync token is the number of timeline events already delivered.
type homeserver struct {
	mu      sync.Mutex
	events  []matrix.Event
	changed chan struct{}
	revoked bool
	logouts int
	txns    map[string]id.EventID
}

func newHomeserver(t *testing.T) (*homeserver, *httptest.Server) {
	t.Helper()

	hs := &homeserver{changed: make(chan struct{}), txns: make(map[string]id.EventID)}

	empty := ""
	member := testUserID
	hs.events = []matrix.Event{
		{Type: "m.room.create", Sender: testUserID, StateKey: &empty, Content: json.RawMessage(`{"creator":"` + testUserID + `"}`)},
		{Type: "m.room.member", Sender: testUserID, StateKey: &member, Content: json.RawMessage(`{"membership":"join","displayname":"Alice"}`)},
		{Type: "m.room.name", Sender: testUserID, StateKey: &empty, Content: json.RawMessage(`{"name":"Lounge"}`)},
		{Type: "m.room.message", Sender: "@bob:hs.test", Content: json.RawMessage(`{"msgtype":"m.text","body":"welcome"}`)},
	}
	for i := range hs.events {
		hs.events[i].ID = id.EventID(fmt.Sprintf("$ev%d", i))
		hs.events[i].OriginServerTS = int64(1000 + i)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+prefix+"/login", hs.login)
	mux.HandleFunc("GET /.well-known/matrix/client", func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	})
	mux.HandleFunc("GET "+prefix+"/sync", hs.authed(hs.sync))
	mux.HandleFunc("PUT "+prefix+"/rooms/{room}/send/{type}/{txn}", hs.authed(hs.send))
	mux.HandleFunc("PUT "+prefix+"/rooms/{room}/redact/{event}/{txn}", hs.authed(hs.redact))
	mux.HandleFunc("POST "+prefix+"/logout", hs.authed(hs.logout))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return hs, srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func matrixError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"errcode": code, "error": msg})
}

func (hs *homeserver) login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Identifier struct {
			User string `json:"user"`
		} `json:"identifier"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		matrixError(w, http.StatusBadRequest, "M_NOT_JSON", "bad body")
		return
	}

	if body.Identifier.User != testUser || body.Password != testPassword {
		matrixError(w, http.StatusForbidden, "M_FORBIDDEN", "Invalid password")
		return
	}

	hs.mu.Lock()
	hs.revoked = false
	hs.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":      testUserID,
		"access_token": testToken,
		"device_id":    "DEVICE1",
	})
}

func (hs *homeserver) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hs.mu.Lock()
		revoked := hs.revoked
		hs.mu.Unlock()

		if revoked || r.Header.Get("Authorization") != "Bearer "+testToken {
			matrixError(w, http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "Invalid access token")
			return
		}

		next(w, r)
	}
}

func (hs *homeserver) sync(w http.ResponseWriter, r *http.Request) {
	since := 0
	if s := r.URL.Query().Get("since"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			matrixError(w, http.StatusBadRequest, "M_INVALID_PARAM", "bad since")
			return
		}

		since = n
	}

	timeoutMS, _ := strconv.Atoi(r.URL.Query().Get("timeout"))

	hs.mu.Lock()
	if len(hs.events) <= since && timeoutMS > 0 {
		changed := hs.changed
		hs.mu.Unlock()

		select {
		case <-changed:
		case <-time.After(time.Duration(timeoutMS) * time.Millisecond):
		case <-r.Context().Done():
			return
		}

		hs.mu.Lock()
	}

	var batch []matrix.Event
	if since < len(hs.events) {
		batch = append(batch, hs.events[since:]...)
	}

	next := len(hs.events)
	hs.mu.Unlock()

	resp := matrix.SyncResponse{NextBatch: strconv.Itoa(next)}
	if len(batch) > 0 {
		resp.Rooms.Join = map[id.RoomID]matrix.JoinedRoom{
			testRoom: {Timeline: matrix.Timeline{Events: batch}},
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// appendLocked records ev as the next timeline event and wakes syncs.
func (hs *homeserver) appendLocked(ev matrix.Event, txn string) id.EventID {
	if eid, ok := hs.txns[txn]; ok {
		return eid
	}

	ev.ID = id.EventID(fmt.Sprintf("$ev%d", len(hs.events)))
	ev.OriginServerTS = int64(1000 + len(hs.events))
	ev.Sender = testUserID
	ev.Unsigned = &matrix.Unsigned{TransactionID: txn}

	hs.events = append(hs.events, ev)
	hs.txns[txn] = ev.ID

	close(hs.changed)
	hs.changed = make(chan struct{})

	return ev.ID
}

func (hs *homeserver) send(w http.ResponseWriter, r *http.Request) {
	var content json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&content); err != nil {
		matrixError(w, http.StatusBadRequest, "M_NOT_JSON", "bad body")
		return
	}

	hs.mu.Lock()
	eid := hs.appendLocked(matrix.Event{Type: r.PathValue("type"), Content: content}, r.PathValue("txn"))
	hs.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"event_id": eid.String()})
}

func (hs *homeserver) redact(w http.ResponseWriter, r *http.Request) {
	var content json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&content); err != nil {
		matrixError(w, http.StatusBadRequest, "M_NOT_JSON", "bad body")
		return
	}

	hs.mu.Lock()
	eid := hs.appendLocked(matrix.Event{
		Type:    matrix.EventRedaction,
		Redacts: id.EventID(r.PathValue("event")),
		Content: content,
	}, r.PathValue("txn"))
	hs.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"event_id": eid.String()})
}

func (hs *homeserver) logout(w http.ResponseWriter, _ *http.Request) {
	hs.mu.Lock()
	hs.revoked = true
	hs.logouts++
	hs.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{})
}

// revoke invalidates the access token without a logout call.
func (hs *homeserver) revoke() {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	hs.revoked = true
}

func (hs *homeserver) logoutCount() int {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	return hs.logouts
}

func (hs *homeserver) bodies() []string {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	var out []string
	for _, ev := range hs.events {
		var c struct {
			Body string `json:"body"`
		}
		if json.Unmarshal(ev.Content, &c) == nil && c.Body != "" {
			out = append(out, c.Body)
		}
	}

	return out
}

// harness wires the client stack the way the binary does: a params store,
// a session creator, and sessions built from the stored params.
type harness struct {
	HS       *homeserver
	URL      string
	StateDir string
	Params   *auth.ParamsStore
	Creator  *auth.SessionCreator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	hs, srv := newHomeserver(t)
	h := &harness{HS: hs, URL: srv.URL, StateDir: t.TempDir()}
	h.openParams(t)

	return h
}

func (h *harness) openParams(t *testing.T) {
	t.Helper()

	cipher, err := dbkey.NewCipherFrom(t.Context(), dbkey.NewPassphraseProvider(testPassphrase, "params"))
	require.NoError(t, err)

	params, err := auth.OpenParams(filepath.Join(h.StateDir, "params.db"), cipher)
	require.NoError(t, err)
	t.Cleanup(func() { _ = params.Close() })

	h.Params = params
	h.Creator = auth.NewSessionCreator(params, nil, quietLogger())
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func (h *harness) login(t *testing.T) models.SessionParams {
	t.Helper()

	p, err := h.Creator.LoginWithPassword(t.Context(), models.HomeServerConfig{HomeServerURL: h.URL}, matrix.LoginRequest{
		User:     testUser,
		Password: testPassword,
	})
	require.NoError(t, err)

	return p
}

func (h *harness) cacheDir(p models.SessionParams) string {
	return filepath.Join(h.StateDir, "users", strings.NewReplacer("@", "", ":", "_").Replace(p.UserID()))
}

// openSession builds and opens a session for p. Closing is left to the
// test cleanup.
func (h *harness) openSession(t *testing.T, p models.SessionParams) *session.Session {
	t.Helper()

	cacheDir := h.cacheDir(p)
	client := matrix.NewClient(p.HomeServer.HomeServerURL, nil).WithToken(p.Credentials.AccessToken)

	s := session.New(session.Config{
		UserID:   id.UserID(p.UserID()),
		DBPath:   filepath.Join(cacheDir, "session.db"),
		CacheDir: cacheDir,
		Sync: syncloop.Config{
			Timeout:         200 * time.Millisecond,
			BackoffMin:      10 * time.Millisecond,
			BackoffMax:      50 * time.Millisecond,
			MaxParseRetries: 2,
		},
		Outbound:          outbound.QueueConfig{Workers: 2, MaxRetries: 2, Backoff: 10 * time.Millisecond},
		BackgroundTimeout: 0,
	}, session.Deps{
		API:    client,
		Keys:   dbkey.NewPassphraseProvider(testPassphrase, p.UserID()),
		Params: h.Params,
		Logger: quietLogger(),
	})

	require.NoError(t, s.Open(t.Context()))
	t.Cleanup(func() { _ = s.Close() })

	return s
}

// mcpServer exposes s over a real HTTP server behind the API key mux.
func mcpServer(t *testing.T, s *session.Session) string {
	t.Helper()

	srv := mcp.NewServer(&mcp.Implementation{Name: "riotx-sync-mcp", Version: "test"}, nil)
	mcpserver.RegisterTools(srv, s)

	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil)

	hs := httptest.NewServer(server.NewMux(server.MuxConfig{
		Keys:       server.NewKeyStore([]server.APIKey{{UserID: "ops", Key: testAPIKey}}),
		MCPHandler: handler,
		Logger:     quietLogger(),
	}))
	t.Cleanup(hs.Close)

	return hs.URL
}

func mcpSession(t *testing.T, baseURL, token string) (*mcp.ClientSession, error) {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: baseURL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{token: token, base: http.DefaultTransport},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "e2e-test-client", Version: "test"}, nil)

	cs, err := client.Connect(t.Context(), transport, nil)
	if err != nil {
		return nil, err
	}

	t.Cleanup(func() { _ = cs.Close() })

	return cs, nil
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// fatalRecorder collects fatal events delivered to a session listener.
type fatalRecorder struct {
	ch chan session.FatalEvent
}

func newFatalRecorder() *fatalRecorder {
	return &fatalRecorder{ch: make(chan session.FatalEvent, 8)}
}

func (r *fatalRecorder) OnFatal(ev session.FatalEvent, _ error) {
	select {
	case r.ch <- ev:
	default:
	}
}

func waitFatal(t *testing.T, r *fatalRecorder) session.FatalEvent {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	select {
	case ev := <-r.ch:
		return ev
	case <-ctx.Done():
		t.Fatal("no fatal event delivered")
		return 0
	}
}
