package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	errs "github.com/steef435/riotx-sdk/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

// newTestClient creates a Client pointed at the given httptest server.
func newTestClient(srv *httptest.Server) *Client {
	return NewClient(srv.URL, srv.Client()).WithToken("syt_token")
}

// --- do() internals ---

func TestDo_SetsAuthAndContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer syt_token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	require.NoError(t, c.do(context.Background(), http.MethodPost, "/x", nil, struct{}{}, nil))
}

func TestDo_NoTokenNoHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", srv.Client())
	assert.Equal(t, srv.URL, c.BaseURL(), "trailing slash trimmed")
	require.NoError(t, c.do(context.Background(), http.MethodGet, "/x", nil, nil, nil))
}

func TestDo_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
		auth      bool
		code      string
	}{
		{"unknown token", 401, `{"errcode":"M_UNKNOWN_TOKEN","error":"Invalid token"}`, false, true, ErrCodeUnknownToken},
		{"missing token", 401, `{"errcode":"M_MISSING_TOKEN","error":"Missing"}`, false, true, ErrCodeMissingToken},
		{"bare 401", 401, `not json`, false, true, ErrCodeUnknown},
		{"rate limited", 429, `{"errcode":"M_LIMIT_EXCEEDED","error":"slow down","retry_after_ms":1500}`, true, false, ErrCodeLimitExceeded},
		{"bad gateway", 502, `<html>oops</html>`, true, false, ErrCodeUnknown},
		{"unavailable", 503, `{"errcode":"M_UNKNOWN","error":"busy"}`, true, false, ErrCodeUnknown},
		{"forbidden", 403, `{"errcode":"M_FORBIDDEN","error":"no"}`, false, false, ErrCodeForbidden},
		{"consent", 403, `{"errcode":"M_CONSENT_NOT_GIVEN","error":"agree","consent_uri":"https://hs/consent"}`, false, false, ErrCodeConsentNotGiven},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			err := newTestClient(srv).do(context.Background(), http.MethodGet, "/x", nil, nil, nil)
			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err), "transient")
			assert.Equal(t, tt.transient, errors.Is(err, errs.ErrTransientNetwork))
			assert.Equal(t, tt.auth, IsAuthError(err), "auth")
			assert.Equal(t, tt.auth, errors.Is(err, errs.ErrAuthExpired))

			var me *MatrixError
			require.True(t, errors.As(err, &me))
			assert.Equal(t, tt.code, me.Code)
			assert.Equal(t, tt.status, me.StatusCode)
		})
	}
}

func TestDo_RetryAfterParsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"errcode":"M_LIMIT_EXCEEDED","retry_after_ms":2500}`))
	}))
	defer srv.Close()

	err := newTestClient(srv).do(context.Background(), http.MethodGet, "/x", nil, nil, nil)
	d, ok := RetryAfter(err)
	require.True(t, ok)
	assert.Equal(t, 2500*time.Millisecond, d)
}

func TestDo_ConsentURI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"errcode":"M_CONSENT_NOT_GIVEN","error":"agree","consent_uri":"https://hs/consent"}`))
	}))
	defer srv.Close()

	err := newTestClient(srv).do(context.Background(), http.MethodGet, "/x", nil, nil, nil)
	assert.True(t, IsConsentNotGiven(err))

	var me *MatrixError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, "https://hs/consent", me.ConsentURI)
}

func TestDo_MalformedSuccessBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"next_batch":`))
	}))
	defer srv.Close()

	var out SyncResponse
	err := newTestClient(srv).do(context.Background(), http.MethodGet, "/x", nil, nil, &out)
	assert.ErrorIs(t, err, errs.ErrMalformedResponse)
	assert.False(t, IsTransient(err))
}

func TestDo_NetworkErrorIsTransientConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(url, nil)
	err := c.do(context.Background(), http.MethodGet, "/x", nil, nil, nil)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.True(t, IsConnectionError(err))
}

func TestDo_CancelledContextNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := newTestClient(srv).do(ctx, http.MethodGet, "/x", nil, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsTransient(err))
}

func TestSanitizeResponseBody(t *testing.T) {
	assert.Equal(t, "a?b", sanitizeResponseBody([]byte("a\x00b")))
	assert.Len(t, sanitizeResponseBody([]byte(strings.Repeat("x", 1000))), 256)
	assert.Equal(t, "?", sanitizeResponseBody([]byte{0xff}))
}

func TestSameHostRedirectPolicy(t *testing.T) {
	orig, _ := http.NewRequest(http.MethodGet, "https://hs.example.org/a", nil)
	same, _ := http.NewRequest(http.MethodGet, "https://hs.example.org/b", nil)
	other, _ := http.NewRequest(http.MethodGet, "https://evil.example.com/b", nil)

	assert.NoError(t, sameHostRedirectPolicy(same, []*http.Request{orig}))
	assert.Error(t, sameHostRedirectPolicy(other, []*http.Request{orig}))
}

// --- Sync ---

func TestSync_QueryAndDecode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/_matrix/client/v3/sync", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "s1", q.Get("since"))
		assert.Equal(t, "30000", q.Get("timeout"))
		assert.Equal(t, "f1", q.Get("filter"))
		assert.Equal(t, "offline", q.Get("set_presence"))
		w.Write([]byte(`{
			"next_batch": "s2",
			"rooms": {
				"join": {"!r:hs": {
					"timeline": {"events": [{"event_id":"$e1","type":"m.room.message","sender":"@a:hs","content":{"body":"hi"}}], "limited": true, "prev_batch": "p1"},
					"unread_notifications": {"highlight_count": 1, "notification_count": 3}
				}},
				"leave": {"!gone:hs": {}}
			},
			"groups": {"invite": {"+g:hs": {"inviter": "@b:hs"}}}
		}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv).Sync(context.Background(), SyncRequest{
		Since:       "s1",
		Timeout:     30 * time.Second,
		Filter:      "f1",
		SetPresence: "offline",
	})
	require.NoError(t, err)
	assert.Equal(t, "s2", resp.NextBatch)

	jr := resp.Rooms.Join[id.RoomID("!r:hs")]
	require.Len(t, jr.Timeline.Events, 1)
	assert.Equal(t, id.EventID("$e1"), jr.Timeline.Events[0].ID)
	assert.JSONEq(t, `{"body":"hi"}`, string(jr.Timeline.Events[0].Content))
	assert.True(t, jr.Timeline.Limited)
	assert.Equal(t, 3, jr.UnreadNotifications.NotificationCount)
	assert.Contains(t, resp.Rooms.Leave, id.RoomID("!gone:hs"))
	assert.Equal(t, id.UserID("@b:hs"), resp.Groups.Invite["+g:hs"].Inviter)
}

func TestSync_InitialOmitsSince(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, r.URL.Query().Has("since"))
		assert.Equal(t, "0", r.URL.Query().Get("timeout"))
		w.Write([]byte(`{"next_batch":"s1"}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv).Sync(context.Background(), SyncRequest{})
	require.NoError(t, err)
	assert.Equal(t, "s1", resp.NextBatch)
}

func TestSync_MissingNextBatchIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rooms":{}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Sync(context.Background(), SyncRequest{})
	assert.ErrorIs(t, err, errs.ErrMalformedResponse)
}

// --- SendEvent / RedactEvent / SignOut ---

func TestSendEvent_PathAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/_matrix/client/v3/rooms/!r:hs/send/m.reaction/$local.1", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		var content map[string]any
		require.NoError(t, json.Unmarshal(body, &content))
		assert.Contains(t, content, "m.relates_to")
		w.Write([]byte(`{"event_id":"$confirmed"}`))
	}))
	defer srv.Close()

	eventID, err := newTestClient(srv).SendEvent(context.Background(), "!r:hs", EventReaction, "$local.1", map[string]any{
		"m.relates_to": map[string]string{"rel_type": RelAnnotation, "event_id": "$t", "key": "👍"},
	})
	require.NoError(t, err)
	assert.Equal(t, id.EventID("$confirmed"), eventID)
}

func TestRedactEvent_PathAndReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/_matrix/client/v3/rooms/!r:hs/redact/$target/txn1", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"reason":"spam"}`, string(body))
		w.Write([]byte(`{"event_id":"$redaction"}`))
	}))
	defer srv.Close()

	eventID, err := newTestClient(srv).RedactEvent(context.Background(), "!r:hs", "$target", "txn1", "spam")
	require.NoError(t, err)
	assert.Equal(t, id.EventID("$redaction"), eventID)
}

func TestSignOut(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Equal(t, "/_matrix/client/v3/logout", r.URL.Path)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(srv).SignOut(context.Background()))
	assert.True(t, called)
}

// --- Login / WellKnown ---

func TestLogin_DecodesCredentialsAndWellKnown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"m.login.password"`)
		assert.Contains(t, string(body), `"initial_device_display_name":"laptop"`)
		w.Write([]byte(`{
			"user_id":"@alice:hs","access_token":"syt_x","device_id":"DEV",
			"well_known":{"m.homeserver":{"base_url":"https://matrix.hs/"}}
		}`))
	}))
	defer srv.Close()

	creds, err := NewClient(srv.URL, srv.Client()).Login(context.Background(), LoginRequest{
		User: "alice", Password: "pw", InitialDeviceDisplayName: "laptop",
	})
	require.NoError(t, err)
	assert.Equal(t, "@alice:hs", creds.UserID)
	assert.Equal(t, "DEV", creds.DeviceID)
	require.NotNil(t, creds.WellKnown)
	assert.Equal(t, "https://matrix.hs/", creds.WellKnown.HomeServer.BaseURL)
}

func TestLogin_Forbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"errcode":"M_FORBIDDEN","error":"Invalid password"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, srv.Client()).Login(context.Background(), LoginRequest{User: "a", Password: "b"})
	assert.True(t, IsMatrixError(err, ErrCodeForbidden))
}

func TestWellKnown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/.well-known/matrix/client", r.URL.Path)
		w.Write([]byte(`{"m.homeserver":{"base_url":"https://hs"},"m.identity_server":{"base_url":"https://is"}}`))
	}))
	defer srv.Close()

	wk, err := NewClient(srv.URL, srv.Client()).WellKnown(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://hs", wk.HomeServer.BaseURL)
	assert.Equal(t, "https://is", wk.IdentityServer.BaseURL)
}
