package matrix

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNormalizeHomeserverURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://matrix.example.org", "https://matrix.example.org"},
		{"https://matrix.example.org/", "https://matrix.example.org"},
		{"https://matrix.example.org//", "https://matrix.example.org"},
		{"https://matrix.example.org/?foo=1", "https://matrix.example.org"},
		{"https://matrix.example.org/#frag", "https://matrix.example.org"},
		{"https://matrix.example.org/_matrix/client", "https://matrix.example.org"},
		{"https://matrix.example.org/_matrix/client/v3", "https://matrix.example.org"},
		{"https://matrix.example.org/_matrix/static", "https://matrix.example.org"},
		{"https://matrix.example.org/base/_matrix/client/v3/", "https://matrix.example.org/base"},
		{"https://matrix.example.org/base", "https://matrix.example.org/base"},
	}
	for _, tt := range tests {
		if got := NormalizeHomeserverURL(tt.in); got != tt.want {
			t.Errorf("NormalizeHomeserverURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestServerNameFromUserID(t *testing.T) {
	if got := ServerNameFromUserID("@bot:example.org"); got != "example.org" {
		t.Errorf("got %q", got)
	}
	if got := ServerNameFromUserID("no-colon"); got != "" {
		t.Errorf("got %q", got)
	}
}

// recordingServer is a fake homeserver capturing requests.
type recordingServer struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  func(r *http.Request, body []byte) (int, string)
}

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   string
	Auth   string
}

func (rs *recordingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	rs.mu.Lock()
	rs.requests = append(rs.requests, recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Body:   string(body),
		Auth:   r.Header.Get("Authorization"),
	})
	rs.mu.Unlock()

	status, resp := 200, "{}"
	if rs.handler != nil {
		status, resp = rs.handler(r, body)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, resp)
}

func (rs *recordingServer) byPath(path string) []recordedRequest {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var out []recordedRequest
	for _, req := range rs.requests {
		if req.Path == path {
			out = append(out, req)
		}
	}
	return out
}

func newTestClient(t *testing.T, rs *recordingServer, opts Options) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(rs)
	t.Cleanup(srv.Close)

	opts.HomeserverURL = srv.URL
	if opts.UserID == "" {
		opts.UserID = "@bot:example.org"
	}
	if opts.AccessToken == "" && opts.Password == "" {
		opts.AccessToken = "tok"
	}
	if opts.Sleep == nil {
		opts.Sleep = func(time.Duration) {}
	}
	return NewClient(opts), srv
}

func TestVerifyConnection(t *testing.T) {
	rs := &recordingServer{handler: func(r *http.Request, _ []byte) (int, string) {
		switch r.URL.Path {
		case "/_matrix/client/versions":
			return 200, `{"versions":["v1.8"]}`
		case "/_matrix/client/v3/account/whoami":
			return 200, `{"user_id":"@bot:example.org"}`
		}
		return 200, "{}"
	}}
	c, _ := newTestClient(t, rs, Options{})

	if err := c.VerifyConnection(t.Context()); err != nil {
		t.Fatalf("VerifyConnection: %v", err)
	}

	versions := rs.byPath("/_matrix/client/versions")
	if len(versions) != 1 || versions[0].Auth != "" {
		t.Fatalf("versions probe should be unauthenticated: %+v", versions)
	}
	whoami := rs.byPath("/_matrix/client/v3/account/whoami")
	if len(whoami) != 1 || whoami[0].Auth != "Bearer tok" {
		t.Fatalf("whoami should carry bearer auth: %+v", whoami)
	}
}

func TestVerifyConnectionIdentityMismatch(t *testing.T) {
	rs := &recordingServer{handler: func(r *http.Request, _ []byte) (int, string) {
		if r.URL.Path == "/_matrix/client/versions" {
			return 200, `{"versions":["v1.8"]}`
		}
		return 200, `{"user_id":"@imposter:example.org"}`
	}}
	c, _ := newTestClient(t, rs, Options{})

	if err := c.VerifyConnection(t.Context()); err == nil {
		t.Fatal("expected identity mismatch error")
	}
}

func TestPasswordLogin(t *testing.T) {
	rs := &recordingServer{handler: func(r *http.Request, _ []byte) (int, string) {
		switch r.URL.Path {
		case "/_matrix/client/versions":
			return 200, `{"versions":["v1.8"]}`
		case "/_matrix/client/v3/login":
			return 200, `{"access_token":"issued-tok","user_id":"@bot:example.org"}`
		case "/_matrix/client/v3/account/whoami":
			return 200, `{"user_id":"@bot:example.org"}`
		}
		return 200, "{}"
	}}
	c, _ := newTestClient(t, rs, Options{Password: "hunter2"})

	if err := c.VerifyConnection(t.Context()); err != nil {
		t.Fatalf("VerifyConnection: %v", err)
	}
	if c.AccessToken() != "issued-tok" {
		t.Fatalf("access token = %q", c.AccessToken())
	}

	logins := rs.byPath("/_matrix/client/v3/login")
	if len(logins) != 1 {
		t.Fatalf("expected one login call, got %d", len(logins))
	}
	if !strings.Contains(logins[0].Body, `"m.login.password"`) {
		t.Fatalf("login body %q", logins[0].Body)
	}
}

func TestPasswordLoginMissingToken(t *testing.T) {
	rs := &recordingServer{handler: func(r *http.Request, _ []byte) (int, string) {
		if r.URL.Path == "/_matrix/client/versions" {
			return 200, `{"versions":["v1.8"]}`
		}
		return 200, `{"user_id":"@bot:example.org"}`
	}}
	c, _ := newTestClient(t, rs, Options{Password: "hunter2"})

	if err := c.VerifyConnection(t.Context()); err == nil || !strings.Contains(err.Error(), "access_token") {
		t.Fatalf("expected missing access_token error, got %v", err)
	}
}

func TestRateLimitRetry(t *testing.T) {
	attempt := 0
	rs := &recordingServer{handler: func(r *http.Request, _ []byte) (int, string) {
		attempt++
		if attempt == 1 {
			return 429, `{"retry_after_ms": 300}`
		}
		return 200, `{"joined_rooms":[]}`
	}}

	var slept []time.Duration
	c, _ := newTestClient(t, rs, Options{Sleep: func(d time.Duration) { slept = append(slept, d) }})

	if err := c.EnsureJoinedRoom(t.Context(), "!r:example.org"); err != nil {
		t.Fatalf("EnsureJoinedRoom: %v", err)
	}
	if len(slept) != 1 {
		t.Fatalf("expected exactly one sleep, got %v", slept)
	}
	if slept[0] < 300*time.Millisecond {
		t.Fatalf("sleep %v shorter than retry_after_ms", slept[0])
	}
}

func TestRateLimitFloor(t *testing.T) {
	if d := rateLimitDelay([]byte(`{"retry_after_ms": 10}`), 1); d != 250*time.Millisecond {
		t.Errorf("floor not applied: %v", d)
	}
	if d := rateLimitDelay([]byte(`{}`), 3); d != 1500*time.Millisecond {
		t.Errorf("linear backoff = %v", d)
	}
	if d := rateLimitDelay([]byte(`not json`), 100); d != 8*time.Second {
		t.Errorf("cap not applied: %v", d)
	}
}

func TestRateLimitExhaustion(t *testing.T) {
	rs := &recordingServer{handler: func(*http.Request, []byte) (int, string) {
		return 429, `{}`
	}}
	c, _ := newTestClient(t, rs, Options{})

	err := c.EnsureJoinedRoom(t.Context(), "!r:example.org")
	if err == nil {
		t.Fatal("expected rate-limit exhaustion error")
	}
	var chatErr *ChatError
	if !errors.As(err, &chatErr) || !chatErr.RateLimited() {
		t.Fatalf("expected rate-limited ChatError, got %v", err)
	}
	if got := len(rs.byPath("/_matrix/client/v3/joined_rooms")); got != 5 {
		t.Fatalf("expected 5 attempts, got %d", got)
	}
}

func TestNon2xxIsFatal(t *testing.T) {
	rs := &recordingServer{handler: func(*http.Request, []byte) (int, string) {
		return 403, `{"errcode":"M_FORBIDDEN"}`
	}}
	c, _ := newTestClient(t, rs, Options{})

	err := c.EnsureJoinedRoom(t.Context(), "!r:example.org")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := len(rs.byPath("/_matrix/client/v3/joined_rooms")); got != 1 {
		t.Fatalf("non-429 should not retry, got %d attempts", got)
	}
}

func TestEnsureJoinedRoomAlreadyJoined(t *testing.T) {
	rs := &recordingServer{handler: func(r *http.Request, _ []byte) (int, string) {
		if r.URL.Path == "/_matrix/client/v3/joined_rooms" {
			return 200, `{"joined_rooms":["!r:example.org"]}`
		}
		return 200, "{}"
	}}
	c, _ := newTestClient(t, rs, Options{})

	if err := c.EnsureJoinedRoom(t.Context(), "!r:example.org"); err != nil {
		t.Fatal(err)
	}
	if joins := rs.byPath("/_matrix/client/v3/join/!r:example.org"); len(joins) != 0 {
		t.Fatalf("join issued for already-joined room: %+v", joins)
	}
}

func TestCreateSpaceSetsCreationContent(t *testing.T) {
	rs := &recordingServer{handler: func(r *http.Request, _ []byte) (int, string) {
		return 200, `{"room_id":"!space:example.org"}`
	}}
	c, _ := newTestClient(t, rs, Options{})

	id, err := c.CreateSpace(t.Context(), "Eng", "topic", []string{"@a:example.org"})
	if err != nil {
		t.Fatal(err)
	}
	if id != "!space:example.org" {
		t.Fatalf("room ID = %q", id)
	}

	reqs := rs.byPath("/_matrix/client/v3/createRoom")
	if len(reqs) != 1 {
		t.Fatalf("createRoom calls = %d", len(reqs))
	}
	var body map[string]any
	json.Unmarshal([]byte(reqs[0].Body), &body)
	cc, _ := body["creation_content"].(map[string]any)
	if cc["type"] != "m.space" {
		t.Fatalf("creation_content = %v", body["creation_content"])
	}

	if _, err := c.CreateRoom(t.Context(), "Room", "", nil); err != nil {
		t.Fatal(err)
	}
	reqs = rs.byPath("/_matrix/client/v3/createRoom")
	body = nil
	json.Unmarshal([]byte(reqs[1].Body), &body)
	if _, has := body["creation_content"]; has {
		t.Fatal("plain room should not set creation_content")
	}
}

func TestLinkRoomUnderSpace(t *testing.T) {
	rs := &recordingServer{}
	c, _ := newTestClient(t, rs, Options{})

	if err := c.LinkRoomUnderSpace(t.Context(), "!parent:example.org", "!child:example.org"); err != nil {
		t.Fatal(err)
	}

	child := rs.byPath("/_matrix/client/v3/rooms/!parent:example.org/state/m.space.child/!child:example.org")
	parent := rs.byPath("/_matrix/client/v3/rooms/!child:example.org/state/m.space.parent/!parent:example.org")
	if len(child) != 1 || len(parent) != 1 {
		t.Fatalf("hierarchy events: child=%d parent=%d", len(child), len(parent))
	}
	if !strings.Contains(child[0].Body, `"via":["example.org"]`) {
		t.Fatalf("child event body %q missing via", child[0].Body)
	}
}

func TestEnsureInvitesSkipsMembers(t *testing.T) {
	rs := &recordingServer{handler: func(r *http.Request, _ []byte) (int, string) {
		if strings.HasSuffix(r.URL.Path, "/members") {
			return 200, `{"chunk":[
				{"state_key":"@joined:example.org","content":{"membership":"join"}},
				{"state_key":"@invited:example.org","content":{"membership":"invite"}},
				{"state_key":"@left:example.org","content":{"membership":"leave"}}
			]}`
		}
		return 200, "{}"
	}}
	c, _ := newTestClient(t, rs, Options{})

	users := []string{"@joined:example.org", "@invited:example.org", "@left:example.org", "@new:example.org"}
	if err := c.EnsureInvites(t.Context(), "!r:example.org", users); err != nil {
		t.Fatal(err)
	}

	invites := rs.byPath("/_matrix/client/v3/rooms/!r:example.org/invite")
	if len(invites) != 2 {
		t.Fatalf("expected 2 invites, got %d: %+v", len(invites), invites)
	}
	joined := invites[0].Body + invites[1].Body
	if !strings.Contains(joined, "@left:example.org") || !strings.Contains(joined, "@new:example.org") {
		t.Fatalf("wrong invitees: %s", joined)
	}
}

func TestSyncParams(t *testing.T) {
	rs := &recordingServer{handler: func(r *http.Request, _ []byte) (int, string) {
		return 200, `{"next_batch":"s2","rooms":{"join":{"!lobby:example.org":{"timeline":{"events":[
			{"type":"m.room.message","event_id":"$e1","sender":"@u:example.org","content":{"msgtype":"m.text","body":"hi"}}
		]}}}}}`
	}}
	c, _ := newTestClient(t, rs, Options{})

	resp, err := c.Sync(t.Context(), "s1", 30000, []string{"!lobby:example.org"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.NextBatch != "s2" {
		t.Fatalf("next_batch = %q", resp.NextBatch)
	}
	events := resp.Rooms.Join["!lobby:example.org"].Timeline.Events
	if len(events) != 1 || events[0].Content.Body != "hi" {
		t.Fatalf("events = %+v", events)
	}

	reqs := rs.byPath("/_matrix/client/v3/sync")
	if len(reqs) != 1 {
		t.Fatalf("sync calls = %d", len(reqs))
	}
	q := reqs[0].Query
	if !strings.Contains(q, "since=s1") || !strings.Contains(q, "timeout=30000") {
		t.Fatalf("sync query %q", q)
	}
	if !strings.Contains(q, "m.room.message") || !strings.Contains(q, "lobby") {
		t.Fatalf("sync filter missing from query %q", q)
	}
}

func TestSyncOmitsEmptySince(t *testing.T) {
	rs := &recordingServer{handler: func(*http.Request, []byte) (int, string) {
		return 200, `{"next_batch":"s1"}`
	}}
	c, _ := newTestClient(t, rs, Options{})

	if _, err := c.Sync(t.Context(), "", 0, nil); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(rs.byPath("/_matrix/client/v3/sync")[0].Query, "since=") {
		t.Fatal("empty since should be omitted")
	}
}

func TestSendMessage(t *testing.T) {
	rs := &recordingServer{handler: func(*http.Request, []byte) (int, string) {
		return 200, `{"event_id":"$sent"}`
	}}
	c, _ := newTestClient(t, rs, Options{})

	id, err := c.SendMessage(t.Context(), "!r:example.org", "hello", "m.text", SendOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if id != "$sent" {
		t.Fatalf("event ID = %q", id)
	}

	rs.mu.Lock()
	req := rs.requests[0]
	rs.mu.Unlock()
	if req.Method != http.MethodPut {
		t.Fatalf("method = %s", req.Method)
	}
	if !strings.Contains(req.Path, "/send/m.room.message/") {
		t.Fatalf("path = %s", req.Path)
	}
	var content map[string]any
	json.Unmarshal([]byte(req.Body), &content)
	if content["msgtype"] != "m.text" || content["body"] != "hello" {
		t.Fatalf("content = %v", content)
	}
	if _, has := content["m.relates_to"]; has {
		t.Fatal("unthreaded message should not carry m.relates_to")
	}
}

func TestSendMessageThreaded(t *testing.T) {
	rs := &recordingServer{handler: func(*http.Request, []byte) (int, string) {
		return 200, `{"event_id":"$sent"}`
	}}
	c, _ := newTestClient(t, rs, Options{})

	_, err := c.SendMessage(t.Context(), "!r:example.org", "reply", "m.text",
		SendOptions{ThreadRootEventID: "$root"})
	if err != nil {
		t.Fatal(err)
	}

	rs.mu.Lock()
	body := rs.requests[0].Body
	rs.mu.Unlock()

	var content map[string]any
	json.Unmarshal([]byte(body), &content)
	rel, _ := content["m.relates_to"].(map[string]any)
	if rel["rel_type"] != "m.thread" || rel["event_id"] != "$root" {
		t.Fatalf("m.relates_to = %v", rel)
	}
	reply, _ := rel["m.in_reply_to"].(map[string]any)
	if reply["event_id"] != "$root" {
		t.Fatalf("fallback reply = %v", reply)
	}
}

func TestSendMessageTruncates(t *testing.T) {
	rs := &recordingServer{handler: func(*http.Request, []byte) (int, string) {
		return 200, `{"event_id":"$sent"}`
	}}
	c, _ := newTestClient(t, rs, Options{})

	long := strings.Repeat("x", 40000)
	if _, err := c.SendNotice(t.Context(), "!r:example.org", long); err != nil {
		t.Fatal(err)
	}

	rs.mu.Lock()
	body := rs.requests[0].Body
	rs.mu.Unlock()
	var content map[string]string
	json.Unmarshal([]byte(body), &content)
	if len(content["body"]) != 30000 {
		t.Fatalf("body length = %d, want 30000", len(content["body"]))
	}
	if content["msgtype"] != "m.notice" {
		t.Fatalf("msgtype = %q", content["msgtype"])
	}
}

func TestTransactionIDsUnique(t *testing.T) {
	rs := &recordingServer{handler: func(*http.Request, []byte) (int, string) {
		return 200, `{"event_id":"$sent"}`
	}}
	c, _ := newTestClient(t, rs, Options{})

	for i := 0; i < 3; i++ {
		if _, err := c.SendNotice(t.Context(), "!r:example.org", "n"); err != nil {
			t.Fatal(err)
		}
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	seen := make(map[string]bool)
	for _, req := range rs.requests {
		parts := strings.Split(req.Path, "/")
		txn := parts[len(parts)-1]
		if seen[txn] {
			t.Fatalf("transaction ID %q reused", txn)
		}
		seen[txn] = true
	}
}

func TestLeaveAndForgetBestEffort(t *testing.T) {
	rs := &recordingServer{handler: func(*http.Request, []byte) (int, string) {
		return 404, `{"errcode":"M_NOT_FOUND"}`
	}}
	c, _ := newTestClient(t, rs, Options{})

	// Must not panic or surface the 404s.
	c.LeaveAndForget(t.Context(), "!gone:example.org")

	if len(rs.byPath("/_matrix/client/v3/rooms/!gone:example.org/leave")) != 1 {
		t.Fatal("leave not attempted")
	}
	if len(rs.byPath("/_matrix/client/v3/rooms/!gone:example.org/forget")) != 1 {
		t.Fatal("forget not attempted")
	}
}

func TestSendTyping(t *testing.T) {
	rs := &recordingServer{}
	c, _ := newTestClient(t, rs, Options{})

	if err := c.SendTyping(t.Context(), "!r:example.org", true, 30000); err != nil {
		t.Fatal(err)
	}
	reqs := rs.byPath("/_matrix/client/v3/rooms/!r:example.org/typing/@bot:example.org")
	if len(reqs) != 1 {
		t.Fatalf("typing calls = %d", len(reqs))
	}
	if !strings.Contains(reqs[0].Body, `"timeout":30000`) {
		t.Fatalf("typing body %q", reqs[0].Body)
	}
}

func TestGetRoomEvent(t *testing.T) {
	rs := &recordingServer{handler: func(*http.Request, []byte) (int, string) {
		return 200, `{"type":"m.room.message","event_id":"$e","sender":"@u:example.org","content":{"msgtype":"m.text","body":"orig"}}`
	}}
	c, _ := newTestClient(t, rs, Options{})

	ev, err := c.GetRoomEvent(t.Context(), "!r:example.org", "$e")
	if err != nil {
		t.Fatal(err)
	}
	if ev.Content.Body != "orig" || ev.Sender != "@u:example.org" {
		t.Fatalf("event = %+v", ev)
	}
}
