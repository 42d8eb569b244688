package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// maxBodyLen is the homeserver-friendly cap on message bodies.
const maxBodyLen = 30000

const maxAttempts = 5

// Options configures a Client. Exactly one of AccessToken or Password must
// be set; password mode exchanges credentials for a token during
// VerifyConnection.
type Options struct {
	HomeserverURL string
	UserID        string
	AccessToken   string
	Password      string

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
	// Sleep overrides the rate-limit backoff sleep, mainly for tests.
	Sleep func(time.Duration)
}

// Client talks to one homeserver as one bot user.
type Client struct {
	baseURL     string
	userID      string
	accessToken string
	password    string

	http  *http.Client
	sleep func(time.Duration)

	txnPrefix  string
	txnCounter atomic.Int64
}

// NewClient creates a Client. The homeserver URL is normalized; see
// NormalizeHomeserverURL.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// No client-level timeout: sync long-polls; per-call deadlines
		// come from the request context.
		httpClient = &http.Client{}
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	return &Client{
		baseURL:     NormalizeHomeserverURL(opts.HomeserverURL),
		userID:      opts.UserID,
		accessToken: opts.AccessToken,
		password:    opts.Password,
		http:        httpClient,
		sleep:       sleep,
		txnPrefix:   "acb-" + uuid.NewString()[:8],
	}
}

// UserID returns the bot's Matrix user ID.
func (c *Client) UserID() string { return c.userID }

// AccessToken returns the current access token. After a password login this
// is the token the homeserver issued.
func (c *Client) AccessToken() string { return c.accessToken }

// HomeserverURL returns the normalized base URL.
func (c *Client) HomeserverURL() string { return c.baseURL }

// serverName infers the `via` server for space-hierarchy events from the
// bot's user ID, falling back to the homeserver host.
func (c *Client) serverName() string {
	if s := ServerNameFromUserID(c.userID); s != "" {
		return s
	}
	if u, err := url.Parse(c.baseURL); err == nil {
		return u.Host
	}
	return ""
}

// VerifyConnection probes the unauthenticated versions endpoint, performs a
// password login when needed, and confirms via whoami that the homeserver
// recognizes the configured bot user.
func (c *Client) VerifyConnection(ctx context.Context) error {
	var versions struct {
		Versions []string `json:"versions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/_matrix/client/versions", false, nil, &versions); err != nil {
		return fmt.Errorf("probing homeserver: %w", err)
	}
	if len(versions.Versions) == 0 {
		return fmt.Errorf("homeserver %s reports no supported client versions", c.baseURL)
	}

	if c.accessToken == "" {
		if err := c.login(ctx); err != nil {
			return err
		}
	}

	var whoami struct {
		UserID string `json:"user_id"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", true, nil, &whoami); err != nil {
		return fmt.Errorf("whoami: %w", err)
	}
	if whoami.UserID != c.userID {
		return fmt.Errorf("homeserver identifies token as %q, expected %q", whoami.UserID, c.userID)
	}
	return nil
}

// login exchanges the configured password for an access token.
func (c *Client) login(ctx context.Context) error {
	body := map[string]any{
		"type": "m.login.password",
		"identifier": map[string]string{
			"type": "m.id.user",
			"user": c.userID,
		},
		"password": c.password,
	}
	var resp struct {
		AccessToken string `json:"access_token"`
		UserID      string `json:"user_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/_matrix/client/v3/login", false, body, &resp); err != nil {
		return fmt.Errorf("password login: %w", err)
	}
	if resp.AccessToken == "" || resp.UserID == "" {
		return fmt.Errorf("password login: homeserver response missing access_token or user_id")
	}
	c.accessToken = resp.AccessToken
	return nil
}

// EnsureJoinedRoom joins roomID unless the bot is already a member.
func (c *Client) EnsureJoinedRoom(ctx context.Context, roomID string) error {
	var joined struct {
		JoinedRooms []string `json:"joined_rooms"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/_matrix/client/v3/joined_rooms", true, nil, &joined); err != nil {
		return err
	}
	for _, id := range joined.JoinedRooms {
		if id == roomID {
			return nil
		}
	}
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomID)
	return c.doJSON(ctx, http.MethodPost, path, true, map[string]any{}, nil)
}

// CreateSpace creates a private space and returns its room ID.
func (c *Client) CreateSpace(ctx context.Context, name, topic string, invites []string) (string, error) {
	return c.createRoom(ctx, name, topic, invites, true)
}

// CreateRoom creates a private room and returns its room ID.
func (c *Client) CreateRoom(ctx context.Context, name, topic string, invites []string) (string, error) {
	return c.createRoom(ctx, name, topic, invites, false)
}

func (c *Client) createRoom(ctx context.Context, name, topic string, invites []string, space bool) (string, error) {
	body := map[string]any{
		"name":   name,
		"preset": "private_chat",
	}
	if topic != "" {
		body["topic"] = topic
	}
	if len(invites) > 0 {
		body["invite"] = invites
	}
	if space {
		body["creation_content"] = map[string]string{"type": "m.space"}
	}

	var resp struct {
		RoomID string `json:"room_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", true, body, &resp); err != nil {
		return "", err
	}
	if resp.RoomID == "" {
		return "", fmt.Errorf("createRoom: homeserver returned no room_id")
	}
	return resp.RoomID, nil
}

// LinkRoomUnderSpace writes the parent->child and child->parent hierarchy
// state events.
func (c *Client) LinkRoomUnderSpace(ctx context.Context, parentID, childID string) error {
	via := map[string]any{"via": []string{c.serverName()}}

	childPath := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/m.space.child/%s",
		url.PathEscape(parentID), url.PathEscape(childID))
	if err := c.doJSON(ctx, http.MethodPut, childPath, true, via, nil); err != nil {
		return err
	}

	parentPath := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/m.space.parent/%s",
		url.PathEscape(childID), url.PathEscape(parentID))
	return c.doJSON(ctx, http.MethodPut, parentPath, true, via, nil)
}

// EnsureInvites invites every listed user that is neither joined nor
// already invited.
func (c *Client) EnsureInvites(ctx context.Context, roomID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}

	var members struct {
		Chunk []struct {
			StateKey string `json:"state_key"`
			Content  struct {
				Membership string `json:"membership"`
			} `json:"content"`
		} `json:"chunk"`
	}
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/members", url.PathEscape(roomID))
	if err := c.doJSON(ctx, http.MethodGet, path, true, nil, &members); err != nil {
		return err
	}

	present := make(map[string]bool, len(members.Chunk))
	for _, m := range members.Chunk {
		if m.Content.Membership == "join" || m.Content.Membership == "invite" {
			present[m.StateKey] = true
		}
	}

	invitePath := fmt.Sprintf("/_matrix/client/v3/rooms/%s/invite", url.PathEscape(roomID))
	for _, user := range userIDs {
		if user == "" || present[user] {
			continue
		}
		if err := c.doJSON(ctx, http.MethodPost, invitePath, true, map[string]string{"user_id": user}, nil); err != nil {
			return err
		}
	}
	return nil
}

// RoomEvent is a timeline event from sync.
type RoomEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
	Sender  string `json:"sender"`
	Content struct {
		MsgType string `json:"msgtype"`
		Body    string `json:"body"`
	} `json:"content"`
	OriginServerTS int64 `json:"origin_server_ts"`
}

// Timeline is the message timeline of one room in a sync batch.
type Timeline struct {
	Events []RoomEvent `json:"events"`
}

// JoinedRoom is the per-room payload of a sync batch.
type JoinedRoom struct {
	Timeline Timeline `json:"timeline"`
}

// SyncRooms groups sync payloads by membership; only joined rooms matter
// here.
type SyncRooms struct {
	Join map[string]JoinedRoom `json:"join"`
}

// SyncResponse is the subset of /sync the orchestrator consumes.
type SyncResponse struct {
	NextBatch string    `json:"next_batch"`
	Rooms     SyncRooms `json:"rooms"`
}

// Sync long-polls for message events in the given rooms. A zero timeout
// returns immediately, which is how the scheduler obtains its baseline
// resume token.
func (c *Client) Sync(ctx context.Context, since string, timeoutMs int, roomIDs []string) (*SyncResponse, error) {
	filter := map[string]any{
		"room": map[string]any{
			"rooms": roomIDs,
			"timeline": map[string]any{
				"types": []string{"m.room.message"},
			},
		},
	}
	filterJSON, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("building sync filter: %w", err)
	}

	q := url.Values{}
	q.Set("timeout", strconv.Itoa(timeoutMs))
	q.Set("filter", string(filterJSON))
	if since != "" {
		q.Set("since", since)
	}

	// Give the homeserver slack past the long-poll window before the
	// request itself is abandoned.
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond+30*time.Second)
	defer cancel()

	var resp SyncResponse
	if err := c.doJSON(ctx, http.MethodGet, "/_matrix/client/v3/sync?"+q.Encode(), true, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendOptions carries optional message metadata.
type SendOptions struct {
	// ThreadRootEventID attaches the message to a thread.
	ThreadRootEventID string
}

// SendMessage sends an m.room.message event and returns its event ID. The
// body is truncated to the homeserver-friendly cap. Transaction IDs are
// unique per client instance, so an internal retry cannot double-send.
func (c *Client) SendMessage(ctx context.Context, roomID, text, msgType string, opts SendOptions) (string, error) {
	if len(text) > maxBodyLen {
		text = text[:maxBodyLen]
	}

	content := map[string]any{
		"msgtype": msgType,
		"body":    text,
	}
	if opts.ThreadRootEventID != "" {
		content["m.relates_to"] = map[string]any{
			"rel_type":        "m.thread",
			"event_id":        opts.ThreadRootEventID,
			"is_falling_back": true,
			"m.in_reply_to": map[string]string{
				"event_id": opts.ThreadRootEventID,
			},
		}
	}

	txnID := fmt.Sprintf("%s-%d-%d", c.txnPrefix, time.Now().UnixMilli(), c.txnCounter.Add(1))
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/m.room.message/%s",
		url.PathEscape(roomID), url.PathEscape(txnID))

	var resp struct {
		EventID string `json:"event_id"`
	}
	if err := c.doJSON(ctx, http.MethodPut, path, true, content, &resp); err != nil {
		return "", err
	}
	return resp.EventID, nil
}

// SendNotice sends an m.notice message.
func (c *Client) SendNotice(ctx context.Context, roomID, text string) (string, error) {
	return c.SendMessage(ctx, roomID, text, "m.notice", SendOptions{})
}

// SendTyping sets or clears the bot's typing indicator in a room.
func (c *Client) SendTyping(ctx context.Context, roomID string, typing bool, timeoutMs int) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/typing/%s",
		url.PathEscape(roomID), url.PathEscape(c.userID))
	body := map[string]any{"typing": typing}
	if typing {
		body["timeout"] = timeoutMs
	}
	return c.doJSON(ctx, http.MethodPut, path, true, body, nil)
}

// GetRoomEvent fetches a single event by ID.
func (c *Client) GetRoomEvent(ctx context.Context, roomID, eventID string) (*RoomEvent, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/event/%s",
		url.PathEscape(roomID), url.PathEscape(eventID))
	var ev RoomEvent
	if err := c.doJSON(ctx, http.MethodGet, path, true, nil, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// LeaveAndForget leaves a room and forgets it. Both calls are best-effort:
// the room may already be gone.
func (c *Client) LeaveAndForget(ctx context.Context, roomID string) {
	leave := fmt.Sprintf("/_matrix/client/v3/rooms/%s/leave", url.PathEscape(roomID))
	_ = c.doJSON(ctx, http.MethodPost, leave, true, map[string]any{}, nil)
	forget := fmt.Sprintf("/_matrix/client/v3/rooms/%s/forget", url.PathEscape(roomID))
	_ = c.doJSON(ctx, http.MethodPost, forget, true, map[string]any{}, nil)
}

// doJSON performs one logical API call under the retry policy: up to five
// attempts, re-trying only on HTTP 429. The backoff honors the server's
// retry_after_ms when present (floored at 250ms), otherwise grows linearly
// capped at 8s. Any other non-2xx is fatal for the call.
func (c *Client) doJSON(ctx context.Context, method, path string, auth bool, reqBody, out any) error {
	op := method + " " + path

	var payload []byte
	if reqBody != nil {
		var err error
		payload, err = json.Marshal(reqBody)
		if err != nil {
			return &ChatError{Op: op, Err: fmt.Errorf("encoding request: %w", err)}
		}
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return &ChatError{Op: op, Err: err}
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if auth {
			req.Header.Set("Authorization", "Bearer "+c.accessToken)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return &ChatError{Op: op, Err: err}
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return &ChatError{Op: op, Err: fmt.Errorf("reading response: %w", err)}
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return &ChatError{Op: op, Err: fmt.Errorf("decoding response: %w", err)}
				}
			}
			return nil

		case resp.StatusCode == http.StatusTooManyRequests && attempt < maxAttempts:
			c.sleep(rateLimitDelay(respBody, attempt))
			continue

		default:
			return &ChatError{Op: op, StatusCode: resp.StatusCode, Body: string(respBody)}
		}
	}

	return &ChatError{Op: op, StatusCode: http.StatusTooManyRequests, Body: "rate limited after retries"}
}

// rateLimitDelay picks the backoff for a 429 response.
func rateLimitDelay(body []byte, attempt int) time.Duration {
	var rl struct {
		RetryAfterMs *int `json:"retry_after_ms"`
	}
	if err := json.Unmarshal(body, &rl); err == nil && rl.RetryAfterMs != nil {
		d := time.Duration(*rl.RetryAfterMs) * time.Millisecond
		if d < 250*time.Millisecond {
			d = 250 * time.Millisecond
		}
		return d
	}
	d := time.Duration(attempt) * 500 * time.Millisecond
	if d > 8*time.Second {
		d = 8 * time.Second
	}
	return d
}
