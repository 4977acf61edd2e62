package snowpipe

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"meshpipe/internal/config"
)

type staticAuth struct{}

func (staticAuth) Token(context.Context) (string, error) { return "test-token", nil }
func (staticAuth) TokenType() string                     { return "OAUTH" }

// fakeServer emulates the streaming API: hostname discovery, channel open,
// row appends and bulk status.
type fakeServer struct {
	t *testing.T

	mu           sync.Mutex
	continuation int
	appended     [][]map[string]any
	committed    uint64
	lastOffset   string

	// failAppends makes the next N append calls return the given status.
	failAppends int
	failStatus  int
	failMessage string
}

func (s *fakeServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			s.t.Errorf("Authorization = %q, want bearer test token", got)
		}
		if got := r.Header.Get("X-Snowflake-Authorization-Token-Type"); got != "OAUTH" {
			s.t.Errorf("token type header = %q, want OAUTH", got)
		}

		switch {
		case r.URL.Path == "/v2/streaming/hostname":
			fmt.Fprint(w, r.Host)

		case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/channels/"):
			s.mu.Lock()
			s.continuation++
			token := fmt.Sprintf("cont-%d", s.continuation)
			s.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]any{
				"next_continuation_token": token,
				"channel_status":          map[string]any{"last_committed_offset_token": ""},
			})

		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/rows"):
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.failAppends > 0 {
				s.failAppends--
				http.Error(w, s.failMessage, s.failStatus)
				return
			}
			want := fmt.Sprintf("cont-%d", s.continuation)
			if got := r.URL.Query().Get("continuationToken"); got != want {
				s.t.Errorf("continuationToken = %q, want %q", got, want)
			}
			s.lastOffset = r.URL.Query().Get("offsetToken")

			var rows []map[string]any
			sc := bufio.NewScanner(r.Body)
			for sc.Scan() {
				line := bytes.TrimSpace(sc.Bytes())
				if len(line) == 0 {
					continue
				}
				var rec map[string]any
				if err := json.Unmarshal(line, &rec); err != nil {
					s.t.Errorf("append body is not NDJSON: %v", err)
					continue
				}
				rows = append(rows, rec)
			}
			s.appended = append(s.appended, rows)
			s.continuation++
			json.NewEncoder(w).Encode(map[string]any{
				"next_continuation_token": fmt.Sprintf("cont-%d", s.continuation),
			})

		case strings.HasSuffix(r.URL.Path, ":bulk-channel-status"):
			var req struct {
				ChannelNames []string `json:"channel_names"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			s.mu.Lock()
			committed := s.committed
			s.mu.Unlock()
			statuses := make(map[string]any)
			for _, name := range req.ChannelNames {
				statuses[name] = map[string]any{
					"last_committed_offset_token": fmt.Sprint(committed),
				}
			}
			json.NewEncoder(w).Encode(map[string]any{"channel_statuses": statuses})

		default:
			s.t.Errorf("unexpected request %s %s", r.Method, r.URL)
			http.NotFound(w, r)
		}
	}
}

func testClient(t *testing.T, fs *fakeServer) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(fs.handler())
	t.Cleanup(srv.Close)

	cfg := config.SnowflakeConfig{
		Account:     "testacct",
		User:        "streamer",
		Database:    "MESH",
		Schema:      "RAW",
		Table:       "mesh_packets",
		ChannelName: "MESH_CHNL",
	}
	c := NewClient(cfg, staticAuth{}, zerolog.Nop())
	c.scheme = "http"
	c.controlURL = srv.URL
	return c, srv
}

func rows(n int, label string) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{"packet_type": "text", "text_message": fmt.Sprintf("%s-%d", label, i)}
	}
	return out
}

func TestClient_OpenDiscoversHostAndChannel(t *testing.T) {
	fs := &fakeServer{t: t}
	c, _ := testClient(t, fs)

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if c.channel == "" || !strings.HasPrefix(c.channel, "MESH_CHNL_") {
		t.Errorf("channel = %q, want MESH_CHNL_<timestamp>_<n>", c.channel)
	}
	if c.continuation != "cont-1" {
		t.Errorf("continuation = %q, want cont-1", c.continuation)
	}
}

func TestClient_SendBatchAdvancesOffset(t *testing.T) {
	fs := &fakeServer{t: t}
	c, _ := testClient(t, fs)
	ctx := context.Background()
	if err := c.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := c.SendBatch(ctx, rows(3, "a")); err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if err := c.SendBatch(ctx, rows(2, "b")); err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.appended) != 2 {
		t.Fatalf("append calls = %d, want 2", len(fs.appended))
	}
	if len(fs.appended[0]) != 3 || len(fs.appended[1]) != 2 {
		t.Errorf("batch sizes = %d, %d, want 3, 2", len(fs.appended[0]), len(fs.appended[1]))
	}
	if fs.lastOffset != "5" {
		t.Errorf("final offset token = %q, want 5 (cumulative rows)", fs.lastOffset)
	}

	st := c.Stats()
	if st.RowsSent != 5 || st.BatchesSent != 2 {
		t.Errorf("stats = %+v, want 5 rows in 2 batches", st)
	}
}

func TestClient_SendBatchRetriesTransientExactlyOnce(t *testing.T) {
	fs := &fakeServer{t: t, failAppends: 2, failStatus: http.StatusServiceUnavailable, failMessage: "try later"}
	c, _ := testClient(t, fs)
	ctx := context.Background()
	if err := c.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := c.SendBatch(ctx, rows(4, "x")); err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	// The two failed attempts must not leave partial rows behind.
	if len(fs.appended) != 1 {
		t.Fatalf("successful appends = %d, want exactly 1", len(fs.appended))
	}
	if len(fs.appended[0]) != 4 {
		t.Errorf("rows landed = %d, want 4", len(fs.appended[0]))
	}
	if st := c.Stats(); st.Retries < 2 {
		t.Errorf("retries = %d, want at least 2", st.Retries)
	}
}

func TestClient_SendBatchReopensStaleChannel(t *testing.T) {
	fs := &fakeServer{t: t, failAppends: 1, failStatus: http.StatusBadRequest, failMessage: "invalid continuation token"}
	c, _ := testClient(t, fs)
	ctx := context.Background()
	if err := c.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	first := c.channel

	if err := c.SendBatch(ctx, rows(1, "x")); err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if st := c.Stats(); st.ChannelReopens != 1 {
		t.Errorf("reopens = %d, want 1", st.ChannelReopens)
	}
	if c.channel == first {
		t.Error("channel name unchanged after reopen, want a fresh session suffix")
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.appended) != 1 {
		t.Fatalf("successful appends = %d, want 1", len(fs.appended))
	}
}

func TestClient_AuthFailureIsNotRetried(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v2/streaming/hostname" {
			fmt.Fprint(w, r.Host)
			return
		}
		if r.Method == http.MethodPut {
			json.NewEncoder(w).Encode(map[string]any{"next_continuation_token": "cont-1"})
			return
		}
		attempts++
		http.Error(w, "token expired", http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := config.SnowflakeConfig{Account: "a", User: "u", Database: "d", Schema: "s", Table: "t", ChannelName: "CH"}
	c := NewClient(cfg, staticAuth{}, zerolog.Nop())
	c.scheme = "http"
	c.controlURL = srv.URL

	ctx := context.Background()
	if err := c.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	err := c.SendBatch(ctx, rows(1, "x"))
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("SendBatch() error = %v, want *AuthError", err)
	}
	if attempts != 1 {
		t.Errorf("append attempts = %d, want 1 (no retry on auth failure)", attempts)
	}
}

func TestClient_WaitForCommit(t *testing.T) {
	fs := &fakeServer{t: t}
	c, _ := testClient(t, fs)
	ctx := context.Background()
	if err := c.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := c.SendBatch(ctx, rows(3, "x")); err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}

	// Not yet committed: the wait must time out.
	if err := c.WaitForCommit(ctx, time.Second); err == nil {
		t.Fatal("WaitForCommit() = nil before server commit, want timeout")
	}

	fs.mu.Lock()
	fs.committed = 3
	fs.mu.Unlock()
	if err := c.WaitForCommit(ctx, 5*time.Second); err != nil {
		t.Fatalf("WaitForCommit() after commit = %v, want nil", err)
	}
}

func TestClient_WaitForCommitNothingSent(t *testing.T) {
	fs := &fakeServer{t: t}
	c, _ := testClient(t, fs)
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := c.WaitForCommit(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("WaitForCommit() with no rows = %v, want nil", err)
	}
}
