package bridge

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	appconfig "timeflow/config"
	"timeflow/internal/session"
	"timeflow/models"
)

func testConfig() *appconfig.Config {
	return &appconfig.Config{
		Ingest: appconfig.IngestConfig{
			WindowLines: 10,
			EventBuffer: 64,
		},
		Index: appconfig.IndexConfig{
			NearestStrategy: "binary",
		},
		Session: appconfig.SessionConfig{
			AutoSelectChannels: 2,
			DebounceWindow:     appconfig.Duration(10 * time.Millisecond),
		},
		Export: appconfig.ExportConfig{
			Format: "csv",
		},
		Bridge: appconfig.BridgeConfig{
			Enabled:      true,
			WriteTimeout: appconfig.Duration(time.Second),
			ClientBuffer: 16,
		},
	}
}

func loadedSession(t *testing.T, cfg *appconfig.Config) *session.Session {
	t.Helper()

	sess := session.NewSession(cfg)
	done := make(chan struct{})
	sess.OnEvent(func(event models.IngestEvent) {
		if event.Type == models.IngestComplete || event.Type == models.IngestFatal {
			close(done)
		}
	})
	data := "TimeStamp,A,B\n1000,1,10\n2000,2,20\n3000,3,30\n"
	if err := sess.LoadText(context.Background(), data); err != nil {
		t.Fatalf("LoadText: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ingestion")
	}
	if err := sess.LastError(); err != nil {
		t.Fatalf("ingestion failed: %v", err)
	}
	return sess
}

func dialTestServer(t *testing.T, srv *Server) (*websocket.Conn, *httptest.Server) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.handleWS)
	mux.HandleFunc("/export", srv.handleExport)
	ts := httptest.NewServer(mux)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		ts.Close()
		t.Fatalf("dial: %v", err)
	}
	return conn, ts
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

// readUntil skips messages until one of the wanted type arrives. Broadcast
// ordering between snapshot rebuilds and direct replies is not fixed.
func readUntil(t *testing.T, conn *websocket.Conn, wantType string) Message {
	t.Helper()
	for i := 0; i < 10; i++ {
		msg := readMessage(t, conn)
		if msg.Type == wantType {
			return msg
		}
	}
	t.Fatalf("no %q message within 10 reads", wantType)
	return Message{}
}

func TestInitialSnapshotOnConnect(t *testing.T) {
	cfg := testConfig()
	sess := loadedSession(t, cfg)
	srv := NewServer(cfg.Bridge, sess)

	conn, ts := dialTestServer(t, srv)
	defer ts.Close()
	defer conn.Close()

	msg := readMessage(t, conn)
	if msg.Type != "snapshot" || msg.Snapshot == nil {
		t.Fatalf("first message = %+v, want snapshot", msg)
	}
	if len(msg.Snapshot.Series) != 2 {
		t.Fatalf("snapshot series = %d, want 2 auto-selected", len(msg.Snapshot.Series))
	}
	if msg.Snapshot.Series[0].Name != "A" || len(msg.Snapshot.Series[0].Points) != 3 {
		t.Fatalf("series[0] = %+v", msg.Snapshot.Series[0])
	}
}

func TestClickRoundTrip(t *testing.T) {
	cfg := testConfig()
	sess := loadedSession(t, cfg)
	srv := NewServer(cfg.Bridge, sess)

	conn, ts := dialTestServer(t, srv)
	defer ts.Close()
	defer conn.Close()

	readMessage(t, conn) // initial snapshot

	rect := session.Rect{Width: 1000, Height: 200}
	first := Message{Type: "click", X: 0, Y: 50, Rect: &rect}
	if err := conn.WriteJSON(first); err != nil {
		t.Fatalf("write: %v", err)
	}
	second := Message{Type: "click", X: 1000, Y: 50, Rect: &rect}
	if err := conn.WriteJSON(second); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := readUntil(t, conn, "delta")
	if msg.Delta == nil {
		t.Fatal("delta message without payload")
	}
	if msg.Delta.FormattedDeltaTime != "2s 0ms" {
		t.Fatalf("formatted delta = %q", msg.Delta.FormattedDeltaTime)
	}
	if len(msg.Delta.PerChannel) != 2 {
		t.Fatalf("perChannel = %+v", msg.Delta.PerChannel)
	}
}

func TestViewportEstimateReply(t *testing.T) {
	cfg := testConfig()
	sess := loadedSession(t, cfg)
	srv := NewServer(cfg.Bridge, sess)

	conn, ts := dialTestServer(t, srv)
	defer ts.Close()
	defer conn.Close()

	readMessage(t, conn)

	req := Message{Type: "viewport", StartTime: 1000, EndTime: 2000}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := readUntil(t, conn, "estimate")
	if msg.Estimate == nil || *msg.Estimate != 3 {
		t.Fatalf("estimate = %+v, want 3", msg.Estimate)
	}
}

func TestSetChannelsUpdatesSession(t *testing.T) {
	cfg := testConfig()
	sess := loadedSession(t, cfg)
	srv := NewServer(cfg.Bridge, sess)

	conn, ts := dialTestServer(t, srv)
	defer ts.Close()
	defer conn.Close()

	readMessage(t, conn)

	req := Message{Type: "set_channels", Channels: []string{"B"}}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		active := sess.Active()
		if len(active) == 1 && active[0] == "B" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("active = %v, want [B]", active)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestExportEndpoint(t *testing.T) {
	cfg := testConfig()
	sess := loadedSession(t, cfg)
	srv := NewServer(cfg.Bridge, sess)

	mux := http.NewServeMux()
	mux.HandleFunc("/export", srv.handleExport)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/export")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Export-Rows"); got != "3" {
		t.Fatalf("X-Export-Rows = %q", got)
	}
	if got := resp.Header.Get("Content-Type"); !strings.HasPrefix(got, "text/csv") {
		t.Fatalf("content type = %q", got)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	want := "TimeStamp,A,B\n1000,1,10\n2000,2,20\n3000,3,30\n"
	if string(body) != want {
		t.Fatalf("body:\n%s\nwant:\n%s", body, want)
	}
}

func TestIngestEventsBroadcast(t *testing.T) {
	cfg := testConfig()
	sess := session.NewSession(cfg)
	srv := NewServer(cfg.Bridge, sess)

	conn, ts := dialTestServer(t, srv)
	defer ts.Close()
	defer conn.Close()

	readMessage(t, conn) // initial (empty) snapshot

	data := "TimeStamp,A\n1000,1\n2000,2\n"
	if err := sess.LoadText(context.Background(), data); err != nil {
		t.Fatalf("LoadText: %v", err)
	}

	msg := readUntil(t, conn, string(models.IngestComplete))
	if msg.Event == nil {
		t.Fatal("complete message without event payload")
	}
	if msg.Event.RowsRead != 2 {
		t.Fatalf("rows read = %d, want 2", msg.Event.RowsRead)
	}
	if msg.Event.Fraction != 1 {
		t.Fatalf("fraction = %v, want 1", msg.Event.Fraction)
	}
}
