package bili

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(srv.Client(), "SESSDATA=test", testLogger())
	c.navURL = srv.URL + "/nav"
	c.liveURL = srv.URL + "/live"
	c.feedURL = srv.URL + "/feed"
	return c, srv
}

func TestFetchKeys(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/nav", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"code":-101,"data":{"wbi_img":{
			"img_url":"https://i0.hdslb.com/bfs/wbi/7cd084941338484aae1ad9425b84077c.png",
			"sub_url":"https://i0.hdslb.com/bfs/wbi/4932caff0ff746eab6f01bf08b70ac45.png"}}}`)
	})
	c, _ := testClient(t, mux)

	keys, err := c.fetchKeys(context.Background())
	if err != nil {
		t.Fatalf("fetchKeys() error: %v", err)
	}
	if keys.ImgKey != "7cd084941338484aae1ad9425b84077c" {
		t.Errorf("ImgKey = %q", keys.ImgKey)
	}
	if keys.SubKey != "4932caff0ff746eab6f01bf08b70ac45" {
		t.Errorf("SubKey = %q", keys.SubKey)
	}
}

func TestKeyFromURL(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"https://i0.hdslb.com/bfs/wbi/abc123.png", "abc123"},
		{"no-slash.png", ""},
		{"https://host/path/", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := keyFromURL(tt.raw); got != tt.want {
			t.Errorf("keyFromURL(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestPresence(t *testing.T) {
	tests := []struct {
		name       string
		liveStatus int
		liveTime   int64
		wantLive   bool
		wantStart  bool
	}{
		{"streaming", 1, 1700000000, true, true},
		{"offline", 0, 0, false, false},
		{"carousel is not live", 2, 0, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/live", func(w http.ResponseWriter, _ *http.Request) {
				fmt.Fprintf(w, `{"code":0,"data":{"12345":{
					"live_status":%d,"live_time":%d,"title":"t","room_id":777,
					"cover_from_user":"c.png","uname":"Alice"}}}`, tt.liveStatus, tt.liveTime)
			})
			c, _ := testClient(t, mux)

			snap, err := c.Presence(context.Background(), "12345")
			if err != nil {
				t.Fatalf("Presence() error: %v", err)
			}
			if snap.IsLive != tt.wantLive {
				t.Errorf("IsLive = %v, want %v", snap.IsLive, tt.wantLive)
			}
			if got := !snap.StartedAt.IsZero(); got != tt.wantStart {
				t.Errorf("StartedAt set = %v, want %v", got, tt.wantStart)
			}
			if tt.wantStart && !snap.StartedAt.Equal(time.Unix(tt.liveTime, 0)) {
				t.Errorf("StartedAt = %v, want %v", snap.StartedAt, time.Unix(tt.liveTime, 0))
			}
			if snap.RoomID != 777 || snap.Name != "Alice" {
				t.Errorf("snapshot fields = %+v", snap)
			}
		})
	}
}

func TestPresenceAPIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/live", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"code":-412,"message":"request blocked"}`)
	})
	c, _ := testClient(t, mux)

	_, err := c.Presence(context.Background(), "12345")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Presence() error = %v, want *APIError", err)
	}
	if apiErr.Code != -412 {
		t.Errorf("Code = %d, want -412", apiErr.Code)
	}
}

func TestPresenceInvalidMID(t *testing.T) {
	c, _ := testClient(t, http.NewServeMux())
	if _, err := c.Presence(context.Background(), "not-a-number"); err == nil {
		t.Error("Presence() with non-numeric mid: want error")
	}
}

const feedFixture = `{"code":0,"data":{"items":[
	{"id_str":"1001","type":"DYNAMIC_TYPE_AV","modules":{
		"module_author":{"name":"Alice"},
		"module_dynamic":{"major":{"archive":{"cover":"cov.jpg","bvid":"BV1xx411c7mD"}}}}},
	{"id_str":"1002","type":"DYNAMIC_TYPE_LIVE_RCMD","modules":{
		"module_author":{"name":"Alice"},"module_dynamic":{}}},
	{"id_str":"1003","type":"DYNAMIC_TYPE_FORWARD","modules":{
		"module_author":{"name":"Alice"},"module_dynamic":{}}},
	{"id_str":"1004","type":"DYNAMIC_TYPE_DRAW","modules":{
		"module_author":{"name":"Alice"},
		"module_dynamic":{"major":{"draw":{"items":[{"src":"a.jpg"},{"src":"b.jpg"}]}}}}},
	{"id_str":"1005","type":"DYNAMIC_TYPE_ARTICLE","modules":{
		"module_author":{"name":"Alice"},
		"module_dynamic":{"major":{"article":{"id":42,"covers":["c.jpg"]}}}}}
]}}`

func TestContentFeed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("w_rid") == "" || r.URL.Query().Get("wts") == "" {
			t.Error("feed request is not signed")
		}
		if r.URL.Query().Get("host_mid") != "12345" {
			t.Errorf("host_mid = %q", r.URL.Query().Get("host_mid"))
		}
		fmt.Fprint(w, feedFixture)
	})
	c, _ := testClient(t, mux)
	c.signer = NewSigner(func(context.Context) (Keys, error) {
		return Keys{ImgKey: "img", SubKey: "sub"}, nil
	})

	items, err := c.ContentFeed(context.Background(), "12345")
	if err != nil {
		t.Fatalf("ContentFeed() error: %v", err)
	}
	if len(items) != 5 {
		t.Fatalf("len(items) = %d, want 5", len(items))
	}

	tests := []struct {
		id       string
		wantKind string
		wantLink string
	}{
		{"1001", "video", "https://www.bilibili.com/video/BV1xx411c7mD"},
		{"1002", "live_announce", "https://t.bilibili.com/1002"},
		{"1003", "forward", "https://t.bilibili.com/1003"},
		{"1004", "images", "https://t.bilibili.com/1004"},
		{"1005", "article", "https://www.bilibili.com/read/cv42"},
	}
	for i, tt := range tests {
		item := items[i]
		if item.ID != tt.id {
			t.Errorf("items[%d].ID = %q, want %q", i, item.ID, tt.id)
		}
		if string(item.Kind) != tt.wantKind {
			t.Errorf("items[%d].Kind = %q, want %q", i, item.Kind, tt.wantKind)
		}
		if item.Link != tt.wantLink {
			t.Errorf("items[%d].Link = %q, want %q", i, item.Link, tt.wantLink)
		}
	}

	if len(items[3].Images) != 2 {
		t.Errorf("draw item images = %v, want 2 entries", items[3].Images)
	}
}

func TestContentFeedSignFailure(t *testing.T) {
	c, _ := testClient(t, http.NewServeMux())
	c.signer = NewSigner(func(context.Context) (Keys, error) {
		return Keys{}, errors.New("nav down")
	})

	if _, err := c.ContentFeed(context.Background(), "12345"); err == nil {
		t.Error("ContentFeed() with failing signer: want error")
	}
}
