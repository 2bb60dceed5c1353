// Package bili talks to the Bilibili web API surface the notifier needs:
// live status for tracked identities and their dynamic feeds, with WBI
// request signing for the endpoints that require it.
package bili

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/goccy/go-json"

	"bililive-notifier/pkg/notifier"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// feedFeatures is the feature set the web client sends; without it the feed
// endpoint omits opus-style items.
const feedFeatures = "itemOpusStyle,listOnlyfans,opusBigCover,onlyfansVote,forwardListHidden,decorationCard,commentsNewVersion,onlyfansAssetsV2,ugcDelete,onlyfansQaCard"

// APIError indicates the platform answered with a non-zero business code.
type APIError struct {
	Endpoint string
	Code     int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bilibili API %s returned code %d: %s", e.Endpoint, e.Code, e.Message)
}

// Client fetches presence snapshots and dynamic feeds.
type Client struct {
	client *http.Client
	logger *slog.Logger
	cookie string
	signer *Signer

	// Endpoint bases, overridable in tests.
	navURL  string
	liveURL string
	feedURL string
}

// New creates a platform client. The cookie may be empty; the feed endpoint
// then serves the logged-out view.
func New(client *http.Client, cookie string, logger *slog.Logger) *Client {
	c := &Client{
		client:  client,
		logger:  logger,
		cookie:  cookie,
		navURL:  "https://api.bilibili.com/x/web-interface/nav",
		liveURL: "https://api.live.bilibili.com/room/v1/Room/get_status_info_by_uids",
		feedURL: "https://api.bilibili.com/x/polymer/web-dynamic/v1/feed/space",
	}
	c.signer = NewSigner(c.fetchKeys)
	return c
}

type navResponse struct {
	Code int `json:"code"`
	Data struct {
		WbiImg struct {
			ImgURL string `json:"img_url"`
			SubURL string `json:"sub_url"`
		} `json:"wbi_img"`
	} `json:"data"`
}

// fetchKeys pulls the rotating WBI key pair from the nav endpoint.
// Code -101 (not logged in) still carries the key pair.
func (c *Client) fetchKeys(ctx context.Context) (Keys, error) {
	var nav navResponse
	if err := c.getJSON(ctx, c.navURL, &nav); err != nil {
		return Keys{}, fmt.Errorf("fetch signing keys: %w", err)
	}
	if nav.Code != 0 && nav.Code != -101 {
		return Keys{}, &APIError{Endpoint: "nav", Code: nav.Code}
	}

	keys := Keys{
		ImgKey: keyFromURL(nav.Data.WbiImg.ImgURL),
		SubKey: keyFromURL(nav.Data.WbiImg.SubURL),
	}
	if keys.ImgKey == "" || keys.SubKey == "" {
		return Keys{}, fmt.Errorf("fetch signing keys: unrecognized nav response shape")
	}

	c.logger.Info("WBI signing keys refreshed")
	return keys, nil
}

// keyFromURL extracts the opaque key from a wbi_img URL: the basename
// without its extension.
func keyFromURL(raw string) string {
	slash := strings.LastIndex(raw, "/")
	dot := strings.LastIndex(raw, ".")
	if slash < 0 || dot <= slash+1 {
		return ""
	}
	return raw[slash+1 : dot]
}

type liveStatusResponse struct {
	Code    int                        `json:"code"`
	Message string                     `json:"message"`
	Data    map[string]liveStatusEntry `json:"data"`
}

type liveStatusEntry struct {
	LiveStatus    int    `json:"live_status"`
	LiveTime      int64  `json:"live_time"`
	Title         string `json:"title"`
	RoomID        int64  `json:"room_id"`
	CoverFromUser string `json:"cover_from_user"`
	Uname         string `json:"uname"`
}

// Presence fetches the current live status of an identity. Returns an error
// on any fetch failure; callers treat that as "no new information".
func (c *Client) Presence(ctx context.Context, mid string) (*notifier.PresenceSnapshot, error) {
	midNum, err := strconv.ParseInt(mid, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid mid %q: %w", mid, err)
	}

	body, err := json.Marshal(map[string][]int64{"uids": {midNum}})
	if err != nil {
		return nil, fmt.Errorf("marshal live status request: %w", err)
	}

	var status liveStatusResponse
	if err := c.postJSON(ctx, c.liveURL, body, &status); err != nil {
		return nil, fmt.Errorf("fetch live status: %w", err)
	}
	if status.Code != 0 {
		return nil, &APIError{Endpoint: "live_status", Code: status.Code, Message: status.Message}
	}

	entry, ok := status.Data[mid]
	if !ok {
		return nil, fmt.Errorf("fetch live status: no entry for mid %s", mid)
	}

	snap := &notifier.PresenceSnapshot{
		// live_status 2 is the "carousel" placeholder, not a real broadcast.
		IsLive: entry.LiveStatus == 1,
		Title:  entry.Title,
		RoomID: entry.RoomID,
		Cover:  entry.CoverFromUser,
		Name:   entry.Uname,
	}
	if entry.LiveTime > 0 {
		snap.StartedAt = time.Unix(entry.LiveTime, 0)
	}
	return snap, nil
}

type feedResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Items []feedItem `json:"items"`
	} `json:"data"`
}

type feedItem struct {
	IDStr   string `json:"id_str"`
	Type    string `json:"type"`
	Modules struct {
		Author struct {
			Name string `json:"name"`
		} `json:"module_author"`
		Dynamic struct {
			Major *feedMajor `json:"major"`
		} `json:"module_dynamic"`
	} `json:"modules"`
}

type feedMajor struct {
	Opus *struct {
		Pics []struct {
			URL string `json:"url"`
		} `json:"pics"`
	} `json:"opus"`
	Archive *struct {
		Cover string `json:"cover"`
		BVID  string `json:"bvid"`
	} `json:"archive"`
	Draw *struct {
		Items []struct {
			Src string `json:"src"`
		} `json:"items"`
	} `json:"draw"`
	Article *struct {
		ID     int64    `json:"id"`
		Covers []string `json:"covers"`
	} `json:"article"`
}

// ContentFeed fetches the dynamic feed of an identity, newest items first as
// served by the platform (the tracker re-sorts, the feed order is not
// trusted). Requires a WBI-signed request.
func (c *Client) ContentFeed(ctx context.Context, mid string) ([]*notifier.ContentItem, error) {
	params := url.Values{}
	params.Set("host_mid", mid)
	params.Set("offset", "")
	params.Set("timezone_offset", "-480")
	params.Set("features", feedFeatures)

	query, err := c.signer.Sign(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("sign feed request: %w", err)
	}

	var feed feedResponse
	if err := c.getJSON(ctx, c.feedURL+"?"+query, &feed); err != nil {
		return nil, fmt.Errorf("fetch dynamic feed: %w", err)
	}
	if feed.Code != 0 {
		return nil, &APIError{Endpoint: "feed_space", Code: feed.Code, Message: feed.Message}
	}

	items := make([]*notifier.ContentItem, 0, len(feed.Data.Items))
	for i := range feed.Data.Items {
		items = append(items, convertItem(&feed.Data.Items[i]))
	}
	return items, nil
}

// convertItem classifies a raw feed entry and resolves its media and link.
func convertItem(raw *feedItem) *notifier.ContentItem {
	item := &notifier.ContentItem{
		ID:     raw.IDStr,
		Author: raw.Modules.Author.Name,
		Type:   raw.Type,
		Kind:   notifier.KindOriginal,
		Link:   "https://t.bilibili.com/" + raw.IDStr,
	}

	switch raw.Type {
	case "DYNAMIC_TYPE_LIVE_RCMD":
		item.Kind = notifier.KindLiveAnnounce
		return item
	case "DYNAMIC_TYPE_FORWARD":
		item.Kind = notifier.KindForward
	}

	major := raw.Modules.Dynamic.Major
	if major == nil {
		return item
	}

	switch {
	case major.Opus != nil && len(major.Opus.Pics) > 0:
		for _, p := range major.Opus.Pics {
			item.Images = append(item.Images, p.URL)
		}
		item.Link = "https://www.bilibili.com/opus/" + raw.IDStr
	case major.Archive != nil:
		item.Kind = notifier.KindVideo
		item.Images = []string{major.Archive.Cover}
		item.Link = "https://www.bilibili.com/video/" + major.Archive.BVID
	case major.Draw != nil && len(major.Draw.Items) > 0:
		item.Kind = notifier.KindImages
		for _, d := range major.Draw.Items {
			item.Images = append(item.Images, d.Src)
		}
	case major.Article != nil:
		item.Kind = notifier.KindArticle
		item.Images = major.Article.Covers
		item.Link = fmt.Sprintf("https://www.bilibili.com/read/cv%d", major.Article.ID)
	}
	return item
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	return c.doJSON(ctx, http.MethodGet, rawURL, nil, out)
}

func (c *Client) postJSON(ctx context.Context, rawURL string, body []byte, out any) error {
	return c.doJSON(ctx, http.MethodPost, rawURL, body, out)
}

// doJSON performs a request with browser headers and bounded retries.
func (c *Client) doJSON(ctx context.Context, method, rawURL string, body []byte, out any) error {
	err := retry.Do(
		func() error {
			var reader io.Reader = http.NoBody
			if body != nil {
				reader = bytes.NewReader(body)
			}
			req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			req.Header.Set("User-Agent", userAgent)
			if c.cookie != "" {
				req.Header.Set("Cookie", c.cookie)
			}
			if body != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			start := time.Now()
			resp, err := c.client.Do(req)
			if err != nil {
				c.logger.Warn("Platform request failed, will retry",
					"method", method,
					"url", rawURL,
					"duration_ms", time.Since(start).Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode != http.StatusOK {
				c.logger.Warn("Platform request returned non-OK status, will retry",
					"method", method,
					"url", rawURL,
					"status_code", resp.StatusCode)
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying platform request", "attempt", n, "url", rawURL, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("after retries: %w", err)
	}
	return nil
}
