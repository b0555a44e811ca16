// SPDX-License-Identifier: MIT

// Package spotify is the typed client for the upstream streaming provider.
// Every method maps the HTTP response onto the fixed error taxonomy in
// errors.go; callers never see a raw status code.
package spotify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	apiBase  = "https://api.spotify.com/v1"
	authBase = "https://accounts.spotify.com"

	MaxRecentlyPlayed  = 50
	MaxTopLimit        = 50
	MaxTrackBatch      = 50
	MaxAlbumBatch      = 20
	MaxArtistBatch     = 50
	MaxPlaylistPage    = 100
	MaxAddTracksPerReq = 100
	MaxCoverBytes      = 256 * 1024

	defaultRetryAfterSeconds = 60
)

// Doer is the transport capability the client is polymorphic over.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Client issues typed requests to the provider API.
type Client struct {
	api      string
	auth     string
	http     Doer
	id       string
	secret   string
	redirect string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the transport (tests inject an httptest server).
func WithHTTPClient(d Doer) Option { return func(c *Client) { c.http = d } }

// WithBaseURLs overrides the API and auth endpoints.
func WithBaseURLs(api, auth string) Option {
	return func(c *Client) {
		c.api = strings.TrimRight(api, "/")
		c.auth = strings.TrimRight(auth, "/")
	}
}

// New creates a provider client with the given application credentials.
func New(clientID, clientSecret, redirectURI string, opts ...Option) *Client {
	c := &Client{
		api:      apiBase,
		auth:     authBase,
		http:     &http.Client{Timeout: 30 * time.Second},
		id:       clientID,
		secret:   clientSecret,
		redirect: redirectURI,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RecentlyPlayed returns up to limit plays strictly after the cursor.
// after is epoch milliseconds; zero means unbounded (first run).
func (c *Client) RecentlyPlayed(ctx context.Context, token string, after int64, limit int) (*RecentlyPlayedPage, error) {
	if limit <= 0 || limit > MaxRecentlyPlayed {
		limit = MaxRecentlyPlayed
	}
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	var page RecentlyPlayedPage
	if err := c.get(ctx, token, "recently-played", "/me/player/recently-played?"+q.Encode(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// TopTracks returns the user's top tracks for a term.
func (c *Client) TopTracks(ctx context.Context, token string, term Term, limit int) ([]Track, error) {
	if limit <= 0 || limit > MaxTopLimit {
		limit = MaxTopLimit
	}
	var payload struct {
		Items []Track `json:"items"`
	}
	path := fmt.Sprintf("/me/top/tracks?time_range=%s&limit=%d", term, limit)
	if err := c.get(ctx, token, "top-tracks", path, &payload); err != nil {
		return nil, err
	}
	return payload.Items, nil
}

// TopArtists returns the user's top artists for a term.
func (c *Client) TopArtists(ctx context.Context, token string, term Term, limit int) ([]Artist, error) {
	if limit <= 0 || limit > MaxTopLimit {
		limit = MaxTopLimit
	}
	var payload struct {
		Items []Artist `json:"items"`
	}
	path := fmt.Sprintf("/me/top/artists?time_range=%s&limit=%d", term, limit)
	if err := c.get(ctx, token, "top-artists", path, &payload); err != nil {
		return nil, err
	}
	return payload.Items, nil
}

// Tracks resolves up to 50 track ids in one call.
func (c *Client) Tracks(ctx context.Context, token string, ids []string) ([]Track, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxTrackBatch {
		return nil, &Error{Sentinel: ErrInvalidInput, Operation: "tracks",
			Err: fmt.Errorf("%d ids exceeds batch cap %d", len(ids), MaxTrackBatch)}
	}
	var payload struct {
		Tracks []Track `json:"tracks"`
	}
	if err := c.get(ctx, token, "tracks", "/tracks?ids="+strings.Join(ids, ","), &payload); err != nil {
		return nil, err
	}
	return payload.Tracks, nil
}

// Albums resolves up to 20 album ids in one call.
func (c *Client) Albums(ctx context.Context, token string, ids []string) ([]Album, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxAlbumBatch {
		return nil, &Error{Sentinel: ErrInvalidInput, Operation: "albums",
			Err: fmt.Errorf("%d ids exceeds batch cap %d", len(ids), MaxAlbumBatch)}
	}
	var payload struct {
		Albums []Album `json:"albums"`
	}
	if err := c.get(ctx, token, "albums", "/albums?ids="+strings.Join(ids, ","), &payload); err != nil {
		return nil, err
	}
	return payload.Albums, nil
}

// Artists resolves up to 50 artist ids in one call.
func (c *Client) Artists(ctx context.Context, token string, ids []string) ([]Artist, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxArtistBatch {
		return nil, &Error{Sentinel: ErrInvalidInput, Operation: "artists",
			Err: fmt.Errorf("%d ids exceeds batch cap %d", len(ids), MaxArtistBatch)}
	}
	var payload struct {
		Artists []Artist `json:"artists"`
	}
	if err := c.get(ctx, token, "artists", "/artists?ids="+strings.Join(ids, ","), &payload); err != nil {
		return nil, err
	}
	return payload.Artists, nil
}

// MyPlaylists returns one page of the current user's playlists.
func (c *Client) MyPlaylists(ctx context.Context, token string, limit, offset int) (*PlaylistPage, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	var page PlaylistPage
	path := fmt.Sprintf("/me/playlists?limit=%d&offset=%d", limit, offset)
	if err := c.get(ctx, token, "my-playlists", path, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// PlaylistTracks returns one page (≤100) of a playlist's tracks.
func (c *Client) PlaylistTracks(ctx context.Context, token, playlistID string, limit, offset int) (*PlaylistTracksPage, error) {
	if limit <= 0 || limit > MaxPlaylistPage {
		limit = MaxPlaylistPage
	}
	var page PlaylistTracksPage
	path := fmt.Sprintf("/playlists/%s/tracks?limit=%d&offset=%d", url.PathEscape(playlistID), limit, offset)
	if err := c.get(ctx, token, "playlist-tracks", path, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// CreatePlaylist creates an empty playlist owned by providerUserID.
func (c *Client) CreatePlaylist(ctx context.Context, token, providerUserID, name string, public bool) (*Playlist, error) {
	body := map[string]any{"name": name, "public": public}
	var created Playlist
	path := "/users/" + url.PathEscape(providerUserID) + "/playlists"
	if err := c.send(ctx, token, "create-playlist", http.MethodPost, path, body, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// AddTracks appends up to 100 URIs to a playlist.
func (c *Client) AddTracks(ctx context.Context, token, playlistID string, uris []string) error {
	if len(uris) == 0 {
		return nil
	}
	if len(uris) > MaxAddTracksPerReq {
		return &Error{Sentinel: ErrInvalidInput, Operation: "add-tracks",
			Err: fmt.Errorf("%d uris exceeds batch cap %d", len(uris), MaxAddTracksPerReq)}
	}
	path := "/playlists/" + url.PathEscape(playlistID) + "/tracks"
	return c.send(ctx, token, "add-tracks", http.MethodPost, path, map[string]any{"uris": uris}, nil)
}

// UploadCover uploads a base64 JPEG/PNG cover image (≤256 KiB raw).
func (c *Client) UploadCover(ctx context.Context, token, playlistID, imageBase64 string) error {
	raw, err := base64.StdEncoding.DecodeString(imageBase64)
	if err != nil {
		return &Error{Sentinel: ErrInvalidInput, Operation: "upload-cover", Err: err}
	}
	if len(raw) > MaxCoverBytes {
		return &Error{Sentinel: ErrInvalidInput, Operation: "upload-cover",
			Err: fmt.Errorf("image is %d bytes, cap is %d", len(raw), MaxCoverBytes)}
	}
	u := c.api + "/playlists/" + url.PathEscape(playlistID) + "/images"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, strings.NewReader(imageBase64))
	if err != nil {
		return &Error{Sentinel: ErrTransport, Operation: "upload-cover", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "image/jpeg")
	return c.roundTrip(req, "upload-cover", nil)
}

// Me returns the current user's profile.
func (c *Client) Me(ctx context.Context, token string) (*UserProfile, error) {
	var profile UserProfile
	if err := c.get(ctx, token, "me", "/me", &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// Exchange trades an authorization code for tokens.
func (c *Client) Exchange(ctx context.Context, code string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {c.redirect},
	}
	return c.tokenRequest(ctx, "exchange", form)
}

// Refresh trades a refresh token for a fresh access token. A revoked token
// surfaces as ErrInvalidGrant.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	return c.tokenRequest(ctx, "refresh", form)
}

// ClientCredentials obtains an app-scoped token for catalog lookups with no
// user context (artist image enrichment).
func (c *Client) ClientCredentials(ctx context.Context) (*TokenResponse, error) {
	form := url.Values{
		"grant_type": {"client_credentials"},
	}
	return c.tokenRequest(ctx, "client_credentials", form)
}

// AuthorizeURL builds the user-facing authorization redirect.
func (c *Client) AuthorizeURL(state string, scopes []string) string {
	q := url.Values{
		"client_id":     {c.id},
		"response_type": {"code"},
		"redirect_uri":  {c.redirect},
		"scope":         {strings.Join(scopes, " ")},
		"state":         {state},
	}
	return c.auth + "/authorize?" + q.Encode()
}

func (c *Client) tokenRequest(ctx context.Context, op string, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.auth+"/api/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &Error{Sentinel: ErrTransport, Operation: op, Err: err}
	}
	req.SetBasicAuth(c.id, c.secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Sentinel: ErrTransport, Operation: op, Err: err}
	}
	defer res.Body.Close() //nolint:errcheck

	if res.StatusCode == http.StatusBadRequest {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(res.Body).Decode(&body)
		if body.Error == "invalid_grant" {
			return nil, &Error{Sentinel: ErrInvalidGrant, Operation: op, Status: res.StatusCode}
		}
		return nil, &Error{Sentinel: ErrAPI, Operation: op, Status: res.StatusCode}
	}
	if err := mapStatus(op, res); err != nil {
		return nil, err
	}
	var tok TokenResponse
	if err := json.NewDecoder(res.Body).Decode(&tok); err != nil {
		return nil, &Error{Sentinel: ErrTransport, Operation: op, Err: err}
	}
	return &tok, nil
}

func (c *Client) get(ctx context.Context, token, op, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.api+path, nil)
	if err != nil {
		return &Error{Sentinel: ErrTransport, Operation: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return c.roundTrip(req, op, out)
}

func (c *Client) send(ctx context.Context, token, op, method, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return &Error{Sentinel: ErrTransport, Operation: op, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.api+path, bytes.NewReader(raw))
	if err != nil {
		return &Error{Sentinel: ErrTransport, Operation: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return c.roundTrip(req, op, out)
}

func (c *Client) roundTrip(req *http.Request, op string, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return &Error{Sentinel: ErrTransport, Operation: op, Err: err}
	}
	defer res.Body.Close() //nolint:errcheck

	if err := mapStatus(op, res); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return &Error{Sentinel: ErrTransport, Operation: op, Err: err}
	}
	return nil
}

// mapStatus applies the fixed taxonomy: 2xx pass, 401 Unauthenticated,
// 403 Forbidden, 429 RateLimited, 5xx ProviderDown, other 4xx ApiError.
func mapStatus(op string, res *http.Response) error {
	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return nil
	case res.StatusCode == http.StatusUnauthorized:
		return &Error{Sentinel: ErrUnauthenticated, Operation: op, Status: res.StatusCode}
	case res.StatusCode == http.StatusForbidden:
		return &Error{Sentinel: ErrForbidden, Operation: op, Status: res.StatusCode}
	case res.StatusCode == http.StatusTooManyRequests:
		retryAfter := defaultRetryAfterSeconds
		if v := res.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				retryAfter = secs
			}
		}
		return &Error{Sentinel: ErrRateLimited, Operation: op, Status: res.StatusCode, RetryAfterSeconds: retryAfter}
	case res.StatusCode >= 500:
		return &Error{Sentinel: ErrProviderDown, Operation: op, Status: res.StatusCode}
	default:
		return &Error{Sentinel: ErrAPI, Operation: op, Status: res.StatusCode}
	}
}
