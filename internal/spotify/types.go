// SPDX-License-Identifier: MIT

package spotify

import "time"

// Term is the provider's fixed top-N time window.
type Term string

const (
	TermShort  Term = "short_term"
	TermMedium Term = "medium_term"
	TermLong   Term = "long_term"
)

// Image is a provider-hosted image reference.
type Image struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Artist is the provider's artist object; ID is a 22-char base-62 string.
type Artist struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Genres []string `json:"genres"`
	Images []Image  `json:"images"`
}

// ImageURL returns the first (largest) image URL, or "".
func (a Artist) ImageURL() string {
	if len(a.Images) > 0 {
		return a.Images[0].URL
	}
	return ""
}

// Album is the provider's album object.
type Album struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	ReleaseDate string  `json:"release_date"`
	Images      []Image `json:"images"`
}

// ImageURL returns the first (largest) image URL, or "".
func (a Album) ImageURL() string {
	if len(a.Images) > 0 {
		return a.Images[0].URL
	}
	return ""
}

// Track is the provider's track object with embedded album and artists.
type Track struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	URI        string   `json:"uri"`
	DurationMs int64    `json:"duration_ms"`
	PreviewURL string   `json:"preview_url"`
	IsLocal    bool     `json:"is_local"`
	Album      Album    `json:"album"`
	Artists    []Artist `json:"artists"`
}

// PlayHistoryItem is one recently-played entry.
type PlayHistoryItem struct {
	Track    Track     `json:"track"`
	PlayedAt time.Time `json:"played_at"`
}

// RecentlyPlayedPage is one page of the recently-played endpoint.
type RecentlyPlayedPage struct {
	Items   []PlayHistoryItem `json:"items"`
	Cursors struct {
		After string `json:"after"`
	} `json:"cursors"`
}

// Playlist is the provider's playlist object.
type Playlist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URI  string `json:"uri"`
	ExternalURLs struct {
		Spotify string `json:"spotify"`
	} `json:"external_urls"`
	Tracks struct {
		Total int `json:"total"`
	} `json:"tracks"`
}

// PlaylistPage is one page of the current user's playlists.
type PlaylistPage struct {
	Items []Playlist `json:"items"`
	Total int        `json:"total"`
	Next  string     `json:"next"`
}

// PlaylistTrackItem wraps a track inside a playlist page.
type PlaylistTrackItem struct {
	IsLocal bool  `json:"is_local"`
	Track   Track `json:"track"`
}

// PlaylistTracksPage is one page of a playlist's tracks.
type PlaylistTracksPage struct {
	Items []PlaylistTrackItem `json:"items"`
	Total int                 `json:"total"`
	Next  string              `json:"next"`
}

// UserProfile is the provider's current-user object.
type UserProfile struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"display_name"`
	Country     string  `json:"country"`
	Images      []Image `json:"images"`
}

// TokenResponse is the auth endpoint's token payload. RefreshToken is empty
// unless the provider rotated it.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}
