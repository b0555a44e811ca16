// SPDX-License-Identifier: MIT

package aggregate

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketTrackAndArtistTotals(t *testing.T) {
	at := time.Date(2026, 8, 20, 14, 0, 0, 0, time.UTC)
	d := Bucket([]Event{
		{TrackID: 1, ArtistIDs: []int64{10}, PlayedAt: at, MsPlayed: 1000},
		{TrackID: 1, ArtistIDs: []int64{10}, PlayedAt: at.Add(time.Hour), MsPlayed: 2000},
		{TrackID: 2, ArtistIDs: []int64{10, 11}, PlayedAt: at, MsPlayed: 500},
	}, time.UTC)

	require.Len(t, d.Tracks, 2)
	sort.Slice(d.Tracks, func(i, j int) bool { return d.Tracks[i].TrackID < d.Tracks[j].TrackID })
	assert.Equal(t, int64(2), d.Tracks[0].PlayCount)
	assert.Equal(t, int64(3000), d.Tracks[0].TotalMs)
	assert.Equal(t, at.Add(time.Hour), d.Tracks[0].LastPlayedAt, "last played keeps the max")

	require.Len(t, d.Artists, 2)
	sort.Slice(d.Artists, func(i, j int) bool { return d.Artists[i].ArtistID < d.Artists[j].ArtistID })
	assert.Equal(t, int64(3), d.Artists[0].PlayCount, "artist 10 appears on both tracks")
	assert.Equal(t, int64(3500), d.Artists[0].TotalMs)
	assert.Equal(t, int64(1), d.Artists[1].PlayCount)
}

func TestBucketDayUsesListenerTimezone(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	// 23:30 UTC on the 20th is already the 21st in Tokyo.
	at := time.Date(2026, 8, 20, 23, 30, 0, 0, time.UTC)
	d := Bucket([]Event{{TrackID: 1, PlayedAt: at, MsPlayed: 1000}}, tokyo)

	require.Len(t, d.Days, 1)
	assert.Equal(t, time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC), d.Days[0].BucketDate)

	// The hour histogram stays on UTC regardless of the listener timezone.
	require.Len(t, d.Hours, 1)
	assert.Equal(t, 23, d.Hours[0].Hour)
}

func TestBucketUniqueTracksPerDay(t *testing.T) {
	at := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	d := Bucket([]Event{
		{TrackID: 1, PlayedAt: at, MsPlayed: 100},
		{TrackID: 1, PlayedAt: at.Add(time.Minute), MsPlayed: 100},
		{TrackID: 2, PlayedAt: at, MsPlayed: 100},
		{TrackID: 1, PlayedAt: at.Add(24 * time.Hour), MsPlayed: 100},
	}, time.UTC)

	require.Len(t, d.Days, 2)
	sort.Slice(d.Days, func(i, j int) bool { return d.Days[i].BucketDate.Before(d.Days[j].BucketDate) })
	assert.Equal(t, int64(3), d.Days[0].PlayCount)
	assert.Equal(t, int64(2), d.Days[0].UniqueTracks, "repeat plays count once per day")
	assert.Equal(t, int64(1), d.Days[1].UniqueTracks)
}

func TestLocationBadTimezoneFallsBackToUTC(t *testing.T) {
	assert.Equal(t, time.UTC, Location("Not/AZone"))

	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	assert.Equal(t, tokyo, Location("Asia/Tokyo"))
}
