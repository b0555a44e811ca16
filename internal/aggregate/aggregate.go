// SPDX-License-Identifier: MIT

// Package aggregate buckets freshly ingested listening events into the
// per-user rollup increments. Bucketing is one pass over the batch; the
// store applies the resulting deltas inside the same transaction that
// inserts the events.
package aggregate

import (
	"time"

	"github.com/auralog/auralog/internal/store"
)

// Event is one added listening event, enriched with its track's artists.
type Event struct {
	TrackID   int64
	ArtistIDs []int64
	PlayedAt  time.Time
	MsPlayed  int64
}

// Deltas is the bucketed form of one event batch.
type Deltas = store.StatDeltas

// Location resolves an IANA timezone name. An unparseable setting falls
// back to UTC so it never stalls ingestion.
func Location(tz string) *time.Location {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Bucket computes all four delta groups in a single pass. Day buckets are
// local midnights in the given location; hour buckets are UTC hours, so the
// hour histogram is stable under timezone changes.
func Bucket(events []Event, loc *time.Location) Deltas {
	tracks := make(map[int64]*store.TrackDelta)
	artists := make(map[int64]*store.ArtistDelta)
	days := make(map[time.Time]*store.DayDelta)
	dayTracks := make(map[time.Time]map[int64]struct{})
	hours := make(map[int]*store.HourDelta)

	for _, ev := range events {
		t := tracks[ev.TrackID]
		if t == nil {
			t = &store.TrackDelta{TrackID: ev.TrackID}
			tracks[ev.TrackID] = t
		}
		t.PlayCount++
		t.TotalMs += ev.MsPlayed
		if ev.PlayedAt.After(t.LastPlayedAt) {
			t.LastPlayedAt = ev.PlayedAt
		}

		for _, aid := range ev.ArtistIDs {
			a := artists[aid]
			if a == nil {
				a = &store.ArtistDelta{ArtistID: aid}
				artists[aid] = a
			}
			a.PlayCount++
			a.TotalMs += ev.MsPlayed
		}

		local := ev.PlayedAt.In(loc)
		day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
		d := days[day]
		if d == nil {
			d = &store.DayDelta{BucketDate: day}
			days[day] = d
			dayTracks[day] = make(map[int64]struct{})
		}
		d.PlayCount++
		d.TotalMs += ev.MsPlayed
		if _, seen := dayTracks[day][ev.TrackID]; !seen {
			dayTracks[day][ev.TrackID] = struct{}{}
			d.UniqueTracks++
		}

		hour := ev.PlayedAt.UTC().Hour()
		h := hours[hour]
		if h == nil {
			h = &store.HourDelta{Hour: hour}
			hours[hour] = h
		}
		h.PlayCount++
		h.TotalMs += ev.MsPlayed
	}

	var out Deltas
	for _, t := range tracks {
		out.Tracks = append(out.Tracks, *t)
	}
	for _, a := range artists {
		out.Artists = append(out.Artists, *a)
	}
	for _, d := range days {
		out.Days = append(out.Days, *d)
	}
	for _, h := range hours {
		out.Hours = append(out.Hours, *h)
	}
	return out
}
