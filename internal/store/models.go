// SPDX-License-Identifier: MIT

package store

import "time"

// User is an account created at first OAuth login.
type User struct {
	ID                  string
	ProviderID          string
	DisplayName         string
	ImageURL            *string
	Country             *string
	CreatedAt           time.Time
	LastLoginAt         *time.Time
	LastIngestedAt      *time.Time
	TopStatsRefreshedAt *time.Time
}

// AuthRecord holds the encrypted refresh token and its health counters.
type AuthRecord struct {
	UserID                 string
	RefreshTokenCiphertext []byte
	LastRefreshAt          time.Time
	IsValid                bool
	ConsecutiveFailures    int
}

// Settings is per-user configuration; Timezone is the one dial that affects
// aggregation (day buckets).
type Settings struct {
	UserID          string
	Timezone        string
	IsPublicProfile bool
}

// Artist is a catalog entity keyed by provider id with a surrogate internal id.
type Artist struct {
	ID         int64
	ProviderID string
	Name       string
	ImageURL   *string
}

// Album is a catalog entity keyed by provider id.
type Album struct {
	ID         int64
	ProviderID string
	Name       string
	ImageURL   *string
}

// Track is a catalog entity with an optional album and a multi-valued artist join.
type Track struct {
	ID         int64
	ProviderID string
	Name       string
	DurationMs int64
	PreviewURL *string
	AlbumID    *int64
	URI        string
}

// EventSource tags where a listening event came from.
type EventSource string

const (
	SourceAPI    EventSource = "api"
	SourceImport EventSource = "import"
)

// ListeningEvent is one play, unique by (UserID, TrackID, PlayedAt) and
// partitioned by month of PlayedAt.
type ListeningEvent struct {
	UserID      string
	TrackID     int64
	PlayedAt    time.Time
	MsPlayed    int64
	IsEstimated bool
	Source      EventSource
}

// UserTrackStats is the per-(user, track) rollup.
type UserTrackStats struct {
	UserID       string
	TrackID      int64
	PlayCount    int64
	TotalMs      int64
	LastPlayedAt *time.Time
}

// UserArtistStats is the per-(user, artist) rollup.
type UserArtistStats struct {
	UserID    string
	ArtistID  int64
	PlayCount int64
	TotalMs   int64
}

// BucketType enumerates time-bucket granularities. Only DAY exists today.
type BucketType string

const BucketDay BucketType = "DAY"

// UserTimeBucketStats is the per-(user, local day) rollup; BucketDate is
// midnight in the user's timezone.
type UserTimeBucketStats struct {
	UserID       string
	BucketType   BucketType
	BucketDate   time.Time
	PlayCount    int64
	TotalMs      int64
	UniqueTracks int64
}

// UserHourStats is the per-(user, UTC hour) rollup.
type UserHourStats struct {
	UserID    string
	Hour      int
	PlayCount int64
	TotalMs   int64
}

// Term is the top-N window the read API serves.
type Term string

const (
	TermShort  Term = "SHORT"
	TermMedium Term = "MEDIUM"
	TermLong   Term = "LONG"
)

// TopEntryKind distinguishes the two ranked lists.
type TopEntryKind string

const (
	TopTracks  TopEntryKind = "track"
	TopArtists TopEntryKind = "artist"
)

// TopEntry is one rank row of a user's top-50 list.
type TopEntry struct {
	UserID   string
	Term     Term
	Kind     TopEntryKind
	Rank     int
	EntityID int64
}

// PlaylistJobStatus enumerates the playlist builder state machine.
type PlaylistJobStatus string

const (
	PlaylistPending        PlaylistJobStatus = "PENDING"
	PlaylistCreating       PlaylistJobStatus = "CREATING"
	PlaylistAddingTracks   PlaylistJobStatus = "ADDING_TRACKS"
	PlaylistUploadingImage PlaylistJobStatus = "UPLOADING_IMAGE"
	PlaylistCompleted      PlaylistJobStatus = "COMPLETED"
	PlaylistFailed         PlaylistJobStatus = "FAILED"
)

// InProgress reports whether the status is non-terminal and past PENDING.
func (s PlaylistJobStatus) InProgress() bool {
	switch s {
	case PlaylistCreating, PlaylistAddingTracks, PlaylistUploadingImage:
		return true
	}
	return false
}

// CreationMethod enumerates how a playlist's tracks are sourced.
type CreationMethod string

const (
	MethodShuffle      CreationMethod = "SHUFFLE"
	MethodTop50Short   CreationMethod = "TOP_50_SHORT"
	MethodTop50Medium  CreationMethod = "TOP_50_MEDIUM"
	MethodTop50Long    CreationMethod = "TOP_50_LONG"
	MethodTop50AllTime CreationMethod = "TOP_50_ALL_TIME"
	MethodTopKRecent   CreationMethod = "TOP_K_RECENT"
)

// PlaylistJob is the durable record of one long-running playlist build.
type PlaylistJob struct {
	ID                 string
	UserID             string
	IdempotencyKey     string
	CreationMethod     CreationMethod
	Name               string
	IsPublic           bool
	SourcePlaylistID   *string
	ShuffleMode        *string
	KValue             *int
	StartDate          *time.Time
	EndDate            *time.Time
	CoverImageBase64   *string
	Status             PlaylistJobStatus
	TotalTracks        int
	AddedTracks        int
	EstimatedTracks    int
	SpotifyPlaylistID  *string
	SpotifyPlaylistURL *string
	ErrorMessage       *string
	RetryCount         int
	RateLimitDelays    int
	LastHeartbeatAt    *time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	ProcessingTimeMs   *int64
	CreatedAt          time.Time
}

// ImportJobStatus enumerates the offline import lifecycle.
type ImportJobStatus string

const (
	ImportPending    ImportJobStatus = "PENDING"
	ImportProcessing ImportJobStatus = "PROCESSING"
	ImportCompleted  ImportJobStatus = "COMPLETED"
	ImportFailed     ImportJobStatus = "FAILED"
)

// ImportJob records the status of an offline bulk-file import.
type ImportJob struct {
	ID           string
	UserID       string
	Status       ImportJobStatus
	TotalEvents  int
	AddedEvents  int
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
