// SPDX-License-Identifier: MIT

package playlist

import "math/rand"

// ShuffleTrack is the minimal track view the shuffles operate on.
type ShuffleTrack struct {
	URI      string
	ArtistID string
}

// FisherYates shuffles in place with the given source.
func FisherYates(tracks []ShuffleTrack, rng *rand.Rand) {
	for i := len(tracks) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		tracks[i], tracks[j] = tracks[j], tracks[i]
	}
}

// SmartShuffle is Fisher-Yates followed by one displacement pass: whenever
// two adjacent tracks share an artist, the second is swapped with the next
// position that breaks the run. A single pass cannot always succeed (e.g. a
// list dominated by one artist); leftover adjacencies are accepted.
func SmartShuffle(tracks []ShuffleTrack, rng *rand.Rand) {
	FisherYates(tracks, rng)
	for i := 1; i < len(tracks); i++ {
		if tracks[i].ArtistID == "" || tracks[i].ArtistID != tracks[i-1].ArtistID {
			continue
		}
		for j := i + 1; j < len(tracks); j++ {
			if tracks[j].ArtistID != tracks[i-1].ArtistID {
				tracks[i], tracks[j] = tracks[j], tracks[i]
				break
			}
		}
	}
}
