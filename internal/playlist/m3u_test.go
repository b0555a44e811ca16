// SPDX-License-Identifier: MIT

package playlist

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteM3U(t *testing.T) {
	tests := []struct {
		name    string
		entries []M3UEntry
		expect  []string
	}{
		{
			name: "artist and duration",
			entries: []M3UEntry{{
				Artist: "Boards of Canada", Title: "Roygbiv",
				Duration: 148 * time.Second, Location: "spotify:track:5h9PqZ",
			}},
			expect: []string{
				"#EXTM3U",
				"#EXTINF:148,Boards of Canada - Roygbiv",
				"spotify:track:5h9PqZ",
			},
		},
		{
			name:    "unknown duration renders -1",
			entries: []M3UEntry{{Title: "Untitled", Location: "spotify:track:abc"}},
			expect:  []string{"#EXTINF:-1,Untitled"},
		},
		{
			name: "newlines cannot split a record",
			entries: []M3UEntry{{
				Title: "Two\nLines", Location: "spotify:track:x\ny",
			}},
			expect: []string{"#EXTINF:-1,Two Lines", "spotify:track:xy"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var b strings.Builder
			require.NoError(t, WriteM3U(&b, tc.entries))
			out := b.String()
			for _, want := range tc.expect {
				assert.Contains(t, out, want)
			}
			assert.Equal(t, len(tc.entries), strings.Count(out, "#EXTINF:"))
		})
	}
}
