// SPDX-License-Identifier: MIT

package playlist

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"
)

// M3UEntry is one record of an extended-M3U export.
type M3UEntry struct {
	Artist   string
	Title    string
	Duration time.Duration // zero means unknown
	Location string        // provider URI or URL
}

// WriteM3U renders entries as an extended-M3U listing. Provider URIs are not
// directly playable but round-trip through common library import tools.
func WriteM3U(w io.Writer, entries []M3UEntry) error {
	buf := &bytes.Buffer{}
	buf.WriteString("#EXTM3U\n")
	for _, e := range entries {
		secs := -1
		if e.Duration > 0 {
			secs = int(e.Duration.Round(time.Second).Seconds())
		}
		title := e.Title
		if e.Artist != "" {
			title = e.Artist + " - " + e.Title
		}
		// A newline would split the record; collapse to spaces.
		title = strings.NewReplacer("\n", " ", "\r", " ").Replace(title)
		location := strings.NewReplacer("\n", "", "\r", "").Replace(e.Location)
		fmt.Fprintf(buf, "#EXTINF:%d,%s\n%s\n", secs, title, location)
	}
	_, err := io.Copy(w, buf)
	return err
}
