package metadata

import "github.com/loist/loist/internal/signature"

// TrackMetadata carries the descriptive and technical fields extracted from
// an audio file. Descriptive fields that are absent in the source are empty;
// Year is zero when unknown.
type TrackMetadata struct {
	Artist string
	Title  string
	Album  string
	Genre  string
	Year   int

	Duration   float64 // seconds
	Channels   int
	SampleRate int // Hz
	Bitrate    int // kbps
	BitDepth   int // 0 where the format has no fixed depth

	Format signature.Format
}

// Quality returns the fraction of the five descriptive fields
// (artist, title, album, genre, year) that are present. Used only for
// advisory warnings, never to reject a track.
func (m *TrackMetadata) Quality() float64 {
	present := 0
	if m.Artist != "" {
		present++
	}
	if m.Title != "" {
		present++
	}
	if m.Album != "" {
		present++
	}
	if m.Genre != "" {
		present++
	}
	if m.Year != 0 {
		present++
	}
	return float64(present) / 5.0
}

// Artwork is an embedded cover image extracted from the audio container.
type Artwork struct {
	Data     []byte
	MIMEType string
	Ext      string // "jpg" or "png"
}
