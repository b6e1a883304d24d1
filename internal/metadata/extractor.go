// Package metadata extracts descriptive tags, technical characteristics and
// embedded artwork from audio files. Descriptive fields come from the tag
// container (ID3v1/v2, Vorbis comments, MP4 atoms, RIFF INFO); the technical
// quintuple is decoded per format.
package metadata

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhowden/tag"

	"github.com/loist/loist/internal/errors"
	"github.com/loist/loist/internal/logger"
	"github.com/loist/loist/internal/signature"
)

// Extractor decodes track metadata for validated audio files.
type Extractor struct {
	log interface {
		Warn(msg string, args ...interface{})
	}
}

// NewExtractor creates a metadata extractor.
func NewExtractor() *Extractor {
	return &Extractor{log: logger.Named("metadata")}
}

// Extract reads tags, technical characteristics and artwork from the file at
// path, which must already be classified as format. sourceName is the
// original filename used for the title fallback; it may be empty.
// Missing descriptive fields stay empty and never fail the extraction.
func (e *Extractor) Extract(ctx context.Context, path string, format signature.Format, sourceName string) (*TrackMetadata, *Artwork, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, errors.NewTimeout("metadata extraction", err)
	}

	meta := &TrackMetadata{Format: format}
	var art *Artwork

	file, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrap(errors.KindMetadataExtraction, "failed to open audio file", err)
	}
	defer file.Close()

	// Descriptive tags. WAV has no support in the tag library; RIFF INFO is
	// read together with the technical decode below.
	if format != signature.FormatWAV {
		if parsed, err := tag.ReadFrom(file); err == nil {
			meta.Artist = strings.TrimSpace(parsed.Artist())
			meta.Title = strings.TrimSpace(parsed.Title())
			meta.Album = strings.TrimSpace(parsed.Album())
			meta.Genre = strings.TrimSpace(parsed.Genre())
			meta.Year = parsed.Year()
			if meta.Year == 0 {
				meta.Year = yearFromRawDate(parsed.Raw())
			}
			if picture := parsed.Picture(); picture != nil && len(picture.Data) > 0 {
				art = artworkFromPicture(picture)
			}
		} else if err != tag.ErrNoTagsFound {
			e.log.Warn("tag parse failed, continuing without descriptive fields",
				"path", filepath.Base(path), "error", err)
		}
	}

	if err := e.technical(path, format, meta); err != nil {
		return nil, nil, err
	}

	if meta.Title == "" {
		meta.Title = titleStem(sourceName, path)
	}
	if quality := meta.Quality(); quality < 0.5 {
		e.log.Warn("sparse descriptive metadata", "title", meta.Title, "quality", quality)
	}
	return meta, art, nil
}

// technical fills the duration/channels/rate/bitrate/depth quintuple.
func (e *Extractor) technical(path string, format signature.Format, meta *TrackMetadata) error {
	var err error
	switch format {
	case signature.FormatMP3:
		err = mp3Technical(path, meta)
	case signature.FormatFLAC:
		err = flacTechnical(path, meta)
	case signature.FormatOGG:
		err = oggTechnical(path, meta)
	case signature.FormatWAV:
		err = wavTechnical(path, meta)
	case signature.FormatM4A, signature.FormatAAC:
		err = mp4Technical(path, meta)
	default:
		return errors.New(errors.KindFormatInvalid, "unsupported format").
			WithContext("format", string(format))
	}
	if err != nil {
		if _, ok := errors.As(err); ok {
			return err
		}
		return errors.Wrap(errors.KindMetadataExtraction, "technical decode failed", err).
			WithContext("format", string(format))
	}
	return nil
}

// yearFromRawDate derives a year from the leading 4-digit run of a raw
// date-like tag value (Vorbis DATE, ID3 TDRC), e.g. "2021-05-01" -> 2021.
func yearFromRawDate(raw map[string]interface{}) int {
	for _, key := range []string{"date", "DATE", "TDRC", "TYER", "\xa9day"} {
		value, ok := raw[key]
		if !ok {
			continue
		}
		text, ok := value.(string)
		if !ok || len(text) < 4 {
			continue
		}
		year := 0
		for i := 0; i < 4; i++ {
			c := text[i]
			if c < '0' || c > '9' {
				year = 0
				break
			}
			year = year*10 + int(c-'0')
		}
		if year > 0 {
			return year
		}
	}
	return 0
}

func artworkFromPicture(picture *tag.Picture) *Artwork {
	mimeType, ext := sniffImage(picture.Data)
	if mimeType == "" {
		mimeType = picture.MIMEType
		ext = strings.TrimPrefix(picture.Ext, ".")
	}
	if ext == "" {
		ext = "jpg"
		mimeType = "image/jpeg"
	}
	return &Artwork{Data: picture.Data, MIMEType: mimeType, Ext: ext}
}

// sniffImage detects JPEG vs PNG from the image signature.
func sniffImage(data []byte) (mimeType, ext string) {
	switch {
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg", "jpg"
	case bytes.HasPrefix(data, []byte{0x89, 'P', 'N', 'G'}):
		return "image/png", "png"
	}
	return "", ""
}

// titleStem returns the filename stem of the source name, falling back to
// the local path.
func titleStem(sourceName, path string) string {
	name := sourceName
	if name == "" {
		name = filepath.Base(path)
	}
	name = filepath.Base(name)
	return strings.TrimSuffix(name, filepath.Ext(name))
}
