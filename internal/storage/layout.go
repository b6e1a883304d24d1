package storage

import (
	"fmt"
	"strings"
)

// Object key layout inside the bucket:
//
//	audio/{id}/{id}.{ext}        the audio payload
//	audio/{id}/thumbnail.{ext}   extracted artwork, when present
//	tmp/{id}.{ext}               in-flight uploads not yet recorded
//	quarantine/{id}/...          failed ingests held before deletion
const (
	AudioPrefix      = "audio/"
	TmpPrefix        = "tmp/"
	QuarantinePrefix = "quarantine/"
)

// AudioObject returns the bucket key for a track's audio payload.
func AudioObject(trackID, ext string) string {
	return fmt.Sprintf("audio/%s/%s.%s", trackID, trackID, ext)
}

// ThumbnailObject returns the bucket key for a track's artwork.
func ThumbnailObject(trackID, ext string) string {
	return fmt.Sprintf("audio/%s/thumbnail.%s", trackID, ext)
}

// TmpObject returns the staging key used while an ingest is in flight.
func TmpObject(trackID, ext string) string {
	return fmt.Sprintf("tmp/%s.%s", trackID, ext)
}

// QuarantineObject maps an audio-prefix key to its quarantine location,
// preserving the per-track directory.
func QuarantineObject(key string) string {
	return QuarantinePrefix + strings.TrimPrefix(key, AudioPrefix)
}

// URI renders the canonical gs:// form of a bucket key.
func URI(bucket, object string) string {
	return fmt.Sprintf("gs://%s/%s", bucket, object)
}

// ParseURI splits a gs://bucket/object URI. It returns false for any other
// shape.
func ParseURI(uri string) (bucket, object string, ok bool) {
	rest, found := strings.CutPrefix(uri, "gs://")
	if !found {
		return "", "", false
	}
	bucket, object, found = strings.Cut(rest, "/")
	if !found || bucket == "" || object == "" {
		return "", "", false
	}
	return bucket, object, true
}

// TrackIDFromKey extracts the track ID segment from an audio or quarantine
// key, or returns an empty string.
func TrackIDFromKey(key string) string {
	for _, prefix := range []string{AudioPrefix, QuarantinePrefix} {
		if rest, found := strings.CutPrefix(key, prefix); found {
			id, _, _ := strings.Cut(rest, "/")
			return id
		}
	}
	return ""
}
