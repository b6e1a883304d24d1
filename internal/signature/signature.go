// Package signature classifies audio formats from file-head magic bytes.
package signature

import (
	"bytes"
	"strings"

	"github.com/loist/loist/internal/errors"
)

// Format is the closed set of supported audio formats.
type Format string

const (
	FormatMP3  Format = "MP3"
	FormatFLAC Format = "FLAC"
	FormatM4A  Format = "M4A"
	FormatAAC  Format = "AAC"
	FormatOGG  Format = "OGG"
	FormatWAV  Format = "WAV"
)

// HeadSize is the minimum number of leading bytes Detect needs.
const HeadSize = 12

type magicRule struct {
	offset int
	magic  []byte
	format Format
}

var rules = []magicRule{
	{0, []byte("ID3"), FormatMP3},
	{0, []byte{0xFF, 0xFB}, FormatMP3},
	{0, []byte{0xFF, 0xF3}, FormatMP3},
	{0, []byte{0xFF, 0xF2}, FormatMP3},
	{0, []byte("fLaC"), FormatFLAC},
	{4, []byte("ftyp"), FormatM4A},
	{0, []byte{0xFF, 0xF1}, FormatAAC},
	{0, []byte{0xFF, 0xF9}, FormatAAC},
	{0, []byte("OggS"), FormatOGG},
	{0, []byte("RIFF"), FormatWAV},
}

// extensions maps a claimed file extension to the formats it may legitimately
// carry. An ftyp container claimed as .aac is treated as AAC-in-MP4.
var extensions = map[string][]Format{
	"mp3":  {FormatMP3},
	"flac": {FormatFLAC},
	"m4a":  {FormatM4A},
	"mp4":  {FormatM4A},
	"aac":  {FormatAAC, FormatM4A},
	"ogg":  {FormatOGG},
	"oga":  {FormatOGG},
	"wav":  {FormatWAV},
}

// Extension returns the canonical lower-case file extension for a format.
func (f Format) Extension() string {
	switch f {
	case FormatMP3:
		return "mp3"
	case FormatFLAC:
		return "flac"
	case FormatM4A:
		return "m4a"
	case FormatAAC:
		return "aac"
	case FormatOGG:
		return "ogg"
	case FormatWAV:
		return "wav"
	}
	return ""
}

// MIMEType returns the transport MIME type for a format.
func (f Format) MIMEType() string {
	switch f {
	case FormatMP3:
		return "audio/mpeg"
	case FormatFLAC:
		return "audio/flac"
	case FormatM4A:
		return "audio/mp4"
	case FormatAAC:
		return "audio/aac"
	case FormatOGG:
		return "audio/ogg"
	case FormatWAV:
		return "audio/wav"
	}
	return "application/octet-stream"
}

// Detect classifies the format of a file from its leading bytes and checks
// the claimed extension (without dot, case-insensitive; empty skips the
// extension check). A RIFF head must also carry WAVE at offset 8.
func Detect(head []byte, ext string) (Format, error) {
	if len(head) < HeadSize {
		return "", errors.New(errors.KindFormatInvalid, "file too short to classify").
			WithContext("bytes", len(head))
	}

	var detected Format
	for _, rule := range rules {
		if !bytes.HasPrefix(head[rule.offset:], rule.magic) {
			continue
		}
		if rule.format == FormatWAV && !bytes.HasPrefix(head[8:], []byte("WAVE")) {
			continue
		}
		detected = rule.format
		break
	}
	if detected == "" {
		return "", errors.New(errors.KindFormatInvalid, "unrecognized audio signature")
	}

	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ext != "" {
		allowed, known := extensions[ext]
		if !known {
			return "", errors.New(errors.KindFormatInvalid, "unsupported file extension").
				WithContext("extension", ext)
		}
		match := false
		for _, f := range allowed {
			if f == detected {
				match = true
				break
			}
		}
		// An ftyp box under an .aac claim is AAC audio in an MP4 container.
		if detected == FormatM4A && ext == "aac" {
			detected = FormatAAC
			match = true
		}
		if !match {
			return "", errors.New(errors.KindFormatInvalid, "extension does not match detected format").
				WithContext("extension", ext).
				WithContext("detected", string(detected))
		}
	}
	return detected, nil
}
