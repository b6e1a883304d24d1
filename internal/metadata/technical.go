package metadata

import (
	"io"
	"os"

	"github.com/go-audio/wav"
	"github.com/jfreymuth/oggvorbis"
	"github.com/mewkiz/flac"
	"github.com/tcolgate/mp3"
)

// mp3Technical walks the MPEG frames to sum the exact duration. Sample rate
// and channel mode come from the first frame; the bitrate is averaged over
// the whole file so VBR streams report honestly.
func mp3Technical(path string, meta *TrackMetadata) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := mp3.NewDecoder(file)
	var (
		frame    mp3.Frame
		skipped  int
		duration float64
		first    = true
	)
	for {
		if err := decoder.Decode(&frame, &skipped); err != nil {
			if err != io.EOF && duration == 0 {
				return err
			}
			break
		}
		if first {
			header := frame.Header()
			meta.SampleRate = int(header.SampleRate())
			if header.ChannelMode() == mp3.SingleChannel {
				meta.Channels = 1
			} else {
				meta.Channels = 2
			}
			first = false
		}
		duration += frame.Duration().Seconds()
	}

	meta.Duration = duration
	meta.Bitrate = averageBitrate(path, duration)
	return nil
}

func flacTechnical(path string, meta *TrackMetadata) error {
	stream, err := flac.ParseFile(path)
	if err != nil {
		return err
	}
	defer stream.Close()

	info := stream.Info
	meta.SampleRate = int(info.SampleRate)
	meta.Channels = int(info.NChannels)
	meta.BitDepth = int(info.BitsPerSample)
	if info.SampleRate > 0 {
		meta.Duration = float64(info.NSamples) / float64(info.SampleRate)
	}
	meta.Bitrate = averageBitrate(path, meta.Duration)
	return nil
}

func oggTechnical(path string, meta *TrackMetadata) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader, err := oggvorbis.NewReader(file)
	if err != nil {
		return err
	}
	meta.SampleRate = reader.SampleRate()
	meta.Channels = reader.Channels()
	if reader.SampleRate() > 0 {
		meta.Duration = float64(reader.Length()) / float64(reader.SampleRate())
	}
	meta.Bitrate = averageBitrate(path, meta.Duration)
	return nil
}

// wavTechnical reads the fmt chunk for the technical quintuple and the RIFF
// INFO chunk for descriptive fields, which the tag library does not cover.
func wavTechnical(path string, meta *TrackMetadata) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	decoder.ReadInfo()
	if decoder.Err() != nil {
		return decoder.Err()
	}
	meta.SampleRate = int(decoder.SampleRate)
	meta.Channels = int(decoder.NumChans)
	meta.BitDepth = int(decoder.BitDepth)
	if duration, err := decoder.Duration(); err == nil {
		meta.Duration = duration.Seconds()
	}
	// sample_width * 8 * channels * rate, in kbps
	meta.Bitrate = meta.SampleRate * meta.Channels * meta.BitDepth / 1000

	decoder.ReadMetadata()
	if info := decoder.Metadata; info != nil {
		if meta.Artist == "" {
			meta.Artist = info.Artist
		}
		if meta.Title == "" {
			meta.Title = info.Title
		}
		if meta.Album == "" {
			meta.Album = info.Product
		}
		if meta.Genre == "" {
			meta.Genre = info.Genre
		}
	}
	return nil
}

// averageBitrate computes kbps from file size over duration.
func averageBitrate(path string, duration float64) int {
	if duration <= 0 {
		return 0
	}
	stat, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return int(float64(stat.Size()) * 8 / duration / 1000)
}
