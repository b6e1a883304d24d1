package metadata

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// mp4Technical parses the MP4/M4A box structure for the technical quintuple:
// duration and timescale from moov.mvhd, channel count, sample size and
// sample rate from the mp4a sample entry in moov.trak.mdia.minf.stbl.stsd,
// and the average bitrate from the esds decoder config when present.
func mp4Technical(path string, meta *TrackMetadata) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	parser := &mp4Parser{r: file}
	if err := parser.walk(0, stat.Size()); err != nil && err != io.EOF {
		return err
	}
	if parser.timescale > 0 {
		meta.Duration = float64(parser.duration) / float64(parser.timescale)
	}
	meta.Channels = parser.channels
	meta.SampleRate = parser.sampleRate
	meta.BitDepth = parser.sampleSize
	if parser.avgBitrate > 0 {
		meta.Bitrate = parser.avgBitrate / 1000
	} else {
		meta.Bitrate = averageBitrate(path, meta.Duration)
	}
	return nil
}

type mp4Parser struct {
	r          io.ReadSeeker
	timescale  uint32
	duration   uint64
	channels   int
	sampleSize int
	sampleRate int
	avgBitrate int
}

// containers whose children are themselves boxes.
var mp4Containers = map[string]bool{
	"moov": true,
	"trak": true,
	"mdia": true,
	"minf": true,
	"stbl": true,
}

// walk iterates the boxes in [start, start+size) and descends into the
// containers on the moov path.
func (p *mp4Parser) walk(start, size int64) error {
	offset := start
	end := start + size
	header := make([]byte, 8)
	for offset+8 <= end {
		if _, err := p.r.Seek(offset, io.SeekStart); err != nil {
			return err
		}
		if _, err := io.ReadFull(p.r, header); err != nil {
			return err
		}
		boxSize := int64(binary.BigEndian.Uint32(header[0:4]))
		boxType := string(header[4:8])
		headerLen := int64(8)

		switch boxSize {
		case 0:
			boxSize = end - offset // box extends to end of file
		case 1:
			ext := make([]byte, 8)
			if _, err := io.ReadFull(p.r, ext); err != nil {
				return err
			}
			boxSize = int64(binary.BigEndian.Uint64(ext))
			headerLen = 16
		}
		if boxSize < headerLen || offset+boxSize > end {
			return fmt.Errorf("malformed box %q at offset %d", boxType, offset)
		}

		switch {
		case mp4Containers[boxType]:
			if err := p.walk(offset+headerLen, boxSize-headerLen); err != nil {
				return err
			}
		case boxType == "mvhd":
			if err := p.parseMvhd(offset+headerLen, boxSize-headerLen); err != nil {
				return err
			}
		case boxType == "stsd":
			if err := p.parseStsd(offset+headerLen, boxSize-headerLen); err != nil {
				return err
			}
		}
		offset += boxSize
	}
	return nil
}

func (p *mp4Parser) parseMvhd(offset, size int64) error {
	buf := make([]byte, size)
	if _, err := p.r.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	if _, err := io.ReadFull(p.r, buf); err != nil {
		return err
	}
	if len(buf) < 20 {
		return fmt.Errorf("mvhd box too short: %d bytes", len(buf))
	}
	version := buf[0]
	if version == 1 {
		if len(buf) < 32 {
			return fmt.Errorf("mvhd v1 box too short: %d bytes", len(buf))
		}
		p.timescale = binary.BigEndian.Uint32(buf[20:24])
		p.duration = binary.BigEndian.Uint64(buf[24:32])
	} else {
		p.timescale = binary.BigEndian.Uint32(buf[12:16])
		p.duration = uint64(binary.BigEndian.Uint32(buf[16:20]))
	}
	return nil
}

// parseStsd reads the first audio sample entry. The mp4a entry layout after
// its own 8-byte header: 6 reserved + 2 data-ref-index + 8 reserved +
// channelcount(2) + samplesize(2) + 4 reserved + samplerate (16.16 fixed).
func (p *mp4Parser) parseStsd(offset, size int64) error {
	buf := make([]byte, size)
	if _, err := p.r.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	if _, err := io.ReadFull(p.r, buf); err != nil {
		return err
	}
	if len(buf) < 16 {
		return nil
	}
	// 4 bytes version/flags + 4 bytes entry count, then the first entry.
	entry := buf[8:]
	if len(entry) < 36 {
		return nil
	}
	entrySize := binary.BigEndian.Uint32(entry[0:4])
	entryType := string(entry[4:8])
	if entryType != "mp4a" && entryType != "alac" && entryType != "enca" {
		return nil
	}
	p.channels = int(binary.BigEndian.Uint16(entry[24:26]))
	p.sampleSize = int(binary.BigEndian.Uint16(entry[26:28]))
	p.sampleRate = int(binary.BigEndian.Uint32(entry[32:36]) >> 16)

	// Optional esds child boxes start at offset 36 within the entry.
	if int(entrySize) <= len(entry) {
		p.parseEsdsChildren(entry[36:entrySize])
	}
	return nil
}

func (p *mp4Parser) parseEsdsChildren(buf []byte) {
	for len(buf) >= 8 {
		boxSize := binary.BigEndian.Uint32(buf[0:4])
		if boxSize < 8 || int(boxSize) > len(buf) {
			return
		}
		if string(buf[4:8]) == "esds" {
			p.parseEsds(buf[8:boxSize])
			return
		}
		buf = buf[boxSize:]
	}
}

// parseEsds scans the ES descriptor for the DecoderConfigDescriptor, whose
// payload carries maxBitrate and avgBitrate at offsets 5 and 9.
func (p *mp4Parser) parseEsds(buf []byte) {
	if len(buf) < 4 {
		return
	}
	buf = buf[4:] // version + flags
	for len(buf) > 2 {
		descTag := buf[0]
		length, consumed := readDescriptorLength(buf[1:])
		if consumed == 0 || len(buf) < 1+consumed {
			return
		}
		body := buf[1+consumed:]
		if len(body) > length {
			body = body[:length]
		}
		switch descTag {
		case 0x03: // ES descriptor: skip ES_ID(2) + flags(1), then recurse
			if len(body) > 3 {
				p.parseEsdsBody(body[3:])
			}
			return
		case 0x04:
			p.readDecoderConfig(body)
			return
		}
		buf = buf[1+consumed+length:]
	}
}

func (p *mp4Parser) parseEsdsBody(buf []byte) {
	for len(buf) > 2 {
		descTag := buf[0]
		length, consumed := readDescriptorLength(buf[1:])
		if consumed == 0 || len(buf) < 1+consumed {
			return
		}
		body := buf[1+consumed:]
		if len(body) > length {
			body = body[:length]
		}
		if descTag == 0x04 {
			p.readDecoderConfig(body)
			return
		}
		buf = buf[1+consumed+length:]
	}
}

func (p *mp4Parser) readDecoderConfig(body []byte) {
	// objectType(1) + streamType(1) + bufferSize(3) + maxBitrate(4) + avgBitrate(4)
	if len(body) >= 13 {
		p.avgBitrate = int(binary.BigEndian.Uint32(body[9:13]))
	}
}

// readDescriptorLength decodes the variable-length descriptor size
// (up to four bytes, 7 bits each, high bit continues).
func readDescriptorLength(buf []byte) (length, consumed int) {
	for i := 0; i < 4 && i < len(buf); i++ {
		length = length<<7 | int(buf[i]&0x7F)
		consumed++
		if buf[i]&0x80 == 0 {
			return length, consumed
		}
	}
	return 0, 0
}
