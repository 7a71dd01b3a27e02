package spatialengine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/go-audio/wav"
)

// wavFile is a single open mono-or-multichannel WAV source. Header metadata
// (channel count, sample rate, bit depth) is validated once at load time via
// go-audio/wav's decoder; the data-chunk byte offset used for the real-time
// positional reads below is located with a minimal direct RIFF chunk scan,
// since the decoder's own read path is sequential-forward and not suited to
// the loader's double-buffered random access.
type wavFile struct {
	f    *os.File
	path string

	channels    int
	sampleRate  int
	bitDepth    int
	isFloat     bool
	dataOffset  int64
	frameSize   int // bytes per frame across all channels
	totalFrames int64
}

// probeWAV opens path, validates it is a well-formed WAV file, and returns
// its format plus the file handle positioned for later seeks. Intended for
// use only at scene-load time (main thread); it allocates and may block.
func probeWAV(path string) (*wavFile, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrSource, path, err)
	}

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("%w: %s is not a valid wav file", ErrSource, path)
	}
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: reading wav header %s: %v", ErrSource, path, err)
	}

	dataOffset, dataSize, err := findDataChunk(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: locating data chunk in %s: %v", ErrSource, path, err)
	}

	channels := int(dec.NumChans)
	bitDepth := int(dec.BitDepth)
	bytesPerSample := bitDepth / 8
	frameSize := channels * bytesPerSample
	if frameSize <= 0 {
		f.Close()
		return nil, fmt.Errorf("%w: %s has an unusable frame size (channels=%d bitDepth=%d)", ErrSource, path, channels, bitDepth)
	}

	return &wavFile{
		f:           f,
		path:        path,
		channels:    channels,
		sampleRate:  int(dec.SampleRate),
		bitDepth:    bitDepth,
		isFloat:     dec.WavAudioFormat == 3,
		dataOffset:  dataOffset,
		frameSize:   frameSize,
		totalFrames: dataSize / int64(frameSize),
	}, nil
}

// findDataChunk scans RIFF subchunks from just past the 12-byte RIFF/WAVE
// header to locate "data", returning the byte offset of its payload and its
// declared size.
func findDataChunk(f *os.File) (offset int64, size int64, err error) {
	if _, err = f.Seek(12, io.SeekStart); err != nil {
		return 0, 0, err
	}

	var header [8]byte
	pos := int64(12)

	for {
		if _, err = io.ReadFull(f, header[:]); err != nil {
			return 0, 0, err
		}

		id := string(header[0:4])
		chunkSize := int64(binary.LittleEndian.Uint32(header[4:8]))
		pos += 8

		if id == "data" {
			return pos, chunkSize, nil
		}

		skip := chunkSize
		if skip%2 == 1 {
			skip++ // RIFF chunks are word-aligned
		}
		if _, err = f.Seek(skip, io.SeekCurrent); err != nil {
			return 0, 0, err
		}
		pos += skip
	}
}

// readFrames reads up to numFrames mono frames starting at startFrame into
// dst, converting to float32 regardless of on-disk sample format. Returns
// the number of frames actually read (less than requested at end-of-file,
// in which case the error is io.EOF and the caller zero-fills the rest).
// Called only from the background loader thread; allocates and may block.
func (w *wavFile) readFrames(startFrame int64, numFrames int, dst []float32) (int, error) {
	return w.readRaw(startFrame, numFrames, 1, dst)
}

// readInterleavedFrames reads up to numFrames frames of all channels,
// interleaved, into dst (sized numFrames*channels).
func (w *wavFile) readInterleavedFrames(startFrame int64, numFrames int, dst []float32) (int, error) {
	return w.readRaw(startFrame, numFrames, w.channels, dst)
}

func (w *wavFile) readRaw(startFrame int64, numFrames int, channelsToEmit int, dst []float32) (int, error) {
	offset := w.dataOffset + startFrame*int64(w.frameSize)
	if _, err := w.f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}

	raw := make([]byte, numFrames*w.frameSize)
	n, err := io.ReadFull(w.f, raw)
	framesRead := n / w.frameSize

	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return 0, err
	}

	bytesPerSample := w.frameSize / w.channels
	for i := 0; i < framesRead*channelsToEmit; i++ {
		dst[i] = decodeSample(raw[i*bytesPerSample:], w.bitDepth, w.isFloat)
	}

	if framesRead < numFrames {
		return framesRead, io.EOF
	}
	return framesRead, nil
}

// decodeSample converts one little-endian PCM sample starting at b[0] to
// float32 in [-1, 1], supporting the handful of bit depths real WAV sources
// use: 16/24/32-bit signed PCM and 32-bit IEEE float.
func decodeSample(b []byte, bitDepth int, isFloat bool) float32 {
	switch {
	case isFloat && bitDepth == 32:
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	case bitDepth == 16:
		return float32(int16(binary.LittleEndian.Uint16(b))) / 32768
	case bitDepth == 24:
		v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
		if v&0x800000 != 0 {
			v |= -0x1000000 // sign-extend 24 -> 32 bit
		}
		return float32(v) / 8388608
	case bitDepth == 32:
		return float32(int32(binary.LittleEndian.Uint32(b))) / 2147483648
	default:
		return 0
	}
}
