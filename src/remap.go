package spatialengine

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
)

// remapEntry is one accumulation edge: render channel layoutChannel
// contributes into device channel deviceChannel (§4.5).
type remapEntry struct {
	layoutChannel int
	deviceChannel int
}

// Remap copies (or accumulates) the render buffer into the device output
// buffer per the CSV-driven channel table (§4.5, component C5).
type Remap struct {
	entries        []remapEntry
	deviceChannels int
	identity       bool
}

// Identity builds the no-op remap table: render channel i copies straight
// to device channel i, for n channels. Used when no --remap is given.
func Identity(n int) *Remap {
	entries := make([]remapEntry, n)
	for i := range entries {
		entries[i] = remapEntry{layoutChannel: i, deviceChannel: i}
	}
	return &Remap{entries: entries, deviceChannels: n, identity: true}
}

// LoadRemapCSV parses a remap table of "layout,device" rows (§4.5). Header
// row (case-insensitive "layout,device") is optional and skipped if present;
// blank lines and lines starting with '#' are skipped; extra columns beyond
// the first two are ignored. Rows naming a layout or device index that falls
// outside the engine's known ranges are dropped with one warning each.
func LoadRemapCSV(r io.Reader, layoutChannels, deviceChannels int, logger *log.Logger) (*Remap, error) {
	scanner := bufio.NewScanner(r)

	var entries []remapEntry
	maxDevice := -1
	lineNo := 0
	sawHeader := false

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, ",")
		if len(fields) < 2 {
			return nil, fmt.Errorf("%w: remap csv line %d: expected at least 2 columns, got %d", ErrConfig, lineNo, len(fields))
		}

		a := strings.TrimSpace(fields[0])
		b := strings.TrimSpace(fields[1])

		if !sawHeader {
			sawHeader = true
			if strings.EqualFold(a, "layout") && strings.EqualFold(b, "device") {
				continue
			}
		}

		layoutCh, err1 := strconv.Atoi(a)
		deviceCh, err2 := strconv.Atoi(b)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("%w: remap csv line %d: non-integer channel index %q,%q", ErrConfig, lineNo, a, b)
		}

		if layoutCh < 0 || layoutCh >= layoutChannels {
			if logger != nil {
				logger.Warn("remap csv row names out-of-range layout channel, dropping", "line", lineNo, "layout_channel", layoutCh, "layout_channels", layoutChannels)
			}
			continue
		}
		if deviceCh < 0 || deviceCh >= deviceChannels {
			if logger != nil {
				logger.Warn("remap csv row names out-of-range device channel, dropping", "line", lineNo, "device_channel", deviceCh, "device_channels", deviceChannels)
			}
			continue
		}

		entries = append(entries, remapEntry{layoutChannel: layoutCh, deviceChannel: deviceCh})
		if deviceCh > maxDevice {
			maxDevice = deviceCh
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading remap csv: %v", ErrConfig, err)
	}

	isIdentity := len(entries) == layoutChannels && layoutChannels == deviceChannels
	if isIdentity {
		for i, e := range entries {
			if e.layoutChannel != i || e.deviceChannel != i {
				isIdentity = false
				break
			}
		}
	}

	return &Remap{entries: entries, deviceChannels: deviceChannels, identity: isIdentity}, nil
}

// DeviceChannels returns the number of device output channels this table
// targets.
func (r *Remap) DeviceChannels() int { return r.deviceChannels }

// IsIdentity reports whether this table is a straight 1:1 copy, letting the
// engine skip the accumulation pass entirely.
func (r *Remap) IsIdentity() bool { return r.identity }

// Apply runs §4.5's accumulation pass: zero the device buffer, then for
// every table row add render channel layoutChannel's samples into device
// channel deviceChannel. When the table is the identity mapping this
// degenerates to a straight per-channel copy. Audio-thread entry point;
// allocates nothing.
func (r *Remap) Apply(render RenderBuffer, device [][]float32, numFrames int) {
	for _, row := range device {
		clear(row[:numFrames])
	}

	for _, e := range r.entries {
		src := render[e.layoutChannel]
		dst := device[e.deviceChannel]
		for i := 0; i < numFrames; i++ {
			dst[i] += src[i]
		}
	}
}
