package snapshot

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"gtfs-reconciler/internal/gtfs"
)

// Format is the on-disk encoding of one snapshot file.
type Format string

const (
	FormatAuto     Format = "auto"
	FormatProtobuf Format = "protobuf"
	FormatJSONGzip Format = "json-gzip"
)

// protobufSince is the first service year stored as raw protobuf. Earlier
// years were archived as gzipped protobuf JSON.
const protobufSince = 2024

// FormatForDate returns the encoding used for a service date's snapshots.
func FormatForDate(d gtfs.ServiceDate) Format {
	if d.Year >= protobufSince {
		return FormatProtobuf
	}
	return FormatJSONGzip
}

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatAuto:
		return FormatAuto, nil
	case FormatProtobuf, FormatJSONGzip:
		return f, nil
	default:
		return "", fmt.Errorf("unknown snapshot format %q", s)
	}
}

// resolve picks the concrete format for a file. A forced format wins; in
// auto mode the file extension decides and the service year breaks ties.
func (f Format) resolve(name string, day gtfs.ServiceDate) Format {
	if f != "" && f != FormatAuto {
		return f
	}
	switch {
	case strings.HasSuffix(name, ".json.gz"), strings.HasSuffix(name, ".json.gzip"):
		return FormatJSONGzip
	case strings.HasSuffix(name, ".pb"), strings.HasSuffix(name, ".bin"):
		return FormatProtobuf
	}
	return FormatForDate(day)
}

// FetchTimeFromName extracts the capture time from a snapshot file name of
// the form <prefix>_<unix seconds>.<ext>.
func FetchTimeFromName(name string) (int64, bool) {
	base := path.Base(name)
	i := strings.LastIndexByte(base, '_')
	if i < 0 {
		return 0, false
	}
	stamp := base[i+1:]
	if j := strings.IndexByte(stamp, '.'); j >= 0 {
		stamp = stamp[:j]
	}
	ts, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil || ts <= 0 {
		return 0, false
	}
	return ts, true
}
