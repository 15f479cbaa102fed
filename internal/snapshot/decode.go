package snapshot

import (
	"errors"
	"fmt"
	"io"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/klauspost/compress/gzip"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"gtfs-reconciler/internal/gtfs"
)

var ErrNoFetchTime = errors.New("snapshot has no fetch time")

// DecodeFeed reads one snapshot in the given concrete format.
func DecodeFeed(r io.Reader, format Format) (*gtfsrt.FeedMessage, error) {
	var (
		b   []byte
		err error
	)
	switch format {
	case FormatJSONGzip:
		zr, zerr := gzip.NewReader(r)
		if zerr != nil {
			return nil, fmt.Errorf("gzip: %w", zerr)
		}
		defer zr.Close()
		b, err = io.ReadAll(zr)
	case FormatProtobuf:
		b, err = io.ReadAll(r)
	default:
		return nil, fmt.Errorf("unsupported snapshot format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var fm gtfsrt.FeedMessage
	if format == FormatJSONGzip {
		err = protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(b, &fm)
	} else {
		err = proto.Unmarshal(b, &fm)
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal feed message: %w", err)
	}
	return &fm, nil
}

// SkippedEntity identifies a vehicle entity that could not become a report.
type SkippedEntity struct {
	EntityID  string
	VehicleID string
	TripID    string
}

// Reports flattens the vehicle entities of a feed into position reports.
// fetchTime is stamped on every row; when it is zero the feed header
// timestamp is used instead. Entities without a trip or stop sequence cannot
// be joined to the schedule and are returned in skipped.
func Reports(fm *gtfsrt.FeedMessage, fetchTime int64) (reports []gtfs.VehiclePositionReport, skipped []SkippedEntity, err error) {
	if fetchTime <= 0 {
		fetchTime = int64(fm.GetHeader().GetTimestamp())
	}
	if fetchTime <= 0 {
		return nil, nil, ErrNoFetchTime
	}

	for _, e := range fm.GetEntity() {
		vp := e.GetVehicle()
		if vp == nil {
			continue
		}
		trip := vp.GetTrip()
		if trip.GetTripId() == "" || vp.CurrentStopSequence == nil {
			skipped = append(skipped, SkippedEntity{
				EntityID:  e.GetId(),
				VehicleID: vp.GetVehicle().GetId(),
				TripID:    trip.GetTripId(),
			})
			continue
		}
		r := gtfs.VehiclePositionReport{
			TripID:            trip.GetTripId(),
			RouteID:           trip.GetRouteId(),
			VehicleID:         vp.GetVehicle().GetId(),
			StopSequence:      int(vp.GetCurrentStopSequence()),
			Status:            statusOf(vp),
			PositionTimestamp: int64(vp.GetTimestamp()),
			FetchTimestamp:    fetchTime,
			OccupancyStatus:   gtfs.UnknownOccupancy,
		}
		if vp.OccupancyStatus != nil {
			r.OccupancyStatus = vp.GetOccupancyStatus().String()
		}
		reports = append(reports, r)
	}
	return reports, skipped, nil
}

// statusOf reads the stop status without the proto2 default, so a missing
// field stays unknown instead of turning into IN_TRANSIT_TO.
func statusOf(vp *gtfsrt.VehiclePosition) gtfs.VehicleStatus {
	if vp.CurrentStatus == nil {
		return gtfs.StatusUnknown
	}
	switch vp.GetCurrentStatus() {
	case gtfsrt.VehiclePosition_INCOMING_AT:
		return gtfs.StatusIncomingAt
	case gtfsrt.VehiclePosition_STOPPED_AT:
		return gtfs.StatusStoppedAt
	case gtfsrt.VehiclePosition_IN_TRANSIT_TO:
		return gtfs.StatusInTransitTo
	}
	return gtfs.StatusUnknown
}
