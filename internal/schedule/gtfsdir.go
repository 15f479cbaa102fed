package schedule

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gtfs-reconciler/internal/gtfs"
)

// Source returns the raw stop rows scheduled on a service date.
type Source interface {
	StopTimes(ctx context.Context, date gtfs.ServiceDate) ([]gtfs.StopTimeRow, error)
}

type calendarRow struct {
	ServiceID string `csv:"service_id"`
	Monday    string `csv:"monday"`
	Tuesday   string `csv:"tuesday"`
	Wednesday string `csv:"wednesday"`
	Thursday  string `csv:"thursday"`
	Friday    string `csv:"friday"`
	Saturday  string `csv:"saturday"`
	Sunday    string `csv:"sunday"`
	StartDate string `csv:"start_date"`
	EndDate   string `csv:"end_date"`
}

type calendarDateRow struct {
	ServiceID     string `csv:"service_id"`
	Date          string `csv:"date"`
	ExceptionType string `csv:"exception_type"`
}

type tripRow struct {
	TripID    string `csv:"trip_id"`
	RouteID   string `csv:"route_id"`
	ServiceID string `csv:"service_id"`
	ShapeID   string `csv:"shape_id"`
}

type stopTimeRow struct {
	TripID       string `csv:"trip_id"`
	ArrivalTime  string `csv:"arrival_time"`
	StopID       string `csv:"stop_id"`
	StopSequence string `csv:"stop_sequence"`
}

// GTFSDir reads the day's schedule from an extracted GTFS static feed.
type GTFSDir struct {
	dir    string
	logger *slog.Logger
}

func NewGTFSDir(dir string, logger *slog.Logger) *GTFSDir {
	return &GTFSDir{dir: dir, logger: logger}
}

// StopTimes returns the stop rows of every trip whose service runs on date.
func (g *GTFSDir) StopTimes(ctx context.Context, date gtfs.ServiceDate) ([]gtfs.StopTimeRow, error) {
	services, err := g.activeServices(date)
	if err != nil {
		return nil, err
	}
	if len(services) == 0 {
		g.logger.Warn("no active services", "date", date.String())
		return nil, nil
	}

	trips := make(map[string]tripRow)
	err = readTable(filepath.Join(g.dir, "trips.txt"), func(t tripRow) error {
		if _, ok := services[t.ServiceID]; ok {
			trips[t.TripID] = t
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read trips: %w", err)
	}

	var rows []gtfs.StopTimeRow
	skipped := 0
	err = readTable(filepath.Join(g.dir, "stop_times.txt"), func(st stopTimeRow) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		trip, ok := trips[st.TripID]
		if !ok {
			return nil
		}
		seq, err := strconv.Atoi(strings.TrimSpace(st.StopSequence))
		if err != nil {
			skipped++
			g.logger.Debug("skipping stop_time with bad stop_sequence", "trip_id", st.TripID, "stop_id", st.StopID, "value", st.StopSequence)
			return nil
		}
		rows = append(rows, gtfs.StopTimeRow{
			TripID:       st.TripID,
			RouteID:      trip.RouteID,
			ShapeID:      trip.ShapeID,
			StopID:       st.StopID,
			StopSequence: seq,
			ArrivalTime:  st.ArrivalTime,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read stop_times: %w", err)
	}

	g.logger.Info("GTFS schedule loaded",
		"date", date.String(),
		"services", len(services),
		"trips", len(trips),
		"stop_times", len(rows),
		"skipped", skipped,
	)
	return rows, nil
}

// activeServices applies calendar.txt then calendar_dates.txt exceptions
// (1 = added, 2 = removed). Either file may be absent.
func (g *GTFSDir) activeServices(date gtfs.ServiceDate) (map[string]struct{}, error) {
	day := date.Compact()
	weekday := date.Weekday()
	active := make(map[string]struct{})

	err := readTable(filepath.Join(g.dir, "calendar.txt"), func(c calendarRow) error {
		if c.StartDate > day || c.EndDate < day {
			return nil
		}
		if runsOn(c, weekday) {
			active[c.ServiceID] = struct{}{}
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read calendar: %w", err)
	}

	err = readTable(filepath.Join(g.dir, "calendar_dates.txt"), func(c calendarDateRow) error {
		if c.Date != day {
			return nil
		}
		switch strings.TrimSpace(c.ExceptionType) {
		case "1":
			active[c.ServiceID] = struct{}{}
		case "2":
			delete(active, c.ServiceID)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read calendar_dates: %w", err)
	}
	return active, nil
}

func runsOn(c calendarRow, wd time.Weekday) bool {
	var flag string
	switch wd {
	case time.Monday:
		flag = c.Monday
	case time.Tuesday:
		flag = c.Tuesday
	case time.Wednesday:
		flag = c.Wednesday
	case time.Thursday:
		flag = c.Thursday
	case time.Friday:
		flag = c.Friday
	case time.Saturday:
		flag = c.Saturday
	case time.Sunday:
		flag = c.Sunday
	}
	return strings.TrimSpace(flag) == "1"
}

// readTable streams a GTFS CSV file, decoding each record into T by its
// `csv` struct tags. Columns not present in the header stay empty.
func readTable[T any](path string, fn func(T) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\xef\xbb\xbf")
	}
	fields := fieldIndexes[T](header)

	for {
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read record: %w", err)
		}
		var item T
		v := reflect.ValueOf(&item).Elem()
		for csvIdx, fieldIdx := range fields {
			if fieldIdx >= 0 && csvIdx < len(record) {
				v.Field(fieldIdx).SetString(record[csvIdx])
			}
		}
		if err := fn(item); err != nil {
			return err
		}
	}
}

// fieldIndexes maps each header column to the struct field carrying the same
// csv tag, or -1.
func fieldIndexes[T any](header []string) []int {
	var t T
	typ := reflect.TypeOf(t)
	byTag := make(map[string]int, typ.NumField())
	for i := 0; i < typ.NumField(); i++ {
		if tag := typ.Field(i).Tag.Get("csv"); tag != "" {
			byTag[tag] = i
		}
	}
	out := make([]int, len(header))
	for i, col := range header {
		idx, ok := byTag[strings.TrimSpace(col)]
		if !ok {
			idx = -1
		}
		out[i] = idx
	}
	return out
}
