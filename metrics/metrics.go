// Package metrics defines the OpenCensus measures recorded by the sync layer.
package metrics

import (
	"context"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	keyOp     = tag.MustNewKey("op")
	keyResult = tag.MustNewKey("result")
)

var (
	mutationCount = stats.Int64("organizer/mutations", "Mutations attempted", stats.UnitDimensionless)
	calendarSyncs = stats.Int64("organizer/calendar_syncs", "External calendar syncs attempted", stats.UnitDimensionless)
	dispatched    = stats.Int64("organizer/notifications_dispatched", "Scheduled notifications dispatched", stats.UnitDimensionless)
)

// Views lists every view this package defines.
var Views = []*view.View{
	{
		Name:        "organizer/mutations",
		Description: "Counter of mutations by operation and result",
		TagKeys:     []tag.Key{keyOp, keyResult},
		Measure:     mutationCount,
		Aggregation: view.Count(),
	},
	{
		Name:        "organizer/calendar_syncs",
		Description: "Counter of external calendar syncs by result",
		TagKeys:     []tag.Key{keyResult},
		Measure:     calendarSyncs,
		Aggregation: view.Count(),
	},
	{
		Name:        "organizer/notifications_dispatched",
		Description: "Counter of dispatched notifications by result",
		TagKeys:     []tag.Key{keyResult},
		Measure:     dispatched,
		Aggregation: view.Count(),
	},
}

// Register registers Views with the default OpenCensus worker.
func Register() error {
	return view.Register(Views...)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordMutation counts one mutation attempt.
func RecordMutation(ctx context.Context, op string, err error) {
	stats.RecordWithOptions(
		ctx,
		stats.WithTags(
			tag.Upsert(keyOp, op),
			tag.Upsert(keyResult, result(err)),
		),
		stats.WithMeasurements(mutationCount.M(1)))
}

// RecordCalendarSync counts one external calendar sync.
func RecordCalendarSync(ctx context.Context, err error) {
	stats.RecordWithOptions(
		ctx,
		stats.WithTags(tag.Upsert(keyResult, result(err))),
		stats.WithMeasurements(calendarSyncs.M(1)))
}

// RecordDispatch counts one notification dispatch.
func RecordDispatch(ctx context.Context, err error) {
	stats.RecordWithOptions(
		ctx,
		stats.WithTags(tag.Upsert(keyResult, result(err))),
		stats.WithMeasurements(dispatched.M(1)))
}
