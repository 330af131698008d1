package calculator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"bulk-distance/internal/geo"
	"bulk-distance/internal/metrics"
	"bulk-distance/internal/models"

	"github.com/rs/zerolog/log"
)

// MaxConcurrency caps parallel row lookups against the external API.
const MaxConcurrency = 8

type ProgressCallback func(current, total int, msg string)
type LoggerCallback func(msg string)

type Geocoder interface {
	Geocode(ctx context.Context, text string) (*models.GeoPoint, error)
}

type Router interface {
	Route(ctx context.Context, from, to models.GeoPoint) (geo.Route, error)
}

// Resolver turns validated rows into result rows.
type Resolver struct {
	geocoder    Geocoder
	router      Router
	concurrency int
	emissions   EmissionsTable
}

func NewResolver(geocoder Geocoder, router Router, concurrency int, emissions EmissionsTable) *Resolver {
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > MaxConcurrency {
		concurrency = MaxConcurrency
	}
	return &Resolver{
		geocoder:    geocoder,
		router:      router,
		concurrency: concurrency,
		emissions:   emissions,
	}
}

type BatchOptions struct {
	// Vehicle enables CO2 columns when non-empty.
	Vehicle    models.VehicleType
	OnProgress ProgressCallback
	Logger     LoggerCallback
}

// ResolveBatch resolves every row and returns one result per row, in input
// order. Per-row failures are encoded in the result's Outcome. Rows not
// started before ctx is cancelled are reported as route errors.
func (r *Resolver) ResolveBatch(ctx context.Context, rows []models.Row, opts BatchOptions) []models.ResultRow {
	total := len(rows)
	results := make([]models.ResultRow, total)
	logger := opts.Logger
	if logger == nil {
		logger = func(string) {}
	}

	logger(fmt.Sprintf("Resolving %d rows with %d worker(s)", total, r.concurrency))

	jobs := make(chan int)
	var wg sync.WaitGroup
	var processedCount int64

	for w := 0; w < r.concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				results[idx] = r.resolveRow(ctx, rows[idx], opts.Vehicle)
				metrics.RowsResolved.WithLabelValues(results[idx].Outcome.String()).Inc()

				count := atomic.AddInt64(&processedCount, 1)
				if opts.OnProgress != nil {
					opts.OnProgress(int(count), total, "")
				}
			}
		}()
	}

	dispatched := 0
dispatch:
	for ; dispatched < total; dispatched++ {
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- dispatched:
		}
	}
	close(jobs)
	wg.Wait()

	for idx := dispatched; idx < total; idx++ {
		results[idx] = models.ResultRow{Row: rows[idx], Outcome: models.OutcomeRouteError, Reason: "cancelled"}
	}
	if dispatched < total {
		logger(fmt.Sprintf("Cancelled: %d of %d rows were not processed", total-dispatched, total))
	} else {
		logger("Calculation completed.")
	}
	return results
}

func (r *Resolver) resolveRow(ctx context.Context, row models.Row, vehicle models.VehicleType) models.ResultRow {
	res := models.ResultRow{Row: row, Vehicle: vehicle}

	from, fromErr := r.geocoder.Geocode(ctx, row.From)
	to, toErr := r.geocoder.Geocode(ctx, row.To)
	if fromErr != nil || toErr != nil || from == nil || to == nil {
		if ctx.Err() != nil {
			res.Outcome = models.OutcomeRouteError
			res.Reason = "cancelled"
			return res
		}
		res.Outcome = models.OutcomeGeocodeFailed
		res.Reason = errors.Join(fromErr, toErr).Error()
		if fromErr == nil && toErr == nil {
			res.Reason = "empty geocode result"
		}
		log.Debug().Str("from", row.From).Str("to", row.To).Str("reason", res.Reason).Msg("geocode failed")
		return res
	}

	res.AirlineKm = roundTo(AirlineKm(*from, *to), 2)
	res.HasAirline = true

	route, err := r.router.Route(ctx, *from, *to)
	if errors.Is(err, geo.ErrNoRoute) {
		res.Outcome = models.OutcomeNoRoute
		return res
	}
	if err != nil {
		res.Outcome = models.OutcomeRouteError
		res.Reason = err.Error()
		log.Debug().Str("from", row.From).Str("to", row.To).Err(err).Msg("route failed")
		return res
	}

	res.Outcome = models.OutcomeOK
	res.DistanceKm = roundTo(route.DistanceMeters/1000, 2)
	res.DurationMin = roundTo(route.TimeSeconds/60, 1)

	if vehicle != "" {
		res.CO2Kg, res.CO2SavedKg, res.HasCO2 = r.emissions.CO2(vehicle, res.DistanceKm)
	}
	return res
}
