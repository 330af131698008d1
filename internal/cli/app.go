package cli

import (
	"context"
	"fmt"

	"bulk-distance/internal/calculator"
	"bulk-distance/internal/config"
	"bulk-distance/internal/excel"
	"bulk-distance/internal/geo"
	"bulk-distance/internal/payment"
	"bulk-distance/internal/pipeline"
	"bulk-distance/internal/quota"
	"bulk-distance/internal/sheets"
	"bulk-distance/internal/store/sqlite"

	"github.com/rs/zerolog/log"
)

// ledgerBackend is where paid-row balances and payment references live.
type ledgerBackend interface {
	quota.Store
	quota.Journal
	Close() error
}

type memoryBackend struct{ *quota.MemoryStore }

func (memoryBackend) Close() error { return nil }

// openLedger returns an in-process ledger for "memory" and a sqlite file
// otherwise.
func openLedger(path string) (ledgerBackend, error) {
	if path == "" || path == "memory" {
		log.Warn().Msg("using in-memory ledger; paid rows are lost on exit")
		return memoryBackend{quota.NewMemoryStore()}, nil
	}
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("path", path).Msg("ledger opened")
	return db, nil
}

type app struct {
	svc    *pipeline.Service
	ledger ledgerBackend
	geo    *geo.Client
}

func (a *app) Close() error { return a.ledger.Close() }

// newApp wires the pipeline from configuration. Payments and Google Sheets
// import are left out when their credentials are missing.
func newApp(ctx context.Context, c config.Config, ledgerPath string) (*app, error) {
	backend, err := openLedger(ledgerPath)
	if err != nil {
		return nil, err
	}

	emissions, err := c.EmissionsTable()
	if err != nil {
		backend.Close()
		return nil, err
	}

	if c.Geoapify.APIKey == "" {
		log.Warn().Msg("GEOAPIFY_API_KEY is not set; lookups will be rejected by the API")
	}
	client := geo.NewClient(c.Geoapify.APIKey, c.GeoOptions())
	resolver := calculator.NewResolver(client, client, c.Calculation.Concurrency, emissions)

	var payments *payment.Adapter
	if c.Payment.Enabled() {
		gw, err := payment.NewPayPalGateway(ctx, c.Payment.ClientID, c.Payment.Secret,
			payment.APIBase(c.Payment.Mode), c.Payment.Recipient)
		if err != nil {
			backend.Close()
			return nil, fmt.Errorf("payment gateway: %w", err)
		}
		payments = payment.NewAdapter(gw, backend)
		log.Info().Str("mode", c.Payment.Mode).Msg("paypal payments enabled")
	} else {
		log.Warn().Msg("PayPal credentials not set; batches over the free allowance cannot be unlocked")
	}

	// A nil *sheets.Client must not end up inside the interface.
	var fetcher pipeline.SheetFetcher
	if c.Sheets.APIKey != "" {
		sc, err := sheets.NewClient(ctx, c.Sheets.APIKey)
		if err != nil {
			backend.Close()
			return nil, err
		}
		fetcher = sc
	}

	ledgers := quota.NewRegistry(backend, c.PricingRules())
	svc := pipeline.NewService(ledgers, resolver, payments, fetcher, excel.ExportOptions{
		Duration: c.Calculation.IncludeDuration,
		Airline:  c.Calculation.IncludeAirline,
	})
	return &app{svc: svc, ledger: backend, geo: client}, nil
}
