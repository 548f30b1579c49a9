package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
	"github.com/oklog/ulid/v2"

	"github.com/castkit/castkit/internal/app/recovery"
	"github.com/castkit/castkit/internal/app/track"
	"github.com/castkit/castkit/internal/channel"
	"github.com/castkit/castkit/internal/channel/streamws"
	"github.com/castkit/castkit/internal/cost"
	"github.com/castkit/castkit/internal/ledger"
	ledgermemory "github.com/castkit/castkit/internal/ledger/memory"
	ledgersqlite "github.com/castkit/castkit/internal/ledger/sqlite"
	"github.com/castkit/castkit/internal/poller"
	"github.com/castkit/castkit/internal/status"
)

type WatchCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	channelURL   string
	statusURL    string
	ratesURL     string
	ratesFile    string
	owner        string
	pollInterval time.Duration
	pollGrace    time.Duration
}

// NewWatchCommand returns the watch command.
func NewWatchCommand(rootCmd *RootCommand, app *kingpin.Application) *WatchCommand {
	c := &WatchCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("watch", "Track in-flight operations: recover the pending set, follow the push channel and poll as fallback.")
	c.Cmd.Flag("channel-url", "Websocket URL of the push event channel.").Required().StringVar(&c.channelURL)
	c.Cmd.Flag("status-url", "Base URL of the status query API.").Required().StringVar(&c.statusURL)
	c.Cmd.Flag("rates-url", "URL of the live denomination rates endpoint.").StringVar(&c.ratesURL)
	c.Cmd.Flag("rates-file", "Path to the YAML cost rates file.").Required().StringVar(&c.ratesFile)
	c.Cmd.Flag("owner", "Owner context id for records created from events. Defaults to a generated id.").StringVar(&c.owner)
	c.Cmd.Flag("poll-interval", "Polling fallback interval.").Default("15s").DurationVar(&c.pollInterval)
	c.Cmd.Flag("poll-grace", "Silent-drop grace period before polling arms on a healthy connection.").Default("1m").DurationVar(&c.pollGrace)

	return c
}

func (c WatchCommand) Name() string { return c.Cmd.FullCommand() }

func (c WatchCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	owner := c.owner
	if owner == "" {
		owner = ulid.Make().String()
	}

	// Pending-set ledger (SQLite). Persistence failure degrades to memory,
	// recovery becomes best effort but live tracking keeps working.
	var pendingLedger ledger.Ledger
	sqliteLedger, err := ledgersqlite.NewLedger(ctx, ledgersqlite.LedgerConfig{
		DBPath: c.rootCmd.DBPath,
		Logger: logger,
	})
	if err != nil {
		logger.Errorf("Could not open pending-set database, tracking in memory only: %s", err)
		memLedger, err := ledgermemory.NewLedger(ledgermemory.LedgerConfig{Logger: logger})
		if err != nil {
			return fmt.Errorf("could not create memory ledger: %w", err)
		}
		pendingLedger = memLedger
	} else {
		defer sqliteLedger.Close()
		pendingLedger = sqliteLedger
	}

	// Cost reconciliation.
	ratesFile, err := cost.LoadRatesFile(c.ratesFile)
	if err != nil {
		return fmt.Errorf("could not load rates file: %w", err)
	}

	converterCfg := cost.ConverterConfig{
		Static: ratesFile.Denominations,
		Logger: logger,
	}
	if c.ratesURL != "" {
		converterCfg.Source = &cost.HTTPRatesSource{URL: c.ratesURL}
	}
	converter, err := cost.NewConverter(converterCfg)
	if err != nil {
		return fmt.Errorf("could not create converter: %w", err)
	}

	reconciler, err := cost.NewReconciler(cost.ReconcilerConfig{
		Rates:       cost.RateTable(ratesFile.ResourceRates),
		DefaultRate: ratesFile.DefaultRate,
		Converter:   converter,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("could not create cost reconciler: %w", err)
	}

	// Tracking service.
	tracker, err := track.NewService(track.ServiceConfig{
		Ledger:       pendingLedger,
		Reconciler:   reconciler,
		OwnerContext: owner,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("could not create tracking service: %w", err)
	}

	// Status query client.
	statusClient, err := status.NewHTTPClient(status.HTTPClientConfig{
		BaseURL: c.statusURL,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("could not create status client: %w", err)
	}

	// Recover the pending set that survived the previous run.
	recoverySvc, err := recovery.NewService(recovery.ServiceConfig{
		Ledger:  tracker.Ledger(),
		Status:  statusClient,
		Tracker: tracker,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("could not create recovery service: %w", err)
	}
	if _, err := recoverySvc.Run(ctx); err != nil {
		// Best effort, never blocks live tracking.
		logger.Warningf("Recovery pass failed: %s", err)
	}

	// Push channel.
	wsClient, err := streamws.NewClient(streamws.ClientConfig{
		URL:    c.channelURL,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("could not create channel client: %w", err)
	}

	adapter, err := channel.NewAdapter(channel.AdapterConfig{
		Channel:  wsClient,
		Ingestor: tracker,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("could not create channel adapter: %w", err)
	}
	if err := adapter.Start(ctx); err != nil {
		return fmt.Errorf("could not start channel adapter: %w", err)
	}

	// Polling fallback.
	pollScheduler, err := poller.NewScheduler(poller.SchedulerConfig{
		Interval:   c.pollInterval,
		Grace:      c.pollGrace,
		Ledger:     tracker.Ledger(),
		Status:     statusClient,
		Tracker:    tracker,
		Connection: wsClient,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("could not create polling scheduler: %w", err)
	}

	var g run.Group

	// Websocket pump.
	{
		wsCtx, wsCancel := context.WithCancel(ctx)
		g.Add(
			func() error { return wsClient.Run(wsCtx) },
			func(_ error) { wsCancel() },
		)
	}

	// Polling fallback.
	{
		pollCtx, pollCancel := context.WithCancel(ctx)
		g.Add(
			func() error { return pollScheduler.Run(pollCtx) },
			func(_ error) { pollCancel() },
		)
	}

	logger.Infof("Watching as owner context %s", owner)

	err = g.Run()
	if err != nil && ctx.Err() != nil {
		// Plain shutdown, not a failure.
		return nil
	}
	return err
}
