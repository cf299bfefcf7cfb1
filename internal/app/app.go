package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tick-feed-supervisor/internal/alerting"
	"tick-feed-supervisor/internal/config"
	"tick-feed-supervisor/internal/credential"
	"tick-feed-supervisor/internal/ingest"
	"tick-feed-supervisor/internal/instruments"
	"tick-feed-supervisor/internal/markethours"
	"tick-feed-supervisor/internal/renewal"
	"tick-feed-supervisor/internal/storage"
	"tick-feed-supervisor/internal/stream"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openCredentialStore() (*credential.FileStore, error) {
	store := credential.NewFileStore(a.Config.Credential.Path, a.Logger)
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("load credential store: %w", err)
	}
	return store, nil
}

func (a *App) newNotifier() (alerting.Notifier, error) {
	notifiers := make([]alerting.Notifier, 0, len(a.Config.Alerting.Channels))
	for _, channel := range a.Config.Alerting.Channels {
		switch channel {
		case "log":
			notifiers = append(notifiers, alerting.NewLogNotifier(a.Logger))
		case "telegram":
			tg := a.Config.Alerting.Telegram
			if !tg.Enabled {
				return nil, errors.New("alerting.channels includes telegram but alerting.telegram.enabled is false")
			}
			notifiers = append(notifiers, alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, 10*time.Second, a.Logger))
		default:
			return nil, fmt.Errorf("unknown alerting channel %q", channel)
		}
	}
	if len(notifiers) == 0 {
		notifiers = append(notifiers, alerting.NewLogNotifier(a.Logger))
	}
	if len(notifiers) == 1 {
		return notifiers[0], nil
	}
	return alerting.NewFanout(notifiers...), nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running ingestion service: one renewal daemon plus one
// stream supervisor per symbol group, all sharing the credential store.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	creds, err := a.openCredentialStore()
	if err != nil {
		return err
	}

	notifier, err := a.newNotifier()
	if err != nil {
		return err
	}
	alerts := alerting.NewSink(notifier, a.Config.Alerting.Buffer, a.Logger)
	defer alerts.Close()

	window, err := markethours.NewWindow(a.Config.Market.Open, a.Config.Market.Close, a.Config.Market.Timezone)
	if err != nil {
		return fmt.Errorf("market window: %w", err)
	}

	universe, err := instruments.Load(a.Config.Instruments.MappingPath)
	if err != nil {
		return fmt.Errorf("load instrument mapping: %w", err)
	}
	groups := universe.Groups(a.Config.Instruments.GroupSize)
	a.Logger.Info().Int("instruments", universe.Len()).Int("groups", len(groups)).Msg("instrument universe loaded")

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	tickSink, err := a.newTickSink(ctx, store, universe, window)
	if err != nil {
		return err
	}
	defer tickSink.Flush(context.Background())

	renewer := renewal.NewDhanRenewer(a.Config.Credential.RenewURL, a.Config.Credential.RequestTimeout, a.Logger)
	daemon, err := renewal.NewDaemon(creds, renewer, alerts, renewal.Policy{
		CheckInterval: a.Config.Credential.CheckInterval,
		RenewalBuffer: a.Config.Credential.RenewalBuffer,
	}, a.Logger)
	if err != nil {
		return err
	}

	dialer := stream.NewWebsocketDialer(stream.WebsocketOptions{
		BaseURL:      a.Config.Stream.URL,
		DialTimeout:  a.Config.Stream.DialTimeout,
		ReadTimeout:  a.Config.Stream.ReadTimeout,
		PingInterval: a.Config.Stream.PingInterval,
		BatchSize:    a.Config.Stream.BatchSize,
		BatchDelay:   a.Config.Stream.BatchDelay,
	}, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return daemon.Run(gctx)
	})
	for _, group := range groups {
		supervisor := stream.NewSupervisor(stream.Options{
			GroupID:         group.ID,
			SecurityIDs:     group.SecurityIDs,
			BackoffInitial:  a.Config.Stream.BackoffInitial,
			BackoffMax:      a.Config.Stream.BackoffMax,
			StableReset:     a.Config.Stream.StableReset,
			CredentialRetry: a.Config.Credential.CheckInterval,
			MalformedRatio:  a.Config.Stream.MalformedRatio,
			MalformedMinMsg: a.Config.Stream.MalformedMinMsg,
			BreakerInterval: a.Config.Stream.BreakerInterval,
		}, dialer, creds, window, tickSink, alerts, a.Logger)
		g.Go(func() error {
			return supervisor.Run(gctx)
		})
	}

	a.Logger.Info().Msg("starting ingestion service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("ingestion service stopped")
	return nil
}

// newTickSink assembles the CSV sink plus the optional database archive. When
// the archive is enabled, an advisory lock guards against a second streaming
// instance writing the same rows.
func (a *App) newTickSink(ctx context.Context, store *storage.Store, universe *instruments.Universe, window markethours.Window) (stream.Sink, error) {
	csvSink := ingest.NewCSVSink(a.Config.Sink.Dir, universe, window.Location(), a.Logger)
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; tick archive disabled")
		return csvSink, nil
	}

	unlock, acquired, err := store.TryAdvisoryLock(ctx, a.Config.Database.AdvisoryLockKey)
	if err != nil {
		return nil, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		return nil, errors.New("another ingestion instance holds the advisory lock")
	}
	go func() {
		<-ctx.Done()
		unlock()
	}()

	return ingest.NewMultiSink(csvSink, ingest.NewDBSink(store, a.Logger)), nil
}

// ExportOptions hold parameters for exporting archived ticks.
type ExportOptions struct {
	SecurityID string
	From       *time.Time
	To         *time.Time
	PNGPath    string
	CSVPath    string
	MaxPoints  int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// TokenStatusOptions configure the token status command.
type TokenStatusOptions struct {
	Repair bool
}
