package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/opinionsim/internal/config"
	"github.com/opinionsim/internal/database"
	"github.com/opinionsim/internal/deliberation"
	"github.com/opinionsim/internal/gateway"
	"github.com/opinionsim/internal/logging"
	"github.com/opinionsim/internal/session"
)

// runtime is everything a command needs to drive sessions
type runtime struct {
	cfg      *config.Config
	db       *sql.DB
	store    session.Store
	registry *deliberation.Registry
}

// loadConfig reads and validates the configuration named by --config
func loadConfig(c *cli.Context) (*config.Config, error) {
	if envFile := c.String("env-file"); envFile != "" {
		if err := LoadEnvFile(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	path := c.String("config")
	if _, statErr := os.Stat(path); statErr != nil && !c.IsSet("config") {
		path = ""
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := logging.Setup(cfg.General.LogLevel, cfg.General.LogPretty, nil); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newRuntime wires config, store, gateway and registry. The session store
// is Postgres when a database URL is configured, otherwise in memory.
func newRuntime(c *cli.Context) (*runtime, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg}
	if url := databaseURL(cfg); url != "" {
		db, err := database.Open(c.Context, url)
		if err != nil {
			return nil, err
		}
		if err := database.Migrate(c.Context, db); err != nil {
			db.Close()
			return nil, err
		}
		rt.db = db
		rt.store = session.NewPostgresStore(db)
	} else {
		log.Debug().Msg("No database configured, using in-memory session store")
		rt.store = session.NewInMemoryStore()
	}

	rt.registry = deliberation.NewRegistry(deliberation.Options{
		Completer:  gateway.New(cfg.GatewayOptions()),
		Store:      rt.store,
		VendorKeys: cfg.VendorKeys(),
		RunLogDir:  cfg.General.LogDir,
	})
	return rt, nil
}

func (rt *runtime) Close() {
	if rt.db != nil {
		rt.db.Close()
	}
}

func databaseURL(cfg *config.Config) string {
	if cfg.Database.URL != "" {
		return cfg.Database.URL
	}
	return os.Getenv("DATABASE_URL")
}

// superviseRun prints status transitions of m until its run ends. An
// interrupt signal cancels the run.
func superviseRun(ctx context.Context, m *deliberation.Manager) (session.RunStatus, error) {
	updates, unsubscribe := m.Subscribe()
	defer unsubscribe()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	done := make(chan struct{})
	var status session.RunStatus
	var err error
	go func() {
		defer close(done)
		status, err = m.Wait(ctx)
	}()

	printed := 0
	for {
		select {
		case <-done:
			printNewMessages(m, &printed)
			return status, err
		case <-sig:
			fmt.Println("\nInterrupted, cancelling run...")
			if _, cerr := m.Cancel(); cerr != nil {
				log.Debug().Err(cerr).Msg("Cancel after interrupt")
			}
		case st, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			printNewMessages(m, &printed)
			if st.AwaitingLabel != "" {
				fmt.Printf("  ... round %d turn %d: %s\n", st.CurrentRound, st.CurrentTurn, st.AwaitingLabel)
			}
		}
	}
}

func printNewMessages(m *deliberation.Manager, printed *int) {
	msgs := m.Messages()
	for _, msg := range msgs[min(*printed, len(msgs)):] {
		if msg.IsSkip() {
			fmt.Printf("[round %d, turn %d] %s skipped this turn\n", msg.Round, msg.Turn, msg.AgentName)
			continue
		}
		stance := ""
		if msg.Stance != nil {
			stance = fmt.Sprintf(" (stance %+d, %s)", msg.Stance.Score, msg.Stance.Note)
		}
		fmt.Printf("[round %d, turn %d] %s%s:\n%s\n\n", msg.Round, msg.Turn, msg.AgentName, stance, msg.Content)
	}
	*printed = len(msgs)
}

func printSummary(status session.RunStatus, sessionID string) {
	fmt.Printf("Session %s finished: %s, %d messages\n", sessionID, status.Phase, status.TotalMessages)
	if status.Error != "" {
		fmt.Printf("Error: %s\n", status.Error)
	}
}
