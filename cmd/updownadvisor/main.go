package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/rewired-gh/updownadvisor/internal/advisor"
	"github.com/rewired-gh/updownadvisor/internal/config"
	"github.com/rewired-gh/updownadvisor/internal/feed"
	"github.com/rewired-gh/updownadvisor/internal/indicator"
	"github.com/rewired-gh/updownadvisor/internal/logger"
	"github.com/rewired-gh/updownadvisor/internal/metrics"
	"github.com/rewired-gh/updownadvisor/internal/models"
	"github.com/rewired-gh/updownadvisor/internal/publish"
	"github.com/rewired-gh/updownadvisor/internal/rounds"
	"github.com/rewired-gh/updownadvisor/internal/stake"
	"github.com/rewired-gh/updownadvisor/internal/storage"
	"github.com/rewired-gh/updownadvisor/internal/strategy"
	"github.com/rewired-gh/updownadvisor/internal/telegram"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	assetName  = flag.String("asset", "btc", "Asset key from the config assets section")
	watch      = flag.Bool("watch", false, "Keep watching rounds instead of evaluating once")
	target     = flag.Float64("target", 0, "Manual target price when discovery has none")
)

func main() {
	flag.Parse()
	_ = godotenv.Load() // optional .env, absence is normal

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync()
	logger.Info("Configuration loaded from %s", *configPath)

	asset, err := cfg.Asset(*assetName)
	if err != nil {
		logger.Fatal("%v", err)
	}

	store, err := storage.New(cfg.Storage.MaxDecisions, cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize journal: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close journal: %v", err)
		}
	}()

	stakes, err := stake.NewManager(cfg.Stake.StateFile, stake.Config{
		BaseStake:      decimal.NewFromFloat(cfg.Stake.BaseStake),
		MaxStake:       decimal.NewFromFloat(cfg.Stake.MaxStake),
		MaxDailyTrades: cfg.Stake.MaxDailyTrades,
		MaxDailyLoss:   decimal.NewFromFloat(cfg.Stake.MaxDailyLoss),
	})
	if err != nil {
		logger.Fatal("Failed to initialize stake manager: %v", err)
	}

	feedClient, err := feed.New(feed.Config{
		URL:               cfg.Feed.WebsocketURL,
		Symbol:            asset.Symbol,
		MaxReconnectDelay: cfg.Feed.MaxReconnectDelay,
		RecentTicks:       cfg.Feed.RecentTicks,
	})
	if err != nil {
		logger.Fatal("Failed to initialize price feed: %v", err)
	}

	prefixes := make(map[string]string, len(cfg.Assets))
	minPrices := make(map[string]float64, len(cfg.Assets))
	for name, a := range cfg.Assets {
		prefixes[name] = a.SlugPrefix
		minPrices[name] = a.MinPrice
	}
	gamma := rounds.NewClient(cfg.Discovery.GammaAPIURL, cfg.Discovery.Timeout, prefixes, rounds.Options{
		PageLimit:      cfg.Discovery.PageLimit,
		MinCandidates:  cfg.Discovery.MinCandidates,
		MaxPages:       cfg.Discovery.MaxPages,
		MaxRetries:     cfg.Discovery.MaxRetries,
		RetryDelayBase: cfg.Discovery.RetryDelayBase,
	})

	var notifier *telegram.Client
	if cfg.Telegram.Enabled {
		notifier, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID,
			cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		notifier.HandleCommand("status", func() string { return statusText(stakes, feedClient, cfg.Feed.Staleness) })
		notifier.HandleCommand("recent", func() string { return recentText(store) })
		logger.Info("Telegram notifications enabled")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	var publisher *publish.Publisher
	if cfg.Redis.Enabled {
		publisher, err = publish.New(publish.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logger.Fatal("Failed to connect to Redis: %v", err)
		}
		defer publisher.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var m *metrics.Metrics
	health := metrics.NewHealth(*assetName)
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(nil)
		server := metrics.NewServer(cfg.Metrics.ListenAddr, health)
		server.Start()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			server.Stop(shutdownCtx)
			shutdownCancel()
		}()
	}

	adv := advisor.New(advisor.Config{
		Asset:              *assetName,
		DisplayName:        asset.DisplayName,
		PollInterval:       cfg.Trading.PollInterval,
		DiscoveryTimeout:   cfg.Discovery.Timeout,
		MinTimeBeforeClose: cfg.Trading.MinTimeBeforeClose,
		MaxTimeBeforeClose: cfg.Trading.MaxTimeBeforeClose,
		Warmup:             cfg.Trading.Warmup,
		Staleness:          cfg.Feed.Staleness,
		TargetOverride:     *target,
		CandleInterval:     cfg.Analysis.CandleInterval,
		MaxCandles:         cfg.Analysis.MaxCandles,
		TickBuffer:         cfg.Feed.BufferSize,
	}, advisor.Deps{
		Primary:  rounds.MarketsSource{Client: gamma},
		Fallback: rounds.EventsSource{Client: gamma},
		Feed:     feedClient,
		Indicators: indicator.NewEngine(indicator.Config{
			EMAFastPeriod:   cfg.Analysis.EMAFast,
			EMASlowPeriod:   cfg.Analysis.EMASlow,
			ATRPeriod:       cfg.Analysis.ATRPeriod,
			CandleInterval:  cfg.Analysis.CandleInterval,
			ReturnLookbacks: cfg.Analysis.ReturnPeriods,
		}),
		Strategy: strategy.NewEngine(strategy.Config{
			GapATRThreshold: cfg.Strategy.GapATRThreshold,
			TimePressure:    cfg.Strategy.TimePressure,
			Staleness:       cfg.Feed.Staleness,
			MinPrices:       minPrices,
			ShortReturn:     shortestLookback(cfg.Analysis.ReturnPeriods),
		}),
		Stakes:    stakes,
		Store:     store,
		Notifier:  notifier,
		Publisher: publisher,
		Metrics:   m,
		Health:    health,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	if notifier != nil {
		notifier.ListenForCommands(ctx)
	}

	adv.Start(ctx)

	if *watch {
		go readOutcomes(ctx, adv)
		adv.Run(ctx)
		return
	}

	if err := adv.RunOnce(ctx); err != nil {
		logger.Fatal("Evaluation failed: %v", err)
	}
	if pending, ok := stakes.Pending(); ok {
		fmt.Printf("Prepared %s %s with stake $%s.\n",
			pending.Direction, pending.Slug, pending.Stake.StringFixed(2))
		promptOutcome(adv)
	}
}

// readOutcomes feeds human-entered W/L/S lines into the advisor for the
// lifetime of the watch loop.
func readOutcomes(ctx context.Context, adv *advisor.Advisor) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		applyOutcome(adv, line)
	}
}

// promptOutcome blocks on one valid outcome entry after a one-shot
// evaluation.
func promptOutcome(adv *advisor.Advisor) {
	fmt.Print("Enter the settled outcome, W (win) / L (loss) / S (skip): ")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if applyOutcome(adv, line) {
			return
		}
		fmt.Print("Enter W, L, or S: ")
	}
}

func applyOutcome(adv *advisor.Advisor, line string) bool {
	result, err := models.ParseTradeResult(line)
	if err != nil {
		fmt.Println("Unrecognized outcome; enter W (win), L (loss), or S (skip)")
		return false
	}
	out, err := adv.ReportOutcome(result)
	if err != nil {
		fmt.Printf("Cannot record outcome: %v\n", err)
		return false
	}
	fmt.Printf("Recorded %s for %s: next stake $%s, streak %d, today %d trades net %s\n",
		out.Result, out.Slug, out.State.CurrentStake.StringFixed(2), out.State.WinStreak,
		out.State.Daily.Trades, out.State.Daily.NetPnL.StringFixed(2))
	return true
}

// statusText answers the Telegram /status command.
func statusText(stakes *stake.Manager, feedClient *feed.Client, staleness time.Duration) string {
	st := stakes.Snapshot()
	health := feedClient.Health()

	feedState := "live"
	if health.Stale(time.Now(), staleness) {
		feedState = "stale"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Stake $%s, streak %d\n", st.CurrentStake.StringFixed(2), st.WinStreak)
	if st.LimitReached {
		b.WriteString("Stake limit reached, resets on next loss\n")
	}
	fmt.Fprintf(&b, "Today (%s): %d trades, %dW/%dL, loss $%s, net $%s\n",
		st.Daily.Date, st.Daily.Trades, st.Daily.Wins, st.Daily.Losses,
		st.Daily.TotalLoss.StringFixed(2), st.Daily.NetPnL.StringFixed(2))
	fmt.Fprintf(&b, "Feed %s, %d ticks seen", feedState, health.TickCount())
	return b.String()
}

// recentText answers the Telegram /recent command.
func recentText(store *storage.Storage) string {
	entries, err := store.RecentDecisions(5)
	if err != nil {
		return fmt.Sprintf("Journal unavailable: %v", err)
	}
	if len(entries) == 0 {
		return "No evaluations recorded yet"
	}

	var b strings.Builder
	for _, e := range entries {
		if e.Direction == models.DirectionAbort {
			fmt.Fprintf(&b, "%s %s ABORT (%s)\n",
				e.CreatedAt.Format("15:04"), e.Slug, e.Rule)
			continue
		}
		fmt.Fprintf(&b, "%s %s %s at %.2f vs %.2f (%s)\n",
			e.CreatedAt.Format("15:04"), e.Slug, e.Direction,
			e.CurrentPrice, e.TargetPrice, e.Rule)
	}
	return strings.TrimRight(b.String(), "\n")
}

func shortestLookback(periods []int) int {
	shortest := periods[0]
	for _, p := range periods[1:] {
		if p < shortest {
			shortest = p
		}
	}
	return shortest
}
