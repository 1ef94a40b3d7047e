// tickdeck-watch is the terminal watcher client. It keeps a local freshness
// cache in SQLite, polls for updates, evaluates local price alerts, and takes
// simple commands on stdin:
//
//	symbol <SYM>            switch the tracked symbol
//	range <1d|7d|30d|90d|365d>  switch the candle range
//	refresh                 force a refresh
//	alert <SYM> <above|below> <price>  add an alert rule
//	alerts                  list alert rules
//	clear                   remove triggered alert rules
//	pause / resume          pause and resume polling
//	quit
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"tickdeck/internal/alert"
	"tickdeck/internal/cache"
	"tickdeck/internal/config"
	"tickdeck/internal/domain"
	"tickdeck/internal/freshness"
	"tickdeck/internal/gateway"
	"tickdeck/internal/orchestrator"
	"tickdeck/internal/scheduler"
	"tickdeck/internal/store"
	"tickdeck/internal/util"
)

func main() {
	cfgPath := "config/tickdeck.yaml"
	if p := os.Getenv("TICKDECK_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatalf("loading config: %v", err)
		}
		cfg = config.Default()
	}

	logger := util.NewLogger(cfg.Logging.Level, "text")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var kv store.KV
	if sq, err := store.OpenSQLiteKV(cfg.Storage.SQLitePath); err != nil {
		logger.Warn("opening sqlite, cache will not survive restarts", "error", err)
		kv = store.NewMemoryKV()
	} else {
		defer sq.Close()
		kv = sq
	}

	fstore := freshness.NewStore(kv, logger.With("component", "freshness"))

	var fetcher orchestrator.Fetcher
	standalone := os.Getenv("TICKDECK_STANDALONE") == "true"
	if standalone {
		// No server: run the gateway in-process against the upstream.
		var provider gateway.Provider
		if cfg.Upstream.Provider == "alpaca" {
			provider = gateway.NewAlpacaProvider(cfg.Alpaca)
		} else {
			provider = gateway.NewCoinGeckoProvider(cfg.Upstream, cfg.Symbols)
		}
		fetcher = gateway.New(cache.NewMemory(), provider, gateway.Config{
			Symbols:    cfg.SymbolNames(),
			PricesTTL:  freshness.TTL{Fresh: cfg.Cache.Prices.Fresh(), Stale: cfg.Cache.Prices.Stale()},
			CandlesTTL: freshness.TTL{Fresh: cfg.Cache.Candles.Fresh(), Stale: cfg.Cache.Candles.Stale()},
		}, nil, logger.With("component", "gateway"))
		logger.Info("running standalone against the upstream provider")
	} else {
		fetcher = orchestrator.NewRemoteFetcher(cfg.Watch.ServerURL)
		logger.Info("watching server", "url", cfg.Watch.ServerURL)
	}

	alerts := alert.NewStore(kv, logger.With("component", "alerts"))
	broadcaster := alert.NewBroadcaster()
	subID, fired := broadcaster.Subscribe(16)
	defer broadcaster.Unsubscribe(subID)
	go func() {
		for f := range fired {
			fmt.Printf("\n*** ALERT %s %s %.2f (now %.2f) ***\n", f.Rule.Symbol, f.Rule.Condition, f.Rule.Target, f.Price)
		}
	}()
	evaluator := alert.NewEvaluator(alerts, broadcaster, logger)

	symbols := cfg.SymbolNames()
	orc := orchestrator.New(fetcher, fstore, kv, orchestrator.Config{
		PricesTTL:   freshness.TTL{Fresh: cfg.Cache.Prices.Fresh(), Stale: cfg.Cache.Prices.Stale()},
		CandlesTTL:  freshness.TTL{Fresh: cfg.Cache.Candles.Fresh(), Stale: cfg.Cache.Candles.Stale()},
		SwitchQuiet: cfg.Watch.SwitchQuiet(),
		Selection:   domain.Selection{Symbol: symbols[0], Range: domain.Range7D},
		OnSnapshot:  func(snap domain.PriceSnapshot) { evaluator.Evaluate(snap) },
		OnChange:    func(st orchestrator.ViewState) { render(st, symbols) },
	}, logger.With("component", "orchestrator"))

	orc.Load(ctx, orchestrator.LoadOptions{Reason: "mount"})

	poller := scheduler.NewPoller(cfg.Watch.PollInterval(), func() {
		orc.Load(ctx, orchestrator.LoadOptions{Reason: "poll"})
	}, logger.With("component", "poller"))
	poller.Start()
	defer poller.Stop()

	go readCommands(ctx, cancel, orc, alerts, poller)

	<-ctx.Done()
	fmt.Println("\nbye")
}

func readCommands(ctx context.Context, cancel context.CancelFunc, orc *orchestrator.Orchestrator, alerts *alert.Store, poller *scheduler.Poller) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "symbol":
			if len(fields) != 2 {
				fmt.Println("usage: symbol <SYM>")
				continue
			}
			sel := orc.Selection()
			sel.Symbol = strings.ToUpper(fields[1])
			orc.Switch(ctx, sel)

		case "range":
			if len(fields) != 2 {
				fmt.Println("usage: range <1d|7d|30d|90d|365d>")
				continue
			}
			rng, err := domain.ParseRange(fields[1])
			if err != nil {
				fmt.Println(err)
				continue
			}
			sel := orc.Selection()
			sel.Range = rng
			orc.Switch(ctx, sel)

		case "refresh":
			go orc.Load(ctx, orchestrator.LoadOptions{Force: true, Reason: "manual"})

		case "alert":
			if len(fields) != 4 {
				fmt.Println("usage: alert <SYM> <above|below> <price>")
				continue
			}
			cond, err := domain.ParseCondition(fields[2])
			if err != nil {
				fmt.Println(err)
				continue
			}
			target, err := strconv.ParseFloat(fields[3], 64)
			if err != nil || target <= 0 {
				fmt.Println("price must be a positive number")
				continue
			}
			rule := alerts.Add(fields[1], target, cond)
			fmt.Printf("alert added: %s %s %.2f\n", rule.Symbol, rule.Condition, rule.Target)

		case "alerts":
			rules := alerts.List()
			if len(rules) == 0 {
				fmt.Println("no alert rules")
				continue
			}
			for _, r := range rules {
				state := "armed"
				if r.Triggered {
					state = "triggered"
				}
				fmt.Printf("  %s %s %.2f  [%s]\n", r.Symbol, r.Condition, r.Target, state)
			}

		case "clear":
			fmt.Printf("removed %d triggered rules\n", alerts.ClearTriggered())

		case "pause":
			poller.SetVisible(false)
			fmt.Println("polling paused")

		case "resume":
			poller.SetVisible(true)

		case "quit", "exit":
			cancel()
			return

		default:
			fmt.Println("unknown command")
		}
	}
}

// render repaints the watch view after every state change.
func render(st orchestrator.ViewState, symbols []string) {
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s  %s/%s", time.Now().Format("15:04:05"), st.Selection.Symbol, st.Selection.Range)
	switch {
	case st.Loading:
		b.WriteString("  loading...")
	case st.Updating:
		b.WriteString("  updating...")
	case st.Stale:
		b.WriteString("  (stale)")
	}
	if st.Err != "" {
		fmt.Fprintf(&b, "  ERROR: %s", st.Err)
	}
	if !st.LastUpdated.IsZero() {
		fmt.Fprintf(&b, "  [%s %s]", st.Source, st.LastUpdated.Format("15:04:05"))
	}
	b.WriteByte('\n')
	fmt.Print(b.String())

	if len(st.Snapshot) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		ordered := append([]string(nil), symbols...)
		sort.Strings(ordered)
		for _, sym := range ordered {
			q, ok := st.Snapshot[sym]
			if !ok {
				continue
			}
			marker := " "
			if sym == st.Selection.Symbol {
				marker = ">"
			}
			fmt.Fprintf(w, "%s %s\t%.2f\t%+.2f%% 24h\t%+.2f%% 7d\n", marker, sym, q.Price, q.Change24h, q.Change7d)
		}
		w.Flush()
	}

	if n := len(st.Series.Candles); n > 0 {
		first, last := st.Series.Candles[0], st.Series.Candles[n-1]
		fmt.Printf("  %d candles  %s .. %s  close %.2f\n",
			n,
			first.OpenTime.Format("01-02 15:04"),
			last.OpenTime.Format("01-02 15:04"),
			last.Close)
	}
}
