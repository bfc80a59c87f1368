package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/woedy/zamio-super-sub004/pkg/logger"
	"github.com/woedy/zamio-super-sub004/pkg/royalty"
)

// Global flags
var (
	dbPath     string
	tempDir    string
	sampleRate int
)

func init() {
	flag.StringVar(&dbPath, "db", getEnvOrDefault("ROYALTY_DB_PATH", "royalty.sqlite3"), "Path to the SQLite database file")
	flag.StringVar(&tempDir, "temp", getEnvOrDefault("ROYALTY_TEMP_DIR", "/tmp"), "Directory for temporary audio conversion files")
	flag.IntVar(&sampleRate, "rate", 11025, "Audio sample rate for processing")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func createService() (*royalty.Service, error) {
	return royalty.NewService(
		royalty.WithDBPath(dbPath),
		royalty.WithTempDir(tempDir),
		royalty.WithSampleRate(sampleRate),
	)
}

func main() {
	log := logger.GetLogger()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	log.Debugf("Executing command: %s", command)

	switch command {
	case "add":
		handleAdd()
	case "match":
		handleMatch()
	case "list":
		handleList()
	case "delete":
		handleDelete()
	case "station":
		handleStation()
	case "stations":
		handleStations()
	case "monitor":
		handleMonitor()
	case "deposit":
		handleDeposit()
	case "balance":
		handleBalance()
	case "history":
		handleHistory()
	case "rate":
		handleRate()
	case "aggregate":
		handleAggregate()
	case "retry":
		handleRetry()
	case "plays":
		handlePlays()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: royalty <command> [options]

Catalog:
  add <audio-file> -title T -artist A -owner O   Register and fingerprint a track
  list                                           List registered tracks
  delete <track-id>                              Remove a track and its fingerprints

Matching:
  match <audio-file> [-station ID]               Identify a clip; with -station the
                                                 match feeds royalty aggregation
  monitor <station-id>                           Monitor the station stream until Ctrl-C

Stations:
  station -name N -owner O [-stream URL]         Register a station
  stations                                       List stations

Settlement:
  deposit <owner-id> -amount X [-memo M]         Credit an owner's account
  balance <owner-id>                             Show an owner's balance
  history <owner-id> [-limit N]                  Show an owner's ledger history
  rate -amount X [-station ID]                   Set the royalty rate per second
  aggregate [-lookback D]                        Run one aggregation pass
  retry                                          Replay failed settlements
  plays [-limit N]                               List settled plays

Global options (before the command):
  -db PATH    SQLite database path (env ROYALTY_DB_PATH)
  -temp DIR   Temp directory (env ROYALTY_TEMP_DIR)
  -rate N     Audio sample rate`)
}

// splitPathAndFlags pulls the first non-flag argument out of args.
func splitPathAndFlags(args []string) (string, []string) {
	var positional string
	var flagArgs []string
	for i, arg := range args {
		if !strings.HasPrefix(arg, "-") && positional == "" {
			positional = arg
		} else {
			flagArgs = append(flagArgs, args[i:]...)
			break
		}
	}
	return positional, flagArgs
}

func mustService() *royalty.Service {
	service, err := createService()
	if err != nil {
		fmt.Printf("Error: failed to initialize: %v\n", err)
		os.Exit(1)
	}
	return service
}

func handleAdd() {
	audioPath, flagArgs := splitPathAndFlags(os.Args[2:])

	addCmd := flag.NewFlagSet("add", flag.ExitOnError)
	title := addCmd.String("title", "", "Track title (required)")
	artist := addCmd.String("artist", "", "Artist name (required)")
	owner := addCmd.String("owner", "", "Rights holder account (required)")
	addCmd.Parse(flagArgs)

	if audioPath == "" || *title == "" || *artist == "" || *owner == "" {
		fmt.Println("Usage: add <audio-file> -title T -artist A -owner O")
		os.Exit(1)
	}

	service := mustService()
	defer service.Close()

	track, err := service.AddTrack(context.Background(), audioPath, *title, *artist, *owner)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Registered %s by %s (ID %s, %.1fs)\n", track.Title, track.Artist, track.ID, float64(track.DurationMs)/1000)
}

func handleMatch() {
	audioPath, flagArgs := splitPathAndFlags(os.Args[2:])

	matchCmd := flag.NewFlagSet("match", flag.ExitOnError)
	station := matchCmd.String("station", "", "Station ID to credit the match to")
	matchCmd.Parse(flagArgs)

	if audioPath == "" {
		fmt.Println("Usage: match <audio-file> [-station ID]")
		os.Exit(1)
	}

	service := mustService()
	defer service.Close()

	match, err := service.SubmitClip(context.Background(), audioPath, *station)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if !match.Matched {
		fmt.Printf("No match (%s)\n", match.Reason)
		return
	}
	fmt.Printf("Matched: %s by %s\n", match.Title, match.Artist)
	fmt.Printf("  Track ID:   %s\n", match.TrackID)
	fmt.Printf("  Offset:     %dms\n", match.OffsetMs)
	fmt.Printf("  Confidence: %.1f%%\n", match.Confidence)
}

func handleList() {
	service := mustService()
	defer service.Close()

	tracks, err := service.ListTracks()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if len(tracks) == 0 {
		fmt.Println("No tracks registered")
		return
	}
	for _, t := range tracks {
		fmt.Printf("%s  %s by %s (owner %s, %.1fs)\n", t.ID, t.Title, t.Artist, t.OwnerID, float64(t.DurationMs)/1000)
	}
}

func handleDelete() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: delete <track-id>")
		os.Exit(1)
	}
	trackID := os.Args[2]

	service := mustService()
	defer service.Close()

	if err := service.DeleteTrack(trackID); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Deleted track %s\n", trackID)
}

func handleStation() {
	stationCmd := flag.NewFlagSet("station", flag.ExitOnError)
	name := stationCmd.String("name", "", "Station name (required)")
	owner := stationCmd.String("owner", "", "Station owner account (required)")
	stream := stationCmd.String("stream", "", "Live stream URL")
	stationCmd.Parse(os.Args[2:])

	if *name == "" || *owner == "" {
		fmt.Println("Usage: station -name N -owner O [-stream URL]")
		os.Exit(1)
	}

	service := mustService()
	defer service.Close()

	station, err := service.RegisterStation(*name, *owner, *stream)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Registered station %s (ID %s)\n", station.Name, station.ID)
}

func handleStations() {
	service := mustService()
	defer service.Close()

	stations, err := service.ListStations()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if len(stations) == 0 {
		fmt.Println("No stations registered")
		return
	}
	for _, st := range stations {
		stream := st.StreamURL
		if stream == "" {
			stream = "(no stream)"
		}
		fmt.Printf("%s  %s (owner %s) %s\n", st.ID, st.Name, st.OwnerID, stream)
	}
}

func handleMonitor() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: monitor <station-id>")
		os.Exit(1)
	}
	stationID := os.Args[2]

	service := mustService()
	defer service.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	info, err := service.StartMonitoring(ctx, stationID)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Monitoring %s, press Ctrl-C to stop\n", info.StationName)

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := service.StopMonitoring(stopCtx, stationID); err != nil {
		fmt.Printf("Error stopping session: %v\n", err)
	}
	fmt.Println("Monitoring stopped")
}

func handleDeposit() {
	ownerID, flagArgs := splitPathAndFlags(os.Args[2:])

	depositCmd := flag.NewFlagSet("deposit", flag.ExitOnError)
	amount := depositCmd.String("amount", "", "Amount to credit (required)")
	memo := depositCmd.String("memo", "manual deposit", "Transaction memo")
	depositCmd.Parse(flagArgs)

	if ownerID == "" || *amount == "" {
		fmt.Println("Usage: deposit <owner-id> -amount X [-memo M]")
		os.Exit(1)
	}
	value, err := decimal.NewFromString(*amount)
	if err != nil {
		fmt.Printf("Error: invalid amount %q\n", *amount)
		os.Exit(1)
	}

	service := mustService()
	defer service.Close()

	if err := service.Deposit(ownerID, value, *memo); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	balance, err := service.Balance(ownerID)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Deposited %s, balance of %s is now %s\n", value, ownerID, balance)
}

func handleBalance() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: balance <owner-id>")
		os.Exit(1)
	}
	ownerID := os.Args[2]

	service := mustService()
	defer service.Close()

	balance, err := service.Balance(ownerID)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s: %s\n", ownerID, balance)
}

func handleHistory() {
	ownerID, flagArgs := splitPathAndFlags(os.Args[2:])

	historyCmd := flag.NewFlagSet("history", flag.ExitOnError)
	limit := historyCmd.Int("limit", 50, "Maximum transactions to show")
	historyCmd.Parse(flagArgs)

	if ownerID == "" {
		fmt.Println("Usage: history <owner-id> [-limit N]")
		os.Exit(1)
	}

	service := mustService()
	defer service.Close()

	txs, err := service.History(ownerID, *limit)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if len(txs) == 0 {
		fmt.Println("No transactions")
		return
	}
	for _, tx := range txs {
		fmt.Printf("%s  %-10s %12s  %s\n", tx.CreatedAt.Format(time.RFC3339), tx.Kind, tx.Amount, tx.Description)
	}
}

func handleRate() {
	rateCmd := flag.NewFlagSet("rate", flag.ExitOnError)
	amount := rateCmd.String("amount", "", "Rate per second (required)")
	station := rateCmd.String("station", "", "Station ID (empty sets the platform default)")
	rateCmd.Parse(os.Args[2:])

	if *amount == "" {
		fmt.Println("Usage: rate -amount X [-station ID]")
		os.Exit(1)
	}
	value, err := decimal.NewFromString(*amount)
	if err != nil {
		fmt.Printf("Error: invalid rate %q\n", *amount)
		os.Exit(1)
	}

	service := mustService()
	defer service.Close()

	if err := service.SetRoyaltyRate(*station, value); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if *station == "" {
		fmt.Printf("Platform rate set to %s per second\n", value)
	} else {
		fmt.Printf("Rate for station %s set to %s per second\n", *station, value)
	}
}

func handleAggregate() {
	aggCmd := flag.NewFlagSet("aggregate", flag.ExitOnError)
	lookback := aggCmd.Duration("lookback", 0, "Event lookback window (default from config)")
	aggCmd.Parse(os.Args[2:])

	service := mustService()
	defer service.Close()

	stats, err := service.RunAggregation(context.Background(), *lookback)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Events: %d  Groups: %d  Plays: %d  Deferred: %d  TooShort: %d  Duplicates: %d  Failed: %d\n",
		stats.Events, stats.Groups, stats.Plays, stats.Deferred, stats.TooShort, stats.Duplicates, stats.FailedSettlements)
}

func handleRetry() {
	service := mustService()
	defer service.Close()

	stats, err := service.RunRetries(context.Background())
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Scanned: %d  Settled: %d  Duplicates: %d  StillFailing: %d  Abandoned: %d\n",
		stats.Scanned, stats.Settled, stats.Duplicates, stats.StillFailing, stats.Abandoned)
}

func handlePlays() {
	playsCmd := flag.NewFlagSet("plays", flag.ExitOnError)
	limit := playsCmd.Int("limit", 50, "Maximum plays to show")
	playsCmd.Parse(os.Args[2:])

	service := mustService()
	defer service.Close()

	plays, err := service.ListPlays(*limit)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if len(plays) == 0 {
		fmt.Println("No plays settled")
		return
	}
	for _, p := range plays {
		fmt.Printf("%s  track %s on station %s  %ds  %s (%s)\n",
			p.StartTime.Format(time.RFC3339), p.TrackID, p.StationID, p.DurationSec, p.RoyaltyAmount, p.Source)
	}
}
