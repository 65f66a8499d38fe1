package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rohmanhakim/darc-crawler/internal/build"
	"github.com/rohmanhakim/darc-crawler/internal/config"
	"github.com/rohmanhakim/darc-crawler/internal/queue"
	"github.com/rohmanhakim/darc-crawler/internal/queue/redisstore"
	"github.com/rohmanhakim/darc-crawler/internal/queue/sqlstore"
	"github.com/rohmanhakim/darc-crawler/internal/supervisor"
	"github.com/spf13/cobra"
)

var (
	fromFile string

	dataRoot         string
	cpu              int
	reboot           bool
	debug            bool
	force            bool
	checkContentType bool

	linkWhiteList  []string
	linkBlackList  []string
	mimeWhiteList  []string
	mimeBlackList  []string
	proxyWhiteList []string
	proxyBlackList []string

	timeCache time.Duration
	crawlWait time.Duration

	redisURL string
	dbURL    string
)

// parseSeedURLs converts the positional URL arguments (plus anything read
// from -f) into []url.URL, mirroring darc's `darc [-f FILE] LINKS ...`.
func parseSeedURLs(args []string, filePath string) ([]url.URL, error) {
	raw := append([]string(nil), args...)

	if filePath != "" {
		f, err := os.Open(filePath)
		if err != nil {
			return nil, fmt.Errorf("error reading seed file %s: %w", filePath, err)
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			raw = append(raw, line)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("error reading seed file %s: %w", filePath, err)
		}
	}

	if len(raw) == 0 {
		return nil, fmt.Errorf("no seed URLs given: pass URL arguments or -f FILE")
	}

	urls := make([]url.URL, 0, len(raw))
	for _, s := range raw {
		parsed, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("error parsing seed URL %s: %w", s, err)
		}
		urls = append(urls, *parsed)
	}
	return urls, nil
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "darc [-f FILE] [URL ...]",
	Version: build.FullVersion(),
	Short:   "A multi-proxy dark web crawler.",
	Long: `darc crawls clear web, Tor, I2P, ZeroNet and Freenet sites, following
links breadth-first while routing each request through the proxy its
classification demands, and archives every response to a content-addressed
filesystem tree.`,
	Run: func(cmd *cobra.Command, args []string) {
		seedURLs, err := parseSeedURLs(args, fromFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			cmd.Usage()
			os.Exit(1)
		}

		cfg := InitConfig(seedURLs)

		logLevel := slog.LevelInfo
		if cfg.Debug() {
			logLevel = slog.LevelDebug
		}
		log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

		store, err := newQueueStore(cfg, log)
		if err != nil {
			log.Error("failed to open queue store", "error", err)
			os.Exit(1)
		}

		sup, err := supervisor.New(cfg, store, log)
		if err != nil {
			log.Error("failed to build supervisor", "error", err)
			os.Exit(1)
		}

		if err := sup.Run(context.Background()); err != nil {
			log.Error("crawl exited with error", "error", err)
			os.Exit(1)
		}
	},
}

// newQueueStore resolves the Queue Store backend from cfg: Redis when
// REDIS_URL is set, otherwise Postgres when DB_URL is set. darc has always
// needed one durable queue backend or the other; there is no in-process
// fallback.
func newQueueStore(cfg config.Config, log *slog.Logger) (queue.Store, error) {
	switch {
	case cfg.RedisURL() != "":
		opts, err := redis.ParseURL(cfg.RedisURL())
		if err != nil {
			return nil, fmt.Errorf("parsing REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		return redisstore.New(client, cfg.DataRoot(),
			redisstore.WithLock(cfg.RedisLock(), cfg.LockTimeout()),
			redisstore.WithLogger(log),
		), nil
	case cfg.DBURL() != "":
		return sqlstore.Open(cfg.DBURL(), cfg.DataRoot())
	default:
		return nil, fmt.Errorf("no queue backend configured: set REDIS_URL or DB_URL")
	}
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main() and needs to happen once.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&fromFile, "file", "f", "", "read seed URLs from FILE, one per line")

	rootCmd.PersistentFlags().StringVar(&dataRoot, "data-root", "", "root directory for crawled content (env PATH_DATA)")
	rootCmd.PersistentFlags().IntVar(&cpu, "cpu", 0, "number of worker goroutines")
	rootCmd.PersistentFlags().BoolVar(&reboot, "reboot", false, "run a single round, then exit (env DARC_REBOOT)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "verbose logging (env DARC_DEBUG / DARC_VERBOSE)")
	rootCmd.PersistentFlags().BoolVar(&force, "force", false, "skip the robots.txt check (env DARC_FORCE)")
	rootCmd.PersistentFlags().BoolVar(&checkContentType, "check-content-type", false, "enforce MIME allow/deny lists (env DARC_CHECK)")

	rootCmd.PersistentFlags().StringArrayVar(&linkWhiteList, "link-white-list", nil, "regexes; only matching links are queued")
	rootCmd.PersistentFlags().StringArrayVar(&linkBlackList, "link-black-list", nil, "regexes; matching links are dropped")
	rootCmd.PersistentFlags().StringArrayVar(&mimeWhiteList, "mime-white-list", nil, "allowed Content-Type prefixes")
	rootCmd.PersistentFlags().StringArrayVar(&mimeBlackList, "mime-black-list", nil, "rejected Content-Type prefixes")
	rootCmd.PersistentFlags().StringArrayVar(&proxyWhiteList, "proxy-white-list", nil, "allowed proxy kinds")
	rootCmd.PersistentFlags().StringArrayVar(&proxyBlackList, "proxy-black-list", nil, "rejected proxy kinds")

	rootCmd.PersistentFlags().DurationVar(&timeCache, "time-cache", 0, "host/queue cooldown window")
	rootCmd.PersistentFlags().DurationVar(&crawlWait, "crawl-wait", 0, "delay between requests to the same host")

	rootCmd.PersistentFlags().StringVar(&redisURL, "redis-url", "", "Redis queue backend URL (env REDIS_URL)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", "", "Postgres queue backend URL (env DB_URL)")
}

// InitConfig builds a Config from CLI flags and environment variables,
// exiting the process on error.
func InitConfig(seedURLs []url.URL) config.Config {
	cfg, err := InitConfigWithError(seedURLs)
	if err != nil {
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}
	return cfg
}

// InitConfigWithError is InitConfig without the os.Exit, for tests.
func InitConfigWithError(seedURLs []url.URL) (config.Config, error) {
	if len(seedURLs) == 0 {
		return config.Config{}, fmt.Errorf("%w: seedUrls cannot be empty", config.ErrInvalidConfig)
	}

	builder := config.WithDefault(seedURLs)

	if v := envOr("PATH_DATA", dataRoot); v != "" {
		builder = builder.WithDataRoot(v)
	}
	if cpu > 0 {
		builder = builder.WithCPU(cpu)
	}
	if reboot || envBool("DARC_REBOOT") {
		builder = builder.WithReboot(true)
	}
	if debug || envBool("DARC_DEBUG") || envBool("DARC_VERBOSE") {
		builder = builder.WithDebug(true)
	}
	if force || envBool("DARC_FORCE") {
		builder = builder.WithForce(true)
	}
	if checkContentType || envBool("DARC_CHECK") || envBool("DARC_CHECK_CONTENT_TYPE") {
		builder = builder.WithCheckContentType(true)
	}
	if len(linkWhiteList) > 0 {
		builder = builder.WithLinkWhiteList(linkWhiteList)
	}
	if len(linkBlackList) > 0 {
		builder = builder.WithLinkBlackList(linkBlackList)
	}
	if len(mimeWhiteList) > 0 {
		builder = builder.WithMimeWhiteList(mimeWhiteList)
	}
	if len(mimeBlackList) > 0 {
		builder = builder.WithMimeBlackList(mimeBlackList)
	}
	if len(proxyWhiteList) > 0 {
		builder = builder.WithProxyWhiteList(proxyWhiteList)
	}
	if len(proxyBlackList) > 0 {
		builder = builder.WithProxyBlackList(proxyBlackList)
	}
	if timeCache > 0 {
		builder = builder.WithTimeCache(timeCache)
	}
	if crawlWait > 0 {
		builder = builder.WithCrawlWait(crawlWait)
	}
	if v := envOr("REDIS_URL", redisURL); v != "" {
		builder = builder.WithRedisURL(v)
	}
	if v := envOr("DB_URL", dbURL); v != "" {
		builder = builder.WithDBURL(v)
	}
	if v := os.Getenv("API_NEW_HOST"); v != "" {
		builder = builder.WithAPINewHost(v)
	}
	if v := os.Getenv("API_REQUESTS"); v != "" {
		builder = builder.WithAPIRequests(v)
	}
	if v := os.Getenv("API_SELENIUM"); v != "" {
		builder = builder.WithAPISelenium(v)
	}

	return builder.Build()
}

func envOr(key string, flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(key)
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes"
}

func ResetFlags() {
	fromFile = ""
	dataRoot = ""
	cpu = 0
	reboot = false
	debug = false
	force = false
	checkContentType = false
	linkWhiteList = nil
	linkBlackList = nil
	mimeWhiteList = nil
	mimeBlackList = nil
	proxyWhiteList = nil
	proxyBlackList = nil
	timeCache = 0
	crawlWait = 0
	redisURL = ""
	dbURL = ""
}

// Test helper functions to set flag values from tests.
func SetFromFileForTest(path string)        { fromFile = path }
func SetDataRootForTest(root string)        { dataRoot = root }
func SetCPUForTest(n int)                   { cpu = n }
func SetRebootForTest(v bool)               { reboot = v }
func SetDebugForTest(v bool)                { debug = v }
func SetForceForTest(v bool)                { force = v }
func SetCheckContentTypeForTest(v bool)     { checkContentType = v }
func SetLinkWhiteListForTest(v []string)    { linkWhiteList = v }
func SetLinkBlackListForTest(v []string)    { linkBlackList = v }
func SetMimeWhiteListForTest(v []string)    { mimeWhiteList = v }
func SetMimeBlackListForTest(v []string)    { mimeBlackList = v }
func SetProxyWhiteListForTest(v []string)   { proxyWhiteList = v }
func SetProxyBlackListForTest(v []string)   { proxyBlackList = v }
func SetTimeCacheForTest(d time.Duration)   { timeCache = d }
func SetCrawlWaitForTest(d time.Duration)   { crawlWait = d }
func SetRedisURLForTest(url string)         { redisURL = url }
func SetDBURLForTest(url string)            { dbURL = url }
