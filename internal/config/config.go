package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"
)

type Config struct {
	//===============
	//  Crawl scope
	//===============
	// Initial pages to give to the crawler to begin discovering and traversing other pages.
	seedURLs []url.URL
	// Root directory under which every proxy/scheme/host bucket is created.
	dataRoot string

	//===============
	// Scheduling
	//===============
	// Number of worker goroutines driving the fetch/render pools. Mirrors DARC_CPU.
	cpu int
	// Single-round mode: the fetch and render workers return after one pass instead of looping. Mirrors DARC_REBOOT.
	reboot bool
	// Verbose logging. Mirrors DARC_DEBUG / DARC_VERBOSE.
	debug bool
	// Skip the robots.txt check before fetching. Mirrors DARC_FORCE.
	force bool
	// Enforce MIME allow/deny lists against the Content-Type header before saving. Mirrors DARC_CHECK / DARC_CHECK_CONTENT_TYPE.
	checkContentType bool

	//===============
	// Link / MIME / proxy filters
	//===============
	linkWhiteList  []string
	linkBlackList  []string
	linkFallback   bool
	mimeWhiteList  []string
	mimeBlackList  []string
	mimeFallback   bool
	proxyWhiteList []string
	proxyBlackList []string
	proxyFallback  bool

	//===============
	// Politeness / cooldowns
	//===============
	// Minimum time a host's bootstrap/queue record is considered fresh. Mirrors TIME_CACHE.
	timeCache time.Duration
	// Wait before driving a headless renderer after the page loads. Mirrors SE_WAIT.
	seleniumWait time.Duration
	// Politeness delay applied between two requests to the same host. Mirrors DARC_WAIT.
	crawlWait time.Duration
	// How long to wait for the Tor daemon to become ready at startup. Mirrors BS_WAIT.
	bootstrapWait time.Duration

	//===============
	// Retry
	//===============
	maxAttempt             int
	backoffInitialDuration time.Duration
	backoffMultiplier      float64
	backoffMaxDuration     time.Duration
	jitter                 time.Duration
	randomSeed             int64

	//===============
	// Locking / batching
	//===============
	// Mirrors DARC_LOCK_TIMEOUT: how long to keep trying for the cross-process Redis lock.
	// redisLock (DARC_REDIS_LOCK) switches that lock off when false.
	lockTimeout time.Duration
	redisLock   bool
	// Mirrors DARC_BULK_SIZE: entries submitted to the queue per extraction pass.
	bulkSize int
	// Mirrors DARC_MAX_POOL: entries drained from a queue per scheduling pass.
	maxPool int

	//===============
	// Fetch
	//===============
	timeout   time.Duration
	userAgent string

	//===============
	// Backends
	//===============
	redisURL string
	dbURL    string

	//===============
	// Webhooks
	//===============
	apiNewHost  string
	apiRequests string
	apiSelenium string
}

type configDTO struct {
	SeedURLs               []url.URL     `json:"seedUrls"`
	DataRoot               string        `json:"dataRoot,omitempty"`
	CPU                    int           `json:"cpu,omitempty"`
	Reboot                 bool          `json:"reboot,omitempty"`
	Debug                  bool          `json:"debug,omitempty"`
	Force                  bool          `json:"force,omitempty"`
	CheckContentType       bool          `json:"checkContentType,omitempty"`
	LinkWhiteList          []string      `json:"linkWhiteList,omitempty"`
	LinkBlackList          []string      `json:"linkBlackList,omitempty"`
	LinkFallback           bool          `json:"linkFallback,omitempty"`
	MimeWhiteList          []string      `json:"mimeWhiteList,omitempty"`
	MimeBlackList          []string      `json:"mimeBlackList,omitempty"`
	MimeFallback           bool          `json:"mimeFallback,omitempty"`
	ProxyWhiteList         []string      `json:"proxyWhiteList,omitempty"`
	ProxyBlackList         []string      `json:"proxyBlackList,omitempty"`
	ProxyFallback          bool          `json:"proxyFallback,omitempty"`
	TimeCache              time.Duration `json:"timeCache,omitempty"`
	SeleniumWait           time.Duration `json:"seleniumWait,omitempty"`
	CrawlWait              time.Duration `json:"crawlWait,omitempty"`
	BootstrapWait          time.Duration `json:"bootstrapWait,omitempty"`
	MaxAttempt             int           `json:"maxAttempt,omitempty"`
	BackoffInitialDuration time.Duration `json:"backoffInitialDuration,omitempty"`
	BackoffMultiplier      float64       `json:"backoffMultiplier,omitempty"`
	BackoffMaxDuration     time.Duration `json:"backoffMaxDuration,omitempty"`
	Jitter                 time.Duration `json:"jitter,omitempty"`
	RandomSeed             int64         `json:"randomSeed,omitempty"`
	LockTimeout            time.Duration `json:"lockTimeout,omitempty"`
	RedisLock              bool          `json:"redisLock,omitempty"`
	BulkSize               int           `json:"bulkSize,omitempty"`
	MaxPool                int           `json:"maxPool,omitempty"`
	Timeout                time.Duration `json:"timeout,omitempty"`
	UserAgent              string        `json:"userAgent,omitempty"`
	RedisURL               string        `json:"redisUrl,omitempty"`
	DBURL                  string        `json:"dbUrl,omitempty"`
	APINewHost             string        `json:"apiNewHost,omitempty"`
	APIRequests            string        `json:"apiRequests,omitempty"`
	APISelenium            string        `json:"apiSelenium,omitempty"`
}

func newConfigFromDTO(dto configDTO) (Config, error) {
	cfg, err := WithDefault(dto.SeedURLs).Build()
	if err != nil {
		return Config{}, err
	}

	if dto.DataRoot != "" {
		cfg.dataRoot = dto.DataRoot
	}
	if dto.CPU != 0 {
		cfg.cpu = dto.CPU
	}
	cfg.reboot = dto.Reboot
	cfg.debug = dto.Debug
	cfg.force = dto.Force
	cfg.checkContentType = dto.CheckContentType
	if len(dto.LinkWhiteList) > 0 {
		cfg.linkWhiteList = dto.LinkWhiteList
	}
	if len(dto.LinkBlackList) > 0 {
		cfg.linkBlackList = dto.LinkBlackList
	}
	cfg.linkFallback = dto.LinkFallback
	if len(dto.MimeWhiteList) > 0 {
		cfg.mimeWhiteList = dto.MimeWhiteList
	}
	if len(dto.MimeBlackList) > 0 {
		cfg.mimeBlackList = dto.MimeBlackList
	}
	cfg.mimeFallback = dto.MimeFallback
	if len(dto.ProxyWhiteList) > 0 {
		cfg.proxyWhiteList = dto.ProxyWhiteList
	}
	if len(dto.ProxyBlackList) > 0 {
		cfg.proxyBlackList = dto.ProxyBlackList
	}
	cfg.proxyFallback = dto.ProxyFallback
	if dto.TimeCache != 0 {
		cfg.timeCache = dto.TimeCache
	}
	if dto.SeleniumWait != 0 {
		cfg.seleniumWait = dto.SeleniumWait
	}
	if dto.CrawlWait != 0 {
		cfg.crawlWait = dto.CrawlWait
	}
	if dto.BootstrapWait != 0 {
		cfg.bootstrapWait = dto.BootstrapWait
	}
	if dto.MaxAttempt != 0 {
		cfg.maxAttempt = dto.MaxAttempt
	}
	if dto.BackoffInitialDuration != 0 {
		cfg.backoffInitialDuration = dto.BackoffInitialDuration
	}
	if dto.BackoffMultiplier != 0 {
		cfg.backoffMultiplier = dto.BackoffMultiplier
	}
	if dto.BackoffMaxDuration != 0 {
		cfg.backoffMaxDuration = dto.BackoffMaxDuration
	}
	if dto.Jitter != 0 {
		cfg.jitter = dto.Jitter
	}
	if dto.RandomSeed != 0 {
		cfg.randomSeed = dto.RandomSeed
	}
	if dto.LockTimeout != 0 {
		cfg.lockTimeout = dto.LockTimeout
	}
	cfg.redisLock = dto.RedisLock
	if dto.BulkSize != 0 {
		cfg.bulkSize = dto.BulkSize
	}
	if dto.MaxPool != 0 {
		cfg.maxPool = dto.MaxPool
	}
	if dto.Timeout != 0 {
		cfg.timeout = dto.Timeout
	}
	if dto.UserAgent != "" {
		cfg.userAgent = dto.UserAgent
	}
	if dto.RedisURL != "" {
		cfg.redisURL = dto.RedisURL
	}
	if dto.DBURL != "" {
		cfg.dbURL = dto.DBURL
	}
	cfg.apiNewHost = dto.APINewHost
	cfg.apiRequests = dto.APIRequests
	cfg.apiSelenium = dto.APISelenium

	return cfg, nil
}

func WithConfigFile(path string) (Config, error) {
	_, err := os.Stat(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrFileDoesNotExist, err.Error())
	}
	configContent, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrReadConfigFail, err.Error())
	}
	cfgDTO := configDTO{}

	if err := json.Unmarshal(configContent, &cfgDTO); err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrConfigParsingFail, err.Error())
	}

	cfg, err := newConfigFromDTO(cfgDTO)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WithDefault creates a new Config with the provided seed URLs and darc's
// documented defaults for everything else.
// seedUrls is mandatory and must not be empty - Build returns an error if it is.
func WithDefault(seedUrls []url.URL) *Config {
	defaultConfig := Config{
		seedURLs:               seedUrls,
		dataRoot:                "data",
		cpu:                    1,
		reboot:                 false,
		debug:                  false,
		force:                  false,
		checkContentType:       true,
		linkFallback:           true,
		mimeFallback:           true,
		proxyFallback:          true,
		timeCache:              time.Hour,
		seleniumWait:           2 * time.Second,
		crawlWait:              500 * time.Millisecond,
		bootstrapWait:          time.Second,
		maxAttempt:             3,
		backoffInitialDuration: 100 * time.Millisecond,
		backoffMultiplier:      2.0,
		backoffMaxDuration:     10 * time.Second,
		jitter:                 250 * time.Millisecond,
		randomSeed:             time.Now().UnixNano(),
		lockTimeout:            10 * time.Minute,
		redisLock:              true,
		bulkSize:               100,
		maxPool:                50,
		timeout:                30 * time.Second,
		userAgent:              "darc-crawler/1.0",
	}
	return &defaultConfig
}

func (c *Config) WithSeedUrls(urls []url.URL) *Config   { c.seedURLs = urls; return c }
func (c *Config) WithDataRoot(root string) *Config      { c.dataRoot = root; return c }
func (c *Config) WithCPU(cpu int) *Config               { c.cpu = cpu; return c }
func (c *Config) WithReboot(reboot bool) *Config        { c.reboot = reboot; return c }
func (c *Config) WithDebug(debug bool) *Config           { c.debug = debug; return c }
func (c *Config) WithForce(force bool) *Config           { c.force = force; return c }
func (c *Config) WithCheckContentType(check bool) *Config {
	c.checkContentType = check
	return c
}
func (c *Config) WithLinkWhiteList(v []string) *Config  { c.linkWhiteList = v; return c }
func (c *Config) WithLinkBlackList(v []string) *Config  { c.linkBlackList = v; return c }
func (c *Config) WithLinkFallback(v bool) *Config       { c.linkFallback = v; return c }
func (c *Config) WithMimeWhiteList(v []string) *Config  { c.mimeWhiteList = v; return c }
func (c *Config) WithMimeBlackList(v []string) *Config  { c.mimeBlackList = v; return c }
func (c *Config) WithMimeFallback(v bool) *Config       { c.mimeFallback = v; return c }
func (c *Config) WithProxyWhiteList(v []string) *Config { c.proxyWhiteList = v; return c }
func (c *Config) WithProxyBlackList(v []string) *Config { c.proxyBlackList = v; return c }
func (c *Config) WithProxyFallback(v bool) *Config      { c.proxyFallback = v; return c }
func (c *Config) WithTimeCache(d time.Duration) *Config { c.timeCache = d; return c }
func (c *Config) WithSeleniumWait(d time.Duration) *Config { c.seleniumWait = d; return c }
func (c *Config) WithCrawlWait(d time.Duration) *Config    { c.crawlWait = d; return c }
func (c *Config) WithBootstrapWait(d time.Duration) *Config {
	c.bootstrapWait = d
	return c
}
func (c *Config) WithMaxAttempt(n int) *Config { c.maxAttempt = n; return c }
func (c *Config) WithBackoffInitialDuration(d time.Duration) *Config {
	c.backoffInitialDuration = d
	return c
}
func (c *Config) WithBackoffMultiplier(m float64) *Config { c.backoffMultiplier = m; return c }
func (c *Config) WithBackoffMaxDuration(d time.Duration) *Config {
	c.backoffMaxDuration = d
	return c
}
func (c *Config) WithJitter(j time.Duration) *Config      { c.jitter = j; return c }
func (c *Config) WithRandomSeed(seed int64) *Config       { c.randomSeed = seed; return c }
func (c *Config) WithLockTimeout(d time.Duration) *Config { c.lockTimeout = d; return c }
func (c *Config) WithRedisLock(v bool) *Config            { c.redisLock = v; return c }
func (c *Config) WithBulkSize(n int) *Config              { c.bulkSize = n; return c }
func (c *Config) WithMaxPool(n int) *Config               { c.maxPool = n; return c }
func (c *Config) WithTimeout(t time.Duration) *Config     { c.timeout = t; return c }
func (c *Config) WithUserAgent(agent string) *Config      { c.userAgent = agent; return c }
func (c *Config) WithRedisURL(url string) *Config         { c.redisURL = url; return c }
func (c *Config) WithDBURL(url string) *Config            { c.dbURL = url; return c }
func (c *Config) WithAPINewHost(url string) *Config       { c.apiNewHost = url; return c }
func (c *Config) WithAPIRequests(url string) *Config      { c.apiRequests = url; return c }
func (c *Config) WithAPISelenium(url string) *Config      { c.apiSelenium = url; return c }

func (c *Config) Build() (Config, error) {
	if len(c.seedURLs) == 0 {
		return Config{}, fmt.Errorf("%w: seedUrls cannot be empty", ErrInvalidConfig)
	}
	return *c, nil
}

func (c Config) SeedURLs() []url.URL {
	urls := make([]url.URL, len(c.seedURLs))
	copy(urls, c.seedURLs)
	return urls
}

func (c Config) DataRoot() string           { return c.dataRoot }
func (c Config) CPU() int                   { return c.cpu }
func (c Config) Reboot() bool               { return c.reboot }
func (c Config) Debug() bool                { return c.debug }
func (c Config) Force() bool                { return c.force }
func (c Config) CheckContentType() bool     { return c.checkContentType }
func (c Config) LinkWhiteList() []string    { return append([]string(nil), c.linkWhiteList...) }
func (c Config) LinkBlackList() []string    { return append([]string(nil), c.linkBlackList...) }
func (c Config) LinkFallback() bool         { return c.linkFallback }
func (c Config) MimeWhiteList() []string    { return append([]string(nil), c.mimeWhiteList...) }
func (c Config) MimeBlackList() []string    { return append([]string(nil), c.mimeBlackList...) }
func (c Config) MimeFallback() bool         { return c.mimeFallback }
func (c Config) ProxyWhiteList() []string   { return append([]string(nil), c.proxyWhiteList...) }
func (c Config) ProxyBlackList() []string   { return append([]string(nil), c.proxyBlackList...) }
func (c Config) ProxyFallback() bool        { return c.proxyFallback }
func (c Config) TimeCache() time.Duration   { return c.timeCache }
func (c Config) SeleniumWait() time.Duration { return c.seleniumWait }
func (c Config) CrawlWait() time.Duration    { return c.crawlWait }
func (c Config) BootstrapWait() time.Duration {
	return c.bootstrapWait
}
func (c Config) MaxAttempt() int                     { return c.maxAttempt }
func (c Config) BackoffInitialDuration() time.Duration { return c.backoffInitialDuration }
func (c Config) BackoffMultiplier() float64            { return c.backoffMultiplier }
func (c Config) BackoffMaxDuration() time.Duration     { return c.backoffMaxDuration }
func (c Config) Jitter() time.Duration                 { return c.jitter }
func (c Config) RandomSeed() int64                     { return c.randomSeed }
func (c Config) LockTimeout() time.Duration            { return c.lockTimeout }
func (c Config) RedisLock() bool                       { return c.redisLock }
func (c Config) BulkSize() int                         { return c.bulkSize }
func (c Config) MaxPool() int                          { return c.maxPool }
func (c Config) Timeout() time.Duration                { return c.timeout }
func (c Config) UserAgent() string                     { return c.userAgent }
func (c Config) RedisURL() string                      { return c.redisURL }
func (c Config) DBURL() string                         { return c.dbURL }
func (c Config) APINewHost() string                    { return c.apiNewHost }
func (c Config) APIRequests() string                   { return c.apiRequests }
func (c Config) APISelenium() string                   { return c.apiSelenium }
