package cmd

import (
	"context"
	"errors"
	"fmt"
	u "net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrel-dl/kestrel/internal/config"
	"github.com/kestrel-dl/kestrel/internal/engine"
	"github.com/kestrel-dl/kestrel/internal/errdefs"
	"github.com/kestrel-dl/kestrel/internal/output"
	"github.com/kestrel-dl/kestrel/internal/postproc"
	"github.com/kestrel-dl/kestrel/internal/sources"
	"github.com/kestrel-dl/kestrel/internal/sources/httpsrc"
	"github.com/kestrel-dl/kestrel/internal/sources/s3src"
	"github.com/kestrel-dl/kestrel/internal/utils"
)

var (
	configFile    string
	outputPath    string
	format        string
	quality       string
	audioOnly     bool
	expectDigest  string
	workers       int
	fragments     int
	retries       int
	rateLimit     int64
	timeout       time.Duration
	kaTimeout     time.Duration
	userAgent     string
	proxyURL      string
	proxyUsername string
	proxyPassword string
	headers       []string
	noVerifySSL   bool
	failFast      bool
	ffmpegPath    string
	debug         bool
)

var KestrelVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "kestrel [URL]...",
	Short:   "Kestrel is a resumable media download orchestrator",
	Version: KestrelVersion,
	Args:    cobra.ArbitraryArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 0 {
			output.PrintError("No URL provided")
			os.Exit(1)
		}
		for _, arg := range args {
			if _, err := u.Parse(arg); err != nil {
				output.PrintError(fmt.Sprintf("Invalid URL: %s", arg))
				os.Exit(1)
			}
		}
		opts := config.DownloadOptions{
			Format:     format,
			Quality:    quality,
			AudioOnly:  audioOnly,
			OutputPath: outputPath,
			Digest:     expectDigest,
		}
		reqs := make([]engine.Request, len(args))
		for i, arg := range args {
			reqs[i] = engine.Request{URL: arg, Options: opts}
		}
		runBatch(reqs)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Path to YAML settings file")
	pf.IntVarP(&workers, "workers", "w", config.DefaultConcurrentDownloads, "Number of downloads to run in parallel")
	pf.IntVarP(&fragments, "connections", "c", config.DefaultConcurrentFragments, "Number of connections per download")
	pf.IntVarP(&retries, "retries", "r", config.DefaultRetryAttempts, "Retry attempts per chunk before giving up")
	pf.Int64Var(&rateLimit, "rate-limit", 0, "Per-download rate limit in bytes/sec (0 disables)")
	pf.DurationVarP(&timeout, "timeout", "t", config.DefaultReadTimeout, "Connection timeout (eg. 5s, 10m)")
	pf.DurationVarP(&kaTimeout, "keep-alive-timeout", "k", config.DefaultKeepAliveTimeout, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	pf.StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent ('randomize' picks a browser agent)")
	pf.StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	pf.StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	pf.StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	pf.StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	pf.BoolVar(&noVerifySSL, "no-verify-ssl", false, "Skip TLS certificate verification")
	pf.BoolVar(&failFast, "fail-fast", false, "Stop the whole batch on the first failure")
	pf.StringVar(&ffmpegPath, "ffmpeg", "", "Path to ffmpeg for post-processing (empty disables)")
	pf.BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (kestrel infers file name if not provided)")
	rootCmd.Flags().StringVarP(&format, "format", "f", "", "Target container format (eg. mp4, mkv)")
	rootCmd.Flags().StringVarP(&quality, "quality", "q", "", "Requested quality (eg. 1080p)")
	rootCmd.Flags().BoolVar(&audioOnly, "audio-only", false, "Extract audio only")
	rootCmd.Flags().StringVar(&expectDigest, "digest", "", "Expected SHA-256 of the finished file")

	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newSessionsCmd())
	rootCmd.AddCommand(newCleanCmd())
}

// buildSettings folds the config file and the flags into one settings value.
func buildSettings() (config.Settings, error) {
	settings := config.Default()
	if configFile != "" {
		var err error
		settings, err = config.LoadSettingsFile(configFile, settings)
		if err != nil {
			return settings, err
		}
	}
	settings.ConcurrentDownloads = workers
	settings.ConcurrentFragments = fragments
	settings.RetryAttempts = retries
	settings.RateLimit = rateLimit
	settings.ReadTimeout = timeout
	settings.KeepAliveTimeout = kaTimeout
	settings.VerifySSL = !noVerifySSL
	settings.ContinueOnError = !failFast
	if ffmpegPath != "" {
		settings.ProcessorPath = ffmpegPath
	}
	if userAgent == "randomize" {
		userAgent = utils.GetRandomUserAgent()
	}
	settings.UserAgent = userAgent
	// Proxy auth may ride in the URL itself.
	if parsedProxy, err := u.Parse(proxyURL); err == nil && parsedProxy.User != nil && proxyUsername == "" {
		proxyUsername = parsedProxy.User.Username()
		if password, set := parsedProxy.User.Password(); set {
			proxyPassword = password
		}
		parsedProxy.User = nil
		proxyURL = parsedProxy.String()
	}
	settings.ProxyURL = proxyURL
	settings.ProxyUsername = proxyUsername
	settings.ProxyPassword = proxyPassword
	settings.Headers = utils.ParseHeaderArgs(headers)
	return settings, settings.Validate()
}

// buildEngine wires the source registry, processor and session store from
// the resolved settings.
func buildEngine(settings config.Settings) (*engine.Engine, error) {
	store, err := sessionStore(settings)
	if err != nil {
		return nil, err
	}
	client := utils.NewKestrelHTTPClient(utils.HTTPClientConfig{
		Timeout:        settings.ReadTimeout,
		KATimeout:      settings.KeepAliveTimeout,
		ProxyURL:       settings.ProxyURL,
		ProxyUsername:  settings.ProxyUsername,
		ProxyPassword:  settings.ProxyPassword,
		UserAgent:      settings.UserAgent,
		Headers:        settings.Headers,
		VerifySSL:      settings.VerifySSL,
		HighThreadMode: settings.ConcurrentFragments > 8,
	})
	registry := sources.NewRegistry()
	httpsrc.New(client).Register(registry)
	s3src.New().Register(registry)

	var processor postproc.Processor
	if settings.ProcessorPath != "" {
		processor = postproc.NewFFmpeg(settings.ProcessorPath)
	}
	return engine.New(settings, store, registry, processor)
}

// runBatch drives a set of download requests under the live display and
// exits with the taxonomy code of the worst failure.
func runBatch(reqs []engine.Request) {
	output.InitLogger(debug)
	settings, err := buildSettings()
	if err != nil {
		output.PrintError(err.Error())
		os.Exit(errdefs.ExitCode(err))
	}
	eng, err := buildEngine(settings)
	if err != nil {
		output.PrintError(err.Error())
		os.Exit(errdefs.ExitCode(err))
	}

	manager := output.NewManager()
	eng.OnSession = manager.Track
	eng.OnProgress = func(sessionID string, downloaded, total int64) {
		manager.Progress(sessionID, downloaded, total, eng.Speed())
	}
	if !debug {
		manager.StartDisplay()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		// First signal pauses in-flight sessions so they stay resumable
		// and stops dispatching queued requests.
		eng.PauseAll()
		cancel()
		<-sigCh
		// Second signal forces exit without waiting for sessions to settle.
		os.Exit(1)
	}()

	results, batchErr := eng.DownloadRequests(ctx, reqs)
	for _, res := range results {
		id := res.SessionID
		if id == "" {
			// Session creation itself failed; track under the URL so the
			// failure still shows up in the summary.
			id = res.URL
			manager.Track(id, res.URL)
		}
		switch {
		case res.Err == nil:
			manager.Complete(id, fmt.Sprintf("Completed %s", res.URL))
		case errors.Is(res.Err, context.Canceled):
			manager.Paused(id)
		default:
			manager.Failed(id, res.Err)
		}
	}
	if !debug {
		manager.StopDisplay()
	}

	exit := 0
	for _, res := range results {
		if res.Err != nil && !errors.Is(res.Err, context.Canceled) {
			if code := errdefs.ExitCode(res.Err); code > exit {
				exit = code
			}
		}
	}
	if batchErr != nil && exit == 0 {
		exit = errdefs.ExitCode(batchErr)
	}
	if exit != 0 {
		os.Exit(exit)
	}
}
