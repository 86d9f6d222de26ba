package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	u "net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tanq16/segget/internal/engine"
	"github.com/tanq16/segget/internal/output"
	"github.com/tanq16/segget/internal/scheduler"
	"github.com/tanq16/segget/internal/source"
	"github.com/tanq16/segget/internal/storage"
	"github.com/tanq16/segget/internal/utils"
)

var (
	outputPath    string
	connections   int
	retries       int
	timeout       time.Duration
	kaTimeout     time.Duration
	userAgent     string
	proxyURL      string
	proxyUsername string
	proxyPassword string
	headers       []string
	bearerToken   string
	cookies       bool
	awsProfile    string
	urlListFile   string
	numLinks      int
	configFile    string
	debug         bool
	logToFile     bool
)

var SeggetVersion = "dev"

const maxConnections = 64

var rootCmd = &cobra.Command{
	Use:     "segget [URL]",
	Short:   "segget is a resumable, segmented download manager",
	Version: SeggetVersion,
	Args:    cobra.MaximumNArgs(1),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
		if logToFile {
			f, err := os.OpenFile(utils.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				log.Warn().Str("op", "cmd/root").Err(err).Msg("Cannot open log file, logging to stderr")
				return
			}
			utils.SetLogOutput(f)
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 0 && urlListFile == "" {
			output.PrintError("No URL or URL list provided")
			os.Exit(1)
		}
		if urlListFile != "" && len(args) > 0 {
			output.PrintError("Cannot specify url argument and --urllist together, choose one")
			os.Exit(1)
		}
		var entries []utils.DownloadEntry
		if len(args) > 0 {
			if _, err := u.Parse(args[0]); err != nil {
				output.PrintError("Invalid URL format")
				os.Exit(1)
			}
			entries = []utils.DownloadEntry{{URL: args[0], OutputPath: outputPath}}
		} else {
			var err error
			entries, err = utils.ReadDownloadList(urlListFile)
			if err != nil {
				output.PrintError(fmt.Sprintf("Failed to read URL list file: %v", err))
				os.Exit(1)
			}
		}
		cfg, err := engineConfig(cmd)
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		src, err := newSource(ctx, entries, cfg.Segments)
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		if err := run(ctx, entries, src, cfg); err != nil {
			log.Debug().Str("op", "cmd/root").Err(err).Msg("Downloads failed")
			fmt.Println()
			output.PrintError("Encountered failed or stopped download(s)")
			os.Exit(1)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (segget infers file name if not provided)")
	rootCmd.Flags().StringVarP(&urlListFile, "urllist", "l", "", "Path to YAML file containing URLs and output paths")
	rootCmd.Flags().IntVarP(&numLinks, "workers", "w", 1, "Number of links to download in parallel")
	rootCmd.Flags().IntVarP(&connections, "connections", "c", 4, "Number of segments per download (above 8 enables high-thread-mode)")
	rootCmd.Flags().IntVar(&retries, "retries", 5, "Consecutive retryable failures tolerated per connection (negative disables retrying)")
	rootCmd.Flags().DurationVarP(&timeout, "timeout", "t", 3*time.Minute, "Connection timeout (eg. 5s, 10m)")
	rootCmd.Flags().DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	rootCmd.Flags().StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent ('randomize' picks a browser agent)")
	rootCmd.Flags().StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	rootCmd.Flags().StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	rootCmd.Flags().StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	rootCmd.Flags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	rootCmd.Flags().StringVar(&bearerToken, "token", "", "OAuth2 bearer token sent with every request")
	rootCmd.Flags().BoolVar(&cookies, "cookies", false, "Keep cookies set by the server across requests")
	rootCmd.Flags().StringVar(&awsProfile, "profile", "", "AWS profile for s3:// URLs")
	rootCmd.Flags().StringVar(&configFile, "config", "", "YAML file with engine settings (segments, retry policy, chunk size)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-file", false, "Write logs to "+utils.LogFile+" instead of stderr")

	rootCmd.AddCommand(newCleanCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// engineConfig layers explicitly set flags over the config file.
func engineConfig(cmd *cobra.Command) (engine.Config, error) {
	cfg := engine.DefaultConfig()
	if configFile != "" {
		var err error
		if cfg, err = engine.LoadConfig(configFile); err != nil {
			return cfg, err
		}
	}
	if cmd.Flags().Changed("connections") || configFile == "" {
		cfg.Segments = max(connections, 1)
	}
	if cmd.Flags().Changed("retries") {
		cfg.Retry.MaxRetries = retries
	}
	if numLinks > 1 && numLinks*cfg.Segments > maxConnections {
		cfg.Segments = max(maxConnections/numLinks, 1)
	}
	return cfg, nil
}

func httpClientConfig(segments int) utils.HTTPClientConfig {
	agent := userAgent
	if agent == "randomize" {
		agent = utils.GetRandomUserAgent()
	}
	proxy, user, pass := proxyURL, proxyUsername, proxyPassword
	parsedProxy, err := u.Parse(proxy)
	if err == nil && parsedProxy.User != nil && user == "" {
		user = parsedProxy.User.Username()
		if password, set := parsedProxy.User.Password(); set {
			pass = password
		}
		parsedProxy.User = nil
		proxy = parsedProxy.String()
	}
	return utils.HTTPClientConfig{
		Timeout:        timeout,
		KATimeout:      kaTimeout,
		ProxyURL:       proxy,
		ProxyUsername:  user,
		ProxyPassword:  pass,
		UserAgent:      agent,
		Headers:        utils.ParseHeaderArgs(headers),
		BearerToken:    bearerToken,
		Cookies:        cookies,
		HighThreadMode: segments > 8,
	}
}

// newSource routes http(s) through the HTTP client and, when any entry needs
// it, s3:// through the AWS SDK. SDK retries are disabled so the engine's
// retry policy is the only one in effect.
func newSource(ctx context.Context, entries []utils.DownloadEntry, segments int) (source.Source, error) {
	mux := source.NewMux().Handle(source.NewHTTP(utils.NewHTTPClient(httpClientConfig(segments))), "http", "https")
	for _, e := range entries {
		if !strings.HasPrefix(e.URL, "s3://") {
			continue
		}
		opts := []func(*config.LoadOptions) error{config.WithRetryMaxAttempts(1)}
		if awsProfile != "" {
			opts = append(opts, config.WithSharedConfigProfile(awsProfile))
		}
		awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("error loading AWS config: %w", err)
		}
		mux.Handle(source.NewS3(s3.NewFromConfig(awsCfg)), "s3")
		break
	}
	return mux, nil
}

type savedState struct {
	dir  storage.Directory
	file string
}

// stateName keys saved state on what was asked for rather than on the file
// finally written, which may have been renamed or named by the server.
func stateName(job scheduler.Job) string {
	if job.OutputPath != "" {
		return filepath.Base(job.OutputPath)
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(job.URL)).String()
}

// run downloads entries through the scheduler. Stopped or failed downloads
// leave a state file next to their part files so the same command resumes
// them; finished ones remove it.
func run(ctx context.Context, entries []utils.DownloadEntry, src source.Source, cfg engine.Config) error {
	var saved sync.Map
	build := func(job scheduler.Job) (*engine.Engine, error) {
		root, name := ".", ""
		if job.OutputPath != "" {
			root, name = filepath.Dir(job.OutputPath), filepath.Base(job.OutputPath)
		}
		dir := storage.NewOSDirectory(root)
		stateFile := cfg.StateFile(stateName(job))
		saved.Store(job.ID, savedState{dir: dir, file: stateFile})
		info := engine.NewDownloadInfo(job.URL, name)
		snap, err := engine.LoadSnapshot(dir, stateFile)
		switch {
		case err == nil && snap.URL == job.URL:
			log.Info().Str("op", "cmd/root").Str("target", snap.Target).Int64("bytes", snap.Count).Msg("Resuming previous download")
			info = engine.RestoreDownloadInfo(snap)
		case err == nil:
			log.Warn().Str("op", "cmd/root").Str("state", stateFile).Msg("Saved state belongs to another URL, ignoring it")
		case !errors.Is(err, fs.ErrNotExist):
			log.Warn().Str("op", "cmd/root").Str("state", stateFile).Err(err).Msg("Unreadable saved state, starting fresh")
		}
		return engine.New(info, dir, src, cfg), nil
	}

	jobs := make([]scheduler.Job, 0, len(entries))
	for _, e := range entries {
		jobs = append(jobs, scheduler.NewJob(e.URL, e.OutputPath))
	}
	log.Debug().Str("op", "cmd/root").Msgf("Starting scheduler with %d jobs", len(jobs))
	results, err := scheduler.New(numLinks, build, output.NewManager()).Run(ctx, jobs)

	for _, r := range results {
		v, ok := saved.Load(r.Job.ID)
		if !ok || r.Snapshot.Target == "" {
			continue
		}
		st := v.(savedState)
		if r.Snapshot.State == engine.StateDone {
			if err := st.dir.Delete(st.file); err != nil {
				log.Warn().Str("op", "cmd/root").Err(err).Msg("Failed to remove state file")
			}
			continue
		}
		if err := engine.SaveSnapshot(st.dir, st.file, r.Snapshot); err != nil {
			log.Error().Str("op", "cmd/root").Err(err).Msg("Failed to save download state")
		}
	}
	return err
}
