package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"referral-probe/pkg/api"
	"referral-probe/pkg/config"
	"referral-probe/pkg/connectivity"
	"referral-probe/pkg/ipinfo"
	"referral-probe/pkg/report"
	"referral-probe/pkg/targets"
)

var (
	debugFlag bool
	userFlag  string
	logger    *slog.Logger
	cfg       *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "referral-probe",
	Short: "Fetch referral links and check whether they are reachable",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logLevel slog.Level
		if debugFlag {
			logLevel = slog.LevelDebug
		} else {
			logLevel = slog.LevelInfo
		}

		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)

		var err error
		cfg, err = config.Load(viper.GetViper())
		if err != nil {
			logger.Error("Invalid configuration", "error", err)
			os.Exit(1)
		}
	},
}

// run builds the app for the duration of one command. SIGINT and SIGTERM
// cancel the context handed to fn.
func run(fn func(ctx context.Context, a *app) error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		logger.Error("Error initializing", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := fn(ctx, a); err != nil {
		logger.Error("Command failed", "error", err)
		a.Close()
		os.Exit(1)
	}
}

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List the accounts found in the credential store",
	Run: func(cmd *cobra.Command, args []string) {
		run(func(ctx context.Context, a *app) error {
			names := a.creds.Names()
			if len(names) == 0 {
				return errors.New("no accounts configured, set COOKIE_<NAME> or SESSION_COOKIE")
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		})
	},
}

var getLinkCmd = &cobra.Command{
	Use:   "getlink [account]",
	Short: "Fetch the referral link of an account",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		run(func(ctx context.Context, a *app) error {
			result, err := a.controller.GetLink(ctx, userFlag, args[0])
			if err != nil {
				return err
			}
			fmt.Println(report.FormatReferral(result))
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats [account]",
	Short: "Show player statistics, commissions and the downline of an account",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		run(func(ctx context.Context, a *app) error {
			referral, downline, err := a.controller.Stats(ctx, userFlag, args[0])
			if err != nil {
				return err
			}
			fmt.Println(report.FormatStats(referral, downline))
			return nil
		})
	},
}

var checkLinkCmd = &cobra.Command{
	Use:   "checklink [account]",
	Short: "Fetch the referral link of an account and check its accessibility",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		run(func(ctx context.Context, a *app) error {
			referral, r, err := a.controller.CheckAccountLink(ctx, userFlag, args[0])
			if err != nil {
				return err
			}
			fmt.Println(report.FormatReferral(referral))
			fmt.Println(report.FormatCheck(r, a.analyzer.PoolNames()))
			return nil
		})
	},
}

var checkURLCmd = &cobra.Command{
	Use:     "checkurl [url]",
	Short:   "Check whether a URL is blocked by the target ISP",
	Example: "checkurl https://example.com",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		owners, _ := cmd.Flags().GetBool("owners")
		run(func(ctx context.Context, a *app) error {
			r, err := a.analyzer.CheckLink(ctx, args[0], timeout)
			if err != nil {
				return err
			}
			fmt.Println(report.FormatCheck(r, a.analyzer.PoolNames()))
			if !owners {
				return nil
			}

			// Addresses answered by the target pool are often the ISP's block page.
			ips := r.PerResolverPool[cfg.Analyzer.TargetPool].Addresses()
			if len(ips) == 0 {
				logger.Info("Target pool returned no addresses", "pool", cfg.Analyzer.TargetPool)
				return nil
			}
			info, err := ipinfo.NewClient(cfg.IPInfo.BaseURL, cfg.IPInfo.Token).LookupAll(ctx, ips)
			if err != nil {
				logger.Warn("Some address lookups failed", "error", err)
			}
			fmt.Println(report.FormatOwners(info))
			return nil
		})
	},
}

var checkFileCmd = &cobra.Command{
	Use:   "checkfile [file]",
	Short: "Check every URL listed in a file, one per line",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		run(func(ctx context.Context, a *app) error {
			urls, err := targets.LoadFile(args[0])
			if err != nil {
				return err
			}
			if len(urls) == 0 {
				return fmt.Errorf("no URLs in %s", args[0])
			}
			bulk := a.analyzer.CheckMultiple(ctx, urls, logProgress)
			fmt.Println(report.FormatBulk(bulk))
			return nil
		})
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan [account]",
	Short: "Fetch the referral link repeatedly and check every distinct link found",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		run(func(ctx context.Context, a *app) error {
			result, err := a.controller.BulkScan(ctx, userFlag, args[0], logProgress)
			if err != nil {
				return err
			}
			logger.Info("Scan finished", "cancelled", result.Cancelled, "newLinks", result.NewLinks, "links", len(result.Links))
			if result.Report != nil {
				fmt.Println(report.FormatBulk(result.Report))
			}
			return nil
		})
	},
}

var resolversCmd = &cobra.Command{
	Use:   "resolvers",
	Short: "Check that every configured DNS resolver answers from this network",
	Run: func(cmd *cobra.Command, args []string) {
		run(func(ctx context.Context, a *app) error {
			reports := connectivity.CheckHealth(ctx, a.factory, cfg.Analyzer.Pools, cfg.Analyzer.HealthDomain)
			fmt.Println(report.FormatHealth(reports))
			for _, r := range reports {
				if r.Pool == cfg.Analyzer.TargetPool && !r.Healthy {
					logger.Warn("Target pool resolver is unreachable, its failures will look like blocking",
						"resolver", r.Resolver, "error", r.Error.Summary())
				}
			}
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show stored checks and referral fetches",
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		status, _ := cmd.Flags().GetString("status")
		summary, _ := cmd.Flags().GetBool("summary")
		referrals, _ := cmd.Flags().GetBool("referrals")
		account, _ := cmd.Flags().GetString("account")

		run(func(ctx context.Context, a *app) error {
			if a.db == nil {
				return errors.New("history needs database.enabled")
			}
			switch {
			case summary:
				counts, err := a.db.ClassificationCounts(ctx)
				if err != nil {
					return err
				}
				fmt.Println(report.FormatCounts(counts))
			case referrals:
				records, err := a.db.RecentReferrals(ctx, account, limit)
				if err != nil {
					return err
				}
				fmt.Println(report.FormatReferralHistory(records))
			default:
				records, err := a.db.RecentReports(ctx, limit, strings.ToUpper(status))
				if err != nil {
					return err
				}
				fmt.Println(report.FormatHistory(records))
			}
			return nil
		})
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Run: func(cmd *cobra.Command, args []string) {
		run(func(ctx context.Context, a *app) error {
			handler := api.NewRouter(api.Deps{
				Controller: a.controller,
				Analyzer:   a.analyzer,
				Accounts:   a.creds,
				Gatherer:   a.registry,
				StartTime:  time.Now(),
			})
			srv := api.NewServer(cfg.Server.Listen, handler)

			errCh := make(chan error, 1)
			go func() {
				logger.Info("Listening", "addr", srv.Addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return err
			}
			if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	},
}

func logProgress(done, total int) {
	logger.Info("Progress", "done", done, "total", total)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&userFlag, "user", "u", "cli", "Session owner the command runs as")
	checkURLCmd.Flags().Bool("owners", false, "Look up the network owner of the target pool's answers")
	checkURLCmd.Flags().Duration("timeout", 0, "Overall check timeout (default analyzer.overall_timeout)")
	historyCmd.Flags().Int("limit", 20, "Number of records to show")
	historyCmd.Flags().String("status", "", "Only show checks with this classification")
	historyCmd.Flags().Bool("summary", false, "Show the number of checks per classification")
	historyCmd.Flags().Bool("referrals", false, "Show referral fetches instead of checks")
	historyCmd.Flags().String("account", "", "Only show referral fetches of this account")

	rootCmd.AddCommand(accountsCmd)
	rootCmd.AddCommand(getLinkCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(checkLinkCmd)
	rootCmd.AddCommand(checkURLCmd)
	rootCmd.AddCommand(checkFileCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(resolversCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(serveCmd)
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.referral-probe")
	viper.AddConfigPath("/etc/referral-probe/")

	config.SetDefaults(viper.GetViper())
	viper.SetEnvPrefix("REFERRAL_PROBE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Printf("Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
