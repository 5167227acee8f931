package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mohitkumar/engage/agent"
	"github.com/mohitkumar/engage/analytics"
	"github.com/mohitkumar/engage/config"
	"github.com/mohitkumar/engage/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type cfg struct {
	config.Config
}
type cli struct {
	cfg cfg
}

func setupFlags(cmd *cobra.Command) error {
	defaults := config.Default()
	dc := defaults.DispatchConfig
	fc := defaults.FlowConfig
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().String("storage-impl", string(defaults.StorageType), "relational store: postgres or sqlite")
	cmd.Flags().String("dsn", defaults.DatabaseConfig.DSN, "database connection string")
	cmd.Flags().Int("max-open-conns", defaults.DatabaseConfig.MaxOpenConns, "maximum open database connections")
	cmd.Flags().Bool("auto-migrate", defaults.DatabaseConfig.AutoMigrate, "migrate the schema on startup")
	cmd.Flags().String("lock-impl", string(defaults.LockType), "lease implementation: redis or memory")
	cmd.Flags().String("redis-addr", strings.Join(defaults.RedisConfig.Addrs, ","), "comma separated list of redis host:port")
	cmd.Flags().String("namespace", defaults.RedisConfig.Namespace, "namespace used for redis keys")
	cmd.Flags().String("redis-password", "", "redis password")
	cmd.Flags().Int("redis-pool-size", 0, "redis connection pool size, 0 for the client default")
	cmd.Flags().Duration("tick-interval", dc.TickInterval, "dispatch queue tick interval")
	cmd.Flags().Duration("min-human-delay", dc.MinHumanDelay, "minimum pause before each send")
	cmd.Flags().Duration("max-human-delay", dc.MaxHumanDelay, "maximum pause before each send")
	cmd.Flags().Duration("send-timeout", dc.SendTimeout, "timeout of a single channel send")
	cmd.Flags().Int("max-retries", dc.MaxRetries, "send attempts before a job fails")
	cmd.Flags().Duration("initial-backoff", dc.InitialBackoff, "delay before the first retry")
	cmd.Flags().Duration("max-backoff", dc.MaxBackoff, "upper bound of the retry delay")
	cmd.Flags().Int("daily-cap", dc.DailyCap, "messages per channel per day, 0 disables the cap")
	cmd.Flags().String("cap-timezone", "UTC", "timezone of the daily cap window")
	cmd.Flags().Duration("retention", dc.Retention, "how long sent and failed jobs are kept")
	cmd.Flags().Duration("purge-interval", dc.PurgeInterval, "interval of the job purge")
	cmd.Flags().Int("lanes", dc.Lanes, "parallel dispatch lanes")
	cmd.Flags().Int("max-hops", fc.MaxHops, "nodes one advance may visit before the journey is abandoned")
	cmd.Flags().Duration("resume-interval", fc.ResumeInterval, "interval of the delay wake-up sweep")
	cmd.Flags().Duration("resume-retry-delay", fc.ResumeRetryDelay, "how far a failed wake-up is pushed back")
	cmd.Flags().Duration("await-input-timeout", fc.AwaitInputTimeout, "time on a question node after which the contact is abandoned")
	cmd.Flags().Duration("eval-timeout", fc.EvalTimeout, "upper bound of one guard or script evaluation")
	cmd.Flags().Duration("stale-sweep-interval", fc.StaleSweepInterval, "interval of the stale contact sweep")
	cmd.Flags().Int("event-workers", defaults.EventWorkers, "inbound event workers")
	cmd.Flags().String("data-collector", string(analytics.NOOP_DATA_COLLECTOR), "analytics data collector")
	cmd.Flags().String("data-collector-file", "engage-analytics.log", "output file of the log file data collector")
	cmd.Flags().Bool("tracing", false, "export traces")
	cmd.Flags().String("tracing-file", "", "trace output file, stdout when empty")
	cmd.Flags().String("log-level", defaults.LogLevel, "log level")
	cmd.Flags().Bool("development", false, "development logging")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	var err error

	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err = viper.ReadInConfig(); err != nil {
			// it's ok if config file doesn't exist
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return err
			}
		}
	}
	viper.SetEnvPrefix("ENGAGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	loc, err := time.LoadLocation(viper.GetString("cap-timezone"))
	if err != nil {
		return err
	}

	c.cfg.Config = config.Default()
	c.cfg.StorageType = config.StorageType(viper.GetString("storage-impl"))
	c.cfg.DatabaseConfig.DSN = viper.GetString("dsn")
	c.cfg.DatabaseConfig.MaxOpenConns = viper.GetInt("max-open-conns")
	c.cfg.DatabaseConfig.AutoMigrate = viper.GetBool("auto-migrate")
	c.cfg.LockType = config.LockType(viper.GetString("lock-impl"))
	c.cfg.RedisConfig.Addrs = strings.Split(viper.GetString("redis-addr"), ",")
	c.cfg.RedisConfig.Namespace = viper.GetString("namespace")
	c.cfg.RedisConfig.Password = viper.GetString("redis-password")
	c.cfg.RedisConfig.PoolSize = viper.GetInt("redis-pool-size")

	c.cfg.DispatchConfig.TickInterval = viper.GetDuration("tick-interval")
	c.cfg.DispatchConfig.MinHumanDelay = viper.GetDuration("min-human-delay")
	c.cfg.DispatchConfig.MaxHumanDelay = viper.GetDuration("max-human-delay")
	c.cfg.DispatchConfig.SendTimeout = viper.GetDuration("send-timeout")
	c.cfg.DispatchConfig.MaxRetries = viper.GetInt("max-retries")
	c.cfg.DispatchConfig.InitialBackoff = viper.GetDuration("initial-backoff")
	c.cfg.DispatchConfig.MaxBackoff = viper.GetDuration("max-backoff")
	c.cfg.DispatchConfig.DailyCap = viper.GetInt("daily-cap")
	c.cfg.DispatchConfig.CapLocation = loc
	c.cfg.DispatchConfig.Retention = viper.GetDuration("retention")
	c.cfg.DispatchConfig.PurgeInterval = viper.GetDuration("purge-interval")
	c.cfg.DispatchConfig.Lanes = viper.GetInt("lanes")

	c.cfg.FlowConfig.MaxHops = viper.GetInt("max-hops")
	c.cfg.FlowConfig.ResumeInterval = viper.GetDuration("resume-interval")
	c.cfg.FlowConfig.ResumeRetryDelay = viper.GetDuration("resume-retry-delay")
	c.cfg.FlowConfig.AwaitInputTimeout = viper.GetDuration("await-input-timeout")
	c.cfg.FlowConfig.EvalTimeout = viper.GetDuration("eval-timeout")
	c.cfg.FlowConfig.StaleSweepInterval = viper.GetDuration("stale-sweep-interval")

	c.cfg.EventWorkers = viper.GetInt("event-workers")
	c.cfg.AnalyticsConfig = analytics.DataCollectorConfig{
		CollectorType: analytics.DataCollectorType(viper.GetString("data-collector")),
		FileName:      viper.GetString("data-collector-file"),
	}
	c.cfg.TracingConfig.Enabled = viper.GetBool("tracing")
	c.cfg.TracingConfig.OutputFile = viper.GetString("tracing-file")
	c.cfg.LogLevel = viper.GetString("log-level")
	c.cfg.Development = viper.GetBool("development")
	return logger.Init(c.cfg.LogLevel, c.cfg.Development)
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	var err error
	agent, err := agent.New(c.cfg.Config, agent.Collaborators{Sender: agent.LogSender{}})
	if err != nil {
		return err
	}
	err = agent.Start()
	if err != nil {
		_ = agent.Shutdown()
		return err
	}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	return agent.Shutdown()
}

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:     "engage",
		Short:   "Runs the flow engine, the dispatch queue and their background sweeps",
		PreRunE: cli.setupConfig,
		RunE:    cli.run,
	}

	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
