package cmd

import (
	"log"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	app = "fitqueue"
)

type Config struct {
	KeyPrefix string         `mapstructure:"key-prefix"`
	Redis     *RedisConfig   `mapstructure:"redis"`
	AI        *AIConfig      `mapstructure:"ai"`
	Limits    *LimitsConfig  `mapstructure:"limits"`
	Pricing   *PricingConfig `mapstructure:"pricing"`
	Queue     *QueueConfig   `mapstructure:"queue"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AIConfig struct {
	Provider string        `mapstructure:"provider"`
	Gemini   *GeminiConfig `mapstructure:"gemini"`
}

type GeminiConfig struct {
	APIKeyFile   string `mapstructure:"api-key-file"`
	Model        string `mapstructure:"model"`
	MaxRetries   int    `mapstructure:"max-retries"`
	MaxLogLength int    `mapstructure:"max-log-length"`
}

type LimitsConfig struct {
	DailyBudgetUSD    float64 `mapstructure:"daily-budget-usd"`
	AlertThresholdUSD float64 `mapstructure:"alert-threshold-usd"`
	MaxConcurrent     int64   `mapstructure:"max-concurrent"`
	MonthlyFitQuota   int     `mapstructure:"monthly-fit-quota"`
}

type PricingConfig struct {
	InputPerMillionUSD  float64 `mapstructure:"input-per-million-usd"`
	OutputPerMillionUSD float64 `mapstructure:"output-per-million-usd"`
}

type QueueConfig struct {
	InteractiveWorkers int           `mapstructure:"interactive-workers"`
	BatchWorkers       int           `mapstructure:"batch-workers"`
	ItemDelay          time.Duration `mapstructure:"item-delay"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "fitqueue scores resume-to-posting fit with an AI model behind a budget-governed job queue",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	if err := viper.BindEnv("ai.gemini.api-key-file", "GEMINI_API_KEY_FILE"); err != nil {
		log.Fatalf("binding GEMINI_API_KEY_FILE environment variable: %v", err)
	}
	if err := viper.BindEnv("redis.addr", "REDIS_ADDR"); err != nil {
		log.Fatalf("binding REDIS_ADDR environment variable: %v", err)
	}

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is fitqueue.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func initConfig() {
	// Config needed only for run command now. If there is no config, we can skip initialization
	if runCmd.CalledAs() == "" {
		return
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app + ".yaml")
	}

	// We can't proceed if the config file parsed with error.
	if err := viper.ReadInConfig(); err != nil {
		log.Fatal(err)
	}
}

func getConfig() (*Config, error) {
	var config *Config
	err := viper.Unmarshal(&config)
	if err != nil {
		return config, err
	}

	return config, nil
}
