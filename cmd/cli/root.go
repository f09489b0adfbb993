package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/app"
	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "apartmentbot",
	Short: "Apartment back-office automation and delivery engine",
	Long: `apartmentbot proposes follow-up actions for overdue invoices and unanswered
tickets, records staff approvals, executes approved actions at most once and
delivers outbound messages through a retrying outbox.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yml)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || cfgFile != "" {
			fmt.Fprintln(os.Stderr, "Error reading config file:", err)
		}
	}
}

// loadConfig loads the configuration and initializes logging.
func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := config.InitLogger(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

// openApp connects to the database and builds the services. Commands that only touch
// the database still go through the services so their rules apply.
func openApp() (*app.App, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := app.OpenDatabase(cfg)
	if err != nil {
		return nil, err
	}
	return app.New(cfg, db, nil, logger), nil
}

// printJSON writes v as indented JSON to the command's output.
func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := jsonEncoder(cmd.OutOrStdout())
	return enc.Encode(v)
}
