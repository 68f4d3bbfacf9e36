package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/naturenet/naturenet-node/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	envFile string
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	serveCmd := newServeCommand()
	rootCmd := &cobra.Command{
		Use:               "naturenet-propagator",
		Short:             "NatureNet write-triggered propagation service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return initConfig() },
		RunE:              serveCmd.RunE,
		SilenceUsage:      true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		serveCmd,
		newSweepInactiveCommand(),
		newRepairCommand(),
		newSeedSitesCommand(),
		newIssueOperatorTokenCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before the environment is read")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("store-backend", defaults.GetString("store.backend"), "Record store backend (sqlite, mongo, memory)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("mongo-uri", "", "MongoDB connection URI")
	flags.String("mongo-database", defaults.GetString("mongo.database"), "MongoDB database name")
	flags.String("notify-mode", defaults.GetString("notify.mode"), "Notification mode (log, live)")
	flags.String("sites-catalog", "", "YAML site catalog used for site display names")
	flags.String("operator-signing-secret", "", "Operator token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "store.backend", "store-backend")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "mongo.uri", "mongo-uri")
	bindFlag(cmd, "mongo.database", "mongo-database")
	bindFlag(cmd, "notify.mode", "notify-mode")
	bindFlag(cmd, "sites.catalog", "sites-catalog")
	bindFlag(cmd, "operator.signing_secret", "operator-signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func printJSON(cmd *cobra.Command, value any) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(encoded)))
	return err
}
