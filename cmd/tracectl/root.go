package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var log *zap.SugaredLogger

var rootCmd = &cobra.Command{
	Use:   "tracectl",
	Short: "tracectl submits traceback requests to a msgtrace server",
	Long: `tracectl is the CLI client for a msgtrace deployment.

It submits /trace requests over mutual TLS and renders the recovered
ancestor path or forwarding tree.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger, err := zap.NewProduction()
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		log = logger.Sugar()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a tracectl config file.")
	rootCmd.PersistentFlags().String("server-url", "", "Base URL of the traceback server, e.g. https://host:4443/")
	rootCmd.PersistentFlags().String("transport-key", "", "Pre-shared transport key.")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("server-url", rootCmd.PersistentFlags().Lookup("server-url"))
	viper.BindPFlag("transport-key", rootCmd.PersistentFlags().Lookup("transport-key"))
	viper.SetEnvPrefix("TRACECTL")
	viper.AutomaticEnv()

	rootCmd.AddCommand(traceCmd)
}
