package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"node.town/livespeak/config"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(sessionsCmd)

	rootCmd.PersistentFlags().String("log-level", "info", "Log level")
	rootCmd.PersistentFlags().String("log-file", "", "Also append logs to this file")
	serveCmd.Flags().StringP("addr", "a", ":4444", "Address to listen on")
	serveCmd.Flags().String("deepgram-api-key", "", "Deepgram API key")
	serveCmd.Flags().String("speechmatics-api-key", "", "Speechmatics API key")
	serveCmd.Flags().String("provider", "mock", "Default transcription provider")
	serveCmd.Flags().
		Duration("disconnect-grace", 0, "How long a disconnected session may be resumed")

	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_file", rootCmd.PersistentFlags().Lookup("log-file"))
	viper.BindPFlag("http.addr", serveCmd.Flags().Lookup("addr"))
	viper.BindPFlag(
		"deepgram.api_key",
		serveCmd.Flags().Lookup("deepgram-api-key"),
	)
	viper.BindPFlag(
		"speechmatics.api_key",
		serveCmd.Flags().Lookup("speechmatics-api-key"),
	)
	viper.BindPFlag("session.provider", serveCmd.Flags().Lookup("provider"))
	viper.BindPFlag(
		"sweep.disconnect_grace",
		serveCmd.Flags().Lookup("disconnect-grace"),
	)
}

func initConfig() {
	v := viper.GetViper()
	config.Init(v)
	if err := config.ReadFile(v); err != nil {
		fmt.Printf("Error reading config file: %s\n", err)
	}

	logger = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           log.InfoLevel,
	})
}

var rootCmd = &cobra.Command{
	Use:   "livespeak",
	Short: "Live speaking-test session engine",
	Long:  `livespeak streams spoken-test audio through transcription and grammar annotation and enforces each session's time budget.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
