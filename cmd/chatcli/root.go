package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

const (
	serverKey  = "server"
	apiKey     = "api"
	tokenKey   = "token"
	sessionKey = "session"
	userKey    = "user"
)

var rootCmd = &cobra.Command{
	Use:   "chatcli",
	Short: "Terminal client for the realtime chat service",
	Long: `chatcli connects to the realtime chat service over WebSocket, joins a
room and streams everything that happens in it. It also wraps the internal
provisioning API for local development.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.chatcli.yaml)")
	flags.String("server", "ws://localhost:8090/ws", "WebSocket endpoint")
	flags.String("api", "http://localhost:8091", "internal HTTP API base URL")
	flags.String("token", "", "bearer credential")
	flags.String("session", "", "session id bound to the credential")
	flags.String("user", "", "user id used by provisioning commands")

	_ = viper.BindPFlag(serverKey, flags.Lookup("server"))
	_ = viper.BindPFlag(apiKey, flags.Lookup("api"))
	_ = viper.BindPFlag(tokenKey, flags.Lookup("token"))
	_ = viper.BindPFlag(sessionKey, flags.Lookup("session"))
	_ = viper.BindPFlag(userKey, flags.Lookup("user"))
}

// initConfig reads the config file and CHATCLI_* environment variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".chatcli")
	}

	viper.SetEnvPrefix("chatcli")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintln(os.Stderr, "Error reading config file:", err)
		}
	}
}
