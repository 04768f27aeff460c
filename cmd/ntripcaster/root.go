package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ntripcaster",
	Short: "NTRIP caster: relays RTCM streams from sources to clients over a shared TCP port",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to caster.conf (default: none, built-in defaults apply)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}
