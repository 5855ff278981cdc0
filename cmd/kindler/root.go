package main

import (
	"github.com/spf13/cobra"
)

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "kindler",
	Short:         "Prompt-to-app generation service",
	Long:          "kindler turns a plain-language prompt into a deployable web application.\nRun `kindler start` to launch the server, then use the other commands to\ngenerate, edit, and deploy apps through it.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(filesCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(projectsCmd)
}
