package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

type versionOutput struct {
	OK        bool   `json:"ok"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func (a *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the provchain version",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := versionOutput{
				OK:        true,
				Version:   version,
				GoVersion: runtime.Version(),
				Platform:  runtime.GOOS + "/" + runtime.GOARCH,
			}
			a.report(output, fmt.Sprintf("provchain %s\n", version), exitOK)
			return nil
		},
	}
}
