package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/freewahq/freewa/internal/config"
	"github.com/freewahq/freewa/internal/device"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List registered devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		registry, err := device.OpenRegistry(cfg.RegistryPath())
		if err != nil {
			return err
		}

		devices := registry.List()
		if len(devices) == 0 {
			fmt.Println("no devices registered")
			return nil
		}
		for _, d := range devices {
			phone := d.PhoneNumber
			if phone == "" {
				phone = "-"
			}
			fmt.Printf("%s  %-20s  %-12s  %s\n", d.ID, d.Name, d.Status, phone)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}
