package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"securewipe/internal/cli"
	"securewipe/internal/device"
	"securewipe/internal/engine"
	"securewipe/internal/failure"
	"securewipe/internal/method"
	"securewipe/internal/nvme"
	"securewipe/internal/opal"
	"securewipe/internal/security"
	"securewipe/internal/system"
	"securewipe/internal/wipe"
)

var listCmd = &cobra.Command{
	Use:     "list-devices",
	Aliases: []string{"list"},
	Short:   "List whole disks",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

var probeCmd = &cobra.Command{
	Use:   "probe <device>",
	Short: "Show a device's erase capabilities and the method that would be used",
	Args:  cobra.ExactArgs(1),
	RunE:  runProbe,
}

func init() {
	listCmd.Flags().Bool("all", false, "Include excluded devices")
	listCmd.Flags().Bool("json", false, "JSON output")

	probeCmd.Flags().Bool("json", false, "JSON output")
	addMethodFlags(probeCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	all, _ := cmd.Flags().GetBool("all")
	asJSON, _ := cmd.Flags().GetBool("json")

	disks, err := system.GetDiskInfo(verbose)
	if err != nil {
		return failure.Wrap(err, failure.KindProbeIO, "enumerate disks")
	}
	shown := disks[:0]
	for _, d := range disks {
		if all || !security.ShouldSkipDisk(cfg, d) {
			shown = append(shown, d)
		}
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(shown)
	}
	cli.PrintDevices(os.Stdout, shown)
	return nil
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	info, err := resolveDevice(args[0])
	if err != nil {
		return err
	}
	req, err := methodRequest(cmd, cfg.Erase.DefaultMethod, cfg.Erase.ExcludeMethods)
	if err != nil {
		return err
	}
	eng, err := engine.New(cfg, device.HostOpener{}, nil, nil, logger)
	if err != nil {
		return err
	}
	plan, err := eng.Plan(context.Background(), info, req)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}
	cli.PrintPlan(os.Stdout, plan)
	return nil
}

// resolveDevice describes path as a block device from sysfs, or as a disk
// image when it names a regular file.
func resolveDevice(path string) (system.DiskInfo, error) {
	if info, err := system.GetDiskInfoForPath(path); err == nil {
		return *info, nil
	} else if img, ok := device.ImageInfo(path); ok {
		return img, nil
	} else if _, statErr := os.Stat(path); os.IsPermission(statErr) {
		return system.DiskInfo{}, failure.Wrap(statErr, failure.KindProbePermissionDenied, "%s", path)
	} else {
		return system.DiskInfo{}, failure.WithHint(
			failure.Wrap(err, failure.KindProbeUnsupported, "%s", path),
			"run `securewipe list-devices` to see the available disks")
	}
}

func addMethodFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("method", "m", "", "Erase method (auto/overwrite/ata-secure-erase/nvme-sanitize/nvme-format/crypto-erase)")
	cmd.Flags().String("pattern", "", "Overwrite pattern (zero/random/dod/gutmann)")
	cmd.Flags().Bool("enhanced", false, "Use ATA enhanced secure erase")
	cmd.Flags().String("sanitize-action", "", "NVMe sanitize action (block-erase/overwrite/crypto-erase)")
	cmd.Flags().String("ses", "", "NVMe format secure erase setting (user-data/crypto-erase)")
	cmd.Flags().String("authority", "", "Opal revert authority (psid/admin)")
	cmd.Flags().StringSlice("exclude-method", nil, "Methods never chosen automatically")
}

// methodRequest builds the method request from the shared method flags,
// falling back to the configured default method.
func methodRequest(cmd *cobra.Command, defaultMethod string, excluded []string) (method.Request, error) {
	var req method.Request
	flags := cmd.Flags()

	name, _ := flags.GetString("method")
	if name == "" {
		name = defaultMethod
	}
	kind, err := method.ParseKind(name)
	if err != nil {
		return req, invalidFlag(err, "--method")
	}
	req.Kind = kind

	if s, _ := flags.GetString("pattern"); s != "" {
		if req.Pattern, err = wipe.ParsePattern(s); err != nil {
			return req, invalidFlag(err, "--pattern")
		}
	}
	if flags.Changed("enhanced") {
		enhanced, _ := flags.GetBool("enhanced")
		req.Enhanced = &enhanced
	}
	if s, _ := flags.GetString("sanitize-action"); s != "" {
		if req.SanitizeAction, err = nvme.ParseSanitizeAction(s); err != nil {
			return req, invalidFlag(err, "--sanitize-action")
		}
	}
	if s, _ := flags.GetString("ses"); s != "" {
		if req.SES, err = nvme.ParseSecureErase(s); err != nil {
			return req, invalidFlag(err, "--ses")
		}
	}
	if s, _ := flags.GetString("authority"); s != "" {
		if req.Authority, err = opal.ParseCredentialKind(s); err != nil {
			return req, invalidFlag(err, "--authority")
		}
	}

	names, _ := flags.GetStringSlice("exclude-method")
	for _, n := range append(append([]string{}, excluded...), names...) {
		k, err := method.ParseKind(n)
		if err != nil {
			return req, invalidFlag(err, "excluded method")
		}
		req.Exclude = append(req.Exclude, k)
	}
	return req, nil
}

func invalidFlag(err error, flag string) error {
	return failure.Wrap(err, failure.KindSelectionUnsupported, "invalid %s", flag)
}
