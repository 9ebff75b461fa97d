// Package security holds the host-side safety policy: who may erase, and
// which disks are off limits.
package security

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"securewipe/internal/config"
	"securewipe/internal/failure"
	"securewipe/internal/system"
)

// ErrRefused marks a disk the policy will not erase.
var ErrRefused = errors.New("refused by safety policy")

var geteuid = os.Geteuid

// SecurityChecks verifies the process may issue erase commands.
func SecurityChecks(cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Default()
	}
	if cfg.Security.RequireAdmin && !IsAdmin() {
		return failure.WithHint(
			failure.New(failure.KindProbePermissionDenied, "root privileges are required to open block devices"),
			"run as root, or set security.require_admin: false for image files")
	}
	return nil
}

// IsAdmin reports whether the effective user is root.
func IsAdmin() bool {
	return geteuid() == 0
}

// ShouldSkipDisk reports whether disk is excluded from listings and bulk
// selection by configuration.
func ShouldSkipDisk(cfg *config.Config, disk system.DiskInfo) bool {
	if cfg == nil {
		return false
	}
	for _, excluded := range cfg.Security.ExcludedDevices {
		if matches(excluded, disk) {
			return true
		}
	}
	return false
}

func matches(pattern string, disk system.DiskInfo) bool {
	if pattern == "" {
		return false
	}
	if pattern == disk.Name || filepath.Clean(pattern) == filepath.Clean(disk.Path) {
		return true
	}
	if ok, _ := filepath.Match(pattern, disk.Path); ok {
		return true
	}
	if disk.Serial != "" && pattern == disk.Serial {
		return true
	}
	return false
}

// CheckDisk decides whether disk may be erased. Excluded disks are always
// refused. System and mounted disks need both the configuration switch and
// force.
func CheckDisk(cfg *config.Config, disk system.DiskInfo, force bool) error {
	if cfg == nil {
		cfg = config.Default()
	}
	if ShouldSkipDisk(cfg, disk) {
		return errors.WithHint(
			errors.Wrapf(ErrRefused, "%s is in security.excluded_devices", disk.Path),
			"remove it from the exclusion list to erase it")
	}
	if disk.IsSystem && !(cfg.Security.AllowSystemDisk && force) {
		return errors.WithHint(
			errors.Wrapf(ErrRefused, "%s holds the running system", disk.Path),
			"boot from other media, or set security.allow_system_disk and pass --force")
	}
	if mounted(disk) && !(cfg.Security.AllowMounted && force) {
		return errors.WithHint(
			errors.Wrapf(ErrRefused, "%s is mounted at %v", disk.Path, disk.MountPoints),
			"unmount every partition first, or set security.allow_mounted and pass --force")
	}
	return nil
}

func mounted(disk system.DiskInfo) bool {
	return disk.Status == system.StatusMounted || len(disk.MountPoints) > 0
}
