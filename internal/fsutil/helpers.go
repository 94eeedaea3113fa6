// Package fsutil provides file and path helpers shared by the voice library and the
// embedding cache.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Environment variable names used for path resolution.
const (
	envDataDir = "VOICE_SERVICE_DATA_DIR"
)

// Common application directory and path constants.
const (
	appName                = "voice-service"
	voicesDirName          = "voices"
	tmpDir                 = "/tmp"
	dotLocalShare          = ".local/share"
	tempFilePattern        = ".tmp-*"
	defaultDirPermissions  = 0o750
	defaultFilePermissions = 0o640
	invalidCharReplacement = "_"
)

// Data size constants.
const (
	byteUnit = 1
	kilobyte = byteUnit * 1024
	megabyte = kilobyte * 1024
	gigabyte = megabyte * 1024
)

// Time and size formatting constants.
const (
	secondsInMinute = 60
	secondsInHour   = 3600
	formatSeconds   = "%.1fs"
	formatMinutes   = "%dm %.1fs"
	formatHours     = "%dh %dm"
	formatGB        = "%.1f GB"
	formatMB        = "%.1f MB"
	formatKB        = "%.1f KB"
	formatBytes     = "%d B"
)

// Error message and format string constants.
const (
	errFmtFailedToCreateDir  = "failed to create directory %s: %w"
	errFmtFailedToStat       = "failed to stat %s: %w"
	errFmtFailedToOpen       = "failed to open %s: %w"
	errFmtFailedToCreate     = "failed to create %s: %w"
	errFmtFailedToCopy       = "failed to copy %s to %s: %w"
	errFmtFailedToSync       = "failed to sync %s: %w"
	errFmtFailedToClose      = "failed to close %s: %w"
	errFmtFailedToRename     = "failed to rename %s to %s: %w"
	errFmtFailedToWrite      = "failed to write %s: %w"
	errFmtFailedToCreateTemp = "failed to create temp file in %s: %w"
)

// ErrNotDirectory indicates a path that exists but is not a directory.
var ErrNotDirectory = errors.New("not a directory")

// DefaultVoicesDir returns the default voice library root, honouring the data
// directory override and falling back to the user's data directory.
func DefaultVoicesDir() string {
	if dataDir := os.Getenv(envDataDir); dataDir != "" {
		return filepath.Join(dataDir, voicesDirName)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(tmpDir, appName, voicesDirName)
	}

	return filepath.Join(homeDir, dotLocalShare, appName, voicesDirName)
}

// EnsureDir ensures a directory exists at the given path, creating it if it doesn't.
// A path that exists but is not a directory is an error.
func EnsureDir(path string) error {
	info, statErr := os.Stat(path)
	if errors.Is(statErr, os.ErrNotExist) {
		mkdirErr := os.MkdirAll(path, defaultDirPermissions)
		if mkdirErr != nil {
			return fmt.Errorf(errFmtFailedToCreateDir, path, mkdirErr)
		}

		return nil
	}

	if statErr != nil {
		return fmt.Errorf(errFmtFailedToStat, path, statErr)
	}

	if !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotDirectory, path)
	}

	return nil
}

// CopyFile copies src to dst, leaving src untouched. A partially written dst is
// removed on failure.
func CopyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf(errFmtFailedToOpen, src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, defaultFilePermissions)
	if err != nil {
		return fmt.Errorf(errFmtFailedToCreate, dst, err)
	}

	defer func() {
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	_, copyErr := io.Copy(out, in)
	if copyErr != nil {
		_ = out.Close()

		return fmt.Errorf(errFmtFailedToCopy, src, dst, copyErr)
	}

	syncErr := out.Sync()
	if syncErr != nil {
		_ = out.Close()

		return fmt.Errorf(errFmtFailedToSync, dst, syncErr)
	}

	closeErr := out.Close()
	if closeErr != nil {
		return fmt.Errorf(errFmtFailedToClose, dst, closeErr)
	}

	return nil
}

// WriteFileAtomic writes data to a temporary file in the target directory and renames
// it into place, so readers observe either the old content or the new content.
// The target directory must already exist.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+tempFilePattern)
	if err != nil {
		return fmt.Errorf(errFmtFailedToCreateTemp, dir, err)
	}

	tmpName := tmp.Name()

	_, writeErr := tmp.Write(data)
	if writeErr == nil {
		writeErr = tmp.Sync()
	}

	closeErr := tmp.Close()

	if writeErr != nil || closeErr != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf(errFmtFailedToWrite, path, errors.Join(writeErr, closeErr))
	}

	chmodErr := os.Chmod(tmpName, defaultFilePermissions)
	if chmodErr != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf(errFmtFailedToWrite, path, chmodErr)
	}

	renameErr := os.Rename(tmpName, path)
	if renameErr != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf(errFmtFailedToRename, tmpName, path, renameErr)
	}

	return nil
}

// FormatDuration formats a duration in a human-readable string (e.g., "1h 15m", "5m
// 30.5s", "45.2s").
func FormatDuration(seconds float64) string {
	if seconds < secondsInMinute {
		return fmt.Sprintf(formatSeconds, seconds)
	}

	if seconds < secondsInHour {
		minutes := int(seconds / secondsInMinute)
		remainingSeconds := seconds - float64(minutes*secondsInMinute)

		return fmt.Sprintf(formatMinutes, minutes, remainingSeconds)
	}

	hours := int(seconds / secondsInHour)
	remainingSeconds := seconds - float64(hours*secondsInHour)
	remainingMinutes := int(remainingSeconds / secondsInMinute)

	return fmt.Sprintf(formatHours, hours, remainingMinutes)
}

// FormatFileSize formats a file size in a human-readable string (e.g., "1.2 GB", "500.5
// MB").
func FormatFileSize(bytes int64) string {
	switch {
	case bytes >= gigabyte:
		return fmt.Sprintf(formatGB, float64(bytes)/gigabyte)
	case bytes >= megabyte:
		return fmt.Sprintf(formatMB, float64(bytes)/megabyte)
	case bytes >= kilobyte:
		return fmt.Sprintf(formatKB, float64(bytes)/kilobyte)
	default:
		return fmt.Sprintf(formatBytes, bytes)
	}
}

// SanitizeFilename removes or replaces characters that are invalid in most filesystems.
func SanitizeFilename(filename string) string {
	replacer := strings.NewReplacer(
		"<", invalidCharReplacement,
		">", invalidCharReplacement,
		":", invalidCharReplacement,
		"\"", invalidCharReplacement,
		"/", invalidCharReplacement,
		"\\", invalidCharReplacement,
		"|", invalidCharReplacement,
		"?", invalidCharReplacement,
		"*", invalidCharReplacement,
	)

	return replacer.Replace(filename)
}

// IsSafeName reports whether name is a single path element that cannot escape its
// parent directory.
func IsSafeName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}

	return !strings.ContainsAny(name, `/\`) && filepath.Base(name) == name
}
