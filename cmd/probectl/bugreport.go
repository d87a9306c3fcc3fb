package main

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

const bugreportLogLimit = 3

var (
	bugreportNowFn = func() time.Time {
		return time.Now().UTC()
	}
	bugreportHomeDirFn = os.UserHomeDir
	bugreportGetwdFn   = os.Getwd
)

func newBugreportCommand(logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "bugreport",
		Short: "Collect a diagnostic bundle for debugging",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if logger != nil {
				logger.With("command", "bugreport").Info("collecting diagnostic bundle")
			}
			return runBugReport(cmd.OutOrStdout())
		},
	}
}

func runBugReport(out io.Writer) error {
	homeDir, err := bugreportHomeDirFn()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	homeDir = filepath.Clean(homeDir)
	if strings.TrimSpace(homeDir) == "" || homeDir == "." {
		return fmt.Errorf("home directory is not valid")
	}

	cwd, err := bugreportGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}

	timestamp := bugreportNowFn().Format("20060102-150405")
	bundlePath := filepath.Join(filepath.Clean(cwd), fmt.Sprintf(".probectl-bugreport-%s.tar.gz", timestamp))

	stagingDir, err := os.MkdirTemp("", "probectl-bugreport-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(stagingDir)
	}()

	report := collectBugreportArtifacts(homeDir, stagingDir)
	if err := writeBugreportREADME(stagingDir, report); err != nil {
		return err
	}
	if err := archiveBugreport(stagingDir, bundlePath); err != nil {
		return err
	}

	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintf(out, "Bug report written to: %s. Share for debugging.\n", bundlePath)
	return nil
}

type bugreportSummary struct {
	Timestamp string
	Version   string
	LogFiles  []string
	RunID     string
	Warnings  []string
}

func collectBugreportArtifacts(homeDir, stagingDir string) bugreportSummary {
	summary := bugreportSummary{
		Timestamp: bugreportNowFn().Format(time.RFC3339),
		Version:   Version,
		Warnings:  make([]string, 0),
	}

	logFiles, warnings := copyRecentLogs(homeDir, stagingDir, bugreportLogLimit)
	summary.LogFiles = logFiles
	summary.Warnings = append(summary.Warnings, warnings...)

	summary.RunID = extractLastRunID(logFiles)
	if summary.RunID == "" {
		summary.Warnings = append(summary.Warnings, "no run_id found in copied logs")
	}

	if err := writeVersionFile(stagingDir, summary.Version); err != nil {
		summary.Warnings = append(summary.Warnings, err.Error())
	}
	if err := copyRedactedConfig(homeDir, stagingDir); err != nil {
		summary.Warnings = append(summary.Warnings, err.Error())
	}

	return summary
}

func copyRecentLogs(homeDir, stagingDir string, limit int) ([]string, []string) {
	logsDir := filepath.Join(homeDir, ".probectl", "logs")
	files, err := newestFiles(logsDir, limit)
	if err != nil {
		return nil, []string{fmt.Sprintf("unable to read logs directory: %v", err)}
	}

	destDir := filepath.Join(stagingDir, "logs")
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, []string{fmt.Sprintf("unable to create logs staging directory: %v", err)}
	}

	warnings := make([]string, 0)
	copied := make([]string, 0, len(files))
	for _, file := range files {
		// #nosec G304 -- source path comes from deterministic ~/.probectl/logs enumeration.
		data, readErr := os.ReadFile(file.path)
		if readErr != nil {
			warnings = append(warnings, fmt.Sprintf("unable to read log %s: %v", file.path, readErr))
			continue
		}
		dstPath := filepath.Join(destDir, filepath.Base(file.path))
		if writeErr := os.WriteFile(dstPath, data, 0o600); writeErr != nil {
			warnings = append(warnings, fmt.Sprintf("unable to stage log %s: %v", file.path, writeErr))
			continue
		}
		copied = append(copied, file.path)
	}
	return copied, warnings
}

func extractLastRunID(logPaths []string) string {
	for _, logPath := range logPaths {
		// #nosec G304 -- log paths are selected from deterministic ~/.probectl/logs files.
		data, err := os.ReadFile(logPath)
		if err != nil {
			continue
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			line := strings.TrimSpace(lines[i])
			if line == "" {
				continue
			}
			record := map[string]any{}
			if err := json.Unmarshal([]byte(line), &record); err != nil {
				continue
			}
			if runID, ok := record["run_id"].(string); ok && strings.TrimSpace(runID) != "" {
				return strings.TrimSpace(runID)
			}
		}
	}
	return ""
}

func writeVersionFile(stagingDir, version string) error {
	content := fmt.Sprintf("probectl version: %s\n", strings.TrimSpace(version))
	if err := os.WriteFile(filepath.Join(stagingDir, "version.txt"), []byte(content), 0o600); err != nil {
		return fmt.Errorf("write version.txt: %w", err)
	}
	return nil
}

func copyRedactedConfig(homeDir, stagingDir string) error {
	configPath := filepath.Join(homeDir, ".probectl", "config.toml")
	// #nosec G304 -- config path is deterministic under ~/.probectl.
	configData, err := os.ReadFile(configPath)
	if err != nil {
		configData = []byte("# config unavailable\n")
	}
	redacted := redactSensitiveConfig(string(configData))
	if err := os.WriteFile(filepath.Join(stagingDir, "config.toml"), []byte(redacted), 0o600); err != nil {
		return fmt.Errorf("write redacted config: %w", err)
	}
	return nil
}

func redactSensitiveConfig(configText string) string {
	lines := strings.Split(configText, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		if !isSensitiveToken(key) {
			continue
		}
		lines[i] = parts[0] + "= \"***REDACTED***\""
	}
	return strings.Join(lines, "\n")
}

func isSensitiveToken(key string) bool {
	for _, token := range []string{"token", "secret", "password", "key", "credential"} {
		if strings.Contains(key, token) {
			return true
		}
	}
	return false
}

func writeBugreportREADME(stagingDir string, summary bugreportSummary) error {
	builder := strings.Builder{}
	builder.WriteString("probectl Bug Report\n")
	builder.WriteString("===================\n\n")
	builder.WriteString(fmt.Sprintf("Generated: %s\n", summary.Timestamp))
	builder.WriteString(fmt.Sprintf("Version: %s\n", summary.Version))
	builder.WriteString(fmt.Sprintf("run_id: %s\n\n", summary.RunID))
	builder.WriteString("Included artifacts:\n")
	builder.WriteString("- logs/ (up to last 3 log files)\n")
	builder.WriteString("- config.toml (redacted)\n")
	builder.WriteString("- version.txt\n\n")
	builder.WriteString("Usage:\n")
	builder.WriteString("- Share this archive with maintainers for debugging.\n")
	builder.WriteString("- Use run_id to correlate console transcripts across log files.\n")
	if len(summary.Warnings) > 0 {
		builder.WriteString("\nWarnings:\n")
		for _, warning := range summary.Warnings {
			builder.WriteString("- " + warning + "\n")
		}
	}

	if err := os.WriteFile(filepath.Join(stagingDir, "README.txt"), []byte(builder.String()), 0o600); err != nil {
		return fmt.Errorf("write README.txt: %w", err)
	}
	return nil
}

func archiveBugreport(stagingDir, destination string) error {
	// #nosec G304 -- destination is generated in current working directory with deterministic file name.
	archiveFile, err := os.OpenFile(destination, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", destination, err)
	}
	defer func() {
		_ = archiveFile.Close()
	}()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer func() {
		_ = gzipWriter.Close()
	}()

	tarWriter := tar.NewWriter(gzipWriter)
	defer func() {
		_ = tarWriter.Close()
	}()

	walkErr := filepath.WalkDir(stagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read file info for %s: %w", path, err)
		}

		relPath, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return fmt.Errorf("compute archive path for %s: %w", path, err)
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("create tar header for %s: %w", path, err)
		}
		header.Name = filepath.ToSlash(relPath)

		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", path, err)
		}

		// #nosec G304 -- walk paths originate from controlled staging directory.
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s for archive: %w", path, err)
		}
		if _, err := io.Copy(tarWriter, file); err != nil {
			_ = file.Close()
			return fmt.Errorf("copy %s into archive: %w", path, err)
		}
		return file.Close()
	})
	if walkErr != nil {
		return fmt.Errorf("archive bugreport: %w", walkErr)
	}

	return nil
}

type datedFile struct {
	path    string
	modTime time.Time
}

func newestFiles(dir string, limit int) ([]datedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]datedFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, datedFile{
			path:    filepath.Join(dir, entry.Name()),
			modTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}
