package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatrelay/internal/config"

	"github.com/spf13/cobra"
)

// backupSet is where each archived file lives on disk.
type backupSet struct {
	Config   string
	DB       string
	Locators string
}

func resolveBackupSet() backupSet {
	set := backupSet{Config: resolveConfigPath()}
	cfg, err := config.Load(set.Config)
	if err != nil {
		cfg = config.Defaults()
		cfg.ExpandPaths()
	}
	set.DB = cfg.History.DBPath
	set.Locators = cfg.Locators.File
	return set
}

// files returns the existing files of the set, including SQLite sidecars.
func (s backupSet) files() []string {
	var out []string
	exists := func(p string) bool {
		if p == "" {
			return false
		}
		_, err := os.Stat(p)
		return err == nil
	}
	if exists(s.DB) {
		out = append(out, s.DB)
		for _, suffix := range []string{"-wal", "-shm"} {
			if exists(s.DB + suffix) {
				out = append(out, s.DB+suffix)
			}
		}
	}
	if exists(s.Config) {
		out = append(out, s.Config)
	}
	if exists(s.Locators) {
		out = append(out, s.Locators)
	}
	return out
}

// target maps an archive entry back to its place on disk.
func (s backupSet) target(name string) string {
	base := filepath.Base(name)
	switch {
	case base == filepath.Base(s.Config):
		return s.Config
	case s.Locators != "" && base == filepath.Base(s.Locators):
		return s.Locators
	case strings.HasSuffix(base, ".db"):
		return s.DB
	case strings.HasSuffix(base, ".db-wal"):
		return s.DB + "-wal"
	case strings.HasSuffix(base, ".db-shm"):
		return s.DB + "-shm"
	default:
		return filepath.Join(filepath.Dir(s.Config), base)
	}
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of chatrelay data (history, config, locators)",
		Long: `Creates a compressed .tar.gz archive containing the history database,
the configuration file and the locator overrides. The backup is timestamped by default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			set := resolveBackupSet()

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("chatrelay-backup-%s.tar.gz", ts))
			}

			files := set.files()
			if len(files) == 0 {
				return fmt.Errorf("no files to backup (db: %s, config: %s)", set.DB, set.Config)
			}

			if err := createTarGz(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d\n", len(files))
			for _, f := range files {
				var size int64
				if info, err := os.Stat(f); err == nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", filepath.Base(f), humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.chatrelay/backups/chatrelay-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore chatrelay data from a backup archive",
		Long: `Restores the history database, configuration and locator files from a
.tar.gz backup archive created by 'chatrelay backup'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set := resolveBackupSet()

			if !force && len(set.files()) > 0 {
				fmt.Printf("WARNING: This will overwrite existing data.\n")
				fmt.Printf("  Database: %s\n", set.DB)
				fmt.Printf("  Config:   %s\n", set.Config)
				fmt.Printf("  Locators: %s\n", set.Locators)
				fmt.Printf("Use --force to skip this warning.\n")
				return errors.New("restore aborted (use --force to proceed)")
			}

			restored, err := extractTarGz(args[0], set.target)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restore completed from: %s\n", args[0])
			fmt.Printf("Files restored: %d\n", len(restored))
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

func createTarGz(outputPath string, files []string) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	for _, filePath := range files {
		if err := addFileToTar(tarWriter, filePath); err != nil {
			return fmt.Errorf("add %s: %w", filePath, err)
		}
	}
	return nil
}

func addFileToTar(tw *tar.Writer, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = filepath.Base(filePath)

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// extractTarGz writes every archive entry to the path target picks for it.
func extractTarGz(archivePath string, target func(name string) string) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		targetPath := target(header.Name)
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, err
		}
		outFile, err := os.Create(targetPath)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		outFile.Close()
		restored = append(restored, targetPath)
	}
	return restored, nil
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
