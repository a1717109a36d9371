package main

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"chatty/internal/config"
)

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of chatty data (database + config)",
		Long: `Creates a compressed .tar.gz archive containing the SQLite database
and configuration file. The backup is timestamped by default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfgPath := resolveConfigPath()
			dbPath := cfg.Store.Path

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("chatty-backup-%s.tar.gz", ts))
			}

			var files []string
			if _, err := os.Stat(dbPath); err == nil {
				files = append(files, dbPath)
				// WAL and SHM sidecars carry unflushed writes.
				for _, suffix := range []string{"-wal", "-shm"} {
					if _, err := os.Stat(dbPath + suffix); err == nil {
						files = append(files, dbPath+suffix)
					}
				}
			}
			if cfgPath != "" {
				if _, err := os.Stat(cfgPath); err == nil {
					files = append(files, cfgPath)
				}
			}
			if len(files) == 0 {
				return fmt.Errorf("no files to backup (db: %s, config: %s)", dbPath, cfgPath)
			}

			if err := createTarGz(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			for _, f := range files {
				info, _ := os.Stat(f)
				var size int64
				if info != nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", filepath.Base(f), humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.chatty/backups/chatty-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <file.tar.gz>",
		Short: "Restore chatty data from a backup archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputPath := args[0]

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfgPath := resolveConfigPath()
			if cfgPath == "" {
				cfgPath = config.DefaultConfigPath()
			}
			dbPath := cfg.Store.Path

			if !force {
				for _, p := range []string{dbPath, cfgPath} {
					if _, err := os.Stat(p); err == nil {
						fmt.Printf("WARNING: this will overwrite existing data.\n")
						fmt.Printf("  Database: %s\n", dbPath)
						fmt.Printf("  Config:   %s\n", cfgPath)
						return fmt.Errorf("restore aborted (use --force to proceed)")
					}
				}
			}

			restored, err := extractTarGz(inputPath, dbPath, cfgPath)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Printf("Restore completed from: %s\n", inputPath)
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

	for _, path := range files {
		if err := addFileToTar(tarWriter, path); err != nil {
			return fmt.Errorf("add %s: %w", path, err)
		}
	}
	return nil
}

func addFileToTar(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = filepath.Base(path)
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// extractTarGz restores archive entries to their destinations by base name:
// database files next to dbPath, the config file to cfgPath.
func extractTarGz(inputPath, dbPath, cfgPath string) ([]string, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gzReader, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gzReader.Close()

	dbBase := filepath.Base(dbPath)
	cfgBase := filepath.Base(cfgPath)

	var restored []string
	tarReader := tar.NewReader(gzReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return restored, err
		}

		name := filepath.Base(header.Name)
		var dest string
		switch {
		case name == cfgBase:
			dest = cfgPath
		case name == dbBase || name == dbBase+"-wal" || name == dbBase+"-shm":
			dest = filepath.Join(filepath.Dir(dbPath), name)
		default:
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return restored, err
		}
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
		if err != nil {
			return restored, err
		}
		if _, err := io.Copy(out, tarReader); err != nil {
			out.Close()
			return restored, err
		}
		out.Close()
		restored = append(restored, dest)
	}
	return restored, nil
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
