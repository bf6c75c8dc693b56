package main

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	goarchive "github.com/moby/go-archive"
	"github.com/mtzanidakis/mediaswarm/internal/config"
	"github.com/mtzanidakis/mediaswarm/internal/store"
)

// Top-level directories of a backup archive.
const (
	sectionDB        = "db"
	sectionArtifacts = "artifacts"
)

func runBackup(args []string) error {
	var outputPath string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}

	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: mediaswarm backup -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return backup(cfg, outputPath)
}

func backup(cfg *config.Config, outputPath string) error {
	// Flush the WAL so the database file alone is consistent.
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if err := db.Checkpoint(); err != nil {
		db.Close()
		return fmt.Errorf("checkpoint store: %w", err)
	}
	db.Close()

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	dbDir, dbFile := filepath.Split(cfg.Store.Path)
	if dbDir == "" {
		dbDir = "."
	}
	slog.Info("backing up database", "path", cfg.Store.Path)
	if err := backupDir(tw, sectionDB, dbDir, []string{dbFile}); err != nil {
		return fmt.Errorf("backup database: %w", err)
	}

	sections := 1
	if _, err := os.Stat(cfg.Storage.BasePath); err == nil {
		slog.Info("backing up artifacts", "path", cfg.Storage.BasePath)
		if err := backupDir(tw, sectionArtifacts, cfg.Storage.BasePath, nil); err != nil {
			return fmt.Errorf("backup artifacts: %w", err)
		}
		sections++
	} else {
		slog.Warn("artifact directory missing, skipping", "path", cfg.Storage.BasePath)
	}

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}

	fmt.Printf("Backup complete: %d sections, %s\n", sections, formatSize(size))
	return nil
}

// backupDir tars dir and copies its entries into tw under section/.
func backupDir(tw *tar.Writer, section, dir string, include []string) error {
	rc, err := goarchive.TarWithOptions(dir, &goarchive.TarOptions{IncludeFiles: include})
	if err != nil {
		return fmt.Errorf("tar %s: %w", dir, err)
	}
	defer rc.Close()

	src := tar.NewReader(rc)
	for {
		hdr, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		hdr.Name = path.Join(section, hdr.Name)
		if hdr.Typeflag == tar.TypeDir && !strings.HasSuffix(hdr.Name, "/") {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write tar header: %w", err)
		}
		if hdr.Size > 0 {
			if _, err := io.Copy(tw, src); err != nil {
				return fmt.Errorf("write tar data: %w", err)
			}
		}
	}
	return nil
}

func runRestore(args []string) error {
	var inputPath string
	overwrite := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			inputPath = args[i]
		case "-overwrite":
			overwrite = true
		}
	}

	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: mediaswarm restore -f <backup.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return restore(cfg, inputPath, overwrite)
}

func restore(cfg *config.Config, inputPath string, overwrite bool) error {
	sections, err := scanArchiveSections(inputPath)
	if err != nil {
		return fmt.Errorf("scan archive: %w", err)
	}
	if len(sections) == 0 {
		fmt.Println("Archive contains no sections.")
		return nil
	}

	dbDir := filepath.Dir(cfg.Store.Path)
	targets := map[string]string{
		sectionDB:        dbDir,
		sectionArtifacts: cfg.Storage.BasePath,
	}

	if !overwrite {
		for _, s := range sections {
			if s == sectionDB && fileExists(cfg.Store.Path) {
				return fmt.Errorf("database %s already exists, add -overwrite to replace it", cfg.Store.Path)
			}
			if s == sectionArtifacts && !dirEmpty(cfg.Storage.BasePath) {
				return fmt.Errorf("artifact directory %s is not empty, add -overwrite to replace files", cfg.Storage.BasePath)
			}
		}
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	var (
		current string
		pw      *io.PipeWriter
		secTW   *tar.Writer
		untarCh chan error
	)

	finishSection := func() error {
		if secTW == nil {
			return nil
		}
		secTW.Close()
		pw.Close()
		err := <-untarCh
		secTW = nil
		if err != nil {
			return fmt.Errorf("extract %s: %w", current, err)
		}
		return nil
	}

	startSection := func(name string) error {
		dest := targets[name]
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dest, err)
		}
		if name == sectionDB {
			// A stale WAL would be replayed over the restored file.
			for _, suffix := range []string{"-wal", "-shm"} {
				if err := os.Remove(cfg.Store.Path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("remove %s: %w", suffix, err)
				}
			}
		}

		pr, pipew := io.Pipe()
		pw = pipew
		secTW = tar.NewWriter(pw)
		untarCh = make(chan error, 1)

		go func() {
			err := goarchive.Untar(pr, dest, &goarchive.TarOptions{NoLchown: true})
			// Drain so the writer side never blocks on an early failure.
			_, _ = io.Copy(io.Discard, pr)
			untarCh <- err
		}()

		current = name
		slog.Info("restoring section", "name", name, "dest", dest)
		return nil
	}

	restored := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if secTW != nil {
				secTW.Close()
				pw.Close()
				<-untarCh
			}
			return fmt.Errorf("read tar entry: %w", err)
		}

		section, relPath := splitSectionPath(hdr.Name)
		if section == "" || relPath == "./" {
			continue
		}

		if section != current {
			if err := finishSection(); err != nil {
				return err
			}
			if err := startSection(section); err != nil {
				return err
			}
			restored++
		}

		hdr.Name = relPath
		if err := secTW.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write tar header: %w", err)
		}
		if hdr.Size > 0 {
			if _, err := io.Copy(secTW, tr); err != nil {
				return fmt.Errorf("write tar data: %w", err)
			}
		}
	}

	if err := finishSection(); err != nil {
		return err
	}

	fmt.Printf("Restore complete: %d sections\n", restored)
	return nil
}

// scanArchiveSections reads tar headers to collect the known sections
// present in the archive, in order of first appearance.
func scanArchiveSections(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	seen := make(map[string]bool)
	var names []string

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		section, _ := splitSectionPath(hdr.Name)
		if section != "" && !seen[section] {
			seen[section] = true
			names = append(names, section)
		}
	}

	return names, nil
}

// splitSectionPath splits "artifacts/tenant/a.png" into ("artifacts",
// "tenant/a.png"). Unknown sections and paths escaping the section yield
// an empty section.
func splitSectionPath(name string) (section, relPath string) {
	name = strings.TrimLeft(name, "./")
	if name == "" {
		return "", ""
	}

	idx := strings.IndexByte(name, '/')
	if idx < 0 {
		section, relPath = name, "./"
	} else {
		section, relPath = name[:idx], name[idx+1:]
		if relPath == "" {
			relPath = "./"
		}
	}

	if section != sectionDB && section != sectionArtifacts {
		return "", ""
	}
	if relPath != "./" {
		clean := path.Clean(relPath)
		if clean == ".." || strings.HasPrefix(clean, "../") || path.IsAbs(clean) {
			return "", ""
		}
	}
	return section, relPath
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func dirEmpty(p string) bool {
	entries, err := os.ReadDir(p)
	return err != nil || len(entries) == 0
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
