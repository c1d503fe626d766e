package main

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/moot-dev/moot/internal/config"
	"github.com/moot-dev/moot/internal/store"
	"github.com/moot-dev/moot/internal/task"
)

// Archive layout: tasks/<id>/task.json and tasks/<id>/rounds.json.
const archivePrefix = "tasks"

func runExport(args []string) error {
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
		fmt.Fprintf(os.Stderr, "Usage: moot export -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	records, err := db.ListTaskRecords()
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

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

	for _, record := range records {
		if err := writeArchiveJSON(tw, path.Join(archivePrefix, record.ID, "task.json"), record); err != nil {
			return fmt.Errorf("export task %s: %w", record.ID, err)
		}
		rounds, err := db.GetRounds(record.ID)
		if err != nil {
			return fmt.Errorf("load rounds for %s: %w", record.ID, err)
		}
		if len(rounds) == 0 {
			continue
		}
		if err := writeArchiveJSON(tw, path.Join(archivePrefix, record.ID, "rounds.json"), rounds); err != nil {
			return fmt.Errorf("export rounds for %s: %w", record.ID, err)
		}
	}

	// Close everything explicitly to catch write errors.
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

	fmt.Printf("Export complete: %d tasks, %s\n", len(records), formatSize(size))
	return nil
}

func runImport(args []string) error {
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
		fmt.Fprintf(os.Stderr, "Usage: moot import -f <archive.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

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

	imported := 0
	skipped := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		taskID, file := splitArchivePath(hdr.Name)
		if taskID == "" {
			continue
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return fmt.Errorf("read %s: %w", hdr.Name, err)
		}

		switch file {
		case "task.json":
			var record store.TaskRecord
			if err := json.Unmarshal(data, &record); err != nil {
				return fmt.Errorf("decode %s: %w", hdr.Name, err)
			}
			if !overwrite {
				existing, err := db.GetTaskRecord(record.ID)
				if err != nil {
					return fmt.Errorf("check task %s: %w", record.ID, err)
				}
				if existing != nil {
					skipped++
					continue
				}
			}
			if err := db.SaveTaskRecord(&record); err != nil {
				return fmt.Errorf("import task %s: %w", record.ID, err)
			}
			imported++
		case "rounds.json":
			var rounds []task.RoundEntry
			if err := json.Unmarshal(data, &rounds); err != nil {
				return fmt.Errorf("decode %s: %w", hdr.Name, err)
			}
			for _, entry := range rounds {
				if err := db.SaveRound(taskID, entry); err != nil {
					return fmt.Errorf("import rounds for %s: %w", taskID, err)
				}
			}
		}
	}

	fmt.Printf("Import complete: %d tasks imported, %d skipped\n", imported, skipped)
	return nil
}

func writeArchiveJSON(tw *tar.Writer, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write data: %w", err)
	}
	return nil
}

// splitArchivePath splits "tasks/<id>/task.json" into the task id and
// the trailing file name. Entries outside the layout yield "".
func splitArchivePath(name string) (taskID, file string) {
	name = strings.TrimLeft(name, "./")
	parts := strings.Split(name, "/")
	if len(parts) != 3 || parts[0] != archivePrefix {
		return "", ""
	}
	return parts[1], parts[2]
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
