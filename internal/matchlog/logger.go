// Package matchlog writes surfaced matches to one CSV file per stream session.
package matchlog

import (
	"encoding/csv"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/christian-lee/radiotap/internal/fingerprint"
)

// Logger appends matches to <dir>/<date>_<time>_<host>.csv.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
	now    func() time.Time
}

// NewLogger creates the CSV file for a session on streamURL.
func NewLogger(dir, streamURL string) (*Logger, error) {
	return newLogger(dir, streamURL, time.Now)
}

func newLogger(dir, streamURL string, now func() time.Time) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create match log dir: %w", err)
	}

	filename := fmt.Sprintf("%s_%s.csv", now().Format("20060102_150405"), sanitize(hostOf(streamURL)))
	f, err := os.Create(filepath.Join(dir, filename))
	if err != nil {
		return nil, fmt.Errorf("create match log: %w", err)
	}

	w := csv.NewWriter(f)
	w.Write([]string{"time", "id", "name", "type", "confidence", "info"})
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("write match log header: %w", err)
	}

	return &Logger{file: f, writer: w, now: now}, nil
}

// Write logs one match.
func (l *Logger) Write(m fingerprint.Match) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer == nil {
		return
	}
	l.writer.Write([]string{
		l.now().Format("15:04:05"),
		strconv.Itoa(m.ID),
		m.Name,
		m.Type,
		strconv.Itoa(m.Confidence),
		m.Info,
	})
	l.writer.Flush()
}

// Close flushes and closes the file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer == nil {
		return nil
	}
	l.writer.Flush()
	l.writer = nil
	return l.file.Close()
}

// Path returns the file path.
func (l *Logger) Path() string {
	return l.file.Name()
}

func hostOf(streamURL string) string {
	u, err := url.Parse(streamURL)
	if err != nil || u.Host == "" {
		return "stream"
	}
	return u.Host
}

// sanitize makes a filename-safe string.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
}

// FileInfo describes a match log file.
type FileInfo struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	ModTime string `json:"mod_time"`
}

// ListFiles returns all match log CSV files, newest first.
func ListFiles(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []FileInfo
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".csv" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Name:    e.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime().Format("2006-01-02 15:04:05"),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name > files[j].Name })
	return files, nil
}
