package watcher

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rcourtman/vigil/internal/models"
)

// FileSource reads channels from JSON-lines files under a directory, one
// file per channel (<dir>/<channel>.jsonl). The bookmark token is the byte
// offset after the last delivered line, so resume is exact.
type FileSource struct {
	dir string
}

// NewFileSource creates a file-backed source rooted at dir.
func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

// Open opens the channel file at the bookmarked offset.
func (s *FileSource) Open(ctx context.Context, channel, xpathFilter, fromBookmark string) (Subscription, error) {
	path := filepath.Join(s.dir, sanitizeChannel(channel)+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		}
		return nil, fmt.Errorf("%w: %s", ErrChannelUnavailable, path)
	}

	offset := int64(0)
	if fromBookmark != "" {
		if v, err := strconv.ParseInt(fromBookmark, 10, 64); err == nil && v >= 0 {
			offset = v
		}
	}
	if fi, err := f.Stat(); err == nil && offset > fi.Size() {
		// File was truncated or rotated; start over rather than skip.
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: seek: %v", ErrChannelUnavailable, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		f.Close()
		return nil, fmt.Errorf("%w: watch: %v", ErrChannelUnavailable, err)
	}

	return &fileSubscription{
		channel: channel,
		path:    path,
		file:    f,
		reader:  bufio.NewReader(f),
		offset:  offset,
		watcher: watcher,
	}, nil
}

type fileSubscription struct {
	channel string
	path    string
	file    *os.File
	reader  *bufio.Reader
	offset  int64
	watcher *fsnotify.Watcher
}

// fileRecord is the wire shape of one line.
type fileRecord struct {
	EventID     int               `json:"event_id"`
	TimeCreated time.Time         `json:"time_created"`
	Host        string            `json:"host"`
	XML         string            `json:"xml,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// Next returns the following record, blocking on file growth.
func (s *fileSubscription) Next(ctx context.Context) (*models.RawRecord, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if err == nil || (err == io.EOF && line != "") {
			if err == io.EOF {
				// Partial trailing line; wait for the rest.
				if _, serr := s.file.Seek(s.offset, io.SeekStart); serr != nil {
					return nil, fmt.Errorf("%w: seek: %v", ErrChannelUnavailable, serr)
				}
				s.reader.Reset(s.file)
				if werr := s.waitForGrowth(ctx); werr != nil {
					return nil, werr
				}
				continue
			}
			s.offset += int64(len(line))
			rec, perr := s.parse(line)
			if perr != nil {
				return nil, perr
			}
			return rec, nil
		}
		if err != io.EOF {
			return nil, fmt.Errorf("%w: read: %v", ErrChannelUnavailable, err)
		}
		if werr := s.waitForGrowth(ctx); werr != nil {
			return nil, werr
		}
	}
}

func (s *fileSubscription) parse(line string) (*models.RawRecord, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("%w: empty line", ErrParse)
	}
	var fr fileRecord
	if err := json.Unmarshal([]byte(line), &fr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if fr.TimeCreated.IsZero() {
		fr.TimeCreated = time.Now()
	}
	return &models.RawRecord{
		Channel:       s.channel,
		EventID:       fr.EventID,
		TimeCreated:   fr.TimeCreated,
		XMLPayload:    fr.XML,
		Host:          fr.Host,
		Fields:        fr.Fields,
		BookmarkToken: strconv.FormatInt(s.offset, 10),
	}, nil
}

// waitForGrowth blocks until the channel file changes. A poll ticker backs
// up fsnotify for filesystems that miss events.
func (s *fileSubscription) waitForGrowth(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return fmt.Errorf("%w: watcher closed", ErrChannelUnavailable)
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				return fmt.Errorf("%w: file rotated", ErrChannelUnavailable)
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				return nil
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return fmt.Errorf("%w: watcher closed", ErrChannelUnavailable)
			}
			return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
		case <-ticker.C:
			if fi, err := os.Stat(s.path); err != nil {
				return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
			} else if fi.Size() > s.offset {
				return nil
			}
		}
	}
}

// Close releases the file and its watch.
func (s *fileSubscription) Close() error {
	s.watcher.Close()
	return s.file.Close()
}

func sanitizeChannel(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
