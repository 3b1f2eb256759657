package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rcourtman/vigil/internal/models"
)

const (
	lineOne = `{"event_id":4625,"time_created":"2026-03-01T10:00:00Z","host":"WS01","fields":{"TargetUserName":"alice"}}` + "\n"
	lineTwo = `{"event_id":4624,"time_created":"2026-03-01T10:00:05Z","host":"WS01"}` + "\n"
)

func writeChannelFile(t *testing.T, dir, channel, content string) string {
	t.Helper()
	path := filepath.Join(dir, channel+".jsonl")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func openChannel(t *testing.T, dir, channel, bookmark string) Subscription {
	t.Helper()
	sub, err := NewFileSource(dir).Open(context.Background(), channel, "", bookmark)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sub.Close() })
	return sub
}

func TestFileSourceReadsRecords(t *testing.T) {
	dir := t.TempDir()
	writeChannelFile(t, dir, "Security", lineOne+lineTwo)
	sub := openChannel(t, dir, "Security", "")
	ctx := context.Background()

	rec, err := sub.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Channel != "Security" || rec.EventID != 4625 || rec.Host != "WS01" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Fields["TargetUserName"] != "alice" {
		t.Fatalf("fields = %v", rec.Fields)
	}
	// The bookmark is the byte offset after the delivered line.
	if rec.BookmarkToken != strconv.Itoa(len(lineOne)) {
		t.Fatalf("bookmark = %s, want %d", rec.BookmarkToken, len(lineOne))
	}

	rec, err = sub.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.EventID != 4624 {
		t.Fatalf("second record = %+v", rec)
	}
	if rec.BookmarkToken != strconv.Itoa(len(lineOne)+len(lineTwo)) {
		t.Fatalf("bookmark = %s", rec.BookmarkToken)
	}
}

func TestFileSourceResumesFromBookmark(t *testing.T) {
	dir := t.TempDir()
	writeChannelFile(t, dir, "Security", lineOne+lineTwo)
	sub := openChannel(t, dir, "Security", strconv.Itoa(len(lineOne)))

	rec, err := sub.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rec.EventID != 4624 {
		t.Fatalf("resume skipped to %+v", rec)
	}
}

func TestFileSourceTruncationRestartsFromZero(t *testing.T) {
	dir := t.TempDir()
	writeChannelFile(t, dir, "Security", lineOne)

	// Bookmark beyond the file size means the file was rotated under us.
	sub := openChannel(t, dir, "Security", "99999")
	rec, err := sub.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rec.EventID != 4625 {
		t.Fatalf("truncated channel must replay from the start, got %+v", rec)
	}
}

func TestFileSourceMissingChannel(t *testing.T) {
	_, err := NewFileSource(t.TempDir()).Open(context.Background(), "Nope", "", "")
	if !errors.Is(err, ErrChannelUnavailable) {
		t.Fatalf("got %v, want ErrChannelUnavailable", err)
	}
}

func TestFileSourceParseErrorAdvances(t *testing.T) {
	dir := t.TempDir()
	writeChannelFile(t, dir, "Security", "this is not json\n"+lineOne)
	sub := openChannel(t, dir, "Security", "")
	ctx := context.Background()

	if _, err := sub.Next(ctx); !errors.Is(err, ErrParse) {
		t.Fatalf("got %v, want ErrParse", err)
	}
	// The bad line is consumed; the next call delivers the good one.
	rec, err := sub.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.EventID != 4625 {
		t.Fatalf("record after bad line = %+v", rec)
	}
}

func TestFileSourceWaitsForPartialLine(t *testing.T) {
	dir := t.TempDir()
	// Only the front half of a record is on disk.
	path := writeChannelFile(t, dir, "Security", lineOne[:20])
	sub := openChannel(t, dir, "Security", "")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type result struct {
		rec *models.RawRecord
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := sub.Next(ctx)
		done <- result{rec, err}
	}()

	time.Sleep(100 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(lineOne[20:]); err != nil {
		t.Fatal(err)
	}
	f.Close()

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatal(r.err)
		}
		if r.rec.EventID != 4625 {
			t.Fatalf("record = %+v", r.rec)
		}
	case <-ctx.Done():
		t.Fatal("Next never returned after the line completed")
	}
}

func TestFileSourceSanitizesChannelName(t *testing.T) {
	dir := t.TempDir()
	writeChannelFile(t, dir, "Windows_PowerShell", lineOne)

	// Spaces in the channel name map onto the sanitized filename.
	sub := openChannel(t, dir, "Windows PowerShell", "")
	rec, err := sub.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Channel != "Windows PowerShell" {
		t.Fatalf("channel = %q", rec.Channel)
	}
}

func TestFileSourceContextCancel(t *testing.T) {
	dir := t.TempDir()
	writeChannelFile(t, dir, "Security", lineOne)
	sub := openChannel(t, dir, "Security", "")
	ctx := context.Background()

	if _, err := sub.Next(ctx); err != nil {
		t.Fatal(err)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := sub.Next(cctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}
