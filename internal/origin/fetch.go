// Package origin acquires audio from the remote platform and converts it
// to the serving format. Downloads run through yt-dlp, transcoding through
// ffmpeg with loudness normalization; both are external binaries executed
// under a timeout.
package origin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"
)

// Metadata is what the origin knows about a piece of content. It is
// forwarded to the metadata sink; its absence never fails a fetch.
type Metadata struct {
	Title        string
	Artist       string
	Album        string
	CoverURL     string
	Channel      string
	DurationSecs int
	ViewCount    int64
}

// Fetcher retrieves content by id and returns the path of a fully written
// temp file holding the transcoded audio. The caller owns the temp file
// and must move or remove it.
type Fetcher interface {
	Fetch(ctx context.Context, contentID string) (tempPath string, meta *Metadata, err error)
}

// Config holds Downloader construction parameters.
type Config struct {
	// TempDir is where in-progress downloads live. Must be on the same
	// filesystem as the cache dir so the final rename stays atomic.
	TempDir string

	// Bitrate is the target MP3 bitrate, e.g. "192k".
	Bitrate string

	// Timeout bounds each subprocess invocation.
	Timeout time.Duration

	// RatePerMinute caps origin fetches. Zero means unlimited.
	RatePerMinute int
}

// Downloader implements Fetcher with yt-dlp and ffmpeg.
type Downloader struct {
	ytdlpBin  string
	ffmpegBin string
	tempDir   string
	bitrate   string
	runner    *runner
	limiter   *rate.Limiter
	logger    *log.Logger
}

// NewDownloader locates the required binaries and prepares the temp dir.
func NewDownloader(cfg Config, logger *log.Logger) (*Downloader, error) {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(os.TempDir(), "tunecast-fetch")
	}
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("origin: create temp directory: %w", err)
	}
	if cfg.Bitrate == "" {
		cfg.Bitrate = "192k"
	}

	ytdlp, err := findBinary("yt-dlp", []string{
		"/usr/local/bin/yt-dlp",
		"/usr/bin/yt-dlp",
		filepath.Join(os.Getenv("HOME"), ".local", "bin", "yt-dlp"),
	})
	if err != nil {
		return nil, fmt.Errorf("origin: %w (install with: pip install yt-dlp)", err)
	}
	ffmpeg, err := findBinary("ffmpeg", []string{
		"/usr/local/bin/ffmpeg",
		"/usr/bin/ffmpeg",
		"/opt/homebrew/bin/ffmpeg",
	})
	if err != nil {
		return nil, fmt.Errorf("origin: %w (install with your package manager)", err)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), cfg.RatePerMinute)
	}

	d := &Downloader{
		ytdlpBin:  ytdlp,
		ffmpegBin: ffmpeg,
		tempDir:   cfg.TempDir,
		bitrate:   cfg.Bitrate,
		runner:    newRunner(cfg.Timeout, logger),
		limiter:   limiter,
		logger:    logger,
	}

	logger.Info("origin fetcher ready",
		"yt-dlp", ytdlp,
		"ffmpeg", ffmpeg,
		"bitrate", cfg.Bitrate)
	return d, nil
}

// Fetch downloads the content's best audio stream, transcodes it to MP3
// with loudness normalization, and returns the temp file path plus any
// metadata the origin supplied. Every failure path removes its partial
// artifacts.
func (d *Downloader) Fetch(ctx context.Context, contentID string) (string, *Metadata, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return "", nil, &FetchError{ContentID: contentID, Err: err}
	}

	rawPath := filepath.Join(d.tempDir, contentID+".source")
	mp3Path := filepath.Join(d.tempDir, contentID+".mp3")

	meta, err := d.download(ctx, contentID, rawPath)
	if err != nil {
		os.Remove(rawPath) //nolint:errcheck
		return "", nil, err
	}

	if err := d.transcode(ctx, contentID, rawPath, mp3Path); err != nil {
		os.Remove(rawPath) //nolint:errcheck
		os.Remove(mp3Path) //nolint:errcheck
		return "", nil, err
	}
	os.Remove(rawPath) //nolint:errcheck

	d.logger.Info("fetched from origin", "content_id", contentID)
	return mp3Path, meta, nil
}

func (d *Downloader) download(ctx context.Context, contentID, rawPath string) (*Metadata, error) {
	url := "https://www.youtube.com/watch?v=" + contentID

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(d.ytdlpBin,
		"--no-playlist",
		"--no-progress",
		"--print-json",
		"-f", "bestaudio/best",
		"-o", rawPath,
		url,
	)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	d.logger.Debug("downloading", "content_id", contentID)
	if err := d.runner.run(ctx, cmd); err != nil {
		if isOriginGone(stderr.String()) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, contentID)
		}
		d.logger.Error("download failed",
			"content_id", contentID,
			"err", err,
			"stderr", truncate(stderr.String(), 300))
		return nil, &FetchError{ContentID: contentID, Err: err}
	}

	if _, err := os.Stat(rawPath); err != nil {
		return nil, &FetchError{ContentID: contentID, Err: fmt.Errorf("no output file: %w", err)}
	}

	// Metadata is best-effort; a parse failure never fails the fetch.
	meta, err := parseMetadata(stdout.Bytes())
	if err != nil {
		d.logger.Warn("origin metadata unreadable", "content_id", contentID, "err", err)
		return nil, nil
	}
	return meta, nil
}

func (d *Downloader) transcode(ctx context.Context, contentID, rawPath, mp3Path string) error {
	var stderr bytes.Buffer
	cmd := exec.Command(d.ffmpegBin,
		"-y",
		"-i", rawPath,
		"-vn",
		"-c:a", "libmp3lame",
		"-b:a", d.bitrate,
		"-af", "loudnorm",
		mp3Path,
	)
	cmd.Stderr = &stderr

	d.logger.Debug("transcoding", "content_id", contentID, "bitrate", d.bitrate)
	if err := d.runner.run(ctx, cmd); err != nil {
		d.logger.Error("transcode failed",
			"content_id", contentID,
			"err", err,
			"stderr", truncate(stderr.String(), 300))
		return &TranscodeError{ContentID: contentID, Err: err}
	}

	if fi, err := os.Stat(mp3Path); err != nil || fi.Size() == 0 {
		return &TranscodeError{ContentID: contentID, Err: fmt.Errorf("empty output")}
	}
	return nil
}

// ytdlpInfo is the subset of yt-dlp's --print-json output we care about.
type ytdlpInfo struct {
	Title     string  `json:"title"`
	Artist    string  `json:"artist"`
	Uploader  string  `json:"uploader"`
	Album     string  `json:"album"`
	Thumbnail string  `json:"thumbnail"`
	Channel   string  `json:"channel"`
	Duration  float64 `json:"duration"`
	ViewCount int64   `json:"view_count"`
}

func parseMetadata(raw []byte) (*Metadata, error) {
	var info ytdlpInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, err
	}

	artist := info.Artist
	if artist == "" {
		artist = info.Uploader
	}
	return &Metadata{
		Title:        info.Title,
		Artist:       artist,
		Album:        info.Album,
		CoverURL:     info.Thumbnail,
		Channel:      info.Channel,
		DurationSecs: int(info.Duration),
		ViewCount:    info.ViewCount,
	}, nil
}

// isOriginGone reports whether yt-dlp's stderr indicates the content no
// longer exists, as opposed to a transient failure.
func isOriginGone(stderr string) bool {
	for _, marker := range []string{
		"Video unavailable",
		"This video is not available",
		"Private video",
		"has been removed",
		"Incomplete YouTube ID",
	} {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}

func findBinary(name string, candidates []string) (string, error) {
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%s not found", name)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
