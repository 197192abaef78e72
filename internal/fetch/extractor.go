package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"

	kit "mediabot/internal/transport"
	logx "mediabot/pkg/logx"
)

var (
	// ErrNoMedia means the extractor finished without producing a file,
	// which is how yt-dlp reports a max-filesize skip.
	ErrNoMedia = errors.New("extractor produced no media")
)

const defaultExtractTimeout = 5 * time.Minute

type ExtractorConfig struct {
	// Binary is the yt-dlp executable. Empty resolves "yt-dlp" from PATH.
	Binary      string
	Format      string
	MaxFileSize string
	Timeout     time.Duration
}

// Info is the metadata known before download.
type Info struct {
	Locator string
	Title   string
}

// File is a downloaded media file inside a workspace.
type File struct {
	Path  string
	Name  string
	Title string
	Kind  kit.MediaKind
	Size  int64
}

// Extractor fetches media for a locator.
type Extractor interface {
	Probe(ctx context.Context, locator string) (Info, error)
	Download(ctx context.Context, locator, dir string) (File, error)
}

// YTDLP runs the external yt-dlp tool.
type YTDLP struct {
	cfg ExtractorConfig
	log logx.Logger
}

func NewYTDLP(cfg ExtractorConfig, log logx.Logger) *YTDLP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultExtractTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &YTDLP{cfg: cfg, log: log}
}

func (y *YTDLP) command() *ytdlp.Command {
	cmd := ytdlp.New().
		NoPlaylist().
		RestrictFilenames().
		ForceOverwrites().
		PrintJSON()
	if y.cfg.Binary != "" {
		cmd.SetExecutable(y.cfg.Binary)
	}
	return cmd
}

func (y *YTDLP) Probe(ctx context.Context, locator string) (Info, error) {
	ctx, cancel := context.WithTimeout(ctx, y.cfg.Timeout)
	defer cancel()

	res, err := y.command().SkipDownload().Run(ctx, locator)
	if err != nil {
		return Info{}, fmt.Errorf("probe %s: %w", locator, err)
	}
	info := Info{Locator: locator}
	if ex, err := res.GetExtractedInfo(); err == nil && len(ex) > 0 && ex[0].Title != nil {
		info.Title = *ex[0].Title
	}
	return info, nil
}

func (y *YTDLP) Download(ctx context.Context, locator, dir string) (File, error) {
	ctx, cancel := context.WithTimeout(ctx, y.cfg.Timeout)
	defer cancel()

	cmd := y.command().Output(filepath.Join(dir, "%(title).80s.%(ext)s"))
	if y.cfg.Format != "" {
		cmd.Format(y.cfg.Format)
	}
	if y.cfg.MaxFileSize != "" {
		cmd.MaxFileSize(y.cfg.MaxFileSize)
	}

	start := time.Now()
	res, err := cmd.Run(ctx, locator)
	if err != nil {
		return File{}, fmt.Errorf("download %s: %w", locator, err)
	}

	var title, reported string
	if ex, err := res.GetExtractedInfo(); err == nil && len(ex) > 0 {
		if ex[0].Title != nil {
			title = *ex[0].Title
		}
		if ex[0].Filename != nil {
			reported = *ex[0].Filename
		}
	}
	path, err := pickFile(dir, reported)
	if err != nil {
		return File{}, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("stat %s: %w", path, err)
	}
	f := File{Path: path, Name: filepath.Base(path), Title: title, Kind: KindOf(path), Size: st.Size()}
	y.log.Debug("download finished", logx.String("locator", locator), logx.String("file", f.Name), logx.Int64("bytes", f.Size), logx.Duration("dur", time.Since(start)))
	return f, nil
}

// pickFile prefers the path yt-dlp reported and falls back to the largest
// finished file in dir.
func pickFile(dir, reported string) (string, error) {
	if reported != "" {
		if st, err := os.Stat(reported); err == nil && st.Mode().IsRegular() {
			return reported, nil
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	type cand struct {
		path string
		size int64
	}
	var found []cand
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".ytdl") || strings.HasSuffix(name, ".json") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, cand{path: filepath.Join(dir, name), size: fi.Size()})
	}
	if len(found) == 0 {
		return "", ErrNoMedia
	}
	sort.Slice(found, func(i, j int) bool { return found[i].size > found[j].size })
	return found[0].path, nil
}

// KindOf maps a file extension to the delivery kind.
func KindOf(path string) kit.MediaKind {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "mp4", "mkv", "webm", "mov", "m4v":
		return kit.MediaVideo
	case "mp3", "m4a", "opus", "ogg", "oga", "flac", "wav", "aac":
		return kit.MediaAudio
	case "jpg", "jpeg", "png", "webp":
		return kit.MediaPhoto
	default:
		return kit.MediaDocument
	}
}
