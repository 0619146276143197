// SPDX-License-Identifier: MIT

// Package hls manages the rolling window of segment files the segmenter
// writes, plus the playlist that indexes them.
package hls

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/picamctl/picamctl/internal/log"
	"github.com/picamctl/picamctl/internal/metrics"
)

const (
	// PlaylistName is the playlist file the segmenter maintains.
	PlaylistName = "stream.m3u8"

	segmentPrefix = "segment_"
	segmentSuffix = ".ts"
)

// SegmentPattern returns the segmenter's output filename template.
func SegmentPattern(dir string) string {
	return filepath.Join(dir, segmentPrefix+"%03d"+segmentSuffix)
}

// PlaylistPath returns the playlist location inside dir.
func PlaylistPath(dir string) string {
	return filepath.Join(dir, PlaylistName)
}

// SegmentFile describes one segment on disk.
type SegmentFile struct {
	Path      string
	Seq       int
	CreatedAt time.Time
}

// Window is an ordered snapshot of the segment files plus the playlist.
type Window struct {
	Segments []SegmentFile
	Playlist string // empty if the playlist does not exist yet
}

// Scan reads dir and returns the current window, ordered by sequence number.
func Scan(dir string) (Window, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Window{}, fmt.Errorf("read segment dir %s: %w", dir, err)
	}

	var w Window
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == PlaylistName {
			w.Playlist = filepath.Join(dir, name)
			continue
		}
		seq, ok := parseSeq(name)
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		w.Segments = append(w.Segments, SegmentFile{
			Path:      filepath.Join(dir, name),
			Seq:       seq,
			CreatedAt: info.ModTime(),
		})
	}

	sort.Slice(w.Segments, func(i, j int) bool { return w.Segments[i].Seq < w.Segments[j].Seq })
	metrics.SegmentWindowFiles.Set(float64(len(w.Segments)))
	return w, nil
}

// Prune removes the oldest segments so at most maxFiles remain. The oldest
// file is always removed before a file beyond the cap is retained.
func Prune(dir string, maxFiles int) error {
	w, err := Scan(dir)
	if err != nil {
		return err
	}
	if len(w.Segments) <= maxFiles {
		return nil
	}

	logger := log.WithComponent("hls")
	for _, seg := range w.Segments[:len(w.Segments)-maxFiles] {
		if err := os.Remove(seg.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("prune segment %s: %w", seg.Path, err)
		}
		logger.Debug().Str(log.FieldPath, seg.Path).Msg("pruned segment beyond window")
	}
	metrics.SegmentWindowFiles.Set(float64(maxFiles))
	return nil
}

// Clean removes all segment files and the playlist. Used by the supervisor's
// cleanup step on stop and restart.
func Clean(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read segment dir %s: %w", dir, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		_, isSegment := parseSeq(name)
		if !isSegment && name != PlaylistName {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}
	metrics.SegmentWindowFiles.Set(0)
	return nil
}

func parseSeq(name string) (int, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	num := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
	seq, err := strconv.Atoi(num)
	if err != nil {
		return 0, false
	}
	return seq, true
}
