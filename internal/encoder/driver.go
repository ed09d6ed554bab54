// Package encoder drives ffmpeg to cut blueprint clips into uniform
// segments, concatenate them and mux the song underneath.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/makeasinger/choreo/internal/logging"
	"github.com/makeasinger/choreo/internal/model"
)

const (
	outputName    = "output.mp4"
	videoOnlyName = "video_only.mp4"
	concatName    = "concat.txt"
	segmentsDir   = "segments"

	frameRate    = 30
	audioBitrate = "192k"
)

// Config mirrors the encoder section of the service configuration.
type Config struct {
	FFmpegPath        string
	FFprobePath       string
	HWAccel           string
	VideoTimeout      time.Duration
	MuxTimeout        time.Duration
	DefaultResolution string
	DefaultStrategy   model.Strategy
}

// Job is one assembly: the blueprint plus the local copies of its media.
// ClipFiles[i] is the fetched file for Blueprint.Moves[i].
type Job struct {
	Blueprint *model.Blueprint
	WorkDir   string
	AudioFile string
	ClipFiles []string
}

// Output describes a verified render.
type Output struct {
	Path     string
	Size     int64
	Duration float64
	Strategy model.Strategy
	HWAccel  string
}

// Driver runs one encoder process at a time.
type Driver struct {
	cfg    Config
	run    Runner
	logger *zap.Logger

	hwOnce   sync.Once
	hwMethod string
	// set once a hardware-decoded segment fails; software from then on
	hwBroken atomic.Bool
}

// New builds a driver. A nil runner uses os/exec.
func New(cfg Config, run Runner, logger *zap.Logger) *Driver {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.VideoTimeout <= 0 {
		cfg.VideoTimeout = 300 * time.Second
	}
	if cfg.MuxTimeout <= 0 {
		cfg.MuxTimeout = 600 * time.Second
	}
	if cfg.DefaultResolution == "" {
		cfg.DefaultResolution = "1280x720"
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = model.StrategySinglePass
	}
	if run == nil {
		run = ExecRunner{}
	}
	return &Driver{cfg: cfg, run: run, logger: logging.OrNop(logger)}
}

// Assemble renders the job into WorkDir/output.mp4. Intermediate files are
// always removed; on failure the partial output goes too but WorkDir stays.
func (d *Driver) Assemble(ctx context.Context, job Job) (out *Output, err error) {
	if err := checkInputs(job); err != nil {
		return nil, err
	}
	bp := job.Blueprint
	width, height, err := parseResolution(bp.Output.Resolution, d.cfg.DefaultResolution)
	if err != nil {
		return nil, &AssemblyError{Stage: StageInputs, Err: err}
	}
	strategy := bp.Output.Strategy
	if strategy == "" {
		strategy = d.cfg.DefaultStrategy
	}

	outputPath := filepath.Join(job.WorkDir, outputName)
	segDir := filepath.Join(job.WorkDir, segmentsDir)
	concatPath := filepath.Join(job.WorkDir, concatName)
	videoOnly := filepath.Join(job.WorkDir, videoOnlyName)

	defer func() {
		_ = os.RemoveAll(segDir)
		_ = os.Remove(concatPath)
		_ = os.Remove(videoOnly)
		if err != nil {
			_ = os.Remove(outputPath)
		}
	}()

	hw := d.hwaccel(ctx)
	logger := d.logger.With(
		zap.String(logging.FieldTaskID, bp.TaskID),
		zap.String("strategy", string(strategy)),
		zap.String("hwaccel", hw),
	)
	started := time.Now()

	if err := os.MkdirAll(segDir, 0o755); err != nil {
		return nil, &AssemblyError{Stage: StageSegment, Files: []string{segDir}, Err: err}
	}
	segments := make([]string, len(bp.Moves))
	for i, mv := range bp.Moves {
		segments[i] = filepath.Join(segDir, fmt.Sprintf("seg_%04d.mp4", i))
		args := d.segmentArgs(hw, mv, job.ClipFiles[i], segments[i], bp.Output, width, height)
		err := d.exec(ctx, StageSegment, d.cfg.VideoTimeout, args, job.ClipFiles[i], segments[i])
		if err != nil && hw != "" && ctx.Err() == nil {
			logger.Warn("hardware decoding failed, retrying in software",
				zap.Int("segment", i), zap.Error(err))
			d.hwBroken.Store(true)
			hw = ""
			args = d.segmentArgs(hw, mv, job.ClipFiles[i], segments[i], bp.Output, width, height)
			err = d.exec(ctx, StageSegment, d.cfg.VideoTimeout, args, job.ClipFiles[i], segments[i])
		}
		if err != nil {
			return nil, err
		}
	}
	logger.Debug("segments encoded", zap.Int("segments", len(segments)))

	if err := writeConcatList(concatPath, segments); err != nil {
		return nil, &AssemblyError{Stage: StageConcat, Files: []string{concatPath}, Err: err}
	}

	switch strategy {
	case model.StrategyTwoStep:
		args := []string{"-y", "-hide_banner", "-loglevel", "error",
			"-f", "concat", "-safe", "0", "-i", concatPath,
			"-c", "copy", "-an", videoOnly}
		if err := d.exec(ctx, StageConcat, d.cfg.VideoTimeout, args, concatPath, videoOnly); err != nil {
			return nil, err
		}
		args = []string{"-y", "-hide_banner", "-loglevel", "error",
			"-i", videoOnly, "-i", job.AudioFile,
			"-map", "0:v:0", "-map", "1:a:0",
			"-c:v", "copy", "-c:a", "aac", "-b:a", audioBitrate,
			"-t", formatSeconds(bp.TotalDuration()), "-shortest",
			"-movflags", "+faststart", outputPath}
		if err := d.exec(ctx, StageMux, d.cfg.MuxTimeout, args, videoOnly, job.AudioFile, outputPath); err != nil {
			return nil, err
		}
	default:
		args := []string{"-y", "-hide_banner", "-loglevel", "error",
			"-f", "concat", "-safe", "0", "-i", concatPath,
			"-i", job.AudioFile,
			"-map", "0:v:0", "-map", "1:a:0",
			"-c:v", "copy", "-c:a", "aac", "-b:a", audioBitrate,
			"-t", formatSeconds(bp.TotalDuration()), "-shortest",
			"-movflags", "+faststart", outputPath}
		if err := d.exec(ctx, StageMux, d.cfg.MuxTimeout, args, concatPath, job.AudioFile, outputPath); err != nil {
			return nil, err
		}
	}

	out, err = d.verify(ctx, outputPath)
	if err != nil {
		return nil, err
	}
	out.Strategy = strategy
	out.HWAccel = hw

	logger.Info("video assembled",
		zap.String(logging.FieldPath, outputPath),
		zap.Int64("size", out.Size),
		zap.Float64("video_duration", out.Duration),
		zap.Duration(logging.FieldDuration, time.Since(started)),
	)
	return out, nil
}

func (d *Driver) segmentArgs(hw string, mv model.MoveEntry, in, out string, oc *model.OutputConfig, width, height int) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	if hw != "" {
		args = append(args, "-hwaccel", hw)
	}
	args = append(args,
		"-ss", formatSeconds(mv.SourceOffset()),
		"-t", formatSeconds(mv.Duration),
		"-i", in,
		"-vf", videoFilter(mv, width, height),
		"-an",
		"-c:v", oc.Codec,
		"-b:v", oc.Bitrate,
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(frameRate),
		out,
	)
	return args
}

// videoFilter scales every clip into the same frame so the concat demuxer
// can stream-copy the segments.
func videoFilter(mv model.MoveEntry, width, height int) string {
	f := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=%d",
		width, height, width, height, frameRate)
	switch mv.Transition {
	case model.TransitionCrossfade:
		f += ",fade=t=in:st=0:d=" + formatSeconds(math.Min(0.25, mv.Duration/4))
	case model.TransitionFadeBlack:
		f += ",fade=t=in:st=0:d=" + formatSeconds(math.Min(0.5, mv.Duration/4)) + ":color=black"
	}
	return f
}

// exec runs ffmpeg under its own deadline and turns failures into
// AssemblyErrors carrying the stderr tail.
func (d *Driver) exec(ctx context.Context, stage string, timeout time.Duration, args []string, files ...string) error {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d.logger.Debug("running encoder", zap.String(logging.FieldStage, stage), zap.Strings("args", args))
	_, stderr, err := d.run.Run(runCtx, d.cfg.FFmpegPath, args...)
	if err == nil {
		return nil
	}
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	if timedOut {
		err = fmt.Errorf("%s step exceeded %s: %w", stage, timeout, context.DeadlineExceeded)
	}
	return &AssemblyError{Stage: stage, Files: files, Output: tail(stderr), Timeout: timedOut, Err: err}
}

// verify confirms the output exists, is non-empty and carries both streams.
func (d *Driver) verify(ctx context.Context, path string) (*Output, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &AssemblyError{Stage: StageVerify, Files: []string{path}, Err: fmt.Errorf("output missing: %w", err)}
	}
	if info.Size() == 0 {
		return nil, &AssemblyError{Stage: StageVerify, Files: []string{path}, Err: errors.New("output is empty")}
	}

	probeCtx, cancel := context.WithTimeout(ctx, d.cfg.VideoTimeout)
	defer cancel()
	res, err := Inspect(probeCtx, d.run, d.cfg.FFprobePath, path)
	if err != nil {
		return nil, &AssemblyError{Stage: StageVerify, Files: []string{path}, Err: err}
	}
	if res.VideoStreamCount() == 0 || res.AudioStreamCount() == 0 {
		return nil, &AssemblyError{
			Stage: StageVerify,
			Files: []string{path},
			Err:   fmt.Errorf("expected video and audio streams, found %d video and %d audio", res.VideoStreamCount(), res.AudioStreamCount()),
		}
	}
	dur := res.DurationSeconds()
	if math.IsNaN(dur) {
		dur = 0
	}
	return &Output{Path: path, Size: info.Size(), Duration: dur}, nil
}

func checkInputs(job Job) error {
	bp := job.Blueprint
	if bp == nil || bp.Output == nil || len(bp.Moves) == 0 {
		return &AssemblyError{Stage: StageInputs, Err: errors.New("blueprint has no moves or output config")}
	}
	if job.WorkDir == "" {
		return &AssemblyError{Stage: StageInputs, Err: errors.New("work directory not set")}
	}
	if len(job.ClipFiles) != len(bp.Moves) {
		return &AssemblyError{Stage: StageInputs, Err: fmt.Errorf("have %d clip files for %d moves", len(job.ClipFiles), len(bp.Moves))}
	}
	var bad []string
	for _, f := range append([]string{job.AudioFile}, job.ClipFiles...) {
		info, err := os.Stat(f)
		if err != nil || info.Size() == 0 {
			bad = append(bad, f)
		}
	}
	if len(bad) > 0 {
		return &AssemblyError{Stage: StageInputs, Files: bad, Err: errors.New("input missing or empty")}
	}
	return nil
}

// writeConcatList writes an ffconcat file; single quotes in paths are
// escaped the way the concat demuxer expects.
func writeConcatList(path string, segments []string) error {
	var b strings.Builder
	b.WriteString("ffconcat version 1.0\n")
	for _, s := range segments {
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(s, "'", `'\''`))
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func parseResolution(res, fallback string) (int, int, error) {
	if res == "" {
		res = fallback
	}
	w, h, ok := strings.Cut(strings.ToLower(res), "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid resolution %q", res)
	}
	width, err1 := strconv.Atoi(w)
	height, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil || width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution %q", res)
	}
	// most codecs require even dimensions
	return width &^ 1, height &^ 1, nil
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
