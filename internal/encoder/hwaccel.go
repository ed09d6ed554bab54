package encoder

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

const probeTimeout = 10 * time.Second

// preferred order when HWAccel is "auto"
var preferredHWAccels = []string{"cuda", "videotoolbox", "qsv", "vaapi", "d3d11va", "dxva2"}

// hwaccel returns the decode acceleration method to use, or "" for software.
// The encoder is asked once per driver; later calls reuse the answer.
// -hwaccels lists what ffmpeg was built with, not what the host has, so a
// decode failure also switches the driver to software for good.
func (d *Driver) hwaccel(ctx context.Context) string {
	if d.hwBroken.Load() {
		return ""
	}
	d.hwOnce.Do(func() {
		d.hwMethod = d.probeHWAccel(ctx)
	})
	return d.hwMethod
}

func (d *Driver) probeHWAccel(ctx context.Context) string {
	want := strings.ToLower(strings.TrimSpace(d.cfg.HWAccel))
	if want == "" || want == "none" || want == "off" {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	stdout, _, err := d.run.Run(ctx, d.cfg.FFmpegPath, "-hide_banner", "-hwaccels")
	if err != nil {
		d.logger.Info("hardware acceleration probe failed, using software decoding", zap.Error(err))
		return ""
	}
	available := parseHWAccels(stdout)

	if want != "auto" {
		if _, ok := available[want]; ok {
			return want
		}
		d.logger.Info("requested hardware acceleration unavailable, using software decoding", zap.String("hwaccel", want))
		return ""
	}
	for _, m := range preferredHWAccels {
		if _, ok := available[m]; ok {
			d.logger.Info("hardware acceleration enabled", zap.String("hwaccel", m))
			return m
		}
	}
	return ""
}

// parseHWAccels reads the method list printed after the
// "Hardware acceleration methods:" header.
func parseHWAccels(out []byte) map[string]struct{} {
	methods := make(map[string]struct{})
	sc := bufio.NewScanner(bytes.NewReader(out))
	inList := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(strings.ToLower(line), "hardware acceleration methods") {
			inList = true
			continue
		}
		if inList && line != "" {
			methods[strings.ToLower(line)] = struct{}{}
		}
	}
	return methods
}
