package ffmpeg

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeRunner struct {
	calls  [][]string
	stdout []byte
	errs   []error // one per call, nil-padded
	onRun  func(call int, args []string)
}

func (f *fakeRunner) Run(_ context.Context, _ string, args []string, _ func(string)) ([]byte, error) {
	call := len(f.calls)
	f.calls = append(f.calls, args)
	if f.onRun != nil {
		f.onRun(call, args)
	}
	if call < len(f.errs) && f.errs[call] != nil {
		return nil, f.errs[call]
	}
	return f.stdout, nil
}

func TestLadderFor(t *testing.T) {
	full := LadderFor(1080)
	if len(full) != 4 || full[0].Height != 1080 || full[3].Height != 360 {
		t.Fatalf("1080 ladder = %+v", full)
	}
	short := LadderFor(720)
	if len(short) != 3 || short[0].Height != 720 {
		t.Fatalf("720 ladder = %+v", short)
	}
	if TopEditionFor(2160) != 1080 || TopEditionFor(720) != 720 || TopEditionFor(480) != 720 {
		t.Fatal("TopEditionFor mapping wrong")
	}
}

func TestBuildHLSArgsShape(t *testing.T) {
	ladder := LadderFor(720)
	args := buildHLSArgs("in.mp4", "hls_output", ladder, 4, false)
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"[0:v]split=3[v0][v1][v2]",
		"scale=-2:720[v0out]",
		"scale=-2:360[v2out]",
		"-b:v:0 1200k",
		"-b:v:2 400k",
		"-x264-params " + x264Keyframes,
		"-b:a:0 96k",
		"-ar:a:0 44100",
		"-hls_time 6",
		"-hls_playlist_type vod",
		"-hls_segment_type fmp4",
		"-hls_flags single_file",
		"-master_pl_name master.m3u8",
		"v:0,a:0,name:720p v:1,a:1,name:480p v:2,a:2,name:360p",
		"-threads 4",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args missing %q:\n%s", want, joined)
		}
	}
}

func TestBuildHLSArgsAudioCopy(t *testing.T) {
	args := buildHLSArgs("in.mp4", "out", LadderFor(720), 0, true)
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-c:a:0 copy") {
		t.Fatalf("audio copy retry must use stream copy:\n%s", joined)
	}
	if strings.Contains(joined, "-b:a:0") {
		t.Fatalf("audio copy retry must not set an audio bitrate:\n%s", joined)
	}
}

func writeVariants(t *testing.T, dir string, ladder []Rendition) {
	t.Helper()
	for _, r := range ladder {
		name := r.Name()
		if err := os.MkdirAll(filepath.Join(dir, name), 0o755); err != nil {
			t.Fatal(err)
		}
		playlist := "#EXTM3U\n#EXT-X-ENDLIST\n"
		if err := os.WriteFile(filepath.Join(dir, name, name+".m3u8"), []byte(playlist), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestTranscodeSynthesizesMissingMaster(t *testing.T) {
	dir := t.TempDir()
	ladder := LadderFor(720)
	runner := &fakeRunner{onRun: func(_ int, _ []string) {
		writeVariants(t, dir, ladder)
	}}
	tr := New(Config{}, runner, nil)

	result, err := tr.TranscodeHLS(context.Background(), "in.mp4", 720, dir)
	if err != nil {
		t.Fatalf("TranscodeHLS: %v", err)
	}
	raw, err := os.ReadFile(result.MasterPath)
	if err != nil {
		t.Fatalf("master not synthesized: %v", err)
	}
	master := string(raw)
	if !strings.HasPrefix(master, "#EXTM3U\n#EXT-X-VERSION:7\n") {
		t.Fatalf("master header wrong:\n%s", master)
	}
	if !strings.Contains(master, `#EXT-X-STREAM-INF:BANDWIDTH=1296000,RESOLUTION=1280x720,CODECS="avc1.4d401f,mp4a.40.2"`) {
		t.Fatalf("missing 720p stream-inf:\n%s", master)
	}
	if !strings.Contains(master, "720p/720p.m3u8") {
		t.Fatalf("missing relative variant path:\n%s", master)
	}
}

func TestTranscodeRetriesWithAudioCopyOnAssertion(t *testing.T) {
	dir := t.TempDir()
	ladder := LadderFor(720)
	runner := &fakeRunner{
		errs: []error{errors.New("ffmpeg exited: Assertion cbits <= 1440 failed at aacenc.c")},
		onRun: func(call int, _ []string) {
			if call == 1 {
				writeVariants(t, dir, ladder)
			}
		},
	}
	tr := New(Config{}, runner, nil)

	if _, err := tr.TranscodeHLS(context.Background(), "in.mp4", 720, dir); err != nil {
		t.Fatalf("TranscodeHLS: %v", err)
	}
	if len(runner.calls) != 2 {
		t.Fatalf("expected 2 invocations, got %d", len(runner.calls))
	}
	retry := strings.Join(runner.calls[1], " ")
	if !strings.Contains(retry, "-c:a:0 copy") {
		t.Fatalf("retry must copy audio:\n%s", retry)
	}
}

func TestTranscodeDoesNotRetryOtherFailures(t *testing.T) {
	runner := &fakeRunner{errs: []error{errors.New("ffmpeg exited: Invalid data found")}}
	tr := New(Config{}, runner, nil)
	if _, err := tr.TranscodeHLS(context.Background(), "in.mp4", 720, t.TempDir()); err == nil {
		t.Fatal("expected failure")
	}
	if len(runner.calls) != 1 {
		t.Fatalf("unexpected retry: %d calls", len(runner.calls))
	}
}

func TestMuxValidatesOutput(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "merged.mp4")
	runner := &fakeRunner{onRun: func(_ int, _ []string) {
		os.WriteFile(out, []byte("mp4"), 0o644)
	}}
	tr := New(Config{}, runner, nil)

	got, err := tr.Mux(context.Background(), "v.mp4", "a.mp3", out)
	if err != nil {
		t.Fatalf("Mux: %v", err)
	}
	if got != out {
		t.Fatalf("Mux path = %s", got)
	}
	joined := strings.Join(runner.calls[0], " ")
	for _, want := range []string{"-c copy", "-fflags +genpts", "-avoid_negative_ts make_zero", "-movflags +faststart"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("mux args missing %q:\n%s", want, joined)
		}
	}
}

func TestMuxRejectsEmptyOutput(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "merged.mp4")
	runner := &fakeRunner{onRun: func(_ int, _ []string) {
		os.WriteFile(out, nil, 0o644)
	}}
	tr := New(Config{}, runner, nil)
	if _, err := tr.Mux(context.Background(), "v.mp4", "a.mp3", out); err == nil {
		t.Fatal("expected empty-output failure")
	}
}

func TestParseProbe(t *testing.T) {
	payload := `{
		"streams": [
			{"codec_type": "audio"},
			{"codec_type": "video", "width": 1920, "height": 1080}
		],
		"format": {"duration": "212.431000"}
	}`
	result, err := parseProbe([]byte(payload))
	if err != nil {
		t.Fatalf("parseProbe: %v", err)
	}
	if result.Width != 1920 || result.Height != 1080 {
		t.Fatalf("dimensions = %dx%d", result.Width, result.Height)
	}
	if result.DurationSeconds < 212.4 || result.DurationSeconds > 212.5 {
		t.Fatalf("duration = %f", result.DurationSeconds)
	}
}

func TestIsAudioEncoderAssertion(t *testing.T) {
	if !isAudioEncoderAssertion("Assertion cbits <= 1440 failed at libavcodec/aacenc.c:123") {
		t.Fatal("aac assertion not detected")
	}
	if isAudioEncoderAssertion("Invalid data found when processing input") {
		t.Fatal("false positive")
	}
}
