// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipline/clipline/internal/download"
	"github.com/clipline/clipline/internal/inference"
	"github.com/clipline/clipline/internal/jobs"
	"github.com/clipline/clipline/internal/media/ffmpeg"
	"github.com/clipline/clipline/internal/model"
	"github.com/clipline/clipline/internal/moments"
	"github.com/clipline/clipline/internal/netutil"
	"github.com/clipline/clipline/internal/objstore"
	"github.com/clipline/clipline/internal/registry"
	"github.com/clipline/clipline/internal/repo"
	"github.com/clipline/clipline/internal/staging"
	"github.com/clipline/clipline/internal/state"
	"github.com/clipline/clipline/internal/tunnel"
)

const probeJSON = `{
  "format": {"duration": "600.000000", "size": "8388608"},
  "streams": [
    {"codec_type": "audio", "codec_name": "aac"},
    {"codec_type": "video", "codec_name": "h264", "width": 1280, "height": 720, "r_frame_rate": "25/1"}
  ]
}`

// writeLastArg stands in for ffmpeg: it writes a marker file to the
// output path, which both ExtractAudio and ExtractClip pass last.
const writeLastArg = `for a in "$@"; do last="$a"; done
printf 'encoded-output' > "$last"
`

func stubTool(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

type execOpts struct {
	ffmpegBody  string
	ffprobeBody string
}

type execFixture struct {
	ex      *Executors
	repos   *repo.MemoryStore
	objects objstore.Store
	status  *state.Status
	models  *registry.Store
	layout  staging.Layout
}

func setupExecutors(t *testing.T, opts execOpts) *execFixture {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start(), "start miniredis")
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	status := state.NewStatus(client, state.StatusOptions{}, zerolog.Nop())
	tracker := jobs.NewTracker(client, jobs.Options{}, zerolog.Nop())
	models := registry.NewStore(client, zerolog.Nop())
	repos := repo.NewMemoryStore()

	base := t.TempDir()
	layout := staging.NewLayout(base)
	require.NoError(t, layout.Prepare())

	signer, err := objstore.NewSigner("http://localhost:8080", "test-secret")
	require.NoError(t, err)
	objects, err := objstore.NewFS(filepath.Join(base, "objects"), signer, zerolog.Nop())
	require.NoError(t, err)

	if opts.ffmpegBody == "" {
		opts.ffmpegBody = writeLastArg
	}
	if opts.ffprobeBody == "" {
		opts.ffprobeBody = "cat <<'EOF'\n" + probeJSON + "\nEOF"
	}
	tools := ffmpeg.New(ffmpeg.Config{
		FFmpegPath:   stubTool(t, opts.ffmpegBody),
		FFprobePath:  stubTool(t, opts.ffprobeBody),
		VideoEncoder: "libx264",
	}, zerolog.Nop())

	fetch := download.New(download.Options{
		Policy: netutil.Policy{Schemes: []string{"http", "https"}, AllowPrivate: true},
	}, zerolog.Nop())

	tunnels := tunnel.NewManager(tunnel.Options{
		SSHPath:      "/bin/false",
		ForkWait:     300 * time.Millisecond,
		ProbeTimeout: 200 * time.Millisecond,
		ProbePeriod:  20 * time.Millisecond,
	}, zerolog.Nop())
	connector := inference.NewConnector(models, tunnels, tunnel.ReuseIfAccessible, zerolog.Nop())

	ex := NewExecutors(ExecutorConfig{}, Deps{
		Repos:      repos,
		Objects:    objects,
		Status:     status,
		Jobs:       tracker,
		Layout:     layout,
		Tools:      tools,
		Downloader: fetch,
		Connector:  connector,
		Chat:       inference.NewChatClient(5*time.Second, zerolog.Nop()),
		Transcribe: inference.NewTranscribeClient(5*time.Second, zerolog.Nop()),
		Models:     models,
		Limits:     NewLimits(Bounds{}),
	}, zerolog.Nop())

	return &execFixture{ex: ex, repos: repos, objects: objects, status: status, models: models, layout: layout}
}

// directModel registers an httptest server as a direct-mode model so
// the connector resolves straight to it.
func directModel(t *testing.T, models *registry.Store, key string, srv *httptest.Server, supportsVideo bool, modelID string) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	require.NoError(t, models.Put(context.Background(), key, registry.ModelConfig{
		Name:           "Test " + key,
		ConnectionMode: registry.ModeDirect,
		DirectHost:     u.Hostname(),
		DirectPort:     port,
		ModelID:        modelID,
		SupportsVideo:  supportsVideo,
	}))
}

func initRun(t *testing.T, fx *execFixture, videoID string) model.PipelineConfig {
	t.Helper()
	cfg := model.DefaultPipelineConfig()
	cfg.VideoID = videoID
	require.NoError(t, fx.status.Initialize(context.Background(), videoID, "req-"+videoID, cfg))
	return cfg
}

func stageVideo(t *testing.T, fx *execFixture, videoID string) string {
	t.Helper()
	path, err := fx.layout.VideoPath(videoID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("fake-video-bytes"), 0o644))
	return path
}

func stageClip(t *testing.T, fx *execFixture, videoID, momentID, content string) string {
	t.Helper()
	path, err := fx.layout.ClipPath(videoID, momentID)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestShouldSkipDownload(t *testing.T) {
	fx := setupExecutors(t, execOpts{})
	ctx := context.Background()
	cfg := model.DefaultPipelineConfig()

	// Unknown video without a source URL cannot run at all.
	_, _, err := fx.ex.ShouldSkip(ctx, model.StageDownload, "vid-skip", cfg)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindValidationFailed))

	cfg.VideoURL = "http://example.com/talk.mp4"
	skip, _, err := fx.ex.ShouldSkip(ctx, model.StageDownload, "vid-skip", cfg)
	require.NoError(t, err)
	assert.False(t, skip)

	require.NoError(t, fx.repos.PutVideo(ctx, repo.Video{ID: "vid-skip"}))
	skip, reason, err := fx.ex.ShouldSkip(ctx, model.StageDownload, "vid-skip", cfg)
	require.NoError(t, err)
	assert.True(t, skip)
	assert.Equal(t, "Video already in repository", reason)

	cfg.ForceDownload = true
	skip, _, err = fx.ex.ShouldSkip(ctx, model.StageDownload, "vid-skip", cfg)
	require.NoError(t, err)
	assert.False(t, skip, "force_download must re-run the stage")
}

func TestShouldSkipTranscriptAndGeneration(t *testing.T) {
	fx := setupExecutors(t, execOpts{})
	ctx := context.Background()
	videoID := "vid-skip2"
	cfg := model.DefaultPipelineConfig()

	skip, _, err := fx.ex.ShouldSkip(ctx, model.StageTranscript, videoID, cfg)
	require.NoError(t, err)
	assert.False(t, skip)

	require.NoError(t, fx.repos.PutTranscript(ctx, repo.Transcript{VideoID: videoID, Text: "hello"}))
	skip, reason, err := fx.ex.ShouldSkip(ctx, model.StageTranscript, videoID, cfg)
	require.NoError(t, err)
	assert.True(t, skip)
	assert.Equal(t, "Transcript already exists", reason)

	require.NoError(t, fx.repos.InsertMoments(ctx, []moments.Moment{
		{ID: moments.ID(10, 80), VideoID: videoID, StartTime: 10, EndTime: 80, Title: "One"},
	}))
	cfg.OverrideExistingMoments = false
	skip, reason, err = fx.ex.ShouldSkip(ctx, model.StageGeneration, videoID, cfg)
	require.NoError(t, err)
	assert.True(t, skip)
	assert.Equal(t, "Moments already exist", reason)

	cfg.OverrideExistingMoments = true
	skip, _, err = fx.ex.ShouldSkip(ctx, model.StageGeneration, videoID, cfg)
	require.NoError(t, err)
	assert.False(t, skip, "override must re-run generation")
}

func TestShouldSkipClipStages(t *testing.T) {
	fx := setupExecutors(t, execOpts{})
	ctx := context.Background()
	videoID := "vid-skip3"
	cfg := model.DefaultPipelineConfig()
	cfg.OverrideExistingMoments = false
	cfg.OverrideExistingRefinement = false

	// Nothing generated yet: every clip stage skips.
	skip, reason, err := fx.ex.ShouldSkip(ctx, model.StageClips, videoID, cfg)
	require.NoError(t, err)
	assert.True(t, skip)
	assert.Equal(t, "No moments to extract clips for", reason)

	skip, reason, err = fx.ex.ShouldSkip(ctx, model.StageRefinement, videoID, cfg)
	require.NoError(t, err)
	assert.True(t, skip)
	assert.Equal(t, "No moments to refine", reason)

	m := moments.Moment{ID: moments.ID(10, 80), VideoID: videoID, StartTime: 10, EndTime: 80, Title: "One"}
	require.NoError(t, fx.repos.InsertMoments(ctx, []moments.Moment{m}))

	skip, _, err = fx.ex.ShouldSkip(ctx, model.StageClips, videoID, cfg)
	require.NoError(t, err)
	assert.False(t, skip, "missing clip file must run the stage")

	stageClip(t, fx, videoID, m.ID, "clip")
	skip, reason, err = fx.ex.ShouldSkip(ctx, model.StageClips, videoID, cfg)
	require.NoError(t, err)
	assert.True(t, skip)
	assert.Equal(t, "All clips already extracted", reason)

	require.NoError(t, fx.repos.SetCloudPath(ctx, m.ID, objstore.ClipKey(videoID, m.ID)))
	skip, reason, err = fx.ex.ShouldSkip(ctx, model.StageClipUpload, videoID, cfg)
	require.NoError(t, err)
	assert.True(t, skip)
	assert.Equal(t, "All clips already uploaded", reason)

	child := moments.Moment{
		ID: moments.ID(12, 70), VideoID: videoID, StartTime: 12, EndTime: 70,
		Title: "One", IsRefined: true, ParentID: m.ID,
	}
	require.NoError(t, fx.repos.UpsertRefined(ctx, child))
	skip, reason, err = fx.ex.ShouldSkip(ctx, model.StageRefinement, videoID, cfg)
	require.NoError(t, err)
	assert.True(t, skip)
	assert.Equal(t, "All moments already refined", reason)

	cfg.OverrideExistingRefinement = true
	skip, _, err = fx.ex.ShouldSkip(ctx, model.StageRefinement, videoID, cfg)
	require.NoError(t, err)
	assert.False(t, skip, "override must re-refine")
}

func TestRunDownload(t *testing.T) {
	fx := setupExecutors(t, execOpts{})
	ctx := context.Background()
	videoID := "vid-dl"

	payload := strings.Repeat("v", 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, payload)
	}))
	t.Cleanup(srv.Close)

	cfg := initRun(t, fx, videoID)
	cfg.VideoURL = srv.URL + "/talk.mp4"

	require.NoError(t, fx.ex.Run(ctx, model.StageDownload, videoID, cfg))

	path, err := fx.layout.VideoPath(videoID)
	require.NoError(t, err)
	assert.True(t, staging.Exists(path), "downloaded video must be staged")

	v, err := fx.repos.GetVideo(ctx, videoID)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, cfg.VideoURL, v.SourceURL)
	assert.Equal(t, objstore.VideoKey(videoID), v.CloudURL)
	assert.InEpsilon(t, 600.0, v.DurationSeconds, 1e-9)
	assert.EqualValues(t, 8388608, v.SizeBytes)
	assert.Equal(t, "h264", v.Codec)
	assert.Equal(t, 1280, v.Width)
	assert.Equal(t, 720, v.Height)

	rc, err := fx.objects.Get(ctx, objstore.VideoKey(videoID))
	require.NoError(t, err)
	stored, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Len(t, stored, len(payload), "object store must hold the full copy")
}

func TestRunDownloadProbeFailure(t *testing.T) {
	fx := setupExecutors(t, execOpts{ffprobeBody: "echo 'moov atom not found' >&2\nexit 1"})
	ctx := context.Background()
	videoID := "vid-dlfail"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "not really a video")
	}))
	t.Cleanup(srv.Close)

	cfg := initRun(t, fx, videoID)
	cfg.VideoURL = srv.URL + "/broken.mp4"

	err := fx.ex.Run(ctx, model.StageDownload, videoID, cfg)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindMediaToolError))

	path, perr := fx.layout.VideoPath(videoID)
	require.NoError(t, perr)
	assert.False(t, staging.Exists(path), "failed download must not leave artifacts")

	v, err := fx.repos.GetVideo(ctx, videoID)
	require.NoError(t, err)
	assert.Nil(t, v, "failed download must not record the video")
}

func TestRunAudioAndUpload(t *testing.T) {
	fx := setupExecutors(t, execOpts{})
	ctx := context.Background()
	videoID := "vid-audio"

	cfg := initRun(t, fx, videoID)
	stageVideo(t, fx, videoID)

	require.NoError(t, fx.ex.Run(ctx, model.StageAudio, videoID, cfg))
	audioPath, err := fx.layout.AudioPath(videoID)
	require.NoError(t, err)
	assert.True(t, staging.Exists(audioPath))

	require.NoError(t, fx.ex.Run(ctx, model.StageAudioUpload, videoID, cfg))

	signed, err := fx.status.AudioSignedURL(ctx, videoID)
	require.NoError(t, err)
	assert.Contains(t, signed, "/objects/"+objstore.AudioKey(videoID))
	assert.Contains(t, signed, "signature=")

	rc, err := fx.objects.Get(ctx, objstore.AudioKey(videoID))
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	got, err := fx.status.Get(ctx, videoID)
	require.NoError(t, err)
	assert.Equal(t, got[state.FieldUploadTotal], got[state.FieldUploadBytes], "upload progress must finish complete")
}

func TestRunAudioWithoutStagedVideo(t *testing.T) {
	fx := setupExecutors(t, execOpts{})
	cfg := initRun(t, fx, "vid-noaudio")

	err := fx.ex.Run(context.Background(), model.StageAudio, "vid-noaudio", cfg)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindResourceNotFound))
}

func TestRunTranscript(t *testing.T) {
	fx := setupExecutors(t, execOpts{})
	ctx := context.Background()
	videoID := "vid-stt"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transcribe", r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "http://signed.example/audio.wav", req["audio_url"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"transcription": "welcome to the show",
			"word_timestamps": []map[string]any{
				{"word": "welcome", "start": 0.0, "end": 0.4},
				{"word": "to", "start": 0.4, "end": 0.55},
			},
			"segment_timestamps": []map[string]any{
				{"start": 0.0, "text": "welcome to the show"},
			},
			"processing_time": 1.25,
		})
	}))
	t.Cleanup(srv.Close)
	directModel(t, fx.models, registry.TranscriptionModelKey, srv, false, "")

	cfg := initRun(t, fx, videoID)
	require.NoError(t, fx.status.SetAudioSignedURL(ctx, videoID, "http://signed.example/audio.wav"))

	require.NoError(t, fx.ex.Run(ctx, model.StageTranscript, videoID, cfg))

	tr, err := fx.repos.GetTranscript(ctx, videoID)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, "welcome to the show", tr.Text)
	require.Len(t, tr.Words, 2)
	assert.Equal(t, "welcome", tr.Words[0].Word)
	require.Len(t, tr.Segments, 1)
	assert.Equal(t, "welcome to the show", tr.Segments[0].Text)
}

func TestRunTranscriptRequiresHandoffURL(t *testing.T) {
	fx := setupExecutors(t, execOpts{})
	cfg := initRun(t, fx, "vid-nourl")

	err := fx.ex.Run(context.Background(), model.StageTranscript, "vid-nourl", cfg)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindResourceNotFound))
	assert.Contains(t, err.Error(), "audio_signed_url not set")
}

func TestRunGeneration(t *testing.T) {
	fx := setupExecutors(t, execOpts{})
	ctx := context.Background()
	videoID := "vid-gen"

	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		content := `[
			{"start_time": 10.0, "end_time": 80.0, "title": "Opening argument"},
			{"start_time": 100.0, "end_time": 180.0, "title": "Closing thought"}
		]`
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": content}}},
		})
	}))
	t.Cleanup(srv.Close)
	directModel(t, fx.models, model.ModelQwen3VLFP8, srv, true, "qwen3-vl-fp8")

	require.NoError(t, fx.repos.PutVideo(ctx, repo.Video{ID: videoID, DurationSeconds: 600}))
	require.NoError(t, fx.repos.PutTranscript(ctx, repo.Transcript{
		VideoID:  videoID,
		Text:     "welcome to the show",
		Segments: []moments.SegmentTimestamp{{Start: 0, Text: "welcome to the show"}},
	}))

	// A moment from an earlier run must not survive regeneration.
	require.NoError(t, fx.repos.InsertMoments(ctx, []moments.Moment{
		{ID: moments.ID(400, 470), VideoID: videoID, StartTime: 400, EndTime: 470, Title: "Old take"},
	}))

	cfg := initRun(t, fx, videoID)
	require.NoError(t, fx.ex.Run(ctx, model.StageGeneration, videoID, cfg))

	ms, err := fx.repos.MomentsByVideo(ctx, videoID)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.InEpsilon(t, 10.0, ms[0].StartTime, 1e-9)
	assert.Equal(t, "Opening argument", ms[0].Title)
	for _, m := range ms {
		assert.NotEqual(t, moments.ID(400, 470), m.ID, "stale moments must be replaced")
		assert.NotEmpty(t, m.ConfigID, "moments must link to their generation config")
		assert.False(t, m.IsRefined)
	}
	assert.Equal(t, ms[0].ConfigID, ms[1].ConfigID)

	assert.Equal(t, "qwen3-vl-fp8", captured["model"])
	msgs, ok := captured["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	content, ok := msgs[0].(map[string]any)["content"].(string)
	require.True(t, ok)
	assert.Contains(t, content, defaultGenerationPrompt)
	assert.Contains(t, content, "Transcript segments:")
	assert.Contains(t, content, "- Video duration: 600.00 seconds")
}

func TestRunGenerationWithoutTranscript(t *testing.T) {
	fx := setupExecutors(t, execOpts{})
	cfg := initRun(t, fx, "vid-notr")

	err := fx.ex.Run(context.Background(), model.StageGeneration, "vid-notr", cfg)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindResourceNotFound))
	assert.Contains(t, err.Error(), "transcript stage must run first")
}

func TestRunClips(t *testing.T) {
	fx := setupExecutors(t, execOpts{})
	ctx := context.Background()
	videoID := "vid-clips"

	cfg := initRun(t, fx, videoID)
	stageVideo(t, fx, videoID)
	require.NoError(t, fx.repos.PutVideo(ctx, repo.Video{ID: videoID, DurationSeconds: 600}))

	m1 := moments.Moment{ID: moments.ID(10, 80), VideoID: videoID, StartTime: 10, EndTime: 80, Title: "One"}
	m2 := moments.Moment{ID: moments.ID(100, 180), VideoID: videoID, StartTime: 100, EndTime: 180, Title: "Two"}
	require.NoError(t, fx.repos.InsertMoments(ctx, []moments.Moment{m1, m2}))

	require.NoError(t, fx.ex.Run(ctx, model.StageClips, videoID, cfg))

	for _, m := range []moments.Moment{m1, m2} {
		path, err := fx.layout.ClipPath(videoID, m.ID)
		require.NoError(t, err)
		assert.True(t, staging.Exists(path), "clip file for %s", m.ID)
	}
	ms, err := fx.repos.OriginalsByVideo(ctx, videoID)
	require.NoError(t, err)
	for _, m := range ms {
		assert.NotEmpty(t, m.ClipPath, "clip path for %s", m.ID)
	}

	got, err := fx.status.Get(ctx, videoID)
	require.NoError(t, err)
	assert.Equal(t, "2", got[state.FieldClipsTotal])
	assert.Equal(t, "2", got[state.FieldClipsProcessed])
	assert.Equal(t, "0", got[state.FieldClipsFailed])
}

func TestRunClipsPartialFailure(t *testing.T) {
	videoID := "vid-partial"
	m1 := moments.Moment{ID: moments.ID(10, 80), VideoID: videoID, StartTime: 10, EndTime: 80, Title: "One"}
	m2 := moments.Moment{ID: moments.ID(100, 180), VideoID: videoID, StartTime: 100, EndTime: 180, Title: "Two"}

	body := `for a in "$@"; do last="$a"; done
case "$last" in
  *` + m2.ID + `*) echo 'encoder aborted' >&2; exit 1 ;;
esac
printf 'clip' > "$last"
`
	fx := setupExecutors(t, execOpts{ffmpegBody: body})
	ctx := context.Background()

	cfg := initRun(t, fx, videoID)
	stageVideo(t, fx, videoID)
	require.NoError(t, fx.repos.PutVideo(ctx, repo.Video{ID: videoID, DurationSeconds: 600}))
	require.NoError(t, fx.repos.InsertMoments(ctx, []moments.Moment{m1, m2}))

	require.NoError(t, fx.ex.Run(ctx, model.StageClips, videoID, cfg),
		"one failed extraction must not fail the stage")

	ms, err := fx.repos.OriginalsByVideo(ctx, videoID)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.NotEmpty(t, ms[0].ClipPath)
	assert.Empty(t, ms[1].ClipPath, "failed extraction must not record a path")

	got, err := fx.status.Get(ctx, videoID)
	require.NoError(t, err)
	assert.Equal(t, "1", got[state.FieldClipsProcessed])
	assert.Equal(t, "1", got[state.FieldClipsFailed])
}

func TestRunClipsAllFailing(t *testing.T) {
	fx := setupExecutors(t, execOpts{ffmpegBody: "exit 1"})
	ctx := context.Background()
	videoID := "vid-allfail"

	cfg := initRun(t, fx, videoID)
	stageVideo(t, fx, videoID)
	require.NoError(t, fx.repos.InsertMoments(ctx, []moments.Moment{
		{ID: moments.ID(10, 80), VideoID: videoID, StartTime: 10, EndTime: 80, Title: "One"},
	}))

	err := fx.ex.Run(ctx, model.StageClips, videoID, cfg)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindMediaToolError))
	assert.Contains(t, err.Error(), "all 1 clip extractions failed")
}

func TestRunClipUpload(t *testing.T) {
	fx := setupExecutors(t, execOpts{})
	ctx := context.Background()
	videoID := "vid-upload"

	cfg := initRun(t, fx, videoID)
	m1 := moments.Moment{ID: moments.ID(10, 80), VideoID: videoID, StartTime: 10, EndTime: 80, Title: "One"}
	m2 := moments.Moment{ID: moments.ID(100, 180), VideoID: videoID, StartTime: 100, EndTime: 180, Title: "Two"}
	require.NoError(t, fx.repos.InsertMoments(ctx, []moments.Moment{m1, m2}))

	// Only the first moment has an extracted file; the second failed
	// extraction and must be passed over.
	clipPath := stageClip(t, fx, videoID, m1.ID, "clip-one")
	require.NoError(t, fx.repos.SetClipPath(ctx, m1.ID, clipPath))

	require.NoError(t, fx.ex.Run(ctx, model.StageClipUpload, videoID, cfg))

	ms, err := fx.repos.OriginalsByVideo(ctx, videoID)
	require.NoError(t, err)
	assert.Equal(t, objstore.ClipKey(videoID, m1.ID), ms[0].CloudPath)
	assert.Empty(t, ms[1].CloudPath)

	rc, err := fx.objects.Get(ctx, objstore.ClipKey(videoID, m1.ID))
	require.NoError(t, err)
	stored, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "clip-one", string(stored))

	// A second, non-override run keeps the uploaded clip and succeeds
	// without touching the store.
	cfg.OverrideExistingMoments = false
	require.NoError(t, fx.ex.Run(ctx, model.StageClipUpload, videoID, cfg))
}

func TestRunClipUploadNothingToUpload(t *testing.T) {
	fx := setupExecutors(t, execOpts{})
	ctx := context.Background()
	videoID := "vid-noclips"

	cfg := initRun(t, fx, videoID)
	require.NoError(t, fx.repos.InsertMoments(ctx, []moments.Moment{
		{ID: moments.ID(10, 80), VideoID: videoID, StartTime: 10, EndTime: 80, Title: "One"},
	}))

	err := fx.ex.Run(ctx, model.StageClipUpload, videoID, cfg)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindResourceNotFound))
	assert.Contains(t, err.Error(), "no extracted clips to upload")
}

func TestRunRefinement(t *testing.T) {
	fx := setupExecutors(t, execOpts{})
	ctx := context.Background()
	videoID := "vid-refine"

	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{
				"content": `{"start_time": 2.5, "end_time": 58.0}`,
			}}},
		})
	}))
	t.Cleanup(srv.Close)
	directModel(t, fx.models, model.ModelQwen3VLFP8, srv, false, "qwen3-vl-fp8")

	require.NoError(t, fx.repos.PutVideo(ctx, repo.Video{ID: videoID, DurationSeconds: 600}))
	require.NoError(t, fx.repos.PutTranscript(ctx, repo.Transcript{VideoID: videoID, Text: "welcome"}))

	parent := moments.Moment{ID: moments.ID(10, 80), VideoID: videoID, StartTime: 10, EndTime: 80, Title: "Sharp exchange"}
	require.NoError(t, fx.repos.InsertMoments(ctx, []moments.Moment{parent}))

	cfg := initRun(t, fx, videoID)
	require.NoError(t, fx.ex.Run(ctx, model.StageRefinement, videoID, cfg))

	all, err := fx.repos.MomentsByVideo(ctx, videoID)
	require.NoError(t, err)
	require.Len(t, all, 2, "parent and refined child")

	var child *moments.Moment
	for i := range all {
		if all[i].IsRefined {
			child = &all[i]
		}
	}
	require.NotNil(t, child)
	assert.Equal(t, parent.ID, child.ParentID)
	assert.Equal(t, "Sharp exchange", child.Title)
	assert.NotEmpty(t, child.ConfigID)
	// Window [10, 80] padded by 30 and clamped gives a clip starting at
	// 0; clip coordinates map back unchanged.
	assert.InEpsilon(t, 2.5, child.StartTime, 1e-9)
	assert.InEpsilon(t, 58.0, child.EndTime, 1e-9)

	// Without video support the request must be a plain text message.
	msgs, ok := captured["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	content, ok := msgs[0].(map[string]any)["content"].(string)
	require.True(t, ok, "text-only refinement must not send content parts")
	assert.Contains(t, content, "- Current start time: 10.00 seconds")
	assert.Contains(t, content, "- Current end time: 80.00 seconds")

	got, err := fx.status.Get(ctx, videoID)
	require.NoError(t, err)
	assert.Equal(t, "1", got[state.FieldRefinementTotal])
	assert.Equal(t, "1", got[state.FieldRefinementSuccessful])
}

func TestRunRefinementWithVideoContext(t *testing.T) {
	fx := setupExecutors(t, execOpts{})
	ctx := context.Background()
	videoID := "vid-refvid"

	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{
				"content": `{"start_time": 5.0, "end_time": 60.0}`,
			}}},
		})
	}))
	t.Cleanup(srv.Close)
	directModel(t, fx.models, model.ModelQwen3VLFP8, srv, true, "qwen3-vl-fp8")

	require.NoError(t, fx.repos.PutVideo(ctx, repo.Video{ID: videoID, DurationSeconds: 600}))
	require.NoError(t, fx.repos.PutTranscript(ctx, repo.Transcript{VideoID: videoID, Text: "welcome"}))

	parent := moments.Moment{ID: moments.ID(10, 80), VideoID: videoID, StartTime: 10, EndTime: 80, Title: "One"}
	require.NoError(t, fx.repos.InsertMoments(ctx, []moments.Moment{parent}))
	require.NoError(t, fx.repos.SetCloudPath(ctx, parent.ID, objstore.ClipKey(videoID, parent.ID)))

	cfg := initRun(t, fx, videoID)
	require.NoError(t, fx.ex.Run(ctx, model.StageRefinement, videoID, cfg))

	msgs, ok := captured["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	parts, ok := msgs[0].(map[string]any)["content"].([]any)
	require.True(t, ok, "video refinement must send content parts")
	require.Len(t, parts, 2)
	assert.Equal(t, "text", parts[0].(map[string]any)["type"])
	video := parts[1].(map[string]any)
	assert.Equal(t, "video_url", video["type"])
	signed := video["video_url"].(map[string]any)["url"].(string)
	assert.Contains(t, signed, "/objects/"+objstore.ClipKey(videoID, parent.ID))
	assert.Contains(t, signed, "signature=")
}

func TestRunRefinementAllFailuresFailStage(t *testing.T) {
	fx := setupExecutors(t, execOpts{})
	ctx := context.Background()
	videoID := "vid-refbad"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{
				"content": "sorry, I could not find a better window",
			}}},
		})
	}))
	t.Cleanup(srv.Close)
	directModel(t, fx.models, model.ModelQwen3VLFP8, srv, false, "qwen3-vl-fp8")

	require.NoError(t, fx.repos.PutVideo(ctx, repo.Video{ID: videoID, DurationSeconds: 600}))
	require.NoError(t, fx.repos.PutTranscript(ctx, repo.Transcript{VideoID: videoID, Text: "welcome"}))
	require.NoError(t, fx.repos.InsertMoments(ctx, []moments.Moment{
		{ID: moments.ID(10, 80), VideoID: videoID, StartTime: 10, EndTime: 80, Title: "One"},
	}))

	cfg := initRun(t, fx, videoID)
	err := fx.ex.Run(ctx, model.StageRefinement, videoID, cfg)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindParseError))

	all, err := fx.repos.MomentsByVideo(ctx, videoID)
	require.NoError(t, err)
	assert.Len(t, all, 1, "no refined child on failure")
}
