package tts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/iabetor/pivoice/internal/audio"
	"github.com/iabetor/pivoice/internal/store"
	"github.com/iabetor/pivoice/internal/ttserr"
)

// fakeBackend 测试用后端，每次调用返回固定样本。
type fakeBackend struct {
	rate    int
	samples []float32
	err     error
	calls   []string
	closed  int
}

func (f *fakeBackend) Synthesize(ctx context.Context, text string, cfg SynthesisConfig) (*audio.Data, error) {
	f.calls = append(f.calls, text)
	if f.err != nil {
		return nil, f.err
	}
	return &audio.Data{SampleRate: f.rate, Samples: append([]float32(nil), f.samples...)}, nil
}

func (f *fakeBackend) Voices() []Voice {
	return []Voice{{ID: "default", Name: "default"}}
}

func (f *fakeBackend) SampleRate() int { return f.rate }
func (f *fakeBackend) Close()          { f.closed++ }

// writeFakeModel 在临时目录创建一个占位模型文件。
func writeFakeModel(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.onnx")
	if err := os.WriteFile(path, []byte("not a real model"), 0644); err != nil {
		t.Fatalf("write fake model: %v", err)
	}
	return path
}

func newTestEngine(t *testing.T, fb *fakeBackend) (*Engine, Handle) {
	t.Helper()
	e := NewEngine(Options{
		Factory: func(path string, opts Options) (Backend, error) { return fb, nil },
	})
	h, err := e.LoadModel(writeFakeModel(t))
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	return e, h
}

func TestDefaultSynthesisConfig(t *testing.T) {
	cfg := DefaultSynthesisConfig()
	if cfg.VoiceID != "default" {
		t.Errorf("VoiceID = %q, want %q", cfg.VoiceID, "default")
	}
	if cfg.Speed != 1.0 {
		t.Errorf("Speed = %f, want 1.0", cfg.Speed)
	}
	if cfg.Pitch != 1.0 {
		t.Errorf("Pitch = %f, want 1.0", cfg.Pitch)
	}
}

func TestLoadModel_NotFound(t *testing.T) {
	e := NewEngine(Options{})
	_, err := e.LoadModel("/nonexistent/model.onnx")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !ttserr.Is(err, ttserr.ModelFileNotFound) {
		t.Errorf("error code = %v, want ModelFileNotFound", err)
	}
}

func TestLoadModel_CorruptWithoutFallback(t *testing.T) {
	e := NewEngine(Options{
		Factory: func(path string, opts Options) (Backend, error) {
			return nil, errors.New("bad model")
		},
	})
	_, err := e.LoadModel(writeFakeModel(t))
	if err == nil {
		t.Fatal("expected error for corrupt model")
	}
	if !ttserr.Is(err, ttserr.ModelFileCorrupted) {
		t.Errorf("error code = %v, want ModelFileCorrupted", err)
	}
}

func TestLoadModel_CorruptWithFallback(t *testing.T) {
	e := NewEngine(Options{
		FallbackOnCorrupt: true,
		Factory: func(path string, opts Options) (Backend, error) {
			return nil, errors.New("bad model")
		},
	})
	h, err := e.LoadModel(writeFakeModel(t))
	if err != nil {
		t.Fatalf("LoadModel with fallback: %v", err)
	}

	voices, err := e.AvailableVoices(h)
	if err != nil {
		t.Fatalf("AvailableVoices: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "default" {
		t.Errorf("voices = %v, want single default entry", voices)
	}

	data, err := e.Synthesize(context.Background(), h, "你好", DefaultSynthesisConfig())
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(data.Samples) == 0 {
		t.Error("expected placeholder audio to contain samples")
	}
}

func TestUnloadModel_InvalidHandle(t *testing.T) {
	e := NewEngine(Options{})
	err := e.UnloadModel(999)
	if err == nil {
		t.Fatal("expected error for never-issued handle")
	}
	if !ttserr.Is(err, ttserr.InvalidInputModelHandle) {
		t.Errorf("error code = %v, want InvalidInputModelHandle", err)
	}
}

func TestAvailableVoices_InvalidHandle(t *testing.T) {
	e := NewEngine(Options{})
	_, err := e.AvailableVoices(999)
	if err == nil {
		t.Fatal("expected error for never-issued handle")
	}
	if !ttserr.Is(err, ttserr.InvalidInputModelHandle) {
		t.Errorf("error code = %v, want InvalidInputModelHandle", err)
	}
}

func TestSynthesize_InvalidHandle(t *testing.T) {
	e := NewEngine(Options{})
	_, err := e.Synthesize(context.Background(), 999, "hello", DefaultSynthesisConfig())
	if err == nil {
		t.Fatal("expected error for never-issued handle")
	}
	if !ttserr.Is(err, ttserr.InferenceModelNotLoaded) {
		t.Errorf("error code = %v, want InferenceModelNotLoaded", err)
	}
}

func TestSynthesizeStreaming_InvalidHandle(t *testing.T) {
	e := NewEngine(Options{})
	err := e.SynthesizeStreaming(context.Background(), 999, "hello",
		DefaultSynthesisConfig(), func(*audio.Data) {})
	if err == nil {
		t.Fatal("expected error for never-issued handle")
	}
	if !ttserr.Is(err, ttserr.InferenceModelNotLoaded) {
		t.Errorf("error code = %v, want InferenceModelNotLoaded", err)
	}
}

func TestUnloadModel_Twice(t *testing.T) {
	fb := &fakeBackend{rate: 16000, samples: []float32{0.1}}
	e, h := newTestEngine(t, fb)

	if err := e.UnloadModel(h); err != nil {
		t.Fatalf("first unload: %v", err)
	}
	if fb.closed != 1 {
		t.Errorf("backend closed %d times, want 1", fb.closed)
	}

	err := e.UnloadModel(h)
	if err == nil {
		t.Fatal("second unload must fail")
	}
	if !ttserr.Is(err, ttserr.InvalidInputModelHandle) {
		t.Errorf("error code = %v, want InvalidInputModelHandle", err)
	}
	if fb.closed != 1 {
		t.Errorf("backend closed %d times after double unload, want 1", fb.closed)
	}
}

func TestHandles_NotReused(t *testing.T) {
	fb := &fakeBackend{rate: 16000, samples: []float32{0.1}}
	e := NewEngine(Options{
		Factory: func(path string, opts Options) (Backend, error) { return fb, nil },
	})
	path := writeFakeModel(t)

	h1, err := e.LoadModel(path)
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	if err := e.UnloadModel(h1); err != nil {
		t.Fatalf("UnloadModel: %v", err)
	}

	h2, err := e.LoadModel(path)
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	if h2 == h1 {
		t.Errorf("handle %d reused after unload", h1)
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	fb := &fakeBackend{rate: 22050, samples: []float32{0.1}}
	e, h := newTestEngine(t, fb)

	data, err := e.Synthesize(context.Background(), h, "", DefaultSynthesisConfig())
	if err != nil {
		t.Fatalf("empty text must not fail: %v", err)
	}
	if len(data.Samples) != 0 {
		t.Errorf("sample count = %d, want 0", len(data.Samples))
	}
	if data.SampleRate != 22050 {
		t.Errorf("sample rate = %d, want backend rate 22050", data.SampleRate)
	}
	if len(fb.calls) != 0 {
		t.Errorf("backend called %d times for empty text, want 0", len(fb.calls))
	}
}

func TestSynthesizeStreaming_EmptyText(t *testing.T) {
	fb := &fakeBackend{rate: 16000, samples: []float32{0.1}}
	e, h := newTestEngine(t, fb)

	var chunks int
	err := e.SynthesizeStreaming(context.Background(), h, "",
		DefaultSynthesisConfig(), func(*audio.Data) { chunks++ })
	if err != nil {
		t.Fatalf("empty text must not fail: %v", err)
	}
	if chunks != 0 {
		t.Errorf("delivered %d chunks for empty text, want 0", chunks)
	}
}

func TestSynthesizeStreaming_ChunksInOrder(t *testing.T) {
	fb := &fakeBackend{rate: 16000, samples: []float32{0.1, 0.2}}
	e := NewEngine(Options{
		MaxChunkChars: 1, // 强制逐句成块
		Factory:       func(path string, opts Options) (Backend, error) { return fb, nil },
	})
	h, err := e.LoadModel(writeFakeModel(t))
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}

	var delivered int
	err = e.SynthesizeStreaming(context.Background(), h, "你好。第二句！Third.",
		DefaultSynthesisConfig(), func(chunk *audio.Data) {
			delivered++
			if len(chunk.Samples) == 0 {
				t.Error("delivered chunk has no samples")
			}
		})
	if err != nil {
		t.Fatalf("SynthesizeStreaming: %v", err)
	}

	want := []string{"你好。", "第二句！", "Third."}
	if len(fb.calls) != len(want) {
		t.Fatalf("backend calls = %v, want %v", fb.calls, want)
	}
	for i, w := range want {
		if fb.calls[i] != w {
			t.Errorf("chunk %d: synthesized %q, want %q", i, fb.calls[i], w)
		}
	}
	if delivered != len(want) {
		t.Errorf("delivered %d chunks, want %d", delivered, len(want))
	}
}

func TestSynthesizeStreaming_Cancelled(t *testing.T) {
	fb := &fakeBackend{rate: 16000, samples: []float32{0.1}}
	e, h := newTestEngine(t, fb)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.SynthesizeStreaming(ctx, h, "你好。世界。",
		DefaultSynthesisConfig(), func(*audio.Data) {})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

// blockingBackend 在 Synthesize 内阻塞，直到测试放行，
// 用于验证卸载与进行中合成的时序。
type blockingBackend struct {
	entered chan struct{} // Synthesize 进入时关闭
	release chan struct{} // 测试关闭后 Synthesize 才返回

	mu               sync.Mutex
	inCall           bool
	closed           int
	closedDuringCall bool
}

func newBlockingBackend() *blockingBackend {
	return &blockingBackend{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (b *blockingBackend) Synthesize(ctx context.Context, text string, cfg SynthesisConfig) (*audio.Data, error) {
	b.mu.Lock()
	b.inCall = true
	b.mu.Unlock()
	close(b.entered)

	<-b.release

	b.mu.Lock()
	b.inCall = false
	b.mu.Unlock()
	return &audio.Data{SampleRate: 16000, Samples: []float32{0.1}}, nil
}

func (b *blockingBackend) Voices() []Voice {
	return []Voice{{ID: "default", Name: "default"}}
}

func (b *blockingBackend) SampleRate() int { return 16000 }

func (b *blockingBackend) Close() {
	b.mu.Lock()
	b.closed++
	if b.inCall {
		b.closedDuringCall = true
	}
	b.mu.Unlock()
}

func TestUnloadModel_WaitsForInflightSynthesis(t *testing.T) {
	bb := newBlockingBackend()
	e := NewEngine(Options{
		Factory: func(path string, opts Options) (Backend, error) { return bb, nil },
	})
	h, err := e.LoadModel(writeFakeModel(t))
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}

	synthDone := make(chan struct{})
	go func() {
		defer close(synthDone)
		if _, err := e.Synthesize(context.Background(), h, "你好", DefaultSynthesisConfig()); err != nil {
			t.Errorf("Synthesize: %v", err)
		}
	}()
	<-bb.entered

	unloadDone := make(chan struct{})
	go func() {
		defer close(unloadDone)
		if err := e.UnloadModel(h); err != nil {
			t.Errorf("UnloadModel: %v", err)
		}
	}()

	// 合成仍在进行，卸载必须阻塞而不是提前返回
	select {
	case <-unloadDone:
		t.Fatal("UnloadModel returned while a synthesize call was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(bb.release)
	<-synthDone
	<-unloadDone

	bb.mu.Lock()
	defer bb.mu.Unlock()
	if bb.closedDuringCall {
		t.Error("backend was closed while a synthesize call was still running on it")
	}
	if bb.closed != 1 {
		t.Errorf("backend closed %d times, want 1", bb.closed)
	}
}

func TestSynthesize_CacheRoundTrip(t *testing.T) {
	cache, err := store.Open(filepath.Join(t.TempDir(), "cache.db"), 16)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer cache.Close()

	fb := &fakeBackend{rate: 16000, samples: []float32{0.0, 0.5, -0.5}}
	e := NewEngine(Options{
		Cache:   cache,
		Factory: func(path string, opts Options) (Backend, error) { return fb, nil },
	})
	h, err := e.LoadModel(writeFakeModel(t))
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}

	first, err := e.Synthesize(context.Background(), h, "你好", DefaultSynthesisConfig())
	if err != nil {
		t.Fatalf("first Synthesize: %v", err)
	}
	second, err := e.Synthesize(context.Background(), h, "你好", DefaultSynthesisConfig())
	if err != nil {
		t.Fatalf("second Synthesize: %v", err)
	}

	if len(fb.calls) != 1 {
		t.Errorf("backend called %d times, want 1 (second call served from cache)", len(fb.calls))
	}
	if second.SampleRate != first.SampleRate {
		t.Errorf("cached sample rate = %d, want %d", second.SampleRate, first.SampleRate)
	}
	if len(second.Samples) != len(first.Samples) {
		t.Errorf("cached sample count = %d, want %d", len(second.Samples), len(first.Samples))
	}
}
