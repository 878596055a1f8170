package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/iabetor/pivoice/internal/audio"
	"github.com/iabetor/pivoice/internal/config"
	"github.com/iabetor/pivoice/internal/logger"
	"github.com/iabetor/pivoice/internal/store"
	"github.com/iabetor/pivoice/internal/tts"
)

func main() {
	configPath := flag.String("config", "configs/pivoice.yaml", "配置文件路径")
	text := flag.String("text", "", "要合成的文本")
	outPath := flag.String("out", "out.wav", "输出 WAV 文件路径")
	voice := flag.String("voice", "default", "发音人标识")
	speed := flag.Float64("speed", 1.0, "语速倍率")
	pitch := flag.Float64("pitch", 1.0, "音高倍率")
	bits := flag.Int("bits", 16, "输出位深 (8/16/24/32)")
	listVoices := flag.Bool("list-voices", false, "仅列出发音人")
	stream := flag.Bool("stream", false, "使用流式合成")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	opts := tts.Options{
		TokensPath:        cfg.TTS.TokensPath,
		DataDir:           cfg.TTS.DataDir,
		NumThreads:        cfg.TTS.NumThreads,
		NoiseScale:        cfg.TTS.NoiseScale,
		NoiseScaleW:       cfg.TTS.NoiseScaleW,
		FallbackOnCorrupt: cfg.TTS.FallbackOnCorrupt,
		MaxChunkChars:     cfg.TTS.MaxChunkChars,
	}

	if cfg.Cache.Enabled {
		cache, err := store.Open(cfg.Cache.Path, cfg.Cache.MaxEntries)
		if err != nil {
			logger.Warnf("[main] 打开合成缓存失败，本次不使用缓存: %v", err)
		} else {
			opts.Cache = cache
			defer cache.Close()
		}
	}

	engine := tts.NewEngine(opts)
	defer engine.Close()

	h, err := engine.LoadModel(cfg.TTS.ModelPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载模型失败: %v\n", err)
		os.Exit(1)
	}

	if *listVoices {
		voices, err := engine.AvailableVoices(h)
		if err != nil {
			fmt.Fprintf(os.Stderr, "获取发音人失败: %v\n", err)
			os.Exit(1)
		}
		for _, v := range voices {
			fmt.Printf("%s\t%s\n", v.ID, v.Name)
		}
		return
	}

	if *text == "" {
		fmt.Fprintln(os.Stderr, "缺少 -text 参数")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 监听系统信号，中断合成
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Warnf("[main] 收到信号 %v，正在中断...", sig)
		cancel()
	}()

	scfg := tts.SynthesisConfig{
		VoiceID: *voice,
		Speed:   float32(*speed),
		Pitch:   float32(*pitch),
	}

	var data *audio.Data
	if *stream {
		err = engine.SynthesizeStreaming(ctx, h, *text, scfg, func(chunk *audio.Data) {
			if data == nil {
				data = audio.New(chunk.SampleRate)
			}
			data.Append(chunk.Samples)
			logger.Infof("[main] 收到音频块: %d 样本", len(chunk.Samples))
		})
	} else {
		data, err = engine.Synthesize(ctx, h, *text, scfg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "合成失败: %v\n", err)
		os.Exit(1)
	}
	if data == nil || len(data.Samples) == 0 {
		fmt.Fprintln(os.Stderr, "未生成任何音频")
		os.Exit(1)
	}

	wav, err := data.ToWAV(*bits)
	if err != nil {
		fmt.Fprintf(os.Stderr, "编码 WAV 失败: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*outPath, wav, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "写入 %s 失败: %v\n", *outPath, err)
		os.Exit(1)
	}

	logger.Infof("[main] 已写入 %s (%d 字节, %.2f 秒 @ %d Hz)",
		*outPath, len(wav), data.Duration().Seconds(), data.SampleRate)
}
