package main

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/voicecall/internal/config"
	"github.com/ent0n29/voicecall/internal/voice"
)

type voiceSet struct {
	name        string
	failover    bool
	recognizer  voice.Recognizer
	synthesizer voice.Synthesizer
}

type vendor struct {
	name        string
	recognizer  voice.Recognizer
	synthesizer voice.Synthesizer
}

// selectVoice resolves VOICE_PROVIDER into a recognizer/synthesizer pair.
// When a second vendor is configured it becomes the failover target.
func selectVoice(cfg config.Config, logger *zap.Logger) (voiceSet, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if mode == "" {
		mode = "auto"
	}

	aliyun, aliyunErr := buildAliyun(cfg)
	if aliyunErr != nil && mode != "aliyun" {
		logger.Info("aliyun voice unavailable", zap.Error(aliyunErr))
	}
	eleven := buildElevenLabs(cfg)

	var primary, secondary *vendor
	switch mode {
	case "aliyun":
		if aliyunErr != nil {
			return voiceSet{}, fmt.Errorf("VOICE_PROVIDER=aliyun: %w", aliyunErr)
		}
		primary, secondary = aliyun, eleven
	case "elevenlabs":
		if eleven == nil {
			return voiceSet{}, fmt.Errorf("VOICE_PROVIDER=elevenlabs but ELEVENLABS_API_KEY is not set")
		}
		primary, secondary = eleven, aliyun
	case "mock":
		primary = mockVendor()
	case "auto":
		switch {
		case aliyun != nil:
			primary, secondary = aliyun, eleven
		case eleven != nil:
			primary = eleven
		default:
			primary = mockVendor()
			logger.Warn("no voice vendor configured, using mock provider")
		}
	default:
		return voiceSet{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|aliyun|elevenlabs|mock)", cfg.VoiceProvider)
	}

	if secondary == nil {
		return voiceSet{name: primary.name, recognizer: primary.recognizer, synthesizer: primary.synthesizer}, nil
	}
	rec, syn := voice.NewFailoverPair(primary.recognizer, primary.synthesizer, secondary.recognizer, secondary.synthesizer)
	return voiceSet{
		name:        primary.name + "+" + secondary.name,
		failover:    true,
		recognizer:  rec,
		synthesizer: syn,
	}, nil
}

func buildAliyun(cfg config.Config) (*vendor, error) {
	if strings.TrimSpace(cfg.AliyunAppKey) == "" {
		return nil, fmt.Errorf("ALIYUN_NLS_APP_KEY is not set")
	}

	var tokens voice.TokenSource
	switch {
	case strings.TrimSpace(cfg.AliyunToken) != "":
		tokens = voice.StaticToken(cfg.AliyunToken)
	case strings.TrimSpace(cfg.AliyunAccessKeyID) != "" && strings.TrimSpace(cfg.AliyunAccessKeySecret) != "":
		src, err := voice.NewAliyunTokenSource(voice.AliyunTokenConfig{
			AccessKeyID:     cfg.AliyunAccessKeyID,
			AccessKeySecret: cfg.AliyunAccessKeySecret,
			Endpoint:        cfg.AliyunTokenEndpoint,
			RegionID:        cfg.AliyunRegion,
		})
		if err != nil {
			return nil, fmt.Errorf("aliyun token source: %w", err)
		}
		tokens = src
	default:
		return nil, fmt.Errorf("set ALIYUN_NLS_TOKEN or ALIYUN_ACCESS_KEY_ID/ALIYUN_ACCESS_KEY_SECRET")
	}

	p, err := voice.NewAliyunProvider(voice.AliyunConfig{
		AppKey:                         cfg.AliyunAppKey,
		GatewayURL:                     cfg.AliyunGatewayURL,
		Tokens:                         tokens,
		MaxSentenceSilence:             cfg.AliyunMaxSentenceSilence,
		EnableIntermediateResult:       cfg.AliyunIntermediateResults,
		EnablePunctuationPrediction:    cfg.AliyunPunctuation,
		EnableInverseTextNormalization: cfg.AliyunITN,
		Voice:                          cfg.AliyunVoice,
		SynthesisFormat:                cfg.AliyunSynthesisFormat,
	})
	if err != nil {
		return nil, err
	}
	return &vendor{name: "aliyun", recognizer: p, synthesizer: p}, nil
}

func buildElevenLabs(cfg config.Config) *vendor {
	if strings.TrimSpace(cfg.ElevenLabsAPIKey) == "" {
		return nil
	}
	p := voice.NewElevenLabsProvider(voice.ElevenLabsConfig{
		APIKey:       cfg.ElevenLabsAPIKey,
		WSBaseURL:    cfg.ElevenLabsWSBaseURL,
		STTModelID:   cfg.ElevenLabsSTTModel,
		VoiceID:      cfg.ElevenLabsTTSVoice,
		TTSModelID:   cfg.ElevenLabsTTSModel,
		OutputFormat: cfg.ElevenLabsOutputFormat,
	})
	return &vendor{name: "elevenlabs", recognizer: p, synthesizer: p}
}

func mockVendor() *vendor {
	p := voice.NewMockProvider()
	return &vendor{name: "mock", recognizer: p, synthesizer: p}
}
