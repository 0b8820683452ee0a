// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/chadiek/call-receptionist/internal/audio"
	"github.com/chadiek/call-receptionist/internal/call"
	"github.com/chadiek/call-receptionist/internal/callerr"
	"github.com/chadiek/call-receptionist/internal/dialogue"
	"github.com/chadiek/call-receptionist/internal/turn"
)

// Config holds application configuration. It is read-only once loaded.
type Config struct {
	Host      string `koanf:"host"`
	Port      int    `koanf:"port"`
	PublicURL string `koanf:"public_url"`

	ModelProvider string `koanf:"model_provider"`
	OpenAIKey     string `koanf:"openai_api_key"`
	CerebrasKey   string `koanf:"cerebras_api_key"`
	GeminiKey     string `koanf:"gemini_api_key"`
	ModelID       string `koanf:"model_id"`
	ModelBaseURL  string `koanf:"model_base_url"`

	AssemblyAIKey string `koanf:"assemblyai_api_key"`

	TTSProvider       string `koanf:"tts_provider"`
	DeepgramKey       string `koanf:"deepgram_api_key"`
	DeepgramTTSModel  string `koanf:"deepgram_tts_model"`
	ElevenLabsKey     string `koanf:"elevenlabs_api_key"`
	ElevenLabsVoiceID string `koanf:"elevenlabs_voice_id"`

	TelephonyProvider   string `koanf:"telephony_provider"`
	NextGenSwitchURL    string `koanf:"nextgenswitch_url"`
	NextGenSwitchKey    string `koanf:"nextgenswitch_api_key"`
	NextGenSwitchSecret string `koanf:"nextgenswitch_api_secret"`
	TwilioAccountSID    string `koanf:"twilio_account_sid"`
	TwilioAuthToken     string `koanf:"twilio_auth_token"`
	ForwardingNumber    string `koanf:"forwarding_number"`

	AgentVariant        string `koanf:"agent_variant"`
	SystemPrompt        string `koanf:"system_prompt"`
	Greeting            string `koanf:"greeting_message"`
	ClosingAnnouncement string `koanf:"closing_announcement"`

	AppointmentStore string `koanf:"appointment_store"`
	SQLitePath       string `koanf:"sqlite_path"`
	SupabaseURL      string `koanf:"supabase_url"`
	SupabaseKey      string `koanf:"supabase_service_role_key"`
	SupabaseTable    string `koanf:"supabase_table"`
	TranscriptBucket string `koanf:"transcript_bucket"`

	EndOfTurnSilence      time.Duration `koanf:"end_of_turn_silence"`
	ContinuationExtension time.Duration `koanf:"continuation_extension"`
	BargeInMinVoice       time.Duration `koanf:"barge_in_min_voice"`
	BargeInTokens         int           `koanf:"barge_in_tokens"`
	BargeInBudget         time.Duration `koanf:"barge_in_budget"`
	VoiceRMSThreshold     float64       `koanf:"voice_rms_threshold"`
	IdleTimeout           time.Duration `koanf:"idle_timeout"`
	MaxIdlePeriods        int           `koanf:"max_idle_periods"`
	RingingTimeout        time.Duration `koanf:"ringing_timeout"`
	ModelTimeout          time.Duration `koanf:"model_timeout"`
	MaxModelFailures      int           `koanf:"max_model_failures"`
	MaxHistoryTokens      int           `koanf:"max_history_tokens"`
	MaxResponseTokens     int           `koanf:"max_response_tokens"`
	RecognizerMaxAttempts int           `koanf:"recognizer_max_attempts"`
	SynthMaxAttempts      int           `koanf:"synth_max_attempts"`
	TransferMaxAttempts   int           `koanf:"transfer_max_attempts"`
	TransferBackoff       time.Duration `koanf:"transfer_backoff"`
	TransferDelay         time.Duration `koanf:"transfer_delay"`
	TransferFailurePolicy string        `koanf:"transfer_failure_policy"`
	InboundQueueFrames    int           `koanf:"inbound_queue_frames"`
	OutboundQueueFrames   int           `koanf:"outbound_queue_frames"`
	OverflowPolicy        string        `koanf:"overflow_policy"`

	ICEServersJSON  string `koanf:"ice_servers_json"`
	RTCAuthPassword string `koanf:"rtc_auth_password"`

	LogLevel         string `koanf:"log_level"`
	OTelTracesStdout bool   `koanf:"otel_traces_stdout"`
}

const defaultICEServers = `[{"urls":["stun:stun.l.google.com:19302"]}]`

// Defaults returns the configuration used for every unset variable.
func Defaults() Config {
	cc := call.DefaultConfig()
	return Config{
		Host:                  "0.0.0.0",
		Port:                  7860,
		ModelProvider:         "openai",
		TTSProvider:           "deepgram",
		DeepgramTTSModel:      "aura-2-thalia-en",
		TelephonyProvider:     "none",
		AgentVariant:          string(dialogue.VariantReceptionist),
		Greeting:              cc.Greeting,
		ClosingAnnouncement:   cc.ClosingAnnouncement,
		AppointmentStore:      "none",
		SQLitePath:            "appointments.db",
		SupabaseTable:         "appointments",
		EndOfTurnSilence:      cc.Turn.EndOfTurnSilence,
		ContinuationExtension: cc.Turn.ContinuationExtension,
		BargeInMinVoice:       cc.Turn.BargeInMinVoice,
		BargeInTokens:         cc.Turn.BargeInTokens,
		BargeInBudget:         cc.BargeInBudget,
		VoiceRMSThreshold:     cc.VoiceThreshold,
		IdleTimeout:           cc.Turn.IdleTimeout,
		MaxIdlePeriods:        cc.Turn.MaxIdlePeriods,
		RingingTimeout:        cc.RingingTimeout,
		ModelTimeout:          cc.ModelTimeout,
		MaxModelFailures:      cc.MaxModelFailures,
		MaxHistoryTokens:      3000,
		MaxResponseTokens:     cc.MaxTokens,
		RecognizerMaxAttempts: cc.RecognizerMaxAttempts,
		SynthMaxAttempts:      cc.SynthMaxAttempts,
		TransferMaxAttempts:   cc.Transfer.MaxAttempts,
		TransferBackoff:       cc.Transfer.Backoff,
		TransferFailurePolicy: string(call.RemainActive),
		InboundQueueFrames:    256,
		OutboundQueueFrames:   50,
		OverflowPolicy:        "block",
		ICEServersJSON:        defaultICEServers,
		LogLevel:              "info",
	}
}

// Load reads .env (when present) and the environment, then validates the result.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", slog.Any("err", err))
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (Config, error) {
	k := koanf.New(".")
	// empty values fall back to the defaults
	err := k.Load(env.ProviderWithValue("", ".", func(key, value string) (string, interface{}) {
		if strings.TrimSpace(value) == "" {
			return "", nil
		}
		return strings.ToLower(key), value
	}), nil)
	if err != nil {
		return Config{}, callerr.New(callerr.KindConfiguration, "config.load", err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, callerr.New(callerr.KindConfiguration, "config.load", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	for _, s := range []*string{&c.ModelProvider, &c.TTSProvider, &c.TelephonyProvider, &c.AgentVariant, &c.AppointmentStore, &c.OverflowPolicy, &c.LogLevel} {
		*s = strings.ToLower(strings.TrimSpace(*s))
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	if c.ModelID == "" && c.ModelProvider == "cerebras" {
		c.ModelID = "gpt-oss-120b"
	}
}

// Validate fails when the selected providers lack their credentials.
func (c Config) Validate() error {
	var errs []error
	require := func(value, name string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}

	switch c.ModelProvider {
	case "openai":
		require(c.OpenAIKey, "OPENAI_API_KEY")
	case "cerebras":
		require(c.CerebrasKey, "CEREBRAS_API_KEY")
	case "gemini":
		require(c.GeminiKey, "GEMINI_API_KEY")
	default:
		errs = append(errs, fmt.Errorf("unknown MODEL_PROVIDER %q", c.ModelProvider))
	}

	require(c.AssemblyAIKey, "ASSEMBLYAI_API_KEY")

	switch c.TTSProvider {
	case "deepgram":
		require(c.DeepgramKey, "DEEPGRAM_API_KEY")
	case "elevenlabs":
		require(c.ElevenLabsKey, "ELEVENLABS_API_KEY")
		require(c.ElevenLabsVoiceID, "ELEVENLABS_VOICE_ID")
	default:
		errs = append(errs, fmt.Errorf("unknown TTS_PROVIDER %q", c.TTSProvider))
	}

	switch c.TelephonyProvider {
	case "none":
	case "nextgenswitch":
		require(c.NextGenSwitchURL, "NEXTGENSWITCH_URL")
		require(c.NextGenSwitchKey, "NEXTGENSWITCH_API_KEY")
		require(c.NextGenSwitchSecret, "NEXTGENSWITCH_API_SECRET")
		require(c.ForwardingNumber, "FORWARDING_NUMBER")
	case "twilio":
		require(c.TwilioAccountSID, "TWILIO_ACCOUNT_SID")
		require(c.TwilioAuthToken, "TWILIO_AUTH_TOKEN")
		require(c.ForwardingNumber, "FORWARDING_NUMBER")
	default:
		errs = append(errs, fmt.Errorf("unknown TELEPHONY_PROVIDER %q", c.TelephonyProvider))
	}

	switch dialogue.Variant(c.AgentVariant) {
	case dialogue.VariantReceptionist, dialogue.VariantCareDesk:
	default:
		errs = append(errs, fmt.Errorf("unknown AGENT_VARIANT %q", c.AgentVariant))
	}

	switch c.AppointmentStore {
	case "none":
	case "sqlite":
		require(c.SQLitePath, "SQLITE_PATH")
	case "supabase":
		require(c.SupabaseURL, "SUPABASE_URL")
		require(c.SupabaseKey, "SUPABASE_SERVICE_ROLE_KEY")
	default:
		errs = append(errs, fmt.Errorf("unknown APPOINTMENT_STORE %q", c.AppointmentStore))
	}
	if c.TranscriptBucket != "" {
		require(c.SupabaseURL, "SUPABASE_URL")
		require(c.SupabaseKey, "SUPABASE_SERVICE_ROLE_KEY")
	}

	if _, err := call.ParseFailurePolicy(c.TransferFailurePolicy); err != nil {
		errs = append(errs, err)
	}
	if _, err := audio.ParseOverflowPolicy(c.OverflowPolicy); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid PORT %d", c.Port))
	}

	if len(errs) > 0 {
		return callerr.New(callerr.KindConfiguration, "config.validate", errors.Join(errs...))
	}
	return nil
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Level returns the slog level named by LOG_LEVEL.
func (c Config) Level() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown LOG_LEVEL %q", s)
	}
}

// Call returns the per-call tunables.
func (c Config) Call() call.Config {
	policy, _ := call.ParseFailurePolicy(c.TransferFailurePolicy)
	cc := call.DefaultConfig()
	cc.Turn = turn.Config{
		EndOfTurnSilence:      c.EndOfTurnSilence,
		ContinuationExtension: c.ContinuationExtension,
		BargeInMinVoice:       c.BargeInMinVoice,
		BargeInTokens:         c.BargeInTokens,
		IdleTimeout:           c.IdleTimeout,
		MaxIdlePeriods:        c.MaxIdlePeriods,
	}
	cc.VoiceThreshold = c.VoiceRMSThreshold
	cc.BargeInBudget = c.BargeInBudget
	cc.RingingTimeout = c.RingingTimeout
	cc.ModelTimeout = c.ModelTimeout
	cc.MaxModelFailures = c.MaxModelFailures
	cc.MaxTokens = c.MaxResponseTokens
	cc.RecognizerMaxAttempts = c.RecognizerMaxAttempts
	cc.SynthMaxAttempts = c.SynthMaxAttempts
	cc.Transfer.MaxAttempts = c.TransferMaxAttempts
	cc.Transfer.Backoff = c.TransferBackoff
	cc.Transfer.Delay = c.TransferDelay
	cc.Transfer.OnFailure = policy
	cc.ForwardingNumber = c.ForwardingNumber
	cc.SystemPrompt = dialogue.SystemPrompt(dialogue.Variant(c.AgentVariant), c.SystemPrompt)
	cc.Greeting = c.Greeting
	cc.ClosingAnnouncement = c.ClosingAnnouncement
	return cc
}

// Bus returns the AudioFrameBus sizing. The caller attaches the observer.
func (c Config) Bus() audio.BusConfig {
	overflow, _ := audio.ParseOverflowPolicy(c.OverflowPolicy)
	return audio.BusConfig{
		InboundQueue:  c.InboundQueueFrames,
		OutboundQueue: c.OutboundQueueFrames,
		Overflow:      overflow,
	}
}

// Preview shows at most the first four characters of a secret.
func Preview(secret string) string {
	if secret == "" {
		return "(unset)"
	}
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:4] + "****"
}
