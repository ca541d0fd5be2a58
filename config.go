package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig holds all server configuration.
// Priority (lowest → highest): defaults < env vars < JSON config file < CLI flags.
type AppConfig struct {
	// Server
	Dev  bool   `json:"dev"`  // dev mode: verbose logging
	Addr string `json:"addr"` // HTTP listen address

	// Game pacing
	MinPlayers           int `json:"min_players"`            // roster is padded with simulated actors up to this
	NightWindowSeconds   int `json:"night_window_seconds"`   // night action collection window
	DayDiscussionSeconds int `json:"day_discussion_seconds"` // non-interactive discussion delay
	VoteWindowSeconds    int `json:"vote_window_seconds"`    // vote collection window

	// Logging (extended diagnostics, off by default)
	LogOutputDir string `json:"log_output_dir"`
	LogRequests  bool   `json:"log_requests"`
	LogWS        bool   `json:"log_ws"`
	LogGame      bool   `json:"log_game"`
	LogDebug     bool   `json:"log_debug"`

	// AI Oracle
	OracleProvider    string `json:"oracle_provider"`    // ollama | openai | claude | gemini | groq | openai-compatible
	OracleModel       string `json:"oracle_model"`       // model name
	OracleOllamaURL   string `json:"oracle_ollama_url"`  // Ollama server URL
	OracleURL         string `json:"oracle_url"`         // base URL for openai-compatible
	OracleAPIKey      string `json:"oracle_api_key"`     // API key for openai-compatible
	OracleTemperature string `json:"oracle_temperature"` // float 0-1 as string
	GroqAPIKey        string `json:"groq_api_key"`       // API key for groq provider
}

func (cfg AppConfig) toLogConfig() LogConfig {
	return LogConfig{
		OutputDir:   cfg.LogOutputDir,
		LogRequests: cfg.LogRequests,
		LogWS:       cfg.LogWS,
		LogGame:     cfg.LogGame,
		Debug:       cfg.LogDebug,
	}
}

func (cfg AppConfig) nightWindow() time.Duration {
	return time.Duration(cfg.NightWindowSeconds) * time.Second
}

func (cfg AppConfig) dayDiscussion() time.Duration {
	return time.Duration(cfg.DayDiscussionSeconds) * time.Second
}

func (cfg AppConfig) voteWindow() time.Duration {
	return time.Duration(cfg.VoteWindowSeconds) * time.Second
}

func defaultConfig() AppConfig {
	return AppConfig{
		Addr:                 ":8080",
		MinPlayers:           6,
		NightWindowSeconds:   60,
		DayDiscussionSeconds: 90,
		VoteWindowSeconds:    60,
		OracleOllamaURL:      "http://localhost:11434",
	}
}

// loadConfig builds a config by layering: defaults → env vars → JSON config file.
// CLI flag overrides are applied separately by flagValues.applyTo after flag.Parse.
func loadConfig(configPath string) AppConfig {
	// .env feeds the env-var layer; a missing file is fine.
	if err := godotenv.Load(); err == nil {
		log.Printf("Config: loaded .env")
	}

	cfg := defaultConfig()

	// Layer 1: env vars
	envStr := os.Getenv
	envBool := func(key string) (val bool, set bool) {
		v := os.Getenv(key)
		if v == "" {
			return false, false
		}
		return v == "1" || v == "true" || v == "yes", true
	}
	envInt := func(key string) (val int, set bool) {
		v := os.Getenv(key)
		if v == "" {
			return 0, false
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("Config: ignoring non-integer %s=%q", key, v)
			return 0, false
		}
		return n, true
	}

	if v, ok := envBool("DEV"); ok {
		cfg.Dev = v
	}
	if v := envStr("ADDR"); v != "" {
		cfg.Addr = v
	}
	if v, ok := envInt("MIN_PLAYERS"); ok {
		cfg.MinPlayers = v
	}
	if v, ok := envInt("NIGHT_WINDOW_SECONDS"); ok {
		cfg.NightWindowSeconds = v
	}
	if v, ok := envInt("DAY_DISCUSSION_SECONDS"); ok {
		cfg.DayDiscussionSeconds = v
	}
	if v, ok := envInt("VOTE_WINDOW_SECONDS"); ok {
		cfg.VoteWindowSeconds = v
	}
	if v := envStr("LOG_OUTPUT_DIR"); v != "" {
		cfg.LogOutputDir = v
	}
	if v, ok := envBool("LOG_REQUESTS"); ok {
		cfg.LogRequests = v
	}
	if v, ok := envBool("LOG_WS"); ok {
		cfg.LogWS = v
	}
	if v, ok := envBool("LOG_GAME"); ok {
		cfg.LogGame = v
	}
	if v, ok := envBool("LOG_DEBUG"); ok {
		cfg.LogDebug = v
	}
	if v := envStr("ORACLE_PROVIDER"); v != "" {
		cfg.OracleProvider = v
	}
	if v := envStr("ORACLE_MODEL"); v != "" {
		cfg.OracleModel = v
	}
	if v := envStr("ORACLE_OLLAMA_URL"); v != "" {
		cfg.OracleOllamaURL = v
	}
	if v := envStr("ORACLE_URL"); v != "" {
		cfg.OracleURL = v
	}
	if v := envStr("ORACLE_API_KEY"); v != "" {
		cfg.OracleAPIKey = v
	}
	if v := envStr("ORACLE_TEMPERATURE"); v != "" {
		cfg.OracleTemperature = v
	}
	if v := envStr("GROQ_API_KEY"); v != "" {
		cfg.GroqAPIKey = v
	}

	// Layer 2: JSON config file — only fields present in the file override env vars
	if data, err := os.ReadFile(configPath); err == nil {
		var overlay map[string]json.RawMessage
		if err := json.Unmarshal(data, &overlay); err != nil {
			log.Printf("Config: failed to parse %s: %v", configPath, err)
		} else {
			applyJSONOverlay(&cfg, overlay)
			log.Printf("Config: loaded from %s", configPath)
		}
	} else if !os.IsNotExist(err) {
		log.Printf("Config: failed to read %s: %v", configPath, err)
	}

	return cfg
}

// applyJSONOverlay only sets fields that are explicitly present in the JSON map.
func applyJSONOverlay(cfg *AppConfig, m map[string]json.RawMessage) {
	str := func(key string, dst *string) {
		if v, ok := m[key]; ok {
			json.Unmarshal(v, dst)
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := m[key]; ok {
			json.Unmarshal(v, dst)
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := m[key]; ok {
			json.Unmarshal(v, dst)
		}
	}
	boolean("dev", &cfg.Dev)
	str("addr", &cfg.Addr)
	integer("min_players", &cfg.MinPlayers)
	integer("night_window_seconds", &cfg.NightWindowSeconds)
	integer("day_discussion_seconds", &cfg.DayDiscussionSeconds)
	integer("vote_window_seconds", &cfg.VoteWindowSeconds)
	str("log_output_dir", &cfg.LogOutputDir)
	boolean("log_requests", &cfg.LogRequests)
	boolean("log_ws", &cfg.LogWS)
	boolean("log_game", &cfg.LogGame)
	boolean("log_debug", &cfg.LogDebug)
	str("oracle_provider", &cfg.OracleProvider)
	str("oracle_model", &cfg.OracleModel)
	str("oracle_ollama_url", &cfg.OracleOllamaURL)
	str("oracle_url", &cfg.OracleURL)
	str("oracle_api_key", &cfg.OracleAPIKey)
	str("oracle_temperature", &cfg.OracleTemperature)
	str("groq_api_key", &cfg.GroqAPIKey)
}

// flagValues holds pointers to all registered CLI flags.
type flagValues struct {
	configPath           *string
	dev                  *bool
	addr                 *string
	minPlayers           *int
	nightWindowSeconds   *int
	dayDiscussionSeconds *int
	voteWindowSeconds    *int
	logOutputDir         *string
	logRequests          *bool
	logWS                *bool
	logGame              *bool
	logDebug             *bool
	oracleProvider       *string
	oracleModel          *string
	oracleOllamaURL      *string
	oracleURL            *string
	oracleAPIKey         *string
	oracleTemperature    *string
	groqAPIKey           *string
}

// registerFlags registers all CLI flags and returns pointers to their values.
// Call flag.Parse() after this, then applyTo to layer them over the loaded config.
func registerFlags() flagValues {
	return flagValues{
		configPath:           flag.String("config", "config.json", "path to JSON config file"),
		dev:                  flag.Bool("dev", false, "enable development mode (verbose logging)"),
		addr:                 flag.String("addr", "", "HTTP listen address (e.g. :8080)"),
		minPlayers:           flag.Int("min-players", 0, "pad the roster with simulated players up to this count"),
		nightWindowSeconds:   flag.Int("night-window-seconds", 0, "night action collection window in seconds"),
		dayDiscussionSeconds: flag.Int("day-discussion-seconds", 0, "day discussion delay in seconds"),
		voteWindowSeconds:    flag.Int("vote-window-seconds", 0, "vote collection window in seconds"),
		logOutputDir:         flag.String("log-output-dir", "", "directory for extended log files"),
		logRequests:          flag.Bool("log-requests", false, "log HTTP requests and responses"),
		logWS:                flag.Bool("log-ws", false, "log WebSocket messages"),
		logGame:              flag.Bool("log-game", false, "log game events"),
		logDebug:             flag.Bool("log-debug", false, "enable debug logging"),
		oracleProvider:       flag.String("oracle-provider", "", "AI oracle provider (ollama|openai|claude|gemini|groq|openai-compatible)"),
		oracleModel:          flag.String("oracle-model", "", "AI oracle model name"),
		oracleOllamaURL:      flag.String("oracle-ollama-url", "", "Ollama server URL"),
		oracleURL:            flag.String("oracle-url", "", "base URL for openai-compatible provider"),
		oracleAPIKey:         flag.String("oracle-api-key", "", "API key for oracle provider"),
		oracleTemperature:    flag.String("oracle-temperature", "", "sampling temperature 0-1"),
		groqAPIKey:           flag.String("groq-api-key", "", "Groq API key"),
	}
}

// applyTo overlays any CLI flags that were explicitly set onto cfg.
// Flags that were not passed on the command line are ignored (env/JSON values win).
func (fv flagValues) applyTo(cfg *AppConfig) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "dev":
			cfg.Dev = *fv.dev
		case "addr":
			cfg.Addr = *fv.addr
		case "min-players":
			cfg.MinPlayers = *fv.minPlayers
		case "night-window-seconds":
			cfg.NightWindowSeconds = *fv.nightWindowSeconds
		case "day-discussion-seconds":
			cfg.DayDiscussionSeconds = *fv.dayDiscussionSeconds
		case "vote-window-seconds":
			cfg.VoteWindowSeconds = *fv.voteWindowSeconds
		case "log-output-dir":
			cfg.LogOutputDir = *fv.logOutputDir
		case "log-requests":
			cfg.LogRequests = *fv.logRequests
		case "log-ws":
			cfg.LogWS = *fv.logWS
		case "log-game":
			cfg.LogGame = *fv.logGame
		case "log-debug":
			cfg.LogDebug = *fv.logDebug
		case "oracle-provider":
			cfg.OracleProvider = *fv.oracleProvider
		case "oracle-model":
			cfg.OracleModel = *fv.oracleModel
		case "oracle-ollama-url":
			cfg.OracleOllamaURL = *fv.oracleOllamaURL
		case "oracle-url":
			cfg.OracleURL = *fv.oracleURL
		case "oracle-api-key":
			cfg.OracleAPIKey = *fv.oracleAPIKey
		case "oracle-temperature":
			cfg.OracleTemperature = *fv.oracleTemperature
		case "groq-api-key":
			cfg.GroqAPIKey = *fv.groqAPIKey
		}
	})
}
