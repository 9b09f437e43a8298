package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"cellfix/internal/alert"
	"cellfix/internal/geo"
)

type Config struct {
	Modem    ModemConfig    `yaml:"modem"`
	WiFi     WiFiConfig     `yaml:"wifi"`
	GPRS     GPRSConfig     `yaml:"gprs"`
	Geo      GeoConfig      `yaml:"geo"`
	Alert    AlertConfig    `yaml:"alert"`
	Trigger  TriggerConfig  `yaml:"trigger"`
	Web      WebConfig      `yaml:"web"`
	CellInfo CellInfoConfig `yaml:"cellinfo"`
}

type ModemConfig struct {
	Device         string        `yaml:"device"`
	Baud           int           `yaml:"baud"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	// Trace logs every line sent to and received from the modem.
	Trace bool `yaml:"trace"`
}

type WiFiConfig struct {
	SSID         string        `yaml:"ssid"`
	Password     string        `yaml:"password"`
	Interface    string        `yaml:"interface"`
	MaxWait      time.Duration `yaml:"max_wait"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type GPRSConfig struct {
	APN              string        `yaml:"apn"`
	User             string        `yaml:"user"`
	Password         string        `yaml:"password"`
	RestartWait      time.Duration `yaml:"restart_wait"`
	RegistrationWait time.Duration `yaml:"registration_wait"`
	BearerTimeout    time.Duration `yaml:"bearer_timeout"`
}

type GeoConfig struct {
	APIKey       string        `yaml:"api_key"`
	GeolocateURL string        `yaml:"geolocate_url"`
	GeocodeURL   string        `yaml:"geocode_url"`
	MapBase      string        `yaml:"map_base"`
	Timeout      time.Duration `yaml:"timeout"`
}

type AlertConfig struct {
	SMSRecipient string              `yaml:"sms_recipient"`
	Email        alert.EmailSettings `yaml:"email"`
	// SubmitWait is how long to listen after the SMS terminator.
	SubmitWait time.Duration `yaml:"submit_wait"`
}

type TriggerConfig struct {
	Button ButtonConfig `yaml:"button"`
}

type ButtonConfig struct {
	Enable bool `yaml:"enable"`
	// GPIO is the BCM line number; 0 is the BOOT button.
	GPIO     int           `yaml:"gpio"`
	Debounce time.Duration `yaml:"debounce"`
}

type WebConfig struct {
	// Listen is empty to disable the local API.
	Listen  string `yaml:"listen"`
	LogTail int    `yaml:"log_tail"`
}

type CellInfoConfig struct {
	SurveyAttempts int `yaml:"survey_attempts"`
	// SurveyDelay defaults to 2s only when the key is absent; 0 is allowed.
	SurveyDelay    time.Duration `yaml:"survey_delay"`
	CarrierFreqMHz float64       `yaml:"carrier_freq_mhz"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	// Defaults that a zero value must be able to override.
	cfg.CellInfo.SurveyDelay = 2 * time.Second
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	cfg.Modem.Device = strings.TrimSpace(cfg.Modem.Device)
	if cfg.Modem.Device == "" {
		return Config{}, fmt.Errorf("modem.device is required")
	}
	if cfg.Modem.Baud == 0 {
		cfg.Modem.Baud = 9600
	}
	if cfg.Modem.Baud < 0 {
		return Config{}, fmt.Errorf("modem.baud must be > 0")
	}
	if cfg.Modem.CommandTimeout <= 0 {
		cfg.Modem.CommandTimeout = 500 * time.Millisecond
	}

	if hasControlChars(cfg.WiFi.SSID) {
		return Config{}, fmt.Errorf("wifi.ssid must not contain control characters")
	}
	if hasControlChars(cfg.WiFi.Password) {
		return Config{}, fmt.Errorf("wifi.password must not contain control characters")
	}
	if cfg.WiFi.Interface == "" {
		cfg.WiFi.Interface = "wlan0"
	}
	if cfg.WiFi.MaxWait <= 0 {
		cfg.WiFi.MaxWait = 10 * time.Second
	}
	if cfg.WiFi.PollInterval <= 0 {
		cfg.WiFi.PollInterval = 500 * time.Millisecond
	}

	if strings.TrimSpace(cfg.WiFi.SSID) == "" && strings.TrimSpace(cfg.GPRS.APN) == "" {
		return Config{}, fmt.Errorf("gprs.apn is required when wifi.ssid is empty")
	}
	// These end up inside a quoted AT+CSTT argument.
	for _, f := range []struct{ name, v string }{
		{"gprs.apn", cfg.GPRS.APN},
		{"gprs.user", cfg.GPRS.User},
		{"gprs.password", cfg.GPRS.Password},
	} {
		if strings.ContainsRune(f.v, '"') || hasControlChars(f.v) {
			return Config{}, fmt.Errorf("%s must not contain quotes or control characters", f.name)
		}
	}
	if cfg.GPRS.RestartWait <= 0 {
		cfg.GPRS.RestartWait = 10 * time.Second
	}
	if cfg.GPRS.RegistrationWait <= 0 {
		cfg.GPRS.RegistrationWait = 60 * time.Second
	}
	if cfg.GPRS.BearerTimeout <= 0 {
		cfg.GPRS.BearerTimeout = 30 * time.Second
	}

	if strings.TrimSpace(cfg.Geo.APIKey) == "" {
		return Config{}, fmt.Errorf("geo.api_key is required")
	}
	if cfg.Geo.GeolocateURL == "" {
		cfg.Geo.GeolocateURL = geo.DefaultGeolocateURL
	}
	if cfg.Geo.GeocodeURL == "" {
		cfg.Geo.GeocodeURL = geo.DefaultGeocodeURL
	}
	if cfg.Geo.MapBase == "" {
		cfg.Geo.MapBase = alert.DefaultMapBase
	}
	if cfg.Geo.Timeout <= 0 {
		cfg.Geo.Timeout = 15 * time.Second
	}

	cfg.Alert.SMSRecipient = strings.TrimSpace(cfg.Alert.SMSRecipient)
	if cfg.Alert.SMSRecipient == "" {
		return Config{}, fmt.Errorf("alert.sms_recipient is required")
	}
	if !validPhoneNumber(cfg.Alert.SMSRecipient) {
		return Config{}, fmt.Errorf("alert.sms_recipient must be digits with an optional leading '+'")
	}
	if cfg.Alert.SubmitWait <= 0 {
		cfg.Alert.SubmitWait = 5 * time.Second
	}

	if cfg.Trigger.Button.GPIO < 0 {
		return Config{}, fmt.Errorf("trigger.button.gpio must be >= 0")
	}
	if cfg.Trigger.Button.Debounce <= 0 {
		cfg.Trigger.Button.Debounce = 50 * time.Millisecond
	}

	if cfg.Web.LogTail <= 0 {
		cfg.Web.LogTail = 2000
	}

	if cfg.CellInfo.SurveyAttempts <= 0 {
		cfg.CellInfo.SurveyAttempts = 5
	}
	if cfg.CellInfo.SurveyDelay < 0 {
		return Config{}, fmt.Errorf("cellinfo.survey_delay must be >= 0")
	}
	if cfg.CellInfo.CarrierFreqMHz <= 0 {
		cfg.CellInfo.CarrierFreqMHz = 900
	}

	return cfg, nil
}

func hasControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}

func validPhoneNumber(s string) bool {
	s = strings.TrimPrefix(s, "+")
	if len(s) < 3 || len(s) > 20 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
