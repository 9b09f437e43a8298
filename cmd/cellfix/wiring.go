package main

import (
	"cellfix/internal/alert"
	"cellfix/internal/cellinfo"
	"cellfix/internal/config"
	"cellfix/internal/geo"
	"cellfix/internal/modem"
	"cellfix/internal/netconn"
	"cellfix/internal/pipeline"
	"cellfix/internal/wifi"
)

// buildOrchestrator wires every stage to the one modem session.
func buildOrchestrator(cfg config.Config, s *modem.Session) *pipeline.Orchestrator {
	settle := alert.DefaultSettle()
	settle.Submit = cfg.Alert.SubmitWait

	return pipeline.New(pipeline.Deps{
		Net: netconn.New(s, netconn.Config{
			WiFi: wifi.Credentials{
				SSID:      cfg.WiFi.SSID,
				Password:  cfg.WiFi.Password,
				Interface: cfg.WiFi.Interface,
			},
			PrimaryMaxWait:   cfg.WiFi.MaxWait,
			PollInterval:     cfg.WiFi.PollInterval,
			APN:              cfg.GPRS.APN,
			User:             cfg.GPRS.User,
			Password:         cfg.GPRS.Password,
			CommandTimeout:   cfg.Modem.CommandTimeout,
			RestartWait:      cfg.GPRS.RestartWait,
			RegistrationWait: cfg.GPRS.RegistrationWait,
			BearerTimeout:    cfg.GPRS.BearerTimeout,
		}),
		Cell: cellinfo.New(s, cellinfo.Config{
			CommandTimeout: cfg.Modem.CommandTimeout,
			SurveyAttempts: cfg.CellInfo.SurveyAttempts,
			SurveyDelay:    cfg.CellInfo.SurveyDelay,
			CarrierFreqMHz: cfg.CellInfo.CarrierFreqMHz,
		}),
		Geo: geo.New(geo.Config{
			APIKey:       cfg.Geo.APIKey,
			GeolocateURL: cfg.Geo.GeolocateURL,
			GeocodeURL:   cfg.Geo.GeocodeURL,
			Timeout:      cfg.Geo.Timeout,
		}),
		Notify: alert.NewDispatcher(s, alert.LogMailer{Settings: cfg.Alert.Email}, cfg.Alert.SMSRecipient, settle),
		MapBase: cfg.Geo.MapBase,
	})
}
