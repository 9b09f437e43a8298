package geo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cellfix/internal/cellinfo"
)

var (
	ErrGeolocationHTTP  = errors.New("geolocation request failed")
	ErrGeolocationParse = errors.New("geolocation response invalid")
	ErrReverseGeocode   = errors.New("reverse geocoding failed")
)

const (
	DefaultGeolocateURL = "https://www.googleapis.com/geolocation/v1/geolocate"
	DefaultGeocodeURL   = "https://maps.googleapis.com/maps/api/geocode/json"
)

// maxBody caps how much of a response we read.
const maxBody = 1 << 20

type Config struct {
	APIKey       string
	GeolocateURL string
	GeocodeURL   string
	Timeout      time.Duration
}

// LocationFix is one cell-based position estimate.
type LocationFix struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	AccuracyM float64 `json:"accuracy_m"`
}

// LatLng formats the coordinate the way both the geocoder and map links
// expect it.
func (f LocationFix) LatLng() string {
	return fmt.Sprintf("%.6f,%.6f", f.Latitude, f.Longitude)
}

type AddressRecord struct {
	FormattedAddress string `json:"formatted_address"`
}

// Client wraps the geolocation and reverse geocoding endpoints. It holds no
// per-request state.
type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if cfg.GeolocateURL == "" {
		cfg.GeolocateURL = DefaultGeolocateURL
	}
	if cfg.GeocodeURL == "" {
		cfg.GeocodeURL = DefaultGeocodeURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

type cellTower struct {
	CellID            int `json:"cellId"`
	LocationAreaCode  int `json:"locationAreaCode"`
	MobileCountryCode int `json:"mobileCountryCode"`
	MobileNetworkCode int `json:"mobileNetworkCode"`
}

type geolocateRequest struct {
	ConsiderIP bool        `json:"considerIp"`
	CellTowers []cellTower `json:"cellTowers"`
}

type geolocateResponse struct {
	Location *struct {
		Lat *float64 `json:"lat"`
		Lng *float64 `json:"lng"`
	} `json:"location"`
	Accuracy *float64 `json:"accuracy"`
}

// Locate asks the geolocation service where the given cell is.
func (c *Client) Locate(ctx context.Context, cell cellinfo.CellIdentity) (LocationFix, error) {
	body, err := json.Marshal(geolocateRequest{
		CellTowers: []cellTower{{
			CellID:            cell.CID,
			LocationAreaCode:  cell.LAC,
			MobileCountryCode: cell.MCC,
			MobileNetworkCode: cell.MNC,
		}},
	})
	if err != nil {
		return LocationFix{}, fmt.Errorf("%w: encode: %v", ErrGeolocationHTTP, err)
	}

	u, err := withKey(c.cfg.GeolocateURL, c.cfg.APIKey, nil)
	if err != nil {
		return LocationFix{}, fmt.Errorf("%w: %v", ErrGeolocationHTTP, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return LocationFix{}, fmt.Errorf("%w: %v", ErrGeolocationHTTP, err)
	}
	req.Header.Set("Content-Type", "application/json")

	b, status, err := c.do(req)
	if err != nil {
		return LocationFix{}, fmt.Errorf("%w: %v", ErrGeolocationHTTP, err)
	}
	if status != http.StatusOK {
		return LocationFix{}, fmt.Errorf("%w: status=%d body=%s", ErrGeolocationHTTP, status, snippet(b))
	}

	var resp geolocateResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		return LocationFix{}, fmt.Errorf("%w: %v", ErrGeolocationParse, err)
	}
	if resp.Location == nil || resp.Location.Lat == nil || resp.Location.Lng == nil {
		return LocationFix{}, fmt.Errorf("%w: missing location", ErrGeolocationParse)
	}
	if resp.Accuracy == nil {
		return LocationFix{}, fmt.Errorf("%w: missing accuracy", ErrGeolocationParse)
	}
	fix := LocationFix{Latitude: *resp.Location.Lat, Longitude: *resp.Location.Lng, AccuracyM: *resp.Accuracy}
	if fix.Latitude < -90 || fix.Latitude > 90 || fix.Longitude < -180 || fix.Longitude > 180 {
		return LocationFix{}, fmt.Errorf("%w: coordinate out of range %s", ErrGeolocationParse, fix.LatLng())
	}
	return fix, nil
}

type geocodeResponse struct {
	Status  string `json:"status"`
	Results []struct {
		FormattedAddress string `json:"formatted_address"`
	} `json:"results"`
	ErrorMessage string `json:"error_message"`
}

// ReverseGeocode returns the first formatted address for fix.
func (c *Client) ReverseGeocode(ctx context.Context, fix LocationFix) (AddressRecord, error) {
	u, err := withKey(c.cfg.GeocodeURL, c.cfg.APIKey, url.Values{"latlng": {fix.LatLng()}})
	if err != nil {
		return AddressRecord{}, fmt.Errorf("%w: %v", ErrReverseGeocode, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return AddressRecord{}, fmt.Errorf("%w: %v", ErrReverseGeocode, err)
	}

	b, status, err := c.do(req)
	if err != nil {
		return AddressRecord{}, fmt.Errorf("%w: %v", ErrReverseGeocode, err)
	}
	if status != http.StatusOK {
		return AddressRecord{}, fmt.Errorf("%w: status=%d body=%s", ErrReverseGeocode, status, snippet(b))
	}

	var resp geocodeResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		return AddressRecord{}, fmt.Errorf("%w: %v", ErrReverseGeocode, err)
	}
	if resp.Status != "" && resp.Status != "OK" {
		return AddressRecord{}, fmt.Errorf("%w: status=%s %s", ErrReverseGeocode, resp.Status, resp.ErrorMessage)
	}
	if len(resp.Results) == 0 || strings.TrimSpace(resp.Results[0].FormattedAddress) == "" {
		return AddressRecord{}, fmt.Errorf("%w: no address in response", ErrReverseGeocode)
	}
	return AddressRecord{FormattedAddress: resp.Results[0].FormattedAddress}, nil
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return b, resp.StatusCode, nil
}

func withKey(base, key string, q url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("bad url %q: %v", base, err)
	}
	vals := u.Query()
	for k, v := range q {
		vals[k] = v
	}
	if key != "" {
		vals.Set("key", key)
	}
	u.RawQuery = vals.Encode()
	return u.String(), nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
