package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sapphirehost/sapphire/internal/privacy"
	"github.com/sapphirehost/sapphire/internal/tools"
)

const weatherEndpoint = "https://api.open-meteo.com/v1/forecast"

// WeatherTool fetches current conditions for a coordinate pair. It is
// network-classified: every request is checked against the privacy gate
// before any connection is opened.
type WeatherTool struct {
	gate   *privacy.Gate
	client *http.Client
}

// NewWeatherTool creates the weather tool.
func NewWeatherTool(gate *privacy.Gate) *WeatherTool {
	return &WeatherTool{
		gate:   gate,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Descriptor describes the tool.
func (t *WeatherTool) Descriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:        "get_weather",
		Description: "Get the current weather for a latitude/longitude pair.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"latitude": {"type": "number"},
				"longitude": {"type": "number"}
			},
			"required": ["latitude", "longitude"]
		}`),
		Network: true,
	}
}

// Execute fetches current conditions. A privacy denial is a tool failure,
// never an error: no outbound request is issued.
func (t *WeatherTool) Execute(ctx context.Context, args tools.Args) (string, bool) {
	lat, okLat := args.Float("latitude")
	lon, okLon := args.Float("longitude")
	if !okLat || !okLon {
		return "latitude and longitude are required", false
	}

	if t.gate != nil && !t.gate.IsAllowedEndpoint(weatherEndpoint) {
		return "Privacy mode blocked the request to " + weatherEndpoint, false
	}

	query := url.Values{}
	query.Set("latitude", fmt.Sprintf("%.4f", lat))
	query.Set("longitude", fmt.Sprintf("%.4f", lon))
	query.Set("current", "temperature_2m,weather_code,wind_speed_10m")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, weatherEndpoint+"?"+query.Encode(), nil)
	if err != nil {
		return "failed to build weather request: " + err.Error(), false
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "weather request failed: " + err.Error(), false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("weather service returned status %d", resp.StatusCode), false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "failed to read weather response: " + err.Error(), false
	}
	var payload struct {
		Current struct {
			Temperature float64 `json:"temperature_2m"`
			WindSpeed   float64 `json:"wind_speed_10m"`
		} `json:"current"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "failed to parse weather response: " + err.Error(), false
	}
	return fmt.Sprintf("It's currently %.1f degrees with wind at %.1f km/h.",
		payload.Current.Temperature, payload.Current.WindSpeed), true
}
