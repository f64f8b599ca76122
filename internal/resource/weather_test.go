package resource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketScope/internal/alert"
	"marketScope/internal/model"
)

func TestWeatherPriceScaling(t *testing.T) {
	got := WeatherPrice(1700000000, decimal.NewFromFloat(21.456).Round(2))
	want := model.ResourcePrice{
		Timestamp:   1700000000,
		BlockNumber: 0,
		Value:       "21460000000",
		Used:        "1",
		FeePaid:     "21460000000",
	}
	if got != want {
		t.Fatalf("price mismatch: %+v != %+v", got, want)
	}

	if got := WeatherPrice(1, decimal.NewFromFloat(-3.2)); got.Value != "-3200000000" {
		t.Fatalf("negative temperature not scaled: %s", got.Value)
	}
}

func TestTemperatureBackfill(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		switch {
		case strings.HasPrefix(r.URL.Path, "/points/"):
			_, _ = w.Write([]byte(`{"properties": {"observationStations": "` + server.URL + `/gridpoints/OKX/33,35/stations"}}`))
		case strings.HasSuffix(r.URL.Path, "/stations"):
			_, _ = w.Write([]byte(`{"features": [{"properties": {"stationIdentifier": "KNYC"}}]}`))
		case r.URL.Path == "/stations/KNYC/observations":
			_, _ = w.Write([]byte(`{"features": [
				{"properties": {"timestamp": "2024-05-01T01:00:00+00:00", "temperature": {"value": 12.345}}},
				{"properties": {"timestamp": "2024-05-01T02:00:00+00:00", "temperature": {"value": null}}},
				{"properties": {"timestamp": "2024-05-01T00:00:00+00:00", "temperature": {"value": 11}}}
			]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	store := newMemStore()
	adapter := NewTemperature(NewHTTPClient(server.URL, testHTTPOptions()), Options{Store: store})
	res := model.Resource{ID: 7, Slug: "nyc-temperature", Kind: model.KindWeatherTemperature}

	ok, err := adapter.BackfillRange(context.Background(), res, 1714521600, 1714532400, false)
	if err != nil || !ok {
		t.Fatalf("unexpected result %v %v", ok, err)
	}
	if store.count(7) != 2 {
		t.Fatalf("expected 2 readings, got %d", store.count(7))
	}
	latest, _, _ := store.LatestPrice(context.Background(), 7)
	if latest.Timestamp != 1714525200 || latest.Value != "12350000000" {
		t.Fatalf("unexpected latest reading: %+v", latest)
	}
}

func TestPrecipitationRequiresToken(t *testing.T) {
	if _, err := NewPrecipitation(NewHTTPClient("http://localhost", testHTTPOptions()), "", Options{}); err == nil {
		t.Fatalf("expected error without token")
	}
}

func TestPrecipitationBackfill(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.Header.Get("token") != "noaa" || q.Get("datatypeid") != "PRCP" || q.Get("stationid") != sfPrecipStation {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"results": [
			{"date": "2024-05-01T00:00:00", "value": 2.5},
			{"date": "2024-05-02T00:00:00", "value": 0}
		]}`))
	}))
	defer server.Close()

	store := newMemStore()
	adapter, err := NewPrecipitation(NewHTTPClient(server.URL, testHTTPOptions()), "noaa", Options{Store: store})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res := model.Resource{ID: 8, Slug: "sf-precipitation", Kind: model.KindWeatherPrecipitation}
	ok, err := adapter.BackfillRange(context.Background(), res, 1714521600, 1714608000, false)
	if err != nil || !ok {
		t.Fatalf("unexpected result %v %v", ok, err)
	}
	if store.count(8) != 2 {
		t.Fatalf("expected 2 readings, got %d", store.count(8))
	}
	p := store.prices[8][1714521600]
	if p.Value != "2500000000" || p.BlockNumber != 0 {
		t.Fatalf("unexpected reading: %+v", p)
	}
}

type staticReadings []weatherReading

func (s staticReadings) readings(context.Context, time.Time, time.Time) ([]weatherReading, error) {
	return s, nil
}

func TestWeatherStoreFailureIsAlerted(t *testing.T) {
	store := &flakyStore{memStore: newMemStore(), failAt: map[int64]bool{1714525200: true}}
	alerts := &alertRecorder{}
	source := staticReadings{
		{Timestamp: 1714521600, Value: decimal.NewFromInt(11)},
		{Timestamp: 1714525200, Value: decimal.NewFromInt(12)},
		{Timestamp: 1714528800, Value: decimal.NewFromInt(13)},
	}
	adapter := newWeather(model.KindWeatherTemperature, source, Options{Store: store, Alerts: alerts})
	res := model.Resource{ID: 7, Slug: "nyc-temperature", Kind: model.KindWeatherTemperature}

	ok, err := adapter.BackfillRange(context.Background(), res, 1714521600, 1714532400, false)
	if err != nil || !ok {
		t.Fatalf("unexpected result %v %v", ok, err)
	}
	if store.count(7) != 2 {
		t.Fatalf("expected 2 stored readings, got %d", store.count(7))
	}
	if len(alerts.alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts.alerts))
	}
	a := alerts.alerts[0]
	if a.Severity != alert.SeverityError || a.Source != "resource:nyc-temperature" || a.Fields["unit"] != "1714525200" {
		t.Fatalf("unexpected alert: %+v", a)
	}
}
