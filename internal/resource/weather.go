package resource

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"marketScope/internal/indexer"
	"marketScope/internal/model"
)

const (
	// DefaultWeatherGovURL is the US National Weather Service API.
	DefaultWeatherGovURL = "https://api.weather.gov"
	// DefaultNOAAURL is the NOAA Climate Data Online API.
	DefaultNOAAURL = "https://www.ncei.noaa.gov/cdo-web/api/v2"

	weatherUserAgent    = "marketScope-indexer (ops@marketscope.local)"
	nycPoint            = "40.7128,-74.006"
	sfPrecipStation     = "GHCND:USW00023272"
	weatherLookback     = 12 * 24 * time.Hour
	cdoMaxSpan          = 365 * 24 * time.Hour
	cdoPageLimit        = 1000
	cdoDateLayout       = "2006-01-02"
	cdoTimestampLayout  = "2006-01-02T15:04:05"
	weatherPollInterval = 30 * time.Minute
)

type weatherReading struct {
	Timestamp int64
	Value     decimal.Decimal
}

type weatherSource interface {
	readings(ctx context.Context, start, end time.Time) ([]weatherReading, error)
}

// Weather stores one point per station observation. Values are scaled by
// 1e9; block numbers are always zero.
type Weather struct {
	base
	source       weatherSource
	PollInterval time.Duration
}

// NewTemperature reads New York air temperature in degrees Celsius from the
// National Weather Service.
func NewTemperature(api *HTTPClient, opts Options) *Weather {
	api.SetHeader("User-Agent", weatherUserAgent)
	api.SetHeader("Accept", "application/geo+json")
	return newWeather(model.KindWeatherTemperature, &nwsTemperature{api: api, point: nycPoint}, opts)
}

// NewPrecipitation reads San Francisco daily precipitation in millimeters
// from NOAA. A token is required.
func NewPrecipitation(api *HTTPClient, token string, opts Options) (*Weather, error) {
	if token == "" {
		return nil, fmt.Errorf("NOAA_TOKEN is not set")
	}
	api.SetHeader("token", token)
	return newWeather(model.KindWeatherPrecipitation, &cdoPrecipitation{api: api, station: sfPrecipStation}, opts), nil
}

func newWeather(kind model.ResourceKind, source weatherSource, opts Options) *Weather {
	return &Weather{
		base: newBase(kind, opts, indexer.ReconnectPolicy{
			MaxAttempts: 5,
			BaseDelay:   5 * time.Second,
			Exponential: true,
		}),
		source:       source,
		PollInterval: weatherPollInterval,
	}
}

// WeatherPrice scales a reading by 1e9.
func WeatherPrice(ts int64, value decimal.Decimal) model.ResourcePrice {
	scaled := value.Mul(gweiScale).Truncate(0).String()
	return model.ResourcePrice{
		Timestamp:   ts,
		BlockNumber: 0,
		Value:       scaled,
		Used:        "1",
		FeePaid:     scaled,
	}
}

func (w *Weather) store(ctx context.Context, res model.Resource, readings []weatherReading, keep func(int64) bool, overwrite bool) error {
	sort.Slice(readings, func(i, j int) bool { return readings[i].Timestamp < readings[j].Timestamp })
	stored := 0
	for _, r := range readings {
		if err := ctx.Err(); err != nil {
			return err
		}
		if keep != nil && !keep(r.Timestamp) {
			continue
		}
		if err := w.save(ctx, res, WeatherPrice(r.Timestamp, r.Value), overwrite); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.alertUnitFailure(ctx, res, strconv.FormatInt(r.Timestamp, 10), err)
			continue
		}
		stored++
	}
	w.logger.Info("weather readings stored", zap.String("resource", res.Slug), zap.Int("readings", len(readings)), zap.Int("stored", stored))
	return nil
}

func (w *Weather) BackfillRange(ctx context.Context, res model.Resource, start, end int64, overwrite bool) (bool, error) {
	end = resolveEnd(end)
	if end < start {
		return false, nil
	}
	readings, err := w.source.readings(ctx, time.Unix(start, 0).UTC(), time.Unix(end, 0).UTC())
	if err != nil {
		return false, fmt.Errorf("weather readings: %w", err)
	}
	if len(readings) == 0 {
		return false, nil
	}
	if err := w.store(ctx, res, readings, nil, overwrite); err != nil {
		return false, err
	}
	return true, nil
}

// BackfillList refetches the observations at the given unix timestamps.
func (w *Weather) BackfillList(ctx context.Context, res model.Resource, units []uint64) (bool, error) {
	if len(units) == 0 {
		return true, nil
	}
	wanted := make(map[int64]bool, len(units))
	lo, hi := int64(units[0]), int64(units[0])
	for _, u := range units {
		ts := int64(u)
		wanted[ts] = true
		if ts < lo {
			lo = ts
		}
		if ts > hi {
			hi = ts
		}
	}
	readings, err := w.source.readings(ctx, time.Unix(lo, 0).UTC(), time.Unix(hi, 0).UTC())
	if err != nil {
		return false, fmt.Errorf("weather readings: %w", err)
	}
	if err := w.store(ctx, res, readings, func(ts int64) bool { return wanted[ts] }, true); err != nil {
		return false, err
	}
	return true, nil
}

// WatchLive refetches the lookback window on every poll; stored readings are
// left untouched.
func (w *Weather) WatchLive(ctx context.Context, res model.Resource) error {
	return w.watch(ctx, res, func(ctx context.Context, healthy func()) error {
		ticker := time.NewTicker(w.PollInterval)
		defer ticker.Stop()
		for {
			now := time.Now().UTC()
			readings, err := w.source.readings(ctx, now.Add(-weatherLookback), now)
			if err != nil {
				return err
			}
			healthy()
			if err := w.store(ctx, res, readings, nil, false); err != nil {
				return err
			}

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
}

type nwsTemperature struct {
	api   *HTTPClient
	point string

	mu      sync.Mutex
	station string
}

type nwsPoint struct {
	Properties struct {
		ObservationStations string `json:"observationStations"`
	} `json:"properties"`
}

type nwsStations struct {
	Features []struct {
		Properties struct {
			StationIdentifier string `json:"stationIdentifier"`
		} `json:"properties"`
	} `json:"features"`
}

type nwsObservations struct {
	Features []struct {
		Properties struct {
			Timestamp   time.Time `json:"timestamp"`
			Temperature struct {
				Value *float64 `json:"value"`
			} `json:"temperature"`
		} `json:"properties"`
	} `json:"features"`
}

func (n *nwsTemperature) stationID(ctx context.Context) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.station != "" {
		return n.station, nil
	}

	var point nwsPoint
	if err := n.api.GetJSON(ctx, "/points/"+n.point, nil, &point); err != nil {
		return "", fmt.Errorf("points lookup: %w", err)
	}
	if point.Properties.ObservationStations == "" {
		return "", fmt.Errorf("points lookup: no stations url: %w", ErrMalformed)
	}
	var stations nwsStations
	if err := n.api.GetJSON(ctx, point.Properties.ObservationStations, nil, &stations); err != nil {
		return "", fmt.Errorf("stations lookup: %w", err)
	}
	if len(stations.Features) == 0 || stations.Features[0].Properties.StationIdentifier == "" {
		return "", fmt.Errorf("stations lookup: %w", ErrNotFound)
	}
	n.station = stations.Features[0].Properties.StationIdentifier
	return n.station, nil
}

func (n *nwsTemperature) readings(ctx context.Context, start, end time.Time) ([]weatherReading, error) {
	station, err := n.stationID(ctx)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("start", start.Format(time.RFC3339))
	q.Set("end", end.Format(time.RFC3339))

	var obs nwsObservations
	if err := n.api.GetJSON(ctx, "/stations/"+station+"/observations", q, &obs); err != nil {
		return nil, err
	}
	out := make([]weatherReading, 0, len(obs.Features))
	for _, f := range obs.Features {
		if f.Properties.Temperature.Value == nil || f.Properties.Timestamp.IsZero() {
			continue
		}
		out = append(out, weatherReading{
			Timestamp: f.Properties.Timestamp.Unix(),
			Value:     decimal.NewFromFloat(*f.Properties.Temperature.Value).Round(2),
		})
	}
	return out, nil
}

type cdoPrecipitation struct {
	api     *HTTPClient
	station string
}

type cdoResponse struct {
	Results []struct {
		Date  string          `json:"date"`
		Value decimal.Decimal `json:"value"`
	} `json:"results"`
}

func (c *cdoPrecipitation) readings(ctx context.Context, start, end time.Time) ([]weatherReading, error) {
	out := make([]weatherReading, 0)
	for from := start; !from.After(end); from = from.Add(cdoMaxSpan) {
		to := from.Add(cdoMaxSpan - 24*time.Hour)
		if to.After(end) {
			to = end
		}
		for offset := 1; ; offset += cdoPageLimit {
			q := url.Values{}
			q.Set("datasetid", "GHCND")
			q.Set("stationid", c.station)
			q.Set("datatypeid", "PRCP")
			q.Set("units", "metric")
			q.Set("limit", strconv.Itoa(cdoPageLimit))
			q.Set("offset", strconv.Itoa(offset))
			q.Set("startdate", from.Format(cdoDateLayout))
			q.Set("enddate", to.Format(cdoDateLayout))

			var resp cdoResponse
			if err := c.api.GetJSON(ctx, "/data", q, &resp); err != nil {
				return nil, err
			}
			for _, r := range resp.Results {
				ts, err := time.Parse(cdoTimestampLayout, r.Date)
				if err != nil {
					continue
				}
				out = append(out, weatherReading{Timestamp: ts.Unix(), Value: r.Value})
			}
			if len(resp.Results) < cdoPageLimit {
				break
			}
		}
	}
	return out, nil
}
