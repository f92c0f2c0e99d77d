package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gatewatch/gatewatch/config"
	"github.com/gatewatch/gatewatch/errors"
	"github.com/gatewatch/gatewatch/types"
)

const defaultOnlineSpacing = time.Second

// onlineResponse maps the hosted lookup API's answer.
type onlineResponse struct {
	IP       string `json:"ip"`
	Location struct {
		Continent     string `json:"continent"`
		ContinentName string `json:"continent_name"`
		CountryCode   string `json:"country_code"`
		Country       string `json:"country"`
		City          string `json:"city"`
	} `json:"location"`
	ASN struct {
		ASN    uint   `json:"asn"`
		Org    string `json:"org"`
		Domain string `json:"domain"`
	} `json:"asn"`
}

// onlineResolver queries a hosted IP metadata API over HTTPS.
type onlineResolver struct {
	baseURL string
	spacing time.Duration
	client  *http.Client
}

func newOnlineResolver(cfg config.GeoIPConfig) (*onlineResolver, error) {
	if cfg.OnlineURL == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "geoip", "newOnlineResolver", "online_url")
	}

	spacing := cfg.OnlineSpacing
	if spacing <= 0 {
		spacing = defaultOnlineSpacing
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &onlineResolver{
		baseURL: strings.TrimRight(cfg.OnlineURL, "/"),
		spacing: spacing,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (r *onlineResolver) Spacing() time.Duration { return r.spacing }

func (r *onlineResolver) Resolve(ctx context.Context, ip string) (*types.GeoLocation, error) {
	endpoint := fmt.Sprintf("%s/?q=%s", r.baseURL, url.QueryEscape(ip))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "geoip", "Resolve", "build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "geoip", "Resolve", "online lookup")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, errors.WrapTransient(errors.ErrGeoUnavailable, "geoip", "Resolve",
			fmt.Sprintf("online lookup status %d", resp.StatusCode))
	}

	var body onlineResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.WrapInvalid(err, "geoip", "Resolve", "decode online response")
	}
	if body.Location.CountryCode == "" {
		return nil, errors.WrapInvalid(errors.ErrGeoUnavailable, "geoip", "Resolve", "no country in response")
	}

	return &types.GeoLocation{
		Country:       body.Location.CountryCode,
		CountryName:   body.Location.Country,
		City:          body.Location.City,
		ASN:           body.ASN.ASN,
		ASName:        body.ASN.Org,
		ASDomain:      body.ASN.Domain,
		Continent:     body.Location.Continent,
		ContinentName: body.Location.ContinentName,
	}, nil
}

func (r *onlineResolver) Close() error {
	r.client.CloseIdleConnections()
	return nil
}
