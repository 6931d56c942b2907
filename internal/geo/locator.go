// Package geo resolves remote addresses to locations and groups them into map markers.
package geo

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"net/url"

	"github.com/oicur0t/loglens/internal/upstream"
)

// ErrUnresolvable means the service answered but has no location for the address
var ErrUnresolvable = errors.New("address has no location")

// Location is one resolved geolocation record
type Location struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	City      string  `json:"city"`
	Region    string  `json:"region"`
	Country   string  `json:"country"`
	ISP       string  `json:"isp"`
}

// Locator resolves one address
type Locator interface {
	Locate(ctx context.Context, addr netip.Addr) (Location, error)
}

// ipAPIResponse is the ip-api.com JSON answer
type ipAPIResponse struct {
	Status     string  `json:"status"`
	Message    string  `json:"message"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Country    string  `json:"country"`
	RegionName string  `json:"regionName"`
	City       string  `json:"city"`
	ISP        string  `json:"isp"`
}

var ipAPIFields = url.Values{"fields": {"status,message,lat,lon,country,regionName,city,isp"}}

// IPAPILocator queries an ip-api compatible service at <base>/<address>
type IPAPILocator struct {
	client *upstream.Client
}

// NewIPAPILocator creates a locator on top of client
func NewIPAPILocator(client *upstream.Client) *IPAPILocator {
	return &IPAPILocator{client: client}
}

// Locate returns ErrUnresolvable when the service reports a failed lookup
func (l *IPAPILocator) Locate(ctx context.Context, addr netip.Addr) (Location, error) {
	var resp ipAPIResponse
	if err := l.client.GetJSON(ctx, addr.String(), ipAPIFields, &resp); err != nil {
		return Location{}, err
	}

	if resp.Status != "success" {
		return Location{}, fmt.Errorf("%w: %s", ErrUnresolvable, resp.Message)
	}

	return Location{
		Latitude:  resp.Lat,
		Longitude: resp.Lon,
		City:      resp.City,
		Region:    resp.RegionName,
		Country:   resp.Country,
		ISP:       resp.ISP,
	}, nil
}
