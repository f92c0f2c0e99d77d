package types

// GeoLocation is the enrichment result for one IP. Immutable once resolved.
type GeoLocation struct {
	Country       string `json:"country"`
	CountryName   string `json:"countryName"`
	City          string `json:"city,omitempty"`
	ASN           uint   `json:"asn,omitempty"`
	ASName        string `json:"asName,omitempty"`
	ASDomain      string `json:"asDomain,omitempty"`
	Continent     string `json:"continent,omitempty"`
	ContinentName string `json:"continentName,omitempty"`
	IsLocal       bool   `json:"isLocal,omitempty"`
}

// LocalGeoLocation is the synthetic result for private, loopback and
// link-local addresses; no external resolution is attempted for these.
func LocalGeoLocation() *GeoLocation {
	return &GeoLocation{
		Country:     "LOCAL",
		CountryName: "Local Network",
		IsLocal:     true,
	}
}
