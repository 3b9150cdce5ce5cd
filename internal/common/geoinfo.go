package common

// GeoInfo is the geolocation snapshot captured for a source IP. A zero
// value means nothing could be resolved; rule conditions treat missing
// fields as non-matching.
type GeoInfo struct {
	Country     string `json:"country"`
	CountryCode string `json:"country_code"`
	Region      string `json:"region"`
	RegionCode  string `json:"region_code"`
	City        string `json:"city"`
	Timezone    string `json:"timezone"`
	ISP         string `json:"isp"`
	Org         string `json:"org"`
	ASN         string `json:"asn"`
	Hostname    string `json:"hostname"`
}
