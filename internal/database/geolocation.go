package database

import (
	"github.com/nitella/nitellad/internal/common"
)

const GeolocationPrefix string = "ip-geo-"

func (db *DB) GetGeolocation(ip string) (*common.GeoInfo, error) {
	return getCache[common.GeoInfo](db, ip, GeolocationPrefix)
}

func (db *DB) SaveGeolocation(ip string, geo *common.GeoInfo) error {
	return saveCache(db, ip, GeolocationPrefix, geo)
}
