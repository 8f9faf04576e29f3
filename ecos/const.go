package ecos

import "time"

type SourceType = string

const (
	SourceTypeBatterySoc   SourceType = "batterySoc"
	SourceTypeBatteryPower SourceType = "batteryPower"
	SourceTypeEPSPower     SourceType = "epsPower"
	SourceTypeGridPower    SourceType = "gridPower"
	SourceTypeHomePower    SourceType = "homePower"
	SourceTypeMeterPower   SourceType = "meterPower"
	SourceTypeSolarPower   SourceType = "solarPower"
)

// SourceTypes is every measurement the realtime endpoints report, in display order
var SourceTypes = []SourceType{
	SourceTypeBatterySoc,
	SourceTypeBatteryPower,
	SourceTypeEPSPower,
	SourceTypeGridPower,
	SourceTypeHomePower,
	SourceTypeMeterPower,
	SourceTypeSolarPower,
}

// APIHosts are the regional ECOS cloud endpoints
var APIHosts = []string{
	"api-ecos-eu.weiheng-tech.com",
	"api-ecos-hu.weiheng-tech.com",
	"api-ecos-ap.weiheng-tech.com",
}

const (
	DefaultRequestTimeout = 10 * time.Second

	pathLogin          = "/api/client/guide/login"
	pathUserInfo       = "/api/client/settings/user/info"
	pathDeviceList     = "/api/client/home/device/list"
	pathHomeRealtime   = "/api/client/home/now/realtime"
	pathDeviceRealtime = "/api/client/home/now/device/realtime"

	clientType    = "BROWSER"
	clientVersion = "1.0"
)
