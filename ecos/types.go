package ecos

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// envelope wraps every ECOS response
type envelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Success bool   `json:"success"`
	Data    T      `json:"data"`
}

type loginRequest struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	ClientType    string `json:"clientType"`
	ClientVersion string `json:"clientVersion"`
}

type loginData struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Customer is the account behind the credentials
type Customer struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
	Email    string `json:"email"`
}

// Device is one inverter/battery registered on the account
type Device struct {
	ID           string `json:"deviceId"`
	Alias        string `json:"deviceAliasName"`
	SerialNumber string `json:"wifiSn"`
	Type         string `json:"type"`
	// State is the raw device state code, Online is derived from it by DeviceOverview
	State  int  `json:"state"`
	Online bool `json:"-"`
}

// deviceStateOnline is the State the ECOS web client shows as online
const deviceStateOnline = 1

// realtime is the shape of both the home and the per device realtime payload.
// Pointers so an omitted field stays absent instead of reading as zero.
type realtime struct {
	BatterySoc   *float64 `json:"batterySoc"`
	BatteryPower *float64 `json:"batteryPower"`
	EPSPower     *float64 `json:"epsPower"`
	GridPower    *float64 `json:"gridPower"`
	HomePower    *float64 `json:"homePower"`
	MeterPower   *float64 `json:"meterPower"`
	SolarPower   *float64 `json:"solarPower"`
}

func (r *realtime) values() map[SourceType]*float64 {
	return map[SourceType]*float64{
		SourceTypeBatterySoc:   r.BatterySoc,
		SourceTypeBatteryPower: r.BatteryPower,
		SourceTypeEPSPower:     r.EPSPower,
		SourceTypeGridPower:    r.GridPower,
		SourceTypeHomePower:    r.HomePower,
		SourceTypeMeterPower:   r.MeterPower,
		SourceTypeSolarPower:   r.SolarPower,
	}
}

// DeviceKey is the measurement key of a source type scoped to one device:
// the lower-cased alias followed by the source type with its first letter upper-cased.
// ("Garage", "batterySoc") -> "garageBatterySoc"
func DeviceKey(alias string, sourceType SourceType) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(alias))
	r, size := utf8.DecodeRuneInString(sourceType)
	if size > 0 {
		b.WriteRune(unicode.ToUpper(r))
		b.WriteString(sourceType[size:])
	}
	return b.String()
}
