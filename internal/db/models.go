package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/meterscan/telemetry-sync-worker/internal/remote"
)

// Connection filter map keys that override the reading timestamp formats
const (
	FilterDateFormat = "formatoFecha"
	FilterTimeFormat = "formatoHora"
)

// Company owns zero-or-one connection and zero-or-more meters. Companies
// without a connection are skipped with a warning; companies without
// meters are never listed for processing.
type Company struct {
	ID         int64
	TaxID      string
	Code       string
	Name       string
	Connection *ConnectionConfig
	Meters     []Meter
}

// ConnectionConfig describes how to reach a company's file server
type ConnectionConfig struct {
	ID         int64
	CompanyID  int64
	Protocol   remote.Protocol
	Host       string
	Port       int
	User       string
	Password   string
	FilePrefix string
	RemoteDir  string
	// Filters is an optional JSON object with free-form per-connection
	// overrides, e.g. formatoFecha / formatoHora
	Filters string
}

// Validate checks the connection invariants once at construction time
func (c *ConnectionConfig) Validate() error {
	if !c.Protocol.Valid() {
		return fmt.Errorf("protocol %q is not valid", c.Protocol)
	}
	if c.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if c.Port < 0 {
		return fmt.Errorf("port must not be negative (port=%d)", c.Port)
	}
	if !isAlphanumeric(c.FilePrefix) {
		return fmt.Errorf("file prefix must be alphanumeric (prefix=%q)", c.FilePrefix)
	}
	if _, err := c.FilterMap(); err != nil {
		return err
	}
	return nil
}

// FilterMap decodes the filters JSON; a blank filter yields a nil map
func (c *ConnectionConfig) FilterMap() (map[string]string, error) {
	if c.Filters == "" {
		return nil, nil
	}
	var filters map[string]string
	if err := json.Unmarshal([]byte(c.Filters), &filters); err != nil {
		return nil, fmt.Errorf("connection filters are not valid JSON (filters=%q): %w", c.Filters, err)
	}
	return filters, nil
}

// filterOrDefault returns a filter value, falling back to def when the
// key is absent or blank
func (c *ConnectionConfig) filterOrDefault(key, def string) string {
	filters, err := c.FilterMap()
	if err != nil || filters == nil {
		return def
	}
	if v := filters[key]; v != "" {
		return v
	}
	return def
}

// DateFormat resolves the strptime-style date pattern for this connection
func (c *ConnectionConfig) DateFormat(def string) string {
	return c.filterOrDefault(FilterDateFormat, def)
}

// TimeFormat resolves the strptime-style time pattern for this connection
func (c *ConnectionConfig) TimeFormat(def string) string {
	return c.filterOrDefault(FilterTimeFormat, def)
}

func isAlphanumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		default:
			return false
		}
	}
	return true
}

// Meter is one fiscal metering installation of a company
type Meter struct {
	ID          int64
	CompanyID   int64
	TypeID      int64
	Code        string
	Description string
	BranchCount int
	CreatedAt   time.Time
}

// Validate checks the meter invariants once at construction time
func (m *Meter) Validate() error {
	if m.Code == "" {
		return fmt.Errorf("installation code must not be empty")
	}
	if m.BranchCount < 1 {
		return fmt.Errorf("branch count must be at least 1 (branches=%d)", m.BranchCount)
	}
	return nil
}

// MeterType declares which fields a meter's files carry and whether each
// is required, as a campos_lectura JSON document
type MeterType struct {
	ID          int64
	Name        string
	Description string
	// ReadingFields is the raw campos_lectura JSON; resolved and
	// validated by the schema package before any file is processed
	ReadingFields string
}

// ReadingFile is the header record for one (meter, branch, date) file
type ReadingFile struct {
	ID       int64
	MeterID  int64
	Name     string
	ByteSize int64
	FileDate time.Time
	Total    int
	OK       int
	Err      int
	// Hash is reserved for content integrity verification
	Hash *string
}

// Reading is one accepted line of a reading file. The numeric columns
// cover the liquid, tank and gas measurement classes; only the subset
// declared by the meter type is ever populated.
type Reading struct {
	ID           int64
	FileID       int64
	LineNo       int
	Timestamp    time.Time
	Installation string
	MeterCode    string
	HasErrors    bool

	// liquid meters
	Temperatura                        *float64
	Presion                            *float64
	CaudalInstantaneoGross             *int64
	AcumuladorGrossNoReseteable        *int64
	AcumuladorPulsosBrutosNoReseteable *int64
	FactorKDelMedidor                  *int64

	// tank gauges
	AlturaLiquida              *float64
	AcumuladorMasaNoReseteable *int64

	// gas meters
	VolumenAcumulado24Hs   *float64
	VolumenAcumuladoHoy    *float64
	SH2                    *float64
	N2                     *float64
	C6Mas                  *float64
	NC5                    *float64
	DensidadRelativa       *float64
	CO2                    *float64
	CaudalInstantaneoA9300 *int64
	C1                     *float64
	C2                     *float64
	C3                     *float64
	IC4                    *float64
	NC4                    *float64
	IC5                    *int64
	PoderCalorifico        *int64
}

// FieldError is the error-ledger record of a reading: the original
// unparsed string of every field that failed coercion or validation,
// keyed by field name
type FieldError struct {
	ID        int64
	ReadingID int64
	Fields    map[string]string
}
