package res11

import (
	"github.com/meterscan/telemetry-sync-worker/internal/db"
)

// decimalColumns maps a field name to its decimal column on the reading
// record. Together with integerColumns this is the positional bridge
// between the declared field list and the detail table's typed columns.
var decimalColumns = map[string]func(*db.Reading) **float64{
	"temperatura":             func(r *db.Reading) **float64 { return &r.Temperatura },
	"presion":                 func(r *db.Reading) **float64 { return &r.Presion },
	"altura_liquida":          func(r *db.Reading) **float64 { return &r.AlturaLiquida },
	"volumen_acumulado_24_hs": func(r *db.Reading) **float64 { return &r.VolumenAcumulado24Hs },
	"volumen_acumulado_hoy":   func(r *db.Reading) **float64 { return &r.VolumenAcumuladoHoy },
	"sh2":                     func(r *db.Reading) **float64 { return &r.SH2 },
	"n2":                      func(r *db.Reading) **float64 { return &r.N2 },
	"c6_mas":                  func(r *db.Reading) **float64 { return &r.C6Mas },
	"nc5":                     func(r *db.Reading) **float64 { return &r.NC5 },
	"densidad_relativa":       func(r *db.Reading) **float64 { return &r.DensidadRelativa },
	"co2":                     func(r *db.Reading) **float64 { return &r.CO2 },
	"c1":                      func(r *db.Reading) **float64 { return &r.C1 },
	"c2":                      func(r *db.Reading) **float64 { return &r.C2 },
	"c3":                      func(r *db.Reading) **float64 { return &r.C3 },
	"ic4":                     func(r *db.Reading) **float64 { return &r.IC4 },
	"nc4":                     func(r *db.Reading) **float64 { return &r.NC4 },
}

var integerColumns = map[string]func(*db.Reading) **int64{
	"caudal_instantaneo_gross":               func(r *db.Reading) **int64 { return &r.CaudalInstantaneoGross },
	"acumulador_gross_no_reseteable":         func(r *db.Reading) **int64 { return &r.AcumuladorGrossNoReseteable },
	"acumulador_pulsos_brutos_no_reseteable": func(r *db.Reading) **int64 { return &r.AcumuladorPulsosBrutosNoReseteable },
	"factor_k_del_medidor":                   func(r *db.Reading) **int64 { return &r.FactorKDelMedidor },
	"acumulador_masa_no_reseteable":          func(r *db.Reading) **int64 { return &r.AcumuladorMasaNoReseteable },
	"caudal_instantaneo_a_9300":              func(r *db.Reading) **int64 { return &r.CaudalInstantaneoA9300 },
	"ic5":                                    func(r *db.Reading) **int64 { return &r.IC5 },
	"poder_calorifico":                       func(r *db.Reading) **int64 { return &r.PoderCalorifico },
}
