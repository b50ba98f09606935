// Package schema holds the catalog of fields a Res11 reading file may
// declare and validates each meter type's campos_lectura declaration
// against it before any file for that type is processed.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Field obligation values as they appear in campos_lectura
const (
	ObligationRequired = "requerido"
	ObligationOptional = "opcional"
)

// Kind is the numeric shape of a field's value
type Kind int

const (
	KindString Kind = iota
	KindInteger
	KindDecimal
)

// Field is one column of a reading file, in declaration order
type Field struct {
	Name     string
	Kind     Kind
	Required bool
}

// catalog is the allow-list of known field names and their shapes,
// mirroring the detail table's column types
var catalog = map[string]Kind{
	"fecha":       KindString,
	"hora":        KindString,
	"instalacion": KindString,
	"medidor":     KindString,
	// liquid meters
	"temperatura":                            KindDecimal,
	"presion":                                KindDecimal,
	"caudal_instantaneo_gross":               KindInteger,
	"acumulador_gross_no_reseteable":         KindInteger,
	"acumulador_pulsos_brutos_no_reseteable": KindInteger,
	"factor_k_del_medidor":                   KindInteger,
	// tank gauges
	"altura_liquida":                KindDecimal,
	"acumulador_masa_no_reseteable": KindInteger,
	// gas meters
	"volumen_acumulado_24_hs":   KindDecimal,
	"volumen_acumulado_hoy":     KindDecimal,
	"sh2":                       KindDecimal,
	"n2":                        KindDecimal,
	"c6_mas":                    KindDecimal,
	"nc5":                       KindDecimal,
	"densidad_relativa":         KindDecimal,
	"co2":                       KindDecimal,
	"caudal_instantaneo_a_9300": KindInteger,
	"c1":                        KindDecimal,
	"c2":                        KindDecimal,
	"c3":                        KindDecimal,
	"ic4":                       KindDecimal,
	"nc4":                       KindDecimal,
	"ic5":                       KindInteger,
	"poder_calorifico":          KindInteger,
}

// KindOf returns the numeric shape of a known field name
func KindOf(name string) (Kind, bool) {
	k, ok := catalog[name]
	return k, ok
}

// readingFieldsSchema is the JSON schema every campos_lectura declaration
// must satisfy: only known field names, the four identity fields present.
var readingFieldsSchema = buildSchemaDocument()

func buildSchemaDocument() string {
	props := make(map[string]any, len(catalog))
	for name := range catalog {
		props[name] = map[string]any{"type": "string", "enum": []string{ObligationRequired, ObligationOptional}}
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             []string{"fecha", "hora", "instalacion", "medidor"},
		"additionalProperties": false,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return string(raw)
}

// Validate checks a campos_lectura JSON document against the catalog schema
func Validate(camposJSON string) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(readingFieldsSchema),
		gojsonschema.NewStringLoader(camposJSON),
	)
	if err != nil {
		return fmt.Errorf("invalid campos_lectura document: %w", err)
	}
	if !result.Valid() {
		reasons := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			reasons = append(reasons, desc.String())
		}
		return fmt.Errorf("campos_lectura does not conform to the reading schema: %s",
			strings.Join(reasons, "; "))
	}
	return nil
}

// Resolve validates a campos_lectura declaration and returns its fields in
// declaration order. Order matters: file columns map to fields positionally.
func Resolve(camposJSON string) ([]Field, error) {
	if err := Validate(camposJSON); err != nil {
		return nil, err
	}
	names, obligations, err := decodeOrdered(camposJSON)
	if err != nil {
		return nil, err
	}
	fields := make([]Field, 0, len(names))
	for i, name := range names {
		fields = append(fields, Field{
			Name:     name,
			Kind:     catalog[name],
			Required: strings.EqualFold(obligations[i], ObligationRequired),
		})
	}
	return fields, nil
}

// decodeOrdered walks the JSON object token stream so the declaration
// order of the fields is preserved (encoding/json maps lose it)
func decodeOrdered(camposJSON string) ([]string, []string, error) {
	dec := json.NewDecoder(strings.NewReader(camposJSON))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid campos_lectura JSON: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, fmt.Errorf("campos_lectura must be a JSON object")
	}
	var names, obligations []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, fmt.Errorf("invalid campos_lectura JSON: %w", err)
		}
		valTok, err := dec.Token()
		if err != nil {
			return nil, nil, fmt.Errorf("invalid campos_lectura JSON: %w", err)
		}
		name, _ := keyTok.(string)
		obligation, _ := valTok.(string)
		names = append(names, name)
		obligations = append(obligations, obligation)
	}
	return names, obligations, nil
}
