// Package res11 parses the ;-delimited daily measurement files of the
// Res11 regulatory format, one reading record per line.
package res11

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/meterscan/telemetry-sync-worker/internal/db"
	"github.com/meterscan/telemetry-sync-worker/internal/fieldcoerce"
	"github.com/meterscan/telemetry-sync-worker/internal/schema"
	"github.com/meterscan/telemetry-sync-worker/tools/timeparser"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"
)

// ParsedLine is one accepted reading plus, when any field failed
// coercion, the original raw strings of the failing fields
type ParsedLine struct {
	Reading     db.Reading
	ErrorFields map[string]string
}

// Result accumulates a file's accepted lines and counters. Total counts
// every considered data line; OK and Err count accepted lines without
// and with field errors. Out-of-order rejections count in Total only.
type Result struct {
	Lines           []ParsedLine
	Total           int
	OK              int
	Err             int
	OutOfOrderLines []int
	// LastAccepted is the running maximum accepted timestamp after
	// the parse, to be carried into subsequent imports
	LastAccepted *time.Time
}

// Parser streams a downloaded file's lines against a meter type's
// resolved field schema
type Parser struct {
	fields      []schema.Field
	datePattern string
	timePattern string
	coercer     *fieldcoerce.Coercer
	logger      *zap.Logger
}

// NewParser builds a parser for the given resolved field list and
// strptime-style date/time patterns
func NewParser(fields []schema.Field, datePattern, timePattern string, coercer *fieldcoerce.Coercer, logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{
		fields:      fields,
		datePattern: datePattern,
		timePattern: timePattern,
		coercer:     coercer,
		logger:      logger,
	}
}

// Parse consumes a reading file. The first line is a header and is
// discarded; data lines are 1-indexed from the line after it.
// lastAccepted seeds the monotonic-ordering check with the maximum
// timestamp already imported for this file, or nil when none exists.
//
// One bad line never poisons the rest of the file: field failures are
// captured into the line's error ledger, line-level failures abort only
// that line.
func (p *Parser) Parse(r io.Reader, lastAccepted *time.Time) (*Result, error) {
	// Meter files are ISO-8859-1; decode tolerantly
	scanner := bufio.NewScanner(charmap.ISO8859_1.NewDecoder().Reader(r))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read file header: %w", err)
		}
		return nil, fmt.Errorf("file is empty, expected a header line")
	}

	result := &Result{LastAccepted: lastAccepted}
	// Once a line later than the seed has been accepted, every
	// following line must keep moving forward
	aheadArmed := false
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		values := p.splitLine(line)

		ts, err := timeparser.ParseDateTime(values["fecha"], values["hora"], p.datePattern, p.timePattern)
		if err != nil {
			result.Total++
			p.logger.Error("dropping line with unparseable timestamp",
				zap.Int("line", lineNo), zap.Error(err))
			continue
		}

		switch {
		case result.LastAccepted == nil || ts.After(*result.LastAccepted):
			result.Total++
			parsed := p.buildLine(lineNo, ts, values)
			if parsed.ErrorFields != nil {
				result.Err++
			} else {
				result.OK++
			}
			result.Lines = append(result.Lines, parsed)
			accepted := ts
			result.LastAccepted = &accepted
			aheadArmed = true
		case aheadArmed:
			// Ordering invariant violated: once ahead, always ahead
			result.Total++
			result.OutOfOrderLines = append(result.OutOfOrderLines, lineNo)
			p.logger.Error("dropping out-of-order reading",
				zap.Int("line", lineNo),
				zap.Time("timestamp", ts),
				zap.Timep("last_accepted", result.LastAccepted),
			)
		default:
			// Line predates the already-imported history; skip quietly
			p.logger.Debug("skipping already-imported line",
				zap.Int("line", lineNo), zap.Time("timestamp", ts))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed while reading file: %w", err)
	}
	return result, nil
}

// splitLine maps a ;-delimited line positionally onto the declared
// field list; missing trailing columns yield blank values
func (p *Parser) splitLine(line string) map[string]string {
	tokens := strings.Split(line, ";")
	values := make(map[string]string, len(p.fields))
	for i, f := range p.fields {
		if i < len(tokens) {
			values[f.Name] = tokens[i]
		} else {
			values[f.Name] = ""
		}
	}
	return values
}

// buildLine coerces every declared field into a reading record. A field
// failure marks the line and records the original string, it never
// aborts the line.
func (p *Parser) buildLine(lineNo int, ts time.Time, values map[string]string) ParsedLine {
	reading := db.Reading{
		LineNo:    lineNo,
		Timestamp: ts,
	}
	var errorFields map[string]string
	fail := func(name, raw string, err error) {
		p.logger.Debug("field coercion failed",
			zap.Int("line", lineNo), zap.String("field", name), zap.Error(err))
		reading.HasErrors = true
		if errorFields == nil {
			errorFields = make(map[string]string)
		}
		errorFields[name] = raw
	}

	for _, f := range p.fields {
		raw := values[f.Name]
		switch f.Name {
		case "fecha", "hora":
			// Folded into the timestamp before the line was accepted
			continue
		case "instalacion":
			v, err := p.coercer.String(f.Name, raw, f.Required)
			if err != nil {
				fail(f.Name, raw, err)
				continue
			}
			reading.Installation = v
		case "medidor":
			v, err := p.coercer.String(f.Name, raw, f.Required)
			if err != nil {
				fail(f.Name, raw, err)
				continue
			}
			reading.MeterCode = v
		default:
			switch f.Kind {
			case schema.KindDecimal:
				v, err := p.coercer.Decimal(f.Name, raw, f.Required)
				if err != nil {
					fail(f.Name, raw, err)
					continue
				}
				*decimalColumns[f.Name](&reading) = v
			case schema.KindInteger:
				v, err := p.coercer.Integer(f.Name, raw, f.Required)
				if err != nil {
					fail(f.Name, raw, err)
					continue
				}
				*integerColumns[f.Name](&reading) = v
			}
		}
	}
	return ParsedLine{Reading: reading, ErrorFields: errorFields}
}
