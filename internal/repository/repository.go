package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/meterscan/telemetry-sync-worker/internal/db"
	"github.com/meterscan/telemetry-sync-worker/internal/remote"
)

// Tx is an alias for pgx.Tx
type Tx = pgx.Tx

// Repository handles database operations. Every write is attributed to
// the importing process through createdBy.
type Repository struct {
	pool      *pgxpool.Pool
	createdBy string
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, createdBy string) *Repository {
	return &Repository{pool: pool, createdBy: createdBy}
}

// BeginTx starts a new transaction
func (r *Repository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// ListCompaniesWithMeters returns every active company that owns at
// least one meter, ordered by name, with its connection and meters
// attached
func (r *Repository) ListCompaniesWithMeters(ctx context.Context) ([]db.Company, error) {
	query := `
		SELECT DISTINCT c.id, c.tax_id, c.code, c.name
		FROM companies c
		JOIN meters m ON m.company_id = c.id AND m.retired_at IS NULL
		WHERE c.retired_at IS NULL
		ORDER BY c.name
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query companies: %w", err)
	}
	defer rows.Close()

	var companies []db.Company
	for rows.Next() {
		var c db.Company
		if err := rows.Scan(&c.ID, &c.TaxID, &c.Code, &c.Name); err != nil {
			return nil, fmt.Errorf("failed to scan company: %w", err)
		}
		companies = append(companies, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	for i := range companies {
		conn, err := r.getConnection(ctx, companies[i].ID)
		if err != nil {
			return nil, err
		}
		companies[i].Connection = conn
		meters, err := r.getMeters(ctx, companies[i].ID)
		if err != nil {
			return nil, err
		}
		companies[i].Meters = meters
	}
	return companies, nil
}

func (r *Repository) getConnection(ctx context.Context, companyID int64) (*db.ConnectionConfig, error) {
	query := `
		SELECT id, company_id, protocol, host, port, username, password,
		       file_prefix, COALESCE(remote_dir, ''), COALESCE(filters, '')
		FROM company_connections
		WHERE company_id = $1 AND retired_at IS NULL
	`
	var c db.ConnectionConfig
	var protocol string
	err := r.pool.QueryRow(ctx, query, companyID).Scan(
		&c.ID,
		&c.CompanyID,
		&protocol,
		&c.Host,
		&c.Port,
		&c.User,
		&c.Password,
		&c.FilePrefix,
		&c.RemoteDir,
		&c.Filters,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query connection for company %d: %w", companyID, err)
	}
	c.Protocol = remote.Protocol(protocol)
	return &c, nil
}

func (r *Repository) getMeters(ctx context.Context, companyID int64) ([]db.Meter, error) {
	query := `
		SELECT id, company_id, meter_type_id, code, description, branch_count, created_at
		FROM meters
		WHERE company_id = $1 AND retired_at IS NULL
		ORDER BY code
	`
	rows, err := r.pool.Query(ctx, query, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query meters for company %d: %w", companyID, err)
	}
	defer rows.Close()

	var meters []db.Meter
	for rows.Next() {
		var m db.Meter
		if err := rows.Scan(&m.ID, &m.CompanyID, &m.TypeID, &m.Code, &m.Description, &m.BranchCount, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan meter: %w", err)
		}
		meters = append(meters, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return meters, nil
}

// GetMeterType retrieves a meter type with its campos_lectura declaration
func (r *Repository) GetMeterType(ctx context.Context, id int64) (*db.MeterType, error) {
	query := `
		SELECT id, name, description, reading_fields
		FROM meter_types
		WHERE id = $1
	`
	var t db.MeterType
	err := r.pool.QueryRow(ctx, query, id).Scan(&t.ID, &t.Name, &t.Description, &t.ReadingFields)
	if err != nil {
		return nil, fmt.Errorf("failed to query meter type %d: %w", id, err)
	}
	return &t, nil
}

// ExpectedFileCount returns how many daily files one pass over all
// active meters should consider (the sum of their branch counts)
func (r *Repository) ExpectedFileCount(ctx context.Context) (int64, error) {
	query := `
		SELECT COALESCE(SUM(branch_count), 0)
		FROM meters
		WHERE retired_at IS NULL
	`
	var count int64
	if err := r.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count expected files: %w", err)
	}
	return count, nil
}

// FindReadingFile looks up a non-retired file header by filename,
// returning nil when none exists
func (r *Repository) FindReadingFile(ctx context.Context, name string) (*db.ReadingFile, error) {
	query := `
		SELECT id, meter_id, name, byte_size, file_date, total_rows, ok_rows, err_rows, content_hash
		FROM reading_files
		WHERE name = $1 AND retired_at IS NULL
	`
	var f db.ReadingFile
	err := r.pool.QueryRow(ctx, query, name).Scan(
		&f.ID, &f.MeterID, &f.Name, &f.ByteSize, &f.FileDate, &f.Total, &f.OK, &f.Err, &f.Hash,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query reading file %q: %w", name, err)
	}
	return &f, nil
}

// CreateReadingFileTx inserts a new file header within a transaction and
// fills in its ID. Header rows share the fate of the day's readings: a
// failed import rolls both back together.
func (r *Repository) CreateReadingFileTx(ctx context.Context, tx pgx.Tx, f *db.ReadingFile) error {
	query := `
		INSERT INTO reading_files (meter_id, name, byte_size, file_date, total_rows, ok_rows, err_rows, content_hash, created_by, created_at)
		VALUES ($1, $2, $3, $4, 0, 0, 0, $5, $6, now())
		RETURNING id
	`
	err := tx.QueryRow(ctx, query, f.MeterID, f.Name, f.ByteSize, f.FileDate, f.Hash, r.createdBy).Scan(&f.ID)
	if err != nil {
		return fmt.Errorf("failed to create reading file %q: %w", f.Name, err)
	}
	return nil
}

// LastReadingTimeForFile returns the maximum timestamp among the file's
// non-retired readings, or nil when the file has none
func (r *Repository) LastReadingTimeForFile(ctx context.Context, fileID int64) (*time.Time, error) {
	query := `
		SELECT MAX(reading_time)
		FROM readings
		WHERE file_id = $1 AND retired_at IS NULL
	`
	var last *time.Time
	if err := r.pool.QueryRow(ctx, query, fileID).Scan(&last); err != nil {
		return nil, fmt.Errorf("failed to query last reading for file %d: %w", fileID, err)
	}
	return last, nil
}

// LastReadingTimeForBranch returns the maximum timestamp among a
// branch's non-retired readings across all its files, or nil when the
// branch has never been imported. The branch is derived from the
// filename grammar.
func (r *Repository) LastReadingTimeForBranch(ctx context.Context, meterID int64, branch int) (*time.Time, error) {
	query := `
		SELECT MAX(rd.reading_time)
		FROM readings rd
		JOIN reading_files rf ON rf.id = rd.file_id
		WHERE rf.meter_id = $1
		  AND rf.retired_at IS NULL
		  AND rd.retired_at IS NULL
		  AND rf.name ~* ('_' || $2::text || '_[0-9]{8}_res11_dir_regalias\.txt$')
	`
	var last *time.Time
	if err := r.pool.QueryRow(ctx, query, meterID, branch).Scan(&last); err != nil {
		return nil, fmt.Errorf("failed to query last reading for meter %d branch %d: %w", meterID, branch, err)
	}
	return last, nil
}

// InsertReadingTx inserts a reading within a transaction and fills in
// its ID
func (r *Repository) InsertReadingTx(ctx context.Context, tx pgx.Tx, reading *db.Reading) error {
	query := `
		INSERT INTO readings (
			file_id, line_no, reading_time, installation, meter_code, has_errors,
			temperatura, presion, caudal_instantaneo_gross,
			acumulador_gross_no_reseteable, acumulador_pulsos_brutos_no_reseteable,
			factor_k_del_medidor, altura_liquida, acumulador_masa_no_reseteable,
			volumen_acumulado_24_hs, volumen_acumulado_hoy, sh2, n2, c6_mas, nc5,
			densidad_relativa, co2, caudal_instantaneo_a_9300, c1, c2, c3,
			ic4, nc4, ic5, poder_calorifico,
			created_by, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26,
		        $27, $28, $29, $30,
		        $31, now())
		RETURNING id
	`
	err := tx.QueryRow(ctx, query,
		reading.FileID,
		reading.LineNo,
		reading.Timestamp,
		reading.Installation,
		reading.MeterCode,
		reading.HasErrors,
		reading.Temperatura,
		reading.Presion,
		reading.CaudalInstantaneoGross,
		reading.AcumuladorGrossNoReseteable,
		reading.AcumuladorPulsosBrutosNoReseteable,
		reading.FactorKDelMedidor,
		reading.AlturaLiquida,
		reading.AcumuladorMasaNoReseteable,
		reading.VolumenAcumulado24Hs,
		reading.VolumenAcumuladoHoy,
		reading.SH2,
		reading.N2,
		reading.C6Mas,
		reading.NC5,
		reading.DensidadRelativa,
		reading.CO2,
		reading.CaudalInstantaneoA9300,
		reading.C1,
		reading.C2,
		reading.C3,
		reading.IC4,
		reading.NC4,
		reading.IC5,
		reading.PoderCalorifico,
		r.createdBy,
	).Scan(&reading.ID)
	if err != nil {
		return fmt.Errorf("failed to insert reading (line %d): %w", reading.LineNo, err)
	}
	return nil
}

// InsertFieldErrorTx records a reading's error ledger within a
// transaction and fills in its ID
func (r *Repository) InsertFieldErrorTx(ctx context.Context, tx pgx.Tx, fe *db.FieldError) error {
	payload, err := json.Marshal(fe.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal field errors for reading %d: %w", fe.ReadingID, err)
	}
	query := `
		INSERT INTO reading_field_errors (reading_id, fields, created_by, created_at)
		VALUES ($1, $2, $3, now())
		RETURNING id
	`
	if err := tx.QueryRow(ctx, query, fe.ReadingID, payload, r.createdBy).Scan(&fe.ID); err != nil {
		return fmt.Errorf("failed to insert field errors for reading %d: %w", fe.ReadingID, err)
	}
	return nil
}

// UpdateFileCountersTx accumulates a parse pass's counters and size onto
// the file header within a transaction
func (r *Repository) UpdateFileCountersTx(ctx context.Context, tx pgx.Tx, fileID int64, total, ok, errCount int, byteSize int64) error {
	query := `
		UPDATE reading_files
		SET total_rows = total_rows + $2,
		    ok_rows = ok_rows + $3,
		    err_rows = err_rows + $4,
		    byte_size = $5
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, query, fileID, total, ok, errCount, byteSize); err != nil {
		return fmt.Errorf("failed to update counters for file %d: %w", fileID, err)
	}
	return nil
}
