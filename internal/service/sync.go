// Package service drives the incremental sync: for every company with a
// connection, every meter and every branch, it resolves the date window
// not yet imported, fetches each day's file, parses it and commits the
// readings at file granularity.
package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/meterscan/telemetry-sync-worker/internal/config"
	"github.com/meterscan/telemetry-sync-worker/internal/db"
	"github.com/meterscan/telemetry-sync-worker/internal/fieldcoerce"
	"github.com/meterscan/telemetry-sync-worker/internal/logging"
	"github.com/meterscan/telemetry-sync-worker/internal/mq"
	"github.com/meterscan/telemetry-sync-worker/internal/remote"
	"github.com/meterscan/telemetry-sync-worker/internal/res11"
	"github.com/meterscan/telemetry-sync-worker/internal/schema"
	"github.com/meterscan/telemetry-sync-worker/tools/timeparser"
	"go.uber.org/zap"
)

// Guard bands subtracted from the seed date so the first day is
// processed in full
const (
	cutoverGuardBand = 30 * time.Minute
	meterGuardBand   = 3 * time.Minute
)

// SessionFactory builds a remote session for a protocol; injectable so
// tests can substitute a fake server
type SessionFactory func(protocol remote.Protocol, host string, port int) (remote.Session, error)

// Repository is the persistence surface the sync engine consumes
type Repository interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
	ListCompaniesWithMeters(ctx context.Context) ([]db.Company, error)
	GetMeterType(ctx context.Context, id int64) (*db.MeterType, error)
	ExpectedFileCount(ctx context.Context) (int64, error)
	FindReadingFile(ctx context.Context, name string) (*db.ReadingFile, error)
	CreateReadingFileTx(ctx context.Context, tx pgx.Tx, f *db.ReadingFile) error
	LastReadingTimeForFile(ctx context.Context, fileID int64) (*time.Time, error)
	LastReadingTimeForBranch(ctx context.Context, meterID int64, branch int) (*time.Time, error)
	InsertReadingTx(ctx context.Context, tx pgx.Tx, reading *db.Reading) error
	InsertFieldErrorTx(ctx context.Context, tx pgx.Tx, fe *db.FieldError) error
	UpdateFileCountersTx(ctx context.Context, tx pgx.Tx, fileID int64, total, ok, errCount int, byteSize int64) error
}

// SyncService walks companies, meters, branches and days sequentially.
// Exactly one remote session is open per company at a time.
type SyncService struct {
	repo       Repository
	publisher  *mq.Publisher
	cfg        *config.Config
	logger     *zap.Logger
	coercer    *fieldcoerce.Coercer
	newSession SessionFactory
	now        func() time.Time
}

// NewSyncService creates a new sync service
func NewSyncService(
	repo Repository,
	publisher *mq.Publisher,
	cfg *config.Config,
	logger *zap.Logger,
) *SyncService {
	s := &SyncService{
		repo:      repo,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		coercer:   fieldcoerce.New(),
		now:       time.Now,
	}
	s.newSession = func(protocol remote.Protocol, host string, port int) (remote.Session, error) {
		return remote.New(protocol, host, port, remote.Options{
			DialTimeout:   cfg.Remote.DialTimeout,
			TLSSkipVerify: cfg.Remote.TLSSkipVerify,
			Logger:        logger,
		})
	}
	return s
}

// Run executes one full sync pass. Per-company and per-meter failures
// are logged and isolated; only unrecoverable errors (or any error in
// strict mode) are returned.
func (s *SyncService) Run(ctx context.Context) error {
	s.logger.Info("telemetry reading sync started")

	expectedFiles, err := s.repo.ExpectedFileCount(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("expected files for the day", zap.Int64("count", expectedFiles))

	companies, err := s.repo.ListCompaniesWithMeters(ctx)
	if err != nil {
		return err
	}

	for _, company := range companies {
		companyLogger := logging.WithCompany(s.logger, company.ID, company.Name)
		companyLogger.Info("processing company")

		if company.Connection == nil {
			companyLogger.Warn("company has no connection configured, skipping")
			continue
		}
		if s.skipProtocol(company.Connection.Protocol) {
			companyLogger.Info("company protocol is in the skip list, skipping",
				zap.String("protocol", string(company.Connection.Protocol)))
			continue
		}
		if err := company.Connection.Validate(); err != nil {
			companyLogger.Error("invalid connection configuration", zap.Error(err))
			if s.cfg.Sync.Strict {
				return fmt.Errorf("company %d: %w", company.ID, err)
			}
			continue
		}

		if err := s.syncCompany(ctx, company, companyLogger); err != nil {
			companyLogger.Error("failed to process company", zap.Error(err))
			if s.cfg.Sync.Strict {
				return fmt.Errorf("company %d: %w", company.ID, err)
			}
		}
	}

	s.logger.Info("telemetry reading sync finished")
	return nil
}

func (s *SyncService) skipProtocol(p remote.Protocol) bool {
	for _, skip := range s.cfg.Sync.SkipProtocols {
		if strings.EqualFold(skip, string(p)) {
			return true
		}
	}
	return false
}

// syncCompany opens the company's remote session, processes every meter
// and releases the session regardless of the outcome
func (s *SyncService) syncCompany(ctx context.Context, company db.Company, logger *zap.Logger) error {
	conn := company.Connection
	sess, err := s.newSession(conn.Protocol, conn.Host, conn.Port)
	if err != nil {
		return err
	}

	sess.OnBeforeFetch(func(_ remote.Session, remoteName, localPath string) {
		logger.Debug("fetching remote file",
			zap.String("remote", remoteName), zap.String("local", localPath))
	})
	sess.OnAfterFetch(func(_ remote.Session, remoteName, localPath string) {
		logger.Debug("fetched remote file", zap.String("remote", remoteName))
	})

	if err := sess.Connect(conn.User, conn.Password); err != nil {
		return err
	}
	defer sess.Disconnect()

	// Reading files are plain text but must arrive byte-exact; some
	// servers mangle line endings in ASCII mode
	if ms, ok := sess.(remote.ModeSetter); ok {
		if err := ms.SetMode(remote.TransferModeBinary); err != nil {
			return err
		}
	}

	// Files may not live in the login directory
	if conn.RemoteDir != "" && conn.RemoteDir != "/" {
		if err := sess.ChangeDir(conn.RemoteDir); err != nil {
			return err
		}
	}

	logger.Info("connected to company server", zap.String("protocol", string(conn.Protocol)))

	for _, meter := range company.Meters {
		meterLogger := logging.WithMeter(logger, meter.ID, meter.Code)
		meterLogger.Info("processing meter", zap.String("description", meter.Description))

		if err := meter.Validate(); err != nil {
			meterLogger.Error("invalid meter definition", zap.Error(err))
			if s.cfg.Sync.Strict {
				return fmt.Errorf("meter %d: %w", meter.ID, err)
			}
			continue
		}
		if err := s.syncMeter(ctx, sess, company, meter, meterLogger); err != nil {
			meterLogger.Error("failed to process meter", zap.Error(err))
			if s.cfg.Sync.Strict {
				return fmt.Errorf("meter %d: %w", meter.ID, err)
			}
		}
	}
	return nil
}

// syncMeter resolves the meter type's field schema once, then processes
// every branch. A schema violation is fatal for the meter before any
// file is attempted.
func (s *SyncService) syncMeter(ctx context.Context, sess remote.Session, company db.Company, meter db.Meter, logger *zap.Logger) error {
	meterType, err := s.repo.GetMeterType(ctx, meter.TypeID)
	if err != nil {
		return err
	}
	fields, err := schema.Resolve(meterType.ReadingFields)
	if err != nil {
		return fmt.Errorf("meter type %q: %w", meterType.Name, err)
	}

	conn := company.Connection
	parser := res11.NewParser(
		fields,
		conn.DateFormat(timeparser.DefaultDateFormat),
		conn.TimeFormat(timeparser.DefaultTimeFormat),
		s.coercer,
		logger,
	)

	for branch := 1; branch <= meter.BranchCount; branch++ {
		logger.Info("processing branch", zap.Int("branch", branch))
		if err := s.syncBranch(ctx, sess, parser, company, meter, branch, logger); err != nil {
			return err
		}
	}
	return nil
}

// syncBranch resolves the branch's fetch window and processes each day
// oldest-first. A failed day is logged and retained for diagnosis; the
// loop continues with the next day.
func (s *SyncService) syncBranch(ctx context.Context, sess remote.Session, parser *res11.Parser, company db.Company, meter db.Meter, branch int, logger *zap.Logger) error {
	last, err := s.repo.LastReadingTimeForBranch(ctx, meter.ID, branch)
	if err != nil {
		return err
	}
	seed := windowSeed(last, meter.CreatedAt, s.cfg.Sync.FirstReadingDate)
	days := fetchWindow(seed, s.now())
	logger.Debug("resolved fetch window",
		zap.Time("last_imported", seed), zap.Int("days", len(days)))

	for _, day := range days {
		if err := s.syncDay(ctx, sess, parser, company, meter, branch, day, logger); err != nil {
			logger.Error("failed to import day",
				zap.Time("day", day), zap.Error(err))
			if s.cfg.Sync.Strict {
				return err
			}
		}
	}
	return nil
}

// syncDay imports a single (meter, branch, day) file: look up the
// header, fetch, parse and commit everything in one transaction, with
// the header created inside it when the day is new. A failed day leaves
// no database state. The scratch file is deleted on success and
// retained on error.
func (s *SyncService) syncDay(ctx context.Context, sess remote.Session, parser *res11.Parser, company db.Company, meter db.Meter, branch int, day time.Time, logger *zap.Logger) (err error) {
	name := buildFilename(company.Connection.FilePrefix, meter.Code, branch, day, s.cfg.Sync.UppercaseSince)
	localPath := filepath.Join(s.cfg.Sync.DownloadDir, name)

	defer func() {
		if err != nil {
			// Keep the scratch file as a diagnostic artifact
			return
		}
		if removeErr := os.Remove(localPath); removeErr != nil && !os.IsNotExist(removeErr) {
			logger.Debug("failed to remove scratch file",
				zap.String("path", localPath), zap.Error(removeErr))
		}
	}()

	file, err := s.repo.FindReadingFile(ctx, name)
	if err != nil {
		return err
	}
	if file != nil {
		logger.Debug("reading file already registered", zap.String("name", name))
	}

	if err = sess.Fetch(name, localPath); err != nil {
		return err
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return err
	}

	var lastAccepted *time.Time
	if file != nil {
		if lastAccepted, err = s.repo.LastReadingTimeForFile(ctx, file.ID); err != nil {
			return err
		}
	}

	local, err := os.Open(localPath)
	if err != nil {
		return err
	}
	result, err := parser.Parse(local, lastAccepted)
	local.Close()
	if err != nil {
		return err
	}

	logger.Info("parsed reading file",
		zap.String("name", name),
		zap.Int("total", result.Total),
		zap.Int("ok", result.OK),
		zap.Int("err", result.Err),
		zap.Int("out_of_order", len(result.OutOfOrderLines)),
	)

	if s.cfg.Sync.DryRun {
		logger.Info("dry run, skipping commit", zap.String("name", name))
		return nil
	}

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// The header joins the transaction so a failed day leaves no row behind
	if file == nil {
		file = &db.ReadingFile{
			MeterID:  meter.ID,
			Name:     name,
			FileDate: day,
		}
		logger.Debug("registering new reading file", zap.String("name", name))
		if err = s.repo.CreateReadingFileTx(ctx, tx, file); err != nil {
			return err
		}
	}

	for i := range result.Lines {
		line := &result.Lines[i]
		line.Reading.FileID = file.ID
		if err = s.repo.InsertReadingTx(ctx, tx, &line.Reading); err != nil {
			return err
		}
		if line.ErrorFields != nil {
			ledger := &db.FieldError{ReadingID: line.Reading.ID, Fields: line.ErrorFields}
			if err = s.repo.InsertFieldErrorTx(ctx, tx, ledger); err != nil {
				return err
			}
		}
	}
	if err = s.repo.UpdateFileCountersTx(ctx, tx, file.ID, result.Total, result.OK, result.Err, info.Size()); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return err
	}

	if pubErr := s.publisher.PublishFileImported(ctx, mq.FileImportedEvent{
		Company:    company.Name,
		Meter:      meter.Code,
		Branch:     branch,
		Filename:   name,
		TotalRows:  result.Total,
		OKRows:     result.OK,
		ErrRows:    result.Err,
		ImportedAt: s.now().Format(time.RFC3339),
	}, s.cfg.RabbitMQ.RoutingKey); pubErr != nil {
		// Log only: the import already committed
		logger.Error("failed to publish file imported event", zap.Error(pubErr))
	}

	return nil
}

// windowSeed resolves the timestamp imports should resume after. With
// no import history the configured cutover date minus a guard band is
// used, or the meter's creation date minus a smaller band when the
// meter is newer than the cutover.
func windowSeed(last *time.Time, meterCreated, firstReadingDate time.Time) time.Time {
	if last != nil {
		return *last
	}
	if meterCreated.After(firstReadingDate) {
		return meterCreated.Add(-meterGuardBand)
	}
	return firstReadingDate.Add(-cutoverGuardBand)
}

// fetchWindow lists every calendar day to fetch, oldest first: from the
// day of lastImported+1h through today inclusive
func fetchWindow(lastImported, today time.Time) []time.Time {
	start := lastImported.Add(time.Hour)
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
	end := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, today.Location())

	var days []time.Time
	for !day.After(end) {
		days = append(days, day)
		day = day.AddDate(0, 0, 1)
	}
	return days
}

// buildFilename derives the deterministic daily filename for a branch.
// Files dated on or after uppercaseSince use uppercase names, earlier
// ones lowercase; the cutover is explicit because remote servers
// changed their naming convention at a fixed date.
func buildFilename(prefix, installationCode string, branch int, day time.Time, uppercaseSince time.Time) string {
	name := fmt.Sprintf("%s_%s_%d_%s_RES11_DIR_REGALIAS.txt",
		prefix, strings.TrimSpace(installationCode), branch, day.Format("02012006"))
	if day.Before(uppercaseSince) {
		return strings.ToLower(name)
	}
	return strings.ToUpper(strings.TrimSuffix(name, ".txt")) + ".txt"
}
