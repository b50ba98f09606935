package service

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/meterscan/telemetry-sync-worker/internal/config"
	"github.com/meterscan/telemetry-sync-worker/internal/db"
	"github.com/meterscan/telemetry-sync-worker/internal/fieldcoerce"
	"github.com/meterscan/telemetry-sync-worker/internal/mq"
	"github.com/meterscan/telemetry-sync-worker/internal/remote"
	"github.com/meterscan/telemetry-sync-worker/internal/res11"
	"github.com/meterscan/telemetry-sync-worker/internal/schema"
	"github.com/meterscan/telemetry-sync-worker/tools/timeparser"
	"go.uber.org/zap"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestFetchWindow_SpansLastImportToToday(t *testing.T) {
	last := time.Date(2021, 6, 10, 8, 0, 0, 0, time.UTC)
	today := date(2021, 6, 13)

	days := fetchWindow(last, today)

	if len(days) != 4 {
		t.Fatalf("expected 4 days, got %d: %v", len(days), days)
	}
	for i, want := range []time.Time{
		date(2021, 6, 10), date(2021, 6, 11), date(2021, 6, 12), date(2021, 6, 13),
	} {
		if !days[i].Equal(want) {
			t.Errorf("day %d: expected %v, got %v", i, want, days[i])
		}
	}
}

func TestFetchWindow_LateLastImportRollsToNextDay(t *testing.T) {
	// 23:30 + 1h lands on the next calendar day
	last := time.Date(2021, 6, 10, 23, 30, 0, 0, time.UTC)
	today := date(2021, 6, 11)

	days := fetchWindow(last, today)

	if len(days) != 1 || !days[0].Equal(date(2021, 6, 11)) {
		t.Errorf("expected only 2021-06-11, got %v", days)
	}
}

func TestFetchWindow_UpToDateYieldsToday(t *testing.T) {
	last := time.Date(2021, 6, 13, 9, 0, 0, 0, time.UTC)
	today := date(2021, 6, 13)

	days := fetchWindow(last, today)

	if len(days) != 1 || !days[0].Equal(today) {
		t.Errorf("expected just today, got %v", days)
	}
}

func TestWindowSeed_PrefersLastReading(t *testing.T) {
	last := time.Date(2021, 7, 1, 12, 0, 0, 0, time.UTC)
	seed := windowSeed(&last, date(2021, 1, 1), date(2021, 6, 1))
	if !seed.Equal(last) {
		t.Errorf("expected the last reading time, got %v", seed)
	}
}

func TestWindowSeed_NewMeterStartsJustBeforeCreation(t *testing.T) {
	created := time.Date(2021, 8, 15, 10, 0, 0, 0, time.UTC)
	seed := windowSeed(nil, created, date(2021, 6, 1))
	if !seed.Equal(created.Add(-meterGuardBand)) {
		t.Errorf("expected creation time minus guard band, got %v", seed)
	}
}

func TestWindowSeed_OldMeterStartsAtFirstReadingDate(t *testing.T) {
	first := date(2021, 6, 1)
	seed := windowSeed(nil, date(2020, 1, 1), first)
	if !seed.Equal(first.Add(-cutoverGuardBand)) {
		t.Errorf("expected first reading date minus guard band, got %v", seed)
	}
}

func TestBuildFilename_UppercaseAfterCutover(t *testing.T) {
	cutover := date(2020, 12, 16)

	got := buildFilename("PM", "0472", 1, date(2021, 6, 10), cutover)
	want := "PM_0472_1_10062021_RES11_DIR_REGALIAS.txt"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestBuildFilename_LowercaseBeforeCutover(t *testing.T) {
	cutover := date(2020, 12, 16)

	got := buildFilename("PM", "0472", 2, date(2020, 12, 15), cutover)
	want := "pm_0472_2_15122020_res11_dir_regalias.txt"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestBuildFilename_CutoverDayIsUppercase(t *testing.T) {
	cutover := date(2020, 12, 16)

	got := buildFilename("PM", "0472", 1, cutover, cutover)
	want := "PM_0472_1_16122020_RES11_DIR_REGALIAS.txt"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestBuildFilename_TrimsInstallationCode(t *testing.T) {
	got := buildFilename("PM", "  0472 ", 1, date(2021, 1, 1), date(2020, 12, 16))
	want := "PM_0472_1_01012021_RES11_DIR_REGALIAS.txt"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

// memRepo is an in-memory Repository. Transactional writes are staged on
// the memTx and only land on Commit, mirroring the real boundary.
type memRepo struct {
	nextID   int64
	files    map[string]*db.ReadingFile
	readings []db.Reading
	ledgers  []db.FieldError
}

func newMemRepo() *memRepo {
	return &memRepo{files: make(map[string]*db.ReadingFile)}
}

type counterUpdate struct {
	fileID   int64
	total    int
	ok       int
	errCount int
	byteSize int64
}

type memTx struct {
	pgx.Tx
	repo      *memRepo
	files     []*db.ReadingFile
	readings  []db.Reading
	ledgers   []db.FieldError
	counters  []counterUpdate
	committed bool
}

func (t *memTx) Commit(ctx context.Context) error {
	for _, f := range t.files {
		t.repo.files[f.Name] = f
	}
	t.repo.readings = append(t.repo.readings, t.readings...)
	t.repo.ledgers = append(t.repo.ledgers, t.ledgers...)
	for _, c := range t.counters {
		for _, f := range t.repo.files {
			if f.ID == c.fileID {
				f.Total += c.total
				f.OK += c.ok
				f.Err += c.errCount
				f.ByteSize = c.byteSize
			}
		}
	}
	t.committed = true
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error { return nil }

func (r *memRepo) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return &memTx{repo: r}, nil
}

func (r *memRepo) ListCompaniesWithMeters(ctx context.Context) ([]db.Company, error) {
	return nil, nil
}

func (r *memRepo) GetMeterType(ctx context.Context, id int64) (*db.MeterType, error) {
	return nil, nil
}

func (r *memRepo) ExpectedFileCount(ctx context.Context) (int64, error) { return 0, nil }

func (r *memRepo) FindReadingFile(ctx context.Context, name string) (*db.ReadingFile, error) {
	return r.files[name], nil
}

func (r *memRepo) CreateReadingFileTx(ctx context.Context, tx pgx.Tx, f *db.ReadingFile) error {
	r.nextID++
	f.ID = r.nextID
	t := tx.(*memTx)
	t.files = append(t.files, f)
	return nil
}

func (r *memRepo) LastReadingTimeForFile(ctx context.Context, fileID int64) (*time.Time, error) {
	var last *time.Time
	for _, rd := range r.readings {
		if rd.FileID != fileID {
			continue
		}
		if last == nil || rd.Timestamp.After(*last) {
			ts := rd.Timestamp
			last = &ts
		}
	}
	return last, nil
}

func (r *memRepo) LastReadingTimeForBranch(ctx context.Context, meterID int64, branch int) (*time.Time, error) {
	return nil, nil
}

func (r *memRepo) InsertReadingTx(ctx context.Context, tx pgx.Tx, reading *db.Reading) error {
	r.nextID++
	reading.ID = r.nextID
	t := tx.(*memTx)
	t.readings = append(t.readings, *reading)
	return nil
}

func (r *memRepo) InsertFieldErrorTx(ctx context.Context, tx pgx.Tx, fe *db.FieldError) error {
	r.nextID++
	fe.ID = r.nextID
	t := tx.(*memTx)
	t.ledgers = append(t.ledgers, *fe)
	return nil
}

func (r *memRepo) UpdateFileCountersTx(ctx context.Context, tx pgx.Tx, fileID int64, total, ok, errCount int, byteSize int64) error {
	t := tx.(*memTx)
	t.counters = append(t.counters, counterUpdate{fileID, total, ok, errCount, byteSize})
	return nil
}

// stubSession serves a fixed file body from memory
type stubSession struct {
	content  string
	fetchErr error
	fetches  int
}

func (s *stubSession) Connect(user, secret string) error { return nil }
func (s *stubSession) ChangeDir(dir string) error        { return nil }
func (s *stubSession) Disconnect()                       {}
func (s *stubSession) IsConnected() bool                 { return true }
func (s *stubSession) OnBeforeFetch(remote.FetchHook)    {}
func (s *stubSession) OnAfterFetch(remote.FetchHook)     {}

func (s *stubSession) Fetch(remoteName, localPath string) error {
	s.fetches++
	if s.fetchErr != nil {
		return s.fetchErr
	}
	return os.WriteFile(localPath, []byte(s.content), 0o644)
}

const dayFileFields = `{
	"fecha": "requerido",
	"hora": "requerido",
	"instalacion": "requerido",
	"medidor": "requerido",
	"temperatura": "opcional"
}`

func newDayParser(t *testing.T) *res11.Parser {
	t.Helper()
	fields, err := schema.Resolve(dayFileFields)
	if err != nil {
		t.Fatalf("failed to resolve fields: %v", err)
	}
	return res11.NewParser(fields,
		timeparser.DefaultDateFormat, timeparser.DefaultTimeFormat,
		fieldcoerce.New(), zap.NewNop())
}

func newDayService(repo *memRepo, cfg *config.Config) *SyncService {
	return &SyncService{
		repo:      repo,
		publisher: &mq.Publisher{},
		cfg:       cfg,
		logger:    zap.NewNop(),
		coercer:   fieldcoerce.New(),
		now:       func() time.Time { return date(2021, 6, 10) },
	}
}

func dayConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Sync: config.SyncConfig{
			DownloadDir:    t.TempDir(),
			UppercaseSince: date(2020, 12, 16),
		},
	}
}

const dayFileContent = "header\n" +
	"10/06/2021;10:00:00;PM-0001;M01;20,5\n" +
	"10/06/2021;10:05:00;PM-0001;M01;bad\n"

func TestSyncDay_ReimportCreatesNoDuplicates(t *testing.T) {
	repo := newMemRepo()
	svc := newDayService(repo, dayConfig(t))
	sess := &stubSession{content: dayFileContent}
	company := db.Company{Name: "Acme Gas", Connection: &db.ConnectionConfig{FilePrefix: "PM"}}
	meter := db.Meter{ID: 7, Code: "0472"}
	day := date(2021, 6, 10)

	if err := svc.syncDay(context.Background(), sess, newDayParser(t), company, meter, 1, day, zap.NewNop()); err != nil {
		t.Fatalf("first import failed: %v", err)
	}

	name := "PM_0472_1_10062021_RES11_DIR_REGALIAS.txt"
	file := repo.files[name]
	if file == nil {
		t.Fatalf("expected file header %q, have %v", name, repo.files)
	}
	if file.Total != 2 || file.OK != 1 || file.Err != 1 {
		t.Errorf("expected counters total=2 ok=1 err=1, got total=%d ok=%d err=%d",
			file.Total, file.OK, file.Err)
	}
	if len(repo.readings) != 2 {
		t.Fatalf("expected 2 readings, got %d", len(repo.readings))
	}
	if len(repo.ledgers) != 1 || repo.ledgers[0].Fields["temperatura"] != "bad" {
		t.Errorf("expected one error ledger preserving the raw string, got %v", repo.ledgers)
	}

	// Same content again: the header is found, the seeded history skips
	// every line, nothing is duplicated and counters do not move
	if err := svc.syncDay(context.Background(), sess, newDayParser(t), company, meter, 1, day, zap.NewNop()); err != nil {
		t.Fatalf("re-import failed: %v", err)
	}
	if len(repo.files) != 1 {
		t.Errorf("expected a single file header, got %d", len(repo.files))
	}
	if len(repo.readings) != 2 {
		t.Errorf("expected re-import to add no readings, got %d", len(repo.readings))
	}
	if len(repo.ledgers) != 1 {
		t.Errorf("expected re-import to add no error ledgers, got %d", len(repo.ledgers))
	}
	if file.Total != 2 || file.OK != 1 || file.Err != 1 {
		t.Errorf("expected counters unchanged, got total=%d ok=%d err=%d",
			file.Total, file.OK, file.Err)
	}
	if sess.fetches != 2 {
		t.Errorf("expected the file to be fetched on both passes, got %d", sess.fetches)
	}
}

func TestSyncDay_FailedFetchLeavesNoState(t *testing.T) {
	repo := newMemRepo()
	svc := newDayService(repo, dayConfig(t))
	cause := errors.New("550 file not found")
	sess := &stubSession{fetchErr: &remote.TransferError{RemoteName: "x", Err: cause}}
	company := db.Company{Name: "Acme Gas", Connection: &db.ConnectionConfig{FilePrefix: "PM"}}
	meter := db.Meter{ID: 7, Code: "0472"}

	err := svc.syncDay(context.Background(), sess, newDayParser(t), company, meter, 1, date(2021, 6, 10), zap.NewNop())
	if !errors.Is(err, cause) {
		t.Fatalf("expected the transfer failure to propagate, got %v", err)
	}
	// The day's file is usually just not on the server yet; no header row
	// may survive the failure
	if len(repo.files) != 0 {
		t.Errorf("expected no file header after a failed fetch, got %v", repo.files)
	}
	if len(repo.readings) != 0 {
		t.Errorf("expected no readings after a failed fetch, got %d", len(repo.readings))
	}
}

func TestSyncDay_DryRunCommitsNothing(t *testing.T) {
	repo := newMemRepo()
	cfg := dayConfig(t)
	cfg.Sync.DryRun = true
	svc := newDayService(repo, cfg)
	sess := &stubSession{content: dayFileContent}
	company := db.Company{Name: "Acme Gas", Connection: &db.ConnectionConfig{FilePrefix: "PM"}}
	meter := db.Meter{ID: 7, Code: "0472"}

	if err := svc.syncDay(context.Background(), sess, newDayParser(t), company, meter, 1, date(2021, 6, 10), zap.NewNop()); err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if len(repo.files) != 0 || len(repo.readings) != 0 || len(repo.ledgers) != 0 {
		t.Errorf("expected dry run to persist nothing, got files=%d readings=%d ledgers=%d",
			len(repo.files), len(repo.readings), len(repo.ledgers))
	}
}
