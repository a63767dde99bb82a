package mysql

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"testing"
	"testing/fstest"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	"ChainForge/internal/contextstore"
	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/pipeline"
)

func TestContextRepositoryRoundTrip(t *testing.T) {
	t.Parallel()

	wf := pipeline.NewWorkflowContext("wf-1")
	wf.Network = "sepolia"
	wf.Status = pipeline.StatusRunning
	payload, err := json.Marshal(wf)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	db, drv := newMockDB(t, []mockOperation{
		execOp(upsertContextSQL, mockResult{rowsAffected: 1}),
		queryOp(`SELECT payload FROM workflow_contexts WHERE workflow_id = ?`, mockRowsData{
			columns: []string{"payload"},
			values:  [][]driver.Value{{string(payload)}},
		}),
		queryOp(`SELECT payload FROM workflow_contexts WHERE workflow_id = ?`, mockRowsData{columns: []string{"payload"}}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := NewContextRepository(db)
	ctx := context.Background()
	if err := repo.SaveContext(ctx, wf); err != nil {
		t.Fatalf("save context: %v", err)
	}
	loaded, err := repo.LoadContext(ctx, "wf-1")
	if err != nil {
		t.Fatalf("load context: %v", err)
	}
	if loaded.WorkflowID != "wf-1" || loaded.Network != "sepolia" || loaded.Status != pipeline.StatusRunning {
		t.Fatalf("unexpected context: %+v", loaded)
	}
	if _, err := repo.LoadContext(ctx, "missing"); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestContextRepositoryBundleIsWriteOnce(t *testing.T) {
	t.Parallel()

	const insert = `INSERT INTO diagnostic_bundles (workflow_id, payload, created_at) VALUES (?, ?, ?)`
	db, drv := newMockDB(t, []mockOperation{
		execOp(insert, mockResult{rowsAffected: 1}),
		execErrOp(insert, &gomysql.MySQLError{Number: 1062, Message: "Duplicate entry"}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := NewContextRepository(db)
	bundle := &contextstore.DiagnosticBundle{WorkflowID: "wf-1", CreatedAt: time.Now()}
	location, err := repo.SaveBundle(context.Background(), bundle)
	if err != nil {
		t.Fatalf("save bundle: %v", err)
	}
	if location != "mysql://diagnostic_bundles/wf-1" {
		t.Fatalf("unexpected location %q", location)
	}
	if _, err := repo.SaveBundle(context.Background(), bundle); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

func TestContextRepositoryRejectsBadID(t *testing.T) {
	t.Parallel()

	repo := NewContextRepository(nil)
	if err := repo.SaveContext(context.Background(), pipeline.NewWorkflowContext("")); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestMigrateAppliesPendingFiles(t *testing.T) {
	t.Parallel()

	files, err := loadMigrations(embeddedMigrations)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(files) != 2 || files[0].version != "0001" || files[1].version != "0002" {
		t.Fatalf("unexpected migrations: %+v", files)
	}

	ops := []mockOperation{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(`SELECT version, checksum FROM schema_migrations`, mockRowsData{
			columns: []string{"version", "checksum"},
			values:  [][]driver.Value{{"0001", files[0].checksum}},
		}),
		beginOp(),
	}
	for _, stmt := range files[1].statements {
		ops = append(ops, execOp(stmt, mockResult{}))
	}
	ops = append(ops,
		execOp(`INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	)
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func TestMigrateRejectsModifiedScript(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(`SELECT version, checksum FROM schema_migrations`, mockRowsData{
			columns: []string{"version", "checksum"},
			values:  [][]driver.Value{{"0001", "deadbeef"}},
		}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := Migrate(context.Background(), db); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected CONFLICT for checksum drift, got %v", err)
	}
}

func TestLoadMigrationsSkipsCommentsAndDetectsDuplicates(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"0001_init.sql":  {Data: []byte("-- tables\nCREATE TABLE a (id INT);\n\n-- more\nCREATE TABLE b (id INT);\n")},
		"0002_index.sql": {Data: []byte("CREATE INDEX idx ON a (id);")},
		"0003_empty.sql": {Data: []byte("-- nothing here\n")},
	}
	files, err := loadMigrations(fsys)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(files))
	}
	if got := files[0].statements; len(got) != 2 || got[1] != "CREATE TABLE b (id INT)" {
		t.Fatalf("unexpected statements: %q", got)
	}

	reindented := fstest.MapFS{"0001_init.sql": {Data: []byte("CREATE   TABLE a (id INT);\n\n    CREATE TABLE b\n  (id INT);")}}
	again, err := loadMigrations(reindented)
	if err != nil {
		t.Fatalf("load reindented: %v", err)
	}
	if again[0].checksum != files[0].checksum {
		t.Fatal("whitespace and comments should not change the checksum")
	}

	fsys["0001_other.sql"] = &fstest.MapFile{Data: []byte("SELECT 1;")}
	if _, err := loadMigrations(fsys); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected CONFLICT for duplicate version, got %v", err)
	}
}
