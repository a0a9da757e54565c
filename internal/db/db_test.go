package db_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"escrowline/internal/db"
)

func openTemp(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := conn.Exec(`CREATE TABLE counters(id TEXT PRIMARY KEY, n INTEGER NOT NULL CHECK (n <= 100))`); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO counters(id,n) VALUES ('c',0)`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return conn
}

func TestPathLayout(t *testing.T) {
	got := db.Path("/tmp/ws")
	if got != filepath.Join("/tmp/ws", ".escrowline", "escrowline.db") {
		t.Fatalf("path: %s", got)
	}
}

func TestRunTxSerializesReadModifyWrite(t *testing.T) {
	conn := openTemp(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- db.RunTx(ctx, conn, func(tx *sql.Tx) error {
				var n int
				if err := tx.QueryRowContext(ctx, `SELECT n FROM counters WHERE id='c'`).Scan(&n); err != nil {
					return err
				}
				_, err := tx.ExecContext(ctx, `UPDATE counters SET n=? WHERE id='c'`, n+1)
				return err
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("tx: %v", err)
		}
	}
	var n int
	if err := conn.QueryRow(`SELECT n FROM counters WHERE id='c'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 20 {
		t.Fatalf("lost updates: n=%d", n)
	}
}

func TestRunTxRollsBackOnError(t *testing.T) {
	conn := openTemp(t)
	sentinel := errors.New("stop")
	err := db.RunTx(context.Background(), conn, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE counters SET n=50 WHERE id='c'`); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	var n int
	_ = conn.QueryRow(`SELECT n FROM counters WHERE id='c'`).Scan(&n)
	if n != 0 {
		t.Fatalf("rollback failed: n=%d", n)
	}
}

func TestIsConstraint(t *testing.T) {
	conn := openTemp(t)
	_, err := conn.Exec(`UPDATE counters SET n=101 WHERE id='c'`)
	if !db.IsConstraint(err) {
		t.Fatalf("expected constraint error, got %v", err)
	}
	if db.IsBusy(err) {
		t.Fatalf("constraint error reported as busy")
	}
}
