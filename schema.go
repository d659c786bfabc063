package sqljobstore

import (
	"context"
	_ "embed"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"oss.nandlabs.io/golly/l3"
)

//go:embed sql/install.sql.tmpl
var installScriptTemplate string

//go:embed sql/migrations.xml
var migrationsDocument string

// migrationTimeout is the generous timeout the installer uses when taking
// the Migration resource lock (spec §4.6: "a generous timeout").
const migrationTimeout = 2 * time.Minute

// migrationSet is the embedded <migrations> document.
type migrationSet struct {
	XMLName    xml.Name     `xml:"migrations"`
	Migrations []migrationX `xml:"migration"`
}

type migrationX struct {
	ID  string `xml:"id,attr"`
	SQL string `xml:",chardata"`
}

// Installer ensures the target schema exists before any other component
// touches it (spec §4.6).
type Installer struct {
	pool     *ConnectionPool
	repeater *Repeater
	prefix   string
	tables   tableNames
	logger   l3.Logger
	now      func() time.Time
}

// NewInstaller builds an Installer bound to pool/prefix.
func NewInstaller(pool *ConnectionPool, repeater *Repeater, prefix string, logger l3.Logger, now func() time.Time) *Installer {
	if logger == nil {
		logger = l3.Get()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Installer{pool: pool, repeater: repeater, prefix: prefix, tables: newTableNames(prefix), logger: logger, now: now}
}

// Install creates the schema if the main Job table is absent, then applies
// any embedded migrations that haven't run yet.
func (i *Installer) Install(ctx context.Context) error {
	exists, err := i.jobTableExists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		if err := i.runInstallScript(ctx); err != nil {
			return err
		}
		i.logger.InfoF("sqljobstore: schema installed under prefix %q", i.prefix)
	}
	return i.applyMigrations(ctx)
}

func (i *Installer) jobTableExists(ctx context.Context) (bool, error) {
	lease, err := i.pool.Borrow(ctx)
	if err != nil {
		return false, err
	}
	defer lease.Dispose(context.Background())

	var count int
	err = lease.Session.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?",
		i.tables.Job,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (i *Installer) runInstallScript(ctx context.Context) error {
	script := strings.ReplaceAll(installScriptTemplate, "{prefix}", i.prefix)

	lease, err := i.pool.Borrow(ctx)
	if err != nil {
		return err
	}
	defer lease.Dispose(context.Background())

	tx, err := lease.Session.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, stmt := range splitStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqljobstore: install script: %w", err)
		}
	}
	return tx.Commit()
}

// applyMigrations takes the Migration resource lock, creates the
// PMigration table if missing, then applies embedded migrations whose id
// isn't already recorded, each inside its own transaction that also
// inserts the id + now into PMigration.
func (i *Installer) applyMigrations(ctx context.Context) error {
	var doc migrationSet
	if err := xml.Unmarshal([]byte(migrationsDocument), &doc); err != nil {
		return fmt.Errorf("sqljobstore: parsing embedded migrations: %w", err)
	}

	resources := NewResourceSet(ResourceMigration)
	return i.repeater.ExecuteOne(ctx, resources, migrationTimeout, func(ctx context.Context, actx *ActionContext) error {
		lockSet, err := AcquireResourceLocks(ctx, actx.Session, i.prefix, resources, migrationTimeout)
		if err != nil {
			return err
		}
		defer func() { _ = lockSet.Release(context.Background()) }()

		createTable := fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (`Id` VARCHAR(200) NOT NULL, `ExecutedAt` DATETIME NOT NULL, PRIMARY KEY (`Id`))",
			quoted(i.tables.Migration))
		if _, err := actx.Session.ExecContext(ctx, createTable); err != nil {
			return err
		}

		for _, m := range doc.Migrations {
			applied, err := i.migrationApplied(ctx, actx.Session, m.ID)
			if err != nil {
				return err
			}
			if applied {
				continue
			}
			if err := i.applyOne(ctx, actx.Session, m); err != nil {
				return err
			}
			i.logger.InfoF("sqljobstore: applied migration %q", m.ID)
		}
		return nil
	})
}

func (i *Installer) migrationApplied(ctx context.Context, session Session, id string) (bool, error) {
	var count int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE Id = ?", quoted(i.tables.Migration))
	err := session.QueryRowContext(ctx, query, id).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (i *Installer) applyOne(ctx context.Context, session Session, m migrationX) error {
	tx, err := session.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	sqlText := strings.ReplaceAll(strings.TrimSpace(m.SQL), "{prefix}", i.prefix)
	if _, err := tx.ExecContext(ctx, sqlText); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("sqljobstore: migration %q: %w", m.ID, err)
	}
	insert := fmt.Sprintf("INSERT INTO %s (Id, ExecutedAt) VALUES (?, ?)", quoted(i.tables.Migration))
	if _, err := tx.ExecContext(ctx, insert, m.ID, i.now()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("sqljobstore: recording migration %q: %w", m.ID, err)
	}
	return tx.Commit()
}

// splitStatements splits the install script into individual statements on
// every ";", dropping blank entries. The install script is fixed,
// versioned text, not user input, so this simple split is sufficient.
func splitStatements(script string) []string {
	parts := strings.Split(script, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
