// Package scriptstore persists scripts in sqlite.
package scriptstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"pkt.systems/pslog"
	"pkt.systems/scriptbridge/internal/manifest"
	"pkt.systems/scriptbridge/schema"
)

//go:embed builtin/*.cljs
var builtinFS embed.FS

type record struct {
	Name        string `gorm:"primaryKey"`
	Code        string
	Enabled     bool
	Matches     []string `gorm:"serializer:json"`
	RunAt       string
	Description string
	Inject      []string `gorm:"serializer:json"`
	Builtin     bool     `gorm:"index"`
	CreatedAt   time.Time
	ModifiedAt  time.Time
}

func (record) TableName() string { return "scripts" }

func (r record) script() schema.Script {
	return schema.Script{
		Name:        schema.ScriptName(r.Name),
		Code:        r.Code,
		Enabled:     r.Enabled,
		Matches:     r.Matches,
		RunAt:       schema.RunAt(r.RunAt),
		Description: r.Description,
		Inject:      r.Inject,
		Builtin:     r.Builtin,
		CreatedAt:   r.CreatedAt,
		ModifiedAt:  r.ModifiedAt,
	}
}

// Store is the persistent keyed collection of scripts.
type Store struct {
	db  *gorm.DB
	log pslog.Logger
	now func() time.Time
}

// Open opens (creating when needed) the sqlite database at dsn.
func Open(ctx context.Context, dsn string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("store dsn is required")
	}
	if logger != nil {
		logger = logger.With("store", dsn)
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: newGormLogger(logger)})
	if err != nil {
		return nil, fmt.Errorf("open script store: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open script store: %w", err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	if err := db.WithContext(ctx).AutoMigrate(&record{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate script store: %w", err)
	}
	if logger != nil {
		logger.Debug("scriptstore open ok")
	}
	return &Store{db: db, log: logger, now: time.Now}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SeedBuiltins installs or refreshes the embedded built-in scripts. The
// enabled flag of an already seeded built-in is preserved.
func (s *Store) SeedBuiltins(ctx context.Context) error {
	entries, err := fs.ReadDir(builtinFS, "builtin")
	if err != nil {
		return err
	}
	for _, entry := range entries {
		data, err := builtinFS.ReadFile(path.Join("builtin", entry.Name()))
		if err != nil {
			return err
		}
		code := string(data)
		m, err := manifest.Parse(code)
		if err != nil {
			return fmt.Errorf("builtin %s: %w", entry.Name(), err)
		}
		if !schema.IsReservedName(m.Name) {
			return fmt.Errorf("builtin %s: name %q outside %s", entry.Name(), m.Name, schema.BuiltinNamespace)
		}
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var existing record
			err := tx.Where("name = ?", string(m.Name)).Take(&existing).Error
			now := s.now()
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				script := m.Apply(schema.Script{Code: code, Enabled: true, Builtin: true})
				rec := toRecord(script)
				rec.CreatedAt, rec.ModifiedAt = now, now
				return tx.Create(&rec).Error
			case err != nil:
				return err
			case existing.Code == code && existing.Builtin:
				return nil
			}
			script := m.Apply(existing.script())
			script.Code = code
			script.Builtin = true
			rec := toRecord(script)
			rec.CreatedAt = existing.CreatedAt
			rec.ModifiedAt = now
			return tx.Save(&rec).Error
		})
		if err != nil {
			return fmt.Errorf("seed builtin %s: %w", m.Name, err)
		}
		if s.log != nil {
			s.log.Debug("scriptstore builtin seeded", "script", m.Name)
		}
	}
	return nil
}

// List returns scripts ordered by name. Built-ins are included only when
// includeHidden is set.
func (s *Store) List(ctx context.Context, includeHidden bool) ([]schema.Script, error) {
	var records []record
	q := s.db.WithContext(ctx).Order("name")
	if !includeHidden {
		q = q.Where("builtin = ?", false)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([]schema.Script, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.script())
	}
	return out, nil
}

// Get returns the named script.
func (s *Store) Get(ctx context.Context, name schema.ScriptName) (schema.Script, error) {
	var rec record
	err := s.db.WithContext(ctx).Where("name = ?", string(name)).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return schema.Script{}, fmt.Errorf("%w: %s", schema.ErrScriptNotFound, name)
	}
	if err != nil {
		return schema.Script{}, err
	}
	return rec.script(), nil
}

// Exists reports whether a script with the name is stored.
func (s *Store) Exists(ctx context.Context, name schema.ScriptName) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&record{}).Where("name = ?", string(name)).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// Put creates or replaces a script and reports whether it was created.
// Replacing keeps the original creation time.
func (s *Store) Put(ctx context.Context, script schema.Script) (bool, error) {
	if err := schema.ValidateScriptName(script.Name); err != nil {
		return false, err
	}
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing record
		err := tx.Where("name = ?", string(script.Name)).Take(&existing).Error
		now := s.now()
		rec := toRecord(script)
		rec.ModifiedAt = now
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			created = true
			rec.CreatedAt = now
			return tx.Create(&rec).Error
		case err != nil:
			return err
		case existing.Builtin:
			return fmt.Errorf("%w: %s", schema.ErrBuiltinProtected, script.Name)
		}
		rec.CreatedAt = existing.CreatedAt
		return tx.Save(&rec).Error
	})
	if err != nil {
		return false, err
	}
	if s.log != nil {
		s.log.Debug("scriptstore put ok", "script", script.Name, "created", created)
	}
	return created, nil
}

// Rename moves a script to a new name. When overwrite is set an existing
// script at the target name is replaced.
func (s *Store) Rename(ctx context.Context, from, to schema.ScriptName, overwrite bool) error {
	if err := schema.ValidateScriptName(to); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var src record
		err := tx.Where("name = ?", string(from)).Take(&src).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", schema.ErrScriptNotFound, from)
		}
		if err != nil {
			return err
		}
		if src.Builtin {
			return fmt.Errorf("%w: %s", schema.ErrBuiltinProtected, from)
		}
		if from == to {
			return nil
		}
		var dst record
		err = tx.Where("name = ?", string(to)).Take(&dst).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		case dst.Builtin:
			return fmt.Errorf("%w: %s", schema.ErrBuiltinProtected, to)
		case !overwrite:
			return fmt.Errorf("%w: %s", schema.ErrScriptExists, to)
		default:
			if err := tx.Delete(&record{}, "name = ?", string(to)).Error; err != nil {
				return err
			}
		}
		if err := tx.Delete(&record{}, "name = ?", string(from)).Error; err != nil {
			return err
		}
		src.Name = string(to)
		src.ModifiedAt = s.now()
		return tx.Create(&src).Error
	})
	if err != nil {
		return err
	}
	if s.log != nil {
		s.log.Debug("scriptstore rename ok", "from", from, "to", to)
	}
	return nil
}

// Delete removes a script.
func (s *Store) Delete(ctx context.Context, name schema.ScriptName) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec record
		err := tx.Where("name = ?", string(name)).Take(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", schema.ErrScriptNotFound, name)
		}
		if err != nil {
			return err
		}
		if rec.Builtin {
			return fmt.Errorf("%w: %s", schema.ErrBuiltinProtected, name)
		}
		return tx.Delete(&record{}, "name = ?", string(name)).Error
	})
	if err != nil {
		return err
	}
	if s.log != nil {
		s.log.Debug("scriptstore delete ok", "script", name)
	}
	return nil
}

// SetEnabled flips the enabled flag of a script. Built-ins may be toggled.
func (s *Store) SetEnabled(ctx context.Context, name schema.ScriptName, enabled bool) (schema.Script, error) {
	res := s.db.WithContext(ctx).Model(&record{}).Where("name = ?", string(name)).
		Updates(map[string]any{"enabled": enabled, "modified_at": s.now()})
	if res.Error != nil {
		return schema.Script{}, res.Error
	}
	if res.RowsAffected == 0 {
		return schema.Script{}, fmt.Errorf("%w: %s", schema.ErrScriptNotFound, name)
	}
	return s.Get(ctx, name)
}

func toRecord(script schema.Script) record {
	runAt := script.RunAt
	if runAt == "" {
		runAt = schema.RunAtDocumentIdle
	}
	return record{
		Name:        string(script.Name),
		Code:        script.Code,
		Enabled:     script.Enabled,
		Matches:     script.Matches,
		RunAt:       string(runAt),
		Description: script.Description,
		Inject:      script.Inject,
		Builtin:     script.Builtin,
		CreatedAt:   script.CreatedAt,
		ModifiedAt:  script.ModifiedAt,
	}
}
