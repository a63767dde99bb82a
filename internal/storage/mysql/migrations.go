package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/hex"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"ChainForge/deploy/migrations"
	xerrors "ChainForge/internal/errors"
	"ChainForge/pkg/logger"
)

const createMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version VARCHAR(32) NOT NULL PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    checksum CHAR(64) NOT NULL,
    applied_at BIGINT NOT NULL
)`

var embeddedMigrations fs.FS = migrations.Files

// migration 是一个版本的脚本，checksum 取自规范化后的语句。
type migration struct {
	version    string
	name       string
	checksum   string
	statements []string
}

// Migrate 按版本号顺序执行尚未应用的迁移。已应用脚本的内容被改动时返回错误，不做任何变更。
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createMigrationsTableSQL); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}
	applied, err := appliedChecksums(ctx, db)
	if err != nil {
		return err
	}
	pending, err := loadMigrations(embeddedMigrations)
	if err != nil {
		return err
	}

	log := logger.Named("storage.mysql")
	for _, m := range pending {
		if sum, ok := applied[m.version]; ok {
			if sum != m.checksum {
				return xerrors.New(xerrors.CodeConflict, "迁移脚本 "+m.name+" 在应用后被修改",
					xerrors.WithMetadata("version", m.version))
			}
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return err
		}
		log.Info("迁移已应用", slog.String("version", m.version), slog.String("name", m.name))
	}
	return nil
}

func appliedChecksums(ctx context.Context, db *sql.DB) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 schema_migrations 失败")
		}
		applied[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 schema_migrations 失败")
	}
	return applied, nil
}

// apply 在单个事务中执行脚本并登记版本。MySQL 的 DDL 会隐式提交，登记失败时需要人工处理。
func apply(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败")
	}
	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行迁移 "+m.name+" 失败")
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`,
		m.version, m.name, m.checksum, time.Now().Unix()); err != nil {
		_ = tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "登记迁移版本失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交迁移事务失败")
	}
	return nil
}

func loadMigrations(fsys fs.FS) ([]migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移目录失败")
	}
	seen := make(map[string]string, len(names))
	out := make([]migration, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移文件 "+name+" 失败")
		}
		statements := splitStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		version := migrationVersion(name)
		if other, dup := seen[version]; dup {
			return nil, xerrors.New(xerrors.CodeConflict, "迁移版本重复: "+other+" 与 "+name)
		}
		seen[version] = name
		out = append(out, migration{
			version:    version,
			name:       name,
			checksum:   checksum(statements),
			statements: statements,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// splitStatements 去掉 "--" 行注释后按分号切分。脚本中不允许出现包含分号的字符串字面量。
func splitStatements(content string) []string {
	var body strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	var statements []string
	for _, stmt := range strings.Split(body.String(), ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

// checksum 对空白规范化后的语句求摘要，只改缩进或注释不会被视为改动。
func checksum(statements []string) string {
	h := blake3.New()
	for _, stmt := range statements {
		_, _ = h.Write([]byte(strings.Join(strings.Fields(stmt), " ")))
		_, _ = h.Write([]byte{';'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func migrationVersion(name string) string {
	base := strings.TrimSuffix(name, ".sql")
	if idx := strings.IndexByte(base, '_'); idx > 0 {
		return base[:idx]
	}
	return base
}
