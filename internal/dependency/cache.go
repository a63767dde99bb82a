package dependency

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const readyMarker = ".chainforge_ready"

// Cache 是多个运行共享的包缓存目录。同一个包的安装通过 Locker 串行化，
// 不同包可以并行安装。
type Cache struct {
	dir    string
	locker Locker
}

// NewCache 创建缓存。locker 为空时使用进程内 KeyedMutex。
func NewCache(dir string, locker Locker) (*Cache, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("依赖缓存目录不能为空")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建依赖缓存目录失败: %w", err)
	}
	if locker == nil {
		locker = NewKeyedMutex()
	}
	return &Cache{dir: dir, locker: locker}, nil
}

// Dir 返回缓存根目录。
func (c *Cache) Dir() string {
	return c.dir
}

// EntryDir 返回某个包在缓存中的安装前缀。
func (c *Cache) EntryDir(pkg string) string {
	name := strings.NewReplacer("@", "", "/", "__").Replace(pkg)
	return filepath.Join(c.dir, name)
}

// Ensure 确保包已安装到缓存中，返回是否命中缓存。
func (c *Cache) Ensure(ctx context.Context, pkg string, installer Installer) (bool, error) {
	release, err := c.locker.Acquire(ctx, pkg)
	if err != nil {
		return false, fmt.Errorf("获取依赖 %s 的锁失败: %w", pkg, err)
	}
	defer release()

	entry := c.EntryDir(pkg)
	if _, err := os.Stat(filepath.Join(entry, readyMarker)); err == nil {
		return true, nil
	}
	if err := os.RemoveAll(entry); err != nil {
		return false, fmt.Errorf("清理残留缓存失败: %w", err)
	}
	if err := os.MkdirAll(entry, 0o755); err != nil {
		return false, fmt.Errorf("创建缓存条目失败: %w", err)
	}
	if err := installer.Install(ctx, pkg, entry); err != nil {
		_ = os.RemoveAll(entry)
		return false, err
	}
	if err := os.WriteFile(filepath.Join(entry, readyMarker), []byte(pkg), 0o644); err != nil {
		return false, fmt.Errorf("写入缓存标记失败: %w", err)
	}
	return false, nil
}

// CopyInto 把缓存中的 node_modules 复制到工作区，工作区之间不共享文件。
func (c *Cache) CopyInto(pkg, workspace string) error {
	src := filepath.Join(c.EntryDir(pkg), "node_modules")
	dst := filepath.Join(workspace, "node_modules")
	return copyTree(src, dst)
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
