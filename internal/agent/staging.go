package agent

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// stageTemplate copies templateDir to <experimentDir>/<name>, replacing any
// previous copy, and returns the staged path.
func stageTemplate(templateDir, experimentDir, name string) (string, error) {
	info, err := os.Stat(templateDir)
	if err != nil {
		return "", fmt.Errorf("template directory %s does not exist: %w", templateDir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("template path %s is not a directory", templateDir)
	}

	staged := filepath.Join(experimentDir, name)
	if err := os.RemoveAll(staged); err != nil {
		return "", fmt.Errorf("removing previous staged copy %s: %w", staged, err)
	}
	if err := copyTree(templateDir, staged); err != nil {
		return "", fmt.Errorf("copying %s to %s: %w", templateDir, staged, err)
	}

	info, err = os.Stat(staged)
	if err != nil {
		return "", fmt.Errorf("staged directory %s missing after copy: %w", staged, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("staged path %s is not a directory", staged)
	}
	return staged, nil
}

// copyTree recursively copies src into dst. Symlinks are recreated rather
// than followed and file modes are preserved. Other special files are
// skipped.
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

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch mode := info.Mode(); {
		case mode.IsDir():
			return os.MkdirAll(target, mode.Perm()|0700)
		case mode&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case mode.IsRegular():
			return copyFile(path, target, mode.Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, perm)
}
