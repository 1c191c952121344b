package child

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// BuildEnv merges overrides into base and prepends searchPath to PATH.
// Entries of searchPath may start with "~/".
func BuildEnv(base []string, overrides map[string]string, searchPath []string) []string {
	order := make([]string, 0, len(base)+len(overrides))
	values := make(map[string]string, len(base)+len(overrides))
	set := func(key, value string) {
		if _, ok := values[key]; !ok {
			order = append(order, key)
		}
		values[key] = value
	}

	for _, entry := range base {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			continue
		}
		set(key, value)
	}

	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if strings.TrimSpace(key) == "" {
			continue
		}
		set(key, overrides[key])
	}

	if prefix := expandSearchPath(searchPath); len(prefix) > 0 {
		current := values["PATH"]
		if current != "" {
			prefix = append(prefix, current)
		}
		set("PATH", strings.Join(prefix, string(os.PathListSeparator)))
	}

	env := make([]string, 0, len(order))
	for _, key := range order {
		env = append(env, key+"="+values[key])
	}
	return env
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	path = strings.TrimSpace(path)
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func expandSearchPath(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		entry = ExpandHome(entry)
		if entry == "" {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// LookPathIn resolves file against pathValue instead of the current
// process PATH.
func LookPathIn(file, pathValue string) (string, error) {
	return lookPathIn(file, pathValue, checkExecutable)
}

func lookPathIn(file, pathValue string, executable func(path string) error) (string, error) {
	if executable == nil {
		return "", errors.New("executable check is required")
	}
	file = strings.TrimSpace(file)
	if file == "" {
		return "", &exec.Error{Name: file, Err: exec.ErrNotFound}
	}

	if strings.ContainsRune(file, '/') || strings.ContainsRune(file, os.PathSeparator) {
		if err := executable(file); err != nil {
			return "", &exec.Error{Name: file, Err: err}
		}
		return file, nil
	}

	for _, dir := range filepath.SplitList(pathValue) {
		// Empty entries would mean the working directory; never search it implicitly.
		if strings.TrimSpace(dir) == "" {
			continue
		}
		candidate := filepath.Join(dir, file)
		if executable(candidate) == nil {
			return candidate, nil
		}
	}
	return "", &exec.Error{Name: file, Err: exec.ErrNotFound}
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory: %w", path, fs.ErrPermission)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s is not executable: %w", path, fs.ErrPermission)
	}
	return nil
}

// Resolve returns the executable path and environment Start would use for
// spec.
func Resolve(spec Spec) (string, []string, error) {
	env := BuildEnv(os.Environ(), spec.Env, spec.SearchPath)
	path, err := LookPathIn(strings.TrimSpace(spec.Command), envValue(env, "PATH"))
	if err != nil {
		return "", nil, err
	}
	return path, env, nil
}
