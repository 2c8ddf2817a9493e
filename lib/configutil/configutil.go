package configutil

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/titanous/json5"
)

func splitExt(filename string) (string, string) {
	i := strings.LastIndexByte(filename, '.')
	if i < 0 {
		return filename, ""
	}
	return filename[:i], filename[i+1:]
}

// readJson5 reports whether the file existed and was non-empty.
func readJson5[T any](path string, out *T) (bool, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(raw) == 0 {
		return false, nil
	}
	err = json5.Unmarshal(raw, out)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}

// ReadConfig loads `name` (extension included), then merges
// <name>.local.<ext> over it when present, so deployments can override
// individual keys without copying the whole file. returns
// os.ErrNotExist when neither file exists.
func ReadConfig[T any](name string) (T, error) {
	var out T

	prefix, ext := splitExt(filepath.Base(name))
	localPath := filepath.Join(
		filepath.Dir(name),
		fmt.Sprintf("%s.local.%s", prefix, ext),
	)

	haveBase, err := readJson5(name, &out)
	if err != nil {
		return out, err
	}

	var override T
	haveLocal, err := readJson5(localPath, &override)
	if err != nil {
		return out, err
	}
	if haveLocal {
		err = mergo.Merge(&out, override, mergo.WithOverride)
		if err != nil {
			return out, err
		}
		slog.Info("merged local config overrides", "path", localPath)
	}

	if !haveBase && !haveLocal {
		return out, os.ErrNotExist
	}
	return out, nil
}

// ReadRecursively walks from the working directory up to the
// filesystem root looking for a config file with the given name.
func ReadRecursively[T any](name string) (T, error) {
	var defaultOut T

	root, err := filepath.Abs("/")
	if err != nil {
		return defaultOut, err
	}
	current, err := os.Getwd()
	if err != nil {
		return defaultOut, err
	}

	for current != root {
		config, err := ReadConfig[T](filepath.Join(current, name))
		if os.IsNotExist(err) {
			current = filepath.Join(current, "..")
			continue
		}
		if err != nil {
			return defaultOut, err
		}
		return config, nil
	}

	return defaultOut, os.ErrNotExist
}
