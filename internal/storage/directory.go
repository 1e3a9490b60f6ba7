package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const propertiesFile = ".properties.yaml"

// DirectoryBackend stores datasets as directories and volumes as sparse files.
// User properties live in a YAML file beside each entry.
type DirectoryBackend struct {
	Layout Layout
}

// NewDirectoryBackend returns a backend rooted at root.
func NewDirectoryBackend(root string) *DirectoryBackend {
	return &DirectoryBackend{Layout: Layout{Root: root}}
}

func (b *DirectoryBackend) CreateDataset(_ context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := os.MkdirAll(b.Layout.Path(name), 0o755); err != nil {
		return fmt.Errorf("create dataset %s: %w", name, err)
	}
	return nil
}

func (b *DirectoryBackend) CreateVolume(_ context.Context, name string, sizeGB uint64) error {
	if err := validateName(name); err != nil {
		return err
	}
	if sizeGB == 0 {
		return fmt.Errorf("create volume %s: size must be positive", name)
	}
	target := b.Layout.Path(name)
	if _, err := os.Stat(target); err == nil {
		return nil
	}
	file, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create volume %s: %w", name, err)
	}
	defer file.Close()
	if err := file.Truncate(int64(sizeGB) << 30); err != nil {
		_ = os.Remove(target)
		return fmt.Errorf("size volume %s: %w", name, err)
	}
	return nil
}

func (b *DirectoryBackend) Destroy(_ context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	target := b.Layout.Path(name)
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("destroy %s: %w", name, err)
	}
	if err := os.Remove(target + propertiesFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("destroy %s properties: %w", name, err)
	}
	return nil
}

func (b *DirectoryBackend) SetProperty(_ context.Context, name, key, value string) error {
	file, err := b.propertiesPath(name)
	if err != nil {
		return err
	}
	props, err := readProperties(file)
	if err != nil {
		return err
	}
	props[key] = value
	data, err := yaml.Marshal(props)
	if err != nil {
		return fmt.Errorf("marshal properties: %w", err)
	}
	tmp := file + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write properties: %w", err)
	}
	if err := os.Rename(tmp, file); err != nil {
		return fmt.Errorf("rename properties: %w", err)
	}
	return nil
}

func (b *DirectoryBackend) GetProperty(_ context.Context, name, key string) (string, error) {
	file, err := b.propertiesPath(name)
	if err != nil {
		return "", err
	}
	props, err := readProperties(file)
	if err != nil {
		return "", err
	}
	value, ok := props[key]
	if !ok {
		return "", fmt.Errorf("property %s on %s: %w", key, name, ErrNotFound)
	}
	return value, nil
}

func (b *DirectoryBackend) propertiesPath(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	target := b.Layout.Path(name)
	info, err := os.Stat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("dataset %s: %w", name, ErrNotFound)
		}
		return "", err
	}
	if info.IsDir() {
		return filepath.Join(target, propertiesFile), nil
	}
	return target + propertiesFile, nil
}

func readProperties(file string) (map[string]string, error) {
	props := map[string]string{}
	data, err := os.ReadFile(file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return props, nil
		}
		return nil, fmt.Errorf("read properties: %w", err)
	}
	if err := yaml.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("parse properties %s: %w", file, err)
	}
	if props == nil {
		props = map[string]string{}
	}
	return props, nil
}
