package storage

import (
	"context"
	"fmt"
	"os/exec"
	"path"
	"strings"
)

// runZFS executes the zfs utility and returns its combined output.
// Tests replace it.
var runZFS = func(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "zfs", args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// ZFSBackend drives the zfs command line. Dataset names are placed under
// Base, whose mountpoint must match the Layout root used by the store.
type ZFSBackend struct {
	Base       string
	Mountpoint string
}

// NewZFSBackend returns a backend that manages datasets below base.
func NewZFSBackend(base, mountpoint string) *ZFSBackend {
	return &ZFSBackend{Base: strings.TrimSuffix(base, "/"), Mountpoint: mountpoint}
}

func (b *ZFSBackend) dataset(name string) string {
	if name == "" {
		return b.Base
	}
	return path.Join(b.Base, name)
}

func (b *ZFSBackend) exists(ctx context.Context, dataset string) (bool, error) {
	out, err := runZFS(ctx, "list", "-H", "-o", "name", dataset)
	if err == nil {
		return true, nil
	}
	if strings.Contains(out, "does not exist") {
		return false, nil
	}
	return false, fmt.Errorf("zfs list %s: %w: %s", dataset, err, strings.TrimSpace(out))
}

func (b *ZFSBackend) CreateDataset(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	dataset := b.dataset(name)
	ok, err := b.exists(ctx, dataset)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	args := []string{"create", "-p"}
	if name == "" && b.Mountpoint != "" {
		args = append(args, "-o", "mountpoint="+b.Mountpoint)
	}
	args = append(args, dataset)
	if out, err := runZFS(ctx, args...); err != nil {
		return fmt.Errorf("zfs create %s: %w: %s", dataset, err, strings.TrimSpace(out))
	}
	return nil
}

func (b *ZFSBackend) CreateVolume(ctx context.Context, name string, sizeGB uint64) error {
	if err := validateName(name); err != nil {
		return err
	}
	if sizeGB == 0 {
		return fmt.Errorf("create volume %s: size must be positive", name)
	}
	dataset := b.dataset(name)
	ok, err := b.exists(ctx, dataset)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if out, err := runZFS(ctx, "create", "-V", fmt.Sprintf("%dG", sizeGB), dataset); err != nil {
		return fmt.Errorf("zfs create volume %s: %w: %s", dataset, err, strings.TrimSpace(out))
	}
	return nil
}

func (b *ZFSBackend) Destroy(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	dataset := b.dataset(name)
	ok, err := b.exists(ctx, dataset)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if out, err := runZFS(ctx, "destroy", "-r", dataset); err != nil {
		return fmt.Errorf("zfs destroy %s: %w: %s", dataset, err, strings.TrimSpace(out))
	}
	return nil
}

func (b *ZFSBackend) SetProperty(ctx context.Context, name, key, value string) error {
	if err := validateName(name); err != nil {
		return err
	}
	dataset := b.dataset(name)
	if out, err := runZFS(ctx, "set", key+"="+value, dataset); err != nil {
		return fmt.Errorf("zfs set %s on %s: %w: %s", key, dataset, err, strings.TrimSpace(out))
	}
	return nil
}

func (b *ZFSBackend) GetProperty(ctx context.Context, name, key string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	dataset := b.dataset(name)
	out, err := runZFS(ctx, "get", "-H", "-o", "value", key, dataset)
	if err != nil {
		if strings.Contains(out, "does not exist") {
			return "", fmt.Errorf("dataset %s: %w", dataset, ErrNotFound)
		}
		return "", fmt.Errorf("zfs get %s on %s: %w: %s", key, dataset, err, strings.TrimSpace(out))
	}
	value := strings.TrimSpace(out)
	if value == "-" || value == "" {
		return "", fmt.Errorf("property %s on %s: %w", key, dataset, ErrNotFound)
	}
	return value, nil
}
