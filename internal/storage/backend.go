// Package storage provisions the datasets and volumes that back guests and
// networks.
//
// Dataset names are relative to the backend root ("vm/web", "networks/lan").
// The empty name addresses the root itself.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// User properties tagged on every entity dataset.
const (
	PropertyType = "hvd:type"
	PropertyName = "hvd:name"
)

// ErrNotFound is returned when a dataset or property does not exist.
var ErrNotFound = errors.New("not found")

// Backend is the dataset and volume manager contract.
//
// CreateDataset and CreateVolume succeed when the target already exists.
// Destroy succeeds when the target is missing and removes descendants.
type Backend interface {
	CreateDataset(ctx context.Context, name string) error
	CreateVolume(ctx context.Context, name string, sizeGB uint64) error
	Destroy(ctx context.Context, name string) error
	SetProperty(ctx context.Context, name, key, value string) error
	GetProperty(ctx context.Context, name, key string) (string, error)
}

// Top level datasets created by Init.
const (
	VMRoot      = "vm"
	NetworkRoot = "networks"
	ConfigRoot  = "config"
)

// VM returns the dataset of a guest.
func VM(name string) string { return path.Join(VMRoot, name) }

// VMDisks returns the dataset holding a guest's disk volumes.
func VMDisks(name string) string { return path.Join(VMRoot, name, "disks") }

// VMState returns the dataset holding a guest's runtime state.
func VMState(name string) string { return path.Join(VMRoot, name, "state") }

// VMDisk returns the volume name of one guest disk.
func VMDisk(name, disk string) string { return path.Join(VMRoot, name, "disks", disk) }

// Network returns the dataset of a network.
func Network(name string) string { return path.Join(NetworkRoot, name) }

// Layout maps dataset names onto the filesystem where they are mounted.
type Layout struct {
	Root string
}

// Path returns the mounted location of a dataset.
func (l Layout) Path(name string) string {
	if name == "" {
		return l.Root
	}
	return filepath.Join(l.Root, filepath.FromSlash(name))
}

// Init creates the root dataset and the top level hierarchy.
func Init(ctx context.Context, backend Backend) error {
	for _, name := range []string{"", VMRoot, NetworkRoot, ConfigRoot} {
		if err := backend.CreateDataset(ctx, name); err != nil {
			return fmt.Errorf("initialize storage %q: %w", name, err)
		}
	}
	return nil
}

// Tag sets the type and name user properties on an entity dataset.
func Tag(ctx context.Context, backend Backend, dataset, kind, name string) error {
	if err := backend.SetProperty(ctx, dataset, PropertyType, kind); err != nil {
		return err
	}
	return backend.SetProperty(ctx, dataset, PropertyName, name)
}

// Exists reports whether an entity dataset carrying a type tag is present.
func Exists(ctx context.Context, backend Backend, dataset string) (bool, error) {
	_, err := backend.GetProperty(ctx, dataset, PropertyType)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func validateName(name string) error {
	if strings.HasPrefix(name, "/") || strings.Contains(name, "..") {
		return fmt.Errorf("invalid dataset name %q", name)
	}
	return nil
}
